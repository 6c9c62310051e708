package telemetry

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// FaultKind 演示用的强制异常类型
type FaultKind string

const (
	FaultOffline         FaultKind = "offline"
	FaultHighTemperature FaultKind = "high_temperature"
	FaultHighCPU         FaultKind = "high_cpu"
	FaultHighMemory      FaultKind = "high_memory"
)

// Valid 判断是否为已知的异常类型
func (k FaultKind) Valid() bool {
	switch k {
	case FaultOffline, FaultHighTemperature, FaultHighCPU, FaultHighMemory:
		return true
	}
	return false
}

// 强制异常注入的固定极值
const (
	forcedTemperature int64 = 9500
	forcedCPUUsage    int64 = 9900
	forcedMemoryUsage int64 = 9900
)

// onlineProbability 每次采样在线的概率
const onlineProbability = 0.95

// Baseline 表示设备指标基线（实际值，非定点）
type Baseline struct {
	Temperature float64 `mapstructure:"temperature"`
	CPUUsage    float64 `mapstructure:"cpu_usage"`
	MemoryUsage float64 `mapstructure:"memory_usage"`
}

// DefaultBaseline 返回默认基线: 45°C, CPU 30%, 内存 50%
func DefaultBaseline() Baseline {
	return Baseline{Temperature: 45, CPUUsage: 30, MemoryUsage: 50}
}

// FaultConfig 演示模式的强制异常配置，三项全部设置时才生效
type FaultConfig struct {
	DeviceID    string    `mapstructure:"device_id"`
	Kind        FaultKind `mapstructure:"kind"`
	Probability float64   `mapstructure:"probability"`
}

// Enabled 判断配置是否完整
func (f FaultConfig) Enabled() bool {
	return f.DeviceID != "" && f.Kind != "" && f.Probability > 0
}

// Generator 生成模拟遥测数据
type Generator struct {
	mu        sync.Mutex
	rng       *rand.Rand
	baselines map[string]Baseline
	fault     FaultConfig
	now       func() time.Time
}

// NewGenerator 创建生成器，rng 为 nil 时使用随机种子
func NewGenerator(rng *rand.Rand) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Generator{
		rng:       rng,
		baselines: make(map[string]Baseline),
		now:       time.Now,
	}
}

// SetBaseline 设置设备基线
func (g *Generator) SetBaseline(deviceID string, b Baseline) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.baselines[deviceID] = b
}

// SetFault 更新强制异常配置，支持配置热更新
func (g *Generator) SetFault(f FaultConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fault = f
}

// Next 实现 Source
func (g *Generator) Next(_ context.Context, deviceID string) (Sample, error) {
	return g.Generate(deviceID), nil
}

// Generate 基于基线与随机扰动生成一次采样
func (g *Generator) Generate(deviceID string) Sample {
	g.mu.Lock()
	defer g.mu.Unlock()

	b, ok := g.baselines[deviceID]
	if !ok {
		b = DefaultBaseline()
	}

	// 温度 ±15, CPU ±30, 内存 ±20
	temperature := clamp(b.Temperature+(g.rng.Float64()-0.5)*30, 20, 100)
	cpu := clamp(b.CPUUsage+(g.rng.Float64()-0.5)*60, 0, 100)
	memory := clamp(b.MemoryUsage+(g.rng.Float64()-0.5)*40, 0, 100)

	s := Sample{
		DeviceID:    deviceID,
		IsOnline:    g.rng.Float64() < onlineProbability,
		Temperature: Fixed(temperature),
		CPUUsage:    Fixed(cpu),
		MemoryUsage: Fixed(memory),
		Timestamp:   g.now(),
	}

	g.applyFault(&s)
	return s
}

// applyFault 在概率命中时将对应字段强制为极值
func (g *Generator) applyFault(s *Sample) {
	f := g.fault
	if !f.Enabled() || f.DeviceID != s.DeviceID {
		return
	}
	if g.rng.Float64() > f.Probability {
		return
	}

	switch f.Kind {
	case FaultOffline:
		s.IsOnline = false
	case FaultHighTemperature:
		s.Temperature = forcedTemperature
	case FaultHighCPU:
		s.CPUUsage = forcedCPUUsage
	case FaultHighMemory:
		s.MemoryUsage = forcedMemoryUsage
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// Fixed 将自然单位的读数转换为 ×100 定点数（向下取整），用于模拟数据
func Fixed(v float64) int64 {
	return int64(math.Floor(v * Scale))
}

// Rounded 按四舍五入转换为 ×100 定点数，用于设备上报的小数读数
func Rounded(v float64) int64 {
	return int64(math.Round(v * Scale))
}
