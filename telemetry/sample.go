package telemetry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Scale 定点数放大倍数，6500 表示 65.00
const Scale = 100

// ErrNoSample 自上次读取后没有新的上报样本
var ErrNoSample = errors.New("no fresh telemetry sample")

// Sample 表示一次设备指标采样，指标均为定点数 ×100
type Sample struct {
	DeviceID    string    `json:"device_id"`
	IsOnline    bool      `json:"is_online"`
	Temperature int64     `json:"temperature"`
	CPUUsage    int64     `json:"cpu_usage"`
	MemoryUsage int64     `json:"memory_usage"`
	Timestamp   time.Time `json:"timestamp"`
}

// TemperatureC 返回摄氏温度
func (s Sample) TemperatureC() float64 { return float64(s.Temperature) / Scale }

// CPUPercent 返回CPU使用率百分比
func (s Sample) CPUPercent() float64 { return float64(s.CPUUsage) / Scale }

// MemoryPercent 返回内存使用率百分比
func (s Sample) MemoryPercent() float64 { return float64(s.MemoryUsage) / Scale }

// String 用于日志输出
func (s Sample) String() string {
	online := "online"
	if !s.IsOnline {
		online = "offline"
	}
	return fmt.Sprintf("%s %s temp=%.1f°C cpu=%.1f%% mem=%.1f%%",
		s.DeviceID, online, s.TemperatureC(), s.CPUPercent(), s.MemoryPercent())
}

// Source 为设备提供下一次采样
type Source interface {
	Next(ctx context.Context, deviceID string) (Sample, error)
}
