package transformer

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/eddielth/ddg-agent/config"
	"github.com/eddielth/ddg-agent/logger"
)

// Manager 按设备类型管理转换脚本，类型名不区分大小写
type Manager struct {
	transformers map[string]*Transformer
	mutex        sync.RWMutex
}

// Transformer 表示一个数据转换器。goja 运行时不是并发安全的，调用需加锁。
type Transformer struct {
	mu         sync.Mutex
	vm         *goja.Runtime
	transform  goja.Callable
	scriptPath string
}

// NewManager 创建转换器管理器
func NewManager(configs map[string]config.Transformer) (*Manager, error) {
	manager := &Manager{
		transformers: make(map[string]*Transformer),
	}

	for deviceType, cfg := range configs {
		if err := manager.ReloadTransformer(deviceType, cfg); err != nil {
			return nil, fmt.Errorf("为设备类型 %s 创建转换器失败: %w", deviceType, err)
		}
	}

	return manager, nil
}

// Types 返回已加载的设备类型
func (m *Manager) Types() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	types := make([]string, 0, len(m.transformers))
	for t := range m.transformers {
		types = append(types, t)
	}
	return types
}

func loadScript(cfg config.Transformer) (string, error) {
	// 优先使用配置中的脚本代码
	if cfg.ScriptCode != "" {
		return cfg.ScriptCode, nil
	}
	if cfg.ScriptPath == "" {
		return "", fmt.Errorf("没有提供脚本代码或脚本路径")
	}

	scriptBytes, err := os.ReadFile(cfg.ScriptPath)
	if err != nil {
		return "", fmt.Errorf("无法加载脚本文件 %s: %w", cfg.ScriptPath, err)
	}
	return string(scriptBytes), nil
}

// newTransformer 创建运行时、注入辅助函数并取得 transform 函数
func newTransformer(scriptCode, scriptPath string) (*Transformer, error) {
	vm := goja.New()

	_ = vm.Set("log", func(msg string) {
		logger.Info("[JS] %s", msg)
	})

	_ = vm.Set("parseJSON", func(jsonStr string) interface{} {
		var data interface{}
		if err := json.Unmarshal([]byte(jsonStr), &data); err != nil {
			logger.Warn("解析JSON失败: %v", err)
			return nil
		}
		return data
	})

	_ = vm.Set("formatDate", func(timestamp int64, format string) string {
		if format == "" {
			format = "2006-01-02 15:04:05"
		}
		return time.Unix(timestamp, 0).Format(format)
	})

	_ = vm.Set("convertTemperature", convertTemperature)

	// 百分比换算，设备上报已用/总量时使用
	_ = vm.Set("percent", func(used, total float64) float64 {
		if total <= 0 {
			return 0
		}
		return used / total * 100
	})

	_ = vm.Set("validateRange", func(value float64, min float64, max float64) bool {
		return value >= min && value <= max
	})

	if _, err := vm.RunString(scriptCode); err != nil {
		return nil, fmt.Errorf("执行脚本失败: %w", err)
	}

	transform, ok := goja.AssertFunction(vm.Get("transform"))
	if !ok {
		return nil, fmt.Errorf("脚本中没有定义 'transform' 函数")
	}

	return &Transformer{
		vm:         vm,
		transform:  transform,
		scriptPath: scriptPath,
	}, nil
}

func convertTemperature(value float64, fromUnit string, toUnit string) float64 {
	fromUnit = strings.ToUpper(fromUnit)
	toUnit = strings.ToUpper(toUnit)

	var celsius float64
	switch fromUnit {
	case "C":
		celsius = value
	case "F":
		celsius = (value - 32) * 5 / 9
	case "K":
		celsius = value - 273.15
	default:
		return value // 未知单位，返回原值
	}

	switch toUnit {
	case "C":
		return celsius
	case "F":
		return celsius*9/5 + 32
	case "K":
		return celsius + 273.15
	default:
		return celsius
	}
}

// Transform 调用 transform(raw, deviceId)，结果未给出 device_id 时使用 deviceID
func (m *Manager) Transform(deviceType, deviceID string, data []byte) (Reading, error) {
	m.mutex.RLock()
	transformer, exists := m.transformers[strings.ToLower(deviceType)]
	m.mutex.RUnlock()

	if !exists {
		return Reading{}, fmt.Errorf("没有找到设备类型 %s 的转换器", deviceType)
	}

	transformer.mu.Lock()
	result, err := transformer.transform(goja.Undefined(),
		transformer.vm.ToValue(string(data)),
		transformer.vm.ToValue(deviceID))
	var exported interface{}
	if err == nil {
		exported = result.Export()
	}
	transformer.mu.Unlock()

	if err != nil {
		return Reading{}, fmt.Errorf("执行转换失败: %w", err)
	}
	if exported == nil {
		return Reading{}, fmt.Errorf("转换脚本没有返回数据")
	}

	jsonData, err := json.Marshal(exported)
	if err != nil {
		return Reading{}, fmt.Errorf("序列化JavaScript结果失败: %w", err)
	}

	var reading Reading
	if err := json.Unmarshal(jsonData, &reading); err != nil {
		return Reading{}, fmt.Errorf("解析为Reading结构失败: %w", err)
	}

	if reading.DeviceID == "" {
		reading.DeviceID = deviceID
	}

	return reading, nil
}

// ReloadTransformer 重新加载指定设备类型的转换器
func (m *Manager) ReloadTransformer(deviceType string, cfg config.Transformer) error {
	scriptCode, err := loadScript(cfg)
	if err != nil {
		return err
	}

	transformer, err := newTransformer(scriptCode, cfg.ScriptPath)
	if err != nil {
		return fmt.Errorf("创建转换器失败: %w", err)
	}

	m.mutex.Lock()
	m.transformers[strings.ToLower(deviceType)] = transformer
	m.mutex.Unlock()

	logger.Info("已加载设备类型 %s 的转换器", deviceType)
	return nil
}
