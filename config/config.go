package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/eddielth/ddg-agent/agent"
	"github.com/eddielth/ddg-agent/ledger"
	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/telemetry"
)

// DefaultInterval 未配置间隔时的上报周期
const DefaultInterval = 5 * time.Minute

// Config 表示应用程序的配置
type Config struct {
	Ledger       LedgerConfig           `mapstructure:"ledger"`
	Agent        AgentConfig            `mapstructure:"agent"`
	Reasoning    ReasoningConfig        `mapstructure:"reasoning"`
	MQTT         MQTTConfig             `mapstructure:"mqtt"`
	Transformers map[string]Transformer `mapstructure:"transformers"`
	Storage      StorageConfig          `mapstructure:"storage"`
	Logger       LoggerConfig           `mapstructure:"logger"`
	Tracing      TracingConfig          `mapstructure:"tracing"`
}

// LedgerConfig 表示链上注册表的配置，RPC地址为空时使用进程内注册表
type LedgerConfig struct {
	RPCURL          string `mapstructure:"rpc_url"`
	PrivateKey      string `mapstructure:"private_key"`
	ContractAddress string `mapstructure:"contract_address"`
	// ConfirmDelay 进程内注册表模拟的确认延迟
	ConfirmDelay time.Duration `mapstructure:"confirm_delay"`
}

// AgentConfig 表示设备代理的配置
type AgentConfig struct {
	Devices         []agent.DeviceConfig  `mapstructure:"devices"`
	IntervalSeconds float64               `mapstructure:"interval_seconds"`
	IntervalMinutes float64               `mapstructure:"interval_minutes"`
	Fault           telemetry.FaultConfig `mapstructure:"fault"`
}

// ReasoningConfig 表示推理服务的配置，API Key 为空时只使用规则结论
type ReasoningConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MQTTConfig 表示MQTT连接的配置，启用后代理读取设备实际上报的数据
type MQTTConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Broker   string   `mapstructure:"broker"`
	ClientID string   `mapstructure:"client_id"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	Topics   []string `mapstructure:"topics"`
	// QoS 订阅的服务质量等级 0/1/2
	QoS byte `mapstructure:"qos"`
}

// Transformer 表示数据转换器的配置
type Transformer struct {
	ScriptPath string `mapstructure:"script_path"`
	ScriptCode string `mapstructure:"script_code"`
}

// LoggerConfig 表示日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	Console    bool   `mapstructure:"console"`
}

// TracingConfig 表示 OpenTelemetry 配置
type TracingConfig struct {
	// Exporter none / stdout / otlp
	Exporter    string `mapstructure:"exporter"`
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// StorageConfig 表示归档配置
type StorageConfig struct {
	File     FileStorageConfig     `mapstructure:"file"`
	Database DatabaseStorageConfig `mapstructure:"database"`
}

// FileStorageConfig 表示文件归档配置
type FileStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// DatabaseStorageConfig 表示数据库归档配置
type DatabaseStorageConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Type    string `mapstructure:"type"`
	DSN     string `mapstructure:"dsn"`
}

// ConfigChangeCallback 是配置文件变更时的回调函数类型
type ConfigChangeCallback func(cfg *Config) error

// envBindings 配置键与环境变量名的对应关系，沿用演示环境的 .env 变量名
var envBindings = map[string]string{
	"ledger.rpc_url":          "MANTLE_RPC_URL",
	"ledger.private_key":      "PRIVATE_KEY",
	"ledger.contract_address": "DEVICE_STATUS_CONTRACT",
	"agent.interval_seconds":  "DEMO_INTERVAL_SECONDS",
	"agent.interval_minutes":  "UPLOAD_INTERVAL_MINUTES",
	"agent.fault.device_id":   "DEMO_FORCE_ABNORMAL_DEVICE_ID",
	"agent.fault.kind":        "DEMO_FORCE_ABNORMAL_TYPE",
	"agent.fault.probability": "DEMO_FORCE_ABNORMAL_PROB",
	"reasoning.api_key":       "OPENAI_API_KEY",
	"reasoning.model":         "OPENAI_MODEL",
	"reasoning.base_url":      "OPENAI_BASE_URL",
	"logger.level":            "LOG_LEVEL",
}

// v 当前加载的配置实例，WatchConfig 复用它
var v = viper.New()

// DefaultDevices 返回默认的三台演示设备
func DefaultDevices() []agent.DeviceConfig {
	return []agent.DeviceConfig{
		{ID: "device-server-001", Name: "Production Server Alpha", Type: "Server"},
		{ID: "device-iot-001", Name: "Temperature Sensor #1", Type: "IoT"},
		{ID: "device-node-001", Name: "Blockchain Node #1", Type: "Web3Node"},
	}
}

// LoadConfig 加载配置：可选的YAML文件，然后是 .env，最后是环境变量。
// configPath 指向的文件不存在时只使用环境变量与默认值。
func LoadConfig(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	nv := viper.New()
	setDefaults(nv)

	for key, env := range envBindings {
		if err := nv.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	nv.SetEnvPrefix("DDG")
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	nv.AutomaticEnv()

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			nv.SetConfigFile(configPath)
			nv.SetConfigType("yaml")
			if err := nv.ReadInConfig(); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	cfg, err := decode(nv)
	if err != nil {
		return nil, err
	}

	v = nv
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("reasoning.model", "gpt-4o-mini")
	v.SetDefault("reasoning.timeout", "10s")
	v.SetDefault("mqtt.topics", []string{"devices/+/+"})
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("storage.file.path", "./data")
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.file_path", "./logs/agent.log")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.console", true)
	v.SetDefault("tracing.exporter", "none")
	v.SetDefault("tracing.service_name", "ddg-agent")
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if len(config.Agent.Devices) == 0 {
		config.Agent.Devices = DefaultDevices()
	}
	for i := range config.Agent.Devices {
		if config.Agent.Devices[i].Baseline == (telemetry.Baseline{}) {
			config.Agent.Devices[i].Baseline = telemetry.DefaultBaseline()
		}
	}
	config.Agent.Fault.Kind = telemetry.FaultKind(strings.ToLower(strings.TrimSpace(string(config.Agent.Fault.Kind))))

	return &config, nil
}

// Interval 上报周期：秒数优先，其次分钟数，否则5分钟。两者都接受小数
func (c *Config) Interval() time.Duration {
	switch {
	case c.Agent.IntervalSeconds > 0:
		return time.Duration(c.Agent.IntervalSeconds * float64(time.Second))
	case c.Agent.IntervalMinutes > 0:
		return time.Duration(c.Agent.IntervalMinutes * float64(time.Minute))
	default:
		return DefaultInterval
	}
}

// Validate 检查启动前必须正确的配置项
func (c *Config) Validate() error {
	var errs []error

	if c.Ledger.RPCURL != "" {
		if c.Ledger.PrivateKey == "" {
			errs = append(errs, errors.New("PRIVATE_KEY is required when MANTLE_RPC_URL is set"))
		}
		if !common.IsHexAddress(c.Ledger.ContractAddress) {
			errs = append(errs, fmt.Errorf("invalid DEVICE_STATUS_CONTRACT %q", c.Ledger.ContractAddress))
		}
	}
	if c.Ledger.PrivateKey != "" {
		key := ledger.SanitizePrivateKey(c.Ledger.PrivateKey)
		if _, err := hex.DecodeString(key); err != nil || len(key) != 64 {
			errs = append(errs, errors.New("PRIVATE_KEY must be 32 bytes of hex, with or without 0x"))
		}
	}

	seen := make(map[string]bool, len(c.Agent.Devices))
	for _, d := range c.Agent.Devices {
		switch {
		case d.ID == "":
			errs = append(errs, errors.New("device id cannot be empty"))
		case seen[d.ID]:
			errs = append(errs, fmt.Errorf("duplicate device id %s", d.ID))
		}
		seen[d.ID] = true
	}

	f := c.Agent.Fault
	if f.Probability < 0 || f.Probability > 1 {
		errs = append(errs, fmt.Errorf("fault probability %v not in [0, 1]", f.Probability))
	}
	if f.Kind != "" && !f.Kind.Valid() {
		errs = append(errs, fmt.Errorf("unknown fault kind %q", f.Kind))
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("mqtt broker cannot be empty when mqtt is enabled"))
		}
		if c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("mqtt qos %d not in [0, 2]", c.MQTT.QoS))
		}
		for deviceType, t := range c.Transformers {
			if t.ScriptCode == "" && t.ScriptPath == "" {
				errs = append(errs, fmt.Errorf("transformer %s has neither script_code nor script_path", deviceType))
			}
		}
	}

	if db := c.Storage.Database; db.Enabled && db.Type != "mysql" && db.Type != "postgresql" {
		errs = append(errs, fmt.Errorf("unsupported database type %q", db.Type))
	}

	switch c.Tracing.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter))
	}

	if _, err := logger.ParseLogLevel(c.Logger.Level); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// WatchConfig 监听配置文件变化并调用回调函数，新配置校验失败时不调用
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}
	if _, err := os.Stat(absPath); err != nil {
		return err
	}

	w := v
	w.SetConfigFile(absPath)
	w.WatchConfig()

	// 防抖动处理，避免短时间内多次触发
	var lastChangeTime time.Time
	var debounceInterval = 2 * time.Second

	w.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&fsnotify.Write != fsnotify.Write {
			return
		}
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			return
		}
		lastChangeTime = now

		logger.Info("检测到配置文件变更: %s", e.Name)

		newConfig, err := decode(w)
		if err != nil {
			logger.Error("解析更新后的配置失败: %v", err)
			return
		}
		if err := newConfig.Validate(); err != nil {
			logger.Error("更新后的配置无效: %v", err)
			return
		}

		if err := callback(newConfig); err != nil {
			logger.Error("应用新配置失败: %v", err)
			return
		}

		logger.Info("配置已成功更新并应用")
	})

	return nil
}
