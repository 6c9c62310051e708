package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrAlreadyRegistered 设备ID已存在，注册冲突
	ErrAlreadyRegistered = errors.New("device already registered")
	// ErrUnauthorized 写入被合约的所有权检查拒绝
	ErrUnauthorized = errors.New("only device owner or admin")
	// ErrDeviceNotFound 设备未注册
	ErrDeviceNotFound = errors.New("device not found")
	// ErrTransport RPC或网络层失败
	ErrTransport = errors.New("ledger transport failure")
)

// Device 表示注册表中设备的只读快照
type Device struct {
	DeviceID       string    `json:"device_id"`
	DeviceName     string    `json:"device_name"`
	DeviceType     string    `json:"device_type"`
	IsOnline       bool      `json:"is_online"`
	Temperature    int64     `json:"temperature"` // 定点数 ×100
	CPUUsage       int64     `json:"cpu_usage"`
	MemoryUsage    int64     `json:"memory_usage"`
	LastUpdateTime time.Time `json:"last_update_time"`
	IsAbnormal     bool      `json:"is_abnormal"`
	AbnormalReason string    `json:"abnormal_reason"`
	Owner          string    `json:"owner"`
}

// Ledger 是设备注册表的调用契约。
// 所有写操作在交易确认后才返回。
type Ledger interface {
	// RegisterDevice 注册设备，ID已存在时返回 ErrAlreadyRegistered
	RegisterDevice(ctx context.Context, deviceID, name, deviceType string) error
	// UpdateDeviceStatus 上报在线状态与定点数指标
	UpdateDeviceStatus(ctx context.Context, deviceID string, isOnline bool, temperature, cpuUsage, memoryUsage int64) error
	// MarkDeviceAbnormal 标记或清除异常
	MarkDeviceAbnormal(ctx context.Context, deviceID string, isAbnormal bool, reason string) error
	// GetDevice 读取设备快照
	GetDevice(ctx context.Context, deviceID string) (Device, error)
	// Credential 返回签名身份（地址），用于选择提交队列
	Credential() string
}

// classifyRevert 将合约 revert 文本映射到错误分类
func classifyRevert(op string, err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "already registered"):
		return fmt.Errorf("%s: %w", op, ErrAlreadyRegistered)
	case strings.Contains(msg, "Only device owner or admin"):
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case strings.Contains(msg, "Device not found"), strings.Contains(msg, "does not exist"):
		return fmt.Errorf("%s: %w", op, ErrDeviceNotFound)
	default:
		return fmt.Errorf("%s: %w: %v", op, ErrTransport, err)
	}
}
