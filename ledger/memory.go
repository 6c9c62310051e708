package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// WriteKind 区分写操作类型
type WriteKind string

const (
	WriteRegister WriteKind = "registerDevice"
	WriteStatus   WriteKind = "updateDeviceStatus"
	WriteAbnormal WriteKind = "markDeviceAbnormal"
)

// Write 记录一次已确认的写操作
type Write struct {
	Kind       WriteKind
	DeviceID   string
	Credential string
	IsAbnormal bool
	Reason     string
	At         time.Time
}

// MemoryRegistry 是进程内的设备注册表，遵循合约的注册冲突与所有权规则。
// 未配置RPC时用于本地演示，也用于测试。
type MemoryRegistry struct {
	mu      sync.Mutex
	admin   string
	devices map[string]*Device
	history []Write
	delay   time.Duration
	now     func() time.Time
}

// NewMemoryRegistry 创建注册表，admin 可写任意设备
func NewMemoryRegistry(admin string, confirmDelay time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		admin:   admin,
		devices: make(map[string]*Device),
		delay:   confirmDelay,
		now:     time.Now,
	}
}

// As 返回以指定凭证签名的 Ledger 视图
func (r *MemoryRegistry) As(credential string) Ledger {
	return &memoryLedger{registry: r, credential: credential}
}

// History 返回已确认写操作的副本
func (r *MemoryRegistry) History() []Write {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Write, len(r.history))
	copy(out, r.history)
	return out
}

// confirm 模拟交易确认延迟
func (r *MemoryRegistry) confirm(ctx context.Context) error {
	if r.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(r.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait confirmation: %w: %v", ErrTransport, ctx.Err())
	}
}

func (r *MemoryRegistry) authorize(deviceID, credential string) (*Device, error) {
	device, ok := r.devices[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	if device.Owner != credential && credential != r.admin {
		return nil, ErrUnauthorized
	}
	return device, nil
}

type memoryLedger struct {
	registry   *MemoryRegistry
	credential string
}

func (m *memoryLedger) Credential() string {
	return m.credential
}

func (m *memoryLedger) RegisterDevice(ctx context.Context, deviceID, name, deviceType string) error {
	r := m.registry
	r.mu.Lock()
	if _, exists := r.devices[deviceID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("registerDevice %s: %w", deviceID, ErrAlreadyRegistered)
	}
	r.devices[deviceID] = &Device{
		DeviceID:       deviceID,
		DeviceName:     name,
		DeviceType:     deviceType,
		LastUpdateTime: r.now(),
		Owner:          m.credential,
	}
	r.history = append(r.history, Write{Kind: WriteRegister, DeviceID: deviceID, Credential: m.credential, At: r.now()})
	r.mu.Unlock()

	return r.confirm(ctx)
}

func (m *memoryLedger) UpdateDeviceStatus(ctx context.Context, deviceID string, isOnline bool, temperature, cpuUsage, memoryUsage int64) error {
	if temperature < 0 || cpuUsage < 0 || memoryUsage < 0 {
		return fmt.Errorf("updateDeviceStatus %s: negative metric value", deviceID)
	}

	r := m.registry
	r.mu.Lock()
	device, err := r.authorize(deviceID, m.credential)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("updateDeviceStatus %s: %w", deviceID, err)
	}
	device.IsOnline = isOnline
	device.Temperature = temperature
	device.CPUUsage = cpuUsage
	device.MemoryUsage = memoryUsage
	device.LastUpdateTime = r.now()
	r.history = append(r.history, Write{Kind: WriteStatus, DeviceID: deviceID, Credential: m.credential, At: r.now()})
	r.mu.Unlock()

	return r.confirm(ctx)
}

func (m *memoryLedger) MarkDeviceAbnormal(ctx context.Context, deviceID string, isAbnormal bool, reason string) error {
	r := m.registry
	r.mu.Lock()
	device, err := r.authorize(deviceID, m.credential)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("markDeviceAbnormal %s: %w", deviceID, err)
	}
	device.IsAbnormal = isAbnormal
	device.AbnormalReason = reason
	r.history = append(r.history, Write{
		Kind:       WriteAbnormal,
		DeviceID:   deviceID,
		Credential: m.credential,
		IsAbnormal: isAbnormal,
		Reason:     reason,
		At:         r.now(),
	})
	r.mu.Unlock()

	return r.confirm(ctx)
}

func (m *memoryLedger) GetDevice(_ context.Context, deviceID string) (Device, error) {
	r := m.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	device, ok := r.devices[deviceID]
	if !ok {
		return Device{}, fmt.Errorf("getDevice %s: %w", deviceID, ErrDeviceNotFound)
	}
	return *device, nil
}
