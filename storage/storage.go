// Package storage 归档每一次采集周期的样本、结论与链上动作。
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eddielth/ddg-agent/anomaly"
	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/telemetry"
)

// Record 表示一次采集周期的归档记录
type Record struct {
	ID         string            `json:"id"`
	DeviceID   string            `json:"device_id"`
	DeviceType string            `json:"device_type"`
	Timestamp  time.Time         `json:"timestamp"`
	Sample     telemetry.Sample  `json:"sample"`
	Findings   []anomaly.Finding `json:"findings"`
	Verdict    anomaly.Verdict   `json:"verdict"`
	// Action 本周期对异常标记的处理: none / write_abnormal / write_clear
	Action     string `json:"action"`
	Reason     string `json:"reason,omitempty"`
	WriteError string `json:"write_error,omitempty"`
}

// Backend 表示归档后端接口
type Backend interface {
	// Store 存储一条记录
	Store(ctx context.Context, r Record) error
	// Close 关闭存储连接
	Close() error
}

// Manager 管理多个归档后端
type Manager struct {
	backends []Backend
	mutex    sync.RWMutex
}

// NewManager 创建存储管理器
func NewManager(backends ...Backend) *Manager {
	return &Manager{
		backends: backends,
	}
}

// Store 将记录写入所有后端，单个后端失败不影响其他后端
func (m *Manager) Store(ctx context.Context, r Record) error {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var errs []error
	for _, backend := range m.backends {
		if err := backend.Store(ctx, r); err != nil {
			logger.Error("archive record %s failed: %v", r.ID, err)
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Len 返回后端数量
func (m *Manager) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.backends)
}

// AddBackend 添加新的归档后端
func (m *Manager) AddBackend(backend Backend) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.backends = append(m.backends, backend)
}

// Close 关闭所有后端连接
func (m *Manager) Close() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, backend := range m.backends {
		if err := backend.Close(); err != nil {
			logger.Error("close archive backend failed: %v", err)
		}
	}
}
