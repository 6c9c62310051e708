package telemetry

import (
	"context"
	"sync"
)

// Buffer 保存每台设备最新一次上报的样本，供代理按周期消费
type Buffer struct {
	mu      sync.Mutex
	latest  map[string]Sample
	pending map[string]bool
}

// NewBuffer 创建样本缓冲
func NewBuffer() *Buffer {
	return &Buffer{
		latest:  make(map[string]Sample),
		pending: make(map[string]bool),
	}
}

// Put 写入样本，较旧的时间戳不会覆盖较新的样本
func (b *Buffer) Put(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.latest[s.DeviceID]; ok && s.Timestamp.Before(prev.Timestamp) {
		return
	}
	b.latest[s.DeviceID] = s
	b.pending[s.DeviceID] = true
}

// Latest 返回设备最新样本，不改变消费状态
func (b *Buffer) Latest(deviceID string) (Sample, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.latest[deviceID]
	return s, ok
}

// Next 实现 Source，自上次消费后没有新样本时返回 ErrNoSample
func (b *Buffer) Next(_ context.Context, deviceID string) (Sample, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.pending[deviceID] {
		return Sample{}, ErrNoSample
	}
	b.pending[deviceID] = false
	return b.latest[deviceID], nil
}
