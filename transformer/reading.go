package transformer

import (
	"time"

	"github.com/eddielth/ddg-agent/telemetry"
)

// Reading 表示转换脚本返回的统一读数，指标使用自然单位（°C、%）
type Reading struct {
	DeviceID    string  `json:"device_id"`
	IsOnline    *bool   `json:"is_online"`
	Temperature float64 `json:"temperature"`
	CPUUsage    float64 `json:"cpu_usage"`
	MemoryUsage float64 `json:"memory_usage"`
	// Timestamp 秒或毫秒级 Unix 时间戳，为 0 时使用接收时间
	Timestamp int64 `json:"timestamp"`
}

// msThreshold 大于该值的时间戳按毫秒处理
const msThreshold = 1e12

// Sample 转换为定点数样本，未给出在线状态时视为在线
func (r Reading) Sample(received time.Time) telemetry.Sample {
	online := true
	if r.IsOnline != nil {
		online = *r.IsOnline
	}

	ts := received
	switch {
	case r.Timestamp > msThreshold:
		ts = time.UnixMilli(r.Timestamp)
	case r.Timestamp > 0:
		ts = time.Unix(r.Timestamp, 0)
	}

	return telemetry.Sample{
		DeviceID:    r.DeviceID,
		IsOnline:    online,
		Temperature: telemetry.Rounded(r.Temperature),
		CPUUsage:    telemetry.Rounded(r.CPUUsage),
		MemoryUsage: telemetry.Rounded(r.MemoryUsage),
		Timestamp:   ts,
	}
}
