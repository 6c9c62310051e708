// Package anomaly 实现基于固定阈值的规则检测与上链异常原因格式。
package anomaly

import (
	"fmt"

	"github.com/eddielth/ddg-agent/telemetry"
)

// Kind 异常类型
type Kind string

const (
	KindOffline         Kind = "offline"
	KindHighTemperature Kind = "high_temperature"
	KindHighCPU         Kind = "high_cpu"
	KindHighMemory      Kind = "high_memory"
)

// Severity 严重程度
type Severity string

const (
	SeverityNormal   Severity = "normal"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Finding 表示一条规则检测结果
type Finding struct {
	Kind     Kind     `json:"type"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// 阈值，定点数 ×100
const (
	TemperatureWarning  int64 = 8000
	TemperatureCritical int64 = 9000
	CPUWarning          int64 = 9000
	CPUCritical         int64 = 9500
	MemoryWarning       int64 = 9500
)

// Classify 按 离线、温度、CPU、内存 的顺序评估样本。
// 设备离线时只产生离线结果，指标规则不参与评估。
func Classify(s telemetry.Sample) []Finding {
	if !s.IsOnline {
		return []Finding{{Kind: KindOffline, Message: "设备离线", Severity: SeverityCritical}}
	}

	var findings []Finding

	if s.Temperature > TemperatureWarning {
		sev := SeverityWarning
		if s.Temperature > TemperatureCritical {
			sev = SeverityCritical
		}
		findings = append(findings, Finding{
			Kind:     KindHighTemperature,
			Message:  fmt.Sprintf("温度过高: %.1f°C", s.TemperatureC()),
			Severity: sev,
		})
	}

	if s.CPUUsage > CPUWarning {
		sev := SeverityWarning
		if s.CPUUsage > CPUCritical {
			sev = SeverityCritical
		}
		findings = append(findings, Finding{
			Kind:     KindHighCPU,
			Message:  fmt.Sprintf("CPU使用率过高: %.1f%%", s.CPUPercent()),
			Severity: sev,
		})
	}

	if s.MemoryUsage > MemoryWarning {
		findings = append(findings, Finding{
			Kind:     KindHighMemory,
			Message:  fmt.Sprintf("内存使用率过高: %.1f%%", s.MemoryPercent()),
			Severity: SeverityWarning,
		})
	}

	return findings
}
