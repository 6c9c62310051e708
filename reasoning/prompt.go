package reasoning

import (
	"fmt"
	"strings"

	"github.com/eddielth/ddg-agent/anomaly"
	"github.com/eddielth/ddg-agent/telemetry"
)

const (
	systemRole = "你是一个专业的设备监控系统AI助手，负责分析设备运行数据，识别潜在问题并提供解决建议。请用简洁专业的语言回答。"

	defaultMaxTokens   = 500
	defaultTemperature = 0.3
)

// Device 表示提示词中的设备身份
type Device struct {
	ID   string
	Name string
	Type string
}

// BuildPrompt 构建包含设备身份、当前指标与规则结果的提示词
func BuildPrompt(d Device, s telemetry.Sample, findings []anomaly.Finding) Prompt {
	online := "在线"
	if !s.IsOnline {
		online = "离线"
	}

	var b strings.Builder
	b.WriteString("分析以下设备的运行状态：\n\n")
	b.WriteString("设备信息：\n")
	fmt.Fprintf(&b, "- 设备名称: %s\n", d.Name)
	fmt.Fprintf(&b, "- 设备ID: %s\n", d.ID)
	fmt.Fprintf(&b, "- 设备类型: %s\n\n", d.Type)

	b.WriteString("当前状态：\n")
	fmt.Fprintf(&b, "- 在线状态: %s\n", online)
	fmt.Fprintf(&b, "- 温度: %.1f°C\n", s.TemperatureC())
	fmt.Fprintf(&b, "- CPU使用率: %.1f%%\n", s.CPUPercent())
	fmt.Fprintf(&b, "- 内存使用率: %.1f%%\n\n", s.MemoryPercent())

	b.WriteString("检测到的异常：\n")
	for _, f := range findings {
		fmt.Fprintf(&b, "- %s (%s)\n", f.Message, f.Severity)
	}

	b.WriteString(`
请提供：
1. 异常严重程度评估 (warning/critical)
2. 主要原因分析
3. 具体的处理建议 (最多3条)

请以JSON格式返回：
{
  "severity": "warning|critical",
  "reason": "简短的原因描述",
  "recommendations": ["建议1", "建议2", "建议3"]
}
`)

	return Prompt{
		System:      systemRole,
		User:        b.String(),
		MaxTokens:   defaultMaxTokens,
		Temperature: defaultTemperature,
	}
}
