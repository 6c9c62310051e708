package anomaly

import (
	"strings"
	"unicode/utf8"
)

// Source 标识结论来源
type Source string

const (
	SourceRules     Source = "rules"
	SourceReasoning Source = "reasoning"
)

// MaxRecommendations 每个结论最多携带的建议数
const MaxRecommendations = 3

// MaxReasonLength 上链异常原因的最大字符数，控制存储成本
const MaxReasonLength = 240

// NominalReason 设备正常时的原因文本
const NominalReason = "device nominal"

const (
	defaultAbnormalReason = "检测到异常"
	recommendationPrefix  = " | 建议: "
)

// Verdict 表示最终的异常结论
type Verdict struct {
	IsAbnormal      bool     `json:"is_abnormal"`
	Severity        Severity `json:"severity"`
	Reason          string   `json:"reason"`
	Recommendations []string `json:"recommendations"`
	Source          Source   `json:"source"`
	// Analysis 推理服务的原始回复，仅用于归档
	Analysis string `json:"analysis,omitempty"`
}

// Nominal 返回正常结论
func Nominal() Verdict {
	return Verdict{
		IsAbnormal:      false,
		Severity:        SeverityNormal,
		Reason:          NominalReason,
		Recommendations: []string{},
		Source:          SourceRules,
	}
}

var remediation = map[Kind]string{
	KindOffline:         "检查设备网络连接和电源状态",
	KindHighTemperature: "检查散热系统，清理灰尘，确保通风良好",
	KindHighCPU:         "检查是否有异常进程占用CPU，考虑优化或扩容",
	KindHighMemory:      "检查内存泄漏，关闭不必要的程序",
}

// Remediation 返回异常类型对应的固定处理建议
func Remediation(k Kind) string {
	if r, ok := remediation[k]; ok {
		return r
	}
	return "请检查设备日志以获取更多信息"
}

// BasicVerdict 仅依据规则结果构建结论。
// 任一结果为 critical 时结论为 critical；原因取第一条结果；
// 建议按结果顺序每种类型一条，最多三条。
func BasicVerdict(findings []Finding) Verdict {
	if len(findings) == 0 {
		return Nominal()
	}

	severity := SeverityWarning
	seen := make(map[Kind]bool, len(findings))
	recs := make([]string, 0, MaxRecommendations)

	for _, f := range findings {
		if f.Severity == SeverityCritical {
			severity = SeverityCritical
		}
		if seen[f.Kind] || len(recs) == MaxRecommendations {
			continue
		}
		seen[f.Kind] = true
		recs = append(recs, Remediation(f.Kind))
	}

	return Verdict{
		IsAbnormal:      true,
		Severity:        severity,
		Reason:          findings[0].Message,
		Recommendations: recs,
		Source:          SourceRules,
	}
}

// FormatReason 生成上链的异常原因:
// "[{severity}] {reason} | 建议: r1; r2; r3"，超过 MaxReasonLength 个字符时截断
func FormatReason(v Verdict) string {
	sev := string(v.Severity)
	if sev == "" {
		sev = string(SeverityWarning)
	}
	reason := v.Reason
	if reason == "" {
		reason = defaultAbnormalReason
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(sev)
	b.WriteString("] ")
	b.WriteString(reason)

	recs := v.Recommendations
	if len(recs) > MaxRecommendations {
		recs = recs[:MaxRecommendations]
	}
	if len(recs) > 0 {
		b.WriteString(recommendationPrefix)
		b.WriteString(strings.Join(recs, "; "))
	}

	return truncate(b.String(), MaxReasonLength)
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
