package reasoning

import (
	"encoding/json"
	"strings"

	"github.com/eddielth/ddg-agent/anomaly"
)

// maxPayloadBytes 结构化结果的大小上限
const maxPayloadBytes = 4 << 10

type payload struct {
	Severity        *string
	Reason          *string
	Recommendations *[]string
}

// extractPayload 返回文本中第一个格式正确且包含已知字段的JSON对象。
// 字段逐个解码，类型不符的字段视为缺失；超过 maxPayloadBytes 的对象整体跳过。
func extractPayload(text string) (payload, error) {
	for i := strings.IndexByte(text, '{'); i >= 0; {
		dec := json.NewDecoder(strings.NewReader(text[i:]))

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			// 不是完整的JSON值，从下一个 '{' 继续
			next := strings.IndexByte(text[i+1:], '{')
			if next < 0 {
				break
			}
			i += next + 1
			continue
		}

		if len(raw) > maxPayloadBytes {
			// 跳过整个超长对象，其内部的嵌套对象不参与匹配
			end := i + int(dec.InputOffset())
			next := strings.IndexByte(text[end:], '{')
			if next < 0 {
				break
			}
			i = end + next
			continue
		}

		if p, ok := decodeFields(raw); ok {
			return p, nil
		}

		// 不含已知字段，继续查找其后（含嵌套）的对象
		next := strings.IndexByte(text[i+1:], '{')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return payload{}, ErrMalformedResponse
}

// decodeFields 在对象至少含有一个已知键时返回 true
func decodeFields(raw json.RawMessage) (payload, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return payload{}, false
	}

	sevRaw, hasSev := fields["severity"]
	reasonRaw, hasReason := fields["reason"]
	recsRaw, hasRecs := fields["recommendations"]
	if !hasSev && !hasReason && !hasRecs {
		return payload{}, false
	}

	var p payload
	if hasSev {
		p.Severity = decodeString(sevRaw)
	}
	if hasReason {
		p.Reason = decodeString(reasonRaw)
	}
	if hasRecs {
		var items []json.RawMessage
		if err := json.Unmarshal(recsRaw, &items); err == nil && items != nil {
			recs := make([]string, 0, len(items))
			for _, item := range items {
				if s := decodeString(item); s != nil {
					recs = append(recs, *s)
				}
			}
			p.Recommendations = &recs
		}
	}
	return p, true
}

func decodeString(raw json.RawMessage) *string {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	return &s
}

// merge 以规则结论为底，逐字段采用推理结果中有效的部分
func merge(basic anomaly.Verdict, p payload, raw string) anomaly.Verdict {
	v := basic
	v.IsAbnormal = true
	v.Source = anomaly.SourceReasoning
	v.Analysis = raw

	if p.Severity != nil {
		switch sev := anomaly.Severity(strings.ToLower(strings.TrimSpace(*p.Severity))); sev {
		case anomaly.SeverityWarning, anomaly.SeverityCritical:
			v.Severity = sev
		}
	}

	if p.Reason != nil {
		if reason := strings.TrimSpace(*p.Reason); reason != "" {
			v.Reason = reason
		}
	}

	if p.Recommendations != nil {
		recs := make([]string, 0, anomaly.MaxRecommendations)
		for _, r := range *p.Recommendations {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			recs = append(recs, r)
			if len(recs) == anomaly.MaxRecommendations {
				break
			}
		}
		v.Recommendations = recs
	}

	return v
}
