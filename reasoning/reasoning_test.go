package reasoning

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ddg-agent/anomaly"
	"github.com/eddielth/ddg-agent/telemetry"
)

var testDevice = Device{ID: "device-server-001", Name: "Production Server Alpha", Type: "Server"}

func hotSample() telemetry.Sample {
	return telemetry.Sample{DeviceID: testDevice.ID, IsOnline: true, Temperature: 9500, CPUUsage: 3000, MemoryUsage: 5000}
}

func reply(text string) EvaluatorFunc {
	return func(context.Context, Prompt) (string, error) { return text, nil }
}

func TestEscalate_NominalSkipsEvaluator(t *testing.T) {
	var calls atomic.Int32
	e := NewEscalator(EvaluatorFunc(func(context.Context, Prompt) (string, error) {
		calls.Add(1)
		return "", nil
	}), time.Second)

	s := telemetry.Sample{DeviceID: testDevice.ID, IsOnline: true, Temperature: 4500, CPUUsage: 3000, MemoryUsage: 5000}
	v := e.Escalate(context.Background(), testDevice, s, nil)

	assert.Equal(t, anomaly.Nominal(), v)
	assert.Zero(t, calls.Load())
}

func TestEscalate_WithoutEvaluator(t *testing.T) {
	e := NewEscalator(nil, 0)
	assert.False(t, e.Enabled())

	s := hotSample()
	v := e.Escalate(context.Background(), testDevice, s, anomaly.Classify(s))

	assert.True(t, v.IsAbnormal)
	assert.Equal(t, anomaly.SeverityCritical, v.Severity)
	assert.Equal(t, anomaly.SourceRules, v.Source)
	assert.Equal(t, "温度过高: 95.0°C", v.Reason)
	assert.Equal(t, []string{"检查散热系统，清理灰尘，确保通风良好"}, v.Recommendations)
}

func TestEscalate_OfflineWithoutFindings(t *testing.T) {
	e := NewEscalator(nil, 0)
	v := e.Escalate(context.Background(), testDevice, telemetry.Sample{DeviceID: testDevice.ID}, nil)

	assert.True(t, v.IsAbnormal)
	assert.Equal(t, anomaly.SeverityCritical, v.Severity)
	assert.Equal(t, "设备离线", v.Reason)
}

func TestEscalate_Responses(t *testing.T) {
	s := hotSample()
	findings := anomaly.Classify(s)
	basic := anomaly.BasicVerdict(findings)

	tests := []struct {
		name     string
		reply    string
		severity anomaly.Severity
		reason   string
		recs     []string
		source   anomaly.Source
	}{
		{
			name:     "full payload",
			reply:    `{"severity":"warning","reason":"风扇故障","recommendations":["更换风扇","降低负载"]}`,
			severity: anomaly.SeverityWarning,
			reason:   "风扇故障",
			recs:     []string{"更换风扇", "降低负载"},
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "payload inside prose and fences",
			reply:    "分析如下：\n```json\n{\"severity\": \"critical\", \"reason\": \"散热失效\"}\n```\n以上。",
			severity: anomaly.SeverityCritical,
			reason:   "散热失效",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "only reason",
			reply:    `{"reason":"机房空调停机"}`,
			severity: basic.Severity,
			reason:   "机房空调停机",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "invalid severity falls back field wise",
			reply:    `{"severity":"normal","reason":"误报"}`,
			severity: basic.Severity,
			reason:   "误报",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "blank reason falls back",
			reply:    `{"severity":"WARNING","reason":"   "}`,
			severity: anomaly.SeverityWarning,
			reason:   basic.Reason,
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "recommendations capped and trimmed",
			reply:    `{"recommendations":["a"," ","b","c","d"]}`,
			severity: basic.Severity,
			reason:   basic.Reason,
			recs:     []string{"a", "b", "c"},
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "unrelated object is skipped",
			reply:    `{"note":"x"} then {"reason":"第二个对象"}`,
			severity: basic.Severity,
			reason:   "第二个对象",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "mistyped severity keeps sibling fields",
			reply:    `{"severity": 5, "reason": "风扇停转", "recommendations": ["更换风扇"]}`,
			severity: basic.Severity,
			reason:   "风扇停转",
			recs:     []string{"更换风扇"},
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "non string recommendation is dropped",
			reply:    `{"severity":"warning","reason":"风扇停转","recommendations":["更换风扇",3]}`,
			severity: anomaly.SeverityWarning,
			reason:   "风扇停转",
			recs:     []string{"更换风扇"},
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "recommendations not a list falls back",
			reply:    `{"reason":"风扇停转","recommendations":"更换风扇"}`,
			severity: basic.Severity,
			reason:   "风扇停转",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "null recommendations fall back",
			reply:    `{"reason":"风扇停转","recommendations":null}`,
			severity: basic.Severity,
			reason:   "风扇停转",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "object without known fields is searched inside",
			reply:    `{"result":{"reason":"嵌套结果"}}`,
			severity: basic.Severity,
			reason:   "嵌套结果",
			recs:     basic.Recommendations,
			source:   anomaly.SourceReasoning,
		},
		{
			name:     "no json",
			reply:    "设备温度偏高，建议检查。",
			severity: basic.Severity,
			reason:   basic.Reason,
			recs:     basic.Recommendations,
			source:   anomaly.SourceRules,
		},
		{
			name:     "broken json",
			reply:    `{"severity": "critical", "reason": `,
			severity: basic.Severity,
			reason:   basic.Reason,
			recs:     basic.Recommendations,
			source:   anomaly.SourceRules,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEscalator(reply(tt.reply), time.Second)
			v := e.Escalate(context.Background(), testDevice, s, findings)

			assert.True(t, v.IsAbnormal)
			assert.Equal(t, tt.severity, v.Severity)
			assert.Equal(t, tt.reason, v.Reason)
			assert.Equal(t, tt.recs, v.Recommendations)
			assert.Equal(t, tt.source, v.Source)
		})
	}
}

func TestEscalate_EvaluatorError(t *testing.T) {
	s := hotSample()
	findings := anomaly.Classify(s)
	e := NewEscalator(EvaluatorFunc(func(context.Context, Prompt) (string, error) {
		return "", errors.New("503 service unavailable")
	}), time.Second)

	v := e.Escalate(context.Background(), testDevice, s, findings)
	assert.Equal(t, anomaly.BasicVerdict(findings), v)
}

func TestEscalate_Timeout(t *testing.T) {
	s := hotSample()
	findings := anomaly.Classify(s)
	release := make(chan struct{})
	defer close(release)

	// 忽略 ctx 的推理服务也不能阻塞超过超时时间
	e := NewEscalator(EvaluatorFunc(func(context.Context, Prompt) (string, error) {
		<-release
		return `{"reason":"too late"}`, nil
	}), 50*time.Millisecond)

	start := time.Now()
	v := e.Escalate(context.Background(), testDevice, s, findings)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, anomaly.BasicVerdict(findings), v)
}

func TestEscalate_PassesPrompt(t *testing.T) {
	s := hotSample()
	var got Prompt
	e := NewEscalator(EvaluatorFunc(func(_ context.Context, p Prompt) (string, error) {
		got = p
		return `{"reason":"ok"}`, nil
	}), time.Second)

	e.Escalate(context.Background(), testDevice, s, anomaly.Classify(s))

	assert.Equal(t, systemRole, got.System)
	assert.Equal(t, 500, got.MaxTokens)
	assert.InDelta(t, 0.3, got.Temperature, 1e-6)
}

func TestBuildPrompt(t *testing.T) {
	s := hotSample()
	p := BuildPrompt(testDevice, s, anomaly.Classify(s))

	for _, want := range []string{
		"- 设备名称: Production Server Alpha",
		"- 设备ID: device-server-001",
		"- 设备类型: Server",
		"- 在线状态: 在线",
		"- 温度: 95.0°C",
		"- CPU使用率: 30.0%",
		"- 内存使用率: 50.0%",
		"- 温度过高: 95.0°C (critical)",
		`"severity": "warning|critical"`,
	} {
		assert.Contains(t, p.User, want)
	}
}

func TestExtractPayload_SizeLimit(t *testing.T) {
	big := `{"reason":"` + strings.Repeat("x", maxPayloadBytes) + `"}`
	_, err := extractPayload(big)
	require.ErrorIs(t, err, ErrMalformedResponse)

	p, err := extractPayload(big + ` {"severity":"critical"}`)
	require.NoError(t, err)
	require.NotNil(t, p.Severity)
	assert.Equal(t, "critical", *p.Severity)

	// 超长对象内部的嵌套对象不会被选中
	wrapped := `{"analysis":"` + strings.Repeat("x", 5000) + `","inner":{"reason":"nested"}}`
	_, err = extractPayload(wrapped)
	require.ErrorIs(t, err, ErrMalformedResponse)

	p, err = extractPayload(wrapped + ` {"reason":"after"}`)
	require.NoError(t, err)
	require.NotNil(t, p.Reason)
	assert.Equal(t, "after", *p.Reason)
}
