package reasoning

import (
	"context"
	"errors"
	"time"

	"github.com/eddielth/ddg-agent/anomaly"
	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/telemetry"
)

// DefaultTimeout 推理调用的默认超时
const DefaultTimeout = 10 * time.Second

// Escalator 在规则检测到异常时细化结论
type Escalator struct {
	evaluator Evaluator
	timeout   time.Duration
}

// NewEscalator 创建升级器，evaluator 为 nil 时只使用规则结论
func NewEscalator(evaluator Evaluator, timeout time.Duration) *Escalator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Escalator{evaluator: evaluator, timeout: timeout}
}

// Enabled 是否配置了推理服务
func (e *Escalator) Enabled() bool {
	return e.evaluator != nil
}

// Escalate 返回最终结论，从不返回错误:
// 推理失败、超时或回复无法解析时回退到规则结论
func (e *Escalator) Escalate(ctx context.Context, d Device, s telemetry.Sample, findings []anomaly.Finding) anomaly.Verdict {
	if len(findings) == 0 && s.IsOnline {
		return anomaly.Nominal()
	}

	if len(findings) == 0 {
		// 离线样本总是带有离线结果
		findings = anomaly.Classify(s)
	}
	basic := anomaly.BasicVerdict(findings)

	if e.evaluator == nil {
		return basic
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type result struct {
		raw string
		err error
	}
	done := make(chan result, 1)
	prompt := BuildPrompt(d, s, findings)
	go func() {
		raw, err := e.evaluator.Evaluate(callCtx, prompt)
		done <- result{raw, err}
	}()

	var r result
	select {
	case r = <-done:
	case <-callCtx.Done():
		r.err = callCtx.Err()
	}

	if r.err != nil {
		if errors.Is(r.err, context.DeadlineExceeded) {
			logger.Warn("reasoning for %s timed out after %s, using rule verdict", d.ID, e.timeout)
		} else {
			logger.Warn("reasoning for %s failed, using rule verdict: %v", d.ID, r.err)
		}
		return basic
	}

	p, err := extractPayload(r.raw)
	if err != nil {
		logger.Warn("reasoning for %s returned no usable payload, using rule verdict: %v", d.ID, err)
		return basic
	}

	return merge(basic, p, r.raw)
}
