// Package reasoning 在规则检测到异常时调用外部推理服务细化结论，
// 任何失败都回退到规则结论。
package reasoning

import (
	"context"
	"errors"
)

// ErrMalformedResponse 推理服务的回复中没有可用的结构化结果
var ErrMalformedResponse = errors.New("malformed reasoning response")

// Prompt 表示一次推理请求
type Prompt struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float32
}

// Evaluator 是外部推理服务的窄接口，返回原始文本
type Evaluator interface {
	Evaluate(ctx context.Context, p Prompt) (string, error)
}

// EvaluatorFunc 适配普通函数为 Evaluator
type EvaluatorFunc func(ctx context.Context, p Prompt) (string, error)

// Evaluate 实现 Evaluator
func (f EvaluatorFunc) Evaluate(ctx context.Context, p Prompt) (string, error) {
	return f(ctx, p)
}
