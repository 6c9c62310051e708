package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/telemetry"
)

// Pool 以相同间隔驱动多个设备代理，每个设备一个循环
type Pool struct {
	agents   []*Agent
	interval time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	started bool
	wg      sync.WaitGroup
}

// NewPool 创建调度器
func NewPool(interval time.Duration, agents ...*Agent) *Pool {
	return &Pool{
		agents:   agents,
		interval: interval,
	}
}

// Agents 返回调度的设备代理
func (p *Pool) Agents() []*Agent {
	return p.agents
}

// Start 启动所有设备循环，首个周期立即执行。重复调用无效。
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for _, a := range p.agents {
		p.wg.Add(1)
		go p.loop(ctx, a)
	}
	logger.Info("scheduling %d devices every %s", len(p.agents), p.interval)
}

// Stop 停止调度，执行中的周期会完成
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// Wait 阻塞直到所有设备循环退出
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) loop(ctx context.Context, a *Agent) {
	defer p.wg.Done()

	p.step(ctx, a)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Debug("device loop %s stopped", a.ID())
			return
		case <-ticker.C:
			p.step(ctx, a)
		}
	}
}

// step 执行一次周期；未注册的设备先重试注册，失败时跳过本周期。
// 周期使用脱离取消的 ctx，停止时不会中断已提交的交易。
func (p *Pool) step(ctx context.Context, a *Agent) {
	if ctx.Err() != nil {
		return
	}
	tickCtx := context.WithoutCancel(ctx)

	if a.State() != StateActive {
		if err := a.Register(tickCtx); err != nil {
			logger.Warn("device %s registration failed, retrying next tick: %v", a.ID(), err)
			return
		}
	}

	if _, err := a.Tick(tickCtx); err != nil && !errors.Is(err, telemetry.ErrNoSample) {
		logger.Debug("device %s tick ended with error: %v", a.ID(), err)
	}
}
