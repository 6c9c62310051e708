// Package agent 实现单个设备的注册状态机与采集周期，以及多设备调度。
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/eddielth/ddg-agent/anomaly"
	"github.com/eddielth/ddg-agent/ledger"
	"github.com/eddielth/ddg-agent/logger"
	"github.com/eddielth/ddg-agent/reasoning"
	"github.com/eddielth/ddg-agent/storage"
	"github.com/eddielth/ddg-agent/telemetry"
)

// ErrNotActive 设备尚未完成注册
var ErrNotActive = errors.New("device agent not active")

// State 注册状态
type State int

const (
	StateUnregistered State = iota
	StateRegistering
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	default:
		return "unregistered"
	}
}

// DeviceConfig 设备身份与基线
type DeviceConfig struct {
	ID       string             `mapstructure:"id"`
	Name     string             `mapstructure:"name"`
	Type     string             `mapstructure:"type"`
	Baseline telemetry.Baseline `mapstructure:"baseline"`
}

// Archiver 归档每个周期的记录
type Archiver interface {
	Store(ctx context.Context, r storage.Record) error
}

// Options 设备代理的依赖
type Options struct {
	Ledger ledger.Ledger
	// Lane 同一凭证共享的提交队列，所有写操作经由它串行执行
	Lane      *ledger.Serializer
	Source    telemetry.Source
	Escalator *reasoning.Escalator
	Archive   Archiver
}

// Report 一次采集周期的结果
type Report struct {
	TickID   string
	Sample   telemetry.Sample
	Findings []anomaly.Finding
	Verdict  anomaly.Verdict
	Decision Decision
}

// Agent 单个设备的代理
type Agent struct {
	device    DeviceConfig
	ledger    ledger.Ledger
	lane      *ledger.Serializer
	source    telemetry.Source
	escalator *reasoning.Escalator
	archive   Archiver

	reconciler Reconciler
	mu         sync.Mutex
	state      State

	log     *logger.Entry
	metrics *instruments
	now     func() time.Time
}

// New 创建设备代理
func New(device DeviceConfig, opts Options) *Agent {
	esc := opts.Escalator
	if esc == nil {
		esc = reasoning.NewEscalator(nil, 0)
	}
	return &Agent{
		device:    device,
		ledger:    opts.Ledger,
		lane:      opts.Lane,
		source:    opts.Source,
		escalator: esc,
		archive:   opts.Archive,
		log:       logger.With(device.ID),
		metrics:   newInstruments(),
		now:       time.Now,
	}
}

// ID 设备ID
func (a *Agent) ID() string {
	return a.device.ID
}

// Device 设备配置
func (a *Agent) Device() DeviceConfig {
	return a.device
}

// State 当前注册状态
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastWrittenAbnormal 最近一次成功写入的异常标记
func (a *Agent) LastWrittenAbnormal() bool {
	return a.reconciler.LastWrittenAbnormal()
}

// Register 提交设备注册。ID已注册视为成功；其他错误回到未注册状态并返回。
func (a *Agent) Register(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateUnregistered {
		a.mu.Unlock()
		return nil
	}
	a.state = StateRegistering
	a.mu.Unlock()

	ctx, span := a.metrics.tracer.Start(ctx, "agent.register", a.spanAttrs())
	defer span.End()

	err := a.lane.RunExclusive(ctx, func(ctx context.Context) error {
		return a.ledger.RegisterDevice(ctx, a.device.ID, a.device.Name, a.device.Type)
	})

	switch {
	case err == nil:
		a.log.Info("registered %s (%s)", a.device.Name, a.device.Type)
		a.metrics.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "register")))
	case errors.Is(err, ledger.ErrAlreadyRegistered):
		a.log.Info("already registered, reusing on-chain record")
	default:
		a.setState(StateUnregistered)
		a.recordFailure(ctx, span, "register", err)
		return fmt.Errorf("register %s: %w", a.device.ID, err)
	}

	a.seedCache(ctx)
	a.setState(StateActive)
	return nil
}

// seedCache 以链上当前的异常标记初始化缓存，读取失败时保持 false
func (a *Agent) seedCache(ctx context.Context) {
	d, err := a.ledger.GetDevice(ctx, a.device.ID)
	if err != nil {
		a.log.Warn("read on-chain state failed, assuming not abnormal: %v", err)
		return
	}
	a.reconciler.Seed(d.IsAbnormal)
	if d.IsAbnormal {
		a.log.Debug("on-chain abnormal flag set: %s", d.AbnormalReason)
	}
}

// Tick 执行一次采集周期：
// 采样 → 上报状态 → 规则检测 → 推理升级 → 调和 → 必要时写异常标记 → 归档。
// 状态上报失败时本周期结束；异常标记写入失败时返回错误但不更新缓存。
func (a *Agent) Tick(ctx context.Context) (Report, error) {
	if a.State() != StateActive {
		return Report{}, ErrNotActive
	}

	report := Report{TickID: uuid.NewString()}
	ctx, span := a.metrics.tracer.Start(ctx, "agent.tick", a.spanAttrs(attribute.String("tick.id", report.TickID)))
	defer span.End()

	sample, err := a.sample(ctx)
	if err != nil {
		if errors.Is(err, telemetry.ErrNoSample) {
			a.log.Debug("no fresh sample, skipping tick")
			return report, err
		}
		a.recordFailure(ctx, span, "sample", err)
		return report, err
	}
	report.Sample = sample
	a.log.Debug("sample %s", sample)

	if err := a.reportStatus(ctx, sample); err != nil {
		a.recordFailure(ctx, span, "status", err)
		return report, err
	}

	report.Findings = anomaly.Classify(sample)
	report.Verdict = a.evaluate(ctx, sample, report.Findings)
	report.Decision = a.reconciler.Decide(report.Verdict)

	markErr := a.applyDecision(ctx, report.Decision)
	if markErr != nil {
		a.recordFailure(ctx, span, "mark", markErr)
	} else {
		a.reconciler.Commit(report.Decision)
	}

	a.store(ctx, report, markErr)
	a.metrics.ticks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device.id", a.device.ID),
		attribute.Bool("abnormal", report.Verdict.IsAbnormal),
	))
	if markErr == nil {
		span.SetStatus(codes.Ok, "")
	}
	return report, markErr
}

func (a *Agent) sample(ctx context.Context) (telemetry.Sample, error) {
	ctx, span := a.metrics.tracer.Start(ctx, "agent.sample")
	defer span.End()

	s, err := a.source.Next(ctx, a.device.ID)
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("sample %s: %w", a.device.ID, err)
	}
	return s, nil
}

func (a *Agent) reportStatus(ctx context.Context, s telemetry.Sample) error {
	ctx, span := a.metrics.tracer.Start(ctx, "agent.status")
	defer span.End()

	err := a.lane.RunExclusive(ctx, func(ctx context.Context) error {
		return a.ledger.UpdateDeviceStatus(ctx, a.device.ID, s.IsOnline, s.Temperature, s.CPUUsage, s.MemoryUsage)
	})
	if err != nil {
		return fmt.Errorf("update status %s: %w", a.device.ID, err)
	}

	a.metrics.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", "status")))
	a.log.Info("status reported: %s", s)
	return nil
}

func (a *Agent) evaluate(ctx context.Context, s telemetry.Sample, findings []anomaly.Finding) anomaly.Verdict {
	if len(findings) == 0 {
		return anomaly.Nominal()
	}

	ctx, span := a.metrics.tracer.Start(ctx, "agent.escalate")
	defer span.End()

	if a.escalator.Enabled() {
		a.metrics.escalations.Add(ctx, 1, metric.WithAttributes(attribute.String("device.id", a.device.ID)))
	}

	v := a.escalator.Escalate(ctx, reasoning.Device{
		ID:   a.device.ID,
		Name: a.device.Name,
		Type: a.device.Type,
	}, s, findings)

	span.SetAttributes(
		attribute.String("verdict.severity", string(v.Severity)),
		attribute.String("verdict.source", string(v.Source)),
	)
	a.log.Warn("abnormal (%s, %s): %s", v.Severity, v.Source, v.Reason)
	return v
}

func (a *Agent) applyDecision(ctx context.Context, d Decision) error {
	if d.Action == NoAction {
		return nil
	}

	ctx, span := a.metrics.tracer.Start(ctx, "agent.mark", trace.WithAttributes(attribute.String("action", d.Action.String())))
	defer span.End()

	abnormal := d.Action == WriteAbnormal
	err := a.lane.RunExclusive(ctx, func(ctx context.Context) error {
		return a.ledger.MarkDeviceAbnormal(ctx, a.device.ID, abnormal, d.Reason)
	})
	if err != nil {
		return fmt.Errorf("mark abnormal %s: %w", a.device.ID, err)
	}

	a.metrics.writes.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", d.Action.String())))
	if abnormal {
		a.log.Info("abnormal flag written: %s", d.Reason)
	} else {
		a.log.Info("abnormal flag cleared")
	}
	return nil
}

func (a *Agent) store(ctx context.Context, r Report, markErr error) {
	if a.archive == nil {
		return
	}

	rec := storage.Record{
		ID:         r.TickID,
		DeviceID:   a.device.ID,
		DeviceType: a.device.Type,
		Timestamp:  a.now(),
		Sample:     r.Sample,
		Findings:   r.Findings,
		Verdict:    r.Verdict,
		Action:     r.Decision.Action.String(),
		Reason:     r.Decision.Reason,
	}
	if markErr != nil {
		rec.WriteError = markErr.Error()
	}

	if err := a.archive.Store(ctx, rec); err != nil {
		a.log.Warn("archive tick %s failed: %v", r.TickID, err)
	}
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func (a *Agent) spanAttrs(extra ...attribute.KeyValue) trace.SpanStartOption {
	attrs := append([]attribute.KeyValue{
		attribute.String("device.id", a.device.ID),
		attribute.String("device.type", a.device.Type),
	}, extra...)
	return trace.WithAttributes(attrs...)
}

func (a *Agent) recordFailure(ctx context.Context, span trace.Span, phase string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	a.metrics.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("device.id", a.device.ID),
		attribute.String("phase", phase),
	))
	a.log.Error("%s failed: %v", phase, err)
}
