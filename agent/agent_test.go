package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/ddg-agent/anomaly"
	"github.com/eddielth/ddg-agent/ledger"
	"github.com/eddielth/ddg-agent/reasoning"
	"github.com/eddielth/ddg-agent/storage"
	"github.com/eddielth/ddg-agent/telemetry"
)

const (
	adminKey = "0xadmin"
	agentKey = "0xagent"
)

var serverDevice = DeviceConfig{ID: "device-server-001", Name: "Production Server Alpha", Type: "Server"}

func nominalSample(id string) telemetry.Sample {
	return telemetry.Sample{DeviceID: id, IsOnline: true, Temperature: 4500, CPUUsage: 3000, MemoryUsage: 5000}
}

func hotSample(id string) telemetry.Sample {
	return telemetry.Sample{DeviceID: id, IsOnline: true, Temperature: 9500, CPUUsage: 3000, MemoryUsage: 5000}
}

// seqSource 依次返回样本，用尽后重复最后一个
type seqSource struct {
	mu      sync.Mutex
	samples []telemetry.Sample
}

func (s *seqSource) Next(context.Context, string) (telemetry.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return telemetry.Sample{}, telemetry.ErrNoSample
	}
	next := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return next, nil
}

type flakyLedger struct {
	ledger.Ledger
	mu           sync.Mutex
	registerErrs int
	markErr      error
}

func (f *flakyLedger) RegisterDevice(ctx context.Context, id, name, deviceType string) error {
	f.mu.Lock()
	if f.registerErrs > 0 {
		f.registerErrs--
		f.mu.Unlock()
		return fmt.Errorf("dial rpc: %w", ledger.ErrTransport)
	}
	f.mu.Unlock()
	return f.Ledger.RegisterDevice(ctx, id, name, deviceType)
}

func (f *flakyLedger) MarkDeviceAbnormal(ctx context.Context, id string, abnormal bool, reason string) error {
	f.mu.Lock()
	err := f.markErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Ledger.MarkDeviceAbnormal(ctx, id, abnormal, reason)
}

func (f *flakyLedger) setMarkErr(err error) {
	f.mu.Lock()
	f.markErr = err
	f.mu.Unlock()
}

type memArchive struct {
	mu      sync.Mutex
	records []storage.Record
}

func (m *memArchive) Store(_ context.Context, r storage.Record) error {
	m.mu.Lock()
	m.records = append(m.records, r)
	m.mu.Unlock()
	return nil
}

func newTestAgent(t *testing.T, l ledger.Ledger, src telemetry.Source, opts ...func(*Options)) *Agent {
	t.Helper()
	lane := ledger.NewSerializer()
	t.Cleanup(lane.Close)

	o := Options{Ledger: l, Lane: lane, Source: src}
	for _, fn := range opts {
		fn(&o)
	}
	return New(serverDevice, o)
}

func kinds(history []ledger.Write) []ledger.WriteKind {
	out := make([]ledger.WriteKind, len(history))
	for i, w := range history {
		out[i] = w.Kind
	}
	return out
}

func TestReconcile(t *testing.T) {
	abnormal := anomaly.BasicVerdict(anomaly.Classify(hotSample("d1")))

	tests := []struct {
		name    string
		verdict anomaly.Verdict
		last    bool
		action  Action
		reason  string
	}{
		{name: "abnormal first time", verdict: abnormal, last: false, action: WriteAbnormal, reason: anomaly.FormatReason(abnormal)},
		{name: "abnormal again", verdict: abnormal, last: true, action: WriteAbnormal, reason: anomaly.FormatReason(abnormal)},
		{name: "recovered", verdict: anomaly.Nominal(), last: true, action: WriteClear},
		{name: "still nominal", verdict: anomaly.Nominal(), last: false, action: NoAction},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Reconcile(tt.verdict, tt.last)
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.reason, d.Reason)
		})
	}
}

func TestReconciler_CommitOnlyAfterWrite(t *testing.T) {
	var r Reconciler
	abnormal := anomaly.BasicVerdict(anomaly.Classify(hotSample("d1")))

	// 写入失败时不提交，下一次仍然是 WriteAbnormal
	d := r.Decide(abnormal)
	require.Equal(t, WriteAbnormal, d.Action)
	assert.False(t, r.LastWrittenAbnormal())

	r.Commit(d)
	assert.True(t, r.LastWrittenAbnormal())

	d = r.Decide(anomaly.Nominal())
	require.Equal(t, WriteClear, d.Action)
	r.Commit(d)

	assert.Equal(t, NoAction, r.Decide(anomaly.Nominal()).Action)
	assert.False(t, r.LastWrittenAbnormal())
}

func TestAgent_EndToEndScenario(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	src := &seqSource{samples: []telemetry.Sample{
		hotSample(serverDevice.ID),
		nominalSample(serverDevice.ID),
		nominalSample(serverDevice.ID),
	}}
	archive := &memArchive{}
	a := newTestAgent(t, reg.As(agentKey), src, func(o *Options) { o.Archive = archive })

	ctx := context.Background()
	require.NoError(t, a.Register(ctx))
	assert.Equal(t, StateActive, a.State())

	report, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, WriteAbnormal, report.Decision.Action)
	assert.Equal(t, "[critical] 温度过高: 95.0°C | 建议: 检查散热系统，清理灰尘，确保通风良好", report.Decision.Reason)

	d, err := reg.As(agentKey).GetDevice(ctx, serverDevice.ID)
	require.NoError(t, err)
	assert.True(t, d.IsAbnormal)
	assert.Equal(t, int64(9500), d.Temperature)
	assert.Equal(t, report.Decision.Reason, d.AbnormalReason)

	report, err = a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, WriteClear, report.Decision.Action)

	report, err = a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, NoAction, report.Decision.Action)

	assert.Equal(t, []ledger.WriteKind{
		ledger.WriteRegister,
		ledger.WriteStatus, ledger.WriteAbnormal,
		ledger.WriteStatus, ledger.WriteAbnormal,
		ledger.WriteStatus,
	}, kinds(reg.History()))

	history := reg.History()
	assert.False(t, history[4].IsAbnormal)
	assert.Empty(t, history[4].Reason)

	require.Len(t, archive.records, 3)
	assert.Equal(t, "write_abnormal", archive.records[0].Action)
	assert.Equal(t, "write_clear", archive.records[1].Action)
	assert.Equal(t, "none", archive.records[2].Action)
	assert.NotEqual(t, archive.records[0].ID, archive.records[1].ID)
}

func TestAgent_OfflineScenario(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	offline := telemetry.Sample{DeviceID: serverDevice.ID, IsOnline: false, Temperature: 9900, CPUUsage: 9900, MemoryUsage: 9900}
	a := newTestAgent(t, reg.As(agentKey), &seqSource{samples: []telemetry.Sample{offline}})

	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	report, err := a.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Findings, 1)
	assert.Equal(t, anomaly.KindOffline, report.Findings[0].Kind)
	assert.Equal(t, "[critical] 设备离线 | 建议: 检查设备网络连接和电源状态", report.Decision.Reason)
}

func TestAgent_ReasoningRefinesReason(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	esc := reasoning.NewEscalator(reasoning.EvaluatorFunc(func(context.Context, reasoning.Prompt) (string, error) {
		return `{"severity":"warning","reason":"散热风扇转速下降","recommendations":["更换风扇"]}`, nil
	}), time.Second)
	a := newTestAgent(t, reg.As(agentKey), &seqSource{samples: []telemetry.Sample{hotSample(serverDevice.ID)}},
		func(o *Options) { o.Escalator = esc })

	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	report, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, anomaly.SourceReasoning, report.Verdict.Source)
	assert.Equal(t, "[warning] 散热风扇转速下降 | 建议: 更换风扇", report.Decision.Reason)
}

func TestAgent_RegisterConflictThenUnauthorized(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	ctx := context.Background()
	require.NoError(t, reg.As("0xsomeone-else").RegisterDevice(ctx, serverDevice.ID, "other", "Server"))

	a := newTestAgent(t, reg.As(agentKey), &seqSource{samples: []telemetry.Sample{hotSample(serverDevice.ID)}})

	require.NoError(t, a.Register(ctx))
	assert.Equal(t, StateActive, a.State())

	_, err := a.Tick(ctx)
	require.ErrorIs(t, err, ledger.ErrUnauthorized)
	assert.False(t, a.LastWrittenAbnormal())

	// 状态上报失败后本周期不再写异常标记
	assert.Equal(t, []ledger.WriteKind{ledger.WriteRegister}, kinds(reg.History()))
}

func TestAgent_SeedsCacheFromLedger(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	ctx := context.Background()
	own := reg.As(agentKey)
	require.NoError(t, own.RegisterDevice(ctx, serverDevice.ID, serverDevice.Name, serverDevice.Type))
	require.NoError(t, own.MarkDeviceAbnormal(ctx, serverDevice.ID, true, "[critical] 设备离线"))

	a := newTestAgent(t, own, &seqSource{samples: []telemetry.Sample{nominalSample(serverDevice.ID)}})
	require.NoError(t, a.Register(ctx))
	assert.True(t, a.LastWrittenAbnormal())

	report, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, WriteClear, report.Decision.Action)

	d, err := own.GetDevice(ctx, serverDevice.ID)
	require.NoError(t, err)
	assert.False(t, d.IsAbnormal)
}

func TestAgent_MarkFailureKeepsCache(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	l := &flakyLedger{Ledger: reg.As(agentKey)}
	src := &seqSource{samples: []telemetry.Sample{hotSample(serverDevice.ID)}}
	a := newTestAgent(t, l, src)

	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	l.setMarkErr(fmt.Errorf("send tx: %w", ledger.ErrTransport))
	_, err := a.Tick(ctx)
	require.ErrorIs(t, err, ledger.ErrTransport)
	assert.False(t, a.LastWrittenAbnormal())

	l.setMarkErr(nil)
	report, err := a.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, WriteAbnormal, report.Decision.Action)
	assert.True(t, a.LastWrittenAbnormal())
}

func TestAgent_RegisterFailure(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	l := &flakyLedger{Ledger: reg.As(agentKey), registerErrs: 1}
	a := newTestAgent(t, l, &seqSource{samples: []telemetry.Sample{nominalSample(serverDevice.ID)}})

	ctx := context.Background()
	err := a.Register(ctx)
	require.ErrorIs(t, err, ledger.ErrTransport)
	assert.Equal(t, StateUnregistered, a.State())

	_, err = a.Tick(ctx)
	assert.ErrorIs(t, err, ErrNotActive)

	require.NoError(t, a.Register(ctx))
	assert.Equal(t, StateActive, a.State())
}

func TestAgent_NoSampleSkipsTick(t *testing.T) {
	reg := ledger.NewMemoryRegistry(adminKey, 0)
	a := newTestAgent(t, reg.As(agentKey), telemetry.NewBuffer())

	ctx := context.Background()
	require.NoError(t, a.Register(ctx))

	_, err := a.Tick(ctx)
	assert.True(t, errors.Is(err, telemetry.ErrNoSample))
	assert.Equal(t, []ledger.WriteKind{ledger.WriteRegister}, kinds(reg.History()))
}
