package agent

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/eddielth/ddg-agent/logger"
)

const instrumentationName = "github.com/eddielth/ddg-agent/agent"

type instruments struct {
	tracer      trace.Tracer
	ticks       metric.Int64Counter
	writes      metric.Int64Counter
	escalations metric.Int64Counter
	failures    metric.Int64Counter
}

// newInstruments 从全局 provider 获取，未配置时为 noop
func newInstruments() *instruments {
	m := otel.Meter(instrumentationName)
	return &instruments{
		tracer:      otel.Tracer(instrumentationName),
		ticks:       counter(m, "agent.ticks", "Completed device ticks"),
		writes:      counter(m, "agent.ledger.writes", "Confirmed ledger writes by kind"),
		escalations: counter(m, "agent.escalations", "Abnormal samples sent to the reasoning service"),
		failures:    counter(m, "agent.failures", "Failed tick phases by phase"),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Warn("create counter %s failed: %v", name, err)
		return noop.Int64Counter{}
	}
	return c
}
