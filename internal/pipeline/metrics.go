package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-narrator/internal/model"
)

type metrics struct {
	queueDepth    metric.Int64ObservableGauge
	gateAvailable metric.Int64ObservableGauge
	completedCtr  metric.Int64Counter
	failedCtr     metric.Int64Counter
	callDuration  metric.Float64Histogram
	registration  metric.Registration
}

func newMetrics(p *Pipeline, meter metric.Meter) (*metrics, error) {
	m := &metrics{}
	var err error
	if m.queueDepth, err = meter.Int64ObservableGauge("narrator.queue.depth",
		metric.WithDescription("Tasks waiting in a stage queue")); err != nil {
		return nil, err
	}
	if m.gateAvailable, err = meter.Int64ObservableGauge("narrator.gate.available",
		metric.WithDescription("1 when the backend gate is free, 0 while a call holds it")); err != nil {
		return nil, err
	}
	if m.completedCtr, err = meter.Int64Counter("narrator.stage.completed",
		metric.WithDescription("Stage tasks that advanced their sentence")); err != nil {
		return nil, err
	}
	if m.failedCtr, err = meter.Int64Counter("narrator.stage.failed",
		metric.WithDescription("Stage tasks that left their sentence stranded")); err != nil {
		return nil, err
	}
	if m.callDuration, err = meter.Float64Histogram("narrator.backend.call.duration",
		metric.WithDescription("Latency of backend calls"), metric.WithUnit("s")); err != nil {
		return nil, err
	}

	stageAttr := func(s model.Stage) metric.ObserveOption {
		return metric.WithAttributes(attribute.String("stage", s.String()))
	}
	m.registration, err = meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		st := p.Stats()
		obs.ObserveInt64(m.queueDepth, int64(st.AttributionQueue), stageAttr(model.StageAttribution))
		obs.ObserveInt64(m.queueDepth, int64(st.StressQueue), stageAttr(model.StageStress))
		obs.ObserveInt64(m.queueDepth, int64(st.SynthesisQueue), stageAttr(model.StageSynthesis))
		obs.ObserveInt64(m.gateAvailable, boolToInt(st.LLMAvailable), metric.WithAttributes(attribute.String("gate", p.llmGate.Name())))
		obs.ObserveInt64(m.gateAvailable, boolToInt(st.TTSAvailable), metric.WithAttributes(attribute.String("gate", p.ttsGate.Name())))
		return nil
	}, m.queueDepth, m.gateAvailable)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// close detaches the gauge callback so a closed pipeline is no longer observed.
func (m *metrics) close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	err := m.registration.Unregister()
	m.registration = nil
	return err
}

func (m *metrics) completed(ctx context.Context, stage model.Stage) {
	if m == nil {
		return
	}
	m.completedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage.String())))
}

func (m *metrics) failed(ctx context.Context, stage model.Stage) {
	if m == nil {
		return
	}
	m.failedCtr.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage.String())))
}

func (m *metrics) observeCall(ctx context.Context, stage model.Stage, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.callDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("stage", stage.String()),
		attribute.Bool("error", err != nil),
	))
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
