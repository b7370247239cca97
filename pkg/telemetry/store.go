package telemetry

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

const storeScopeName = "github.com/silobase/silo/store"

// InstrumentedStore decorates a store.Store with tracing, Prometheus
// counters, and event emission. Spans come from the global tracer
// provider, so they are free no-ops unless Init enabled telemetry;
// metrics and events are always on. A not-found result is a miss, not
// an error.
type InstrumentedStore struct {
	inner  store.Store
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	broker *events.Broker
	driver string
}

// WrapStore decorates st. The broker may be nil.
func WrapStore(st store.Store, broker *events.Broker, driver string) store.Store {
	m := Meter(storeScopeName)
	ops, _ := m.Int64Counter("silo.store.operations",
		metric.WithDescription("Total store operations executed"),
	)
	dur, _ := m.Float64Histogram("silo.store.operation.duration",
		metric.WithDescription("Store operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	return &InstrumentedStore{
		inner:  st,
		tracer: Tracer(storeScopeName),
		ops:    ops,
		dur:    dur,
		broker: broker,
		driver: driver,
	}
}

func (s *InstrumentedStore) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{
		attribute.String("db.system", s.driver),
		attribute.String("db.operation", name),
	}, attrs...)
	ctx, span := s.tracer.Start(ctx, "store."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

func (s *InstrumentedStore) done(ctx context.Context, span trace.Span, start time.Time, name string, err error) {
	elapsed := time.Since(start)
	metrics.StoreOpDuration.WithLabelValues(name).Observe(elapsed.Seconds())
	s.dur.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
		attribute.String("db.operation", name),
	))

	outcome := "success"
	if failed(err) {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.StoreOpsTotal.WithLabelValues(name, outcome).Inc()
	span.End()
}

func (s *InstrumentedStore) emitStart(path, typ, id string) {
	if s.broker == nil {
		return
	}
	s.broker.Emit(path+".start", map[string]any{"entity_type": typ, "entity_id": id})
}

func (s *InstrumentedStore) emitDone(path, typ, id string, start time.Time, err error) {
	if s.broker == nil {
		return
	}
	fields := map[string]any{"entity_type": typ, "entity_id": id}
	suffix := ".stop"
	if failed(err) {
		suffix = ".exception"
		fields["error"] = err.Error()
	}
	s.broker.Publish(&events.Event{
		Path:     path + suffix,
		Duration: time.Since(start),
		Fields:   fields,
	})
}

func failed(err error) bool {
	return err != nil && !errors.Is(err, types.ErrNotFound)
}

func (s *InstrumentedStore) Load(ctx context.Context, typ, id, prefix string) (*store.Record, error) {
	ctx, span, start := s.op(ctx, "load", attribute.String("silo.entity", typ+"/"+id))
	s.emitStart(events.PathStoreLoad, typ, id)
	rec, err := s.inner.Load(ctx, typ, id, prefix)
	s.emitDone(events.PathStoreLoad, typ, id, start, err)
	s.done(ctx, span, start, "load", err)
	return rec, err
}

func (s *InstrumentedStore) Save(ctx context.Context, typ, id string, state store.Document, prefix string) (*store.Record, error) {
	ctx, span, start := s.op(ctx, "save", attribute.String("silo.entity", typ+"/"+id))
	s.emitStart(events.PathStoreSave, typ, id)
	rec, err := s.inner.Save(ctx, typ, id, state, prefix)
	s.emitDone(events.PathStoreSave, typ, id, start, err)
	s.done(ctx, span, start, "save", err)
	return rec, err
}

func (s *InstrumentedStore) Delete(ctx context.Context, typ, id, prefix string) error {
	ctx, span, start := s.op(ctx, "delete", attribute.String("silo.entity", typ+"/"+id))
	s.emitStart(events.PathStoreDelete, typ, id)
	err := s.inner.Delete(ctx, typ, id, prefix)
	s.emitDone(events.PathStoreDelete, typ, id, start, err)
	s.done(ctx, span, start, "delete", err)
	return err
}

func (s *InstrumentedStore) UpsertAlarm(ctx context.Context, typ, id, name string, at time.Time, prefix string) error {
	ctx, span, start := s.op(ctx, "upsert_alarm",
		attribute.String("silo.entity", typ+"/"+id),
		attribute.String("silo.alarm", name),
	)
	err := s.inner.UpsertAlarm(ctx, typ, id, name, at, prefix)
	s.done(ctx, span, start, "upsert_alarm", err)
	return err
}

func (s *InstrumentedStore) DueAlarms(ctx context.Context, now, staleBefore time.Time, limit int, prefix string) ([]store.AlarmRecord, error) {
	ctx, span, start := s.op(ctx, "due_alarms")
	due, err := s.inner.DueAlarms(ctx, now, staleBefore, limit, prefix)
	if err == nil {
		span.SetAttributes(attribute.Int("silo.due_count", len(due)))
	}
	s.done(ctx, span, start, "due_alarms", err)
	return due, err
}

func (s *InstrumentedStore) ClaimAlarm(ctx context.Context, typ, id, name string, claimAt, staleBefore time.Time, prefix string) (bool, error) {
	ctx, span, start := s.op(ctx, "claim_alarm",
		attribute.String("silo.entity", typ+"/"+id),
		attribute.String("silo.alarm", name),
	)
	ok, err := s.inner.ClaimAlarm(ctx, typ, id, name, claimAt, staleBefore, prefix)
	span.SetAttributes(attribute.Bool("silo.claimed", ok))
	s.done(ctx, span, start, "claim_alarm", err)
	return ok, err
}

func (s *InstrumentedStore) RetireAlarm(ctx context.Context, typ, id, name string, claimedAt time.Time, prefix string) (bool, error) {
	ctx, span, start := s.op(ctx, "retire_alarm",
		attribute.String("silo.entity", typ+"/"+id),
		attribute.String("silo.alarm", name),
	)
	ok, err := s.inner.RetireAlarm(ctx, typ, id, name, claimedAt, prefix)
	span.SetAttributes(attribute.Bool("silo.retired", ok))
	s.done(ctx, span, start, "retire_alarm", err)
	return ok, err
}

func (s *InstrumentedStore) DeleteAlarm(ctx context.Context, typ, id, name, prefix string) error {
	ctx, span, start := s.op(ctx, "delete_alarm",
		attribute.String("silo.entity", typ+"/"+id),
		attribute.String("silo.alarm", name),
	)
	err := s.inner.DeleteAlarm(ctx, typ, id, name, prefix)
	s.done(ctx, span, start, "delete_alarm", err)
	return err
}

func (s *InstrumentedStore) DeleteAlarms(ctx context.Context, typ, id, prefix string) error {
	ctx, span, start := s.op(ctx, "delete_alarms", attribute.String("silo.entity", typ+"/"+id))
	err := s.inner.DeleteAlarms(ctx, typ, id, prefix)
	s.done(ctx, span, start, "delete_alarms", err)
	return err
}

func (s *InstrumentedStore) ListAlarms(ctx context.Context, typ, id, prefix string) ([]types.AlarmEntry, error) {
	ctx, span, start := s.op(ctx, "list_alarms", attribute.String("silo.entity", typ+"/"+id))
	entries, err := s.inner.ListAlarms(ctx, typ, id, prefix)
	s.done(ctx, span, start, "list_alarms", err)
	return entries, err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}
