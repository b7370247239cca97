package alarm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/silobase/silo/pkg/events"
	"github.com/silobase/silo/pkg/metrics"
	"github.com/silobase/silo/pkg/store"
	"github.com/silobase/silo/pkg/types"
)

const (
	// jobMaxAttempts bounds re-enqueues after persistence failures.
	jobMaxAttempts = 5

	// jobRetryBase is the first re-enqueue delay; it doubles per attempt.
	jobRetryBase = 15 * time.Second
)

// JobConfig configures the job-queue delivery backend.
type JobConfig struct {
	Invoker Invoker
	Broker  *events.Broker
	Queue   string // tag namespace for this runtime's jobs; default "silo"
	Log     zerolog.Logger
	Clock   func() time.Time
}

// JobScheduler is the job-queue backend: instead of rows in the alarm
// table, each alarm becomes a one-shot job in an embedded gocron
// scheduler. Schedule cancels any pending job for the same alarm before
// enqueuing, so rescheduling replaces rather than stacks. Due times are
// floored to one-second resolution; immediate requests run on the next
// second.
//
// Firing goes through the same activation path as the poll backend. A
// persistence failure re-enqueues the job with a doubling delay; an
// unregistered entity type is dropped.
type JobScheduler struct {
	cron    gocron.Scheduler
	invoker Invoker
	broker  *events.Broker
	queue   string
	log     zerolog.Logger
	clock   func() time.Time
}

// NewJobScheduler builds the backend; call Start before scheduling.
func NewJobScheduler(cfg JobConfig) (*JobScheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("alarm: failed to create job scheduler: %w", err)
	}
	if cfg.Queue == "" {
		cfg.Queue = "silo"
	}
	if cfg.Clock == nil {
		cfg.Clock = store.UTCNow
	}
	return &JobScheduler{
		cron:    cron,
		invoker: cfg.Invoker,
		broker:  cfg.Broker,
		queue:   cfg.Queue,
		log:     cfg.Log,
		clock:   cfg.Clock,
	}, nil
}

// Start begins executing enqueued jobs.
func (j *JobScheduler) Start() {
	j.cron.Start()
}

// Stop shuts the scheduler down, waiting for running jobs.
func (j *JobScheduler) Stop() error {
	return j.cron.Shutdown()
}

func (j *JobScheduler) Schedule(_ context.Context, key types.Key, name string, delay time.Duration) error {
	// Replace-not-stack: drop any pending job for this alarm first.
	j.cron.RemoveByTags(j.exactTag(key, name))

	if delay < 0 {
		delay = 0
	}
	now := j.clock()
	at := now.Add(delay.Truncate(time.Second))
	if !at.After(now) {
		at = now.Add(time.Second)
	}

	if err := j.enqueue(key, name, at, 0); err != nil {
		return err
	}
	metrics.AlarmsScheduled.Inc()
	j.emit(events.PathAlarmScheduled, key, name, map[string]any{"at": at})
	return nil
}

func (j *JobScheduler) Cancel(_ context.Context, key types.Key, name string) error {
	j.cron.RemoveByTags(j.exactTag(key, name))
	return nil
}

func (j *JobScheduler) CancelAll(_ context.Context, key types.Key) error {
	j.cron.RemoveByTags(j.pairTag(key))
	return nil
}

func (j *JobScheduler) List(_ context.Context, key types.Key) ([]types.AlarmEntry, error) {
	pair := j.pairTag(key)
	var out []types.AlarmEntry
	for _, job := range j.cron.Jobs() {
		tags := job.Tags()
		if !hasTag(tags, pair) {
			continue
		}
		next, err := job.NextRun()
		if err != nil || next.IsZero() {
			continue // already ran
		}
		out = append(out, types.AlarmEntry{
			Name: alarmName(tags, pair),
			At:   next.UTC(),
		})
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].At.Before(out[b].At)
	})
	return out, nil
}

func (j *JobScheduler) enqueue(key types.Key, name string, at time.Time, attempt int) error {
	_, err := j.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(j.fire, key, name, attempt),
		gocron.WithTags(j.queue, j.pairTag(key), j.exactTag(key, name)),
	)
	if err != nil {
		return fmt.Errorf("alarm: failed to enqueue %s %q: %w", key, name, err)
	}
	return nil
}

// fire runs inside a gocron worker.
func (j *JobScheduler) fire(key types.Key, name string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultFireTimeout)
	defer cancel()

	res, err := j.invoker.Fire(ctx, key, name)
	switch {
	case err == nil:
		metrics.AlarmsFired.WithLabelValues("success").Inc()
		j.emit(events.PathAlarmFired, key, name, nil)
		if res.Value == types.NoHandler {
			j.log.Debug().Str("entity", key.String()).Str("alarm", name).
				Msg("Entity defines no alarm handler")
		}

	case isUnknownType(err):
		metrics.AlarmsFired.WithLabelValues("orphaned").Inc()
		j.emit(events.PathAlarmOrphaned, key, name, map[string]any{"error": err.Error()})
		j.log.Warn().Str("entity", key.String()).Str("alarm", name).
			Msg("Dropping alarm for unregistered entity type")

	default:
		outcome := "error"
		if isPersistence(err) {
			outcome = "persistence_failed"
		}
		metrics.AlarmsFired.WithLabelValues(outcome).Inc()
		if attempt+1 >= jobMaxAttempts {
			j.log.Error().Err(err).Str("entity", key.String()).Str("alarm", name).
				Int("attempts", attempt+1).Msg("Giving up on alarm delivery")
			return
		}
		delay := jobRetryBase << attempt
		j.log.Warn().Err(err).Str("entity", key.String()).Str("alarm", name).
			Dur("retry_in", delay).Msg("Alarm delivery failed, re-enqueuing")
		if qerr := j.enqueue(key, name, j.clock().Add(delay), attempt+1); qerr != nil {
			j.log.Error().Err(qerr).Str("entity", key.String()).Str("alarm", name).
				Msg("Failed to re-enqueue alarm")
		}
	}
}

func (j *JobScheduler) pairTag(key types.Key) string {
	return j.queue + ":" + key.String()
}

func (j *JobScheduler) exactTag(key types.Key, name string) string {
	return j.pairTag(key) + "#" + name
}

func (j *JobScheduler) emit(path string, key types.Key, name string, extra map[string]any) {
	if j.broker == nil {
		return
	}
	fields := map[string]any{
		"entity_type": key.Type,
		"entity_id":   key.ID,
		"alarm":       name,
	}
	for k, v := range extra {
		fields[k] = v
	}
	j.broker.Emit(path, fields)
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

func alarmName(tags []string, pair string) string {
	for _, t := range tags {
		if rest, ok := strings.CutPrefix(t, pair+"#"); ok {
			return rest
		}
	}
	return ""
}
