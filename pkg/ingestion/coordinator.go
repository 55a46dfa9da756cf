// Package ingestion feeds per-source observation batches through the resolution engine
// and tracks how far each source has been applied.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"golang.org/x/sync/errgroup"

	"github.com/Ramsey-B/lily/pkg/kafka"
	"github.com/Ramsey-B/lily/pkg/metrics"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/resolution"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

var (
	// ErrSourceMismatch is reported for an observation whose source differs from its batch.
	ErrSourceMismatch = errors.New("observation source does not match batch source")
	// ErrIncompleteBatch is returned by HandleMessage when some observations of a batch
	// failed and may succeed on redelivery.
	ErrIncompleteBatch = errors.New("batch has unresolved observations")
)

type Config struct {
	// ContentionRetries is how often an observation is retried after a ContentionTimeoutError
	// before it is parked for operator attention.
	ContentionRetries int
	RetryBackoff      time.Duration
	MaxRetryBackoff   time.Duration
	// MaxConcurrentSources bounds IngestAll.
	MaxConcurrentSources int
}

func DefaultConfig() Config {
	return Config{
		ContentionRetries:    3,
		RetryBackoff:         100 * time.Millisecond,
		MaxRetryBackoff:      2 * time.Second,
		MaxConcurrentSources: 8,
	}
}

// Resolver is the part of the resolution engine the coordinator drives.
type Resolver interface {
	Resolve(ctx context.Context, obs models.RawObservation) (*models.MatchDecision, error)
	Park(ctx context.Context, obs models.RawObservation, reason models.ParkReason, infrastructure bool, cause error) (*models.MatchDecision, error)
}

type Store interface {
	store.WatermarkStore
	HasObservation(ctx context.Context, key string) (bool, error)
}

// Coordinator applies batches per source: sequentially within a source, independently
// across sources.
type Coordinator struct {
	cfg      Config
	resolver Resolver
	store    Store
	logger   ectologger.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	sources map[string]*sync.Mutex
}

func NewCoordinator(logger ectologger.Logger, cfg Config, resolver Resolver, st Store) *Coordinator {
	defaults := DefaultConfig()
	if cfg.ContentionRetries < 0 {
		cfg.ContentionRetries = defaults.ContentionRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = defaults.RetryBackoff
	}
	if cfg.MaxRetryBackoff <= 0 {
		cfg.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if cfg.MaxConcurrentSources <= 0 {
		cfg.MaxConcurrentSources = defaults.MaxConcurrentSources
	}
	return &Coordinator{
		cfg:      cfg,
		resolver: resolver,
		store:    st,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepContext,
		sources:  make(map[string]*sync.Mutex),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// sourceLock serializes batches of one source so watermark updates never interleave.
func (c *Coordinator) sourceLock(source string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.sources[source]
	if !ok {
		l = &sync.Mutex{}
		c.sources[source] = l
	}
	return l
}

// Ingest applies one batch of a source in order. Observations at or before the
// watermark that were already processed are skipped without reaching the engine.
// A failing observation is reported and the batch continues, but the watermark stops
// advancing at it. A store outage aborts the batch without touching the watermark.
func (c *Coordinator) Ingest(ctx context.Context, source string, batch []models.RawObservation) (*models.IngestionReport, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Coordinator.Ingest")
	defer span.End()

	l := c.sourceLock(source)
	l.Lock()
	defer l.Unlock()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"source":     source,
		"batch_size": len(batch),
	})

	report := &models.IngestionReport{Source: source, DecisionIDs: []string{}}

	wm, err := c.store.GetWatermark(ctx, source)
	if err != nil {
		metrics.BatchesTotal.WithLabelValues(source, "unavailable").Inc()
		return report, fmt.Errorf("failed to read watermark for %s: %w", source, err)
	}
	wm.Source = source
	report.Watermark = wm.ObservedAt

	blocked := false
	for i, obs := range batch {
		if err := ctx.Err(); err != nil {
			log.WithFields(map[string]any{"processed": i}).Warn("Ingestion cancelled")
			return report, c.commit(context.WithoutCancel(ctx), wm, report, err)
		}

		if obs.Source == "" {
			obs.Source = source
		}
		key := obs.Key()
		if obs.Source != source {
			c.fail(ctx, report, i, key, ErrSourceMismatch, false)
			blocked = true
			continue
		}

		seen, err := c.store.HasObservation(ctx, key)
		if err != nil {
			return c.abort(ctx, report, source, err)
		}
		if seen {
			report.Skipped++
			metrics.ObservationsTotal.WithLabelValues(source, "skipped").Inc()
			continue
		}

		d, err := c.resolve(ctx, obs)
		if err != nil {
			if store.IsUnavailable(err) {
				return c.abort(ctx, report, source, err)
			}
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return report, c.commit(context.WithoutCancel(ctx), wm, report, err)
			}
			c.fail(ctx, report, i, key, err, true)
			blocked = true
			continue
		}

		report.Record(d)
		metrics.ObservationsTotal.WithLabelValues(source, string(d.Outcome)).Inc()
		switch d.Outcome {
		case models.OutcomeApplied:
			wm.Applied++
		case models.OutcomeParked:
			wm.Parked++
		case models.OutcomeRejected:
			wm.Rejected++
		}
		if !blocked && obs.ObservedAt.After(wm.ObservedAt) {
			wm.ObservedAt = obs.ObservedAt.UTC()
		}
	}

	if err := c.commit(ctx, wm, report, nil); err != nil {
		if store.IsUnavailable(err) {
			return c.abort(ctx, report, source, err)
		}
		metrics.BatchesTotal.WithLabelValues(source, "watermark_failed").Inc()
		log.WithError(err).Error("Failed to write watermark")
		return report, err
	}

	result := "ok"
	if report.Failed > 0 {
		result = "partial"
	}
	metrics.BatchesTotal.WithLabelValues(source, result).Inc()

	log.WithFields(map[string]any{
		"applied":   report.Applied,
		"parked":    report.Parked,
		"rejected":  report.Rejected,
		"skipped":   report.Skipped,
		"failed":    report.Failed,
		"watermark": report.Watermark,
	}).Info("ingested batch")

	return report, nil
}

// resolve retries contention with capped exponential backoff, then parks the
// observation flagged as an infrastructure problem.
func (c *Coordinator) resolve(ctx context.Context, obs models.RawObservation) (*models.MatchDecision, error) {
	backoff := c.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		d, err := c.resolver.Resolve(ctx, obs)
		if err == nil || !resolution.IsContention(err) {
			return d, err
		}

		if attempt >= c.cfg.ContentionRetries {
			c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"source":   obs.Source,
				"attempts": attempt + 1,
			}).Warn("Parking observation after repeated contention")
			return c.resolver.Park(ctx, obs, models.ParkReasonContention, true, err)
		}

		if err := c.sleep(ctx, backoff); err != nil {
			return nil, err
		}
		backoff = min(backoff*2, c.cfg.MaxRetryBackoff)
	}
}

func (c *Coordinator) fail(ctx context.Context, report *models.IngestionReport, index int, key string, err error, retryable bool) {
	report.Failed++
	report.Failures = append(report.Failures, models.ObservationFailure{
		Index:          index,
		ObservationKey: key,
		Error:          err.Error(),
		Retryable:      retryable,
	})
	metrics.ObservationsTotal.WithLabelValues(report.Source, "failed").Inc()
	c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"source":          report.Source,
		"index":           index,
		"observation_key": key,
	}).Error("Failed to resolve observation")
}

// abort ends a batch on an infrastructure failure. The watermark is left as it was so
// the whole batch is retried on the next run.
func (c *Coordinator) abort(ctx context.Context, report *models.IngestionReport, source string, err error) (*models.IngestionReport, error) {
	metrics.BatchesTotal.WithLabelValues(source, "unavailable").Inc()
	c.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
		"source": source,
	}).Error("Aborting batch, store unavailable")
	return report, fmt.Errorf("ingestion of %s aborted: %w", source, err)
}

// commit persists the watermark and returns cause, or the write error.
func (c *Coordinator) commit(ctx context.Context, wm models.Watermark, report *models.IngestionReport, cause error) error {
	wm.LastBatchAt = c.now().UTC()
	if err := c.store.SetWatermark(ctx, wm); err != nil {
		return errors.Join(cause, fmt.Errorf("failed to write watermark for %s: %w", wm.Source, err))
	}
	report.Watermark = wm.ObservedAt
	if !wm.ObservedAt.IsZero() {
		metrics.WatermarkTimestamp.WithLabelValues(wm.Source).Set(float64(wm.ObservedAt.Unix()))
	}
	return cause
}

// IngestAll ingests each source's batch concurrently. A failing source does not stop
// the others; every report is returned alongside the joined errors.
func (c *Coordinator) IngestAll(ctx context.Context, batches map[string][]models.RawObservation) (map[string]*models.IngestionReport, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Coordinator.IngestAll")
	defer span.End()

	sources := make([]string, 0, len(batches))
	for source := range batches {
		sources = append(sources, source)
	}
	sort.Strings(sources)

	var (
		mu      sync.Mutex
		reports = make(map[string]*models.IngestionReport, len(batches))
		errs    []error
	)

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrentSources)
	for _, source := range sources {
		g.Go(func() error {
			report, err := c.Ingest(ctx, source, batches[source])
			mu.Lock()
			defer mu.Unlock()
			reports[source] = report
			if err != nil {
				errs = append(errs, err)
			}
			// errors are per source, never fail the group
			return nil
		})
	}
	_ = g.Wait()

	return reports, errors.Join(errs...)
}

// HandleMessage ingests a decoded Kafka batch. It fails, so the message is redelivered,
// when the batch could not be applied or an observation failed in a way a retry may
// fix. Observations already recorded are skipped on redelivery.
func (c *Coordinator) HandleMessage(ctx context.Context, msg *kafka.IncomingMessage) error {
	if msg.Batch == nil {
		return nil
	}
	report, err := c.Ingest(ctx, msg.Batch.Source, msg.Batch.Observations)
	if err != nil {
		return err
	}
	if report.Retryable() {
		return fmt.Errorf("%w: %d of %d observations of %s failed", ErrIncompleteBatch, report.Failed, len(msg.Batch.Observations), msg.Batch.Source)
	}
	return nil
}
