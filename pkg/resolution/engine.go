// Package resolution decides, for every raw observation, which canonical entity it
// describes and applies that decision to the store.
package resolution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/lily/pkg/events"
	"github.com/Ramsey-B/lily/pkg/locking"
	"github.com/Ramsey-B/lily/pkg/matching"
	"github.com/Ramsey-B/lily/pkg/merging"
	"github.com/Ramsey-B/lily/pkg/metrics"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

// Config holds the decision thresholds.
type Config struct {
	// AutoMergeThreshold is the score at or above which an observation is attached without review.
	AutoMergeThreshold float64
	// ReviewThreshold is the score at or above which an observation is parked instead of creating a new entity.
	ReviewThreshold float64
	// MaxAttempts bounds re-resolution after a write lost an optimistic race.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		AutoMergeThreshold: 0.95,
		ReviewThreshold:    0.75,
		MaxAttempts:        5,
	}
}

// Engine runs observations through Received, Blocked, Scored and Decided to one of the
// terminal states Applied, Rejected or Parked. Every terminal state writes exactly one
// MatchDecision.
type Engine struct {
	cfg        Config
	store      store.Store
	normalizer *normalizers.Normalizer
	scorer     *matching.SimilarityScorer
	candidates *matching.CandidateGenerator
	merger     *merging.Manager
	locker     locking.Locker
	emitter    *events.Emitter
	logger     ectologger.Logger
	now        func() time.Time
}

func NewEngine(
	logger ectologger.Logger,
	cfg Config,
	st store.Store,
	normalizer *normalizers.Normalizer,
	scorer *matching.SimilarityScorer,
	candidates *matching.CandidateGenerator,
	merger *merging.Manager,
	locker locking.Locker,
	emitter *events.Emitter,
) *Engine {
	defaults := DefaultConfig()
	if cfg.AutoMergeThreshold <= 0 {
		cfg.AutoMergeThreshold = defaults.AutoMergeThreshold
	}
	if cfg.ReviewThreshold <= 0 {
		cfg.ReviewThreshold = defaults.ReviewThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if normalizer == nil {
		normalizer = normalizers.Default
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		normalizer: normalizer,
		scorer:     scorer,
		candidates: candidates,
		merger:     merger,
		locker:     locker,
		emitter:    emitter,
		logger:     logger,
		now:        time.Now,
	}
}

// outcome is a decision together with the changes it made, reported once committed.
type outcome struct {
	decision *models.MatchDecision
	created  *models.CanonicalEntity
	attached *models.CanonicalEntity
	merges   []*models.MergeResult
}

// Resolve processes one observation. Errors are returned only when the observation
// reached no terminal state: infrastructure failures and ContentionTimeoutError.
// Resubmitting an observation that was already processed returns its recorded
// decision and changes nothing.
func (e *Engine) Resolve(ctx context.Context, obs models.RawObservation) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.Resolve")
	defer span.End()

	start := e.now()
	key := obs.Key()
	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"source":           obs.Source,
		"source_native_id": obs.SourceNativeID,
		"entity_kind":      obs.Kind,
		"observation_key":  key,
	})

	prior, err := e.store.GetObservation(ctx, key)
	switch {
	case err == nil:
		log.Debug("observation already processed")
		return e.store.GetDecision(ctx, prior.DecisionID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to look up observation %s: %w", key, err)
	}

	parsed, err := parseObservation(e.normalizer, obs)
	if err != nil {
		if !IsMalformed(err) {
			return nil, err
		}
		log.WithError(err).Warn("Rejected malformed observation")
		return e.reject(ctx, obs, key, err)
	}

	out, err := e.withRetry(ctx, parsed, func(ctx context.Context, decisionID string) (*outcome, error) {
		return e.attempt(ctx, parsed, key, decisionID)
	})
	if err != nil {
		return nil, err
	}

	e.report(ctx, out, parsed.raw.Source)
	metrics.ResolutionDuration.WithLabelValues(string(obs.Kind)).Observe(e.now().Sub(start).Seconds())

	log.WithFields(map[string]any{
		"decision_id": out.decision.ID,
		"action":      out.decision.Action,
		"outcome":     out.decision.Outcome,
		"best_score":  out.decision.BestScore,
	}).Info("resolved observation")

	return out.decision, nil
}

// Park records a parked decision for an observation the caller could not resolve,
// e.g. after exhausting contention retries. Malformed observations are rejected instead.
func (e *Engine) Park(ctx context.Context, obs models.RawObservation, reason models.ParkReason, infrastructure bool, cause error) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.Park")
	defer span.End()

	key := obs.Key()
	parsed, err := parseObservation(e.normalizer, obs)
	if err != nil {
		if !IsMalformed(err) {
			return nil, err
		}
		return e.reject(ctx, obs, key, err)
	}

	d := e.newDecision(uuid.NewString(), parsed, key)
	d.Infrastructure = infrastructure
	e.markParked(d, reason, cause)

	out := &outcome{decision: d}
	if err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		return e.record(ctx, parsed, key, d)
	}); err != nil {
		return nil, err
	}
	e.report(ctx, out, obs.Source)

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"decision_id":    d.ID,
		"reason":         reason,
		"infrastructure": infrastructure,
	}).Warn("Parked observation")

	return d, nil
}

// reject records the terminal Rejected decision of a malformed observation.
func (e *Engine) reject(ctx context.Context, obs models.RawObservation, key string, cause error) (*models.MatchDecision, error) {
	d := &models.MatchDecision{
		ID:             uuid.NewString(),
		ObservationKey: key,
		Source:         obs.Source,
		SourceNativeID: obs.SourceNativeID,
		Kind:           obs.Kind,
		Candidates:     []models.CandidateScore{},
		Action:         models.ActionReject,
		Outcome:        models.OutcomeRejected,
		Threshold:      e.cfg.AutoMergeThreshold,
		Reason:         cause.Error(),
		Observation:    obs,
	}

	if err := e.store.WithinTx(ctx, func(ctx context.Context) error {
		return e.record(ctx, &parsedObservation{raw: obs}, key, d)
	}); err != nil {
		return nil, err
	}
	e.report(ctx, &outcome{decision: d}, obs.Source)
	return d, nil
}

// withRetry re-runs fn against fresh state while its writes lose optimistic races.
// All attempts share one decision id so merge audits stay linked to the decision
// that is finally recorded.
func (e *Engine) withRetry(ctx context.Context, p *parsedObservation, fn func(ctx context.Context, decisionID string) (*outcome, error)) (*outcome, error) {
	decisionID := uuid.NewString()

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		out, err := fn(ctx, decisionID)
		if err == nil {
			return out, nil
		}
		if !isStale(err) {
			return nil, err
		}

		metrics.VersionConflictsTotal.WithLabelValues(string(p.raw.Kind)).Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"decision_id": decisionID,
			"attempt":     attempt,
		}).Debug("stale write, re-resolving")
		lastErr = err
	}

	return nil, &ContentionTimeoutError{Err: fmt.Errorf("gave up after %d attempts: %w", e.cfg.MaxAttempts, lastErr)}
}

// isStale reports whether err means the state a decision was based on moved on.
func isStale(err error) bool {
	if errors.Is(err, store.ErrVersionConflict) || errors.Is(err, store.ErrSourceMappingClaimed) {
		return true
	}
	_, merged := merging.IsAlreadyMerged(err)
	return merged
}

func (e *Engine) attempt(ctx context.Context, p *parsedObservation, key, decisionID string) (*outcome, error) {
	unlock, err := e.lock(ctx, e.blockLocks(p)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *outcome
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		d := e.newDecision(decisionID, p, key)
		var err error
		if out, err = e.decide(ctx, p, d); err != nil {
			return err
		}
		return e.record(ctx, p, key, out.decision)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// decide runs the decision policy. The caller holds the observation's blocking-key locks.
func (e *Engine) decide(ctx context.Context, p *parsedObservation, d *models.MatchDecision) (*outcome, error) {
	if mapping, ok := p.mapping(); ok {
		owner, err := e.store.FindBySourceMapping(ctx, p.raw.Kind, mapping)
		switch {
		case err == nil:
			return e.confirm(ctx, p, d, owner.ID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to look up source mapping: %w", err)
		}
	}

	candidates, err := e.candidates.Candidates(ctx, e.matchRecord(p))
	if err != nil {
		return nil, err
	}
	scored := e.score(p, candidates)
	d.Candidates = scored
	if len(scored) > 0 {
		d.BestScore = scored[0].Score.Total
	}
	metrics.CandidatesPerObservation.WithLabelValues(string(p.raw.Kind)).Observe(float64(len(candidates)))

	switch {
	case d.BestScore >= e.cfg.AutoMergeThreshold:
		matches := ectolinq.Filter(scored, func(c models.CandidateScore) bool {
			return c.Score.Total >= e.cfg.AutoMergeThreshold
		})
		byID := make(map[int64]*models.CanonicalEntity, len(candidates))
		for _, c := range candidates {
			byID[c.ID] = c
		}
		targets := ectolinq.Map(matches, func(c models.CandidateScore) *models.CanonicalEntity {
			return byID[c.EntityID]
		})
		if len(targets) == 1 {
			return e.attach(ctx, p, d, targets[0])
		}
		return e.reconcile(ctx, p, d, targets)
	case d.BestScore >= e.cfg.ReviewThreshold:
		e.markParked(d, models.ParkReasonAmbiguous, fmt.Errorf("best score %.3f is below the auto-merge threshold", d.BestScore))
		return &outcome{decision: d}, nil
	default:
		return e.create(ctx, p, d)
	}
}

// confirm handles an observation whose source mapping is already claimed: the entity
// is not re-scored, only a new spelling is recorded.
func (e *Engine) confirm(ctx context.Context, p *parsedObservation, d *models.MatchDecision, ownerID int64) (*outcome, error) {
	unlock, err := e.lock(ctx, locking.EntityKey(ownerID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	entity, err := e.root(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	out := &outcome{decision: d}
	updated := entity.Clone()
	if updated.AddAlias(p.aliasRecord()) {
		saved, err := e.store.UpdateEntity(ctx, store.EntityWrite{Entity: updated, Keys: e.candidates.IndexKeys(updated)})
		if err != nil {
			return nil, err
		}
		entity = saved
		out.attached = saved
	}

	d.Action = models.ActionConfirm
	d.Outcome = models.OutcomeApplied
	d.EntityID = &entity.ID
	return out, nil
}

// attach folds the observation into target, provided target is unchanged since it was scored.
func (e *Engine) attach(ctx context.Context, p *parsedObservation, d *models.MatchDecision, target *models.CanonicalEntity) (*outcome, error) {
	unlock, err := e.lock(ctx, locking.EntityKey(target.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := e.current(ctx, target)
	if err != nil {
		return nil, err
	}

	if conflict := mappingConflict(current, p); conflict != nil {
		e.markParked(d, models.ParkReasonConflict, conflict)
		return &outcome{decision: d}, nil
	}

	saved, err := e.applyAttach(ctx, p, current)
	if err != nil {
		return nil, err
	}

	d.Action = models.ActionAttachAlias
	d.Outcome = models.OutcomeApplied
	d.EntityID = &saved.ID
	return &outcome{decision: d, attached: saved}, nil
}

// reconcile handles an observation that matches several canonical entities at or above
// the auto-merge threshold: they describe one real-world entity, so they are merged
// and the observation is attached to the survivor.
func (e *Engine) reconcile(ctx context.Context, p *parsedObservation, d *models.MatchDecision, targets []*models.CanonicalEntity) (*outcome, error) {
	keys := ectolinq.Map(targets, func(t *models.CanonicalEntity) string {
		return locking.EntityKey(t.ID)
	})
	unlock, err := e.lock(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current := make([]*models.CanonicalEntity, 0, len(targets))
	for _, t := range targets {
		c, err := e.current(ctx, t)
		if err != nil {
			return nil, err
		}
		current = append(current, c)
	}

	// refuse before the first merge rather than stop halfway
	for i := range current {
		if conflict := mappingConflict(current[i], p); conflict != nil {
			e.markParked(d, models.ParkReasonConflict, conflict)
			return &outcome{decision: d}, nil
		}
		for j := i + 1; j < len(current); j++ {
			if err := merging.CheckMappings(current[i], current[j]); err != nil {
				e.markParked(d, models.ParkReasonConflict, err)
				return &outcome{decision: d}, nil
			}
		}
	}

	out := &outcome{decision: d}
	keep, merges, err := e.fold(ctx, current, d.ID, false)
	if err != nil {
		if conflict, ok := isConflictingMapping(err); ok {
			e.markParked(d, models.ParkReasonConflict, conflict)
			return out, nil
		}
		return nil, err
	}
	out.merges = merges

	saved, err := e.applyAttach(ctx, p, keep)
	if err != nil {
		return nil, err
	}

	d.Action = models.ActionMerge
	d.Outcome = models.OutcomeApplied
	d.EntityID = &saved.ID
	d.AbsorbedIDs = ectolinq.Map(merges, func(r *models.MergeResult) int64 { return r.AbsorbedID })
	out.attached = saved
	return out, nil
}

// fold merges entities pairwise into one survivor chosen by merging.ChooseSurvivor.
func (e *Engine) fold(ctx context.Context, entities []*models.CanonicalEntity, decisionID string, force bool) (*models.CanonicalEntity, []*models.MergeResult, error) {
	merge := e.merger.Merge
	if force {
		merge = e.merger.ForceMerge
	}

	keep := entities[0]
	var merges []*models.MergeResult
	for _, other := range entities[1:] {
		k, a := merging.ChooseSurvivor(keep, other)
		result, err := merge(ctx, k.ID, a.ID, &decisionID)
		if err != nil {
			return nil, nil, err
		}
		merges = append(merges, result)
		keep = result.Keep
	}
	return keep, merges, nil
}

func (e *Engine) create(ctx context.Context, p *parsedObservation, d *models.MatchDecision) (*outcome, error) {
	seed := p.seed()
	created, err := e.store.CreateEntity(ctx, store.EntityWrite{Entity: seed, Keys: e.candidates.IndexKeys(seed)})
	if err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}

	d.Action = models.ActionCreateNew
	d.Outcome = models.OutcomeApplied
	d.EntityID = &created.ID
	return &outcome{decision: d, created: created}, nil
}

// applyAttach writes the observation's attributes, alias and source mapping onto entity.
// The caller holds entity's lock.
func (e *Engine) applyAttach(ctx context.Context, p *parsedObservation, entity *models.CanonicalEntity) (*models.CanonicalEntity, error) {
	updated := entity.Clone()
	attributes, _ := e.merger.FieldMerger().Merge(entity.Attributes, p.attributes)
	updated.Attributes = attributes
	updated.AddAlias(p.aliasRecord())
	if mapping, ok := p.mapping(); ok {
		updated.AddMapping(mapping)
	}

	saved, err := e.store.UpdateEntity(ctx, store.EntityWrite{Entity: updated, Keys: e.candidates.IndexKeys(updated)})
	if err != nil {
		return nil, fmt.Errorf("failed to attach observation to entity %d: %w", entity.ID, err)
	}
	return saved, nil
}

// current re-reads a scored entity under its lock and fails with ErrVersionConflict
// if it changed since it was scored.
func (e *Engine) current(ctx context.Context, scored *models.CanonicalEntity) (*models.CanonicalEntity, error) {
	entity, err := e.store.GetEntity(ctx, scored.ID)
	if err != nil {
		return nil, err
	}
	if entity.IsTombstone() || entity.Version != scored.Version {
		return nil, fmt.Errorf("entity %d moved from version %d: %w", scored.ID, scored.Version, store.ErrVersionConflict)
	}
	return entity, nil
}

// root loads the live entity id resolves to.
func (e *Engine) root(ctx context.Context, id int64) (*models.CanonicalEntity, error) {
	rootID, err := e.store.FindRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.store.GetEntity(ctx, rootID)
}

// mappingConflict reports a ConflictingSourceMappingError when entity already holds a
// different native id from the observation's source.
func mappingConflict(entity *models.CanonicalEntity, p *parsedObservation) error {
	mapping, ok := p.mapping()
	if !ok {
		return nil
	}
	existing, ok := entity.MappingFor(mapping.Source)
	if !ok || existing.NativeID == mapping.NativeID {
		return nil
	}
	return &ConflictingSourceMappingError{
		KeepID:         entity.ID,
		Source:         mapping.Source,
		KeepNativeID:   existing.NativeID,
		AbsorbNativeID: mapping.NativeID,
	}
}

func (e *Engine) score(p *parsedObservation, candidates []*models.CanonicalEntity) []models.CandidateScore {
	rec := e.matchRecord(p)
	scored := make([]models.CandidateScore, 0, len(candidates))
	for _, c := range candidates {
		scored = append(scored, models.CandidateScore{
			EntityID: c.ID,
			Score:    e.scorer.Score(rec, matching.RecordFromEntity(c)),
		})
	}
	slices.SortStableFunc(scored, func(a, b models.CandidateScore) int {
		switch {
		case a.Score.Total > b.Score.Total:
			return -1
		case a.Score.Total < b.Score.Total:
			return 1
		case a.EntityID < b.EntityID:
			return -1
		case a.EntityID > b.EntityID:
			return 1
		}
		return 0
	})
	return scored
}

func (e *Engine) matchRecord(p *parsedObservation) matching.Record {
	return matching.Record{Attributes: p.attributes, Names: []string{p.alias}}
}

// blockLocks names the blocking keys the observation probes plus those a new entity
// seeded from it would be indexed under, so two observations that could create the
// same entity serialize.
func (e *Engine) blockLocks(p *parsedObservation) []string {
	keys := e.candidates.QueryKeys(e.matchRecord(p))
	keys = append(keys, e.candidates.IndexKeys(p.seed()).Blocking...)
	return ectolinq.Map(keys, locking.BlockKey)
}

func (e *Engine) lock(ctx context.Context, keys ...string) (locking.Unlock, error) {
	unlock, err := e.locker.Lock(ctx, keys...)
	if err == nil {
		return unlock, nil
	}
	if errors.Is(err, locking.ErrTimeout) {
		metrics.LockTimeoutsTotal.Inc()
		return nil, &ContentionTimeoutError{Keys: keys, Err: err}
	}
	return nil, err
}

func (e *Engine) newDecision(id string, p *parsedObservation, key string) *models.MatchDecision {
	return &models.MatchDecision{
		ID:             id,
		ObservationKey: key,
		Source:         p.raw.Source,
		SourceNativeID: p.raw.SourceNativeID,
		Kind:           p.raw.Kind,
		Candidates:     []models.CandidateScore{},
		Threshold:      e.cfg.AutoMergeThreshold,
		Observation:    p.raw,
	}
}

func (e *Engine) markParked(d *models.MatchDecision, reason models.ParkReason, cause error) {
	d.Action = models.ActionFlagForReview
	d.Outcome = models.OutcomeParked
	d.ParkReason = reason
	d.EntityID = nil
	if cause != nil {
		d.Reason = cause.Error()
	}
}

// record persists the decision and everything hanging off it. It runs inside the
// transaction that applied the decision.
func (e *Engine) record(ctx context.Context, p *parsedObservation, key string, d *models.MatchDecision) error {
	now := e.now().UTC()
	d.CreatedAt = now

	if err := e.store.AppendDecision(ctx, d); err != nil {
		return fmt.Errorf("failed to append decision %s: %w", d.ID, err)
	}
	if d.Outcome == models.OutcomeParked {
		if err := e.store.EnqueueReview(ctx, models.ReviewItem{
			DecisionID: d.ID,
			Kind:       d.Kind,
			Status:     models.ReviewStatusPending,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("failed to enqueue review %s: %w", d.ID, err)
		}
	}

	if err := e.store.RecordObservation(ctx, models.ObservationRecord{
		Key:         key,
		Observation: p.raw,
		EntityID:    d.EntityID,
		DecisionID:  d.ID,
		RecordedAt:  now,
	}); err != nil {
		return fmt.Errorf("failed to record observation %s: %w", key, err)
	}

	if d.Outcome != models.OutcomeApplied || p.performance == nil || d.EntityID == nil {
		return nil
	}
	perf := p.performance
	record := &models.PerformanceRecord{
		ID:             uuid.NewString(),
		SwimmerID:      *d.EntityID,
		ObservationKey: key,
		Source:         p.raw.Source,
		Event:          perf.event,
		TimeSeconds:    perf.seconds,
		Meet:           perf.meet,
		Date:           perf.date,
		Rank:           perf.rank,
		RankScope:      perf.rankScope,
		Season:         perf.season,
		CreatedAt:      now,
	}
	if perf.seconds > 0 {
		record.TimeFormatted = normalizers.FormatTime(perf.seconds)
	}
	if err := e.store.AddPerformance(ctx, record); err != nil {
		return fmt.Errorf("failed to add performance for %s: %w", key, err)
	}
	return nil
}

// report emits events and metrics for a committed outcome.
func (e *Engine) report(ctx context.Context, out *outcome, source string) {
	d := out.decision
	metrics.DecisionsTotal.WithLabelValues(string(d.Kind), string(d.Action), string(d.Outcome)).Inc()

	for _, m := range out.merges {
		metrics.MergesTotal.WithLabelValues(string(d.Kind)).Inc()
		e.emitter.EmitEntityMerged(ctx, m, d.ID)
	}
	switch {
	case out.created != nil:
		e.emitter.EmitEntityCreated(ctx, out.created, d.ID, source)
	case out.attached != nil:
		e.emitter.EmitAliasAttached(ctx, out.attached, d.ID, source)
	}
	e.emitter.EmitDecision(ctx, d)
	if d.ReviewOf != nil {
		e.emitter.EmitReviewResolved(ctx, d)
	}
}
