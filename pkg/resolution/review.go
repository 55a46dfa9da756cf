package resolution

import (
	"context"
	"errors"
	"fmt"

	"github.com/Gobusters/ectolinq"

	"github.com/Ramsey-B/lily/pkg/locking"
	"github.com/Ramsey-B/lily/pkg/metrics"
	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

// ReviewQueue returns pending parked decisions, oldest first. A limit of zero returns all.
func (e *Engine) ReviewQueue(ctx context.Context, limit int) ([]models.ReviewEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.ReviewQueue")
	defer span.End()

	entries, err := e.store.ListPendingReviews(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reviews: %w", err)
	}
	if limit <= 0 {
		metrics.PendingReviews.Set(float64(len(entries)))
	}
	return entries, nil
}

// ResolveReview applies a reviewer's verdict to a parked decision. The verdict is a
// forced decision: accept-merge attaches the observation to the candidate it was
// parked against, merging candidates if it was parked against several, and
// reject-new-entity seeds a new entity from it. Either way a fresh MatchDecision
// referencing the parked one is recorded.
func (e *Engine) ResolveReview(ctx context.Context, decisionID string, verdict models.ReviewOutcome) (*models.MatchDecision, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.ResolveReview")
	defer span.End()

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"review_of": decisionID,
		"verdict":   verdict,
	})

	if !verdict.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidOutcome, verdict)
	}

	item, err := e.store.GetReview(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if item.Status != models.ReviewStatusPending {
		return nil, fmt.Errorf("review %s is %s: %w", decisionID, item.Status, ErrReviewNotPending)
	}

	parked, err := e.store.GetDecision(ctx, decisionID)
	if err != nil {
		return nil, err
	}
	if parked.Outcome != models.OutcomeParked {
		return nil, fmt.Errorf("decision %s: %w", decisionID, ErrNotParked)
	}

	p, err := parseObservation(e.normalizer, parked.Observation)
	if err != nil {
		return nil, fmt.Errorf("failed to parse parked observation: %w", err)
	}

	out, err := e.withRetry(ctx, p, func(ctx context.Context, id string) (*outcome, error) {
		return e.attemptReview(ctx, p, parked, verdict, id)
	})
	if err != nil {
		if errors.Is(err, store.ErrReviewResolved) {
			return nil, fmt.Errorf("review %s: %w", decisionID, ErrReviewNotPending)
		}
		return nil, err
	}

	e.report(ctx, out, p.raw.Source)

	log.WithFields(map[string]any{
		"decision_id": out.decision.ID,
		"action":      out.decision.Action,
		"entity_id":   out.decision.EntityID,
	}).Info("resolved review")

	return out.decision, nil
}

func (e *Engine) attemptReview(ctx context.Context, p *parsedObservation, parked *models.MatchDecision, verdict models.ReviewOutcome, decisionID string) (*outcome, error) {
	unlock, err := e.lock(ctx, e.blockLocks(p)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out *outcome
	err = e.store.WithinTx(ctx, func(ctx context.Context) error {
		d := e.newDecision(decisionID, p, parked.ObservationKey)
		d.ReviewOf = &parked.ID
		d.Candidates = parked.Candidates
		d.BestScore = parked.BestScore

		status := models.ReviewStatusAccepted
		var err error
		switch {
		case verdict == models.ReviewRejectNewEntity:
			status = models.ReviewStatusRejected
			out, err = e.createSeparate(ctx, p, d)
		case parked.ParkReason == models.ParkReasonContention || len(parked.Candidates) == 0:
			// never scored, so there is nothing to accept; resolve it normally now
			d.Candidates = []models.CandidateScore{}
			d.BestScore = 0
			out, err = e.decide(ctx, p, d)
		default:
			out, err = e.forceMerge(ctx, p, d, e.reviewTargets(parked))
		}
		if err != nil {
			return err
		}

		if err := e.store.CompleteReview(ctx, parked.ID, status, d.ID); err != nil {
			return err
		}
		return e.record(ctx, p, parked.ObservationKey, out.decision)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// createSeparate seeds a new entity from the observation. The source mapping is left
// off if another entity claimed it while the observation was parked.
func (e *Engine) createSeparate(ctx context.Context, p *parsedObservation, d *models.MatchDecision) (*outcome, error) {
	seed := p.seed()
	if mapping, ok := p.mapping(); ok {
		_, err := e.store.FindBySourceMapping(ctx, p.raw.Kind, mapping)
		switch {
		case err == nil:
			seed.SourceMappings = nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	created, err := e.store.CreateEntity(ctx, store.EntityWrite{Entity: seed, Keys: e.candidates.IndexKeys(seed)})
	if err != nil {
		return nil, fmt.Errorf("failed to create entity: %w", err)
	}

	d.Action = models.ActionManualCreate
	d.Outcome = models.OutcomeApplied
	d.EntityID = &created.ID
	return &outcome{decision: d, created: created}, nil
}

// reviewTargets picks the candidates an accepted review merges with: every candidate at
// or above the auto-merge threshold when the park was a mapping conflict, otherwise
// the best candidate.
func (e *Engine) reviewTargets(parked *models.MatchDecision) []int64 {
	if parked.ParkReason == models.ParkReasonConflict {
		above := ectolinq.Filter(parked.Candidates, func(c models.CandidateScore) bool {
			return c.Score.Total >= e.cfg.AutoMergeThreshold
		})
		if len(above) > 0 {
			return ectolinq.Map(above, func(c models.CandidateScore) int64 { return c.EntityID })
		}
	}
	best, _ := parked.BestCandidate()
	return []int64{best.EntityID}
}

// forceMerge attaches the observation to the survivors of targets, following
// tombstones, merging them if more than one root remains. Source mapping conflicts
// are overridden.
func (e *Engine) forceMerge(ctx context.Context, p *parsedObservation, d *models.MatchDecision, targets []int64) (*outcome, error) {
	roots := make([]int64, 0, len(targets)+1)
	for _, id := range targets {
		root, err := e.store.FindRoot(ctx, id)
		if err != nil {
			return nil, err
		}
		roots = append(roots, root)
	}
	// an entity that claimed the observation's mapping since it was parked joins the merge
	if mapping, ok := p.mapping(); ok {
		owner, err := e.store.FindBySourceMapping(ctx, p.raw.Kind, mapping)
		switch {
		case err == nil:
			roots = append(roots, owner.ID)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	roots = dedupeIDs(roots)

	unlock, err := e.lock(ctx, ectolinq.Map(roots, locking.EntityKey)...)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entities := make([]*models.CanonicalEntity, 0, len(roots))
	for _, id := range roots {
		entity, err := e.store.GetEntity(ctx, id)
		if err != nil {
			return nil, err
		}
		if entity.IsTombstone() {
			return nil, fmt.Errorf("entity %d merged while locking: %w", id, store.ErrVersionConflict)
		}
		entities = append(entities, entity)
	}

	out := &outcome{decision: d}
	keep, merges, err := e.fold(ctx, entities, d.ID, true)
	if err != nil {
		return nil, err
	}
	out.merges = merges

	saved, err := e.applyAttach(ctx, p, keep)
	if err != nil {
		return nil, err
	}

	d.Action = models.ActionManualMerge
	d.Outcome = models.OutcomeApplied
	d.EntityID = &saved.ID
	d.AbsorbedIDs = ectolinq.Map(merges, func(r *models.MergeResult) int64 { return r.AbsorbedID })
	out.attached = saved
	return out, nil
}

func dedupeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// GetCanonical returns the live entity id resolves to, following tombstones.
func (e *Engine) GetCanonical(ctx context.Context, id int64) (*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.GetCanonical")
	defer span.End()

	return e.root(ctx, id)
}

// FindByAlias returns the live entities carrying a spelling equivalent to raw.
func (e *Engine) FindByAlias(ctx context.Context, raw string, kind models.EntityKind) ([]*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.FindByAlias")
	defer span.End()

	key := normalizers.AliasKey(raw, kind)
	if key == "" {
		return nil, nil
	}
	found, err := e.store.FindByAlias(ctx, kind, key)
	if err != nil {
		return nil, err
	}
	return ectolinq.Filter(found, func(c *models.CanonicalEntity) bool { return !c.IsTombstone() }), nil
}

// ListPerformances returns the performances of the swimmer id resolves to.
func (e *Engine) ListPerformances(ctx context.Context, id int64) ([]models.PerformanceRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "resolution.Engine.ListPerformances")
	defer span.End()

	root, err := e.store.FindRoot(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.store.ListPerformances(ctx, root)
}

func (e *Engine) GetDecision(ctx context.Context, id string) (*models.MatchDecision, error) {
	return e.store.GetDecision(ctx, id)
}

// MergeHistory returns the merge audits the entity took part in.
func (e *Engine) MergeHistory(ctx context.Context, id int64) ([]models.MergeAudit, error) {
	return e.store.ListMergeAudits(ctx, id)
}
