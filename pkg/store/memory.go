package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Ramsey-B/lily/pkg/models"
)

type kindMapping struct {
	kind    models.EntityKind
	mapping models.SourceMapping
}

type kindKey struct {
	kind models.EntityKind
	key  string
}

// Memory is a Store held entirely in process memory. Every operation is atomic
// under a single mutex.
type Memory struct {
	mu  sync.Mutex
	now func() time.Time
	// txMu serializes transactions.
	txMu sync.Mutex

	nextID   int64
	entities map[int64]*models.CanonicalEntity
	keys     map[int64]IndexKeys
	mappings map[kindMapping]int64
	blocking map[kindKey]map[int64]struct{}
	aliases  map[kindKey]map[int64]struct{}
	audits   []models.MergeAudit

	decisions map[string]*models.MatchDecision
	reviews   map[string]*models.ReviewItem
	// reviewOrder keeps pending reviews in enqueue order.
	reviewOrder []string

	observations map[string]models.ObservationRecord
	performances []models.PerformanceRecord
	watermarks   map[string]models.Watermark

	unavailable bool
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		now:          time.Now,
		entities:     make(map[int64]*models.CanonicalEntity),
		keys:         make(map[int64]IndexKeys),
		mappings:     make(map[kindMapping]int64),
		blocking:     make(map[kindKey]map[int64]struct{}),
		aliases:      make(map[kindKey]map[int64]struct{}),
		decisions:    make(map[string]*models.MatchDecision),
		reviews:      make(map[string]*models.ReviewItem),
		observations: make(map[string]models.ObservationRecord),
		watermarks:   make(map[string]models.Watermark),
	}
}

// SetUnavailable makes every subsequent call fail with ErrUnavailable until reset.
func (m *Memory) SetUnavailable(unavailable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable = unavailable
}

// SetClock overrides the time source used for timestamps.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Memory) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.unavailable {
		return fmt.Errorf("memory store: %w", ErrUnavailable)
	}
	return nil
}

type memoryTxKey struct{}

// WithinTx runs fn as one transaction: when fn fails every change it made is rolled
// back. Transactions are serialized and a nested call joins the outer one. Watermarks
// are not rolled back, they are written outside transactions.
func (m *Memory) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}

	m.txMu.Lock()
	defer m.txMu.Unlock()

	m.mu.Lock()
	snap := m.snapshot()
	m.mu.Unlock()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, struct{}{})); err != nil {
		m.mu.Lock()
		m.restore(snap)
		m.mu.Unlock()
		return err
	}
	return nil
}

// memoryState is a deep copy of everything a transaction can change.
type memoryState struct {
	nextID       int64
	entities     map[int64]*models.CanonicalEntity
	keys         map[int64]IndexKeys
	mappings     map[kindMapping]int64
	blocking     map[kindKey]map[int64]struct{}
	aliases      map[kindKey]map[int64]struct{}
	audits       []models.MergeAudit
	decisions    map[string]*models.MatchDecision
	reviews      map[string]*models.ReviewItem
	reviewOrder  []string
	observations map[string]models.ObservationRecord
	performances []models.PerformanceRecord
}

func (m *Memory) snapshot() memoryState {
	st := memoryState{
		nextID:       m.nextID,
		entities:     make(map[int64]*models.CanonicalEntity, len(m.entities)),
		keys:         make(map[int64]IndexKeys, len(m.keys)),
		mappings:     maps.Clone(m.mappings),
		blocking:     cloneKeyIndex(m.blocking),
		aliases:      cloneKeyIndex(m.aliases),
		audits:       slices.Clone(m.audits),
		decisions:    make(map[string]*models.MatchDecision, len(m.decisions)),
		reviews:      make(map[string]*models.ReviewItem, len(m.reviews)),
		reviewOrder:  slices.Clone(m.reviewOrder),
		observations: maps.Clone(m.observations),
		performances: slices.Clone(m.performances),
	}
	for id, e := range m.entities {
		st.entities[id] = e.Clone()
	}
	for id, k := range m.keys {
		st.keys[id] = IndexKeys{Blocking: slices.Clone(k.Blocking), Aliases: slices.Clone(k.Aliases)}
	}
	for id, d := range m.decisions {
		c := *d
		st.decisions[id] = &c
	}
	for id, r := range m.reviews {
		c := *r
		st.reviews[id] = &c
	}
	return st
}

func (m *Memory) restore(st memoryState) {
	m.nextID = st.nextID
	m.entities = st.entities
	m.keys = st.keys
	m.mappings = st.mappings
	m.blocking = st.blocking
	m.aliases = st.aliases
	m.audits = st.audits
	m.decisions = st.decisions
	m.reviews = st.reviews
	m.reviewOrder = st.reviewOrder
	m.observations = st.observations
	m.performances = st.performances
}

func cloneKeyIndex(idx map[kindKey]map[int64]struct{}) map[kindKey]map[int64]struct{} {
	out := make(map[kindKey]map[int64]struct{}, len(idx))
	for k, ids := range idx {
		out[k] = maps.Clone(ids)
	}
	return out
}

func (m *Memory) GetEntity(ctx context.Context, id int64) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	return e.Clone(), nil
}

func (m *Memory) FindRoot(ctx context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}
	return m.findRoot(id)
}

func (m *Memory) findRoot(id int64) (int64, error) {
	e, ok := m.entities[id]
	if !ok {
		return 0, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}

	root := id
	for seen := 0; e.MergedInto != nil; seen++ {
		if seen > len(m.entities) {
			return 0, fmt.Errorf("merge chain from %d does not terminate", id)
		}
		root = *e.MergedInto
		if e, ok = m.entities[root]; !ok {
			return 0, fmt.Errorf("entity %d: %w", root, ErrNotFound)
		}
	}

	// path compression
	for cur := m.entities[id]; cur.MergedInto != nil && *cur.MergedInto != root; {
		next := m.entities[*cur.MergedInto]
		r := root
		cur.MergedInto = &r
		cur = next
	}
	return root, nil
}

func (m *Memory) FindBySourceMapping(ctx context.Context, kind models.EntityKind, mapping models.SourceMapping) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	id, ok := m.mappings[kindMapping{kind: kind, mapping: mapping}]
	if !ok {
		return nil, fmt.Errorf("source mapping %s/%s: %w", mapping.Source, mapping.NativeID, ErrNotFound)
	}
	return m.entities[id].Clone(), nil
}

func (m *Memory) FindByAlias(ctx context.Context, kind models.EntityKind, aliasKey string) ([]*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	ids := sortedIDs(m.aliases[kindKey{kind: kind, key: aliasKey}])
	out := make([]*models.CanonicalEntity, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.entities[id].Clone())
	}
	return out, nil
}

func (m *Memory) ListByBlockingKeys(ctx context.Context, kind models.EntityKind, keys []string, limit int) ([]BlockMatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	shared := make(map[int64]int)
	for _, key := range keys {
		for id := range m.blocking[kindKey{kind: kind, key: key}] {
			shared[id]++
		}
	}

	out := make([]BlockMatch, 0, len(shared))
	for id, n := range shared {
		out = append(out, BlockMatch{Entity: m.entities[id].Clone(), SharedKeys: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SharedKeys != out[j].SharedKeys {
			return out[i].SharedKeys > out[j].SharedKeys
		}
		return out[i].Entity.ID < out[j].Entity.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListMergeAudits(ctx context.Context, entityID int64) ([]models.MergeAudit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var out []models.MergeAudit
	for _, a := range m.audits {
		if a.KeepID == entityID || a.AbsorbID == entityID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *Memory) CreateEntity(ctx context.Context, w EntityWrite) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	if err := m.checkMappings(w.Entity, 0); err != nil {
		return nil, err
	}

	m.nextID++
	now := m.now().UTC()
	e := w.Entity.Clone()
	e.ID = m.nextID
	e.Version = 1
	e.MergedInto = nil
	e.CreatedAt = now
	e.UpdatedAt = now

	m.entities[e.ID] = e
	m.index(e, w.Keys)
	return e.Clone(), nil
}

func (m *Memory) UpdateEntity(ctx context.Context, w EntityWrite) (*models.CanonicalEntity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	current, err := m.current(w.Entity.ID, w.Entity.Version)
	if err != nil {
		return nil, err
	}
	if err := m.checkMappings(w.Entity, w.Entity.ID); err != nil {
		return nil, err
	}

	e := w.Entity.Clone()
	e.Version = current.Version + 1
	e.CreatedAt = current.CreatedAt
	e.UpdatedAt = m.now().UTC()

	m.unindex(current)
	m.entities[e.ID] = e
	m.index(e, w.Keys)
	return e.Clone(), nil
}

func (m *Memory) ApplyMerge(ctx context.Context, w MergeWrite) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return 0, err
	}

	keep, err := m.current(w.Keep.Entity.ID, w.Keep.Entity.Version)
	if err != nil {
		return 0, err
	}
	absorb, err := m.current(w.AbsorbID, w.AbsorbVersion)
	if err != nil {
		return 0, err
	}
	if err := m.checkMappings(w.Keep.Entity, keep.ID, absorb.ID); err != nil {
		return 0, err
	}

	now := m.now().UTC()

	m.unindex(absorb)
	m.unindex(keep)

	tomb := absorb.Clone()
	keepID := keep.ID
	tomb.MergedInto = &keepID
	tomb.Version = absorb.Version + 1
	tomb.UpdatedAt = now
	m.entities[tomb.ID] = tomb

	updated := w.Keep.Entity.Clone()
	updated.Version = keep.Version + 1
	updated.CreatedAt = keep.CreatedAt
	updated.UpdatedAt = now
	m.entities[updated.ID] = updated
	m.index(updated, w.Keep.Keys)

	repointed := 0
	for i := range m.performances {
		if m.performances[i].SwimmerID == absorb.ID {
			m.performances[i].SwimmerID = keep.ID
			repointed++
		}
	}
	for key, rec := range m.observations {
		if rec.EntityID != nil && *rec.EntityID == absorb.ID {
			rec.EntityID = &keepID
			m.observations[key] = rec
			repointed++
		}
	}

	audit := w.Audit
	audit.Repointed = repointed
	if audit.PerformedAt.IsZero() {
		audit.PerformedAt = now
	}
	m.audits = append(m.audits, audit)

	return repointed, nil
}

// current returns the live entity if it is still at the expected version.
func (m *Memory) current(id int64, version int) (*models.CanonicalEntity, error) {
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("entity %d: %w", id, ErrNotFound)
	}
	if e.IsTombstone() || e.Version != version {
		return nil, fmt.Errorf("entity %d at version %d: %w", id, version, ErrVersionConflict)
	}
	return e, nil
}

// checkMappings fails if any mapping of e is claimed by an entity other than owners.
func (m *Memory) checkMappings(e *models.CanonicalEntity, owners ...int64) error {
	for _, sm := range e.SourceMappings {
		id, ok := m.mappings[kindMapping{kind: e.Kind, mapping: sm}]
		if ok && !slices.Contains(owners, id) {
			return fmt.Errorf("%s/%s claimed by entity %d: %w", sm.Source, sm.NativeID, id, ErrSourceMappingClaimed)
		}
	}
	return nil
}

func (m *Memory) index(e *models.CanonicalEntity, keys IndexKeys) {
	m.keys[e.ID] = IndexKeys{Blocking: slices.Clone(keys.Blocking), Aliases: slices.Clone(keys.Aliases)}
	for _, k := range keys.Blocking {
		addID(m.blocking, kindKey{kind: e.Kind, key: k}, e.ID)
	}
	for _, k := range keys.Aliases {
		addID(m.aliases, kindKey{kind: e.Kind, key: k}, e.ID)
	}
	for _, sm := range e.SourceMappings {
		m.mappings[kindMapping{kind: e.Kind, mapping: sm}] = e.ID
	}
}

func (m *Memory) unindex(e *models.CanonicalEntity) {
	keys := m.keys[e.ID]
	for _, k := range keys.Blocking {
		removeID(m.blocking, kindKey{kind: e.Kind, key: k}, e.ID)
	}
	for _, k := range keys.Aliases {
		removeID(m.aliases, kindKey{kind: e.Kind, key: k}, e.ID)
	}
	for _, sm := range e.SourceMappings {
		km := kindMapping{kind: e.Kind, mapping: sm}
		if m.mappings[km] == e.ID {
			delete(m.mappings, km)
		}
	}
	delete(m.keys, e.ID)
}

func (m *Memory) AppendDecision(ctx context.Context, d *models.MatchDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	if _, exists := m.decisions[d.ID]; exists {
		return fmt.Errorf("decision %s already recorded", d.ID)
	}
	stored := *d
	stored.Candidates = slices.Clone(d.Candidates)
	stored.AbsorbedIDs = slices.Clone(d.AbsorbedIDs)
	m.decisions[d.ID] = &stored
	return nil
}

func (m *Memory) GetDecision(ctx context.Context, id string) (*models.MatchDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	d, ok := m.decisions[id]
	if !ok {
		return nil, fmt.Errorf("decision %s: %w", id, ErrNotFound)
	}
	out := *d
	return &out, nil
}

// Decisions returns every recorded decision ordered by creation time.
func (m *Memory) Decisions() []models.MatchDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.MatchDecision, 0, len(m.decisions))
	for _, d := range m.decisions {
		out = append(out, *d)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) EnqueueReview(ctx context.Context, item models.ReviewItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	if _, exists := m.reviews[item.DecisionID]; exists {
		return nil
	}
	if item.Status == "" {
		item.Status = models.ReviewStatusPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now().UTC()
	}
	m.reviews[item.DecisionID] = &item
	m.reviewOrder = append(m.reviewOrder, item.DecisionID)
	return nil
}

func (m *Memory) GetReview(ctx context.Context, decisionID string) (*models.ReviewItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	item, ok := m.reviews[decisionID]
	if !ok {
		return nil, fmt.Errorf("review %s: %w", decisionID, ErrNotFound)
	}
	out := *item
	return &out, nil
}

func (m *Memory) ListPendingReviews(ctx context.Context, limit int) ([]models.ReviewEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var out []models.ReviewEntry
	for _, id := range m.reviewOrder {
		item := m.reviews[id]
		if item.Status != models.ReviewStatusPending {
			continue
		}
		d, ok := m.decisions[id]
		if !ok {
			continue
		}
		out = append(out, models.ReviewEntry{Item: *item, Decision: *d})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) CompleteReview(ctx context.Context, decisionID string, status models.ReviewStatus, resolutionDecisionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	item, ok := m.reviews[decisionID]
	if !ok {
		return fmt.Errorf("review %s: %w", decisionID, ErrNotFound)
	}
	if item.Status != models.ReviewStatusPending {
		return fmt.Errorf("review %s is %s: %w", decisionID, item.Status, ErrReviewResolved)
	}

	now := m.now().UTC()
	item.Status = status
	item.ResolutionDecisionID = &resolutionDecisionID
	item.ResolvedAt = &now
	return nil
}

func (m *Memory) RecordObservation(ctx context.Context, rec models.ObservationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = m.now().UTC()
	}
	m.observations[rec.Key] = rec
	return nil
}

func (m *Memory) HasObservation(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return false, err
	}

	_, ok := m.observations[key]
	return ok, nil
}

func (m *Memory) GetObservation(ctx context.Context, key string) (*models.ObservationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	rec, ok := m.observations[key]
	if !ok {
		return nil, fmt.Errorf("observation %s: %w", key, ErrNotFound)
	}
	return &rec, nil
}

// Observation returns the provenance record for key.
func (m *Memory) Observation(key string) (models.ObservationRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.observations[key]
	return rec, ok
}

func (m *Memory) AddPerformance(ctx context.Context, p *models.PerformanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	for _, existing := range m.performances {
		if existing.ObservationKey == p.ObservationKey {
			return nil
		}
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now().UTC()
	}
	m.performances = append(m.performances, *p)
	return nil
}

func (m *Memory) ListPerformances(ctx context.Context, swimmerID int64) ([]models.PerformanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return nil, err
	}

	var out []models.PerformanceRecord
	for _, p := range m.performances {
		if p.SwimmerID == swimmerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) GetWatermark(ctx context.Context, source string) (models.Watermark, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return models.Watermark{}, err
	}

	wm, ok := m.watermarks[source]
	if !ok {
		return models.Watermark{Source: source}, nil
	}
	return wm, nil
}

func (m *Memory) SetWatermark(ctx context.Context, wm models.Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx); err != nil {
		return err
	}

	m.watermarks[wm.Source] = wm
	return nil
}

// LiveEntities returns every non-tombstoned entity of kind ordered by id.
func (m *Memory) LiveEntities(kind models.EntityKind) []*models.CanonicalEntity {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.CanonicalEntity
	for _, e := range m.entities {
		if e.Kind == kind && !e.IsTombstone() {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func addID(index map[kindKey]map[int64]struct{}, k kindKey, id int64) {
	set, ok := index[k]
	if !ok {
		set = make(map[int64]struct{})
		index[k] = set
	}
	set[id] = struct{}{}
}

func removeID(index map[kindKey]map[int64]struct{}, k kindKey, id int64) {
	set, ok := index[k]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, k)
	}
}

func sortedIDs(set map[int64]struct{}) []int64 {
	ids := make([]int64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
