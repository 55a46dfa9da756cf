package matching

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/lily/pkg/models"
	"github.com/Ramsey-B/lily/pkg/normalizers"
	"github.com/Ramsey-B/lily/pkg/store"
	"github.com/Ramsey-B/lily/pkg/tracing"
)

const (
	keySeparator = "|"
	// anyBucket is indexed for every swimmer so year-less queries still find them.
	anyBucket = "*"
	// noBucket is indexed for swimmers with no known birth year.
	noBucket       = "na"
	unknownGender  = "u"
	unresolvedTerm = "?"
)

// BlockingConfig controls how coarse the candidate blocks are.
type BlockingConfig struct {
	// BirthYearBucketSize is the width of a birth-year bucket in years.
	BirthYearBucketSize int
	// MaxCandidates bounds the block candidates returned per observation. Entities
	// sharing an exact alias key with the observation are returned on top of it.
	MaxCandidates int
	// FetchLimit bounds the block read from the store before ranking. Below MaxCandidates
	// it defaults to ten times MaxCandidates.
	FetchLimit int
}

func DefaultBlockingConfig() BlockingConfig {
	return BlockingConfig{BirthYearBucketSize: 4, MaxCandidates: 100, FetchLimit: 1000}
}

// CandidateGenerator finds canonical entities sharing a blocking key with a record.
type CandidateGenerator struct {
	cfg        BlockingConfig
	store      store.EntityReader
	normalizer *normalizers.Normalizer
	scorer     *Scorer
	logger     ectologger.Logger
}

func NewCandidateGenerator(cfg BlockingConfig, reader store.EntityReader, normalizer *normalizers.Normalizer, logger ectologger.Logger) *CandidateGenerator {
	if cfg.BirthYearBucketSize <= 0 {
		cfg.BirthYearBucketSize = DefaultBlockingConfig().BirthYearBucketSize
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultBlockingConfig().MaxCandidates
	}
	if cfg.FetchLimit < cfg.MaxCandidates {
		cfg.FetchLimit = cfg.MaxCandidates * 10
	}
	if normalizer == nil {
		normalizer = normalizers.Default
	}
	return &CandidateGenerator{cfg: cfg, store: reader, normalizer: normalizer, scorer: NewScorer(), logger: logger}
}

// Candidates returns live entities sharing at least one blocking key with r. Entities
// holding one of r's names as an exact alias come first and are never cut by the cap.
// The rest of the block is ranked by shared keys, then name token overlap, then id.
// An empty result means r is definitely new.
func (g *CandidateGenerator) Candidates(ctx context.Context, r Record) ([]*models.CanonicalEntity, error) {
	ctx, span := tracing.StartSpan(ctx, "matching.CandidateGenerator.Candidates")
	defer span.End()

	keys := g.QueryKeys(r)
	if len(keys) == 0 {
		return nil, nil
	}

	exact, err := g.aliasHits(ctx, r, keys)
	if err != nil {
		return nil, err
	}

	matches, err := g.store.ListByBlockingKeys(ctx, r.Attributes.Kind, keys, g.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities by blocking key: %w", err)
	}

	queryTokens := g.nameTokens(r.names(), r.Attributes.Kind)
	ranked := make([]rankedCandidate, 0, len(matches))
	for _, m := range matches {
		if m.Entity == nil || m.Entity.IsTombstone() {
			continue
		}
		if _, ok := exact[m.Entity.ID]; ok {
			continue
		}
		ranked = append(ranked, rankedCandidate{
			entity:  m.Entity,
			shared:  m.SharedKeys,
			overlap: g.nameOverlap(queryTokens, RecordFromEntity(m.Entity).names(), r.Attributes.Kind),
		})
	}
	slices.SortFunc(ranked, compareCandidates)

	out := make([]*models.CanonicalEntity, 0, len(exact)+min(len(ranked), g.cfg.MaxCandidates))
	for _, e := range exact {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *models.CanonicalEntity) int { return cmp.Compare(a.ID, b.ID) })
	for i, c := range ranked {
		if i == g.cfg.MaxCandidates {
			break
		}
		out = append(out, c.entity)
	}

	g.logger.WithContext(ctx).WithFields(map[string]any{
		"kind":       r.Attributes.Kind,
		"keys":       len(keys),
		"exact":      len(exact),
		"block":      len(matches),
		"candidates": len(out),
	}).Debug("generated candidates")

	return out, nil
}

type rankedCandidate struct {
	entity  *models.CanonicalEntity
	shared  int
	overlap float64
}

func compareCandidates(a, b rankedCandidate) int {
	if a.shared != b.shared {
		return b.shared - a.shared
	}
	if c := cmp.Compare(b.overlap, a.overlap); c != 0 {
		return c
	}
	return cmp.Compare(a.entity.ID, b.entity.ID)
}

// aliasHits returns live entities holding one of r's names as an alias key. An entity
// sharing no blocking key with r is left out, so an alias never bypasses a veto the
// blocks encode.
func (g *CandidateGenerator) aliasHits(ctx context.Context, r Record, keys []string) (map[int64]*models.CanonicalEntity, error) {
	query := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		query[k] = struct{}{}
	}

	hits := make(map[int64]*models.CanonicalEntity)
	for _, name := range r.names() {
		key := normalizers.AliasKey(name, r.Attributes.Kind)
		if key == "" {
			continue
		}
		entities, err := g.store.FindByAlias(ctx, r.Attributes.Kind, key)
		if err != nil {
			return nil, fmt.Errorf("failed to find entities by alias: %w", err)
		}
		for _, e := range entities {
			if e == nil || e.IsTombstone() {
				continue
			}
			if _, ok := hits[e.ID]; ok {
				continue
			}
			if slices.ContainsFunc(g.IndexKeys(e).Blocking, func(k string) bool {
				_, ok := query[k]
				return ok
			}) {
				hits[e.ID] = e
			}
		}
	}
	return hits, nil
}

func (g *CandidateGenerator) nameTokens(names []string, kind models.EntityKind) [][]string {
	nk := nameKind(kind)
	out := make([][]string, 0, len(names))
	for _, name := range names {
		if tokens := g.normalizer.Normalize(name, nk).Tokens; len(tokens) > 0 {
			out = append(out, tokens)
		}
	}
	return out
}

func nameKind(kind models.EntityKind) normalizers.NameKind {
	switch kind {
	case models.EntityKindTeam:
		return normalizers.TeamName
	case models.EntityKindEvent:
		return normalizers.EventLabel
	}
	return normalizers.SwimmerName
}

// nameOverlap is the best token Jaccard between any query name and any candidate name.
func (g *CandidateGenerator) nameOverlap(query [][]string, names []string, kind models.EntityKind) float64 {
	best := 0.0
	for _, b := range g.nameTokens(names, kind) {
		for _, a := range query {
			best = max(best, g.scorer.Jaccard(a, b))
		}
	}
	return best
}

// QueryKeys are the blocking keys probed for an incoming record.
func (g *CandidateGenerator) QueryKeys(r Record) []string {
	switch r.Attributes.Kind {
	case models.EntityKindSwimmer:
		if r.Attributes.Swimmer == nil {
			return nil
		}
		s := r.Attributes.Swimmer
		genders := []string{genderTerm(s.Gender), unknownGender}
		if s.Gender == models.GenderUnknown {
			genders = []string{"m", "f", "o", unknownGender}
		}
		buckets := []string{anyBucket}
		if s.BirthYear > 0 {
			buckets = append(g.birthYearBuckets(s.BirthYear), noBucket)
		}
		return g.swimmerKeys(r.names(), genders, buckets)
	case models.EntityKindTeam:
		return g.teamKeys(r)
	case models.EntityKindEvent:
		return eventKeys(r.Attributes.Event)
	}
	return nil
}

// IndexKeys are the keys an entity is stored under: blocking keys for candidate
// generation and alias keys for lookup by name.
func (g *CandidateGenerator) IndexKeys(e *models.CanonicalEntity) store.IndexKeys {
	r := RecordFromEntity(e)

	var blocking []string
	switch e.Kind {
	case models.EntityKindSwimmer:
		if s := e.Attributes.Swimmer; s != nil {
			buckets := []string{noBucket, anyBucket}
			if s.BirthYear > 0 {
				buckets = append(g.birthYearBuckets(s.BirthYear), anyBucket)
			}
			blocking = g.swimmerKeys(r.names(), []string{genderTerm(s.Gender)}, buckets)
		}
	case models.EntityKindTeam:
		blocking = g.teamKeys(r)
	case models.EntityKindEvent:
		blocking = eventKeys(e.Attributes.Event)
	}

	aliases := make([]string, 0, len(r.Names))
	for _, name := range r.names() {
		if key := normalizers.AliasKey(name, e.Kind); key != "" {
			aliases = append(aliases, key)
		}
	}

	return store.IndexKeys{Blocking: blocking, Aliases: dedupe(aliases)}
}

func (g *CandidateGenerator) swimmerKeys(names, genders, buckets []string) []string {
	keys := make([]string, 0, len(names)*len(genders)*len(buckets))
	for _, name := range names {
		family := g.normalizer.Normalize(name, normalizers.SwimmerName).FamilyName()
		if family == "" {
			continue
		}
		for _, gender := range genders {
			for _, bucket := range buckets {
				keys = append(keys, joinKey(string(models.EntityKindSwimmer), family, gender, bucket))
			}
		}
	}
	return dedupe(keys)
}

func (g *CandidateGenerator) teamKeys(r Record) []string {
	names := r.names()
	if t := r.Attributes.Team; t != nil && t.ShortName != "" {
		names = append(slices.Clone(names), t.ShortName)
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		if token := g.normalizer.Normalize(name, normalizers.TeamName).FirstToken(); token != "" {
			keys = append(keys, joinKey(string(models.EntityKindTeam), token))
		}
	}
	return dedupe(keys)
}

// birthYearBuckets returns the year's own bucket and the nearer adjacent one, so any
// two years within half a bucket of each other share a bucket.
func (g *CandidateGenerator) birthYearBuckets(year int) []string {
	size := g.cfg.BirthYearBucketSize
	primary := floorDiv(year, size)
	secondary := primary + 1
	if year-primary*size < size/2 {
		secondary = primary - 1
	}
	return []string{bucketTerm(primary), bucketTerm(secondary)}
}

func eventKeys(e *models.EventAttributes) []string {
	if e == nil {
		return nil
	}
	if !e.IsResolved() {
		folded := normalizers.Fold(e.Unresolved)
		if folded == "" {
			return nil
		}
		return []string{joinKey(string(models.EntityKindEvent), unresolvedTerm, folded)}
	}
	return []string{joinKey(
		string(models.EntityKindEvent),
		strconv.Itoa(e.Distance),
		string(e.Stroke),
		string(e.Course),
		strconv.FormatBool(e.Relay),
	)}
}

func genderTerm(g models.Gender) string {
	if g == models.GenderUnknown {
		return unknownGender
	}
	return strings.ToLower(string(g))
}

func bucketTerm(b int) string {
	return "b" + strconv.Itoa(b)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func joinKey(parts ...string) string {
	return strings.Join(parts, keySeparator)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
