package matching

import "math"

// Scorer provides string and value comparison primitives.
// All string comparisons operate on runes.
type Scorer struct{}

// NewScorer creates a new Scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// ExactMatch returns 1.0 for exact match, 0.0 otherwise
func (s *Scorer) ExactMatch(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0.0
}

// JaroWinkler calculates the Jaro-Winkler similarity between two strings.
// Arguments are put in a canonical order first so the result never depends on
// which side is passed first.
func (s *Scorer) JaroWinkler(a, b string) float64 {
	if a == b {
		return 1.0
	}
	if a > b {
		a, b = b, a
	}
	ra, rb := []rune(a), []rune(b)

	jaro := s.jaro(ra, rb)

	prefixLen := 0
	for i := 0; i < len(ra) && i < len(rb) && i < 4; i++ {
		if ra[i] != rb[i] {
			break
		}
		prefixLen++
	}

	return jaro + float64(prefixLen)*0.1*(1.0-jaro)
}

func (s *Scorer) jaro(a, b []rune) float64 {
	if string(a) == string(b) {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}

	matchDist := max(len(a), len(b))/2 - 1
	if matchDist < 0 {
		matchDist = 0
	}

	aMatches := make([]bool, len(a))
	bMatches := make([]bool, len(b))
	matches := 0

	for i := range a {
		start := max(0, i-matchDist)
		end := min(len(b), i+matchDist+1)
		for j := start; j < end; j++ {
			if bMatches[j] || a[i] != b[j] {
				continue
			}
			aMatches[i] = true
			bMatches[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0.0
	}

	transpositions := 0
	k := 0
	for i := range a {
		if !aMatches[i] {
			continue
		}
		for !bMatches[k] {
			k++
		}
		if a[i] != b[k] {
			transpositions++
		}
		k++
	}

	m := float64(matches)
	t := float64(transpositions) / 2
	return (m/float64(len(a)) + m/float64(len(b)) + (m-t)/m) / 3
}

// NumericProximity returns 1.0 for equal values, decaying linearly to 0 at maxDiff.
func (s *Scorer) NumericProximity(a, b, maxDiff float64) float64 {
	if a == b {
		return 1.0
	}
	if maxDiff <= 0 {
		return 0.0
	}

	diff := math.Abs(a - b)
	if diff >= maxDiff {
		return 0.0
	}
	return 1.0 - (diff / maxDiff)
}

// Jaccard returns |a ∩ b| / |a ∪ b| over two string sets.
func (s *Scorer) Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.0
	}

	union := make(map[string]int, len(a)+len(b))
	for _, v := range a {
		union[v] |= 1
	}
	for _, v := range b {
		union[v] |= 2
	}

	shared := 0
	for _, sides := range union {
		if sides == 3 {
			shared++
		}
	}
	return float64(shared) / float64(len(union))
}

// TokenSetSimilarity compares two token multisets by averaging, in both directions,
// each token's best Jaro-Winkler match on the other side.
func (s *Scorer) TokenSetSimilarity(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	return (s.directedTokenSimilarity(a, b) + s.directedTokenSimilarity(b, a)) / 2
}

func (s *Scorer) directedTokenSimilarity(from, to []string) float64 {
	var sum float64
	for _, x := range from {
		best := 0.0
		for _, y := range to {
			best = max(best, s.JaroWinkler(x, y))
		}
		sum += best
	}
	return sum / float64(len(from))
}
