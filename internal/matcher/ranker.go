// Package matcher ranks stored embeddings against a query vector and decides
// whether the best candidate is a confident match.
package matcher

import (
	"math"

	"photomatch/internal/domain"
)

// DefaultThreshold is the minimum cosine score accepted as a match.
// Deployments have used values between 0.70 and 0.75.
const DefaultThreshold = 0.75

// NoScore sits below every reachable cosine score; it marks a decision
// without a candidate.
const NoScore = -2.0

// Ranker selects the most similar record by cosine similarity.
type Ranker struct {
	Threshold float64
}

// NewRanker returns a Ranker using threshold.
func NewRanker(threshold float64) Ranker {
	return Ranker{Threshold: threshold}
}

// Rank scans every record and returns the best one. Records whose length
// differs from the query are skipped. Ties keep the first record seen.
func (r Ranker) Rank(query domain.Vector, records []domain.EmbeddingRecord) domain.MatchDecision {
	best := domain.MatchDecision{Score: NoScore}
	for _, rec := range records {
		if len(rec.Vector) != len(query) {
			best.Skipped++
			continue
		}
		score := Cosine(query, rec.Vector)
		best.Compared++
		if score > best.Score {
			best.ID = rec.ID
			best.Image = rec.Image
			best.Score = score
		}
	}
	best.Accepted = best.HasCandidate() && best.Score >= r.Threshold
	return best
}

// Cosine returns dot(a, b) / (|a| |b|), using a denominator of 1 when either
// vector has zero length. Both vectors must have the same length.
func Cosine(a, b domain.Vector) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := a[i], b[i]
		dot += x * y
		na += x * x
		nb += y * y
	}
	denom := math.Sqrt(na) * math.Sqrt(nb)
	if denom == 0 {
		denom = 1
	}
	return dot / denom
}
