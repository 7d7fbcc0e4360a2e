// Package cognitive implements the reliability-scored insight store.
// Insights are keyed by a stable hash of category + normalized statement,
// mutated only through atomic counter updates, and persisted as a full
// JSON snapshot rewritten via temp-file rename.
package cognitive

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strings"
	"time"

	"github.com/kaitd/kaitd/internal/domain"
)

// Key derives the stable insight key from category and statement. The
// statement is normalized (lower-cased, whitespace-collapsed) first so
// cosmetic rephrasing maps to the same key.
func Key(category domain.InsightCategory, statement string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(statement), " "))
	sum := sha256.Sum256([]byte(string(category) + "\x00" + normalized))
	return hex.EncodeToString(sum[:8])
}

// WilsonLowerBound returns the lower bound of the Wilson score confidence
// interval for validations successes out of (validations+contradictions)
// trials at the given z-score (1.96 ~ 95% confidence).
//
// Used instead of the raw ratio so insights with few observations are not
// over-trusted: one validation and zero contradictions scores well below
// ten validations and zero contradictions.
func WilsonLowerBound(validations, contradictions int, z float64) float64 {
	n := float64(validations + contradictions)
	if n == 0 {
		return 0
	}
	p := float64(validations) / n
	denom := 1 + z*z/n
	center := p + z*z/(2*n)
	margin := z * math.Sqrt(p*(1-p)/n+z*z/(4*n*n))
	return (center - margin) / denom
}

// DefaultZ is the z-score for a 95% confidence interval.
const DefaultZ = 1.96

// RecencyDecay applies exponential decay based on how long ago the insight
// was last validated, relative to the half-life: a value last touched one
// half-life ago decays to half.
func RecencyDecay(value float64, lastTouched time.Time, halflife time.Duration, now time.Time) float64 {
	if halflife <= 0 || lastTouched.IsZero() {
		return value
	}
	elapsed := now.Sub(lastTouched)
	if elapsed <= 0 {
		return value
	}
	return value * math.Exp(-math.Ln2*elapsed.Seconds()/halflife.Seconds())
}

// categoryWeights bias advisory readiness toward categories that produce
// directly usable pre-tool guidance.
var categoryWeights = map[domain.InsightCategory]float64{
	domain.CategoryWisdom:            1.0,
	domain.CategoryReasoning:         0.9,
	domain.CategoryMetaLearning:      0.8,
	domain.CategoryUserUnderstanding: 0.7,
	domain.CategorySelfAwareness:     0.6,
	domain.CategoryOther:             0.5,
}

// Readiness computes advisory readiness: reliability scaled by a log-
// saturating validation count, the category weight, and recency decay.
func Readiness(in domain.Insight, halflife time.Duration, now time.Time) float64 {
	rel := in.Reliability()
	if rel == 0 {
		return 0
	}
	// log-scaled saturation: 1 validation ~ 0.23, 5 ~ 0.59, 20 or more = 1.
	saturation := math.Log1p(float64(in.Validations)) / math.Log1p(20)
	if saturation > 1 {
		saturation = 1
	}
	weight, ok := categoryWeights[in.Category]
	if !ok {
		weight = 0.5
	}
	return RecencyDecay(rel*saturation*weight, in.LastValidatedAt, halflife, now)
}
