package custodian

import (
	"math"
	"time"

	"github.com/function61/holvi/pkg/holtypes"
)

// Probe outcomes fold into an exponentially decayed success estimate: each
// outcome is blended in with a weight that halves per ScoreHalfLife of elapsed
// time, so a long-idle score fades instead of coasting on old glory.
//
// Ranking additionally decays by time since last successful probe and is damped
// by sample count, so a custodian with one recent success outranks one with
// many stale successes but no recent confirmation.

// samples before a score is taken at face value
const confidencePrior = 2.0

func foldProbeOutcome(rec *holtypes.CustodianRecord, success bool, now time.Time, halfLife time.Duration) {
	outcome := 0.0
	if success {
		outcome = 1.0
	}

	if rec.ScoreUpdated.IsZero() { // first ever probe
		rec.Score = outcome
	} else {
		weight := decayFactor(now.Sub(rec.ScoreUpdated), halfLife)
		rec.Score = rec.Score*weight + outcome*(1-weight)
	}

	rec.ScoreUpdated = now
	rec.LastProbe = now

	if success {
		rec.Successes++
		rec.ConsecutiveFailures = 0
		rec.LastSuccess = now
	} else {
		rec.Failures++
		rec.ConsecutiveFailures++
	}
}

// the sort key for SelectCustodians(). pure - does not mutate the record.
func rankScore(rec *holtypes.CustodianRecord, now time.Time, halfLife time.Duration) float64 {
	if rec.LastSuccess.IsZero() { // never confirmed
		return 0
	}

	samples := float64(rec.Successes + rec.Failures)
	confidence := samples / (samples + confidencePrior)

	return rec.Score * decayFactor(now.Sub(rec.LastSuccess), halfLife) * confidence
}

func decayFactor(elapsed time.Duration, halfLife time.Duration) float64 {
	if elapsed <= 0 {
		return 1
	}

	return math.Pow(0.5, float64(elapsed)/float64(halfLife))
}
