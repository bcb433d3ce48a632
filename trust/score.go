// Package trust computes a user's trust score and earned badges from their
// deal statistics. Everything here is pure: callers persist the results.
package trust

import "math"

// Verification mirrors users.verification_status.
type Verification string

const (
	VerificationUnverified Verification = "UNVERIFIED"
	VerificationPending    Verification = "PENDING"
	VerificationVerified   Verification = "VERIFIED"
)

const (
	verificationPoints = 20.0
	ratingPoints       = 40.0
	volumePoints       = 20.0
	reliabilityPoints  = 20.0

	maxRating = 5.0
	// volumeScale is the deal count at which volume reaches ~63% of its cap.
	volumeScale = 10.0
)

// Stats are the inputs of the score and badge computations.
type Stats struct {
	Verification     Verification
	AvgRating        float64
	CompletedDeals   int
	CancellationRate float64
}

// AfterCompletion returns the statistics after one more successful deal. The
// cancellation rate decays passively: it has no term that can raise it.
func (s Stats) AfterCompletion() Stats {
	next := s
	next.CompletedDeals = s.CompletedDeals + 1
	if s.CompletedDeals > 0 {
		next.CancellationRate = s.CancellationRate * float64(s.CompletedDeals) / float64(next.CompletedDeals)
	} else {
		next.CancellationRate = 0
	}
	return next
}

// Score returns the 0–100 trust score for the statistics.
func Score(s Stats) int {
	total := verificationComponent(s.Verification) +
		ratingComponent(s.AvgRating) +
		volumeComponent(s.CompletedDeals) +
		reliabilityComponent(s.CancellationRate)

	return int(clamp(math.Round(total), 0, 100))
}

func verificationComponent(v Verification) float64 {
	if v == VerificationVerified {
		return verificationPoints
	}
	return 0
}

func ratingComponent(avg float64) float64 {
	if math.IsNaN(avg) {
		return 0
	}
	return clamp(avg, 0, maxRating) / maxRating * ratingPoints
}

func volumeComponent(deals int) float64 {
	if deals <= 0 {
		return 0
	}
	return math.Min(volumePoints, volumePoints*(1-math.Exp(-float64(deals)/volumeScale)))
}

func reliabilityComponent(rate float64) float64 {
	if math.IsNaN(rate) {
		return 0
	}
	return (1 - clamp(rate, 0, 1)) * reliabilityPoints
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
