package optim

import "math"

// CosineSchedule implements linear warmup followed by cosine decay
// from the peak learning rate down to MinLR.
type CosineSchedule struct {
	PeakLR      float64
	MinLR       float64
	WarmupSteps int
	TotalSteps  int
}

// NewCosineSchedule creates a schedule; minLR is conventionally a
// tenth of the peak.
func NewCosineSchedule(peakLR float64, warmupSteps, totalSteps int) *CosineSchedule {
	return &CosineSchedule{
		PeakLR:      peakLR,
		MinLR:       peakLR * 0.1,
		WarmupSteps: warmupSteps,
		TotalSteps:  totalSteps,
	}
}

// LR returns the learning rate for a given step (1-based).
func (s *CosineSchedule) LR(step int) float64 {
	if s.WarmupSteps > 0 && step < s.WarmupSteps {
		return s.PeakLR * float64(step) / float64(s.WarmupSteps)
	}
	if step >= s.TotalSteps {
		return s.MinLR
	}
	progress := float64(step-s.WarmupSteps) / float64(s.TotalSteps-s.WarmupSteps)
	cos := 0.5 * (1 + math.Cos(math.Pi*progress))
	return s.MinLR + (s.PeakLR-s.MinLR)*cos
}
