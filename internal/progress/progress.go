// Package progress derives a directive's completion percentage from its
// persisted lifecycle state.
package progress

import (
	"math"

	"gateline/internal/domain"
	"gateline/internal/verifier"
)

// activeCap keeps an open phase below full credit until its exit handoff is accepted.
const activeCap = 0.9

// State is the committed data the calculator reads. It never reads the cached
// progress value.
type State struct {
	Status        domain.Status
	Current       domain.Phase
	PhaseProgress int
	AcceptedExits map[domain.Phase]bool
	Requirements  []domain.VerifierRequirement
	Verdicts      map[string]domain.Verdict
	WarningBlocks bool
	Checkpoints   []domain.Checkpoint
}

// Breakdown is the computed percentage plus the completion fraction of each phase.
type Breakdown struct {
	Percentage int                      `json:"percentage"`
	Phases     map[domain.Phase]float64 `json:"phases"`
}

// Compute returns Σ weight × fraction over the work phases, rounded to the nearest integer.
func Compute(s State) Breakdown {
	b := Breakdown{Phases: make(map[domain.Phase]float64, len(domain.WorkPhases))}
	if s.Status == domain.StatusCompleted {
		for _, p := range domain.WorkPhases {
			b.Phases[p] = 1
		}
		b.Percentage = 100
		return b
	}
	var total float64
	for _, p := range domain.WorkPhases {
		f := s.fraction(p)
		b.Phases[p] = f
		total += float64(p.Weight()) * f
	}
	b.Percentage = int(math.Round(total))
	if b.Percentage > 100 {
		b.Percentage = 100
	}
	return b
}

func (s State) fraction(p domain.Phase) float64 {
	if p.Index() > s.Current.Index() {
		return 0
	}
	checks := []float64{1}
	gated := s.gatedOn(p)
	verifiersOK := true
	if len(gated) > 0 {
		verifiersOK, _ = verifier.Satisfied(gated, s.Verdicts, s.WarningBlocks)
		checks = append(checks, boolFraction(verifiersOK))
	}
	checkpointsOK := true
	if p == domain.PhaseImplementation && len(s.Checkpoints) > 0 {
		done := 0
		for _, c := range s.Checkpoints {
			if c.Completed() {
				done++
			}
		}
		checkpointsOK = done == len(s.Checkpoints)
		checks = append(checks, float64(done)/float64(len(s.Checkpoints)))
	}

	if s.AcceptedExits[p] {
		if verifiersOK && checkpointsOK {
			return 1
		}
		// Exited, but a gate was reopened since: exit work counts as done.
		return mean(append(checks, 1))
	}
	if p != s.Current {
		return mean(append(checks, 1))
	}
	work := float64(clamp(s.PhaseProgress, 0, 100)) / 100
	return math.Min(mean(append(checks, work)), activeCap)
}

func (s State) gatedOn(p domain.Phase) []domain.VerifierRequirement {
	var res []domain.VerifierRequirement
	for _, req := range verifier.GatedOn(s.Requirements, p) {
		if !req.Waivable {
			res = append(res, req)
		}
	}
	return res
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func boolFraction(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}
