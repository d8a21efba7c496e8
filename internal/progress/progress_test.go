package progress_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"gateline/internal/domain"
	"gateline/internal/progress"
)

func exits(phases ...domain.Phase) map[domain.Phase]bool {
	res := map[domain.Phase]bool{}
	for _, p := range phases {
		res[p] = true
	}
	return res
}

var featureReqs = []domain.VerifierRequirement{
	{Code: "performance", GatePhase: domain.PhaseVerification},
	{Code: "security", GatePhase: domain.PhaseVerification},
}

func TestComputeFreshDirective(t *testing.T) {
	b := progress.Compute(progress.State{Status: domain.StatusDraft, Current: domain.PhaseApproval0})
	// Approval_0 active with entry only: mean(1, 0) = 0.5 of 20.
	assert.Equal(t, 10, b.Percentage)
	assert.Equal(t, 0.0, b.Phases[domain.PhaseDesign])
}

func TestComputeVerificationWithPendingSecurity(t *testing.T) {
	b := progress.Compute(progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseVerification,
		PhaseProgress: 100,
		AcceptedExits: exits(domain.PhaseApproval0, domain.PhaseDesign, domain.PhaseImplementation),
		Requirements:  featureReqs,
		Verdicts:      map[string]domain.Verdict{"performance": domain.VerdictPass},
	})
	assert.Equal(t, 80, b.Percentage)
	assert.Equal(t, 1.0, b.Phases[domain.PhaseImplementation])
	assert.InDelta(t, 2.0/3.0, b.Phases[domain.PhaseVerification], 1e-9)
}

func TestComputeActivePhaseCapped(t *testing.T) {
	b := progress.Compute(progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseVerification,
		PhaseProgress: 100,
		AcceptedExits: exits(domain.PhaseApproval0, domain.PhaseDesign, domain.PhaseImplementation),
		Requirements:  featureReqs,
		Verdicts:      map[string]domain.Verdict{"performance": domain.VerdictPass, "security": domain.VerdictPass},
	})
	// 70 + 15 × 0.9
	assert.Equal(t, 84, b.Percentage)
}

func TestComputeAllExitsAccepted(t *testing.T) {
	b := progress.Compute(progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseApproval1,
		AcceptedExits: exits(domain.WorkPhases...),
		Requirements:  featureReqs,
		Verdicts:      map[string]domain.Verdict{"performance": domain.VerdictPass, "security": domain.VerdictWarning},
	})
	assert.Equal(t, 100, b.Percentage)
}

func TestComputeWarningBlocksPolicy(t *testing.T) {
	b := progress.Compute(progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseApproval1,
		AcceptedExits: exits(domain.WorkPhases...),
		Requirements:  featureReqs,
		Verdicts:      map[string]domain.Verdict{"performance": domain.VerdictPass, "security": domain.VerdictWarning},
		WarningBlocks: true,
	})
	// Verification exited with a reopened gate: mean(entry, verifiers, exit) = 2/3.
	assert.Equal(t, 95, b.Percentage)
}

func TestComputeImplementationCheckpoints(t *testing.T) {
	done := "2024-01-01T00:00:00Z"
	b := progress.Compute(progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseImplementation,
		AcceptedExits: exits(domain.PhaseApproval0, domain.PhaseDesign),
		Checkpoints: []domain.Checkpoint{
			{Seq: 1, CompletedAt: &done},
			{Seq: 2},
		},
	})
	// Implementation: mean(entry 1, checkpoints 0.5, work 0) = 0.5 of 30.
	assert.Equal(t, 55, b.Percentage)
}

func TestComputeWaivableIgnored(t *testing.T) {
	b := progress.Compute(progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseApproval1,
		AcceptedExits: exits(domain.WorkPhases...),
		Requirements:  []domain.VerifierRequirement{{Code: "documentation", GatePhase: domain.PhaseApproval1, Waivable: true}},
	})
	assert.Equal(t, 100, b.Percentage)
}

func TestComputeCompletedStatus(t *testing.T) {
	b := progress.Compute(progress.State{Status: domain.StatusCompleted, Current: domain.PhaseCompleted})
	assert.Equal(t, 100, b.Percentage)
}

func TestComputeIsDeterministic(t *testing.T) {
	s := progress.State{
		Status:        domain.StatusActive,
		Current:       domain.PhaseDesign,
		PhaseProgress: 40,
		AcceptedExits: exits(domain.PhaseApproval0),
	}
	assert.Equal(t, progress.Compute(s), progress.Compute(s))
}
