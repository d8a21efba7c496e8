package verifier_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateline/internal/config"
	"gateline/internal/domain"
	"gateline/internal/verifier"
)

func codes(reqs []verifier.Requirement) []string {
	var res []string
	for _, r := range reqs {
		res = append(res, r.Code)
	}
	return res
}

func TestRequiredByType(t *testing.T) {
	reg := verifier.NewRegistry(config.Default().Verifiers)
	reqs := reg.Required(domain.TypeFeature, "")
	require.Equal(t, []string{"performance", "security"}, codes(reqs))
	for _, r := range reqs {
		assert.Equal(t, domain.PhaseVerification, r.Gate)
		assert.Equal(t, verifier.SourceType, r.Source)
	}
	assert.Empty(t, reg.Required(domain.TypeDocumentation, ""))
}

func TestRequiredByKeyword(t *testing.T) {
	reg := verifier.NewRegistry(config.Default().Verifiers)
	reqs := reg.Required(domain.TypeDocumentation, "Document the OAuth flow and the new UI; deploy via Docker.")
	assert.Equal(t, []string{"design", "devops", "integration"}, codes(reqs))
	for _, r := range reqs {
		assert.Equal(t, verifier.SourceKeyword, r.Source)
	}
}

func TestRequiredKeywordDoesNotMatchSubstrings(t *testing.T) {
	reg := verifier.NewRegistry(config.Default().Verifiers)
	// "authoring" must not trigger the auth keyword.
	assert.Empty(t, reg.Required(domain.TypeDocumentation, "authoring guide"))
}

func TestRequiredTypeWinsOverKeyword(t *testing.T) {
	reg := verifier.NewRegistry(config.Default().Verifiers)
	reqs := reg.Required(domain.TypeSecurity, "rotate tokens")
	require.Len(t, reqs, 1)
	assert.Equal(t, verifier.SourceType, reqs[0].Source)
}

func TestSatisfied(t *testing.T) {
	reqs := []domain.VerifierRequirement{
		{Code: "security", GatePhase: domain.PhaseVerification},
		{Code: "performance", GatePhase: domain.PhaseVerification},
		{Code: "documentation", GatePhase: domain.PhaseApproval1, Waivable: true},
	}
	ok, reasons := verifier.Satisfied(reqs, map[string]domain.Verdict{"performance": domain.VerdictPass}, false)
	assert.False(t, ok)
	assert.Equal(t, []string{"security verifier pending"}, reasons)

	ok, reasons = verifier.Satisfied(reqs, map[string]domain.Verdict{
		"performance": domain.VerdictPass,
		"security":    domain.VerdictWarning,
	}, false)
	assert.True(t, ok)
	assert.Empty(t, reasons)

	ok, reasons = verifier.Satisfied(reqs, map[string]domain.Verdict{
		"performance": domain.VerdictFail,
		"security":    domain.VerdictWarning,
	}, true)
	assert.False(t, ok)
	assert.Equal(t, []string{"security verifier warning blocks this directive type", "performance verifier failed"}, reasons)
}

func TestGatedOn(t *testing.T) {
	reqs := []domain.VerifierRequirement{
		{Code: "design", GatePhase: domain.PhaseDesign},
		{Code: "security", GatePhase: domain.PhaseVerification},
	}
	got := verifier.GatedOn(reqs, domain.PhaseDesign)
	require.Len(t, got, 1)
	assert.Equal(t, "design", got[0].Code)
	assert.Empty(t, verifier.GatedOn(reqs, domain.PhaseImplementation))
}
