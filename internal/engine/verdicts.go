package engine

import (
	"context"
	"database/sql"
	"strings"

	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/verifier"
)

// VerdictInput is one verifier ruling on a directive.
type VerdictInput struct {
	DirectiveID string
	Code        string
	Verdict     domain.Verdict
	Confidence  int
	Notes       string
	ActorID     string
}

// RecordVerdict appends a verdict. The latest row per code is the current verdict.
func (e Engine) RecordVerdict(ctx context.Context, in VerdictInput) (v domain.VerifierVerdict, err error) {
	defer func() { e.observe(ctx, "record_verdict", in.DirectiveID, err) }()
	in.Code = strings.TrimSpace(in.Code)
	if in.Code == "" {
		return v, validationError("verifier code is required")
	}
	if !in.Verdict.Valid() {
		return v, validationError("invalid verdict %q (want pending, pass, warning or fail)", in.Verdict)
	}
	if in.Confidence < 0 || in.Confidence > 100 {
		return v, validationError("confidence must be within 0..100, got %d", in.Confidence)
	}
	if err := e.authorize(ctx, e.DB, in.ActorID, auth.PermVerdictRecord); err != nil {
		return v, err
	}
	if e.Config != nil && e.Config.RBAC.Enforce && in.ActorID != auth.SystemActor {
		ok, err := e.Auth.ActorCanVerify(ctx, e.DB, in.ActorID, in.Code)
		if err != nil {
			return v, err
		}
		if !ok {
			return v, auth.ForbiddenVerifierError{Code: in.Code}
		}
	}
	d, err := e.loadActive(ctx, in.DirectiveID)
	if err != nil {
		return v, err
	}
	if !e.Registry.Known(in.Code) {
		reqs, err := e.Repo.ListRequirements(ctx, e.DB, d.ID)
		if err != nil {
			return v, err
		}
		known := false
		for _, r := range reqs {
			known = known || r.Code == in.Code
		}
		if !known {
			return v, validationError("unknown verifier %q", in.Code)
		}
	}
	v = domain.VerifierVerdict{
		DirectiveID: d.ID,
		Code:        in.Code,
		Verdict:     in.Verdict,
		Confidence:  in.Confidence,
		Notes:       in.Notes,
		ActorID:     actorOrSystem(in.ActorID),
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		v.CreatedAt = e.stamp()
		if v.ID, err = e.Repo.InsertVerdict(ctx, tx, v); err != nil {
			return err
		}
		pct, err := e.refreshProgress(ctx, tx, d.ID)
		if err != nil {
			return err
		}
		return e.emit(ctx, tx, "verdict.recorded", d.ID, "verdict", in.Code, in.ActorID, events.EventPayload{
			"code":       in.Code,
			"verdict":    in.Verdict,
			"confidence": in.Confidence,
			"progress":   pct,
		})
	})
	if err != nil {
		return domain.VerifierVerdict{}, err
	}
	e.log().Info("verdict recorded",
		zap.String("directive_id", d.ID),
		zap.String("code", in.Code),
		zap.String("verdict", string(in.Verdict)))
	return v, nil
}

// VerifierReport is the verifier state of a directive.
type VerifierReport struct {
	DirectiveID string                  `json:"directive_id"`
	Satisfied   bool                    `json:"satisfied"`
	Reasons     []string                `json:"reasons,omitempty"`
	Verifiers   []domain.VerifierStatus `json:"verifiers"`
}

// CheckVerifiers reports whether every required, non-waivable verifier lets
// the directive complete.
func (e Engine) CheckVerifiers(ctx context.Context, directiveID string) (VerifierReport, error) {
	s, err := e.loadState(ctx, e.DB, directiveID)
	if err != nil {
		return VerifierReport{}, err
	}
	rep := VerifierReport{DirectiveID: directiveID, Verifiers: []domain.VerifierStatus{}}
	for _, req := range s.reqs {
		st := domain.VerifierStatus{VerifierRequirement: req, Verdict: domain.VerdictPending}
		if v, ok := s.verdicts[req.Code]; ok {
			st.Verdict = v.Verdict
			st.Confidence = v.Confidence
			st.UpdatedAt = v.CreatedAt
		}
		rep.Verifiers = append(rep.Verifiers, st)
	}
	rep.Satisfied, rep.Reasons = verifier.Satisfied(s.reqs, s.currentVerdicts(), e.warningBlocks(s.d.Type))
	return rep, nil
}

// ListVerdicts returns the verdict history of a directive, optionally for one code.
func (e Engine) ListVerdicts(ctx context.Context, directiveID, code string) ([]domain.VerifierVerdict, error) {
	if _, err := e.Repo.GetDirective(ctx, e.DB, directiveID); err != nil {
		return nil, err
	}
	return e.Repo.ListVerdicts(ctx, e.DB, directiveID, code)
}
