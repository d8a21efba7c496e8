package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/handoff"
	"gateline/internal/telemetry"
	"gateline/internal/verifier"
)

// HandoffSubmission is a candidate handoff from one phase to its successor.
type HandoffSubmission struct {
	DirectiveID string
	From        domain.Phase
	To          domain.Phase
	Payload     domain.HandoffPayload
	ActorID     string
}

// SubmitHandoff scores the payload and checks the gates of the source phase,
// then records the handoff as accepted or rejected. A rejection is a normal
// result with reasons; errors are reserved for submissions that cannot be
// recorded at all.
func (e Engine) SubmitHandoff(ctx context.Context, in HandoffSubmission) (h domain.Handoff, err error) {
	ctx, span := e.metrics().Start(ctx, "submit_handoff", in.DirectiveID)
	defer func() { telemetry.End(span, err); e.observe(ctx, "submit_handoff", in.DirectiveID, err) }()

	if in.DirectiveID == "" {
		return h, validationError("directive id is required")
	}
	if !in.From.Valid() || in.From == domain.PhaseCompleted {
		return h, validationError("unknown source phase %q", in.From)
	}
	if !in.To.Valid() {
		return h, validationError("unknown target phase %q", in.To)
	}
	if handoff.Empty(in.Payload) {
		return h, newError(KindValidation, "", "handoff payload is empty", "all seven sections are missing")
	}
	if err := e.authorize(ctx, e.DB, in.ActorID, auth.PermHandoffSubmit); err != nil {
		return h, err
	}
	s, err := e.loadState(ctx, e.DB, in.DirectiveID)
	if err != nil {
		return h, err
	}
	d := s.d
	if d.Status.Terminal() {
		return h, terminalError(d.ID, string(d.Status))
	}
	if in.From != d.CurrentPhase {
		return h, newError(KindOrderViolation, ErrOutOfOrderTransition.Code,
			fmt.Sprintf("handoff source %s is not the current phase", in.From),
			fmt.Sprintf("current phase is %s", d.CurrentPhase))
	}
	if next, _ := in.From.Next(); in.To != next {
		return h, newError(KindOrderViolation, ErrOutOfOrderTransition.Code,
			fmt.Sprintf("handoff target %s does not follow %s", in.To, in.From),
			fmt.Sprintf("next phase is %s", next))
	}
	if s.exits[in.From] {
		return h, newError(KindOrderViolation, ErrHandoffAccepted.Code,
			fmt.Sprintf("handoff %s -> %s already accepted", in.From, in.To))
	}

	criteria, err := handoff.CriteriaFor(e.Config, d.Type)
	if err != nil {
		return h, err
	}
	res := handoff.Score(in.Payload, criteria)
	reasons := append([]string{}, res.Reasons...)
	gateReasons := e.gateBlockers(s, in.From)
	reasons = append(reasons, gateReasons...)

	h = domain.Handoff{
		ID:          uuid.NewString(),
		DirectiveID: d.ID,
		FromPhase:   in.From,
		ToPhase:     in.To,
		Status:      domain.HandoffRejected,
		Score:       res.Score,
		Reasons:     reasons,
		Payload:     in.Payload,
		SubmittedBy: actorOrSystem(in.ActorID),
	}
	if res.Accepted && len(gateReasons) == 0 {
		h.Status = domain.HandoffAccepted
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		h.CreatedAt = e.stamp()
		if h.Attempt, err = e.Repo.NextHandoffAttempt(ctx, tx, d.ID, in.From, in.To); err != nil {
			return err
		}
		if err := e.Repo.InsertHandoff(ctx, tx, h); err != nil {
			return fmt.Errorf("insert handoff: %w", err)
		}
		if h.Status == domain.HandoffAccepted {
			if _, err := e.refreshProgress(ctx, tx, d.ID); err != nil {
				return err
			}
		}
		return e.emit(ctx, tx, "handoff.submitted", d.ID, "handoff", h.ID, in.ActorID, events.EventPayload{
			"from":    h.FromPhase,
			"to":      h.ToPhase,
			"attempt": h.Attempt,
			"status":  h.Status,
			"score":   h.Score,
			"reasons": h.Reasons,
		})
	})
	if err != nil {
		return domain.Handoff{}, err
	}
	e.metrics().Handoff(ctx, h.Status)
	e.log().Info("handoff submitted",
		zap.String("directive_id", d.ID),
		zap.String("handoff_id", h.ID),
		zap.String("phase", string(h.FromPhase)),
		zap.String("status", h.Status),
		zap.Int("score", h.Score))
	return h, nil
}

// gateBlockers lists what keeps a directive from leaving phase apart from the
// payload itself: verifiers gated on the phase and, for implementation, open
// checkpoints.
func (e Engine) gateBlockers(s state, phase domain.Phase) []string {
	_, reasons := verifier.Satisfied(verifier.GatedOn(s.reqs, phase), s.currentVerdicts(), e.warningBlocks(s.d.Type))
	if phase == domain.PhaseImplementation {
		for _, c := range s.checkpoints {
			if !c.Completed() {
				reasons = append(reasons, fmt.Sprintf("checkpoint %d incomplete", c.Seq))
			}
		}
	}
	if phase == domain.PhaseApproval1 {
		for _, c := range s.children {
			if !c.Status.Terminal() {
				reasons = append(reasons, fmt.Sprintf("child directive %s is %s", c.ID, c.Status))
			}
		}
	}
	return reasons
}

// ListHandoffs returns every handoff of the directive in submission order.
func (e Engine) ListHandoffs(ctx context.Context, directiveID string) ([]domain.Handoff, error) {
	if _, err := e.Repo.GetDirective(ctx, e.DB, directiveID); err != nil {
		return nil, err
	}
	return e.Repo.ListHandoffs(ctx, e.DB, directiveID)
}

func actorOrSystem(actorID string) string {
	if actorID == "" {
		return auth.SystemActor
	}
	return actorID
}
