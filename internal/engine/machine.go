package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/progress"
	"gateline/internal/repo"
	"gateline/internal/telemetry"
	"gateline/internal/verifier"
)

// DirectiveCreateOptions are parameters for creating a directive.
type DirectiveCreateOptions struct {
	ID       string
	Title    string
	Type     string
	Scope    string
	ParentID string
	ActorID  string
}

// CreateDirective inserts a draft directive in approval_0 and persists the
// verifiers its type and scope require.
func (e Engine) CreateDirective(ctx context.Context, opts DirectiveCreateOptions) (domain.Directive, error) {
	opts.Title = strings.TrimSpace(opts.Title)
	opts.Type = strings.TrimSpace(opts.Type)
	if opts.Title == "" {
		return domain.Directive{}, validationError("title is required")
	}
	if opts.Type == "" {
		return domain.Directive{}, validationError("type is required")
	}
	if err := e.authorize(ctx, e.DB, opts.ActorID, auth.PermDirectiveCreate); err != nil {
		return domain.Directive{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.stamp()
	d := domain.Directive{
		ID:           id,
		Title:        opts.Title,
		Type:         opts.Type,
		Scope:        opts.Scope,
		Status:       domain.StatusDraft,
		CurrentPhase: domain.PhaseApproval0,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertDirective(ctx, tx, d); err != nil {
			return err
		}
		if err := e.Repo.InsertPhaseMarker(ctx, tx, domain.PhaseMarker{DirectiveID: id, Phase: domain.PhaseApproval0, Attempt: 1, EnteredAt: now}); err != nil {
			return err
		}
		codes := make([]string, 0)
		for _, req := range e.Registry.Required(d.Type, d.Scope) {
			if err := e.Repo.InsertRequirement(ctx, tx, domain.VerifierRequirement{
				DirectiveID: id,
				Code:        req.Code,
				GatePhase:   req.Gate,
				Waivable:    req.Waivable,
				Source:      req.Source,
			}); err != nil {
				return fmt.Errorf("insert requirement %s: %w", req.Code, err)
			}
			codes = append(codes, req.Code)
		}
		if err := e.emit(ctx, tx, "directive.created", id, "directive", id, opts.ActorID, events.EventPayload{
			"title":     d.Title,
			"type":      d.Type,
			"verifiers": codes,
		}); err != nil {
			return err
		}
		if opts.ParentID != "" {
			if _, err := e.linkChild(ctx, tx, opts.ParentID, id, opts.ActorID); err != nil {
				return err
			}
		}
		pct, err := e.refreshProgress(ctx, tx, id)
		d.Progress = pct
		return err
	})
	if err != nil {
		return domain.Directive{}, err
	}
	if opts.ParentID != "" {
		d.ParentID = &opts.ParentID
	}
	e.log().Info("directive created", zap.String("directive_id", id), zap.String("type", d.Type))
	return d, nil
}

// AdvanceInput moves a directive out of its current phase using an accepted handoff.
type AdvanceInput struct {
	DirectiveID string
	Target      domain.Phase
	HandoffID   string
	ActorID     string
}

// Advance transitions the directive to Target. Target must be the successor
// of the current phase and HandoffID must name the accepted handoff for that
// pair. Advancing to the current phase after a rejection re-enters it.
func (e Engine) Advance(ctx context.Context, in AdvanceInput) (d domain.Directive, err error) {
	ctx, span := e.metrics().Start(ctx, "advance", in.DirectiveID)
	defer func() { telemetry.End(span, err); e.observe(ctx, "advance", in.DirectiveID, err) }()

	if !in.Target.Valid() {
		return d, validationError("unknown target phase %q", in.Target)
	}
	if err := e.authorize(ctx, e.DB, in.ActorID, auth.PermDirectiveAdvance); err != nil {
		return d, err
	}
	d, err = e.loadActive(ctx, in.DirectiveID)
	if err != nil {
		return d, err
	}
	if in.Target == d.CurrentPhase {
		return e.Retry(ctx, in.DirectiveID, "re-entered after rejected handoff", in.ActorID)
	}
	next, _ := d.CurrentPhase.Next()
	if in.Target != next {
		return d, newError(KindOrderViolation, ErrOutOfOrderTransition.Code,
			fmt.Sprintf("cannot move %s from %s to %s", d.ID, d.CurrentPhase, in.Target),
			fmt.Sprintf("next allowed phase is %s", next))
	}
	h, err := e.Repo.GetHandoff(ctx, e.DB, in.HandoffID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return d, newError(KindPreconditionNotMet, ErrHandoffNotAccepted.Code,
				fmt.Sprintf("handoff %q not found", in.HandoffID))
		}
		return d, err
	}
	if h.DirectiveID != d.ID || h.FromPhase != d.CurrentPhase || h.ToPhase != in.Target {
		return d, newError(KindOrderViolation, ErrOutOfOrderTransition.Code,
			fmt.Sprintf("handoff %s covers %s %s -> %s", h.ID, h.DirectiveID, h.FromPhase, h.ToPhase))
	}
	if h.Status != domain.HandoffAccepted {
		return d, newError(KindPreconditionNotMet, ErrHandoffNotAccepted.Code,
			fmt.Sprintf("handoff %s is %s", h.ID, h.Status), h.Reasons...)
	}
	if in.Target == domain.PhaseCompleted {
		res, err := e.RequestCompletion(ctx, d.ID, in.ActorID)
		if err != nil {
			return d, err
		}
		if !res.Accepted {
			return d, newError(KindPreconditionNotMet, "", "completion blocked", res.BlockingReasons...)
		}
		return e.GetDirective(ctx, d.ID)
	}

	from := d.CurrentPhase
	expected := d.Version
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		d.CurrentPhase = in.Target
		d.PhaseProgress = 0
		if d.Status == domain.StatusDraft {
			d.Status = domain.StatusActive
		}
		d.UpdatedAt = now
		var err error
		if d, err = e.swap(ctx, tx, d, expected); err != nil {
			return err
		}
		if err := e.Repo.ExitPhase(ctx, tx, d.ID, from, now); err != nil {
			return err
		}
		attempt, err := e.Repo.NextPhaseAttempt(ctx, tx, d.ID, in.Target)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertPhaseMarker(ctx, tx, domain.PhaseMarker{DirectiveID: d.ID, Phase: in.Target, Attempt: attempt, EnteredAt: now}); err != nil {
			return err
		}
		if d.Progress, err = e.refreshProgress(ctx, tx, d.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, "directive.advanced", d.ID, "directive", d.ID, in.ActorID, events.EventPayload{
			"from":       from,
			"to":         in.Target,
			"handoff_id": h.ID,
			"progress":   d.Progress,
		})
	})
	if err != nil {
		return d, err
	}
	e.metrics().Transition(ctx, string(from), string(in.Target))
	e.log().Info("directive advanced",
		zap.String("directive_id", d.ID),
		zap.String("from", string(from)),
		zap.String("phase", string(in.Target)),
		zap.String("handoff_id", h.ID))
	return d, nil
}

// Retry re-enters the current phase after its latest handoff was rejected.
// The phase gets a new attempt marker and its in-phase progress is reset.
func (e Engine) Retry(ctx context.Context, directiveID, reason, actorID string) (d domain.Directive, err error) {
	defer func() { e.observe(ctx, "retry", directiveID, err) }()
	if err := e.authorize(ctx, e.DB, actorID, auth.PermDirectiveAdvance); err != nil {
		return d, err
	}
	d, err = e.loadActive(ctx, directiveID)
	if err != nil {
		return d, err
	}
	phase := d.CurrentPhase
	last, err := e.Repo.LatestHandoff(ctx, e.DB, d.ID, phase)
	if errors.Is(err, repo.ErrNotFound) {
		return d, newError(KindPreconditionNotMet, "", "nothing to retry",
			fmt.Sprintf("no handoff submitted from %s", phase))
	}
	if err != nil {
		return d, err
	}
	if last.Status != domain.HandoffRejected {
		return d, newError(KindPreconditionNotMet, "", "nothing to retry",
			fmt.Sprintf("latest handoff %s from %s is %s", last.ID, phase, last.Status))
	}
	expected := d.Version
	var attempt int
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		d.PhaseProgress = 0
		d.UpdatedAt = now
		var err error
		if d, err = e.swap(ctx, tx, d, expected); err != nil {
			return err
		}
		if err := e.Repo.ExitPhase(ctx, tx, d.ID, phase, now); err != nil {
			return err
		}
		if attempt, err = e.Repo.NextPhaseAttempt(ctx, tx, d.ID, phase); err != nil {
			return err
		}
		if err := e.Repo.InsertPhaseMarker(ctx, tx, domain.PhaseMarker{DirectiveID: d.ID, Phase: phase, Attempt: attempt, EnteredAt: now}); err != nil {
			return err
		}
		if d.Progress, err = e.refreshProgress(ctx, tx, d.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, "directive.phase.retried", d.ID, "directive", d.ID, actorID, events.EventPayload{
			"phase":      phase,
			"attempt":    attempt,
			"handoff_id": last.ID,
			"reason":     reason,
		})
	})
	if err != nil {
		return d, err
	}
	e.log().Info("phase retried", zap.String("directive_id", d.ID), zap.String("phase", string(phase)), zap.Int("attempt", attempt))
	return d, nil
}

// ReportPhaseProgress sets the 0-100 in-phase work value of the active phase.
func (e Engine) ReportPhaseProgress(ctx context.Context, directiveID string, percent int, actorID string) (d domain.Directive, err error) {
	defer func() { e.observe(ctx, "phase_progress", directiveID, err) }()
	if percent < 0 || percent > 100 {
		return d, validationError("phase progress must be within 0..100, got %d", percent)
	}
	if err := e.authorize(ctx, e.DB, actorID, auth.PermDirectiveAdvance); err != nil {
		return d, err
	}
	d, err = e.loadActive(ctx, directiveID)
	if err != nil {
		return d, err
	}
	expected := d.Version
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		d.PhaseProgress = percent
		d.UpdatedAt = e.stamp()
		var err error
		if d, err = e.swap(ctx, tx, d, expected); err != nil {
			return err
		}
		if d.Progress, err = e.refreshProgress(ctx, tx, d.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, "directive.phase.progress", d.ID, "directive", d.ID, actorID, events.EventPayload{
			"phase":          d.CurrentPhase,
			"phase_progress": percent,
			"progress":       d.Progress,
		})
	})
	return d, err
}

// Cancel moves a non-terminal directive to cancelled. A reason is required.
func (e Engine) Cancel(ctx context.Context, directiveID, reason, actorID string) (d domain.Directive, err error) {
	defer func() { e.observe(ctx, "cancel", directiveID, err) }()
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return d, validationError("cancellation reason is required")
	}
	if err := e.authorize(ctx, e.DB, actorID, auth.PermDirectiveCancel); err != nil {
		return d, err
	}
	d, err = e.loadActive(ctx, directiveID)
	if err != nil {
		return d, err
	}
	expected := d.Version
	from := d.Status
	var (
		parentID string
		pending  int
	)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		d.Status = domain.StatusCancelled
		d.CancelReason = reason
		d.UpdatedAt = now
		d.ClosedAt = &now
		var err error
		if d, err = e.swap(ctx, tx, d, expected); err != nil {
			return err
		}
		if err := e.Repo.ExitPhase(ctx, tx, d.ID, d.CurrentPhase, now); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "directive.cancelled", d.ID, "directive", d.ID, actorID, events.EventPayload{
			"from_status": from,
			"phase":       d.CurrentPhase,
			"reason":      reason,
		}); err != nil {
			return err
		}
		parentID, pending, err = e.resolveChildTx(ctx, tx, d.ID, actorID)
		return err
	})
	if err != nil {
		return d, err
	}
	e.log().Info("directive cancelled", zap.String("directive_id", d.ID), zap.String("reason", reason))
	e.afterChildTerminal(ctx, parentID, pending)
	return d, nil
}

// GetProgress recomputes progress from committed state and refreshes the cache.
func (e Engine) GetProgress(ctx context.Context, directiveID string) (domain.ProgressReport, error) {
	s, err := e.loadState(ctx, e.DB, directiveID)
	if err != nil {
		return domain.ProgressReport{}, err
	}
	b := e.progressOf(s)
	if err := e.Repo.SetProgressCache(ctx, e.DB, directiveID, b.Percentage); err != nil {
		return domain.ProgressReport{}, fmt.Errorf("write progress: %w", err)
	}
	return domain.ProgressReport{
		DirectiveID: directiveID,
		Phase:       s.d.CurrentPhase,
		Status:      s.d.Status,
		Percentage:  b.Percentage,
		Breakdown:   b.Phases,
	}, nil
}

// RequestCompletion is the hard completion gate. It recomputes progress and
// checks verifiers, the terminal handoff, checkpoints and child directives.
// When anything is outstanding the result lists it and err is a
// PreconditionNotMet error carrying the same reasons.
func (e Engine) RequestCompletion(ctx context.Context, directiveID, actorID string) (res domain.CompletionResult, err error) {
	ctx, span := e.metrics().Start(ctx, "request_completion", directiveID)
	defer func() { telemetry.End(span, err); e.observe(ctx, "request_completion", directiveID, err) }()

	res.DirectiveID = directiveID
	if err := e.authorize(ctx, e.DB, actorID, auth.PermDirectiveComplete); err != nil {
		return res, err
	}
	s, err := e.loadState(ctx, e.DB, directiveID)
	if err != nil {
		return res, err
	}
	switch s.d.Status {
	case domain.StatusCompleted:
		res.Accepted = true
		res.Progress = 100
		return res, nil
	case domain.StatusCancelled:
		return res, terminalError(s.d.ID, string(s.d.Status))
	}

	b := e.progressOf(s)
	res.Progress = b.Percentage
	res.BlockingReasons = e.completionBlockers(s, b)
	if len(res.BlockingReasons) > 0 {
		e.metrics().Completion(ctx, false)
		return res, newError(KindPreconditionNotMet, "", fmt.Sprintf("directive %s cannot complete", s.d.ID), res.BlockingReasons...)
	}

	d := s.d
	expected := d.Version
	var (
		parentID string
		pending  int
	)
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		from := d.CurrentPhase
		d.Status = domain.StatusCompleted
		d.CurrentPhase = domain.PhaseCompleted
		d.PhaseProgress = 0
		d.Progress = 100
		d.UpdatedAt = now
		d.ClosedAt = &now
		if _, err := e.swap(ctx, tx, d, expected); err != nil {
			return err
		}
		if err := e.Repo.ExitPhase(ctx, tx, d.ID, from, now); err != nil {
			return err
		}
		if err := e.Repo.InsertPhaseMarker(ctx, tx, domain.PhaseMarker{DirectiveID: d.ID, Phase: domain.PhaseCompleted, Attempt: 1, EnteredAt: now}); err != nil {
			return err
		}
		if err := e.emit(ctx, tx, "directive.completed", d.ID, "directive", d.ID, actorID, events.EventPayload{
			"progress": 100,
		}); err != nil {
			return err
		}
		var err error
		parentID, pending, err = e.resolveChildTx(ctx, tx, d.ID, actorID)
		return err
	})
	if errors.Is(err, ErrConcurrencyConflict) {
		// Another writer won. A concurrent completion still counts as accepted.
		cur, gerr := e.Repo.GetDirective(ctx, e.DB, directiveID)
		if gerr == nil && cur.Status == domain.StatusCompleted {
			res.Accepted = true
			res.Progress = 100
			return res, nil
		}
		return res, err
	}
	if err != nil {
		var ee *Error
		if errors.As(err, &ee) {
			res.BlockingReasons = ee.Reasons
		}
		return res, err
	}
	res.Accepted = true
	res.Progress = 100
	e.metrics().Completion(ctx, true)
	e.metrics().Transition(ctx, string(domain.PhaseApproval1), string(domain.PhaseCompleted))
	e.log().Info("directive completed", zap.String("directive_id", directiveID))
	e.afterChildTerminal(ctx, parentID, pending)
	return res, nil
}

func (e Engine) completionBlockers(s state, b progress.Breakdown) []string {
	var reasons []string
	for _, p := range domain.WorkPhases {
		if !s.exits[p] {
			next, _ := p.Next()
			reasons = append(reasons, fmt.Sprintf("handoff %s -> %s not accepted", p, next))
		}
	}
	if ok, vr := verifier.Satisfied(s.reqs, s.currentVerdicts(), e.warningBlocks(s.d.Type)); !ok {
		reasons = append(reasons, vr...)
	}
	for _, c := range s.checkpoints {
		if !c.Completed() {
			reasons = append(reasons, fmt.Sprintf("checkpoint %d incomplete", c.Seq))
		}
	}
	for _, c := range s.children {
		if !c.Status.Terminal() {
			reasons = append(reasons, fmt.Sprintf("child directive %s is %s", c.ID, c.Status))
		}
	}
	if s.d.Type == domain.TypeOrchestrator && len(s.children) == 0 {
		reasons = append(reasons, "orchestrator directive has no child directives")
	}
	if len(reasons) == 0 && b.Percentage < 100 {
		reasons = append(reasons, fmt.Sprintf("progress %d%% below 100%%", b.Percentage))
	}
	return reasons
}
