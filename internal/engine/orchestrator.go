package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/repo"
)

// maxDepth bounds the ancestor walk in cycle detection.
const maxDepth = 256

// LinkChild places childID under parentID. A child has at most one parent and
// links never form a cycle. Linking the same pair twice is a no-op.
func (e Engine) LinkChild(ctx context.Context, parentID, childID, actorID string) (l domain.ChildLink, err error) {
	defer func() { e.observe(ctx, "link_child", parentID, err) }()
	if parentID == "" || childID == "" {
		return l, validationError("parent and child ids are required")
	}
	if err := e.authorize(ctx, e.DB, actorID, auth.PermDirectiveLink); err != nil {
		return l, err
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		l, err = e.linkChild(ctx, tx, parentID, childID, actorID)
		return err
	})
	if err != nil {
		return domain.ChildLink{}, err
	}
	if l.ResolvedAt != nil {
		if err := e.synthesize(ctx, parentID); err != nil {
			e.log().Warn("synthesis failed", zap.String("directive_id", parentID), zap.Error(err))
		}
	}
	return l, nil
}

func (e Engine) linkChild(ctx context.Context, tx *sql.Tx, parentID, childID, actorID string) (domain.ChildLink, error) {
	if parentID == childID {
		return domain.ChildLink{}, validationError("directive %s cannot be its own child", childID)
	}
	parent, err := e.Repo.GetDirective(ctx, tx, parentID)
	if err != nil {
		return domain.ChildLink{}, fmt.Errorf("parent %s: %w", parentID, err)
	}
	if parent.Status.Terminal() {
		return domain.ChildLink{}, terminalError(parent.ID, string(parent.Status))
	}
	child, err := e.Repo.GetDirective(ctx, tx, childID)
	if err != nil {
		return domain.ChildLink{}, fmt.Errorf("child %s: %w", childID, err)
	}
	existing, err := e.Repo.GetChildLink(ctx, tx, childID)
	switch {
	case err == nil && existing.ParentID == parentID:
		return existing, nil
	case err == nil:
		return domain.ChildLink{}, newError(KindPreconditionNotMet, "child_already_linked",
			fmt.Sprintf("directive %s already has parent %s", childID, existing.ParentID))
	case !errors.Is(err, repo.ErrNotFound):
		return domain.ChildLink{}, err
	}

	cur := parent
	for depth := 0; cur.ParentID != nil; depth++ {
		if *cur.ParentID == childID || depth >= maxDepth {
			return domain.ChildLink{}, newError(KindValidation, "link_cycle",
				fmt.Sprintf("linking %s under %s would create a cycle", childID, parentID))
		}
		if cur, err = e.Repo.GetDirective(ctx, tx, *cur.ParentID); err != nil {
			return domain.ChildLink{}, err
		}
	}

	now := e.stamp()
	l := domain.ChildLink{ParentID: parentID, ChildID: childID, LinkedAt: now}
	pending := 1
	if child.Status.Terminal() {
		l.ResolvedAt = &now
		pending = 0
	}
	if err := e.Repo.InsertChildLink(ctx, tx, l); err != nil {
		return domain.ChildLink{}, fmt.Errorf("insert child link: %w", err)
	}
	if err := e.Repo.SetParent(ctx, tx, childID, parentID, now); err != nil {
		return domain.ChildLink{}, err
	}
	if err := e.Repo.AddPendingChild(ctx, tx, parentID, pending); err != nil {
		return domain.ChildLink{}, err
	}
	if err := e.emit(ctx, tx, "directive.child.linked", parentID, "directive", childID, actorID, events.EventPayload{
		"child_id":     childID,
		"child_status": child.Status,
	}); err != nil {
		return domain.ChildLink{}, err
	}
	return l, nil
}

// ListChildren returns the directives linked under parentID.
func (e Engine) ListChildren(ctx context.Context, parentID string) ([]domain.Directive, error) {
	if _, err := e.Repo.GetDirective(ctx, e.DB, parentID); err != nil {
		return nil, err
	}
	return e.Repo.ListChildren(ctx, e.DB, parentID)
}

// GetRetrospective returns the synthesized retrospective of a parent directive.
func (e Engine) GetRetrospective(ctx context.Context, parentID string) (domain.Retrospective, error) {
	return e.Repo.GetRetrospective(ctx, e.DB, parentID)
}

// resolveChildTx resolves childID's parent link inside the transaction that
// makes the child terminal. It returns the parent id and its remaining pending
// count, or an empty id when the child has no unresolved link.
func (e Engine) resolveChildTx(ctx context.Context, tx *sql.Tx, childID, actorID string) (string, int, error) {
	l, err := e.Repo.GetChildLink(ctx, tx, childID)
	if errors.Is(err, repo.ErrNotFound) {
		return "", -1, nil
	}
	if err != nil {
		return "", -1, err
	}
	resolved, err := e.Repo.ResolveChildLink(ctx, tx, childID, e.stamp())
	if err != nil || !resolved {
		return "", -1, err
	}
	pending, err := e.Repo.DecrementPending(ctx, tx, l.ParentID)
	if err != nil {
		return "", -1, err
	}
	if err := e.emit(ctx, tx, "directive.child.resolved", l.ParentID, "directive", childID, actorID, events.EventPayload{
		"child_id": childID,
		"pending":  pending,
	}); err != nil {
		return "", -1, err
	}
	return l.ParentID, pending, nil
}

// afterChildTerminal runs once the child's terminal transition has committed.
// Failures are logged; ResumeSynthesis picks up a parent left unsynthesized.
func (e Engine) afterChildTerminal(ctx context.Context, parentID string, pending int) {
	if parentID == "" || pending != 0 {
		return
	}
	if err := e.synthesize(ctx, parentID); err != nil {
		e.log().Warn("synthesis failed", zap.String("directive_id", parentID), zap.Error(err))
	}
}

// ResumeSynthesis synthesizes every open parent whose children are all
// terminal but which has no retrospective yet. It returns how many parents it
// attempted.
func (e Engine) ResumeSynthesis(ctx context.Context) (int, error) {
	ids, err := e.Repo.ParentsAwaitingSynthesis(ctx, e.DB)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := e.synthesize(ctx, id); err != nil {
			return 0, fmt.Errorf("synthesize %s: %w", id, err)
		}
	}
	return len(ids), nil
}

// synthesize writes the parent's retrospective once its last child is
// terminal. Only the caller that claims synthesized_at proceeds, then an
// orchestrator parent is driven to completion.
func (e Engine) synthesize(ctx context.Context, parentID string) error {
	var (
		parent  domain.Directive
		retro   domain.Retrospective
		claimed bool
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		claimed = false
		var err error
		if parent, err = e.Repo.GetDirective(ctx, tx, parentID); err != nil {
			return err
		}
		if parent.Status.Terminal() {
			return nil
		}
		now := e.stamp()
		ok, err := e.Repo.ClaimSynthesis(ctx, tx, parentID, now)
		if err != nil || !ok {
			return err
		}
		children, err := e.Repo.ListChildren(ctx, tx, parentID)
		if err != nil {
			return err
		}
		retro = buildRetrospective(parentID, children, now)
		if err := e.Repo.InsertRetrospective(ctx, tx, retro); err != nil {
			return fmt.Errorf("insert retrospective: %w", err)
		}
		claimed = true
		return e.emit(ctx, tx, "directive.retrospective.synthesized", parentID, "directive", parentID, "", events.EventPayload{
			"children_total":     retro.ChildrenTotal,
			"children_completed": retro.ChildrenCompleted,
			"children_cancelled": retro.ChildrenCancelled,
			"quality_score":      retro.QualityScore,
		})
	})
	if err != nil || !claimed {
		return err
	}
	e.log().Info("retrospective synthesized",
		zap.String("directive_id", parentID),
		zap.Int("children", retro.ChildrenTotal),
		zap.Int("quality_score", retro.QualityScore))
	if parent.Type != domain.TypeOrchestrator || retro.ChildrenCompleted == 0 {
		return nil
	}
	return e.autoComplete(ctx, parentID, retro)
}

func buildRetrospective(parentID string, children []domain.Directive, now string) domain.Retrospective {
	r := domain.Retrospective{DirectiveID: parentID, ChildrenTotal: len(children), CreatedAt: now}
	var done, cancelled []string
	for _, c := range children {
		switch c.Status {
		case domain.StatusCompleted:
			r.ChildrenCompleted++
			done = append(done, c.ID)
		case domain.StatusCancelled:
			r.ChildrenCancelled++
			cancelled = append(cancelled, c.ID)
		}
	}
	if r.ChildrenTotal > 0 {
		r.QualityScore = r.ChildrenCompleted * 100 / r.ChildrenTotal
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d child directives completed", r.ChildrenCompleted, r.ChildrenTotal)
	if len(done) > 0 {
		fmt.Fprintf(&b, "; completed: %s", strings.Join(done, ", "))
	}
	if len(cancelled) > 0 {
		fmt.Fprintf(&b, "; cancelled: %s", strings.Join(cancelled, ", "))
	}
	b.WriteString(".")
	r.Summary = b.String()
	return r
}

// autoComplete walks an orchestrator parent through its remaining phases with
// synthetic handoffs, retrying on version conflicts.
func (e Engine) autoComplete(ctx context.Context, parentID string, retro domain.Retrospective) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 5 * time.Second
	op := func() error {
		err := e.driveToCompletion(ctx, parentID, retro)
		if err == nil || errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		return backoff.Permanent(err)
	}
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	var ee *Error
	if errors.As(err, &ee) && ee.Kind == KindPreconditionNotMet {
		e.log().Info("parent left open", zap.String("directive_id", parentID), zap.Strings("reasons", ee.Reasons))
		return nil
	}
	return err
}

func (e Engine) driveToCompletion(ctx context.Context, parentID string, retro domain.Retrospective) error {
	for {
		d, err := e.Repo.GetDirective(ctx, e.DB, parentID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			return nil
		}
		next, _ := d.CurrentPhase.Next()
		exits, err := e.Repo.AcceptedExits(ctx, e.DB, parentID)
		if err != nil {
			return err
		}
		h, err := e.Repo.LatestHandoff(ctx, e.DB, parentID, d.CurrentPhase)
		if !exits[d.CurrentPhase] {
			h, err = e.SubmitHandoff(ctx, HandoffSubmission{
				DirectiveID: parentID,
				From:        d.CurrentPhase,
				To:          next,
				Payload:     synthesisPayload(d.CurrentPhase, retro),
				ActorID:     auth.SystemActor,
			})
			if err != nil {
				return err
			}
			if h.Status != domain.HandoffAccepted {
				return newError(KindPreconditionNotMet, ErrHandoffNotAccepted.Code,
					fmt.Sprintf("synthetic handoff %s -> %s rejected", h.FromPhase, h.ToPhase), h.Reasons...)
			}
		} else if err != nil {
			return err
		}
		if next == domain.PhaseCompleted {
			_, err := e.RequestCompletion(ctx, parentID, auth.SystemActor)
			return err
		}
		if _, err := e.Advance(ctx, AdvanceInput{DirectiveID: parentID, Target: next, HandoffID: h.ID, ActorID: auth.SystemActor}); err != nil {
			return err
		}
	}
}

func synthesisPayload(from domain.Phase, r domain.Retrospective) domain.HandoffPayload {
	return domain.HandoffPayload{
		ExecutiveSummary:     fmt.Sprintf("Orchestrated closure of phase %s after all child directives reached a terminal status. %s", from, r.Summary),
		CompletenessReport:   fmt.Sprintf("%d child directives linked, %d completed and %d cancelled.", r.ChildrenTotal, r.ChildrenCompleted, r.ChildrenCancelled),
		DeliverablesManifest: "Deliverables are owned by the completed child directives listed in the retrospective.",
		KeyDecisions:         "Parent phases were closed automatically once the last child directive finished.",
		KnownIssues:          fmt.Sprintf("Cancelled child directives: %d. Quality score %d.", r.ChildrenCancelled, r.QualityScore),
		ResourceUtilization:  fmt.Sprintf("Work was spread over %d child directives.", r.ChildrenTotal),
		ActionItems:          "Review the synthesized retrospective for follow-up work.",
	}
}
