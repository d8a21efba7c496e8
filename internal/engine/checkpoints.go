package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gateline/internal/checkpoint"
	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
)

// DecomposeInput asks for a directive's work list to be split into checkpoints.
// MaxPerCheckpoint overrides the configured bound when positive.
type DecomposeInput struct {
	DirectiveID      string
	Items            []domain.WorkItem
	MaxPerCheckpoint int
	ActorID          string
}

// DecomposeIntoCheckpoints plans checkpoints for a directive that has not yet
// left implementation. Lists at or under the threshold yield no checkpoints.
// A directive is decomposed at most once.
func (e Engine) DecomposeIntoCheckpoints(ctx context.Context, in DecomposeInput) (cps []domain.Checkpoint, err error) {
	defer func() { e.observe(ctx, "decompose", in.DirectiveID, err) }()
	if err := e.authorize(ctx, e.DB, in.ActorID, auth.PermCheckpointManage); err != nil {
		return nil, err
	}
	s, err := e.loadState(ctx, e.DB, in.DirectiveID)
	if err != nil {
		return nil, err
	}
	if s.d.Status.Terminal() {
		return nil, terminalError(s.d.ID, string(s.d.Status))
	}
	if domain.PhaseImplementation.Before(s.d.CurrentPhase) || s.exits[domain.PhaseImplementation] {
		return nil, newError(KindOrderViolation, "",
			"checkpoints must be planned before implementation is handed off",
			fmt.Sprintf("current phase is %s", s.d.CurrentPhase))
	}
	if len(s.checkpoints) > 0 {
		return nil, newError(KindPreconditionNotMet, "checkpoints_already_planned",
			fmt.Sprintf("directive %s already has %d checkpoints", s.d.ID, len(s.checkpoints)))
	}
	opts := checkpoint.Options{
		Threshold:        e.Config.Checkpoints.Threshold,
		MaxPerCheckpoint: e.Config.Checkpoints.MaxPerCheckpoint,
		DefaultEffort:    e.Config.Checkpoints.DefaultEffort,
	}
	if in.MaxPerCheckpoint > 0 {
		opts.MaxPerCheckpoint = in.MaxPerCheckpoint
	}
	plans, err := checkpoint.Decompose(in.Items, opts)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	if len(plans) == 0 {
		return []domain.Checkpoint{}, nil
	}
	for _, p := range plans {
		cps = append(cps, domain.Checkpoint{DirectiveID: s.d.ID, Seq: p.Seq, Items: p.Items, Effort: p.Effort})
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		for _, c := range cps {
			if err := e.Repo.InsertCheckpoint(ctx, tx, c); err != nil {
				if isUniqueViolation(err) {
					return conflictError(s.d.ID)
				}
				return fmt.Errorf("insert checkpoint %d: %w", c.Seq, err)
			}
		}
		if _, err := e.refreshProgress(ctx, tx, s.d.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, "checkpoints.planned", s.d.ID, "directive", s.d.ID, in.ActorID, events.EventPayload{
			"checkpoints": len(cps),
			"items":       len(in.Items),
		})
	})
	if err != nil {
		return nil, err
	}
	return cps, nil
}

// CompleteCheckpoint marks checkpoint seq complete. Checkpoints complete in
// ascending order; completing an already complete checkpoint is a no-op.
func (e Engine) CompleteCheckpoint(ctx context.Context, directiveID string, seq int, actorID string) (c domain.Checkpoint, err error) {
	defer func() { e.observe(ctx, "complete_checkpoint", directiveID, err) }()
	if err := e.authorize(ctx, e.DB, actorID, auth.PermCheckpointManage); err != nil {
		return c, err
	}
	d, err := e.loadActive(ctx, directiveID)
	if err != nil {
		return c, err
	}
	cps, err := e.Repo.ListCheckpoints(ctx, e.DB, d.ID)
	if err != nil {
		return c, err
	}
	for _, cp := range cps {
		if cp.Seq == seq && cp.Completed() {
			return cp, nil
		}
	}
	if err := checkpoint.CanComplete(cps, seq); err != nil {
		if errors.Is(err, checkpoint.ErrOutOfOrder) {
			return c, &Error{Kind: KindOrderViolation, Code: ErrCheckpointOrder.Code, Message: err.Error(), Err: err}
		}
		return c, &Error{Kind: KindValidation, Message: err.Error(), Err: err}
	}
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		now := e.stamp()
		done, err := e.Repo.MarkCheckpointComplete(ctx, tx, d.ID, seq, now)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
		if _, err := e.refreshProgress(ctx, tx, d.ID); err != nil {
			return err
		}
		return e.emit(ctx, tx, "checkpoint.completed", d.ID, "checkpoint", fmt.Sprintf("%s/%d", d.ID, seq), actorID, events.EventPayload{
			"seq": seq,
		})
	})
	if err != nil {
		return c, err
	}
	cps, err = e.Repo.ListCheckpoints(ctx, e.DB, d.ID)
	if err != nil {
		return c, err
	}
	for _, cp := range cps {
		if cp.Seq == seq {
			return cp, nil
		}
	}
	return c, fmt.Errorf("checkpoint %d vanished", seq)
}

// ListCheckpoints returns the checkpoints of a directive in sequence order.
func (e Engine) ListCheckpoints(ctx context.Context, directiveID string) ([]domain.Checkpoint, error) {
	if _, err := e.Repo.GetDirective(ctx, e.DB, directiveID); err != nil {
		return nil, err
	}
	return e.Repo.ListCheckpoints(ctx, e.DB, directiveID)
}
