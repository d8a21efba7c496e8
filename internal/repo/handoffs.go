package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"gateline/internal/domain"
)

const handoffColumns = `id,directive_id,from_phase,to_phase,attempt,status,score,reasons_json,payload_json,submitted_by,created_at`

func scanHandoff(row scanner) (domain.Handoff, error) {
	var h domain.Handoff
	var reasons sql.NullString
	var payload string
	err := row.Scan(&h.ID, &h.DirectiveID, &h.FromPhase, &h.ToPhase, &h.Attempt, &h.Status, &h.Score, &reasons, &payload, &h.SubmittedBy, &h.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if reasons.Valid && reasons.String != "" {
		if err := json.Unmarshal([]byte(reasons.String), &h.Reasons); err != nil {
			return h, fmt.Errorf("handoff %s reasons: %w", h.ID, err)
		}
	}
	if err := json.Unmarshal([]byte(payload), &h.Payload); err != nil {
		return h, fmt.Errorf("handoff %s payload: %w", h.ID, err)
	}
	return h, nil
}

// InsertHandoff appends a handoff row. Rows are immutable once written.
func (r Repo) InsertHandoff(ctx context.Context, q Querier, h domain.Handoff) error {
	payload, err := json.Marshal(h.Payload)
	if err != nil {
		return err
	}
	var reasons any
	if len(h.Reasons) > 0 {
		b, err := json.Marshal(h.Reasons)
		if err != nil {
			return err
		}
		reasons = string(b)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO handoffs(`+handoffColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.DirectiveID, h.FromPhase, h.ToPhase, h.Attempt, h.Status, h.Score, reasons, string(payload), h.SubmittedBy, h.CreatedAt)
	return err
}

func (r Repo) GetHandoff(ctx context.Context, q Querier, id string) (domain.Handoff, error) {
	h, err := scanHandoff(q.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return h, fmt.Errorf("handoff %s: %w", id, ErrNotFound)
	}
	return h, err
}

func (r Repo) ListHandoffs(ctx context.Context, q Querier, directiveID string) ([]domain.Handoff, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE directive_id=? ORDER BY rowid ASC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// NextHandoffAttempt returns the attempt number for a new submission of the tuple.
func (r Repo) NextHandoffAttempt(ctx context.Context, q Querier, directiveID string, from, to domain.Phase) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM handoffs WHERE directive_id=? AND from_phase=? AND to_phase=?`,
		directiveID, from, to).Scan(&n)
	return n, err
}

// AcceptedExits returns the source phases whose forward handoff has been accepted.
func (r Repo) AcceptedExits(ctx context.Context, q Querier, directiveID string) (map[domain.Phase]bool, error) {
	rows, err := q.QueryContext(ctx, `SELECT from_phase,to_phase FROM handoffs WHERE directive_id=? AND status='accepted'`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Phase]bool{}
	for rows.Next() {
		var from, to domain.Phase
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		if next, ok := from.Next(); ok && next == to {
			res[from] = true
		}
	}
	return res, rows.Err()
}

// LatestHandoff returns the most recent handoff submitted out of the phase.
func (r Repo) LatestHandoff(ctx context.Context, q Querier, directiveID string, from domain.Phase) (domain.Handoff, error) {
	return scanHandoff(q.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE directive_id=? AND from_phase=? ORDER BY rowid DESC LIMIT 1`,
		directiveID, from))
}
