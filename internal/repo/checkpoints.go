package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"gateline/internal/domain"
)

func (r Repo) InsertCheckpoint(ctx context.Context, q Querier, c domain.Checkpoint) error {
	items, err := json.Marshal(c.Items)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `INSERT INTO checkpoints(directive_id,seq,items_json,effort) VALUES (?,?,?,?)`,
		c.DirectiveID, c.Seq, string(items), c.Effort)
	return err
}

func (r Repo) ListCheckpoints(ctx context.Context, q Querier, directiveID string) ([]domain.Checkpoint, error) {
	rows, err := q.QueryContext(ctx, `SELECT directive_id,seq,items_json,effort,completed_at FROM checkpoints WHERE directive_id=? ORDER BY seq ASC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		var c domain.Checkpoint
		var items string
		var completed sql.NullString
		if err := rows.Scan(&c.DirectiveID, &c.Seq, &items, &c.Effort, &completed); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(items), &c.Items); err != nil {
			return nil, fmt.Errorf("checkpoint %s/%d items: %w", c.DirectiveID, c.Seq, err)
		}
		if completed.Valid {
			c.CompletedAt = &completed.String
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MarkCheckpointComplete sets completed_at once and reports whether this call did it.
func (r Repo) MarkCheckpointComplete(ctx context.Context, q Querier, directiveID string, seq int, at string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE checkpoints SET completed_at=? WHERE directive_id=? AND seq=? AND completed_at IS NULL`,
		at, directiveID, seq)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
