package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gateline/internal/domain"
)

func (r Repo) InsertChildLink(ctx context.Context, q Querier, l domain.ChildLink) error {
	_, err := q.ExecContext(ctx, `INSERT INTO child_links(parent_id,child_id,linked_at,resolved_at) VALUES (?,?,?,?)`,
		l.ParentID, l.ChildID, l.LinkedAt, nullableStringPtr(l.ResolvedAt))
	return err
}

func (r Repo) GetChildLink(ctx context.Context, q Querier, childID string) (domain.ChildLink, error) {
	var l domain.ChildLink
	var resolved sql.NullString
	err := q.QueryRowContext(ctx, `SELECT parent_id,child_id,linked_at,resolved_at FROM child_links WHERE child_id=?`, childID).
		Scan(&l.ParentID, &l.ChildID, &l.LinkedAt, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return l, fmt.Errorf("child link %s: %w", childID, ErrNotFound)
	}
	if err != nil {
		return l, err
	}
	if resolved.Valid {
		l.ResolvedAt = &resolved.String
	}
	return l, nil
}

// ListChildren returns the directives linked under parentID.
func (r Repo) ListChildren(ctx context.Context, q Querier, parentID string) ([]domain.Directive, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+directiveColumns+` FROM directives
WHERE id IN (SELECT child_id FROM child_links WHERE parent_id=?) ORDER BY created_at ASC, id ASC`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) SetParent(ctx context.Context, q Querier, childID, parentID, at string) error {
	_, err := q.ExecContext(ctx, `UPDATE directives SET parent_id=?, updated_at=? WHERE id=?`, parentID, at, childID)
	return err
}

// AddPendingChild raises the outstanding child counter by n and reopens synthesis.
// A child linked while already terminal passes n=0.
func (r Repo) AddPendingChild(ctx context.Context, q Querier, parentID string, n int) error {
	_, err := q.ExecContext(ctx, `UPDATE directives SET pending_children=pending_children+?, synthesized_at=NULL WHERE id=?`, n, parentID)
	return err
}

// ResolveChildLink marks the link resolved. It reports false when the link was
// already resolved, so the parent counter is decremented at most once per child.
func (r Repo) ResolveChildLink(ctx context.Context, q Querier, childID, at string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE child_links SET resolved_at=? WHERE child_id=? AND resolved_at IS NULL`, at, childID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DecrementPending atomically lowers the counter and returns the new value.
func (r Repo) DecrementPending(ctx context.Context, q Querier, parentID string) (int, error) {
	if _, err := q.ExecContext(ctx, `UPDATE directives SET pending_children=pending_children-1 WHERE id=? AND pending_children>0`, parentID); err != nil {
		return 0, err
	}
	var n int
	err := q.QueryRowContext(ctx, `SELECT pending_children FROM directives WHERE id=?`, parentID).Scan(&n)
	return n, err
}

// ClaimSynthesis succeeds for exactly one caller once the counter has reached zero.
func (r Repo) ClaimSynthesis(ctx context.Context, q Querier, parentID, at string) (bool, error) {
	res, err := q.ExecContext(ctx, `UPDATE directives SET synthesized_at=? WHERE id=? AND pending_children=0 AND synthesized_at IS NULL`, at, parentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ParentsAwaitingSynthesis lists open parents with no pending children and no
// retrospective.
func (r Repo) ParentsAwaitingSynthesis(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT d.id FROM directives d
		WHERE d.pending_children=0 AND d.synthesized_at IS NULL AND d.status NOT IN ('completed','cancelled')
		AND EXISTS (SELECT 1 FROM child_links l WHERE l.parent_id=d.id)
		ORDER BY d.created_at, d.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) InsertRetrospective(ctx context.Context, q Querier, rs domain.Retrospective) error {
	_, err := q.ExecContext(ctx, `INSERT INTO retrospectives(directive_id,summary,children_total,children_completed,children_cancelled,quality_score,created_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(directive_id) DO UPDATE SET summary=excluded.summary, children_total=excluded.children_total,
  children_completed=excluded.children_completed, children_cancelled=excluded.children_cancelled,
  quality_score=excluded.quality_score, created_at=excluded.created_at`,
		rs.DirectiveID, rs.Summary, rs.ChildrenTotal, rs.ChildrenCompleted, rs.ChildrenCancelled, rs.QualityScore, rs.CreatedAt)
	return err
}

func (r Repo) GetRetrospective(ctx context.Context, q Querier, directiveID string) (domain.Retrospective, error) {
	var rs domain.Retrospective
	err := q.QueryRowContext(ctx, `SELECT directive_id,summary,children_total,children_completed,children_cancelled,quality_score,created_at
FROM retrospectives WHERE directive_id=?`, directiveID).
		Scan(&rs.DirectiveID, &rs.Summary, &rs.ChildrenTotal, &rs.ChildrenCompleted, &rs.ChildrenCancelled, &rs.QualityScore, &rs.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rs, fmt.Errorf("retrospective %s: %w", directiveID, ErrNotFound)
	}
	return rs, err
}
