package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"gateline/internal/domain"
)

// Querier is satisfied by *sql.DB and *sql.Tx. Reads inside a transaction must
// go through the tx: the database runs on a single connection.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

const directiveColumns = `id,title,type,COALESCE(scope,''),status,current_phase,phase_progress,progress,parent_id,pending_children,version,COALESCE(cancel_reason,''),created_at,updated_at,closed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDirective(row scanner) (domain.Directive, error) {
	var d domain.Directive
	var parent, closed sql.NullString
	err := row.Scan(&d.ID, &d.Title, &d.Type, &d.Scope, &d.Status, &d.CurrentPhase, &d.PhaseProgress, &d.Progress,
		&parent, &d.PendingChildren, &d.Version, &d.CancelReason, &d.CreatedAt, &d.UpdatedAt, &closed)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if parent.Valid {
		d.ParentID = &parent.String
	}
	if closed.Valid {
		d.ClosedAt = &closed.String
	}
	return d, nil
}

func (r Repo) InsertDirective(ctx context.Context, q Querier, d domain.Directive) error {
	_, err := q.ExecContext(ctx, `INSERT INTO directives(id,title,type,scope,status,current_phase,phase_progress,progress,parent_id,pending_children,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Title, d.Type, nullable(d.Scope), d.Status, d.CurrentPhase, d.PhaseProgress, d.Progress,
		nullableStringPtr(d.ParentID), d.PendingChildren, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert directive: %w", err)
	}
	return nil
}

func (r Repo) GetDirective(ctx context.Context, q Querier, id string) (domain.Directive, error) {
	d, err := scanDirective(q.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=?`, id))
	if errors.Is(err, ErrNotFound) {
		return d, fmt.Errorf("directive %s: %w", id, ErrNotFound)
	}
	return d, err
}

type DirectiveFilters struct {
	Status   string
	Type     string
	Phase    string
	ParentID string
	Limit    int
}

func (r Repo) ListDirectives(ctx context.Context, q Querier, f DirectiveFilters) ([]domain.Directive, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Phase != "" {
		clauses = append(clauses, "current_phase=?")
		args = append(args, f.Phase)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + directiveColumns + ` FROM directives WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := q.QueryContext(ctx, query, args...)
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

// CompareAndSwapDirective writes the mutable lifecycle fields of d when the stored
// version still equals expected. The stored version is bumped by one.
func (r Repo) CompareAndSwapDirective(ctx context.Context, q Querier, d domain.Directive, expected int64) (domain.Directive, error) {
	res, err := q.ExecContext(ctx, `UPDATE directives
SET status=?, current_phase=?, phase_progress=?, progress=?, cancel_reason=?, updated_at=?, closed_at=?, version=version+1
WHERE id=? AND version=?`,
		d.Status, d.CurrentPhase, d.PhaseProgress, d.Progress, nullable(d.CancelReason), d.UpdatedAt, nullableStringPtr(d.ClosedAt),
		d.ID, expected)
	if err != nil {
		return d, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return d, ErrVersionConflict
	}
	d.Version = expected + 1
	return d, nil
}

// SetProgressCache stores a recomputed progress value. Last writer wins.
func (r Repo) SetProgressCache(ctx context.Context, q Querier, id string, progress int) error {
	_, err := q.ExecContext(ctx, `UPDATE directives SET progress=? WHERE id=? AND progress<>?`, progress, id, progress)
	return err
}

func (r Repo) InsertPhaseMarker(ctx context.Context, q Querier, m domain.PhaseMarker) error {
	_, err := q.ExecContext(ctx, `INSERT INTO directive_phases(directive_id,phase,attempt,entered_at) VALUES (?,?,?,?)`,
		m.DirectiveID, m.Phase, m.Attempt, m.EnteredAt)
	return err
}

// ExitPhase closes every open marker of the phase.
func (r Repo) ExitPhase(ctx context.Context, q Querier, directiveID string, phase domain.Phase, at string) error {
	_, err := q.ExecContext(ctx, `UPDATE directive_phases SET exited_at=? WHERE directive_id=? AND phase=? AND exited_at IS NULL`,
		at, directiveID, phase)
	return err
}

func (r Repo) NextPhaseAttempt(ctx context.Context, q Querier, directiveID string, phase domain.Phase) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(attempt),0)+1 FROM directive_phases WHERE directive_id=? AND phase=?`,
		directiveID, phase).Scan(&n)
	return n, err
}

func (r Repo) ListPhaseMarkers(ctx context.Context, q Querier, directiveID string) ([]domain.PhaseMarker, error) {
	rows, err := q.QueryContext(ctx, `SELECT directive_id,phase,attempt,entered_at,exited_at FROM directive_phases WHERE directive_id=? ORDER BY rowid ASC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseMarker
	for rows.Next() {
		var m domain.PhaseMarker
		var exited sql.NullString
		if err := rows.Scan(&m.DirectiveID, &m.Phase, &m.Attempt, &m.EnteredAt, &exited); err != nil {
			return nil, err
		}
		if exited.Valid {
			m.ExitedAt = &exited.String
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
