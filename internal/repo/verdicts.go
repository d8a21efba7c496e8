package repo

import (
	"context"
	"database/sql"

	"gateline/internal/domain"
)

func (r Repo) InsertRequirement(ctx context.Context, q Querier, req domain.VerifierRequirement) error {
	_, err := q.ExecContext(ctx, `INSERT OR IGNORE INTO verifier_requirements(directive_id,code,gate_phase,waivable,source) VALUES (?,?,?,?,?)`,
		req.DirectiveID, req.Code, req.GatePhase, req.Waivable, req.Source)
	return err
}

func (r Repo) ListRequirements(ctx context.Context, q Querier, directiveID string) ([]domain.VerifierRequirement, error) {
	rows, err := q.QueryContext(ctx, `SELECT directive_id,code,gate_phase,waivable,source FROM verifier_requirements WHERE directive_id=? ORDER BY code ASC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerifierRequirement
	for rows.Next() {
		var req domain.VerifierRequirement
		if err := rows.Scan(&req.DirectiveID, &req.Code, &req.GatePhase, &req.Waivable, &req.Source); err != nil {
			return nil, err
		}
		res = append(res, req)
	}
	return res, rows.Err()
}

// InsertVerdict appends a verdict row and returns its sequence id.
func (r Repo) InsertVerdict(ctx context.Context, q Querier, v domain.VerifierVerdict) (int64, error) {
	res, err := q.ExecContext(ctx, `INSERT INTO verifier_verdicts(directive_id,code,verdict,confidence,notes,actor_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		v.DirectiveID, v.Code, v.Verdict, v.Confidence, nullable(v.Notes), v.ActorID, v.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListVerdicts returns the verdict history oldest first, optionally for one code.
func (r Repo) ListVerdicts(ctx context.Context, q Querier, directiveID, code string) ([]domain.VerifierVerdict, error) {
	query := `SELECT id,directive_id,code,verdict,confidence,notes,actor_id,created_at FROM verifier_verdicts WHERE directive_id=?`
	args := []any{directiveID}
	if code != "" {
		query += " AND code=?"
		args = append(args, code)
	}
	query += " ORDER BY id ASC"
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VerifierVerdict
	for rows.Next() {
		var v domain.VerifierVerdict
		var notes sql.NullString
		if err := rows.Scan(&v.ID, &v.DirectiveID, &v.Code, &v.Verdict, &v.Confidence, &notes, &v.ActorID, &v.CreatedAt); err != nil {
			return nil, err
		}
		if notes.Valid {
			v.Notes = notes.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// CurrentVerdicts returns the latest verdict per code.
func (r Repo) CurrentVerdicts(ctx context.Context, q Querier, directiveID string) (map[string]domain.VerifierVerdict, error) {
	all, err := r.ListVerdicts(ctx, q, directiveID, "")
	if err != nil {
		return nil, err
	}
	res := make(map[string]domain.VerifierVerdict, len(all))
	for _, v := range all {
		res[v.Code] = v
	}
	return res, nil
}
