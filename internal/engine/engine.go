package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/domain"
	"gateline/internal/engine/auth"
	"gateline/internal/events"
	"gateline/internal/progress"
	"gateline/internal/repo"
	"gateline/internal/telemetry"
	"gateline/internal/verifier"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Config   *config.Config
	Registry verifier.Registry
	Auth     auth.Service
	Log      *zap.Logger
	Metrics  *telemetry.Instruments
	Now      func() time.Time
}

func New(conn *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: conn}
	return Engine{
		DB:       conn,
		Repo:     r,
		Config:   cfg,
		Registry: verifier.NewRegistry(cfg.Verifiers),
		Auth:     auth.Service{Repo: r},
		Log:      zap.NewNop(),
		Metrics:  telemetry.NewInstruments(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

var fallbackInstruments = sync.OnceValue(telemetry.NewInstruments)

func (e Engine) metrics() *telemetry.Instruments {
	if e.Metrics != nil {
		return e.Metrics
	}
	return fallbackInstruments()
}

func (e Engine) emit(ctx context.Context, q events.Execer, evtType, directiveID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	return events.Writer{Now: e.now}.Append(ctx, q, evtType, directiveID, entityKind, entityID, actorID, payload)
}

// inTx runs fn in a transaction, retrying while SQLite reports a lock.
// fn must read through tx only.
func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	err := db.RetryBusy(ctx, func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := fn(tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	return translateStoreError(err)
}

// observe records the outcome of an operation in logs and metrics.
func (e Engine) observe(ctx context.Context, op, directiveID string, err error) {
	if err == nil {
		return
	}
	var ee *Error
	if !errors.As(err, &ee) {
		return
	}
	e.metrics().Rejection(ctx, op, string(ee.Kind))
	if ee.Kind == KindConcurrencyConflict {
		e.metrics().Conflict(ctx, op)
	}
	e.log().Warn("operation rejected",
		zap.String("op", op),
		zap.String("directive_id", directiveID),
		zap.String("kind", string(ee.Kind)),
		zap.String("code", ee.Code),
		zap.Strings("reasons", ee.Reasons))
}

func (e Engine) authorize(ctx context.Context, q repo.Querier, actorID, perm string) error {
	if e.Config == nil || !e.Config.RBAC.Enforce || actorID == auth.SystemActor {
		return nil
	}
	ok, err := e.Auth.ActorHasPermission(ctx, q, actorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func (e Engine) warningBlocks(directiveType string) bool {
	return e.Config != nil && e.Config.WarningBlocks(directiveType)
}

// GetDirective returns the stored directive.
func (e Engine) GetDirective(ctx context.Context, id string) (domain.Directive, error) {
	return e.Repo.GetDirective(ctx, e.DB, id)
}

func (e Engine) ListDirectives(ctx context.Context, f repo.DirectiveFilters) ([]domain.Directive, error) {
	return e.Repo.ListDirectives(ctx, e.DB, f)
}

// loadActive reads the directive and rejects terminal ones.
func (e Engine) loadActive(ctx context.Context, id string) (domain.Directive, error) {
	if id == "" {
		return domain.Directive{}, validationError("directive id is required")
	}
	d, err := e.Repo.GetDirective(ctx, e.DB, id)
	if err != nil {
		return d, err
	}
	if d.Status.Terminal() {
		return d, terminalError(d.ID, string(d.Status))
	}
	return d, nil
}

// state is the committed data behind every derived check on a directive.
type state struct {
	d           domain.Directive
	reqs        []domain.VerifierRequirement
	verdicts    map[string]domain.VerifierVerdict
	exits       map[domain.Phase]bool
	checkpoints []domain.Checkpoint
	children    []domain.Directive
}

func (e Engine) loadState(ctx context.Context, q repo.Querier, id string) (state, error) {
	var s state
	var err error
	if s.d, err = e.Repo.GetDirective(ctx, q, id); err != nil {
		return s, err
	}
	if s.reqs, err = e.Repo.ListRequirements(ctx, q, id); err != nil {
		return s, fmt.Errorf("load requirements: %w", err)
	}
	if s.verdicts, err = e.Repo.CurrentVerdicts(ctx, q, id); err != nil {
		return s, fmt.Errorf("load verdicts: %w", err)
	}
	if s.exits, err = e.Repo.AcceptedExits(ctx, q, id); err != nil {
		return s, fmt.Errorf("load handoffs: %w", err)
	}
	if s.checkpoints, err = e.Repo.ListCheckpoints(ctx, q, id); err != nil {
		return s, fmt.Errorf("load checkpoints: %w", err)
	}
	if s.children, err = e.Repo.ListChildren(ctx, q, id); err != nil {
		return s, fmt.Errorf("load children: %w", err)
	}
	return s, nil
}

func (s state) currentVerdicts() map[string]domain.Verdict {
	res := make(map[string]domain.Verdict, len(s.verdicts))
	for code, v := range s.verdicts {
		res[code] = v.Verdict
	}
	return res
}

func (e Engine) progressOf(s state) progress.Breakdown {
	return progress.Compute(progress.State{
		Status:        s.d.Status,
		Current:       s.d.CurrentPhase,
		PhaseProgress: s.d.PhaseProgress,
		AcceptedExits: s.exits,
		Requirements:  s.reqs,
		Verdicts:      s.currentVerdicts(),
		WarningBlocks: e.warningBlocks(s.d.Type),
		Checkpoints:   s.checkpoints,
	})
}

// refreshProgress recomputes progress inside tx and writes the cache.
func (e Engine) refreshProgress(ctx context.Context, tx *sql.Tx, id string) (int, error) {
	s, err := e.loadState(ctx, tx, id)
	if err != nil {
		return 0, err
	}
	pct := e.progressOf(s).Percentage
	if err := e.Repo.SetProgressCache(ctx, tx, id, pct); err != nil {
		return 0, fmt.Errorf("write progress: %w", err)
	}
	return pct, nil
}

// swap writes d over the row at version expected.
func (e Engine) swap(ctx context.Context, tx *sql.Tx, d domain.Directive, expected int64) (domain.Directive, error) {
	out, err := e.Repo.CompareAndSwapDirective(ctx, tx, d, expected)
	if errors.Is(err, repo.ErrVersionConflict) {
		return out, conflictError(d.ID)
	}
	return out, err
}
