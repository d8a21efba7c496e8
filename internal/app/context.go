package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"gateline/internal/config"
	"gateline/internal/db"
	"gateline/internal/engine"
	"gateline/internal/migrate"
)

// Options select the workspace and how the engine logs.
type Options struct {
	Workspace string
	Logger    *zap.Logger
}

// Workspace is an opened, migrated store with its config and engine.
type Workspace struct {
	Path   string
	DB     *sql.DB
	Config *config.Config
	Engine engine.Engine
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// Open resolves the workspace: it opens the database, applies pending
// migrations, loads gateline.yml (built-in defaults when absent), seeds the
// configured roles and grants and finishes any interrupted parent synthesis.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	eng := engine.New(conn, cfg)
	if opts.Logger != nil {
		eng.Log = opts.Logger
	}
	now := time.Now().UTC().Format(time.RFC3339)
	if err := db.RetryBusy(ctx, func() error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := eng.Auth.Seed(ctx, tx, cfg.RBAC, now); err != nil {
			return err
		}
		return tx.Commit()
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed rbac: %w", err)
	}
	if _, err := eng.ResumeSynthesis(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("resume synthesis: %w", err)
	}
	return &Workspace{Path: opts.Workspace, DB: conn, Config: cfg, Engine: eng}, nil
}
