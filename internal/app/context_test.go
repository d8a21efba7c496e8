package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gateline/internal/config"
	"gateline/internal/engine"
)

func TestOpenUsesDefaultsWithoutConfigFile(t *testing.T) {
	ctx := context.Background()
	ws, err := Open(ctx, Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer ws.Close()

	assert.Equal(t, 70, ws.Config.Handoff.DefaultThreshold)
	d, err := ws.Engine.CreateDirective(ctx, engine.DirectiveCreateOptions{Title: "Write runbook", Type: "documentation", ActorID: "tester"})
	require.NoError(t, err)
	assert.Equal(t, 10, d.Progress)
}

func TestOpenSeedsGrantsAndIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	doc := "rbac:\n  enforce: true\n  grants:\n    alice: [owner]\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte(doc), 0o644))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ws, err := Open(ctx, Options{Workspace: dir})
		require.NoError(t, err)
		roles, err := ws.Engine.Repo.ActorRoles(ctx, ws.DB, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"owner"}, roles)

		_, err = ws.Engine.CreateDirective(ctx, engine.DirectiveCreateOptions{Title: "Runbook", Type: "documentation", ActorID: "mallory"})
		assert.Error(t, err)
		require.NoError(t, ws.Close())
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), []byte("checkpoints:\n  threshold: 0\n"), 0o644))
	_, err := Open(context.Background(), Options{Workspace: dir})
	assert.Error(t, err)
}
