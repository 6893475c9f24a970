// Package testutil opens throwaway databases for tests.
package testutil

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saulfrancisco-ruizacevedo/go-relpersist"
	"github.com/saulfrancisco-ruizacevedo/go-relpersist/internal/cli"
)

// Manager returns a manager for model over a fresh sqlite file in t.TempDir() with every
// table created.
func Manager(t *testing.T, model *relpersist.Model) *relpersist.PersistenceManager {
	t.Helper()
	exec, err := relpersist.NewExecutor(relpersist.Config{DSN: dbPath(t)}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	pm, err := relpersist.NewPersistenceManager(exec, model)
	require.NoError(t, err)
	require.NoError(t, pm.Recreate(context.Background()))
	return pm
}

// Env returns a demonstration environment for model over a fresh sqlite file, with the
// schema recreated and output captured in the returned buffer.
func Env(t *testing.T, model *relpersist.Model) (*cli.Env, *bytes.Buffer) {
	t.Helper()
	cfg := cli.DefaultConfig("test")
	cfg.Database.DSN = dbPath(t)
	out := &bytes.Buffer{}

	env, err := cli.Open(context.Background(), cfg, model, zap.NewNop(), out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	require.NoError(t, env.Manager.Recreate(context.Background()))
	return env, out
}

func dbPath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "test.db")
}
