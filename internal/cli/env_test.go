package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/saulfrancisco-ruizacevedo/go-relpersist"
)

type Note struct {
	ID   uint
	Text string
}

func noteModel() *relpersist.Model {
	return relpersist.NewModel().Entity(&Note{})
}

func openEnv(t *testing.T, cfg *Config) (*Env, *bytes.Buffer) {
	t.Helper()
	cfg.Database.DSN = filepath.Join(t.TempDir(), "env.db")
	out := &bytes.Buffer{}
	env, err := Open(context.Background(), cfg, noteModel(), zap.NewNop(), out)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.Close() })
	require.NoError(t, env.Manager.Recreate(context.Background()))
	return env, out
}

func addNote(t *testing.T, env *Env, text string) *relpersist.Session {
	t.Helper()
	s := env.Manager.NewSession()
	require.NoError(t, s.Add(&Note{Text: text}))
	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	return s
}

type recordingRunner struct {
	queries []string
}

func (r *recordingRunner) Run(_ context.Context, query string, _ map[string]interface{}) (*neo4j.EagerResult, error) {
	r.queries = append(r.queries, query)
	return &neo4j.EagerResult{}, nil
}

func TestPublishPrintsDebugView(t *testing.T) {
	env, out := openEnv(t, DefaultConfig("env"))
	s := addNote(t, env, "hello")

	require.NoError(t, env.Publish(context.Background(), s))
	assert.Equal(t, "Note {ID: 1} Unchanged\n  ID: 1 PK\n  Text: 'hello'\n", out.String())
}

func TestPublishGraphJSON(t *testing.T) {
	cfg := DefaultConfig("env")
	cfg.Graph = true
	env, out := openEnv(t, cfg)
	s := addNote(t, env, "hello")

	require.NoError(t, env.Publish(context.Background(), s))
	start := bytes.Index(out.Bytes(), []byte("\n{\n"))
	require.GreaterOrEqual(t, start, 0)
	raw := out.Bytes()[start+1:]
	var graph relpersist.GraphResult
	require.NoError(t, json.Unmarshal(raw, &graph))
	require.Len(t, graph.Nodes, 1)
	assert.Equal(t, "Note{1}", graph.Nodes[0].ID)
	assert.Equal(t, "hello", graph.Nodes[0].Properties["Text"])
}

func TestPublishMirrorsToGraphRunner(t *testing.T) {
	env, _ := openEnv(t, DefaultConfig("env"))
	runner := &recordingRunner{}
	env.WithGraphRunner(runner)
	s := addNote(t, env, "hello")
	require.NoError(t, s.Add(&Note{Text: "unsaved"}))

	require.NoError(t, env.Publish(context.Background(), s))
	assert.Len(t, runner.queries, 2)
}

func TestPrintMetrics(t *testing.T) {
	cfg := DefaultConfig("env")
	cfg.Metrics = true
	env, out := openEnv(t, cfg)
	addNote(t, env, "hello")

	require.NoError(t, env.PrintMetrics())
	assert.Contains(t, out.String(), "--- Statements ---")
	assert.Regexp(t, `create\s+notes\s+1`, out.String())
}

func TestCommandRunsDemo(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "demo.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("metrics: true\ndatabase:\n  dsn: "+filepath.Join(dir, "from-file.db")+"\n"), 0o600))

	var seen *Config
	cmd := NewCommand(Demo{
		Name:  "notes",
		Short: "notes demo",
		Model: noteModel,
		Run: func(ctx context.Context, env *Env) error {
			seen = env.Config
			s := env.Manager.NewSession()
			if err := s.Add(&Note{Text: "from the command"}); err != nil {
				return err
			}
			if _, err := s.SaveChanges(ctx); err != nil {
				return err
			}
			return env.Publish(ctx, s)
		},
	})
	flagDSN := filepath.Join(dir, "from-flag.db")
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetArgs([]string{"--config", configPath, "--dsn", flagDSN})

	require.NoError(t, cmd.Execute())
	require.NotNil(t, seen)
	assert.Equal(t, flagDSN, seen.Database.DSN, "flags win over the file")
	assert.True(t, seen.Metrics, "the file fills what flags leave unset")
	assert.Contains(t, out.String(), "Text: 'from the command'")
	assert.Contains(t, out.String(), "--- Statements ---")
	assert.FileExists(t, flagDSN)
}

func TestCommandRejectsArguments(t *testing.T) {
	cmd := NewCommand(Demo{Name: "notes", Model: noteModel, Run: func(context.Context, *Env) error { return nil }})
	cmd.SetArgs([]string{"extra"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.Error(t, cmd.Execute())
}
