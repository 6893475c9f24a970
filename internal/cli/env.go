package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/saulfrancisco-ruizacevedo/go-relpersist"
)

// Env is what a demonstration runs against.
type Env struct {
	Manager *relpersist.PersistenceManager
	Out     io.Writer
	Log     *zap.Logger
	Config  *Config

	exec    *relpersist.Executor
	metrics *relpersist.Metrics
	graph   relpersist.GraphRunner
	closers []func() error
}

// Open connects to the configured database, instruments it when metrics are enabled and
// prepares model. The schema is not touched.
func Open(ctx context.Context, cfg *Config, model *relpersist.Model, log *zap.Logger, out io.Writer) (*Env, error) {
	exec, err := relpersist.NewExecutor(cfg.Database, log)
	if err != nil {
		return nil, err
	}
	env := &Env{Out: out, Log: log, Config: cfg, exec: exec}
	env.closers = append(env.closers, exec.Close)

	if err := exec.Verify(ctx); err != nil {
		env.Close()
		return nil, err
	}
	if cfg.Metrics {
		m, err := relpersist.NewMetrics(prometheus.NewRegistry())
		if err != nil {
			env.Close()
			return nil, err
		}
		if err := m.Instrument(exec.DB); err != nil {
			env.Close()
			return nil, err
		}
		env.metrics = m
	}
	if cfg.Neo4j.Enabled() {
		n, err := relpersist.NewNeo4jExecutor(cfg.Neo4j.URI, cfg.Neo4j.User, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			env.Close()
			return nil, err
		}
		env.closers = append(env.closers, func() error { return n.Close(context.Background()) })
		if err := n.Verify(ctx); err != nil {
			env.Close()
			return nil, errors.Wrap(err, "could not reach neo4j")
		}
		env.graph = n
	}

	pm, err := relpersist.NewPersistenceManager(exec, model, relpersist.WithLogger(log))
	if err != nil {
		env.Close()
		return nil, err
	}
	env.Manager = pm
	return env, nil
}

// WithGraphRunner replaces the graph mirror target.
func (e *Env) WithGraphRunner(r relpersist.GraphRunner) *Env {
	e.graph = r
	return e
}

// Printf writes to the demonstration output.
func (e *Env) Printf(format string, args ...any) {
	fmt.Fprintf(e.Out, format, args...)
}

// Section prints a section heading.
func (e *Env) Section(title string) {
	fmt.Fprintf(e.Out, "\n--- %s ---\n", title)
}

// Publish prints the session's tracker view, then its graph as JSON when enabled, and
// mirrors the graph to Neo4j when a server is configured.
func (e *Env) Publish(ctx context.Context, s *relpersist.Session) error {
	fmt.Fprint(e.Out, s.DebugView())
	if !e.Config.Graph && e.graph == nil {
		return nil
	}
	graph := s.Graph()
	if e.Config.Graph {
		data, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return errors.Wrap(err, "encode graph")
		}
		fmt.Fprintln(e.Out, string(data))
	}
	if e.graph != nil {
		n, err := relpersist.MirrorGraph(ctx, e.graph, graph)
		if err != nil {
			return err
		}
		e.Log.Info("mirrored graph to neo4j",
			zap.Int("nodes", len(graph.Nodes)), zap.Int("edges", len(graph.Edges)), zap.Int("queries", n))
	}
	return nil
}

// PrintMetrics prints the statement counters when metrics are enabled.
func (e *Env) PrintMetrics() error {
	if e.metrics == nil {
		return nil
	}
	rows, err := e.metrics.Snapshot()
	if err != nil {
		return err
	}
	e.Section("Statements")
	for _, r := range rows {
		fmt.Fprintf(e.Out, "%-8s %-24s %4.0f\n", r.Operation, r.Table, r.Count)
	}
	return nil
}

// Close releases every connection the environment opened.
func (e *Env) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}
