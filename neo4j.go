package relpersist

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pkg/errors"
	"github.com/saulfrancisco-ruizacevedo/gocypher"
)

// GraphRunner runs the Cypher statements MirrorGraph builds.
type GraphRunner interface {
	// Run executes query with params and returns the records read in full.
	Run(ctx context.Context, query string, params map[string]interface{}) (*neo4j.EagerResult, error)
}

// Neo4jExecutor runs statements against one database of a Neo4j server.
type Neo4jExecutor struct {
	Driver neo4j.DriverWithContext
	DBName string
}

// NewNeo4jExecutor creates a driver for uri with basic auth. No connection is made until
// the first statement or Verify; dbName selects the database statements run in.
func NewNeo4jExecutor(uri, username, password, dbName string) (*Neo4jExecutor, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, errors.Wrap(err, "could not create Neo4j driver")
	}
	return &Neo4jExecutor{Driver: driver, DBName: dbName}, nil
}

// Verify checks the connectivity to the Neo4j database.
func (e *Neo4jExecutor) Verify(ctx context.Context) error {
	return e.Driver.VerifyConnectivity(ctx)
}

// Close releases the driver's connections.
func (e *Neo4jExecutor) Close(ctx context.Context) error {
	return e.Driver.Close(ctx)
}

// Run executes query in its own managed transaction on the configured database.
func (e *Neo4jExecutor) Run(ctx context.Context, query string, params map[string]interface{}) (*neo4j.EagerResult, error) {
	result, err := neo4j.ExecuteQuery(
		ctx,
		e.Driver,
		query,
		params,
		neo4j.EagerResultTransformer,
		neo4j.ExecuteQueryWithDatabase(e.DBName),
	)
	if err != nil {
		return nil, errors.Wrap(err, "error executing neo4j query")
	}
	return result, nil
}

// MirrorGraph writes graph to Neo4j: every node is merged on its ID with its properties
// set, then every edge is created between the merged nodes.
//
// Returns:
//
//	The number of queries run, or the first error encountered.
func MirrorGraph(ctx context.Context, runner GraphRunner, graph *GraphResult) (int, error) {
	labels := make(map[string]string, len(graph.Nodes))
	runs := 0
	for _, n := range graph.Nodes {
		label := ""
		if len(n.Labels) > 0 {
			label = n.Labels[0]
		}
		labels[n.ID] = label

		qb := gocypher.NewQueryBuilder().
			Merge(gocypher.N("n", label).WithProperties(map[string]interface{}{"key": n.ID}))
		if set := setProperties("n", n.Properties); len(set) > 0 {
			qb = qb.Set(set)
		}
		query, params, err := qb.Return("n").Build()
		if err != nil {
			return runs, errors.Wrapf(err, "build merge for %s", n.ID)
		}
		if _, err := runner.Run(ctx, query, params); err != nil {
			return runs, errors.Wrapf(err, "merge %s", n.ID)
		}
		runs++
	}

	for _, e := range graph.Edges {
		qb := gocypher.NewQueryBuilder().
			Match(gocypher.N("a", labels[e.Source]).WithProperties(map[string]interface{}{"key": e.Source})).
			Match(gocypher.N("b", labels[e.Target]).WithProperties(map[string]interface{}{"key": e.Target})).
			Create(
				gocypher.N("a", ""),
				gocypher.R("r", e.Type).To().WithProperties(graphProperties(e.Properties)),
				gocypher.N("b", ""),
			)
		query, params, err := qb.Build()
		if err != nil {
			return runs, errors.Wrapf(err, "build edge %s", e.ID)
		}
		if _, err := runner.Run(ctx, query, params); err != nil {
			return runs, errors.Wrapf(err, "create edge %s", e.ID)
		}
		runs++
	}
	return runs, nil
}

// setProperties prefixes each property with alias for a SET clause.
func setProperties(alias string, props map[string]interface{}) map[string]interface{} {
	converted := graphProperties(props)
	out := make(map[string]interface{}, len(converted))
	for k, v := range converted {
		out[alias+"."+k] = v
	}
	return out
}

// graphProperties converts values to the types Neo4j stores. Nil values are dropped.
func graphProperties(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		if gv, ok := graphValue(v); ok {
			out[k] = gv
		}
	}
	return out
}

func graphValue(v any) (any, bool) {
	if v == nil {
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		return graphValue(rv.Elem().Interface())
	}
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string, bool, int64, float64:
		return x, true
	}
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	}
	return fmt.Sprint(v), true
}
