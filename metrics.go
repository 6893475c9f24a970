package relpersist

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Metrics counts the statements gorm executes, by operation and table.
type Metrics struct {
	statements *prometheus.CounterVec
	gatherer   prometheus.Gatherer
}

// StatementCount is one row of a metrics snapshot.
type StatementCount struct {
	Operation string
	Table     string
	Count     float64
}

// NewMetrics registers the statement counter on reg. When reg is also a
// prometheus.Gatherer, Snapshot reads back from it.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		statements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relpersist",
			Name:      "statements_total",
			Help:      "Statements executed, by operation and table.",
		}, []string{"operation", "table"}),
	}
	if err := reg.Register(m.statements); err != nil {
		return nil, errors.Wrap(err, "register statement counter")
	}
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}
	return m, nil
}

// Instrument hooks the counter into db's callback chains.
func (m *Metrics) Instrument(db *gorm.DB) error {
	cb := db.Callback()
	hooks := []struct {
		op       string
		register func(name string, fn func(*gorm.DB)) error
	}{
		{"create", cb.Create().After("gorm:create").Register},
		{"query", cb.Query().After("gorm:query").Register},
		{"update", cb.Update().After("gorm:update").Register},
		{"delete", cb.Delete().After("gorm:delete").Register},
		{"row", cb.Row().After("gorm:row").Register},
		{"raw", cb.Raw().After("gorm:raw").Register},
	}
	for _, h := range hooks {
		op := h.op
		if err := h.register("relpersist:metrics_"+op, func(tx *gorm.DB) {
			if tx.Error != nil {
				return
			}
			m.statements.WithLabelValues(op, tx.Statement.Table).Inc()
		}); err != nil {
			return errors.Wrapf(err, "register %s callback", op)
		}
	}
	return nil
}

// Snapshot returns the current counts sorted by operation then table.
func (m *Metrics) Snapshot() ([]StatementCount, error) {
	if m.gatherer == nil {
		return nil, errors.New("metrics registerer is not a gatherer")
	}
	families, err := m.gatherer.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "gather metrics")
	}
	var out []StatementCount
	for _, mf := range families {
		if mf.GetName() != "relpersist_statements_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			row := StatementCount{Count: metric.GetCounter().GetValue()}
			for _, lp := range metric.GetLabel() {
				switch lp.GetName() {
				case "operation":
					row.Operation = lp.GetValue()
				case "table":
					row.Table = lp.GetValue()
				}
			}
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Operation != out[j].Operation {
			return out[i].Operation < out[j].Operation
		}
		return out[i].Table < out[j].Table
	})
	return out, nil
}
