package relpersist

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// Indexer holds the values of an entity's indexer properties. Embed it by value with a
// `gorm:"-"` tag and declare the columns with Model.IndexerProperties:
//
//	type Product struct {
//		ID   uint
//		Name string
//		relpersist.Indexer `gorm:"-"`
//	}
type Indexer struct {
	values map[string]any
}

// Get returns the value stored under name, or nil.
func (x *Indexer) Get(name string) any {
	return x.values[name]
}

// Set stores value under name.
func (x *Indexer) Set(name string, value any) {
	if x.values == nil {
		x.values = make(map[string]any)
	}
	x.values[name] = value
}

// Keys returns the names holding a value, sorted.
func (x *Indexer) Keys() []string {
	keys := make([]string, 0, len(x.values))
	for k := range x.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type indexed interface {
	Get(name string) any
	Set(name string, value any)
	Keys() []string
}

// indexerMapping is the resolved form of an IndexerProperties declaration.
type indexerMapping struct {
	table   string
	pk      *schema.Field
	columns []Column
	// rowType holds the primary key and the declared columns as pointers, so NULL reads back as unset.
	rowType reflect.Type
	// extraType holds only the declared columns; migrating it adds them to the table.
	extraType reflect.Type
}

func newIndexerMapping(sch *schema.Schema, columns []Column) (*indexerMapping, error) {
	pk := sch.PrioritizedPrimaryField
	if pk == nil {
		return nil, errors.Errorf("%s has no primary key", sch.Name)
	}
	extras := make([]reflect.StructField, 0, len(columns))
	for _, c := range columns {
		if sch.LookUpField(c.Name) != nil {
			return nil, errors.Errorf("%s: indexer column %q collides with a static field", sch.Name, c.Name)
		}
		extras = append(extras, reflect.StructField{Name: c.Name, Type: reflect.PointerTo(c.Type)})
	}
	key := reflect.StructField{
		Name: pk.Name,
		Type: pk.FieldType,
		Tag:  reflect.StructTag(fmt.Sprintf(`gorm:"column:%s;primaryKey"`, pk.DBName)),
	}
	return &indexerMapping{
		table:     sch.Table,
		pk:        pk,
		columns:   columns,
		rowType:   reflect.StructOf(append([]reflect.StructField{key}, extras...)),
		extraType: reflect.StructOf(extras),
	}, nil
}

func (m *indexerMapping) column(name string) (Column, bool) {
	for _, c := range m.columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

func (m *indexerMapping) dbName(db *gorm.DB, name string) string {
	return db.NamingStrategy.ColumnName(m.table, name)
}

// assignments converts the entity's indexer values to column assignments. Every name
// the entity holds must be declared, including names outside only.
func (m *indexerMapping) assignments(db *gorm.DB, entity indexed, only map[string]bool) (map[string]any, error) {
	out := make(map[string]any)
	for _, name := range entity.Keys() {
		c, ok := m.column(name)
		if !ok {
			return nil, errors.Errorf("indexer property %q is not declared on %s", name, m.table)
		}
		if only != nil && !only[name] {
			continue
		}
		v := entity.Get(name)
		if v != nil {
			cv, err := convertTo(v, c.Type)
			if err != nil {
				return nil, errors.Wrapf(err, "indexer property %q", name)
			}
			v = cv.Interface()
		}
		out[m.dbName(db, name)] = v
	}
	return out, nil
}

// write stores the indexer values of one entity in its row.
func (m *indexerMapping) write(tx *gorm.DB, entity any, only map[string]bool) error {
	rv := reflect.Indirect(reflect.ValueOf(entity))
	key, _ := m.pk.ValueOf(tx.Statement.Context, rv)
	values, err := m.assignments(tx, entity.(indexed), only)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return nil
	}
	return errors.Wrapf(
		tx.Table(m.table).Where(fmt.Sprintf("%s = ?", m.pk.DBName), key).Updates(values).Error,
		"write indexer properties of %s", m.table)
}

// load reads the declared columns for every entity and stores them through the indexer.
func (m *indexerMapping) load(ctx context.Context, tx *gorm.DB, entities []reflect.Value) error {
	if len(entities) == 0 {
		return nil
	}
	byKey := make(map[string]indexed, len(entities))
	keys := make([]any, 0, len(entities))
	for _, ev := range entities {
		key, _ := m.pk.ValueOf(ctx, reflect.Indirect(ev))
		byKey[keyString(key)] = ev.Interface().(indexed)
		keys = append(keys, key)
	}
	rows := reflect.New(reflect.SliceOf(m.rowType))
	err := tx.Table(m.table).Where(fmt.Sprintf("%s IN ?", m.pk.DBName), keys).Find(rows.Interface()).Error
	if err != nil {
		return errors.Wrapf(err, "load indexer properties of %s", m.table)
	}
	rows = rows.Elem()
	for i := 0; i < rows.Len(); i++ {
		row := rows.Index(i)
		target, ok := byKey[keyString(row.FieldByName(m.pk.Name).Interface())]
		if !ok {
			continue
		}
		for _, c := range m.columns {
			if f := row.FieldByName(c.Name); !f.IsNil() {
				target.Set(c.Name, f.Elem().Interface())
			}
		}
	}
	return nil
}

// snapshot returns the indexer values keyed by property name: every declared column,
// plus any undeclared name that was set, so that setting one counts as a change.
func (m *indexerMapping) snapshot(entity any) map[string]any {
	x := entity.(indexed)
	out := make(map[string]any, len(m.columns))
	for _, c := range m.columns {
		out[c.Name] = x.Get(c.Name)
	}
	for _, name := range x.Keys() {
		if _, ok := out[name]; !ok {
			out[name] = x.Get(name)
		}
	}
	return out
}
