package relpersist

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ErrNotInHierarchy is returned when a type is used as a hierarchy member but was not
// declared with Model.Hierarchy.
var ErrNotInHierarchy = errors.New("type is not part of a table-per-type hierarchy")

// hierarchyLevel is one type of a table-per-type hierarchy and the table holding the
// columns that type declares itself.
type hierarchyLevel struct {
	typ    reflect.Type
	table  string
	parent *hierarchyLevel
	depth  int
	// rowType carries the shared key followed by the level's own fields.
	rowType reflect.Type
	// columns are the level's own column names; only the root lists the key.
	columns []string
}

type hierarchy struct {
	root   *hierarchyLevel
	levels []*hierarchyLevel
	byType map[reflect.Type]*hierarchyLevel
	key    *schema.Field
}

func newHierarchy(db *gorm.DB, types []any) (*hierarchy, error) {
	h := &hierarchy{byType: make(map[reflect.Type]*hierarchyLevel, len(types))}
	own := make(map[*hierarchyLevel][]reflect.StructField, len(types))

	for i, t := range types {
		rt := reflect.TypeOf(t)
		if rt.Kind() == reflect.Ptr {
			rt = rt.Elem()
		}
		if rt.Kind() != reflect.Struct {
			return nil, errors.Errorf("hierarchy member %s is not a struct", rt)
		}
		tabler, ok := reflect.New(rt).Interface().(schema.Tabler)
		if !ok {
			return nil, errors.Errorf("hierarchy member %s does not declare TableName", rt.Name())
		}
		level := &hierarchyLevel{typ: rt, table: tabler.TableName()}

		var fields []reflect.StructField
		for j := 0; j < rt.NumField(); j++ {
			f := rt.Field(j)
			if f.Anonymous {
				if p, ok := h.byType[f.Type]; ok {
					level.parent = p
					continue
				}
				if f.Type.Kind() == reflect.Ptr && h.byType[f.Type.Elem()] != nil {
					return nil, errors.Errorf("%s must embed %s by value", rt.Name(), f.Type.Elem().Name())
				}
			}
			if f.IsExported() {
				fields = append(fields, f)
			}
		}

		switch {
		case i == 0 && level.parent != nil:
			return nil, errors.Errorf("hierarchy root %s embeds another member", rt.Name())
		case i > 0 && level.parent == nil:
			return nil, errors.Errorf("%s does not embed a member declared before it", rt.Name())
		case level.parent != nil && level.parent.table == level.table:
			return nil, errors.Errorf("%s must declare its own TableName", rt.Name())
		}
		if level.parent != nil {
			level.depth = level.parent.depth + 1
		}
		own[level] = fields
		h.levels = append(h.levels, level)
		h.byType[rt] = level
	}
	h.root = h.levels[0]

	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(reflect.New(h.root.typ).Interface()); err != nil {
		return nil, errors.Wrapf(err, "parse hierarchy root %s", h.root.typ.Name())
	}
	h.key = stmt.Schema.PrioritizedPrimaryField
	if h.key == nil || len(stmt.Schema.PrimaryFields) != 1 {
		return nil, errors.Errorf("hierarchy root %s needs a single primary key", h.root.typ.Name())
	}

	for _, level := range h.levels {
		fields := own[level]
		if level != h.root {
			key := reflect.StructField{
				Name: h.key.Name,
				Type: h.key.FieldType,
				Tag:  reflect.StructTag(fmt.Sprintf(`gorm:"column:%s;primaryKey;autoIncrement:false"`, h.key.DBName)),
			}
			fields = append([]reflect.StructField{key}, fields...)
		}
		level.rowType = reflect.StructOf(fields)

		rowStmt := &gorm.Statement{DB: db}
		if err := rowStmt.Parse(reflect.New(level.rowType).Interface()); err != nil {
			return nil, errors.Wrapf(err, "parse hierarchy level %s", level.typ.Name())
		}
		for _, name := range rowStmt.Schema.DBNames {
			if level != h.root && name == h.key.DBName {
				continue
			}
			level.columns = append(level.columns, name)
		}
	}
	return h, nil
}

// chain returns the levels from the root down to level.
func (h *hierarchy) chain(level *hierarchyLevel) []*hierarchyLevel {
	var out []*hierarchyLevel
	for l := level; l != nil; l = l.parent {
		out = append([]*hierarchyLevel{l}, out...)
	}
	return out
}

func (h *hierarchy) isAncestor(ancestor, level *hierarchyLevel) bool {
	for l := level; l != nil; l = l.parent {
		if l == ancestor {
			return true
		}
	}
	return false
}

// owner returns the level among level's chain whose table holds column.
func (h *hierarchy) owner(level *hierarchyLevel, column string) *hierarchyLevel {
	for _, l := range h.chain(level) {
		for _, c := range l.columns {
			if c == column {
				return l
			}
		}
	}
	return nil
}

// qualify prefixes column with the table that holds it for reads of level.
func (h *hierarchy) qualify(level *hierarchyLevel, column string) string {
	if o := h.owner(level, column); o != nil {
		return o.table + "." + column
	}
	return column
}

func (h *hierarchy) tables() []string {
	out := make([]string, 0, len(h.levels))
	for _, l := range h.levels {
		out = append(out, l.table)
	}
	return out
}

// query selects every column of level, joining its table up to the root on the shared key.
func (h *hierarchy) query(tx *gorm.DB, level *hierarchyLevel) *gorm.DB {
	var selects []string
	for _, l := range h.chain(level) {
		for _, c := range l.columns {
			selects = append(selects, l.table+"."+c)
		}
	}
	return h.from(tx, level).Select(selects).Order(h.root.table + "." + h.key.DBName)
}

// from joins level's table to each ancestor table on the shared key.
func (h *hierarchy) from(tx *gorm.DB, level *hierarchyLevel) *gorm.DB {
	tx = tx.Table(level.table)
	for l := level; l.parent != nil; l = l.parent {
		tx = tx.Joins(fmt.Sprintf("JOIN %s ON %s.%s = %s.%s",
			l.parent.table, l.parent.table, h.key.DBName, l.table, h.key.DBName))
	}
	return tx
}

// find loads the rows of level as pointers to level's type.
func (h *hierarchy) find(tx *gorm.DB, level *hierarchyLevel, scopes ...func(*gorm.DB) *gorm.DB) ([]reflect.Value, error) {
	rows := reflect.New(reflect.SliceOf(reflect.PointerTo(level.typ)))
	if err := h.query(tx, level).Scopes(scopes...).Find(rows.Interface()).Error; err != nil {
		return nil, errors.Wrapf(err, "load %s", level.typ.Name())
	}
	rows = rows.Elem()
	out := make([]reflect.Value, rows.Len())
	for i := range out {
		out[i] = rows.Index(i)
	}
	return out, nil
}

// findPolymorphic loads every row of base, each materialised as the most derived type
// whose table holds a row with its key.
func (h *hierarchy) findPolymorphic(tx *gorm.DB, base *hierarchyLevel) ([]reflect.Value, error) {
	rows, err := h.find(tx, base)
	if err != nil {
		return nil, err
	}
	position := make(map[string]int, len(rows))
	for i, r := range rows {
		position[keyString(r.Elem().FieldByName(h.key.Name).Interface())] = i
	}

	var derived []*hierarchyLevel
	for _, l := range h.levels {
		if l != base && h.isAncestor(base, l) {
			derived = append(derived, l)
		}
	}
	sort.SliceStable(derived, func(i, j int) bool { return derived[i].depth > derived[j].depth })

	resolved := make(map[string]bool, len(rows))
	for _, l := range derived {
		var pending []any
		for k, i := range position {
			if !resolved[k] {
				pending = append(pending, rows[i].Elem().FieldByName(h.key.Name).Interface())
			}
		}
		if len(pending) == 0 {
			break
		}
		column := h.root.table + "." + h.key.DBName
		found, err := h.find(tx, l, func(db *gorm.DB) *gorm.DB {
			return db.Where(column+" IN ?", pending)
		})
		if err != nil {
			return nil, err
		}
		for _, r := range found {
			k := keyString(r.Elem().FieldByName(h.key.Name).Interface())
			if !resolved[k] {
				rows[position[k]] = r
				resolved[k] = true
			}
		}
	}
	return rows, nil
}

// insert writes one row per level, root first. The root row generates the key.
func (h *hierarchy) insert(tx *gorm.DB, entity any) error {
	ev := reflect.ValueOf(entity).Elem()
	level, ok := h.byType[ev.Type()]
	if !ok {
		return errors.Wrapf(ErrNotInHierarchy, "%s", ev.Type())
	}
	for _, l := range h.chain(level) {
		row := reflect.New(l.rowType).Elem()
		for i := 0; i < l.rowType.NumField(); i++ {
			row.Field(i).Set(ev.FieldByName(l.rowType.Field(i).Name))
		}
		if err := tx.Table(l.table).Create(row.Addr().Interface()).Error; err != nil {
			return errors.Wrapf(err, "insert %s row", l.table)
		}
		if l == h.root {
			ev.FieldByName(h.key.Name).Set(row.FieldByName(h.key.Name))
		}
	}
	return nil
}

// update writes the changed columns to the tables that hold them.
func (h *hierarchy) update(tx *gorm.DB, entity any, changed map[string]any) error {
	ev := reflect.ValueOf(entity).Elem()
	level, ok := h.byType[ev.Type()]
	if !ok {
		return errors.Wrapf(ErrNotInHierarchy, "%s", ev.Type())
	}
	key := ev.FieldByName(h.key.Name).Interface()
	perTable := make(map[*hierarchyLevel]map[string]any)
	for column, v := range changed {
		o := h.owner(level, column)
		if o == nil {
			continue
		}
		if perTable[o] == nil {
			perTable[o] = make(map[string]any)
		}
		perTable[o][column] = v
	}
	for _, l := range h.chain(level) {
		values, ok := perTable[l]
		if !ok {
			continue
		}
		err := tx.Table(l.table).Where(h.key.DBName+" = ?", key).Updates(values).Error
		if err != nil {
			return errors.Wrapf(err, "update %s row", l.table)
		}
	}
	return nil
}

// delete removes the entity's row from every level's table, leaf first.
func (h *hierarchy) delete(tx *gorm.DB, entity any) error {
	ev := reflect.ValueOf(entity).Elem()
	level, ok := h.byType[ev.Type()]
	if !ok {
		return errors.Wrapf(ErrNotInHierarchy, "%s", ev.Type())
	}
	key := ev.FieldByName(h.key.Name).Interface()
	chain := h.chain(level)
	for i := len(chain) - 1; i >= 0; i-- {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", chain[i].table, h.key.DBName)
		if err := tx.Exec(stmt, key).Error; err != nil {
			return errors.Wrapf(err, "delete %s row", chain[i].table)
		}
	}
	return nil
}

// FindPolymorphic loads every row of the hierarchy member base, each returned as a pointer
// to its most derived declared type, and tracks them in the session.
func FindPolymorphic(ctx context.Context, s *Session, base any) ([]any, error) {
	rt := reflect.TypeOf(base)
	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	h, level := s.pm.hierarchyOf(rt)
	if h == nil {
		return nil, errors.Wrapf(ErrNotInHierarchy, "%s", rt)
	}
	rows, err := h.findPolymorphic(s.db(ctx), level)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		entity, err := s.attach(ctx, r.Interface())
		if err != nil {
			return nil, err
		}
		out = append(out, entity)
	}
	return out, nil
}

func describeChain(h *hierarchy, level *hierarchyLevel) string {
	names := make([]string, 0, level.depth+1)
	for _, l := range h.chain(level) {
		names = append(names, l.typ.Name())
	}
	return strings.Join(names, " -> ")
}
