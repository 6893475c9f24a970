package relpersist

import (
	"reflect"

	"github.com/pkg/errors"
)

// Model is the mapping declaration of one program: which structs are entities, which
// many-to-many navigations go through an explicit join entity, which entity types exist
// only as property bags, which structs carry indexer properties and which structs form
// table-per-type hierarchies.
//
// Declarations are kept in order. Tables are created in that order and dropped in reverse.
type Model struct {
	entities    []any
	joins       []joinDecl
	shared      []*EntityType
	indexed     []indexedDecl
	hierarchies [][]any
}

type joinDecl struct {
	model any
	field string
	join  any
}

type indexedDecl struct {
	model   any
	columns []Column
}

// Column declares an extra column reached through an entity's indexer.
type Column struct {
	Name string
	Type reflect.Type
}

// IndexerColumn declares an indexer column named name whose Go type is the type of zero.
func IndexerColumn(name string, zero any) Column {
	return Column{Name: name, Type: reflect.TypeOf(zero)}
}

// NewModel returns an empty declaration.
func NewModel() *Model {
	return &Model{}
}

// Entity declares plain struct entities. Many-to-many navigations declared with only a
// `gorm:"many2many:<table>"` tag get a join table synthesised by gorm.
func (m *Model) Entity(models ...any) *Model {
	m.entities = append(m.entities, models...)
	return m
}

// JoinEntity routes the many-to-many navigation field of model through the join entity.
// The join entity must carry the two foreign keys and may carry payload columns.
func (m *Model) JoinEntity(model any, field string, join any) *Model {
	m.joins = append(m.joins, joinDecl{model: model, field: field, join: join})
	return m
}

// SharedType declares an entity type without a Go struct. Rows are read and written as
// PropertyBag values.
func (m *Model) SharedType(et *EntityType) *Model {
	m.shared = append(m.shared, et)
	return m
}

// IndexerProperties declares extra columns on a struct entity that embeds Indexer.
func (m *Model) IndexerProperties(model any, columns ...Column) *Model {
	m.indexed = append(m.indexed, indexedDecl{model: model, columns: columns})
	return m
}

// Hierarchy declares a table-per-type hierarchy. The first type is the root; every other
// type embeds its parent by value. Every type declares its own TableName.
func (m *Model) Hierarchy(types ...any) *Model {
	m.hierarchies = append(m.hierarchies, types)
	return m
}

func (m *Model) validate() error {
	seen := make(map[string]bool, len(m.shared))
	for _, et := range m.shared {
		if err := et.validate(); err != nil {
			return err
		}
		if seen[et.name] {
			return errors.Errorf("shared type %q declared twice", et.name)
		}
		seen[et.name] = true
	}
	for _, et := range m.shared {
		for _, nav := range et.navigations {
			if !seen[nav.Target] {
				return errors.Wrapf(ErrUnknownSharedType, "navigation %s.%s targets %q", et.name, nav.Name, nav.Target)
			}
		}
	}
	for _, d := range m.indexed {
		if _, ok := d.model.(indexed); !ok {
			return errors.Errorf("%T does not embed relpersist.Indexer", d.model)
		}
		for _, c := range d.columns {
			if !isExportedIdent(c.Name) || c.Type == nil {
				return errors.Errorf("invalid indexer column %q on %T", c.Name, d.model)
			}
		}
	}
	for _, h := range m.hierarchies {
		if len(h) == 0 {
			return errors.New("empty hierarchy")
		}
	}
	return nil
}
