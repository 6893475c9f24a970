package relpersist

import (
	"context"
	"reflect"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// ErrNotFound is a sentinel error returned by Find operations when no record
// matching the criteria is found in the database.
var ErrNotFound = errors.New("record not found")

// Scope narrows a query, in the shape gorm's Scopes accepts.
type Scope = func(*gorm.DB) *gorm.DB

// Where returns a scope adding a gorm condition, e.g. Where("name = ?", "Erik").
func Where(query any, args ...any) Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(query, args...)
	}
}

// OrderBy returns a scope ordering by column ahead of the primary key.
func OrderBy(column string) Scope {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(column)
	}
}

// Repository provides typed reads and writes for the struct entity T through a session.
// Everything it returns is tracked by that session.
type Repository[T any] struct {
	session  *Session
	sch      *schema.Schema
	h        *hierarchy
	level    *hierarchyLevel
	includes []string
}

// RepositoryFor creates a repository for T bound to the session s.
//
// Returns:
//
//	A new Repository instance or an error if T cannot be parsed as an entity.
func RepositoryFor[T any](s *Session) (*Repository[T], error) {
	typ := reflect.TypeOf((*T)(nil)).Elem()
	sch, err := s.pm.schemaOf(typ)
	if err != nil {
		return nil, err
	}
	h, level := s.pm.hierarchyOf(typ)
	return &Repository[T]{session: s, sch: sch, h: h, level: level}, nil
}

// Include returns a copy of the repository that preloads the given navigation paths
// (gorm preload syntax, e.g. "Memberships.Person") with every read. Table-per-type
// repositories reject reads with includes.
func (r *Repository[T]) Include(paths ...string) *Repository[T] {
	c := *r
	c.includes = append(append([]string(nil), r.includes...), paths...)
	return &c
}

// Add tracks the entities as Added.
func (r *Repository[T]) Add(entities ...*T) error {
	for _, e := range entities {
		if err := r.session.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Remove marks the entity Deleted.
func (r *Repository[T]) Remove(entity *T) error {
	return r.session.Remove(entity)
}

// FindAll retrieves every row, ordered by primary key.
func (r *Repository[T]) FindAll(ctx context.Context) ([]*T, error) {
	return r.Find(ctx)
}

// FindByID retrieves a single entity by its primary key.
//
// Returns:
//
//	The tracked entity, ErrNotFound if no row has that key, or another error if the
//	query fails.
func (r *Repository[T]) FindByID(ctx context.Context, id any) (*T, error) {
	pk := r.sch.PrioritizedPrimaryField
	if pk == nil {
		return nil, errors.Errorf("%s has no single primary key", r.sch.Name)
	}
	return r.FindOne(ctx, r.where(pk.DBName, id))
}

// FindByProperty retrieves the entities whose column equals value. The column may be
// given by field name or column name.
func (r *Repository[T]) FindByProperty(ctx context.Context, column string, value any) ([]*T, error) {
	return r.Find(ctx, r.where(column, value))
}

// Find retrieves the entities matching the scopes.
func (r *Repository[T]) Find(ctx context.Context, scopes ...Scope) ([]*T, error) {
	tx := r.session.db(ctx)
	var roots []reflect.Value

	if r.h != nil {
		if len(r.includes) > 0 {
			return nil, errors.Errorf("%s is mapped table-per-type; Include(%s) is not supported",
				r.sch.Name, strings.Join(r.includes, ", "))
		}
		rows, err := r.h.find(tx, r.level, scopes...)
		if err != nil {
			return nil, err
		}
		roots = rows
	} else {
		var out []*T
		q := tx.Model(new(T))
		for _, p := range r.includes {
			q = q.Preload(p)
		}
		q = q.Scopes(scopes...)
		for _, pk := range r.sch.PrimaryFields {
			q = q.Order(r.sch.Table + "." + pk.DBName)
		}
		if err := q.Find(&out).Error; err != nil {
			return nil, errors.Wrapf(err, "find %s", r.sch.Name)
		}
		roots = make([]reflect.Value, len(out))
		for i, e := range out {
			roots[i] = reflect.ValueOf(e)
		}
	}

	tracked, err := r.session.attachAll(ctx, roots)
	if err != nil {
		return nil, err
	}
	result := make([]*T, len(tracked))
	for i, e := range tracked {
		result[i] = e.(*T)
	}
	return result, nil
}

// FindOne retrieves exactly one entity matching the scopes.
//
// Returns:
//
//	ErrNotFound when nothing matches and an error when more than one row matches.
func (r *Repository[T]) FindOne(ctx context.Context, scopes ...Scope) (*T, error) {
	found, err := r.Find(ctx, scopes...)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	if len(found) > 1 {
		// A unique lookup returning several rows means the query was not unique.
		return nil, errors.Errorf("expected 1 record but found %d", len(found))
	}
	return found[0], nil
}

// Count returns the number of rows of T.
func (r *Repository[T]) Count(ctx context.Context) (int64, error) {
	return r.count(ctx)
}

// CountByProperty returns the number of rows of T whose column equals value.
func (r *Repository[T]) CountByProperty(ctx context.Context, column string, value any) (int64, error) {
	return r.count(ctx, r.where(column, value))
}

func (r *Repository[T]) count(ctx context.Context, scopes ...Scope) (int64, error) {
	var n int64
	tx := r.session.db(ctx)
	if r.h != nil {
		tx = r.h.from(tx, r.level)
	} else {
		tx = tx.Model(new(T))
	}
	if err := tx.Scopes(scopes...).Count(&n).Error; err != nil {
		return 0, errors.Wrapf(err, "count %s", r.sch.Name)
	}
	return n, nil
}

// where builds an equality filter on column qualified by the table holding it.
func (r *Repository[T]) where(column string, value any) Scope {
	if f := r.sch.LookUpField(column); f != nil && f.DBName != "" {
		column = f.DBName
	}
	qualified := r.sch.Table + "." + column
	if r.h != nil {
		qualified = r.h.qualify(r.level, column)
	}
	return func(db *gorm.DB) *gorm.DB {
		return db.Where(qualified+" = ?", value)
	}
}
