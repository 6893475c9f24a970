package relpersist

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Session is a unit of work: entities read or added through it are tracked until
// SaveChanges writes the differences in one transaction.
type Session struct {
	pm      *PersistenceManager
	tracker *ChangeTracker
}

func (s *Session) db(ctx context.Context) *gorm.DB {
	return s.pm.db.WithContext(ctx)
}

// Tracker returns the session's change tracker.
func (s *Session) Tracker() *ChangeTracker {
	return s.tracker
}

// Add tracks the entities, and every untracked entity reachable from them, as Added.
// Entities are pointers to structs.
func (s *Session) Add(entities ...any) error {
	for _, entity := range entities {
		if _, err := s.tracker.trackStruct(context.Background(), entity, Added, false); err != nil {
			return err
		}
	}
	return nil
}

// Remove marks a struct entity Deleted. Removing an Added entity detaches it.
func (s *Session) Remove(entity any) error {
	return s.tracker.removeStruct(context.Background(), entity)
}

// Entry returns the tracking entry of entity, if it is tracked.
func (s *Session) Entry(entity any) (*Entry, bool) {
	return s.tracker.entryFor(entity)
}

// Entries returns the tracked entries ordered by type name then key.
func (s *Session) Entries() []*Entry {
	return s.tracker.Entries()
}

// DetectChanges promotes entries whose values or navigations differ from their snapshot
// to Modified, and tracks entities newly reachable from tracked ones as Added.
func (s *Session) DetectChanges() {
	s.tracker.DetectChanges()
}

// DebugView renders every tracked entity with its properties and navigations.
func (s *Session) DebugView() string {
	s.tracker.DetectChanges()
	return s.tracker.DebugView()
}

// ShortView renders one line per tracked entity.
func (s *Session) ShortView() string {
	s.tracker.DetectChanges()
	return s.tracker.ShortView()
}

// SaveChanges writes every Added, Modified and Deleted entry in a single transaction and
// returns how many entries were written. On success the written state becomes the new
// baseline; on failure nothing is accepted and keys generated for Added entries are
// cleared again.
func (s *Session) SaveChanges(ctx context.Context) (int, error) {
	s.tracker.DetectChanges()
	pending := s.tracker.pending()
	if len(pending) == 0 {
		return 0, nil
	}
	err := s.db(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range pending {
			if err := s.pm.write(tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.tracker.rollback(pending)
		return 0, errors.Wrap(err, "save changes")
	}
	s.tracker.acceptAll()
	s.pm.log.Debug("saved changes", zap.Int("entries", len(pending)))
	return len(pending), nil
}

// attach tracks one entity read from the database and returns the tracked instance.
func (s *Session) attach(ctx context.Context, entity any) (any, error) {
	out, err := s.attachAll(ctx, []reflect.Value{reflect.ValueOf(entity)})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// attachAll loads indexer properties for every entity reachable from roots, then tracks
// the roots as Unchanged with identity resolution.
func (s *Session) attachAll(ctx context.Context, roots []reflect.Value) ([]any, error) {
	if len(s.pm.indexers) > 0 {
		byType := make(map[reflect.Type][]reflect.Value)
		seen := make(map[ptrKey]bool)
		for _, r := range roots {
			if err := s.collect(ctx, r, byType, seen); err != nil {
				return nil, err
			}
		}
		for typ, values := range byType {
			if err := s.pm.indexers[typ].load(ctx, s.db(ctx), values); err != nil {
				return nil, err
			}
		}
	}

	out := make([]any, len(roots))
	for i, r := range roots {
		canon, err := s.tracker.trackStruct(ctx, r.Interface(), Unchanged, true)
		if err != nil {
			return nil, err
		}
		out[i] = canon
	}
	return out, nil
}

// collect gathers the indexer-backed entities reachable from v, grouped by struct type.
func (s *Session) collect(ctx context.Context, v reflect.Value, byType map[reflect.Type][]reflect.Value, seen map[ptrKey]bool) error {
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil
	}
	id := identityOf(v.Interface())
	if seen[id] {
		return nil
	}
	seen[id] = true
	typ := v.Elem().Type()
	if _, ok := s.pm.indexers[typ]; ok {
		byType[typ] = append(byType[typ], v)
	}
	sch, err := s.pm.schemaOf(typ)
	if err != nil {
		return err
	}
	for _, rel := range navigations(sch) {
		fv := rel.Field.ReflectValueOf(ctx, v.Elem())
		switch fv.Kind() {
		case reflect.Ptr:
			if err := s.collect(ctx, fv, byType, seen); err != nil {
				return err
			}
		case reflect.Struct:
			if err := s.collect(ctx, fv.Addr(), byType, seen); err != nil {
				return err
			}
		case reflect.Slice:
			for i := 0; i < fv.Len(); i++ {
				elem := fv.Index(i)
				if elem.Kind() != reflect.Ptr {
					elem = elem.Addr()
				}
				if err := s.collect(ctx, elem, byType, seen); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
