package relpersist

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"gorm.io/gorm/schema"
)

// EntityState is the state of a tracked entity relative to the database.
type EntityState int

const (
	// Detached entities are not tracked.
	Detached EntityState = iota
	// Unchanged entities match the database as of the last read or save.
	Unchanged
	// Added entities are inserted by the next SaveChanges.
	Added
	// Modified entities have property or navigation edits to write.
	Modified
	// Deleted entities are removed by the next SaveChanges.
	Deleted
)

func (s EntityState) String() string {
	switch s {
	case Unchanged:
		return "Unchanged"
	case Added:
		return "Added"
	case Modified:
		return "Modified"
	case Deleted:
		return "Deleted"
	}
	return "Detached"
}

// Entry is one tracked entity: a pointer to a struct or a PropertyBag.
type Entry struct {
	Entity any
	State  EntityState

	sch     *schema.Schema
	et      *EntityType
	indexer *indexerMapping
	// original holds scalar values keyed by property name as of the last attach or save.
	original map[string]any
	// navs holds the entities each loaded navigation pointed at, as of the same moment.
	navs   map[string][]any
	hadKey bool
	seq    int
}

// TypeName returns the entity type name: the struct name or the shared type name.
func (e *Entry) TypeName() string {
	if e.et != nil {
		return e.et.name
	}
	return e.sch.Name
}

// Key returns the primary key values in declaration order.
func (e *Entry) Key() []any {
	if e.et != nil {
		return []any{e.Entity.(PropertyBag)[e.et.key]}
	}
	return structKey(e.sch, reflect.ValueOf(e.Entity).Elem())
}

// Property returns the current value of a scalar property, or nil when there is none.
func (e *Entry) Property(name string) any {
	return e.current()[name]
}

// OriginalValue returns the value of a scalar property as of the last attach or save.
func (e *Entry) OriginalValue(name string) any {
	return e.original[name]
}

func (e *Entry) keyNames() []string {
	if e.et != nil {
		return []string{e.et.key}
	}
	names := make([]string, len(e.sch.PrimaryFields))
	for i, f := range e.sch.PrimaryFields {
		names[i] = f.Name
	}
	return names
}

func (e *Entry) hasKey() bool {
	for _, k := range e.Key() {
		if isZero(k) {
			return false
		}
	}
	return true
}

// current captures the scalar values as they are now.
func (e *Entry) current() map[string]any {
	if e.et != nil {
		return e.et.scalars(e.Entity.(PropertyBag))
	}
	rv := reflect.ValueOf(e.Entity).Elem()
	out := make(map[string]any, len(e.sch.Fields))
	for _, f := range e.sch.Fields {
		if f.DBName == "" {
			continue
		}
		out[f.Name], _ = f.ValueOf(context.Background(), rv)
	}
	if e.indexer != nil {
		for k, v := range e.indexer.snapshot(e.Entity) {
			if _, static := out[k]; !static {
				out[k] = v
			}
		}
	}
	return out
}

func (e *Entry) changed() []string {
	var names []string
	cur := e.current()
	for name, v := range cur {
		if !valuesEqual(v, e.original[name]) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func structKey(sch *schema.Schema, rv reflect.Value) []any {
	out := make([]any, len(sch.PrimaryFields))
	for i, f := range sch.PrimaryFields {
		out[i], _ = f.ValueOf(context.Background(), rv)
	}
	return out
}

type ptrKey struct {
	t reflect.Type
	p uintptr
}

// ChangeTracker records the entities a session has seen and the state of each.
type ChangeTracker struct {
	pm      *PersistenceManager
	entries []*Entry
	byPtr   map[ptrKey]*Entry
	byKey   map[string]*Entry
	seq     int
}

func newChangeTracker(pm *PersistenceManager) *ChangeTracker {
	return &ChangeTracker{
		pm:    pm,
		byPtr: make(map[ptrKey]*Entry),
		byKey: make(map[string]*Entry),
	}
}

func identityOf(v any) ptrKey {
	rv := reflect.ValueOf(v)
	return ptrKey{t: rv.Type(), p: rv.Pointer()}
}

func identityKey(typeName string, key []any) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = keyString(k)
	}
	return typeName + "{" + strings.Join(parts, ",") + "}"
}

func (t *ChangeTracker) newEntry(entity any, state EntityState, sch *schema.Schema, et *EntityType) *Entry {
	t.seq++
	e := &Entry{Entity: entity, State: state, sch: sch, et: et, seq: t.seq}
	if sch != nil {
		e.indexer = t.pm.indexers[sch.ModelType]
	}
	e.hadKey = e.hasKey()
	e.original = e.current()
	e.snapshotNavs()
	t.entries = append(t.entries, e)
	t.byPtr[identityOf(entity)] = e
	if e.hadKey {
		t.byKey[identityKey(e.TypeName(), e.Key())] = e
	}
	return e
}

// trackStruct tracks entity and everything reachable from it. New entities get state;
// with resolve set, an entity whose key is already tracked is replaced by the tracked
// instance wherever it is referenced. It returns the canonical instance.
func (t *ChangeTracker) trackStruct(ctx context.Context, entity any, state EntityState, resolve bool) (any, error) {
	rv := reflect.ValueOf(entity)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return nil, errors.Errorf("entity must be a non-nil pointer to a struct, got %T", entity)
	}
	if e, ok := t.byPtr[identityOf(entity)]; ok {
		return e.Entity, nil
	}
	sch, err := t.pm.schemaOf(rv.Type())
	if err != nil {
		return nil, err
	}
	if resolve {
		key := structKey(sch, rv.Elem())
		if e, ok := t.byKey[identityKey(sch.Name, key)]; ok {
			return e.Entity, t.merge(ctx, sch, reflect.ValueOf(e.Entity).Elem(), rv.Elem(), state)
		}
	}
	e := t.newEntry(entity, state, sch, nil)
	if err := t.trackNavigations(ctx, sch, rv.Elem(), state, resolve); err != nil {
		return nil, err
	}
	e.snapshotNavs()
	return entity, nil
}

// merge copies the navigations loaded on dup onto the tracked instance canon where canon
// has not loaded them.
func (t *ChangeTracker) merge(ctx context.Context, sch *schema.Schema, canon, dup reflect.Value, state EntityState) error {
	var loaded []string
	for _, rel := range navigations(sch) {
		cv := rel.Field.ReflectValueOf(ctx, canon)
		dv := rel.Field.ReflectValueOf(ctx, dup)
		if !cv.IsZero() || dv.IsZero() || !cv.CanSet() {
			continue
		}
		cv.Set(dv)
		loaded = append(loaded, rel.Name)
	}
	if err := t.trackNavigations(ctx, sch, canon, state, true); err != nil {
		return err
	}
	e := t.byPtr[identityOf(canon.Addr().Interface())]
	for _, name := range loaded {
		e.snapshotNav(name)
	}
	return nil
}

// trackNavigations tracks every entity reachable from the struct value rv.
func (t *ChangeTracker) trackNavigations(ctx context.Context, sch *schema.Schema, rv reflect.Value, state EntityState, resolve bool) error {
	for _, rel := range navigations(sch) {
		fv := rel.Field.ReflectValueOf(ctx, rv)
		switch fv.Kind() {
		case reflect.Ptr:
			if fv.IsNil() {
				continue
			}
			canon, err := t.trackStruct(ctx, fv.Interface(), state, resolve)
			if err != nil {
				return err
			}
			if fv.CanSet() {
				fv.Set(reflect.ValueOf(canon))
			}
		case reflect.Struct:
			if _, err := t.trackStruct(ctx, fv.Addr().Interface(), state, false); err != nil {
				return err
			}
		case reflect.Slice:
			for i := 0; i < fv.Len(); i++ {
				elem := fv.Index(i)
				if elem.Kind() == reflect.Ptr {
					if elem.IsNil() {
						continue
					}
					canon, err := t.trackStruct(ctx, elem.Interface(), state, resolve)
					if err != nil {
						return err
					}
					elem.Set(reflect.ValueOf(canon))
					continue
				}
				if _, err := t.trackStruct(ctx, elem.Addr().Interface(), state, false); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// navigations returns the relationships of sch backed by a field of its struct, ordered
// as the fields are declared.
func navigations(sch *schema.Schema) []*schema.Relationship {
	var out []*schema.Relationship
	for _, f := range sch.Fields {
		if f.DBName != "" {
			continue
		}
		if rel, ok := sch.Relationships.Relations[f.Name]; ok && rel.Field != nil && rel.Field.Name == f.Name {
			out = append(out, rel)
		}
	}
	return out
}

func (t *ChangeTracker) addBag(pm *PersistenceManager, et *EntityType, bag PropertyBag) {
	if _, ok := t.byPtr[identityOf(bag)]; ok {
		return
	}
	t.newEntry(bag, Added, nil, et)
	for _, nav := range et.navigations {
		target := pm.sharedTypes[nav.Target]
		switch v := bag[nav.Name].(type) {
		case PropertyBag:
			t.addBag(pm, target, v)
		case []PropertyBag:
			for _, d := range v {
				t.addBag(pm, target, d)
			}
		}
	}
}

// attachBag tracks a bag read from the database as Unchanged, or returns the bag already
// tracked under the same key.
func (t *ChangeTracker) attachBag(et *EntityType, bag PropertyBag) PropertyBag {
	if e, ok := t.byKey[identityKey(et.name, []any{bag[et.key]})]; ok {
		return e.Entity.(PropertyBag)
	}
	t.newEntry(bag, Unchanged, nil, et)
	return bag
}

// snapshotBagNav records a navigation of a tracked bag as loaded.
func (t *ChangeTracker) snapshotBagNav(bag PropertyBag, name string) {
	if e, ok := t.byPtr[identityOf(bag)]; ok {
		e.snapshotNav(name)
	}
}

func (t *ChangeTracker) removeBag(et *EntityType, bag PropertyBag) {
	e, ok := t.byPtr[identityOf(bag)]
	if !ok {
		e = t.newEntry(bag, Unchanged, nil, et)
	}
	t.markDeleted(e)
}

func (t *ChangeTracker) removeStruct(ctx context.Context, entity any) error {
	if _, err := t.trackStruct(ctx, entity, Unchanged, false); err != nil {
		return err
	}
	t.markDeleted(t.byPtr[identityOf(entity)])
	return nil
}

func (t *ChangeTracker) markDeleted(e *Entry) {
	if e.State == Added {
		t.detach(e)
		return
	}
	e.State = Deleted
}

func (t *ChangeTracker) detach(e *Entry) {
	e.State = Detached
	delete(t.byPtr, identityOf(e.Entity))
	if e.hadKey {
		delete(t.byKey, identityKey(e.TypeName(), e.Key()))
	}
	for i, x := range t.entries {
		if x == e {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			break
		}
	}
}

// DetectChanges compares every Unchanged or Modified entry with its snapshot. Entities
// newly reachable through a navigation are tracked as Added, and foreign keys follow
// the navigation edits before the properties are compared.
func (t *ChangeTracker) DetectChanges() {
	dirty := make(map[*Entry]bool)
	for _, e := range append([]*Entry(nil), t.entries...) {
		if e.State == Unchanged || e.State == Modified {
			dirty[e] = t.fixup(e)
		}
	}
	for _, e := range t.entries {
		if e.State != Unchanged && e.State != Modified {
			continue
		}
		if dirty[e] || len(e.changed()) > 0 {
			e.State = Modified
		} else {
			e.State = Unchanged
		}
	}
}

// pending returns the entries SaveChanges has to write: Added structs in tracking order,
// Added bags in model declaration order, then Modified and Deleted entries.
func (t *ChangeTracker) pending() []*Entry {
	var added, modified, deleted []*Entry
	for _, e := range t.entries {
		switch e.State {
		case Added:
			added = append(added, e)
		case Modified:
			modified = append(modified, e)
		case Deleted:
			deleted = append(deleted, e)
		}
	}
	sort.SliceStable(added, func(i, j int) bool {
		return t.writeRank(added[i]) < t.writeRank(added[j])
	})
	return append(append(added, modified...), deleted...)
}

func (t *ChangeTracker) writeRank(e *Entry) int {
	if e.et == nil {
		return -1
	}
	return t.pm.sharedOrder[e.et.name]
}

// acceptAll makes the database state the new baseline.
func (t *ChangeTracker) acceptAll() {
	var deleted []*Entry
	gone := make(map[ptrKey]bool)
	for _, e := range t.entries {
		if e.State == Deleted {
			deleted = append(deleted, e)
			gone[identityOf(e.Entity)] = true
		}
	}
	for _, e := range deleted {
		t.detach(e)
	}
	t.unlink(gone)
	t.byKey = make(map[string]*Entry, len(t.entries))
	for _, e := range t.entries {
		e.State = Unchanged
		e.original = e.current()
		e.snapshotNavs()
		e.hadKey = e.hasKey()
		if e.hadKey {
			t.byKey[identityKey(e.TypeName(), e.Key())] = e
		}
	}
}

// Entries returns the tracked entries ordered by type name then key.
func (t *ChangeTracker) Entries() []*Entry {
	out := append([]*Entry(nil), t.entries...)
	sort.SliceStable(out, func(i, j int) bool {
		if a, b := out[i].TypeName(), out[j].TypeName(); a != b {
			return a < b
		}
		if c := compareKeys(out[i].Key(), out[j].Key()); c != 0 {
			return c < 0
		}
		return out[i].seq < out[j].seq
	})
	return out
}

func (t *ChangeTracker) entryFor(v any) (*Entry, bool) {
	e, ok := t.byPtr[identityOf(v)]
	return e, ok
}

func formatKey(names []string, values []any) string {
	parts := make([]string, len(names))
	for i := range names {
		parts[i] = fmt.Sprintf("%s: %s", names[i], formatValue(values[i]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (t *ChangeTracker) header(e *Entry) string {
	name := e.TypeName()
	if e.et != nil {
		name += " (PropertyBag)"
	}
	return fmt.Sprintf("%s %s %s", name, formatKey(e.keyNames(), e.Key()), e.State)
}

// ShortView renders one line per tracked entity.
func (t *ChangeTracker) ShortView() string {
	var b strings.Builder
	for _, e := range t.Entries() {
		b.WriteString(t.header(e))
		b.WriteByte('\n')
	}
	return b.String()
}

// DebugView renders every tracked entity with its properties and navigations.
func (t *ChangeTracker) DebugView() string {
	var b strings.Builder
	for _, e := range t.Entries() {
		b.WriteString(t.header(e))
		b.WriteByte('\n')
		for _, p := range t.propertyLines(e) {
			b.WriteString("  ")
			b.WriteString(p)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func (t *ChangeTracker) propertyLines(e *Entry) []string {
	cur := e.current()
	var lines []string
	line := func(name string, flags ...string) {
		s := fmt.Sprintf("%s: %s", name, formatValue(cur[name]))
		for _, f := range flags {
			if f != "" {
				s += " " + f
			}
		}
		if e.State == Modified && !valuesEqual(cur[name], e.original[name]) {
			s += " Modified Originally " + formatValue(e.original[name])
		}
		lines = append(lines, s)
	}

	if e.et != nil {
		fks := make(map[string]bool)
		for _, n := range e.et.navigations {
			if !n.Collection {
				fks[n.ForeignKey] = true
			}
		}
		for _, p := range e.et.properties {
			line(p.Name, flag(p.Name == e.et.key, "PK"), flag(fks[p.Name], "FK"))
		}
		bag := e.Entity.(PropertyBag)
		for _, n := range e.et.navigations {
			target := t.pm.sharedTypes[n.Target]
			lines = append(lines, fmt.Sprintf("%s: %s", n.Name, t.bagNavigation(target, bag[n.Name])))
		}
		return lines
	}

	fks := foreignKeyNames(e.sch)
	for _, f := range e.sch.Fields {
		if f.DBName == "" {
			continue
		}
		line(f.Name, flag(f.PrimaryKey, "PK"), flag(fks[f.Name], "FK"))
	}
	if e.indexer != nil {
		for _, c := range e.indexer.columns {
			line(c.Name)
		}
	}
	rv := reflect.ValueOf(e.Entity).Elem()
	for _, rel := range navigations(e.sch) {
		fv := rel.Field.ReflectValueOf(context.Background(), rv)
		lines = append(lines, fmt.Sprintf("%s: %s", rel.Name, t.structNavigation(rel.FieldSchema, fv)))
	}
	return lines
}

func flag(on bool, name string) string {
	if on {
		return name
	}
	return ""
}

func foreignKeyNames(sch *schema.Schema) map[string]bool {
	out := make(map[string]bool)
	for _, rel := range sch.Relationships.Relations {
		if rel.Type != schema.BelongsTo {
			continue
		}
		for _, ref := range rel.References {
			if ref.ForeignKey != nil && !ref.OwnPrimaryKey {
				out[ref.ForeignKey.Name] = true
			}
		}
	}
	return out
}

func (t *ChangeTracker) structNavigation(target *schema.Schema, fv reflect.Value) string {
	names := make([]string, len(target.PrimaryFields))
	for i, f := range target.PrimaryFields {
		names[i] = f.Name
	}
	ref := func(v reflect.Value) string {
		return formatKey(names, structKey(target, reflect.Indirect(v)))
	}
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() {
			return "<null>"
		}
		return ref(fv)
	case reflect.Struct:
		return ref(fv)
	case reflect.Slice:
		refs := make([]string, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			if fv.Index(i).Kind() == reflect.Ptr && fv.Index(i).IsNil() {
				continue
			}
			refs = append(refs, ref(fv.Index(i)))
		}
		return "[" + strings.Join(refs, ", ") + "]"
	}
	return "<null>"
}

func (t *ChangeTracker) bagNavigation(target *EntityType, v any) string {
	ref := func(b PropertyBag) string {
		return formatKey([]string{target.key}, []any{b[target.key]})
	}
	switch x := v.(type) {
	case PropertyBag:
		return ref(x)
	case []PropertyBag:
		refs := make([]string, len(x))
		for i, b := range x {
			refs[i] = ref(b)
		}
		return "[" + strings.Join(refs, ", ") + "]"
	}
	return "<null>"
}
