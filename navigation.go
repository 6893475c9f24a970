package relpersist

import (
	"context"
	"reflect"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

// navNames returns the navigation names of the entry's type.
func (e *Entry) navNames() []string {
	if e.et != nil {
		names := make([]string, len(e.et.navigations))
		for i, n := range e.et.navigations {
			names[i] = n.Name
		}
		return names
	}
	rels := navigations(e.sch)
	names := make([]string, len(rels))
	for i, rel := range rels {
		names[i] = rel.Name
	}
	return names
}

// targets returns the entities the navigation called name holds now. ok is false when
// the navigation is not loaded, or holds values that have no stable identity.
func (e *Entry) targets(name string) ([]any, bool) {
	if e.et != nil {
		switch v := e.Entity.(PropertyBag)[name].(type) {
		case PropertyBag:
			return []any{v}, true
		case []PropertyBag:
			out := make([]any, len(v))
			for i, b := range v {
				out[i] = b
			}
			return out, true
		}
		return nil, false
	}
	rel, ok := e.sch.Relationships.Relations[name]
	if !ok || rel.Field == nil {
		return nil, false
	}
	fv := rel.Field.ReflectValueOf(context.Background(), reflect.ValueOf(e.Entity).Elem())
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.IsNil() {
			return nil, true
		}
		return []any{fv.Interface()}, true
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.Ptr {
			return nil, false
		}
		out := make([]any, 0, fv.Len())
		for i := 0; i < fv.Len(); i++ {
			if el := fv.Index(i); !el.IsNil() {
				out = append(out, el.Interface())
			}
		}
		return out, true
	}
	return nil, false
}

func (e *Entry) snapshotNav(name string) {
	if ts, ok := e.targets(name); ok {
		e.navs[name] = ts
	} else {
		delete(e.navs, name)
	}
}

func (e *Entry) snapshotNavs() {
	e.navs = make(map[string][]any)
	for _, name := range e.navNames() {
		e.snapshotNav(name)
	}
}

// navDiff returns the entities added to and removed from a navigation since its
// snapshot. A navigation that is not loaded has no difference.
func (e *Entry) navDiff(name string) (added, removed []any) {
	cur, ok := e.targets(name)
	if !ok {
		return nil, nil
	}
	before := e.navs[name]
	return without(cur, before), without(before, cur)
}

func without(a, b []any) []any {
	seen := make(map[ptrKey]bool, len(b))
	for _, x := range b {
		seen[identityOf(x)] = true
	}
	var out []any
	for _, x := range a {
		if !seen[identityOf(x)] {
			out = append(out, x)
		}
	}
	return out
}

// fixup tracks entities that became reachable from e and aligns foreign keys with the
// navigation edits made on e. It reports whether e has to be written for those edits.
func (t *ChangeTracker) fixup(e *Entry) bool {
	if e.et != nil {
		return t.fixupBag(e)
	}
	ctx := context.Background()
	rv := reflect.ValueOf(e.Entity).Elem()
	// Only struct pointers are reachable here, so tracking cannot fail.
	_ = t.trackNavigations(ctx, e.sch, rv, Added, false)

	dirty := false
	for _, rel := range navigations(e.sch) {
		added, removed := e.navDiff(rel.Name)
		if len(added)+len(removed) == 0 {
			continue
		}
		switch rel.Type {
		case schema.HasOne, schema.HasMany:
			for _, d := range added {
				copyOwnerKeys(rel, rv, reflect.ValueOf(d).Elem())
			}
			for _, d := range removed {
				t.orphan(rel, rv, d)
			}
		case schema.BelongsTo:
			syncReference(e, rel)
			dirty = true
		case schema.Many2Many:
			dirty = true
		}
	}
	return dirty
}

func (t *ChangeTracker) fixupBag(e *Entry) bool {
	bag := e.Entity.(PropertyBag)
	dirty := false
	for _, nav := range e.et.navigations {
		target := t.pm.sharedTypes[nav.Target]
		added, removed := e.navDiff(nav.Name)
		for _, x := range added {
			t.addBag(t.pm, target, x.(PropertyBag))
		}
		if len(added)+len(removed) == 0 {
			continue
		}
		if !nav.Collection {
			fillReference(bag, nav, target)
			dirty = true
			continue
		}
		key := bag[e.et.key]
		for _, x := range added {
			if !isZero(key) {
				x.(PropertyBag)[nav.ForeignKey] = key
			}
		}
		for _, x := range removed {
			if d := x.(PropertyBag); valuesEqual(d[nav.ForeignKey], key) {
				d[nav.ForeignKey] = nil
			}
		}
	}
	return dirty
}

// fillReference copies the key of the bag held by a reference navigation into its
// foreign key property, once the principal has one.
func fillReference(bag PropertyBag, nav Navigation, target *EntityType) {
	if p, ok := bag[nav.Name].(PropertyBag); ok && !isZero(p[target.key]) {
		bag[nav.ForeignKey] = p[target.key]
	}
}

// copyOwnerKeys points dependent at owner through a has-one or has-many relationship.
func copyOwnerKeys(rel *schema.Relationship, owner, dependent reflect.Value) {
	ctx := context.Background()
	for _, ref := range rel.References {
		if ref.PrimaryKey == nil || !ref.OwnPrimaryKey {
			continue
		}
		if v := ref.PrimaryKey.ReflectValueOf(ctx, owner); !v.IsZero() {
			assignValue(ref.ForeignKey.ReflectValueOf(ctx, dependent), v)
		}
	}
}

// orphan handles a dependent removed from a has-one or has-many navigation. A dependent
// whose foreign key is part of its primary key cannot exist apart from the owner and is
// deleted; any other gets its foreign key cleared. Dependents already moved elsewhere
// are left alone.
func (t *ChangeTracker) orphan(rel *schema.Relationship, owner reflect.Value, dependent any) {
	ctx := context.Background()
	dv := reflect.ValueOf(dependent).Elem()
	var fks []reflect.Value
	keyed := false
	for _, ref := range rel.References {
		if ref.PrimaryKey == nil || !ref.OwnPrimaryKey {
			continue
		}
		fk := ref.ForeignKey.ReflectValueOf(ctx, dv)
		if fk.Kind() == reflect.Ptr && fk.IsNil() {
			return
		}
		pk := ref.PrimaryKey.ReflectValueOf(ctx, owner)
		if !valuesEqual(reflect.Indirect(fk).Interface(), pk.Interface()) {
			return
		}
		fks = append(fks, fk)
		keyed = keyed || ref.ForeignKey.PrimaryKey
	}
	if keyed {
		if e, ok := t.byPtr[identityOf(dependent)]; ok {
			t.markDeleted(e)
		}
		return
	}
	for _, fk := range fks {
		fk.Set(reflect.Zero(fk.Type()))
	}
}

// syncReference copies the key of the entity a belongs-to navigation holds into the
// owner's foreign key, or clears the foreign key when the navigation was emptied. A
// new principal without a key yet is left for the write, after it has been inserted.
func syncReference(e *Entry, rel *schema.Relationship) {
	ctx := context.Background()
	rv := reflect.ValueOf(e.Entity).Elem()
	cur, _ := e.targets(rel.Name)
	for _, ref := range rel.References {
		if ref.PrimaryKey == nil || ref.OwnPrimaryKey {
			continue
		}
		fk := ref.ForeignKey.ReflectValueOf(ctx, rv)
		if len(cur) == 0 {
			fk.Set(reflect.Zero(fk.Type()))
			continue
		}
		if pk := ref.PrimaryKey.ReflectValueOf(ctx, reflect.ValueOf(cur[0]).Elem()); !pk.IsZero() {
			assignValue(fk, pk)
		}
	}
}

func assignValue(dst, src reflect.Value) {
	switch {
	case src.Type().AssignableTo(dst.Type()):
		dst.Set(src)
	case dst.Kind() == reflect.Ptr && src.Type().ConvertibleTo(dst.Type().Elem()):
		p := reflect.New(dst.Type().Elem())
		p.Elem().Set(src.Convert(dst.Type().Elem()))
		dst.Set(p)
	case src.Type().ConvertibleTo(dst.Type()):
		dst.Set(src.Convert(dst.Type()))
	}
}

// syncReferences runs syncReference for every reassigned belongs-to navigation of e.
func syncReferences(e *Entry) {
	for _, rel := range navigations(e.sch) {
		if rel.Type != schema.BelongsTo {
			continue
		}
		if added, removed := e.navDiff(rel.Name); len(added)+len(removed) > 0 {
			syncReference(e, rel)
		}
	}
}

// writeJoins applies the edits made to e's many-to-many navigations as join rows.
func writeJoins(tx *gorm.DB, e *Entry) error {
	for _, rel := range navigations(e.sch) {
		if rel.Type != schema.Many2Many {
			continue
		}
		added, removed := e.navDiff(rel.Name)
		if len(added)+len(removed) == 0 {
			continue
		}
		assoc := tx.Model(keyOnly(e)).Association(rel.Name)
		if assoc.Error != nil {
			return errors.Wrapf(assoc.Error, "%s.%s", e.sch.Name, rel.Name)
		}
		if len(added) > 0 {
			if err := assoc.Append(added...); err != nil {
				return errors.Wrapf(err, "add to %s.%s", e.sch.Name, rel.Name)
			}
		}
		if len(removed) > 0 {
			if err := assoc.Delete(removed...); err != nil {
				return errors.Wrapf(err, "remove from %s.%s", e.sch.Name, rel.Name)
			}
		}
	}
	return nil
}

// keyOnly returns a new instance of e's type carrying only its primary key, so the
// association API leaves the tracked instance's collections untouched.
func keyOnly(e *Entry) any {
	ctx := context.Background()
	src := reflect.ValueOf(e.Entity).Elem()
	dst := reflect.New(src.Type())
	for _, f := range e.sch.PrimaryFields {
		f.ReflectValueOf(ctx, dst.Elem()).Set(f.ReflectValueOf(ctx, src))
	}
	return dst.Interface()
}

// unlink removes the given entities from every navigation of the tracked entries.
func (t *ChangeTracker) unlink(gone map[ptrKey]bool) {
	if len(gone) == 0 {
		return
	}
	ctx := context.Background()
	for _, e := range t.entries {
		if e.et != nil {
			bag := e.Entity.(PropertyBag)
			for _, nav := range e.et.navigations {
				switch v := bag[nav.Name].(type) {
				case PropertyBag:
					if gone[identityOf(v)] {
						delete(bag, nav.Name)
					}
				case []PropertyBag:
					kept := make([]PropertyBag, 0, len(v))
					for _, b := range v {
						if !gone[identityOf(b)] {
							kept = append(kept, b)
						}
					}
					if len(kept) != len(v) {
						bag[nav.Name] = kept
					}
				}
			}
			continue
		}
		rv := reflect.ValueOf(e.Entity).Elem()
		for _, rel := range navigations(e.sch) {
			fv := rel.Field.ReflectValueOf(ctx, rv)
			switch fv.Kind() {
			case reflect.Ptr:
				if !fv.IsNil() && gone[identityOf(fv.Interface())] {
					fv.Set(reflect.Zero(fv.Type()))
				}
			case reflect.Slice:
				if fv.Type().Elem().Kind() != reflect.Ptr {
					continue
				}
				kept := reflect.MakeSlice(fv.Type(), 0, fv.Len())
				for i := 0; i < fv.Len(); i++ {
					if el := fv.Index(i); !el.IsNil() && !gone[identityOf(el.Interface())] {
						kept = reflect.Append(kept, el)
					}
				}
				if kept.Len() != fv.Len() {
					fv.Set(kept)
				}
			}
		}
	}
}

// rollback clears the keys generated for Added entries by a transaction that failed,
// so that saving again inserts them again.
func (t *ChangeTracker) rollback(pending []*Entry) {
	ctx := context.Background()
	for _, e := range pending {
		if e.State != Added || e.hadKey {
			continue
		}
		if e.et != nil {
			bag := e.Entity.(PropertyBag)
			if v, ok := e.original[e.et.key]; ok && v != nil {
				bag[e.et.key] = v
			} else {
				delete(bag, e.et.key)
			}
			continue
		}
		rv := reflect.ValueOf(e.Entity).Elem()
		for _, f := range e.sch.PrimaryFields {
			fv := f.ReflectValueOf(ctx, rv)
			fv.Set(reflect.Zero(fv.Type()))
		}
	}
}
