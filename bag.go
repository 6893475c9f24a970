package relpersist

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"unicode"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// ErrUnknownSharedType is returned when a shared entity type name is not declared in the model.
var ErrUnknownSharedType = errors.New("unknown shared entity type")

// PropertyBag is an entity whose properties live in a map keyed by property name.
// Navigations are stored under their name: a PropertyBag for a reference and a
// []PropertyBag for a collection.
type PropertyBag map[string]any

// Property is one scalar property of a shared entity type.
type Property struct {
	Name string
	Type reflect.Type
}

// Navigation links a shared entity type to another through a foreign key property.
// For a reference the foreign key lives on the declaring type; for a collection it lives
// on the target.
type Navigation struct {
	Name       string
	Target     string
	ForeignKey string
	Collection bool
}

// EntityType declares a shared entity type: an entity with no Go struct behind it.
type EntityType struct {
	name        string
	table       string
	key         string
	properties  []Property
	navigations []Navigation

	rowType reflect.Type
}

// SharedType starts the declaration of a shared entity type called name.
func SharedType(name string) *EntityType {
	return &EntityType{name: name}
}

// Table sets the table name. By default it is the entity name.
func (et *EntityType) Table(table string) *EntityType {
	et.table = table
	return et
}

// Property declares a scalar property whose Go type is the type of zero.
func (et *EntityType) Property(name string, zero any) *EntityType {
	et.properties = append(et.properties, Property{Name: name, Type: reflect.TypeOf(zero)})
	return et
}

// Key marks a declared property as the primary key. Integer keys are generated by the database.
func (et *EntityType) Key(name string) *EntityType {
	et.key = name
	return et
}

// Reference declares a navigation to a single target bag through the foreign key fk on this type.
func (et *EntityType) Reference(name, target, fk string) *EntityType {
	et.navigations = append(et.navigations, Navigation{Name: name, Target: target, ForeignKey: fk})
	return et
}

// Collection declares a navigation to the target bags whose foreign key fk points at this type.
func (et *EntityType) Collection(name, target, fk string) *EntityType {
	et.navigations = append(et.navigations, Navigation{Name: name, Target: target, ForeignKey: fk, Collection: true})
	return et
}

// Name returns the entity type name.
func (et *EntityType) Name() string { return et.name }

// TableName returns the table backing the entity type.
func (et *EntityType) TableName() string {
	if et.table == "" {
		return et.name
	}
	return et.table
}

// KeyName returns the primary key property name.
func (et *EntityType) KeyName() string { return et.key }

func (et *EntityType) property(name string) (Property, bool) {
	for _, p := range et.properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

func (et *EntityType) navigation(name string) (Navigation, bool) {
	for _, n := range et.navigations {
		if n.Name == name {
			return n, true
		}
	}
	return Navigation{}, false
}

func (et *EntityType) validate() error {
	if et.name == "" {
		return errors.New("shared type without a name")
	}
	if len(et.properties) == 0 {
		return errors.Errorf("shared type %q has no properties", et.name)
	}
	for _, p := range et.properties {
		if !isExportedIdent(p.Name) || p.Type == nil {
			return errors.Errorf("shared type %q: invalid property %q", et.name, p.Name)
		}
	}
	if _, ok := et.property(et.key); !ok {
		return errors.Errorf("shared type %q: key %q is not a declared property", et.name, et.key)
	}
	for _, n := range et.navigations {
		if !n.Collection {
			if _, ok := et.property(n.ForeignKey); !ok {
				return errors.Errorf("shared type %q: foreign key %q is not a declared property", et.name, n.ForeignKey)
			}
		}
	}
	et.rowType = et.buildRowType()
	return nil
}

// buildRowType compiles the declaration into a struct type gorm can migrate, insert and scan.
func (et *EntityType) buildRowType() reflect.Type {
	fields := make([]reflect.StructField, 0, len(et.properties))
	for _, p := range et.properties {
		tag := ""
		if p.Name == et.key {
			tag = `gorm:"primaryKey"`
		}
		for _, n := range et.navigations {
			if !n.Collection && n.ForeignKey == p.Name {
				tag = `gorm:"index"`
			}
		}
		fields = append(fields, reflect.StructField{Name: p.Name, Type: p.Type, Tag: reflect.StructTag(tag)})
	}
	return reflect.StructOf(fields)
}

func (et *EntityType) newRow(bag PropertyBag) (reflect.Value, error) {
	row := reflect.New(et.rowType).Elem()
	for _, p := range et.properties {
		v, ok := bag[p.Name]
		if !ok || v == nil {
			continue
		}
		converted, err := convertTo(v, p.Type)
		if err != nil {
			return reflect.Value{}, errors.Wrapf(err, "%s.%s", et.name, p.Name)
		}
		row.FieldByName(p.Name).Set(converted)
	}
	return row, nil
}

func (et *EntityType) bagFromRow(row reflect.Value) PropertyBag {
	bag := make(PropertyBag, len(et.properties)+len(et.navigations))
	for _, p := range et.properties {
		bag[p.Name] = row.FieldByName(p.Name).Interface()
	}
	return bag
}

func (et *EntityType) column(db *gorm.DB, property string) string {
	return db.NamingStrategy.ColumnName(et.TableName(), property)
}

// scalars copies the declared properties of bag, leaving navigations out.
func (et *EntityType) scalars(bag PropertyBag) map[string]any {
	out := make(map[string]any, len(et.properties))
	for _, p := range et.properties {
		out[p.Name] = bag[p.Name]
	}
	return out
}

// BagSet reads and writes the bags of one shared entity type through a session.
type BagSet struct {
	session  *Session
	et       *EntityType
	includes []string
}

// Set returns the bag set of the shared entity type called name.
func (s *Session) Set(name string) (*BagSet, error) {
	et, ok := s.pm.sharedTypes[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownSharedType, "%q", name)
	}
	return &BagSet{session: s, et: et}, nil
}

// Include returns a copy of the set that loads the named navigations with every read.
func (b *BagSet) Include(navigations ...string) *BagSet {
	c := *b
	c.includes = append(append([]string(nil), b.includes...), navigations...)
	return &c
}

// Add tracks the bags as Added. Bags held by reference navigations are added too.
func (b *BagSet) Add(bags ...PropertyBag) {
	for _, bag := range bags {
		b.session.tracker.addBag(b.session.pm, b.et, bag)
	}
}

// Remove marks the bag Deleted.
func (b *BagSet) Remove(bag PropertyBag) {
	b.session.tracker.removeBag(b.et, bag)
}

// FindAll loads every row of the type.
func (b *BagSet) FindAll(ctx context.Context) ([]PropertyBag, error) {
	return b.Find(ctx, "")
}

// Find loads the rows matching a gorm condition. Column names in query follow the
// naming strategy (CategoryId becomes category_id). An empty query loads everything.
func (b *BagSet) Find(ctx context.Context, query string, args ...any) ([]PropertyBag, error) {
	tx := b.session.db(ctx).Table(b.et.TableName())
	if query != "" {
		tx = tx.Where(query, args...)
	}
	tx = tx.Order(b.et.column(tx, b.et.key))
	bags, err := b.scan(tx)
	if err != nil {
		return nil, err
	}
	for _, nav := range b.includes {
		if err := b.session.loadNavigation(ctx, b.et, nav, bags); err != nil {
			return nil, err
		}
	}
	return bags, nil
}

func (b *BagSet) scan(tx *gorm.DB) ([]PropertyBag, error) {
	return scanBags(b.session, b.et, tx)
}

func scanBags(s *Session, et *EntityType, tx *gorm.DB) ([]PropertyBag, error) {
	rows := reflect.New(reflect.SliceOf(et.rowType))
	if err := tx.Find(rows.Interface()).Error; err != nil {
		return nil, errors.Wrapf(err, "load %s", et.name)
	}
	rows = rows.Elem()
	bags := make([]PropertyBag, 0, rows.Len())
	for i := 0; i < rows.Len(); i++ {
		bags = append(bags, s.tracker.attachBag(et, et.bagFromRow(rows.Index(i))))
	}
	return bags, nil
}

// loadNavigation resolves one navigation for every bag with a single IN query and fixes
// up the inverse navigation on the loaded targets when one is declared.
func (s *Session) loadNavigation(ctx context.Context, et *EntityType, name string, bags []PropertyBag) error {
	nav, ok := et.navigation(name)
	if !ok {
		return errors.Errorf("shared type %q has no navigation %q", et.name, name)
	}
	target := s.pm.sharedTypes[nav.Target]
	if len(bags) == 0 {
		return nil
	}

	if !nav.Collection {
		fks := distinct(bags, nav.ForeignKey)
		tx := s.db(ctx).Table(target.TableName())
		tx = tx.Where(fmt.Sprintf("%s IN ?", target.column(tx, target.key)), fks)
		principals, err := scanBags(s, target, tx)
		if err != nil {
			return err
		}
		byKey := indexBags(principals, target.key)
		for _, bag := range bags {
			if p, ok := byKey[keyString(bag[nav.ForeignKey])]; ok {
				bag[nav.Name] = p
				s.tracker.snapshotBagNav(bag, nav.Name)
				if inv, ok := appendInverse(target, et, nav.ForeignKey, p, bag); ok {
					s.tracker.snapshotBagNav(p, inv)
				}
			}
		}
		return nil
	}

	keys := distinct(bags, et.key)
	tx := s.db(ctx).Table(target.TableName())
	tx = tx.Where(fmt.Sprintf("%s IN ?", target.column(tx, nav.ForeignKey)), keys).
		Order(target.column(tx, target.key))
	dependents, err := scanBags(s, target, tx)
	if err != nil {
		return err
	}
	byKey := indexBags(bags, et.key)
	for _, bag := range bags {
		bag[nav.Name] = []PropertyBag{}
	}
	for _, d := range dependents {
		if owner, ok := byKey[keyString(d[nav.ForeignKey])]; ok {
			owner[nav.Name] = append(owner[nav.Name].([]PropertyBag), d)
			for _, inv := range target.navigations {
				if !inv.Collection && inv.Target == et.name && inv.ForeignKey == nav.ForeignKey {
					d[inv.Name] = owner
					s.tracker.snapshotBagNav(d, inv.Name)
				}
			}
		}
	}
	for _, bag := range bags {
		s.tracker.snapshotBagNav(bag, nav.Name)
	}
	return nil
}

// appendInverse adds dependent to the collection on principal that mirrors the reference
// through fk, when principal's type declares one and that collection is loaded. It
// returns the name of the collection it changed.
func appendInverse(principalType, dependentType *EntityType, fk string, principal, dependent PropertyBag) (string, bool) {
	for _, inv := range principalType.navigations {
		if !inv.Collection || inv.Target != dependentType.name || inv.ForeignKey != fk {
			continue
		}
		list, loaded := principal[inv.Name].([]PropertyBag)
		if !loaded {
			continue
		}
		for _, existing := range list {
			if sameBag(existing, dependent) {
				return "", false
			}
		}
		principal[inv.Name] = append(list, dependent)
		return inv.Name, true
	}
	return "", false
}

func distinct(bags []PropertyBag, property string) []any {
	seen := make(map[string]bool, len(bags))
	var out []any
	for _, bag := range bags {
		v, ok := bag[property]
		if !ok || v == nil {
			continue
		}
		k := keyString(v)
		if !seen[k] {
			seen[k] = true
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return compareValues(out[i], out[j]) < 0 })
	return out
}

func indexBags(bags []PropertyBag, key string) map[string]PropertyBag {
	out := make(map[string]PropertyBag, len(bags))
	for _, b := range bags {
		out[keyString(b[key])] = b
	}
	return out
}

func sameBag(a, b PropertyBag) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

func isExportedIdent(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		if i == 0 && !unicode.IsUpper(r) {
			return false
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			return false
		}
	}
	return true
}
