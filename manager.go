package relpersist

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"
)

// PersistenceManager is the central orchestrator for the persistence layer.
// It applies a Model to the database, owns the parsed metadata and opens sessions.
type PersistenceManager struct {
	db    *gorm.DB
	model *Model
	log   *zap.Logger
	// metaCache stores parsed schemas to avoid costly reflection on every call.
	metaCache sync.Map

	sharedTypes map[string]*EntityType
	sharedOrder map[string]int
	indexers    map[reflect.Type]*indexerMapping
	hierarchies []*hierarchy
}

// Option configures a PersistenceManager.
type Option func(*PersistenceManager)

// WithLogger sets the logger for schema and session events.
func WithLogger(log *zap.Logger) Option {
	return func(pm *PersistenceManager) { pm.log = log }
}

// NewPersistenceManager validates model and prepares it against the executor's database.
// Explicit join entities are registered with gorm here, before any table is touched.
func NewPersistenceManager(exec *Executor, model *Model, opts ...Option) (*PersistenceManager, error) {
	pm := &PersistenceManager{
		db:          exec.DB,
		model:       model,
		log:         zap.NewNop(),
		sharedTypes: make(map[string]*EntityType),
		sharedOrder: make(map[string]int),
		indexers:    make(map[reflect.Type]*indexerMapping),
	}
	for _, opt := range opts {
		opt(pm)
	}
	if err := model.validate(); err != nil {
		return nil, errors.Wrap(err, "invalid model")
	}

	for _, j := range model.joins {
		if err := pm.db.SetupJoinTable(j.model, j.field, j.join); err != nil {
			return nil, errors.Wrapf(err, "join entity %T for %T.%s", j.join, j.model, j.field)
		}
	}
	for _, m := range model.entities {
		if _, err := pm.schemaOf(reflect.TypeOf(m)); err != nil {
			return nil, err
		}
	}
	for i, et := range model.shared {
		pm.sharedTypes[et.name] = et
		pm.sharedOrder[et.name] = i
	}
	for _, d := range model.indexed {
		sch, err := pm.schemaOf(reflect.TypeOf(d.model))
		if err != nil {
			return nil, err
		}
		mapping, err := newIndexerMapping(sch, d.columns)
		if err != nil {
			return nil, err
		}
		pm.indexers[sch.ModelType] = mapping
	}
	for _, types := range model.hierarchies {
		h, err := newHierarchy(pm.db, types)
		if err != nil {
			return nil, err
		}
		pm.hierarchies = append(pm.hierarchies, h)
	}
	return pm, nil
}

// DB returns the underlying gorm handle.
func (pm *PersistenceManager) DB() *gorm.DB {
	return pm.db
}

// schemaOf returns gorm's parsed schema for a struct type, cached per type.
func (pm *PersistenceManager) schemaOf(typ reflect.Type) (*schema.Schema, error) {
	if typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if cached, ok := pm.metaCache.Load(typ); ok {
		return cached.(*schema.Schema), nil
	}
	if typ.Kind() != reflect.Struct {
		return nil, errors.Errorf("type %s is not a struct", typ)
	}
	stmt := &gorm.Statement{DB: pm.db}
	if err := stmt.Parse(reflect.New(typ).Interface()); err != nil {
		return nil, errors.Wrapf(err, "parse %s", typ)
	}
	pm.metaCache.Store(typ, stmt.Schema)
	return stmt.Schema, nil
}

func (pm *PersistenceManager) hierarchyOf(typ reflect.Type) (*hierarchy, *hierarchyLevel) {
	for _, h := range pm.hierarchies {
		if l, ok := h.byType[typ]; ok {
			return h, l
		}
	}
	return nil, nil
}

// Tables returns every table the model owns, in creation order.
func (pm *PersistenceManager) Tables() ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, m := range pm.model.entities {
		sch, err := pm.schemaOf(reflect.TypeOf(m))
		if err != nil {
			return nil, err
		}
		add(sch.Table)
	}
	for _, m := range pm.model.entities {
		sch, _ := pm.schemaOf(reflect.TypeOf(m))
		for _, rel := range sch.Relationships.Many2Many {
			add(rel.JoinTable.Table)
		}
	}
	for _, j := range pm.model.joins {
		sch, err := pm.schemaOf(reflect.TypeOf(j.join))
		if err != nil {
			return nil, err
		}
		add(sch.Table)
	}
	for _, et := range pm.model.shared {
		add(et.TableName())
	}
	for _, h := range pm.hierarchies {
		for _, t := range h.tables() {
			add(t)
		}
	}
	return out, nil
}

// EnsureDeleted drops every table the model owns.
func (pm *PersistenceManager) EnsureDeleted(ctx context.Context) error {
	tables, err := pm.Tables()
	if err != nil {
		return err
	}
	stmt := "DROP TABLE IF EXISTS ?"
	if pm.db.Dialector.Name() == DriverPostgres {
		stmt += " CASCADE"
	}
	db := pm.db.WithContext(ctx)
	for i := len(tables) - 1; i >= 0; i-- {
		if err := db.Exec(stmt, clause.Table{Name: tables[i]}).Error; err != nil {
			return errors.Wrapf(err, "drop table %s", tables[i])
		}
	}
	pm.log.Debug("dropped tables", zap.Strings("tables", tables))
	return nil
}

// EnsureCreated creates every table the model owns.
//
// Struct entities and their join tables are migrated by gorm; shared types, indexer
// columns and hierarchy levels are migrated from generated row types.
func (pm *PersistenceManager) EnsureCreated(ctx context.Context) error {
	db := pm.db.WithContext(ctx)
	if len(pm.model.entities) > 0 {
		if err := db.AutoMigrate(pm.model.entities...); err != nil {
			return errors.Wrap(err, "migrate entities")
		}
	}
	for _, j := range pm.model.joins {
		if err := db.AutoMigrate(j.join); err != nil {
			return errors.Wrapf(err, "migrate join entity %T", j.join)
		}
	}
	for _, et := range pm.model.shared {
		if err := db.Table(et.TableName()).AutoMigrate(reflect.New(et.rowType).Interface()); err != nil {
			return errors.Wrapf(err, "migrate shared type %s", et.name)
		}
	}
	for _, mapping := range pm.indexers {
		if err := db.Table(mapping.table).AutoMigrate(reflect.New(mapping.extraType).Interface()); err != nil {
			return errors.Wrapf(err, "add indexer columns to %s", mapping.table)
		}
	}
	for _, h := range pm.hierarchies {
		for _, l := range h.levels {
			if err := db.Table(l.table).AutoMigrate(reflect.New(l.rowType).Interface()); err != nil {
				return errors.Wrapf(err, "migrate %s", l.table)
			}
			pm.log.Debug("created hierarchy table",
				zap.String("table", l.table), zap.String("chain", describeChain(h, l)))
		}
	}
	tables, _ := pm.Tables()
	pm.log.Debug("created tables", zap.Strings("tables", tables))
	return nil
}

// Recreate drops and creates every table, leaving an empty database.
func (pm *PersistenceManager) Recreate(ctx context.Context) error {
	if err := pm.EnsureDeleted(ctx); err != nil {
		return err
	}
	return pm.EnsureCreated(ctx)
}

// NewSession opens a unit of work with its own change tracker.
func (pm *PersistenceManager) NewSession() *Session {
	return &Session{pm: pm, tracker: newChangeTracker(pm)}
}

// write persists one pending entry inside the SaveChanges transaction.
func (pm *PersistenceManager) write(tx *gorm.DB, e *Entry) error {
	if e.et != nil {
		return pm.writeBag(tx, e)
	}
	h, _ := pm.hierarchyOf(e.sch.ModelType)

	switch e.State {
	case Added:
		switch {
		case h != nil:
			if err := h.insert(tx, e.Entity); err != nil {
				return err
			}
		case !e.hadKey && e.hasKey():
			// inserted by gorm while saving the associations of another entry
		default:
			if err := tx.Create(e.Entity).Error; err != nil {
				return errors.Wrapf(err, "insert %s", e.sch.Name)
			}
		}
		if e.indexer != nil {
			return e.indexer.write(tx, e.Entity, nil)
		}
		return nil

	case Modified:
		syncReferences(e)
		changed := e.changed()
		columns := make(map[string]any)
		indexerNames := make(map[string]bool)
		cur := e.current()
		for _, name := range changed {
			if f := e.sch.LookUpField(name); f != nil && f.DBName != "" {
				columns[f.DBName] = cur[name]
			} else {
				indexerNames[name] = true
			}
		}
		if len(columns) > 0 {
			var err error
			if h != nil {
				err = h.update(tx, e.Entity, columns)
			} else {
				err = tx.Model(e.Entity).Omit(clause.Associations).Updates(columns).Error
			}
			if err != nil {
				return errors.Wrapf(err, "update %s", e.sch.Name)
			}
		}
		if err := writeJoins(tx, e); err != nil {
			return err
		}
		if e.indexer != nil {
			return e.indexer.write(tx, e.Entity, indexerNames)
		}
		return nil

	case Deleted:
		if h != nil {
			return h.delete(tx, e.Entity)
		}
		q := tx
		if len(e.sch.Relationships.HasOne)+len(e.sch.Relationships.HasMany)+len(e.sch.Relationships.Many2Many) > 0 {
			q = q.Select(clause.Associations)
		}
		return errors.Wrapf(q.Delete(e.Entity).Error, "delete %s", e.sch.Name)
	}
	return nil
}

func (pm *PersistenceManager) writeBag(tx *gorm.DB, e *Entry) error {
	et := e.et
	bag := e.Entity.(PropertyBag)
	keyColumn := et.column(tx, et.key)

	switch e.State {
	case Added:
		for _, nav := range et.navigations {
			if principal, ok := bag[nav.Name].(PropertyBag); ok && !nav.Collection {
				bag[nav.ForeignKey] = principal[pm.sharedTypes[nav.Target].key]
			}
		}
		row, err := et.newRow(bag)
		if err != nil {
			return err
		}
		if err := tx.Table(et.TableName()).Create(row.Addr().Interface()).Error; err != nil {
			return errors.Wrapf(err, "insert %s", et.name)
		}
		bag[et.key] = row.FieldByName(et.key).Interface()
		for _, nav := range et.navigations {
			if dependents, ok := bag[nav.Name].([]PropertyBag); ok && nav.Collection {
				for _, d := range dependents {
					d[nav.ForeignKey] = bag[et.key]
				}
			}
		}
		return nil

	case Modified:
		for _, nav := range et.navigations {
			if added, removed := e.navDiff(nav.Name); !nav.Collection && len(added)+len(removed) > 0 {
				fillReference(bag, nav, pm.sharedTypes[nav.Target])
			}
		}
		values := make(map[string]any)
		cur := e.current()
		for _, name := range e.changed() {
			p, _ := et.property(name)
			v := cur[name]
			if v != nil {
				cv, err := convertTo(v, p.Type)
				if err != nil {
					return errors.Wrapf(err, "%s.%s", et.name, name)
				}
				v = cv.Interface()
			}
			values[et.column(tx, name)] = v
		}
		err := tx.Table(et.TableName()).Where(keyColumn+" = ?", bag[et.key]).Updates(values).Error
		return errors.Wrapf(err, "update %s", et.name)

	case Deleted:
		err := tx.Exec("DELETE FROM ? WHERE ? = ?",
			clause.Table{Name: et.TableName()}, clause.Column{Name: keyColumn}, bag[et.key]).Error
		return errors.Wrapf(err, "delete %s", et.name)
	}
	return nil
}
