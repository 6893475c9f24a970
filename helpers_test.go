package relpersist

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type author struct {
	ID    uint
	Name  string
	Books []*book
}

type book struct {
	ID       uint
	Title    string
	AuthorID uint
	Author   *author
}

type tag struct {
	ID    uint
	Label string
	Books []*book `gorm:"many2many:book_tags"`
}

func newTestManager(t *testing.T, model *Model) *PersistenceManager {
	t.Helper()
	exec, err := NewExecutor(Config{DSN: filepath.Join(t.TempDir(), "test.db")}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = exec.Close() })

	pm, err := NewPersistenceManager(exec, model)
	require.NoError(t, err)
	require.NoError(t, pm.Recreate(context.Background()))
	return pm
}

func libraryModel() *Model {
	return NewModel().Entity(&author{}, &book{}, &tag{})
}

// seedLibrary saves one author with two books and returns them.
func seedLibrary(t *testing.T, pm *PersistenceManager) *author {
	t.Helper()
	a := &author{Name: "Le Guin", Books: []*book{{Title: "The Dispossessed"}, {Title: "Lathe of Heaven"}}}
	s := pm.NewSession()
	require.NoError(t, s.Add(a))
	_, err := s.SaveChanges(context.Background())
	require.NoError(t, err)
	return a
}
