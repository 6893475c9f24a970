package relpersist

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityStateString(t *testing.T) {
	for state, want := range map[EntityState]string{
		Detached:  "Detached",
		Unchanged: "Unchanged",
		Added:     "Added",
		Modified:  "Modified",
		Deleted:   "Deleted",
	} {
		assert.Equal(t, want, state.String())
	}
}

func TestAddTracksReachableEntities(t *testing.T) {
	pm := newTestManager(t, libraryModel())
	s := pm.NewSession()

	a := &author{Name: "Le Guin", Books: []*book{{Title: "The Dispossessed"}}}
	require.NoError(t, s.Add(a))

	require.Len(t, s.Entries(), 2)
	for _, e := range s.Entries() {
		assert.Equal(t, Added, e.State, e.TypeName())
	}
	_, ok := s.Entry(a.Books[0])
	assert.True(t, ok)
}

func TestAddRejectsNonPointers(t *testing.T) {
	pm := newTestManager(t, libraryModel())
	err := pm.NewSession().Add(author{Name: "by value"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-nil pointer to a struct")
}

func TestSaveChangesAcceptsNewBaseline(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	s := pm.NewSession()

	a := &author{Name: "Le Guin", Books: []*book{{Title: "The Dispossessed"}, {Title: "Lathe of Heaven"}}}
	require.NoError(t, s.Add(a))
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	assert.NotZero(t, a.ID)
	for _, b := range a.Books {
		assert.Equal(t, a.ID, b.AuthorID)
	}
	for _, e := range s.Entries() {
		assert.Equal(t, Unchanged, e.State, e.TypeName())
	}

	written, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, written)
}

func TestDetectChangesMarksModified(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	books, err := RepositoryFor[book](s)
	require.NoError(t, err)
	b, err := books.FindByID(ctx, 1)
	require.NoError(t, err)

	e, ok := s.Entry(b)
	require.True(t, ok)
	assert.Equal(t, Unchanged, e.State)

	b.Title = "The Dispossessed: An Ambiguous Utopia"
	s.DetectChanges()
	assert.Equal(t, Modified, e.State)
	assert.Equal(t, "The Dispossessed", e.OriginalValue("Title"))
	assert.Equal(t, "The Dispossessed: An Ambiguous Utopia", e.Property("Title"))

	b.Title = "The Dispossessed"
	s.DetectChanges()
	assert.Equal(t, Unchanged, e.State, "reverting the value clears the change")
}

func TestIdentityResolutionAcrossQueries(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	authors, err := RepositoryFor[author](s)
	require.NoError(t, err)
	withBooks, err := authors.Include("Books").FindAll(ctx)
	require.NoError(t, err)

	books, err := RepositoryFor[book](s)
	require.NoError(t, err)
	withAuthor, err := books.Include("Author").FindAll(ctx)
	require.NoError(t, err)

	require.Len(t, withAuthor, 2)
	assert.Same(t, withBooks[0].Books[0], withAuthor[0])
	assert.Same(t, withBooks[0], withAuthor[1].Author)
	assert.Len(t, s.Entries(), 3)
}

func TestMergeCopiesLoadedNavigations(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	authors, err := RepositoryFor[author](s)
	require.NoError(t, err)
	plain, err := authors.FindByID(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, plain.Books)

	loaded, err := authors.Include("Books").FindAll(ctx)
	require.NoError(t, err)
	assert.Same(t, plain, loaded[0])
	assert.Len(t, plain.Books, 2)

	s.DetectChanges()
	e, _ := s.Entry(plain)
	assert.Equal(t, Unchanged, e.State, "loading a collection is not an edit")
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	a := seedLibrary(t, pm)

	s := pm.NewSession()
	fresh := &book{Title: "Unwritten", AuthorID: a.ID}
	require.NoError(t, s.Add(fresh))
	require.NoError(t, s.Remove(fresh))
	_, ok := s.Entry(fresh)
	assert.False(t, ok, "removing an Added entity detaches it")

	books, err := RepositoryFor[book](s)
	require.NoError(t, err)
	b, err := books.FindByID(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, books.Remove(b))
	e, _ := s.Entry(b)
	assert.Equal(t, Deleted, e.State)

	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	_, ok = s.Entry(b)
	assert.False(t, ok, "deleted entries are detached after saving")

	n, err := books.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDebugViewFormat(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	books, err := RepositoryFor[book](s)
	require.NoError(t, err)
	all, err := books.Include("Author").FindAll(ctx)
	require.NoError(t, err)
	all[0].Title = "Changed"

	want := "author {ID: 1} Unchanged\n" +
		"  ID: 1 PK\n" +
		"  Name: 'Le Guin'\n" +
		"  Books: []\n" +
		"book {ID: 1} Modified\n" +
		"  ID: 1 PK\n" +
		"  Title: 'Changed' Modified Originally 'The Dispossessed'\n" +
		"  AuthorID: 1 FK\n" +
		"  Author: {ID: 1}\n" +
		"book {ID: 2} Unchanged\n" +
		"  ID: 2 PK\n" +
		"  Title: 'Lathe of Heaven'\n" +
		"  AuthorID: 1 FK\n" +
		"  Author: {ID: 1}\n"
	assert.Equal(t, want, s.DebugView())

	assert.Equal(t, "author {ID: 1} Unchanged\nbook {ID: 1} Modified\nbook {ID: 2} Unchanged\n", s.ShortView())
}

func TestSaveChangesRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	a := seedLibrary(t, pm)

	s := pm.NewSession()
	authors, err := RepositoryFor[author](s)
	require.NoError(t, err)
	loaded, err := authors.FindByID(ctx, a.ID)
	require.NoError(t, err)
	loaded.Name = "Ursula K. Le Guin"
	require.NoError(t, s.Add(&book{Title: "Dup", ID: 1}))

	_, err = s.SaveChanges(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save changes")

	e, _ := s.Entry(loaded)
	assert.Equal(t, Modified, e.State, "a failed save accepts nothing")

	reread, err := RepositoryFor[author](pm.NewSession())
	require.NoError(t, err)
	got, err := reread.FindByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Le Guin", got.Name)
}

type catalogEntry struct {
	ID   uint
	Code string `gorm:"uniqueIndex"`
}

func TestSaveChangesRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, NewModel().Entity(&catalogEntry{}))
	s := pm.NewSession()

	first := &catalogEntry{Code: "LG-1"}
	second := &catalogEntry{Code: "LG-1"}
	require.NoError(t, s.Add(first, second))
	_, err := s.SaveChanges(ctx)
	require.Error(t, err)
	assert.Zero(t, first.ID, "keys generated by the failed transaction are cleared")
	assert.Zero(t, second.ID)

	second.Code = "LG-2"
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	var codes []string
	require.NoError(t, pm.DB().Model(&catalogEntry{}).Order("code").Pluck("code", &codes).Error)
	assert.Equal(t, []string{"LG-1", "LG-2"}, codes)
}

func TestSaveChangesRetriesCascadedInserts(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	herbert := &author{Name: "Herbert", Books: []*book{{Title: "Dune"}}}
	clash := &book{ID: 1, Title: "Clash"}
	require.NoError(t, s.Add(herbert, clash))
	_, err := s.SaveChanges(ctx)
	require.Error(t, err)
	assert.Zero(t, herbert.ID)
	assert.Zero(t, herbert.Books[0].ID)

	require.NoError(t, s.Remove(clash))
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written)

	books, err := RepositoryFor[book](pm.NewSession())
	require.NoError(t, err)
	dune, err := books.FindByID(ctx, herbert.Books[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Dune", dune.Title)
	assert.Equal(t, herbert.ID, dune.AuthorID)
}

func TestManyToManyCollectionEdits(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	a := seedLibrary(t, pm)

	seed := pm.NewSession()
	require.NoError(t, seed.Add(&tag{Label: "classic"}))
	_, err := seed.SaveChanges(ctx)
	require.NoError(t, err)

	s := pm.NewSession()
	tags, err := RepositoryFor[tag](s)
	require.NoError(t, err)
	classic, err := tags.Include("Books").FindByID(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, classic.Books)
	books, err := RepositoryFor[book](s)
	require.NoError(t, err)
	dispossessed, err := books.FindByID(ctx, 1)
	require.NoError(t, err)

	tehanu := &book{Title: "Tehanu", AuthorID: a.ID}
	classic.Books = append(classic.Books, dispossessed, tehanu)
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written, "the new book and the tag")
	assert.NotZero(t, tehanu.ID)
	assert.ElementsMatch(t, []string{"The Dispossessed", "Tehanu"}, tagTitles(t, pm, classic.ID))

	classic.Books = classic.Books[1:]
	written, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Equal(t, []string{"Tehanu"}, tagTitles(t, pm, classic.ID))

	n, err := books.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n, "removing from the collection keeps the book")
}

func tagTitles(t *testing.T, pm *PersistenceManager, id uint) []string {
	t.Helper()
	tags, err := RepositoryFor[tag](pm.NewSession())
	require.NoError(t, err)
	got, err := tags.Include("Books").FindByID(context.Background(), id)
	require.NoError(t, err)
	titles := make([]string, 0, len(got.Books))
	for _, b := range got.Books {
		titles = append(titles, b.Title)
	}
	return titles
}

func TestHasManyCollectionEdits(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	authors, err := RepositoryFor[author](s)
	require.NoError(t, err)
	leGuin, err := authors.Include("Books").FindByID(ctx, 1)
	require.NoError(t, err)
	require.Len(t, leGuin.Books, 2)

	tehanu := &book{Title: "Tehanu"}
	leGuin.Books = append(leGuin.Books, tehanu)
	s.DetectChanges()
	assert.Equal(t, leGuin.ID, tehanu.AuthorID, "the foreign key follows the collection")
	e, _ := s.Entry(leGuin)
	assert.Equal(t, Unchanged, e.State, "the owner's row does not change")

	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)

	dropped := leGuin.Books[0]
	leGuin.Books = leGuin.Books[1:]
	written, err = s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, written)
	assert.Zero(t, dropped.AuthorID)

	books, err := RepositoryFor[book](pm.NewSession())
	require.NoError(t, err)
	n, err := books.CountByProperty(ctx, "AuthorID", leGuin.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestReferenceReassignment(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	books, err := RepositoryFor[book](s)
	require.NoError(t, err)
	all, err := books.Include("Author").FindAll(ctx)
	require.NoError(t, err)
	lathe := all[1]

	herbert := &author{Name: "Herbert"}
	lathe.Author = herbert
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, written, "the new author and the book")
	assert.Equal(t, herbert.ID, lathe.AuthorID)

	reread, err := RepositoryFor[book](pm.NewSession())
	require.NoError(t, err)
	got, err := reread.Include("Author").FindByID(ctx, lathe.ID)
	require.NoError(t, err)
	assert.Equal(t, "Herbert", got.Author.Name)
}

func TestRemovedEntityLeavesNavigations(t *testing.T) {
	ctx := context.Background()
	pm := newTestManager(t, libraryModel())
	seedLibrary(t, pm)

	s := pm.NewSession()
	authors, err := RepositoryFor[author](s)
	require.NoError(t, err)
	leGuin, err := authors.Include("Books").FindByID(ctx, 1)
	require.NoError(t, err)
	gone := leGuin.Books[0]
	require.NoError(t, s.Remove(gone))
	_, err = s.SaveChanges(ctx)
	require.NoError(t, err)

	require.Len(t, leGuin.Books, 1)
	assert.NotSame(t, gone, leGuin.Books[0])
	written, err := s.SaveChanges(ctx)
	require.NoError(t, err)
	assert.Zero(t, written, "the deleted book is not inserted again")
}
