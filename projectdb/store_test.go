package projectdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kerrors "github.com/European-XFEL/Karabo-sub011/errors"
	"github.com/European-XFEL/Karabo-sub011/hash"
)

func fixedClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	t := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	s.now = fixedClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	return s
}

func scene(uuid, name string) *Item {
	return &Item{
		Meta:    Meta{UUID: uuid, Type: TypeScene, SimpleName: name},
		Payload: hash.New("scene.data", "<svg/>"),
	}
}

func TestFileStoreRevisions(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "FXE", scene("s1", "overview"))
	require.NoError(t, err)
	assert.Equal(t, 0, first.Revision)
	assert.Equal(t, "2024-03-01T12:00:01.000000Z", first.Date)
	assert.Equal(t, defaultUser, first.User)

	next := scene("s1", "overview v2")
	next.Date = first.Date
	second, err := s.Save(ctx, "FXE", next)
	require.NoError(t, err)
	assert.Equal(t, 1, second.Revision)
	assert.Greater(t, second.Date, first.Date)

	for _, name := range []string{"s1_0", "s1_1"} {
		_, err := os.Stat(filepath.Join(s.Root(), "FXE", name))
		assert.NoError(t, err, name)
	}

	items, err := s.Load(ctx, "FXE", []string{"s1", "unknown"})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "overview v2", items[0].SimpleName)
	assert.Equal(t, "<svg/>", items[0].Payload.Value("scene.data"))
}

func TestFileStoreVersionConflict(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	first, err := s.Save(ctx, "FXE", scene("s1", "a"))
	require.NoError(t, err)

	stale := scene("s1", "b")
	stale.Date = "2020-01-01T00:00:00.000000Z"
	_, err = s.Save(ctx, "FXE", stale)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kerrors.ErrVersionConflict))

	again := scene("s1", "c")
	_, err = s.Save(ctx, "FXE", again)
	assert.Equal(t, kerrors.KindVersionConflict, kerrors.KindOf(err), "empty date on an existing item")

	ghost := scene("s2", "d")
	ghost.Date = first.Date
	_, err = s.Save(ctx, "FXE", ghost)
	assert.Equal(t, kerrors.KindVersionConflict, kerrors.KindOf(err), "date on a missing item")
}

func TestFileStoreSameTickDates(t *testing.T) {
	s := newFileStore(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := s.Save(ctx, "FXE", scene("s1", "a"))
	require.NoError(t, err)
	next := scene("s1", "b")
	next.Date = first.Date
	second, err := s.Save(ctx, "FXE", next)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-01T12:00:00.000001Z", second.Date)
}

func TestFileStoreConcurrentSavesOneWins(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	first, err := s.Save(ctx, "FXE", scene("s1", "base"))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	results := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			it := scene("s1", "edit")
			it.Date = first.Date
			_, err := s.Save(ctx, "FXE", it)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, kerrors.KindVersionConflict, kerrors.KindOf(err))
	}
	assert.Equal(t, 1, ok)

	items, err := s.Load(ctx, "FXE", []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, 1, items[0].Revision)
}

func TestFileStoreListAndDomains(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, "FXE", scene("b-scene", "s"))
	require.NoError(t, err)
	_, err = s.Save(ctx, "FXE", projectItem("a-project", "p"))
	require.NoError(t, err)
	_, err = s.Save(ctx, "SPB", scene("c-scene", "other"))
	require.NoError(t, err)

	domains, err := s.Domains(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"FXE", "SPB"}, domains)

	all, err := s.List(ctx, "FXE", nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a-project", all[0].UUID)
	assert.Equal(t, "b-scene", all[1].UUID)

	scenes, err := s.List(ctx, "FXE", []ItemType{TypeScene})
	require.NoError(t, err)
	require.Len(t, scenes, 1)
	assert.Equal(t, TypeScene, scenes[0].Type)

	none, err := s.List(ctx, "MID", nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFileStoreRejectsBadKeys(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	for _, domain := range []string{"", "../etc", "a/b", "_hidden"} {
		_, err := s.Save(ctx, domain, scene("s1", "x"))
		assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err), domain)
	}
	_, err := s.Save(ctx, "FXE", scene("has space", "x"))
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))
}

func TestFileStoreUpdateAttribute(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	saved, err := s.Save(ctx, "FXE", projectItem("p1", "old"))
	require.NoError(t, err)

	meta, err := s.UpdateAttribute(ctx, "FXE", "p1", TypeProject, "simple_name", "new")
	require.NoError(t, err)
	assert.Equal(t, "new", meta.SimpleName)
	assert.Equal(t, saved.Revision, meta.Revision)
	assert.Equal(t, saved.Date, meta.Date)

	_, err = s.UpdateAttribute(ctx, "FXE", "p1", TypeProject, "is_trashed", "true")
	require.NoError(t, err)
	list, err := s.List(ctx, "FXE", nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Trashed)
	assert.Equal(t, "new", list[0].SimpleName)

	_, err = s.UpdateAttribute(ctx, "FXE", "p1", TypeScene, "simple_name", "x")
	assert.Equal(t, kerrors.KindNotFound, kerrors.KindOf(err))
	_, err = s.UpdateAttribute(ctx, "FXE", "missing", TypeProject, "simple_name", "x")
	assert.Equal(t, kerrors.KindNotFound, kerrors.KindOf(err))
	_, err = s.UpdateAttribute(ctx, "FXE", "p1", TypeProject, "uuid", "x")
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))
	_, err = s.UpdateAttribute(ctx, "FXE", "p1", TypeProject, "is_trashed", "maybe")
	assert.Equal(t, kerrors.KindValidation, kerrors.KindOf(err))
}

func TestParseFileName(t *testing.T) {
	uuid, rev, ok := parseFileName("0a1b_c2_12")
	assert.True(t, ok)
	assert.Equal(t, "0a1b_c2", uuid)
	assert.Equal(t, 12, rev)

	for _, name := range []string{".tmp-123", "nounderscore", "_3", "x_y", "x_-1"} {
		_, _, ok := parseFileName(name)
		assert.False(t, ok, name)
	}
}
