//go:build integration

package integration

import (
	"bytes"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborview/stowage/pkg/database"
)

func TestUploadUpsertReplacesObject(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-upsert")

	first := bytes.Repeat([]byte("a"), 3746)
	second := bytes.Repeat([]byte("b"), 1200)

	uploadObject(t, st, "b-upsert", "public/cat.png", first, false)
	obj1 := findObject(t, st, "b-upsert", "public/cat.png")
	require.Equal(t, int64(len(first)), obj1.Metadata.Size)

	uploadObject(t, st, "b-upsert", "public/cat.png", second, true)
	obj2 := findObject(t, st, "b-upsert", "public/cat.png")
	require.Equal(t, int64(len(second)), obj2.Metadata.Size)
	assert.NotEqual(t, obj1.Version, obj2.Version, "upsert must mint a new version")

	// Exactly one row survives the replace.
	err := st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		objs, _, err := q.SearchObjects(t.Context(), "b-upsert", database.ListOptions{
			Prefix: "public/", Limit: 10,
		})
		if err != nil {
			return err
		}
		require.Len(t, objs, 1)
		return nil
	})
	require.NoError(t, err)

	// Content served back is the replacement.
	_, blob, err := st.GetObject(t.Context(), "b-upsert", "public/cat.png", nil)
	require.NoError(t, err)
	defer blob.Body.Close()
	got, err := io.ReadAll(blob.Body)
	require.NoError(t, err)
	assert.Equal(t, second, got)
}

func TestUploadWithoutUpsertConflicts(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-conflict")

	uploadObject(t, st, "b-conflict", "one.txt", []byte("hello"), false)

	_, err := st.Upload(t.Context(), bytes.NewReader([]byte("again")), stdUploadParams("b-conflict", "one.txt", 5, false))
	require.Error(t, err, "second non-upsert upload must be rejected")
}

func TestPrefixRowsMaintained(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-prefix")

	uploadObject(t, st, "b-prefix", "a/b/c/file.bin", []byte("data"), false)

	err := st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		for _, p := range []string{"a", "a/b", "a/b/c"} {
			exists, err := q.PrefixExists(t.Context(), "b-prefix", p)
			if err != nil {
				return err
			}
			assert.True(t, exists, "prefix %q should exist", p)
		}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, st.DeleteObject(t.Context(), "b-prefix", "a/b/c/file.bin"))

	err = st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		for _, p := range []string{"a", "a/b", "a/b/c"} {
			exists, err := q.PrefixExists(t.Context(), "b-prefix", p)
			if err != nil {
				return err
			}
			assert.False(t, exists, "prefix %q should be pruned", p)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestPrefixCleanupRace(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-race")

	names := []string{"a/b/c/f1", "a/b/c/f2", "a/b/c/f3", "a/b/c/f4"}
	for _, name := range names {
		uploadObject(t, st, "b-race", name, []byte("x"), false)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			errs[i] = st.DeleteObject(t.Context(), "b-race", name)
		}(i, name)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "delete of %s", names[i])
	}

	err := st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		prefixes, err := q.SearchPrefixes(t.Context(), "b-race", "", 1, 10)
		if err != nil {
			return err
		}
		assert.Empty(t, prefixes, "no prefix rows should survive")
		return nil
	})
	require.NoError(t, err)
}

func TestCrossPrefixMovesDoNotDeadlock(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-move")

	for i := range 4 {
		uploadObject(t, st, "b-move", fmt.Sprintf("photos/p%d", i), []byte("p"), false)
		uploadObject(t, st, "b-move", fmt.Sprintf("docs/d%d", i), []byte("d"), false)
	}

	done := make(chan error, 8)
	for i := range 4 {
		go func(i int) {
			_, err := st.MoveObject(t.Context(), "b-move", fmt.Sprintf("photos/p%d", i),
				"b-move", fmt.Sprintf("docs/p%d", i), nil)
			done <- err
		}(i)
		go func(i int) {
			_, err := st.MoveObject(t.Context(), "b-move", fmt.Sprintf("docs/d%d", i),
				"b-move", fmt.Sprintf("photos/d%d", i), nil)
			done <- err
		}(i)
	}

	deadline := time.After(5 * time.Second)
	for range 8 {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-deadline:
			t.Fatal("moves did not finish within 5s; likely deadlocked")
		}
	}

	// Both top-level prefixes retain content, so both survive.
	err := st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		for _, p := range []string{"photos", "docs"} {
			exists, err := q.PrefixExists(t.Context(), "b-move", p)
			if err != nil {
				return err
			}
			assert.True(t, exists, "prefix %q should still exist", p)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMovePrunesVacatedSourcePrefixes(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-vacate")

	uploadObject(t, st, "b-vacate", "photos/2024/cat.jpg", []byte("img"), false)

	_, err := st.MoveObject(t.Context(), "b-vacate", "photos/2024/cat.jpg",
		"b-vacate", "archive/cat.jpg", nil)
	require.NoError(t, err)

	// The move emptied photos/2024, so the whole source chain goes away
	// while the destination chain appears.
	err = st.Database().AsSuperUser().WithTransaction(t.Context(), func(q *database.Tx) error {
		for _, p := range []string{"photos", "photos/2024"} {
			exists, err := q.PrefixExists(t.Context(), "b-vacate", p)
			if err != nil {
				return err
			}
			assert.False(t, exists, "vacated prefix %q should be pruned", p)
		}
		exists, err := q.PrefixExists(t.Context(), "b-vacate", "archive")
		if err != nil {
			return err
		}
		assert.True(t, exists, "destination prefix should exist")
		return nil
	})
	require.NoError(t, err)
}

func TestCopyObjectKeepsSource(t *testing.T) {
	st := newStorage(t)
	createBucket(t, st, "b-copy")

	uploadObject(t, st, "b-copy", "src/a.txt", []byte("payload"), false)

	_, err := st.CopyObject(t.Context(), "b-copy", "src/a.txt", "b-copy", "dst/a.txt", nil)
	require.NoError(t, err)

	src := findObject(t, st, "b-copy", "src/a.txt")
	dst := findObject(t, st, "b-copy", "dst/a.txt")
	assert.Equal(t, src.Metadata.Size, dst.Metadata.Size)
	assert.NotEqual(t, src.Version, dst.Version)
}
