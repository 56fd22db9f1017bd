package record

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

// Both implementations satisfy the same contract; the suite runs against each.
func TestStores(t *testing.T) {
	t.Parallel()

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
	})

	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		runStoreSuite(t, func(t *testing.T) Store {
			store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "records.db")})
			require.NoError(t, err)
			t.Cleanup(func() { _ = store.Close() })
			return store
		})
	})
}

func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	mkRec := func(key, recordType, source string, ts time.Time) StagedRecord {
		return StagedRecord{
			ID:         NewRecordID(key),
			RecordType: recordType,
			Source:     source,
			Timestamp:  ts,
			Data:       json.RawMessage(`{"id":"` + key + `"}`),
			Metadata:   Metadata{Status: "staged"},
		}
	}
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("put get round trip", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		rec := mkRec("a", "ci_job", "gitlab-adapter", base)
		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, rec.ID, got.ID)
		require.Equal(t, rec.RecordType, got.RecordType)
		require.Equal(t, rec.Source, got.Source)
		require.True(t, rec.Timestamp.Equal(got.Timestamp))
		require.JSONEq(t, string(rec.Data), string(got.Data))
		require.Equal(t, rec.Metadata, got.Metadata)
	})

	t.Run("put replaces existing", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		rec := mkRec("a", "ci_job", "gitlab-adapter", base)
		require.NoError(t, s.Put(ctx, rec))
		rec.Metadata.Status = "reviewed"
		require.NoError(t, s.Put(ctx, rec))

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		require.Equal(t, "reviewed", got.Metadata.Status)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	})

	t.Run("get missing is not found", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		_, err := s.Get(ctx, NewRecordID("missing"))
		require.True(t, runtimeerrors.IsNotFound(err))
	})

	t.Run("list by type newest first", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		require.NoError(t, s.Put(ctx, mkRec("old", "ci_job", "p", base)))
		require.NoError(t, s.Put(ctx, mkRec("new", "ci_job", "p", base.Add(time.Hour))))
		require.NoError(t, s.Put(ctx, mkRec("other", "pipeline", "p", base)))

		got, err := s.ListByType(ctx, "ci_job")
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "new", got[0].ID.Key)
		require.Equal(t, "old", got[1].ID.Key)
	})

	t.Run("list by source", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		require.NoError(t, s.Put(ctx, mkRec("a", "ci_job", "p1", base)))
		require.NoError(t, s.Put(ctx, mkRec("b", "ci_job", "p2", base)))

		got, err := s.ListBySource(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "a", got[0].ID.Key)
	})

	t.Run("delete", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		rec := mkRec("a", "ci_job", "p", base)
		require.NoError(t, s.Put(ctx, rec))
		require.NoError(t, s.Delete(ctx, rec.ID))

		_, err := s.Get(ctx, rec.ID)
		require.True(t, runtimeerrors.IsNotFound(err))
		require.True(t, runtimeerrors.IsNotFound(s.Delete(ctx, rec.ID)))
	})

	t.Run("delete by type and source", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		require.NoError(t, s.Put(ctx, mkRec("a", "ci_job", "p1", base)))
		require.NoError(t, s.Put(ctx, mkRec("b", "ci_job", "p1", base)))
		require.NoError(t, s.Put(ctx, mkRec("c", "ci_job", "p2", base)))
		require.NoError(t, s.Put(ctx, mkRec("d", "pipeline", "p1", base)))

		n, err := s.DeleteByTypeAndSource(ctx, "ci_job", "p1")
		require.NoError(t, err)
		require.Equal(t, 2, n)

		total, err := s.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, total)
	})

	t.Run("prune older than", func(t *testing.T) {
		t.Parallel()
		s := open(t)

		require.NoError(t, s.Put(ctx, mkRec("stale", "ci_job", "p", base)))
		require.NoError(t, s.Put(ctx, mkRec("fresh", "ci_job", "p", base.Add(48*time.Hour))))

		n, err := s.PruneOlderThan(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, n)

		_, err = s.Get(ctx, NewRecordID("stale"))
		require.True(t, runtimeerrors.IsNotFound(err))
		_, err = s.Get(ctx, NewRecordID("fresh"))
		require.NoError(t, err)
	})
}

func TestSQLiteStoreClosed(t *testing.T) {
	t.Parallel()

	store, err := NewSQLiteStore(SQLiteConfig{Path: filepath.Join(t.TempDir(), "records.db")})
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Get(context.Background(), NewRecordID("a"))
	require.Error(t, err)
}
