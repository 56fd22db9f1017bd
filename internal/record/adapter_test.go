package record

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	runtimeerrors "github.com/modulaur/modulaur/pkg/errors"
)

type typeGrants map[string]map[string]bool

func (g typeGrants) CheckRecordType(pluginID, recordType string) bool {
	return g[pluginID][recordType]
}

func newTestAdapter(t *testing.T, grants typeGrants) (*Adapter, Store) {
	t.Helper()
	store := NewMemoryStore()
	a := NewAdapter(store, grants, nil)
	a.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return a, store
}

func TestUpsertDeniedWithoutGrant(t *testing.T) {
	t.Parallel()

	a, store := newTestAdapter(t, typeGrants{"p": {"ci_job": true}})

	_, err := a.Upsert(context.Background(), "p", StagedRecord{RecordType: "secret"})
	require.True(t, runtimeerrors.IsCapabilityDenied(err))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestUpsertStampsSourceAndTimestamp(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, typeGrants{"p": {"ci_job": true}})
	ctx := context.Background()

	// Missing source and a source claiming another plugin both get replaced.
	for _, source := range []string{"", "other-plugin"} {
		got, err := a.Upsert(ctx, "p", StagedRecord{
			RecordType: "ci_job",
			Source:     source,
			Data:       json.RawMessage(`{"name":"job"}`),
		})
		require.NoError(t, err)
		require.Equal(t, "p", got.Source)
		require.False(t, got.Timestamp.IsZero())
	}

	// A page-scoped derivative of the caller's own source is preserved.
	got, err := a.Upsert(ctx, "p", StagedRecord{
		RecordType: "ci_job",
		Source:     "p-page-2",
	})
	require.NoError(t, err)
	require.Equal(t, "p-page-2", got.Source)
}

func TestUpsertDeterministicID(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, typeGrants{"p": {"ci_job": true}})
	ctx := context.Background()

	first, err := a.Upsert(ctx, "p", StagedRecord{
		RecordType: "ci_job",
		Data:       json.RawMessage(`{"id":"42","name":"build"}`),
	})
	require.NoError(t, err)
	require.Equal(t, "p_ci_job_42", first.ID.Key)

	// Same external id maps to the same key, so repeated fetches overwrite.
	second, err := a.Upsert(ctx, "p", StagedRecord{
		RecordType: "ci_job",
		Data:       json.RawMessage(`{"id":"42","name":"build-rerun"}`),
	})
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	records, err := a.GetByType(ctx, "p", "ci_job")
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.JSONEq(t, `{"id":"42","name":"build-rerun"}`, string(records[0].Data))
}

func TestUpsertRandomIDWithoutExternalID(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, typeGrants{"p": {"ci_job": true}})
	ctx := context.Background()

	first, err := a.Upsert(ctx, "p", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	second, err := a.Upsert(ctx, "p", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"x":1}`)})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
}

func TestUpsertCannotOverwriteForeignRecord(t *testing.T) {
	t.Parallel()

	grants := typeGrants{
		"plugin-a": {"ci_job": true},
		"plugin-b": {"ci_job": true},
	}
	a, store := newTestAdapter(t, grants)
	ctx := context.Background()

	stored, err := a.Upsert(ctx, "plugin-b", StagedRecord{
		RecordType: "ci_job",
		Data:       json.RawMessage(`{"id":"42","owner":"b"}`),
	})
	require.NoError(t, err)

	// Deterministic ids are guessable, so another plugin can name this
	// record exactly. The write must read as missing, not land.
	_, err = a.Upsert(ctx, "plugin-a", StagedRecord{
		ID:         stored.ID,
		RecordType: "ci_job",
		Data:       json.RawMessage(`{"id":"42","owner":"a"}`),
	})
	require.True(t, runtimeerrors.IsNotFound(err))

	got, err := store.Get(ctx, stored.ID)
	require.NoError(t, err)
	require.Equal(t, "plugin-b", got.Source)
	require.JSONEq(t, `{"id":"42","owner":"b"}`, string(got.Data))

	// The owner itself still overwrites through its own id.
	_, err = a.Upsert(ctx, "plugin-b", StagedRecord{
		ID:         stored.ID,
		RecordType: "ci_job",
		Data:       json.RawMessage(`{"id":"42","owner":"b","run":2}`),
	})
	require.NoError(t, err)
}

func TestUpsertThenGetByTypeRoundTrip(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, typeGrants{"p": {"ci_job": true}})
	ctx := context.Background()

	in := StagedRecord{
		RecordType: "ci_job",
		Data:       json.RawMessage(`{"id":"7","status":"passed"}`),
		Metadata:   Metadata{Tags: []string{"ci"}, Title: "job 7"},
	}
	stored, err := a.Upsert(ctx, "p", in)
	require.NoError(t, err)

	records, err := a.GetByType(ctx, "p", "ci_job")
	require.NoError(t, err)
	require.Len(t, records, 1)

	got := records[0]
	require.Equal(t, stored.ID, got.ID)
	require.Equal(t, "p", got.Source)
	require.Equal(t, stored.Timestamp, got.Timestamp)
	require.JSONEq(t, string(in.Data), string(got.Data))
	require.Equal(t, in.Metadata, got.Metadata)
}

func TestGetByTypeFiltersForeignSources(t *testing.T) {
	t.Parallel()

	grants := typeGrants{
		"p1": {"ci_job": true},
		"p2": {"ci_job": true},
	}
	a, _ := newTestAdapter(t, grants)
	ctx := context.Background()

	_, err := a.Upsert(ctx, "p1", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"id":"a"}`)})
	require.NoError(t, err)
	_, err = a.Upsert(ctx, "p1", StagedRecord{RecordType: "ci_job", Source: "p1-page-3", Data: json.RawMessage(`{"id":"b"}`)})
	require.NoError(t, err)
	_, err = a.Upsert(ctx, "p2", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"id":"c"}`)})
	require.NoError(t, err)

	records, err := a.GetByType(ctx, "p1", "ci_job")
	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, rec := range records {
		require.True(t, SourceVisible("p1", rec.Source))
	}
}

func TestUpdatePreservesIdentity(t *testing.T) {
	t.Parallel()

	a, _ := newTestAdapter(t, typeGrants{"p": {"ci_job": true}})
	ctx := context.Background()

	stored, err := a.Upsert(ctx, "p", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"id":"1","v":1}`)})
	require.NoError(t, err)

	updated, err := a.Update(ctx, "p", stored.ID, StagedRecord{
		Data:     json.RawMessage(`{"id":"1","v":2}`),
		Metadata: Metadata{Status: "reviewed"},
	})
	require.NoError(t, err)
	require.Equal(t, stored.ID, updated.ID)
	require.Equal(t, "ci_job", updated.RecordType)
	require.Equal(t, "p", updated.Source)
	require.JSONEq(t, `{"id":"1","v":2}`, string(updated.Data))
	require.Equal(t, "reviewed", updated.Metadata.Status)
}

func TestUpdateAndDeleteInvisibleIsNotFound(t *testing.T) {
	t.Parallel()

	grants := typeGrants{
		"owner":    {"ci_job": true},
		"intruder": {"ci_job": true},
	}
	a, _ := newTestAdapter(t, grants)
	ctx := context.Background()

	stored, err := a.Upsert(ctx, "owner", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"id":"1"}`)})
	require.NoError(t, err)

	// Another plugin's record reads as missing, not as forbidden.
	_, err = a.Update(ctx, "intruder", stored.ID, StagedRecord{})
	require.True(t, runtimeerrors.IsNotFound(err))
	require.True(t, runtimeerrors.IsNotFound(a.Delete(ctx, "intruder", stored.ID)))

	// Genuinely missing ids report the same way.
	require.True(t, runtimeerrors.IsNotFound(a.Delete(ctx, "owner", NewRecordID("nope"))))

	// The owner still sees and deletes it.
	require.NoError(t, a.Delete(ctx, "owner", stored.ID))
}

func TestDeleteByTypeRemovesOwnRecordsOnly(t *testing.T) {
	t.Parallel()

	grants := typeGrants{
		"p1": {"ci_job": true},
		"p2": {"ci_job": true},
	}
	a, store := newTestAdapter(t, grants)
	ctx := context.Background()

	_, err := a.Upsert(ctx, "p1", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"id":"a"}`)})
	require.NoError(t, err)
	_, err = a.Upsert(ctx, "p1", StagedRecord{RecordType: "ci_job", Source: "p1-page-1", Data: json.RawMessage(`{"id":"b"}`)})
	require.NoError(t, err)
	_, err = a.Upsert(ctx, "p2", StagedRecord{RecordType: "ci_job", Data: json.RawMessage(`{"id":"c"}`)})
	require.NoError(t, err)

	n, err := a.DeleteByType(ctx, "p1", "ci_job")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	remaining, err := store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
}
