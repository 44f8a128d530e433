package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamflow/server/internal/docstore"
)

func TestStoreCRUD(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	t.Run("add assigns id and timestamps", func(t *testing.T) {
		id, err := store.Add(ctx, "teams", docstore.Doc{"name": "alpha"})
		require.NoError(t, err)
		require.NotEmpty(t, id)

		doc, err := store.Get(ctx, "teams", id)
		require.NoError(t, err)
		assert.Equal(t, "alpha", doc["name"])
		assert.Equal(t, id, doc["id"])
		assert.NotEmpty(t, doc["created_at"])
		assert.NotEmpty(t, doc["updated_at"])
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		_, err := store.Get(ctx, "teams", "nope")
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("update merges and keeps created_at", func(t *testing.T) {
		id, err := store.Add(ctx, "teams", docstore.Doc{"name": "beta", "status": "active"})
		require.NoError(t, err)

		before, err := store.Get(ctx, "teams", id)
		require.NoError(t, err)

		err = store.Update(ctx, "teams", id, docstore.Doc{"status": "archived", "created_at": "bogus"})
		require.NoError(t, err)

		after, err := store.Get(ctx, "teams", id)
		require.NoError(t, err)
		assert.Equal(t, "beta", after["name"])
		assert.Equal(t, "archived", after["status"])
		assert.Equal(t, before["created_at"], after["created_at"])
	})

	t.Run("update missing returns ErrNotFound", func(t *testing.T) {
		err := store.Update(ctx, "teams", "nope", docstore.Doc{"status": "x"})
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})

	t.Run("delete missing is not an error", func(t *testing.T) {
		assert.NoError(t, store.Delete(ctx, "teams", "nope"))
	})

	t.Run("delete removes document", func(t *testing.T) {
		id, err := store.Add(ctx, "teams", docstore.Doc{"name": "gamma"})
		require.NoError(t, err)
		require.NoError(t, store.Delete(ctx, "teams", id))

		_, err = store.Get(ctx, "teams", id)
		assert.ErrorIs(t, err, docstore.ErrNotFound)
	})
}

func TestStoreFind(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	store.SetClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	for _, name := range []string{"one", "two", "three"} {
		_, err := store.Add(ctx, "projects", docstore.Doc{"name": name, "team_id": "t1"})
		require.NoError(t, err)
	}
	_, err := store.Add(ctx, "projects", docstore.Doc{"name": "other", "team_id": "t2"})
	require.NoError(t, err)

	t.Run("filter by field", func(t *testing.T) {
		records, err := store.Find(ctx, docstore.Query{
			Collection: "projects",
			Filters:    []docstore.Filter{docstore.Where("team_id", docstore.OpEqual, "t1")},
		})
		require.NoError(t, err)
		assert.Len(t, records, 3)
	})

	t.Run("default order is created_at ascending", func(t *testing.T) {
		records, err := store.Find(ctx, docstore.Query{
			Collection: "projects",
			Filters:    []docstore.Filter{docstore.Where("team_id", docstore.OpEqual, "t1")},
		})
		require.NoError(t, err)
		names := make([]string, len(records))
		for i, r := range records {
			names[i] = r.Data["name"].(string)
		}
		assert.Equal(t, []string{"one", "two", "three"}, names)
	})

	t.Run("limit", func(t *testing.T) {
		records, err := store.Find(ctx, docstore.Query{Collection: "projects", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, records, 2)
	})
}

func TestStoreBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("commit applies all operations", func(t *testing.T) {
		store := New()
		defer store.Close()

		existing, err := store.Add(ctx, "teams", docstore.Doc{"name": "alpha", "member_count": 1})
		require.NoError(t, err)

		b := store.Batch()
		b.Add("members", "m1", docstore.Doc{"user_id": "u1"})
		b.Update("teams", existing, docstore.Doc{"member_count": 2})
		require.NoError(t, b.Commit(ctx))

		doc, err := store.Get(ctx, "teams", existing)
		require.NoError(t, err)
		assert.Equal(t, 2, doc["member_count"])
		assert.Equal(t, 1, store.Len("members"))
	})

	t.Run("update of missing doc aborts the whole batch", func(t *testing.T) {
		store := New()
		defer store.Close()

		b := store.Batch()
		b.Add("members", "m1", docstore.Doc{"user_id": "u1"})
		b.Update("teams", "missing", docstore.Doc{"member_count": 2})
		err := b.Commit(ctx)
		require.ErrorIs(t, err, docstore.ErrNotFound)
		assert.Equal(t, 0, store.Len("members"))
	})

	t.Run("single use", func(t *testing.T) {
		store := New()
		defer store.Close()

		b := store.Batch()
		b.Add("members", "m1", docstore.Doc{"user_id": "u1"})
		require.NoError(t, b.Commit(ctx))
		assert.Error(t, b.Commit(ctx))
	})
}

func TestStoreLiveQuery(t *testing.T) {
	ctx := context.Background()

	t.Run("initial snapshot then updates in order", func(t *testing.T) {
		store := New()
		defer store.Close()

		_, err := store.Add(ctx, "teams", docstore.Doc{"name": "alpha", "status": "active"})
		require.NoError(t, err)

		stream, err := store.LiveQuery(ctx, docstore.Query{
			Collection: "teams",
			Filters:    []docstore.Filter{docstore.Where("status", docstore.OpEqual, "active")},
		})
		require.NoError(t, err)
		defer stream.Close()

		ev := recv(t, stream)
		require.NoError(t, ev.Err)
		assert.Len(t, ev.Records, 1)

		_, err = store.Add(ctx, "teams", docstore.Doc{"name": "beta", "status": "active"})
		require.NoError(t, err)

		ev = recv(t, stream)
		require.NoError(t, ev.Err)
		assert.Len(t, ev.Records, 2)
	})

	t.Run("document leaving the result set emits shrunk set", func(t *testing.T) {
		store := New()
		defer store.Close()

		id, err := store.Add(ctx, "teams", docstore.Doc{"name": "alpha", "status": "active"})
		require.NoError(t, err)

		stream, err := store.LiveQuery(ctx, docstore.Query{
			Collection: "teams",
			Filters:    []docstore.Filter{docstore.Where("status", docstore.OpEqual, "active")},
		})
		require.NoError(t, err)
		defer stream.Close()

		recv(t, stream) // snapshot

		require.NoError(t, store.Update(ctx, "teams", id, docstore.Doc{"status": "archived"}))

		ev := recv(t, stream)
		require.NoError(t, ev.Err)
		assert.Empty(t, ev.Records)
	})

	t.Run("unrelated collections do not emit", func(t *testing.T) {
		store := New()
		defer store.Close()

		stream, err := store.LiveQuery(ctx, docstore.Query{Collection: "teams"})
		require.NoError(t, err)
		defer stream.Close()

		recv(t, stream) // snapshot

		_, err = store.Add(ctx, "projects", docstore.Doc{"name": "p"})
		require.NoError(t, err)

		select {
		case ev := <-stream.Events():
			t.Fatalf("unexpected event: %+v", ev)
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("live document emits zero or one record", func(t *testing.T) {
		store := New()
		defer store.Close()

		id, err := store.Add(ctx, "teams", docstore.Doc{"name": "alpha"})
		require.NoError(t, err)

		stream, err := store.LiveDocument(ctx, "teams", id)
		require.NoError(t, err)
		defer stream.Close()

		ev := recv(t, stream)
		require.Len(t, ev.Records, 1)
		assert.Equal(t, "alpha", ev.Records[0].Data["name"])

		require.NoError(t, store.Delete(ctx, "teams", id))

		ev = recv(t, stream)
		assert.Empty(t, ev.Records)
	})

	t.Run("close delivers ErrClosed to open streams", func(t *testing.T) {
		store := New()

		stream, err := store.LiveQuery(ctx, docstore.Query{Collection: "teams"})
		require.NoError(t, err)

		recv(t, stream) // snapshot
		store.Close()

		ev := recv(t, stream)
		assert.ErrorIs(t, ev.Err, docstore.ErrClosed)
	})

	t.Run("operations on a closed store fail", func(t *testing.T) {
		store := New()
		store.Close()

		_, err := store.Add(ctx, "teams", docstore.Doc{"name": "x"})
		assert.ErrorIs(t, err, docstore.ErrClosed)
		_, err = store.LiveQuery(ctx, docstore.Query{Collection: "teams"})
		assert.ErrorIs(t, err, docstore.ErrClosed)
	})
}

func TestBatchEmitsSingleEvent(t *testing.T) {
	ctx := context.Background()
	store := New()
	defer store.Close()

	stream, err := store.LiveQuery(ctx, docstore.Query{Collection: "members"})
	require.NoError(t, err)
	defer stream.Close()

	recv(t, stream) // snapshot

	b := store.Batch()
	b.Add("members", "m1", docstore.Doc{"user_id": "u1"})
	b.Add("members", "m2", docstore.Doc{"user_id": "u2"})
	require.NoError(t, b.Commit(ctx))

	ev := recv(t, stream)
	require.NoError(t, ev.Err)
	assert.Len(t, ev.Records, 2)

	select {
	case ev := <-stream.Events():
		t.Fatalf("batch produced a second event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func recv(t *testing.T, stream docstore.Stream) docstore.Event {
	t.Helper()
	select {
	case ev, ok := <-stream.Events():
		require.True(t, ok, "stream closed unexpectedly")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for stream event")
		return docstore.Event{}
	}
}
