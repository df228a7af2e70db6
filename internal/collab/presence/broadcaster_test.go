package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
	"github.com/UkralStul/collab-doc-service/internal/storage/inmemory"
)

// countingPresence считает записи в хранилище присутствия.
type countingPresence struct {
	storage.Collection[domain.PresenceRecord]
	mu     sync.Mutex
	writes int
}

func (c *countingPresence) Create(ctx context.Context, rec domain.PresenceRecord) (domain.PresenceRecord, error) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Collection.Create(ctx, rec)
}

func (c *countingPresence) Update(ctx context.Context, id string, fields storage.Fields) (domain.PresenceRecord, error) {
	c.mu.Lock()
	c.writes++
	c.mu.Unlock()
	return c.Collection.Update(ctx, id, fields)
}

func (c *countingPresence) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newBroadcaster(t *testing.T, records storage.Collection[domain.PresenceRecord], fake clockwork.FakeClock) *Broadcaster {
	t.Helper()
	b := New(records, Options{
		DocumentID:  "doc-1",
		UserID:      "alice",
		DisplayName: "Alice",
		Clock:       fake,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func remoteRecord(user string, at time.Time) domain.PresenceRecord {
	return domain.PresenceRecord{
		UserID:       user,
		ContextType:  domain.ContextContentEditor,
		ContextID:    "doc-1",
		DisplayName:  user,
		CursorX:      5,
		CursorY:      6,
		LastActivity: at,
	}
}

func ownRecords(t *testing.T, records storage.Collection[domain.PresenceRecord]) []domain.PresenceRecord {
	rows, err := records.Filter(context.Background(), storage.Where{"user_id": "alice"})
	require.NoError(t, err)
	return rows
}

func TestBroadcaster_LivenessExpiry(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	ctx := context.Background()

	_, err := store.Presence().Create(ctx, remoteRecord("fresh", t0.Add(-29*time.Second)))
	require.NoError(t, err)
	_, err = store.Presence().Create(ctx, remoteRecord("stale", t0.Add(-31*time.Second)))
	require.NoError(t, err)
	other := remoteRecord("elsewhere", t0)
	other.ContextID = "doc-2"
	_, err = store.Presence().Create(ctx, other)
	require.NoError(t, err)

	b := newBroadcaster(t, store.Presence(), fake)
	require.NoError(t, b.Reconcile(ctx))

	cursors := b.Cursors()
	assert.Contains(t, cursors, "fresh")
	assert.NotContains(t, cursors, "stale")
	assert.NotContains(t, cursors, "elsewhere")
}

func TestBroadcaster_ExcludesLocalUser(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	_, err := store.Presence().Create(context.Background(), remoteRecord("alice", t0))
	require.NoError(t, err)

	b := newBroadcaster(t, store.Presence(), fake)
	assert.Empty(t, b.Cursors())
}

func TestBroadcaster_ThrottlesUpserts(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	records := &countingPresence{Collection: store.Presence()}
	fake := clockwork.NewFakeClockAt(t0)
	b := newBroadcaster(t, records, fake)

	b.ReportLocalPosition(1, 1)
	require.Eventually(t, func() bool { return records.count() == 1 }, time.Second, 5*time.Millisecond)

	// Внутри окна троттлинга записи не уходят.
	for i := 2; i <= 5; i++ {
		fake.Advance(10 * time.Millisecond)
		b.ReportLocalPosition(float64(i), float64(i))
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, records.count())

	// Хвостовая отправка несет последнюю позицию.
	fake.Advance(60 * time.Millisecond)
	require.Eventually(t, func() bool { return records.count() == 2 }, time.Second, 5*time.Millisecond)

	rows := ownRecords(t, records)
	require.Len(t, rows, 1)
	assert.Equal(t, 5.0, rows[0].CursorX)
	assert.Equal(t, 5.0, rows[0].CursorY)
	assert.True(t, fake.Now().Equal(rows[0].LastActivity))
}

func TestBroadcaster_RepeatedUpsertKeepsOneRecord(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	b := newBroadcaster(t, store.Presence(), fake)

	b.ReportLocalPosition(3, 4)
	require.Eventually(t, func() bool { return len(ownRecords(t, store.Presence())) == 1 }, time.Second, 5*time.Millisecond)

	fake.Advance(time.Second)
	b.ReportLocalPosition(3, 4)
	fake.Advance(time.Second)
	b.ReportLocalPosition(8, 9)

	require.Eventually(t, func() bool {
		rows := ownRecords(t, store.Presence())
		return len(rows) == 1 && rows[0].CursorX == 8
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_PushEventsUpdateCursors(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	b := newBroadcaster(t, store.Presence(), fake)

	rec := remoteRecord("bob", t0)
	b.ApplyPresenceEvent(domain.Event[domain.PresenceRecord]{Type: domain.EventCreate, Data: rec})
	require.Contains(t, b.Cursors(), "bob")
	assert.Equal(t, ColorFor("bob"), b.Cursors()["bob"].Color)

	// Дубликат и опоздавшее событие ничего не меняют.
	older := rec
	older.CursorX = 99
	older.LastActivity = t0.Add(-time.Second)
	b.ApplyPresenceEvent(domain.Event[domain.PresenceRecord]{Type: domain.EventUpdate, Data: rec})
	b.ApplyPresenceEvent(domain.Event[domain.PresenceRecord]{Type: domain.EventUpdate, Data: older})
	assert.Len(t, b.Cursors(), 1)
	assert.Equal(t, 5.0, b.Cursors()["bob"].X)

	b.ApplyPresenceEvent(domain.Event[domain.PresenceRecord]{Type: domain.EventDelete, Data: rec})
	assert.Empty(t, b.Cursors())
}

func TestBroadcaster_PushFromStore(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	b := newBroadcaster(t, store.Presence(), fake)

	rec, err := store.Presence().Create(context.Background(), remoteRecord("bob", t0))
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, ok := b.Cursors()["bob"]; return ok }, time.Second, 5*time.Millisecond)

	require.NoError(t, store.Presence().Delete(context.Background(), rec.ID))
	require.Eventually(t, func() bool { return len(b.Cursors()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestBroadcaster_PollExpiresSilentUsers(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	_, err := store.Presence().Create(context.Background(), remoteRecord("bob", t0))
	require.NoError(t, err)

	b := newBroadcaster(t, store.Presence(), fake)
	require.Contains(t, b.Cursors(), "bob")

	// Опрос перевзводится из своего таймера, поэтому время двигается шагами.
	fake.Advance(31 * time.Second)
	require.Eventually(t, func() bool {
		fake.Advance(time.Second)
		_, ok := b.Cursors()["bob"]
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_DeleteEventMatchedByRecordID(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	rec, err := store.Presence().Create(context.Background(), remoteRecord("bob", t0))
	require.NoError(t, err)

	b := newBroadcaster(t, store.Presence(), fake)
	require.Equal(t, rec.ID, b.Cursors()["bob"].RecordID)

	// Событие удаления без контекста и пользователя.
	b.ApplyPresenceEvent(domain.Event[domain.PresenceRecord]{Type: domain.EventDelete, Data: domain.PresenceRecord{ID: "other"}})
	require.Contains(t, b.Cursors(), "bob")
	b.ApplyPresenceEvent(domain.Event[domain.PresenceRecord]{Type: domain.EventDelete, Data: domain.PresenceRecord{ID: rec.ID}})
	assert.Empty(t, b.Cursors())
}

func TestBroadcaster_CloseDeletesOwnRecord(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	fake := clockwork.NewFakeClockAt(t0)
	b := New(store.Presence(), Options{DocumentID: "doc-1", UserID: "alice", Clock: fake})
	require.NoError(t, b.Start(context.Background()))

	b.ReportLocalPosition(1, 2)
	require.Eventually(t, func() bool { return len(ownRecords(t, store.Presence())) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close(context.Background()))
	assert.Empty(t, ownRecords(t, store.Presence()))

	// После закрытия движения и таймеры ничего не пишут.
	b.ReportLocalPosition(5, 5)
	fake.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, ownRecords(t, store.Presence()))
	assert.NoError(t, b.Close(context.Background()))
}

func TestColorFor_IsStable(t *testing.T) {
	assert.Equal(t, ColorFor("user-42"), ColorFor("user-42"))
	assert.Contains(t, Palette, ColorFor("user-42"))
	assert.Contains(t, Palette, ColorFor(""))
}
