package content

import (
	"context"
	"errors"
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

// recordingDocs запоминает все записи в документ.
type recordingDocs struct {
	storage.Collection[domain.Document]
	mu      sync.Mutex
	updates []storage.Fields
	fail    error
}

func (r *recordingDocs) Update(ctx context.Context, id string, fields storage.Fields) (domain.Document, error) {
	r.mu.Lock()
	r.updates = append(r.updates, fields)
	fail := r.fail
	r.mu.Unlock()
	if fail != nil {
		return domain.Document{}, fail
	}
	return r.Collection.Update(ctx, id, fields)
}

func (r *recordingDocs) writes() []storage.Fields {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]storage.Fields(nil), r.updates...)
}

type harness struct {
	docs   *recordingDocs
	clock  clockwork.FakeClock
	sync   *Synchronizer
	mu     sync.Mutex
	notes  []Notification
	saves  []string
	change []Origin
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := inmemory.New(zerolog.Nop())
	_, err := store.Documents().Create(context.Background(), domain.Document{ID: "doc-1", Content: "initial"})
	require.NoError(t, err)

	h := &harness{
		docs:  &recordingDocs{Collection: store.Documents()},
		clock: clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
	h.sync = New(h.docs, Options{
		DocumentID: "doc-1",
		UserID:     "alice",
		Clock:      h.clock,
		OnChange: func(_ string, origin Origin) {
			h.mu.Lock()
			h.change = append(h.change, origin)
			h.mu.Unlock()
		},
		OnSave: func(content string) {
			h.mu.Lock()
			h.saves = append(h.saves, content)
			h.mu.Unlock()
		},
		OnRemoteEdit: func(n Notification) {
			h.mu.Lock()
			h.notes = append(h.notes, n)
			h.mu.Unlock()
		},
	})
	require.NoError(t, h.sync.Start(context.Background()))
	t.Cleanup(h.sync.Close)
	return h
}

func (h *harness) notifications() []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Notification(nil), h.notes...)
}

func (h *harness) changes() []Origin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Origin(nil), h.change...)
}

func (h *harness) saved() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.saves...)
}

// settled ждет, пока отложенная рассылка запишет n снапшотов и автомат вернется в idle.
// Таймеры fake-часов срабатывают в отдельной горутине.
func (h *harness) settled(t *testing.T, n int) []storage.Fields {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.docs.writes()) == n && h.sync.State() == StateIdle
	}, time.Second, 5*time.Millisecond)
	return h.docs.writes()
}

func remote(content, by string) domain.Event[domain.Document] {
	return domain.Event[domain.Document]{
		Type: domain.EventUpdate,
		Data: domain.Document{ID: "doc-1", Content: content, LastEditedBy: by},
	}
}

func TestSynchronizer_StartLoadsSnapshot(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "initial", h.sync.Content())
	assert.Equal(t, StateIdle, h.sync.State())
	assert.Equal(t, []Origin{OriginInitial}, h.changes())
}

func TestSynchronizer_DebounceCoalescesEdits(t *testing.T) {
	h := newHarness(t)

	h.sync.ApplyLocalEdit("a")
	h.clock.Advance(300 * time.Millisecond)
	h.sync.ApplyLocalEdit("ab")
	h.clock.Advance(300 * time.Millisecond)
	h.sync.ApplyLocalEdit("abc")

	// Буфер обновляется сразу, запись еще не ушла.
	assert.Equal(t, "abc", h.sync.Content())
	assert.Equal(t, StatePending, h.sync.State())
	assert.Empty(t, h.docs.writes())

	h.clock.Advance(999 * time.Millisecond)
	assert.Empty(t, h.docs.writes())

	h.clock.Advance(time.Millisecond)
	writes := h.settled(t, 1)
	assert.Equal(t, "abc", writes[0]["content"])
	assert.Equal(t, "alice", writes[0]["last_edited_by"])
	assert.Equal(t, h.clock.Now(), writes[0]["last_edited_at"])
	assert.Equal(t, []string{"abc"}, h.saved())

	doc, err := storage.Get(context.Background(), h.docs, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", doc.Content)
}

func TestSynchronizer_RemoteEditOverwritesAndNotifies(t *testing.T) {
	h := newHarness(t)

	h.sync.OnRemoteChange(remote("from bob", "bob"))

	assert.Equal(t, "from bob", h.sync.Content())
	notes := h.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "bob", notes[0].EditedBy)
	assert.Equal(t, "bob updated the document", notes[0].Message())
}

func TestSynchronizer_EchoIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.sync.ApplyLocalEdit("mine")

	h.sync.OnRemoteChange(remote("stale echo", "alice"))

	assert.Equal(t, "mine", h.sync.Content())
	assert.Empty(t, h.notifications())
	assert.Equal(t, StatePending, h.sync.State())
}

func TestSynchronizer_IgnoresSameContentAndOtherDocuments(t *testing.T) {
	h := newHarness(t)

	h.sync.OnRemoteChange(remote("initial", "bob"))
	other := remote("other doc", "bob")
	other.Data.ID = "doc-2"
	h.sync.OnRemoteChange(other)
	h.sync.OnRemoteChange(domain.Event[domain.Document]{Type: domain.EventDelete, Data: domain.Document{ID: "doc-1", LastEditedBy: "bob"}})

	assert.Equal(t, "initial", h.sync.Content())
	assert.Empty(t, h.notifications())
}

func TestSynchronizer_RemoteEditCancelsPendingBroadcast(t *testing.T) {
	h := newHarness(t)
	h.sync.ApplyLocalEdit("local draft")

	h.sync.OnRemoteChange(remote("remote wins", "bob"))
	assert.Equal(t, StateIdle, h.sync.State())

	h.clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.docs.writes())
	assert.Equal(t, "remote wins", h.sync.Content())
}

func TestSynchronizer_EditorEchoOfRemoteContentDoesNotBroadcast(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	_, err := store.Documents().Create(context.Background(), domain.Document{ID: "doc-1"})
	require.NoError(t, err)
	docs := &recordingDocs{Collection: store.Documents()}
	fake := clockwork.NewFakeClockAt(time.Unix(0, 0))

	var s *Synchronizer
	s = New(docs, Options{
		DocumentID: "doc-1",
		UserID:     "alice",
		Clock:      fake,
		OnChange: func(content string, origin Origin) {
			// Редактор сообщает об изменении и при программной установке значения.
			if origin == OriginRemote {
				s.ApplyLocalEdit(content)
			}
		},
	})
	require.NoError(t, s.Start(context.Background()))
	defer s.Close()

	s.OnRemoteChange(remote("remote", "bob"))
	fake.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, docs.writes())
	assert.Equal(t, StateIdle, s.State())
}

func TestSynchronizer_FailedWriteIsNotRetried(t *testing.T) {
	h := newHarness(t)
	h.docs.fail = errors.New("network down")

	h.sync.ApplyLocalEdit("lost?")
	h.clock.Advance(time.Second)
	h.settled(t, 1)

	h.clock.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.docs.writes(), 1)

	// Следующая правка записывает актуальный буфер.
	h.docs.mu.Lock()
	h.docs.fail = nil
	h.docs.mu.Unlock()
	h.sync.ApplyLocalEdit("healed")
	h.clock.Advance(time.Second)
	writes := h.settled(t, 2)
	assert.Equal(t, "healed", writes[1]["content"])
}

func TestSynchronizer_CloseDropsPendingEdit(t *testing.T) {
	h := newHarness(t)
	h.sync.ApplyLocalEdit("never sent")

	h.sync.Close()
	h.clock.Advance(2 * time.Second)
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, h.docs.writes())
	assert.Equal(t, StateIdle, h.sync.State())

	h.sync.ApplyLocalEdit("after close")
	assert.Equal(t, "never sent", h.sync.Content())
}

func TestSynchronizer_StartFailsForMissingDocument(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	s := New(store.Documents(), Options{DocumentID: "missing", UserID: "alice"})
	err := s.Start(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
