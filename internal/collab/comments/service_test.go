package comments

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
	"github.com/UkralStul/collab-doc-service/internal/storage/inmemory"
)

// fakeSurface - контейнер редактора в координатах страницы.
type fakeSurface struct {
	bounds domain.Rect
	text   string
	rect   domain.Rect
}

func (f *fakeSurface) Bounds() domain.Rect { return f.bounds }

func (f *fakeSurface) ActiveSelection() (string, domain.Rect, bool) {
	return f.text, f.rect, f.text != ""
}

func (f *fakeSurface) selectText(text string, top, left, width float64) {
	f.text = text
	f.rect = domain.Rect{Top: top, Left: left, Width: width, Height: 16}
}

func newService(t *testing.T, store *inmemory.Store, user string) (*Service, *fakeSurface) {
	t.Helper()
	surface := &fakeSurface{bounds: domain.Rect{Top: 100, Left: 50, Width: 800, Height: 600}}
	s := New(store.Comments(), Options{
		ProjectID: "doc-1",
		UserID:    user,
		UserName:  user,
		Surface:   surface,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return s, surface
}

func createRoot(t *testing.T, s *Service, surface *fakeSurface, highlighted, text string, top float64) domain.Comment {
	t.Helper()
	surface.selectText(highlighted, top, 80, 40)
	_, ok := s.CaptureSelection()
	require.True(t, ok)
	c, err := s.CreateComment(context.Background(), text, "")
	require.NoError(t, err)
	return c
}

func TestService_CaptureSelectionTranslatesToContainer(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")

	surface.selectText("hello", 150, 70, 42)
	sel, ok := s.CaptureSelection()
	require.True(t, ok)
	assert.Equal(t, "hello", sel.Text)
	assert.Equal(t, domain.TextPosition{Top: 50, Left: 20, Width: 42}, sel.Position)
	assert.Equal(t, StateTextSelected, s.State())

	require.NoError(t, s.OpenComposer())
	assert.Equal(t, StateComposing, s.State())

	s.DismissComposer()
	assert.Equal(t, StateNoSelection, s.State())
	_, ok = s.PendingSelection()
	assert.False(t, ok)
}

func TestService_SelectionOutsideContainerIgnored(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")

	surface.selectText("outside", 10, 10, 30)
	_, ok := s.CaptureSelection()
	assert.False(t, ok)
	assert.Equal(t, StateNoSelection, s.State())

	surface.selectText("   ", 150, 70, 30)
	_, ok = s.CaptureSelection()
	assert.False(t, ok)

	assert.ErrorIs(t, s.OpenComposer(), ErrNoSelection)
	_, err := s.CreateComment(context.Background(), "no anchor", "")
	assert.ErrorIs(t, err, ErrNoSelection)
}

func TestService_NewSelectionReplacesPending(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")

	surface.selectText("first", 150, 70, 30)
	_, ok := s.CaptureSelection()
	require.True(t, ok)
	require.NoError(t, s.OpenComposer())

	surface.selectText("second", 200, 70, 30)
	_, ok = s.CaptureSelection()
	require.True(t, ok)

	sel, ok := s.PendingSelection()
	require.True(t, ok)
	assert.Equal(t, "second", sel.Text)
	assert.Equal(t, StateTextSelected, s.State())
}

func TestService_CreateRootClearsSelection(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")

	c := createRoot(t, s, surface, "hello", "Nice intro", 150)
	assert.Equal(t, "hello", c.HighlightedText)
	assert.True(t, c.IsInline)
	require.NotNil(t, c.TextPosition)
	assert.Equal(t, 50.0, c.TextPosition.Top)
	assert.Equal(t, "alice", c.AuthorID)
	assert.Equal(t, StateNoSelection, s.State())

	markers := s.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, c.ID, markers[0].Root.ID)
	assert.Equal(t, 50.0, markers[0].Top)
}

func TestService_ResolveHidesMarkerButKeepsRecord(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	s, surface := newService(t, store, "alice")
	ctx := context.Background()

	root := createRoot(t, s, surface, "hello", "Check this", 150)
	require.NoError(t, s.Resolve(ctx, root.ID))
	require.Eventually(t, func() bool { return len(s.Markers()) == 0 }, time.Second, 5*time.Millisecond)

	rows, err := store.Comments().Filter(ctx, storage.Where{"id": root.ID})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.CommentResolved, rows[0].Status)

	// Повторное разрешение идемпотентно.
	assert.NoError(t, s.Resolve(ctx, root.ID))
}

func TestService_ResolveRejectsReplies(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")
	ctx := context.Background()

	root := createRoot(t, s, surface, "hello", "Root", 150)
	reply, err := s.CreateComment(ctx, "Reply", root.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, s.Resolve(ctx, reply.ID), ErrNotRoot)
}

func TestService_ReplyToResolvedRootIsNotAMarker(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	s, surface := newService(t, store, "alice")
	ctx := context.Background()

	root := createRoot(t, s, surface, "hello", "Root", 150)
	require.NoError(t, s.Resolve(ctx, root.ID))

	reply, err := s.CreateComment(ctx, "Late reply", root.ID)
	require.NoError(t, err)
	require.NotNil(t, reply.ParentCommentID)
	assert.Equal(t, root.ID, *reply.ParentCommentID)
	assert.Nil(t, reply.TextPosition)

	rows, err := store.Comments().Filter(ctx, storage.Where{"id": reply.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	require.Eventually(t, func() bool { return len(s.Markers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestService_ReplyToReplyAttachesToRoot(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")
	ctx := context.Background()

	root := createRoot(t, s, surface, "hello", "Root", 150)
	first, err := s.CreateComment(ctx, "First", root.ID)
	require.NoError(t, err)
	second, err := s.CreateComment(ctx, "Second", first.ID)
	require.NoError(t, err)
	assert.Equal(t, root.ID, *second.ParentCommentID)

	_, replies, err := s.Thread(root.ID)
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.Equal(t, first.ID, replies[0].ID)
	assert.Equal(t, second.ID, replies[1].ID)

	_, err = s.CreateComment(ctx, "orphan", "missing")
	assert.ErrorIs(t, err, ErrParentNotFound)
}

func TestService_DeleteIsAuthorOnlyAndDoesNotCascade(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	alice, surface := newService(t, store, "alice")
	bob, _ := newService(t, store, "bob")
	ctx := context.Background()

	root := createRoot(t, alice, surface, "hello", "Root", 150)
	reply, err := bob.CreateComment(ctx, "Bob's reply", root.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, bob.Delete(ctx, root.ID), ErrNotAuthor)
	assert.False(t, bob.CanDelete(root))
	assert.True(t, bob.CanDelete(reply))

	require.NoError(t, alice.Delete(ctx, root.ID))
	require.Eventually(t, func() bool { return len(alice.Markers()) == 0 }, time.Second, 5*time.Millisecond)

	rows, err := store.Comments().Filter(ctx, storage.Where{"id": reply.ID})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, bob.Delete(ctx, reply.ID))
	rows, err = store.Comments().Filter(ctx, storage.Where{"project_id": "doc-1"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestService_MarkersSkipInvalidPositionsAndSortByTop(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	ctx := context.Background()

	_, err := store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-1", AuthorID: "x", Content: "no position"})
	require.NoError(t, err)
	_, err = store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-1", AuthorID: "x", Content: "lower",
		TextPosition: &domain.TextPosition{Top: 300, Left: 0, Width: 10}})
	require.NoError(t, err)
	_, err = store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-1", AuthorID: "x", Content: "broken",
		TextPosition: &domain.TextPosition{Top: 10, Left: 0, Width: -5}})
	require.NoError(t, err)
	_, err = store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-1", AuthorID: "x", Content: "upper",
		TextPosition: &domain.TextPosition{Top: 20, Left: 0, Width: 10}})
	require.NoError(t, err)
	_, err = store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-2", AuthorID: "x", Content: "other doc",
		TextPosition: &domain.TextPosition{Top: 1, Left: 0, Width: 10}})
	require.NoError(t, err)

	s, _ := newService(t, store, "alice")
	markers := s.Markers()
	require.Len(t, markers, 2)
	assert.Equal(t, "upper", markers[0].Root.Content)
	assert.Equal(t, "lower", markers[1].Root.Content)
}

func TestService_ToggleThread(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")
	root := createRoot(t, s, surface, "hello", "Root", 150)

	assert.True(t, s.ToggleThread(root.ID))
	assert.True(t, s.Markers()[0].Expanded)
	assert.False(t, s.ToggleThread(root.ID))
	assert.False(t, s.Markers()[0].Expanded)
}

func TestService_RemoteCommentsArriveThroughFeed(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	alice, surface := newService(t, store, "alice")
	bob, _ := newService(t, store, "bob")

	root := createRoot(t, alice, surface, "hello", "From alice", 150)
	require.Eventually(t, func() bool { return len(bob.Markers()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, root.ID, bob.Markers()[0].Root.ID)

	require.NoError(t, bob.Resolve(context.Background(), root.ID))
	require.Eventually(t, func() bool { return len(alice.Markers()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestService_DeleteEventMatchedByID(t *testing.T) {
	store := inmemory.New(zerolog.Nop())
	ctx := context.Background()
	removed, err := store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-1", AuthorID: "bob", Content: "to be removed",
		TextPosition: &domain.TextPosition{Top: 50, Left: 30, Width: 40}})
	require.NoError(t, err)
	kept, err := store.Comments().Create(ctx, domain.Comment{ProjectID: "doc-1", AuthorID: "bob", Content: "stays",
		TextPosition: &domain.TextPosition{Top: 60, Left: 30, Width: 40}})
	require.NoError(t, err)

	s, _ := newService(t, store, "alice")
	require.Len(t, s.Markers(), 2)

	// Событие удаления несет только id.
	s.onEvent(domain.Event[domain.Comment]{Type: domain.EventDelete, Data: domain.Comment{ID: removed.ID}})
	markers := s.Markers()
	require.Len(t, markers, 1)
	assert.Equal(t, kept.ID, markers[0].Root.ID)

	// Неизвестные удаления и записи других документов не трогают состояние.
	s.onEvent(domain.Event[domain.Comment]{Type: domain.EventDelete, Data: domain.Comment{ID: "unknown"}})
	s.onEvent(domain.Event[domain.Comment]{Type: domain.EventCreate, Data: domain.Comment{ID: "x", ProjectID: "doc-2", Content: "elsewhere"}})
	require.Len(t, s.Comments(), 1)
	assert.Equal(t, kept.ID, s.Comments()[0].ID)
}

func TestService_RejectsInvalidContent(t *testing.T) {
	s, surface := newService(t, inmemory.New(zerolog.Nop()), "alice")

	surface.selectText("hello", 150, 70, 30)
	_, ok := s.CaptureSelection()
	require.True(t, ok)

	_, err := s.CreateComment(context.Background(), "  ", "")
	assert.ErrorIs(t, err, domain.ErrEmptyComment)
	// Выделение сохраняется после неудачи.
	assert.Equal(t, StateTextSelected, s.State())
}

func TestTextPosition_Validate(t *testing.T) {
	assert.NoError(t, domain.TextPosition{Top: 1, Left: 2, Width: 3}.Validate())
	assert.ErrorIs(t, domain.TextPosition{Top: math.NaN()}.Validate(), domain.ErrInvalidPosition)
	assert.ErrorIs(t, domain.TextPosition{Width: math.Inf(1)}.Validate(), domain.ErrInvalidPosition)
}
