package comments

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

var (
	ErrNoSelection     = errors.New("no text selected")
	ErrNotRoot         = errors.New("only root comments can be resolved")
	ErrNotAuthor       = errors.New("only the author can delete a comment")
	ErrParentNotFound  = errors.New("parent comment not found")
	ErrCommentNotFound = errors.New("comment not found")
)

// Surface - область редактора, которую предоставляет хост.
type Surface interface {
	// Bounds возвращает прямоугольник контейнера в координатах страницы.
	Bounds() domain.Rect
	// ActiveSelection возвращает текущее выделение в координатах страницы.
	ActiveSelection() (text string, rect domain.Rect, ok bool)
}

// Selection - захваченное выделение, позиция относительно контейнера.
type Selection struct {
	Text     string
	Position domain.TextPosition
}

// ThreadState - состояние создания треда.
type ThreadState int

const (
	StateNoSelection ThreadState = iota
	StateTextSelected
	StateComposing
)

// Marker - видимая метка активного корневого комментария.
type Marker struct {
	Root     domain.Comment
	Top      float64
	Replies  []domain.Comment
	Expanded bool
}

type Options struct {
	ProjectID  string
	UserID     string
	UserName   string
	UserAvatar string
	Surface    Surface
	Logger     zerolog.Logger

	OnMarkers func([]Marker)
}

// Service управляет комментариями одного документа.
type Service struct {
	comments storage.Collection[domain.Comment]
	opts     Options
	log      zerolog.Logger

	mu          sync.Mutex
	byID        map[string]domain.Comment
	expanded    map[string]bool
	selection   *Selection
	composing   bool
	unsubscribe func()
	closed      bool
}

func New(comments storage.Collection[domain.Comment], opts Options) *Service {
	return &Service{
		comments: comments,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "comments").Str("project", opts.ProjectID).Logger(),
		byID:     make(map[string]domain.Comment),
		expanded: make(map[string]bool),
	}
}

// Start загружает комментарии документа и подписывается на их изменения.
func (s *Service) Start(ctx context.Context) error {
	rows, err := s.comments.Filter(ctx, storage.Where{"project_id": s.opts.ProjectID})
	if err != nil {
		return fmt.Errorf("load comments: %w", err)
	}

	s.mu.Lock()
	for _, c := range rows {
		s.byID[c.ID] = c
	}
	s.unsubscribe = s.comments.Subscribe(s.onEvent)
	s.mu.Unlock()

	s.notify()
	return nil
}

func (s *Service) onEvent(ev domain.Event[domain.Comment]) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch ev.Type {
	case domain.EventDelete:
		// Удаление узнаем по id: в событии может не быть остальных полей записи.
		if _, ok := s.byID[ev.Data.ID]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.byID, ev.Data.ID)
		delete(s.expanded, ev.Data.ID)
	default:
		if ev.Data.ProjectID != s.opts.ProjectID {
			s.mu.Unlock()
			return
		}
		s.byID[ev.Data.ID] = ev.Data
	}
	s.mu.Unlock()

	s.notify()
}

// CaptureSelection вызывается на отпускание указателя внутри редактора.
// Пустые выделения и выделения вне контейнера игнорируются.
func (s *Service) CaptureSelection() (Selection, bool) {
	if s.opts.Surface == nil {
		return Selection{}, false
	}
	text, rect, ok := s.opts.Surface.ActiveSelection()
	if !ok || strings.TrimSpace(text) == "" {
		return Selection{}, false
	}
	bounds := s.opts.Surface.Bounds()
	if !bounds.Contains(rect) {
		return Selection{}, false
	}

	rel := bounds.Relative(rect)
	sel := Selection{
		Text:     text,
		Position: domain.TextPosition{Top: rel.Top, Left: rel.Left, Width: rel.Width},
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Selection{}, false
	}
	s.selection = &sel
	s.composing = false
	return sel, true
}

// PendingSelection возвращает захваченное выделение, если оно есть.
func (s *Service) PendingSelection() (Selection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return Selection{}, false
	}
	return *s.selection, true
}

func (s *Service) OpenComposer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selection == nil {
		return ErrNoSelection
	}
	s.composing = true
	return nil
}

// DismissComposer закрывает редактор комментария и сбрасывает выделение.
func (s *Service) DismissComposer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selection = nil
	s.composing = false
}

func (s *Service) State() ThreadState {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.composing:
		return StateComposing
	case s.selection != nil:
		return StateTextSelected
	default:
		return StateNoSelection
	}
}

// CreateComment создает корневой комментарий по выделению или ответ, если задан parentID.
// Ответ на ответ прикрепляется к корню треда.
func (s *Service) CreateComment(ctx context.Context, text, parentID string) (domain.Comment, error) {
	c := domain.Comment{
		ProjectID:    s.opts.ProjectID,
		AuthorID:     s.opts.UserID,
		AuthorName:   s.opts.UserName,
		AuthorAvatar: s.opts.UserAvatar,
		Content:      text,
		Status:       domain.CommentActive,
	}

	if parentID == "" {
		sel, ok := s.PendingSelection()
		if !ok {
			return domain.Comment{}, ErrNoSelection
		}
		pos := sel.Position
		c.IsInline = true
		c.HighlightedText = sel.Text
		c.TextPosition = &pos
	} else {
		parent, err := s.lookup(ctx, parentID)
		if err != nil {
			return domain.Comment{}, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
		if parent.ProjectID != s.opts.ProjectID {
			return domain.Comment{}, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
		}
		rootID := ReplyParent(parent)
		c.ParentCommentID = &rootID
	}

	if err := c.Validate(); err != nil {
		return domain.Comment{}, err
	}

	created, err := s.comments.Create(ctx, c)
	if err != nil {
		s.log.Warn().Err(err).Msg("comment create failed")
		return domain.Comment{}, fmt.Errorf("create comment: %w", err)
	}

	s.mu.Lock()
	s.byID[created.ID] = created
	s.selection = nil
	s.composing = false
	s.mu.Unlock()

	s.notify()
	return created, nil
}

// Resolve переводит корневой комментарий в resolved. Повторный вызов ничего не делает.
func (s *Service) Resolve(ctx context.Context, id string) error {
	c, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !c.IsRoot() {
		return ErrNotRoot
	}
	if c.Status == domain.CommentResolved {
		return nil
	}

	resolved := c
	resolved.Status = domain.CommentResolved
	s.put(resolved)

	updated, err := s.comments.Update(ctx, id, storage.Fields{"status": domain.CommentResolved})
	if err != nil {
		s.put(c)
		s.log.Warn().Err(err).Str("comment", id).Msg("comment resolve failed")
		return fmt.Errorf("resolve comment: %w", err)
	}
	s.put(updated)
	return nil
}

// Delete удаляет комментарий автора. Ответы корня не удаляются.
func (s *Service) Delete(ctx context.Context, id string) error {
	c, err := s.lookup(ctx, id)
	if err != nil {
		return err
	}
	if !s.CanDelete(c) {
		return ErrNotAuthor
	}

	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
	s.notify()

	if err := s.comments.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.put(c)
		s.log.Warn().Err(err).Str("comment", id).Msg("comment delete failed")
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}

// CanDelete сообщает, показывать ли пользователю удаление.
func (s *Service) CanDelete(c domain.Comment) bool {
	return c.AuthorID == s.opts.UserID
}

// Markers возвращает метки активных корневых комментариев, упорядоченные по вертикали.
// Корни с некорректной позицией пропускаются.
func (s *Service) Markers() []Marker {
	s.mu.Lock()
	defer s.mu.Unlock()

	replies := s.repliesLocked()
	markers := make([]Marker, 0)
	for _, c := range s.byID {
		if !c.IsRoot() || c.Status != domain.CommentActive {
			continue
		}
		if c.TextPosition == nil || c.TextPosition.Validate() != nil {
			s.log.Debug().Str("comment", c.ID).Msg("skipping marker without valid position")
			continue
		}
		markers = append(markers, Marker{
			Root:     c,
			Top:      c.TextPosition.Top,
			Replies:  replies[c.ID],
			Expanded: s.expanded[c.ID],
		})
	}
	sort.Slice(markers, func(i, j int) bool {
		if markers[i].Top == markers[j].Top {
			return markers[i].Root.CreatedAt.Before(markers[j].Root.CreatedAt)
		}
		return markers[i].Top < markers[j].Top
	})
	return markers
}

// ToggleThread разворачивает или сворачивает тред метки.
func (s *Service) ToggleThread(id string) bool {
	s.mu.Lock()
	expanded := !s.expanded[id]
	if expanded {
		s.expanded[id] = true
	} else {
		delete(s.expanded, id)
	}
	s.mu.Unlock()

	s.notify()
	return expanded
}

// Thread возвращает корень и его ответы в порядке создания.
func (s *Service) Thread(id string) (domain.Comment, []domain.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.byID[id]
	if !ok || !root.IsRoot() {
		return domain.Comment{}, nil, fmt.Errorf("%w: %s", ErrCommentNotFound, id)
	}
	return root, s.repliesLocked()[id], nil
}

// Comments возвращает все известные комментарии документа в порядке создания.
func (s *Service) Comments() []domain.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Comment, 0, len(s.byID))
	for _, c := range s.byID {
		out = append(out, c)
	}
	sortByCreated(out)
	return out
}

func (s *Service) repliesLocked() map[string][]domain.Comment {
	replies := make(map[string][]domain.Comment)
	for _, c := range s.byID {
		if c.ParentCommentID != nil {
			replies[*c.ParentCommentID] = append(replies[*c.ParentCommentID], c)
		}
	}
	for k := range replies {
		sortByCreated(replies[k])
	}
	return replies
}

func (s *Service) lookup(ctx context.Context, id string) (domain.Comment, error) {
	s.mu.Lock()
	c, ok := s.byID[id]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	c, err := storage.Get(ctx, s.comments, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Comment{}, fmt.Errorf("%w: %s", ErrCommentNotFound, id)
		}
		return domain.Comment{}, err
	}
	return c, nil
}

func (s *Service) put(c domain.Comment) {
	s.mu.Lock()
	s.byID[c.ID] = c
	s.mu.Unlock()
	s.notify()
}

func (s *Service) notify() {
	if s.opts.OnMarkers != nil {
		s.opts.OnMarkers(s.Markers())
	}
}

// Close сбрасывает выделение и состояние редактора, отменяет подписку.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.selection = nil
	s.composing = false
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

// ReplyParent возвращает id корня треда, к которому крепится ответ на parent.
// Вложенность одноуровневая: ответ на ответ уходит к корню.
func ReplyParent(parent domain.Comment) string {
	if parent.IsRoot() {
		return parent.ID
	}
	return *parent.ParentCommentID
}

func sortByCreated(cs []domain.Comment) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}
