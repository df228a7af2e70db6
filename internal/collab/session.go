// Package collab binds content sync, presence and comments to one editor view.
// A Session owns every timer, subscription and record it creates and releases all of
// them in Close.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/collab/comments"
	"github.com/UkralStul/collab-doc-service/internal/collab/content"
	"github.com/UkralStul/collab-doc-service/internal/collab/presence"
	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Timing - интервалы подсистем. Нулевые значения заменяются значениями по умолчанию.
type Timing struct {
	EditDebounce     time.Duration
	PresenceThrottle time.Duration
	PresencePoll     time.Duration
	PresenceTTL      time.Duration
}

type Options struct {
	DocumentID  string
	UserID      string
	DisplayName string
	AvatarRef   string

	Surface comments.Surface
	Timing  Timing
	Clock   clockwork.Clock
	Logger  zerolog.Logger

	OnContentChange func(content string, origin content.Origin)
	OnSave          func(content string)
	OnRemoteEdit    func(content.Notification)
	OnCursors       func(map[string]presence.Cursor)
	OnMarkers       func([]comments.Marker)
}

// Session - подключение одного пользователя к одному документу.
type Session struct {
	Content  *content.Synchronizer
	Presence *presence.Broadcaster
	Comments *comments.Service

	surface comments.Surface
	log     zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open запускает все три подсистемы. При ошибке уже запущенные освобождаются.
func Open(ctx context.Context, store storage.Storage, opts Options) (*Session, error) {
	if opts.DocumentID == "" || opts.UserID == "" {
		return nil, errors.New("document id and user id are required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	s := &Session{
		surface: opts.Surface,
		log:     opts.Logger.With().Str("document", opts.DocumentID).Str("user", opts.UserID).Logger(),
	}

	s.Content = content.New(store.Documents(), content.Options{
		DocumentID:   opts.DocumentID,
		UserID:       opts.UserID,
		Debounce:     opts.Timing.EditDebounce,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		OnChange:     opts.OnContentChange,
		OnSave:       opts.OnSave,
		OnRemoteEdit: opts.OnRemoteEdit,
	})
	s.Presence = presence.New(store.Presence(), presence.Options{
		DocumentID:   opts.DocumentID,
		UserID:       opts.UserID,
		DisplayName:  opts.DisplayName,
		AvatarRef:    opts.AvatarRef,
		Throttle:     opts.Timing.PresenceThrottle,
		PollInterval: opts.Timing.PresencePoll,
		TTL:          opts.Timing.PresenceTTL,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
		OnCursors:    opts.OnCursors,
	})
	s.Comments = comments.New(store.Comments(), comments.Options{
		ProjectID:  opts.DocumentID,
		UserID:     opts.UserID,
		UserName:   opts.DisplayName,
		UserAvatar: opts.AvatarRef,
		Surface:    opts.Surface,
		Logger:     opts.Logger,
		OnMarkers:  opts.OnMarkers,
	})

	if err := s.Content.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("start content sync: %w", err)
	}
	if err := s.Presence.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("start presence: %w", err)
	}
	if err := s.Comments.Start(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("start comments: %w", err)
	}

	s.log.Info().Msg("session opened")
	return s, nil
}

// PointerMove принимает координаты страницы; движения вне контейнера игнорируются.
func (s *Session) PointerMove(pageX, pageY float64) {
	if s.surface == nil {
		return
	}
	b := s.surface.Bounds()
	if !b.ContainsPoint(pageX, pageY) {
		return
	}
	s.Presence.ReportLocalPosition(pageX-b.Left, pageY-b.Top)
}

// PointerUp захватывает выделение для будущего комментария.
func (s *Session) PointerUp() (comments.Selection, bool) {
	return s.Comments.CaptureSelection()
}

// Edit применяет локальную правку буфера.
func (s *Session) Edit(text string) {
	s.Content.ApplyLocalEdit(text)
}

// Comment создает корневой комментарий по текущему выделению.
func (s *Session) Comment(ctx context.Context, text string) (domain.Comment, error) {
	return s.Comments.CreateComment(ctx, text, "")
}

// Close освобождает все ресурсы сессии. Повторные вызовы возвращают первый результат.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.Content.Close()
		s.Comments.Close()
		if err := s.Presence.Close(ctx); err != nil {
			s.closeErr = fmt.Errorf("close presence: %w", err)
		}
		s.log.Info().Msg("session closed")
	})
	return s.closeErr
}
