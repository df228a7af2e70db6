// Package content keeps a viewer's editor buffer in sync with the shared document.
//
// Conflicts are resolved last-writer-wins on whole snapshots: an inbound remote snapshot
// replaces the local buffer and the user is told who overwrote it. Keystrokes typed by two
// users inside the same debounce window can be lost.
package content

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// DefaultDebounce - период тишины перед рассылкой локальных правок.
const DefaultDebounce = time.Second

// State - состояние рассылки.
type State int

const (
	StateIdle State = iota
	StatePending
	StateBroadcasting
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateBroadcasting:
		return "broadcasting"
	default:
		return "idle"
	}
}

// Origin - источник изменения буфера.
type Origin int

const (
	OriginInitial Origin = iota
	OriginLocal
	OriginRemote
)

// Notification - сообщение о том, что чужая правка перезаписала буфер.
type Notification struct {
	DocumentID string
	EditedBy   string
	EditedAt   time.Time
}

func (n Notification) Message() string {
	return fmt.Sprintf("%s updated the document", n.EditedBy)
}

type Options struct {
	DocumentID string
	UserID     string
	Debounce   time.Duration
	Clock      clockwork.Clock
	Logger     zerolog.Logger

	OnChange     func(content string, origin Origin)
	OnSave       func(content string)
	OnRemoteEdit func(Notification)
}

// Synchronizer - конечный автомат idle -> pending -> broadcasting -> idle.
type Synchronizer struct {
	docs storage.Collection[domain.Document]
	opts Options
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	state        State
	buffer       string
	timer        clockwork.Timer
	gen          uint64 // поколение взведенного таймера
	suppressEcho bool
	unsubscribe  func()
	closed       bool
}

func New(docs storage.Collection[domain.Document], opts Options) *Synchronizer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		docs:   docs,
		opts:   opts,
		log:    opts.Logger.With().Str("component", "content").Str("document", opts.DocumentID).Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start загружает текущий снапшот и подписывается на изменения документа.
func (s *Synchronizer) Start(ctx context.Context) error {
	doc, err := storage.Get(ctx, s.docs, s.opts.DocumentID)
	if err != nil {
		return fmt.Errorf("load document %s: %w", s.opts.DocumentID, err)
	}

	s.mu.Lock()
	s.buffer = doc.Content
	s.unsubscribe = s.docs.Subscribe(s.OnRemoteChange)
	s.mu.Unlock()

	s.emitChange(doc.Content, OriginInitial)
	return nil
}

// ApplyLocalEdit сразу заменяет буфер и перевзводит отложенную рассылку.
func (s *Synchronizer) ApplyLocalEdit(content string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	// Редактор вернул нам только что примененный удаленный контент.
	if s.suppressEcho && content == s.buffer {
		s.mu.Unlock()
		return
	}
	s.buffer = content
	s.arm()
	s.mu.Unlock()

	s.emitChange(content, OriginLocal)
}

// arm вызывается под s.mu.
func (s *Synchronizer) arm() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = s.opts.Clock.AfterFunc(s.opts.Debounce, func() { s.broadcast(gen) })
	s.state = StatePending
}

// disarm вызывается под s.mu.
func (s *Synchronizer) disarm() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	if s.state == StatePending {
		s.state = StateIdle
	}
}

func (s *Synchronizer) broadcast(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.gen || s.state != StatePending {
		s.mu.Unlock()
		return
	}
	s.state = StateBroadcasting
	s.timer = nil
	content := s.buffer
	s.mu.Unlock()

	if s.opts.OnSave != nil {
		s.opts.OnSave(content)
	}

	_, err := s.docs.Update(s.ctx, s.opts.DocumentID, storage.Fields{
		"content":        content,
		"last_edited_by": s.opts.UserID,
		"last_edited_at": s.opts.Clock.Now(),
	})
	if err != nil {
		// Повтора нет: следующая правка запишет актуальный буфер.
		s.log.Warn().Err(err).Msg("content broadcast failed")
	}

	s.mu.Lock()
	if s.state == StateBroadcasting {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// OnRemoteChange применяет входящий снапшот по правилу last-writer-wins.
func (s *Synchronizer) OnRemoteChange(ev domain.Event[domain.Document]) {
	doc := ev.Data
	if doc.ID != s.opts.DocumentID {
		return
	}
	if ev.Type == domain.EventDelete {
		s.log.Warn().Msg("document deleted remotely, keeping local buffer")
		return
	}
	if doc.LastEditedBy == s.opts.UserID {
		return
	}

	s.mu.Lock()
	if s.closed || doc.Content == s.buffer {
		s.mu.Unlock()
		return
	}
	s.buffer = doc.Content
	s.disarm()
	s.suppressEcho = true
	s.mu.Unlock()

	s.emitChange(doc.Content, OriginRemote)

	s.mu.Lock()
	s.suppressEcho = false
	s.mu.Unlock()

	s.log.Info().Str("edited_by", doc.LastEditedBy).Msg("local buffer overwritten by remote edit")
	if s.opts.OnRemoteEdit != nil {
		s.opts.OnRemoteEdit(Notification{
			DocumentID: doc.ID,
			EditedBy:   doc.LastEditedBy,
			EditedAt:   doc.LastEditedAt,
		})
	}
}

func (s *Synchronizer) emitChange(content string, origin Origin) {
	if s.opts.OnChange != nil {
		s.opts.OnChange(content, origin)
	}
}

func (s *Synchronizer) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer
}

func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close отменяет таймер и подписку. Неотправленная правка теряется.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.state == StatePending {
		s.state = StateIdle
	}
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	s.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}
