// Package presence broadcasts the local pointer position and reconciles remote cursors.
//
// Remote cursors are kept current by two paths that share one reconciliation function:
// a poll that refetches every record for the document, and the push feed. Push alone can
// miss events across reconnects, poll alone is up to one interval stale.
package presence

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

const (
	DefaultThrottle     = 100 * time.Millisecond
	DefaultPollInterval = time.Second
	DefaultTTL          = 30 * time.Second
)

// Palette - фиксированный набор цветов курсоров.
var Palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#9a6324",
}

// ColorFor детерминированно выбирает цвет пользователя без координации с сервером.
func ColorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return Palette[h.Sum32()%uint32(len(Palette))]
}

// Cursor - курсор удаленного пользователя.
type Cursor struct {
	RecordID     string
	UserID       string
	DisplayName  string
	AvatarRef    string
	X, Y         float64
	Status       string
	Color        string
	LastActivity time.Time
}

type Options struct {
	DocumentID  string
	UserID      string
	DisplayName string
	AvatarRef   string

	Throttle     time.Duration
	PollInterval time.Duration
	TTL          time.Duration

	Clock  clockwork.Clock
	Logger zerolog.Logger

	OnCursors func(map[string]Cursor)
}

type point struct{ x, y float64 }

type Broadcaster struct {
	records storage.Collection[domain.PresenceRecord]
	opts    Options
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup

	mu          sync.Mutex
	cursors     map[string]Cursor
	recordID    string
	lastSent    time.Time
	sent        bool
	trailingPos *point
	trailing    clockwork.Timer
	latest      *point // ящик для writer-а, хранит только последнюю позицию
	poll        clockwork.Timer
	unsubscribe func()
	started     bool
	closed      bool
}

func New(records storage.Collection[domain.PresenceRecord], opts Options) *Broadcaster {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		records: records,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "presence").Str("document", opts.DocumentID).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		cursors: make(map[string]Cursor),
	}
}

// Start подписывается на ленту, запускает writer и опрос.
func (b *Broadcaster) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.unsubscribe = b.records.Subscribe(b.ApplyPresenceEvent)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.writer()

	if err := b.Reconcile(ctx); err != nil {
		b.log.Warn().Err(err).Msg("initial presence poll failed")
	}
	b.schedulePoll()
	return nil
}

// ReportLocalPosition вызывается на каждое движение указателя внутри контейнера.
// Не чаще одной записи за Throttle; последняя позиция окна уходит по таймеру.
func (b *Broadcaster) ReportLocalPosition(x, y float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.started {
		return
	}

	p := point{x, y}
	now := b.opts.Clock.Now()
	elapsed := now.Sub(b.lastSent)
	if !b.sent || elapsed >= b.opts.Throttle {
		b.lastSent = now
		b.sent = true
		b.trailingPos = nil
		b.enqueue(p)
		return
	}

	b.trailingPos = &p
	if b.trailing == nil {
		b.trailing = b.opts.Clock.AfterFunc(b.opts.Throttle-elapsed, b.flushTrailing)
	}
}

func (b *Broadcaster) flushTrailing() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trailing = nil
	if b.closed || b.trailingPos == nil {
		return
	}
	b.lastSent = b.opts.Clock.Now()
	b.enqueue(*b.trailingPos)
	b.trailingPos = nil
}

// enqueue вызывается под b.mu.
func (b *Broadcaster) enqueue(p point) {
	b.latest = &p
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Broadcaster) writer() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
			b.mu.Lock()
			p := b.latest
			b.latest = nil
			b.mu.Unlock()
			if p != nil {
				b.upsert(b.ctx, *p)
			}
		}
	}
}

func (b *Broadcaster) identity() storage.Where {
	return storage.Where{
		"user_id":      b.opts.UserID,
		"context_type": domain.ContextContentEditor,
		"context_id":   b.opts.DocumentID,
	}
}

func (b *Broadcaster) upsert(ctx context.Context, p point) {
	now := b.opts.Clock.Now()
	fields := storage.Fields{
		"cursor_x":      p.x,
		"cursor_y":      p.y,
		"status":        domain.PresenceActive,
		"last_activity": now,
	}

	b.mu.Lock()
	id := b.recordID
	b.mu.Unlock()

	if id != "" {
		_, err := b.records.Update(ctx, id, fields)
		if err == nil {
			return
		}
		if !errors.Is(err, storage.ErrNotFound) {
			b.log.Warn().Err(err).Msg("presence update failed")
			return
		}
	}

	rec, err := storage.Upsert(ctx, b.records, b.identity(), fields, domain.PresenceRecord{
		UserID:       b.opts.UserID,
		ContextType:  domain.ContextContentEditor,
		ContextID:    b.opts.DocumentID,
		DisplayName:  b.opts.DisplayName,
		AvatarRef:    b.opts.AvatarRef,
		CursorX:      p.x,
		CursorY:      p.y,
		Status:       domain.PresenceActive,
		LastActivity: now,
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("presence upsert failed")
		return
	}

	b.mu.Lock()
	b.recordID = rec.ID
	b.mu.Unlock()
}

func (b *Broadcaster) schedulePoll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.poll = b.opts.Clock.AfterFunc(b.opts.PollInterval, func() {
		if err := b.Reconcile(b.ctx); err != nil {
			b.log.Warn().Err(err).Msg("presence poll failed")
		}
		b.schedulePoll()
	})
}

// Reconcile перечитывает все записи контекста и целиком заменяет карту курсоров.
func (b *Broadcaster) Reconcile(ctx context.Context) error {
	records, err := b.records.Filter(ctx, storage.Where{
		"context_type": domain.ContextContentEditor,
		"context_id":   b.opts.DocumentID,
	})
	if err != nil {
		return fmt.Errorf("fetch presence: %w", err)
	}

	next := make(map[string]Cursor, len(records))
	for _, rec := range records {
		b.apply(next, domain.Event[domain.PresenceRecord]{Type: domain.EventUpdate, Data: rec})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.cursors = next
	snapshot := copyCursors(next)
	b.mu.Unlock()

	b.emit(snapshot)
	return nil
}

// ApplyPresenceEvent - единая идемпотентная точка применения изменений присутствия.
func (b *Broadcaster) ApplyPresenceEvent(ev domain.Event[domain.PresenceRecord]) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	changed := b.apply(b.cursors, ev)
	snapshot := copyCursors(b.cursors)
	b.mu.Unlock()

	if changed {
		b.emit(snapshot)
	}
}

func (b *Broadcaster) apply(cursors map[string]Cursor, ev domain.Event[domain.PresenceRecord]) bool {
	rec := ev.Data
	// Удаление ищется по id записи: в событии может не быть контекста.
	if ev.Type == domain.EventDelete && rec.ID != "" {
		for user, c := range cursors {
			if c.RecordID == rec.ID {
				delete(cursors, user)
				return true
			}
		}
		return false
	}
	if rec.ContextType != domain.ContextContentEditor || rec.ContextID != b.opts.DocumentID {
		return false
	}
	if rec.UserID == b.opts.UserID {
		return false
	}

	existing, ok := cursors[rec.UserID]
	if ev.Type == domain.EventDelete {
		if !ok {
			return false
		}
		delete(cursors, rec.UserID)
		return true
	}

	if b.stale(rec.LastActivity) {
		if ok {
			delete(cursors, rec.UserID)
		}
		return ok
	}
	// Опоздавшее событие не откатывает более свежую позицию.
	if ok && existing.LastActivity.After(rec.LastActivity) {
		return false
	}

	cursors[rec.UserID] = Cursor{
		RecordID:     rec.ID,
		UserID:       rec.UserID,
		DisplayName:  rec.DisplayName,
		AvatarRef:    rec.AvatarRef,
		X:            rec.CursorX,
		Y:            rec.CursorY,
		Status:       rec.Status,
		Color:        ColorFor(rec.UserID),
		LastActivity: rec.LastActivity,
	}
	return true
}

func (b *Broadcaster) stale(lastActivity time.Time) bool {
	return b.opts.Clock.Now().Sub(lastActivity) > b.opts.TTL
}

func (b *Broadcaster) emit(cursors map[string]Cursor) {
	if b.opts.OnCursors != nil {
		b.opts.OnCursors(cursors)
	}
}

// Cursors возвращает копию карты удаленных курсоров.
func (b *Broadcaster) Cursors() map[string]Cursor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return copyCursors(b.cursors)
}

// Close останавливает опрос, подписку и writer, затем удаляет собственную запись.
func (b *Broadcaster) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	started := b.started
	if b.poll != nil {
		b.poll.Stop()
	}
	if b.trailing != nil {
		b.trailing.Stop()
		b.trailing = nil
	}
	unsubscribe := b.unsubscribe
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	b.cancel()
	close(b.stop)
	b.wg.Wait()

	if !started {
		return nil
	}
	return b.deleteOwn(ctx)
}

func (b *Broadcaster) deleteOwn(ctx context.Context) error {
	b.mu.Lock()
	id := b.recordID
	b.recordID = ""
	b.mu.Unlock()

	ids := []string{id}
	if id == "" {
		// Запись могла создаться, пока отменялся контекст writer-а.
		own, err := b.records.Filter(ctx, b.identity())
		if err != nil {
			return fmt.Errorf("lookup own presence: %w", err)
		}
		ids = ids[:0]
		for _, rec := range own {
			ids = append(ids, rec.ID)
		}
	}

	for _, id := range ids {
		if err := b.records.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete own presence: %w", err)
		}
	}
	return nil
}

func copyCursors(in map[string]Cursor) map[string]Cursor {
	out := make(map[string]Cursor, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
