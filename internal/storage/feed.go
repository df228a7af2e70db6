package storage

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
)

// DefaultFeedBuffer - размер очереди событий одного подписчика.
const DefaultFeedBuffer = 64

// Feed раздает события изменений подписчикам.
// Медленный подписчик теряет события: опрос в клиентах компенсирует пропуски.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Event[T]
	buffer int
	log    zerolog.Logger
}

// NewFeed - конструктор ленты событий.
func NewFeed[T any](buffer int, log zerolog.Logger) *Feed[T] {
	if buffer <= 0 {
		buffer = DefaultFeedBuffer
	}
	return &Feed[T]{
		subs:   make(map[string]chan domain.Event[T]),
		buffer: buffer,
		log:    log,
	}
}

// Subscribe регистрирует обработчик. События доставляются по порядку в отдельной горутине.
func (f *Feed[T]) Subscribe(handler Handler[T]) func() {
	ch := make(chan domain.Event[T], f.buffer)
	subID := uuid.NewString()

	f.mu.Lock()
	f.subs[subID] = ch
	f.mu.Unlock()

	go func() {
		for ev := range ch {
			handler(ev)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, subID)
			close(ch)
			f.mu.Unlock()
		})
	}
}

// Publish отправляет событие всем подписчикам, не блокируясь.
func (f *Feed[T]) Publish(ev domain.Event[T]) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, ch := range f.subs {
		select {
		case ch <- ev:
		default:
			f.log.Warn().Str("subscriber", id).Str("type", string(ev.Type)).Msg("subscriber is lagging, event dropped")
		}
	}
}

// Len возвращает число активных подписчиков.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}
