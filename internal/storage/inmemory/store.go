package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// keyed реализуется записями с уникальным составным ключом.
type keyed interface {
	UniqueKey() string
}

// Collection реализует storage.Collection в памяти.
type Collection[T domain.Record] struct {
	mu      sync.RWMutex
	rows    map[string]T
	order   []string // порядок вставки
	columns map[string]struct{}
	feed    *storage.Feed[T]
	prepare func(rec *T, id string, now time.Time)
}

// NewCollection создает коллекцию. prepare заполняет id и временные поля новой записи.
func NewCollection[T domain.Record](log zerolog.Logger, prepare func(rec *T, id string, now time.Time)) *Collection[T] {
	var zero T
	row, err := toRow(zero)
	if err != nil {
		panic(fmt.Sprintf("inmemory: record type is not serializable: %v", err))
	}
	columns := make(map[string]struct{}, len(row))
	for k := range row {
		columns[k] = struct{}{}
	}
	return &Collection[T]{
		rows:    make(map[string]T),
		columns: columns,
		feed:    storage.NewFeed[T](storage.DefaultFeedBuffer, log),
		prepare: prepare,
	}
}

func (c *Collection[T]) Filter(ctx context.Context, where storage.Where) ([]T, error) {
	cond, err := normalize(where, c.columns)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]T, 0)
	for _, id := range c.order {
		rec := c.rows[id]
		row, err := toRow(rec)
		if err != nil {
			return nil, err
		}
		if matches(row, cond) {
			result = append(result, clone(rec))
		}
	}
	return result, nil
}

func (c *Collection[T]) Create(ctx context.Context, record T) (T, error) {
	rec := clone(record)

	c.mu.Lock()
	if c.prepare != nil {
		c.prepare(&rec, uuid.NewString(), time.Now().UTC())
	}
	id := rec.GetID()
	if _, ok := c.rows[id]; ok {
		c.mu.Unlock()
		return record, fmt.Errorf("%w: id %s", storage.ErrConflict, id)
	}
	if err := c.checkUnique(rec, id); err != nil {
		c.mu.Unlock()
		return record, err
	}
	c.rows[id] = rec
	c.order = append(c.order, id)
	// Публикация под блокировкой: порядок событий совпадает с порядком записей.
	c.feed.Publish(domain.Event[T]{Type: domain.EventCreate, Data: clone(rec)})
	c.mu.Unlock()

	return clone(rec), nil
}

func (c *Collection[T]) Update(ctx context.Context, id string, fields storage.Fields) (T, error) {
	var zero T
	if _, ok := fields["id"]; ok {
		return zero, fmt.Errorf("%w: id is immutable", storage.ErrUnknownField)
	}
	patch, err := normalize(fields, c.columns)
	if err != nil {
		return zero, err
	}

	c.mu.Lock()
	current, ok := c.rows[id]
	if !ok {
		c.mu.Unlock()
		return zero, fmt.Errorf("%w: id %s", storage.ErrNotFound, id)
	}
	row, err := toRow(current)
	if err != nil {
		c.mu.Unlock()
		return zero, err
	}
	for k, v := range patch {
		row[k] = v
	}
	updated, err := fromRow[T](row)
	if err != nil {
		c.mu.Unlock()
		return zero, fmt.Errorf("apply fields: %w", err)
	}
	if err := c.checkUnique(updated, id); err != nil {
		c.mu.Unlock()
		return zero, err
	}
	c.rows[id] = updated
	c.feed.Publish(domain.Event[T]{Type: domain.EventUpdate, Data: clone(updated)})
	c.mu.Unlock()

	return clone(updated), nil
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	rec, ok := c.rows[id]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: id %s", storage.ErrNotFound, id)
	}
	delete(c.rows, id)
	for i, existing := range c.order {
		if existing == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.feed.Publish(domain.Event[T]{Type: domain.EventDelete, Data: rec})
	c.mu.Unlock()

	return nil
}

func (c *Collection[T]) Subscribe(handler storage.Handler[T]) func() {
	return c.feed.Subscribe(handler)
}

// Subscribers возвращает число активных подписок.
func (c *Collection[T]) Subscribers() int {
	return c.feed.Len()
}

// checkUnique вызывается под c.mu.
func (c *Collection[T]) checkUnique(rec T, id string) error {
	k, ok := any(rec).(keyed)
	if !ok {
		return nil
	}
	key := k.UniqueKey()
	for otherID, other := range c.rows {
		if otherID == id {
			continue
		}
		if any(other).(keyed).UniqueKey() == key {
			return fmt.Errorf("%w: duplicate key for id %s", storage.ErrConflict, otherID)
		}
	}
	return nil
}

// Store реализует интерфейс Storage в памяти.
type Store struct {
	documents *Collection[domain.Document]
	presence  *Collection[domain.PresenceRecord]
	comments  *Collection[domain.Comment]
}

// New создает новый экземпляр in-memory хранилища.
func New(log zerolog.Logger) *Store {
	return &Store{
		documents: NewCollection(log.With().Str("entity", "documents").Logger(), storage.PrepareDocument),
		presence:  NewCollection(log.With().Str("entity", "presence").Logger(), storage.PreparePresence),
		comments:  NewCollection(log.With().Str("entity", "comments").Logger(), storage.PrepareComment),
	}
}

func (s *Store) Documents() storage.Collection[domain.Document]       { return s.documents }
func (s *Store) Presence() storage.Collection[domain.PresenceRecord] { return s.presence }
func (s *Store) Comments() storage.Collection[domain.Comment]        { return s.comments }

func (s *Store) Close() error { return nil }
