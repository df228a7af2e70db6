package storage

import (
	"context"
	"errors"

	"github.com/UkralStul/collab-doc-service/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrConflict     = errors.New("record already exists")
	ErrUnknownField = errors.New("unknown field")
)

// Where - условия отбора: колонка -> значение.
// nil совпадает с NULL, срез - с любым из своих элементов.
type Where map[string]any

// Fields - изменяемые колонки записи.
type Fields map[string]any

// Handler получает каждое изменение сущности, без фильтрации по документу.
type Handler[T any] func(domain.Event[T])

// Collection - общий контракт хранилища одной сущности.
type Collection[T any] interface {
	Filter(ctx context.Context, where Where) ([]T, error)
	Create(ctx context.Context, record T) (T, error)
	Update(ctx context.Context, id string, fields Fields) (T, error)
	Delete(ctx context.Context, id string) error
	Subscribe(handler Handler[T]) (unsubscribe func())
}

// Storage определяет контракт для хранилищ.
type Storage interface {
	Documents() Collection[domain.Document]
	Presence() Collection[domain.PresenceRecord]
	Comments() Collection[domain.Comment]
	Close() error
}

// Get возвращает запись по id или ErrNotFound.
func Get[T any](ctx context.Context, c Collection[T], id string) (T, error) {
	var zero T
	rows, err := c.Filter(ctx, Where{"id": id})
	if err != nil {
		return zero, err
	}
	if len(rows) == 0 {
		return zero, ErrNotFound
	}
	return rows[0], nil
}

// Upsert обновляет первую запись, подходящую под where, или создает новую.
func Upsert[T any](ctx context.Context, c Collection[T], where Where, fields Fields, record T) (T, error) {
	rows, err := c.Filter(ctx, where)
	if err != nil {
		return record, err
	}
	if len(rows) > 0 {
		if r, ok := any(rows[0]).(domain.Record); ok {
			return c.Update(ctx, r.GetID(), fields)
		}
	}
	return c.Create(ctx, record)
}
