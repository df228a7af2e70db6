package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/schema"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Table реализует storage.Collection поверх одной таблицы.
// События не публикуются при записи: они приходят обратно через LISTEN,
// поэтому все экземпляры сервиса видят одну и ту же ленту.
type Table[T domain.Record] struct {
	db      *gorm.DB
	entity  string
	channel string
	order   string
	name    string
	columns map[string]*schema.Field
	prepare func(rec *T, id string, now time.Time)
	feed    *storage.Feed[T]
	log     zerolog.Logger
}

func newTable[T domain.Record](db *gorm.DB, entity, channel, order string, prepare func(*T, string, time.Time), log zerolog.Logger) (*Table[T], error) {
	s, err := parseSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("parse %s schema: %w", entity, err)
	}
	log = log.With().Str("entity", entity).Logger()
	return &Table[T]{
		db:      db,
		entity:  entity,
		channel: channel,
		order:   order,
		name:    s.Table,
		columns: s.FieldsByDBName,
		prepare: prepare,
		feed:    storage.NewFeed[T](storage.DefaultFeedBuffer, log),
		log:     log,
	}, nil
}

func parseSchema[T any]() (*schema.Schema, error) {
	var zero T
	return schema.Parse(&zero, &sync.Map{}, schema.NamingStrategy{})
}

func (t *Table[T]) Filter(ctx context.Context, where storage.Where) ([]T, error) {
	q := t.db.WithContext(ctx).Model(new(T))
	for col, v := range where {
		if _, ok := t.columns[col]; !ok {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownField, col)
		}
		// clause.Eq сам строит IS NULL для nil и IN для срезов.
		q = q.Where(clause.Eq{Column: clause.Column{Name: col}, Value: v})
	}

	rows := make([]T, 0)
	if err := q.Order(t.order).Find(&rows).Error; err != nil {
		err = translateError(err)
		if errors.Is(err, storage.ErrNotFound) {
			return rows, nil
		}
		return nil, err
	}
	return rows, nil
}

func (t *Table[T]) Create(ctx context.Context, record T) (T, error) {
	rec := record
	if t.prepare != nil {
		t.prepare(&rec, uuid.NewString(), time.Now().UTC())
	}

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return t.notify(tx, domain.EventCreate, rec)
	})
	if err != nil {
		return record, translateError(err)
	}
	return rec, nil
}

func (t *Table[T]) Update(ctx context.Context, id string, fields storage.Fields) (T, error) {
	var rec T
	values, err := t.assignments(fields)
	if err != nil {
		return rec, err
	}

	err = t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Table(t.name).Where("id = ?", id).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			return err
		}
		return t.notify(tx, domain.EventUpdate, rec)
	})
	if err != nil {
		return rec, translateError(err)
	}
	return rec, nil
}

func (t *Table[T]) Delete(ctx context.Context, id string) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec T
		if err := tx.First(&rec, "id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(new(T), "id = ?", id).Error; err != nil {
			return err
		}
		return t.notify(tx, domain.EventDelete, rec)
	})
	return translateError(err)
}

func (t *Table[T]) Subscribe(handler storage.Handler[T]) func() {
	return t.feed.Subscribe(handler)
}

// assignments проверяет колонки и готовит значения для UPDATE.
// Колонки с сериализатором (jsonb) передаются как JSON-текст.
func (t *Table[T]) assignments(fields storage.Fields) (map[string]any, error) {
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: nothing to update", storage.ErrUnknownField)
	}
	values := make(map[string]any, len(fields))
	for col, v := range fields {
		field, ok := t.columns[col]
		if !ok || field.PrimaryKey {
			return nil, fmt.Errorf("%w: %s", storage.ErrUnknownField, col)
		}
		if field.Serializer != nil && v != nil {
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("encode %s: %w", col, err)
			}
			v = string(b)
		}
		values[col] = v
	}
	return values, nil
}

func (t *Table[T]) notify(tx *gorm.DB, typ domain.EventType, rec T) error {
	payload, err := encodeEnvelope(t.entity, typ, rec)
	if err != nil {
		return err
	}
	return tx.Exec("SELECT pg_notify(?, ?)", t.channel, payload).Error
}

// dispatch публикует событие, пришедшее через NOTIFY. Для create и update запись
// перечитывается, чтобы не упираться в лимит размера payload.
func (t *Table[T]) dispatch(ctx context.Context, env envelope) {
	var rec T
	switch env.Type {
	case domain.EventDelete:
		if err := json.Unmarshal(env.record(), &rec); err != nil {
			t.log.Warn().Err(err).Str("id", env.ID).Msg("bad delete payload")
			return
		}
	case domain.EventCreate, domain.EventUpdate:
		rows, err := t.Filter(ctx, storage.Where{"id": env.ID})
		if err != nil {
			t.log.Warn().Err(err).Str("id", env.ID).Msg("refetch after notify failed")
			return
		}
		if len(rows) == 0 {
			// Запись уже удалена, событие delete придет следом.
			return
		}
		rec = rows[0]
	default:
		t.log.Warn().Str("type", string(env.Type)).Msg("unknown event type")
		return
	}
	t.feed.Publish(domain.Event[T]{Type: env.Type, Data: rec})
}
