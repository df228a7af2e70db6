package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
)

// DefaultChannel - канал NOTIFY по умолчанию.
const DefaultChannel = "collab_events"

// maxInlineData - сколько байт записи можно вложить в payload (лимит NOTIFY ~8000).
const maxInlineData = 7000

// envelope - payload уведомления об изменении. Keys несет колонки маршрутизации
// (project_id, context_id...), чтобы подписчики узнали событие даже без Data.
type envelope struct {
	Entity string            `json:"entity"`
	Type   domain.EventType  `json:"type"`
	ID     string            `json:"id"`
	Keys   map[string]string `json:"keys,omitempty"`
	Data   json.RawMessage   `json:"data,omitempty"`
}

// record возвращает тело записи; если оно не поместилось в payload, остаются id и ключи.
func (e envelope) record() []byte {
	if len(e.Data) > 0 {
		return e.Data
	}
	fields := make(map[string]string, len(e.Keys)+1)
	for k, v := range e.Keys {
		fields[k] = v
	}
	fields["id"] = e.ID
	b, _ := json.Marshal(fields)
	return b
}

// encodeEnvelope кладет запись целиком только в delete: после удаления ее уже не перечитать.
func encodeEnvelope(entity string, typ domain.EventType, rec domain.Record) (string, error) {
	env := envelope{Entity: entity, Type: typ, ID: rec.GetID()}
	if r, ok := rec.(domain.Routed); ok {
		env.Keys = r.RoutingKeys()
	}
	if typ == domain.EventDelete {
		data, err := json.Marshal(rec)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", entity, err)
		}
		if len(data) <= maxInlineData {
			env.Data = data
		}
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeEnvelope(payload string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return env, fmt.Errorf("decode notification: %w", err)
	}
	if env.Entity == "" || env.ID == "" {
		return env, fmt.Errorf("decode notification: missing entity or id")
	}
	return env, nil
}

type dispatcher interface {
	dispatch(ctx context.Context, env envelope)
}

// listener держит отдельное pgx-соединение с LISTEN и раздает уведомления таблицам.
type listener struct {
	dsn     string
	channel string
	tables  map[string]dispatcher
	log     zerolog.Logger
	backoff time.Duration
}

func (l *listener) connect(ctx context.Context) (*pgx.Conn, error) {
	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	return conn, nil
}

// run обрабатывает уведомления до отмены ctx, переподключаясь при обрыве.
// Пропущенные за время обрыва события не восстанавливаются.
func (l *listener) run(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		if conn != nil {
			_ = conn.Close(context.Background())
		}
	}()

	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(l.backoff):
			}
			var err error
			if conn, err = l.connect(ctx); err != nil {
				l.log.Warn().Err(err).Msg("listener reconnect failed")
				continue
			}
			l.log.Info().Msg("listener reconnected")
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn().Err(err).Msg("listener connection lost")
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}
		l.handle(ctx, n.Payload)
	}
}

func (l *listener) handle(ctx context.Context, payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		l.log.Warn().Err(err).Msg("skipping notification")
		return
	}
	t, ok := l.tables[env.Entity]
	if !ok {
		l.log.Debug().Str("entity", env.Entity).Msg("notification for unknown entity")
		return
	}
	t.dispatch(ctx, env)
}
