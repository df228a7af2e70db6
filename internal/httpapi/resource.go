package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// resource отдает одну коллекцию как REST-ресурс и ленту событий.
type resource[T domain.Record] struct {
	name     string
	records  storage.Collection[T]
	validate func(T) error
	ping     time.Duration
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

func mount[T domain.Record](r chi.Router, res *resource[T]) {
	r.Route("/"+res.name, func(r chi.Router) {
		r.Post("/filter", res.filter)
		r.Post("/", res.create)
		r.Patch("/{id}", res.update)
		r.Delete("/{id}", res.delete)
		r.Get("/events", res.events)
	})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func (res *resource[T]) filter(w http.ResponseWriter, r *http.Request) {
	where := storage.Where{}
	if r.ContentLength != 0 {
		if err := decode(r, &where); err != nil {
			writeError(w, res.log, err)
			return
		}
	}
	rows, err := res.records.Filter(r.Context(), where)
	if err != nil {
		writeError(w, res.log, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (res *resource[T]) create(w http.ResponseWriter, r *http.Request) {
	var rec T
	if err := decode(r, &rec); err != nil {
		writeError(w, res.log, err)
		return
	}
	if res.validate != nil {
		if err := res.validate(rec); err != nil {
			writeError(w, res.log, err)
			return
		}
	}
	created, err := res.records.Create(r.Context(), rec)
	if err != nil {
		writeError(w, res.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (res *resource[T]) update(w http.ResponseWriter, r *http.Request) {
	var fields storage.Fields
	if err := decode(r, &fields); err != nil {
		writeError(w, res.log, err)
		return
	}
	updated, err := res.records.Update(r.Context(), chi.URLParam(r, "id"), fields)
	if err != nil {
		writeError(w, res.log, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (res *resource[T]) delete(w http.ResponseWriter, r *http.Request) {
	if err := res.records.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, res.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// events транслирует все изменения коллекции в websocket до отключения клиента.
// Отстающий клиент теряет события, как и любой подписчик ленты.
func (res *resource[T]) events(w http.ResponseWriter, r *http.Request) {
	// Подписка оформляется до рукопожатия: клиент, получивший ответ 101,
	// уже не пропустит ни одного события.
	events := make(chan domain.Event[T], storage.DefaultFeedBuffer)
	unsubscribe := res.records.Subscribe(func(ev domain.Event[T]) {
		select {
		case events <- ev:
		default:
			res.log.Warn().Str("type", string(ev.Type)).Msg("websocket client is lagging, event dropped")
		}
	})
	defer unsubscribe()

	conn, err := res.upgrader.Upgrade(w, r, nil)
	if err != nil {
		res.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Читатель нужен для pong и обнаружения закрытия соединения.
	gone := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(2 * res.ping))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * res.ping))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(res.ping)
	defer ticker.Stop()

	res.log.Debug().Msg("event stream opened")
	for {
		select {
		case <-gone:
			res.log.Debug().Msg("event stream closed by client")
			return
		case <-r.Context().Done():
			return
		case ev := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(res.ping))
			if err := conn.WriteJSON(ev); err != nil {
				res.log.Debug().Err(err).Msg("event write failed")
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(res.ping)); err != nil {
				return
			}
		}
	}
}
