// Package remote implements storage.Storage on top of the service HTTP API, so a
// separate process can join a document with the same collaboration code as the server.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

const (
	DefaultReconnectDelay = time.Second
	dialTimeout           = 5 * time.Second
)

type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	Dialer         *websocket.Dialer
	ReconnectDelay time.Duration
	Logger         zerolog.Logger
}

// Store - клиент API сервиса.
type Store struct {
	documents *Collection[domain.Document]
	presence  *Collection[domain.PresenceRecord]
	comments  *Collection[domain.Comment]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) (*Store, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https, got %q", opts.BaseURL)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{cancel: cancel}
	log := opts.Logger.With().Str("component", "remote").Logger()
	c := newClient(base, resty.NewWithClient(opts.HTTPClient), log)

	s.documents = newCollection[domain.Document](ctx, &s.wg, c, opts, "documents", log)
	s.presence = newCollection[domain.PresenceRecord](ctx, &s.wg, c, opts, "presence", log)
	s.comments = newCollection[domain.Comment](ctx, &s.wg, c, opts, "comments", log)
	return s, nil
}

func (s *Store) Documents() storage.Collection[domain.Document]       { return s.documents }
func (s *Store) Presence() storage.Collection[domain.PresenceRecord] { return s.presence }
func (s *Store) Comments() storage.Collection[domain.Comment]        { return s.comments }

// Close закрывает потоки событий и ждет их завершения.
func (s *Store) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Collection - одна сущность API. Поток событий открывается при первой подписке
// и живет до Close хранилища.
type Collection[T domain.Record] struct {
	ctx    context.Context
	wg     *sync.WaitGroup
	client *client
	dialer *websocket.Dialer
	entity string
	delay  time.Duration
	feed   *storage.Feed[T]
	log    zerolog.Logger

	once sync.Once
}

func newCollection[T domain.Record](ctx context.Context, wg *sync.WaitGroup, c *client, opts Options, entity string, log zerolog.Logger) *Collection[T] {
	log = log.With().Str("entity", entity).Logger()
	return &Collection[T]{
		ctx:    ctx,
		wg:     wg,
		client: c,
		dialer: opts.Dialer,
		entity: entity,
		delay:  opts.ReconnectDelay,
		feed:   storage.NewFeed[T](storage.DefaultFeedBuffer, log),
		log:    log,
	}
}

func (c *Collection[T]) Filter(ctx context.Context, where storage.Where) ([]T, error) {
	if where == nil {
		where = storage.Where{}
	}
	rows := make([]T, 0)
	if err := c.client.do(ctx, http.MethodPost, "/api/"+c.entity+"/filter", where, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (c *Collection[T]) Create(ctx context.Context, record T) (T, error) {
	var created T
	if err := c.client.do(ctx, http.MethodPost, "/api/"+c.entity, record, &created); err != nil {
		return record, err
	}
	return created, nil
}

func (c *Collection[T]) Update(ctx context.Context, id string, fields storage.Fields) (T, error) {
	var updated T
	err := c.client.do(ctx, http.MethodPatch, "/api/"+c.entity+"/"+url.PathEscape(id), fields, &updated)
	return updated, err
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.client.do(ctx, http.MethodDelete, "/api/"+c.entity+"/"+url.PathEscape(id), nil, nil)
}

// Subscribe при первом вызове синхронно открывает поток событий, чтобы подписчик
// не пропустил изменения сразу после возврата. Если соединиться не удалось,
// попытки продолжаются в фоне.
func (c *Collection[T]) Subscribe(handler storage.Handler[T]) func() {
	unsubscribe := c.feed.Subscribe(handler)
	c.once.Do(func() {
		if c.ctx.Err() != nil {
			return
		}
		conn, err := c.dial()
		if err != nil {
			c.log.Warn().Err(err).Msg("event stream unavailable, retrying in background")
		}
		c.wg.Add(1)
		go c.stream(conn)
	})
	return unsubscribe
}

func (c *Collection[T]) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, dialTimeout)
	defer cancel()
	conn, _, err := c.dialer.DialContext(ctx, c.client.eventsURL(c.entity), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s events: %w", c.entity, err)
	}
	return conn, nil
}

func (c *Collection[T]) stream(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		if conn == nil {
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(c.delay):
			}
			var err error
			if conn, err = c.dial(); err != nil {
				if c.ctx.Err() == nil {
					c.log.Warn().Err(err).Msg("event stream reconnect failed")
				}
				continue
			}
			c.log.Info().Msg("event stream reconnected")
		}

		cur := conn
		stop := context.AfterFunc(c.ctx, func() { _ = cur.Close() })
		err := c.read(cur)
		stop()
		_ = cur.Close()
		conn = nil

		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn().Err(err).Msg("event stream interrupted")
	}
}

func (c *Collection[T]) read(conn *websocket.Conn) error {
	for {
		var ev domain.Event[T]
		if err := conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return err
		}
		c.feed.Publish(ev)
	}
}
