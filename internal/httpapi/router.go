// Package httpapi serves the record contract over HTTP: REST endpoints per entity,
// a websocket change feed per entity, a thread view for comments and the
// GraphQL endpoint with its playground.
package httpapi

import (
	"net/http"
	"time"

	"github.com/99designs/gqlgen/graphql/playground"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/graph"
	"github.com/UkralStul/collab-doc-service/internal/dataloader"
	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

const (
	DefaultMaxBodySize  = 4 << 20
	DefaultPingInterval = 10 * time.Second
)

type Options struct {
	MaxBodySize  int64
	PingInterval time.Duration
	Logger       zerolog.Logger
}

// NewRouter собирает маршрутизатор API поверх хранилища.
func NewRouter(store storage.Storage, opts Options) http.Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	log := opts.Logger.With().Str("component", "http").Logger()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLogger(log))
	router.Use(middleware.Recoverer)

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	resolver := &graph.Resolver{
		Comments:  store.Comments(),
		Documents: store.Documents(),
		Log:       log.With().Str("component", "graphql").Logger(),
	}
	router.Handle("/", playground.Handler("GraphQL playground", "/query"))
	router.Handle("/query", dataloader.Middleware(store.Comments(), graph.NewServer(resolver, opts.PingInterval)))

	router.Route("/api", func(r chi.Router) {
		r.Use(middleware.RequestSize(opts.MaxBodySize))

		mount(r, &resource[domain.Document]{
			name:     "documents",
			records:  store.Documents(),
			ping:     opts.PingInterval,
			upgrader: upgrader,
			log:      log.With().Str("entity", "documents").Logger(),
		})
		mount(r, &resource[domain.PresenceRecord]{
			name:     "presence",
			records:  store.Presence(),
			ping:     opts.PingInterval,
			upgrader: upgrader,
			log:      log.With().Str("entity", "presence").Logger(),
		})
		mount(r, &resource[domain.Comment]{
			name:     "comments",
			records:  store.Comments(),
			validate: func(c domain.Comment) error { return c.Validate() },
			ping:     opts.PingInterval,
			upgrader: upgrader,
			log:      log.With().Str("entity", "comments").Logger(),
		})

		threads := &threadsHandler{comments: store.Comments(), log: log}
		r.With(func(next http.Handler) http.Handler {
			return dataloader.Middleware(store.Comments(), next)
		}).Get("/projects/{projectID}/threads", threads.list)
	})

	return router
}
