package graph

import (
	"net/http"
	"time"

	"github.com/99designs/gqlgen/graphql/handler"
	"github.com/99designs/gqlgen/graphql/handler/transport"
	"github.com/gorilla/websocket"
)

// NewServer собирает GraphQL-сервер: POST и GET для запросов,
// websocket для подписок.
func NewServer(r *Resolver, keepAlive time.Duration) *handler.Server {
	srv := handler.New(NewExecutableSchema(r))
	srv.AddTransport(&transport.Websocket{
		Upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		KeepAlivePingInterval: keepAlive,
	})
	srv.AddTransport(transport.Options{})
	srv.AddTransport(transport.GET{})
	srv.AddTransport(transport.POST{})
	return srv
}
