package remote

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/httpapi"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// client выполняет REST-вызовы API сервиса.
type client struct {
	base *url.URL
	rest *resty.Client
}

func newClient(base *url.URL, rest *resty.Client, log zerolog.Logger) *client {
	rest.SetHeader("Accept", "application/json").
		SetLogger(restyLogger{log: log})
	return &client{base: base, rest: rest}
}

func (c *client) endpoint(path string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String()
}

// eventsURL возвращает ws(s)-адрес ленты событий сущности.
func (c *client) eventsURL(entity string) string {
	u := *c.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/" + entity + "/events"
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String()
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	req := c.rest.R().
		SetContext(ctx).
		SetError(&httpapi.ErrorBody{})
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	if out != nil {
		req.SetResult(out)
	}

	resp, err := req.Execute(method, c.endpoint(path))
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return decodeError(method, path, resp)
	}
	return nil
}

// decodeError восстанавливает ошибки хранилища по коду из тела ответа.
func decodeError(method, path string, resp *resty.Response) error {
	body, _ := resp.Error().(*httpapi.ErrorBody)
	if body == nil || body.Error == "" {
		// Ответ не от API (прокси, балансировщик): тело не в формате ErrorBody.
		body = &httpapi.ErrorBody{Error: strings.TrimSpace(resp.String())}
	}

	var sentinel error
	switch body.Code {
	case httpapi.CodeNotFound:
		sentinel = storage.ErrNotFound
	case httpapi.CodeConflict:
		sentinel = storage.ErrConflict
	case httpapi.CodeUnknownField:
		sentinel = storage.ErrUnknownField
	}
	if sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, body.Error)
	}
	return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode(), body.Error)
}

// restyLogger направляет журнал resty в zerolog.
type restyLogger struct {
	log zerolog.Logger
}

func (l restyLogger) Errorf(format string, v ...interface{}) { l.log.Error().Msgf(format, v...) }
func (l restyLogger) Warnf(format string, v ...interface{})  { l.log.Warn().Msgf(format, v...) }
func (l restyLogger) Debugf(format string, v ...interface{}) { l.log.Debug().Msgf(format, v...) }
