package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Коды ошибок в теле ответа. По ним клиент восстанавливает ошибки хранилища.
const (
	CodeNotFound     = "not_found"
	CodeConflict     = "conflict"
	CodeUnknownField = "unknown_field"
	CodeBadRequest   = "bad_request"
	CodeTooLarge     = "too_large"
	CodeInternal     = "internal"
)

var errBadRequest = errors.New("bad request")

// ErrorBody - тело ответа с ошибкой.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func classify(err error) (int, string) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, CodeConflict
	case errors.Is(err, storage.ErrUnknownField):
		return http.StatusBadRequest, CodeUnknownField
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, CodeTooLarge
	case errors.Is(err, errBadRequest),
		errors.Is(err, domain.ErrEmptyComment),
		errors.Is(err, domain.ErrCommentTooLong),
		errors.Is(err, domain.ErrInvalidPosition):
		return http.StatusBadRequest, CodeBadRequest
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, status, ErrorBody{Error: err.Error(), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
