package graph

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/collab/comments"
	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Resolver - корневая структура резолвера.
// Она содержит все зависимости, которые нужны для выполнения запросов.
type Resolver struct {
	Comments  storage.Collection[domain.Comment]
	Documents storage.Collection[domain.Document]
	Log       zerolog.Logger
}

// Thread - корень треда. Ответы подгружаются дата-лоадером.
type Thread struct {
	Root domain.Comment
}

type TextPositionInput struct {
	Top   float64 `mapstructure:"top"`
	Left  float64 `mapstructure:"left"`
	Width float64 `mapstructure:"width"`
}

type NewComment struct {
	ProjectID       string             `mapstructure:"projectId"`
	AuthorID        string             `mapstructure:"authorId"`
	AuthorName      *string            `mapstructure:"authorName"`
	AuthorAvatar    *string            `mapstructure:"authorAvatar"`
	Content         string             `mapstructure:"content"`
	HighlightedText *string            `mapstructure:"highlightedText"`
	TextPosition    *TextPositionInput `mapstructure:"textPosition"`
	ParentCommentID *string            `mapstructure:"parentCommentId"`
}

// errorCode - значение extensions.code для ошибок, которые клиент может исправить сам.
func errorCode(err error) string {
	switch {
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, comments.ErrCommentNotFound),
		errors.Is(err, comments.ErrParentNotFound):
		return "NOT_FOUND"
	case errors.Is(err, comments.ErrNotAuthor):
		return "FORBIDDEN"
	case errors.Is(err, comments.ErrNotRoot),
		errors.Is(err, comments.ErrNoSelection),
		errors.Is(err, domain.ErrEmptyComment),
		errors.Is(err, domain.ErrCommentTooLong),
		errors.Is(err, domain.ErrInvalidPosition):
		return "BAD_USER_INPUT"
	}
	return ""
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
