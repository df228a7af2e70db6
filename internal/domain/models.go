package domain

import (
	"errors"
	"math"
	"strings"
	"time"
)

// ContextContentEditor - тип контекста присутствия для редактора документа.
const ContextContentEditor = "content_editor"

// MaxCommentLength - максимальная длина текста комментария в байтах.
const MaxCommentLength = 2000

// Статусы комментария. Переход active -> resolved односторонний.
const (
	CommentActive   = "active"
	CommentResolved = "resolved"
)

// PresenceActive - статус записи присутствия, которую пишет активный редактор.
const PresenceActive = "active"

var (
	ErrEmptyComment    = errors.New("comment content cannot be empty")
	ErrCommentTooLong  = errors.New("comment content is too long")
	ErrInvalidPosition = errors.New("invalid text position")
)

// Record реализуется каждой сохраняемой сущностью.
type Record interface {
	GetID() string
}

// Routed реализуется записями, привязанными к документу или контексту.
type Routed interface {
	RoutingKeys() map[string]string
}

// Document - общий документ. Content всегда полный снапшот, никогда не дифф.
type Document struct {
	ID           string    `json:"id" gorm:"type:varchar(255);primary_key"`
	Content      string    `json:"content" gorm:"type:text;not null;default:''"`
	LastEditedBy string    `json:"last_edited_by" gorm:"type:varchar(255)"`
	LastEditedAt time.Time `json:"last_edited_at"`
}

func (d Document) GetID() string { return d.ID }

// PresenceRecord - курсор пользователя внутри редактора.
// На кортеж (user_id, context_type, context_id) допускается не более одной записи.
type PresenceRecord struct {
	ID           string    `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	UserID       string    `json:"user_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_presence_identity"`
	ContextType  string    `json:"context_type" gorm:"type:varchar(64);not null;uniqueIndex:idx_presence_identity"`
	ContextID    string    `json:"context_id" gorm:"type:varchar(255);not null;uniqueIndex:idx_presence_identity"`
	DisplayName  string    `json:"display_name" gorm:"type:varchar(255)"`
	AvatarRef    string    `json:"avatar_ref" gorm:"type:varchar(1024)"`
	CursorX      float64   `json:"cursor_x"`
	CursorY      float64   `json:"cursor_y"`
	Status       string    `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	LastActivity time.Time `json:"last_activity" gorm:"not null;index"`
}

func (p PresenceRecord) GetID() string { return p.ID }

// RoutingKeys возвращает колонки, по которым подписчики отбирают события.
func (p PresenceRecord) RoutingKeys() map[string]string {
	return map[string]string{
		"user_id":      p.UserID,
		"context_type": p.ContextType,
		"context_id":   p.ContextID,
	}
}

// UniqueKey возвращает ключ кортежа присутствия.
func (p PresenceRecord) UniqueKey() string {
	return p.UserID + "\x00" + p.ContextType + "\x00" + p.ContextID
}

// TextPosition - прямоугольник выделения относительно контейнера редактора.
type TextPosition struct {
	Top   float64 `json:"top"`
	Left  float64 `json:"left"`
	Width float64 `json:"width"`
}

// Validate проверяет позицию при записи, чтобы чтение не могло сломаться.
func (p TextPosition) Validate() error {
	for _, v := range []float64{p.Top, p.Left, p.Width} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return ErrInvalidPosition
		}
	}
	if p.Width < 0 {
		return ErrInvalidPosition
	}
	return nil
}

// Comment - комментарий, привязанный к выделению в документе.
// Ответы (ParentCommentID != nil) вкладываются только на один уровень.
type Comment struct {
	ID              string        `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	ProjectID       string        `json:"project_id" gorm:"type:varchar(255);not null;index"`
	AuthorID        string        `json:"author_id" gorm:"type:varchar(255);not null"`
	AuthorName      string        `json:"author_name" gorm:"type:varchar(255)"`
	AuthorAvatar    string        `json:"author_avatar" gorm:"type:varchar(1024)"`
	Content         string        `json:"content" gorm:"type:varchar(2000);not null"`
	IsInline        bool          `json:"is_inline" gorm:"not null;default:false"`
	HighlightedText string        `json:"highlighted_text" gorm:"type:text"`
	TextPosition    *TextPosition `json:"text_position" gorm:"type:jsonb;serializer:json"`
	ParentCommentID *string       `json:"parent_comment_id" gorm:"type:uuid;index"`
	Status          string        `json:"status" gorm:"type:varchar(20);not null;default:'active'"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null;default:now()"`
}

func (c Comment) GetID() string { return c.ID }

func (c Comment) RoutingKeys() map[string]string {
	return map[string]string{"project_id": c.ProjectID}
}

// IsRoot сообщает, является ли комментарий корнем треда.
func (c Comment) IsRoot() bool { return c.ParentCommentID == nil }

// Validate проверяет текст и, для корня, позицию.
func (c Comment) Validate() error {
	if strings.TrimSpace(c.Content) == "" {
		return ErrEmptyComment
	}
	if len(c.Content) > MaxCommentLength {
		return ErrCommentTooLong
	}
	if c.TextPosition != nil {
		return c.TextPosition.Validate()
	}
	return nil
}
