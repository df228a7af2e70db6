package storage

import (
	"time"

	"github.com/UkralStul/collab-doc-service/internal/domain"
)

// Функции заполнения новой записи перед вставкой. Общие для всех хранилищ.

func PrepareDocument(d *domain.Document, id string, now time.Time) {
	if d.ID == "" {
		d.ID = id
	}
}

func PreparePresence(p *domain.PresenceRecord, id string, now time.Time) {
	if p.ID == "" {
		p.ID = id
	}
	if p.ContextType == "" {
		p.ContextType = domain.ContextContentEditor
	}
	if p.LastActivity.IsZero() {
		p.LastActivity = now
	}
	if p.Status == "" {
		p.Status = domain.PresenceActive
	}
}

func PrepareComment(c *domain.Comment, id string, now time.Time) {
	if c.ID == "" {
		c.ID = id
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.Status == "" {
		c.Status = domain.CommentActive
	}
}
