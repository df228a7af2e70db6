package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

const seedDocumentID = "welcome"

// fillWithMockData создает демонстрационный документ с тредами. Повторный запуск
// на постоянном хранилище ничего не делает.
func fillWithMockData(ctx context.Context, s storage.Storage) error {
	// 1. Документ.
	doc, err := s.Documents().Create(ctx, domain.Document{
		ID:           seedDocumentID,
		Content:      "<h1>Welcome</h1><p>Edit this document together and leave comments on any selection.</p>",
		LastEditedBy: "user-admin",
	})
	if errors.Is(err, storage.ErrConflict) {
		log.Info().Str("document", seedDocumentID).Msg("seed data already present")
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed document: %w", err)
	}

	// 2. Корневой комментарий на заголовке и ответ на него.
	c1, err := s.Comments().Create(ctx, domain.Comment{
		ProjectID:       doc.ID,
		AuthorID:        "user-2",
		AuthorName:      "Maria",
		Content:         "Maybe a friendlier title?",
		IsInline:        true,
		HighlightedText: "Welcome",
		TextPosition:    &domain.TextPosition{Top: 12, Left: 0, Width: 180},
	})
	if err != nil {
		return fmt.Errorf("seed comment 1: %w", err)
	}
	_, err = s.Comments().Create(ctx, domain.Comment{
		ProjectID:       doc.ID,
		AuthorID:        "user-1",
		AuthorName:      "Ivan",
		Content:         "Agreed, let's brainstorm.",
		ParentCommentID: &c1.ID,
	})
	if err != nil {
		return fmt.Errorf("seed reply: %w", err)
	}

	// 3. Уже разрешенный тред: в метках не виден.
	c2, err := s.Comments().Create(ctx, domain.Comment{
		ProjectID:       doc.ID,
		AuthorID:        "user-3",
		AuthorName:      "Alex",
		Content:         "Typo in the second sentence.",
		IsInline:        true,
		HighlightedText: "selection",
		TextPosition:    &domain.TextPosition{Top: 48, Left: 320, Width: 64},
	})
	if err != nil {
		return fmt.Errorf("seed comment 2: %w", err)
	}
	if _, err := s.Comments().Update(ctx, c2.ID, storage.Fields{"status": domain.CommentResolved}); err != nil {
		return fmt.Errorf("resolve seed comment: %w", err)
	}

	log.Info().Str("document", doc.ID).Msg("mock data filled")
	return nil
}
