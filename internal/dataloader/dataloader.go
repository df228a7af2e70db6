package dataloader

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/graph-gophers/dataloader"

	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

type contextKey string

const key = contextKey("dataloaders")

// Loaders содержит все дата-лоадеры запроса.
type Loaders struct {
	RepliesByRootID *dataloader.Loader
}

// NewLoaders создает лоадеры поверх коллекции комментариев.
func NewLoaders(comments storage.Collection[domain.Comment]) *Loaders {
	batchFn := func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		rootIDs := make([]string, len(keys))
		for i, k := range keys {
			rootIDs[i] = k.String()
		}

		// Один запрос на все ключи пачки.
		replies, err := comments.Filter(ctx, storage.Where{"parent_comment_id": rootIDs})
		results := make([]*dataloader.Result, len(keys))
		if err != nil {
			for i := range results {
				results[i] = &dataloader.Result{Error: err}
			}
			return results
		}

		byRoot := make(map[string][]domain.Comment, len(rootIDs))
		for _, c := range replies {
			if c.ParentCommentID != nil {
				byRoot[*c.ParentCommentID] = append(byRoot[*c.ParentCommentID], c)
			}
		}
		// Результаты в том же порядке, что и ключи.
		for i, id := range rootIDs {
			results[i] = &dataloader.Result{Data: byRoot[id]}
		}
		return results
	}

	return &Loaders{
		RepliesByRootID: dataloader.NewBatchedLoader(batchFn, dataloader.WithWait(time.Millisecond)),
	}
}

// Replies загружает ответы одного корня через батчинг.
func (l *Loaders) Replies(ctx context.Context, rootID string) ([]domain.Comment, error) {
	v, err := l.RepliesByRootID.Load(ctx, dataloader.StringKey(rootID))()
	if err != nil {
		return nil, err
	}
	replies, ok := v.([]domain.Comment)
	if !ok && v != nil {
		return nil, fmt.Errorf("unexpected loader value %T", v)
	}
	return replies, nil
}

// Middleware для внедрения лоадеров в контекст запроса.
func Middleware(comments storage.Collection[domain.Comment], next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := WithLoaders(r.Context(), NewLoaders(comments))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithLoaders кладет лоадеры в контекст. Долгим соединениям нужен свежий
// набор на каждый ответ, иначе кэш лоадера отдаст устаревшие ответы.
func WithLoaders(ctx context.Context, l *Loaders) context.Context {
	return context.WithValue(ctx, key, l)
}

// For извлекает лоадеры из контекста.
func For(ctx context.Context) *Loaders {
	l, _ := ctx.Value(key).(*Loaders)
	return l
}
