package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"

	"github.com/UkralStul/collab-doc-service/internal/domain"
)

// fieldFunc вычисляет значение поля объекта по аргументам запроса.
type fieldFunc func(ctx context.Context, obj any, args map[string]any) (any, error)

// nextFunc ждет следующее значение подписки. false - поток закончен.
type nextFunc func(ctx context.Context) (any, bool)

// streamFunc открывает поток корневого поля подписки.
type streamFunc func(ctx context.Context, args map[string]any) (nextFunc, error)

// prop - поле без резолвера, значение берется из самой записи.
func prop[T any](get func(T) any) fieldFunc {
	return func(_ context.Context, obj any, _ map[string]any) (any, error) {
		v, ok := obj.(T)
		if !ok {
			return nil, fmt.Errorf("unexpected parent %T", obj)
		}
		return get(v), nil
	}
}

// fields - таблица полей объектных типов схемы.
func (r *Resolver) fields() map[string]map[string]fieldFunc {
	query, mutation := r.Query(), r.Mutation()
	comment, thread, document := r.Comment(), r.Thread(), r.Document()

	return map[string]map[string]fieldFunc{
		"Query": {
			"document": func(ctx context.Context, _ any, args map[string]any) (any, error) {
				return query.Document(ctx, argString(args, "id"))
			},
			"threads": func(ctx context.Context, _ any, args map[string]any) (any, error) {
				return query.Threads(ctx, argString(args, "projectId"), argStatus(args, "status"))
			},
			"comment": func(ctx context.Context, _ any, args map[string]any) (any, error) {
				return query.Comment(ctx, argString(args, "id"))
			},
		},
		"Mutation": {
			"createComment": func(ctx context.Context, _ any, args map[string]any) (any, error) {
				var input NewComment
				if err := decodeInput(args["input"], &input); err != nil {
					return nil, err
				}
				return mutation.CreateComment(ctx, input)
			},
			"resolveComment": func(ctx context.Context, _ any, args map[string]any) (any, error) {
				return mutation.ResolveComment(ctx, argString(args, "id"))
			},
			"deleteComment": func(ctx context.Context, _ any, args map[string]any) (any, error) {
				return mutation.DeleteComment(ctx, argString(args, "id"), argString(args, "authorId"))
			},
		},
		"Document": {
			"id":           prop(func(d domain.Document) any { return d.ID }),
			"content":      prop(func(d domain.Document) any { return d.Content }),
			"lastEditedBy": prop(func(d domain.Document) any { return d.LastEditedBy }),
			"lastEditedAt": prop(func(d domain.Document) any { return d.LastEditedAt }),
			"threads": func(ctx context.Context, obj any, args map[string]any) (any, error) {
				return document.Threads(ctx, obj.(domain.Document), argStatus(args, "status"))
			},
		},
		"Thread": {
			"root": prop(func(t Thread) any { return t.Root }),
			"replies": func(ctx context.Context, obj any, _ map[string]any) (any, error) {
				return thread.Replies(ctx, obj.(Thread))
			},
		},
		"Comment": {
			"id":              prop(func(c domain.Comment) any { return c.ID }),
			"projectId":       prop(func(c domain.Comment) any { return c.ProjectID }),
			"authorId":        prop(func(c domain.Comment) any { return c.AuthorID }),
			"authorName":      prop(func(c domain.Comment) any { return c.AuthorName }),
			"authorAvatar":    prop(func(c domain.Comment) any { return c.AuthorAvatar }),
			"content":         prop(func(c domain.Comment) any { return c.Content }),
			"isInline":        prop(func(c domain.Comment) any { return c.IsInline }),
			"highlightedText": prop(func(c domain.Comment) any { return c.HighlightedText }),
			"textPosition":    prop(func(c domain.Comment) any { return c.TextPosition }),
			"parentCommentId": prop(func(c domain.Comment) any { return c.ParentCommentID }),
			"status":          prop(func(c domain.Comment) any { return c.Status }),
			"createdAt":       prop(func(c domain.Comment) any { return c.CreatedAt }),
			"parent": func(ctx context.Context, obj any, _ map[string]any) (any, error) {
				return comment.Parent(ctx, obj.(domain.Comment))
			},
			"replies": func(ctx context.Context, obj any, _ map[string]any) (any, error) {
				return comment.Replies(ctx, obj.(domain.Comment))
			},
		},
		"TextPosition": {
			"top":   prop(func(p domain.TextPosition) any { return p.Top }),
			"left":  prop(func(p domain.TextPosition) any { return p.Left }),
			"width": prop(func(p domain.TextPosition) any { return p.Width }),
		},
	}
}

// streams - корневые поля подписки.
func (r *Resolver) streams() map[string]streamFunc {
	subscription := r.Subscription()

	return map[string]streamFunc{
		"commentAdded": func(ctx context.Context, args map[string]any) (nextFunc, error) {
			ch, err := subscription.CommentAdded(ctx, argString(args, "projectId"))
			if err != nil {
				return nil, err
			}
			return func(ctx context.Context) (any, bool) {
				select {
				case c := <-ch:
					return c, true
				case <-ctx.Done():
					return nil, false
				}
			}, nil
		},
	}
}

func argString(args map[string]any, name string) string {
	s, _ := args[name].(string)
	return s
}

// argStatus переводит значение enum CommentStatus в статус записи.
func argStatus(args map[string]any, name string) *string {
	s, ok := args[name].(string)
	if !ok {
		return nil
	}
	status := strings.ToLower(s)
	return &status
}

// decodeInput раскладывает input-объект запроса в структуру.
// Числа приходят как json.Number, int64 или float64 в зависимости от источника.
func decodeInput(raw any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      out,
		ErrorUnused: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	return nil
}
