package graph

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/UkralStul/collab-doc-service/internal/collab/comments"
	"github.com/UkralStul/collab-doc-service/internal/dataloader"
	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// === Comment Resolvers ===

// Parent возвращает корень треда для ответа. Удаленный корень дает null.
func (r *commentResolver) Parent(ctx context.Context, obj domain.Comment) (*domain.Comment, error) {
	if obj.ParentCommentID == nil {
		return nil, nil
	}
	return r.find(ctx, *obj.ParentCommentID)
}

// Replies загружает ответы корня через дата-лоадер, у ответов список всегда пуст.
func (r *commentResolver) Replies(ctx context.Context, obj domain.Comment) ([]domain.Comment, error) {
	if !obj.IsRoot() {
		return []domain.Comment{}, nil
	}
	return r.replies(ctx, obj.ID)
}

// === Thread Resolvers ===

func (r *threadResolver) Replies(ctx context.Context, obj Thread) ([]domain.Comment, error) {
	return r.replies(ctx, obj.Root.ID)
}

// === Document Resolvers ===

func (r *documentResolver) Threads(ctx context.Context, obj domain.Document, status *string) ([]Thread, error) {
	return r.threads(ctx, obj.ID, status)
}

// === Query Resolvers ===

func (r *queryResolver) Document(ctx context.Context, id string) (*domain.Document, error) {
	doc, err := storage.Get(ctx, r.Documents, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

func (r *queryResolver) Threads(ctx context.Context, projectID string, status *string) ([]Thread, error) {
	return r.threads(ctx, projectID, status)
}

func (r *queryResolver) Comment(ctx context.Context, id string) (*domain.Comment, error) {
	return r.find(ctx, id)
}

// === Mutation Resolvers ===

// CreateComment создает корень по выделению или ответ. Ответ на ответ крепится к корню треда.
func (r *mutationResolver) CreateComment(ctx context.Context, input NewComment) (domain.Comment, error) {
	c := domain.Comment{
		ProjectID:    input.ProjectID,
		AuthorID:     input.AuthorID,
		AuthorName:   deref(input.AuthorName),
		AuthorAvatar: deref(input.AuthorAvatar),
		Content:      input.Content,
		Status:       domain.CommentActive,
	}

	if input.ParentCommentID != nil {
		parent, err := storage.Get(ctx, r.Comments, *input.ParentCommentID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && parent.ProjectID != input.ProjectID) {
			return domain.Comment{}, fmt.Errorf("%w: %s", comments.ErrParentNotFound, *input.ParentCommentID)
		}
		if err != nil {
			return domain.Comment{}, fmt.Errorf("failed to get parent comment: %w", err)
		}
		rootID := comments.ReplyParent(parent)
		c.ParentCommentID = &rootID
	} else {
		if input.TextPosition == nil {
			return domain.Comment{}, comments.ErrNoSelection
		}
		c.IsInline = true
		c.HighlightedText = deref(input.HighlightedText)
		c.TextPosition = &domain.TextPosition{
			Top:   input.TextPosition.Top,
			Left:  input.TextPosition.Left,
			Width: input.TextPosition.Width,
		}
	}

	if err := c.Validate(); err != nil {
		return domain.Comment{}, err
	}
	created, err := r.Comments.Create(ctx, c)
	if err != nil {
		r.Log.Warn().Err(err).Str("project", c.ProjectID).Msg("graphql comment create failed")
		return domain.Comment{}, fmt.Errorf("failed to create comment: %w", err)
	}
	return created, nil
}

// ResolveComment переводит корень в resolved. Повторный вызов возвращает запись как есть.
func (r *mutationResolver) ResolveComment(ctx context.Context, id string) (domain.Comment, error) {
	c, err := r.get(ctx, id)
	if err != nil {
		return domain.Comment{}, err
	}
	if !c.IsRoot() {
		return domain.Comment{}, comments.ErrNotRoot
	}
	if c.Status == domain.CommentResolved {
		return c, nil
	}
	return r.Comments.Update(ctx, id, storage.Fields{"status": domain.CommentResolved})
}

// DeleteComment удаляет комментарий автора. Ответы корня остаются.
func (r *mutationResolver) DeleteComment(ctx context.Context, id, authorID string) (bool, error) {
	c, err := r.get(ctx, id)
	if err != nil {
		return false, err
	}
	if c.AuthorID != authorID {
		return false, comments.ErrNotAuthor
	}
	if err := r.Comments.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to delete comment: %w", err)
	}
	return true, nil
}

// === Subscription Resolvers ===

// CommentAdded отдает новые комментарии документа, пока жив ctx.
func (r *subscriptionResolver) CommentAdded(ctx context.Context, projectID string) (<-chan domain.Comment, error) {
	if projectID == "" {
		return nil, errors.New("projectId must not be empty")
	}

	ch := make(chan domain.Comment, 16)
	unsubscribe := r.Comments.Subscribe(func(ev domain.Event[domain.Comment]) {
		if ev.Type != domain.EventCreate || ev.Data.ProjectID != projectID {
			return
		}
		select {
		case ch <- ev.Data:
		case <-ctx.Done():
		default:
			// Клиент не успевает читать.
			r.Log.Warn().Str("project", projectID).Str("comment", ev.Data.ID).Msg("subscriber is slow, comment dropped")
		}
	})

	// Горутина для очистки при отключении клиента
	go func() {
		<-ctx.Done()
		unsubscribe()
	}()
	return ch, nil
}

// === Shared helpers ===

func (r *Resolver) get(ctx context.Context, id string) (domain.Comment, error) {
	c, err := storage.Get(ctx, r.Comments, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Comment{}, fmt.Errorf("%w: %s", comments.ErrCommentNotFound, id)
	}
	return c, err
}

func (r *Resolver) find(ctx context.Context, id string) (*domain.Comment, error) {
	c, err := storage.Get(ctx, r.Comments, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return &c, nil
}

func (r *Resolver) threads(ctx context.Context, projectID string, status *string) ([]Thread, error) {
	where := storage.Where{"project_id": projectID, "parent_comment_id": nil}
	if status != nil {
		where["status"] = *status
	}
	roots, err := r.Comments.Filter(ctx, where)
	if err != nil {
		return nil, fmt.Errorf("failed to get threads: %w", err)
	}
	sortByCreated(roots)

	threads := make([]Thread, len(roots))
	for i, root := range roots {
		threads[i] = Thread{Root: root}
	}
	return threads, nil
}

func (r *Resolver) replies(ctx context.Context, rootID string) ([]domain.Comment, error) {
	loaders := dataloader.For(ctx)
	if loaders == nil {
		loaders = dataloader.NewLoaders(r.Comments)
	}
	replies, err := loaders.Replies(ctx, rootID)
	if err != nil {
		return nil, fmt.Errorf("failed to get replies: %w", err)
	}
	out := append([]domain.Comment{}, replies...)
	sortByCreated(out)
	return out, nil
}

func sortByCreated(cs []domain.Comment) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

// === Boilerplate: связывание резолверов с типами схемы ===

func (r *Resolver) Comment() *commentResolver           { return &commentResolver{r} }
func (r *Resolver) Thread() *threadResolver             { return &threadResolver{r} }
func (r *Resolver) Document() *documentResolver         { return &documentResolver{r} }
func (r *Resolver) Query() *queryResolver               { return &queryResolver{r} }
func (r *Resolver) Mutation() *mutationResolver         { return &mutationResolver{r} }
func (r *Resolver) Subscription() *subscriptionResolver { return &subscriptionResolver{r} }

type commentResolver struct{ *Resolver }
type threadResolver struct{ *Resolver }
type documentResolver struct{ *Resolver }
type queryResolver struct{ *Resolver }
type mutationResolver struct{ *Resolver }
type subscriptionResolver struct{ *Resolver }
