package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	loader "github.com/graph-gophers/dataloader"
	"github.com/rs/zerolog"

	"github.com/UkralStul/collab-doc-service/internal/dataloader"
	"github.com/UkralStul/collab-doc-service/internal/domain"
	"github.com/UkralStul/collab-doc-service/internal/storage"
)

// Thread - корневой комментарий с ответами.
type Thread struct {
	Root    domain.Comment   `json:"root"`
	Replies []domain.Comment `json:"replies"`
}

type threadsHandler struct {
	comments storage.Collection[domain.Comment]
	log      zerolog.Logger
}

// list отдает треды документа. ?status=active|resolved фильтрует корни.
// Ответы всех корней загружаются одним запросом через дата-лоадер.
func (h *threadsHandler) list(w http.ResponseWriter, r *http.Request) {
	where := storage.Where{
		"project_id":        chi.URLParam(r, "projectID"),
		"parent_comment_id": nil,
	}
	if status := r.URL.Query().Get("status"); status != "" {
		where["status"] = status
	}

	roots, err := h.comments.Filter(r.Context(), where)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	loaders := dataloader.For(r.Context())
	if loaders == nil {
		loaders = dataloader.NewLoaders(h.comments)
	}
	thunks := make([]loader.Thunk, len(roots))
	for i, root := range roots {
		thunks[i] = loaders.RepliesByRootID.Load(r.Context(), loader.StringKey(root.ID))
	}

	threads := make([]Thread, len(roots))
	for i, root := range roots {
		v, err := thunks[i]()
		if err != nil {
			writeError(w, h.log, err)
			return
		}
		replies, _ := v.([]domain.Comment)
		if replies == nil {
			replies = []domain.Comment{}
		}
		threads[i] = Thread{Root: root, Replies: replies}
	}
	writeJSON(w, http.StatusOK, threads)
}
