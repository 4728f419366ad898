// seed.go — обработчик GET /api/v1/posts/{postID}/seed.
// Аналитика seed-аудитории и постраничный список её записей.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/reach-module/internal/api/errors"
)

// GetPostSeed — GET /api/v1/posts/{postID}/seed?limit&offset.
func (h *APIHandler) GetPostSeed(w http.ResponseWriter, r *http.Request) {
	postID, ok := postIDParam(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	ctx := r.Context()
	// Существование публикации: пустая аналитика неотличима от отсутствующего поста
	if _, err := h.visibility.GetVisibilityState(ctx, postID); err != nil {
		h.writeServiceError(w, err, "получение seed-аналитики", slog.String("post_id", postID))
		return
	}

	page, err := h.seed.ListSeedRecords(ctx, postID, limit, offset)
	if err != nil {
		h.writeServiceError(w, err, "получение seed-записей", slog.String("post_id", postID))
		return
	}
	analytics, err := h.seed.GetSeedAnalytics(ctx, postID)
	if err != nil {
		h.writeServiceError(w, err, "получение seed-аналитики", slog.String("post_id", postID))
		return
	}

	writeJSON(w, http.StatusOK, toSeedResponse(postID, analytics, page))
}
