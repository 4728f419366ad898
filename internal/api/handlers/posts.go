// posts.go — обработчики ленты и состояния видимости публикаций.
//   GET /api/v1/posts — лента активных публикаций
//   GET /api/v1/posts/{postID} — публикация и её состояние видимости
//   GET /api/v1/posts/{postID}/visibility — состояние видимости + прогноз расширения
//   GET /api/v1/tiers/distribution — распределение по уровням
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/bigkaa/goartstore/reach-module/internal/api/errors"
	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/service"
)

// ListPosts — GET /api/v1/posts?tier&creator_id&sort&order&limit&offset.
func (h *APIHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := service.FeedParams{
		Sort:  q.Get("sort"),
		Order: q.Get("order"),
	}
	if raw := q.Get("tier"); raw != "" {
		tier, err := model.ParseTier(raw)
		if err != nil {
			apierrors.ValidationError(w, err.Error())
			return
		}
		params.Tier = &tier
	}
	if creator := q.Get("creator_id"); creator != "" {
		params.CreatorID = &creator
	}

	var err error
	if params.Limit, err = queryInt(r, "limit"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if params.Offset, err = queryInt(r, "offset"); err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	page, err := h.visibility.ListFeed(r.Context(), params)
	if err != nil {
		h.writeServiceError(w, err, "получение ленты")
		return
	}
	writeJSON(w, http.StatusOK, toFeedPage(page))
}

// GetPost — GET /api/v1/posts/{postID}.
func (h *APIHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	postID, ok := postIDParam(w, r)
	if !ok {
		return
	}
	post, state, err := h.visibility.GetPost(r.Context(), postID)
	if err != nil {
		h.writeServiceError(w, err, "получение публикации", slog.String("post_id", postID))
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(post, state))
}

// GetPostVisibility — GET /api/v1/posts/{postID}/visibility.
// При включённом пересчёте при чтении возвращает актуальное состояние.
// Для неистёкшей публикации добавляет прогноз расширения уровня.
func (h *APIHandler) GetPostVisibility(w http.ResponseWriter, r *http.Request) {
	postID, ok := postIDParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	now := h.now()

	var state *model.VisibilityState
	var err error
	if h.recomputeOnRead {
		state, err = h.visibility.RecomputeVisibility(ctx, postID, now)
	} else {
		state, err = h.visibility.GetVisibilityState(ctx, postID)
	}
	if err != nil {
		h.writeServiceError(w, err, "получение состояния видимости", slog.String("post_id", postID))
		return
	}

	resp := toVisibilityResponse(state)
	if !state.IsExpired() {
		check, err := h.visibility.CheckTierExpansionThresholds(ctx, postID, now)
		if err != nil {
			h.logger.Warn("Прогноз расширения недоступен",
				slog.String("post_id", postID),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Expansion = toExpansionPreview(check)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetTierDistribution — GET /api/v1/tiers/distribution.
func (h *APIHandler) GetTierDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := h.visibility.TierDistribution(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "распределение по уровням")
		return
	}
	writeJSON(w, http.StatusOK, TierDistributionResponse{
		Tiers:        d.Counts,
		TotalActive:  d.TotalActive,
		TotalExpired: d.TotalExpired,
	})
}
