// trending.go — обработчик GET /api/v1/trending.
package handlers

import (
	"net/http"

	apierrors "github.com/bigkaa/goartstore/reach-module/internal/api/errors"
)

// GetTrending — GET /api/v1/trending?window=24hours&limit=10.
func (h *APIHandler) GetTrending(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	res, err := h.trending.GetTrendingPosts(r.Context(), limit, r.URL.Query().Get("window"), h.now())
	if err != nil {
		h.writeServiceError(w, err, "вычисление trending")
		return
	}
	writeJSON(w, http.StatusOK, toTrendingResponse(res))
}
