// handler.go — основной обработчик API Reach Module.
// Объединяет health и read-only бизнес-обработчики, регистрирует маршруты chi.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/bigkaa/goartstore/reach-module/internal/api/errors"
	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
	"github.com/bigkaa/goartstore/reach-module/internal/service"
)

// VisibilityReader — чтение состояния видимости и ленты.
type VisibilityReader interface {
	GetPost(ctx context.Context, postID string) (*model.Post, *model.VisibilityState, error)
	GetVisibilityState(ctx context.Context, postID string) (*model.VisibilityState, error)
	RecomputeVisibility(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error)
	CheckTierExpansionThresholds(ctx context.Context, postID string, now time.Time) (*model.TierExpansionCheck, error)
	ListFeed(ctx context.Context, params service.FeedParams) (*service.FeedPage, error)
	TierDistribution(ctx context.Context) (*model.TierDistribution, error)
}

// SeedReader — аналитика seed-аудитории.
type SeedReader interface {
	GetSeedAnalytics(ctx context.Context, postID string) (*model.SeedAnalytics, error)
	ListSeedRecords(ctx context.Context, postID string, limit, offset int) (*service.SeedPage, error)
}

// TrendingReader — вычисление trending.
type TrendingReader interface {
	GetTrendingPosts(ctx context.Context, limit int, window string, now time.Time) (*service.TrendingResult, error)
}

// APIHandler — основной обработчик API Reach Module.
type APIHandler struct {
	health          *HealthHandler
	visibility      VisibilityReader
	seed            SeedReader
	trending        TrendingReader
	events          events.Subscriber
	recomputeOnRead bool
	heartbeat       time.Duration
	logger          *slog.Logger

	now func() time.Time
}

// NewAPIHandler создаёт основной обработчик API.
// recomputeOnRead — пересчитывать состояние при GET visibility.
func NewAPIHandler(
	health *HealthHandler,
	visibility VisibilityReader,
	seed SeedReader,
	trending TrendingReader,
	subscriber events.Subscriber,
	recomputeOnRead bool,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health:          health,
		visibility:      visibility,
		seed:            seed,
		trending:        trending,
		events:          subscriber,
		recomputeOnRead: recomputeOnRead,
		heartbeat:       defaultHeartbeat,
		logger:          logger.With(slog.String("component", "api_handler")),
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Register регистрирует маршруты API.
func (h *APIHandler) Register(r chi.Router) {
	r.Get("/health/live", h.health.HealthLive)
	r.Get("/health/ready", h.health.HealthReady)
	r.Get("/metrics", h.health.GetMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/posts", h.ListPosts)
		r.Get("/posts/{postID}", h.GetPost)
		r.Get("/posts/{postID}/visibility", h.GetPostVisibility)
		r.Get("/posts/{postID}/seed", h.GetPostSeed)
		r.Get("/trending", h.GetTrending)
		r.Get("/tiers/distribution", h.GetTierDistribution)
		r.Get("/events", h.StreamEvents)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// postIDParam извлекает и проверяет UUID публикации из пути.
func postIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw := chi.URLParam(r, "postID")
	id, err := uuid.Parse(raw)
	if err != nil {
		apierrors.ValidationError(w, "Некорректный идентификатор публикации: "+raw)
		return "", false
	}
	return id.String(), true
}

// queryInt читает целочисленный query-параметр. Отсутствующий параметр — 0.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("параметр " + name + " должен быть целым числом")
	}
	return v, nil
}

// writeServiceError преобразует ошибку сервисного слоя в HTTP-ответ.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, err error, op string, attrs ...slog.Attr) {
	switch {
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Публикация не найдена")
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, "Состояние публикации изменено конкурентно, повторите запрос")
	case errors.Is(err, service.ErrDependencyUnavailable):
		apierrors.ServiceUnavailable(w, "Источник сигналов временно недоступен")
	default:
		args := make([]any, 0, len(attrs)+1)
		for _, a := range attrs {
			args = append(args, a)
		}
		args = append(args, slog.String("error", err.Error()))
		h.logger.Error("Ошибка: "+op, args...)
		apierrors.InternalError(w, "Внутренняя ошибка: "+op)
	}
}
