package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/service"
)

// Топики событий площадки.
const (
	TopicPostsCreated = "reach.posts.created"
	TopicEngagements  = "reach.engagements"
	TopicImpressions  = "reach.impressions"
	TopicModeration   = "reach.moderation"
	TopicReputation   = "reach.reputation"
)

// Действия модерации.
const (
	ModerationExpire = "expire"
	ModerationRemove = "remove"
)

// PostCreatedMessage — сообщение о новой публикации.
type PostCreatedMessage struct {
	PostID            string    `json:"post_id"`
	CreatorID         string    `json:"creator_id"`
	Genre             string    `json:"genre"`
	Category          string    `json:"category"`
	Title             string    `json:"title"`
	Description       *string   `json:"description,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	HasPaidPromotion  bool      `json:"has_paid_promotion"`
	PaidPromotionType *string   `json:"paid_promotion_type,omitempty"`
}

// EngagementMessage — вовлечённость пользователя.
type EngagementMessage struct {
	PostID string    `json:"post_id"`
	UserID string    `json:"user_id"`
	Type   string    `json:"type"`
	At     time.Time `json:"at"`
}

// ImpressionsMessage — пакет показов публикации.
type ImpressionsMessage struct {
	PostID string `json:"post_id"`
	Count  int64  `json:"count"`
}

// ModerationMessage — решение модерации.
type ModerationMessage struct {
	PostID string    `json:"post_id"`
	Action string    `json:"action"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// ReputationMessage — уведомление об изменении репутации автора.
// Сама репутация читается из creator_reputation.
type ReputationMessage struct {
	CreatorID string `json:"creator_id"`
}

// Visibility — операции состояния видимости, вызываемые из событий.
type Visibility interface {
	CreatePost(ctx context.Context, np model.NewPost) (*model.Post, *model.VisibilityState, error)
	RecomputeVisibility(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error)
	RecordImpressions(ctx context.Context, postID string, n int64) (model.Tier, error)
	ForceExpire(ctx context.Context, postID string, now time.Time, reason string) (*model.VisibilityState, error)
	RemovePost(ctx context.Context, postID string, now time.Time) error
}

// EngagementRecorder — учёт вовлечённости seed-аудитории.
type EngagementRecorder interface {
	RecordEngagement(ctx context.Context, postID, userID, engagementType string, at time.Time) (bool, error)
}

// ReputationRefresher — обновление кэша репутации авторов.
type ReputationRefresher interface {
	Refresh(ctx context.Context, creatorID string) (*model.CreatorReputation, error)
}

// Handlers — обработчики топиков.
type Handlers struct {
	visibility Visibility
	seed       EngagementRecorder
	reputation ReputationRefresher
	logger     *slog.Logger
	now        func() time.Time
}

// NewHandlers создаёт обработчики топиков.
func NewHandlers(visibility Visibility, seed EngagementRecorder, reputation ReputationRefresher, logger *slog.Logger) *Handlers {
	return &Handlers{
		visibility: visibility,
		seed:       seed,
		reputation: reputation,
		logger:     logger.With(slog.String("component", "ingest")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register подписывает consumer на все топики.
func (h *Handlers) Register(c *Consumer) {
	c.AddHandler(TopicPostsCreated, h.HandlePostCreated)
	c.AddHandler(TopicEngagements, h.HandleEngagement)
	c.AddHandler(TopicImpressions, h.HandleImpressions)
	c.AddHandler(TopicModeration, h.HandleModeration)
	c.AddHandler(TopicReputation, h.HandleReputation)
}

// HandlePostCreated создаёт публикацию. Повторная доставка — no-op.
func (h *Handlers) HandlePostCreated(ctx context.Context, msg Message) error {
	var m PostCreatedMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.skip(msg, fmt.Errorf("разбор сообщения: %w", err))
	}

	_, _, err := h.visibility.CreatePost(ctx, model.NewPost{
		ID:                m.PostID,
		CreatorID:         m.CreatorID,
		Genre:             m.Genre,
		Category:          m.Category,
		Title:             m.Title,
		Description:       m.Description,
		CreatedAt:         m.CreatedAt,
		HasPaidPromotion:  m.HasPaidPromotion,
		PaidPromotionType: m.PaidPromotionType,
	})
	if errors.Is(err, service.ErrConflict) {
		return h.skip(msg, err)
	}
	return h.result(msg, err)
}

// HandleEngagement отмечает вовлечённость seed-аудитории и пересчитывает
// видимость публикации.
func (h *Handlers) HandleEngagement(ctx context.Context, msg Message) error {
	var m EngagementMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.skip(msg, fmt.Errorf("разбор сообщения: %w", err))
	}
	if m.At.IsZero() {
		m.At = msg.Timestamp
	}

	if _, err := h.seed.RecordEngagement(ctx, m.PostID, m.UserID, m.Type, m.At); err != nil {
		return h.result(msg, err)
	}
	_, err := h.visibility.RecomputeVisibility(ctx, m.PostID, h.now())
	return h.result(msg, err)
}

// HandleImpressions учитывает показы на текущем уровне.
func (h *Handlers) HandleImpressions(ctx context.Context, msg Message) error {
	var m ImpressionsMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.skip(msg, fmt.Errorf("разбор сообщения: %w", err))
	}
	_, err := h.visibility.RecordImpressions(ctx, m.PostID, m.Count)
	return h.result(msg, err)
}

// HandleModeration завершает охват публикации по решению модерации.
func (h *Handlers) HandleModeration(ctx context.Context, msg Message) error {
	var m ModerationMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.skip(msg, fmt.Errorf("разбор сообщения: %w", err))
	}
	now := m.At
	if now.IsZero() {
		now = h.now()
	}

	var err error
	switch m.Action {
	case ModerationRemove:
		err = h.visibility.RemovePost(ctx, m.PostID, now)
	case ModerationExpire, "":
		reason := m.Reason
		if reason == "" {
			reason = service.ExpireReasonModeration
		}
		_, err = h.visibility.ForceExpire(ctx, m.PostID, now, reason)
	default:
		err = fmt.Errorf("%w: неизвестное действие модерации %q", service.ErrValidation, m.Action)
	}
	return h.result(msg, err)
}

// HandleReputation перечитывает репутацию автора в кэш trending gate.
func (h *Handlers) HandleReputation(ctx context.Context, msg Message) error {
	var m ReputationMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return h.skip(msg, fmt.Errorf("разбор сообщения: %w", err))
	}
	if m.CreatorID == "" {
		return h.skip(msg, fmt.Errorf("%w: пустой creator_id", service.ErrValidation))
	}

	rep, err := h.reputation.Refresh(ctx, m.CreatorID)
	if err == nil {
		h.logger.Debug("Репутация автора обновлена",
			slog.String("creator_id", m.CreatorID),
			slog.Float64("score", rep.Score),
			slog.Bool("verified", rep.Verified),
		)
	}
	return h.result(msg, err)
}

// result классифицирует ошибку: постоянные ошибки пропускают сообщение,
// временные возвращаются для повторного чтения.
func (h *Handlers) result(msg Message, err error) error {
	switch {
	case err == nil:
		messagesTotal.WithLabelValues(msg.Topic, "ok").Inc()
		return nil
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrNotFound),
		errors.Is(err, service.ErrExpired),
		errors.Is(err, service.ErrInvalidState):
		return h.skip(msg, err)
	default:
		return err
	}
}

func (h *Handlers) skip(msg Message, err error) error {
	messagesTotal.WithLabelValues(msg.Topic, "skipped").Inc()
	h.logger.Warn("Сообщение пропущено",
		slog.String("topic", msg.Topic),
		slog.Int("partition", int(msg.Partition)),
		slog.Int64("offset", msg.Offset),
		slog.String("error", err.Error()),
	)
	return nil
}
