// seed.go — движок seed-аудитории.
//
// SelectSeedAudience подбирает начальную аудиторию новой публикации:
//  1. пользователи с предпочтением жанра публикации >= минимальной степени
//     (по убыванию степени совпадения)
//  2. подписчики автора (добор до лимита)
//
// Автор исключается, пользователи не повторяются, размер ограничен лимитом.
// Недоступность источника кандидатов сокращает аудиторию, но не является ошибкой.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/repository"
)

// Пагинация записей seed-аудитории.
const (
	DefaultSeedRecordsLimit = 50
	MaxSeedRecordsLimit     = 200
)

// Prometheus-метрики seed-аудитории.
var (
	seedRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_seed_records_total",
		Help: "Количество пользователей, включённых в seed-аудитории",
	}, []string{"reason"})

	seedEngagementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_seed_engagements_total",
		Help: "Количество первых вовлечённостей seed-аудитории",
	}, []string{"type"})
)

// SeedPage — страница записей seed-аудитории.
type SeedPage struct {
	Items   []*model.SeedDistributionRecord
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// SeedService — подбор и учёт seed-аудитории.
type SeedService struct {
	records     repository.SeedRepository
	audience    repository.AudienceRepository
	capacity    int
	minAffinity float64
	logger      *slog.Logger

	now func() time.Time
}

// NewSeedService создаёт движок seed-аудитории.
// capacity — максимальный размер аудитории, minAffinity — минимальная степень
// жанрового совпадения.
func NewSeedService(
	records repository.SeedRepository,
	audience repository.AudienceRepository,
	capacity int,
	minAffinity float64,
	logger *slog.Logger,
) *SeedService {
	return &SeedService{
		records:     records,
		audience:    audience,
		capacity:    capacity,
		minAffinity: minAffinity,
		logger:      logger.With(slog.String("component", "seed")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SelectSeedAudience подбирает и сохраняет seed-аудиторию публикации.
// Возвращает сохранённые записи. Пустая аудитория допустима.
// Ошибка возвращается только при сбое записи в хранилище.
func (s *SeedService) SelectSeedAudience(ctx context.Context, post *model.Post) ([]*model.SeedDistributionRecord, error) {
	if s.capacity <= 0 {
		return nil, nil
	}

	candidates := s.collectCandidates(ctx, post)
	if len(candidates) == 0 {
		s.logger.Info("Seed-аудитория пуста: нет кандидатов",
			slog.String("post_id", post.ID),
			slog.String("genre", post.Genre),
		)
		return nil, nil
	}

	shownAt := s.now()
	records := make([]*model.SeedDistributionRecord, 0, len(candidates))
	for _, c := range candidates {
		records = append(records, &model.SeedDistributionRecord{
			ID:            uuid.NewString(),
			PostID:        post.ID,
			UserID:        c.UserID,
			Reason:        c.Reason,
			GenreTag:      c.GenreTag,
			AffinityScore: c.AffinityScore,
			ShownAt:       shownAt,
		})
	}

	inserted, err := s.records.InsertBatch(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("сохранение seed-аудитории: %w", err)
	}

	for _, r := range records {
		seedRecordsTotal.WithLabelValues(r.Reason).Inc()
	}
	s.logger.Info("Seed-аудитория сохранена",
		slog.String("post_id", post.ID),
		slog.Int("selected", len(records)),
		slog.Int("inserted", inserted),
	)
	return records, nil
}

// collectCandidates объединяет кандидатов по жанру и подписчиков автора.
func (s *SeedService) collectCandidates(ctx context.Context, post *model.Post) []model.SeedCandidate {
	seen := map[string]bool{post.CreatorID: true}
	result := make([]model.SeedCandidate, 0, s.capacity)

	add := func(list []model.SeedCandidate) {
		for _, c := range list {
			if len(result) >= s.capacity {
				return
			}
			if c.UserID == "" || seen[c.UserID] {
				continue
			}
			seen[c.UserID] = true
			result = append(result, c)
		}
	}

	if post.Genre != "" {
		byGenre, err := s.audience.GenreAffinityCandidates(ctx, post.Genre, s.minAffinity, post.CreatorID, s.capacity)
		if err != nil {
			s.logger.Warn("Кандидаты по жанру недоступны",
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
		}
		add(byGenre)
	}

	if len(result) < s.capacity {
		// Запас на пересечение с уже выбранными пользователями
		followers, err := s.audience.Followers(ctx, post.CreatorID, s.capacity+len(result))
		if err != nil {
			s.logger.Warn("Подписчики автора недоступны",
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
		}
		add(followers)
	}

	return result
}

// RecordEngagement отмечает первую вовлечённость пользователя seed-аудитории.
// Возвращает true только для первой вовлечённости. Повтор и пользователь
// вне seed-аудитории — false без ошибки.
func (s *SeedService) RecordEngagement(ctx context.Context, postID, userID, engagementType string, at time.Time) (bool, error) {
	if postID == "" || userID == "" {
		return false, fmt.Errorf("%w: post_id и user_id обязательны", ErrValidation)
	}
	if !model.ValidEngagementType(engagementType) {
		return false, fmt.Errorf("%w: недопустимый тип вовлечённости %q", ErrValidation, engagementType)
	}
	if at.IsZero() {
		at = s.now()
	}

	first, err := s.records.RecordEngagement(ctx, postID, userID, engagementType, at)
	if err != nil {
		return false, fmt.Errorf("запись вовлечённости: %w", err)
	}
	if first {
		seedEngagementsTotal.WithLabelValues(engagementType).Inc()
		s.logger.Debug("Первая вовлечённость seed-аудитории",
			slog.String("post_id", postID),
			slog.String("user_id", userID),
			slog.String("type", engagementType),
		)
	}
	return first, nil
}

// GetSeedAnalytics агрегирует записи seed-аудитории публикации.
func (s *SeedService) GetSeedAnalytics(ctx context.Context, postID string) (*model.SeedAnalytics, error) {
	records, err := s.records.ListAllByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("%w: seed-записи: %v", ErrDependencyUnavailable, err)
	}
	return model.AggregateSeedRecords(postID, records), nil
}

// ListSeedRecords возвращает страницу записей seed-аудитории.
func (s *SeedService) ListSeedRecords(ctx context.Context, postID string, limit, offset int) (*SeedPage, error) {
	if limit == 0 {
		limit = DefaultSeedRecordsLimit
	}
	if limit < 1 || limit > MaxSeedRecordsLimit {
		return nil, fmt.Errorf("%w: limit должен быть от 1 до %d", ErrValidation, MaxSeedRecordsLimit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("%w: offset не может быть отрицательным", ErrValidation)
	}

	items, err := s.records.ListByPost(ctx, postID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("получение seed-записей: %w", err)
	}
	total, err := s.records.CountByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("подсчёт seed-записей: %w", err)
	}

	return &SeedPage{
		Items:   items,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+len(items) < total,
	}, nil
}
