// Пакет service — бизнес-логика Reach Module.
// VisibilityService — владелец состояний видимости: создание публикаций,
// пересчёт уровней охвата, учёт показов, принудительное истечение.
//
// Запись состояния выполняется compare-and-set по version. При конфликте
// состояние перечитывается и пересчитывается заново (failsafe-go retry policy).
//
// Prometheus-метрики:
//   - reach_module_recompute_total — пересчёты по результату
//   - reach_module_recompute_duration_seconds — длительность пересчёта
//   - reach_module_tier_transitions_total — переходы между уровнями
//   - reach_module_cas_conflicts_total — конфликты версий при записи
//   - reach_module_impressions_total — учтённые показы по уровням
//   - reach_module_signal_unavailable_total — недоступность источников сигналов
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/domain/visibility"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
	"github.com/bigkaa/goartstore/reach-module/internal/repository"
)

// Prometheus-метрики движка уровней.
var (
	recomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_recompute_total",
		Help: "Количество пересчётов состояния видимости",
	}, []string{"result"}) // result: changed, unchanged, expired, error

	recomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reach_module_recompute_duration_seconds",
		Help:    "Длительность пересчёта состояния видимости",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms … ~2s
	})

	tierTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_tier_transitions_total",
		Help: "Количество переходов между уровнями охвата",
	}, []string{"from", "to"})

	casConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_module_cas_conflicts_total",
		Help: "Количество конфликтов версий при записи состояния видимости",
	})

	impressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_impressions_total",
		Help: "Количество учтённых показов по уровням",
	}, []string{"tier"})

	signalUnavailableTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_signal_unavailable_total",
		Help: "Количество пересчётов без доступного источника сигналов",
	}, []string{"source"}) // source: engagement, seed
)

// Параметры повторов compare-and-set.
const (
	casBaseDelay = 5 * time.Millisecond
	casMaxDelay  = 200 * time.Millisecond
)

// Пагинация ленты.
const (
	DefaultFeedLimit = 20
	MaxFeedLimit     = 100
)

// Причины истечения.
const (
	ExpireReasonTTL        = "ttl"
	ExpireReasonModeration = "moderation"
	ExpireReasonDeleted    = "deleted"
)

// SeedAudience — операции seed-аудитории, нужные движку уровней.
type SeedAudience interface {
	SelectSeedAudience(ctx context.Context, post *model.Post) ([]*model.SeedDistributionRecord, error)
	GetSeedAnalytics(ctx context.Context, postID string) (*model.SeedAnalytics, error)
}

// FeedParams — параметры запроса ленты.
type FeedParams struct {
	// Tier — фильтр по уровню (nil — все активные)
	Tier *model.Tier
	// CreatorID — фильтр по автору
	CreatorID *string
	// Sort — visibility_score (по умолчанию), ev_score, created_at
	Sort string
	// Order — asc, desc (по умолчанию)
	Order  string
	Limit  int
	Offset int
}

// FeedPage — страница ленты.
type FeedPage struct {
	Items   []*model.FeedItem
	Total   int
	Limit   int
	Offset  int
	HasMore bool
}

// VisibilityService — движок уровней охвата.
type VisibilityService struct {
	posts      repository.PostRepository
	states     repository.VisibilityRepository
	engagement repository.EngagementRepository
	seed       SeedAudience
	publisher  events.Publisher
	policy     visibility.Policy
	cas        failsafe.Executor[*model.VisibilityState]
	logger     *slog.Logger

	now func() time.Time
}

// NewVisibilityService создаёт движок уровней.
// casMaxRetries — максимум повторов записи при конфликте версий.
func NewVisibilityService(
	posts repository.PostRepository,
	states repository.VisibilityRepository,
	engagement repository.EngagementRepository,
	seed SeedAudience,
	publisher events.Publisher,
	policy visibility.Policy,
	casMaxRetries int,
	logger *slog.Logger,
) *VisibilityService {
	retry := retrypolicy.NewBuilder[*model.VisibilityState]().
		HandleIf(func(_ *model.VisibilityState, err error) bool {
			return errors.Is(err, repository.ErrConflict)
		}).
		WithBackoff(casBaseDelay, casMaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(casMaxRetries).
		Build()

	return &VisibilityService{
		posts:      posts,
		states:     states,
		engagement: engagement,
		seed:       seed,
		publisher:  publisher,
		policy:     policy,
		cas:        failsafe.With[*model.VisibilityState](retry),
		logger:     logger.With(slog.String("component", "visibility")),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Policy возвращает политику движка.
func (s *VisibilityService) Policy() visibility.Policy {
	return s.policy
}

// CreatePost создаёт публикацию и её состояние видимости (уровень seed)
// в одной транзакции, затем подбирает seed-аудиторию.
// Ошибка подбора аудитории не отменяет создание публикации.
// Оплаченное продвижение сразу пересчитывается (переход в tier3).
func (s *VisibilityService) CreatePost(ctx context.Context, np model.NewPost) (*model.Post, *model.VisibilityState, error) {
	if np.CreatorID == "" {
		return nil, nil, fmt.Errorf("%w: creator_id обязателен", ErrValidation)
	}
	id := np.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, err := uuid.Parse(id); err != nil {
		return nil, nil, fmt.Errorf("%w: некорректный post_id %q", ErrValidation, id)
	}

	now := s.now()
	createdAt := np.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	post := &model.Post{
		ID:          id,
		CreatorID:   np.CreatorID,
		Genre:       np.Genre,
		Category:    np.Category,
		Title:       np.Title,
		Description: np.Description,
		CreatedAt:   createdAt,
	}

	thresholds := s.policy.ThresholdsFor(np.Category)
	state := &model.VisibilityState{
		PostID:                id,
		CurrentTier:           model.TierSeed,
		VisibilityScore:       visibility.MaxVisibilityScore,
		EVScoreTier2Threshold: thresholds.Tier2,
		EVScoreTier3Threshold: thresholds.Tier3,
		HasPaidPromotion:      np.HasPaidPromotion,
		PaidPromotionType:     np.PaidPromotionType,
		CreatedAt:             createdAt,
	}

	if err := s.posts.CreateWithState(ctx, post, state); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, nil, fmt.Errorf("%w: публикация %s уже существует", ErrConflict, id)
		}
		return nil, nil, fmt.Errorf("создание публикации: %w", err)
	}

	s.logger.Info("Публикация создана",
		slog.String("post_id", id),
		slog.String("creator_id", post.CreatorID),
		slog.String("category", post.Category),
		slog.Float64("tier2_threshold", thresholds.Tier2),
		slog.Float64("tier3_threshold", thresholds.Tier3),
		slog.Bool("paid", np.HasPaidPromotion),
	)

	if s.seed != nil {
		records, err := s.seed.SelectSeedAudience(ctx, post)
		if err != nil {
			s.logger.Warn("Не удалось подобрать seed-аудиторию",
				slog.String("post_id", id),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.Debug("Seed-аудитория подобрана",
				slog.String("post_id", id),
				slog.Int("size", len(records)),
			)
		}
	}

	if np.HasPaidPromotion {
		promoted, err := s.RecomputeVisibility(ctx, id, now)
		if err != nil {
			s.logger.Warn("Не удалось применить оплаченное продвижение",
				slog.String("post_id", id),
				slog.String("error", err.Error()),
			)
		} else {
			state = promoted
		}
	}

	return post, state, nil
}

// GetPost возвращает публикацию и её сохранённое состояние видимости.
// Удалённая публикация возвращается с DeletedAt.
func (s *VisibilityService) GetPost(ctx context.Context, postID string) (*model.Post, *model.VisibilityState, error) {
	post, err := s.posts.GetByID(ctx, postID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("%w: публикация %s", ErrNotFound, postID)
		}
		return nil, nil, fmt.Errorf("чтение публикации: %w", err)
	}
	state, err := s.loadState(ctx, postID)
	if err != nil {
		return nil, nil, err
	}
	return post, state, nil
}

// GetVisibilityState возвращает сохранённое состояние видимости.
func (s *VisibilityService) GetVisibilityState(ctx context.Context, postID string) (*model.VisibilityState, error) {
	return s.loadState(ctx, postID)
}

// RecomputeVisibility пересчитывает состояние публикации в момент now и
// сохраняет его. Повторный вызов без новых сигналов ничего не записывает.
// Истёкшее состояние возвращается без изменений.
func (s *VisibilityService) RecomputeVisibility(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error) {
	start := time.Now()
	defer func() {
		recomputeDuration.Observe(time.Since(start).Seconds())
	}()

	state, err := s.writeWithRetry(ctx, func() (*model.VisibilityState, error) {
		return s.recomputeOnce(ctx, postID, now)
	})
	if err != nil {
		recomputeTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	return state, nil
}

// ForceExpire переводит публикацию в expired (модерация, удаление).
// Для уже истёкшей публикации — no-op.
func (s *VisibilityService) ForceExpire(ctx context.Context, postID string, now time.Time, reason string) (*model.VisibilityState, error) {
	if reason == "" {
		reason = ExpireReasonModeration
	}
	return s.writeWithRetry(ctx, func() (*model.VisibilityState, error) {
		prev, err := s.loadState(ctx, postID)
		if err != nil {
			return nil, err
		}
		if prev.IsExpired() {
			return prev, nil
		}

		next, transitions := visibility.ForceExpire(prev, now)
		stored, err := s.compareAndSwap(ctx, next, prev.Version)
		if err != nil {
			return nil, err
		}

		s.logger.Info("Публикация принудительно истекла",
			slog.String("post_id", postID),
			slog.String("from_tier", string(prev.CurrentTier)),
			slog.String("reason", reason),
		)
		s.publishTransitions(ctx, postID, transitions, reason)
		return stored, nil
	})
}

// RemovePost помечает публикацию удалённой и принудительно завершает её охват.
func (s *VisibilityService) RemovePost(ctx context.Context, postID string, now time.Time) error {
	if err := s.posts.SoftDelete(ctx, postID, now); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: публикация %s", ErrNotFound, postID)
		}
		return fmt.Errorf("удаление публикации: %w", err)
	}
	_, err := s.ForceExpire(ctx, postID, now, ExpireReasonDeleted)
	return err
}

// CheckTierExpansionThresholds прогнозирует расширение уровня по актуальным
// сигналам без записи состояния.
func (s *VisibilityService) CheckTierExpansionThresholds(ctx context.Context, postID string, now time.Time) (*model.TierExpansionCheck, error) {
	prev, err := s.loadState(ctx, postID)
	if err != nil {
		return nil, err
	}
	check := visibility.CheckThresholds(prev, s.gatherInputs(ctx, postID), now, s.policy)
	return &check, nil
}

// RecordImpressions учитывает n показов на текущем уровне публикации.
// Возвращает уровень, к которому отнесены показы.
func (s *VisibilityService) RecordImpressions(ctx context.Context, postID string, n int64) (model.Tier, error) {
	if n <= 0 {
		return "", fmt.Errorf("%w: количество показов должно быть > 0", ErrValidation)
	}

	tier, err := s.states.IncrementImpressions(ctx, postID, n)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return "", fmt.Errorf("%w: публикация %s", ErrNotFound, postID)
		case errors.Is(err, repository.ErrExpired):
			return "", fmt.Errorf("%w: %s", ErrExpired, postID)
		default:
			return "", fmt.Errorf("учёт показов: %w", err)
		}
	}

	impressionsTotal.WithLabelValues(string(tier)).Add(float64(n))
	return tier, nil
}

// ListFeed возвращает ленту активных публикаций.
func (s *VisibilityService) ListFeed(ctx context.Context, params FeedParams) (*FeedPage, error) {
	filter, err := feedFilter(params)
	if err != nil {
		return nil, err
	}

	items, err := s.states.ListFeed(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("получение ленты: %w", err)
	}
	total, err := s.states.CountFeed(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("подсчёт ленты: %w", err)
	}

	return &FeedPage{
		Items:   items,
		Total:   total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		HasMore: filter.Offset+len(items) < total,
	}, nil
}

// TierDistribution возвращает количество публикаций по уровням.
func (s *VisibilityService) TierDistribution(ctx context.Context) (*model.TierDistribution, error) {
	counts, err := s.states.CountByTier(ctx)
	if err != nil {
		return nil, fmt.Errorf("распределение по уровням: %w", err)
	}

	d := &model.TierDistribution{Counts: make(map[model.Tier]int, len(model.ActiveTiers))}
	for _, t := range model.ActiveTiers {
		d.Counts[t] = counts[t]
		d.TotalActive += counts[t]
	}
	d.TotalExpired = counts[model.TierExpired]
	return d, nil
}

// recomputeOnce — одна попытка пересчёта: чтение, расчёт, CAS.
func (s *VisibilityService) recomputeOnce(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error) {
	prev, err := s.loadState(ctx, postID)
	if err != nil {
		return nil, err
	}
	if prev.IsExpired() {
		recomputeTotal.WithLabelValues("expired").Inc()
		return prev, nil
	}

	next, transitions := visibility.Evaluate(prev, s.gatherInputs(ctx, postID), now, s.policy)
	if visibility.StateEqual(prev, next) {
		recomputeTotal.WithLabelValues("unchanged").Inc()
		return prev, nil
	}

	stored, err := s.compareAndSwap(ctx, next, prev.Version)
	if err != nil {
		return nil, err
	}

	recomputeTotal.WithLabelValues("changed").Inc()
	if len(transitions) > 0 {
		s.logger.Info("Уровень публикации изменён",
			slog.String("post_id", postID),
			slog.String("from_tier", string(prev.CurrentTier)),
			slog.String("to_tier", string(stored.CurrentTier)),
			slog.Float64("ev_score", stored.EVScoreCurrent),
		)
	}
	s.publishTransitions(ctx, postID, transitions, ExpireReasonTTL)
	return stored, nil
}

// writeWithRetry выполняет attempt, повторяя его при конфликте версий.
func (s *VisibilityService) writeWithRetry(ctx context.Context, attempt func() (*model.VisibilityState, error)) (*model.VisibilityState, error) {
	var conflicted bool
	state, err := s.cas.WithContext(ctx).Get(func() (*model.VisibilityState, error) {
		st, err := attempt()
		conflicted = errors.Is(err, repository.ErrConflict)
		return st, err
	})
	if err != nil {
		if conflicted {
			return nil, fmt.Errorf("%w: повторы записи исчерпаны: %v", ErrConflict, err)
		}
		return nil, err
	}
	return state, nil
}

func (s *VisibilityService) compareAndSwap(ctx context.Context, next *model.VisibilityState, version int64) (*model.VisibilityState, error) {
	stored, err := s.states.CompareAndSwap(ctx, next, version)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			casConflictsTotal.Inc()
			s.logger.Debug("Конфликт версий, повтор пересчёта",
				slog.String("post_id", next.PostID),
				slog.Int64("version", version),
			)
		}
		return nil, err
	}
	return stored, nil
}

// loadState читает и проверяет состояние видимости.
func (s *VisibilityService) loadState(ctx context.Context, postID string) (*model.VisibilityState, error) {
	state, err := s.states.Get(ctx, postID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: публикация %s", ErrNotFound, postID)
		}
		return nil, fmt.Errorf("чтение состояния видимости: %w", err)
	}
	if err := state.Validate(); err != nil {
		s.logger.Error("Повреждённое состояние видимости",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidState, postID, err)
	}
	return state, nil
}

// gatherInputs собирает сигналы для пересчёта.
// Недоступный источник не прерывает пересчёт: EV сохраняет последнее значение,
// затухание и истечение применяются.
func (s *VisibilityService) gatherInputs(ctx context.Context, postID string) visibility.Inputs {
	var in visibility.Inputs

	counts, err := s.engagement.Get(ctx, postID)
	if err != nil {
		signalUnavailableTotal.WithLabelValues("engagement").Inc()
		s.logger.Warn("Счётчики вовлечённости недоступны",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
	} else {
		in.Counts = counts
	}

	if s.seed == nil {
		return in
	}
	analytics, err := s.seed.GetSeedAnalytics(ctx, postID)
	if err != nil {
		signalUnavailableTotal.WithLabelValues("seed").Inc()
		s.logger.Warn("Аналитика seed-аудитории недоступна",
			slog.String("post_id", postID),
			slog.String("error", err.Error()),
		)
		// Без seed engagement rate EV был бы занижен
		in.Counts = nil
		return in
	}
	in.Seed = analytics
	return in
}

// publishTransitions публикует события переходов. Ошибка публикации не
// отменяет уже записанное состояние.
func (s *VisibilityService) publishTransitions(ctx context.Context, postID string, transitions []visibility.Transition, expireReason string) {
	for _, tr := range transitions {
		tierTransitionsTotal.WithLabelValues(string(tr.From), string(tr.To)).Inc()
		if s.publisher == nil {
			continue
		}

		evType := events.TypeTierTransition
		var payload map[string]any
		if tr.To == model.TierExpired {
			evType = events.TypePostExpired
			payload = map[string]any{"reason": expireReason}
		}
		ev := events.NewEvent(evType, postID, tr.At)
		ev.FromTier = tr.From
		ev.ToTier = tr.To
		ev.Payload = payload

		if err := s.publisher.Publish(ctx, ev); err != nil {
			s.logger.Warn("Не удалось опубликовать событие",
				slog.String("post_id", postID),
				slog.String("type", string(evType)),
				slog.String("error", err.Error()),
			)
		}
	}
}

// feedFilter проверяет параметры ленты и подставляет значения по умолчанию.
func feedFilter(p FeedParams) (repository.FeedFilter, error) {
	f := repository.FeedFilter{
		Tier:      p.Tier,
		CreatorID: p.CreatorID,
		Limit:     p.Limit,
		Offset:    p.Offset,
	}

	switch repository.FeedSort(p.Sort) {
	case "":
		f.Sort = repository.FeedSortVisibility
	case repository.FeedSortVisibility, repository.FeedSortEV, repository.FeedSortCreatedAt:
		f.Sort = repository.FeedSort(p.Sort)
	default:
		return f, fmt.Errorf("%w: недопустимая сортировка %q, допустимые: visibility_score, ev_score, created_at", ErrValidation, p.Sort)
	}

	switch p.Order {
	case "", "desc":
	case "asc":
		f.Ascending = true
	default:
		return f, fmt.Errorf("%w: недопустимый порядок %q, допустимые: asc, desc", ErrValidation, p.Order)
	}

	if p.Tier != nil && *p.Tier == model.TierExpired {
		return f, fmt.Errorf("%w: лента не содержит истёкших публикаций", ErrValidation)
	}
	if f.Limit == 0 {
		f.Limit = DefaultFeedLimit
	}
	if f.Limit < 1 || f.Limit > MaxFeedLimit {
		return f, fmt.Errorf("%w: limit должен быть от 1 до %d", ErrValidation, MaxFeedLimit)
	}
	if f.Offset < 0 {
		return f, fmt.Errorf("%w: offset не может быть отрицательным", ErrValidation)
	}
	return f, nil
}
