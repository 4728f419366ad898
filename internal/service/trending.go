// trending.go — trending gate: отбор и ранжирование публикаций уровня tier3.
//
// Публикация попадает в trending, если одновременно:
//   - EV строго больше EVMin
//   - репутация автора строго больше CreatorMin
//   - автор верифицирован (при VerifiedOnly)
//
// Недоступная или отсутствующая репутация исключает публикацию.
// Ранжирование: EV по убыванию, затем время перехода в tier3, затем post_id.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// Параметры запроса trending.
const (
	DefaultTrendingLimit  = 10
	MaxTrendingLimit      = 100
	DefaultTrendingWindow = "24hours"

	// trendingPageSize — размер страницы кандидатов из хранилища
	trendingPageSize = 200
	// maxTrendingScan — верхняя граница просмотренных кандидатов за одно вычисление
	maxTrendingScan = 10000
)

// trendingWindows — допустимые окна trending.
var trendingWindows = map[string]time.Duration{
	"1hour":   time.Hour,
	"6hours":  6 * time.Hour,
	"24hours": 24 * time.Hour,
	"7days":   7 * 24 * time.Hour,
}

// Prometheus-метрики trending gate.
var (
	trendingEvaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_module_trending_evaluations_total",
		Help: "Количество вычислений trending",
	})

	trendingRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_trending_rejections_total",
		Help: "Количество кандидатов, не прошедших trending gate",
	}, []string{"reason"}) // reason: ev, reputation, verified, missing_reputation
)

// GateConfig — пороги trending gate.
type GateConfig struct {
	// EVMin — порог EV (строго больше)
	EVMin float64
	// CreatorMin — порог репутации автора (строго больше)
	CreatorMin float64
	// VerifiedOnly — требовать верификацию автора
	VerifiedOnly bool
}

// TrendingCandidates — источник кандидатов trending.
type TrendingCandidates interface {
	// ListTrendingCandidates возвращает кандидатов в порядке ранжирования trending.
	ListTrendingCandidates(ctx context.Context, since time.Time, evMin float64, limit, offset int) ([]*model.TrendingCandidate, error)
}

// ReputationSource — источник репутации авторов.
type ReputationSource interface {
	GetMany(ctx context.Context, creatorIDs []string) (map[string]*model.CreatorReputation, error)
}

// TrendingResult — результат вычисления trending.
type TrendingResult struct {
	Entries     []*model.TrendingEntry
	Window      string
	Limit       int
	Gate        GateConfig
	EvaluatedAt time.Time
	// Candidates — количество просмотренных кандидатов до применения gate
	Candidates int
}

// TrendingService — trending gate.
type TrendingService struct {
	candidates TrendingCandidates
	reputation ReputationSource
	gate       GateConfig
	logger     *slog.Logger
}

// NewTrendingService создаёт trending gate.
func NewTrendingService(candidates TrendingCandidates, reputation ReputationSource, gate GateConfig, logger *slog.Logger) *TrendingService {
	return &TrendingService{
		candidates: candidates,
		reputation: reputation,
		gate:       gate,
		logger:     logger.With(slog.String("component", "trending")),
	}
}

// Gate возвращает пороги trending gate.
func (s *TrendingService) Gate() GateConfig {
	return s.gate
}

// ParseTrendingWindow преобразует имя окна в длительность.
// Пустая строка — окно по умолчанию (24hours).
func ParseTrendingWindow(window string) (time.Duration, error) {
	if window == "" {
		window = DefaultTrendingWindow
	}
	d, ok := trendingWindows[window]
	if !ok {
		return 0, fmt.Errorf("%w: недопустимое окно %q, допустимые: 1hour, 6hours, 24hours, 7days", ErrValidation, window)
	}
	return d, nil
}

// GetTrendingPosts возвращает до limit публикаций, прошедших gate,
// среди созданных в окне window до момента now.
func (s *TrendingService) GetTrendingPosts(ctx context.Context, limit int, window string, now time.Time) (*TrendingResult, error) {
	if limit == 0 {
		limit = DefaultTrendingLimit
	}
	if limit < 1 || limit > MaxTrendingLimit {
		return nil, fmt.Errorf("%w: limit должен быть от 1 до %d", ErrValidation, MaxTrendingLimit)
	}
	if window == "" {
		window = DefaultTrendingWindow
	}
	span, err := ParseTrendingWindow(window)
	if err != nil {
		return nil, err
	}

	trendingEvaluationsTotal.Inc()

	result := &TrendingResult{
		Entries:     []*model.TrendingEntry{},
		Window:      window,
		Limit:       limit,
		Gate:        s.gate,
		EvaluatedAt: now,
	}

	// Кандидаты приходят в порядке ранжирования: первые limit прошедших gate
	// окончательны, дальше страницы не читаются
	since := now.Add(-span)
	var entries []*model.TrendingEntry
	seen := make(map[string]bool)
	for offset := 0; len(entries) < limit && offset < maxTrendingScan; offset += trendingPageSize {
		page, err := s.candidates.ListTrendingCandidates(ctx, since, s.gate.EVMin, trendingPageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("получение кандидатов trending: %w", err)
		}
		result.Candidates += len(page)

		admitted, ok := s.admitPage(ctx, page, seen, now)
		if !ok {
			return result, nil
		}
		entries = append(entries, admitted...)

		if len(page) < trendingPageSize {
			break
		}
	}

	RankTrending(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	for i, e := range entries {
		e.Rank = i + 1
	}

	result.Entries = entries
	return result, nil
}

// admitPage применяет gate к странице кандидатов. Возвращает false, если
// репутация недоступна: trending в этом случае пуст.
func (s *TrendingService) admitPage(ctx context.Context, page []*model.TrendingCandidate, seen map[string]bool, now time.Time) ([]*model.TrendingEntry, bool) {
	if len(page) == 0 {
		return nil, true
	}

	creatorIDs := make([]string, 0, len(page))
	for _, c := range page {
		creatorIDs = append(creatorIDs, c.CreatorID)
	}
	reputations, err := s.reputation.GetMany(ctx, creatorIDs)
	if err != nil {
		s.logger.Warn("Репутация авторов недоступна, trending пуст",
			slog.String("error", err.Error()),
			slog.Int("candidates", len(page)),
		)
		trendingRejectionsTotal.WithLabelValues("missing_reputation").Add(float64(len(page)))
		return nil, false
	}

	entries := make([]*model.TrendingEntry, 0, len(page))
	for _, c := range page {
		// Сдвиг страниц при конкурентной записи может повторить кандидата
		if seen[c.PostID] {
			continue
		}
		seen[c.PostID] = true

		rep := reputations[c.CreatorID]
		if reason, ok := s.admit(c, rep); !ok {
			trendingRejectionsTotal.WithLabelValues(reason).Inc()
			continue
		}

		inTrending := now.Sub(c.Tier3ExpandedAt)
		if inTrending < 0 {
			inTrending = 0
		}
		entries = append(entries, &model.TrendingEntry{
			PostID:            c.PostID,
			CreatorID:         c.CreatorID,
			Title:             c.Title,
			EVScore:           c.EVScore,
			CreatorReputation: rep.Score,
			CreatorVerified:   rep.Verified,
			Tier3ExpandedAt:   c.Tier3ExpandedAt,
			TimeInTrending:    inTrending,
			CreatedAt:         c.CreatedAt,
		})
	}
	return entries, true
}

// admit применяет gate к кандидату. Возвращает причину отказа.
func (s *TrendingService) admit(c *model.TrendingCandidate, rep *model.CreatorReputation) (string, bool) {
	switch {
	case c.EVScore <= s.gate.EVMin:
		return "ev", false
	case rep == nil:
		return "missing_reputation", false
	case rep.Score <= s.gate.CreatorMin:
		return "reputation", false
	case s.gate.VerifiedOnly && !rep.Verified:
		return "verified", false
	}
	return "", true
}

// RankTrending сортирует записи: EV по убыванию, затем более раннее
// время перехода в tier3, затем post_id.
func RankTrending(entries []*model.TrendingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.EVScore != b.EVScore {
			return a.EVScore > b.EVScore
		}
		if !a.Tier3ExpandedAt.Equal(b.Tier3ExpandedAt) {
			return a.Tier3ExpandedAt.Before(b.Tier3ExpandedAt)
		}
		return a.PostID < b.PostID
	})
}
