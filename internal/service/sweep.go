// sweep.go — фоновый пересчёт состояний видимости.
//
// SweepService запускает горутину с ticker (RM_SWEEP_INTERVAL), которая
// постранично обходит все неистёкшие публикации и пересчитывает их
// с ограниченным параллелизмом (RM_SWEEP_CONCURRENCY). После обхода
// вычисляется trending; при изменении состава публикуется trending.updated.
//
// Prometheus-метрики:
//   - reach_module_sweep_duration_seconds — длительность обхода
//   - reach_module_sweep_posts_total — обработанные публикации по результату
package service

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
)

// Prometheus-метрики фонового пересчёта.
var (
	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "reach_module_sweep_duration_seconds",
		Help:    "Длительность обхода активных публикаций",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms … ~82s
	})

	sweepPostsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reach_module_sweep_posts_total",
		Help: "Количество публикаций, обработанных фоновым пересчётом",
	}, []string{"result"}) // result: active, expired, error
)

// ActivePosts — постраничный обход неистёкших публикаций.
type ActivePosts interface {
	ListActiveIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// Recomputer — пересчёт состояния одной публикации.
type Recomputer interface {
	RecomputeVisibility(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error)
}

// TrendingEvaluator — вычисление trending.
type TrendingEvaluator interface {
	GetTrendingPosts(ctx context.Context, limit int, window string, now time.Time) (*TrendingResult, error)
}

// SweepResult — итог одного обхода.
type SweepResult struct {
	// Processed — количество пересчитанных публикаций
	Processed int
	// Expired — из них истекли в этом обходе
	Expired int
	// Failed — пересчёт завершился ошибкой
	Failed int
	// TrendingChanged — изменился состав trending
	TrendingChanged bool
	Duration        time.Duration
}

// SweepService — фоновый пересчёт.
type SweepService struct {
	posts         ActivePosts
	recompute     Recomputer
	trending      TrendingEvaluator
	publisher     events.Publisher
	interval      time.Duration
	concurrency   int
	pageSize      int
	snapshotLimit int
	logger        *slog.Logger

	mu       sync.Mutex
	snapshot []string

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweepService создаёт сервис фонового пересчёта.
// trending и publisher могут быть nil — тогда снимок trending не строится.
func NewSweepService(
	posts ActivePosts,
	recompute Recomputer,
	trending TrendingEvaluator,
	publisher events.Publisher,
	interval time.Duration,
	concurrency int,
	pageSize int,
	snapshotLimit int,
	logger *slog.Logger,
) *SweepService {
	if concurrency < 1 {
		concurrency = 1
	}
	return &SweepService{
		posts:         posts,
		recompute:     recompute,
		trending:      trending,
		publisher:     publisher,
		interval:      interval,
		concurrency:   concurrency,
		pageSize:      pageSize,
		snapshotLimit: snapshotLimit,
		logger:        logger.With(slog.String("component", "sweep")),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Start запускает фоновую горутину с периодическим пересчётом.
// Вызывается один раз при старте приложения.
func (s *SweepService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Фоновый пересчёт видимости запущен",
			slog.String("interval", s.interval.String()),
			slog.Int("concurrency", s.concurrency),
			slog.Int("page_size", s.pageSize),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Фоновый пересчёт видимости остановлен")
				return
			case <-ticker.C:
				result, err := s.SweepOnce(ctx, s.now())
				if err != nil {
					s.logger.Error("Ошибка фонового пересчёта", slog.String("error", err.Error()))
					continue
				}
				s.logger.Info("Фоновый пересчёт завершён",
					slog.Int("processed", result.Processed),
					slog.Int("expired", result.Expired),
					slog.Int("failed", result.Failed),
					slog.Bool("trending_changed", result.TrendingChanged),
					slog.String("duration", result.Duration.String()),
				)
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *SweepService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// SweepOnce пересчитывает все неистёкшие публикации в момент now.
// Ошибка отдельной публикации не прерывает обход.
func (s *SweepService) SweepOnce(ctx context.Context, now time.Time) (*SweepResult, error) {
	start := time.Now()
	result := &SweepResult{}

	after := ""
	for {
		ids, err := s.posts.ListActiveIDs(ctx, after, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("обход активных публикаций: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		s.processPage(ctx, ids, now, result)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		after = ids[len(ids)-1]
		if len(ids) < s.pageSize {
			break
		}
	}

	changed, err := s.refreshTrending(ctx, now)
	if err != nil {
		s.logger.Warn("Не удалось обновить снимок trending", slog.String("error", err.Error()))
	}
	result.TrendingChanged = changed

	result.Duration = time.Since(start)
	sweepDuration.Observe(result.Duration.Seconds())
	return result, nil
}

// processPage пересчитывает страницу публикаций параллельно.
func (s *SweepService) processPage(ctx context.Context, ids []string, now time.Time, result *SweepResult) {
	sem := make(chan struct{}, s.concurrency)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(postID string) {
			defer wg.Done()

			// Ограничение concurrency
			sem <- struct{}{}
			defer func() { <-sem }()

			state, err := s.recompute.RecomputeVisibility(ctx, postID, now)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				result.Failed++
				sweepPostsTotal.WithLabelValues("error").Inc()
				s.logger.Warn("Ошибка пересчёта публикации",
					slog.String("post_id", postID),
					slog.String("error", err.Error()),
				)
			case state.IsExpired():
				result.Expired++
				sweepPostsTotal.WithLabelValues("expired").Inc()
			default:
				sweepPostsTotal.WithLabelValues("active").Inc()
			}
		}(id)
	}
	wg.Wait()
}

// refreshTrending сравнивает состав trending с предыдущим снимком и
// публикует trending.updated при изменении.
func (s *SweepService) refreshTrending(ctx context.Context, now time.Time) (bool, error) {
	if s.trending == nil || s.publisher == nil {
		return false, nil
	}

	res, err := s.trending.GetTrendingPosts(ctx, s.snapshotLimit, DefaultTrendingWindow, now)
	if err != nil {
		return false, err
	}

	ids := make([]string, 0, len(res.Entries))
	for _, e := range res.Entries {
		ids = append(ids, e.PostID)
	}

	s.mu.Lock()
	if slices.Equal(s.snapshot, ids) {
		s.mu.Unlock()
		return false, nil
	}
	previous := s.snapshot
	s.snapshot = ids
	s.mu.Unlock()

	ev := events.NewEvent(events.TypeTrendingUpdated, "", now)
	ev.Payload = map[string]any{
		"window":   res.Window,
		"post_ids": ids,
		"previous": previous,
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		return true, fmt.Errorf("публикация trending.updated: %w", err)
	}
	return true, nil
}
