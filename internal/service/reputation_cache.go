// reputation_cache.go — LRU-кэш репутации авторов с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable перед таблицей creator_reputation.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/repository"
)

// Prometheus-метрики кэша репутации.
var (
	reputationCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_module_reputation_cache_hits_total",
		Help: "Общее количество попаданий в кэш репутации авторов.",
	})
	reputationCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reach_module_reputation_cache_misses_total",
		Help: "Общее количество промахов кэша репутации авторов.",
	})
)

// ReputationCache — кэш репутации авторов.
// Отсутствующие авторы не кэшируются: репутация может появиться позже.
type ReputationCache struct {
	repo  repository.ReputationRepository
	cache *expirable.LRU[string, *model.CreatorReputation]
}

// NewReputationCache создаёт кэш с указанным максимальным размером и TTL.
func NewReputationCache(repo repository.ReputationRepository, maxSize int, ttl time.Duration) *ReputationCache {
	return &ReputationCache{
		repo:  repo,
		cache: expirable.NewLRU[string, *model.CreatorReputation](maxSize, nil, ttl),
	}
}

// Get возвращает репутацию автора из кэша или хранилища.
// Для неизвестного автора — ErrNotFound.
func (c *ReputationCache) Get(ctx context.Context, creatorID string) (*model.CreatorReputation, error) {
	if rep, ok := c.cache.Get(creatorID); ok {
		reputationCacheHitsTotal.Inc()
		return rep, nil
	}
	reputationCacheMissesTotal.Inc()

	rep, err := c.repo.Get(ctx, creatorID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: репутация автора %s", ErrNotFound, creatorID)
		}
		return nil, fmt.Errorf("%w: репутация автора: %v", ErrDependencyUnavailable, err)
	}
	c.cache.Add(creatorID, rep)
	return rep, nil
}

// GetMany возвращает репутации авторов. Промахи загружаются одним запросом.
// Отсутствующие авторы не попадают в результат.
func (c *ReputationCache) GetMany(ctx context.Context, creatorIDs []string) (map[string]*model.CreatorReputation, error) {
	result := make(map[string]*model.CreatorReputation, len(creatorIDs))
	var missing []string
	seen := make(map[string]bool, len(creatorIDs))

	for _, id := range creatorIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if rep, ok := c.cache.Get(id); ok {
			reputationCacheHitsTotal.Inc()
			result[id] = rep
			continue
		}
		reputationCacheMissesTotal.Inc()
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return result, nil
	}

	loaded, err := c.repo.GetMany(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("%w: репутация авторов: %v", ErrDependencyUnavailable, err)
	}
	for id, rep := range loaded {
		c.cache.Add(id, rep)
		result[id] = rep
	}
	return result, nil
}

// Invalidate удаляет запись автора из кэша.
func (c *ReputationCache) Invalidate(creatorID string) {
	c.cache.Remove(creatorID)
}

// Refresh сбрасывает запись автора и загружает актуальную репутацию.
// Вызывается при обновлении репутации во внешней системе.
func (c *ReputationCache) Refresh(ctx context.Context, creatorID string) (*model.CreatorReputation, error) {
	c.Invalidate(creatorID)
	return c.Get(ctx, creatorID)
}

// Len возвращает количество записей в кэше.
func (c *ReputationCache) Len() int {
	return c.cache.Len()
}
