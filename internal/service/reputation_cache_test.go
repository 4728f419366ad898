package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/repository"
)

func TestReputationCache_GetCachesHits(t *testing.T) {
	calls := 0
	repo := &mockReputationRepo{
		getFn: func(_ context.Context, id string) (*model.CreatorReputation, error) {
			calls++
			return &model.CreatorReputation{CreatorID: id, Score: 55, Verified: true}, nil
		},
	}
	cache := NewReputationCache(repo, 100, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		rep, err := cache.Get(ctx, "c1")
		if err != nil {
			t.Fatalf("Get ошибка: %v", err)
		}
		if rep.Score != 55 {
			t.Errorf("Score = %v, ожидалось 55", rep.Score)
		}
	}
	if calls != 1 {
		t.Errorf("обращений к хранилищу = %d, ожидалось 1", calls)
	}

	cache.Invalidate("c1")
	if _, err := cache.Get(ctx, "c1"); err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if calls != 2 {
		t.Errorf("после инвалидации обращений = %d, ожидалось 2", calls)
	}
}

func TestReputationCache_RefreshReloads(t *testing.T) {
	score := 20.0
	repo := &mockReputationRepo{
		getManyFn: func(_ context.Context, ids []string) (map[string]*model.CreatorReputation, error) {
			return map[string]*model.CreatorReputation{ids[0]: {CreatorID: ids[0], Score: score}}, nil
		},
		getFn: func(_ context.Context, id string) (*model.CreatorReputation, error) {
			return &model.CreatorReputation{CreatorID: id, Score: score, Verified: true}, nil
		},
	}
	cache := NewReputationCache(repo, 100, time.Hour)
	ctx := context.Background()

	if _, err := cache.GetMany(ctx, []string{"c1"}); err != nil {
		t.Fatalf("GetMany ошибка: %v", err)
	}

	// Репутация изменилась во внешней системе: без Refresh кэш отдаёт старое значение
	score = 75
	got, _ := cache.GetMany(ctx, []string{"c1"})
	if got["c1"].Score != 20 {
		t.Fatalf("до Refresh Score = %v, ожидалось 20", got["c1"].Score)
	}

	rep, err := cache.Refresh(ctx, "c1")
	if err != nil {
		t.Fatalf("Refresh ошибка: %v", err)
	}
	if rep.Score != 75 || !rep.Verified {
		t.Errorf("Refresh = %+v", rep)
	}
	got, _ = cache.GetMany(ctx, []string{"c1"})
	if got["c1"].Score != 75 {
		t.Errorf("после Refresh Score = %v, ожидалось 75", got["c1"].Score)
	}
}

func TestReputationCache_GetErrors(t *testing.T) {
	calls := 0
	repo := &mockReputationRepo{
		getFn: func(_ context.Context, id string) (*model.CreatorReputation, error) {
			calls++
			if id == "missing" {
				return nil, repository.ErrNotFound
			}
			return nil, errors.New("connection refused")
		},
	}
	cache := NewReputationCache(repo, 100, time.Minute)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
	if _, err := cache.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ошибка = %v, ожидалась ErrNotFound", err)
	}
	if calls != 2 {
		t.Errorf("отсутствующий автор не должен кэшироваться: обращений = %d", calls)
	}
	if _, err := cache.Get(ctx, "broken"); !errors.Is(err, ErrDependencyUnavailable) {
		t.Errorf("ошибка = %v, ожидалась ErrDependencyUnavailable", err)
	}
}

func TestReputationCache_GetMany(t *testing.T) {
	var requested [][]string
	repo := &mockReputationRepo{
		getManyFn: func(_ context.Context, ids []string) (map[string]*model.CreatorReputation, error) {
			requested = append(requested, append([]string(nil), ids...))
			result := map[string]*model.CreatorReputation{}
			for _, id := range ids {
				if id != "unknown" {
					result[id] = &model.CreatorReputation{CreatorID: id, Score: 40}
				}
			}
			return result, nil
		},
	}
	cache := NewReputationCache(repo, 100, time.Minute)
	ctx := context.Background()

	got, err := cache.GetMany(ctx, []string{"c1", "c2", "c1", "unknown"})
	if err != nil {
		t.Fatalf("GetMany ошибка: %v", err)
	}
	if len(got) != 2 || got["c1"] == nil || got["c2"] == nil {
		t.Errorf("результат = %v, ожидались c1, c2", got)
	}
	sort.Strings(requested[0])
	if len(requested[0]) != 3 {
		t.Errorf("запрошено = %v, ожидались уникальные c1, c2, unknown", requested[0])
	}
	if cache.Len() != 2 {
		t.Errorf("Len = %d, ожидалось 2", cache.Len())
	}

	// Второй вызов: c1 из кэша, в хранилище только c3 и unknown
	if _, err := cache.GetMany(ctx, []string{"c1", "c3", "unknown"}); err != nil {
		t.Fatalf("GetMany ошибка: %v", err)
	}
	if len(requested) != 2 || len(requested[1]) != 2 {
		t.Errorf("второй запрос = %v, ожидались c3, unknown", requested)
	}

	// Всё в кэше — хранилище не вызывается
	if _, err := cache.GetMany(ctx, []string{"c1", "c2"}); err != nil {
		t.Fatalf("GetMany ошибка: %v", err)
	}
	if len(requested) != 2 {
		t.Errorf("обращений = %d, ожидалось 2", len(requested))
	}
}

func TestReputationCache_GetManyError(t *testing.T) {
	repo := &mockReputationRepo{
		getManyFn: func(_ context.Context, _ []string) (map[string]*model.CreatorReputation, error) {
			return nil, errors.New("timeout")
		},
	}
	cache := NewReputationCache(repo, 100, time.Minute)

	if _, err := cache.GetMany(context.Background(), []string{"c1"}); !errors.Is(err, ErrDependencyUnavailable) {
		t.Errorf("ошибка = %v, ожидалась ErrDependencyUnavailable", err)
	}
}

func TestReputationCache_TTL(t *testing.T) {
	calls := 0
	repo := &mockReputationRepo{
		getFn: func(_ context.Context, id string) (*model.CreatorReputation, error) {
			calls++
			return &model.CreatorReputation{CreatorID: id}, nil
		},
	}
	cache := NewReputationCache(repo, 100, 50*time.Millisecond)
	ctx := context.Background()

	if _, err := cache.Get(ctx, "c1"); err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	time.Sleep(120 * time.Millisecond)
	if _, err := cache.Get(ctx, "c1"); err != nil {
		t.Fatalf("Get ошибка: %v", err)
	}
	if calls != 2 {
		t.Errorf("после истечения TTL обращений = %d, ожидалось 2", calls)
	}
}
