package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
)

// pagedActivePosts — постраничная выдача отсортированного списка post_id.
type pagedActivePosts struct {
	ids   []string
	calls int
	err   error
}

func (p *pagedActivePosts) ListActiveIDs(_ context.Context, afterID string, limit int) ([]string, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	start := sort.SearchStrings(p.ids, afterID)
	if start < len(p.ids) && p.ids[start] == afterID {
		start++
	}
	end := start + limit
	if end > len(p.ids) {
		end = len(p.ids)
	}
	return p.ids[start:end], nil
}

type recomputeFunc func(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error)

func (f recomputeFunc) RecomputeVisibility(ctx context.Context, postID string, now time.Time) (*model.VisibilityState, error) {
	return f(ctx, postID, now)
}

type trendingFunc func(ctx context.Context, limit int, window string, now time.Time) (*TrendingResult, error)

func (f trendingFunc) GetTrendingPosts(ctx context.Context, limit int, window string, now time.Time) (*TrendingResult, error) {
	return f(ctx, limit, window, now)
}

func postIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("post-%02d", i)
	}
	return ids
}

func TestSweepService_SweepOnce(t *testing.T) {
	posts := &pagedActivePosts{ids: postIDs(7)}

	var mu sync.Mutex
	seen := map[string]int{}
	var inFlight, maxInFlight int32

	recompute := recomputeFunc(func(_ context.Context, postID string, now time.Time) (*model.VisibilityState, error) {
		cur := atomic.AddInt32(&inFlight, 1)
		defer atomic.AddInt32(&inFlight, -1)
		for {
			prev := atomic.LoadInt32(&maxInFlight)
			if cur <= prev || atomic.CompareAndSwapInt32(&maxInFlight, prev, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		seen[postID]++
		mu.Unlock()

		if !now.Equal(t0) {
			t.Errorf("now = %v, ожидалось %v", now, t0)
		}
		switch postID {
		case "post-03":
			return nil, errors.New("timeout")
		case "post-05":
			at := t0
			return &model.VisibilityState{PostID: postID, CurrentTier: model.TierExpired, ExpiredAt: &at}, nil
		}
		return &model.VisibilityState{PostID: postID, CurrentTier: model.TierOne}, nil
	})

	svc := NewSweepService(posts, recompute, nil, nil, time.Minute, 2, 3, 10, testLogger())
	result, err := svc.SweepOnce(context.Background(), t0)
	if err != nil {
		t.Fatalf("SweepOnce ошибка: %v", err)
	}

	if result.Processed != 7 || result.Failed != 1 || result.Expired != 1 {
		t.Errorf("итог = processed:%d failed:%d expired:%d, ожидалось 7/1/1",
			result.Processed, result.Failed, result.Expired)
	}
	if len(seen) != 7 {
		t.Errorf("пересчитано уникальных = %d, ожидалось 7", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("%s пересчитан %d раз", id, n)
		}
	}
	// Страницы 3 + 3 + 1
	if posts.calls != 3 {
		t.Errorf("запросов страниц = %d, ожидалось 3", posts.calls)
	}
	if maxInFlight > 2 {
		t.Errorf("параллельных пересчётов = %d, ограничение 2", maxInFlight)
	}
}

func TestSweepService_ListError(t *testing.T) {
	posts := &pagedActivePosts{err: errors.New("connection refused")}
	recompute := recomputeFunc(func(_ context.Context, _ string, _ time.Time) (*model.VisibilityState, error) {
		t.Error("пересчёт не должен вызываться")
		return nil, nil
	})

	svc := NewSweepService(posts, recompute, nil, nil, time.Minute, 2, 3, 10, testLogger())
	if _, err := svc.SweepOnce(context.Background(), t0); err == nil {
		t.Error("ожидалась ошибка обхода")
	}
}

func TestSweepService_TrendingSnapshot(t *testing.T) {
	posts := &pagedActivePosts{}
	recompute := recomputeFunc(func(_ context.Context, _ string, _ time.Time) (*model.VisibilityState, error) {
		return nil, nil
	})

	current := []string{"p1", "p2"}
	trending := trendingFunc(func(_ context.Context, limit int, window string, _ time.Time) (*TrendingResult, error) {
		if limit != 10 || window != DefaultTrendingWindow {
			t.Errorf("limit/window = %d/%s", limit, window)
		}
		res := &TrendingResult{Window: window}
		for _, id := range current {
			res.Entries = append(res.Entries, &model.TrendingEntry{PostID: id})
		}
		return res, nil
	})
	pub := &recordingPublisher{}

	svc := NewSweepService(posts, recompute, trending, pub, time.Minute, 2, 100, 10, testLogger())
	ctx := context.Background()

	steps := []struct {
		ids     []string
		changed bool
	}{
		{[]string{"p1", "p2"}, true},
		{[]string{"p1", "p2"}, false},
		{[]string{"p2", "p1"}, true},
		{nil, true},
		{nil, false},
	}
	for i, step := range steps {
		current = step.ids
		result, err := svc.SweepOnce(ctx, t0)
		if err != nil {
			t.Fatalf("шаг %d: SweepOnce ошибка: %v", i, err)
		}
		if result.TrendingChanged != step.changed {
			t.Errorf("шаг %d: TrendingChanged = %v, ожидалось %v", i, result.TrendingChanged, step.changed)
		}
	}

	evs := pub.recorded()
	if len(evs) != 3 {
		t.Fatalf("событий = %d, ожидалось 3", len(evs))
	}
	for _, ev := range evs {
		if ev.Type != events.TypeTrendingUpdated {
			t.Errorf("тип события = %s", ev.Type)
		}
	}
	if ids, ok := evs[1].Payload["post_ids"].([]string); !ok || len(ids) != 2 || ids[0] != "p2" {
		t.Errorf("post_ids = %v", evs[1].Payload["post_ids"])
	}
}

func TestSweepService_StartStop(t *testing.T) {
	posts := &pagedActivePosts{ids: postIDs(2)}

	var calls atomic.Int32
	recompute := recomputeFunc(func(_ context.Context, postID string, _ time.Time) (*model.VisibilityState, error) {
		calls.Add(1)
		return &model.VisibilityState{PostID: postID, CurrentTier: model.TierOne}, nil
	})

	svc := NewSweepService(posts, recompute, nil, nil, 20*time.Millisecond, 2, 10, 10, testLogger())
	svc.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	svc.Stop()

	if calls.Load() < 2 {
		t.Errorf("пересчётов = %d, ожидалось >= 2", calls.Load())
	}
}
