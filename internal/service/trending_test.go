package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

type mockCandidates struct {
	listFn func(ctx context.Context, since time.Time, evMin float64, limit, offset int) ([]*model.TrendingCandidate, error)
}

func (m *mockCandidates) ListTrendingCandidates(ctx context.Context, since time.Time, evMin float64, limit, offset int) ([]*model.TrendingCandidate, error) {
	if m.listFn != nil {
		return m.listFn(ctx, since, evMin, limit, offset)
	}
	return nil, nil
}

type mockReputationSource struct {
	getManyFn func(ctx context.Context, ids []string) (map[string]*model.CreatorReputation, error)
}

func (m *mockReputationSource) GetMany(ctx context.Context, ids []string) (map[string]*model.CreatorReputation, error) {
	if m.getManyFn != nil {
		return m.getManyFn(ctx, ids)
	}
	return map[string]*model.CreatorReputation{}, nil
}

var defaultGate = GateConfig{EVMin: 150, CreatorMin: 30, VerifiedOnly: true}

func candidate(postID, creatorID string, ev float64, tier3 time.Time) *model.TrendingCandidate {
	return &model.TrendingCandidate{
		PostID:          postID,
		CreatorID:       creatorID,
		EVScore:         ev,
		Tier3ExpandedAt: tier3,
		CreatedAt:       tier3.Add(-2 * time.Hour),
	}
}

func staticReputations(reps map[string]*model.CreatorReputation) *mockReputationSource {
	return &mockReputationSource{
		getManyFn: func(_ context.Context, _ []string) (map[string]*model.CreatorReputation, error) {
			return reps, nil
		},
	}
}

func TestTrendingService_Gate(t *testing.T) {
	now := t0.Add(10 * time.Hour)
	tier3 := t0.Add(5 * time.Hour)

	tests := []struct {
		name     string
		ev       float64
		rep      *model.CreatorReputation
		gate     GateConfig
		admitted bool
	}{
		{"проходит все условия", 151, &model.CreatorReputation{Score: 31, Verified: true}, defaultGate, true},
		{"EV равен порогу", 150, &model.CreatorReputation{Score: 31, Verified: true}, defaultGate, false},
		{"репутация равна порогу", 200, &model.CreatorReputation{Score: 30, Verified: true}, defaultGate, false},
		{"автор не верифицирован", 200, &model.CreatorReputation{Score: 90, Verified: false}, defaultGate, false},
		{"верификация не требуется", 200, &model.CreatorReputation{Score: 90, Verified: false},
			GateConfig{EVMin: 150, CreatorMin: 30}, true},
		{"репутация отсутствует", 200, nil, defaultGate, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reps := map[string]*model.CreatorReputation{}
			if tt.rep != nil {
				rep := *tt.rep
				rep.CreatorID = "c1"
				reps["c1"] = &rep
			}
			cands := &mockCandidates{
				listFn: func(_ context.Context, _ time.Time, _ float64, _, _ int) ([]*model.TrendingCandidate, error) {
					return []*model.TrendingCandidate{candidate("p1", "c1", tt.ev, tier3)}, nil
				},
			}

			svc := NewTrendingService(cands, staticReputations(reps), tt.gate, testLogger())
			res, err := svc.GetTrendingPosts(context.Background(), 10, "24hours", now)
			if err != nil {
				t.Fatalf("GetTrendingPosts ошибка: %v", err)
			}
			if got := len(res.Entries) == 1; got != tt.admitted {
				t.Errorf("допущен = %v, ожидалось %v", got, tt.admitted)
			}
		})
	}
}

func TestTrendingService_Ranking(t *testing.T) {
	now := t0.Add(20 * time.Hour)
	early := t0.Add(2 * time.Hour)
	late := t0.Add(6 * time.Hour)

	cands := &mockCandidates{
		listFn: func(_ context.Context, _ time.Time, _ float64, _, _ int) ([]*model.TrendingCandidate, error) {
			return []*model.TrendingCandidate{
				candidate("p-b", "c1", 200, late),
				candidate("p-a", "c1", 200, late),
				candidate("p-c", "c2", 200, early),
				candidate("p-d", "c2", 500, late),
				candidate("p-e", "c1", 180, early),
			}, nil
		},
	}
	reps := staticReputations(map[string]*model.CreatorReputation{
		"c1": {CreatorID: "c1", Score: 40, Verified: true},
		"c2": {CreatorID: "c2", Score: 70, Verified: true},
	})

	svc := NewTrendingService(cands, reps, defaultGate, testLogger())
	res, err := svc.GetTrendingPosts(context.Background(), 4, "24hours", now)
	if err != nil {
		t.Fatalf("GetTrendingPosts ошибка: %v", err)
	}

	want := []string{"p-d", "p-c", "p-a", "p-b"}
	if len(res.Entries) != len(want) {
		t.Fatalf("записей = %d, ожидалось %d", len(res.Entries), len(want))
	}
	for i, e := range res.Entries {
		if e.PostID != want[i] {
			t.Errorf("позиция %d: %s, ожидался %s", i+1, e.PostID, want[i])
		}
		if e.Rank != i+1 {
			t.Errorf("Rank = %d, ожидался %d", e.Rank, i+1)
		}
	}
	if res.Entries[0].CreatorReputation != 70 || !res.Entries[0].CreatorVerified {
		t.Errorf("репутация первой записи = %+v", res.Entries[0])
	}
	if res.Entries[1].TimeInTrending != 18*time.Hour {
		t.Errorf("TimeInTrending = %v, ожидалось 18h", res.Entries[1].TimeInTrending)
	}
	if res.Candidates != 5 || res.Gate != defaultGate || res.Window != "24hours" {
		t.Errorf("метаданные = candidates:%d gate:%+v window:%s", res.Candidates, res.Gate, res.Window)
	}
}

func TestTrendingService_WindowAndLimit(t *testing.T) {
	now := t0.Add(24 * time.Hour)

	var since time.Time
	var evMin float64
	cands := &mockCandidates{
		listFn: func(_ context.Context, s time.Time, threshold float64, _, _ int) ([]*model.TrendingCandidate, error) {
			since, evMin = s, threshold
			return nil, nil
		},
	}
	svc := NewTrendingService(cands, &mockReputationSource{}, defaultGate, testLogger())
	ctx := context.Background()

	res, err := svc.GetTrendingPosts(ctx, 0, "", now)
	if err != nil {
		t.Fatalf("GetTrendingPosts ошибка: %v", err)
	}
	if res.Limit != DefaultTrendingLimit || res.Window != DefaultTrendingWindow {
		t.Errorf("по умолчанию = limit:%d window:%s", res.Limit, res.Window)
	}
	if !since.Equal(now.Add(-24*time.Hour)) || evMin != 150 {
		t.Errorf("since/evMin = %v/%v", since, evMin)
	}
	if res.Entries == nil {
		t.Error("Entries должен быть пустым срезом, не nil")
	}

	if _, err := svc.GetTrendingPosts(ctx, 5, "6hours", now); err != nil {
		t.Fatalf("GetTrendingPosts ошибка: %v", err)
	}
	if !since.Equal(now.Add(-6 * time.Hour)) {
		t.Errorf("since = %v, ожидалось now-6h", since)
	}

	tests := []struct {
		name   string
		limit  int
		window string
	}{
		{"limit больше максимума", MaxTrendingLimit + 1, "24hours"},
		{"отрицательный limit", -1, "24hours"},
		{"неизвестное окно", 10, "2days"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.GetTrendingPosts(ctx, tt.limit, tt.window, now); !errors.Is(err, ErrValidation) {
				t.Errorf("ошибка = %v, ожидалась ErrValidation", err)
			}
		})
	}
}

func TestTrendingService_ReputationUnavailable(t *testing.T) {
	cands := &mockCandidates{
		listFn: func(_ context.Context, _ time.Time, _ float64, _, _ int) ([]*model.TrendingCandidate, error) {
			return []*model.TrendingCandidate{candidate("p1", "c1", 500, t0)}, nil
		},
	}
	reps := &mockReputationSource{
		getManyFn: func(_ context.Context, _ []string) (map[string]*model.CreatorReputation, error) {
			return nil, ErrDependencyUnavailable
		},
	}

	svc := NewTrendingService(cands, reps, defaultGate, testLogger())
	res, err := svc.GetTrendingPosts(context.Background(), 10, "24hours", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetTrendingPosts ошибка: %v", err)
	}
	if len(res.Entries) != 0 {
		t.Errorf("записей = %d, ожидалось 0 при недоступной репутации", len(res.Entries))
	}
}

func TestTrendingService_CandidatesError(t *testing.T) {
	cands := &mockCandidates{
		listFn: func(_ context.Context, _ time.Time, _ float64, _, _ int) ([]*model.TrendingCandidate, error) {
			return nil, errors.New("connection refused")
		},
	}
	svc := NewTrendingService(cands, &mockReputationSource{}, defaultGate, testLogger())
	if _, err := svc.GetTrendingPosts(context.Background(), 10, "24hours", t0); err == nil {
		t.Error("ожидалась ошибка получения кандидатов")
	}
	if svc.Gate() != defaultGate {
		t.Errorf("Gate() = %+v", svc.Gate())
	}
}

// pagedCandidates отдаёт all страницами, как хранилище с LIMIT/OFFSET.
func pagedCandidates(all []*model.TrendingCandidate, offsets *[]int) *mockCandidates {
	return &mockCandidates{
		listFn: func(_ context.Context, _ time.Time, _ float64, limit, offset int) ([]*model.TrendingCandidate, error) {
			if offsets != nil {
				*offsets = append(*offsets, offset)
			}
			if offset >= len(all) {
				return nil, nil
			}
			end := offset + limit
			if end > len(all) {
				end = len(all)
			}
			return all[offset:end], nil
		},
	}
}

func TestTrendingService_PagesPastRejectedCandidates(t *testing.T) {
	now := t0.Add(20 * time.Hour)
	tier3 := t0.Add(2 * time.Hour)

	// Первая страница целиком от автора с низкой репутацией
	var all []*model.TrendingCandidate
	for i := 0; i < trendingPageSize; i++ {
		all = append(all, candidate(fmt.Sprintf("low-%03d", i), "c-low", 900, tier3))
	}
	for i := 0; i < 3; i++ {
		all = append(all, candidate(fmt.Sprintf("ok-%d", i), "c-ok", float64(500-i), tier3))
	}

	reps := staticReputations(map[string]*model.CreatorReputation{
		"c-low": {CreatorID: "c-low", Score: 10, Verified: true},
		"c-ok":  {CreatorID: "c-ok", Score: 80, Verified: true},
	})
	var offsets []int
	svc := NewTrendingService(pagedCandidates(all, &offsets), reps, defaultGate, testLogger())

	res, err := svc.GetTrendingPosts(context.Background(), 2, "24hours", now)
	if err != nil {
		t.Fatalf("GetTrendingPosts ошибка: %v", err)
	}
	if len(res.Entries) != 2 || res.Entries[0].PostID != "ok-0" || res.Entries[1].PostID != "ok-1" {
		t.Fatalf("записи = %+v", res.Entries)
	}
	if len(offsets) != 2 || offsets[1] != trendingPageSize {
		t.Errorf("смещения страниц = %v", offsets)
	}
	if res.Candidates != len(all) {
		t.Errorf("Candidates = %d, ожидалось %d", res.Candidates, len(all))
	}
}

func TestTrendingService_StopsAfterLimitAdmitted(t *testing.T) {
	var all []*model.TrendingCandidate
	for i := 0; i < 2*trendingPageSize; i++ {
		all = append(all, candidate(fmt.Sprintf("p-%03d", i), "c1", float64(1000-i), t0))
	}
	reps := staticReputations(map[string]*model.CreatorReputation{
		"c1": {CreatorID: "c1", Score: 50, Verified: true},
	})
	var offsets []int
	svc := NewTrendingService(pagedCandidates(all, &offsets), reps, defaultGate, testLogger())

	res, err := svc.GetTrendingPosts(context.Background(), 10, "24hours", t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("GetTrendingPosts ошибка: %v", err)
	}
	if len(offsets) != 1 {
		t.Errorf("прочитано страниц = %d, ожидалась 1", len(offsets))
	}
	if len(res.Entries) != 10 || res.Entries[9].PostID != "p-009" {
		t.Errorf("записи = %d, последняя %+v", len(res.Entries), res.Entries[len(res.Entries)-1])
	}
}

func TestTrendingService_StableAcrossCalls(t *testing.T) {
	now := t0.Add(20 * time.Hour)
	early := t0.Add(2 * time.Hour)
	late := t0.Add(6 * time.Hour)

	// Кандидаты с равными EV и равным временем tier3 упорядочиваются по post_id
	all := []*model.TrendingCandidate{
		candidate("p-d", "c1", 300, late),
		candidate("p-b", "c2", 300, late),
		candidate("p-c", "c1", 300, early),
		candidate("p-a", "c2", 300, late),
		candidate("p-e", "c1", 700, late),
		candidate("p-f", "c2", 160, early),
	}
	reps := staticReputations(map[string]*model.CreatorReputation{
		"c1": {CreatorID: "c1", Score: 40, Verified: true},
		"c2": {CreatorID: "c2", Score: 60, Verified: true},
	})
	svc := NewTrendingService(pagedCandidates(all, nil), reps, defaultGate, testLogger())
	ctx := context.Background()

	first, err := svc.GetTrendingPosts(ctx, 10, "24hours", now)
	if err != nil {
		t.Fatalf("первый вызов: %v", err)
	}
	second, err := svc.GetTrendingPosts(ctx, 10, "24hours", now.Add(time.Second))
	if err != nil {
		t.Fatalf("второй вызов: %v", err)
	}

	want := []string{"p-e", "p-c", "p-a", "p-b", "p-d", "p-f"}
	if len(first.Entries) != len(want) || len(second.Entries) != len(want) {
		t.Fatalf("записей = %d и %d, ожидалось %d", len(first.Entries), len(second.Entries), len(want))
	}
	for i := range want {
		a, b := first.Entries[i], second.Entries[i]
		if a.PostID != want[i] || b.PostID != want[i] {
			t.Errorf("позиция %d: %s / %s, ожидался %s", i+1, a.PostID, b.PostID, want[i])
		}
		if a.Rank != b.Rank {
			t.Errorf("Rank %s: %d / %d", a.PostID, a.Rank, b.Rank)
		}
	}
}

func TestParseTrendingWindow(t *testing.T) {
	tests := map[string]time.Duration{
		"1hour":   time.Hour,
		"6hours":  6 * time.Hour,
		"24hours": 24 * time.Hour,
		"7days":   168 * time.Hour,
		"":        24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseTrendingWindow(in)
		if err != nil || got != want {
			t.Errorf("ParseTrendingWindow(%q) = %v, %v; ожидалось %v", in, got, err, want)
		}
	}
}
