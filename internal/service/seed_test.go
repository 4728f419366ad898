package service

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

func genreCandidates(genre string, users ...string) []model.SeedCandidate {
	result := make([]model.SeedCandidate, 0, len(users))
	for i, u := range users {
		g := genre
		score := 0.9 - float64(i)*0.01
		result = append(result, model.SeedCandidate{
			UserID:        u,
			Reason:        model.SeedReasonGenreAffinity,
			GenreTag:      &g,
			AffinityScore: &score,
		})
	}
	return result
}

func followerCandidates(users ...string) []model.SeedCandidate {
	result := make([]model.SeedCandidate, 0, len(users))
	for _, u := range users {
		result = append(result, model.SeedCandidate{UserID: u, Reason: model.SeedReasonFollower})
	}
	return result
}

func testPost() *model.Post {
	return &model.Post{ID: testPostID, CreatorID: "creator", Genre: "jazz", CreatedAt: t0}
}

func TestSeedService_SelectSeedAudience(t *testing.T) {
	var inserted []*model.SeedDistributionRecord
	records := &mockSeedRepo{
		insertFn: func(_ context.Context, recs []*model.SeedDistributionRecord) (int, error) {
			inserted = recs
			return len(recs), nil
		},
	}
	audience := &mockAudienceRepo{
		genreFn: func(_ context.Context, genre string, minScore float64, exclude string, limit int) ([]model.SeedCandidate, error) {
			if genre != "jazz" || minScore != 0.5 || exclude != "creator" || limit != 4 {
				t.Errorf("параметры = %s/%v/%s/%d", genre, minScore, exclude, limit)
			}
			return genreCandidates("jazz", "u1", "u2"), nil
		},
		followersFn: func(_ context.Context, creatorID string, _ int) ([]model.SeedCandidate, error) {
			// u2 уже выбран по жанру, creator — сам автор
			return followerCandidates("u2", "creator", "u3", "u4", "u5"), nil
		},
	}

	svc := NewSeedService(records, audience, 4, 0.5, testLogger())
	svc.now = func() time.Time { return t0 }

	got, err := svc.SelectSeedAudience(context.Background(), testPost())
	if err != nil {
		t.Fatalf("SelectSeedAudience ошибка: %v", err)
	}

	wantUsers := []string{"u1", "u2", "u3", "u4"}
	if len(got) != len(wantUsers) || len(inserted) != len(wantUsers) {
		t.Fatalf("записей = %d (вставлено %d), ожидалось %d", len(got), len(inserted), len(wantUsers))
	}
	for i, rec := range got {
		if rec.UserID != wantUsers[i] {
			t.Errorf("запись %d: user = %s, ожидался %s", i, rec.UserID, wantUsers[i])
		}
		if rec.PostID != testPostID || !rec.ShownAt.Equal(t0) || rec.ID == "" {
			t.Errorf("запись %d заполнена некорректно: %+v", i, rec)
		}
	}
	if got[0].Reason != model.SeedReasonGenreAffinity || got[0].GenreTag == nil || *got[0].GenreTag != "jazz" {
		t.Errorf("первая запись = %+v, ожидался genre_affinity/jazz", got[0])
	}
	if got[2].Reason != model.SeedReasonFollower || got[2].GenreTag != nil {
		t.Errorf("третья запись = %+v, ожидался creator_follower", got[2])
	}
}

func TestSeedService_SelectSeedAudience_CapReachedByGenre(t *testing.T) {
	followersCalled := false
	audience := &mockAudienceRepo{
		genreFn: func(_ context.Context, _ string, _ float64, _ string, _ int) ([]model.SeedCandidate, error) {
			return genreCandidates("jazz", "u1", "u2", "u3"), nil
		},
		followersFn: func(_ context.Context, _ string, _ int) ([]model.SeedCandidate, error) {
			followersCalled = true
			return nil, nil
		},
	}

	svc := NewSeedService(&mockSeedRepo{}, audience, 3, 0.5, testLogger())
	got, err := svc.SelectSeedAudience(context.Background(), testPost())
	if err != nil {
		t.Fatalf("SelectSeedAudience ошибка: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("записей = %d, ожидалось 3", len(got))
	}
	if followersCalled {
		t.Error("подписчики не нужны при заполненном лимите")
	}
}

func TestSeedService_SelectSeedAudience_SoftFailure(t *testing.T) {
	tests := []struct {
		name      string
		genreErr  error
		followErr error
		want      int
	}{
		{"жанр недоступен", errors.New("timeout"), nil, 2},
		{"подписчики недоступны", nil, errors.New("timeout"), 1},
		{"все источники недоступны", errors.New("timeout"), errors.New("timeout"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			insertCalled := false
			records := &mockSeedRepo{
				insertFn: func(_ context.Context, recs []*model.SeedDistributionRecord) (int, error) {
					insertCalled = true
					return len(recs), nil
				},
			}
			audience := &mockAudienceRepo{
				genreFn: func(_ context.Context, _ string, _ float64, _ string, _ int) ([]model.SeedCandidate, error) {
					if tt.genreErr != nil {
						return nil, tt.genreErr
					}
					return genreCandidates("jazz", "u1"), nil
				},
				followersFn: func(_ context.Context, _ string, _ int) ([]model.SeedCandidate, error) {
					if tt.followErr != nil {
						return nil, tt.followErr
					}
					return followerCandidates("u2", "u3"), nil
				},
			}

			svc := NewSeedService(records, audience, 50, 0.5, testLogger())
			got, err := svc.SelectSeedAudience(context.Background(), testPost())
			if err != nil {
				t.Fatalf("SelectSeedAudience ошибка: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("записей = %d, ожидалось %d", len(got), tt.want)
			}
			if insertCalled != (tt.want > 0) {
				t.Errorf("InsertBatch вызван = %v", insertCalled)
			}
		})
	}
}

func TestSeedService_SelectSeedAudience_InsertError(t *testing.T) {
	records := &mockSeedRepo{
		insertFn: func(_ context.Context, _ []*model.SeedDistributionRecord) (int, error) {
			return 0, errors.New("connection reset")
		},
	}
	audience := &mockAudienceRepo{
		followersFn: func(_ context.Context, _ string, _ int) ([]model.SeedCandidate, error) {
			return followerCandidates("u1"), nil
		},
	}

	svc := NewSeedService(records, audience, 50, 0.5, testLogger())
	if _, err := svc.SelectSeedAudience(context.Background(), testPost()); err == nil {
		t.Error("ожидалась ошибка сохранения")
	}
}

func TestSeedService_RecordEngagement(t *testing.T) {
	engaged := map[string]bool{}
	records := &mockSeedRepo{
		engagementFn: func(_ context.Context, postID, userID, _ string, at time.Time) (bool, error) {
			if at.IsZero() {
				t.Error("время вовлечённости не задано")
			}
			key := postID + "/" + userID
			if userID == "stranger" || engaged[key] {
				return false, nil
			}
			engaged[key] = true
			return true, nil
		},
	}
	svc := NewSeedService(records, &mockAudienceRepo{}, 50, 0.5, testLogger())
	ctx := context.Background()

	first, err := svc.RecordEngagement(ctx, testPostID, "u1", model.EngagementLike, t0)
	if err != nil || !first {
		t.Fatalf("первая вовлечённость = %v, %v; ожидалось true", first, err)
	}
	again, err := svc.RecordEngagement(ctx, testPostID, "u1", model.EngagementShare, time.Time{})
	if err != nil || again {
		t.Errorf("повторная вовлечённость = %v, %v; ожидалось false без ошибки", again, err)
	}
	unknown, err := svc.RecordEngagement(ctx, testPostID, "stranger", model.EngagementLike, t0)
	if err != nil || unknown {
		t.Errorf("пользователь вне аудитории = %v, %v; ожидалось false без ошибки", unknown, err)
	}

	if _, err := svc.RecordEngagement(ctx, testPostID, "u1", "view", t0); !errors.Is(err, ErrValidation) {
		t.Errorf("недопустимый тип: ошибка = %v, ожидалась ErrValidation", err)
	}
	if _, err := svc.RecordEngagement(ctx, "", "u1", model.EngagementLike, t0); !errors.Is(err, ErrValidation) {
		t.Errorf("пустой post_id: ошибка = %v, ожидалась ErrValidation", err)
	}
}

func TestSeedService_GetSeedAnalytics(t *testing.T) {
	engagedAt := t0.Add(10 * time.Minute)
	records := &mockSeedRepo{
		listAllFn: func(_ context.Context, postID string) ([]*model.SeedDistributionRecord, error) {
			return []*model.SeedDistributionRecord{
				{PostID: postID, UserID: "u1", Reason: model.SeedReasonFollower, ShownAt: t0,
					EngagedAt: &engagedAt, EngagementType: strPtr(model.EngagementComment)},
				{PostID: postID, UserID: "u2", Reason: model.SeedReasonFollower, ShownAt: t0},
			}, nil
		},
	}
	svc := NewSeedService(records, &mockAudienceRepo{}, 50, 0.5, testLogger())

	a, err := svc.GetSeedAnalytics(context.Background(), testPostID)
	if err != nil {
		t.Fatalf("GetSeedAnalytics ошибка: %v", err)
	}
	if a.TotalShown != 2 || a.TotalEngaged != 1 || a.EngagementRate != 0.5 {
		t.Errorf("аналитика = %d/%d/%v, ожидалось 2/1/0.5", a.TotalShown, a.TotalEngaged, a.EngagementRate)
	}

	records.listAllFn = func(_ context.Context, _ string) ([]*model.SeedDistributionRecord, error) {
		return nil, errors.New("timeout")
	}
	if _, err := svc.GetSeedAnalytics(context.Background(), testPostID); !errors.Is(err, ErrDependencyUnavailable) {
		t.Errorf("ошибка = %v, ожидалась ErrDependencyUnavailable", err)
	}
}

func TestSeedService_ListSeedRecords(t *testing.T) {
	records := &mockSeedRepo{
		listFn: func(_ context.Context, _ string, limit, offset int) ([]*model.SeedDistributionRecord, error) {
			result := make([]*model.SeedDistributionRecord, 0, limit)
			for i := offset; i < 7 && len(result) < limit; i++ {
				result = append(result, &model.SeedDistributionRecord{UserID: fmt.Sprintf("u%d", i)})
			}
			return result, nil
		},
		countFn: func(_ context.Context, _ string) (int, error) { return 7, nil },
	}
	svc := NewSeedService(records, &mockAudienceRepo{}, 50, 0.5, testLogger())
	ctx := context.Background()

	page, err := svc.ListSeedRecords(ctx, testPostID, 5, 0)
	if err != nil {
		t.Fatalf("ListSeedRecords ошибка: %v", err)
	}
	if len(page.Items) != 5 || page.Total != 7 || !page.HasMore {
		t.Errorf("страница 1 = items:%d total:%d hasMore:%v", len(page.Items), page.Total, page.HasMore)
	}

	page, err = svc.ListSeedRecords(ctx, testPostID, 5, 5)
	if err != nil {
		t.Fatalf("ListSeedRecords ошибка: %v", err)
	}
	if len(page.Items) != 2 || page.HasMore {
		t.Errorf("страница 2 = items:%d hasMore:%v", len(page.Items), page.HasMore)
	}

	page, err = svc.ListSeedRecords(ctx, testPostID, 0, 0)
	if err != nil {
		t.Fatalf("ListSeedRecords ошибка: %v", err)
	}
	if page.Limit != DefaultSeedRecordsLimit {
		t.Errorf("Limit = %d, ожидался %d", page.Limit, DefaultSeedRecordsLimit)
	}

	for _, tc := range []struct{ limit, offset int }{{-1, 0}, {MaxSeedRecordsLimit + 1, 0}, {10, -1}} {
		if _, err := svc.ListSeedRecords(ctx, testPostID, tc.limit, tc.offset); !errors.Is(err, ErrValidation) {
			t.Errorf("limit=%d offset=%d: ошибка = %v, ожидалась ErrValidation", tc.limit, tc.offset, err)
		}
	}
}
