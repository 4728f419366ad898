package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/events"
	"github.com/bigkaa/goartstore/reach-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func strPtr(s string) *string { return &s }

// --- Mock PostRepository ---

type mockPostRepo struct {
	createFn     func(ctx context.Context, p *model.Post, s *model.VisibilityState) error
	getByIDFn    func(ctx context.Context, postID string) (*model.Post, error)
	softDeleteFn func(ctx context.Context, postID string, at time.Time) error
}

func (m *mockPostRepo) CreateWithState(ctx context.Context, p *model.Post, s *model.VisibilityState) error {
	if m.createFn != nil {
		return m.createFn(ctx, p, s)
	}
	s.Version = 1
	return nil
}

func (m *mockPostRepo) GetByID(ctx context.Context, postID string) (*model.Post, error) {
	if m.getByIDFn != nil {
		return m.getByIDFn(ctx, postID)
	}
	return nil, repository.ErrNotFound
}

func (m *mockPostRepo) SoftDelete(ctx context.Context, postID string, at time.Time) error {
	if m.softDeleteFn != nil {
		return m.softDeleteFn(ctx, postID, at)
	}
	return nil
}

// --- In-memory VisibilityRepository ---

// memStateRepo — VisibilityRepository в памяти с семантикой compare-and-set,
// совпадающей с PostgreSQL-реализацией. Функции-поля переопределяют поведение.
type memStateRepo struct {
	mu       sync.Mutex
	states   map[string]*model.VisibilityState
	casCalls int

	getFn         func(ctx context.Context, postID string) (*model.VisibilityState, error)
	casFn         func(ctx context.Context, next *model.VisibilityState, version int64) (*model.VisibilityState, error)
	incrementFn   func(ctx context.Context, postID string, n int64) (model.Tier, error)
	listFeedFn    func(ctx context.Context, f repository.FeedFilter) ([]*model.FeedItem, error)
	countFeedFn   func(ctx context.Context, f repository.FeedFilter) (int, error)
	countByTierFn func(ctx context.Context) (map[model.Tier]int, error)
}

func newMemStateRepo(states ...*model.VisibilityState) *memStateRepo {
	m := &memStateRepo{states: make(map[string]*model.VisibilityState)}
	for _, s := range states {
		m.states[s.PostID] = s.Clone()
	}
	return m
}

func (m *memStateRepo) stored(postID string) *model.VisibilityState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[postID]; ok {
		return s.Clone()
	}
	return nil
}

func (m *memStateRepo) Get(ctx context.Context, postID string) (*model.VisibilityState, error) {
	if m.getFn != nil {
		return m.getFn(ctx, postID)
	}
	if s := m.stored(postID); s != nil {
		return s, nil
	}
	return nil, repository.ErrNotFound
}

func (m *memStateRepo) CompareAndSwap(ctx context.Context, next *model.VisibilityState, version int64) (*model.VisibilityState, error) {
	m.mu.Lock()
	m.casCalls++
	m.mu.Unlock()
	if m.casFn != nil {
		return m.casFn(ctx, next, version)
	}
	return m.cas(next, version)
}

func (m *memStateRepo) cas(next *model.VisibilityState, version int64) (*model.VisibilityState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.states[next.PostID]
	if !ok || cur.Version != version || cur.ExpiredAt != nil {
		return nil, fmt.Errorf("%w: версия %d", repository.ErrConflict, version)
	}

	upd := cur.Clone()
	upd.CurrentTier = next.CurrentTier
	upd.VisibilityScore = next.VisibilityScore
	upd.EVScoreCurrent = next.EVScoreCurrent
	if next.SeedImpressions > upd.SeedImpressions {
		upd.SeedImpressions = next.SeedImpressions
	}
	coalesce := func(dst **time.Time, src *time.Time) {
		if *dst == nil && src != nil {
			v := *src
			*dst = &v
		}
	}
	coalesce(&upd.Tier1ExpandedAt, next.Tier1ExpandedAt)
	coalesce(&upd.Tier2ExpandedAt, next.Tier2ExpandedAt)
	coalesce(&upd.Tier3ExpandedAt, next.Tier3ExpandedAt)
	coalesce(&upd.ExpiredAt, next.ExpiredAt)
	upd.Version++

	m.states[next.PostID] = upd
	return upd.Clone(), nil
}

func (m *memStateRepo) IncrementImpressions(ctx context.Context, postID string, n int64) (model.Tier, error) {
	if m.incrementFn != nil {
		return m.incrementFn(ctx, postID, n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[postID]
	if !ok {
		return "", repository.ErrNotFound
	}
	if s.ExpiredAt != nil {
		return "", repository.ErrExpired
	}
	switch s.CurrentTier {
	case model.TierSeed:
		s.SeedImpressions += n
	case model.TierOne:
		s.Tier1Impressions += n
	case model.TierTwo:
		s.Tier2Impressions += n
	case model.TierThree:
		s.Tier3Impressions += n
	}
	return s.CurrentTier, nil
}

func (m *memStateRepo) ListActiveIDs(_ context.Context, _ string, _ int) ([]string, error) {
	return nil, nil
}

func (m *memStateRepo) ListFeed(ctx context.Context, f repository.FeedFilter) ([]*model.FeedItem, error) {
	if m.listFeedFn != nil {
		return m.listFeedFn(ctx, f)
	}
	return nil, nil
}

func (m *memStateRepo) CountFeed(ctx context.Context, f repository.FeedFilter) (int, error) {
	if m.countFeedFn != nil {
		return m.countFeedFn(ctx, f)
	}
	return 0, nil
}

func (m *memStateRepo) CountByTier(ctx context.Context) (map[model.Tier]int, error) {
	if m.countByTierFn != nil {
		return m.countByTierFn(ctx)
	}
	return map[model.Tier]int{}, nil
}

func (m *memStateRepo) ListTrendingCandidates(_ context.Context, _ time.Time, _ float64, _, _ int) ([]*model.TrendingCandidate, error) {
	return nil, nil
}

// --- Mock EngagementRepository ---

type mockEngagementRepo struct {
	getFn func(ctx context.Context, postID string) (*model.EngagementCounts, error)
}

func (m *mockEngagementRepo) Get(ctx context.Context, postID string) (*model.EngagementCounts, error) {
	if m.getFn != nil {
		return m.getFn(ctx, postID)
	}
	return &model.EngagementCounts{PostID: postID}, nil
}

// --- Mock SeedAudience ---

type mockSeedAudience struct {
	selectFn    func(ctx context.Context, post *model.Post) ([]*model.SeedDistributionRecord, error)
	analyticsFn func(ctx context.Context, postID string) (*model.SeedAnalytics, error)
}

func (m *mockSeedAudience) SelectSeedAudience(ctx context.Context, post *model.Post) ([]*model.SeedDistributionRecord, error) {
	if m.selectFn != nil {
		return m.selectFn(ctx, post)
	}
	return nil, nil
}

func (m *mockSeedAudience) GetSeedAnalytics(ctx context.Context, postID string) (*model.SeedAnalytics, error) {
	if m.analyticsFn != nil {
		return m.analyticsFn(ctx, postID)
	}
	return model.AggregateSeedRecords(postID, nil), nil
}

// --- Mock SeedRepository ---

type mockSeedRepo struct {
	insertFn     func(ctx context.Context, records []*model.SeedDistributionRecord) (int, error)
	engagementFn func(ctx context.Context, postID, userID, engagementType string, at time.Time) (bool, error)
	listFn       func(ctx context.Context, postID string, limit, offset int) ([]*model.SeedDistributionRecord, error)
	listAllFn    func(ctx context.Context, postID string) ([]*model.SeedDistributionRecord, error)
	countFn      func(ctx context.Context, postID string) (int, error)
}

func (m *mockSeedRepo) InsertBatch(ctx context.Context, records []*model.SeedDistributionRecord) (int, error) {
	if m.insertFn != nil {
		return m.insertFn(ctx, records)
	}
	return len(records), nil
}

func (m *mockSeedRepo) RecordEngagement(ctx context.Context, postID, userID, engagementType string, at time.Time) (bool, error) {
	if m.engagementFn != nil {
		return m.engagementFn(ctx, postID, userID, engagementType, at)
	}
	return false, nil
}

func (m *mockSeedRepo) ListByPost(ctx context.Context, postID string, limit, offset int) ([]*model.SeedDistributionRecord, error) {
	if m.listFn != nil {
		return m.listFn(ctx, postID, limit, offset)
	}
	return nil, nil
}

func (m *mockSeedRepo) ListAllByPost(ctx context.Context, postID string) ([]*model.SeedDistributionRecord, error) {
	if m.listAllFn != nil {
		return m.listAllFn(ctx, postID)
	}
	return nil, nil
}

func (m *mockSeedRepo) CountByPost(ctx context.Context, postID string) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx, postID)
	}
	return 0, nil
}

// --- Mock AudienceRepository ---

type mockAudienceRepo struct {
	genreFn     func(ctx context.Context, genre string, minScore float64, excludeUserID string, limit int) ([]model.SeedCandidate, error)
	followersFn func(ctx context.Context, creatorID string, limit int) ([]model.SeedCandidate, error)
}

func (m *mockAudienceRepo) GenreAffinityCandidates(ctx context.Context, genre string, minScore float64, excludeUserID string, limit int) ([]model.SeedCandidate, error) {
	if m.genreFn != nil {
		return m.genreFn(ctx, genre, minScore, excludeUserID, limit)
	}
	return nil, nil
}

func (m *mockAudienceRepo) Followers(ctx context.Context, creatorID string, limit int) ([]model.SeedCandidate, error) {
	if m.followersFn != nil {
		return m.followersFn(ctx, creatorID, limit)
	}
	return nil, nil
}

// --- Mock ReputationRepository ---

type mockReputationRepo struct {
	getFn     func(ctx context.Context, creatorID string) (*model.CreatorReputation, error)
	getManyFn func(ctx context.Context, creatorIDs []string) (map[string]*model.CreatorReputation, error)
}

func (m *mockReputationRepo) Get(ctx context.Context, creatorID string) (*model.CreatorReputation, error) {
	if m.getFn != nil {
		return m.getFn(ctx, creatorID)
	}
	return nil, repository.ErrNotFound
}

func (m *mockReputationRepo) GetMany(ctx context.Context, creatorIDs []string) (map[string]*model.CreatorReputation, error) {
	if m.getManyFn != nil {
		return m.getManyFn(ctx, creatorIDs)
	}
	return map[string]*model.CreatorReputation{}, nil
}

// --- Recording publisher ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func (p *recordingPublisher) recorded() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}
