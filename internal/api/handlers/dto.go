// dto.go — JSON-представления ответов API и конвертация доменных моделей.
package handlers

import (
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
	"github.com/bigkaa/goartstore/reach-module/internal/service"
)

// VisibilityResponse — состояние видимости публикации.
type VisibilityResponse struct {
	PostID                string     `json:"post_id"`
	CurrentTier           model.Tier `json:"current_tier"`
	VisibilityScore       float64    `json:"visibility_score"`
	EVScoreCurrent        float64    `json:"ev_score_current"`
	EVScoreTier2Threshold float64    `json:"ev_score_tier2_threshold"`
	EVScoreTier3Threshold float64    `json:"ev_score_tier3_threshold"`
	SeedImpressions       int64      `json:"seed_impressions"`
	Tier1Impressions      int64      `json:"tier1_impressions"`
	Tier2Impressions      int64      `json:"tier2_impressions"`
	Tier3Impressions      int64      `json:"tier3_impressions"`
	TotalImpressions      int64      `json:"total_impressions"`
	Tier1ExpandedAt       *time.Time `json:"tier1_expanded_at"`
	Tier2ExpandedAt       *time.Time `json:"tier2_expanded_at"`
	Tier3ExpandedAt       *time.Time `json:"tier3_expanded_at"`
	ExpiredAt             *time.Time `json:"expired_at"`
	HasPaidPromotion      bool       `json:"has_paid_promotion"`
	PaidPromotionType     *string    `json:"paid_promotion_type"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
	Version               int64      `json:"version"`

	Expansion *ExpansionPreview `json:"expansion,omitempty"`
}

// ExpansionPreview — прогноз расширения уровня.
type ExpansionPreview struct {
	EVScore           float64 `json:"ev_score"`
	Tier2Threshold    float64 `json:"tier2_threshold"`
	Tier3Threshold    float64 `json:"tier3_threshold"`
	ShouldExpandTier2 bool    `json:"should_expand_tier2"`
	ShouldExpandTier3 bool    `json:"should_expand_tier3"`
}

// PostResponse — публикация с состоянием видимости.
type PostResponse struct {
	PostID      string             `json:"post_id"`
	CreatorID   string             `json:"creator_id"`
	Title       string             `json:"title"`
	Description *string            `json:"description"`
	Genre       string             `json:"genre"`
	Category    string             `json:"category"`
	CreatedAt   time.Time          `json:"created_at"`
	DeletedAt   *time.Time         `json:"deleted_at"`
	Visibility  VisibilityResponse `json:"visibility"`
}

// FeedItemResponse — строка ленты.
type FeedItemResponse struct {
	PostID          string     `json:"post_id"`
	CreatorID       string     `json:"creator_id"`
	Title           string     `json:"title"`
	Genre           string     `json:"genre"`
	Category        string     `json:"category"`
	CurrentTier     model.Tier `json:"current_tier"`
	VisibilityScore float64    `json:"visibility_score"`
	EVScore         float64    `json:"ev_score"`
	Likes           int64      `json:"likes"`
	Comments        int64      `json:"comments"`
	Shares          int64      `json:"shares"`
	Sparks          int64      `json:"sparks"`
	CreatedAt       time.Time  `json:"created_at"`
}

// PageResponse — страница списка.
type PageResponse[T any] struct {
	Items   []T  `json:"items"`
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// SeedRecordResponse — запись seed-аудитории.
type SeedRecordResponse struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Reason         string     `json:"reason"`
	GenreTag       *string    `json:"genre_tag"`
	AffinityScore  *float64   `json:"affinity_score"`
	ShownAt        time.Time  `json:"shown_at"`
	EngagedAt      *time.Time `json:"engaged_at"`
	EngagementType *string    `json:"engagement_type"`
}

// SeedAnalyticsResponse — агрегаты seed-аудитории.
type SeedAnalyticsResponse struct {
	TotalShown      int            `json:"total_shown"`
	TotalEngaged    int            `json:"total_engaged"`
	EngagementRate  float64        `json:"engagement_rate"`
	Genres          map[string]int `json:"genres"`
	Reasons         map[string]int `json:"reasons"`
	EngagementTypes map[string]int `json:"engagement_types"`
	FirstShownAt    *time.Time     `json:"first_shown_at"`
	LastShownAt     *time.Time     `json:"last_shown_at"`
	LastEngagedAt   *time.Time     `json:"last_engaged_at"`
}

// SeedResponse — ответ GET /posts/{id}/seed.
type SeedResponse struct {
	PostID    string                           `json:"post_id"`
	Analytics SeedAnalyticsResponse            `json:"analytics"`
	Records   PageResponse[SeedRecordResponse] `json:"records"`
}

// TrendingEntryResponse — запись trending.
type TrendingEntryResponse struct {
	Rank                  int       `json:"rank"`
	PostID                string    `json:"post_id"`
	CreatorID             string    `json:"creator_id"`
	Title                 string    `json:"title"`
	EVScore               float64   `json:"ev_score"`
	CreatorReputation     float64   `json:"creator_reputation"`
	CreatorVerified       bool      `json:"creator_verified"`
	Tier3ExpandedAt       time.Time `json:"tier3_expanded_at"`
	TimeInTrendingSeconds int64     `json:"time_in_trending_seconds"`
	CreatedAt             time.Time `json:"created_at"`
}

// TrendingResponse — ответ GET /trending.
type TrendingResponse struct {
	Entries     []TrendingEntryResponse `json:"entries"`
	Window      string                  `json:"window"`
	Limit       int                     `json:"limit"`
	Candidates  int                     `json:"candidates"`
	EvaluatedAt time.Time               `json:"evaluated_at"`
	Gate        struct {
		EVMin        float64 `json:"ev_min"`
		CreatorMin   float64 `json:"creator_min"`
		VerifiedOnly bool    `json:"verified_only"`
	} `json:"gate"`
}

// TierDistributionResponse — распределение публикаций по уровням.
type TierDistributionResponse struct {
	Tiers        map[model.Tier]int `json:"tiers"`
	TotalActive  int                `json:"total_active"`
	TotalExpired int                `json:"total_expired"`
}

func toVisibilityResponse(s *model.VisibilityState) VisibilityResponse {
	return VisibilityResponse{
		PostID:                s.PostID,
		CurrentTier:           s.CurrentTier,
		VisibilityScore:       s.VisibilityScore,
		EVScoreCurrent:        s.EVScoreCurrent,
		EVScoreTier2Threshold: s.EVScoreTier2Threshold,
		EVScoreTier3Threshold: s.EVScoreTier3Threshold,
		SeedImpressions:       s.SeedImpressions,
		Tier1Impressions:      s.Tier1Impressions,
		Tier2Impressions:      s.Tier2Impressions,
		Tier3Impressions:      s.Tier3Impressions,
		TotalImpressions:      s.TotalImpressions(),
		Tier1ExpandedAt:       s.Tier1ExpandedAt,
		Tier2ExpandedAt:       s.Tier2ExpandedAt,
		Tier3ExpandedAt:       s.Tier3ExpandedAt,
		ExpiredAt:             s.ExpiredAt,
		HasPaidPromotion:      s.HasPaidPromotion,
		PaidPromotionType:     s.PaidPromotionType,
		CreatedAt:             s.CreatedAt,
		UpdatedAt:             s.UpdatedAt,
		Version:               s.Version,
	}
}

func toPostResponse(p *model.Post, s *model.VisibilityState) PostResponse {
	return PostResponse{
		PostID:      p.ID,
		CreatorID:   p.CreatorID,
		Title:       p.Title,
		Description: p.Description,
		Genre:       p.Genre,
		Category:    p.Category,
		CreatedAt:   p.CreatedAt,
		DeletedAt:   p.DeletedAt,
		Visibility:  toVisibilityResponse(s),
	}
}

func toExpansionPreview(c *model.TierExpansionCheck) *ExpansionPreview {
	return &ExpansionPreview{
		EVScore:           c.EVScore,
		Tier2Threshold:    c.Tier2Threshold,
		Tier3Threshold:    c.Tier3Threshold,
		ShouldExpandTier2: c.ShouldExpandTier2,
		ShouldExpandTier3: c.ShouldExpandTier3,
	}
}

func toFeedPage(p *service.FeedPage) PageResponse[FeedItemResponse] {
	items := make([]FeedItemResponse, 0, len(p.Items))
	for _, it := range p.Items {
		items = append(items, FeedItemResponse{
			PostID:          it.Post.ID,
			CreatorID:       it.Post.CreatorID,
			Title:           it.Post.Title,
			Genre:           it.Post.Genre,
			Category:        it.Post.Category,
			CurrentTier:     it.Visibility.CurrentTier,
			VisibilityScore: it.Visibility.VisibilityScore,
			EVScore:         it.Visibility.EVScoreCurrent,
			Likes:           it.Engagement.Likes,
			Comments:        it.Engagement.Comments,
			Shares:          it.Engagement.Shares,
			Sparks:          it.Engagement.Sparks,
			CreatedAt:       it.Post.CreatedAt,
		})
	}
	return PageResponse[FeedItemResponse]{
		Items:   items,
		Total:   p.Total,
		Limit:   p.Limit,
		Offset:  p.Offset,
		HasMore: p.HasMore,
	}
}

func toSeedResponse(postID string, a *model.SeedAnalytics, p *service.SeedPage) SeedResponse {
	records := make([]SeedRecordResponse, 0, len(p.Items))
	for _, r := range p.Items {
		records = append(records, SeedRecordResponse{
			ID:             r.ID,
			UserID:         r.UserID,
			Reason:         r.Reason,
			GenreTag:       r.GenreTag,
			AffinityScore:  r.AffinityScore,
			ShownAt:        r.ShownAt,
			EngagedAt:      r.EngagedAt,
			EngagementType: r.EngagementType,
		})
	}
	return SeedResponse{
		PostID: postID,
		Analytics: SeedAnalyticsResponse{
			TotalShown:      a.TotalShown,
			TotalEngaged:    a.TotalEngaged,
			EngagementRate:  a.EngagementRate,
			Genres:          a.Genres,
			Reasons:         a.Reasons,
			EngagementTypes: a.EngagementTypes,
			FirstShownAt:    a.FirstShownAt,
			LastShownAt:     a.LastShownAt,
			LastEngagedAt:   a.LastEngagedAt,
		},
		Records: PageResponse[SeedRecordResponse]{
			Items:   records,
			Total:   p.Total,
			Limit:   p.Limit,
			Offset:  p.Offset,
			HasMore: p.HasMore,
		},
	}
}

func toTrendingResponse(res *service.TrendingResult) TrendingResponse {
	resp := TrendingResponse{
		Entries:     make([]TrendingEntryResponse, 0, len(res.Entries)),
		Window:      res.Window,
		Limit:       res.Limit,
		Candidates:  res.Candidates,
		EvaluatedAt: res.EvaluatedAt,
	}
	resp.Gate.EVMin = res.Gate.EVMin
	resp.Gate.CreatorMin = res.Gate.CreatorMin
	resp.Gate.VerifiedOnly = res.Gate.VerifiedOnly

	for _, e := range res.Entries {
		resp.Entries = append(resp.Entries, TrendingEntryResponse{
			Rank:                  e.Rank,
			PostID:                e.PostID,
			CreatorID:             e.CreatorID,
			Title:                 e.Title,
			EVScore:               e.EVScore,
			CreatorReputation:     e.CreatorReputation,
			CreatorVerified:       e.CreatorVerified,
			Tier3ExpandedAt:       e.Tier3ExpandedAt,
			TimeInTrendingSeconds: int64(e.TimeInTrending / time.Second),
			CreatedAt:             e.CreatedAt,
		})
	}
	return resp
}
