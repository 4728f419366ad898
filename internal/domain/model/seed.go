package model

import "time"

// Причины включения пользователя в seed-аудиторию.
const (
	// SeedReasonGenreAffinity — совпадение жанровых предпочтений пользователя и публикации
	SeedReasonGenreAffinity = "genre_affinity"
	// SeedReasonFollower — пользователь подписан на автора
	SeedReasonFollower = "creator_follower"
)

// Типы вовлечённости.
const (
	EngagementLike    = "like"
	EngagementComment = "comment"
	EngagementShare   = "share"
	EngagementSpark   = "spark"
)

// ValidEngagementType проверяет тип вовлечённости.
func ValidEngagementType(t string) bool {
	switch t {
	case EngagementLike, EngagementComment, EngagementShare, EngagementSpark:
		return true
	default:
		return false
	}
}

// SeedDistributionRecord — факт показа публикации пользователю seed-аудитории.
// engaged_at / engagement_type устанавливаются не более одного раза.
type SeedDistributionRecord struct {
	// ID — UUID записи
	ID string
	// PostID — UUID публикации
	PostID string
	// UserID — пользователь, которому показана публикация
	UserID string
	// Reason — причина выбора (genre_affinity, creator_follower)
	Reason string
	// GenreTag — жанр, по которому сравнивались пользователь и публикация
	GenreTag *string
	// AffinityScore — степень жанрового совпадения (для genre_affinity)
	AffinityScore *float64
	// ShownAt — время показа
	ShownAt time.Time
	// EngagedAt — время первой вовлечённости
	EngagedAt *time.Time
	// EngagementType — тип первой вовлечённости
	EngagementType *string
}

// SeedCandidate — кандидат в seed-аудиторию.
type SeedCandidate struct {
	// UserID — пользователь
	UserID string
	// Reason — причина выбора
	Reason string
	// GenreTag — жанр совпадения
	GenreTag *string
	// AffinityScore — степень совпадения
	AffinityScore *float64
}

// SeedAnalytics — агрегаты по seed-аудитории публикации.
type SeedAnalytics struct {
	// PostID — UUID публикации
	PostID string
	// TotalShown — количество показов seed-аудитории
	TotalShown int
	// TotalEngaged — количество вовлечённых пользователей
	TotalEngaged int
	// EngagementRate — TotalEngaged / TotalShown (0 для пустой аудитории)
	EngagementRate float64
	// Genres — жанр → количество записей
	Genres map[string]int
	// Reasons — причина → количество записей
	Reasons map[string]int
	// EngagementTypes — тип вовлечённости → количество
	EngagementTypes map[string]int
	// FirstShownAt — время первого показа
	FirstShownAt *time.Time
	// LastShownAt — время последнего показа
	LastShownAt *time.Time
	// LastEngagedAt — время последней вовлечённости
	LastEngagedAt *time.Time
}

// AggregateSeedRecords строит SeedAnalytics по списку записей.
// Чистая функция: не обращается к хранилищу.
func AggregateSeedRecords(postID string, records []*SeedDistributionRecord) *SeedAnalytics {
	a := &SeedAnalytics{
		PostID:          postID,
		Genres:          make(map[string]int),
		Reasons:         make(map[string]int),
		EngagementTypes: make(map[string]int),
	}

	for _, r := range records {
		a.TotalShown++
		a.Reasons[r.Reason]++
		if r.GenreTag != nil && *r.GenreTag != "" {
			a.Genres[*r.GenreTag]++
		}

		shown := r.ShownAt
		if a.FirstShownAt == nil || shown.Before(*a.FirstShownAt) {
			a.FirstShownAt = &shown
		}
		if a.LastShownAt == nil || shown.After(*a.LastShownAt) {
			a.LastShownAt = &shown
		}

		if r.EngagedAt != nil {
			a.TotalEngaged++
			if r.EngagementType != nil {
				a.EngagementTypes[*r.EngagementType]++
			}
			engaged := *r.EngagedAt
			if a.LastEngagedAt == nil || engaged.After(*a.LastEngagedAt) {
				a.LastEngagedAt = &engaged
			}
		}
	}

	if a.TotalShown > 0 {
		a.EngagementRate = float64(a.TotalEngaged) / float64(a.TotalShown)
	}
	return a
}
