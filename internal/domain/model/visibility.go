package model

import (
	"fmt"
	"time"
)

// Tier — уровень охвата публикации.
type Tier string

const (
	// TierSeed — начальная seed-аудитория
	TierSeed Tier = "seed"
	// TierOne — органический охват по умолчанию
	TierOne Tier = "tier1"
	// TierTwo — расширенный охват
	TierTwo Tier = "tier2"
	// TierThree — максимальный охват, кандидат в trending
	TierThree Tier = "tier3"
	// TierExpired — терминальное состояние, публикация исключена из всех уровней
	TierExpired Tier = "expired"
)

// tierRank — порядок уровней. Переходы возможны только вперёд.
var tierRank = map[Tier]int{
	TierSeed:    0,
	TierOne:     1,
	TierTwo:     2,
	TierThree:   3,
	TierExpired: 4,
}

// Rank возвращает порядковый номер уровня (seed=0 … expired=4).
// Для неизвестного значения возвращает -1.
func (t Tier) Rank() int {
	r, ok := tierRank[t]
	if !ok {
		return -1
	}
	return r
}

// Valid проверяет, является ли значение допустимым уровнем.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// ParseTier преобразует строку в Tier.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("недопустимый уровень: %q, допустимые: seed, tier1, tier2, tier3, expired", s)
	}
	return t, nil
}

// ActiveTiers — уровни, в которых публикация получает показы.
var ActiveTiers = []Tier{TierSeed, TierOne, TierTwo, TierThree}

// VisibilityState — состояние видимости публикации (1:1 с Post).
// Единственный писатель — Visibility Tier Engine.
type VisibilityState struct {
	// PostID — UUID публикации
	PostID string
	// CurrentTier — текущий уровень (не убывает, кроме перехода в expired)
	CurrentTier Tier
	// VisibilityScore — «свежесть» охвата в диапазоне [0, 100]
	VisibilityScore float64
	// EVScoreCurrent — текущий engagement-velocity score (>= 0)
	EVScoreCurrent float64
	// EVScoreTier2Threshold — порог EV для перехода tier1 → tier2 (фиксируется при создании)
	EVScoreTier2Threshold float64
	// EVScoreTier3Threshold — порог EV для перехода tier2 → tier3 (фиксируется при создании)
	EVScoreTier3Threshold float64
	// SeedImpressions — показы seed-аудитории
	SeedImpressions int64
	// Tier1Impressions — показы на уровне tier1
	Tier1Impressions int64
	// Tier2Impressions — показы на уровне tier2
	Tier2Impressions int64
	// Tier3Impressions — показы на уровне tier3
	Tier3Impressions int64
	// Tier1ExpandedAt — время перехода в tier1 (устанавливается один раз)
	Tier1ExpandedAt *time.Time
	// Tier2ExpandedAt — время перехода в tier2 (устанавливается один раз)
	Tier2ExpandedAt *time.Time
	// Tier3ExpandedAt — время перехода в tier3 (устанавливается один раз)
	Tier3ExpandedAt *time.Time
	// ExpiredAt — время истечения (терминально)
	ExpiredAt *time.Time
	// HasPaidPromotion — оплаченное продвижение (размещение в tier3 без учёта EV)
	HasPaidPromotion bool
	// PaidPromotionType — тип продвижения
	PaidPromotionType *string
	// CreatedAt — время создания публикации (точка отсчёта TTL)
	CreatedAt time.Time
	// Version — счётчик версий для compare-and-set
	Version int64
	// UpdatedAt — время последней записи
	UpdatedAt time.Time
}

// IsExpired возвращает true, если публикация истекла.
func (s *VisibilityState) IsExpired() bool {
	return s.ExpiredAt != nil || s.CurrentTier == TierExpired
}

// TotalImpressions возвращает суммарное количество показов по всем уровням.
func (s *VisibilityState) TotalImpressions() int64 {
	return s.SeedImpressions + s.Tier1Impressions + s.Tier2Impressions + s.Tier3Impressions
}

// Clone возвращает глубокую копию состояния.
func (s *VisibilityState) Clone() *VisibilityState {
	c := *s
	c.Tier1ExpandedAt = cloneTime(s.Tier1ExpandedAt)
	c.Tier2ExpandedAt = cloneTime(s.Tier2ExpandedAt)
	c.Tier3ExpandedAt = cloneTime(s.Tier3ExpandedAt)
	c.ExpiredAt = cloneTime(s.ExpiredAt)
	if s.PaidPromotionType != nil {
		v := *s.PaidPromotionType
		c.PaidPromotionType = &v
	}
	return &c
}

// Validate проверяет целостность состояния, прочитанного из хранилища.
// Частично заполненное состояние не должно использоваться для расчётов.
func (s *VisibilityState) Validate() error {
	if s.PostID == "" {
		return fmt.Errorf("пустой post_id")
	}
	if !s.CurrentTier.Valid() {
		return fmt.Errorf("недопустимый уровень %q", s.CurrentTier)
	}
	if s.CreatedAt.IsZero() {
		return fmt.Errorf("не задано время создания")
	}
	if s.VisibilityScore < 0 || s.VisibilityScore > 100 {
		return fmt.Errorf("visibility_score %.2f вне диапазона [0, 100]", s.VisibilityScore)
	}
	if s.EVScoreCurrent < 0 {
		return fmt.Errorf("отрицательный ev_score_current %.2f", s.EVScoreCurrent)
	}
	if s.CurrentTier == TierExpired && s.ExpiredAt == nil {
		return fmt.Errorf("уровень expired без expired_at")
	}
	// Метка уровня обязана существовать, если пост его достиг
	rank := s.CurrentTier.Rank()
	if s.CurrentTier != TierExpired {
		if rank >= TierOne.Rank() && s.Tier1ExpandedAt == nil {
			return fmt.Errorf("уровень %s без tier1_expanded_at", s.CurrentTier)
		}
		if rank >= TierTwo.Rank() && s.Tier2ExpandedAt == nil {
			return fmt.Errorf("уровень %s без tier2_expanded_at", s.CurrentTier)
		}
		if rank >= TierThree.Rank() && s.Tier3ExpandedAt == nil {
			return fmt.Errorf("уровень %s без tier3_expanded_at", s.CurrentTier)
		}
	}
	return nil
}

// TierExpansionCheck — прогноз расширения уровня без изменения состояния.
type TierExpansionCheck struct {
	// PostID — UUID публикации
	PostID string
	// CurrentTier — текущий уровень
	CurrentTier Tier
	// EVScore — EV, рассчитанный по актуальным счётчикам
	EVScore float64
	// Tier2Threshold — порог tier2
	Tier2Threshold float64
	// Tier3Threshold — порог tier3
	Tier3Threshold float64
	// ShouldExpandTier2 — следующий пересчёт переведёт пост в tier2
	ShouldExpandTier2 bool
	// ShouldExpandTier3 — следующий пересчёт переведёт пост в tier3
	ShouldExpandTier3 bool
}

// TierDistribution — количество неистёкших публикаций по уровням.
type TierDistribution struct {
	// Counts — уровень → количество активных публикаций
	Counts map[Tier]int
	// TotalActive — всего активных публикаций
	TotalActive int
	// TotalExpired — всего истёкших публикаций
	TotalExpired int
}

// FeedItem — строка ленты: состояние видимости + публикация + счётчики.
type FeedItem struct {
	Post       Post
	Visibility VisibilityState
	Engagement EngagementCounts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
