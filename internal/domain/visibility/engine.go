package visibility

import (
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// validTransitions — матрица допустимых переходов.
// Уровень только растёт; expired достижим из любого активного уровня и терминален.
var validTransitions = map[model.Tier]map[model.Tier]bool{
	model.TierSeed:    {model.TierOne: true, model.TierExpired: true},
	model.TierOne:     {model.TierTwo: true, model.TierExpired: true},
	model.TierTwo:     {model.TierThree: true, model.TierExpired: true},
	model.TierThree:   {model.TierExpired: true},
	model.TierExpired: {},
}

// CanTransition проверяет допустимость перехода from → to.
func CanTransition(from, to model.Tier) bool {
	transitions, ok := validTransitions[from]
	if !ok {
		return false
	}
	return transitions[to]
}

// Transition — запись о смене уровня.
type Transition struct {
	From model.Tier `json:"from"`
	To   model.Tier `json:"to"`
	At   time.Time  `json:"at"`
}

// Inputs — сигналы для пересчёта состояния.
type Inputs struct {
	// Counts — счётчики вовлечённости. nil — источник недоступен:
	// EV сохраняет последнее записанное значение (нулевой новый вклад).
	Counts *model.EngagementCounts
	// Seed — аналитика seed-аудитории. nil — seed-аудитория пуста.
	Seed *model.SeedAnalytics
}

// Evaluate выполняет один пересчёт состояния публикации в момент now.
//
// Порядок:
//  1. синхронизация seed-показов с аналитикой seed-аудитории
//  2. пересчёт EV
//  3. продвижение по уровням seed → tier1 → tier2 → tier3
//     (несколько шагов за вызов допустимы, если пороги уже выполнены)
//  4. затухание visibility score
//  5. истечение TTL — проверяется последним и перекрывает смену уровня;
//     seed, не пересчитанный до TTL, сначала проходит tier1 на конец окна наблюдения
//
// Истёкшее состояние возвращается без изменений. Функция не изменяет prev.
func Evaluate(prev *model.VisibilityState, in Inputs, now time.Time, p Policy) (*model.VisibilityState, []Transition) {
	next := prev.Clone()
	if prev.IsExpired() {
		return next, nil
	}

	var transitions []Transition

	if in.Seed != nil && int64(in.Seed.TotalShown) > next.SeedImpressions {
		next.SeedImpressions = int64(in.Seed.TotalShown)
	}

	if in.Counts != nil {
		var seedRate float64
		if in.Seed != nil {
			seedRate = in.Seed.EngagementRate
		}
		inTier := now.Sub(DecayAnchor(next))
		next.EVScoreCurrent = ComputeEV(*in.Counts, seedRate, next.TotalImpressions(), inTier, p)
	}

	age := now.Sub(next.CreatedAt)
	if age < 0 {
		age = 0
	}

	if age < p.TTL {
		transitions = advance(next, age, now, p)
	}

	next.VisibilityScore = ComputeVisibility(next, now, p)

	if age >= p.TTL {
		// Окно seed закрылось раньше TTL: шаг seed → tier1 фиксируется на момент закрытия окна
		if next.CurrentTier == model.TierSeed && p.SeedObservationWindow < p.TTL {
			windowEnd := next.CreatedAt.Add(p.SeedObservationWindow)
			transitions = append(transitions, Transition{From: model.TierSeed, To: model.TierOne, At: windowEnd})
			next.CurrentTier = model.TierOne
			stampTier(next, model.TierOne, windowEnd)
		}

		// Детерминированное время истечения: конкурентные пересчёты сходятся к одному значению
		expiredAt := next.CreatedAt.Add(p.TTL)
		transitions = append(transitions, expire(next, expiredAt))
	}

	return next, transitions
}

// ForceExpire переводит состояние в expired в момент now
// (модерация, снятие публикации). Для истёкшего состояния — no-op.
func ForceExpire(prev *model.VisibilityState, now time.Time) (*model.VisibilityState, []Transition) {
	next := prev.Clone()
	if prev.IsExpired() {
		return next, nil
	}
	return next, []Transition{expire(next, now)}
}

// CheckThresholds прогнозирует расширение уровня без изменения prev.
// Возвращает true для уровня, который был бы впервые достигнут при пересчёте в момент now.
func CheckThresholds(prev *model.VisibilityState, in Inputs, now time.Time, p Policy) model.TierExpansionCheck {
	next, _ := Evaluate(prev, in, now, p)

	check := model.TierExpansionCheck{
		PostID:         prev.PostID,
		CurrentTier:    prev.CurrentTier,
		EVScore:        next.EVScoreCurrent,
		Tier2Threshold: prev.EVScoreTier2Threshold,
		Tier3Threshold: prev.EVScoreTier3Threshold,
	}
	if next.IsExpired() {
		return check
	}
	check.ShouldExpandTier2 = prev.Tier2ExpandedAt == nil && next.Tier2ExpandedAt != nil
	check.ShouldExpandTier3 = prev.Tier3ExpandedAt == nil && next.Tier3ExpandedAt != nil
	return check
}

// StateEqual сравнивает значимые поля двух состояний (без Version и UpdatedAt).
// Используется, чтобы пропускать запись, когда пересчёт ничего не изменил.
func StateEqual(a, b *model.VisibilityState) bool {
	return a.PostID == b.PostID &&
		a.CurrentTier == b.CurrentTier &&
		a.VisibilityScore == b.VisibilityScore &&
		a.EVScoreCurrent == b.EVScoreCurrent &&
		a.EVScoreTier2Threshold == b.EVScoreTier2Threshold &&
		a.EVScoreTier3Threshold == b.EVScoreTier3Threshold &&
		a.SeedImpressions == b.SeedImpressions &&
		a.Tier1Impressions == b.Tier1Impressions &&
		a.Tier2Impressions == b.Tier2Impressions &&
		a.Tier3Impressions == b.Tier3Impressions &&
		timeEqual(a.Tier1ExpandedAt, b.Tier1ExpandedAt) &&
		timeEqual(a.Tier2ExpandedAt, b.Tier2ExpandedAt) &&
		timeEqual(a.Tier3ExpandedAt, b.Tier3ExpandedAt) &&
		timeEqual(a.ExpiredAt, b.ExpiredAt) &&
		a.HasPaidPromotion == b.HasPaidPromotion &&
		a.CreatedAt.Equal(b.CreatedAt)
}

// advance продвигает уровень, пока выполняются условия очередного перехода.
func advance(s *model.VisibilityState, age time.Duration, now time.Time, p Policy) []Transition {
	var transitions []Transition
	for {
		target, ok := nextTier(s, age, p)
		if !ok || !CanTransition(s.CurrentTier, target) {
			return transitions
		}
		transitions = append(transitions, Transition{From: s.CurrentTier, To: target, At: now})
		s.CurrentTier = target
		stampTier(s, target, now)
	}
}

// nextTier возвращает следующий уровень, если условие перехода выполнено.
// Оплаченное продвижение проходит все уровни без учёта EV.
func nextTier(s *model.VisibilityState, age time.Duration, p Policy) (model.Tier, bool) {
	switch s.CurrentTier {
	case model.TierSeed:
		if s.HasPaidPromotion || age >= p.SeedObservationWindow {
			return model.TierOne, true
		}
	case model.TierOne:
		if s.HasPaidPromotion || s.EVScoreCurrent >= s.EVScoreTier2Threshold {
			return model.TierTwo, true
		}
	case model.TierTwo:
		if s.HasPaidPromotion || s.EVScoreCurrent >= s.EVScoreTier3Threshold {
			return model.TierThree, true
		}
	}
	return "", false
}

// stampTier устанавливает метку времени уровня, только если она ещё не задана.
func stampTier(s *model.VisibilityState, t model.Tier, now time.Time) {
	at := now
	switch t {
	case model.TierOne:
		if s.Tier1ExpandedAt == nil {
			s.Tier1ExpandedAt = &at
		}
	case model.TierTwo:
		if s.Tier2ExpandedAt == nil {
			s.Tier2ExpandedAt = &at
		}
	case model.TierThree:
		if s.Tier3ExpandedAt == nil {
			s.Tier3ExpandedAt = &at
		}
	}
}

func expire(s *model.VisibilityState, at time.Time) Transition {
	tr := Transition{From: s.CurrentTier, To: model.TierExpired, At: at}
	s.CurrentTier = model.TierExpired
	if s.ExpiredAt == nil {
		s.ExpiredAt = &at
	}
	s.VisibilityScore = 0
	return tr
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
