package visibility

import (
	"math"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// WeightedEngagement возвращает взвешенную сумму вовлечённости.
func WeightedEngagement(c model.EngagementCounts, w Weights) float64 {
	return float64(c.Likes)*w.Like +
		float64(c.Comments)*w.Comment +
		float64(c.Shares)*w.Share +
		float64(c.Sparks)*w.Spark
}

// ComputeEV рассчитывает engagement-velocity score:
//
//	EV = weighted / max(impressions, ImpressionFloor) * NormalizationScale / TimeInTierFactor
//	   + seedRate * SeedEngagementBonus
//
// Нормализация по показам не даёт накрутить EV большим объёмом seed-аудитории.
// При фиксированных показах и времени в уровне EV не убывает с ростом любого счётчика.
func ComputeEV(c model.EngagementCounts, seedRate float64, impressions int64, timeInTier time.Duration, p Policy) float64 {
	denom := impressions
	if denom < p.ImpressionFloor {
		denom = p.ImpressionFloor
	}

	ev := WeightedEngagement(c, p.Weights) / float64(denom) * p.NormalizationScale / TimeInTierFactor(timeInTier, p)

	if seedRate > 0 {
		if seedRate > 1 {
			seedRate = 1
		}
		ev += seedRate * p.SeedEngagementBonus
	}

	if ev < 0 || math.IsNaN(ev) {
		return 0
	}
	return ev
}

// TimeInTierFactor возвращает делитель EV за время в текущем уровне:
// 1 + timeInTier / TimeInTierUnit. При TimeInTierUnit = 0 нормализация отключена.
func TimeInTierFactor(timeInTier time.Duration, p Policy) float64 {
	if p.TimeInTierUnit <= 0 || timeInTier <= 0 {
		return 1
	}
	return 1 + float64(timeInTier)/float64(p.TimeInTierUnit)
}

// DecayAnchor возвращает точку отсчёта затухания: последнее расширение уровня
// или время создания, если расширений не было.
func DecayAnchor(s *model.VisibilityState) time.Time {
	anchor := s.CreatedAt
	for _, t := range []*time.Time{s.Tier1ExpandedAt, s.Tier2ExpandedAt, s.Tier3ExpandedAt} {
		if t != nil && t.After(anchor) {
			anchor = *t
		}
	}
	return anchor
}

// ComputeVisibility рассчитывает visibility score в момент now.
// Монотонно убывает со временем, прошедшим с последнего расширения уровня.
// Для оплаченного продвижения удерживается не ниже PaidVisibilityFloor.
func ComputeVisibility(s *model.VisibilityState, now time.Time, p Policy) float64 {
	elapsed := now.Sub(DecayAnchor(s))
	if elapsed < 0 {
		elapsed = 0
	}

	var score float64
	switch p.DecayCurve {
	case DecayExponential:
		score = MaxVisibilityScore * math.Pow(0.5, float64(elapsed)/float64(p.DecayHalfLife))
	default:
		score = MaxVisibilityScore * (1 - float64(elapsed)/float64(p.TTL))
	}

	if s.HasPaidPromotion && score < p.PaidVisibilityFloor {
		score = p.PaidVisibilityFloor
	}
	return clampScore(score)
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > MaxVisibilityScore:
		return MaxVisibilityScore
	default:
		return v
	}
}
