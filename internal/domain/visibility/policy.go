// Пакет visibility — движок уровней охвата публикаций.
//
// Чистые функции без ввода-вывода: расчёт engagement-velocity (EV),
// затухание visibility score и конечный автомат уровней
// seed → tier1 → tier2 → tier3 (+ терминальный expired).
//
// Все пороги и веса передаются явно через Policy. Пакет не читает
// переменные окружения и не содержит глобального состояния.
package visibility

import (
	"fmt"
	"time"
)

// DecayCurve — форма кривой затухания visibility score.
type DecayCurve string

const (
	// DecayLinear — линейное затухание до 0 за TTL от последнего расширения
	DecayLinear DecayCurve = "linear"
	// DecayExponential — экспоненциальное затухание с периодом полураспада DecayHalfLife
	DecayExponential DecayCurve = "exponential"
)

// MaxVisibilityScore — верхняя граница visibility score.
const MaxVisibilityScore = 100.0

// Weights — веса типов вовлечённости в EV.
type Weights struct {
	Like    float64 `yaml:"like"`
	Comment float64 `yaml:"comment"`
	Share   float64 `yaml:"share"`
	Spark   float64 `yaml:"spark"`
}

// Thresholds — пороги EV для расширения уровня.
type Thresholds struct {
	Tier2 float64 `yaml:"tier2"`
	Tier3 float64 `yaml:"tier3"`
}

// Policy — параметры движка. Фиксируется при старте приложения.
type Policy struct {
	// SeedObservationWindow — окно наблюдения за seed-аудиторией (seed → tier1)
	SeedObservationWindow time.Duration
	// TTL — время жизни публикации от создания
	TTL time.Duration
	// Weights — веса вовлечённости
	Weights Weights
	// SeedEngagementBonus — множитель бонуса за engagement rate seed-аудитории
	SeedEngagementBonus float64
	// ImpressionFloor — минимальный знаменатель нормализации по показам
	ImpressionFloor int64
	// NormalizationScale — масштаб EV («взвешенных реакций на N показов»)
	NormalizationScale float64
	// TimeInTierUnit — единица нормализации EV по времени в текущем уровне (0 — отключена)
	TimeInTierUnit time.Duration
	// DecayCurve — форма затухания
	DecayCurve DecayCurve
	// DecayHalfLife — период полураспада для экспоненциального затухания
	DecayHalfLife time.Duration
	// PaidVisibilityFloor — минимальный visibility score для оплаченного продвижения
	PaidVisibilityFloor float64
	// DefaultThresholds — пороги EV по умолчанию
	DefaultThresholds Thresholds
	// CategoryThresholds — переопределение порогов по категориям
	CategoryThresholds map[string]Thresholds
}

// DefaultPolicy возвращает политику по умолчанию.
func DefaultPolicy() Policy {
	return Policy{
		SeedObservationWindow: time.Hour,
		TTL:                   48 * time.Hour,
		Weights: Weights{
			Like:    1,
			Comment: 3,
			Share:   10,
			Spark:   15,
		},
		SeedEngagementBonus: 50,
		ImpressionFloor:     100,
		NormalizationScale:  100,
		DecayCurve:          DecayLinear,
		DecayHalfLife:       6 * time.Hour,
		PaidVisibilityFloor: 80,
		DefaultThresholds: Thresholds{
			Tier2: 50,
			Tier3: 150,
		},
		CategoryThresholds: map[string]Thresholds{},
	}
}

// Validate проверяет согласованность политики.
func (p Policy) Validate() error {
	if p.SeedObservationWindow <= 0 {
		return fmt.Errorf("seed observation window должно быть > 0")
	}
	if p.TTL <= 0 {
		return fmt.Errorf("TTL должно быть > 0")
	}
	if p.SeedObservationWindow >= p.TTL {
		return fmt.Errorf("seed observation window (%s) должно быть меньше TTL (%s)", p.SeedObservationWindow, p.TTL)
	}
	w := p.Weights
	if w.Like < 0 || w.Comment < 0 || w.Share < 0 || w.Spark < 0 {
		return fmt.Errorf("веса вовлечённости не могут быть отрицательными")
	}
	if p.SeedEngagementBonus < 0 {
		return fmt.Errorf("seed engagement bonus не может быть отрицательным")
	}
	if p.ImpressionFloor < 1 {
		return fmt.Errorf("impression floor должно быть >= 1")
	}
	if p.NormalizationScale <= 0 {
		return fmt.Errorf("normalization scale должно быть > 0")
	}
	if p.TimeInTierUnit < 0 {
		return fmt.Errorf("time-in-tier unit не может быть отрицательным")
	}
	switch p.DecayCurve {
	case DecayLinear:
	case DecayExponential:
		if p.DecayHalfLife <= 0 {
			return fmt.Errorf("decay half-life должно быть > 0 для экспоненциальной кривой")
		}
	default:
		return fmt.Errorf("недопустимая кривая затухания %q, допустимые: linear, exponential", p.DecayCurve)
	}
	if p.PaidVisibilityFloor < 0 || p.PaidVisibilityFloor > MaxVisibilityScore {
		return fmt.Errorf("paid visibility floor вне диапазона [0, 100]")
	}
	if err := p.DefaultThresholds.validate(); err != nil {
		return fmt.Errorf("пороги по умолчанию: %w", err)
	}
	for category, t := range p.CategoryThresholds {
		if err := t.validate(); err != nil {
			return fmt.Errorf("пороги категории %q: %w", category, err)
		}
	}
	return nil
}

// ThresholdsFor возвращает пороги EV для категории публикации.
// Вызывается один раз при создании публикации — пороги фиксируются в её состоянии.
func (p Policy) ThresholdsFor(category string) Thresholds {
	if t, ok := p.CategoryThresholds[category]; ok {
		return t
	}
	return p.DefaultThresholds
}

func (t Thresholds) validate() error {
	if t.Tier2 < 0 || t.Tier3 < 0 {
		return fmt.Errorf("пороги не могут быть отрицательными")
	}
	if t.Tier3 < t.Tier2 {
		return fmt.Errorf("порог tier3 (%.2f) меньше порога tier2 (%.2f)", t.Tier3, t.Tier2)
	}
	return nil
}
