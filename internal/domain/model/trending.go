package model

import "time"

// TrendingCandidate — публикация уровня tier3, претендующая на trending.
type TrendingCandidate struct {
	// PostID — UUID публикации
	PostID string
	// CreatorID — автор
	CreatorID string
	// Title — заголовок
	Title string
	// EVScore — EV на момент чтения (допускается небольшое отставание)
	EVScore float64
	// Tier3ExpandedAt — время перехода в tier3
	Tier3ExpandedAt time.Time
	// CreatedAt — время создания публикации
	CreatedAt time.Time
}

// TrendingEntry — производная запись trending. Не хранится, пересчитывается при каждом запросе.
type TrendingEntry struct {
	// Rank — позиция (с 1)
	Rank int
	// PostID — UUID публикации
	PostID string
	// CreatorID — автор
	CreatorID string
	// Title — заголовок
	Title string
	// EVScore — EV на момент оценки
	EVScore float64
	// CreatorReputation — репутация автора на момент оценки
	CreatorReputation float64
	// CreatorVerified — верификация автора
	CreatorVerified bool
	// Tier3ExpandedAt — время перехода в tier3
	Tier3ExpandedAt time.Time
	// TimeInTrending — время пребывания в tier3 на момент оценки
	TimeInTrending time.Duration
	// CreatedAt — время создания публикации
	CreatedAt time.Time
}
