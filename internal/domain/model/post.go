// Пакет model — доменные модели Reach Module.
// Post — публикация пользователя, VisibilityState — состояние её охвата (1:1).
package model

import "time"

// Post — публикация. Неизменяема после создания, кроме soft delete.
type Post struct {
	// ID — UUID публикации
	ID string
	// CreatorID — идентификатор автора
	CreatorID string
	// Genre — заявленный автором жанр (для подбора seed-аудитории)
	Genre string
	// Category — категория (для выбора порогов EV)
	Category string
	// Title — заголовок
	Title string
	// Description — описание (опционально)
	Description *string
	// CreatedAt — время создания
	CreatedAt time.Time
	// DeletedAt — время soft delete (nil — не удалена)
	DeletedAt *time.Time
}

// IsDeleted возвращает true, если публикация помечена как удалённая.
func (p *Post) IsDeleted() bool {
	return p.DeletedAt != nil
}

// NewPost — входные данные для создания публикации.
type NewPost struct {
	// ID — UUID публикации (пустой — будет сгенерирован)
	ID string
	// CreatorID — идентификатор автора (обязателен)
	CreatorID string
	// Genre — жанр
	Genre string
	// Category — категория
	Category string
	// Title — заголовок
	Title string
	// Description — описание (опционально)
	Description *string
	// CreatedAt — время создания (zero — текущее время)
	CreatedAt time.Time
	// HasPaidPromotion — оплаченное продвижение
	HasPaidPromotion bool
	// PaidPromotionType — тип продвижения (опционально)
	PaidPromotionType *string
}

// EngagementCounts — агрегированные счётчики вовлечённости публикации.
// Владелец — внешний сервис событий; Reach Module только читает.
// Все счётчики монотонно не убывают.
type EngagementCounts struct {
	// PostID — UUID публикации
	PostID string
	// Likes — количество лайков
	Likes int64
	// Comments — количество комментариев
	Comments int64
	// Shares — количество репостов
	Shares int64
	// Sparks — количество sparks (взвешенные микро-чаевые)
	Sparks int64
	// SparksAmount — денежная сумма sparks (только для отчётности)
	SparksAmount float64
	// UpdatedAt — время последнего обновления счётчиков
	UpdatedAt time.Time
}

// CreatorReputation — материализованная репутация автора (внешний сигнал).
type CreatorReputation struct {
	// CreatorID — идентификатор автора
	CreatorID string
	// Score — репутационный балл
	Score float64
	// Verified — автор верифицирован
	Verified bool
	// UpdatedAt — время последнего пересчёта
	UpdatedAt time.Time
}
