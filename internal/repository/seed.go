package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// maxSeedRecordsPerPost — верхняя граница выборки записей для агрегации.
const maxSeedRecordsPerPost = 10000

// SeedRepository — интерфейс для таблицы seed_distribution_records.
type SeedRepository interface {
	// InsertBatch вставляет записи, пропуская уже существующие пары (post_id, user_id).
	// Возвращает количество фактически вставленных записей.
	InsertBatch(ctx context.Context, records []*model.SeedDistributionRecord) (int, error)
	// RecordEngagement устанавливает engaged_at / engagement_type, если они ещё не заданы.
	// Возвращает true только для первой вовлечённости.
	RecordEngagement(ctx context.Context, postID, userID, engagementType string, at time.Time) (bool, error)
	// ListByPost возвращает страницу записей публикации в порядке показа.
	ListByPost(ctx context.Context, postID string, limit, offset int) ([]*model.SeedDistributionRecord, error)
	// ListAllByPost возвращает все записи публикации (для агрегации).
	ListAllByPost(ctx context.Context, postID string) ([]*model.SeedDistributionRecord, error)
	// CountByPost возвращает количество записей публикации.
	CountByPost(ctx context.Context, postID string) (int, error)
}

// seedRepo — реализация SeedRepository.
type seedRepo struct {
	db DBTX
}

// NewSeedRepository создаёт репозиторий seed-аудитории.
func NewSeedRepository(db DBTX) SeedRepository {
	return &seedRepo{db: db}
}

func (r *seedRepo) InsertBatch(ctx context.Context, records []*model.SeedDistributionRecord) (int, error) {
	query := `
		INSERT INTO seed_distribution_records (id, post_id, user_id, reason, genre_tag, affinity_score, shown_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (post_id, user_id) DO NOTHING`

	inserted := 0
	for _, rec := range records {
		tag, err := r.db.Exec(ctx, query,
			rec.ID, rec.PostID, rec.UserID, rec.Reason, rec.GenreTag, rec.AffinityScore, rec.ShownAt,
		)
		if err != nil {
			return inserted, fmt.Errorf("ошибка вставки seed-записи (user %s): %w", rec.UserID, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (r *seedRepo) RecordEngagement(ctx context.Context, postID, userID, engagementType string, at time.Time) (bool, error) {
	query := `
		UPDATE seed_distribution_records
		SET engaged_at = $3, engagement_type = $4
		WHERE post_id = $1 AND user_id = $2 AND engaged_at IS NULL`

	tag, err := r.db.Exec(ctx, query, postID, userID, at, engagementType)
	if err != nil {
		return false, fmt.Errorf("ошибка записи вовлечённости: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const seedColumns = `id, post_id, user_id, reason, genre_tag, affinity_score, shown_at, engaged_at, engagement_type`

func (r *seedRepo) ListByPost(ctx context.Context, postID string, limit, offset int) ([]*model.SeedDistributionRecord, error) {
	query := `
		SELECT ` + seedColumns + `
		FROM seed_distribution_records
		WHERE post_id = $1
		ORDER BY shown_at, user_id
		LIMIT $2 OFFSET $3`

	return r.list(ctx, query, postID, limit, offset)
}

func (r *seedRepo) ListAllByPost(ctx context.Context, postID string) ([]*model.SeedDistributionRecord, error) {
	return r.ListByPost(ctx, postID, maxSeedRecordsPerPost, 0)
}

func (r *seedRepo) list(ctx context.Context, query string, args ...any) ([]*model.SeedDistributionRecord, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения seed-записей: %w", err)
	}
	defer rows.Close()

	var result []*model.SeedDistributionRecord
	for rows.Next() {
		rec := &model.SeedDistributionRecord{}
		if err := rows.Scan(
			&rec.ID, &rec.PostID, &rec.UserID, &rec.Reason, &rec.GenreTag, &rec.AffinityScore,
			&rec.ShownAt, &rec.EngagedAt, &rec.EngagementType,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования seed-записи: %w", err)
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func (r *seedRepo) CountByPost(ctx context.Context, postID string) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM seed_distribution_records WHERE post_id = $1`, postID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("ошибка подсчёта seed-записей: %w", err)
	}
	return count, nil
}
