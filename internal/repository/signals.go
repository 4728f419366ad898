package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// EngagementRepository — чтение таблицы post_engagement_counts.
// Таблицу ведёт внешний сервис событий.
type EngagementRepository interface {
	// Get возвращает счётчики публикации. Отсутствие строки — нулевые счётчики.
	Get(ctx context.Context, postID string) (*model.EngagementCounts, error)
}

type engagementRepo struct {
	db DBTX
}

// NewEngagementRepository создаёт репозиторий счётчиков вовлечённости.
func NewEngagementRepository(db DBTX) EngagementRepository {
	return &engagementRepo{db: db}
}

func (r *engagementRepo) Get(ctx context.Context, postID string) (*model.EngagementCounts, error) {
	query := `
		SELECT post_id, likes, comments, shares, sparks, sparks_amount, updated_at
		FROM post_engagement_counts
		WHERE post_id = $1`

	c := &model.EngagementCounts{}
	err := r.db.QueryRow(ctx, query, postID).Scan(
		&c.PostID, &c.Likes, &c.Comments, &c.Shares, &c.Sparks, &c.SparksAmount, &c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &model.EngagementCounts{PostID: postID}, nil
		}
		return nil, fmt.Errorf("ошибка получения счётчиков вовлечённости: %w", err)
	}
	return c, nil
}

// AudienceRepository — источники кандидатов в seed-аудиторию.
type AudienceRepository interface {
	// GenreAffinityCandidates возвращает пользователей с предпочтением жанра >= minScore,
	// по убыванию степени совпадения, исключая автора.
	GenreAffinityCandidates(ctx context.Context, genre string, minScore float64, excludeUserID string, limit int) ([]model.SeedCandidate, error)
	// Followers возвращает подписчиков автора (ранние подписчики первыми).
	Followers(ctx context.Context, creatorID string, limit int) ([]model.SeedCandidate, error)
}

type audienceRepo struct {
	db DBTX
}

// NewAudienceRepository создаёт репозиторий кандидатов seed-аудитории.
func NewAudienceRepository(db DBTX) AudienceRepository {
	return &audienceRepo{db: db}
}

func (r *audienceRepo) GenreAffinityCandidates(ctx context.Context, genre string, minScore float64, excludeUserID string, limit int) ([]model.SeedCandidate, error) {
	query := `
		SELECT user_id, genre, score
		FROM user_genre_affinity
		WHERE genre = $1 AND score >= $2 AND user_id <> $3
		ORDER BY score DESC, user_id
		LIMIT $4`

	rows, err := r.db.Query(ctx, query, genre, minScore, excludeUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения кандидатов по жанру: %w", err)
	}
	defer rows.Close()

	var result []model.SeedCandidate
	for rows.Next() {
		var userID, tag string
		var score float64
		if err := rows.Scan(&userID, &tag, &score); err != nil {
			return nil, fmt.Errorf("ошибка сканирования кандидата: %w", err)
		}
		result = append(result, model.SeedCandidate{
			UserID:        userID,
			Reason:        model.SeedReasonGenreAffinity,
			GenreTag:      &tag,
			AffinityScore: &score,
		})
	}
	return result, rows.Err()
}

func (r *audienceRepo) Followers(ctx context.Context, creatorID string, limit int) ([]model.SeedCandidate, error) {
	query := `
		SELECT follower_id
		FROM creator_followers
		WHERE creator_id = $1 AND follower_id <> $1
		ORDER BY followed_at, follower_id
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, creatorID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписчиков: %w", err)
	}
	defer rows.Close()

	var result []model.SeedCandidate
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписчика: %w", err)
		}
		result = append(result, model.SeedCandidate{UserID: userID, Reason: model.SeedReasonFollower})
	}
	return result, rows.Err()
}

// ReputationRepository — чтение таблицы creator_reputation.
type ReputationRepository interface {
	// Get возвращает репутацию автора или ErrNotFound.
	Get(ctx context.Context, creatorID string) (*model.CreatorReputation, error)
	// GetMany возвращает репутации найденных авторов. Отсутствующие не попадают в результат.
	GetMany(ctx context.Context, creatorIDs []string) (map[string]*model.CreatorReputation, error)
}

type reputationRepo struct {
	db DBTX
}

// NewReputationRepository создаёт репозиторий репутации авторов.
func NewReputationRepository(db DBTX) ReputationRepository {
	return &reputationRepo{db: db}
}

func (r *reputationRepo) Get(ctx context.Context, creatorID string) (*model.CreatorReputation, error) {
	query := `SELECT creator_id, score, verified, updated_at FROM creator_reputation WHERE creator_id = $1`

	rep := &model.CreatorReputation{}
	err := r.db.QueryRow(ctx, query, creatorID).Scan(&rep.CreatorID, &rep.Score, &rep.Verified, &rep.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения репутации: %w", err)
	}
	return rep, nil
}

func (r *reputationRepo) GetMany(ctx context.Context, creatorIDs []string) (map[string]*model.CreatorReputation, error) {
	result := make(map[string]*model.CreatorReputation, len(creatorIDs))
	if len(creatorIDs) == 0 {
		return result, nil
	}

	query := `SELECT creator_id, score, verified, updated_at FROM creator_reputation WHERE creator_id = ANY($1)`

	rows, err := r.db.Query(ctx, query, creatorIDs)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения репутаций: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rep := &model.CreatorReputation{}
		if err := rows.Scan(&rep.CreatorID, &rep.Score, &rep.Verified, &rep.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования репутации: %w", err)
		}
		result[rep.CreatorID] = rep
	}
	return result, rows.Err()
}
