package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// PostRepository — интерфейс для таблицы posts.
type PostRepository interface {
	// CreateWithState атомарно создаёт публикацию и её состояние видимости.
	CreateWithState(ctx context.Context, p *model.Post, s *model.VisibilityState) error
	// GetByID возвращает публикацию по UUID.
	GetByID(ctx context.Context, postID string) (*model.Post, error)
	// SoftDelete помечает публикацию удалённой. Повторный вызов — no-op.
	SoftDelete(ctx context.Context, postID string, at time.Time) error
}

// postRepo — реализация PostRepository.
type postRepo struct {
	db DBTX
	tx *TxRunner
}

// NewPostRepository создаёт репозиторий публикаций.
// tx может быть nil — тогда вставки выполняются через db (db уже транзакция).
func NewPostRepository(db DBTX, tx *TxRunner) PostRepository {
	return &postRepo{db: db, tx: tx}
}

func (r *postRepo) CreateWithState(ctx context.Context, p *model.Post, s *model.VisibilityState) error {
	if r.tx == nil {
		return insertPostWithState(ctx, r.db, p, s)
	}
	return r.tx.RunInTx(ctx, func(tx pgx.Tx) error {
		return insertPostWithState(ctx, tx, p, s)
	})
}

func insertPostWithState(ctx context.Context, db DBTX, p *model.Post, s *model.VisibilityState) error {
	postQuery := `
		INSERT INTO posts (id, creator_id, genre, category, title, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.Exec(ctx, postQuery,
		p.ID, p.CreatorID, p.Genre, p.Category, p.Title, p.Description, p.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: публикация %s уже существует", ErrConflict, p.ID)
		}
		return fmt.Errorf("ошибка создания публикации: %w", err)
	}

	stateQuery := `
		INSERT INTO visibility_states (post_id, current_tier, visibility_score, ev_score_current,
			ev_score_tier2_threshold, ev_score_tier3_threshold,
			has_paid_promotion, paid_promotion_type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING version, updated_at`

	err = db.QueryRow(ctx, stateQuery,
		s.PostID, s.CurrentTier, s.VisibilityScore, s.EVScoreCurrent,
		s.EVScoreTier2Threshold, s.EVScoreTier3Threshold,
		s.HasPaidPromotion, s.PaidPromotionType, s.CreatedAt,
	).Scan(&s.Version, &s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания состояния видимости: %w", err)
	}
	return nil
}

func (r *postRepo) GetByID(ctx context.Context, postID string) (*model.Post, error) {
	query := `
		SELECT id, creator_id, genre, category, title, description, created_at, deleted_at
		FROM posts
		WHERE id = $1`

	p := &model.Post{}
	err := r.db.QueryRow(ctx, query, postID).Scan(
		&p.ID, &p.CreatorID, &p.Genre, &p.Category, &p.Title, &p.Description,
		&p.CreatedAt, &p.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения публикации: %w", err)
	}
	return p, nil
}

func (r *postRepo) SoftDelete(ctx context.Context, postID string, at time.Time) error {
	query := `UPDATE posts SET deleted_at = COALESCE(deleted_at, $2) WHERE id = $1`

	tag, err := r.db.Exec(ctx, query, postID, at)
	if err != nil {
		return fmt.Errorf("ошибка удаления публикации: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
