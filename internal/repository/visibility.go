package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/bigkaa/goartstore/reach-module/internal/domain/model"
)

// FeedSort — ключ сортировки ленты.
type FeedSort string

const (
	FeedSortVisibility FeedSort = "visibility_score"
	FeedSortEV         FeedSort = "ev_score"
	FeedSortCreatedAt  FeedSort = "created_at"
)

// FeedFilter — параметры выборки ленты.
type FeedFilter struct {
	// Tier — фильтр по уровню (nil — все активные)
	Tier *model.Tier
	// CreatorID — фильтр по автору (nil — все)
	CreatorID *string
	// Sort — ключ сортировки
	Sort FeedSort
	// Ascending — порядок сортировки (по умолчанию по убыванию)
	Ascending bool
	Limit     int
	Offset    int
}

// VisibilityRepository — интерфейс для таблицы visibility_states.
type VisibilityRepository interface {
	// Get возвращает состояние видимости по post_id.
	Get(ctx context.Context, postID string) (*model.VisibilityState, error)
	// CompareAndSwap записывает next, если версия в БД равна expectedVersion
	// и публикация не истекла. Метки уровней и expired_at устанавливаются
	// только если NULL. Показы tier1-3 не перезаписываются.
	// Возвращает состояние из БД после записи или ErrConflict.
	CompareAndSwap(ctx context.Context, next *model.VisibilityState, expectedVersion int64) (*model.VisibilityState, error)
	// IncrementImpressions атомарно увеличивает счётчик показов текущего уровня.
	// Возвращает уровень, к которому отнесены показы.
	IncrementImpressions(ctx context.Context, postID string, n int64) (model.Tier, error)
	// ListActiveIDs возвращает страницу неистёкших post_id (keyset-пагинация по post_id).
	ListActiveIDs(ctx context.Context, afterID string, limit int) ([]string, error)
	// ListFeed возвращает ленту неистёкших неудалённых публикаций.
	ListFeed(ctx context.Context, f FeedFilter) ([]*model.FeedItem, error)
	// CountFeed возвращает количество записей ленты по фильтру (без пагинации).
	CountFeed(ctx context.Context, f FeedFilter) (int, error)
	// CountByTier возвращает количество публикаций по уровням (включая expired).
	CountByTier(ctx context.Context) (map[model.Tier]int, error)
	// ListTrendingCandidates возвращает неистёкшие неудалённые публикации tier3,
	// созданные не раньше since, с EV строго больше evMin, в порядке ранжирования trending.
	ListTrendingCandidates(ctx context.Context, since time.Time, evMin float64, limit, offset int) ([]*model.TrendingCandidate, error)
}

// nilUUID — нижняя граница keyset-пагинации по post_id.
const nilUUID = "00000000-0000-0000-0000-000000000000"

// visibilityRepo — реализация VisibilityRepository.
type visibilityRepo struct {
	db DBTX
}

// NewVisibilityRepository создаёт репозиторий состояний видимости.
func NewVisibilityRepository(db DBTX) VisibilityRepository {
	return &visibilityRepo{db: db}
}

// stateColumns — колонки visibility_states в порядке scanState.
const stateColumns = `post_id, current_tier, visibility_score, ev_score_current,
	ev_score_tier2_threshold, ev_score_tier3_threshold,
	seed_impressions, tier1_impressions, tier2_impressions, tier3_impressions,
	tier1_expanded_at, tier2_expanded_at, tier3_expanded_at, expired_at,
	has_paid_promotion, paid_promotion_type, created_at, version, updated_at`

func scanState(row pgx.Row) (*model.VisibilityState, error) {
	s := &model.VisibilityState{}
	err := row.Scan(
		&s.PostID, &s.CurrentTier, &s.VisibilityScore, &s.EVScoreCurrent,
		&s.EVScoreTier2Threshold, &s.EVScoreTier3Threshold,
		&s.SeedImpressions, &s.Tier1Impressions, &s.Tier2Impressions, &s.Tier3Impressions,
		&s.Tier1ExpandedAt, &s.Tier2ExpandedAt, &s.Tier3ExpandedAt, &s.ExpiredAt,
		&s.HasPaidPromotion, &s.PaidPromotionType, &s.CreatedAt, &s.Version, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *visibilityRepo) Get(ctx context.Context, postID string) (*model.VisibilityState, error) {
	query := `SELECT ` + stateColumns + ` FROM visibility_states WHERE post_id = $1`

	s, err := scanState(r.db.QueryRow(ctx, query, postID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения состояния видимости: %w", err)
	}
	return s, nil
}

func (r *visibilityRepo) CompareAndSwap(ctx context.Context, next *model.VisibilityState, expectedVersion int64) (*model.VisibilityState, error) {
	query := `
		UPDATE visibility_states
		SET current_tier = $2,
			visibility_score = $3,
			ev_score_current = $4,
			seed_impressions = GREATEST(seed_impressions, $5),
			tier1_expanded_at = COALESCE(tier1_expanded_at, $6),
			tier2_expanded_at = COALESCE(tier2_expanded_at, $7),
			tier3_expanded_at = COALESCE(tier3_expanded_at, $8),
			expired_at = COALESCE(expired_at, $9),
			version = version + 1,
			updated_at = NOW()
		WHERE post_id = $1 AND version = $10 AND expired_at IS NULL
		RETURNING ` + stateColumns

	s, err := scanState(r.db.QueryRow(ctx, query,
		next.PostID, next.CurrentTier, next.VisibilityScore, next.EVScoreCurrent,
		next.SeedImpressions,
		next.Tier1ExpandedAt, next.Tier2ExpandedAt, next.Tier3ExpandedAt, next.ExpiredAt,
		expectedVersion,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: версия %d публикации %s устарела", ErrConflict, expectedVersion, next.PostID)
		}
		return nil, fmt.Errorf("ошибка записи состояния видимости: %w", err)
	}
	return s, nil
}

func (r *visibilityRepo) IncrementImpressions(ctx context.Context, postID string, n int64) (model.Tier, error) {
	query := `
		UPDATE visibility_states
		SET seed_impressions = seed_impressions + CASE WHEN current_tier = 'seed' THEN $2 ELSE 0 END,
			tier1_impressions = tier1_impressions + CASE WHEN current_tier = 'tier1' THEN $2 ELSE 0 END,
			tier2_impressions = tier2_impressions + CASE WHEN current_tier = 'tier2' THEN $2 ELSE 0 END,
			tier3_impressions = tier3_impressions + CASE WHEN current_tier = 'tier3' THEN $2 ELSE 0 END,
			updated_at = NOW()
		WHERE post_id = $1 AND expired_at IS NULL
		RETURNING current_tier`

	var tier model.Tier
	err := r.db.QueryRow(ctx, query, postID, n).Scan(&tier)
	if err == nil {
		return tier, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("ошибка учёта показов: %w", err)
	}

	// Строка не обновлена: публикации нет или она истекла
	var expired bool
	err = r.db.QueryRow(ctx,
		`SELECT expired_at IS NOT NULL FROM visibility_states WHERE post_id = $1`, postID,
	).Scan(&expired)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("ошибка проверки состояния: %w", err)
	}
	return "", ErrExpired
}

func (r *visibilityRepo) ListActiveIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	query := `
		SELECT post_id
		FROM visibility_states
		WHERE expired_at IS NULL AND post_id > $1
		ORDER BY post_id
		LIMIT $2`

	if afterID == "" {
		afterID = nilUUID
	}

	rows, err := r.db.Query(ctx, query, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения активных публикаций: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0, limit)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования post_id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// feedBase строит общую часть запроса ленты.
func feedBase(b sq.SelectBuilder, f FeedFilter) sq.SelectBuilder {
	b = b.From("visibility_states v").
		Join("posts p ON p.id = v.post_id").
		LeftJoin("post_engagement_counts e ON e.post_id = v.post_id").
		Where("v.expired_at IS NULL").
		Where("p.deleted_at IS NULL")
	if f.Tier != nil {
		b = b.Where("v.current_tier = ?", string(*f.Tier))
	}
	if f.CreatorID != nil {
		b = b.Where("p.creator_id = ?", *f.CreatorID)
	}
	return b
}

func feedOrder(f FeedFilter) []string {
	dir := "DESC"
	if f.Ascending {
		dir = "ASC"
	}
	var col string
	switch f.Sort {
	case FeedSortEV:
		col = "v.ev_score_current"
	case FeedSortCreatedAt:
		col = "v.created_at"
	default:
		col = "v.visibility_score"
	}
	return []string{col + " " + dir, "v.post_id ASC"}
}

func (r *visibilityRepo) ListFeed(ctx context.Context, f FeedFilter) ([]*model.FeedItem, error) {
	b := feedBase(psql.Select(
		"v.post_id", "v.current_tier", "v.visibility_score", "v.ev_score_current",
		"v.ev_score_tier2_threshold", "v.ev_score_tier3_threshold",
		"v.seed_impressions", "v.tier1_impressions", "v.tier2_impressions", "v.tier3_impressions",
		"v.tier1_expanded_at", "v.tier2_expanded_at", "v.tier3_expanded_at", "v.expired_at",
		"v.has_paid_promotion", "v.paid_promotion_type", "v.created_at", "v.version", "v.updated_at",
		"p.creator_id", "p.genre", "p.category", "p.title", "p.description",
		"COALESCE(e.likes, 0)", "COALESCE(e.comments, 0)", "COALESCE(e.shares, 0)",
		"COALESCE(e.sparks, 0)", "COALESCE(e.sparks_amount, 0)",
	), f).
		OrderBy(feedOrder(f)...).
		Limit(uint64(f.Limit)).
		Offset(uint64(f.Offset))

	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("ошибка построения запроса ленты: %w", err)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ленты: %w", err)
	}
	defer rows.Close()

	var result []*model.FeedItem
	for rows.Next() {
		item := &model.FeedItem{}
		s := &item.Visibility
		if err := rows.Scan(
			&s.PostID, &s.CurrentTier, &s.VisibilityScore, &s.EVScoreCurrent,
			&s.EVScoreTier2Threshold, &s.EVScoreTier3Threshold,
			&s.SeedImpressions, &s.Tier1Impressions, &s.Tier2Impressions, &s.Tier3Impressions,
			&s.Tier1ExpandedAt, &s.Tier2ExpandedAt, &s.Tier3ExpandedAt, &s.ExpiredAt,
			&s.HasPaidPromotion, &s.PaidPromotionType, &s.CreatedAt, &s.Version, &s.UpdatedAt,
			&item.Post.CreatorID, &item.Post.Genre, &item.Post.Category, &item.Post.Title, &item.Post.Description,
			&item.Engagement.Likes, &item.Engagement.Comments, &item.Engagement.Shares,
			&item.Engagement.Sparks, &item.Engagement.SparksAmount,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ленты: %w", err)
		}
		item.Post.ID = s.PostID
		item.Post.CreatedAt = s.CreatedAt
		item.Engagement.PostID = s.PostID
		result = append(result, item)
	}
	return result, rows.Err()
}

func (r *visibilityRepo) CountFeed(ctx context.Context, f FeedFilter) (int, error) {
	query, args, err := feedBase(psql.Select("COUNT(*)"), f).ToSql()
	if err != nil {
		return 0, fmt.Errorf("ошибка построения запроса ленты: %w", err)
	}

	var count int
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта ленты: %w", err)
	}
	return count, nil
}

func (r *visibilityRepo) CountByTier(ctx context.Context) (map[model.Tier]int, error) {
	query := `SELECT current_tier, COUNT(*) FROM visibility_states GROUP BY current_tier`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта по уровням: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.Tier]int)
	for rows.Next() {
		var tier model.Tier
		var n int
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, fmt.Errorf("ошибка сканирования уровня: %w", err)
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

func (r *visibilityRepo) ListTrendingCandidates(ctx context.Context, since time.Time, evMin float64, limit, offset int) ([]*model.TrendingCandidate, error) {
	query := `
		SELECT v.post_id, p.creator_id, p.title, v.ev_score_current, v.tier3_expanded_at, v.created_at
		FROM visibility_states v
		JOIN posts p ON p.id = v.post_id
		WHERE v.current_tier = 'tier3'
			AND v.expired_at IS NULL
			AND v.tier3_expanded_at IS NOT NULL
			AND p.deleted_at IS NULL
			AND v.created_at >= $1
			AND v.ev_score_current > $2
		ORDER BY v.ev_score_current DESC, v.tier3_expanded_at ASC, v.post_id ASC
		LIMIT $3 OFFSET $4`

	rows, err := r.db.Query(ctx, query, since, evMin, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения кандидатов trending: %w", err)
	}
	defer rows.Close()

	var result []*model.TrendingCandidate
	for rows.Next() {
		c := &model.TrendingCandidate{}
		if err := rows.Scan(&c.PostID, &c.CreatorID, &c.Title, &c.EVScore, &c.Tier3ExpandedAt, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования кандидата: %w", err)
		}
		result = append(result, c)
	}
	return result, rows.Err()
}
