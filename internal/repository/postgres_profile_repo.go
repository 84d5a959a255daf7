package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// PostgresProfileRepo はPostgreSQLに直接接続するProfileリポジトリ。
// DATABASE_URLが設定された環境（セルフホストや運用ツール）で使用する。
type PostgresProfileRepo struct {
	db *sql.DB
}

// NewPostgresProfileRepo はPostgresProfileRepoを生成する。
func NewPostgresProfileRepo(db *sql.DB) *PostgresProfileRepo {
	return &PostgresProfileRepo{db: db}
}

// FindByID は指定ユーザーのProfileを取得する。見つからない場合はnilを返す。
func (r *PostgresProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	p := &model.Profile{}
	var tier string
	var lastActive sql.NullTime
	var prefs []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, tier, monthly_recipe_count, last_active_at, preferences, created_at
		 FROM profiles WHERE id = $1`,
		userID,
	).Scan(&p.ID, &p.Email, &tier, &p.MonthlyRecipeCount, &lastActive, &prefs, &p.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}

	p.Tier = model.Tier(tier)
	if lastActive.Valid {
		t := lastActive.Time
		p.LastActiveAt = &t
	}
	if len(prefs) > 0 {
		if err := json.Unmarshal(prefs, &p.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode profile preferences: %w", err)
		}
	}

	return p, nil
}

// Upsert はProfileを作成する。既に存在する場合は何もしない。
func (r *PostgresProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	prefs, err := json.Marshal(profile.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode profile preferences: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO profiles (id, email, tier, monthly_recipe_count, preferences)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO NOTHING`,
		profile.ID, profile.Email, string(profile.Tier), profile.MonthlyRecipeCount, prefs,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// IncrementRecipeCount はincrement_recipe_count関数で利用回数を加算する。
func (r *PostgresProfileRepo) IncrementRecipeCount(ctx context.Context, userID string) (int, error) {
	var count sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT public.increment_recipe_count($1)`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment recipe count: %w", err)
	}
	if !count.Valid {
		return 0, fmt.Errorf("increment recipe count for %s: %w", userID, ErrProfileNotFound)
	}
	return int(count.Int64), nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgresProfileRepo)(nil)
