package repository

import (
	"context"
	"fmt"
	"net/url"

	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/model"
)

const profilesTable = "profiles"

// PostgRESTProfileRepo は認証ゲートウェイのREST APIを経由するProfileリポジトリ。
// アクセストークンはsupabase.WithAccessTokenでcontextに載せて渡す。
type PostgRESTProfileRepo struct {
	client *supabase.Client
}

// NewPostgRESTProfileRepo はPostgRESTProfileRepoを生成する。
func NewPostgRESTProfileRepo(client *supabase.Client) *PostgRESTProfileRepo {
	return &PostgRESTProfileRepo{client: client}
}

// profileInsert はupsert時に送信する列。created_atとlast_active_atはDB側に任せる。
type profileInsert struct {
	ID                 string            `json:"id"`
	Email              string            `json:"email"`
	Tier               model.Tier        `json:"tier"`
	MonthlyRecipeCount int               `json:"monthly_recipe_count"`
	Preferences        model.Preferences `json:"preferences"`
}

// FindByID は指定ユーザーのProfileを取得する。見つからない場合はnilを返す。
func (r *PostgRESTProfileRepo) FindByID(ctx context.Context, userID string) (*model.Profile, error) {
	var p model.Profile
	found, err := r.client.MaybeSingle(ctx, profilesTable, url.Values{"id": {"eq." + userID}}, &p)
	if err != nil {
		return nil, fmt.Errorf("failed to find profile by ID: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &p, nil
}

// Upsert はProfileを作成する。既に存在する場合は既存の値を保持する。
func (r *PostgRESTProfileRepo) Upsert(ctx context.Context, profile *model.Profile) error {
	row := profileInsert{
		ID:                 profile.ID,
		Email:              profile.Email,
		Tier:               profile.Tier,
		MonthlyRecipeCount: profile.MonthlyRecipeCount,
		Preferences:        profile.Preferences,
	}
	if err := r.client.Upsert(ctx, profilesTable, "id", row); err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

// IncrementRecipeCount はRPC経由で利用回数を加算し、加算後の値を返す。
func (r *PostgRESTProfileRepo) IncrementRecipeCount(ctx context.Context, userID string) (int, error) {
	var count *int
	params := map[string]string{"p_user_id": userID}
	if err := r.client.RPC(ctx, "increment_recipe_count", params, &count); err != nil {
		return 0, fmt.Errorf("failed to increment recipe count: %w", err)
	}
	if count == nil {
		return 0, fmt.Errorf("increment recipe count for %s: %w", userID, ErrProfileNotFound)
	}
	return *count, nil
}

// compile-time interface check
var _ ProfileRepository = (*PostgRESTProfileRepo)(nil)
