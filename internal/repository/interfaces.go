// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// ErrProfileNotFound は加算対象のProfileが存在しない場合に返される。
var ErrProfileNotFound = errors.New("profile not found")

// ProfileRepository はProfileの永続化インターフェース。
// 実装はPostgREST経由（RLS適用）と直接のPostgreSQL接続の2種類がある。
type ProfileRepository interface {
	// FindByID は指定ユーザーのProfileを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, userID string) (*model.Profile, error)

	// Upsert はProfileを作成する。既に存在する場合は既存の値を保持する。
	Upsert(ctx context.Context, profile *model.Profile) error

	// IncrementRecipeCount はmonthly_recipe_countを1加算し、加算後の値を返す。
	IncrementRecipeCount(ctx context.Context, userID string) (int, error)
}
