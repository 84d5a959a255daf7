// Package model はドメインモデルを定義する。
package model

import "time"

// User は認証ゲートウェイ上のユーザーを表す。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Session は端末に紐付いた認証済みセッションを表す。
// トークンは認証ゲートウェイが発行する不透明な値として扱う。
// トークンはUIへのスナップショットに含めない。
type Session struct {
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired はセッションが指定時刻の時点で期限切れかを返す。
// ExpiresAtがゼロ値の場合は期限不明として期限切れ扱いにしない。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// Tier はサブスクリプション区分を表す。
type Tier string

const (
	// TierFree は無料プラン。
	TierFree Tier = "free"
	// TierPlus はPlusプラン。
	TierPlus Tier = "plus"
	// TierPro はProプラン。
	TierPro Tier = "pro"
)

// ParseTier は文字列をTierに変換する。未知の値の場合はfalseを返す。
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierFree, TierPlus, TierPro:
		return Tier(s), true
	default:
		return "", false
	}
}

// Preferences はユーザーの嗜好設定を表す。
type Preferences struct {
	Dietary         []string `json:"dietary,omitempty"`
	Units           string   `json:"units,omitempty"` // "metric" | "imperial"
	DefaultServings int      `json:"defaultServings,omitempty"`
}

// Profile はバックエンドにミラーされるユーザーごとの永続レコード。
// Tierは表示用であり、権限判定はエンタイトルメントを正とする。
type Profile struct {
	ID                 string      `json:"id"`
	Email              string      `json:"email"`
	Tier               Tier        `json:"tier"`
	MonthlyRecipeCount int         `json:"monthly_recipe_count"`
	LastActiveAt       *time.Time  `json:"last_active_at,omitempty"`
	Preferences        Preferences `json:"preferences"`
	CreatedAt          time.Time   `json:"created_at"`
}

// NewDefaultProfile はクライアント側upsert用のデフォルトProfileを生成する。
func NewDefaultProfile(userID, email string, now time.Time) *Profile {
	return &Profile{
		ID:                 userID,
		Email:              email,
		Tier:               TierFree,
		MonthlyRecipeCount: 0,
		CreatedAt:          now,
	}
}
