package supabase

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims はアクセストークンから読み取る項目。
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

// ParseClaims はアクセストークンのクレームを署名検証なしで読み取る。
// 端末側では署名鍵を持たないため、期限判定とユーザーID取得にのみ使う。
// 認可判断はゲートウェイ側で行われる。
func ParseClaims(token string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	out := &Claims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time.UTC()
	}
	return out, nil
}
