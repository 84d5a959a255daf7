package supabase

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// AuthResponse はトークン発行系エンドポイントの応答。
// メール確認が必要なサインアップではトークンが空でUserのみが返る。
type AuthResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user"`
}

// User はGoTrueのユーザー表現のうち利用する項目。
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// HasSession はトークンが発行されたかを返す。
func (r *AuthResponse) HasSession() bool {
	return r != nil && r.AccessToken != ""
}

// ToSession はモデルのSessionに変換する。
// 期限はexpires_at、expires_in、アクセストークンのexpクレームの順に採用する。
func (r *AuthResponse) ToSession(now time.Time) *model.Session {
	if !r.HasSession() {
		return nil
	}
	s := &model.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    r.TokenType,
	}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	default:
		if claims, err := ParseClaims(r.AccessToken); err == nil {
			s.ExpiresAt = claims.ExpiresAt
		}
	}
	if r.User != nil {
		s.User = model.User{ID: r.User.ID, Email: r.User.Email}
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp はメールアドレスとパスワードでユーザーを作成する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*AuthResponse, error) {
	body, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/signup",
		body:   credentials{Email: email, Password: password},
	})
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}

	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode sign up response: %w", err)
	}
	// 確認メール待ちの場合はユーザーオブジェクトがトップレベルで返る
	if resp.User == nil {
		var u User
		if err := json.Unmarshal(body, &u); err == nil && u.ID != "" {
			resp.User = &u
		}
	}
	return &resp, nil
}

// SignInWithPassword はメールアドレスとパスワードでセッションを発行する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*AuthResponse, error) {
	return c.token(ctx, "password", credentials{Email: email, Password: password})
}

// RefreshSession はリフレッシュトークンでセッションを更新する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*AuthResponse, error) {
	return c.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
}

// ExchangeCodeForSession はPKCEの認可コードをセッションに交換する。
func (c *Client) ExchangeCodeForSession(ctx context.Context, code, verifier string) (*AuthResponse, error) {
	return c.token(ctx, "pkce", map[string]string{
		"auth_code":     code,
		"code_verifier": verifier,
	})
}

func (c *Client) token(ctx context.Context, grantType string, payload any) (*AuthResponse, error) {
	body, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/token",
		query:  url.Values{"grant_type": {grantType}},
		body:   payload,
	})
	if err != nil {
		return nil, fmt.Errorf("token (%s): %w", grantType, err)
	}

	var resp AuthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &resp, nil
}

// GetUser はアクセストークンに対応するユーザーを取得する。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	body, err := c.do(ctx, request{
		method: http.MethodGet,
		path:   "/auth/v1/user",
		token:  accessToken,
	})
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}

	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("failed to decode user: %w", err)
	}
	return &u, nil
}

// SignOut はサーバー側でセッションを失効させる。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	_, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/auth/v1/logout",
		token:  accessToken,
	})
	if err != nil {
		return fmt.Errorf("sign out: %w", err)
	}
	return nil
}

// ResetPasswordForEmail はパスワード再設定メールの送信を依頼する。
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	req := request{
		method: http.MethodPost,
		path:   "/auth/v1/recover",
		body:   map[string]string{"email": email},
	}
	if redirectTo != "" {
		req.query = url.Values{"redirect_to": {redirectTo}}
	}
	if _, err := c.do(ctx, req); err != nil {
		return fmt.Errorf("reset password: %w", err)
	}
	return nil
}

// PKCE はOAuthのcode_verifierとcode_challengeの組。
type PKCE struct {
	Verifier  string
	Challenge string
}

// NewPKCE はランダムなcode_verifierとS256のcode_challengeを生成する。
func NewPKCE() (PKCE, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return PKCE{}, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)
	sum := sha256.Sum256([]byte(verifier))
	return PKCE{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// AuthorizeURL はOAuthプロバイダの認可画面URLを組み立てる。
// ブラウザでこのURLを開き、redirectToへのコールバックを待つ。
func (c *Client) AuthorizeURL(provider, redirectTo, codeChallenge string) string {
	q := url.Values{}
	q.Set("provider", provider)
	q.Set("redirect_to", redirectTo)
	if codeChallenge != "" {
		q.Set("code_challenge", codeChallenge)
		q.Set("code_challenge_method", "s256")
	}
	return c.baseURL + "/auth/v1/authorize?" + q.Encode()
}
