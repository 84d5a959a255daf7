package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/pantrypilot/internal/auth"
	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/model"
)

const googleProvider = "google"

// BeginGoogle はPKCEの検証子を保存し、ブラウザで開く認可URLを返す。
// 状態は変えない。認可完了後はCompleteGoogleにコールバックURLを渡す。
func (m *Machine) BeginGoogle(ctx context.Context) (string, error) {
	pkce, err := supabase.NewPKCE()
	if err != nil {
		return "", err
	}
	if err := m.store.SavePKCEVerifier(ctx, pkce.Verifier); err != nil {
		return "", fmt.Errorf("save pkce verifier: %w", err)
	}
	m.logger.Info("oauth flow started", slog.String("provider", googleProvider))
	return m.gateway.AuthorizeURL(googleProvider, m.cfg.OAuthRedirectURL, pkce.Challenge), nil
}

// CompleteGoogle はOAuthのコールバックURLからセッションを確立する。
// 認可コードはPKCEで交換し、フラグメントのトークンはゲートウェイでユーザーを確認して採用する。
// どちらも含まれない場合は保存済みのセッションを確認し、それもなければ失敗とする。
// キャンセルされた場合は開始前の状態に戻り、エラーは設定せずErrOAuthCancelledを返す。
func (m *Machine) CompleteGoogle(ctx context.Context, callbackURL string) error {
	cb, err := auth.ParseCallback(callbackURL)
	if err != nil {
		m.logger.Warn("invalid oauth callback", slog.String("error", err.Error()))
		cb = &auth.Callback{Kind: auth.CallbackNone}
	}
	if cb.Kind == auth.CallbackCancelled {
		m.CancelGoogle()
		return ErrOAuthCancelled
	}

	t := m.begin("oauth_callback", true, nil)
	sess, err := m.sessionFromCallback(ctx, cb)
	if err != nil {
		apiErr := toAPIError(err)
		m.logger.Warn("oauth sign in failed",
			slog.String("callback", cb.Kind.String()),
			slog.String("error", apiErr.Message),
		)
		if !m.commit(t, err, func(st *state) { st.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}

	return m.establish(ctx, t, sess)
}

func (m *Machine) sessionFromCallback(ctx context.Context, cb *auth.Callback) (*model.Session, error) {
	switch cb.Kind {
	case auth.CallbackCode:
		verifier, err := m.store.TakePKCEVerifier(ctx)
		if err != nil {
			return nil, fmt.Errorf("load pkce verifier: %w", err)
		}
		// BeginGoogleを経ていないか、検証子が使用済みのコールバックは交換できない
		if verifier == "" {
			m.logger.Warn("oauth callback without pkce verifier")
			return nil, model.NewAuthError(establishFailed)
		}
		resp, err := m.gateway.ExchangeCodeForSession(ctx, cb.Code, verifier)
		if err != nil {
			return nil, err
		}
		if !resp.HasSession() {
			return nil, model.NewAuthError(establishFailed)
		}
		return resp.ToSession(m.now()), nil

	case auth.CallbackTokens:
		user, err := m.gateway.GetUser(ctx, cb.AccessToken)
		if err != nil {
			return nil, err
		}
		resp := &supabase.AuthResponse{
			AccessToken:  cb.AccessToken,
			RefreshToken: cb.RefreshToken,
			TokenType:    cb.TokenType,
			ExpiresIn:    cb.ExpiresIn,
			ExpiresAt:    cb.ExpiresAt,
			User:         user,
		}
		return resp.ToSession(m.now()), nil

	case auth.CallbackError:
		return nil, model.NewAuthError(cb.Error)

	default:
		sess, err := m.store.LoadSession(ctx)
		if err != nil {
			m.logger.Warn("failed to load persisted session", slog.String("error", err.Error()))
		}
		if sess == nil || sess.Expired(m.now()) {
			return nil, model.NewAuthError(establishFailed)
		}
		return sess, nil
	}
}

// CancelGoogle は進行中のOAuthフローを打ち切り、開始前の状態に戻す。エラーは設定しない。
func (m *Machine) CancelGoogle() {
	t := m.begin("oauth_cancel", false, nil)
	m.commit(t, nil, func(st *state) { st.err = nil })
	m.logger.Info("oauth flow cancelled", slog.String("provider", googleProvider))
}
