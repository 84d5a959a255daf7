package session

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/validation"
)

// Initialize はアプリ起動時に保存済みセッションを復元する。
// 保存済みセッションがなければanonymousに遷移する。
// 期限切れのセッションは更新を試み、ゲートウェイに到達できない場合は
// キャッシュしたセッションとProfileのまま"No internet – using cached session"を表示する。
func (m *Machine) Initialize(ctx context.Context) error {
	t := m.begin("initialize", true, nil)

	sess, err := m.store.LoadSession(ctx)
	if err != nil {
		m.logger.Warn("failed to load persisted session", slog.String("error", err.Error()))
		sess = nil
	}
	if sess == nil {
		if !m.commit(t, nil, func(st *state) {
			st.status = StatusAnonymous
			st.session = nil
			st.profile = nil
		}) {
			return ErrSuperseded
		}
		return nil
	}

	if sess.Expired(m.now()) {
		resp, err := m.gateway.RefreshSession(ctx, sess.RefreshToken)
		switch {
		case err != nil && supabase.IsUnreachable(err):
			return m.commitOffline(ctx, t, err, sess)
		case err != nil:
			// 失効済みのトークンは破棄して匿名状態から始める
			m.logger.Info("persisted session rejected by gateway", slog.String("error", err.Error()))
			if clearErr := m.store.ClearAuth(ctx); clearErr != nil {
				m.logger.Warn("failed to clear persisted session", slog.String("error", clearErr.Error()))
			}
			if !m.commit(t, nil, func(st *state) {
				st.status = StatusAnonymous
				st.session = nil
				st.profile = nil
			}) {
				return ErrSuperseded
			}
			return nil
		}
		sess = mergeSession(resp.ToSession(m.now()), sess)
	}

	profile, err := m.acquireProfile(ctx, sess)
	if err != nil && supabase.IsUnreachable(err) {
		return m.commitOffline(ctx, t, err, sess)
	}
	if err != nil {
		m.logger.Warn("profile unavailable during initialize", slog.String("error", err.Error()))
	}

	if !m.commit(t, nil, func(st *state) {
		st.status = StatusAuthenticated
		st.session = sess
		st.profile = profile
		st.online = true
	}) {
		return ErrSuperseded
	}
	m.persistSession(ctx, sess)
	if profile != nil {
		m.persistProfile(ctx, profile)
	}
	return nil
}

// commitOffline はキャッシュしたセッションを維持したままオフライン状態を反映する。
func (m *Machine) commitOffline(ctx context.Context, t ticket, cause error, sess *model.Session) error {
	apiErr := model.NewOfflineError(offlineCachedMessage)
	profile := m.cachedProfile(ctx, sess.User.ID)
	m.logger.Warn("gateway unreachable, using cached session", slog.String("error", cause.Error()))
	if !m.commit(t, cause, func(st *state) {
		st.status = StatusAuthenticated
		st.session = sess
		st.profile = profile
		st.online = false
		st.err = apiErr
	}) {
		return ErrSuperseded
	}
	return apiErr
}

// mergeSession は更新後のセッションに欠けている値を以前のセッションから補う。
func mergeSession(next, prev *model.Session) *model.Session {
	if next == nil {
		return prev
	}
	if next.User.ID == "" {
		next.User = prev.User
	}
	if next.RefreshToken == "" {
		next.RefreshToken = prev.RefreshToken
	}
	return next
}

// SignIn はメールアドレスとパスワードでサインインする。
// メールアドレスの形式が不正な場合はネットワークを呼ばずにフィールドエラーを返す。
// ゲートウェイが拒否した場合はそのメッセージをそのまま表示し、既存のセッションは維持する。
func (m *Machine) SignIn(ctx context.Context, email, password string) error {
	if err := validation.ValidateEmail(email); err != nil {
		m.setError(toAPIError(err))
		return err
	}

	t := m.begin("sign_in", true, nil)
	resp, err := m.gateway.SignInWithPassword(ctx, email, password)
	if err == nil && !resp.HasSession() {
		err = model.NewAuthError(establishFailed)
	}
	if err != nil {
		apiErr := toAPIError(err)
		m.logger.Warn("sign in rejected", slog.String("email", email), slog.String("error", apiErr.Message))
		if !m.commit(t, err, func(st *state) { st.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}

	return m.establish(ctx, t, resp.ToSession(m.now()))
}

// SignUp はアカウントを作成する。
// メール確認が必要な設定ではセッションが発行されないため、匿名のままconfirmation_pendingを立てる。
func (m *Machine) SignUp(ctx context.Context, email, password string) error {
	if err := validation.ValidateEmail(email); err != nil {
		m.setError(toAPIError(err))
		return err
	}
	if err := validation.ValidatePassword(password); err != nil {
		m.setError(toAPIError(err))
		return err
	}

	t := m.begin("sign_up", true, func(st *state) { st.confirmationPending = false })
	resp, err := m.gateway.SignUp(ctx, email, password)
	if err != nil {
		apiErr := toAPIError(err)
		m.logger.Warn("sign up rejected", slog.String("email", email), slog.String("error", apiErr.Message))
		if !m.commit(t, err, func(st *state) { st.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}

	if !resp.HasSession() {
		if !m.commit(t, nil, func(st *state) { st.confirmationPending = true }) {
			return ErrSuperseded
		}
		return nil
	}

	return m.establish(ctx, t, resp.ToSession(m.now()))
}

// establish は新しいセッションのProfileを取得してauthenticatedに遷移する。
func (m *Machine) establish(ctx context.Context, t ticket, sess *model.Session) error {
	profile, err := m.acquireProfile(ctx, sess)
	if err != nil {
		// Profileが取れなくても認証自体は成立させる
		m.logger.Warn("profile unavailable after authentication",
			slog.String("user_id", sess.User.ID),
			slog.String("error", err.Error()),
		)
		profile = nil
	}

	if !m.commit(t, nil, func(st *state) {
		st.status = StatusAuthenticated
		st.session = sess
		st.profile = profile
		st.confirmationPending = false
		st.online = true
	}) {
		return ErrSuperseded
	}
	m.persistSession(ctx, sess)
	if profile != nil {
		m.persistProfile(ctx, profile)
	}
	return nil
}

// SignOut はローカルの状態を即座に消去し、その後ゲートウェイでセッションを失効させる。
// 失効の呼び出しが失敗しても警告ログのみで、呼び出し元には成功を返す。
func (m *Machine) SignOut(ctx context.Context) error {
	var sess *model.Session
	t := m.begin("sign_out", true, func(st *state) {
		sess = st.session
		st.session = nil
		st.profile = nil
		st.confirmationPending = false
	})

	if err := m.store.ClearAuth(ctx); err != nil {
		m.logger.Warn("failed to clear local auth state", slog.String("error", err.Error()))
	}

	if sess != nil && sess.AccessToken != "" {
		if err := m.gateway.SignOut(ctx, sess.AccessToken); err != nil {
			m.logger.Warn("remote sign out failed", slog.String("error", err.Error()))
		}
	}

	m.commit(t, nil, func(st *state) {
		st.status = StatusAnonymous
		st.session = nil
		st.profile = nil
	})
	return nil
}

// RefreshSession はリフレッシュトークンでセッションを更新する。セッションがない場合は何もしない。
// ゲートウェイが4xxで拒否した場合はセッションが失効したとみなして匿名状態に戻る。
func (m *Machine) RefreshSession(ctx context.Context) error {
	sess := m.currentSession()
	if sess == nil {
		return ErrNoSession
	}

	t := m.begin("refresh_session", false, nil)
	resp, err := m.gateway.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		apiErr := toAPIError(err)
		revoked := !supabase.IsUnreachable(err) && isClientError(err)
		if revoked {
			if clearErr := m.store.ClearAuth(ctx); clearErr != nil {
				m.logger.Warn("failed to clear revoked session", slog.String("error", clearErr.Error()))
			}
		}
		if !m.commit(t, err, func(st *state) {
			st.err = apiErr
			if revoked {
				st.status = StatusAnonymous
				st.session = nil
				st.profile = nil
			} else if supabase.IsUnreachable(err) {
				st.online = false
			}
		}) {
			return ErrSuperseded
		}
		return apiErr
	}

	next := mergeSession(resp.ToSession(m.now()), sess)
	if !m.commit(t, nil, func(st *state) {
		st.session = next
		st.online = true
	}) {
		return ErrSuperseded
	}
	m.persistSession(ctx, next)
	return nil
}

func isClientError(err error) bool {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound} {
		if supabase.IsStatus(err, status) {
			return true
		}
	}
	return false
}

// ResetPassword はパスワード再設定メールの送信を依頼する。セッションの状態は変えない。
func (m *Machine) ResetPassword(ctx context.Context, email string) error {
	if err := validation.ValidateEmail(email); err != nil {
		m.setError(toAPIError(err))
		return err
	}

	t := m.begin("reset_password", false, nil)
	err := m.gateway.ResetPasswordForEmail(ctx, email, m.cfg.PasswordResetURL)
	if err != nil {
		apiErr := toAPIError(err)
		m.logger.Warn("password reset request failed", slog.String("email", email), slog.String("error", apiErr.Message))
		if !m.commit(t, err, func(st *state) { st.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}
	if !m.commit(t, nil, nil) {
		return ErrSuperseded
	}
	return nil
}
