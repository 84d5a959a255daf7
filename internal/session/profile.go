package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/pantrypilot/internal/config"
	"github.com/hitoshi/pantrypilot/internal/gateway/supabase"
	"github.com/hitoshi/pantrypilot/internal/model"
)

// acquireProfile はセッションに対応するProfileを取得する。
// 設定された戦略に従い、トリガーによる作成を待つか、デフォルト値でupsertする。
// 待機しても見つからない場合は警告を出し、nilを返す（認証は妨げない）。
func (m *Machine) acquireProfile(ctx context.Context, sess *model.Session) (*model.Profile, error) {
	ctx = supabase.WithAccessToken(ctx, sess.AccessToken)
	userID := sess.User.ID

	if m.cfg.ProfileStrategy == config.ProfileStrategyUpsert {
		return m.upsertProfile(ctx, sess)
	}

	attempts := m.cfg.ProfileWaitAttempts
	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := m.profiles.FindByID(ctx, userID)
		if err != nil {
			if supabase.IsUnreachable(err) {
				return nil, err
			}
			m.logger.Warn("profile lookup failed",
				slog.String("user_id", userID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		} else if p != nil {
			return p, nil
		}
		if attempt < attempts {
			if err := m.sleep(ctx, m.cfg.ProfileWaitInterval); err != nil {
				return nil, err
			}
		}
	}

	m.logger.Warn("profile not found after retries",
		slog.String("user_id", userID),
		slog.Int("attempts", attempts),
	)
	return nil, nil
}

func (m *Machine) upsertProfile(ctx context.Context, sess *model.Session) (*model.Profile, error) {
	p, err := m.profiles.FindByID(ctx, sess.User.ID)
	if err != nil {
		return nil, err
	}
	if p != nil {
		return p, nil
	}

	def := model.NewDefaultProfile(sess.User.ID, sess.User.Email, m.now())
	if err := m.profiles.Upsert(ctx, def); err != nil {
		return nil, fmt.Errorf("create default profile: %w", err)
	}
	m.logger.Info("default profile created", slog.String("user_id", sess.User.ID))

	// DB側のデフォルト値（created_at等）を反映するため読み直す
	p, err = m.profiles.FindByID(ctx, sess.User.ID)
	if err != nil || p == nil {
		return def, nil
	}
	return p, nil
}

// RefreshProfile はProfileを再取得する。セッションがない場合はErrNoSessionを返し、状態は変えない。
func (m *Machine) RefreshProfile(ctx context.Context) error {
	sess := m.currentSession()
	if sess == nil {
		return ErrNoSession
	}

	t := m.begin("refresh_profile", false, nil)
	p, err := m.profiles.FindByID(supabase.WithAccessToken(ctx, sess.AccessToken), sess.User.ID)
	if err != nil {
		apiErr := toAPIError(err)
		if !m.commit(t, err, func(st *state) { st.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}

	if !m.commit(t, nil, func(st *state) {
		if p != nil {
			st.profile = p
		}
	}) {
		return ErrSuperseded
	}
	if p != nil {
		m.persistProfile(ctx, p)
	}
	return nil
}

// IncrementRecipeCount はレシピ抽出成功後に利用回数を1加算し、Profileを再取得する。
// 加算結果はProfileの再取得に失敗しても手元のスナップショットに反映する。
func (m *Machine) IncrementRecipeCount(ctx context.Context) (int, error) {
	sess := m.currentSession()
	if sess == nil {
		return 0, ErrNoSession
	}

	start := m.now()
	count, err := m.profiles.IncrementRecipeCount(supabase.WithAccessToken(ctx, sess.AccessToken), sess.User.ID)
	m.metrics.RecordOperation(machineName, "increment_recipe_count", err, m.now().Sub(start))
	if err != nil {
		return 0, fmt.Errorf("increment recipe count: %w", err)
	}

	var updated *model.Profile
	m.mu.Lock()
	if m.st.profile != nil && m.st.session != nil && m.st.session.User.ID == sess.User.ID {
		m.st.profile.MonthlyRecipeCount = count
		p := *m.st.profile
		updated = &p
	}
	m.mu.Unlock()
	if updated != nil {
		m.persistProfile(ctx, updated)
		m.notify()
	}

	if err := m.RefreshProfile(ctx); err != nil {
		m.logger.Warn("profile refresh after increment failed", slog.String("error", err.Error()))
	}
	return count, nil
}

func (m *Machine) persistSession(ctx context.Context, sess *model.Session) {
	if err := m.store.SaveSession(ctx, sess); err != nil {
		m.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
}

func (m *Machine) persistProfile(ctx context.Context, p *model.Profile) {
	if err := m.store.SaveProfile(ctx, p); err != nil {
		m.logger.Warn("failed to persist profile", slog.String("error", err.Error()))
	}
}

// cachedProfile はオフライン時に使う、最後に保存したProfileを返す。
// 別ユーザーのキャッシュは使わない。
func (m *Machine) cachedProfile(ctx context.Context, userID string) *model.Profile {
	p, err := m.store.LoadProfile(ctx)
	if err != nil {
		m.logger.Warn("failed to load cached profile", slog.String("error", err.Error()))
		return nil
	}
	if p == nil || p.ID != userID {
		return nil
	}
	return p
}
