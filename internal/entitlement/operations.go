package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/pantrypilot/internal/gateway/revenuecat"
	"github.com/hitoshi/pantrypilot/internal/localstore"
	"github.com/hitoshi/pantrypilot/internal/model"
)

// Fetch は購入台帳から有効なエンタイトルメントを取得する。
// 失敗してもエラーは返さず、キャッシュ済みの値を維持してloadingだけを解除する。
func (m *Machine) Fetch(ctx context.Context) Snapshot {
	start := m.now()
	gen, appUserID := m.begin()

	set, err := m.gateway.GetEntitlements(ctx, appUserID)
	m.metrics.RecordOperation(machineName, "fetch", err, m.now().Sub(start))
	if err != nil {
		m.logger.Warn("failed to fetch entitlements, keeping cached values",
			slog.String("error", err.Error()),
		)
		m.finish(gen, "fetch", nil)
		return m.Snapshot()
	}

	if m.finish(gen, "fetch", func() { m.applySetLocked(set) }) {
		m.persist(ctx)
		m.logger.Info("entitlements fetched", slog.String("entitlements", strings.Join(set.IDs(), ",")))
	}
	return m.Snapshot()
}

// Restore は端末に保存したレシートを台帳に再登録し、その後Fetchで再取得する。
func (m *Machine) Restore(ctx context.Context) error {
	start := m.now()
	gen, appUserID := m.begin()

	receipts, err := m.store.ListReceipts(ctx, appUserID)
	if err == nil {
		for _, r := range receipts {
			if _, postErr := m.gateway.PostReceipt(ctx, revenuecat.Receipt{
				AppUserID:  appUserID,
				FetchToken: r.FetchToken,
				ProductID:  r.ProductID,
			}); postErr != nil {
				err = fmt.Errorf("restore receipt %s: %w", r.ProductID, postErr)
				break
			}
		}
	}
	m.metrics.RecordOperation(machineName, "restore", err, m.now().Sub(start))

	if err != nil {
		apiErr := model.NewEntitlementError("Could not restore purchases. Please try again.")
		m.logger.Warn("restore purchases failed", slog.String("error", err.Error()))
		if !m.finish(gen, "restore", func() { m.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}
	if !m.finish(gen, "restore", nil) {
		return ErrSuperseded
	}

	m.logger.Info("purchases restored", slog.Int("receipts", len(receipts)))
	m.Fetch(ctx)
	return nil
}

// Purchase はストアで完了した購入を台帳に登録する。
// tierに対応するパッケージを現在のオファリングから探し、storeTokenをレシートとして送る。
func (m *Machine) Purchase(ctx context.Context, tier model.Tier, storeToken string) error {
	if tier != model.TierPlus && tier != model.TierPro {
		return model.NewUnknownTierError(string(tier))
	}
	if strings.TrimSpace(storeToken) == "" {
		return model.NewValidationError(model.ErrCodeEntitlement, "store_token", "Store purchase token is required")
	}

	start := m.now()
	gen, appUserID := m.begin()

	set, productID, err := m.purchase(ctx, appUserID, tier, storeToken)
	m.metrics.RecordOperation(machineName, "purchase", err, m.now().Sub(start))
	if err != nil {
		msg := "Purchase could not be completed. Please try again."
		if errors.Is(err, revenuecat.ErrPackageNotFound) {
			msg = fmt.Sprintf("The %s plan is not available right now.", tier)
		}
		apiErr := model.NewEntitlementError(msg)
		m.logger.Warn("purchase failed", slog.String("tier", string(tier)), slog.String("error", err.Error()))
		if !m.finish(gen, "purchase", func() { m.err = apiErr }) {
			return ErrSuperseded
		}
		return apiErr
	}

	if err := m.store.SaveReceipt(ctx, localstore.StoredReceipt{
		FetchToken: storeToken,
		AppUserID:  appUserID,
		ProductID:  productID,
	}); err != nil {
		m.logger.Warn("failed to save receipt", slog.String("error", err.Error()))
	}

	if !m.finish(gen, "purchase", func() { m.applySetLocked(set) }) {
		return ErrSuperseded
	}
	m.persist(ctx)
	m.logger.Info("purchase completed",
		slog.String("tier", string(tier)),
		slog.String("product_id", productID),
	)
	return nil
}

func (m *Machine) purchase(ctx context.Context, appUserID string, tier model.Tier, storeToken string) (model.EntitlementSet, string, error) {
	pkg, err := m.gateway.FindPackage(ctx, appUserID, string(tier))
	if err != nil {
		return nil, "", err
	}
	set, err := m.gateway.PostReceipt(ctx, revenuecat.Receipt{
		AppUserID:  appUserID,
		FetchToken: storeToken,
		ProductID:  pkg.ProductID,
	})
	if err != nil {
		return nil, "", err
	}
	return set, pkg.ProductID, nil
}

// Identify は購入台帳上のユーザーを切り替える。空文字の場合は新しい匿名IDを割り当てる。
// ユーザーが変わった場合は前のユーザーの集合を破棄して再取得する。
// 同じユーザーでも、キャッシュから復元しただけの未確認の値であれば再取得する。
func (m *Machine) Identify(ctx context.Context, userID string) {
	m.mu.Lock()
	if userID == "" && IsAnonymousID(m.appUserID) {
		userID = m.appUserID
	}
	if userID == m.appUserID {
		unconfirmed := m.stale || m.fetchedAt.IsZero()
		m.mu.Unlock()
		if unconfirmed {
			m.Fetch(ctx)
		}
		return
	}
	if userID == "" {
		userID = newAnonymousID()
	}
	m.appUserID = userID
	m.set = model.EntitlementSet{}
	m.stale = true
	m.mu.Unlock()

	m.logger.Info("entitlement user changed", slog.Bool("anonymous", IsAnonymousID(userID)))
	m.notify()
	m.Fetch(ctx)
}

// HandleWebhook は台帳からプッシュされた変更イベントを処理する。
// 現在のユーザー宛てのイベントであれば集合を再取得する。
func (m *Machine) HandleWebhook(ctx context.Context, ev *revenuecat.WebhookEvent) {
	m.mu.Lock()
	current := m.appUserID
	m.mu.Unlock()

	if ev.AppUserID != current {
		m.logger.Debug("webhook for another subscriber ignored", slog.String("type", ev.Type))
		return
	}
	m.logger.Info("entitlement change pushed",
		slog.String("type", ev.Type),
		slog.String("event_id", ev.ID),
	)
	m.Fetch(ctx)
}
