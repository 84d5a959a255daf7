package revenuecat

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// WebhookEvent はRevenueCatからプッシュされるエンタイトルメント変更イベント。
type WebhookEvent struct {
	ID             string
	Type           string
	AppUserID      string
	EntitlementIDs []string
	ProductID      string
	ExpiresAt      *time.Time
}

// ParseWebhook はWebhookのボディをパースする。
// エンタイトルメントの確定値はイベントに含まれないため、受信側はsubscriberを再取得する。
func ParseWebhook(body []byte) (*WebhookEvent, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("invalid webhook payload")
	}
	event := gjson.GetBytes(body, "event")
	if !event.Exists() {
		return nil, fmt.Errorf("webhook payload has no event")
	}

	ev := &WebhookEvent{
		ID:        event.Get("id").String(),
		Type:      event.Get("type").String(),
		AppUserID: event.Get("app_user_id").String(),
		ProductID: event.Get("product_id").String(),
	}
	if ev.Type == "" || ev.AppUserID == "" {
		return nil, fmt.Errorf("webhook event is missing type or app_user_id")
	}

	for _, id := range event.Get("entitlement_ids").Array() {
		ev.EntitlementIDs = append(ev.EntitlementIDs, id.String())
	}
	if ms := event.Get("expiration_at_ms"); ms.Exists() && ms.Type == gjson.Number {
		t := time.UnixMilli(ms.Int()).UTC()
		ev.ExpiresAt = &t
	}
	return ev, nil
}
