package recipeinput

import (
	"errors"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// ErrQuotaExceeded は無料枠の月間上限に達していることを表す。
// 通常のエラーとは区別し、UIはアップグレード導線を表示する。
var ErrQuotaExceeded = errors.New("monthly recipe quota exceeded")

// QuotaContext は送信時のクォータ判定に使う入力。
// 呼び出し側がエンタイトルメントとProfileのスナップショットから組み立てて渡す。
type QuotaContext struct {
	Flags        model.EntitlementFlags
	MonthlyCount int
	// Limit は無料プランの月間上限。0以下の場合はDefaultFreeMonthlyLimitを使う。
	Limit int
}

// CheckQuota は抽出を実行してよいかを判定する。
// isPlusまたはisProのいずれかが立っていれば常に許可する。
func CheckQuota(flags model.EntitlementFlags, count, limit int) error {
	if flags.Paid() {
		return nil
	}
	if count >= effectiveLimit(limit) {
		return ErrQuotaExceeded
	}
	return nil
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return model.DefaultFreeMonthlyLimit
	}
	return limit
}

// Usage は利用状況バナー用の集計値。
type Usage struct {
	Count     int  `json:"count"`
	Limit     int  `json:"limit"`
	Unlimited bool `json:"unlimited"`
	Reached   bool `json:"reached"`
}

// UsageFor はクォータ入力から利用状況を返す。有料プランではLimitは0でUnlimitedが立つ。
func UsageFor(qc QuotaContext) Usage {
	if qc.Flags.Paid() {
		return Usage{Count: qc.MonthlyCount, Unlimited: true}
	}
	limit := effectiveLimit(qc.Limit)
	return Usage{
		Count:   qc.MonthlyCount,
		Limit:   limit,
		Reached: qc.MonthlyCount >= limit,
	}
}
