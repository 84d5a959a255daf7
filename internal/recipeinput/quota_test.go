package recipeinput

import (
	"errors"
	"testing"

	"github.com/hitoshi/pantrypilot/internal/model"
)

func TestCheckQuota(t *testing.T) {
	tests := []struct {
		name    string
		flags   model.EntitlementFlags
		count   int
		limit   int
		wantErr bool
	}{
		{name: "free under limit", count: 4, limit: 5},
		{name: "free at limit", count: 5, limit: 5, wantErr: true},
		{name: "free over limit", count: 9, limit: 5, wantErr: true},
		{name: "plus at limit", flags: model.EntitlementFlags{IsPlus: true}, count: 5, limit: 5},
		{name: "pro far over limit", flags: model.EntitlementFlags{IsPro: true}, count: 500, limit: 5},
		{name: "zero limit uses default", count: model.DefaultFreeMonthlyLimit, limit: 0, wantErr: true},
		{name: "custom limit", count: 5, limit: 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQuota(tt.flags, tt.count, tt.limit)
			if tt.wantErr {
				if !errors.Is(err, ErrQuotaExceeded) {
					t.Errorf("CheckQuota() = %v, want ErrQuotaExceeded", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckQuota() = %v, want nil", err)
			}
		})
	}
}

func TestUsageFor(t *testing.T) {
	u := UsageFor(QuotaContext{MonthlyCount: 5, Limit: 5})
	if u.Count != 5 || u.Limit != 5 || !u.Reached || u.Unlimited {
		t.Errorf("free usage = %+v", u)
	}

	u = UsageFor(QuotaContext{MonthlyCount: 2})
	if u.Limit != model.DefaultFreeMonthlyLimit || u.Reached {
		t.Errorf("default usage = %+v", u)
	}

	u = UsageFor(QuotaContext{Flags: model.EntitlementFlags{IsPlus: true}, MonthlyCount: 40, Limit: 5})
	if !u.Unlimited || u.Reached || u.Limit != 0 {
		t.Errorf("paid usage = %+v", u)
	}
}
