package model

import (
	"math"
	"sort"
	"time"
)

// 既知のエンタイトルメント識別子
const (
	EntitlementPlus = "plus"
	EntitlementPro  = "pro"
)

// EntitlementSet は現在有効なエンタイトルメント識別子の集合。
type EntitlementSet map[string]Entitlement

// Entitlement は購入台帳上の1件の有効な付与を表す。
type Entitlement struct {
	Identifier string     `json:"identifier"`
	ProductID  string     `json:"product_identifier,omitempty"`
	ExpiresAt  *time.Time `json:"expires_date,omitempty"`
}

// Has は指定識別子が集合に含まれるかを返す。
func (s EntitlementSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// IDs は識別子をソート済みで返す。
func (s EntitlementSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EntitlementFlags は集合から導出される権限フラグ。
// IsPlusとIsProは独立したフラグであり、階層関係を仮定しない。
type EntitlementFlags struct {
	IsPlus bool `json:"is_plus"`
	IsPro  bool `json:"is_pro"`
}

// FlagsFromSet は集合の所属からフラグを導出する。
func FlagsFromSet(s EntitlementSet) EntitlementFlags {
	return EntitlementFlags{
		IsPlus: s.Has(EntitlementPlus),
		IsPro:  s.Has(EntitlementPro),
	}
}

// Paid はいずれかの有料エンタイトルメントを保持しているかを返す。
func (f EntitlementFlags) Paid() bool {
	return f.IsPlus || f.IsPro
}

// Unlimited はレシピ数無制限を表す上限値。
const Unlimited = math.MaxInt

// TierLimits はプランごとの機能制限。
type TierLimits struct {
	RecipesPerMonth     int  `json:"recipes_per_month"`
	MultiRecipeMerge    bool `json:"multi_recipe_merge"`
	Substitutions       bool `json:"substitutions"`
	NutritionalAnalysis bool `json:"nutritional_analysis"`
	WeeklyAIPlans       bool `json:"weekly_ai_plans"`
}

// DefaultFreeMonthlyLimit は無料プランの月間レシピ抽出上限。
const DefaultFreeMonthlyLimit = 5

// tierLimits はプラン別の制限表。
var tierLimits = map[Tier]TierLimits{
	TierFree: {
		RecipesPerMonth: DefaultFreeMonthlyLimit,
	},
	TierPlus: {
		RecipesPerMonth:  Unlimited,
		MultiRecipeMerge: true,
		Substitutions:    true,
	},
	TierPro: {
		RecipesPerMonth:     Unlimited,
		MultiRecipeMerge:    true,
		Substitutions:       true,
		NutritionalAnalysis: true,
		WeeklyAIPlans:       true,
	},
}

// LimitsFor はフラグに対応する機能制限を返す。
// 両方のフラグが立っている場合はより広い方（pro）の表を返す。
func LimitsFor(f EntitlementFlags) TierLimits {
	switch {
	case f.IsPro:
		return tierLimits[TierPro]
	case f.IsPlus:
		return tierLimits[TierPlus]
	default:
		return tierLimits[TierFree]
	}
}
