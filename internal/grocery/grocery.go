// Package grocery はレシピの材料から買い物リストを組み立てる。
package grocery

import (
	"strings"

	"github.com/google/uuid"

	"github.com/hitoshi/pantrypilot/internal/ingredient"
	"github.com/hitoshi/pantrypilot/internal/model"
)

// defaultCategory は分類が不明な品目のカテゴリ。
const defaultCategory = "other"

// RecipeIngredients は買い物リストの元になる1レシピ分の材料。
type RecipeIngredients struct {
	RecipeID    string             `json:"recipe_id"`
	Ingredients []model.Ingredient `json:"ingredients"`
}

// Builder は買い物リストを組み立てる。
type Builder struct {
	threshold int
	newID     func() string
}

// NewBuilder はBuilderを生成する。thresholdが0以下の場合は既定の類似度を使う。
func NewBuilder(threshold int) *Builder {
	if threshold <= 0 {
		threshold = ingredient.DefaultSimilarityThreshold
	}
	return &Builder{threshold: threshold, newID: uuid.NewString}
}

// BuildList は複数レシピの材料を統合し、パントリーにある品目を除いた買い物リストを返す。
// 品目には新しいIDが割り当てられ、未チェックの状態で返る。
func (b *Builder) BuildList(recipes []RecipeIngredients, pantry []model.PantryItem) []model.GroceryItem {
	type sourced struct {
		model.Ingredient
		recipeID string
	}

	var merged []sourced
	for _, r := range recipes {
		for _, ing := range ingredient.Dedupe(r.Ingredients, b.threshold) {
			found := false
			for i := range merged {
				if merged[i].Unit == ing.Unit && ingredient.Similar(merged[i].Item, ing.Item, b.threshold) {
					merged[i].Quantity += ing.Quantity
					found = true
					break
				}
			}
			if !found {
				merged = append(merged, sourced{Ingredient: ing, recipeID: r.RecipeID})
			}
		}
	}

	items := make([]model.GroceryItem, 0, len(merged))
	for _, m := range merged {
		if b.inPantry(m.Item, pantry) {
			continue
		}
		items = append(items, model.GroceryItem{
			ID:       b.newID(),
			Name:     m.Item,
			Quantity: m.Quantity,
			Unit:     m.Unit,
			Category: defaultCategory,
			RecipeID: m.recipeID,
		})
	}
	return items
}

func (b *Builder) inPantry(name string, pantry []model.PantryItem) bool {
	for _, p := range pantry {
		if strings.TrimSpace(p.Name) == "" {
			continue
		}
		if ingredient.Similar(p.Name, name, b.threshold) {
			return true
		}
	}
	return false
}

// Toggle は指定IDの品目のチェック状態を反転する。見つからない場合はfalseを返す。
func Toggle(items []model.GroceryItem, id string) bool {
	for i := range items {
		if items[i].ID == id {
			items[i].Checked = !items[i].Checked
			return true
		}
	}
	return false
}

// Remove は指定IDの品目を除いたリストを返す。
func Remove(items []model.GroceryItem, id string) []model.GroceryItem {
	out := make([]model.GroceryItem, 0, len(items))
	for _, it := range items {
		if it.ID != id {
			out = append(out, it)
		}
	}
	return out
}
