package model

// InputType はステージ中の入力の種別。
type InputType string

const (
	// InputText は貼り付けられたレシピテキスト。
	InputText InputType = "text"
	// InputURL はレシピページのURL。
	InputURL InputType = "url"
	// InputImage は写真などの画像参照。
	InputImage InputType = "image"
)

// RawInput は送信前の1件のレシピ入力を表すタグ付き値。
// InputText/InputURLではContent、InputImageではURIとMimeTypeを使う。
type RawInput struct {
	Type     InputType `json:"type"`
	Content  string    `json:"content,omitempty"`
	URI      string    `json:"uri,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
}

// HistoryValue は入力履歴に記録する値を返す。画像入力は履歴対象外のため空を返す。
func (in RawInput) HistoryValue() string {
	switch in.Type {
	case InputText, InputURL:
		return in.Content
	default:
		return ""
	}
}

// Ingredient はレシピの材料1件。
type Ingredient struct {
	Item     string  `json:"item"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Notes    string  `json:"notes,omitempty"`
}

// Step は調理手順1件。
type Step struct {
	Order         int    `json:"order"`
	Instruction   string `json:"instruction"`
	Duration      int    `json:"duration,omitempty"`
	TimerRequired bool   `json:"timerRequired,omitempty"`
}

// ExtractionResult は外部AIサービスが返す構造化レシピ。
type ExtractionResult struct {
	Title       string       `json:"title,omitempty"`
	Ingredients []Ingredient `json:"ingredients"`
	Steps       []Step       `json:"steps"`
	Servings    int          `json:"servings,omitempty"`
	PrepTime    int          `json:"prepTime,omitempty"`
	CookTime    int          `json:"cookTime,omitempty"`
	Confidence  float64      `json:"confidence"`
}

// PantryItem はパントリー在庫1件。
type PantryItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity,omitempty"`
	Unit     string  `json:"unit,omitempty"`
	Category string  `json:"category,omitempty"`
}

// GroceryItem は買い物リストの1行。
type GroceryItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Unit     string  `json:"unit"`
	Category string  `json:"category"`
	Checked  bool    `json:"checked"`
	RecipeID string  `json:"recipe_id,omitempty"`
}
