// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ（UIにそのまま表示する）
	Category string // カテゴリ: validation, auth, entitlement, quota, system
	Action   string // ユーザー向け対処方法
	Field    string // バリデーションエラーの対象フィールド（該当しない場合は空）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidEmail     = "INVALID_EMAIL"
	ErrCodeWeakPassword     = "WEAK_PASSWORD"
	ErrCodeTextTooShort     = "TEXT_TOO_SHORT"
	ErrCodeInvalidURL       = "INVALID_URL"
	ErrCodeInvalidImage     = "INVALID_IMAGE"
	ErrCodeEmptyInput       = "EMPTY_INPUT"
	ErrCodeNoStagedInput    = "NO_STAGED_INPUT"
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeOffline          = "OFFLINE"
	ErrCodeNotAuthenticated = "NOT_AUTHENTICATED"
	ErrCodeQuotaExceeded    = "QUOTA_EXCEEDED"
	ErrCodeExtractionFailed = "EXTRACTION_FAILED"
	ErrCodeUnknownTier      = "UNKNOWN_TIER"
	ErrCodeEntitlement      = "ENTITLEMENT_FAILED"
	ErrCodeNotFound         = "NOT_FOUND"
)

// カテゴリ
const (
	CategoryValidation  = "validation"
	CategoryAuth        = "auth"
	CategoryEntitlement = "entitlement"
	CategoryQuota       = "quota"
	CategorySystem      = "system"
)

// NewValidationError はフィールド単位のバリデーションエラーを生成する。
func NewValidationError(code, field, message string) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		Category: CategoryValidation,
		Action:   "Please correct the highlighted field.",
		Field:    field,
	}
}

// NewNotFoundError は指定IDの項目が存在しない場合のエラーを生成する。
func NewNotFoundError(resource, id string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("%s %q was not found", resource, id),
		Category: CategoryValidation,
		Action:   "Please reload the list and try again.",
	}
}

// NewInvalidEmailError はメールアドレス形式エラーを生成する。
func NewInvalidEmailError() *APIError {
	return NewValidationError(ErrCodeInvalidEmail, "email", "Please enter a valid email address")
}

// NewWeakPasswordError はパスワード強度エラーを生成する。
func NewWeakPasswordError(minLength int) *APIError {
	return NewValidationError(ErrCodeWeakPassword, "password",
		fmt.Sprintf("Password must be at least %d characters", minLength))
}

// NewTextTooShortError はレシピテキストが短すぎる場合のエラーを生成する。
func NewTextTooShortError(minLength int) *APIError {
	return NewValidationError(ErrCodeTextTooShort, "content",
		fmt.Sprintf("Recipe text is too short (minimum %d characters)", minLength))
}

// NewInvalidURLError は無効なURLエラーを生成する。
func NewInvalidURLError(reason string) *APIError {
	return NewValidationError(ErrCodeInvalidURL, "content", fmt.Sprintf("Please enter a valid URL: %s", reason))
}

// NewAuthError は認証ゲートウェイのエラーメッセージをそのまま保持するエラーを生成する。
func NewAuthError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeAuthFailed,
		Message:  message,
		Category: CategoryAuth,
		Action:   "Check your credentials and try again.",
	}
}

// NewOfflineError はゲートウェイに到達できない場合のエラーを生成する。
func NewOfflineError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeOffline,
		Message:  message,
		Category: CategorySystem,
		Action:   "Check your connection and try again.",
	}
}

// NewNotAuthenticatedError は未ログイン状態での操作エラーを生成する。
func NewNotAuthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeNotAuthenticated,
		Message:  "You need to sign in first.",
		Category: CategoryAuth,
		Action:   "Sign in and try again.",
	}
}

// NewQuotaExceededError は無料枠の上限到達を表すエラーを生成する。
// UIはエラーバナーではなくアップグレード導線を表示する。
func NewQuotaExceededError(count, limit int) *APIError {
	return &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  fmt.Sprintf("Free limit reached (%d/%d)", count, limit),
		Category: CategoryQuota,
		Action:   "Upgrade for unlimited recipes and premium features.",
	}
}

// NewEntitlementError は購入台帳の操作失敗エラーを生成する。
func NewEntitlementError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeEntitlement,
		Message:  message,
		Category: CategoryEntitlement,
		Action:   "Please try again later.",
	}
}

// NewUnknownTierError は購入対象のプランが不明な場合のエラーを生成する。
func NewUnknownTierError(tier string) *APIError {
	return NewValidationError(ErrCodeUnknownTier, "tier", fmt.Sprintf("Unknown plan: %q", tier))
}

// NewExtractionFailedError はレシピ抽出失敗エラーを生成する。
func NewExtractionFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeExtractionFailed,
		Message:  fmt.Sprintf("Recipe extraction failed: %s", reason),
		Category: CategorySystem,
		Action:   "Your input was kept. Please try again in a moment.",
	}
}
