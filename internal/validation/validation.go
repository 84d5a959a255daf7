// Package validation はネットワーク呼び出し前に行うローカル入力検証を提供する。
// 検証エラーはすべてフィールド付きの*model.APIErrorとして返し、リモートには送らない。
package validation

import (
	"net"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/security"
)

const (
	// MinPasswordLength はパスワードの最小文字数。
	MinPasswordLength = 6
	// MinRecipeTextLength はトリム後のレシピテキストの最小文字数。
	MinRecipeTextLength = 20
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// URLとして扱う動画・SNSホスト。スキームなしで貼り付けられることが多い。
var videoHosts = []string{
	"youtube.com",
	"youtu.be",
	"tiktok.com",
	"instagram.com",
}

var urlGuard security.URLGuard = security.NewURLGuard()

// ValidateEmail はメールアドレスの形式を検証する。
func ValidateEmail(email string) error {
	if !emailPattern.MatchString(email) {
		return model.NewInvalidEmailError()
	}
	return nil
}

// ValidatePassword はパスワードが最小文字数を満たすかを検証する。
func ValidatePassword(password string) error {
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return model.NewWeakPasswordError(MinPasswordLength)
	}
	return nil
}

// ValidateRecipeText はトリム後のテキストが最小文字数を満たすかを検証する。
func ValidateRecipeText(text string) error {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < MinRecipeTextLength {
		return model.NewTextTooShortError(MinRecipeTextLength)
	}
	return nil
}

// NormalizeRecipeURL はレシピURLを正規化して返す。
// スキームのない値にはhttps://を付与する。ホストは登録可能なドメインか
// 公開IPアドレスでなければならない。
func NormalizeRecipeURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", model.NewInvalidURLError("empty URL")
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		if strings.Contains(trimmed, "://") {
			return "", model.NewInvalidURLError("only http and https links are supported")
		}
		trimmed = "https://" + trimmed
	}

	parsed, err := url.Parse(trimmed)
	if err != nil {
		return "", model.NewInvalidURLError("malformed URL")
	}
	host := parsed.Hostname()
	if host == "" {
		return "", model.NewInvalidURLError("missing host")
	}

	if net.ParseIP(host) == nil {
		if _, err := publicsuffix.EffectiveTLDPlusOne(strings.ToLower(host)); err != nil {
			return "", model.NewInvalidURLError("host is not a public domain")
		}
	}

	if err := urlGuard.ValidateURL(trimmed); err != nil {
		return "", model.NewInvalidURLError("address is not allowed")
	}

	return parsed.String(), nil
}

// LooksLikeURL は貼り付けられた文字列をURL入力として扱うべきかを判定する。
func LooksLikeURL(s string) bool {
	lower := strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		return true
	}
	if strings.ContainsAny(lower, " \n\t") {
		return false
	}
	if strings.HasPrefix(lower, "www.") {
		return true
	}
	for _, h := range videoHosts {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// ValidateImage は画像参照とMIMEタイプを検証する。
// http(s)の参照はURL検証も行う。MIMEタイプは指定時のみimage/*であることを確認する。
func ValidateImage(uri, mimeType string) error {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Please choose a photo")
	}
	if mimeType != "" && !strings.HasPrefix(strings.ToLower(mimeType), "image/") {
		return model.NewValidationError(model.ErrCodeInvalidImage, "mime_type", "Only image files are supported")
	}
	lower := strings.ToLower(uri)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
		if err := urlGuard.ValidateURL(uri); err != nil {
			return model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Image address is not allowed")
		}
	}
	return nil
}

// ValidateRawInput は入力の形状のみを検証し、正規化済みの入力を返す。
// テキストはトリムされ、URLは正規化される。
func ValidateRawInput(in model.RawInput) (model.RawInput, error) {
	switch in.Type {
	case model.InputText:
		if strings.TrimSpace(in.Content) == "" {
			return in, model.NewValidationError(model.ErrCodeEmptyInput, "content",
				"Please enter a URL, paste recipe text, or take a photo.")
		}
		if err := ValidateRecipeText(in.Content); err != nil {
			return in, err
		}
		return model.RawInput{Type: model.InputText, Content: strings.TrimSpace(in.Content)}, nil
	case model.InputURL:
		normalized, err := NormalizeRecipeURL(in.Content)
		if err != nil {
			return in, err
		}
		return model.RawInput{Type: model.InputURL, Content: normalized}, nil
	case model.InputImage:
		if err := ValidateImage(in.URI, in.MimeType); err != nil {
			return in, err
		}
		return model.RawInput{Type: model.InputImage, URI: strings.TrimSpace(in.URI), MimeType: in.MimeType}, nil
	default:
		return in, model.NewValidationError(model.ErrCodeEmptyInput, "type",
			"Please enter a URL, paste recipe text, or take a photo.")
	}
}
