// Package auth はOAuthリダイレクトのコールバック解析を提供する。
//
// 認証ゲートウェイはブラウザでの認可完了後、アプリのリダイレクトURLに
// 認可コード（?code=）またはトークン（#access_token=）を付けて戻す。
package auth

import (
	"fmt"
	"net/url"
	"strconv"
)

// CallbackKind はコールバックURLの種類。
type CallbackKind int

const (
	// CallbackNone はコードもトークンも含まれないコールバック。
	CallbackNone CallbackKind = iota
	// CallbackCode は認可コードを含むコールバック（PKCE交換が必要）。
	CallbackCode
	// CallbackTokens はフラグメントでトークンが直接渡されたコールバック。
	CallbackTokens
	// CallbackCancelled はユーザーが認可画面で拒否またはキャンセルしたコールバック。
	CallbackCancelled
	// CallbackError はプロバイダがエラーを返したコールバック。
	CallbackError
)

func (k CallbackKind) String() string {
	switch k {
	case CallbackCode:
		return "code"
	case CallbackTokens:
		return "tokens"
	case CallbackCancelled:
		return "cancelled"
	case CallbackError:
		return "error"
	default:
		return "none"
	}
}

// Callback はコールバックURLの解析結果。
type Callback struct {
	Kind         CallbackKind
	Code         string
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresIn    int
	ExpiresAt    int64
	// Error はプロバイダのerror_description（なければerror）。
	Error string
}

// ParseCallback はリダイレクトURLのクエリとフラグメントを解析する。
// クエリとフラグメントの両方に値がある場合はクエリを優先する。
func ParseCallback(raw string) (*Callback, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid callback URL: %w", err)
	}

	query := u.Query()
	fragment, err := url.ParseQuery(u.Fragment)
	if err != nil {
		return nil, fmt.Errorf("invalid callback fragment: %w", err)
	}

	get := func(key string) string {
		if v := query.Get(key); v != "" {
			return v
		}
		return fragment.Get(key)
	}

	if e := get("error"); e != "" {
		if e == "access_denied" {
			return &Callback{Kind: CallbackCancelled}, nil
		}
		msg := get("error_description")
		if msg == "" {
			msg = e
		}
		return &Callback{Kind: CallbackError, Error: msg}, nil
	}

	if code := query.Get("code"); code != "" {
		return &Callback{Kind: CallbackCode, Code: code}, nil
	}

	access, refresh := get("access_token"), get("refresh_token")
	if access != "" && refresh != "" {
		cb := &Callback{
			Kind:         CallbackTokens,
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    get("token_type"),
		}
		cb.ExpiresIn, _ = strconv.Atoi(get("expires_in"))
		cb.ExpiresAt, _ = strconv.ParseInt(get("expires_at"), 10, 64)
		return cb, nil
	}

	return &Callback{Kind: CallbackNone}, nil
}
