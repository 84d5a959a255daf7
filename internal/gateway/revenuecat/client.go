// Package revenuecat は購入台帳（RevenueCat REST API v1）のクライアントを提供する。
// SDKが端末内で行う処理のうち、エンタイトルメント取得・レシート送信・
// オファリング参照をHTTPで行う。
package revenuecat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// DefaultBaseURL はRevenueCat APIのベースURL。
const DefaultBaseURL = "https://api.revenuecat.com"

// ErrPackageNotFound は現在のオファリングに該当パッケージがない場合のエラー。
var ErrPackageNotFound = errors.New("revenuecat: package not found in current offering")

// Config はClientの設定。
type Config struct {
	BaseURL    string
	APIKey     string
	Platform   string // "ios" | "android"
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client はRevenueCatの公開APIキーで購入台帳を参照する。
type Client struct {
	baseURL    string
	apiKey     string
	platform   string
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New はClientを生成する。
func New(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("revenuecat API key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     cfg.APIKey,
		platform:   cfg.Platform,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// GetEntitlements はアプリユーザーの現在有効なエンタイトルメント集合を返す。
func (c *Client) GetEntitlements(ctx context.Context, appUserID string) (model.EntitlementSet, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/subscribers/"+url.PathEscape(appUserID), nil)
	if err != nil {
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return ActiveEntitlements(body, c.now()), nil
}

// Receipt はストアで完了した購入のレシート。
type Receipt struct {
	AppUserID  string `json:"app_user_id"`
	FetchToken string `json:"fetch_token"`
	ProductID  string `json:"product_id,omitempty"`
}

// PostReceipt はストアのレシートを台帳に登録し、登録後の有効なエンタイトルメントを返す。
// 購入の完了と購入の復元の両方で使う。
func (c *Client) PostReceipt(ctx context.Context, r Receipt) (model.EntitlementSet, error) {
	body, err := c.do(ctx, http.MethodPost, "/v1/receipts", r)
	if err != nil {
		return nil, fmt.Errorf("post receipt: %w", err)
	}
	return ActiveEntitlements(body, c.now()), nil
}

// Package はオファリング内の購入可能パッケージ。
type Package struct {
	Identifier string
	ProductID  string
}

// FindPackage は現在のオファリングから識別子にkeywordを含むパッケージを探す。
func (c *Client) FindPackage(ctx context.Context, appUserID, keyword string) (*Package, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/subscribers/"+url.PathEscape(appUserID)+"/offerings", nil)
	if err != nil {
		return nil, fmt.Errorf("get offerings: %w", err)
	}

	current := gjson.GetBytes(body, "current_offering_id").String()
	var found *Package
	gjson.GetBytes(body, "offerings").ForEach(func(_, offering gjson.Result) bool {
		if current != "" && offering.Get("identifier").String() != current {
			return true
		}
		offering.Get("packages").ForEach(func(_, p gjson.Result) bool {
			id := p.Get("identifier").String()
			if strings.Contains(strings.ToLower(id), strings.ToLower(keyword)) {
				found = &Package{
					Identifier: id,
					ProductID:  p.Get("platform_product_identifier").String(),
				}
				return false
			}
			return true
		})
		return found == nil
	})

	if found == nil {
		return nil, ErrPackageNotFound
	}
	return found, nil
}

// ActiveEntitlements はsubscriber応答から有効なエンタイトルメントを取り出す。
// expires_dateがnull（買い切り）または未来日時のものを有効とみなす。
func ActiveEntitlements(body []byte, now time.Time) model.EntitlementSet {
	set := model.EntitlementSet{}
	gjson.GetBytes(body, "subscriber.entitlements").ForEach(func(key, value gjson.Result) bool {
		ent := model.Entitlement{
			Identifier: key.String(),
			ProductID:  value.Get("product_identifier").String(),
		}
		expires := value.Get("expires_date")
		if expires.Exists() && expires.Type != gjson.Null {
			t, err := time.Parse(time.RFC3339, expires.String())
			if err != nil || !t.After(now) {
				return true
			}
			t = t.UTC()
			ent.ExpiresAt = &t
		}
		set[ent.Identifier] = ent
		return true
	})
	return set
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if c.platform != "" {
		req.Header.Set("X-Platform", c.platform)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("revenuecat request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := gjson.GetBytes(respBody, "message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn("revenuecat request failed",
			slog.String("method", method),
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, fmt.Errorf("revenuecat returned status %d: %s", resp.StatusCode, msg)
	}

	return respBody, nil
}
