// Package supabase は認証ゲートウェイ（Supabase Auth / PostgREST）のRESTクライアントを提供する。
package supabase

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
)

// ErrUnreachable はゲートウェイに到達できなかったことを表す。
// オフライン判定に使用する。
var ErrUnreachable = errors.New("supabase: gateway unreachable")

// defaultTimeout はHTTPクライアント未指定時のタイムアウト。
const defaultTimeout = 15 * time.Second

// Error はゲートウェイが返したエラー応答。
// MessageはUIにそのまま表示できる文言を保持する。
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return e.Message
}

// Config はClientの設定。
type Config struct {
	URL        string
	AnonKey    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client はSupabaseのAuth/RESTエンドポイントを呼び出す。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New はClientを生成する。
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase URL is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("supabase anon key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// BaseURL はプロジェクトURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

type tokenContextKey struct{}

// WithAccessToken はRLS評価に使うユーザーのアクセストークンをcontextに設定する。
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenContextKey{}, token)
}

// AccessTokenFromContext はcontextからアクセストークンを取り出す。
func AccessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(tokenContextKey{}).(string)
	return token
}

// request はゲートウェイへの1回のHTTPリクエストを表す。
type request struct {
	method  string
	path    string
	query   url.Values
	body    any
	token   string
	headers map[string]string
}

// do はリクエストを送信し、2xxの場合のみボディを返す。
// 通信エラーはErrUnreachable、非2xxは*Errorとして返す。
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	endpoint := c.baseURL + r.path
	if len(r.query) > 0 {
		endpoint += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	token := r.token
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %w", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := parseError(resp.StatusCode, respBody)
		c.logger.Debug("supabase request failed",
			slog.String("method", r.method),
			slog.String("path", r.path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
		)
		return nil, apiErr
	}

	return respBody, nil
}

// parseError はGoTrue/PostgRESTのエラーボディからメッセージを取り出す。
// GoTrueは {"msg"} または {"error_description"}、PostgRESTは {"message"} を返す。
func parseError(status int, body []byte) *Error {
	apiErr := &Error{StatusCode: status}

	if gjson.ValidBytes(body) {
		results := gjson.GetManyBytes(body, "msg", "error_description", "message", "error")
		for _, r := range results {
			if r.Type == gjson.String && r.String() != "" {
				apiErr.Message = r.String()
				break
			}
		}
		codes := gjson.GetManyBytes(body, "error_code", "code", "error")
		for _, r := range codes {
			if r.Type == gjson.String && r.String() != "" {
				apiErr.Code = r.String()
				break
			}
		}
	}

	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("Request failed with status %d", status)
	}
	return apiErr
}

// IsUnreachable はerrがネットワーク到達不能を表すかを返す。
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrUnreachable)
}

// IsStatus はerrが指定ステータスの*Errorかを返す。
func IsStatus(err error, status int) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}
	return false
}
