// Package extraction は外部AIサービスによるレシピ抽出のクライアントを提供する。
// テキスト・URLはそのまま送り、画像は参照先を読み込んでbase64で送る。
package extraction

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/security"
)

// ErrNotConfigured は抽出サービスのURLが設定されていない場合に返される。
var ErrNotConfigured = errors.New("extraction: service URL is not configured")

// extractPath は抽出エンドポイントのパス。
const extractPath = "/v1/extract"

// Config はClientの設定。
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	ImageMaxSize int64
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client は抽出サービスへのHTTPクライアント。
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	images     *imageLoader
	logger     *slog.Logger
}

// New はClientを生成する。画像参照の取得にはguardのSSRF防止クライアントを使う。
func New(cfg Config, guard security.URLGuard) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		images:     newImageLoader(guard, timeout, cfg.ImageMaxSize),
		logger:     logger,
	}
}

// request は抽出リクエストのボディ。
type request struct {
	RequestID string        `json:"request_id"`
	Type      string        `json:"type"`
	Content   string        `json:"content,omitempty"`
	Image     *imagePayload `json:"image,omitempty"`
}

type imagePayload struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}

// Extract は入力を抽出サービスに送り、構造化レシピを返す。
// サービスが入力を読み取れなかった場合（422）はサービスのメッセージを持つAPIErrorを返す。
func (c *Client) Extract(ctx context.Context, in model.RawInput) (*model.ExtractionResult, error) {
	if c.baseURL == "" {
		return nil, ErrNotConfigured
	}

	req := request{
		RequestID: uuid.NewString(),
		Type:      string(in.Type),
		Content:   in.Content,
	}
	if in.Type == model.InputImage {
		data, mimeType, err := c.images.Load(ctx, in.URI, in.MimeType)
		if err != nil {
			return nil, err
		}
		req.Image = &imagePayload{
			Data:     base64.StdEncoding.EncodeToString(data),
			MimeType: mimeType,
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal extraction request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+extractPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Request-ID", req.RequestID)
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("extraction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read extraction response: %w", err)
	}

	c.logger.Info("extraction request completed",
		slog.String("request_id", req.RequestID),
		slog.String("type", req.Type),
		slog.Int("http_status", resp.StatusCode),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, model.NewExtractionFailedError(serviceMessage(respBody, "the input could not be read as a recipe"))
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("extraction service returned status %d: %s",
			resp.StatusCode, serviceMessage(respBody, http.StatusText(resp.StatusCode)))
	}

	var result model.ExtractionResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode extraction result: %w", err)
	}
	if len(result.Ingredients) == 0 && len(result.Steps) == 0 {
		return nil, model.NewExtractionFailedError("no recipe was found in the input")
	}
	return &result, nil
}

// serviceMessage はエラーレスポンスからメッセージを取り出す。
func serviceMessage(body []byte, fallback string) string {
	for _, path := range []string{"error.message", "message", "error"} {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return v.String()
		}
	}
	return fallback
}
