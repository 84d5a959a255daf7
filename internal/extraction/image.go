package extraction

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/security"
)

// defaultImageMaxSize は画像の最大サイズ（10MB）。
const defaultImageMaxSize = 10 << 20

// imageLoader は画像参照（http(s)、data URI、ローカルファイル）を読み込む。
type imageLoader struct {
	guard   security.URLGuard
	client  *http.Client
	maxSize int64
}

func newImageLoader(guard security.URLGuard, timeout time.Duration, maxSize int64) *imageLoader {
	if maxSize <= 0 {
		maxSize = defaultImageMaxSize
	}
	return &imageLoader{
		guard:   guard,
		client:  guard.NewSafeClient(timeout),
		maxSize: maxSize,
	}
}

// Load は画像のバイト列とMIMEタイプを返す。mimeTypeが空の場合は内容から判定する。
func (l *imageLoader) Load(ctx context.Context, uri, mimeType string) ([]byte, string, error) {
	var (
		data []byte
		err  error
	)
	lower := strings.ToLower(uri)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		data, err = l.fetch(ctx, uri)
	case strings.HasPrefix(lower, "data:"):
		data, mimeType, err = decodeDataURI(uri, mimeType)
	default:
		data, err = l.readFile(uri)
	}
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > l.maxSize {
		return nil, "", tooLarge(l.maxSize)
	}

	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, "", model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Only image files are supported")
	}
	return data, mimeType, nil
}

func (l *imageLoader) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := l.guard.ValidateURL(rawURL); err != nil {
		return nil, model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Image address is not allowed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("image download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("image download returned status %d", resp.StatusCode)
	}
	if resp.ContentLength > l.maxSize {
		return nil, tooLarge(l.maxSize)
	}
	return io.ReadAll(io.LimitReader(resp.Body, l.maxSize+1))
}

func (l *imageLoader) readFile(uri string) ([]byte, error) {
	path := uri
	if strings.HasPrefix(strings.ToLower(uri), "file://") {
		u, err := url.Parse(uri)
		if err != nil {
			return nil, model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Image reference is malformed")
		}
		path = u.Path
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Image could not be opened")
	}
	if info.Size() > l.maxSize {
		return nil, tooLarge(l.maxSize)
	}
	return os.ReadFile(path)
}

// decodeDataURI は data:[<mime>][;base64],<data> 形式を展開する。
func decodeDataURI(uri, mimeType string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok || !strings.HasSuffix(header, ";base64") {
		return nil, "", model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Image data must be base64 encoded")
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", model.NewValidationError(model.ErrCodeInvalidImage, "uri", "Image data is malformed")
	}
	if mimeType == "" {
		mimeType = strings.TrimSuffix(header, ";base64")
	}
	return data, mimeType, nil
}

func tooLarge(maxSize int64) error {
	return model.NewValidationError(model.ErrCodeInvalidImage, "uri",
		fmt.Sprintf("Image is too large (maximum %d MB)", maxSize>>20))
}
