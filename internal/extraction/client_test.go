package extraction

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/pantrypilot/internal/model"
)

// stubGuard はテスト用のURLGuard。httptestサーバーはループバックのため、
// SSRF防止クライアントの代わりに素のクライアントを返す。
type stubGuard struct {
	blocked string
}

func (g stubGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (g stubGuard) ValidateURL(rawURL string) error {
	if g.blocked != "" && strings.Contains(rawURL, g.blocked) {
		return errors.New("blocked host")
	}
	return nil
}

// pngHeader はhttp.DetectContentTypeがimage/pngと判定する先頭バイト列。
var pngHeader = []byte("\x89PNG\r\n\x1a\n0000000000")

const resultBody = `{
  "title": "Pancakes",
  "ingredients": [{"item": "flour", "quantity": 2, "unit": "cup"}],
  "steps": [{"order": 1, "instruction": "Mix", "timerRequired": false}],
  "servings": 4,
  "confidence": 0.92
}`

func newTestClient(t *testing.T, handler http.HandlerFunc, maxSize int64) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return New(Config{
		BaseURL:      ts.URL + "/",
		APIKey:       "extract-key",
		Timeout:      5 * time.Second,
		ImageMaxSize: maxSize,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, stubGuard{blocked: "blocked.example"})
}

func decodeRequest(t *testing.T, r *http.Request) request {
	t.Helper()
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("failed to decode request: %v", err)
	}
	return req
}

func TestExtract_Text(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/extract" {
			t.Errorf("%s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer extract-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		req := decodeRequest(t, r)
		if req.Type != "text" || req.Content != "2 cups flour, 1 egg" || req.Image != nil {
			t.Errorf("request = %+v", req)
		}
		if req.RequestID == "" || r.Header.Get("X-Request-ID") != req.RequestID {
			t.Errorf("request id = %q, header = %q", req.RequestID, r.Header.Get("X-Request-ID"))
		}
		io.WriteString(w, resultBody)
	}, 0)

	result, err := c.Extract(context.Background(), model.RawInput{Type: model.InputText, Content: "2 cups flour, 1 egg"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if result.Title != "Pancakes" || len(result.Ingredients) != 1 || result.Servings != 4 {
		t.Errorf("result = %+v", result)
	}
	if result.Ingredients[0].Unit != "cup" {
		t.Errorf("Ingredients[0] = %+v", result.Ingredients[0])
	}
}

func TestExtract_Unprocessable_ReturnsServiceMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		io.WriteString(w, `{"error": {"message": "This page does not contain a recipe"}}`)
	}, 0)

	_, err := c.Extract(context.Background(), model.RawInput{Type: model.InputURL, Content: "https://example.com"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeExtractionFailed {
		t.Fatalf("err = %v, want extraction failed", err)
	}
	if !strings.Contains(apiErr.Message, "does not contain a recipe") {
		t.Errorf("Message = %q", apiErr.Message)
	}
}

func TestExtract_ServerError_IsPlainError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		io.WriteString(w, `{"message": "upstream model timeout"}`)
	}, 0)

	_, err := c.Extract(context.Background(), model.RawInput{Type: model.InputText, Content: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("5xx should not be an APIError, got %v", apiErr)
	}
	if !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "upstream model timeout") {
		t.Errorf("err = %v", err)
	}
}

func TestExtract_EmptyResult_IsFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ingredients": [], "steps": [], "confidence": 0}`)
	}, 0)

	_, err := c.Extract(context.Background(), model.RawInput{Type: model.InputText, Content: "x"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeExtractionFailed {
		t.Errorf("err = %v", err)
	}
}

func TestExtract_NotConfigured(t *testing.T) {
	c := New(Config{}, stubGuard{})
	if _, err := c.Extract(context.Background(), model.RawInput{Type: model.InputText}); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestExtract_ImageFromURL(t *testing.T) {
	img := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngHeader)
	}))
	defer img.Close()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		req := decodeRequest(t, r)
		if req.Type != "image" || req.Image == nil {
			t.Errorf("request = %+v", req)
			return
		}
		if req.Image.MimeType != "image/png" {
			t.Errorf("MimeType = %q", req.Image.MimeType)
		}
		data, _ := base64.StdEncoding.DecodeString(req.Image.Data)
		if string(data) != string(pngHeader) {
			t.Error("image data mismatch")
		}
		io.WriteString(w, resultBody)
	}, 0)

	if _, err := c.Extract(context.Background(), model.RawInput{Type: model.InputImage, URI: img.URL + "/photo"}); err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
}

func TestExtract_ImageBlockedHost(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true }, 0)

	_, err := c.Extract(context.Background(), model.RawInput{Type: model.InputImage, URI: "https://blocked.example/p.png"})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidImage {
		t.Errorf("err = %v", err)
	}
	if called {
		t.Error("extraction service should not be called")
	}
}

func TestExtract_ImageFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.png")
	if err := os.WriteFile(path, pngHeader, 0o600); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if req := decodeRequest(t, r); req.Image == nil || req.Image.MimeType != "image/jpeg" {
			t.Errorf("request image = %+v", req.Image)
		}
		io.WriteString(w, resultBody)
	}, 0)

	// 指定されたMIMEタイプを優先する
	_, err := c.Extract(context.Background(), model.RawInput{Type: model.InputImage, URI: "file://" + path, MimeType: "image/jpeg"})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
}

func TestExtract_ImageTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.png")
	if err := os.WriteFile(path, append(pngHeader, make([]byte, 64)...), 0o600); err != nil {
		t.Fatalf("failed to write image: %v", err)
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("extraction service should not be called")
	}, 32)

	_, err := c.Extract(context.Background(), model.RawInput{Type: model.InputImage, URI: path})
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Errorf("err = %v", err)
	}
}

func TestDecodeDataURI(t *testing.T) {
	uri := "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader)
	data, mimeType, err := decodeDataURI(uri, "")
	if err != nil {
		t.Fatalf("decodeDataURI() error = %v", err)
	}
	if mimeType != "image/png" || string(data) != string(pngHeader) {
		t.Errorf("mimeType = %q, data = %q", mimeType, data)
	}

	if _, _, err := decodeDataURI("data:text/plain,hello", ""); err == nil {
		t.Error("non-base64 data URI should be rejected")
	}
}

func TestLoad_NonImageRejected(t *testing.T) {
	l := newImageLoader(stubGuard{}, time.Second, 0)
	uri := "data:text/plain;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))
	if _, _, err := l.Load(context.Background(), uri, ""); err == nil {
		t.Error("non-image data should be rejected")
	}
}
