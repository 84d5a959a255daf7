package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func testRateLimiterConfig(generalBurst, authBurst int) RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     1,
		GeneralBurst:    generalBurst,
		AuthRate:        0.5,
		AuthBurst:       authBurst,
		CleanupInterval: time.Minute,
	}
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestFrom(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func TestRateLimitMiddleware_AllowsBurstThenReturns429(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(3, 1))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:5000"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:5001"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if got, _ := strconv.Atoi(w.Header().Get("Retry-After")); got != 1 {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestRateLimitMiddleware_IsolatesClients(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	defer rl.Stop()
	handler := rl.GeneralMiddleware()(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:1"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:1"))
	if w.Code != http.StatusOK {
		t.Errorf("second client status = %d, want 200", w.Code)
	}

	// サインイン済みの場合はIPではなくユーザー単位で数える
	req := requestFrom("10.0.0.1:1")
	req = req.WithContext(ContextWithUserID(req.Context(), "user-1"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("signed-in client status = %d, want 200", w.Code)
	}
	if rl.GeneralLimiterCount() != 3 {
		t.Errorf("GeneralLimiterCount() = %d, want 3", rl.GeneralLimiterCount())
	}
}

func TestAuthRateLimit_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 2))
	defer rl.Stop()
	general := rl.GeneralMiddleware()(okHandler())
	auth := rl.AuthMiddleware()(okHandler())

	w := httptest.NewRecorder()
	general.ServeHTTP(w, requestFrom("10.0.0.9:1"))

	for i := 0; i < 2; i++ {
		w = httptest.NewRecorder()
		auth.ServeHTTP(w, requestFrom("10.0.0.9:1"))
		if w.Code != http.StatusOK {
			t.Errorf("auth request %d: status = %d, want 200", i, w.Code)
		}
	}
	w = httptest.NewRecorder()
	auth.ServeHTTP(w, requestFrom("10.0.0.9:1"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if got, _ := strconv.Atoi(w.Header().Get("Retry-After")); got != 2 {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
	if rl.AuthLimiterCount() != 1 {
		t.Errorf("AuthLimiterCount() = %d, want 1", rl.AuthLimiterCount())
	}
}

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(5, 5))
	defer rl.Stop()

	rl.GeneralMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))
	rl.AuthMiddleware()(okHandler()).ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))

	rl.cleanup(time.Now())
	if rl.GeneralLimiterCount() != 1 {
		t.Fatal("fresh entries should survive cleanup")
	}

	rl.cleanup(time.Now().Add(3 * time.Minute))
	if rl.GeneralLimiterCount() != 0 || rl.AuthLimiterCount() != 0 {
		t.Errorf("expired entries should be removed, general=%d auth=%d",
			rl.GeneralLimiterCount(), rl.AuthLimiterCount())
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig(120)
	if cfg.GeneralRate != 2.0 || cfg.GeneralBurst != 120 {
		t.Errorf("general = %v/%d, want 2/120", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.AuthBurst != 10 || cfg.AuthRate == 0 {
		t.Errorf("auth = %v/%d", cfg.AuthRate, cfg.AuthBurst)
	}

	if cfg := DefaultRateLimiterConfig(0); cfg.GeneralBurst != 120 {
		t.Errorf("zero should fall back to 120, got %d", cfg.GeneralBurst)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig(1, 1))
	rl.Stop()
	rl.Stop()
}
