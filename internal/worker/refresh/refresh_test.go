package refresh

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hitoshi/pantrypilot/internal/entitlement"
	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/session"
)

// --- モック定義 ---

type mockSessions struct {
	snapshot  session.Snapshot
	refreshFn func(ctx context.Context) error
	refreshes int
}

func (m *mockSessions) Snapshot() session.Snapshot { return m.snapshot }

func (m *mockSessions) RefreshSession(ctx context.Context) error {
	m.refreshes++
	if m.refreshFn != nil {
		return m.refreshFn(ctx)
	}
	return nil
}

type mockEntitlements struct {
	fetches atomic.Int32
}

func (m *mockEntitlements) Fetch(ctx context.Context) entitlement.Snapshot {
	m.fetches.Add(1)
	return entitlement.Snapshot{}
}

var (
	_ SessionRefresher   = (*session.Machine)(nil)
	_ EntitlementFetcher = (*entitlement.Machine)(nil)
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func authenticated(expiresAt time.Time) session.Snapshot {
	return session.Snapshot{
		Status:  session.StatusAuthenticated,
		Session: &model.Session{ExpiresAt: expiresAt, User: model.User{ID: "user-1"}},
	}
}

func newTestJob(sessions *mockSessions, ents *mockEntitlements) *Job {
	j := NewJob(sessions, ents, testLogger(), 0)
	j.now = func() time.Time { return baseTime }
	return j
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		errors int
		want   time.Duration
	}{
		{0, time.Minute},
		{1, 2 * time.Minute},
		{3, 8 * time.Minute},
		{6, time.Hour},
		{20, time.Hour},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.errors); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.errors, got, tt.want)
		}
	}
}

func TestRunOnce_AnonymousOnlyFetchesEntitlements(t *testing.T) {
	sessions := &mockSessions{snapshot: session.Snapshot{Status: session.StatusAnonymous}}
	ents := &mockEntitlements{}

	if err := newTestJob(sessions, ents).RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if sessions.refreshes != 0 {
		t.Errorf("refreshes = %d, want 0", sessions.refreshes)
	}
	if ents.fetches.Load() != 1 {
		t.Errorf("fetches = %d, want 1", ents.fetches.Load())
	}
}

func TestRunOnce_RefreshesOnlyWithinWindow(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      int
	}{
		{"far from expiry", baseTime.Add(50 * time.Minute), 0},
		{"within window", baseTime.Add(10 * time.Minute), 1},
		{"already expired", baseTime.Add(-time.Minute), 1},
		{"unknown expiry", time.Time{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessions{snapshot: authenticated(tt.expiresAt)}
			ents := &mockEntitlements{}

			if err := newTestJob(sessions, ents).RunOnce(context.Background()); err != nil {
				t.Fatalf("RunOnce() error = %v", err)
			}
			if sessions.refreshes != tt.want {
				t.Errorf("refreshes = %d, want %d", sessions.refreshes, tt.want)
			}
			if ents.fetches.Load() != 1 {
				t.Errorf("fetches = %d, want 1", ents.fetches.Load())
			}
		})
	}
}

func TestRunOnce_FailureBacksOff(t *testing.T) {
	sessions := &mockSessions{
		snapshot:  authenticated(baseTime.Add(time.Minute)),
		refreshFn: func(ctx context.Context) error { return model.NewOfflineError("No internet connection") },
	}
	ents := &mockEntitlements{}
	j := newTestJob(sessions, ents)

	if err := j.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error from failed refresh")
	}
	// バックオフ中はゲートウェイを呼ばない
	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() during backoff error = %v", err)
	}
	if sessions.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", sessions.refreshes)
	}
	if ents.fetches.Load() != 2 {
		t.Errorf("entitlements should be fetched every cycle, got %d", ents.fetches.Load())
	}

	// 待機時間経過後は再試行し、成功でリセットされる
	j.now = func() time.Time { return baseTime.Add(2 * time.Minute) }
	sessions.snapshot = authenticated(baseTime.Add(3 * time.Minute))
	sessions.refreshFn = nil
	if err := j.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() after backoff error = %v", err)
	}
	if sessions.refreshes != 2 {
		t.Errorf("refreshes = %d, want 2", sessions.refreshes)
	}
	if j.consecutiveErrors != 0 || !j.nextAttempt.IsZero() {
		t.Errorf("backoff state not reset: errors=%d next=%v", j.consecutiveErrors, j.nextAttempt)
	}
}

func TestRunOnce_NoSessionIsNotAnError(t *testing.T) {
	sessions := &mockSessions{
		snapshot:  authenticated(time.Time{}),
		refreshFn: func(ctx context.Context) error { return session.ErrNoSession },
	}
	j := newTestJob(sessions, &mockEntitlements{})

	if err := j.RunOnce(context.Background()); err != nil {
		t.Errorf("RunOnce() error = %v, want nil", err)
	}
	if j.consecutiveErrors != 0 {
		t.Errorf("consecutiveErrors = %d, want 0", j.consecutiveErrors)
	}
}

func TestNewScheduler_InvalidSpec(t *testing.T) {
	j := newTestJob(&mockSessions{}, &mockEntitlements{})
	if _, err := NewScheduler(j, "every now and then", testLogger()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestScheduler_RunsJobUntilCancelled(t *testing.T) {
	ents := &mockEntitlements{}
	j := NewJob(&mockSessions{snapshot: session.Snapshot{Status: session.StatusAnonymous}}, ents, testLogger(), 0)

	s, err := NewScheduler(j, "@every 1s", testLogger())
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for ents.fetches.Load() == 0 {
		select {
		case <-deadline:
			cancel()
			t.Fatal("job was not run by the scheduler")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestRunOnce_UnexpectedErrorIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	sessions := &mockSessions{
		snapshot:  authenticated(time.Time{}),
		refreshFn: func(ctx context.Context) error { return boom },
	}
	err := newTestJob(sessions, &mockEntitlements{}).RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped boom", err)
	}
}
