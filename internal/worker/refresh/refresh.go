// Package refresh はセッションとエンタイトルメントの定期リフレッシュを提供する。
// cron式のスケジュールで起動し、失効間近のセッショントークンを更新してから
// エンタイトルメントを再取得する。
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hitoshi/pantrypilot/internal/entitlement"
	"github.com/hitoshi/pantrypilot/internal/session"
)

const (
	// DefaultRefreshWindow は失効までの残り時間がこれを下回ったらトークンを更新する。
	DefaultRefreshWindow = 15 * time.Minute
	// initialBackoff は連続失敗時の初回待機時間。
	initialBackoff = time.Minute
	// maxBackoff は連続失敗時の最大待機時間。
	maxBackoff = time.Hour
)

// SessionRefresher はセッションの更新。*session.Machineが実装する。
type SessionRefresher interface {
	Snapshot() session.Snapshot
	RefreshSession(ctx context.Context) error
}

// EntitlementFetcher はエンタイトルメントの再取得。*entitlement.Machineが実装する。
type EntitlementFetcher interface {
	Fetch(ctx context.Context) entitlement.Snapshot
}

// Job は1回分のリフレッシュ処理。
// セッション更新が連続して失敗した場合は指数バックオフで次の試行を遅らせる。
type Job struct {
	sessions      SessionRefresher
	entitlements  EntitlementFetcher
	logger        *slog.Logger
	refreshWindow time.Duration
	now           func() time.Time

	mu                sync.Mutex
	consecutiveErrors int
	nextAttempt       time.Time
}

// NewJob はJobを生成する。refreshWindowが0以下の場合はDefaultRefreshWindowを使う。
func NewJob(sessions SessionRefresher, entitlements EntitlementFetcher, logger *slog.Logger, refreshWindow time.Duration) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	if refreshWindow <= 0 {
		refreshWindow = DefaultRefreshWindow
	}
	return &Job{
		sessions:      sessions,
		entitlements:  entitlements,
		logger:        logger,
		refreshWindow: refreshWindow,
		now:           time.Now,
	}
}

// CalculateBackoff は連続失敗回数に基づいて指数バックオフの待機時間を計算する。
// 初回1分、2倍ずつ増加、最大1時間。
func CalculateBackoff(consecutiveErrors int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// RunOnce はセッションの更新とエンタイトルメントの再取得を1回実行する。
// セッション更新の失敗はエラーとして返すが、エンタイトルメントの再取得は常に行う。
func (j *Job) RunOnce(ctx context.Context) error {
	err := j.refreshSession(ctx)
	j.entitlements.Fetch(ctx)
	return err
}

func (j *Job) refreshSession(ctx context.Context) error {
	snap := j.sessions.Snapshot()
	if !snap.Authenticated() {
		return nil
	}
	now := j.now()
	if !j.due(snap, now) {
		return nil
	}

	j.mu.Lock()
	if now.Before(j.nextAttempt) {
		j.mu.Unlock()
		j.logger.Debug("session refresh backing off", slog.Time("next_attempt", j.nextAttempt))
		return nil
	}
	j.mu.Unlock()

	err := j.sessions.RefreshSession(ctx)
	if errors.Is(err, session.ErrNoSession) || errors.Is(err, session.ErrSuperseded) {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err != nil {
		delay := CalculateBackoff(j.consecutiveErrors)
		j.consecutiveErrors++
		j.nextAttempt = now.Add(delay)
		j.logger.Warn("scheduled session refresh failed",
			slog.Int("consecutive_errors", j.consecutiveErrors),
			slog.Duration("retry_in", delay),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("refresh session: %w", err)
	}
	j.consecutiveErrors = 0
	j.nextAttempt = time.Time{}
	j.logger.Info("session refreshed by scheduler")
	return nil
}

// due はトークンの更新が必要かを返す。失効時刻が不明な場合は常に更新する。
func (j *Job) due(snap session.Snapshot, now time.Time) bool {
	exp := snap.Session.ExpiresAt
	if exp.IsZero() {
		return true
	}
	return exp.Sub(now) < j.refreshWindow
}

// Scheduler はcron式のスケジュールでJobを実行する。
type Scheduler struct {
	cron   *cron.Cron
	job    *Job
	logger *slog.Logger
}

// NewScheduler はSchedulerを生成する。specはrobfig/cronの式（"@every 10m"など）。
func NewScheduler(job *Job, spec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		job:    job,
		logger: logger,
	}
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := s.job.RunOnce(ctx); err != nil {
		s.logger.Error("refresh cycle failed", slog.String("error", err.Error()))
	}
}

// Start はスケジューラを起動し、ctxがキャンセルされるまでブロックする。
// 停止時は実行中のJobの完了を待つ。
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.logger.Info("refresh scheduler started", slog.Int("entries", len(s.cron.Entries())))

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("refresh scheduler stopped")
}
