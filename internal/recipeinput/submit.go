package recipeinput

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hitoshi/pantrypilot/internal/model"
	"github.com/hitoshi/pantrypilot/internal/session"
)

// ParseCurrentInput はステージ済みの入力を抽出サービスに送信する。
//
// 送信前にqcでクォータを判定し、上限に達している場合はNeedsUpgradeを立てて
// ErrQuotaExceededを返す（ネットワーク呼び出しは行わない）。
// 抽出に成功すると利用回数を記録し、入力を破棄して履歴に追加する。
// 途中で失敗した場合はエラーを設定し、ステージ済みの入力はそのまま残す。
func (m *Machine) ParseCurrentInput(ctx context.Context, qc QuotaContext) (*model.ExtractionResult, error) {
	m.mu.Lock()
	if m.input == nil {
		apiErr := model.NewValidationError(model.ErrCodeNoStagedInput, "content",
			"Please enter a URL, paste recipe text, or take a photo.")
		m.err = apiErr
		m.mu.Unlock()
		m.notify()
		return nil, apiErr
	}
	if err := CheckQuota(qc.Flags, qc.MonthlyCount, qc.Limit); err != nil {
		m.needsUpgrade = true
		m.err = nil
		m.mu.Unlock()
		m.metrics.RecordQuotaExceeded()
		m.logger.Info("recipe quota reached",
			slog.Int("count", qc.MonthlyCount),
			slog.Int("limit", effectiveLimit(qc.Limit)),
		)
		m.notify()
		return nil, err
	}
	m.gen++
	gen, inputGen := m.gen, m.inputGen
	input := *m.input
	m.submitting = true
	m.needsUpgrade = false
	m.err = nil
	m.mu.Unlock()
	m.notify()

	start := m.now()
	result, err := m.extract(ctx, input)
	m.metrics.RecordOperation(machineName, "parse", err, m.now().Sub(start))

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		m.metrics.RecordStaleResult(machineName, "parse")
		m.logger.Info("stale recipe result discarded")
		return nil, ErrSuperseded
	}
	m.submitting = false
	if err != nil {
		apiErr := toAPIError(err)
		m.err = apiErr
		m.mu.Unlock()
		m.logger.Warn("recipe extraction failed",
			slog.String("type", string(input.Type)),
			slog.String("error", err.Error()),
		)
		m.notify()
		return nil, apiErr
	}

	m.result = result
	// 送信中に別の入力がステージされた場合はそちらを残す
	if m.inputGen == inputGen {
		m.input = nil
	}
	var history []string
	if v := input.HistoryValue(); v != "" {
		m.history = pushHistory(m.history, v)
		history = append([]string{}, m.history...)
	}
	m.mu.Unlock()

	if history != nil {
		m.persistHistory(ctx, history)
	}
	m.metrics.RecordRecipeExtracted(string(input.Type))
	m.logger.Info("recipe extracted",
		slog.String("type", string(input.Type)),
		slog.Int("ingredients", len(result.Ingredients)),
		slog.Int("steps", len(result.Steps)),
	)
	m.notify()
	return result, nil
}

// extract は抽出と利用回数の記録を順に行う。どちらかが失敗した場合は全体を失敗とする。
func (m *Machine) extract(ctx context.Context, input model.RawInput) (*model.ExtractionResult, error) {
	result, err := m.extractor.Extract(ctx, input)
	if err != nil {
		return nil, err
	}
	if _, err := m.recorder.IncrementRecipeCount(ctx); err != nil {
		return nil, fmt.Errorf("record recipe usage: %w", err)
	}
	return result, nil
}

func toAPIError(err error) *model.APIError {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, session.ErrNoSession) {
		return model.NewNotAuthenticatedError()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.NewExtractionFailedError("the service took too long to respond")
	}
	return model.NewExtractionFailedError("the service is unavailable")
}
