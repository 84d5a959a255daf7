package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findFamily はGather結果から指定名のメトリクスファミリーを探す。
func findFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

func labelValue(m *dto.Metric, name string) string {
	for _, l := range m.GetLabel() {
		if l.GetName() == name {
			return l.GetValue()
		}
	}
	return ""
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordOperation_LabelsByResult は成功と失敗が別ラベルで数えられることを検証する。
func TestRecordOperation_LabelsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOperation("session", "sign_in", nil, 10*time.Millisecond)
	c.RecordOperation("session", "sign_in", nil, 20*time.Millisecond)
	c.RecordOperation("session", "sign_in", errors.New("rejected"), 5*time.Millisecond)

	mf := findFamily(t, reg, "pantrypilot_operations_total")
	if mf == nil {
		t.Fatal("pantrypilot_operations_total metric not found")
	}
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		if labelValue(m, "machine") != "session" || labelValue(m, "op") != "sign_in" {
			t.Errorf("unexpected labels %v", m.GetLabel())
		}
		val := m.GetCounter().GetValue()
		switch labelValue(m, "result") {
		case ResultOK:
			if val != 2 {
				t.Errorf("operations_total{result=ok} = %v, want 2", val)
			}
		case ResultError:
			if val != 1 {
				t.Errorf("operations_total{result=error} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected result label %q", labelValue(m, "result"))
		}
	}
}

// TestRecordOperation_ObservesLatency はレイテンシのヒストグラムに値が記録されることを検証する。
func TestRecordOperation_ObservesLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOperation("entitlement", "fetch", nil, 100*time.Millisecond)
	c.RecordOperation("entitlement", "fetch", nil, 200*time.Millisecond)

	mf := findFamily(t, reg, "pantrypilot_operation_latency_seconds")
	if mf == nil {
		t.Fatal("pantrypilot_operation_latency_seconds metric not found")
	}
	h := mf.GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 {
		t.Errorf("sample count = %d, want 2", h.GetSampleCount())
	}
	if sum := h.GetSampleSum(); sum < 0.29 || sum > 0.31 {
		t.Errorf("sample sum = %v, want ~0.3", sum)
	}
}

// TestRecordStaleResult_IncrementsCounter は破棄カウンタが増加することを検証する。
func TestRecordStaleResult_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStaleResult("session", "sign_in")

	mf := findFamily(t, reg, "pantrypilot_stale_results_total")
	if mf == nil {
		t.Fatal("pantrypilot_stale_results_total metric not found")
	}
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("stale_results_total = %v, want 1", val)
	}
}

// TestRecordQuotaExceeded_IncrementsCounter は上限到達カウンタが増加することを検証する。
func TestRecordQuotaExceeded_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordQuotaExceeded()
	c.RecordQuotaExceeded()

	mf := findFamily(t, reg, "pantrypilot_quota_exceeded_total")
	if mf == nil {
		t.Fatal("pantrypilot_quota_exceeded_total metric not found")
	}
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("quota_exceeded_total = %v, want 2", val)
	}
}

// TestRecordRecipeExtracted_LabelsByInputType は入力種別ごとに数えられることを検証する。
func TestRecordRecipeExtracted_LabelsByInputType(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordRecipeExtracted("text")
	c.RecordRecipeExtracted("url")
	c.RecordRecipeExtracted("url")

	mf := findFamily(t, reg, "pantrypilot_recipes_extracted_total")
	if mf == nil {
		t.Fatal("pantrypilot_recipes_extracted_total metric not found")
	}
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "input_type") {
		case "text":
			if val != 1 {
				t.Errorf("recipes_extracted_total{input_type=text} = %v, want 1", val)
			}
		case "url":
			if val != 2 {
				t.Errorf("recipes_extracted_total{input_type=url} = %v, want 2", val)
			}
		default:
			t.Errorf("unexpected label %v", m.GetLabel())
		}
	}
}

// TestRecordHTTPStatus_IncrementsCounterWithLabel はHTTPステータスカウンタがラベル付きで増加することを検証する。
func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(402)

	mf := findFamily(t, reg, "pantrypilot_http_status_total")
	if mf == nil {
		t.Fatal("pantrypilot_http_status_total metric not found")
	}
	if len(mf.GetMetric()) != 2 {
		t.Fatalf("expected 2 label combinations, got %d", len(mf.GetMetric()))
	}
	for _, m := range mf.GetMetric() {
		val := m.GetCounter().GetValue()
		switch labelValue(m, "status_code") {
		case "200":
			if val != 2 {
				t.Errorf("http_status_total{status_code=200} = %v, want 2", val)
			}
		case "402":
			if val != 1 {
				t.Errorf("http_status_total{status_code=402} = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected label %v", m.GetLabel())
		}
	}
}

// TestMetricsHandler_ReturnsPrometheusFormat は/metricsエンドポイントがPrometheus形式で返すことを検証する。
func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordOperation("recipe_input", "parse", nil, 500*time.Millisecond)
	c.RecordStaleResult("session", "initialize")
	c.RecordQuotaExceeded()
	c.RecordRecipeExtracted("text")
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	expectedMetrics := []string{
		"pantrypilot_operations_total",
		"pantrypilot_operation_latency_seconds",
		"pantrypilot_stale_results_total",
		"pantrypilot_quota_exceeded_total",
		"pantrypilot_recipes_extracted_total",
		"pantrypilot_http_status_total",
	}

	for _, metric := range expectedMetrics {
		if !strings.Contains(bodyStr, metric) {
			t.Errorf("response body does not contain %q", metric)
		}
	}
}

// TestCollector_ImplementsMetricsCollectorInterface はCollectorがMetricsCollectorインターフェースを実装することを検証する。
func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ MetricsCollector = NewCollector(reg)
	var _ MetricsCollector = NopCollector{}
}

// TestMultipleCollectors_IndependentRegistries は異なるレジストリで独立に動作することを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	c2 := NewCollector(reg2)

	c1.RecordQuotaExceeded()
	c2.RecordQuotaExceeded()
	c2.RecordQuotaExceeded()

	val1 := findFamily(t, reg1, "pantrypilot_quota_exceeded_total").GetMetric()[0].GetCounter().GetValue()
	val2 := findFamily(t, reg2, "pantrypilot_quota_exceeded_total").GetMetric()[0].GetCounter().GetValue()

	if val1 != 1 {
		t.Errorf("reg1 quota_exceeded = %v, want 1", val1)
	}
	if val2 != 2 {
		t.Errorf("reg2 quota_exceeded = %v, want 2", val2)
	}
}
