package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_Exposition(t *testing.T) {
	m := NewMetrics()
	m.ObserveRequest("/x402/verify", "POST", 403, 5*time.Millisecond)
	m.RiskDecision("verify", "deny")
	m.MandateCheck("used")
	m.UpstreamCall("settle", 0, time.Millisecond)
	m.RateLimited("/risk/session")
	m.PanicRecovered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`x402_gateway_http_requests_total{method="POST",route="/x402/verify",status="403"} 1`,
		`x402_gateway_risk_decisions_total{decision="deny",op="verify"} 1`,
		`x402_gateway_mandate_checks_total{outcome="used"} 1`,
		`x402_gateway_upstream_requests_total{op="settle",status="error"} 1`,
		`x402_gateway_rate_limit_rejected_total{route="/risk/session"} 1`,
		`x402_gateway_panics_recovered_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("/", "GET", 200, time.Second)
	m.RiskDecision("verify", "allow")
	m.MandateCheck("used")
	m.UpstreamCall("verify", 200, time.Second)
	m.RateLimited("/")
	m.PanicRecovered()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("nil Handler status = %d, want 404", rec.Code)
	}
}
