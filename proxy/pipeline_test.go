package proxy_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-proxy/sentinel/alerts"
	"github.com/sentinel-proxy/sentinel/config"
	"github.com/sentinel-proxy/sentinel/detection"
	"github.com/sentinel-proxy/sentinel/geoip"
	"github.com/sentinel-proxy/sentinel/metrics"
	"github.com/sentinel-proxy/sentinel/mitigation"
	"github.com/sentinel-proxy/sentinel/proxy"
	"github.com/sentinel-proxy/sentinel/ratelimit"
	"github.com/sentinel-proxy/sentinel/rules"
	"github.com/sentinel-proxy/sentinel/storage"
	"github.com/sentinel-proxy/sentinel/store/memory"
)

func newTestPipeline(t *testing.T, upstream *httptest.Server) *proxy.Pipeline {
	t.Helper()
	cfg := config.Default()
	cfg.TargetURL = upstream.URL
	cfg.RateLimitPerIP = 100
	cfg.RateLimitPerSubnet = 1000
	cfg.RateLimitGlobal = 10000
	cfg.AnomalyThreshold = 0.75

	s := memory.New()
	t.Cleanup(func() { s.Close() })

	log := zap.NewNop()
	limiter := ratelimit.New(s, cfg.RateLimitPerIP, cfg.RateLimitPerSubnet, cfg.RateLimitGlobal)
	blocker := mitigation.NewBlocker(s, log)
	challenge := mitigation.NewChallengeManager(cfg.JWTSecret)

	baseline := detection.NewBaseline(24 * time.Hour)
	behavior := detection.NewBehaviorAnalyzer()
	scorer := detection.NewHeuristicScorer()
	ml := detection.NewMLModel(detection.DefaultMLModelConfig(), log)
	engine := detection.NewEngine(baseline, behavior, scorer, ml)

	rulesEngine := rules.NewEngine(log)
	geo := geoip.NewNoopResolver()
	store := storage.NewNoopStore()
	alertMgr := alerts.NewManager(log)
	coll := metrics.NewCollector()

	p, err := proxy.New(cfg, log, limiter, blocker, challenge, engine, rulesEngine, geo, store, alertMgr, coll)
	if err != nil {
		t.Fatalf("proxy.New: %v", err)
	}
	return p
}

func TestPipelineForwardsBenignRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "hit")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.5:1234"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Upstream") != "hit" {
		t.Fatal("expected request to reach upstream")
	}
}

func TestPipelineReservedPathIs404(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be reached for reserved paths")
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream)

	for _, path := range []string{"/api/health", "/ws/live", "/openapi.json"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "203.0.113.5:1234"
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Errorf("path %s: expected 404, got %d", path, rec.Code)
		}
	}
}

func TestPipelineBlockedIPGets403(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("upstream should never be reached for a blocked ip")
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream)
	if err := p.Blocker().Block(context.Background(), "198.51.100.9", "test", 0); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:1111"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for blocked ip, got %d", rec.Code)
	}
}

func TestPipelineRuleRateLimitReturns429(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	dir := t.TempDir()
	rulesYAML := `
rules:
  - name: login-brute-force
    match:
      path: /login
      method: POST
    limits:
      per_ip: "1/minute"
`
	if err := os.WriteFile(filepath.Join(dir, "login.yml"), []byte(rulesYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	p := newTestPipeline(t, upstream)
	if n := p.Rules().LoadDirectory(dir); n != 1 {
		t.Fatalf("expected 1 rule file loaded, got %d", n)
	}

	req := httptest.NewRequest(http.MethodPost, "/login", nil)
	req.RemoteAddr = "203.0.113.88:1234"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}

	req2 := httptest.NewRequest(http.MethodPost, "/login", nil)
	req2.RemoteAddr = "203.0.113.88:1234"
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429 once the rule's per-ip limit is exceeded, got %d", rec2.Code)
	}
}

func TestPipelineAllowsRequestsUnderStandingLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := newTestPipeline(t, upstream)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.77:1234"
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200 under limit, got %d", i, rec.Code)
		}
	}
}
