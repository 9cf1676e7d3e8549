// Package proxy wires the rate limiter, blocker, detection engine, and
// rules engine into the request-admission state machine, and forwards
// admitted requests upstream.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel-proxy/sentinel/alerts"
	"github.com/sentinel-proxy/sentinel/config"
	"github.com/sentinel-proxy/sentinel/detection"
	"github.com/sentinel-proxy/sentinel/geoip"
	"github.com/sentinel-proxy/sentinel/metrics"
	"github.com/sentinel-proxy/sentinel/mitigation"
	"github.com/sentinel-proxy/sentinel/ratelimit"
	"github.com/sentinel-proxy/sentinel/rules"
	"github.com/sentinel-proxy/sentinel/storage"
)

var hopByHopHeaders = []string{"Transfer-Encoding", "Connection", "Keep-Alive"}

// Pipeline is the admission state machine: every inbound request passes
// through it before being forwarded to, or denied in place of, the
// upstream origin.
type Pipeline struct {
	cfg       *config.Config
	log       *zap.Logger
	limiter   *ratelimit.Limiter
	blocker   *mitigation.Blocker
	challenge *mitigation.ChallengeManager
	engine    *detection.Engine
	rules     *rules.Engine
	geo       geoip.Resolver
	store     storage.Store
	alertMgr  *alerts.Manager
	metrics   *metrics.Collector
	traffic   *TrafficRing
	reverse   *httputil.ReverseProxy
}

// New builds a Pipeline targeting cfg.TargetURL, wiring every admission
// subsystem together.
func New(
	cfg *config.Config,
	log *zap.Logger,
	limiter *ratelimit.Limiter,
	blocker *mitigation.Blocker,
	challenge *mitigation.ChallengeManager,
	engine *detection.Engine,
	rulesEngine *rules.Engine,
	geo geoip.Resolver,
	store storage.Store,
	alertMgr *alerts.Manager,
	coll *metrics.Collector,
) (*Pipeline, error) {
	target, err := url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("proxy: invalid target_url %q: %w", cfg.TargetURL, err)
	}

	p := &Pipeline{
		cfg:       cfg,
		log:       log,
		limiter:   limiter,
		blocker:   blocker,
		challenge: challenge,
		engine:    engine,
		rules:     rulesEngine,
		geo:       geo,
		store:     store,
		alertMgr:  alertMgr,
		metrics:   coll,
		traffic:   NewTrafficRing(),
	}

	rp := httputil.NewSingleHostReverseProxy(target)
	baseDirector := rp.Director
	rp.Director = func(r *http.Request) {
		baseDirector(r)
		r.Host = target.Host
	}
	rp.Transport = &http.Transport{
		MaxConnsPerHost:     200,
		MaxIdleConnsPerHost: 50,
		IdleConnTimeout:     90 * time.Second,
	}
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		log.Warn("upstream transport error", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}
	rp.ModifyResponse = func(resp *http.Response) error {
		for _, h := range hopByHopHeaders {
			resp.Header.Del(h)
		}
		return nil
	}
	p.reverse = rp

	return p, nil
}

// Traffic returns the pipeline's in-memory recent-events ring, for the
// admin dashboard feed.
func (p *Pipeline) Traffic() *TrafficRing { return p.traffic }

// Blocker returns the pipeline's IP blocker, for the admin API's
// blocklist endpoints.
func (p *Pipeline) Blocker() *mitigation.Blocker { return p.blocker }

// Rules returns the pipeline's rule engine, for loading rule files.
func (p *Pipeline) Rules() *rules.Engine { return p.rules }

// Engine returns the pipeline's anomaly detection engine, for the admin
// API's ML model introspection endpoint.
func (p *Pipeline) Engine() *detection.Engine { return p.engine }

// ServeHTTP runs the full admission pipeline for one request: reserved
// path check, block check, per-rule limits, the standing rate-limit tiers,
// detection scoring, the graduated mitigation branch, and — if admitted —
// forwarding upstream.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if isReservedPath(r.URL.Path) {
		http.NotFound(w, r)
		return
	}

	ip := clientIP(r)

	blocked, err := p.blocker.IsBlocked(ctx, ip)
	if err != nil {
		p.log.Warn("block check failed", zap.Error(err))
	}
	if blocked {
		p.deny(w, ip, r, http.StatusForbidden, metrics.ActionBlocked, "", 0)
		return
	}

	for _, rule := range p.rules.Match(r.URL.Path, r.Method) {
		if rule.Limits.PerIP == "" {
			continue
		}
		limit, windowSec, err := rules.ParseRateString(rule.Limits.PerIP)
		if err != nil {
			p.log.Warn("invalid rule rate string", zap.String("rule", rule.Name), zap.Error(err))
			continue
		}

		allowed, count, err := p.limiter.CheckRule(ctx, rule.Name, ip, limit, windowSec)
		if err != nil {
			p.log.Warn("rule rate check failed, failing open", zap.String("rule", rule.Name), zap.Error(err))
		}
		p.metrics.RecordRateLimitCheck(metrics.LayerRule, decisionLabel(allowed))
		if allowed {
			continue
		}

		usagePct := float64(count) / float64(limit) * 100
		action := rules.ResolveEscalation(rule.Escalation, usagePct)

		switch action {
		case rules.ActionBlock:
			duration, _ := rules.BlockDuration(rule.Escalation)
			_ = p.blocker.Block(ctx, ip, "rule:"+rule.Name, time.Duration(duration)*time.Second)
			p.deny(w, ip, r, http.StatusForbidden, metrics.ActionBlocked, rule.Name, 0)
			return
		case rules.ActionJSChallenge:
			if p.maybeChallenge(w, r, ip) {
				p.recordEvent(ip, metrics.ActionChallenged, r, rule.Name, 0, "")
				p.metrics.RecordRequest(metrics.ActionChallenged)
				p.fireAndForget(ip, metrics.ActionChallenged, r, 0, "")
				return
			}
		default:
			p.deny(w, ip, r, http.StatusTooManyRequests, metrics.ActionRateLimited, rule.Name, 0)
			return
		}
	}

	allowed, rateCount, err := p.limiter.AllowWithCount(ctx, ip)
	if err != nil {
		p.log.Warn("rate limit check failed, failing open", zap.Error(err))
	}
	p.metrics.RecordRateLimitCheck(metrics.LayerPerIP, decisionLabel(allowed))
	if !allowed {
		p.deny(w, ip, r, http.StatusTooManyRequests, metrics.ActionRateLimited, "", 0)
		return
	}

	sig := p.buildSignals(r, ip)
	threat, behaviorScore := p.engine.Score(sig, rateCount, p.cfg.RateLimitPerIP)
	p.metrics.ObserveThreatScore(threat)

	if threat >= p.cfg.AnomalyThreshold {
		attackType := p.engine.Classify(sig, rateCount, p.cfg.RateLimitPerIP, behaviorScore)

		level := p.cfg.ProtectionLevel
		if p.cfg.UnderAttackMode {
			level = config.Block
		}

		switch level {
		case config.Monitor:
			p.recordEvent(ip, metrics.ActionMonitored, r, "", threat, attackType)
			p.metrics.RecordRequest(metrics.ActionMonitored)
		case config.JSChallenge:
			if p.maybeChallenge(w, r, ip) {
				p.recordEvent(ip, metrics.ActionChallenged, r, "", threat, attackType)
				p.metrics.RecordRequest(metrics.ActionChallenged)
				p.fireAndForget(ip, metrics.ActionChallenged, r, threat, string(attackType))
				return
			}
		case config.RateLimit:
			p.deny(w, ip, r, http.StatusTooManyRequests, metrics.ActionRateLimited, "", threat)
			p.fireAndForget(ip, metrics.ActionRateLimited, r, threat, string(attackType))
			return
		case config.Block, config.Blackhole:
			_ = p.blocker.Block(ctx, ip, "anomaly:"+string(attackType), 0)
			p.deny(w, ip, r, http.StatusForbidden, metrics.ActionBlocked, "", threat)
			p.fireAndForget(ip, metrics.ActionBlocked, r, threat, string(attackType))
			return
		}
	}

	r.Header.Set("X-Forwarded-For", ip)
	r.Header.Set("X-Sentinel-Score", fmt.Sprintf("%.4f", threat))
	p.recordEvent(ip, metrics.ActionAllowed, r, "", threat, "")
	p.metrics.RecordRequest(metrics.ActionAllowed)
	p.reverse.ServeHTTP(w, r)
}

// maybeChallenge reports whether the request needed (and was served) a
// fresh proof-of-work challenge page: true if the cookie was missing or
// failed verification, false if the existing cookie already verified.
func (p *Pipeline) maybeChallenge(w http.ResponseWriter, r *http.Request, ip string) bool {
	if c, err := r.Cookie(mitigation.ChallengeCookie); err == nil {
		if p.challenge.Verify(c.Value, ip) {
			return false
		}
	}
	token := p.challenge.Issue(ip)
	p.challenge.ServeChallengePage(w, token)
	return true
}

// deny writes status for a denied request, records the traffic event and
// metric, and fires the best-effort log/alert side-tasks.
func (p *Pipeline) deny(w http.ResponseWriter, ip string, r *http.Request, status int, action string, rule string, score float64) {
	w.WriteHeader(status)
	p.recordEvent(ip, action, r, rule, score, "")
	p.metrics.RecordRequest(action)
	p.fireAndForget(ip, action, r, score, "")
}

func (p *Pipeline) recordEvent(ip, action string, r *http.Request, rule string, score float64, attackType detection.AttackType) {
	p.traffic.Record(TrafficEvent{
		Time:       time.Now(),
		IP:         ip,
		Action:     action,
		Path:       r.URL.Path,
		Method:     r.Method,
		Geo:        p.geo.Lookup(ip),
		Score:      score,
		AttackType: string(attackType),
		Rule:       rule,
	})
}

// fireAndForget persists the attack log and dispatches an alert on its own
// goroutine so neither ever adds latency to the response already written.
func (p *Pipeline) fireAndForget(ip, action string, r *http.Request, score float64, attackType string) {
	path, method, ua := r.URL.Path, r.Method, r.Header.Get("User-Agent")
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := p.store.InsertAttackLog(ctx, storage.AttackLog{
			Timestamp:   time.Now(),
			SourceIP:    ip,
			AttackType:  attackType,
			ThreatScore: score,
			ActionTaken: action,
			Path:        path,
			Method:      method,
			UserAgent:   ua,
		}); err != nil {
			p.log.Warn("failed to persist attack log", zap.Error(err))
		}

		if action == metrics.ActionBlocked || action == metrics.ActionRateLimited || action == metrics.ActionChallenged {
			p.alertMgr.Dispatch(ctx, alerts.Event{
				Level:      alertLevelFor(action),
				Title:      "sentinel mitigation triggered",
				Message:    fmt.Sprintf("%s %s %s from %s", action, method, path, ip),
				SourceIP:   ip,
				AttackType: attackType,
			})
		}
	}()
}

func alertLevelFor(action string) alerts.Level {
	if action == metrics.ActionBlocked {
		return alerts.LevelCritical
	}
	return alerts.LevelWarning
}

func (p *Pipeline) buildSignals(r *http.Request, ip string) detection.RequestSignals {
	contentLength := int(r.ContentLength)
	if contentLength < 0 {
		contentLength = 0
	}
	return detection.RequestSignals{
		Timestamp:      time.Now(),
		ClientIP:       ip,
		Method:         r.Method,
		Path:           r.URL.Path,
		Query:          r.URL.RawQuery,
		UserAgent:      r.Header.Get("User-Agent"),
		ContentLength:  contentLength,
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Referer:        r.Header.Get("Referer"),
		Cookie:         r.Header.Get("Cookie"),
		HeaderNames:    headerNames(r),
		HasCookie:      r.Header.Get("Cookie") != "",
		HasReferer:     r.Header.Get("Referer") != "",
	}
}

func decisionLabel(allowed bool) string {
	if allowed {
		return metrics.DecisionAllowed
	}
	return metrics.DecisionDenied
}

func isReservedPath(path string) bool {
	if path == "/openapi.json" {
		return true
	}
	for _, prefix := range []string{"/api/", "/ws/"} {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// clientIP extracts the request's client IP: the first token of
// X-Forwarded-For if present, else the TCP peer address, else "0.0.0.0".
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.TrimSpace(strings.Split(xff, ",")[0])
		if first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "0.0.0.0"
}
