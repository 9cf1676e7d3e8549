package detection

import (
	"math"
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// SessionTTL is how long an IP session survives without activity before
// it's evicted.
const SessionTTL = 10 * time.Minute

// MaxTrackedSessions bounds memory use; the oldest session is evicted
// when a new IP arrives at capacity.
const MaxTrackedSessions = 50_000

const (
	maxIntervals = 200
	maxPaths     = 100
)

// IPSession accumulates behavioral signals for a single client IP across
// its requests.
type IPSession struct {
	FirstSeen    time.Time
	LastSeen     time.Time
	RequestCount int

	intervals deque.Deque[float64]
	paths     deque.Deque[string]

	methodsUsed       map[string]struct{}
	HasReferer        bool
	HasCookies        bool
	userAgents        map[string]struct{}
	acceptLanguages   map[string]struct{}
	headerOrderHashes map[string]struct{}
}

func newIPSession() *IPSession {
	return &IPSession{
		methodsUsed:       make(map[string]struct{}),
		userAgents:        make(map[string]struct{}),
		acceptLanguages:   make(map[string]struct{}),
		headerOrderHashes: make(map[string]struct{}),
	}
}

// RequestInfo carries the per-request signals the behavior analyzer needs.
type RequestInfo struct {
	Path             string
	Method           string
	UserAgent        string
	AcceptLanguage   string
	Referer          string
	Cookie           string
	HeaderOrderHash  string
}

func (s *IPSession) record(now time.Time, r RequestInfo) {
	if s.FirstSeen.IsZero() {
		s.FirstSeen = now
	}
	if !s.LastSeen.IsZero() {
		delta := now.Sub(s.LastSeen).Seconds()
		if s.intervals.Len() >= maxIntervals {
			s.intervals.PopFront()
		}
		s.intervals.PushBack(delta)
	}
	s.LastSeen = now
	s.RequestCount++

	if s.paths.Len() >= maxPaths {
		s.paths.PopFront()
	}
	s.paths.PushBack(r.Path)

	s.methodsUsed[r.Method] = struct{}{}
	if r.UserAgent != "" {
		s.userAgents[r.UserAgent] = struct{}{}
	}
	if r.AcceptLanguage != "" {
		s.acceptLanguages[r.AcceptLanguage] = struct{}{}
	}
	s.headerOrderHashes[r.HeaderOrderHash] = struct{}{}
	if r.Referer != "" {
		s.HasReferer = true
	}
	if r.Cookie != "" {
		s.HasCookies = true
	}
}

// BehaviorAnalyzer tracks per-IP sessions and produces a bot-likelihood
// score in [0, 1] where 0 is human-like and 1 is bot-like.
type BehaviorAnalyzer struct {
	mu           sync.Mutex
	sessions     map[string]*IPSession
	lastCleanup  time.Time
}

// NewBehaviorAnalyzer creates an empty BehaviorAnalyzer.
func NewBehaviorAnalyzer() *BehaviorAnalyzer {
	return &BehaviorAnalyzer{sessions: make(map[string]*IPSession)}
}

// RecordAndScore records r against clientIP's session and returns the
// resulting bot-likelihood score.
func (a *BehaviorAnalyzer) RecordAndScore(clientIP string, r RequestInfo) float64 {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	a.maybeCleanup(now)

	session, ok := a.sessions[clientIP]
	if !ok {
		if len(a.sessions) >= MaxTrackedSessions {
			a.evictOldestLocked()
		}
		session = newIPSession()
		a.sessions[clientIP] = session
	}

	session.record(now, r)
	return computeScore(session)
}

// Session returns the tracked session for clientIP, if any.
func (a *BehaviorAnalyzer) Session(clientIP string) (*IPSession, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[clientIP]
	return s, ok
}

func (a *BehaviorAnalyzer) evictOldestLocked() {
	var oldestIP string
	var oldestTime time.Time
	for ip, s := range a.sessions {
		if oldestIP == "" || s.LastSeen.Before(oldestTime) {
			oldestIP = ip
			oldestTime = s.LastSeen
		}
	}
	if oldestIP != "" {
		delete(a.sessions, oldestIP)
	}
}

func (a *BehaviorAnalyzer) maybeCleanup(now time.Time) {
	if now.Sub(a.lastCleanup) < time.Minute {
		return
	}
	a.lastCleanup = now
	cutoff := now.Add(-SessionTTL)
	for ip, s := range a.sessions {
		if s.LastSeen.Before(cutoff) {
			delete(a.sessions, ip)
		}
	}
}

func computeScore(s *IPSession) float64 {
	if s.RequestCount < 3 {
		return 0.0
	}

	timing := timingRegularity(s)
	pathDiv := pathDiversity(s)
	header := headerConsistency(s)
	rate := rateScore(s)
	browser := browserIndicators(s)

	composite := timing*0.30 + (1.0-pathDiv)*0.15 + header*0.15 + rate*0.20 + browser*0.20
	return clamp01(composite)
}

func timingRegularity(s *IPSession) float64 {
	n := s.intervals.Len()
	if n < 5 {
		return 0.0
	}

	var sum float64
	for i := 0; i < n; i++ {
		sum += s.intervals.At(i)
	}
	mean := sum / float64(n)
	if mean == 0 {
		return 1.0
	}

	var variance float64
	for i := 0; i < n; i++ {
		d := s.intervals.At(i) - mean
		variance += d * d
	}
	variance /= float64(n)
	cv := math.Sqrt(variance) / mean

	switch {
	case cv < 0.05:
		return 1.0
	case cv < 0.15:
		return 0.7
	case cv < 0.3:
		return 0.3
	default:
		return 0.0
	}
}

func pathDiversity(s *IPSession) float64 {
	n := s.paths.Len()
	if n == 0 {
		return 0.0
	}
	unique := make(map[string]struct{}, n)
	for i := 0; i < n; i++ {
		unique[s.paths.At(i)] = struct{}{}
	}
	return float64(len(unique)) / float64(n)
}

func headerConsistency(s *IPSession) float64 {
	score := 0.0
	if len(s.userAgents) > 1 {
		score += 0.5
	}
	if len(s.acceptLanguages) > 2 {
		score += 0.3
	}
	if len(s.headerOrderHashes) > 2 {
		score += 0.2
	}
	return clamp01(score)
}

func rateScore(s *IPSession) float64 {
	duration := s.LastSeen.Sub(s.FirstSeen).Seconds()
	if duration < 1.0 {
		return 0.0
	}
	rps := float64(s.RequestCount) / duration
	switch {
	case rps > 20:
		return 1.0
	case rps > 10:
		return 0.7
	case rps > 5:
		return 0.3
	default:
		return 0.0
	}
}

func browserIndicators(s *IPSession) float64 {
	score := 0.0
	if !s.HasReferer && s.RequestCount > 5 {
		score += 0.4
	}
	if !s.HasCookies && s.RequestCount > 3 {
		score += 0.3
	}
	if len(s.acceptLanguages) == 0 {
		score += 0.3
	}
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
