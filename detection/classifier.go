package detection

import "strings"

// AttackType is a heuristic attack-taxonomy label assigned once a request's
// threat score crosses the pipeline's anomaly threshold.
type AttackType string

const (
	HTTPFlood           AttackType = "http_flood"
	Slowloris           AttackType = "slowloris"
	APIAbuse            AttackType = "api_abuse"
	CredentialStuffing  AttackType = "credential_stuffing"
	Scraping            AttackType = "scraping"
)

var loginPaths = map[string]struct{}{
	"/login":      {},
	"/auth":       {},
	"/api/login":  {},
	"/api/auth":   {},
	"/signin":     {},
	"/api/signin": {},
}

// ClassifierInput bundles the signals Classify needs beyond the request
// features already captured in RequestFeatures.
type ClassifierInput struct {
	Features      RequestFeatures
	Method        string
	RateCount     int64
	RateLimit     int64
	BehaviorScore float64
}

// Classifier assigns a best-effort attack-type label from rate pressure,
// behavior score, and a handful of path/method heuristics. At most one
// label is returned; the first matching rule wins.
type Classifier struct{}

// NewClassifier creates a Classifier.
func NewClassifier() *Classifier { return &Classifier{} }

// Classify returns the attack type for in, or "" if the request looks
// benign. Deterministic: identical input always yields the same label.
func (c *Classifier) Classify(in ClassifierInput) AttackType {
	var rateRatio float64
	if in.RateLimit > 0 {
		rateRatio = float64(in.RateCount) / float64(in.RateLimit)
	}

	ua := in.Features.UserAgent
	path := in.Features.Path
	method := in.Method

	if rateRatio > 0.6 && (ua == "" || in.BehaviorScore > 0.5) {
		return HTTPFlood
	}
	if rateRatio > 0.85 {
		return HTTPFlood
	}
	if in.Features.ContentLength == 0 && method == "POST" && in.BehaviorScore > 0.3 {
		return Slowloris
	}
	if _, ok := loginPaths[strings.ToLower(path)]; ok && method == "POST" && rateRatio > 0.3 {
		return CredentialStuffing
	}
	if strings.Contains(path, "/api/") && (method == "POST" || method == "PUT" || method == "DELETE") {
		if rateRatio > 0.5 || in.BehaviorScore > 0.6 {
			return APIAbuse
		}
	}
	if method == "GET" && in.BehaviorScore > 0.6 && rateRatio > 0.4 {
		return Scraping
	}
	return ""
}
