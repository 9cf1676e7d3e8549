package detection

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"time"
)

// mlBlendWeight is how much weight the ML score gets against the
// heuristic score once the model is trained.
const mlBlendWeight = 0.4

// RequestSignals carries every request-level input the engine needs to
// score a request and classify it if the score crosses threshold. It
// replaces the dynamic header dict the original implementation passed
// around with a fixed, typed record.
type RequestSignals struct {
	Timestamp      time.Time
	ClientIP       string
	Method         string
	Path           string
	Query          string
	UserAgent      string
	ContentLength  int
	AcceptLanguage string
	Referer        string
	Cookie         string
	HeaderNames    []string // header names as the caller supplies them, for the order hash
	HasCookie      bool
	HasReferer     bool
}

// Engine orchestrates the baseline, behavior analyzer, heuristic scorer,
// and ML model into a single blended threat score, and classifies the
// attack type when that score crosses the pipeline's threshold.
type Engine struct {
	Baseline   *Baseline
	Behavior   *BehaviorAnalyzer
	Scorer     *HeuristicScorer
	ML         *MLModel
	Classifier *Classifier
}

// NewEngine wires the four detection subsystems together.
func NewEngine(baseline *Baseline, behavior *BehaviorAnalyzer, scorer *HeuristicScorer, ml *MLModel) *Engine {
	return &Engine{
		Baseline:   baseline,
		Behavior:   behavior,
		Scorer:     scorer,
		ML:         ml,
		Classifier: NewClassifier(),
	}
}

// Score runs the full detection pipeline for one request: it records the
// request against the behavior analyzer and baseline, scores it with both
// the heuristic scorer and the ML model (blending the two once the model
// is ready), and returns the request-level threat score in [0, 1] along
// with the behavior score it computed (the caller reuses this for
// Classify instead of recomputing it — see DESIGN.md's resolution of the
// double-behavior-score-compute open question).
func (e *Engine) Score(sig RequestSignals, rateCount, rateLimit int64) (score, behaviorScore float64) {
	headerHash := HeaderOrderHash(sig.HeaderNames)

	behaviorScore = e.Behavior.RecordAndScore(sig.ClientIP, RequestInfo{
		Path:            sig.Path,
		Method:          sig.Method,
		UserAgent:       sig.UserAgent,
		AcceptLanguage:  sig.AcceptLanguage,
		Referer:         sig.Referer,
		Cookie:          sig.Cookie,
		HeaderOrderHash: headerHash,
	})

	var rateRatio float64
	if rateLimit > 0 {
		rateRatio = float64(rateCount) / float64(rateLimit)
	}

	features := RequestFeatures{
		HeaderCount:   len(sig.HeaderNames),
		ContentLength: sig.ContentLength,
		UserAgent:     sig.UserAgent,
		Path:          sig.Path,
	}

	heuristic := e.Scorer.Score(features, e.Baseline, rateRatio, behaviorScore)

	vector := ExtractVector(features, sig.Method, sig.HasCookie, sig.HasReferer, sig.AcceptLanguage != "", rateRatio, behaviorScore)
	ml := e.ML.Score(vector)

	if e.ML.IsReady() {
		score = (1-mlBlendWeight)*heuristic + mlBlendWeight*ml
	} else {
		score = heuristic
	}

	e.ML.RecordSample(vector)
	e.Baseline.Record(Observation{
		Timestamp:     sig.Timestamp,
		ClientIP:      sig.ClientIP,
		HeaderCount:   features.HeaderCount,
		ContentLength: features.ContentLength,
	})

	return clamp01(score), behaviorScore
}

// Classify labels the attack type for a request already known to be
// anomalous, reusing the behavior score Score computed rather than
// recomputing it from a freshly constructed analyzer.
func (e *Engine) Classify(sig RequestSignals, rateCount, rateLimit int64, behaviorScore float64) AttackType {
	features := RequestFeatures{
		HeaderCount:   len(sig.HeaderNames),
		ContentLength: sig.ContentLength,
		UserAgent:     sig.UserAgent,
		Path:          sig.Path,
	}
	return e.Classifier.Classify(ClassifierInput{
		Features:      features,
		Method:        sig.Method,
		RateCount:     rateCount,
		RateLimit:     rateLimit,
		BehaviorScore: behaviorScore,
	})
}

// RunLearnLoop updates the baseline and attempts a training pass every
// tick until ctx is cancelled. Meant to run on a single dedicated
// goroutine, never concurrently with itself.
func (e *Engine) RunLearnLoop(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Baseline.Update()
			e.ML.MaybeTrain(ctx)
		}
	}
}

// HeaderOrderHash is the MD5 of the JSON-encoded list of header names in
// the order given — a cheap client-stack fingerprint independent of header
// values. The proxy passes the names sorted, because net/http does not keep
// the wire order of headers, so there the hash reflects which headers a
// client sends, not the order in which they arrived.
func HeaderOrderHash(names []string) string {
	data, _ := json.Marshal(names)
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
