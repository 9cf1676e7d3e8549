package detection

import "strings"

// heuristicWeights partitions the composite heuristic score across its six
// signals; they sum to 1.0.
var heuristicWeights = struct {
	HeaderCount   float64
	ContentLength float64
	UserAgent     float64
	PathEntropy   float64
	Rate          float64
	Behavior      float64
}{
	HeaderCount:   0.15,
	ContentLength: 0.10,
	UserAgent:     0.20,
	PathEntropy:   0.10,
	Rate:          0.20,
	Behavior:      0.25,
}

var suspiciousUATokens = []string{
	"python-requests", "curl", "wget", "go-http-client",
	"httpclient", "java/", "libwww", "okhttp",
}

// RequestFeatures is the set of request-level signals the heuristic scorer
// consumes.
type RequestFeatures struct {
	HeaderCount   int
	ContentLength int
	UserAgent     string
	Path          string
}

// HeuristicScorer combines baseline z-score deviations with the
// rate-limiter's pressure ratio and the behavior analyzer's bot score into
// a single [0, 1] threat score.
type HeuristicScorer struct{}

// NewHeuristicScorer creates a HeuristicScorer.
func NewHeuristicScorer() *HeuristicScorer { return &HeuristicScorer{} }

// Score returns 0.0 while the baseline isn't ready yet (learning mode
// allows everything), otherwise the weighted composite of all six
// signals.
func (sc *HeuristicScorer) Score(f RequestFeatures, b *Baseline, rateRatio, behaviorScore float64) float64 {
	if !b.Ready {
		return 0.0
	}

	headerCount := zToScore(float64(f.HeaderCount), b.MeanHeaderCount, b.StdHeaderCount)
	contentLength := zToScore(float64(f.ContentLength), b.MeanContentLength, b.StdContentLength)
	userAgent := scoreUserAgent(f.UserAgent)
	pathEntropy := scorePath(f.Path)
	rate := clamp01(rateRatio)
	behavior := clamp01(behaviorScore)

	composite := headerCount*heuristicWeights.HeaderCount +
		contentLength*heuristicWeights.ContentLength +
		userAgent*heuristicWeights.UserAgent +
		pathEntropy*heuristicWeights.PathEntropy +
		rate*heuristicWeights.Rate +
		behavior*heuristicWeights.Behavior

	return clamp01(composite)
}

func zToScore(value, mean, std float64) float64 {
	if std == 0 {
		return 0.0
	}
	z := value - mean
	if z < 0 {
		z = -z
	}
	z /= std

	switch {
	case z < 1.5:
		return 0.0
	case z < 3.0:
		return (z - 1.5) / 1.5
	default:
		return 1.0
	}
}

func scoreUserAgent(ua string) float64 {
	if ua == "" {
		return 0.9
	}
	lower := strings.ToLower(ua)
	for _, s := range suspiciousUATokens {
		if strings.Contains(lower, s) {
			return 0.5
		}
	}
	return 0.0
}

func scorePath(path string) float64 {
	if len(path) > 512 {
		return 0.8
	}
	unique := make(map[rune]struct{})
	for _, r := range path {
		unique[r] = struct{}{}
	}
	if len(unique) > 40 {
		return 0.5
	}
	return 0.0
}
