// Package detection implements Sentinel's anomaly-detection stack: the
// rolling traffic baseline, per-IP behavioral analysis, the heuristic
// z-score scorer, the isolation-forest ML model, the attack classifier,
// and the engine that blends them all into a single request score.
package detection

import (
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"
)

// DefaultBaselineWindow is 24 hours of traffic observations.
const DefaultBaselineWindow = 24 * time.Hour

// Observation is one recorded sample feeding the baseline model.
type Observation struct {
	Timestamp     time.Time
	ClientIP      string
	HeaderCount   int
	ContentLength int
}

// Baseline learns "normal" traffic over a rolling window and exposes the
// mean/std of a handful of features once enough samples have accumulated.
type Baseline struct {
	mu         sync.Mutex
	window     time.Duration
	obs        []Observation
	ipsSeen    map[string]struct{}
	minSamples int

	MeanRPS            float64
	StdRPS             float64
	MeanHeaderCount     float64
	StdHeaderCount      float64
	MeanContentLength   float64
	StdContentLength    float64
	Ready               bool
}

// NewBaseline creates a Baseline with the given observation window.
func NewBaseline(window time.Duration) *Baseline {
	return &Baseline{
		window:     window,
		ipsSeen:    make(map[string]struct{}),
		minSamples: 100,
		StdRPS:     1.0,
		StdHeaderCount:    1.0,
		StdContentLength:  1.0,
	}
}

// Record appends an observation and evicts samples outside the window.
func (b *Baseline) Record(o Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.obs = append(b.obs, o)
	b.ipsSeen[o.ClientIP] = struct{}{}
	b.evictLocked()
}

// ObservationCount returns the number of samples currently retained.
func (b *Baseline) ObservationCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.obs)
}

// Update recomputes the baseline's statistics from the current window.
// A no-op (leaving Ready unset) until minSamples observations exist.
func (b *Baseline) Update() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()

	n := len(b.obs)
	if n < b.minSamples {
		return
	}

	headerCounts := make([]float64, n)
	contentLengths := make([]float64, n)
	for i, o := range b.obs {
		headerCounts[i] = float64(o.HeaderCount)
		contentLengths[i] = float64(o.ContentLength)
	}

	span := b.obs[n-1].Timestamp.Sub(b.obs[0].Timestamp).Seconds()
	if span > 0 {
		const bucketSize = 60.0
		nBuckets := int(span / bucketSize)
		if nBuckets < 1 {
			nBuckets = 1
		}
		rps := rpsHistogram(b.obs, bucketSize, nBuckets)
		b.MeanRPS = stat.Mean(rps, nil)
		b.StdRPS = stat.StdDev(rps, nil)
		if b.StdRPS == 0 {
			b.StdRPS = 1.0
		}
	}

	b.MeanHeaderCount = stat.Mean(headerCounts, nil)
	b.StdHeaderCount = stat.StdDev(headerCounts, nil)
	if b.StdHeaderCount == 0 {
		b.StdHeaderCount = 1.0
	}
	b.MeanContentLength = stat.Mean(contentLengths, nil)
	b.StdContentLength = stat.StdDev(contentLengths, nil)
	if b.StdContentLength == 0 {
		b.StdContentLength = 1.0
	}
	b.Ready = true
}

func (b *Baseline) evictLocked() {
	cutoff := time.Now().Add(-b.window)
	i := 0
	for i < len(b.obs) && b.obs[i].Timestamp.Before(cutoff) {
		i++
	}
	b.obs = b.obs[i:]
}

// rpsHistogram buckets observation timestamps into nBuckets fixed-width
// buckets spanning the full observation range and returns per-bucket
// requests-per-second.
func rpsHistogram(obs []Observation, bucketSize float64, nBuckets int) []float64 {
	if len(obs) == 0 {
		return nil
	}
	start := obs[0].Timestamp
	counts := make([]float64, nBuckets)
	span := obs[len(obs)-1].Timestamp.Sub(start).Seconds()
	width := span / float64(nBuckets)
	if width <= 0 {
		width = bucketSize
	}
	for _, o := range obs {
		offset := o.Timestamp.Sub(start).Seconds()
		idx := int(offset / width)
		if idx >= nBuckets {
			idx = nBuckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		counts[idx]++
	}
	for i := range counts {
		counts[i] /= bucketSize
	}
	return counts
}
