package detection_test

import (
	"testing"

	"github.com/sentinel-proxy/sentinel/detection"
)

func TestHeuristicScorer_ZeroWhileBaselineUnready(t *testing.T) {
	sc := detection.NewHeuristicScorer()
	baseline := &detection.Baseline{} // Ready: false
	got := sc.Score(detection.RequestFeatures{HeaderCount: 999}, baseline, 1.0, 1.0)
	if got != 0.0 {
		t.Errorf("expected 0 while baseline unready, got %v", got)
	}
}

func TestHeuristicScorer_AllSignalsTypicalYieldsZero(t *testing.T) {
	sc := detection.NewHeuristicScorer()
	baseline := &detection.Baseline{
		Ready:             true,
		MeanHeaderCount:   10,
		StdHeaderCount:    2,
		MeanContentLength: 100,
		StdContentLength:  50,
	}
	features := detection.RequestFeatures{
		HeaderCount:   10,
		ContentLength: 100,
		UserAgent:     "Mozilla/5.0 (Windows NT 10.0; Win64; x64)",
		Path:          "/catalog/items",
	}
	got := sc.Score(features, baseline, 0, 0)
	if got != 0.0 {
		t.Errorf("expected 0 for an entirely typical request, got %v", got)
	}
}

func TestHeuristicScorer_LargeZScoreSaturatesThatSignal(t *testing.T) {
	sc := detection.NewHeuristicScorer()
	baseline := &detection.Baseline{
		Ready:             true,
		MeanHeaderCount:   10,
		StdHeaderCount:    1,
		MeanContentLength: 100,
		StdContentLength:  50,
	}
	// header count is 4 std devs out (z=4 >= 3.0), every other signal typical.
	features := detection.RequestFeatures{
		HeaderCount:   14,
		ContentLength: 100,
		UserAgent:     "Mozilla/5.0",
		Path:          "/catalog",
	}
	got := sc.Score(features, baseline, 0, 0)
	want := 0.15 // header-count weight, fully saturated
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected composite score %v from saturated header-count signal alone, got %v", want, got)
	}
}

func TestHeuristicScorer_MidRangeZScoreScalesLinearly(t *testing.T) {
	sc := detection.NewHeuristicScorer()
	baseline := &detection.Baseline{
		Ready:             true,
		MeanHeaderCount:   10,
		StdHeaderCount:    1,
		MeanContentLength: 100,
		StdContentLength:  50,
	}
	// z = 2.0 -> (2.0-1.5)/1.5 = 1/3 of the header-count weight.
	features := detection.RequestFeatures{
		HeaderCount:   12,
		ContentLength: 100,
		UserAgent:     "Mozilla/5.0",
		Path:          "/catalog",
	}
	got := sc.Score(features, baseline, 0, 0)
	want := 0.15 * (1.0 / 3.0)
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected %v from a mid-range z-score, got %v", want, got)
	}
}

func TestHeuristicScorer_EmptyUserAgentAndLongPathAreSuspicious(t *testing.T) {
	sc := detection.NewHeuristicScorer()
	baseline := &detection.Baseline{
		Ready:             true,
		MeanHeaderCount:   10,
		StdHeaderCount:    2,
		MeanContentLength: 100,
		StdContentLength:  50,
	}
	longPath := make([]byte, 600)
	for i := range longPath {
		longPath[i] = byte('a' + i%26)
	}
	features := detection.RequestFeatures{
		HeaderCount:   10,
		ContentLength: 100,
		UserAgent:     "",
		Path:          string(longPath),
	}
	got := sc.Score(features, baseline, 0, 0)
	want := 0.20*0.9 + 0.10*0.8 // UserAgent weight * empty-UA score + path weight * long-path score
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected %v for empty UA + overlong path, got %v", want, got)
	}
}

func TestHeuristicScorer_RateAndBehaviorAreClampedAndWeighted(t *testing.T) {
	sc := detection.NewHeuristicScorer()
	baseline := &detection.Baseline{
		Ready:             true,
		MeanHeaderCount:   10,
		StdHeaderCount:    2,
		MeanContentLength: 100,
		StdContentLength:  50,
	}
	features := detection.RequestFeatures{
		HeaderCount:   10,
		ContentLength: 100,
		UserAgent:     "Mozilla/5.0",
		Path:          "/catalog",
	}
	// rateRatio and behaviorScore both over 1.0 must clamp to 1.0 before weighting.
	got := sc.Score(features, baseline, 5.0, 5.0)
	want := 0.20 + 0.25
	if got < want-1e-9 || got > want+1e-9 {
		t.Errorf("expected rate+behavior weights (%v) after clamping, got %v", want, got)
	}
}
