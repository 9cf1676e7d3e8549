package detection_test

import (
	"testing"
	"time"

	"github.com/sentinel-proxy/sentinel/detection"
)

func TestBaseline_NotReadyBeforeMinSamples(t *testing.T) {
	b := detection.NewBaseline(detection.DefaultBaselineWindow)
	now := time.Now()
	for i := 0; i < 99; i++ {
		b.Record(detection.Observation{
			Timestamp:     now.Add(time.Duration(i) * time.Second),
			ClientIP:      "10.0.0.1",
			HeaderCount:   10,
			ContentLength: 100,
		})
	}
	b.Update()
	if b.Ready {
		t.Error("expected Ready=false with fewer than 100 observations")
	}
}

func TestBaseline_ReadyAndStatsAfterMinSamples(t *testing.T) {
	b := detection.NewBaseline(detection.DefaultBaselineWindow)
	now := time.Now()
	for i := 0; i < 150; i++ {
		headerCount := 10
		if i%2 == 0 {
			headerCount = 20
		}
		b.Record(detection.Observation{
			Timestamp:     now.Add(time.Duration(i) * time.Second),
			ClientIP:      "10.0.0.1",
			HeaderCount:   headerCount,
			ContentLength: 100,
		})
	}
	b.Update()
	if !b.Ready {
		t.Fatal("expected Ready=true with 150 observations")
	}
	if b.MeanHeaderCount != 15 {
		t.Errorf("expected mean header count 15, got %v", b.MeanHeaderCount)
	}
	if b.StdHeaderCount <= 0 {
		t.Errorf("expected nonzero std dev from alternating header counts, got %v", b.StdHeaderCount)
	}
	if b.MeanContentLength != 100 {
		t.Errorf("expected mean content length 100, got %v", b.MeanContentLength)
	}
	if b.StdContentLength != 1.0 {
		t.Errorf("expected std content length to fall back to 1.0 when all samples are identical, got %v", b.StdContentLength)
	}
}

func TestBaseline_EvictsObservationsOutsideWindow(t *testing.T) {
	b := detection.NewBaseline(50 * time.Millisecond)
	b.Record(detection.Observation{
		Timestamp: time.Now().Add(-time.Second),
		ClientIP:  "10.0.0.1",
	})
	if b.ObservationCount() != 0 {
		t.Fatalf("expected the stale observation to be evicted immediately, got count %d", b.ObservationCount())
	}

	b.Record(detection.Observation{Timestamp: time.Now(), ClientIP: "10.0.0.2"})
	if b.ObservationCount() != 1 {
		t.Errorf("expected 1 fresh observation to remain, got %d", b.ObservationCount())
	}
}
