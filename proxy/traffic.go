package proxy

import (
	"sync"
	"time"

	"github.com/sentinel-proxy/sentinel/geoip"
)

// trafficRingCapacity bounds how many recent traffic events the dashboard
// feed keeps in memory.
const trafficRingCapacity = 200

// TrafficEvent is one admission decision, recorded for the operator
// dashboard's live feed.
type TrafficEvent struct {
	Time       time.Time
	IP         string
	Action     string
	Path       string
	Method     string
	Geo        geoip.Record
	Score      float64
	AttackType string
	Rule       string
}

// TrafficRing is a fixed-capacity, most-recent-last ring buffer of traffic
// events, safe for concurrent use.
type TrafficRing struct {
	mu     sync.Mutex
	events []TrafficEvent
}

// NewTrafficRing creates an empty TrafficRing.
func NewTrafficRing() *TrafficRing {
	return &TrafficRing{events: make([]TrafficEvent, 0, trafficRingCapacity)}
}

// Record appends ev, evicting the oldest entry once the ring is full.
func (r *TrafficRing) Record(ev TrafficEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) >= trafficRingCapacity {
		r.events = append(r.events[:0], r.events[1:]...)
	}
	r.events = append(r.events, ev)
}

// Recent returns a copy of the currently buffered events, oldest first.
func (r *TrafficRing) Recent() []TrafficEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TrafficEvent, len(r.events))
	copy(out, r.events)
	return out
}
