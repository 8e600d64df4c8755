package session

import (
	"sync"
	"time"
)

// Validity is the terminal signal for a gene-name field.
type Validity string

const (
	ValidityValid   Validity = "valid"
	ValidityInvalid Validity = "invalid"
	ValidityNeutral Validity = "neutral"
)

// progressBufferSize bounds the retained event history per session.
const progressBufferSize = 32

// Event is one coarse progress notification from a long computation.
type Event struct {
	Op       string    `json:"op"`
	Stage    string    `json:"stage"`
	Fraction float64   `json:"fraction"`
	At       time.Time `json:"at"`
}

// ProgressSink buffers the most recent progress events for polling. It is
// safe for concurrent use: computations append while observers snapshot.
type ProgressSink struct {
	mu     sync.Mutex
	events []Event
}

// Report appends an event, evicting the oldest past the buffer bound.
func (p *ProgressSink) Report(op, stage string, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, Event{Op: op, Stage: stage, Fraction: fraction, At: time.Now()})
	if len(p.events) > progressBufferSize {
		p.events = p.events[len(p.events)-progressBufferSize:]
	}
}

// Events returns a snapshot of the buffered events, oldest first.
func (p *ProgressSink) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// reporter adapts the sink to the cluster.Progress callback shape for a
// named operation.
func (p *ProgressSink) reporter(op string) func(stage string, fraction float64) {
	return func(stage string, fraction float64) {
		p.Report(op, stage, fraction)
	}
}
