// Package events defines the progress event contract between the scan graph
// runtime and its consumers, plus delivery plumbing: an in-process lossy
// buffered sink for SSE streaming and a PostgreSQL NOTIFY publisher for
// cross-replica delivery.
package events

import (
	"sync"
)

// Kind is the event category emitted by the graph runtime.
type Kind string

// Event kinds. Progress events are lossy under backpressure; StageComplete
// and Final are best-effort retried once.
const (
	KindStageStart    Kind = "stage_start"
	KindStageComplete Kind = "stage_complete"
	KindProgress      Kind = "progress"
	KindThreatStage   Kind = "threat_stage"
	KindFinal         Kind = "final"
	KindError         Kind = "error"
)

// Event is one progress event.
type Event struct {
	Kind    Kind `json:"kind"`
	Payload any  `json:"payload,omitempty"`
}

// Sink receives progress events from the runtime. Emit must never block:
// the runtime does not wait for the client to drain.
type Sink interface {
	Emit(kind Kind, payload any)
}

// ProgressPayload is the minimum payload carried by Progress events.
type ProgressPayload struct {
	Status        string `json:"status"`
	TotalAssets   int    `json:"total_assets"`
	AssetsScanned int    `json:"assets_scanned"`
	ScanType      string `json:"scan_type,omitempty"`
	PublicCount   int    `json:"public_count"`
	PrivateCount  int    `json:"private_count"`
}

// StagePayload identifies the stage for StageStart / StageComplete /
// ThreatStage events.
type StagePayload struct {
	Stage string `json:"stage"`
	Error string `json:"error,omitempty"`
}

// FinalPayload is the terminal event carried by Final (and Error) events.
type FinalPayload struct {
	Status           string   `json:"status"`
	ScanType         string   `json:"scan_type,omitempty"`
	TotalFindings    int      `json:"total_findings"`
	ActiveExploits   int      `json:"active_exploits"`
	InsertedFindings int      `json:"inserted_findings"`
	Errors           []string `json:"errors,omitempty"`
}

// NopSink discards all events.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Kind, any) {}

// BufferedSink is a bounded, non-blocking sink backed by a channel. When the
// buffer is full, progress events are dropped oldest-first; stage-complete
// and final events retry the drop-one-then-send cycle once more before
// giving up. Workers never block on it.
type BufferedSink struct {
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

// NewBufferedSink creates a sink with the given buffer capacity.
func NewBufferedSink(capacity int) *BufferedSink {
	if capacity <= 0 {
		capacity = 64
	}
	return &BufferedSink{ch: make(chan Event, capacity)}
}

// Events returns the receive side for the streaming consumer.
func (s *BufferedSink) Events() <-chan Event {
	return s.ch
}

// Emit implements Sink.
func (s *BufferedSink) Emit(kind Kind, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	evt := Event{Kind: kind, Payload: payload}
	cycles := 1
	if kind == KindStageComplete || kind == KindFinal || kind == KindError {
		cycles = 2
	}
	for i := 0; i < cycles; i++ {
		select {
		case s.ch <- evt:
			return
		default:
			// Buffer full: drop the oldest event to make room.
			select {
			case <-s.ch:
			default:
			}
		}
	}
	// Send after the last eviction so the newest event survives the drop.
	select {
	case s.ch <- evt:
	default:
	}
}

// Close closes the event channel. Emit becomes a no-op afterwards.
func (s *BufferedSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// CaptureSink records every event for test assertions.
type CaptureSink struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements Sink.
func (s *CaptureSink) Emit(kind Kind, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, Event{Kind: kind, Payload: payload})
}

// Events returns a snapshot of recorded events.
func (s *CaptureSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Kinds returns the recorded event kinds in order.
func (s *CaptureSink) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Kind, len(s.events))
	for i, e := range s.events {
		out[i] = e.Kind
	}
	return out
}
