package api

import (
	"encoding/json"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin/render"

	"github.com/mandadapu/neuralwarden/pkg/events"
)

// sseEvent builds an SSE render with an event id so reconnecting clients can
// resume via Last-Event-ID.
func sseEvent(id, kind string, data json.RawMessage) render.Render {
	return sse.Event{
		Id:    id,
		Event: kind,
		Data:  string(data),
	}
}

// wireEventName maps an internal event kind to the SSE event name clients
// subscribe on. Progress events surface their status token ("starting",
// "routing", "scanning", ...) and the terminal final kind is published as
// "complete"; everything else keeps its kind name.
func wireEventName(kind events.Kind, data json.RawMessage) string {
	switch kind {
	case events.KindProgress:
		var p struct {
			Status  string `json:"status"`
			Payload struct {
				Status string `json:"status"`
			} `json:"payload"`
		}
		if err := json.Unmarshal(data, &p); err == nil {
			if p.Payload.Status != "" {
				return p.Payload.Status
			}
			if p.Status != "" {
				return p.Status
			}
		}
		return string(kind)
	case events.KindFinal:
		return "complete"
	default:
		return string(kind)
	}
}

// liveEnvelope mirrors the wire shape of the event publisher's NOTIFY
// payload.
type liveEnvelope struct {
	ScanID    string          `json:"scan_id"`
	Kind      string          `json:"kind"`
	DBEventID int64           `json:"db_event_id"`
	Event     json.RawMessage `json:"event"`
	Truncated bool            `json:"truncated"`

	// Data is what gets rendered: the embedded event, or for truncated
	// envelopes the envelope itself so the client knows to refetch.
	Data json.RawMessage `json:"-"`
}

// decodeEnvelope parses a NOTIFY payload into a renderable event.
func decodeEnvelope(payload []byte) (liveEnvelope, bool) {
	var envelope liveEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return liveEnvelope{}, false
	}
	if envelope.Truncated || len(envelope.Event) == 0 {
		envelope.Data = payload
	} else {
		envelope.Data = envelope.Event
	}
	return envelope, true
}
