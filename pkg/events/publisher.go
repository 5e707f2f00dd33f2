package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// ScanChannel returns the NOTIFY channel name for a scan's events.
// Format: "scan:{scan_id}"
func ScanChannel(scanID string) string {
	return "scan:" + scanID
}

// Publisher delivers scan events across replicas. Each event is stored in
// the scan_events table and broadcast via NOTIFY in a single transaction, so
// a replica that missed the notification can still catch up from the table.
type Publisher struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPublisher creates a Publisher on the given database handle.
func NewPublisher(db *sql.DB, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{db: db, logger: logger}
}

// Publish persists the event and broadcasts it on the scan's channel.
// pg_notify is transactional, so the INSERT and the NOTIFY commit atomically.
func (p *Publisher) Publish(ctx context.Context, scanID string, kind Kind, payload any) error {
	payloadJSON, err := json.Marshal(Event{Kind: kind, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshaling event payload: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO scan_events (scan_id, kind, payload, created_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		scanID, string(kind), payloadJSON, time.Now().UTC(),
	).Scan(&eventID)
	if err != nil {
		return fmt.Errorf("persisting scan event: %w", err)
	}

	notifyPayload, err := notifyEnvelope(payloadJSON, scanID, kind, eventID)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", ScanChannel(scanID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing event transaction: %w", err)
	}
	return nil
}

// EventsSince returns persisted events for a scan with id greater than
// afterID, in insertion order. Used by reconnecting stream clients to catch
// up on events their NOTIFY subscription missed.
func (p *Publisher) EventsSince(ctx context.Context, scanID string, afterID int64) ([]StoredEvent, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, kind, payload FROM scan_events
		 WHERE scan_id = $1 AND id > $2 ORDER BY id`,
		scanID, afterID)
	if err != nil {
		return nil, fmt.Errorf("querying scan events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		if err := rows.Scan(&e.ID, &e.Kind, &e.Payload); err != nil {
			return nil, fmt.Errorf("scanning scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// StoredEvent is a persisted scan event as read back from the database.
type StoredEvent struct {
	ID      int64           `json:"id"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// SinkFor adapts the publisher to the Sink interface for one scan. Publish
// failures are logged, not propagated: event delivery never fails a scan.
func (p *Publisher) SinkFor(scanID string) Sink {
	return &publisherSink{publisher: p, scanID: scanID}
}

type publisherSink struct {
	publisher *Publisher
	scanID    string
}

func (s *publisherSink) Emit(kind Kind, payload any) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.publisher.Publish(ctx, s.scanID, kind, payload); err != nil {
		s.publisher.logger.Warn("failed to publish scan event",
			"scan_id", s.scanID, "kind", kind, "error", err)
	}
}

// notifyEnvelope wraps the event JSON with routing fields for NOTIFY
// delivery. Payloads over PostgreSQL's 8000-byte NOTIFY limit are replaced
// by a truncation envelope; clients fetch the full event by db_event_id.
func notifyEnvelope(payloadJSON []byte, scanID string, kind Kind, eventID int64) (string, error) {
	envelope := map[string]any{
		"scan_id":     scanID,
		"kind":        string(kind),
		"db_event_id": eventID,
		"event":       json.RawMessage(payloadJSON),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshaling notify envelope: %w", err)
	}
	if len(raw) <= 7900 {
		return string(raw), nil
	}

	truncated, err := json.Marshal(map[string]any{
		"scan_id":     scanID,
		"kind":        string(kind),
		"db_event_id": eventID,
		"truncated":   true,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling truncated envelope: %w", err)
	}
	return string(truncated), nil
}
