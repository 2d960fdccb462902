package audit

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
)

// Sink receives high-severity entries. Delivery is best-effort; errors
// are logged by the caller and dropped.
type Sink interface {
	Deliver(ctx context.Context, entry Entry) error
}

// HTTPSink posts entries as JSON to a remote endpoint.
type HTTPSink struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPSink creates a sink posting to the given endpoint.
func NewHTTPSink(endpoint string) *HTTPSink {
	return &HTTPSink{Endpoint: endpoint, Client: http.DefaultClient}
}

// Deliver posts the entry. Non-2xx responses count as failures.
func (s *HTTPSink) Deliver(ctx context.Context, entry Entry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("audit endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// PostgresSink inserts entries into an audit_log table.
type PostgresSink struct {
	db *sql.DB
}

// NewPostgresSink creates a sink writing to the given database.
func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

// Deliver inserts the entry.
func (s *PostgresSink) Deliver(ctx context.Context, entry Entry) error {
	var details []byte
	if len(entry.Details) > 0 {
		b, err := json.Marshal(entry.Details)
		if err != nil {
			return err
		}
		details = b
	}

	query := `
		INSERT INTO audit_log (id, created_at, event_type, action, severity, masked_identifier, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.Timestamp, entry.EventType, entry.Action,
		string(entry.Severity), entry.MaskedIdentifier, details,
	)
	return err
}
