// Package audit records security-relevant session events to a bounded
// local ring buffer and forwards high-severity entries to a remote
// sink, best-effort.
package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity is the ring buffer size.
const DefaultCapacity = 1000

// Severity classifies an audit entry.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// remote reports whether entries of this severity are forwarded to the
// remote sink.
func (s Severity) remote() bool {
	return s == SeverityError || s == SeverityCritical
}

// Entry is a single audit record.
type Entry struct {
	ID               uuid.UUID      `json:"id"`
	Timestamp        time.Time      `json:"timestamp"`
	EventType        string         `json:"event_type"`
	Action           string         `json:"action"`
	Severity         Severity       `json:"severity"`
	MaskedIdentifier string         `json:"masked_identifier,omitempty"`
	Details          map[string]any `json:"details,omitempty"`
}

// Logger appends entries to a FIFO ring and dispatches error/critical
// entries to the sink without blocking the caller.
type Logger struct {
	mu    sync.Mutex
	buf   []Entry
	start int // index of oldest entry
	count int

	sink Sink
	log  *slog.Logger
	now  func() time.Time

	deliveries sync.WaitGroup
}

// Config holds audit logger configuration.
type Config struct {
	// Capacity of the local ring buffer. Defaults to DefaultCapacity.
	Capacity int
	// Sink receives error/critical entries. Nil disables forwarding.
	Sink Sink
	// Logger for diagnostics (delivery failures). Defaults to slog.Default.
	Logger *slog.Logger
}

// NewLogger creates an audit logger.
func NewLogger(cfg Config) *Logger {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Logger{
		buf:  make([]Entry, cfg.Capacity),
		sink: cfg.Sink,
		log:  cfg.Logger,
		now:  time.Now,
	}
}

// Log appends an entry. Never returns an error and never blocks on
// remote delivery.
func (l *Logger) Log(eventType, action string, severity Severity, details map[string]any) {
	l.logEntry(eventType, action, severity, "", details)
}

// AuthEvent records an authentication event. The identifier (email or
// account number) is masked before it is stored.
func (l *Logger) AuthEvent(action, identifier string, severity Severity, details map[string]any) {
	l.logEntry("auth", action, severity, MaskIdentifier(identifier), details)
}

// PaymentEvent records a payment-related event.
func (l *Logger) PaymentEvent(action string, severity Severity, details map[string]any) {
	l.logEntry("payment", action, severity, "", details)
}

// SecurityEvent records a security event (timeouts, refresh failures,
// forced logouts).
func (l *Logger) SecurityEvent(action string, severity Severity, details map[string]any) {
	l.logEntry("security", action, severity, "", details)
}

func (l *Logger) logEntry(eventType, action string, severity Severity, masked string, details map[string]any) {
	entry := Entry{
		ID:               uuid.New(),
		Timestamp:        l.now(),
		EventType:        eventType,
		Action:           action,
		Severity:         severity,
		MaskedIdentifier: masked,
		Details:          details,
	}

	l.mu.Lock()
	l.append(entry)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil && severity.remote() {
		l.deliveries.Add(1)
		go func() {
			defer l.deliveries.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := sink.Deliver(ctx, entry); err != nil {
				// Best-effort: never re-queued, never surfaced.
				l.log.Warn("audit delivery failed", "action", action, "error", err)
			}
		}()
	}
}

// append assumes l.mu is held. FIFO eviction once the ring is full.
func (l *Logger) append(entry Entry) {
	if l.count < len(l.buf) {
		l.buf[(l.start+l.count)%len(l.buf)] = entry
		l.count++
		return
	}
	l.buf[l.start] = entry
	l.start = (l.start + 1) % len(l.buf)
}

// Entries returns a snapshot of the buffer, oldest first.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// Len returns the number of buffered entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Wait blocks until in-flight remote deliveries finish. Intended for
// shutdown and tests.
func (l *Logger) Wait() {
	l.deliveries.Wait()
}

// MaskIdentifier hides all but the last four characters of an
// identifier. Short identifiers are fully masked.
func MaskIdentifier(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
