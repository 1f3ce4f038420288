// Package audit implements the append-only SystemEvent log: an async,
// buffered writer so audit writes never block the request or worker path
// that triggered them.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/fleetctl/pkg/notify"
)

// Severity classifies a SystemEvent for operator triage.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Entry is a single audit log entry to be written.
type Entry struct {
	ClientID   uuid.UUID
	Severity   Severity
	Type       string
	Message    string
	Context    json.RawMessage
	ResourceID uuid.UUID
}

// Writer is an async, buffered SystemEvent writer. Entries are sent to an
// internal channel and flushed in batches by a background goroutine.
type Writer struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	entries  chan Entry
	wg       sync.WaitGroup
	notifier *notify.Notifier
}

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// NewWriter creates a Writer. Call Start to begin processing entries.
// notifier may be a disabled Notifier; critical entries are posted to it
// after each flush regardless, since PostAlert on a disabled notifier is a
// harmless log-only noop.
func NewWriter(pool *pgxpool.Pool, notifier *notify.Notifier, logger *slog.Logger) *Writer {
	return &Writer{
		pool:     pool,
		logger:   logger,
		entries:  make(chan Entry, bufferSize),
		notifier: notifier,
	}
}

// Start begins the background flush loop. It returns once ctx is cancelled
// and all pending entries have been flushed.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for all pending entries to be flushed.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues an entry for async writing. It never blocks the caller; if
// the buffer is full the entry is dropped and a warning is logged.
func (w *Writer) Log(entry Entry) {
	select {
	case w.entries <- entry:
	default:
		w.logger.Warn("audit log buffer full, dropping entry",
			"type", entry.Type, "severity", entry.Severity)
	}
}

// Critical is a convenience wrapper for SeverityCritical entries, used by
// invariant-violation and emergency-deadline-miss call sites.
func (w *Writer) Critical(clientID uuid.UUID, eventType, message string, ctx json.RawMessage) {
	w.Log(Entry{ClientID: clientID, Severity: SeverityCritical, Type: eventType, Message: message, Context: ctx})
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []Entry) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(flushCtx)
	if err != nil {
		w.logger.Error("acquiring connection for audit flush", "error", err)
		return
	}
	defer conn.Release()

	const stmt = `INSERT INTO system_events (id, client_id, severity, type, message, context, resource_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`

	for _, e := range entries {
		var resourceID any
		if e.ResourceID != uuid.Nil {
			resourceID = e.ResourceID
		}
		if _, err := conn.Exec(flushCtx, stmt, uuid.New(), e.ClientID, e.Severity, e.Type, e.Message, e.Context, resourceID); err != nil {
			w.logger.Error("writing system event", "error", err, "type", e.Type, "severity", e.Severity)
		}
		if e.Severity == SeverityCritical && w.notifier != nil {
			if err := w.notifier.PostAlert(flushCtx, notify.Alert{
				EventType: e.Type,
				Severity:  string(e.Severity),
				Message:   e.Message,
				AgentID:   agentIDFromEntry(e),
			}); err != nil {
				w.logger.Error("posting critical alert to slack", "error", err, "type", e.Type)
			}
		}
	}
}

func agentIDFromEntry(e Entry) string {
	if e.ResourceID == uuid.Nil {
		return ""
	}
	return e.ResourceID.String()
}
