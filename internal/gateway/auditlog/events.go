package auditlog

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	"github.com/rcourtman/funnelgate/internal/gateway/store"
)

const maxDetailBytes = 2048

// Event names accepted from funnel clients.
const (
	EventAnalysisFallback  = "analysis_fallback"
	EventAnalysisCompleted = "analysis_completed"
	EventCheckoutStarted   = "checkout_started"
	EventPaymentConfirmed  = "payment_confirmed"

	// EventWebhookQuarantined is recorded server-side only.
	EventWebhookQuarantined = "webhook_quarantined"
)

var clientEvents = map[string]struct{}{
	EventAnalysisFallback:  {},
	EventAnalysisCompleted: {},
	EventCheckoutStarted:   {},
	EventPaymentConfirmed:  {},
}

// IsClientEvent reports whether name may be posted by a funnel client.
func IsClientEvent(name string) bool {
	_, ok := clientEvents[name]
	return ok
}

// Event is one audit record tied to a funnel session.
type Event struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Recorder persists audit events.
type Recorder interface {
	Record(ctx context.Context, ev *Event) error
}

// Store keeps funnel audit events in the shared backing store.
type Store struct {
	db  *store.DB
	now func() time.Time
}

// NewStore returns an audit event store over db.
func NewStore(db *store.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Record assigns an id and timestamp when missing and inserts ev.
func (s *Store) Record(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("audit event is nil")
	}
	if strings.TrimSpace(ev.SessionID) == "" || strings.TrimSpace(ev.Event) == "" {
		return fmt.Errorf("audit event requires session id and event name")
	}
	if ev.ID == "" {
		ev.ID = ulid.Make().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	ev.Detail = truncateDetail(ev.Detail)

	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO funnel_events (id, session_id, event, detail, client_ip, request_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ev.SessionID, ev.Event, ev.Detail, ev.ClientIP, ev.RequestID, ev.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record audit event %s: %w", ev.Event, err)
	}
	return nil
}

// ListBySession returns the events for sessionID in recording order.
func (s *Store) ListBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, session_id, event, detail, client_ip, request_id, created_at
		FROM funnel_events WHERE session_id = ? ORDER BY id`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			ev      Event
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.Event, &ev.Detail, &ev.ClientIP, &ev.RequestID, &created); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		ev.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// truncateDetail caps detail at maxDetailBytes without splitting a rune and
// drops invalid UTF-8 from the input.
func truncateDetail(detail string) string {
	detail = strings.ToValidUTF8(detail, "")
	if len(detail) <= maxDetailBytes {
		return detail
	}
	n := maxDetailBytes
	for n > 0 && !utf8.RuneStart(detail[n]) {
		n--
	}
	return detail[:n]
}
