package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rcourtman/funnelgate/internal/gateway/store"
	"github.com/rcourtman/funnelgate/pkg/entitlements"
)

const defaultListLimit = 100

var (
	// ErrSessionIDRequired is returned when an upsert carries no session id.
	ErrSessionIDRequired = errors.New("ledger: session id is required")
	// ErrPaymentIntentRequired is returned when a refund carries no payment intent id.
	ErrPaymentIntentRequired = errors.New("ledger: payment intent id is required")
	// ErrInvalidStatus is returned for statuses outside paid/unpaid/refunded.
	ErrInvalidStatus = errors.New("ledger: invalid status")
)

// Ledger persists purchase records. Every mutation is a single-row upsert or
// a single-row conditional update, so concurrent writers converge on
// last-write-wins per key, except that refunded is terminal.
type Ledger struct {
	db  *store.DB
	now func() time.Time

	// afterRefundMiss runs between a refund update that matched nothing and
	// the tombstone insert. Tests use it to interleave a completion.
	afterRefundMiss func()
}

// New returns a ledger over db.
func New(db *store.DB) *Ledger {
	return &Ledger{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Ping checks database connectivity (used for readiness probes).
func (l *Ledger) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Upsert inserts or updates the row for rec.SessionID and returns the status
// actually stored. A row that is already refunded stays refunded, a row
// whose payment intent has a refund tombstone lands as refunded, and a
// pending write leaves a paid row paid.
func (l *Ledger) Upsert(ctx context.Context, rec *PurchaseRecord) (Status, error) {
	if rec == nil {
		return "", fmt.Errorf("purchase record is nil")
	}
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	if rec.SessionID == "" {
		return "", ErrSessionIDRequired
	}
	if !rec.Status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStatus, rec.Status)
	}

	now := l.now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	var amount sql.NullInt64
	if rec.AmountTotal != nil {
		amount = sql.NullInt64{Int64: *rec.AmountTotal, Valid: true}
	}

	query := l.db.Rebind(`
		INSERT INTO purchases (
			session_id, status, product_code, email, customer_id, payment_intent_id,
			amount_total, currency, raw, created_at, updated_at
		) VALUES (
			?,
			CASE WHEN ? <> '' AND EXISTS (SELECT 1 FROM refund_tombstones WHERE payment_intent_id = ?)
				THEN 'refunded' ELSE ? END,
			?, ?, ?, ?, ?, ?, ?, ?, ?
		)
		ON CONFLICT (session_id) DO UPDATE SET
			status = CASE
				WHEN purchases.status = 'refunded' OR excluded.status = 'refunded' THEN 'refunded'
				WHEN ? = 1 AND purchases.status = 'paid' THEN 'paid'
				ELSE excluded.status END,
			product_code = excluded.product_code,
			email = CASE WHEN excluded.email <> '' THEN excluded.email ELSE purchases.email END,
			customer_id = CASE WHEN excluded.customer_id <> '' THEN excluded.customer_id ELSE purchases.customer_id END,
			payment_intent_id = CASE WHEN excluded.payment_intent_id <> '' THEN excluded.payment_intent_id ELSE purchases.payment_intent_id END,
			amount_total = COALESCE(excluded.amount_total, purchases.amount_total),
			currency = CASE WHEN excluded.currency <> '' THEN excluded.currency ELSE purchases.currency END,
			raw = excluded.raw,
			updated_at = excluded.updated_at
		RETURNING status`)

	pending := 0
	if rec.Pending {
		pending = 1
	}

	var stored string
	err := l.db.QueryRowContext(ctx, query,
		rec.SessionID,
		rec.PaymentIntentID, rec.PaymentIntentID, string(rec.Status),
		string(rec.ProductCode), rec.Email, rec.CustomerID, rec.PaymentIntentID,
		amount, rec.Currency, string(rec.Raw), rec.CreatedAt.Unix(), rec.UpdatedAt.Unix(),
		pending,
	).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("upsert purchase %s: %w", rec.SessionID, err)
	}
	return Status(stored), nil
}

// MarkRefunded sets status=refunded on the row carrying paymentIntentID and
// reports how many rows matched. When nothing matches, a tombstone is recorded
// so a later session-keyed upsert for the same payment intent cannot land as
// paid, then the update is retried to catch a row inserted in between.
func (l *Ledger) MarkRefunded(ctx context.Context, paymentIntentID, eventID string) (int64, error) {
	paymentIntentID = strings.TrimSpace(paymentIntentID)
	if paymentIntentID == "" {
		return 0, ErrPaymentIntentRequired
	}
	now := l.now().Unix()

	affected, err := l.refundRows(ctx, paymentIntentID, now)
	if err != nil || affected > 0 {
		return affected, err
	}
	if l.afterRefundMiss != nil {
		l.afterRefundMiss()
	}

	_, err = l.db.ExecContext(ctx, l.db.Rebind(`
		INSERT INTO refund_tombstones (payment_intent_id, event_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (payment_intent_id) DO NOTHING`), paymentIntentID, eventID, now)
	if err != nil {
		return 0, fmt.Errorf("record refund tombstone %s: %w", paymentIntentID, err)
	}

	// An upsert that committed before the tombstone did not see it.
	return l.refundRows(ctx, paymentIntentID, now)
}

func (l *Ledger) refundRows(ctx context.Context, paymentIntentID string, now int64) (int64, error) {
	res, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE purchases SET status = 'refunded', updated_at = ?
		WHERE payment_intent_id = ?`), now, paymentIntentID)
	if err != nil {
		return 0, fmt.Errorf("mark refunded %s: %w", paymentIntentID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark refunded %s: rows affected: %w", paymentIntentID, err)
	}
	return affected, nil
}

// HasRefundTombstone reports whether a refund arrived for paymentIntentID
// before any purchase row carried it.
func (l *Ledger) HasRefundTombstone(ctx context.Context, paymentIntentID string) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, l.db.Rebind(
		`SELECT COUNT(*) FROM refund_tombstones WHERE payment_intent_id = ?`), paymentIntentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("lookup refund tombstone: %w", err)
	}
	return n > 0, nil
}

// PaidProductCodes returns the product codes of every paid row for sessionID.
func (l *Ledger) PaidProductCodes(ctx context.Context, sessionID string) ([]entitlements.ProductCode, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		`SELECT product_code FROM purchases WHERE session_id = ? AND status = 'paid'`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("query paid products: %w", err)
	}
	defer rows.Close()

	var codes []entitlements.ProductCode
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, fmt.Errorf("scan product code: %w", err)
		}
		codes = append(codes, entitlements.ProductCode(code))
	}
	return codes, rows.Err()
}

const selectColumns = `session_id, status, product_code, email, customer_id, payment_intent_id,
	amount_total, currency, raw, created_at, updated_at`

// Get retrieves a purchase by session id. It returns nil, nil when absent.
func (l *Ledger) Get(ctx context.Context, sessionID string) (*PurchaseRecord, error) {
	row := l.db.QueryRowContext(ctx, l.db.Rebind(
		`SELECT `+selectColumns+` FROM purchases WHERE session_id = ?`), sessionID)
	return scanPurchase(row)
}

// List returns purchases matching f, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]*PurchaseRecord, error) {
	var (
		where []string
		args  []any
	)
	if s := strings.TrimSpace(f.SessionID); s != "" {
		where = append(where, "session_id = ?")
		args = append(args, s)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	query := `SELECT ` + selectColumns + ` FROM purchases`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, l.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []*PurchaseRecord
	for rows.Next() {
		rec, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountByStatus returns a map of status -> row count.
func (l *Ledger) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM purchases GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count purchases by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPurchase(s scanner) (*PurchaseRecord, error) {
	var (
		rec                  PurchaseRecord
		status, product, raw string
		amount               sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.Scan(&rec.SessionID, &status, &product, &rec.Email, &rec.CustomerID, &rec.PaymentIntentID,
		&amount, &rec.Currency, &raw, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan purchase: %w", err)
	}
	rec.Status = Status(status)
	rec.ProductCode = entitlements.ProductCode(product)
	if amount.Valid {
		v := amount.Int64
		rec.AmountTotal = &v
	}
	if raw != "" {
		rec.Raw = []byte(raw)
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}
