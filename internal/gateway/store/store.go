// Package store opens the backing database shared by the purchase ledger,
// rate-limit counters and funnel audit log.
//
// SQLite serves single-node and development deployments. PostgreSQL is used
// when several gateway instances must observe the same counters and ledger.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies the SQL flavour behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// DB wraps *sql.DB with the dialect needed to rebind placeholders.
type DB struct {
	*sql.DB
	dialect Dialect
}

// Config selects the backing store.
type Config struct {
	// DatabaseURL, when set to a postgres:// or postgresql:// URL, selects PostgreSQL.
	DatabaseURL string
	// Dir holds the SQLite database file when DatabaseURL is empty.
	Dir string
}

// Open opens the configured store and ensures the schema exists.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	dsn := strings.TrimSpace(cfg.DatabaseURL)
	if dsn != "" {
		if !strings.HasPrefix(dsn, "postgres://") && !strings.HasPrefix(dsn, "postgresql://") {
			return nil, fmt.Errorf("unsupported database url scheme")
		}
		return OpenPostgres(ctx, dsn)
	}
	return OpenSQLite(ctx, cfg.Dir)
}

// OpenSQLite opens (or creates) the gateway database in dir.
func OpenSQLite(ctx context.Context, dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "funnelgate.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	db := &DB{DB: sqlDB, dialect: DialectSQLite}
	if err := db.initSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// OpenPostgres opens a PostgreSQL store through the pgx database/sql driver.
func OpenPostgres(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)

	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}

	db := &DB{DB: sqlDB, dialect: DialectPostgres}
	if err := db.initSchema(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// Dialect reports the SQL flavour of the store.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Rebind converts '?' placeholders to the store's native form.
func (db *DB) Rebind(query string) string {
	if db.dialect != DialectPostgres {
		return query
	}
	return rebindDollar(query)
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// The schema is portable between SQLite and PostgreSQL. Timestamps are unix seconds.
const schema = `
CREATE TABLE IF NOT EXISTS purchases (
	session_id        TEXT PRIMARY KEY,
	status            TEXT NOT NULL,
	product_code      TEXT NOT NULL,
	email             TEXT NOT NULL DEFAULT '',
	customer_id       TEXT NOT NULL DEFAULT '',
	payment_intent_id TEXT NOT NULL DEFAULT '',
	amount_total      BIGINT,
	currency          TEXT NOT NULL DEFAULT '',
	raw               TEXT NOT NULL DEFAULT '',
	created_at        BIGINT NOT NULL,
	updated_at        BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_purchases_payment_intent_id ON purchases(payment_intent_id);
CREATE INDEX IF NOT EXISTS idx_purchases_status ON purchases(status);

CREATE TABLE IF NOT EXISTS refund_tombstones (
	payment_intent_id TEXT PRIMARY KEY,
	event_id          TEXT NOT NULL DEFAULT '',
	created_at        BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS rate_limit_counters (
	counter_key  TEXT PRIMARY KEY,
	hits         BIGINT NOT NULL,
	window_start BIGINT NOT NULL,
	expires_at   BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_expires_at ON rate_limit_counters(expires_at);

CREATE TABLE IF NOT EXISTS funnel_events (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	detail     TEXT NOT NULL DEFAULT '',
	client_ip  TEXT NOT NULL DEFAULT '',
	request_id TEXT NOT NULL DEFAULT '',
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_funnel_events_session_id ON funnel_events(session_id);
`

func (db *DB) initSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init store schema: %w", err)
		}
	}
	return nil
}
