package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/codefionn/hostwarp/hostwarp-srv/logger"
)

// dialect holds what differs between the sqlite3 and postgres schemas.
type dialect struct {
	driver      string
	idColumn    string
	bigint      string
	timestamp   string
	placeholder func(n int) string
}

var (
	sqliteDialect = dialect{
		driver:      "sqlite3",
		idColumn:    "INTEGER PRIMARY KEY AUTOINCREMENT",
		bigint:      "INTEGER",
		timestamp:   "TIMESTAMP",
		placeholder: func(int) string { return "?" },
	}
	postgresDialect = dialect{
		driver:      "postgres",
		idColumn:    "BIGSERIAL PRIMARY KEY",
		bigint:      "BIGINT",
		timestamp:   "TIMESTAMPTZ",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	}
)

// rebind replaces every ? with the dialect's positional placeholder.
func (d dialect) rebind(query string) string {
	if d.driver == "sqlite3" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString(d.placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS connections (
			id %s,
			session_id TEXT,
			client_ip TEXT,
			target_host TEXT NOT NULL,
			target_port INTEGER NOT NULL,
			route TEXT NOT NULL,
			started_at %s NOT NULL,
			ended_at %s,
			bytes_sent %s NOT NULL DEFAULT 0,
			bytes_received %s NOT NULL DEFAULT 0,
			duration_ms %s NOT NULL DEFAULT 0,
			close_reason TEXT
		)`, d.idColumn, d.timestamp, d.timestamp, d.bigint, d.bigint, d.bigint),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS http_requests (
			id %s,
			connection_id %s NOT NULL,
			method TEXT NOT NULL,
			url TEXT NOT NULL,
			host TEXT NOT NULL,
			timestamp %s NOT NULL
		)`, d.idColumn, d.bigint, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS errors (
			id %s,
			connection_id %s NOT NULL,
			error_type TEXT NOT NULL,
			error_message TEXT,
			timestamp %s NOT NULL
		)`, d.idColumn, d.bigint, d.timestamp),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS security_events (
			id %s,
			client_ip TEXT,
			target_host TEXT NOT NULL,
			event_type TEXT NOT NULL,
			reason TEXT,
			timestamp %s NOT NULL
		)`, d.idColumn, d.timestamp),
		`CREATE INDEX IF NOT EXISTS idx_connections_target_host ON connections(target_host)`,
		`CREATE INDEX IF NOT EXISTS idx_http_requests_connection_id ON http_requests(connection_id)`,
	}
}

// SQLCollector implements Collector on database/sql for sqlite3 and postgres.
type SQLCollector struct {
	db      *sql.DB
	dialect dialect
}

// NewSQLiteCollector creates a new SQLite-based statistics collector
func NewSQLiteCollector(dbPath string) (*SQLCollector, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}

	if dbPath != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set WAL mode: %w", err)
		}
	}

	return newSQLCollector(db, sqliteDialect)
}

// NewPostgreSQLCollector creates a new PostgreSQL-based stats collector
func NewPostgreSQLCollector(connectionString string) (*SQLCollector, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newSQLCollector(db, postgresDialect)
}

func newSQLCollector(db *sql.DB, d dialect) (*SQLCollector, error) {
	c := &SQLCollector{db: db, dialect: d}
	for _, stmt := range d.schema() {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	logger.Debug("Initialized stats collector %s", d.driver)
	return c, nil
}

func (s *SQLCollector) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
	return err
}

// StartConnection records the start of a connection
func (s *SQLCollector) StartConnection(ctx context.Context, sessionID, clientIP, targetHost string, targetPort int, route string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, s.dialect.rebind(
		`INSERT INTO connections (session_id, client_ip, target_host, target_port, route, started_at)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
		sessionID, clientIP, targetHost, targetPort, route, time.Now().UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to record connection start: %w", err)
	}
	return id, nil
}

// EndConnection records the end of a connection
func (s *SQLCollector) EndConnection(ctx context.Context, connectionID, bytesSent, bytesReceived int64, duration time.Duration, closeReason string) error {
	err := s.exec(ctx,
		`UPDATE connections
		 SET ended_at = ?, bytes_sent = ?, bytes_received = ?, duration_ms = ?, close_reason = ?
		 WHERE id = ?`,
		time.Now().UTC(), bytesSent, bytesReceived, duration.Milliseconds(), closeReason, connectionID)
	if err != nil {
		return fmt.Errorf("failed to record connection end: %w", err)
	}
	return nil
}

// RecordHTTPRequest records an HTTP request
func (s *SQLCollector) RecordHTTPRequest(ctx context.Context, connectionID int64, method, url, host string) error {
	err := s.exec(ctx,
		`INSERT INTO http_requests (connection_id, method, url, host, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		connectionID, method, url, host, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record HTTP request: %w", err)
	}
	return nil
}

// RecordError records an error
func (s *SQLCollector) RecordError(ctx context.Context, connectionID int64, errorType, errorMessage string) error {
	err := s.exec(ctx,
		`INSERT INTO errors (connection_id, error_type, error_message, timestamp)
		 VALUES (?, ?, ?, ?)`,
		connectionID, errorType, errorMessage, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

// RecordBlockedRequest records a blocked request
func (s *SQLCollector) RecordBlockedRequest(ctx context.Context, clientIP, targetHost, reason string) error {
	err := s.exec(ctx,
		`INSERT INTO security_events (client_ip, target_host, event_type, reason, timestamp)
		 VALUES (?, ?, 'blocked', ?, ?)`,
		clientIP, targetHost, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record blocked request: %w", err)
	}
	return nil
}

// GetOverviewStats aggregates the recorded tables.
func (s *SQLCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	var o OverviewStats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN ended_at IS NULL THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_sent), 0),
		       COALESCE(SUM(bytes_received), 0)
		FROM connections`).Scan(&o.TotalConnections, &o.ActiveConnections, &o.TotalBytesSent, &o.TotalBytesRecv)
	if err != nil {
		return nil, fmt.Errorf("failed to query connections: %w", err)
	}

	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM http_requests`, &o.TotalRequests},
		{`SELECT COUNT(*) FROM errors`, &o.TotalErrors},
		{`SELECT COUNT(*) FROM security_events WHERE event_type = 'blocked'`, &o.BlockedRequests},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to query overview: %w", err)
		}
	}
	return &o, nil
}

// HealthCheck pings the database.
func (s *SQLCollector) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLCollector) Close() error {
	return s.db.Close()
}
