package stats

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
)

// sqlStore holds the queries shared by the SQLite and PostgreSQL
// collectors. Queries are written with ? placeholders and rebound for
// PostgreSQL.
type sqlStore struct {
	db      *sql.DB
	dollar  bool // use $n placeholders
	started time.Time
}

func newSQLStore(db *sql.DB, dollar bool) *sqlStore {
	return &sqlStore{db: db, dollar: dollar, started: time.Now()}
}

// bind rewrites ? placeholders to $1, $2, ... when needed.
func (s *sqlStore) bind(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const insertRequestSQL = `INSERT INTO requests
	(route_id, method, path, status_code, upstream, client_ip, bytes_in, bytes_out, duration_us, error_code, ts)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func requestArgs(rec RequestRecord) []any {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return []any{
		rec.RouteID, rec.Method, rec.Path, rec.Status, rec.Upstream, rec.ClientIP,
		rec.BytesIn, rec.BytesOut, rec.Duration.Microseconds(), rec.ErrorCode, ts.UnixNano(),
	}
}

func (s *sqlStore) RecordRequest(ctx context.Context, rec RequestRecord) error {
	if _, err := s.db.ExecContext(ctx, s.bind(insertRequestSQL), requestArgs(rec)...); err != nil {
		return fmt.Errorf("failed to record request: %w", err)
	}
	return nil
}

// RecordRequests writes recs in a single transaction.
func (s *sqlStore) RecordRequests(ctx context.Context, recs []RequestRecord) (err error) {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Warn("Stats batch rollback failed: %v", rbErr)
			}
		}
	}()

	stmt, err := tx.PrepareContext(ctx, s.bind(insertRequestSQL))
	if err != nil {
		return fmt.Errorf("failed to prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err = stmt.ExecContext(ctx, requestArgs(rec)...); err != nil {
			return fmt.Errorf("failed to record request: %w", err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (s *sqlStore) RecordError(ctx context.Context, routeID, errorType, errorMessage string) error {
	return s.recordErrorAt(ctx, routeID, errorType, errorMessage, time.Now())
}

func (s *sqlStore) recordErrorAt(ctx context.Context, routeID, errorType, errorMessage string, ts time.Time) error {
	_, err := s.db.ExecContext(ctx,
		s.bind(`INSERT INTO errors (route_id, error_type, error_message, ts) VALUES (?, ?, ?, ?)`),
		routeID, errorType, errorMessage, ts.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record error: %w", err)
	}
	return nil
}

func (s *sqlStore) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	stats := &OverviewStats{}

	var avgMicros float64
	query := `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN status_code >= 500 THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN route_id = '' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(bytes_in), 0),
		COALESCE(SUM(bytes_out), 0),
		COALESCE(AVG(duration_us), 0)
		FROM requests`
	err := s.db.QueryRowContext(ctx, query).Scan(
		&stats.TotalRequests, &stats.ServerErrors, &stats.UnmatchedRequests,
		&stats.TotalBytesIn, &stats.TotalBytesOut, &avgMicros)
	if err != nil {
		return nil, fmt.Errorf("failed to get request totals: %w", err)
	}
	stats.AvgLatencyMs = avgMicros / 1000

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM errors").Scan(&stats.TotalErrors); err != nil {
		return nil, fmt.Errorf("failed to get total errors: %w", err)
	}

	stats.Uptime = time.Since(s.started).Round(time.Second).String()
	return stats, nil
}

func (s *sqlStore) GetRouteStats(ctx context.Context, limit int) (routes []RouteStats, err error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.bind(`
		SELECT route_id, COUNT(*) AS request_count,
		       COALESCE(SUM(CASE WHEN status_code >= 500 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(bytes_in + bytes_out), 0),
		       COALESCE(AVG(duration_us), 0),
		       MAX(ts)
		FROM requests
		WHERE route_id <> ''
		GROUP BY route_id
		ORDER BY request_count DESC, route_id
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get route stats: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	routes = []RouteStats{}
	for rows.Next() {
		var rs RouteStats
		var avgMicros float64
		var lastTS int64
		if err := rows.Scan(&rs.RouteID, &rs.RequestCount, &rs.ErrorCount, &rs.TotalBytes, &avgMicros, &lastTS); err != nil {
			return nil, fmt.Errorf("failed to scan route stats row: %w", err)
		}
		rs.AvgLatencyMs = avgMicros / 1000
		rs.LastAccess = time.Unix(0, lastTS)
		routes = append(routes, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate route stats: %w", err)
	}
	return routes, nil
}

func (s *sqlStore) GetRecentErrors(ctx context.Context, limit int) (summaries []ErrorSummary, err error) {
	if limit <= 0 {
		limit = 100
	}
	query := s.bind(`
		SELECT e.error_type, COUNT(*), MAX(e.ts),
		       (SELECT l.error_message FROM errors l
		        WHERE l.error_type = e.error_type
		        ORDER BY l.ts DESC, l.id DESC LIMIT 1)
		FROM errors e
		GROUP BY e.error_type
		ORDER BY MAX(e.ts) DESC
		LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent errors: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("failed to close rows: %w", closeErr)
		}
	}()

	summaries = []ErrorSummary{}
	for rows.Next() {
		var summary ErrorSummary
		var lastTS int64
		var lastMessage sql.NullString
		if err := rows.Scan(&summary.ErrorType, &summary.Count, &lastTS, &lastMessage); err != nil {
			return nil, fmt.Errorf("failed to scan error summary row: %w", err)
		}
		summary.LastOccurred = time.Unix(0, lastTS)
		summary.LastMessage = lastMessage.String
		summaries = append(summaries, summary)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate error summaries: %w", err)
	}
	return summaries, nil
}

func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *sqlStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
