// Package history persists emitted reports to a sqlite database so a capture
// can be reviewed after the process exits.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NodePath81/rtpqos/internal/reporter"
	"github.com/NodePath81/rtpqos/internal/tracker"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS reports (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id        TEXT    NOT NULL,
	ts_ms             INTEGER NOT NULL,
	session_received  INTEGER NOT NULL,
	session_expected  INTEGER NOT NULL,
	session_lost      INTEGER NOT NULL,
	interval_received INTEGER,
	interval_expected INTEGER,
	interval_lost     INTEGER,
	interval_bytes    INTEGER,
	interval_wraps    INTEGER,
	mbps              REAL    NOT NULL
);
CREATE INDEX IF NOT EXISTS reports_session_ts ON reports (session_id, ts_ms);
`

const writeTimeout = 2 * time.Second

// Row is one stored report.
type Row struct {
	SessionID string                  `json:"session_id"`
	Time      time.Time               `json:"time"`
	Session   tracker.SessionReport   `json:"session"`
	Interval  *tracker.IntervalReport `json:"interval,omitempty"`
	Mbps      float64                 `json:"mbit_per_sec"`
}

type Store struct {
	db   *sql.DB
	path string
}

// Open creates the database file and schema if needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("history path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create history schema: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Record stores one report.
func (s *Store) Record(r reporter.Report) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	var ivReceived, ivExpected, ivLost, ivBytes, ivWraps sql.NullInt64
	if iv := r.Interval; iv != nil {
		ivReceived = sql.NullInt64{Int64: int64(iv.Received), Valid: true}
		ivExpected = sql.NullInt64{Int64: int64(iv.Expected), Valid: true}
		ivLost = sql.NullInt64{Int64: iv.Lost, Valid: true}
		ivBytes = sql.NullInt64{Int64: int64(iv.Bytes), Valid: true}
		ivWraps = sql.NullInt64{Int64: int64(iv.Wraps), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO reports (
		session_id, ts_ms, session_received, session_expected, session_lost,
		interval_received, interval_expected, interval_lost, interval_bytes, interval_wraps, mbps
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionID, r.Time.UnixMilli(),
		int64(r.Session.Received), int64(r.Session.Expected), r.Session.Lost,
		ivReceived, ivExpected, ivLost, ivBytes, ivWraps, r.Mbps)
	if err != nil {
		return fmt.Errorf("record report: %w", err)
	}
	return nil
}

// Recent returns up to limit reports of a session, newest first. An empty
// sessionID matches every session.
func (s *Store) Recent(sessionID string, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT session_id, ts_ms, session_received, session_expected, session_lost,
		interval_received, interval_expected, interval_lost, interval_bytes, interval_wraps, mbps
		FROM reports`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY ts_ms DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			row                                              Row
			tsMs, received, expected                         int64
			ivReceived, ivExpected, ivLost, ivBytes, ivWraps sql.NullInt64
		)
		if err := rows.Scan(&row.SessionID, &tsMs, &received, &expected, &row.Session.Lost,
			&ivReceived, &ivExpected, &ivLost, &ivBytes, &ivWraps, &row.Mbps); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		row.Time = time.UnixMilli(tsMs)
		row.Session.Received = uint64(received)
		row.Session.Expected = uint64(expected)
		if ivReceived.Valid {
			row.Interval = &tracker.IntervalReport{
				Received: uint64(ivReceived.Int64),
				Expected: uint64(ivExpected.Int64),
				Lost:     ivLost.Int64,
				Bytes:    uint64(ivBytes.Int64),
				Wraps:    uint32(ivWraps.Int64),
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
