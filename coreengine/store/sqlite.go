package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/ledger"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS turns (
    turn_id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    provenance TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    stage TEXT NOT NULL DEFAULT '',
    score INTEGER NOT NULL DEFAULT 0,
    terminal_reason TEXT NOT NULL DEFAULT '',
    response TEXT NOT NULL DEFAULT '',
    utterances_json TEXT NOT NULL DEFAULT '[]',
    state_json TEXT NOT NULL DEFAULT '{}',
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
`

// SQLitePersister stores turns in a SQLite database.
type SQLitePersister struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string) (*SQLitePersister, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &SQLitePersister{db: db}, nil
}

// SaveTurn implements Persister. Duplicate turn ids are ignored.
func (s *SQLitePersister) SaveTurn(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	utterances, err := json.Marshal(rec.Utterances)
	if err != nil {
		return fmt.Errorf("encoding utterances: %w", err)
	}
	state, err := json.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO turns
		 (turn_id, session_id, provenance, role, stage, score, terminal_reason, response, utterances_json, state_json, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TurnID, rec.SessionID, string(rec.Provenance), rec.Role, rec.Stage, rec.Score,
		rec.TerminalReason, rec.Response, string(utterances), string(state), rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving turn %s: %w", rec.TurnID, err)
	}
	return nil
}

// LoadTurns implements Persister.
func (s *SQLitePersister) LoadTurns(ctx context.Context, sessionID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_id, session_id, provenance, role, stage, score, terminal_reason, response, utterances_json, state_json, created_at
		 FROM turns WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			rec        Record
			provenance string
			utterances string
			state      string
			createdAt  int64
		)
		if err := rows.Scan(&rec.TurnID, &rec.SessionID, &provenance, &rec.Role, &rec.Stage, &rec.Score,
			&rec.TerminalReason, &rec.Response, &utterances, &state, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		rec.Provenance = ledger.Provenance(provenance)
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		if err := json.Unmarshal([]byte(utterances), &rec.Utterances); err != nil {
			return nil, fmt.Errorf("decoding utterances of %s: %w", rec.TurnID, err)
		}
		if err := json.Unmarshal([]byte(state), &rec.State); err != nil {
			return nil, fmt.Errorf("decoding state of %s: %w", rec.TurnID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Driver implements Persister.
func (s *SQLitePersister) Driver() string { return "sqlite" }

// Close implements Persister.
func (s *SQLitePersister) Close() error { return s.db.Close() }

var _ Persister = (*SQLitePersister)(nil)
