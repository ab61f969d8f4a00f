package store

import (
	"database/sql"
	"fmt"

	"github.com/zjrosen/loom/internal/log"
	"github.com/zjrosen/loom/internal/loomerr"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// archiveSchema indexes terminal sessions so GetCompletedSessions does not
// have to scan every session directory. session.json files remain the
// source of truth; the index is rebuilt from them on ReloadFromFiles.
const archiveSchema = `
CREATE TABLE IF NOT EXISTS completed_sessions (
	session_id TEXT PRIMARY KEY,
	requirement TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	plan_count INTEGER NOT NULL DEFAULT 0,
	completed_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_completed_at ON completed_sessions(completed_at DESC);
`

// Archive is the sqlite-backed completed-session index.
type Archive struct {
	db   *sql.DB
	path string
}

// OpenArchive opens (creating if needed) the archive database.
func OpenArchive(path string) (*Archive, error) {
	log.Debug(log.CatStore, "Opening archive index", "path", path)
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "opening archive index")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "pinging archive index")
	}
	if _, err := db.Exec(archiveSchema); err != nil {
		_ = db.Close()
		return nil, loomerr.Wrap(loomerr.CodeStoreIO, err, "applying archive schema")
	}
	return &Archive{db: db, path: path}, nil
}

// Record upserts one terminal session into the index.
func (a *Archive) Record(sess *Session) error {
	_, err := a.db.Exec(`
		INSERT INTO completed_sessions (session_id, requirement, status, plan_count, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			requirement = excluded.requirement,
			status = excluded.status,
			plan_count = excluded.plan_count,
			completed_at = excluded.completed_at`,
		sess.ID, sess.Requirement, string(sess.Status), len(sess.Plans), sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("recording completed session: %w", err)
	}
	return nil
}

// Completed returns up to limit entries, most recently completed first.
// limit <= 0 means no limit.
func (a *Archive) Completed(limit int) ([]ArchiveEntry, error) {
	query := `SELECT session_id, requirement, status, plan_count, completed_at
		FROM completed_sessions ORDER BY completed_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying completed sessions: %w", err)
	}
	defer rows.Close()

	var out []ArchiveEntry
	for rows.Next() {
		var e ArchiveEntry
		var status string
		if err := rows.Scan(&e.SessionID, &e.Requirement, &status, &e.PlanCount, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scanning completed session: %w", err)
		}
		e.Status = SessionStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Rebuild replaces the index content with the given terminal sessions.
func (a *Archive) Rebuild(terminal []*Session) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning rebuild: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM completed_sessions`); err != nil {
		return fmt.Errorf("clearing archive index: %w", err)
	}
	for _, sess := range terminal {
		if _, err := tx.Exec(`
			INSERT INTO completed_sessions (session_id, requirement, status, plan_count, completed_at)
			VALUES (?, ?, ?, ?, ?)`,
			sess.ID, sess.Requirement, string(sess.Status), len(sess.Plans), sess.UpdatedAt); err != nil {
			return fmt.Errorf("re-indexing session %s: %w", sess.ID, err)
		}
	}
	return tx.Commit()
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}
