package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/apexion-ai/agentloop/internal/permission"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL,
    policy      TEXT NOT NULL DEFAULT '',
    turn_count  INTEGER DEFAULT 0,
    tokens      INTEGER DEFAULT 0,
    data        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS checkpoints (
    session_id  TEXT NOT NULL,
    label       TEXT NOT NULL,
    created_at  TEXT NOT NULL,
    digest      TEXT NOT NULL,
    turn_count  INTEGER DEFAULT 0,
    data        BLOB NOT NULL,
    PRIMARY KEY (session_id, label)
);
`

// timeLayout is fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store backed by a SQLite database. The current slot
// is JSON; checkpoints hold the same frames FileStore writes.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// DefaultDBPath returns the default database path (~/.local/share/agentloop/sessions.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "agentloop", "sessions.db"), nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures the schema exists.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("session database opened", "path", dbPath)
	return &SQLiteStore{db: db, logger: logger, now: time.Now}, nil
}

func (s *SQLiteStore) Save(sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.putCurrent(s.db, sess, data)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) putCurrent(db execer, sess *Session, data []byte) error {
	_, err := db.Exec(`
		INSERT OR REPLACE INTO sessions
			(id, created_at, updated_at, policy, turn_count, tokens, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID,
		sess.CreatedAt.UTC().Format(timeLayout),
		sess.UpdatedAt.UTC().Format(timeLayout),
		string(sess.Policy),
		len(sess.Turns),
		sess.Usage.TotalTokens,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Load(id string) (*Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeCurrent(id, []byte(data))
}

func decodeCurrent(id string, data []byte) (*Session, error) {
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptState, id, err)
	}
	if sess.ID != id {
		return nil, fmt.Errorf("%w: row %s holds id %q", ErrCorruptState, id, sess.ID)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *SQLiteStore) Checkpoint(sess *Session, label string) (CheckpointInfo, error) {
	if err := sess.Validate(); err != nil {
		return CheckpointInfo{}, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return CheckpointInfo{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if label == "" {
		taken, err := s.labels(tx, sess.ID)
		if err != nil {
			return CheckpointInfo{}, err
		}
		label = nextLabel(taken)
	}
	if err := checkLabel(label); err != nil {
		return CheckpointInfo{}, err
	}

	rec := checkpointRecord{Label: label, CreatedAt: s.now().UTC(), Session: sess}
	frame, digest, err := encodeCheckpoint(rec)
	if err != nil {
		return CheckpointInfo{}, err
	}
	_, err = tx.Exec(`
		INSERT INTO checkpoints (session_id, label, created_at, digest, turn_count, data)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, label, rec.CreatedAt.Format(timeLayout), digest, len(sess.Turns), frame,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return CheckpointInfo{}, fmt.Errorf("%w: %s", ErrCheckpointExists, label)
		}
		return CheckpointInfo{}, fmt.Errorf("save checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return CheckpointInfo{}, fmt.Errorf("commit checkpoint: %w", err)
	}
	return CheckpointInfo{
		SessionID: sess.ID,
		Label:     label,
		CreatedAt: rec.CreatedAt,
		Digest:    digest,
		TurnCount: len(sess.Turns),
	}, nil
}

func (s *SQLiteStore) labels(tx *sql.Tx, id string) (map[string]bool, error) {
	rows, err := tx.Query(`SELECT label FROM checkpoints WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	defer rows.Close()
	taken := make(map[string]bool)
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, fmt.Errorf("scan label: %w", err)
		}
		taken[l] = true
	}
	return taken, rows.Err()
}

func (s *SQLiteStore) Restore(id, label string) (*Session, error) {
	if err := checkLabel(label); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var frame []byte
	err = tx.QueryRow(`SELECT data FROM checkpoints WHERE session_id = ? AND label = ?`, id, label).Scan(&frame)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: checkpoint %s of session %s", ErrNotFound, label, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	rec, _, err := decodeCheckpoint(frame)
	if err != nil {
		return nil, err
	}
	if rec.Session.ID != id || rec.Label != label {
		return nil, fmt.Errorf("%w: checkpoint %s holds %s/%s", ErrCorruptState, label, rec.Session.ID, rec.Label)
	}

	data, err := json.Marshal(rec.Session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := s.putCurrent(tx, rec.Session, data); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit restore: %w", err)
	}
	return rec.Session, nil
}

// Checkpoints lists the checkpoints of id, oldest first.
func (s *SQLiteStore) Checkpoints(id string) ([]CheckpointInfo, error) {
	var exists int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("lookup session: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}

	rows, err := s.db.Query(`
		SELECT label, created_at, digest, turn_count
		FROM checkpoints WHERE session_id = ? ORDER BY created_at, label`, id)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []CheckpointInfo
	for rows.Next() {
		info := CheckpointInfo{SessionID: id}
		var createdAt string
		if err := rows.Scan(&info.Label, &createdAt, &info.Digest, &info.TurnCount); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		info.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) List() ([]Info, error) {
	rows, err := s.db.Query(`
		SELECT id, created_at, updated_at, policy, turn_count, tokens
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var createdAt, updatedAt, policy string
		if err := rows.Scan(&info.ID, &createdAt, &updatedAt, &policy, &info.Turns, &info.Tokens); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		info.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		info.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
		info.Policy = permission.Policy(policy)
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) Delete(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if _, err := tx.Exec("DELETE FROM checkpoints WHERE session_id = ?", id); err != nil {
		return fmt.Errorf("delete checkpoints: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
