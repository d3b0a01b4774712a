package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	currentFile   = "session.json"
	checkpointDir = "checkpoints"
	checkpointExt = ".ckpt"
)

// FileStore keeps one directory per session:
//
//	<dir>/<id>/session.json
//	<dir>/<id>/checkpoints/<label>.ckpt
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger, now: time.Now, locks: make(map[string]*sync.Mutex)}, nil
}

func (f *FileStore) lock(id string) func() {
	f.mu.Lock()
	l, ok := f.locks[id]
	if !ok {
		l = &sync.Mutex{}
		f.locks[id] = l
	}
	f.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (f *FileStore) sessionDir(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("%w: session %q", ErrNotFound, id)
	}
	return filepath.Join(f.dir, id), nil
}

// Save atomically replaces the current slot of s.
func (f *FileStore) Save(s *Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	dir, err := f.sessionDir(s.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	defer f.lock(s.ID)()
	return writeAtomic(filepath.Join(dir, currentFile), data)
}

func (f *FileStore) Load(id string) (*Session, error) {
	dir, err := f.sessionDir(id)
	if err != nil {
		return nil, err
	}
	defer f.lock(id)()
	return readCurrent(filepath.Join(dir, currentFile), id)
}

func readCurrent(path, id string) (*Session, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrCorruptState, id, err)
	}
	if s.ID != id {
		return nil, fmt.Errorf("%w: session file %s holds id %q", ErrCorruptState, id, s.ID)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (f *FileStore) Checkpoint(s *Session, label string) (CheckpointInfo, error) {
	if err := s.Validate(); err != nil {
		return CheckpointInfo{}, err
	}
	dir, err := f.sessionDir(s.ID)
	if err != nil {
		return CheckpointInfo{}, err
	}
	defer f.lock(s.ID)()

	cpDir := filepath.Join(dir, checkpointDir)
	if label == "" {
		taken, err := listLabels(cpDir)
		if err != nil {
			return CheckpointInfo{}, err
		}
		label = nextLabel(taken)
	}
	if err := checkLabel(label); err != nil {
		return CheckpointInfo{}, err
	}
	path := filepath.Join(cpDir, label+checkpointExt)
	if _, err := os.Stat(path); err == nil {
		return CheckpointInfo{}, fmt.Errorf("%w: %s", ErrCheckpointExists, label)
	}

	rec := checkpointRecord{Label: label, CreatedAt: f.now().UTC(), Session: s}
	data, digest, err := encodeCheckpoint(rec)
	if err != nil {
		return CheckpointInfo{}, err
	}
	if err := writeAtomic(path, data); err != nil {
		return CheckpointInfo{}, err
	}
	return CheckpointInfo{
		SessionID: s.ID,
		Label:     label,
		CreatedAt: rec.CreatedAt,
		Digest:    digest,
		TurnCount: len(s.Turns),
	}, nil
}

func (f *FileStore) Restore(id, label string) (*Session, error) {
	if err := checkLabel(label); err != nil {
		return nil, err
	}
	dir, err := f.sessionDir(id)
	if err != nil {
		return nil, err
	}
	defer f.lock(id)()

	rec, _, err := readCheckpoint(filepath.Join(dir, checkpointDir, label+checkpointExt), id, label)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec.Session)
	if err != nil {
		return nil, fmt.Errorf("marshal session: %w", err)
	}
	if err := writeAtomic(filepath.Join(dir, currentFile), data); err != nil {
		return nil, err
	}
	return rec.Session, nil
}

func readCheckpoint(path, id, label string) (checkpointRecord, string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return checkpointRecord{}, "", fmt.Errorf("%w: checkpoint %s of session %s", ErrNotFound, label, id)
	}
	if err != nil {
		return checkpointRecord{}, "", fmt.Errorf("read checkpoint: %w", err)
	}
	rec, digest, err := decodeCheckpoint(data)
	if err != nil {
		return checkpointRecord{}, "", err
	}
	if rec.Session.ID != id || rec.Label != label {
		return checkpointRecord{}, "", fmt.Errorf("%w: checkpoint %s holds %s/%s", ErrCorruptState, label, rec.Session.ID, rec.Label)
	}
	return rec, digest, nil
}

// Checkpoints lists the checkpoints of id, oldest first. Unreadable
// checkpoints are skipped with a warning.
func (f *FileStore) Checkpoints(id string) ([]CheckpointInfo, error) {
	dir, err := f.sessionDir(id)
	if err != nil {
		return nil, err
	}
	defer f.lock(id)()

	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	cpDir := filepath.Join(dir, checkpointDir)
	labels, err := listLabels(cpDir)
	if err != nil {
		return nil, err
	}

	out := make([]CheckpointInfo, 0, len(labels))
	for label := range labels {
		rec, digest, err := readCheckpoint(filepath.Join(cpDir, label+checkpointExt), id, label)
		if err != nil {
			f.logger.Warn("skipping unreadable checkpoint", "session", id, "label", label, "error", err)
			continue
		}
		out = append(out, CheckpointInfo{
			SessionID: id,
			Label:     label,
			CreatedAt: rec.CreatedAt,
			Digest:    digest,
			TurnCount: len(rec.Session.Turns),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func listLabels(cpDir string) (map[string]bool, error) {
	entries, err := os.ReadDir(cpDir)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]bool{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	labels := make(map[string]bool, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		labels[strings.TrimSuffix(name, checkpointExt)] = true
	}
	return labels, nil
}

// List returns all readable sessions, most recently updated first.
func (f *FileStore) List() ([]Info, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}
	var out []Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		unlock := f.lock(id)
		s, err := readCurrent(filepath.Join(f.dir, id, currentFile), id)
		unlock()
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				f.logger.Warn("skipping unreadable session", "session", id, "error", err)
			}
			continue
		}
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Delete removes a session together with its checkpoints.
func (f *FileStore) Delete(id string) error {
	dir, err := f.sessionDir(id)
	if err != nil {
		return err
	}
	defer f.lock(id)()
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return os.RemoveAll(dir)
}

func (f *FileStore) Close() error { return nil }

// writeAtomic writes data to a temp file in the target directory and renames
// it over path, so readers see either the old or the new content.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	cleanup = false
	return nil
}
