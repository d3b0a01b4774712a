package session

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrCorruptState     = errors.New("corrupt session state")
	ErrCheckpointExists = errors.New("checkpoint label already exists")
	ErrInvalidLabel     = errors.New("invalid checkpoint label")
)

// Store abstracts session persistence. The current slot of a session is
// replaced atomically on Save; checkpoints are immutable once written.
type Store interface {
	Save(s *Session) error
	Load(id string) (*Session, error)
	// Checkpoint snapshots s under label. An empty label picks cp-N.
	Checkpoint(s *Session, label string) (CheckpointInfo, error)
	// Restore replaces the current slot of id with the checkpoint and returns it.
	Restore(id, label string) (*Session, error)
	Checkpoints(id string) ([]CheckpointInfo, error)
	List() ([]Info, error)
	Delete(id string) error
	Close() error
}

// CheckpointInfo describes a stored checkpoint.
type CheckpointInfo struct {
	SessionID string
	Label     string
	CreatedAt time.Time
	Digest    string
	TurnCount int
}

var labelRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

func checkLabel(label string) error {
	if !labelRe.MatchString(label) {
		return fmt.Errorf("%w: %q", ErrInvalidLabel, label)
	}
	return nil
}

// nextLabel returns the first cp-N not in taken.
func nextLabel(taken map[string]bool) string {
	for n := len(taken) + 1; ; n++ {
		if l := fmt.Sprintf("cp-%d", n); !taken[l] {
			return l
		}
	}
}
