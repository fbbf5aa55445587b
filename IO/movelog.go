package IO

import (
	"fmt"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// MoveLog is the append-only record of a game: "White: e4", "Black: e5", ...
type MoveLog struct {
	mu   sync.Mutex
	path string
}

// NewMoveLog truncates path; every session starts with an empty log.
func NewMoveLog(path string) (*MoveLog, error) {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, errors.Wrap(err, "reset move log")
	}
	return &MoveLog{path: path}, nil
}

func (l *MoveLog) Path() string { return l.path }

// Append writes one "<side>: <move>" line.
func (l *MoveLog) Append(side, move string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return errors.Wrap(err, "open move log")
	}
	if _, err := fmt.Fprintf(f, "%s: %s\n", side, move); err != nil {
		f.Close()
		return errors.Wrap(err, "append move log")
	}
	return errors.Wrap(f.Close(), "close move log")
}
