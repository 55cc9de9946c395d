// Package lock provides the single-writer guard for a PMOS data directory.
// Every mutating process (a CLI command, serve, watch) holds it for its
// lifetime so two writers never interleave read-modify-write cycles.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("data directory is locked by another process")

const (
	FileName     = ".lock"
	pollInterval = 50 * time.Millisecond
)

// Lock is a held advisory lock.
type Lock struct {
	path string
	file *os.File
}

// Path is the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Acquire takes the lock on dir, retrying until timeout elapses or ctx is
// done. A zero timeout tries exactly once.
func Acquire(ctx context.Context, dir string, timeout time.Duration) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	path := filepath.Join(dir, FileName)
	deadline := time.Now().Add(timeout)
	for {
		l, err := tryLock(path)
		if err == nil {
			return l, nil
		}
		if !errors.Is(err, ErrLocked) || !time.Now().Before(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	closeErr := l.file.Close()
	l.file = nil
	if err != nil {
		return err
	}
	return closeErr
}

func tryLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	// Owner pid is informational only.
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &Lock{path: path, file: f}, nil
}
