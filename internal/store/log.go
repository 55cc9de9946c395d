package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Log is an ordered JSON Lines file of T records.
type Log[T any] struct {
	Path string
}

// NewLog returns a log bound to path.
func NewLog[T any](path string) Log[T] {
	return Log[T]{Path: path}
}

// ReadAll returns every record in file order. A missing file is an empty log.
func (l Log[T]) ReadAll() ([]T, error) {
	f, err := os.Open(l.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []T{}, nil
		}
		return nil, fmt.Errorf("open %s: %w", l.Path, err)
	}
	defer f.Close()

	out := []T{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", l.Path, line, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", l.Path, err)
	}
	return out, nil
}

// Append adds rec to the end of the log. The whole file is rewritten through
// WriteFileAtomic so a crash leaves either the old or the new log.
func (l Log[T]) Append(rec T) error {
	existing, err := os.ReadFile(l.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("read %s: %w", l.Path, err)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record for %s: %w", l.Path, err)
	}
	var buf bytes.Buffer
	buf.Grow(len(existing) + len(line) + 1)
	buf.Write(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.Write(line)
	buf.WriteByte('\n')
	return WriteFileAtomic(l.Path, buf.Bytes())
}

// RewriteAll replaces the log with recs.
func (l Log[T]) RewriteAll(recs []T) error {
	var buf bytes.Buffer
	for _, rec := range recs {
		line, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record for %s: %w", l.Path, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return WriteFileAtomic(l.Path, buf.Bytes())
}
