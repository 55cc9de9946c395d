// Package app wires a workspace into a ready engine: config, data dir,
// process lock and event journal.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"pmos/internal/config"
	"pmos/internal/db"
	"pmos/internal/engine"
	"pmos/internal/events"
	"pmos/internal/lock"
)

// Options override values from pmos.yml. Empty fields keep the file value.
type Options struct {
	Workspace string
	VaultRoot string
	DataDir   string
	Logger    *slog.Logger
	// ReadOnly skips the process lock for commands that never write.
	ReadOnly bool
}

// Session holds the resources behind an engine until Close.
type Session struct {
	Engine  engine.Engine
	Config  *config.Config
	DataDir string
	Journal *sql.DB

	lock *lock.Lock
}

// LoadConfig reads pmos.yml when present and applies overrides.
func LoadConfig(opts Options) (*config.Config, error) {
	cfg, err := config.LoadOptional(opts.Workspace)
	if err != nil {
		return nil, err
	}
	if opts.VaultRoot != "" {
		cfg.Vault.Root = opts.VaultRoot
	}
	if opts.DataDir != "" {
		cfg.Data.Dir = opts.DataDir
	}
	if cfg.Vault.Root != "" && !filepath.IsAbs(cfg.Vault.Root) && opts.Workspace != "" {
		cfg.Vault.Root = filepath.Join(opts.Workspace, cfg.Vault.Root)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Open prepares a session for the workspace.
func Open(ctx context.Context, opts Options) (*Session, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	dataDir := db.DataDir(opts.Workspace, cfg.Data.Dir)
	if _, err := db.EnsureWorkspace(dataDir); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{Config: cfg, DataDir: dataDir}
	if !opts.ReadOnly {
		l, err := lock.Acquire(ctx, dataDir, cfg.Lock.Timeout)
		if err != nil {
			if errors.Is(err, lock.ErrLocked) {
				return nil, fmt.Errorf("%w (%s)", err, dataDir)
			}
			return nil, err
		}
		s.lock = l
	}
	journal, err := db.OpenJournal(ctx, dataDir)
	if err != nil {
		s.release()
		return nil, err
	}
	s.Journal = journal

	eng := engine.New(cfg, dataDir)
	eng.Events = events.Writer{DB: journal}
	eng.Logger = logger
	s.Engine = eng
	return s, nil
}

// Close releases the journal and the lock.
func (s *Session) Close() error {
	var err error
	if s.Journal != nil {
		err = s.Journal.Close()
		s.Journal = nil
	}
	s.release()
	return err
}

func (s *Session) release() {
	if s.lock != nil {
		_ = s.lock.Release()
		s.lock = nil
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// NewLogger writes logs to stderr at level, as JSON when format is "json"
// and as text otherwise.
func NewLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
