package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"pmos/internal/migrate"
)

const (
	DataDirName   = ".pmos"
	JournalDBName = "pmos.db"
)

// DataDir returns the log directory for a workspace, honouring an override.
func DataDir(workspace, override string) string {
	if override != "" {
		if filepath.IsAbs(override) || workspace == "" {
			return override
		}
		return filepath.Join(workspace, override)
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, DataDirName)
}

// EnsureWorkspace creates the data directory if missing.
func EnsureWorkspace(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", err
	}
	return dataDir, nil
}

// OpenJournal opens the SQLite event journal in dataDir and applies the
// embedded schema.
func OpenJournal(ctx context.Context, dataDir string) (*sql.DB, error) {
	if _, err := EnsureWorkspace(dataDir); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", Path(dataDir))
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := migrate.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return conn, nil
}

// Path returns the journal path inside dataDir.
func Path(dataDir string) string {
	return filepath.Join(dataDir, JournalDBName)
}
