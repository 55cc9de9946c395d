// Package vault maps PMOS records onto the human-readable document tree.
// Paths handed out are relative to the vault root with forward slashes, the
// form stored in logs and indexes.
package vault

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"pmos/internal/config"
	"pmos/internal/domain"
	"pmos/internal/ids"
	"pmos/internal/store"
)

type Vault struct {
	Root string
	Dirs config.Vault
}

func New(cfg config.Vault) Vault {
	return Vault{Root: cfg.Root, Dirs: cfg}
}

// Ready reports whether documents can be placed. The returned error matches
// domain.ErrRouting.
func (v Vault) Ready() error {
	if strings.TrimSpace(v.Root) == "" {
		return fmt.Errorf("%w: vault root is not configured", domain.ErrRouting)
	}
	return nil
}

// Abs resolves a vault-relative path.
func (v Vault) Abs(rel string) string {
	return filepath.Join(v.Root, filepath.FromSlash(rel))
}

func (v Vault) SignalNote(id string) string    { return join(v.Dirs.Signals, id+".md") }
func (v Vault) DecisionNote(id string) string  { return join(v.Dirs.Decisions, id+".md") }
func (v Vault) CaseNote(id string) string      { return join(v.Dirs.Cases, id+".md") }
func (v Vault) InsightDraft(id string) string  { return join(v.Dirs.InsightDrafts, id+".md") }
func (v Vault) ProposalDraft(id string) string { return join(v.Dirs.ProposalDrafts, id+".md") }

func (v Vault) InsightFinal(id string) string {
	return join(v.Dirs.InsightFinal, ids.FinalName(id))
}

func (v Vault) ProposalFinal(id string) string {
	return join(v.Dirs.ProposalFinal, ids.FinalName(id))
}

func (v Vault) WeeklyNote(name string) string { return join(v.Dirs.WeeklyReview, name) }

func (v Vault) IndexFile(name string) string { return join(v.Dirs.Index, name) }

func (v Vault) Exists(rel string) (bool, error) {
	return store.Exists(v.Abs(rel))
}

func (v Vault) Read(rel string) (string, bool, error) {
	return store.ReadText(v.Abs(rel))
}

// Write replaces the document at rel.
func (v Vault) Write(rel, text string) error {
	if err := v.Ready(); err != nil {
		return err
	}
	return store.WriteText(v.Abs(rel), text)
}

// Create writes a new document and fails with a conflict when one is already
// present at rel.
func (v Vault) Create(rel, text string) error {
	if err := v.Ready(); err != nil {
		return err
	}
	exists, err := v.Exists(rel)
	if err != nil {
		return err
	}
	if exists {
		return domain.ConflictError{Kind: "document", ID: rel}
	}
	return store.WriteText(v.Abs(rel), text)
}

// Remove deletes the document. A missing document is not an error.
func (v Vault) Remove(rel string) error {
	err := os.Remove(v.Abs(rel))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// EnsureDir creates the folder for rel-style directory dir, reporting
// failures as routing errors.
func (v Vault) EnsureDir(dir string) error {
	if err := v.Ready(); err != nil {
		return err
	}
	if err := os.MkdirAll(v.Abs(dir), 0o755); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRouting, err)
	}
	return nil
}

// List returns vault-relative paths of files in dir matching the glob
// pattern, sorted. A missing dir yields nothing.
func (v Vault) List(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(v.Abs(dir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ok, err := path.Match(pattern, e.Name())
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, join(dir, e.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

// Rel converts an absolute path under Root back into vault-relative form.
func (v Vault) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(v.Root, abs)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the vault", abs)
	}
	return filepath.ToSlash(rel), nil
}

func join(dir, name string) string {
	return path.Join(filepath.ToSlash(dir), name)
}
