// Package watch applies review decisions made directly in the vault. When a
// reviewer edits a staged draft and sets its status to published or rejected,
// the change is carried through the same engine operations the CLI and API
// use.
package watch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pmos/internal/domain"
	"pmos/internal/engine"
	"pmos/internal/frontmatter"
	"pmos/internal/vault"
)

const defaultDebounce = 500 * time.Millisecond

// Reviewer is the subset of the engine the watcher drives.
type Reviewer interface {
	GetStaged(ctx context.Context, kind, id string) (engine.StagedItem, error)
	Publish(ctx context.Context, kind, id, reviewer, notes string) (string, error)
	Reject(ctx context.Context, kind, id, reviewer, reason string) error
}

// Action is what Apply did with one document.
type Action string

const (
	ActionNone      Action = "none"
	ActionPublished Action = "published"
	ActionRejected  Action = "rejected"
)

// Watcher observes the insight and proposal staging folders.
type Watcher struct {
	Debounce time.Duration

	reviewer Reviewer
	logger   *slog.Logger
	dirs     map[string]string // abs dir -> draft kind

	mu      sync.Mutex
	pending map[string]struct{}
}

// New builds a watcher over the staging folders of v.
func New(v vault.Vault, r Reviewer, logger *slog.Logger) (*Watcher, error) {
	if err := v.Ready(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		Debounce: defaultDebounce,
		reviewer: r,
		logger:   logger,
		dirs: map[string]string{
			filepath.Clean(v.Abs(v.Dirs.InsightDrafts)):  domain.KindInsight,
			filepath.Clean(v.Abs(v.Dirs.ProposalDrafts)): domain.KindProposal,
		},
		pending: map[string]struct{}{},
	}, nil
}

// Scan applies every staged document once.
func (w *Watcher) Scan(ctx context.Context) error {
	for dir := range w.dirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.md"))
		if err != nil {
			return err
		}
		for _, path := range matches {
			if _, err := w.Apply(ctx, path); err != nil {
				w.logger.Warn("apply review failed", "path", path, "err", err)
			}
		}
	}
	return nil
}

// Run scans once and then applies changes until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	for dir := range w.dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := fsw.Add(dir); err != nil {
			return err
		}
	}
	if err := w.Scan(ctx); err != nil {
		return err
	}
	w.logger.Info("watching drafts", "dirs", len(w.dirs), "debounce", w.Debounce)

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handle(evt)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "err", err)
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) handle(evt fsnotify.Event) {
	if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
		return
	}
	if !strings.EqualFold(filepath.Ext(evt.Name), ".md") {
		return
	}
	w.mu.Lock()
	w.pending[evt.Name] = struct{}{}
	w.mu.Unlock()
}

func (w *Watcher) flush(ctx context.Context) {
	w.mu.Lock()
	batch := w.pending
	w.pending = map[string]struct{}{}
	w.mu.Unlock()
	for path := range batch {
		if _, err := w.Apply(ctx, path); err != nil {
			w.logger.Warn("apply review failed", "path", path, "err", err)
		}
	}
}

// Apply publishes or rejects the draft at path when its frontmatter asks for
// it and the stored record is still a draft.
func (w *Watcher) Apply(ctx context.Context, path string) (Action, error) {
	kind, ok := w.dirs[filepath.Dir(filepath.Clean(path))]
	if !ok {
		return ActionNone, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ActionNone, nil
	}
	if err != nil {
		return ActionNone, err
	}
	content := string(data)
	status, _ := frontmatter.Value(content, "status")
	if status != domain.DraftStatusPublished && status != domain.DraftStatusRejected {
		return ActionNone, nil
	}
	id, ok := frontmatter.Value(content, "id")
	if !ok || id == "" {
		id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	item, err := w.reviewer.GetStaged(ctx, kind, id)
	if err != nil {
		return ActionNone, err
	}
	if item.Status != domain.DraftStatusDraft {
		return ActionNone, nil
	}
	reviewer, _ := frontmatter.Value(content, "reviewer")
	notes, _ := frontmatter.Value(content, "review_notes")
	if status == domain.DraftStatusRejected {
		if err := w.reviewer.Reject(ctx, kind, id, reviewer, notes); err != nil {
			return ActionNone, err
		}
		w.logger.Info("draft rejected from vault", "kind", kind, "id", id, "reviewer", reviewer)
		return ActionRejected, nil
	}
	if strings.TrimSpace(reviewer) == "" {
		w.logger.Warn("publish requested without reviewer, skipping", "kind", kind, "id", id)
		return ActionNone, nil
	}
	final, err := w.reviewer.Publish(ctx, kind, id, reviewer, notes)
	if err != nil {
		return ActionNone, err
	}
	w.logger.Info("draft published from vault", "kind", kind, "id", id, "final", final)
	return ActionPublished, nil
}
