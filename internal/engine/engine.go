// Package engine runs the knowledge workflow: signals pass a gate, approved
// ones are deepened and routed to insight drafts, rejected ones accumulate
// into patterns that can trigger theory revision proposals.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pmos/internal/config"
	"pmos/internal/events"
	"pmos/internal/fetch"
	"pmos/internal/ids"
	"pmos/internal/render"
	"pmos/internal/repo"
	"pmos/internal/vault"
)

const systemActor = "system"

type Engine struct {
	Repo    repo.Repo
	Vault   vault.Vault
	Render  render.Renderer
	Fetcher fetch.Fetcher
	Events  events.Recorder
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time

	mu *sync.Mutex
}

func New(cfg *config.Config, dataDir string) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Repo:    repo.New(dataDir),
		Vault:   vault.New(cfg.Vault),
		Render:  render.MustMarkdown(),
		Fetcher: fetch.New(cfg.Deepening),
		Events:  events.Nop{},
		Config:  cfg,
		Logger:  slog.Default(),
		Now:     time.Now,
		mu:      &sync.Mutex{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// lock serializes mutating operations within the process. The workspace
// file lock covers other processes.
func (e Engine) lock() func() {
	if e.mu == nil {
		return func() {}
	}
	e.mu.Lock()
	return e.mu.Unlock
}

// emit records an audit event. The journal is best effort.
func (e Engine) emit(ctx context.Context, evtType, entityKind, entityID, actorID string, payload events.EventPayload) {
	if e.Events == nil {
		return
	}
	if actorID == "" {
		actorID = systemActor
	}
	if err := e.Events.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil {
		e.logger().Warn("event not recorded", "type", evtType, "entity_id", entityID, "err", err)
	}
}

// allocator checks candidate ids against the vault document each would own.
func (e Engine) allocator(pathFor func(id string) string) ids.Allocator {
	return ids.Allocator{
		Attempts: e.Config.IDs.MaxAttempts,
		Exists: func(id string) (bool, error) {
			if e.Vault.Ready() != nil {
				return false, nil
			}
			return e.Vault.Exists(pathFor(id))
		},
	}
}

func orActor(actorID string) string {
	if actorID == "" {
		return systemActor
	}
	return actorID
}
