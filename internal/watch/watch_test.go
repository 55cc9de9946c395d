package watch_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pmos/internal/config"
	"pmos/internal/domain"
	"pmos/internal/engine"
	"pmos/internal/frontmatter"
	"pmos/internal/watch"
)

type env struct {
	eng  engine.Engine
	w    *watch.Watcher
	root string
	ctx  context.Context
}

func newEnv(t *testing.T) env {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Vault.Root = filepath.Join(dir, "vault")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := engine.New(cfg, filepath.Join(dir, ".pmos"))
	clock := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	eng.Logger = logger
	w, err := watch.New(eng.Vault, eng, logger)
	require.NoError(t, err)
	return env{eng: eng, w: w, root: cfg.Vault.Root, ctx: context.Background()}
}

func (e env) approvedDraft(t *testing.T, title string) domain.InsightDraft {
	t.Helper()
	sig, err := e.eng.AddSignal(e.ctx, engine.SignalInput{Source: "manual", Type: domain.CategoryCapability, Title: title}, "tester")
	require.NoError(t, err)
	res, err := e.eng.Decide(e.ctx, engine.DecisionOptions{
		SignalID: sig.ID,
		Decision: domain.DecisionApproved,
		Priority: domain.PriorityHigh,
		ActorID:  "tester",
	})
	require.NoError(t, err)
	require.NotNil(t, res.InsightDraft)
	return *res.InsightDraft
}

func (e env) edit(t *testing.T, rel string, fields ...frontmatter.Field) string {
	t.Helper()
	path := filepath.Join(e.root, filepath.FromSlash(rel))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out, err := frontmatter.Upsert(string(data), fields...)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	return path
}

func TestApplyPublishesEditedDraft(t *testing.T) {
	e := newEnv(t)
	d := e.approvedDraft(t, "Agents")
	path := e.edit(t, d.VaultPath,
		frontmatter.F("status", domain.DraftStatusPublished),
		frontmatter.F("reviewer", "alice"),
		frontmatter.F("review_notes", "solid"),
	)

	action, err := e.w.Apply(e.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, watch.ActionPublished, action)

	item, err := e.eng.GetStaged(e.ctx, domain.KindInsight, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusPublished, item.Status)
	assert.FileExists(t, filepath.Join(e.root, filepath.FromSlash(item.FinalVaultPath)))
	assert.NoFileExists(t, path)

	action, err = e.w.Apply(e.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, watch.ActionNone, action)
}

func TestApplyIgnoresUnreviewedDrafts(t *testing.T) {
	e := newEnv(t)
	d := e.approvedDraft(t, "Agents")
	path := filepath.Join(e.root, filepath.FromSlash(d.VaultPath))

	action, err := e.w.Apply(e.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, watch.ActionNone, action)

	e.edit(t, d.VaultPath, frontmatter.F("status", domain.DraftStatusPublished))
	action, err = e.w.Apply(e.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, watch.ActionNone, action, "publish needs a reviewer")

	item, err := e.eng.GetStaged(e.ctx, domain.KindInsight, d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusDraft, item.Status)
}

func TestApplyRejectsProposal(t *testing.T) {
	e := newEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		sig, err := e.eng.AddSignal(e.ctx, engine.SignalInput{Source: "manual", Type: domain.CategoryMarket, Title: title}, "tester")
		require.NoError(t, err)
		_, err = e.eng.Decide(e.ctx, engine.DecisionOptions{
			SignalID: sig.ID,
			Decision: domain.DecisionReject,
			Priority: domain.PriorityLow,
			Reason:   "Too expensive",
		})
		require.NoError(t, err)
	}
	staged, err := e.eng.ListStaged(e.ctx, domain.KindProposal, domain.DraftStatusDraft)
	require.NoError(t, err)
	require.Len(t, staged, 1)

	path := e.edit(t, staged[0].VaultPath,
		frontmatter.F("status", domain.DraftStatusRejected),
		frontmatter.F("reviewer", "bob"),
		frontmatter.F("review_notes", "seasonal"),
	)
	action, err := e.w.Apply(e.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, watch.ActionRejected, action)

	stored, err := e.eng.Repo.GetProposal(staged[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DraftStatusRejected, stored.Status)
	assert.Equal(t, "bob", stored.Reviewer)
	assert.Equal(t, "seasonal", stored.ReviewNotes)

	action, err = e.w.Apply(e.ctx, path)
	require.NoError(t, err)
	assert.Equal(t, watch.ActionNone, action)
}

func TestApplyOutsideStagingIsIgnored(t *testing.T) {
	e := newEnv(t)
	action, err := e.w.Apply(e.ctx, filepath.Join(e.root, "95_Signals", "SIG-20260216-001.md"))
	require.NoError(t, err)
	assert.Equal(t, watch.ActionNone, action)
}

func TestRunPicksUpVaultEdits(t *testing.T) {
	e := newEnv(t)
	d := e.approvedDraft(t, "Agents")
	e.w.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(e.ctx)
	done := make(chan error, 1)
	go func() { done <- e.w.Run(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	// Give the watcher time to register before editing.
	time.Sleep(100 * time.Millisecond)
	e.edit(t, d.VaultPath,
		frontmatter.F("status", domain.DraftStatusRejected),
		frontmatter.F("reviewer", "carol"),
	)

	require.Eventually(t, func() bool {
		item, err := e.eng.GetStaged(e.ctx, domain.KindInsight, d.ID)
		return err == nil && item.Status == domain.DraftStatusRejected
	}, 3*time.Second, 20*time.Millisecond)
}
