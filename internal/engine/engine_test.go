package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pmos/internal/config"
	"pmos/internal/domain"
	"pmos/internal/engine"
	"pmos/internal/fetch"
)

type stubFetcher struct {
	text string
	err  error
	urls []string
}

func (s *stubFetcher) Fetch(_ context.Context, rawURL string) (fetch.Evidence, error) {
	s.urls = append(s.urls, rawURL)
	if s.err != nil {
		return fetch.Evidence{}, s.err
	}
	return fetch.Evidence{SourceURL: rawURL, Source: fetch.SourceHTML, Text: s.text}, nil
}

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Fetcher *stubFetcher
	Root    string
	clock   *time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Vault.Root = filepath.Join(dir, "vault")
	clock := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)
	f := &stubFetcher{text: "Full article text about agents."}
	eng := engine.New(cfg, filepath.Join(dir, ".pmos"))
	eng.Now = func() time.Time { return clock }
	eng.Fetcher = f
	eng.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Engine: eng, Ctx: context.Background(), Fetcher: f, Root: cfg.Vault.Root, clock: &clock}
}

func (env testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env testEnv) addSignal(t *testing.T, title, url string, tags ...string) domain.Signal {
	t.Helper()
	sig, err := env.Engine.AddSignal(env.Ctx, engine.SignalInput{
		Source:     "manual",
		Type:       domain.CategoryCapability,
		Title:      title,
		Content:    "Notes on " + title,
		URL:        url,
		ImpactArea: tags,
	}, "tester")
	if err != nil {
		t.Fatalf("add signal %q: %v", title, err)
	}
	return sig
}

func (env testEnv) decide(t *testing.T, signalID, decision, reason string) engine.DecisionResult {
	t.Helper()
	res, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{
		SignalID: signalID,
		Decision: decision,
		Priority: domain.PriorityMedium,
		Reason:   reason,
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("decide %s %s: %v", decision, signalID, err)
	}
	return res
}

func (env testEnv) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.Root, filepath.FromSlash(rel)))
	if err != nil {
		t.Fatalf("read %s: %v", rel, err)
	}
	return string(data)
}

func (env testEnv) exists(rel string) bool {
	_, err := os.Stat(filepath.Join(env.Root, filepath.FromSlash(rel)))
	return err == nil
}

func TestAddSignalAssignsIDAndWritesNote(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "Agents get cheaper", "https://example.com/a", "Ops")
	if sig.ID != "SIG-20260216-001" {
		t.Fatalf("id = %s", sig.ID)
	}
	if sig.Timestamp != "2026-02-16T10:00:00Z" || sig.Fingerprint == "" {
		t.Fatalf("unexpected signal %+v", sig)
	}
	note := env.read(t, "95_Signals/SIG-20260216-001.md")
	if !strings.Contains(note, "# Agents get cheaper") {
		t.Fatalf("note missing title:\n%s", note)
	}
	next := env.addSignal(t, "Second", "")
	if next.ID != "SIG-20260216-002" {
		t.Fatalf("second id = %s", next.ID)
	}
}

func TestAddSignalRejectsDuplicateURL(t *testing.T) {
	env := newTestEnv(t)
	env.addSignal(t, "First", "https://example.com/a")
	_, err := env.Engine.AddSignal(env.Ctx, engine.SignalInput{
		Source: "manual", Type: domain.CategoryMarket, Title: "Other", URL: "https://example.com/a/",
	}, "tester")
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestIngestReportsPerItem(t *testing.T) {
	env := newTestEnv(t)
	score := 0.7
	report, err := env.Engine.Ingest(env.Ctx, []engine.SignalInput{
		{Source: "rss", Type: domain.CategoryResearch, Title: "One", URL: "https://example.com/1", PriorityScore: &score},
		{Source: "rss", Type: domain.CategoryResearch, Title: "One again", URL: "https://example.com/1"},
		{Source: "rss", Type: "gossip", Title: "Bad type"},
	}, "tester")
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if report.Added != 1 || report.Duplicates != 1 || report.Invalid != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Items[1].SignalID != "SIG-20260216-001" {
		t.Fatalf("duplicate should point at the original, got %+v", report.Items[1])
	}
}

func TestTopSignalsOrdersByPriorityThenRecency(t *testing.T) {
	env := newTestEnv(t)
	low, high := 0.2, 0.9
	for _, in := range []engine.SignalInput{
		{Source: "a", Type: domain.CategoryMarket, Title: "unscored"},
		{Source: "b", Type: domain.CategoryMarket, Title: "low", PriorityScore: &low},
		{Source: "c", Type: domain.CategoryMarket, Title: "high", PriorityScore: &high},
	} {
		if _, err := env.Engine.AddSignal(env.Ctx, in, "tester"); err != nil {
			t.Fatalf("add: %v", err)
		}
		env.advance(time.Minute)
	}
	top, err := env.Engine.TopSignals(env.Ctx, 2)
	if err != nil {
		t.Fatalf("top: %v", err)
	}
	if len(top) != 2 || top[0].Title != "high" || top[1].Title != "low" {
		t.Fatalf("unexpected order %+v", top)
	}
}

func TestDecideRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "x", "")
	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{SignalID: sig.ID, Decision: "maybe", Priority: "High"})
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecideUnknownSignalSuggestsCandidates(t *testing.T) {
	env := newTestEnv(t)
	env.addSignal(t, "x", "")
	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{SignalID: "SIG-20260216-009", Decision: "approved", Priority: "High"})
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected not found, got %v", err)
	}
	if len(nf.Candidates) != 1 || nf.Candidates[0] != "SIG-20260216-001" {
		t.Fatalf("candidates = %v", nf.Candidates)
	}
}

func TestDecideFailsWhenDecisionDocumentExists(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "x", "")
	path := filepath.Join(env.Root, "97_Gate_Decisions", "DEC-20260216-001.md")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("existing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.Decide(env.Ctx, engine.DecisionOptions{SignalID: sig.ID, Decision: "deferred", Priority: "Low"})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	decisions, _ := env.Engine.Repo.ListDecisions()
	if len(decisions) != 0 {
		t.Fatalf("no decision should be logged, got %d", len(decisions))
	}
	if got := env.read(t, "97_Gate_Decisions/DEC-20260216-001.md"); got != "existing\n" {
		t.Fatalf("existing document was modified: %q", got)
	}
}

func TestDecideDefaultsReasonAndNextActions(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "x", "")
	res := env.decide(t, sig.ID, domain.DecisionNeedsMoreInfo, "")
	if res.Decision.Reason != "No reason provided." {
		t.Fatalf("reason = %q", res.Decision.Reason)
	}
	if len(res.Decision.NextActions) != 2 || res.Decision.NextActions[0] != "Fetch additional evidence" {
		t.Fatalf("next actions = %v", res.Decision.NextActions)
	}
	if res.DeepeningTask != nil || res.InsightDraft != nil || res.Rejection != nil {
		t.Fatalf("needs_more_info must have no side effects: %+v", res)
	}
	tasks, _ := env.Engine.Repo.ListTasks()
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d", len(tasks))
	}
}

func TestApproveTwiceKeepsOneTaskAndOneDraft(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "Agents", "https://example.com/a", "Ops")
	first := env.decide(t, sig.ID, domain.DecisionApproved, "worth it")
	if first.Decision.ID != "DEC-20260216-001" {
		t.Fatalf("decision id = %s", first.Decision.ID)
	}
	if first.RoutingError != "" || first.InsightDraft == nil {
		t.Fatalf("routing failed: %+v", first)
	}
	if first.DeepeningTask == nil || first.DeepeningTask.ID != "ACT-DEEPEN-"+sig.ID {
		t.Fatalf("deepening task = %+v", first.DeepeningTask)
	}
	if !env.exists(first.InsightDraft.VaultPath) {
		t.Fatalf("draft document missing at %s", first.InsightDraft.VaultPath)
	}

	second := env.decide(t, sig.ID, domain.DecisionApproved, "still worth it")
	if second.Decision.ID != "DEC-20260216-002" {
		t.Fatalf("second decision id = %s", second.Decision.ID)
	}
	if second.InsightDraft == nil || second.InsightDraft.ID != first.InsightDraft.ID {
		t.Fatalf("second approval created another draft: %+v", second.InsightDraft)
	}

	tasks, _ := env.Engine.Repo.ListTasks()
	drafts, _ := env.Engine.Repo.ListInsightDrafts()
	if len(tasks) != 1 || len(drafts) != 1 {
		t.Fatalf("tasks=%d drafts=%d", len(tasks), len(drafts))
	}
	stored, _ := env.Engine.GetSignal(env.Ctx, sig.ID)
	if stored.GateDecisionID != first.Decision.ID {
		t.Fatalf("gate decision re-mutated to %s", stored.GateDecisionID)
	}
	if stored.LifecycleStatus != domain.LifecycleDecided || stored.LTIDraftID != first.InsightDraft.ID {
		t.Fatalf("signal not marked decided: %+v", stored)
	}
}

func TestRoutingFailureIsCapturedAndRetryable(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "Agents", "")
	blocker := filepath.Join(env.Root, "96_Weekly_Review", "_LTI_Drafts")
	if err := os.MkdirAll(filepath.Dir(blocker), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(blocker, []byte("not a dir"), 0o644); err != nil {
		t.Fatal(err)
	}

	res := env.decide(t, sig.ID, domain.DecisionApproved, "")
	if res.RoutingError == "" || res.InsightDraft != nil {
		t.Fatalf("expected routing error, got %+v", res)
	}
	stored, _ := env.Engine.GetSignal(env.Ctx, sig.ID)
	if stored.LifecycleStatus == domain.LifecycleDecided {
		t.Fatal("signal must not be decided after a routing failure")
	}
	if stored.GateStatus != domain.GateStatusApproved {
		t.Fatalf("gate status = %q", stored.GateStatus)
	}

	if _, err := env.Engine.Route(env.Ctx, res.Decision.ID, "tester"); !errors.Is(err, domain.ErrRouting) {
		t.Fatalf("expected routing error on retry, got %v", err)
	}
	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	retry, err := env.Engine.Route(env.Ctx, res.Decision.ID, "tester")
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if retry.InsightDraft == nil {
		t.Fatal("retry did not create a draft")
	}
	stored, _ = env.Engine.GetSignal(env.Ctx, sig.ID)
	if stored.LifecycleStatus != domain.LifecycleDecided {
		t.Fatalf("signal not decided after retry: %+v", stored)
	}
}

func TestPatternKeyNormalization(t *testing.T) {
	if got := engine.PatternKey("Insufficient evidence", []string{"ops"}); got != "insufficient evidence|ops" {
		t.Fatalf("pattern key = %q", got)
	}
	if got := engine.PatternKey("  Need Better-Evidence!! ", []string{" Roadmap", "Ops"}); got != "need better evidence|ops,roadmap" {
		t.Fatalf("pattern key = %q", got)
	}
	if got := engine.PatternKey("", nil); got != "|" {
		t.Fatalf("empty pattern key = %q", got)
	}
}

func TestHandleRejectionIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "Noise", "", "Ops")
	res := env.decide(t, sig.ID, domain.DecisionReject, "Insufficient evidence")
	if res.Rejection == nil || res.Rejection.CaseID != "COS-20260216-001" {
		t.Fatalf("rejection = %+v", res.Rejection)
	}
	if res.Rejection.PatternKey != "insufficient evidence|ops" {
		t.Fatalf("pattern key = %q", res.Rejection.PatternKey)
	}
	again, err := env.Engine.HandleRejection(env.Ctx, sig.ID, res.Decision.ID, "Insufficient evidence", "tester")
	if err != nil {
		t.Fatalf("handle rejection: %v", err)
	}
	if !again.Existing || again.CaseID != res.Rejection.CaseID {
		t.Fatalf("expected existing case, got %+v", again)
	}
	cases, _ := env.Engine.Cases(env.Ctx, "")
	if len(cases) != 1 {
		t.Fatalf("cases = %d", len(cases))
	}
	if !strings.Contains(env.read(t, cases[0].VaultPath), "# COS Case") {
		t.Fatal("case document not written")
	}
}

func TestRuleOfThreeTriggersOnceAndLinksAllCases(t *testing.T) {
	env := newTestEnv(t)
	var results []engine.RejectionResult
	for _, title := range []string{"a", "b", "c", "d"} {
		sig := env.addSignal(t, title, "", "Ops")
		res := env.decide(t, sig.ID, domain.DecisionReject, "Insufficient evidence")
		results = append(results, *res.Rejection)
	}
	if results[0].Triggered || results[1].Triggered || results[1].LinkedProposalID != "" {
		t.Fatalf("triggered too early: %+v", results[:2])
	}
	if !results[2].Triggered || results[2].LinkedProposalID != "RTI-PROP-20260216-001" {
		t.Fatalf("third rejection should trigger: %+v", results[2])
	}
	if results[3].Triggered || results[3].LinkedProposalID != "RTI-PROP-20260216-001" {
		t.Fatalf("fourth rejection should reuse the proposal: %+v", results[3])
	}

	cases, _ := env.Engine.Cases(env.Ctx, "insufficient evidence|ops")
	if len(cases) != 4 {
		t.Fatalf("cases = %d", len(cases))
	}
	for _, c := range cases {
		if c.LinkedProposalID != "RTI-PROP-20260216-001" {
			t.Fatalf("case %s not linked: %q", c.ID, c.LinkedProposalID)
		}
	}
	proposals, _ := env.Engine.Repo.ListProposals()
	if len(proposals) != 1 || len(proposals[0].SupportingCaseIDs) != 3 {
		t.Fatalf("proposals = %+v", proposals)
	}
	doc := env.read(t, proposals[0].VaultPath)
	if !strings.Contains(doc, "- COS-20260216-003") {
		t.Fatalf("proposal missing case evidence:\n%s", doc)
	}
	task, err := env.Engine.Repo.GetTask("ACT-VALIDATE-RTI-PROP-20260216-001")
	if err != nil {
		t.Fatalf("validation task: %v", err)
	}
	if task.Type != domain.TaskTypeRTIValidation || task.TriggerPatternKey != "insufficient evidence|ops" {
		t.Fatalf("validation task = %+v", task)
	}
	tasks, _ := env.Engine.Repo.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d", len(tasks))
	}
}

func TestStaleProposalIsReplaced(t *testing.T) {
	env := newTestEnv(t)
	for _, title := range []string{"a", "b", "c"} {
		sig := env.addSignal(t, title, "", "Ops")
		env.decide(t, sig.ID, domain.DecisionReject, "Off strategy")
	}
	env.advance(91 * 24 * time.Hour)
	sig := env.addSignal(t, "late", "", "Ops")
	res := env.decide(t, sig.ID, domain.DecisionReject, "Off strategy")
	if !res.Rejection.Triggered || res.Rejection.LinkedProposalID == "RTI-PROP-20260216-001" {
		t.Fatalf("expected a fresh proposal, got %+v", res.Rejection)
	}
	proposals, _ := env.Engine.Repo.ListProposals()
	if len(proposals) != 2 || len(proposals[1].SupportingCaseIDs) != 4 {
		t.Fatalf("proposals = %+v", proposals)
	}
}

func TestCheckRuleOfThreeBelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	sig := env.addSignal(t, "a", "", "Ops")
	env.decide(t, sig.ID, domain.DecisionReject, "Too early")
	check, err := env.Engine.CheckRuleOfThree(env.Ctx, "too early|ops", "tester")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if check.Matches != 1 || check.Triggered || check.ProposalID != "" {
		t.Fatalf("check = %+v", check)
	}
}
