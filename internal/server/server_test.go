package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pmos/internal/config"
	"pmos/internal/db"
	"pmos/internal/engine"
	"pmos/internal/engine/auth"
	"pmos/internal/events"
	pmossdk "pmos/sdk/go"
)

const testSecret = "test-secret"

type testServer struct {
	URL     string
	Journal events.Reader
	client  *http.Client
}

func newTestServer(t *testing.T, mutate func(*AuthConfig)) *testServer {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Vault.Root = filepath.Join(dir, "vault")
	dataDir := filepath.Join(dir, ".pmos")
	journal, err := db.OpenJournal(context.Background(), dataDir)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { journal.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := time.Date(2026, 2, 16, 10, 0, 0, 0, time.UTC)
	e := engine.New(cfg, dataDir)
	e.Now = func() time.Time { return clock }
	e.Events = events.Writer{DB: journal, Now: e.Now}
	e.Logger = logger

	authCfg := AuthConfig{JWTSecret: testSecret, AllowDevLogin: true, Logger: logger}
	if mutate != nil {
		mutate(&authCfg)
	}
	reader := events.Reader{DB: journal}
	handler, err := New(Config{Engine: e, Events: reader, RBAC: auth.New(cfg), BasePath: "/v0", Auth: authCfg})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &testServer{URL: srv.URL, Journal: reader, client: srv.Client()}
}

func token(t *testing.T, actor string, roles ...string) string {
	t.Helper()
	tok, err := signDevToken(testSecret, actor, roles, nil)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func errorCode(t *testing.T, data []byte) (string, map[string]any) {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return envelope.Error.Code, envelope.Error.Details
}

func TestApproveAndPublishThroughSDK(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	client := pmossdk.New(srv.URL, token(t, "alice", "owner"))

	sig, err := client.AddSignal(ctx, pmossdk.SignalInput{
		Source: "manual",
		Type:   "capability",
		Title:  "Agents",
		URL:    "https://example.com/agents",
	})
	if err != nil {
		t.Fatalf("add signal: %v", err)
	}
	if sig.ID != "SIG-20260216-001" {
		t.Fatalf("signal id = %s", sig.ID)
	}

	res, err := client.Decide(ctx, pmossdk.Decision{SignalID: sig.ID, Decision: "approved", Priority: "High"})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if res.InsightDraft == nil || res.DeepeningTask == nil || res.RoutingError != "" {
		t.Fatalf("decision result = %+v", res)
	}

	drafts, err := client.ListDrafts(ctx, "lti", "draft")
	if err != nil {
		t.Fatalf("list drafts: %v", err)
	}
	if len(drafts) != 1 || drafts[0].ID != res.InsightDraft.ID {
		t.Fatalf("drafts = %+v", drafts)
	}

	final, err := client.Publish(ctx, "lti", drafts[0].ID, "ship it")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if final != "02_LTI/LTI-20260216-001.md" {
		t.Fatalf("final path = %s", final)
	}

	evts, err := client.Events(ctx, 20)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) == 0 || evts[0].Type != "draft.published" || evts[0].ActorID != "alice" {
		t.Fatalf("latest event = %+v", evts)
	}

	stored, err := client.Signal(ctx, sig.ID)
	if err != nil {
		t.Fatalf("get signal: %v", err)
	}
	if stored.GateStatus != "approved" || stored.LTIDraftID != res.InsightDraft.ID {
		t.Fatalf("signal = %+v", stored)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t, nil)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/signals/top", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	if code, _ := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("code = %s", code)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, bearer("not-a-token"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token status %d", res.StatusCode)
	}
}

func TestAnalystCannotDecide(t *testing.T) {
	srv := newTestServer(t, nil)
	analyst := bearer(token(t, "ana", "analyst"))

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/signals", map[string]any{
		"source": "manual",
		"type":   "research",
		"title":  "Paper",
	}, analyst)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add signal status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"signal_id": "SIG-20260216-001",
		"decision":  "approved",
		"priority":  "Low",
	}, analyst)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("decide status %d: %s", res.StatusCode, string(data))
	}
	code, details := errorCode(t, data)
	if code != "forbidden" || details["permission"] != auth.PermGateDecide {
		t.Fatalf("error = %s %v", code, details)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, analyst)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "ana" || !strings.Contains(strings.Join(me.Permissions, ","), auth.PermDeepeningRun) {
		t.Fatalf("me = %+v", me)
	}
}

func TestDecisionErrorsMapToStatus(t *testing.T) {
	srv := newTestServer(t, nil)
	owner := bearer(token(t, "olga", "owner"))

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/signals", map[string]any{
		"source": "manual",
		"type":   "market",
		"title":  "Pricing",
		"url":    "https://example.com/pricing",
	}, owner)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add signal status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/signals", map[string]any{
		"source": "rss",
		"type":   "market",
		"title":  "Pricing again",
		"url":    "https://example.com/pricing/",
	}, owner)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"signal_id": "SIG-20260216-002",
		"decision":  "approved",
		"priority":  "High",
	}, owner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown signal status %d: %s", res.StatusCode, string(data))
	}
	if _, details := errorCode(t, data); details == nil || details["candidates"] == nil {
		t.Fatalf("candidates missing: %s", string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"signal_id": "SIG-20260216-001",
		"decision":  "maybe",
		"priority":  "High",
	}, owner)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad decision status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/decisions/GATE-20260216-001/route", nil, owner)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("route unknown status %d: %s", res.StatusCode, string(data))
	}
}

func TestRejectionsTriggerProposal(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	client := pmossdk.New(srv.URL, token(t, "rita", "reviewer"))
	analyst := pmossdk.New(srv.URL, token(t, "ana", "analyst"))

	for _, title := range []string{"one", "two", "three"} {
		sig, err := analyst.AddSignal(ctx, pmossdk.SignalInput{Source: "manual", Type: "ecosystem", Title: title})
		if err != nil {
			t.Fatalf("add %s: %v", title, err)
		}
		if _, err := client.Decide(ctx, pmossdk.Decision{SignalID: sig.ID, Decision: "reject", Priority: "Low", Reason: "Vendor lock-in!"}); err != nil {
			t.Fatalf("reject %s: %v", title, err)
		}
	}

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/patterns/check", map[string]any{
		"pattern_key": "vendor lock in|",
	}, bearer(token(t, "rita", "reviewer")))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("check status %d: %s", res.StatusCode, string(data))
	}
	var check engine.PatternCheck
	if err := json.Unmarshal(data, &check); err != nil {
		t.Fatalf("unmarshal check: %v", err)
	}
	if check.Matches != 3 || check.ProposalID == "" || check.Triggered {
		t.Fatalf("check = %+v", check)
	}

	proposals, err := client.ListDrafts(ctx, "rti", "")
	if err != nil {
		t.Fatalf("list proposals: %v", err)
	}
	if len(proposals) != 1 || proposals[0].PatternKey != "vendor lock in|" {
		t.Fatalf("proposals = %+v", proposals)
	}
	rejected, err := client.Reject(ctx, "rti", proposals[0].ID, "not a pattern")
	if err != nil {
		t.Fatalf("reject proposal: %v", err)
	}
	if rejected.Status != "rejected" {
		t.Fatalf("proposal = %+v", rejected)
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv := newTestServer(t, func(c *AuthConfig) { c.AllowLegacyActorHeader = true })
	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Actor-Id": "cli"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "cli" || me.Source != "legacy_header" || len(me.Roles) != 1 || me.Roles[0] != "owner" {
		t.Fatalf("me = %+v", me)
	}

	strict := newTestServer(t, nil)
	res, _ = doJSON(t, strict.client, http.MethodGet, strict.URL+"/v0/me", nil, map[string]string{"X-Actor-Id": "cli"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("legacy header accepted when disabled: %d", res.StatusCode)
	}
}

func TestDevLogin(t *testing.T) {
	srv := newTestServer(t, nil)
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev",
		"roles":    []string{"reviewer"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login = %s, %v", string(data), err)
	}
	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v0/me", nil, bearer(login.Token))
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), `"actor_id":"dev"`) {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}

	closed := newTestServer(t, func(c *AuthConfig) { c.AllowDevLogin = false })
	res, _ = doJSON(t, closed.client, http.MethodPost, closed.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "dev"}, nil)
	if res.StatusCode == http.StatusOK {
		t.Fatal("dev login should be disabled")
	}
}

func TestWebhookDeliversMatchingEvents(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []webhookEvent
		headers  []http.Header
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
			t.Errorf("decode webhook: %v", err)
		}
		mu.Lock()
		received = append(received, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	writer := events.Writer{DB: srv.Journal.DB}
	if err := writer.Append(ctx, "signal.added", "signal", "SIG-20260216-001", "ana", nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	d := newWebhookDispatcher(WebhookConfig{
		Hooks:  []config.Webhook{{ID: "drafts", URL: hook.URL, Events: []string{"draft.*"}, Secret: "s3cret"}},
		Events: srv.Journal,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	d.dispatchAll(ctx)

	if err := writer.Append(ctx, "gate.decided", "decision", "GATE-20260216-001", "rita", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := writer.Append(ctx, "draft.created", "lti", "LTI-DRAFT-20260216-001", "rita", events.EventPayload{"signal_id": "SIG-20260216-001"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received = %+v", received)
	}
	if received[0].Type != "draft.created" || received[0].EntityID != "LTI-DRAFT-20260216-001" {
		t.Fatalf("event = %+v", received[0])
	}
	if !strings.Contains(string(received[0].Payload), "SIG-20260216-001") {
		t.Fatalf("payload = %s", string(received[0].Payload))
	}
	if headers[0].Get("X-Pmos-Secret") != "s3cret" || headers[0].Get("X-Pmos-Event") != "draft.created" || headers[0].Get("X-Pmos-Delivery") == "" {
		t.Fatalf("headers = %v", headers[0])
	}
}

func TestEventFilter(t *testing.T) {
	f := newEventFilter([]string{"gate.decided", "draft.*"})
	for evt, want := range map[string]bool{
		"gate.decided":     true,
		"draft.published":  true,
		"signal.added":     false,
		"deepening.failed": false,
	} {
		if got := f.match(evt); got != want {
			t.Fatalf("match(%s) = %v", evt, got)
		}
	}
	if !newEventFilter(nil).match("anything") || !newEventFilter([]string{"*"}).match("x.y") {
		t.Fatal("empty and wildcard filters should match all")
	}
}

func TestActionWritebackOverAPI(t *testing.T) {
	srv := newTestServer(t, nil)
	ctx := context.Background()
	analyst := pmossdk.New(srv.URL, token(t, "ana", "analyst"))

	sig, err := analyst.AddSignal(ctx, pmossdk.SignalInput{Source: "manual", Type: "market", Title: "Pricing"})
	if err != nil {
		t.Fatalf("add signal: %v", err)
	}
	action, err := analyst.GenerateAction(ctx, "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if action.SignalID != sig.ID || action.Goal != "Respond to signal: Pricing" || action.Status != "pending" {
		t.Fatalf("action = %+v", action)
	}
	wb, err := analyst.ApplyWriteback(ctx, action.ID)
	if err != nil {
		t.Fatalf("writeback: %v", err)
	}
	if wb.Existing || wb.Action.Status != "completed" || !strings.HasPrefix(wb.InsightDraft.ID, "LTI-DRAFT-") {
		t.Fatalf("writeback = %+v", wb)
	}

	reviewer := bearer(token(t, "rita", "reviewer"))
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{}, reviewer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("reviewer generate status %d: %s", res.StatusCode, string(data))
	}
	code, details := errorCode(t, data)
	if code != "forbidden" || details["permission"] != auth.PermActionsWrite {
		t.Fatalf("error = %s %v", code, details)
	}
}
