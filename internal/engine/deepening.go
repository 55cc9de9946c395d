package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/fetch"
	"pmos/internal/frontmatter"
	"pmos/internal/metrics"
	"pmos/internal/render"
)

// Fetch status values recorded in evidence sections.
const (
	FetchOK       = "ok"
	FetchFallback = "fallback"
)

// DeepenOptions selects deepening tasks. A run picks up pending tasks;
// Force widens it to every task that has not completed, failed ones included.
type DeepenOptions struct {
	Limit    int
	Force    bool
	SignalID string
	ActorID  string
}

type DeepenItem struct {
	TaskID       string `json:"task_id"`
	SignalID     string `json:"signal_id"`
	Status       string `json:"status" enum:"completed,failed"`
	FetchStatus  string `json:"fetch_status,omitempty"`
	SourceURL    string `json:"source_url,omitempty"`
	EvidenceHash string `json:"evidence_hash,omitempty"`
	Appended     bool   `json:"appended"`
	Error        string `json:"error,omitempty"`
}

type DeepenReport struct {
	RunID     string       `json:"run_id"`
	Processed int          `json:"processed"`
	Completed int          `json:"completed"`
	Failed    int          `json:"failed"`
	Items     []DeepenItem `json:"items"`
}

// errSettled marks a task that completed elsewhere while its evidence was
// being fetched.
var errSettled = errors.New("task already settled")

// RunDeepening processes queued deepening tasks: fetch evidence, record it
// once in the signal note and settle the task. Fetches run outside the engine
// lock; only selection and settling hold it.
func (e Engine) RunDeepening(ctx context.Context, opts DeepenOptions) (DeepenReport, error) {
	if err := e.Vault.Ready(); err != nil {
		return DeepenReport{}, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = e.Config.Deepening.Limit
	}
	batch, err := e.selectBatch(opts, limit)
	if err != nil {
		return DeepenReport{}, err
	}
	report := DeepenReport{RunID: uuid.NewString(), Items: []DeepenItem{}}
	log := e.logger().With("run_id", report.RunID)
	for _, t := range batch {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		item, err := e.deepen(ctx, t)
		if errors.Is(err, errSettled) {
			log.Info("deepening task settled by another run", "task_id", t.ID)
			continue
		}
		if err != nil {
			return report, fmt.Errorf("deepen %s: %w", t.ID, err)
		}
		report.Processed++
		if item.Status == domain.TaskCompleted {
			report.Completed++
		} else {
			report.Failed++
		}
		report.Items = append(report.Items, item)
		metrics.DeepeningTasks.WithLabelValues(item.Status, orNone(item.FetchStatus)).Inc()
		log.Info("deepening task processed", "task_id", t.ID, "signal_id", t.SignalID, "status", item.Status, "fetch_status", item.FetchStatus)
		e.emit(ctx, "deepening."+item.Status, "task", t.ID, opts.ActorID, events.EventPayload{
			"run_id":       report.RunID,
			"signal_id":    t.SignalID,
			"fetch_status": item.FetchStatus,
			"error":        item.Error,
		})
	}
	return report, nil
}

func (e Engine) selectBatch(opts DeepenOptions, limit int) ([]domain.Task, error) {
	defer e.lock()()
	tasks, err := e.Repo.ListTasks()
	if err != nil {
		return nil, err
	}
	var out []domain.Task
	for _, t := range tasks {
		if limit > 0 && len(out) >= limit {
			break
		}
		if selectTask(t, opts) {
			out = append(out, t)
		}
	}
	return out, nil
}

func selectTask(t domain.Task, opts DeepenOptions) bool {
	if t.Type != domain.TaskTypeDeepening {
		return false
	}
	if opts.SignalID != "" && t.SignalID != opts.SignalID {
		return false
	}
	if opts.Force {
		return t.Status != domain.TaskCompleted
	}
	return t.Status == domain.TaskPending
}

// deepen handles one task. Per-task failures are recorded on the task and
// the signal; only storage failures are returned.
func (e Engine) deepen(ctx context.Context, t domain.Task) (DeepenItem, error) {
	item := DeepenItem{TaskID: t.ID, SignalID: t.SignalID}
	sig, err := e.Repo.GetSignal(t.SignalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return e.fail(t.ID, item, err)
		}
		return item, err
	}

	text, fetchStatus, fetchErr := e.evidenceText(ctx, sig)
	item.FetchStatus = fetchStatus
	if text == "" {
		if fetchErr == nil {
			fetchErr = fetch.ErrNoContent
		}
		return e.fail(t.ID, item, fetchErr)
	}
	excerpt := fetch.Excerpt(text, e.Config.Deepening.ExcerptChars)
	sum := sha256.Sum256([]byte(excerpt))
	item.EvidenceHash = hex.EncodeToString(sum[:])
	item.SourceURL = sig.URL
	if item.SourceURL == "" {
		item.SourceURL = "signal:" + sig.ID
	}
	view := render.EvidenceView{
		FetchedAt:   e.stamp(),
		FetchStatus: fetchStatus,
		SourceURL:   item.SourceURL,
		Hash:        item.EvidenceHash,
		Excerpt:     excerpt,
	}
	if fetchErr != nil {
		view.FetchError = fetchErr.Error()
	}
	return e.complete(t.ID, item, view)
}

// reloadTask re-reads a task under the lock, failing with errSettled when it
// completed in the meantime.
func (e Engine) reloadTask(id string) (domain.Task, error) {
	t, err := e.Repo.GetTask(id)
	if err != nil {
		return t, err
	}
	if t.Status == domain.TaskCompleted {
		return t, errSettled
	}
	return t, nil
}

func (e Engine) complete(taskID string, item DeepenItem, view render.EvidenceView) (DeepenItem, error) {
	defer e.lock()()
	t, err := e.reloadTask(taskID)
	if err != nil {
		return item, err
	}
	sig, err := e.Repo.GetSignal(t.SignalID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return e.failTask(t, item, err)
		}
		return item, err
	}
	appended, err := e.appendEvidence(sig, view)
	if err != nil {
		return e.failTask(t, item, err)
	}
	item.Appended = appended

	now := e.stamp()
	t.Status = domain.TaskCompleted
	t.Error = ""
	t.UpdatedAt = now
	t.CompletedAt = now
	if err := e.Repo.UpdateTask(t); err != nil {
		return item, err
	}
	if _, err := e.Repo.UpdateSignal(sig.ID, func(s *domain.Signal) {
		s.Deepened = true
		s.DeepenedAt = now
		s.EvidenceHash = item.EvidenceHash
		s.EvidenceSourceURL = item.SourceURL
	}); err != nil {
		return item, err
	}
	item.Status = domain.TaskCompleted
	return item, nil
}

func (e Engine) fail(taskID string, item DeepenItem, cause error) (DeepenItem, error) {
	defer e.lock()()
	t, err := e.reloadTask(taskID)
	if err != nil {
		return item, err
	}
	return e.failTask(t, item, cause)
}

// evidenceText fetches the signal URL, falling back to the stored content
// or title. The returned error explains a fallback.
func (e Engine) evidenceText(ctx context.Context, sig domain.Signal) (string, string, error) {
	var fetchErr error
	if sig.URL != "" && e.Fetcher != nil {
		ev, err := e.Fetcher.Fetch(ctx, sig.URL)
		if err == nil && strings.TrimSpace(ev.Text) != "" {
			return ev.Text, FetchOK, nil
		}
		fetchErr = err
		if fetchErr == nil {
			fetchErr = fetch.ErrNoContent
		}
		e.logger().Warn("evidence fetch failed, using stored content", "signal_id", sig.ID, "url", sig.URL, "err", fetchErr)
	}
	for _, fallback := range []string{sig.Content, sig.Title} {
		if strings.TrimSpace(fallback) != "" {
			return fallback, FetchFallback, fetchErr
		}
	}
	return "", FetchFallback, fetchErr
}

// evidenceSourcesKey lists, in the signal note frontmatter, the source URLs
// whose evidence has been appended. Note text outside it is user content.
const evidenceSourcesKey = "evidence_sources"

// appendEvidence adds the evidence section to the signal note unless one
// for the same source URL was recorded before.
func (e Engine) appendEvidence(sig domain.Signal, view render.EvidenceView) (bool, error) {
	rel := e.Vault.SignalNote(sig.ID)
	doc, ok, err := e.Vault.Read(rel)
	if err != nil {
		return false, err
	}
	if !ok {
		if doc, err = e.Render.Render(render.KindSignal, sig); err != nil {
			return false, err
		}
	}
	sources := recordedSources(doc)
	for _, src := range sources {
		if src == view.SourceURL {
			if !ok {
				return false, e.Vault.Write(rel, doc)
			}
			return false, nil
		}
	}
	section, err := e.Render.Render(render.KindEvidence, view)
	if err != nil {
		return false, err
	}
	doc = strings.TrimRight(doc, "\n") + "\n\n" + strings.TrimLeft(section, "\n")
	sources = append(sources, view.SourceURL)
	doc, err = frontmatter.Upsert(doc, frontmatter.F(evidenceSourcesKey, "["+strings.Join(sources, ", ")+"]"))
	if err != nil {
		return false, err
	}
	if err := e.Vault.Write(rel, doc); err != nil {
		return false, err
	}
	return true, nil
}

func recordedSources(doc string) []string {
	raw, ok := frontmatter.Value(doc, evidenceSourcesKey)
	if !ok {
		return nil
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(raw), "["), "]")
	var out []string
	for _, src := range strings.Split(raw, ",") {
		if src = strings.TrimSpace(src); src != "" {
			out = append(out, src)
		}
	}
	return out
}

func (e Engine) failTask(t domain.Task, item DeepenItem, cause error) (DeepenItem, error) {
	t.Status = domain.TaskFailed
	t.Error = cause.Error()
	t.Attempts++
	t.UpdatedAt = e.stamp()
	if err := e.Repo.UpdateTask(t); err != nil {
		return item, err
	}
	if _, err := e.Repo.UpdateSignal(t.SignalID, func(s *domain.Signal) {
		s.Deepened = false
	}); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return item, err
	}
	item.Status = domain.TaskFailed
	item.Error = t.Error
	return item, nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
