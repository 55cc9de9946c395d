package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"pmos/internal/contract"
	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/ids"
	"pmos/internal/render"
	"pmos/internal/store"
)

const urlIndexFile = "signal_url_index.json"

// SignalInput is a captured signal before an id is assigned.
type SignalInput struct {
	Source        string   `json:"source"`
	Type          string   `json:"type"`
	Timestamp     string   `json:"timestamp,omitempty"`
	Title         string   `json:"title,omitempty"`
	Content       string   `json:"content,omitempty"`
	URL           string   `json:"url,omitempty"`
	PriorityScore *float64 `json:"priority_score,omitempty"`
	ImpactArea    []string `json:"impact_area,omitempty"`
}

// AddSignal assigns an id, writes the signal note and appends the signal to
// the log. Signals repeating a known URL or fingerprint fail with a conflict.
func (e Engine) AddSignal(ctx context.Context, in SignalInput, actorID string) (domain.Signal, error) {
	defer e.lock()()
	return e.addSignal(ctx, in, actorID)
}

func (e Engine) addSignal(ctx context.Context, in SignalInput, actorID string) (domain.Signal, error) {
	ts := e.now().UTC()
	timestamp := ts.Format(time.RFC3339)
	if raw := strings.TrimSpace(in.Timestamp); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return domain.Signal{}, domain.Invalid("timestamp", "must be an RFC 3339 timestamp")
		}
		ts = parsed.UTC()
		timestamp = ts.Format(time.RFC3339)
	}
	existing, err := e.Repo.ListSignals()
	if err != nil {
		return domain.Signal{}, err
	}
	known := make([]string, 0, len(existing))
	for _, s := range existing {
		known = append(known, s.ID)
	}
	id, err := e.allocator(e.Vault.SignalNote).Allocate(ids.PrefixSignal, ts, known)
	if err != nil {
		return domain.Signal{}, err
	}
	sig := domain.Signal{
		ID:            id,
		Source:        strings.TrimSpace(in.Source),
		Type:          strings.ToLower(strings.TrimSpace(in.Type)),
		Timestamp:     timestamp,
		Title:         strings.TrimSpace(in.Title),
		Content:       strings.TrimSpace(in.Content),
		URL:           strings.TrimSpace(in.URL),
		PriorityScore: in.PriorityScore,
		ImpactArea:    cleanTags(in.ImpactArea),
	}
	sig.Fingerprint = fingerprint(sig.Source, sig.Title, sig.Timestamp)
	if err := contract.ValidateSignal(sig); err != nil {
		return domain.Signal{}, err
	}
	for _, s := range existing {
		if sig.URL != "" && normalizeURL(s.URL) == normalizeURL(sig.URL) {
			return domain.Signal{}, domain.ConflictError{Kind: "signal url", ID: s.ID}
		}
		if s.Fingerprint != "" && s.Fingerprint == sig.Fingerprint {
			return domain.Signal{}, domain.ConflictError{Kind: "signal fingerprint", ID: s.ID}
		}
	}

	if e.Vault.Ready() == nil {
		note, err := e.Render.Render(render.KindSignal, sig)
		if err != nil {
			return domain.Signal{}, err
		}
		if err := e.Vault.Create(e.Vault.SignalNote(sig.ID), note); err != nil {
			return domain.Signal{}, err
		}
	}
	if err := e.Repo.AppendSignal(sig); err != nil {
		return domain.Signal{}, err
	}
	if sig.URL != "" {
		if err := e.recordURL(sig); err != nil {
			e.logger().Warn("url index not updated", "signal_id", sig.ID, "err", err)
		}
	}
	e.emit(ctx, "signal.added", "signal", sig.ID, actorID, events.EventPayload{"source": sig.Source, "type": sig.Type})
	return sig, nil
}

// recordURL keeps the vault URL index in step with the log. The index is
// for humans browsing the vault; dedupe reads the log.
func (e Engine) recordURL(sig domain.Signal) error {
	if e.Vault.Ready() != nil {
		return nil
	}
	path := e.Vault.Abs(e.Vault.IndexFile(urlIndexFile))
	index := map[string]string{}
	if _, err := store.ReadJSON(path, &index); err != nil {
		return err
	}
	index[normalizeURL(sig.URL)] = sig.ID
	return store.WriteJSON(path, index)
}

// Ingest status values.
const (
	IngestAdded     = "added"
	IngestDuplicate = "duplicate"
	IngestInvalid   = "invalid"
)

type IngestItem struct {
	Index    int    `json:"index"`
	Status   string `json:"status" enum:"added,duplicate,invalid"`
	SignalID string `json:"signal_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

type IngestReport struct {
	Added      int          `json:"added"`
	Duplicates int          `json:"duplicates"`
	Invalid    int          `json:"invalid"`
	Items      []IngestItem `json:"items"`
}

// Ingest adds a batch of signals. Duplicates and invalid entries are
// reported per item; only storage failures abort the batch.
func (e Engine) Ingest(ctx context.Context, inputs []SignalInput, actorID string) (IngestReport, error) {
	defer e.lock()()
	report := IngestReport{Items: []IngestItem{}}
	for i, in := range inputs {
		item := IngestItem{Index: i}
		sig, err := e.addSignal(ctx, in, actorID)
		switch {
		case err == nil:
			item.Status = IngestAdded
			item.SignalID = sig.ID
			report.Added++
		case errors.Is(err, domain.ErrConflict):
			item.Status = IngestDuplicate
			item.Error = err.Error()
			var ce domain.ConflictError
			if errors.As(err, &ce) {
				item.SignalID = ce.ID
			}
			report.Duplicates++
		case errors.Is(err, domain.ErrValidation):
			item.Status = IngestInvalid
			item.Error = err.Error()
			report.Invalid++
		default:
			return report, fmt.Errorf("ingest item %d: %w", i, err)
		}
		report.Items = append(report.Items, item)
	}
	return report, nil
}

func (e Engine) GetSignal(ctx context.Context, id string) (domain.Signal, error) {
	return e.Repo.GetSignal(id)
}

// TopSignals ranks signals by priority score, highest first, then by
// timestamp, newest first. Signals without a score sort last.
func (e Engine) TopSignals(ctx context.Context, limit int) ([]domain.Signal, error) {
	all, err := e.Repo.ListSignals()
	if err != nil {
		return nil, err
	}
	sortByPriority(all)
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func sortByPriority(signals []domain.Signal) {
	sort.SliceStable(signals, func(i, j int) bool {
		pi, pj := priority(signals[i]), priority(signals[j])
		if pi != pj {
			return pi > pj
		}
		return signals[i].Timestamp > signals[j].Timestamp
	})
}

func priority(s domain.Signal) float64 {
	if s.PriorityScore == nil {
		return -1
	}
	return *s.PriorityScore
}

func fingerprint(source, title, timestamp string) string {
	sum := sha256.Sum256([]byte(source + "|" + title + "|" + timestamp))
	return hex.EncodeToString(sum[:])
}

func normalizeURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}
