package engine

import (
	"context"
	"errors"
	"fmt"

	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/fetch"
	"pmos/internal/ids"
	"pmos/internal/metrics"
	"pmos/internal/render"
)

const summaryChars = 400

// routeInsight ensures an insight draft exists for an approved decision and
// marks the signal decided. Placement failures match domain.ErrRouting.
func (e Engine) routeInsight(ctx context.Context, dec domain.GateDecision, sig domain.Signal, actorID string) (domain.InsightDraft, error) {
	draft, created, err := e.ensureInsightDraft(dec, sig)
	if err != nil {
		return domain.InsightDraft{}, routingErr(err)
	}
	if created {
		metrics.DraftTransitions.WithLabelValues(domain.KindInsight, domain.DraftStatusDraft).Inc()
		e.emit(ctx, "draft.created", "lti", draft.ID, actorID, events.EventPayload{
			"source_signal_id":   sig.ID,
			"source_decision_id": dec.ID,
			"vault_path":         draft.VaultPath,
		})
	}
	if sig.LifecycleStatus != domain.LifecycleDecided || sig.LTIDraftID != draft.ID {
		if _, err := e.Repo.UpdateSignal(sig.ID, func(s *domain.Signal) {
			s.LifecycleStatus = domain.LifecycleDecided
			s.LTIDraftID = draft.ID
		}); err != nil {
			return domain.InsightDraft{}, routingErr(err)
		}
	}
	return draft, nil
}

// ensureInsightDraft reuses the draft already bound to the decision or to
// the signal, so repeated routing never produces a second draft.
func (e Engine) ensureInsightDraft(dec domain.GateDecision, sig domain.Signal) (domain.InsightDraft, bool, error) {
	drafts, err := e.Repo.ListInsightDrafts()
	if err != nil {
		return domain.InsightDraft{}, false, err
	}
	known := make([]string, 0, len(drafts))
	for _, d := range drafts {
		if d.SourceDecisionID == dec.ID || (sig.LTIDraftID != "" && d.ID == sig.LTIDraftID) {
			return d, false, nil
		}
		known = append(known, d.ID)
	}
	if err := e.Vault.EnsureDir(e.Vault.Dirs.InsightDrafts); err != nil {
		return domain.InsightDraft{}, false, err
	}
	id, err := e.allocator(e.Vault.InsightDraft).Allocate(ids.PrefixInsight, e.now(), known)
	if err != nil {
		return domain.InsightDraft{}, false, err
	}
	now := e.stamp()
	draft := domain.InsightDraft{
		ID:               id,
		Type:             "lti_draft",
		Status:           domain.DraftStatusDraft,
		SourceSignalID:   sig.ID,
		SourceDecisionID: dec.ID,
		Title:            sig.Title,
		Summary:          fetch.Excerpt(sig.Content, summaryChars),
		Tags:             append([]string{}, sig.ImpactArea...),
		EvidenceRefs:     evidenceRefs(sig),
		VaultPath:        e.Vault.InsightDraft(id),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if draft.Title == "" {
		draft.Title = sig.ID
	}
	doc, err := e.Render.Render(render.KindInsight, render.InsightView{Draft: draft, Decision: dec})
	if err != nil {
		return domain.InsightDraft{}, false, err
	}
	if err := e.Vault.Create(draft.VaultPath, doc); err != nil {
		return domain.InsightDraft{}, false, err
	}
	if err := e.Repo.SaveInsightDrafts(append(drafts, draft)); err != nil {
		return domain.InsightDraft{}, false, err
	}
	return draft, true, nil
}

func evidenceRefs(sig domain.Signal) []domain.EvidenceRef {
	refs := []domain.EvidenceRef{}
	if sig.URL == "" {
		return refs
	}
	if id, ok := fetch.ArxivID(sig.URL); ok {
		return append(refs, domain.EvidenceRef{Kind: "arxiv", Ref: id})
	}
	return append(refs, domain.EvidenceRef{Kind: "url", Ref: sig.URL})
}

func routingErr(err error) error {
	if errors.Is(err, domain.ErrRouting) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrRouting, err)
}
