package engine

import (
	"context"
	"strings"
	"time"

	"pmos/internal/contract"
	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/frontmatter"
	"pmos/internal/metrics"
)

// StagedItem is the kind-neutral view of an insight draft or proposal.
type StagedItem struct {
	ID                string   `json:"id"`
	Kind              string   `json:"kind" enum:"lti,rti"`
	Status            string   `json:"status" enum:"draft,published,rejected"`
	VaultPath         string   `json:"vault_path"`
	FinalVaultPath    string   `json:"final_vault_path,omitempty"`
	CreatedAt         string   `json:"created_at"`
	SourceSignalID    string   `json:"source_signal_id,omitempty"`
	SourceDecisionID  string   `json:"source_decision_id,omitempty"`
	PatternKey        string   `json:"pattern_key,omitempty"`
	SupportingCaseIDs []string `json:"supporting_cos_case_ids,omitempty"`
}

func insightItem(d domain.InsightDraft) StagedItem {
	return StagedItem{
		ID:               d.ID,
		Kind:             domain.KindInsight,
		Status:           d.Status,
		VaultPath:        d.VaultPath,
		FinalVaultPath:   d.FinalVaultPath,
		CreatedAt:        d.CreatedAt,
		SourceSignalID:   d.SourceSignalID,
		SourceDecisionID: d.SourceDecisionID,
	}
}

func proposalItem(p domain.ProposalDraft) StagedItem {
	return StagedItem{
		ID:                p.ID,
		Kind:              domain.KindProposal,
		Status:            p.Status,
		VaultPath:         p.VaultPath,
		FinalVaultPath:    p.FinalVaultPath,
		CreatedAt:         p.CreatedAt,
		PatternKey:        p.PatternKey,
		SupportingCaseIDs: p.SupportingCaseIDs,
	}
}

// ListStaged lists drafts of kind, optionally filtered by status.
func (e Engine) ListStaged(ctx context.Context, kind, status string) ([]StagedItem, error) {
	if err := contract.ValidateKind(kind); err != nil {
		return nil, err
	}
	out := []StagedItem{}
	keep := func(s string) bool { return status == "" || s == status }
	if kind == domain.KindInsight {
		drafts, err := e.Repo.ListInsightDrafts()
		if err != nil {
			return nil, err
		}
		for _, d := range drafts {
			if keep(d.Status) {
				out = append(out, insightItem(d))
			}
		}
		return out, nil
	}
	proposals, err := e.Repo.ListProposals()
	if err != nil {
		return nil, err
	}
	for _, p := range proposals {
		if keep(p.Status) {
			out = append(out, proposalItem(p))
		}
	}
	return out, nil
}

// GetStaged returns one draft of kind.
func (e Engine) GetStaged(ctx context.Context, kind, id string) (StagedItem, error) {
	if err := contract.ValidateKind(kind); err != nil {
		return StagedItem{}, err
	}
	if kind == domain.KindInsight {
		d, err := e.Repo.GetInsightDraft(id)
		if err != nil {
			return StagedItem{}, err
		}
		return insightItem(d), nil
	}
	p, err := e.Repo.GetProposal(id)
	if err != nil {
		return StagedItem{}, err
	}
	return proposalItem(p), nil
}

// Publish moves a draft to its final location with review metadata and
// returns the final path. Publishing twice returns the same path; a rejected
// draft cannot be published.
func (e Engine) Publish(ctx context.Context, kind, id, reviewer, notes string) (string, error) {
	defer e.lock()()
	if err := contract.ValidateKind(kind); err != nil {
		return "", err
	}
	if strings.TrimSpace(reviewer) == "" {
		return "", domain.Invalid("reviewer", "is required")
	}
	if err := e.Vault.Ready(); err != nil {
		return "", err
	}
	reviewer, notes = oneLine(reviewer), oneLine(notes)
	var (
		path string
		err  error
	)
	if kind == domain.KindInsight {
		path, err = e.publishInsight(id, reviewer, notes)
	} else {
		path, err = e.publishProposal(id, reviewer, notes)
	}
	if err != nil {
		return "", err
	}
	e.emit(ctx, "draft.published", kind, id, reviewer, events.EventPayload{"final_vault_path": path})
	return path, nil
}

func (e Engine) publishInsight(id, reviewer, notes string) (string, error) {
	drafts, err := e.Repo.ListInsightDrafts()
	if err != nil {
		return "", err
	}
	i := indexOf(len(drafts), func(i int) bool { return drafts[i].ID == id })
	if i < 0 {
		return "", domain.NotFoundError{Kind: "lti draft", ID: id}
	}
	d := drafts[i]
	if d.Status == domain.DraftStatusPublished && d.FinalVaultPath != "" {
		return d.FinalVaultPath, nil
	}
	if d.Status == domain.DraftStatusRejected {
		return "", domain.ConflictError{Kind: "lti draft", ID: id, Reason: "is rejected"}
	}
	now := e.now().UTC()
	stamp := now.Format(time.RFC3339)
	window := e.Config.Revalidation.WindowDays
	final := e.Vault.InsightFinal(d.ID)
	if err := e.moveDocument(d.VaultPath, final,
		frontmatter.F("status", domain.DraftStatusPublished),
		frontmatter.F("published_at", stamp),
		frontmatter.F("reviewer", reviewer),
		frontmatter.F("review_notes", notes),
		frontmatter.F("validation_status", domain.ValidationProvisional),
		frontmatter.F("revalidate_by", now.AddDate(0, 0, window).Format(time.DateOnly)),
	); err != nil {
		return "", err
	}
	d.Status = domain.DraftStatusPublished
	d.FinalVaultPath = final
	d.PublishedAt = stamp
	d.UpdatedAt = stamp
	d.Governance = domain.Governance{Reviewer: reviewer, ReviewNotes: notes}
	drafts[i] = d
	if err := e.Repo.SaveInsightDrafts(drafts); err != nil {
		return "", err
	}
	metrics.DraftTransitions.WithLabelValues(domain.KindInsight, domain.DraftStatusPublished).Inc()
	return final, nil
}

func (e Engine) publishProposal(id, reviewer, notes string) (string, error) {
	proposals, err := e.Repo.ListProposals()
	if err != nil {
		return "", err
	}
	i := indexOf(len(proposals), func(i int) bool { return proposals[i].ID == id })
	if i < 0 {
		return "", domain.NotFoundError{Kind: "rti proposal", ID: id}
	}
	p := proposals[i]
	if p.Status == domain.DraftStatusPublished && p.FinalVaultPath != "" {
		return p.FinalVaultPath, nil
	}
	if p.Status == domain.DraftStatusRejected {
		return "", domain.ConflictError{Kind: "rti proposal", ID: id, Reason: "is rejected"}
	}
	stamp := e.stamp()
	final := e.Vault.ProposalFinal(p.ID)
	if err := e.moveDocument(p.VaultPath, final,
		frontmatter.F("status", domain.DraftStatusPublished),
		frontmatter.F("published_at", stamp),
		frontmatter.F("reviewer", reviewer),
		frontmatter.F("review_notes", notes),
	); err != nil {
		return "", err
	}
	p.Status = domain.DraftStatusPublished
	p.FinalVaultPath = final
	p.PublishedAt = stamp
	p.UpdatedAt = stamp
	p.Reviewer = reviewer
	p.ReviewNotes = notes
	proposals[i] = p
	if err := e.Repo.SaveProposals(proposals); err != nil {
		return "", err
	}
	metrics.DraftTransitions.WithLabelValues(domain.KindProposal, domain.DraftStatusPublished).Inc()
	return final, nil
}

// moveDocument rewrites the staged document at dst with updated frontmatter
// and removes the staged copy. If an earlier attempt already moved it, the
// final copy is updated instead.
func (e Engine) moveDocument(src, dst string, updates ...frontmatter.Field) error {
	content, ok, err := e.Vault.Read(src)
	if err != nil {
		return err
	}
	if !ok {
		content, ok, err = e.Vault.Read(dst)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundError{Kind: "document", ID: src}
		}
	}
	out, err := frontmatter.Upsert(content, updates...)
	if err != nil {
		return err
	}
	if err := e.Vault.Write(dst, out); err != nil {
		return err
	}
	if src != dst {
		return e.Vault.Remove(src)
	}
	return nil
}

// patchDocument updates frontmatter in place. A missing document is left
// alone so the record can still be settled.
func (e Engine) patchDocument(rel string, updates ...frontmatter.Field) error {
	content, ok, err := e.Vault.Read(rel)
	if err != nil {
		return err
	}
	if !ok {
		e.logger().Warn("draft document missing, updating record only", "path", rel)
		return nil
	}
	out, err := frontmatter.Upsert(content, updates...)
	if err != nil {
		return err
	}
	return e.Vault.Write(rel, out)
}

// Reject marks a staged draft rejected where it stands. Rejecting twice is a
// no-op; a published draft cannot be rejected.
func (e Engine) Reject(ctx context.Context, kind, id, reviewer, reason string) error {
	defer e.lock()()
	if err := contract.ValidateKind(kind); err != nil {
		return err
	}
	if err := e.Vault.Ready(); err != nil {
		return err
	}
	reviewer, reason = oneLine(reviewer), oneLine(reason)
	stamp := e.stamp()
	updates := []frontmatter.Field{
		frontmatter.F("status", domain.DraftStatusRejected),
		frontmatter.F("rejected_at", stamp),
		frontmatter.F("reviewer", reviewer),
		frontmatter.F("review_notes", reason),
	}
	if kind == domain.KindInsight {
		drafts, err := e.Repo.ListInsightDrafts()
		if err != nil {
			return err
		}
		i := indexOf(len(drafts), func(i int) bool { return drafts[i].ID == id })
		if i < 0 {
			return domain.NotFoundError{Kind: "lti draft", ID: id}
		}
		d := drafts[i]
		switch d.Status {
		case domain.DraftStatusRejected:
			return nil
		case domain.DraftStatusPublished:
			return domain.ConflictError{Kind: "lti draft", ID: id, Reason: "is already published"}
		}
		if err := e.patchDocument(d.VaultPath, updates...); err != nil {
			return err
		}
		d.Status = domain.DraftStatusRejected
		d.RejectedAt = stamp
		d.UpdatedAt = stamp
		d.Governance = domain.Governance{Reviewer: reviewer, ReviewNotes: reason}
		drafts[i] = d
		if err := e.Repo.SaveInsightDrafts(drafts); err != nil {
			return err
		}
	} else {
		proposals, err := e.Repo.ListProposals()
		if err != nil {
			return err
		}
		i := indexOf(len(proposals), func(i int) bool { return proposals[i].ID == id })
		if i < 0 {
			return domain.NotFoundError{Kind: "rti proposal", ID: id}
		}
		p := proposals[i]
		switch p.Status {
		case domain.DraftStatusRejected:
			return nil
		case domain.DraftStatusPublished:
			return domain.ConflictError{Kind: "rti proposal", ID: id, Reason: "is already published"}
		}
		if err := e.patchDocument(p.VaultPath, updates...); err != nil {
			return err
		}
		p.Status = domain.DraftStatusRejected
		p.RejectedAt = stamp
		p.UpdatedAt = stamp
		p.Reviewer = reviewer
		p.ReviewNotes = reason
		proposals[i] = p
		if err := e.Repo.SaveProposals(proposals); err != nil {
			return err
		}
	}
	metrics.DraftTransitions.WithLabelValues(kind, domain.DraftStatusRejected).Inc()
	e.emit(ctx, "draft.rejected", kind, id, reviewer, events.EventPayload{"reason": reason})
	return nil
}

// SyncIndexes rebuilds both derived indexes from the draft logs.
func (e Engine) SyncIndexes(ctx context.Context) error {
	defer e.lock()()
	drafts, err := e.Repo.ListInsightDrafts()
	if err != nil {
		return err
	}
	if err := e.Repo.WriteInsightIndex(drafts); err != nil {
		return err
	}
	proposals, err := e.Repo.ListProposals()
	if err != nil {
		return err
	}
	if err := e.Repo.WriteProposalIndex(proposals); err != nil {
		return err
	}
	e.logger().Info("indexes rebuilt", "lti", len(drafts), "rti", len(proposals))
	return nil
}

// oneLine keeps frontmatter values on a single line.
func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func indexOf(n int, match func(int) bool) int {
	for i := 0; i < n; i++ {
		if match(i) {
			return i
		}
	}
	return -1
}
