package engine

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"time"

	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/ids"
	"pmos/internal/metrics"
	"pmos/internal/render"
)

var nonAlnumRe = regexp.MustCompile(`[^a-z0-9]+`)

// RejectionResult describes the case recorded for a rejected signal.
type RejectionResult struct {
	CaseID           string `json:"cos_id"`
	PatternKey       string `json:"pattern_key"`
	VaultPath        string `json:"vault_path"`
	LinkedProposalID string `json:"linked_rti_proposal,omitempty"`
	Existing         bool   `json:"existing"`
	Triggered        bool   `json:"triggered"`
	TriggerError     string `json:"trigger_error,omitempty"`
}

// PatternCheck is the outcome of evaluating one pattern against the rule of
// three.
type PatternCheck struct {
	PatternKey string   `json:"pattern_key"`
	Matches    int      `json:"matches"`
	Threshold  int      `json:"threshold"`
	CaseIDs    []string `json:"case_ids"`
	ProposalID string   `json:"proposal_id,omitempty"`
	Triggered  bool     `json:"triggered"`
}

// NormalizeReason lower-cases text, drops punctuation and collapses
// whitespace.
func NormalizeReason(reason string) string {
	return strings.Join(strings.Fields(nonAlnumRe.ReplaceAllString(strings.ToLower(reason), " ")), " ")
}

// PatternKey joins the normalized reason with the sorted, lower-cased tags.
func PatternKey(reason string, tags []string) string {
	norm := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			norm = append(norm, t)
		}
	}
	sort.Strings(norm)
	return NormalizeReason(reason) + "|" + strings.Join(norm, ",")
}

// HandleRejection records a rejection case for the signal and decision and
// evaluates the rule of three. Re-handling the same pair returns the stored
// case.
func (e Engine) HandleRejection(ctx context.Context, signalID, decisionID, reason, actorID string) (RejectionResult, error) {
	defer e.lock()()
	return e.handleRejection(ctx, signalID, decisionID, reason, actorID)
}

func (e Engine) handleRejection(ctx context.Context, signalID, decisionID, reason, actorID string) (RejectionResult, error) {
	if strings.TrimSpace(signalID) == "" {
		return RejectionResult{}, domain.Invalid("signal_id", "is required")
	}
	if strings.TrimSpace(decisionID) == "" {
		return RejectionResult{}, domain.Invalid("decision_id", "is required")
	}
	cases, err := e.Repo.ListCases()
	if err != nil {
		return RejectionResult{}, err
	}
	known := make([]string, 0, len(cases))
	for _, c := range cases {
		if c.SignalID == signalID && c.DecisionID == decisionID {
			return RejectionResult{
				CaseID:           c.ID,
				PatternKey:       c.PatternKey,
				VaultPath:        c.VaultPath,
				LinkedProposalID: c.LinkedProposalID,
				Existing:         true,
			}, nil
		}
		known = append(known, c.ID)
	}
	if err := e.Vault.Ready(); err != nil {
		return RejectionResult{}, err
	}
	sig, err := e.Repo.GetSignal(signalID)
	if err != nil {
		return RejectionResult{}, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = e.Config.Gate.DefaultReason
	}
	id, err := e.allocator(e.Vault.CaseNote).Allocate(ids.PrefixCase, e.now(), known)
	if err != nil {
		return RejectionResult{}, err
	}
	c := domain.RejectionCase{
		ID:         id,
		SignalID:   sig.ID,
		DecisionID: decisionID,
		PatternKey: PatternKey(reason, sig.ImpactArea),
		Reason:     reason,
		VaultPath:  e.Vault.CaseNote(id),
		CreatedAt:  e.stamp(),
	}
	doc, err := e.Render.Render(render.KindCase, render.CaseView{Case: c, Signal: sig})
	if err != nil {
		return RejectionResult{}, err
	}
	if err := e.Vault.Create(c.VaultPath, doc); err != nil {
		return RejectionResult{}, err
	}
	if err := e.Repo.SaveCases(append(cases, c)); err != nil {
		return RejectionResult{}, err
	}
	metrics.RejectionCases.Inc()
	e.emit(ctx, "pattern.case_recorded", "cos", c.ID, actorID, events.EventPayload{
		"signal_id":   c.SignalID,
		"decision_id": c.DecisionID,
		"pattern_key": c.PatternKey,
	})

	result := RejectionResult{CaseID: c.ID, PatternKey: c.PatternKey, VaultPath: c.VaultPath}
	check, err := e.checkRuleOfThree(ctx, c.PatternKey, actorID)
	if err != nil {
		result.TriggerError = err.Error()
		e.logger().Warn("rule of three not evaluated", "cos_id", c.ID, "pattern_key", c.PatternKey, "err", err)
		return result, nil
	}
	result.Triggered = check.Triggered
	result.LinkedProposalID = check.ProposalID
	return result, nil
}

// CheckRuleOfThree evaluates a pattern against the threshold, creating or
// reusing a proposal once it is met.
func (e Engine) CheckRuleOfThree(ctx context.Context, patternKey, actorID string) (PatternCheck, error) {
	defer e.lock()()
	return e.checkRuleOfThree(ctx, patternKey, actorID)
}

func (e Engine) checkRuleOfThree(ctx context.Context, patternKey, actorID string) (PatternCheck, error) {
	threshold := e.Config.RuleOfThree.Threshold
	if threshold < 1 {
		threshold = 3
	}
	cases, err := e.Repo.ListCases()
	if err != nil {
		return PatternCheck{}, err
	}
	check := PatternCheck{PatternKey: patternKey, Threshold: threshold, CaseIDs: []string{}}
	for _, c := range cases {
		if c.PatternKey == patternKey {
			check.CaseIDs = append(check.CaseIDs, c.ID)
		}
	}
	check.Matches = len(check.CaseIDs)
	if check.Matches < threshold {
		return check, nil
	}

	proposals, err := e.Repo.ListProposals()
	if err != nil {
		return PatternCheck{}, err
	}
	proposal, ok := e.freshProposal(patternKey, proposals)
	if !ok {
		proposal, err = e.createProposal(patternKey, check.CaseIDs, proposals)
		if err != nil {
			return PatternCheck{}, err
		}
		check.Triggered = true
		metrics.RuleOfThreeTriggers.Inc()
		metrics.DraftTransitions.WithLabelValues(domain.KindProposal, domain.DraftStatusDraft).Inc()
		e.emit(ctx, "pattern.triggered", "rti", proposal.ID, actorID, events.EventPayload{
			"pattern_key":             patternKey,
			"supporting_cos_case_ids": check.CaseIDs,
		})
		e.logger().Info("rule of three triggered", "pattern_key", patternKey, "proposal_id", proposal.ID, "cases", check.Matches)
	}
	check.ProposalID = proposal.ID

	changed := false
	for i := range cases {
		if cases[i].PatternKey == patternKey && cases[i].LinkedProposalID != proposal.ID {
			cases[i].LinkedProposalID = proposal.ID
			changed = true
		}
	}
	if changed {
		if err := e.Repo.SaveCases(cases); err != nil {
			return PatternCheck{}, err
		}
	}
	task, created, err := e.ensureValidationTask(proposal)
	if err != nil {
		return PatternCheck{}, err
	}
	if created {
		e.emit(ctx, "task.queued", "task", task.ID, actorID, events.EventPayload{"type": task.Type, "proposal_id": proposal.ID})
	}
	return check, nil
}

// freshProposal returns the newest live proposal for the pattern created
// within the freshness window.
func (e Engine) freshProposal(patternKey string, proposals []domain.ProposalDraft) (domain.ProposalDraft, bool) {
	cutoff := e.now().UTC().AddDate(0, 0, -e.Config.RuleOfThree.FreshnessDays)
	var (
		best     domain.ProposalDraft
		bestTime time.Time
		found    bool
	)
	for _, p := range proposals {
		if p.PatternKey != patternKey {
			continue
		}
		if p.Status != domain.DraftStatusDraft && p.Status != domain.DraftStatusPublished {
			continue
		}
		created, err := time.Parse(time.RFC3339, p.CreatedAt)
		if err != nil || created.Before(cutoff) {
			continue
		}
		if !found || created.After(bestTime) {
			best, bestTime, found = p, created, true
		}
	}
	return best, found
}

func (e Engine) createProposal(patternKey string, caseIDs []string, proposals []domain.ProposalDraft) (domain.ProposalDraft, error) {
	if err := e.Vault.EnsureDir(e.Vault.Dirs.ProposalDrafts); err != nil {
		return domain.ProposalDraft{}, err
	}
	known := make([]string, 0, len(proposals))
	for _, p := range proposals {
		known = append(known, p.ID)
	}
	id, err := e.allocator(e.Vault.ProposalDraft).Allocate(ids.PrefixProposal, e.now(), known)
	if err != nil {
		return domain.ProposalDraft{}, err
	}
	now := e.stamp()
	p := domain.ProposalDraft{
		ID:                id,
		Type:              "rti_proposal",
		Status:            domain.DraftStatusDraft,
		PatternKey:        patternKey,
		SupportingCaseIDs: append([]string{}, caseIDs...),
		VaultPath:         e.Vault.ProposalDraft(id),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	doc, err := e.Render.Render(render.KindProposal, render.ProposalView{Proposal: p})
	if err != nil {
		return domain.ProposalDraft{}, err
	}
	if err := e.Vault.Create(p.VaultPath, doc); err != nil {
		return domain.ProposalDraft{}, err
	}
	if err := e.Repo.SaveProposals(append(proposals, p)); err != nil {
		return domain.ProposalDraft{}, err
	}
	return p, nil
}

func (e Engine) ensureValidationTask(p domain.ProposalDraft) (domain.Task, bool, error) {
	now := e.stamp()
	return e.Repo.EnsureTask(domain.Task{
		ID:                ids.ValidationTaskID(p.ID),
		Type:              domain.TaskTypeRTIValidation,
		ProposalID:        p.ID,
		TriggerPatternKey: p.PatternKey,
		Status:            domain.TaskPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	})
}

// Cases lists rejection cases, optionally narrowed to one pattern.
func (e Engine) Cases(ctx context.Context, patternKey string) ([]domain.RejectionCase, error) {
	all, err := e.Repo.ListCases()
	if err != nil {
		return nil, err
	}
	if patternKey == "" {
		return all, nil
	}
	out := []domain.RejectionCase{}
	for _, c := range all {
		if c.PatternKey == patternKey {
			out = append(out, c)
		}
	}
	return out, nil
}
