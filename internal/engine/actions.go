package engine

import (
	"context"
	"errors"
	"strings"

	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/fetch"
	"pmos/internal/ids"
	"pmos/internal/metrics"
	"pmos/internal/render"
)

const DefaultActionType = "strategic_design"

type ActionOptions struct {
	SignalID   string
	Goal       string
	ActionType string
	ActorID    string
}

// WritebackResult reports the insight draft an action was written back to.
// Existing is set when the writeback had already been applied.
type WritebackResult struct {
	Action       domain.Task         `json:"action"`
	InsightDraft domain.InsightDraft `json:"insight_draft"`
	Existing     bool                `json:"existing"`
}

// GenerateAction creates an action task for a signal, the top ranked one
// when SignalID is empty, links it from the signal and logs a pending
// writeback.
func (e Engine) GenerateAction(ctx context.Context, opts ActionOptions) (domain.Task, error) {
	defer e.lock()()
	sig, err := e.actionSignal(ctx, opts.SignalID)
	if err != nil {
		return domain.Task{}, err
	}
	tasks, err := e.Repo.ListTasks()
	if err != nil {
		return domain.Task{}, err
	}
	known := make([]string, 0, len(tasks))
	for _, t := range tasks {
		known = append(known, t.ID)
	}
	actionType := strings.TrimSpace(opts.ActionType)
	if actionType == "" {
		actionType = DefaultActionType
	}
	goal := oneLine(opts.Goal)
	if goal == "" {
		title := sig.Title
		if title == "" {
			title = sig.ID
		}
		goal = "Respond to signal: " + oneLine(title)
	}
	now := e.stamp()
	task := domain.Task{
		ID:           ids.Next(ids.PrefixAction, e.now(), known),
		Type:         domain.TaskTypeAction,
		SignalID:     sig.ID,
		ActionType:   actionType,
		Goal:         goal,
		Context:      sig.Content,
		Deliverables: []string{"Action memo for " + sig.ID},
		Status:       domain.TaskPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, _, err := e.Repo.EnsureTask(task); err != nil {
		return domain.Task{}, err
	}
	if _, err := e.Repo.UpdateSignal(sig.ID, func(s *domain.Signal) {
		s.LinkedActionID = task.ID
	}); err != nil {
		return domain.Task{}, err
	}
	if err := e.Repo.AppendWriteback(domain.Writeback{
		ActionID:  task.ID,
		Status:    domain.WritebackPending,
		CreatedAt: now,
	}); err != nil {
		return domain.Task{}, err
	}
	e.logger().Info("action generated", "action_id", task.ID, "signal_id", sig.ID, "action_type", actionType)
	e.emit(ctx, "action.generated", "task", task.ID, opts.ActorID, events.EventPayload{
		"signal_id":   sig.ID,
		"action_type": actionType,
	})
	return task, nil
}

func (e Engine) actionSignal(ctx context.Context, id string) (domain.Signal, error) {
	if id != "" {
		return e.Repo.GetSignal(id)
	}
	top, err := e.TopSignals(ctx, 1)
	if err != nil {
		return domain.Signal{}, err
	}
	if len(top) == 0 {
		return domain.Signal{}, domain.Invalid("signal_id", "no signals captured yet")
	}
	return top[0], nil
}

// Actions lists action tasks in creation order.
func (e Engine) Actions(ctx context.Context) ([]domain.Task, error) {
	tasks, err := e.Repo.ListTasks()
	if err != nil {
		return nil, err
	}
	out := []domain.Task{}
	for _, t := range tasks {
		if t.Type == domain.TaskTypeAction {
			out = append(out, t)
		}
	}
	return out, nil
}

// ApplyWriteback stages an insight draft from an action's outcome and
// completes the action. With an empty id the newest action whose writeback
// is still pending is used, falling back to the newest action. Applying
// twice returns the draft staged the first time.
func (e Engine) ApplyWriteback(ctx context.Context, actionID, actorID string) (WritebackResult, error) {
	defer e.lock()()
	if err := e.Vault.Ready(); err != nil {
		return WritebackResult{}, err
	}
	action, err := e.resolveAction(ctx, actionID)
	if err != nil {
		return WritebackResult{}, err
	}
	drafts, err := e.Repo.ListInsightDrafts()
	if err != nil {
		return WritebackResult{}, err
	}
	for _, d := range drafts {
		if d.SourceActionID == action.ID {
			return WritebackResult{Action: action, InsightDraft: d, Existing: true}, nil
		}
	}
	draft, err := e.stageActionDraft(action, drafts)
	if err != nil {
		return WritebackResult{}, routingErr(err)
	}
	now := e.stamp()
	action.Status = domain.TaskCompleted
	action.UpdatedAt = now
	action.CompletedAt = now
	if err := e.Repo.UpdateTask(action); err != nil {
		return WritebackResult{}, err
	}
	if err := e.Repo.AppendWriteback(domain.Writeback{
		ActionID:       action.ID,
		Status:         domain.WritebackApplied,
		InsightDraftID: draft.ID,
		AppliedAt:      now,
	}); err != nil {
		return WritebackResult{}, err
	}
	metrics.DraftTransitions.WithLabelValues(domain.KindInsight, domain.DraftStatusDraft).Inc()
	e.emit(ctx, "draft.created", "lti", draft.ID, actorID, events.EventPayload{
		"source_signal_id": draft.SourceSignalID,
		"source_action_id": action.ID,
		"vault_path":       draft.VaultPath,
	})
	e.emit(ctx, "action.written_back", "task", action.ID, actorID, events.EventPayload{
		"lti_draft_id": draft.ID,
	})
	return WritebackResult{Action: action, InsightDraft: draft}, nil
}

func (e Engine) resolveAction(ctx context.Context, id string) (domain.Task, error) {
	actions, err := e.Actions(ctx)
	if err != nil {
		return domain.Task{}, err
	}
	if id != "" {
		for _, a := range actions {
			if a.ID == id {
				return a, nil
			}
		}
		return domain.Task{}, domain.NotFoundError{Kind: "action", ID: id}
	}
	if len(actions) == 0 {
		return domain.Task{}, domain.Invalid("action_id", "no actions generated yet")
	}
	entries, err := e.Repo.ListWritebacks()
	if err != nil {
		return domain.Task{}, err
	}
	pending := map[string]bool{}
	for _, w := range entries {
		switch w.Status {
		case domain.WritebackPending:
			pending[w.ActionID] = true
		case domain.WritebackApplied:
			delete(pending, w.ActionID)
		}
	}
	for i := len(actions) - 1; i >= 0; i-- {
		if pending[actions[i].ID] {
			return actions[i], nil
		}
	}
	return actions[len(actions)-1], nil
}

func (e Engine) stageActionDraft(action domain.Task, drafts []domain.InsightDraft) (domain.InsightDraft, error) {
	known := make([]string, 0, len(drafts))
	for _, d := range drafts {
		known = append(known, d.ID)
	}
	var tags []string
	sig, err := e.Repo.GetSignal(action.SignalID)
	switch {
	case err == nil:
		tags = sig.ImpactArea
	case !errors.Is(err, domain.ErrNotFound):
		return domain.InsightDraft{}, err
	}
	if err := e.Vault.EnsureDir(e.Vault.Dirs.InsightDrafts); err != nil {
		return domain.InsightDraft{}, err
	}
	id, err := e.allocator(e.Vault.InsightDraft).Allocate(ids.PrefixInsight, e.now(), known)
	if err != nil {
		return domain.InsightDraft{}, err
	}
	now := e.stamp()
	draft := domain.InsightDraft{
		ID:             id,
		Type:           "lti_draft",
		Status:         domain.DraftStatusDraft,
		SourceSignalID: action.SignalID,
		SourceActionID: action.ID,
		Title:          action.Goal,
		Summary:        fetch.Excerpt(action.Context, summaryChars),
		Tags:           append([]string{}, tags...),
		EvidenceRefs:   []domain.EvidenceRef{{Kind: "action", Ref: action.ID}},
		VaultPath:      e.Vault.InsightDraft(id),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	doc, err := e.Render.Render(render.KindInsight, render.InsightView{Draft: draft, Action: &action})
	if err != nil {
		return domain.InsightDraft{}, err
	}
	if err := e.Vault.Create(draft.VaultPath, doc); err != nil {
		return domain.InsightDraft{}, err
	}
	if err := e.Repo.SaveInsightDrafts(append(drafts, draft)); err != nil {
		return domain.InsightDraft{}, err
	}
	return draft, nil
}
