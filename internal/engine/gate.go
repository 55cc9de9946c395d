package engine

import (
	"context"
	"errors"
	"strings"

	"pmos/internal/contract"
	"pmos/internal/domain"
	"pmos/internal/events"
	"pmos/internal/ids"
	"pmos/internal/metrics"
	"pmos/internal/render"
)

// DecisionOptions are the inputs of a gate decision.
type DecisionOptions struct {
	SignalID    string
	Decision    string
	Priority    string
	Reason      string
	NextActions []string
	ActorID     string
}

// DecisionResult reports what a decision set in motion. RoutingError is set
// when an approval was recorded but its insight draft could not be placed;
// Route retries it.
type DecisionResult struct {
	Decision      domain.GateDecision  `json:"decision"`
	DeepeningTask *domain.Task         `json:"deepening_task,omitempty"`
	InsightDraft  *domain.InsightDraft `json:"insight_draft,omitempty"`
	Rejection     *RejectionResult     `json:"rejection,omitempty"`
	RoutingError  string               `json:"routing_error,omitempty"`
}

// Decide records a gate decision for a signal and triggers its follow-ups.
func (e Engine) Decide(ctx context.Context, opts DecisionOptions) (DecisionResult, error) {
	defer e.lock()()
	if err := contract.ValidateDecision(contract.DecisionArgs{
		SignalID: opts.SignalID,
		Decision: opts.Decision,
		Priority: opts.Priority,
	}); err != nil {
		return DecisionResult{}, err
	}
	if err := e.Vault.Ready(); err != nil {
		return DecisionResult{}, err
	}
	sig, err := e.Repo.GetSignal(opts.SignalID)
	if err != nil {
		return DecisionResult{}, err
	}
	existing, err := e.Repo.ListDecisions()
	if err != nil {
		return DecisionResult{}, err
	}
	known := make([]string, 0, len(existing))
	for _, d := range existing {
		known = append(known, d.ID)
	}
	id := ids.Next(ids.PrefixDecision, e.now(), known)
	for _, d := range known {
		if d == id {
			return DecisionResult{}, domain.ConflictError{Kind: "gate decision", ID: id}
		}
	}

	reason := strings.TrimSpace(opts.Reason)
	if reason == "" {
		reason = e.Config.Gate.DefaultReason
	}
	next := opts.NextActions
	if len(next) == 0 {
		next = e.Config.NextActions(opts.Decision)
	}
	dec := domain.GateDecision{
		ID:          id,
		SignalID:    sig.ID,
		Decision:    opts.Decision,
		Priority:    opts.Priority,
		Reason:      reason,
		NextActions: next,
		ActorID:     opts.ActorID,
		VaultPath:   e.Vault.DecisionNote(id),
		CreatedAt:   e.stamp(),
	}
	doc, err := e.Render.Render(render.KindDecision, render.DecisionView{Decision: dec, Signal: sig})
	if err != nil {
		return DecisionResult{}, err
	}
	if err := e.Vault.Create(dec.VaultPath, doc); err != nil {
		var ce domain.ConflictError
		if errors.As(err, &ce) {
			return DecisionResult{}, domain.ConflictError{Kind: "gate decision", ID: id}
		}
		return DecisionResult{}, err
	}
	if err := e.Repo.AppendDecision(dec); err != nil {
		return DecisionResult{}, err
	}
	metrics.GateDecisions.WithLabelValues(dec.Decision).Inc()
	e.emit(ctx, "gate.decided", "decision", dec.ID, opts.ActorID, events.EventPayload{
		"signal_id": sig.ID,
		"decision":  dec.Decision,
		"priority":  dec.Priority,
	})
	e.logger().Info("gate decision recorded", "decision_id", dec.ID, "signal_id", sig.ID, "decision", dec.Decision)

	result := DecisionResult{Decision: dec}
	switch dec.Decision {
	case domain.DecisionApproved:
		if err := e.approve(ctx, &result, sig, opts.ActorID); err != nil && !errors.Is(err, domain.ErrRouting) {
			return result, err
		}
	case domain.DecisionReject:
		rej, err := e.handleRejection(ctx, sig.ID, dec.ID, dec.Reason, opts.ActorID)
		if err != nil {
			return result, err
		}
		result.Rejection = &rej
	}
	return result, nil
}

// Route retries draft routing for an approved decision.
func (e Engine) Route(ctx context.Context, decisionID, actorID string) (DecisionResult, error) {
	defer e.lock()()
	dec, err := e.Repo.GetDecision(decisionID)
	if err != nil {
		return DecisionResult{}, err
	}
	if dec.Decision != domain.DecisionApproved {
		return DecisionResult{}, domain.Invalid("decision", "only approved decisions are routed")
	}
	sig, err := e.Repo.GetSignal(dec.SignalID)
	if err != nil {
		return DecisionResult{}, err
	}
	result := DecisionResult{Decision: dec}
	err = e.approve(ctx, &result, sig, actorID)
	return result, err
}

// approve queues deepening, marks the signal and routes the insight draft.
// A routing failure is also recorded in result.RoutingError; the returned
// error then matches domain.ErrRouting.
func (e Engine) approve(ctx context.Context, result *DecisionResult, sig domain.Signal, actorID string) error {
	dec := result.Decision
	task, created, err := e.ensureDeepeningTask(sig.ID)
	if err != nil {
		return err
	}
	result.DeepeningTask = &task
	if created {
		e.emit(ctx, "task.queued", "task", task.ID, actorID, events.EventPayload{"type": task.Type, "signal_id": sig.ID})
	}
	if sig.GateStatus != domain.GateStatusApproved {
		sig, err = e.Repo.UpdateSignal(sig.ID, func(s *domain.Signal) {
			s.GateStatus = domain.GateStatusApproved
			s.GateDecisionID = dec.ID
			s.DeepeningTaskID = task.ID
		})
		if err != nil {
			return err
		}
	}
	draft, err := e.routeInsight(ctx, dec, sig, actorID)
	if err != nil {
		if errors.Is(err, domain.ErrRouting) {
			metrics.RoutingFailures.Inc()
			result.RoutingError = err.Error()
			e.logger().Warn("approved signal not routed", "decision_id", dec.ID, "signal_id", sig.ID, "err", err)
			e.emit(ctx, "routing.failed", "decision", dec.ID, actorID, events.EventPayload{"error": err.Error()})
			return err
		}
		return err
	}
	result.InsightDraft = &draft
	return nil
}

func (e Engine) ensureDeepeningTask(signalID string) (domain.Task, bool, error) {
	now := e.stamp()
	return e.Repo.EnsureTask(domain.Task{
		ID:        ids.DeepeningTaskID(signalID),
		Type:      domain.TaskTypeDeepening,
		SignalID:  signalID,
		Status:    domain.TaskPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
