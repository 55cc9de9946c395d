package repo

import (
	"errors"
	"reflect"
	"testing"

	"pmos/internal/domain"
)

func TestGetSignalNotFoundListsCandidates(t *testing.T) {
	r := New(t.TempDir())
	for _, id := range []string{"SIG-20260216-001", "SIG-20260216-002", "SIG-20260101-001", "OTHER"} {
		if err := r.AppendSignal(domain.Signal{ID: id}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	_, err := r.GetSignal("SIG-20260216-009")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	var nf domain.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %T", err)
	}
	want := []string{"SIG-20260216-001", "SIG-20260216-002", "SIG-20260101-001"}
	if !reflect.DeepEqual(nf.Candidates, want) {
		t.Fatalf("candidates = %v, want %v", nf.Candidates, want)
	}
}

func TestEnsureTaskIsIdempotent(t *testing.T) {
	r := New(t.TempDir())
	task := domain.Task{ID: "ACT-DEEPEN-SIG-20260216-001", Type: domain.TaskTypeDeepening, Status: domain.TaskPending}
	if _, created, err := r.EnsureTask(task); err != nil || !created {
		t.Fatalf("first ensure: created=%v err=%v", created, err)
	}
	task.Status = domain.TaskCompleted
	got, created, err := r.EnsureTask(task)
	if err != nil || created {
		t.Fatalf("second ensure: created=%v err=%v", created, err)
	}
	if got.Status != domain.TaskPending {
		t.Fatalf("existing task was overwritten: %+v", got)
	}
	all, _ := r.ListTasks()
	if len(all) != 1 {
		t.Fatalf("expected one task, got %d", len(all))
	}
}

func TestCasesRoundTripAndEmpty(t *testing.T) {
	r := New(t.TempDir())
	cases, err := r.ListCases()
	if err != nil || len(cases) != 0 {
		t.Fatalf("empty cases: %v %v", cases, err)
	}
	in := []domain.RejectionCase{{ID: "COS-20260216-001", SignalID: "SIG-20260216-001", PatternKey: "x|"}}
	if err := r.SaveCases(in); err != nil {
		t.Fatalf("save: %v", err)
	}
	out, err := r.ListCases()
	if err != nil || !reflect.DeepEqual(in, out) {
		t.Fatalf("round trip: %v %+v", err, out)
	}
}

func TestSaveDraftsRewritesIndex(t *testing.T) {
	r := New(t.TempDir())
	drafts := []domain.InsightDraft{{ID: "LTI-DRAFT-20260216-001", Status: domain.DraftStatusDraft, SourceDecisionID: "DEC-20260216-001"}}
	if err := r.SaveInsightDrafts(drafts); err != nil {
		t.Fatalf("save: %v", err)
	}
	idx, err := r.InsightIndex()
	if err != nil || len(idx) != 1 || idx[0].SourceDecisionID != "DEC-20260216-001" {
		t.Fatalf("index: %v %+v", err, idx)
	}

	props := []domain.ProposalDraft{{ID: "RTI-PROP-20260216-001", Status: domain.DraftStatusDraft, SupportingCaseIDs: []string{"a", "b", "c"}}}
	if err := r.SaveProposals(props); err != nil {
		t.Fatalf("save proposals: %v", err)
	}
	pidx, err := r.ProposalIndex()
	if err != nil || len(pidx) != 1 || len(pidx[0].SupportingCaseIDs) != 3 {
		t.Fatalf("proposal index: %v %+v", err, pidx)
	}
}
