// Package repo exposes the typed PMOS collections stored under the data
// directory. Every read goes to disk so callers always see the latest
// committed state.
package repo

import (
	"errors"
	"path/filepath"
	"sort"
	"strings"

	"pmos/internal/domain"
	"pmos/internal/store"
)

const (
	SignalsFile       = "signals.jsonl"
	TasksFile         = "tasks.jsonl"
	DecisionsFile     = "decisions.jsonl"
	CasesFile         = "cos_index.json"
	InsightDraftsFile = "lti_drafts.jsonl"
	ProposalsFile     = "rti_proposals.jsonl"
	InsightIndexFile  = "lti_index.json"
	ProposalIndexFile = "rti_index.json"
	WritebacksFile    = "writebacks.jsonl"

	maxCandidates = 5
)

type Repo struct {
	Dir string
}

func New(dir string) Repo {
	return Repo{Dir: dir}
}

func (r Repo) path(name string) string {
	return filepath.Join(r.Dir, name)
}

func (r Repo) signals() store.Log[domain.Signal] {
	return store.NewLog[domain.Signal](r.path(SignalsFile))
}

func (r Repo) tasks() store.Log[domain.Task] {
	return store.NewLog[domain.Task](r.path(TasksFile))
}

func (r Repo) decisions() store.Log[domain.GateDecision] {
	return store.NewLog[domain.GateDecision](r.path(DecisionsFile))
}

func (r Repo) insights() store.Log[domain.InsightDraft] {
	return store.NewLog[domain.InsightDraft](r.path(InsightDraftsFile))
}

func (r Repo) writebacks() store.Log[domain.Writeback] {
	return store.NewLog[domain.Writeback](r.path(WritebacksFile))
}

func (r Repo) proposals() store.Log[domain.ProposalDraft] {
	return store.NewLog[domain.ProposalDraft](r.path(ProposalsFile))
}

// Signals

func (r Repo) ListSignals() ([]domain.Signal, error) {
	return r.signals().ReadAll()
}

func (r Repo) AppendSignal(s domain.Signal) error {
	return r.signals().Append(s)
}

func (r Repo) SaveSignals(all []domain.Signal) error {
	return r.signals().RewriteAll(all)
}

// GetSignal returns the signal or a NotFoundError carrying nearby ids.
func (r Repo) GetSignal(id string) (domain.Signal, error) {
	all, err := r.ListSignals()
	if err != nil {
		return domain.Signal{}, err
	}
	known := make([]string, 0, len(all))
	for _, s := range all {
		if s.ID == id {
			return s, nil
		}
		known = append(known, s.ID)
	}
	return domain.Signal{}, domain.NotFoundError{Kind: "signal", ID: id, Candidates: Candidates(id, known)}
}

// UpdateSignal applies fn to the stored signal with id and rewrites the log.
func (r Repo) UpdateSignal(id string, fn func(*domain.Signal)) (domain.Signal, error) {
	all, err := r.ListSignals()
	if err != nil {
		return domain.Signal{}, err
	}
	for i := range all {
		if all[i].ID == id {
			fn(&all[i])
			if err := r.SaveSignals(all); err != nil {
				return domain.Signal{}, err
			}
			return all[i], nil
		}
	}
	return domain.Signal{}, domain.NotFoundError{Kind: "signal", ID: id}
}

// Tasks

func (r Repo) ListTasks() ([]domain.Task, error) {
	return r.tasks().ReadAll()
}

func (r Repo) SaveTasks(all []domain.Task) error {
	return r.tasks().RewriteAll(all)
}

func (r Repo) GetTask(id string) (domain.Task, error) {
	all, err := r.ListTasks()
	if err != nil {
		return domain.Task{}, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, domain.NotFoundError{Kind: "task", ID: id}
}

// EnsureTask appends t unless a task with the same id exists. It returns the
// stored task and whether it was created.
func (r Repo) EnsureTask(t domain.Task) (domain.Task, bool, error) {
	existing, err := r.GetTask(t.ID)
	if err == nil {
		return existing, false, nil
	}
	if !isNotFound(err) {
		return domain.Task{}, false, err
	}
	if err := r.tasks().Append(t); err != nil {
		return domain.Task{}, false, err
	}
	return t, true, nil
}

func (r Repo) UpdateTask(t domain.Task) error {
	all, err := r.ListTasks()
	if err != nil {
		return err
	}
	for i := range all {
		if all[i].ID == t.ID {
			all[i] = t
			return r.SaveTasks(all)
		}
	}
	return domain.NotFoundError{Kind: "task", ID: t.ID}
}

// Decisions

func (r Repo) ListDecisions() ([]domain.GateDecision, error) {
	return r.decisions().ReadAll()
}

func (r Repo) AppendDecision(d domain.GateDecision) error {
	return r.decisions().Append(d)
}

func (r Repo) GetDecision(id string) (domain.GateDecision, error) {
	all, err := r.ListDecisions()
	if err != nil {
		return domain.GateDecision{}, err
	}
	for _, d := range all {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.GateDecision{}, domain.NotFoundError{Kind: "decision", ID: id}
}

// Writebacks

func (r Repo) ListWritebacks() ([]domain.Writeback, error) {
	return r.writebacks().ReadAll()
}

func (r Repo) AppendWriteback(w domain.Writeback) error {
	return r.writebacks().Append(w)
}

// Rejection cases live in one JSON document, matching the COS index format.

type caseIndex struct {
	Cases []domain.RejectionCase `json:"cases"`
}

func (r Repo) ListCases() ([]domain.RejectionCase, error) {
	var idx caseIndex
	if _, err := store.ReadJSON(r.path(CasesFile), &idx); err != nil {
		return nil, err
	}
	if idx.Cases == nil {
		idx.Cases = []domain.RejectionCase{}
	}
	return idx.Cases, nil
}

func (r Repo) SaveCases(all []domain.RejectionCase) error {
	if all == nil {
		all = []domain.RejectionCase{}
	}
	return store.WriteJSON(r.path(CasesFile), caseIndex{Cases: all})
}

// Insight drafts

func (r Repo) ListInsightDrafts() ([]domain.InsightDraft, error) {
	return r.insights().ReadAll()
}

func (r Repo) SaveInsightDrafts(all []domain.InsightDraft) error {
	if err := r.insights().RewriteAll(all); err != nil {
		return err
	}
	return r.WriteInsightIndex(all)
}

func (r Repo) GetInsightDraft(id string) (domain.InsightDraft, error) {
	all, err := r.ListInsightDrafts()
	if err != nil {
		return domain.InsightDraft{}, err
	}
	for _, d := range all {
		if d.ID == id {
			return d, nil
		}
	}
	return domain.InsightDraft{}, domain.NotFoundError{Kind: "lti draft", ID: id}
}

// WriteInsightIndex derives lti_index.json from drafts.
func (r Repo) WriteInsightIndex(all []domain.InsightDraft) error {
	entries := make([]domain.InsightIndexEntry, 0, len(all))
	for _, d := range all {
		entries = append(entries, domain.InsightIndexEntry{
			ID:               d.ID,
			Status:           d.Status,
			CreatedAt:        d.CreatedAt,
			VaultPath:        d.VaultPath,
			FinalVaultPath:   d.FinalVaultPath,
			SourceSignalID:   d.SourceSignalID,
			SourceDecisionID: d.SourceDecisionID,
		})
	}
	return store.WriteJSON(r.path(InsightIndexFile), entries)
}

func (r Repo) InsightIndex() ([]domain.InsightIndexEntry, error) {
	entries := []domain.InsightIndexEntry{}
	if _, err := store.ReadJSON(r.path(InsightIndexFile), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Proposals

func (r Repo) ListProposals() ([]domain.ProposalDraft, error) {
	return r.proposals().ReadAll()
}

func (r Repo) SaveProposals(all []domain.ProposalDraft) error {
	if err := r.proposals().RewriteAll(all); err != nil {
		return err
	}
	return r.WriteProposalIndex(all)
}

func (r Repo) GetProposal(id string) (domain.ProposalDraft, error) {
	all, err := r.ListProposals()
	if err != nil {
		return domain.ProposalDraft{}, err
	}
	for _, p := range all {
		if p.ID == id {
			return p, nil
		}
	}
	return domain.ProposalDraft{}, domain.NotFoundError{Kind: "rti proposal", ID: id}
}

// WriteProposalIndex derives rti_index.json from proposals.
func (r Repo) WriteProposalIndex(all []domain.ProposalDraft) error {
	entries := make([]domain.ProposalIndexEntry, 0, len(all))
	for _, p := range all {
		entries = append(entries, domain.ProposalIndexEntry{
			ID:                p.ID,
			Status:            p.Status,
			CreatedAt:         p.CreatedAt,
			VaultPath:         p.VaultPath,
			FinalVaultPath:    p.FinalVaultPath,
			PatternKey:        p.PatternKey,
			SupportingCaseIDs: p.SupportingCaseIDs,
		})
	}
	return store.WriteJSON(r.path(ProposalIndexFile), entries)
}

func (r Repo) ProposalIndex() ([]domain.ProposalIndexEntry, error) {
	entries := []domain.ProposalIndexEntry{}
	if _, err := store.ReadJSON(r.path(ProposalIndexFile), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Candidates ranks known ids by closeness to id: same date stem first, then
// longest shared prefix. At most five are returned.
func Candidates(id string, known []string) []string {
	type scored struct {
		id      string
		sameDay bool
		prefix  int
	}
	stem := dateStem(id)
	var ranked []scored
	for _, k := range known {
		p := sharedPrefix(id, k)
		same := stem != "" && strings.HasPrefix(k, stem)
		if !same && p < 4 {
			continue
		}
		ranked = append(ranked, scored{id: k, sameDay: same, prefix: p})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].sameDay != ranked[j].sameDay {
			return ranked[i].sameDay
		}
		if ranked[i].prefix != ranked[j].prefix {
			return ranked[i].prefix > ranked[j].prefix
		}
		return ranked[i].id < ranked[j].id
	})
	out := []string{}
	for i := 0; i < len(ranked) && i < maxCandidates; i++ {
		out = append(out, ranked[i].id)
	}
	return out
}

func dateStem(id string) string {
	idx := strings.LastIndex(id, "-")
	if idx <= 0 {
		return ""
	}
	return id[:idx+1]
}

func sharedPrefix(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
