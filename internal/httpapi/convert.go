package httpapi

import (
	"github.com/ankittk/stagehand/internal/store"
	"github.com/ankittk/stagehand/pkg/models"
)

// The store models carry no JSON tags; these converters map them onto the
// stable API types in pkg/models.

func apiRun(r *store.Run) models.Run {
	return models.Run{
		RunID:           r.RunID,
		Status:          r.Status,
		CurrentStage:    r.CurrentStage,
		Policy:          r.Policy,
		ContractVersion: r.ContractVersion,
		LoopCap:         r.LoopCap,
		ReasonCode:      r.ReasonCode,
		Detail:          r.Detail,
		Version:         r.Version,
		Scope:           r.Scope,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		StartedAt:       r.StartedAt,
		EndedAt:         r.EndedAt,
	}
}

func apiExecution(e *store.StageExecution) models.StageExecution {
	return models.StageExecution{
		ExecutionID:     e.ExecutionID,
		RunID:           e.RunID,
		Seq:             e.Seq,
		Stage:           e.Stage,
		Iteration:       e.Iteration,
		Status:          e.Status,
		ReasonCode:      e.ReasonCode,
		RootCause:       e.RootCause,
		Summary:         e.Summary,
		Profile:         e.Profile,
		ContractVersion: e.ContractVersion,
		Outputs:         e.Outputs,
		EvidencePath:    e.EvidencePath,
		StartedAt:       e.StartedAt,
		EndedAt:         e.EndedAt,
	}
}

func apiTransition(t *store.LoopTransition) models.LoopTransition {
	return models.LoopTransition{
		TransitionID: t.TransitionID,
		RunID:        t.RunID,
		Seq:          t.Seq,
		FromStage:    t.FromStage,
		ToStage:      t.ToStage,
		ReasonCode:   t.ReasonCode,
		Detail:       t.Detail,
		CreatedAt:    t.CreatedAt,
	}
}

func apiApproval(a *store.Approval) models.Approval {
	return models.Approval{
		ApprovalID: a.ApprovalID,
		RunID:      a.RunID,
		Seq:        a.Seq,
		Stage:      a.Stage,
		Decision:   a.Decision,
		Approver:   a.Approver,
		Comment:    a.Comment,
		Override:   a.Override,
		ExpiresAt:  a.ExpiresAt,
		CreatedAt:  a.CreatedAt,
	}
}

func apiTimelineItem(item *store.TimelineItem) models.TimelineItem {
	out := models.TimelineItem{Seq: item.Seq, Kind: item.Kind, At: item.At}
	if item.Execution != nil {
		e := apiExecution(item.Execution)
		out.Execution = &e
	}
	if item.Transition != nil {
		t := apiTransition(item.Transition)
		out.Transition = &t
	}
	if item.Approval != nil {
		a := apiApproval(item.Approval)
		out.Approval = &a
	}
	return out
}

func apiSummary(s *store.RunSummary) models.RunSummary {
	out := models.RunSummary{
		Run:         apiRun(&s.Run),
		Executions:  make([]models.StageExecution, 0, len(s.Executions)),
		Transitions: make([]models.LoopTransition, 0, len(s.Transitions)),
		Approvals:   make([]models.Approval, 0, len(s.Approvals)),
		Timeline:    make([]models.TimelineItem, 0, len(s.Timeline)),
	}
	for i := range s.Executions {
		out.Executions = append(out.Executions, apiExecution(&s.Executions[i]))
	}
	for i := range s.Transitions {
		out.Transitions = append(out.Transitions, apiTransition(&s.Transitions[i]))
	}
	for i := range s.Approvals {
		out.Approvals = append(out.Approvals, apiApproval(&s.Approvals[i]))
	}
	for i := range s.Timeline {
		out.Timeline = append(out.Timeline, apiTimelineItem(&s.Timeline[i]))
	}
	return out
}
