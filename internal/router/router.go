// Package router decides what happens after a stage execution: advance, loop
// back, retry, pause, complete, or fail. DecideNext is a pure function of the
// routing policy, the stage, the outcome, and the stage's loop count, so every
// decision is replayable.
package router

import (
	"fmt"

	"github.com/ankittk/stagehand/pkg/models"
)

// Outcome is a stage execution result as the router sees it.
type Outcome struct {
	Status     string
	ReasonCode string
	RootCause  string
}

// Decision is the router's verdict. Next is set for advance; LoopTo for loop
// and retry. ReasonCode accompanies every non-advance decision.
type Decision struct {
	Kind       string
	Next       string
	LoopTo     string
	ReasonCode string
	Detail     string
}

// DecideNext evaluates the policy's routing table against one stage outcome.
// Rules are evaluated top down, first match wins. A retry rule fires only on
// the stage's first iteration (loopCount zero); later iterations fall through
// to the next rule. A loop decision whose edge the policy does not allow
// degrades to a pause for operator triage.
func DecideNext(p models.RoutingPolicy, stage string, outcome Outcome, loopCount int) (Decision, error) {
	if !models.KnownStage(stage) {
		return Decision{}, fmt.Errorf("%w: %q", models.ErrUnknownStage, stage)
	}
	stages := p.Stages
	if len(stages) == 0 {
		stages = models.StageOrder
	}
	idx := stageIndex(stages, stage)
	if idx < 0 {
		return Decision{}, fmt.Errorf("stage %q not in policy %q pipeline", stage, p.Name)
	}
	rules := p.Rules
	if len(rules) == 0 {
		rules = DefaultRules()
	}

	for _, rule := range rules {
		if !matches(rule.Match, stage, outcome) {
			continue
		}
		reason := rule.Then.Reason
		if reason == "" {
			reason = outcome.ReasonCode
		}
		switch rule.Then.Kind {
		case models.DecideAdvance:
			if idx == len(stages)-1 {
				return Decision{Kind: models.DecideComplete}, nil
			}
			return Decision{Kind: models.DecideAdvance, Next: stages[idx+1]}, nil

		case models.DecideLoop:
			target := rule.Then.To
			if target == "" {
				target = stage
			}
			if !loopAllowed(p, stage, target) {
				return Decision{
					Kind:       models.DecidePause,
					ReasonCode: reason,
					Detail:     fmt.Sprintf("loop %s->%s not allowed under policy %q", stage, target, p.Name),
				}, nil
			}
			return Decision{Kind: models.DecideLoop, LoopTo: target, ReasonCode: reason}, nil

		case models.DecideRetry:
			if loopCount > 0 {
				continue
			}
			target := rule.Then.To
			if target == "" {
				target = stage
			}
			if !loopAllowed(p, stage, target) {
				continue
			}
			return Decision{Kind: models.DecideRetry, LoopTo: target, ReasonCode: reason}, nil

		case models.DecidePause:
			return Decision{Kind: models.DecidePause, ReasonCode: reason}, nil

		case models.DecideComplete:
			return Decision{Kind: models.DecideComplete}, nil

		case models.DecideFail:
			return Decision{Kind: models.DecideFail, ReasonCode: reason}, nil

		default:
			return Decision{}, fmt.Errorf("policy %q: unknown decision kind %q", p.Name, rule.Then.Kind)
		}
	}
	return Decision{}, fmt.Errorf("policy %q: no routing rule matched stage %s outcome %s/%s", p.Name, stage, outcome.Status, outcome.ReasonCode)
}

func matches(m models.RuleMatch, stage string, outcome Outcome) bool {
	if m.Stage != "" && m.Stage != stage {
		return false
	}
	if m.Outcome != "" && m.Outcome != outcome.Status {
		return false
	}
	if len(m.Reasons) > 0 {
		found := false
		for _, r := range m.Reasons {
			if r == outcome.ReasonCode {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if m.RootCause != "" && m.RootCause != outcome.RootCause {
		return false
	}
	return true
}

func loopAllowed(p models.RoutingPolicy, from, to string) bool {
	if len(p.AllowedLoops) == 0 {
		return true
	}
	for _, l := range p.AllowedLoops {
		if l.From == from && l.To == to {
			return true
		}
	}
	return false
}

func stageIndex(stages []string, stage string) int {
	for i, s := range stages {
		if s == stage {
			return i
		}
	}
	return -1
}
