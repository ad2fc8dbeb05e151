// Package policy provides situation-dependent routing configurations. A run
// pins its policy by name at creation; the policy fixes the loop cap, the
// allowed loop-back edges, the gated stages, and the required scope keys.
package policy

import (
	"errors"
	"fmt"

	"github.com/ankittk/stagehand/internal/router"
	"github.com/ankittk/stagehand/pkg/models"
)

// ErrUnknownPolicy rejects a policy name with no registered configuration.
var ErrUnknownPolicy = errors.New("unknown policy")

// documentedLoops is every loop-back edge the routing table can produce.
func documentedLoops() []models.Loop {
	return []models.Loop{
		{From: models.StageDesign, To: models.StagePlan},
		{From: models.StageDesign, To: models.StageDesign},
		{From: models.StageImplement, To: models.StageImplement},
		{From: models.StageValidate, To: models.StageImplement},
		{From: models.StageDryRun, To: models.StageImplement},
		{From: models.StageDryRun, To: models.StageDryRun},
		{From: models.StageDryRun, To: models.StageValidate},
	}
}

func withoutLoops(loops []models.Loop, drop ...models.Loop) []models.Loop {
	out := make([]models.Loop, 0, len(loops))
	for _, l := range loops {
		dropped := false
		for _, d := range drop {
			if l == d {
				dropped = true
				break
			}
		}
		if !dropped {
			out = append(out, l)
		}
	}
	return out
}

// Builtins returns the three built-in policies.
//
// sprint: every documented loop edge is legal, cap 2. backlog: coverage
// defects stay in Design (no Design->Plan edge). maintenance: the strictest
// set for production-adjacent changes, cap 1, a change ticket in scope.
func Builtins() []models.RoutingPolicy {
	return []models.RoutingPolicy{
		{
			Name:          models.PolicySprint,
			Stages:        append([]string(nil), models.StageOrder...),
			LoopCap:       models.DefaultLoopCap,
			GatedStages:   []string{models.StageGit},
			RequiredScope: []string{"project"},
			AllowedLoops:  documentedLoops(),
			Rules:         router.DefaultRules(),
		},
		{
			Name:          models.PolicyBacklog,
			Stages:        append([]string(nil), models.StageOrder...),
			LoopCap:       models.DefaultLoopCap,
			GatedStages:   []string{models.StageGit},
			RequiredScope: []string{"project"},
			AllowedLoops: withoutLoops(documentedLoops(),
				models.Loop{From: models.StageDesign, To: models.StagePlan}),
			Rules: router.DefaultRules(),
		},
		{
			Name:          models.PolicyMaintenance,
			Stages:        append([]string(nil), models.StageOrder...),
			LoopCap:       1,
			GatedStages:   []string{models.StageGit},
			RequiredScope: []string{"project", "change_ticket"},
			AllowedLoops: withoutLoops(documentedLoops(),
				models.Loop{From: models.StageDesign, To: models.StagePlan},
				models.Loop{From: models.StageImplement, To: models.StageImplement}),
			Rules: router.DefaultRules(),
		},
	}
}

// Normalize fills a policy's defaults in place: the full pipeline, the
// default rules, the default loop cap, and the always-gated Git stage.
func Normalize(p *models.RoutingPolicy) {
	if len(p.Stages) == 0 {
		p.Stages = append([]string(nil), models.StageOrder...)
	}
	if p.LoopCap <= 0 {
		p.LoopCap = models.DefaultLoopCap
	}
	if len(p.Rules) == 0 {
		p.Rules = router.DefaultRules()
	}
	// Git is gated by invariant, not by configuration.
	for _, s := range p.Stages {
		if s != models.StageGit {
			continue
		}
		gated := false
		for _, g := range p.GatedStages {
			if g == models.StageGit {
				gated = true
				break
			}
		}
		if !gated {
			p.GatedStages = append(p.GatedStages, models.StageGit)
		}
	}
}

// Validate checks a normalized policy for unknown stages, malformed loop
// edges, and malformed rules.
func Validate(p models.RoutingPolicy) error {
	if p.Name == "" {
		return errors.New("policy name required")
	}
	for _, s := range p.Stages {
		if !models.KnownStage(s) {
			return fmt.Errorf("policy %q: %w: %q", p.Name, models.ErrUnknownStage, s)
		}
	}
	for _, g := range p.GatedStages {
		if !models.KnownStage(g) {
			return fmt.Errorf("policy %q: gated stage: %w: %q", p.Name, models.ErrUnknownStage, g)
		}
	}
	for _, l := range p.AllowedLoops {
		if !models.KnownStage(l.From) || !models.KnownStage(l.To) {
			return fmt.Errorf("policy %q: loop %s->%s names an unknown stage", p.Name, l.From, l.To)
		}
	}
	for i, r := range p.Rules {
		switch r.Then.Kind {
		case models.DecideAdvance, models.DecideLoop, models.DecideRetry, models.DecidePause, models.DecideComplete, models.DecideFail:
		default:
			return fmt.Errorf("policy %q: rule %d: unknown decision kind %q", p.Name, i, r.Then.Kind)
		}
		if r.Match.Stage != "" && !models.KnownStage(r.Match.Stage) {
			return fmt.Errorf("policy %q: rule %d: %w: %q", p.Name, i, models.ErrUnknownStage, r.Match.Stage)
		}
		if r.Then.To != "" && !models.KnownStage(r.Then.To) {
			return fmt.Errorf("policy %q: rule %d: %w: %q", p.Name, i, models.ErrUnknownStage, r.Then.To)
		}
	}
	return nil
}
