/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package policy implements L5: the gate every Task action passes
// through before the orchestrator is allowed to execute it. Decide
// classifies the action, checks the actor's trust against the action's
// class, consults explicit deny/allow lists, scores blast radius, and
// returns Allow, RequireApproval, or Deny. Nothing here performs I/O —
// the gate is a pure function of its configuration and its input.
package policy

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/marcus-qen/legator/internal/safety/blastradius"
)

// ActionClass is the three-way action classification spec.md §4.5
// defines: read-only actions never mutate state; reversible actions
// mutate but can be undone; irreversible actions cannot.
type ActionClass string

const (
	ActionClassReadOnly     ActionClass = "read-only"
	ActionClassReversible   ActionClass = "reversible"
	ActionClassIrreversible ActionClass = "irreversible"
)

// TrustLevel ranks an actor's standing, from an unauthenticated caller
// up to an administrator who may bypass irreversible-action approval
// when the gate is configured to allow it.
type TrustLevel string

const (
	TrustUntrusted TrustLevel = "untrusted"
	TrustBasic     TrustLevel = "basic"
	TrustTrusted   TrustLevel = "trusted"
	TrustAdmin     TrustLevel = "admin"
)

func trustRank(t TrustLevel) int {
	switch t {
	case TrustUntrusted:
		return 0
	case TrustBasic:
		return 1
	case TrustTrusted:
		return 2
	case TrustAdmin:
		return 3
	default:
		return 0
	}
}

// Verdict is the gate's decision for one action.
type Verdict string

const (
	Allow           Verdict = "allow"
	RequireApproval Verdict = "require_approval"
	Deny            Verdict = "deny"
)

// Context carries the pieces of a Task action Decide needs beyond the
// actor/class/trust triple: the tool being invoked, its target, and the
// actor's roles (consulted by the blast-radius scorer's admin override).
type Context struct {
	ToolName   string
	Target     string
	ActorRoles []string
}

// Decision is the full result of one Decide call.
type Decision struct {
	Verdict     Verdict
	Reason      string
	BlastRadius blastradius.Assessment
}

// ToolOverride customizes classification and approval behavior for one
// tool name, overriding the action class the caller supplied.
type ToolOverride struct {
	ActionClass           ActionClass
	AlwaysRequireApproval bool
}

// Config holds the gate's static policy knobs (spec.md §6 policy block).
type Config struct {
	Level3IrreversibleRequiresApproval bool
	ToolOverrides                      map[string]ToolOverride
	DeniedPatterns                     []string
	AllowedPatterns                    []string
	// CriticalCooldown is the minimum interval between repeats of an
	// action the blast-radius scorer rates critical. Zero disables
	// cooldown enforcement even for critical actions.
	CriticalCooldown time.Duration
}

// Gate is the L5 policy decision point.
type Gate struct {
	cfg       Config
	cooldowns *CooldownTracker
	scorer    blastradius.Scorer
}

// NewGate returns a Gate for cfg using the deterministic blast-radius
// scorer. Pass a different scorer with WithScorer for testing.
func NewGate(cfg Config) *Gate {
	return &Gate{
		cfg:       cfg,
		cooldowns: NewCooldownTracker(),
		scorer:    blastradius.NewDeterministicScorer(),
	}
}

// WithScorer overrides the gate's blast-radius scorer.
func (g *Gate) WithScorer(s blastradius.Scorer) *Gate {
	g.scorer = s
	return g
}

// Decide evaluates one action request and returns Allow, RequireApproval,
// or Deny. scope/scopeID identify the entity the action acts on (a Run,
// a Colony, ...) and are folded into the cooldown key alongside actor
// and tool so the same actor repeating the same action against two
// different scopes is tracked independently.
func (g *Gate) Decide(actor string, class ActionClass, trust TrustLevel, scope, scopeID string, ctx Context) Decision {
	if override, ok := g.cfg.ToolOverrides[ctx.ToolName]; ok {
		if override.ActionClass != "" {
			class = override.ActionClass
		}
	}

	assessment := g.assessBlastRadius(class, ctx)

	if blocked, reason := g.checkDenyList(ctx); blocked {
		return Decision{Verdict: Deny, Reason: reason, BlastRadius: assessment}
	}

	if class != ActionClassReadOnly {
		if blocked, reason := g.checkAllowList(ctx); blocked {
			return Decision{Verdict: Deny, Reason: reason, BlastRadius: assessment}
		}
	}

	// A critical score for an actor without the admin role denies
	// outright when a prod target is involved; otherwise the class rules
	// below decide.
	if assessment.Decision == blastradius.DecisionDeny && assessment.Radius.ProdTargetCount > 0 {
		reason := "blast-radius assessment denied this action: " + strings.Join(assessment.Reasons, ", ")
		return Decision{Verdict: Deny, Reason: reason, BlastRadius: assessment}
	}

	key := fmt.Sprintf("%s/%s/%s", scope, scopeID, ctx.Target)
	if matched, cooldown := g.matchedCooldown(assessment); matched {
		if g.cooldowns.Check(actor, ctx.ToolName, key, cooldown) {
			reason := fmt.Sprintf("actor %q is within the cooldown period for %q", actor, ctx.ToolName)
			return Decision{Verdict: Deny, Reason: reason, BlastRadius: assessment}
		}
	}

	if override, ok := g.cfg.ToolOverrides[ctx.ToolName]; ok && override.AlwaysRequireApproval {
		return Decision{Verdict: RequireApproval, Reason: "tool override always requires approval", BlastRadius: assessment}
	}

	switch class {
	case ActionClassReadOnly:
		return Decision{Verdict: Allow, Reason: "read-only actions are always allowed", BlastRadius: assessment}

	case ActionClassReversible:
		if trustRank(trust) >= trustRank(TrustTrusted) {
			return Decision{Verdict: Allow, Reason: "trusted actor, reversible action", BlastRadius: assessment}
		}
		return Decision{Verdict: RequireApproval, Reason: "reversible action requires at least trusted standing", BlastRadius: assessment}

	case ActionClassIrreversible:
		if !g.cfg.Level3IrreversibleRequiresApproval && trustRank(trust) >= trustRank(TrustAdmin) {
			return Decision{Verdict: Allow, Reason: "admin actor, irreversible approval requirement disabled", BlastRadius: assessment}
		}
		return Decision{Verdict: RequireApproval, Reason: "irreversible actions require approval", BlastRadius: assessment}

	default:
		return Decision{Verdict: RequireApproval, Reason: fmt.Sprintf("unrecognized action class %q, failing closed to approval", class), BlastRadius: assessment}
	}
}

// RecordExecution marks that actor executed toolName against scope/scopeID
// just now, for future cooldown checks.
func (g *Gate) RecordExecution(actor, toolName, scope, scopeID, target string) {
	key := fmt.Sprintf("%s/%s/%s", scope, scopeID, target)
	g.cooldowns.Record(actor, toolName, key)
}

func (g *Gate) matchedCooldown(assessment blastradius.Assessment) (bool, time.Duration) {
	if g.cfg.CriticalCooldown <= 0 || assessment.Radius.Level != blastradius.LevelCritical {
		return false, 0
	}
	return true, g.cfg.CriticalCooldown
}

func (g *Gate) checkDenyList(ctx Context) (blocked bool, reason string) {
	combined := ctx.ToolName
	if ctx.Target != "" {
		combined = ctx.ToolName + " " + ctx.Target
	}
	for _, pattern := range g.cfg.DeniedPatterns {
		if matchGlob(pattern, combined) || matchGlob(pattern, ctx.ToolName) {
			return true, fmt.Sprintf("action %q matches deny pattern %q", ctx.ToolName, pattern)
		}
	}
	return false, ""
}

func (g *Gate) checkAllowList(ctx Context) (blocked bool, reason string) {
	if len(g.cfg.AllowedPatterns) == 0 {
		return false, ""
	}
	combined := ctx.ToolName
	if ctx.Target != "" {
		combined = ctx.ToolName + " " + ctx.Target
	}
	for _, pattern := range g.cfg.AllowedPatterns {
		if matchGlob(pattern, combined) || matchGlob(pattern, ctx.ToolName) {
			return false, ""
		}
	}
	return true, fmt.Sprintf("action %q does not match any allow pattern", ctx.ToolName)
}

func (g *Gate) assessBlastRadius(class ActionClass, ctx Context) blastradius.Assessment {
	domain := inferDomain(ctx.ToolName)
	return g.scorer.Assess(blastradius.Input{
		ActionClass:   blastradius.ActionClass(class),
		MutationDepth: inferMutationDepth(domain, class),
		ActorRoles:    ctx.ActorRoles,
		Targets: []blastradius.Target{
			{
				Kind:        domain,
				Name:        ctx.Target,
				Environment: inferEnvironment(ctx.Target),
				Domain:      domain,
			},
		},
	})
}

// matchGlob performs simple glob matching (* matches any sequence of
// characters), the same shape the engine used for Action Sheet and
// deny/allow list matching.
func matchGlob(pattern, text string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == text
	}

	if parts[0] != "" && !strings.HasPrefix(text, parts[0]) {
		return false
	}

	remaining := text
	if parts[0] != "" {
		remaining = remaining[len(parts[0]):]
	}

	for i := 1; i < len(parts); i++ {
		if parts[i] == "" {
			continue
		}
		idx := strings.Index(remaining, parts[i])
		if idx < 0 {
			return false
		}
		remaining = remaining[idx+len(parts[i]):]
	}

	if parts[len(parts)-1] != "" {
		return len(remaining) == 0
	}
	return true
}

func inferDomain(toolName string) string {
	lower := strings.ToLower(toolName)
	switch {
	case strings.HasPrefix(lower, "kubectl"):
		return "kubernetes"
	case strings.HasPrefix(lower, "ssh"):
		return "ssh"
	case strings.HasPrefix(lower, "http"):
		return "http"
	case strings.HasPrefix(lower, "sql"):
		return "sql"
	case strings.HasPrefix(lower, "mcp."):
		parts := strings.SplitN(lower, ".", 3)
		if len(parts) >= 2 {
			return parts[1]
		}
	}
	return "unknown"
}

func inferMutationDepth(domain string, class ActionClass) blastradius.MutationDepth {
	switch domain {
	case "sql":
		return blastradius.MutationDepthData
	case "kubernetes", "ssh":
		return blastradius.MutationDepthService
	case "http":
		if class == ActionClassIrreversible {
			return blastradius.MutationDepthIdentity
		}
		return blastradius.MutationDepthNetwork
	default:
		switch class {
		case ActionClassIrreversible:
			return blastradius.MutationDepthIdentity
		case ActionClassReversible:
			return blastradius.MutationDepthService
		default:
			return ""
		}
	}
}

func inferEnvironment(target string) string {
	lower := strings.ToLower(target)
	switch {
	case strings.Contains(lower, "prod") || strings.Contains(lower, "production"):
		return "prod"
	case strings.Contains(lower, "stage") || strings.Contains(lower, "staging"):
		return "staging"
	default:
		return "dev"
	}
}

// CooldownTracker tracks when an actor last executed an action, keyed
// by actor/tool/scope-key, so the gate can deny repeated irreversible
// actions within a configured window.
type CooldownTracker struct {
	mu      sync.Mutex
	records map[string]time.Time
}

// NewCooldownTracker returns an empty tracker.
func NewCooldownTracker() *CooldownTracker {
	return &CooldownTracker{records: make(map[string]time.Time)}
}

// Record marks that actor executed toolName against key just now.
func (t *CooldownTracker) Record(actor, toolName, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[actor+"/"+toolName+"/"+key] = time.Now()
}

// Check reports whether actor is still within cooldownDuration for
// toolName against key.
func (t *CooldownTracker) Check(actor, toolName, key string, cooldownDuration time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.records[actor+"/"+toolName+"/"+key]
	if !ok {
		return false
	}
	return time.Since(last) < cooldownDuration
}
