/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package approval implements the approval loop (L6). When the policy
// gate returns RequireApproval, the caller:
//
//  1. Emits requirement.created (through the control surface)
//  2. Registers a completion handle here and suspends on Wait
//  3. An external requirement.resolve command calls Resolve, which
//     signals the handle with the outcome
//  4. The caller proceeds or aborts based on the outcome
//
// The handle table is process-local. On restart, open Requirements
// remain pending in the event log and can be re-registered and
// re-signalled via the same external command. A ticker-driven sweep
// cancels handles whose approval timeout has passed.
package approval

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/engineerr"
	"github.com/marcus-qen/legator/internal/statemachine"
)

// Outcome is the decision delivered through a completion handle.
type Outcome struct {
	// State is the Requirement's terminal state: approved, rejected, or
	// cancelled.
	State statemachine.RequirementState

	// SelectedOption is the option the approver picked, if the
	// Requirement offered options.
	SelectedOption string

	// Comment is the approver's stated reason.
	Comment string

	// DecidedBy is who approved/rejected (empty for cancellation).
	DecidedBy string
}

// Approved reports whether the outcome permits the suspended action.
func (o Outcome) Approved() bool {
	return o.State == statemachine.RequirementApproved
}

// handle is one Requirement's single-producer, single-consumer
// completion channel plus the metadata the expiry sweep needs.
type handle struct {
	ch       chan Outcome
	runID    string
	deadline time.Time
	token    string
}

// Manager owns the process-local table of open Requirement handles.
type Manager struct {
	log     logr.Logger
	timeout time.Duration

	mu      sync.Mutex
	handles map[string]*handle
}

// NewManager creates an approval manager. timeout bounds how long a
// registered Requirement may stay open before the sweep cancels it;
// zero means no expiry.
func NewManager(log logr.Logger, timeout time.Duration) *Manager {
	return &Manager{
		log:     log.WithName("approval"),
		timeout: timeout,
		handles: make(map[string]*handle),
	}
}

// Register creates the completion handle for reqID. For Requirements
// guarding an irreversible action, pass typedConfirmation=true: the
// returned token must then be re-entered verbatim on Resolve, the same
// guard the engine applies to destructive mutations elsewhere.
func (m *Manager) Register(runID, reqID string, typedConfirmation bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.handles[reqID]; ok {
		return "", engineerr.Validation("requirement %s already has an open handle", reqID)
	}

	h := &handle{
		ch:    make(chan Outcome, 1),
		runID: runID,
	}
	if m.timeout > 0 {
		h.deadline = time.Now().Add(m.timeout)
	}
	if typedConfirmation {
		token, err := generateTypedConfirmationToken()
		if err != nil {
			return "", engineerr.New(engineerr.KindValidation, "generate typed confirmation token", err)
		}
		h.token = token
	}
	m.handles[reqID] = h

	m.log.Info("requirement registered — waiting for decision",
		"requirement", reqID,
		"run", runID,
		"typedConfirmationRequired", h.token != "",
	)
	return h.token, nil
}

// Wait suspends the caller until reqID is resolved, the context is
// cancelled, or the handle is swept. The handle is removed once the
// outcome is delivered.
func (m *Manager) Wait(ctx context.Context, reqID string) (Outcome, error) {
	m.mu.Lock()
	h, ok := m.handles[reqID]
	m.mu.Unlock()
	if !ok {
		return Outcome{}, engineerr.Validation("requirement %s has no open handle", reqID)
	}

	select {
	case <-ctx.Done():
		m.remove(reqID)
		return Outcome{State: statemachine.RequirementCancelled}, ctx.Err()
	case out := <-h.ch:
		m.remove(reqID)
		return out, nil
	}
}

// Resolve signals reqID's handle with the outcome. If the handle
// requires typed confirmation and the outcome is an approval, provided
// must match the token issued at Register time.
func (m *Manager) Resolve(reqID string, out Outcome, provided string) error {
	m.mu.Lock()
	h, ok := m.handles[reqID]
	m.mu.Unlock()
	if !ok {
		return engineerr.Validation("requirement %s has no open handle", reqID)
	}

	if h.token != "" && out.State == statemachine.RequirementApproved {
		if err := validateTypedConfirmation(h.token, provided); err != nil {
			return err
		}
	}

	select {
	case h.ch <- out:
		m.log.Info("requirement resolved",
			"requirement", reqID,
			"state", string(out.State),
			"decidedBy", out.DecidedBy,
		)
		return nil
	default:
		return engineerr.Validation("requirement %s was already resolved", reqID)
	}
}

// CancelRun resolves every open handle belonging to runID with
// cancelled. Used by emergency-stop and force-complete, which must not
// leave a suspended caller waiting forever.
func (m *Manager) CancelRun(runID string) []string {
	m.mu.Lock()
	var ids []string
	for id, h := range m.handles {
		if h.runID == runID {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.Resolve(id, Outcome{State: statemachine.RequirementCancelled}, "")
	}
	return ids
}

// Open lists the ids of all currently open handles, optionally filtered
// to one Run (runID="" lists everything).
func (m *Manager) Open(runID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, h := range m.handles {
		if runID == "" || h.runID == runID {
			ids = append(ids, id)
		}
	}
	return ids
}

// Start runs the expiry sweep until ctx is cancelled. A handle past its
// deadline is resolved with cancelled so its waiter unblocks.
func (m *Manager) Start(ctx context.Context) error {
	if m.timeout <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(m.sweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.SweepOnce(time.Now())
		}
	}
}

// SweepOnce cancels every handle whose deadline is before now.
func (m *Manager) SweepOnce(now time.Time) int {
	m.mu.Lock()
	var expired []string
	for id, h := range m.handles {
		if !h.deadline.IsZero() && now.After(h.deadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.log.Info("requirement expired", "requirement", id)
		_ = m.Resolve(id, Outcome{State: statemachine.RequirementCancelled, Comment: "approval timeout"}, "")
	}
	return len(expired)
}

func (m *Manager) sweepInterval() time.Duration {
	interval := m.timeout / 10
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return interval
}

func (m *Manager) remove(reqID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handles, reqID)
}

func validateTypedConfirmation(expected, provided string) error {
	provided = strings.TrimSpace(provided)
	if provided == "" {
		return engineerr.Validation("typed confirmation required")
	}
	if provided != expected {
		return engineerr.Validation("typed confirmation mismatch")
	}
	return nil
}

func generateTypedConfirmationToken() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "CONFIRM-" + strings.ToUpper(hex.EncodeToString(buf)), nil
}
