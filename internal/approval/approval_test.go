/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package approval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/statemachine"
)

func TestRegisterWaitResolve(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	token, err := m.Register("run-1", "req-1", false)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if token != "" {
		t.Errorf("token = %q, want empty without typed confirmation", token)
	}

	done := make(chan Outcome, 1)
	go func() {
		out, err := m.Wait(context.Background(), "req-1")
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		done <- out
	}()

	// Give the waiter a moment to block
	time.Sleep(10 * time.Millisecond)

	err = m.Resolve("req-1", Outcome{
		State:          statemachine.RequirementApproved,
		SelectedOption: "yes",
		DecidedBy:      "alice",
	}, "")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	select {
	case out := <-done:
		if !out.Approved() {
			t.Errorf("outcome not approved: %+v", out)
		}
		if out.SelectedOption != "yes" || out.DecidedBy != "alice" {
			t.Errorf("outcome fields lost: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never unblocked")
	}

	if len(m.Open("")) != 0 {
		t.Errorf("handle table not empty after resolve")
	}
}

func TestResolveBeforeWait(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	if _, err := m.Register("run-1", "req-1", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The channel is buffered: resolving before anyone waits must not block.
	if err := m.Resolve("req-1", Outcome{State: statemachine.RequirementRejected}, ""); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	out, err := m.Wait(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.State != statemachine.RequirementRejected {
		t.Errorf("state = %q, want rejected", out.State)
	}
}

func TestDoubleRegisterRejected(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	if _, err := m.Register("run-1", "req-1", false); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if _, err := m.Register("run-1", "req-1", false); err == nil {
		t.Fatal("second Register should fail")
	}
}

func TestDoubleResolveRejected(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	if _, err := m.Register("run-1", "req-1", false); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Resolve("req-1", Outcome{State: statemachine.RequirementApproved}, ""); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := m.Resolve("req-1", Outcome{State: statemachine.RequirementRejected}, ""); err == nil {
		t.Fatal("second Resolve should fail")
	}
}

func TestTypedConfirmation(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	token, err := m.Register("run-1", "req-1", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !strings.HasPrefix(token, "CONFIRM-") {
		t.Fatalf("token = %q, want CONFIRM- prefix", token)
	}

	// Wrong token blocks approval
	err = m.Resolve("req-1", Outcome{State: statemachine.RequirementApproved}, "CONFIRM-WRONG")
	if err == nil {
		t.Fatal("Resolve with wrong token should fail")
	}

	// Rejection does not require the token
	if err := m.Resolve("req-1", Outcome{State: statemachine.RequirementRejected}, ""); err != nil {
		t.Fatalf("Resolve rejection: %v", err)
	}
}

func TestTypedConfirmationApproveWithToken(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	token, err := m.Register("run-1", "req-1", true)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := m.Resolve("req-1", Outcome{State: statemachine.RequirementApproved}, token); err != nil {
		t.Fatalf("Resolve with correct token: %v", err)
	}

	out, err := m.Wait(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !out.Approved() {
		t.Errorf("outcome not approved: %+v", out)
	}
}

func TestCancelRun(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	for _, id := range []string{"req-1", "req-2"} {
		if _, err := m.Register("run-1", id, false); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}
	if _, err := m.Register("run-2", "req-3", false); err != nil {
		t.Fatalf("Register req-3: %v", err)
	}

	cancelled := m.CancelRun("run-1")
	if len(cancelled) != 2 {
		t.Fatalf("cancelled %d handles, want 2", len(cancelled))
	}

	// run-1 handles are resolved with cancelled
	out, err := m.Wait(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Wait req-1: %v", err)
	}
	if out.State != statemachine.RequirementCancelled {
		t.Errorf("req-1 state = %q, want cancelled", out.State)
	}

	// run-2's handle is untouched
	open := m.Open("run-2")
	if len(open) != 1 || open[0] != "req-3" {
		t.Errorf("run-2 open handles = %v, want [req-3]", open)
	}
}

func TestWaitHonorsContextCancellation(t *testing.T) {
	m := NewManager(logr.Discard(), 0)

	if _, err := m.Register("run-1", "req-1", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Wait(ctx, "req-1")
		done <- err
	}()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Wait should return the context error")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not honor cancellation")
	}
}

func TestSweepCancelsExpired(t *testing.T) {
	m := NewManager(logr.Discard(), 10*time.Millisecond)

	if _, err := m.Register("run-1", "req-1", false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Past the deadline: the sweep must cancel the handle.
	n := m.SweepOnce(time.Now().Add(time.Second))
	if n != 1 {
		t.Fatalf("swept %d handles, want 1", n)
	}

	out, err := m.Wait(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if out.State != statemachine.RequirementCancelled {
		t.Errorf("state = %q, want cancelled", out.State)
	}
}
