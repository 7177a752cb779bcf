/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package statemachine holds the pure transition tables for the five
// entity state machines (L3): Run, Task, Requirement, Colony, Hive.
// Each Next function is a pure table lookup — no state, no I/O. An
// event type absent from the current state's row is an
// InvalidTransition; the caller must not append the event.
package statemachine

import (
	"fmt"

	"github.com/marcus-qen/legator/internal/engineerr"
)

// table maps a current state to the event types it accepts and the
// state each leads to.
type table[S comparable] map[S]map[string]S

// next looks up state/eventType in t. If the current state has no row
// (a terminal state) and eventType is one of terminalSelf, the state is
// absorbed (returned unchanged, no error) — this is what lets a
// terminal-causing command be replayed idempotently (spec.md §8,
// "replaying a command with the same command-id is a no-op") without
// the state machine itself tracking command ids.
func next[S comparable](t table[S], entity string, current S, eventType string, terminalSelf map[S][]string) (S, error) {
	if row, ok := t[current]; ok {
		if n, ok := row[eventType]; ok {
			return n, nil
		}
	}
	for _, et := range terminalSelf[current] {
		if et == eventType {
			return current, nil
		}
	}
	var zero S
	return zero, engineerr.InvalidTransition(entity, fmt.Sprintf("%v", current), eventType)
}
