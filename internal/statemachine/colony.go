/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package statemachine

// ColonyState is one state of a Colony's lifecycle (spec.md §4.4).
type ColonyState string

const (
	ColonyPending    ColonyState = "pending"
	ColonyInProgress ColonyState = "in-progress"
	ColonyCompleted  ColonyState = "completed"
	ColonyFailed     ColonyState = "failed"
	ColonySuspended  ColonyState = "suspended"
)

var colonyTable = table[ColonyState]{
	ColonyPending: {
		"colony.started": ColonyInProgress,
	},
	ColonyInProgress: {
		"colony.completed":  ColonyCompleted,
		"colony.failed":     ColonyFailed,
		"colony.suspended":  ColonySuspended,
	},
	// Sentinel suspends and resumes a Colony; a resume carries no
	// dedicated event type — it is the second occurrence of
	// colony.started on an already-initialized Colony (spec.md §9 open
	// question, resolved in DESIGN.md: treat as resume, not
	// re-initialization).
	ColonySuspended: {
		"colony.started": ColonyInProgress,
	},
}

var colonyTerminalSelf = map[ColonyState][]string{
	ColonyCompleted: {"colony.completed"},
	ColonyFailed:    {"colony.failed"},
}

// ColonySM is the pure Colony transition function.
type ColonySM struct{}

func (ColonySM) Next(current ColonyState, eventType string) (ColonyState, error) {
	return next(colonyTable, "colony", current, eventType, colonyTerminalSelf)
}

func (ColonySM) IsTerminal(s ColonyState) bool {
	return s == ColonyCompleted || s == ColonyFailed
}
