/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package statemachine

// RequirementState is one state of a Requirement's lifecycle (spec.md §4.4).
type RequirementState string

const (
	RequirementPending   RequirementState = "pending"
	RequirementApproved  RequirementState = "approved"
	RequirementRejected  RequirementState = "rejected"
	RequirementCancelled RequirementState = "cancelled"
)

var requirementTable = table[RequirementState]{
	RequirementPending: {
		"requirement.approved":  RequirementApproved,
		"requirement.rejected":  RequirementRejected,
		"requirement.cancelled": RequirementCancelled,
	},
}

var requirementTerminalSelf = map[RequirementState][]string{
	RequirementApproved:  {"requirement.approved"},
	RequirementRejected:  {"requirement.rejected"},
	RequirementCancelled: {"requirement.cancelled"},
}

// RequirementSM is the pure Requirement transition function.
type RequirementSM struct{}

func (RequirementSM) Next(current RequirementState, eventType string) (RequirementState, error) {
	return next(requirementTable, "requirement", current, eventType, requirementTerminalSelf)
}

func (RequirementSM) IsTerminal(s RequirementState) bool {
	return s == RequirementApproved || s == RequirementRejected || s == RequirementCancelled
}
