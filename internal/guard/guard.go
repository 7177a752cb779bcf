/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package guard defines the quality-verification collaborator the
// pipeline calls at its Plan-Verify and Post-Verify stages. The deep
// verification heuristics live outside the execution core; the core
// only invokes a Verifier and records its verdict.
package guard

import (
	"context"
)

// Verdict is the three-way outcome of one verification.
type Verdict string

const (
	// VerdictPass clears the subject unconditionally.
	VerdictPass Verdict = "pass"

	// VerdictConditional clears the subject with reservations; the
	// pipeline proceeds but the notes are recorded in the stage event.
	VerdictConditional Verdict = "conditional"

	// VerdictFail blocks the subject.
	VerdictFail Verdict = "fail"
)

// Subject is what a Verifier is asked to judge: a plan before
// execution, or a ColonyResult after it.
type Subject struct {
	// Kind is "plan" or "result".
	Kind string

	// RunID identifies the Run the subject belongs to.
	RunID string

	// Goal is the Run's goal, for context.
	Goal string

	// Body is the serializable content under review.
	Body any
}

// Report is the full outcome of one verification.
type Report struct {
	Verdict Verdict
	Notes   string
}

// Verifier is the narrow interface to the external quality collaborator.
type Verifier interface {
	Verify(ctx context.Context, subject Subject) (Report, error)
}

// StaticVerifier returns a fixed verdict for every subject. Useful in
// tests and as the default when no external verifier is wired.
type StaticVerifier struct {
	Report Report
}

// NewPassVerifier returns a verifier that passes everything.
func NewPassVerifier() *StaticVerifier {
	return &StaticVerifier{Report: Report{Verdict: VerdictPass}}
}

func (v *StaticVerifier) Verify(_ context.Context, _ Subject) (Report, error) {
	return v.Report, nil
}

// FuncVerifier adapts a plain function to the Verifier interface.
type FuncVerifier func(ctx context.Context, subject Subject) (Report, error)

func (f FuncVerifier) Verify(ctx context.Context, subject Subject) (Report, error) {
	return f(ctx, subject)
}
