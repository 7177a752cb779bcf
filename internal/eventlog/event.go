/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package eventlog implements the immutable, hash-chained event model
// (L0) and the per-scope append-only JSONL store (L1). Every state
// change in the system is represented as an Event; the store never
// modifies or deletes a written line.
package eventlog

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus-qen/legator/internal/engineerr"
	"github.com/marcus-qen/legator/internal/jcs"
)

// Event is the immutable unit of the event log. Payload is an opaque
// map rather than a closed set of event-specific structs: this keeps
// cyclic/back-reference data (Parents, Task dependencies referenced from
// a payload) as plain ids, never owning pointer graphs, and lets an old
// binary read an event of a type it doesn't know about (UnknownEvent
// handling lives in the projection layer, which is where "does this
// advance state" is decided).
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Actor     string         `json:"actor"`
	RunID     string         `json:"run_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	ColonyID  string         `json:"colony_id,omitempty"`
	HiveID    string         `json:"hive_id,omitempty"`
	Payload   map[string]any `json:"payload"`
	Parents   []string       `json:"parents,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// NewEvent builds an Event with a fresh time-sortable id and a computed
// hash. The caller supplies prevHash (the hash of the previous event in
// this scope's log, or "" for the first event).
func NewEvent(typ string, payload map[string]any, actor string, parents []string, prevHash string) (*Event, error) {
	if typ == "" {
		return nil, engineerr.Validation("event type must not be empty")
	}
	e := &Event{
		ID:        NewEventID(),
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Payload:   payload,
		Parents:   parents,
		PrevHash:  prevHash,
	}
	h, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = h
	return e, nil
}

// NewEventID returns a time-sortable, globally unique id: a UTC
// nanosecond timestamp followed by eight random hex characters so
// concurrent events within the same nanosecond still sort stably and
// never collide.
func NewEventID() string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%020d-%s", time.Now().UTC().UnixNano(), hex.EncodeToString(buf[:]))
}

// ComputeHash canonicalizes the event with its Hash field cleared and
// returns the hex SHA-256 digest, per RFC 8785 (JSON Canonicalization
// Scheme).
func ComputeHash(e *Event) (string, error) {
	clone := *e
	clone.Hash = ""
	raw, err := json.Marshal(clone)
	if err != nil {
		return "", engineerr.New(engineerr.KindValidation, "marshal event for hashing", err)
	}
	canon, err := jcs.Canonicalize(raw)
	if err != nil {
		return "", engineerr.New(engineerr.KindValidation, "canonicalize event for hashing", err)
	}
	return jcs.Hash(canon), nil
}

// Verify recomputes e's hash and compares it to the stored value.
func Verify(e *Event) error {
	want, err := ComputeHash(e)
	if err != nil {
		return err
	}
	if want != e.Hash {
		return engineerr.Corruption(e.ID, fmt.Sprintf("hash mismatch: stored %s, computed %s", e.Hash, want))
	}
	return nil
}

// Parse deserializes one JSONL line into an Event. It does not verify
// the hash; callers that need chain/hash verification call Verify (the
// Store's Replay does both).
func Parse(line []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, engineerr.New(engineerr.KindValidation, "parse event", err)
	}
	if e.ID == "" || e.Type == "" {
		return nil, engineerr.Validation("parsed event missing id or type")
	}
	return &e, nil
}

// Marshal serializes the event as a single JSON line (no trailing newline).
func Marshal(e *Event) ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, engineerr.New(engineerr.KindValidation, "marshal event", err)
	}
	return raw, nil
}
