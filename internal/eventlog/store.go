/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/engineerr"
)

// Scope identifies one append-only log: a Run, a Hive, or the
// distinguished meta-decisions log for events with no Run (spec.md
// §4.2). Colony lifecycle events are written to their owning Hive's log.
type Scope struct {
	Kind string // "run" | "hive" | "meta"
	ID   string
}

func RunScope(runID string) Scope   { return Scope{Kind: "run", ID: runID} }
func HiveScope(hiveID string) Scope { return Scope{Kind: "hive", ID: hiveID} }
func MetaScope() Scope              { return Scope{Kind: "meta", ID: ""} }

func (s Scope) dir() string {
	switch s.Kind {
	case "run":
		return s.ID
	case "hive":
		return "hive-" + s.ID
	default:
		return "meta-decisions"
	}
}

func (s Scope) String() string {
	if s.Kind == "meta" {
		return "meta-decisions"
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.ID)
}

// scopeState guards serialized appends and caches the tip hash so a
// warm process doesn't re-scan the file on every append.
type scopeState struct {
	mu       sync.Mutex
	loaded   bool
	lastHash string
}

// Store is the per-entity append-only JSONL log, rooted at a Vault
// directory. At most one writer per scope is permitted (scopeState.mu);
// readers may Replay concurrently with a writer since Replay only reads
// bytes already fsynced before it opened the file.
type Store struct {
	log  logr.Logger
	root string

	statesMu sync.Mutex
	states   map[string]*scopeState

	indexMu sync.Mutex

	onAppend func(Scope, *Event)
}

// SetOnAppend registers a callback invoked after every successful
// append, outside the scope lock so the callback may itself append
// (Sentinel enforcement does). Call before the first append; the
// callback is not guarded against concurrent registration.
func (s *Store) SetOnAppend(fn func(Scope, *Event)) {
	s.onAppend = fn
}

func (s *Store) notify(scope Scope, e *Event) {
	if s.onAppend != nil {
		s.onAppend(scope, e)
	}
}

// New creates a Store rooted at vaultPath, creating the directory if
// it doesn't exist.
func New(vaultPath string, log logr.Logger) (*Store, error) {
	if vaultPath == "" {
		return nil, engineerr.Validation("vault path must not be empty")
	}
	if err := os.MkdirAll(vaultPath, 0o755); err != nil {
		return nil, engineerr.New(engineerr.KindValidation, "create vault root", err)
	}
	return &Store{
		log:    log.WithName("eventlog"),
		root:   vaultPath,
		states: make(map[string]*scopeState),
	}, nil
}

func (s *Store) scopePath(scope Scope) string {
	return filepath.Join(s.root, scope.dir(), "events.jsonl")
}

func (s *Store) stateFor(scope Scope) *scopeState {
	key := scope.String()
	s.statesMu.Lock()
	defer s.statesMu.Unlock()
	st, ok := s.states[key]
	if !ok {
		st = &scopeState{}
		s.states[key] = st
	}
	return st
}

// Append writes one event as an atomically-flushed JSONL line. It fails
// with ChainMismatch if event.PrevHash does not equal the hash of the
// scope's last event (or is non-empty when the log is empty).
func (s *Store) Append(scope Scope, e *Event) error {
	st := s.stateFor(scope)
	st.mu.Lock()

	if !st.loaded {
		tip, _, err := s.tailHash(scope)
		if err != nil {
			st.mu.Unlock()
			return err
		}
		st.lastHash = tip
		st.loaded = true
	}

	if e.PrevHash != st.lastHash {
		st.mu.Unlock()
		return engineerr.ChainMismatch(scope.String(),
			fmt.Sprintf("event.prev_hash=%q does not match log tip %q", e.PrevHash, st.lastHash))
	}

	err := s.appendLocked(scope, st, e)
	st.mu.Unlock()
	if err != nil {
		return err
	}
	s.notify(scope, e)
	return nil
}

// appendLocked writes e to the scope's log and advances the cached tip.
// The caller must hold st.mu and have verified the chain.
func (s *Store) appendLocked(scope Scope, st *scopeState, e *Event) error {
	path := s.scopePath(scope)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return engineerr.New(engineerr.KindValidation, "create scope directory", err)
	}

	line, err := Marshal(e)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return engineerr.New(engineerr.KindValidation, "open scope log", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return engineerr.New(engineerr.KindValidation, "write event", err)
	}
	if err := f.Sync(); err != nil {
		return engineerr.New(engineerr.KindValidation, "fsync event", err)
	}

	st.lastHash = e.Hash
	s.log.V(1).Info("appended event", "scope", scope.String(), "type", e.Type, "id", e.ID)
	return nil
}

// Draft is the caller-supplied part of an event; AppendNew fills in the
// id, timestamp, prev-hash, and hash.
type Draft struct {
	Type     string
	Actor    string
	RunID    string
	TaskID   string
	ColonyID string
	HiveID   string
	Payload  map[string]any
	Parents  []string
}

// AppendNew builds an event chained onto the scope's current tip and
// appends it in one critical section, so concurrent emitters can never
// race on prev_hash the way separate New+Append calls would.
func (s *Store) AppendNew(scope Scope, d Draft) (*Event, error) {
	st := s.stateFor(scope)
	st.mu.Lock()

	e, err := s.buildAndAppendLocked(scope, st, d)
	st.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.notify(scope, e)
	return e, nil
}

func (s *Store) buildAndAppendLocked(scope Scope, st *scopeState, d Draft) (*Event, error) {
	if !st.loaded {
		tip, _, err := s.tailHash(scope)
		if err != nil {
			return nil, err
		}
		st.lastHash = tip
		st.loaded = true
	}

	e, err := NewEvent(d.Type, d.Payload, d.Actor, d.Parents, st.lastHash)
	if err != nil {
		return nil, err
	}
	e.RunID = d.RunID
	e.TaskID = d.TaskID
	e.ColonyID = d.ColonyID
	e.HiveID = d.HiveID
	// Scope ids participate in the hash; recompute after setting them.
	h, err := ComputeHash(e)
	if err != nil {
		return nil, err
	}
	e.Hash = h

	if err := s.appendLocked(scope, st, e); err != nil {
		return nil, err
	}
	return e, nil
}

// tailHash scans the log once to find the hash of its last complete
// record, returning ("", false, nil) for an empty or absent log. It
// also reports whether a truncated trailing line was discarded.
func (s *Store) tailHash(scope Scope) (string, bool, error) {
	events, truncated, err := s.readAll(scope)
	if err != nil {
		return "", truncated, err
	}
	if len(events) == 0 {
		return "", truncated, nil
	}
	return events[len(events)-1].Hash, truncated, nil
}

// readAll reads every line of the scope's log, parsing each as an
// Event. A trailing line that fails to parse is treated as a
// TruncatedTail (a crash mid-write) and silently dropped with a
// warning; a non-trailing parse failure is a hard error — a torn file
// is not expected to ever have valid data after a broken line.
func (s *Store) readAll(scope Scope) ([]*Event, bool, error) {
	path := s.scopePath(scope)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, engineerr.New(engineerr.KindValidation, "open scope log", err)
	}
	defer f.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		return nil, false, engineerr.New(engineerr.KindValidation, "scan scope log", err)
	}

	events := make([]*Event, 0, len(lines))
	truncated := false
	for i, line := range lines {
		e, perr := Parse(line)
		if perr != nil {
			if i == len(lines)-1 {
				s.log.Info("discarding truncated tail line", "scope", scope.String())
				truncated = true
				break
			}
			return nil, false, engineerr.New(engineerr.KindValidation,
				fmt.Sprintf("scope %s: malformed event at line %d", scope.String(), i+1), perr)
		}
		events = append(events, e)
	}
	return events, truncated, nil
}

// Replay streams every event in the scope in file order, hash- and
// chain-verifying each. It returns the events successfully verified and
// an error if verification fails partway through — callers must not
// treat events past the failure point as valid.
func (s *Store) Replay(scope Scope) ([]*Event, error) {
	events, _, err := s.readAll(scope)
	if err != nil {
		return nil, err
	}

	verified := make([]*Event, 0, len(events))
	prevHash := ""
	for i, e := range events {
		if err := Verify(e); err != nil {
			return verified, err
		}
		if e.PrevHash != prevHash {
			return verified, engineerr.ChainMismatch(scope.String(),
				fmt.Sprintf("event %d (%s): prev_hash %q does not match predecessor hash %q", i, e.ID, e.PrevHash, prevHash))
		}
		verified = append(verified, e)
		prevHash = e.Hash
	}
	return verified, nil
}

// ListScopes enumerates every scope directory under the vault root that
// contains an events.jsonl file.
func (s *Store) ListScopes() ([]Scope, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, engineerr.New(engineerr.KindValidation, "list vault root", err)
	}

	var scopes []Scope
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		logPath := filepath.Join(s.root, entry.Name(), "events.jsonl")
		if _, err := os.Stat(logPath); err != nil {
			continue
		}
		switch {
		case entry.Name() == "meta-decisions":
			scopes = append(scopes, MetaScope())
		case strings.HasPrefix(entry.Name(), "hive-"):
			scopes = append(scopes, HiveScope(strings.TrimPrefix(entry.Name(), "hive-")))
		default:
			scopes = append(scopes, RunScope(entry.Name()))
		}
	}
	return scopes, nil
}

// RunIndex is the side-index persisted at <vault>/run-index.json mapping
// a Run id to the Hive/Colony it belongs to, so callers can locate a
// Run's ancestry without replaying every Hive log.
type RunIndex struct {
	HiveID   string `json:"hive_id"`
	ColonyID string `json:"colony_id"`
}

func (s *Store) indexPath() string { return filepath.Join(s.root, "run-index.json") }

// IndexRunToColony records the Hive/Colony a Run belongs to, replacing
// any earlier entry for runID. Use LookupRunIndex to read it back.
func (s *Store) IndexRunToColony(runID, hiveID, colonyID string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndexLocked()
	if err != nil {
		return err
	}
	idx[runID] = RunIndex{HiveID: hiveID, ColonyID: colonyID}
	return s.saveIndexLocked(idx)
}

// LookupRunIndex returns the recorded Hive/Colony for a Run, or
// ok=false if none was recorded.
func (s *Store) LookupRunIndex(runID string) (RunIndex, bool, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndexLocked()
	if err != nil {
		return RunIndex{}, false, err
	}
	ri, ok := idx[runID]
	return ri, ok, nil
}

func (s *Store) loadIndexLocked() (map[string]RunIndex, error) {
	raw, err := os.ReadFile(s.indexPath())
	if os.IsNotExist(err) {
		return map[string]RunIndex{}, nil
	}
	if err != nil {
		return nil, engineerr.New(engineerr.KindValidation, "read run index", err)
	}
	var idx map[string]RunIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, engineerr.New(engineerr.KindValidation, "parse run index", err)
	}
	return idx, nil
}

func (s *Store) saveIndexLocked(idx map[string]RunIndex) error {
	raw, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return engineerr.New(engineerr.KindValidation, "marshal run index", err)
	}
	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return engineerr.New(engineerr.KindValidation, "write run index", err)
	}
	return os.Rename(tmp, s.indexPath())
}
