/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package lineage implements L4: the causal-lineage graph over events,
// walked through their `parents` back-references. Ancestors are found
// by a direct BFS over parents; descendants require a child index
// (parents inverted), which is built lazily per scope on first use and
// invalidated whenever the scope's log grows, so a concurrent appender
// is always reflected on the next lineage query.
package lineage

import (
	"sync"

	"github.com/marcus-qen/legator/internal/eventlog"
)

// Direction selects which edges a query walks.
type Direction string

const (
	DirectionAncestors   Direction = "ancestors"
	DirectionDescendants Direction = "descendants"
	DirectionBoth        Direction = "both"
)

// Result is the outcome of one lineage query.
type Result struct {
	EventIDs  []string
	Truncated bool
}

type scopeIndex struct {
	events   map[string]*eventlog.Event
	children map[string][]string
}

// Resolver answers lineage queries against a Store, caching a per-scope
// child index until the next Invalidate.
type Resolver struct {
	store *eventlog.Store

	mu      sync.Mutex
	indexes map[string]*scopeIndex
}

// NewResolver returns a Resolver reading through store.
func NewResolver(store *eventlog.Store) *Resolver {
	return &Resolver{store: store, indexes: make(map[string]*scopeIndex)}
}

// Invalidate drops the cached index for scope; call after every Append
// to that scope so the next query sees newly written events.
func (r *Resolver) Invalidate(scope eventlog.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.indexes, scope.String())
}

func (r *Resolver) indexFor(scope eventlog.Scope) (*scopeIndex, error) {
	r.mu.Lock()
	if idx, ok := r.indexes[scope.String()]; ok {
		r.mu.Unlock()
		return idx, nil
	}
	r.mu.Unlock()

	events, err := r.store.Replay(scope)
	if err != nil {
		return nil, err
	}

	idx := &scopeIndex{
		events:   make(map[string]*eventlog.Event, len(events)),
		children: make(map[string][]string),
	}
	for _, e := range events {
		idx.events[e.ID] = e
		for _, parent := range e.Parents {
			idx.children[parent] = append(idx.children[parent], e.ID)
		}
	}

	r.mu.Lock()
	r.indexes[scope.String()] = idx
	r.mu.Unlock()
	return idx, nil
}

// Ancestors returns every event id reachable from seed by following
// parents, BFS, up to maxDepth hops. maxDepth=0 returns only the seed.
func (r *Resolver) Ancestors(scope eventlog.Scope, seed string, maxDepth int) (Result, error) {
	idx, err := r.indexFor(scope)
	if err != nil {
		return Result{}, err
	}
	return bfs(idx, seed, maxDepth, func(e *eventlog.Event) []string { return e.Parents }), nil
}

// Descendants returns every event id reachable from seed by following
// the inverted child index, BFS, up to maxDepth hops.
func (r *Resolver) Descendants(scope eventlog.Scope, seed string, maxDepth int) (Result, error) {
	idx, err := r.indexFor(scope)
	if err != nil {
		return Result{}, err
	}
	return bfs(idx, seed, maxDepth, func(e *eventlog.Event) []string { return idx.children[e.ID] }), nil
}

// Both returns the union of Ancestors and Descendants, truncated if
// either walk was truncated.
func (r *Resolver) Both(scope eventlog.Scope, seed string, maxDepth int) (Result, error) {
	anc, err := r.Ancestors(scope, seed, maxDepth)
	if err != nil {
		return Result{}, err
	}
	desc, err := r.Descendants(scope, seed, maxDepth)
	if err != nil {
		return Result{}, err
	}

	seen := make(map[string]struct{}, len(anc.EventIDs)+len(desc.EventIDs))
	var union []string
	for _, id := range anc.EventIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	for _, id := range desc.EventIDs {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	return Result{EventIDs: union, Truncated: anc.Truncated || desc.Truncated}, nil
}

func bfs(idx *scopeIndex, seed string, maxDepth int, edges func(*eventlog.Event) []string) Result {
	visited := map[string]struct{}{seed: {}}
	order := []string{seed}
	frontier := []string{seed}
	truncated := false

	for depth := 0; depth < maxDepth; depth++ {
		var next []string
		for _, id := range frontier {
			e, ok := idx.events[id]
			if !ok {
				continue
			}
			for _, neighbor := range edges(e) {
				if _, ok := idx.events[neighbor]; !ok {
					// Reference to an event outside this scope's
					// replay window; skip rather than fabricate a node.
					continue
				}
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				order = append(order, neighbor)
				next = append(next, neighbor)
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}

	// If the frontier reached at the depth limit still has unvisited
	// neighbors, the walk was cut short.
	if maxDepth >= 0 {
		for _, id := range frontier {
			e, ok := idx.events[id]
			if !ok {
				continue
			}
			for _, neighbor := range edges(e) {
				if _, ok := idx.events[neighbor]; !ok {
					continue
				}
				if _, seen := visited[neighbor]; !seen {
					truncated = true
				}
			}
		}
	}

	return Result{EventIDs: order, Truncated: truncated}
}
