/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package controlsurface

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/marcus-qen/legator/internal/config"
	"github.com/marcus-qen/legator/internal/engine"
	"github.com/marcus-qen/legator/internal/eventlog"
	"github.com/marcus-qen/legator/internal/orchestrator"
	"github.com/marcus-qen/legator/internal/planner"
	"github.com/marcus-qen/legator/internal/policy"
	"github.com/marcus-qen/legator/internal/provider"
	"github.com/marcus-qen/legator/internal/statemachine"
)

var _ = Describe("End-to-end run scenarios", func() {
	var (
		vault   string
		cfg     *config.Config
		eng     *engine.Engine
		surface *Surface
		ctx     context.Context
	)

	newEngine := func() {
		var err error
		eng, err = engine.NewEngine(cfg, logr.Discard())
		Expect(err).NotTo(HaveOccurred())
		surface = New(eng, logr.Discard())
	}

	echoWorker := func() orchestrator.Worker {
		return orchestrator.FuncWorker(func(_ context.Context, task planner.Task, _ orchestrator.TaskContext, _ func(orchestrator.Progress)) (orchestrator.WorkResult, error) {
			return orchestrator.WorkResult{Output: "ok: " + task.ID}, nil
		})
	}

	replayTypes := func(runID string) []string {
		events, err := eng.Store().Replay(eventlog.RunScope(runID))
		Expect(err).NotTo(HaveOccurred())
		types := make([]string, 0, len(events))
		for _, e := range events {
			types = append(types, e.Type)
		}
		return types
	}

	indexOf := func(types []string, typ string) int {
		for i, t := range types {
			if t == typ {
				return i
			}
		}
		return -1
	}

	BeforeEach(func() {
		vault = GinkgoT().TempDir()
		cfg = config.Default()
		cfg.VaultPath = vault
		ctx = context.Background()
	})

	Context("single-task run", func() {
		It("produces the full event sequence and a completed projection", func() {
			newEngine()
			eng.WithProvider(provider.NewMockProviderSimple(
				`[{"id": "t1", "title": "hello", "dependencies": [], "action_class": "read-only"}]`)).
				WithWorker(echoWorker())

			result, err := surface.Dispatch(ctx, Command{
				Name: "run.start",
				Args: map[string]any{"goal": "hello"},
			})
			Expect(err).NotTo(HaveOccurred())
			runID := result.EntityID

			outcome := eng.WaitRun(runID)
			Expect(outcome).NotTo(BeNil())
			Expect(outcome.State).To(Equal(statemachine.RunCompleted))

			types := replayTypes(runID)
			for _, want := range []string{
				"run.started", "task.created", "task.assigned",
				"worker.started", "task.completed", "run.completed",
			} {
				Expect(types).To(ContainElement(want), "missing %s", want)
			}
			// Lifecycle order within the run.
			Expect(indexOf(types, "run.started")).To(BeNumerically("<", indexOf(types, "task.created")))
			Expect(indexOf(types, "task.assigned")).To(BeNumerically("<", indexOf(types, "worker.started")))
			Expect(indexOf(types, "worker.started")).To(BeNumerically("<", indexOf(types, "task.completed")))
			Expect(indexOf(types, "task.completed")).To(BeNumerically("<", indexOf(types, "run.completed")))

			p, err := eng.ProjectRun(runID)
			Expect(err).NotTo(HaveOccurred())
			Expect(p.State).To(Equal(statemachine.RunCompleted))
		})
	})

	Context("approval-gated irreversible task", func() {
		decomposition := `[{"id": "t1", "title": "wipe data", "dependencies": [], "action_class": "irreversible"}]`

		resolveNext := func(runID string, approve bool) {
			// Wait for the next open requirement, pull its typed token
			// out of the event payload, and resolve it.
			var reqID string
			Eventually(func() int {
				open := eng.Approvals().Open(runID)
				if len(open) > 0 {
					reqID = open[0]
				}
				return len(open)
			}).Should(Equal(1))

			token := ""
			events, err := eng.Store().Replay(eventlog.RunScope(runID))
			Expect(err).NotTo(HaveOccurred())
			for _, e := range events {
				if e.Type != "requirement.created" {
					continue
				}
				if id, _ := e.Payload["requirement_id"].(string); id != reqID {
					continue
				}
				desc, _ := e.Payload["description"].(string)
				if idx := strings.Index(desc, "CONFIRM-"); idx >= 0 {
					token = strings.Fields(desc[idx:])[0]
				}
			}

			_, err = surface.Dispatch(ctx, Command{
				Name: "requirement.resolve",
				Args: map[string]any{
					"run_id":             runID,
					"requirement_id":     reqID,
					"approved":           approve,
					"typed_confirmation": token,
				},
			})
			Expect(err).NotTo(HaveOccurred())
		}

		It("runs to completion after approval", func() {
			newEngine()
			eng.WithProvider(provider.NewMockProviderSimple(decomposition)).
				WithWorker(echoWorker()).
				WithActor("operator", policy.TrustBasic)

			result, err := surface.Dispatch(ctx, Command{
				Name: "run.start",
				Args: map[string]any{"goal": "wipe data"},
			})
			Expect(err).NotTo(HaveOccurred())
			runID := result.EntityID

			// Plan approval, then task approval.
			resolveNext(runID, true)
			resolveNext(runID, true)

			outcome := eng.WaitRun(runID)
			Expect(outcome).NotTo(BeNil())
			Expect(outcome.State).To(Equal(statemachine.RunCompleted))

			types := replayTypes(runID)
			Expect(indexOf(types, "requirement.created")).To(BeNumerically("<", indexOf(types, "task.assigned")))
		})

		It("fails the task with reason rejected after denial", func() {
			newEngine()
			eng.WithProvider(provider.NewMockProviderSimple(decomposition)).
				WithWorker(echoWorker()).
				WithActor("operator", policy.TrustBasic)

			result, err := surface.Dispatch(ctx, Command{
				Name: "run.start",
				Args: map[string]any{"goal": "wipe data"},
			})
			Expect(err).NotTo(HaveOccurred())
			runID := result.EntityID

			// Approve the plan, reject the task.
			resolveNext(runID, true)
			resolveNext(runID, false)

			outcome := eng.WaitRun(runID)
			Expect(outcome).NotTo(BeNil())
			Expect(outcome.State).To(Equal(statemachine.RunFailed))

			p, err := eng.ProjectRun(runID)
			Expect(err).NotTo(HaveOccurred())
			task := p.Tasks["t1"]
			Expect(task).NotTo(BeNil())
			Expect(task.State).To(Equal(statemachine.TaskFailed))

			events, _ := eng.Store().Replay(eventlog.RunScope(runID))
			rejected := false
			for _, e := range events {
				if e.Type == "task.failed" {
					if r, _ := e.Payload["reason"].(string); r == "rejected" {
						rejected = true
					}
				}
			}
			Expect(rejected).To(BeTrue(), "task.failed should carry reason=rejected")
		})
	})

	Context("dependency ordering", func() {
		It("completes A before B and C, and both before D", func() {
			newEngine()
			eng.WithProvider(provider.NewMockProviderSimple(`[
				{"id": "A", "title": "A", "dependencies": [], "action_class": "read-only"},
				{"id": "B", "title": "B", "dependencies": ["A"], "action_class": "read-only"},
				{"id": "C", "title": "C", "dependencies": ["A"], "action_class": "read-only"},
				{"id": "D", "title": "D", "dependencies": ["B", "C"], "action_class": "read-only"}
			]`)).WithWorker(echoWorker())

			result, err := surface.Dispatch(ctx, Command{
				Name: "run.start",
				Args: map[string]any{"goal": "diamond"},
			})
			Expect(err).NotTo(HaveOccurred())
			runID := result.EntityID

			outcome := eng.WaitRun(runID)
			Expect(outcome).NotTo(BeNil())
			Expect(outcome.State).To(Equal(statemachine.RunCompleted))

			// Per-task completion order follows the log's total order.
			events, err := eng.Store().Replay(eventlog.RunScope(runID))
			Expect(err).NotTo(HaveOccurred())
			completed := map[string]int{}
			for i, e := range events {
				if e.Type == "task.completed" {
					completed[e.TaskID] = i
				}
			}
			Expect(completed).To(HaveLen(4))
			Expect(completed["A"]).To(BeNumerically("<", completed["B"]))
			Expect(completed["A"]).To(BeNumerically("<", completed["C"]))
			Expect(completed["B"]).To(BeNumerically("<", completed["D"]))
			Expect(completed["C"]).To(BeNumerically("<", completed["D"]))
		})
	})

	Context("hash chain integrity", func() {
		It("refuses to project past a corrupted event", func() {
			newEngine()

			result, err := surface.Dispatch(ctx, Command{
				Name: "run.start",
				Args: map[string]any{"goal": "corrupt me", "manual": true},
			})
			Expect(err).NotTo(HaveOccurred())
			runID := result.EntityID

			for i := 0; i < 4; i++ {
				_, err := surface.Dispatch(ctx, Command{
					Name: "heartbeat",
					Args: map[string]any{"run_id": runID},
				})
				Expect(err).NotTo(HaveOccurred())
			}

			// Corrupt event 3's payload on disk.
			logPath := filepath.Join(vault, runID, "events.jsonl")
			raw, err := os.ReadFile(logPath)
			Expect(err).NotTo(HaveOccurred())
			lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
			Expect(len(lines)).To(Equal(5))
			lines[2] = strings.Replace(lines[2], `"actor":"engine"`, `"actor":"mallory"`, 1)
			Expect(os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644)).To(Succeed())

			// A fresh engine replays from disk and must refuse.
			newEngine()
			_, err = eng.ProjectRun(runID)
			Expect(err).To(HaveOccurred())

			events, err := eng.Store().Replay(eventlog.RunScope(runID))
			Expect(err).To(HaveOccurred())
			Expect(len(events)).To(Equal(2), "only events before the corruption are served")
		})
	})

	Context("sentinel loop detection", func() {
		It("suspends the colony and rejects further runs", func() {
			cfg.Sentinel.LoopThreshold = 3
			newEngine()

			hive, err := surface.Dispatch(ctx, Command{Name: "hive.create", Args: map[string]any{"name": "h"}})
			Expect(err).NotTo(HaveOccurred())
			colony, err := surface.Dispatch(ctx, Command{Name: "colony.create", Args: map[string]any{
				"hive_id": hive.EntityID, "name": "c",
			}})
			Expect(err).NotTo(HaveOccurred())
			_, err = surface.Dispatch(ctx, Command{Name: "colony.start", Args: map[string]any{
				"hive_id": hive.EntityID, "colony_id": colony.EntityID,
			}})
			Expect(err).NotTo(HaveOccurred())

			eng.WithProvider(provider.NewMockProviderSimple(
				`[{"id": "t1", "title": "flaky", "dependencies": [], "action_class": "read-only"}]`)).
				WithWorker(orchestrator.FuncWorker(func(_ context.Context, _ planner.Task, _ orchestrator.TaskContext, _ func(orchestrator.Progress)) (orchestrator.WorkResult, error) {
					return orchestrator.WorkResult{}, context.DeadlineExceeded
				}))

			for i := 0; i < 3 && !eng.Sentinel().Suspended(colony.EntityID); i++ {
				result, err := surface.Dispatch(ctx, Command{
					Name: "run.start",
					Args: map[string]any{"goal": "same goal", "colony_id": colony.EntityID},
				})
				Expect(err).NotTo(HaveOccurred())
				eng.WaitRun(result.EntityID)
			}

			Expect(eng.Sentinel().Suspended(colony.EntityID)).To(BeTrue())

			col, err := eng.ProjectColony(hive.EntityID, colony.EntityID)
			Expect(err).NotTo(HaveOccurred())
			Expect(col.State).To(Equal(statemachine.ColonySuspended))

			// Further run starts are rejected.
			_, err = surface.Dispatch(ctx, Command{
				Name: "run.start",
				Args: map[string]any{"goal": "another", "colony_id": colony.EntityID},
			})
			Expect(err).To(HaveOccurred())

			// The alert fired exactly once.
			hiveEvents, err := eng.Store().Replay(eventlog.HiveScope(hive.EntityID))
			Expect(err).NotTo(HaveOccurred())
			alerts := 0
			for _, e := range hiveEvents {
				if e.Type == "sentinel.alert_raised" {
					alerts++
				}
			}
			Expect(alerts).To(Equal(1))
		})
	})
})
