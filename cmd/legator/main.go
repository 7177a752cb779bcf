/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// legator is the command-line frontend over the control surface. It
// builds an in-process Engine over the configured vault and dispatches
// exactly one command per invocation:
//
//	legator hive create --name myproject
//	legator run start --goal "audit the cluster" [--colony <id>] [--wait]
//	legator events list --run <id>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"

	"github.com/marcus-qen/legator/internal/config"
	"github.com/marcus-qen/legator/internal/controlsurface"
	"github.com/marcus-qen/legator/internal/engine"
	"github.com/marcus-qen/legator/internal/provider"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var errShowUsage = errors.New("show usage")

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, errShowUsage) {
			printUsage()
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	if len(argv) == 0 {
		return errShowUsage
	}

	switch argv[0] {
	case "version":
		fmt.Printf("legator %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	case "help", "--help", "-h":
		printUsage()
		return nil
	}

	if len(argv) < 2 {
		return errShowUsage
	}

	entity, verb := argv[0], argv[1]
	flags, err := parseFlags(argv[2:])
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags["config"])
	if err != nil {
		return err
	}

	log := newLogger(flags["verbose"] != "")
	eng, err := engine.NewEngine(cfg, log)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey != "" {
		p, err := provider.NewProvider(provider.ProviderConfig{
			Type:     cfg.LLM.Provider,
			Endpoint: cfg.LLM.APIBase,
			APIKey:   cfg.LLM.APIKey,
		})
		if err != nil {
			return err
		}
		eng.WithProvider(p)
	}

	surface := controlsurface.New(eng, log)
	ctx := context.Background()

	cmd, err := buildCommand(entity, verb, flags)
	if err != nil {
		return err
	}

	result, err := surface.Dispatch(ctx, cmd)
	if err != nil {
		return err
	}

	// run start --wait blocks until the pipeline finishes, since the
	// engine dies with this process.
	if cmd.Name == "run.start" && flags["wait"] != "" {
		if outcome := eng.WaitRun(result.EntityID); outcome != nil {
			fmt.Printf("%s\t%s\t%s\n", result.EntityID, outcome.State, outcome.Report)
			return nil
		}
	}

	printResult(result)
	return nil
}

// buildCommand maps entity/verb plus flags onto a control command.
func buildCommand(entity, verb string, flags map[string]string) (controlsurface.Command, error) {
	name := entity + "." + verb
	args := map[string]any{}

	copyStr := func(flag, arg string) {
		if v, ok := flags[flag]; ok {
			args[arg] = v
		}
	}

	switch name {
	case "hive.create":
		copyStr("name", "name")
		copyStr("description", "description")
	case "hive.close":
		copyStr("hive", "hive_id")
	case "colony.create":
		copyStr("hive", "hive_id")
		copyStr("name", "name")
		copyStr("goal", "goal")
	case "colony.start", "colony.complete":
		copyStr("hive", "hive_id")
		copyStr("colony", "colony_id")
	case "run.start":
		copyStr("goal", "goal")
		copyStr("colony", "colony_id")
		args["manual"] = flags["manual"] != ""
	case "run.complete":
		copyStr("run", "run_id")
		args["force"] = flags["force"] != ""
	case "run.emergency-stop":
		copyStr("run", "run_id")
		copyStr("reason", "reason")
	case "task.create":
		copyStr("run", "run_id")
		copyStr("title", "title")
		copyStr("description", "description")
	case "task.assign":
		copyStr("run", "run_id")
		copyStr("task", "task_id")
		copyStr("assignee", "assignee")
	case "task.start":
		copyStr("run", "run_id")
		copyStr("task", "task_id")
	case "task.progress":
		copyStr("run", "run_id")
		copyStr("task", "task_id")
		copyStr("message", "message")
		if v, ok := flags["progress"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return controlsurface.Command{}, fmt.Errorf("--progress must be an integer: %w", err)
			}
			args["progress"] = n
		}
	case "task.complete":
		copyStr("run", "run_id")
		copyStr("task", "task_id")
		copyStr("result", "result")
	case "task.fail":
		copyStr("run", "run_id")
		copyStr("task", "task_id")
		copyStr("error", "error")
		args["retryable"] = flags["retryable"] != ""
	case "requirement.create":
		copyStr("run", "run_id")
		copyStr("description", "description")
		if v, ok := flags["options"]; ok {
			args["options"] = strings.Split(v, ",")
		}
	case "requirement.resolve":
		copyStr("run", "run_id")
		copyStr("requirement", "requirement_id")
		copyStr("option", "selected_option")
		copyStr("comment", "comment")
		copyStr("confirm", "typed_confirmation")
		args["approved"] = flags["approve"] != ""
	case "events.list":
		copyStr("run", "run_id")
	case "events.lineage":
		copyStr("run", "run_id")
		copyStr("event", "event_id")
		copyStr("direction", "direction")
		if v, ok := flags["max-depth"]; ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return controlsurface.Command{}, fmt.Errorf("--max-depth must be an integer: %w", err)
			}
			args["max_depth"] = n
		}
	case "heartbeat.send":
		name = "heartbeat"
		copyStr("run", "run_id")
		copyStr("message", "message")
	default:
		return controlsurface.Command{}, fmt.Errorf("unknown command: %s %s", entity, verb)
	}

	return controlsurface.Command{
		ID:   flags["command-id"],
		Name: name,
		Args: args,
	}, nil
}

// parseFlags reads --key value / --key=value pairs; a flag with no
// value (or followed by another flag) is recorded as "true".
func parseFlags(argv []string) (map[string]string, error) {
	flags := map[string]string{}
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if !strings.HasPrefix(arg, "--") {
			return nil, fmt.Errorf("unexpected argument %q", arg)
		}
		key := strings.TrimPrefix(arg, "--")
		if eq := strings.Index(key, "="); eq >= 0 {
			flags[key[:eq]] = key[eq+1:]
			continue
		}
		if i+1 < len(argv) && !strings.HasPrefix(argv[i+1], "--") {
			flags[key] = argv[i+1]
			i++
			continue
		}
		flags[key] = "true"
	}
	return flags, nil
}

func printResult(r *controlsurface.Result) {
	if events, ok := r.Data["events"].([]any); ok {
		for _, item := range events {
			if m, ok := item.(map[string]any); ok {
				fmt.Printf("%s\t%s\t%s\n", m["id"], m["type"], m["timestamp"])
			}
		}
		return
	}
	if ids, ok := r.Data["event_ids"].([]string); ok {
		for _, id := range ids {
			fmt.Println(id)
		}
		if truncated, _ := r.Data["truncated"].(bool); truncated {
			fmt.Println("(truncated)")
		}
		return
	}
	if r.State != "" {
		fmt.Printf("%s\t%s\n", r.EntityID, r.State)
		return
	}
	fmt.Println(r.EntityID)
}

func newLogger(verbose bool) logr.Logger {
	if !verbose {
		return logr.Discard()
	}
	return funcr.New(func(prefix, args string) {
		fmt.Fprintln(os.Stderr, prefix, args)
	}, funcr.Options{})
}

func printUsage() {
	fmt.Print(`legator — event-sourced multi-agent execution core

Usage:
  legator <entity> <verb> [--flag value ...]

Commands:
  hive create --name <name> [--description <text>]
  hive close --hive <id>
  colony create --hive <id> --name <name> [--goal <text>]
  colony start|complete --hive <id> --colony <id>
  run start --goal <text> [--colony <id>] [--wait]
  run complete --run <id> [--force]
  run emergency-stop --run <id> [--reason <text>]
  task create --run <id> --title <text> [--description <text>]
  task assign --run <id> --task <id> --assignee <name>
  task start|complete|fail|progress --run <id> --task <id> [...]
  requirement create --run <id> --description <text> [--options a,b]
  requirement resolve --run <id> --requirement <id> [--approve] [--option <x>] [--confirm <token>]
  events list --run <id>
  events lineage --run <id> --event <id> [--direction both] [--max-depth n]
  heartbeat send --run <id> [--message <text>]
  version

Global flags:
  --config <path>      configuration file (YAML)
  --command-id <id>    idempotency key for the command
  --verbose            log engine internals to stderr
`)
}
