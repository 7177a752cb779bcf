/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package statemachine

// HiveState is one state of a Hive's lifecycle (spec.md §4.4).
type HiveState string

const (
	HiveActive HiveState = "active"
	HiveIdle   HiveState = "idle"
	HiveClosed HiveState = "closed"
)

var hiveTable = table[HiveState]{
	HiveActive: {
		"hive.idled":  HiveIdle,
		"hive.closed": HiveClosed,
	},
	HiveIdle: {
		"hive.activated": HiveActive,
		"hive.closed":    HiveClosed,
	},
}

var hiveTerminalSelf = map[HiveState][]string{
	HiveClosed: {"hive.closed"},
}

// HiveSM is the pure Hive transition function.
type HiveSM struct{}

func (HiveSM) Next(current HiveState, eventType string) (HiveState, error) {
	return next(hiveTable, "hive", current, eventType, hiveTerminalSelf)
}

func (HiveSM) IsTerminal(s HiveState) bool {
	return s == HiveClosed
}
