/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package policy

import "strings"

// classTable is the central tool-to-class map. Longest matching prefix
// wins; a tool matching nothing defaults to reversible (the safe side:
// it mutates until proven otherwise, but stays short of irreversible's
// mandatory approval).
var classTable = []struct {
	prefix string
	class  ActionClass
}{
	{"kubectl.get", ActionClassReadOnly},
	{"kubectl.describe", ActionClassReadOnly},
	{"kubectl.logs", ActionClassReadOnly},
	{"kubectl.top", ActionClassReadOnly},
	{"kubectl.scale", ActionClassReversible},
	{"kubectl.rollout", ActionClassReversible},
	{"kubectl.delete", ActionClassIrreversible},
	{"kubectl.apply", ActionClassReversible},
	{"http.get", ActionClassReadOnly},
	{"http.head", ActionClassReadOnly},
	{"http.post", ActionClassReversible},
	{"http.delete", ActionClassIrreversible},
	{"sql.select", ActionClassReadOnly},
	{"sql.insert", ActionClassReversible},
	{"sql.update", ActionClassReversible},
	{"sql.delete", ActionClassIrreversible},
	{"sql.drop", ActionClassIrreversible},
	{"fs.read", ActionClassReadOnly},
	{"fs.list", ActionClassReadOnly},
	{"fs.write", ActionClassReversible},
	{"fs.delete", ActionClassIrreversible},
	{"ssh.exec", ActionClassReversible},
	{"browser.read", ActionClassReadOnly},
	{"browser.navigate", ActionClassReadOnly},
	{"browser.click", ActionClassReversible},
	{"vision.", ActionClassReadOnly},
}

// ClassifyTool maps a concrete tool name to its action class via the
// central table. MCP-namespaced names ("mcp.<server>.<tool>") are
// classified by their inner tool name.
func ClassifyTool(name string) ActionClass {
	lower := strings.ToLower(name)
	if strings.HasPrefix(lower, "mcp.") {
		if parts := strings.SplitN(lower, ".", 3); len(parts) == 3 {
			lower = parts[2]
		}
	}

	best := ActionClass("")
	bestLen := -1
	for _, row := range classTable {
		if strings.HasPrefix(lower, row.prefix) && len(row.prefix) > bestLen {
			best = row.class
			bestLen = len(row.prefix)
		}
	}
	if bestLen < 0 {
		return ActionClassReversible
	}
	return best
}
