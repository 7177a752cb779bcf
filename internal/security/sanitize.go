/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package security provides credential hygiene and sanitization for
// everything that ends up in the durable event log: task results,
// tool-call output, and LLM completions. It ensures secrets, tokens,
// and other sensitive data never get written into an event payload.
package security

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// Common patterns for secrets/tokens in tool output and LLM responses.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(bearer\s+)[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(authorization:\s*)(bearer\s+)?[a-zA-Z0-9\-_.~+/]+=*`),
	regexp.MustCompile(`(?i)(token["\s:=]+)[a-zA-Z0-9+/]{40,}=*`),
	regexp.MustCompile(`eyJ[a-zA-Z0-9_-]+\.eyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+`),
	regexp.MustCompile(`(?i)(api[_-]?key["\s:=]+)[a-zA-Z0-9\-_.]{20,}`),
	regexp.MustCompile(`hvs\.[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`(?i)(aws_secret_access_key["\s:=]+)[a-zA-Z0-9/+=]{20,}`),
	regexp.MustCompile(`AKIA[A-Z0-9]{16}`),
	regexp.MustCompile(`(?i)(password["\s:=]+)\S+`),
	regexp.MustCompile(`(?s)-----BEGIN[A-Z ]*PRIVATE KEY-----.*?-----END[A-Z ]*PRIVATE KEY-----`),
}

// Sanitize scrubs sensitive data from text, replacing matched values
// with [REDACTED] while preserving the prefix label where possible.
func Sanitize(text string) string {
	result := text
	for _, pattern := range sensitivePatterns {
		result = pattern.ReplaceAllStringFunc(result, func(match string) string {
			loc := pattern.FindStringSubmatchIndex(match)
			if len(loc) >= 4 && loc[2] >= 0 {
				prefix := match[loc[2]:loc[3]]
				return prefix + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// ContainsSecret reports whether text likely contains sensitive data.
func ContainsSecret(text string) bool {
	for _, pattern := range sensitivePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

// SanitizeForEventPayload sanitizes a tool-call or worker result before
// it is written into an event payload, truncating after sanitizing so
// truncation never splits a redaction marker.
func SanitizeForEventPayload(result string, maxLen int) string {
	sanitized := Sanitize(result)
	if maxLen > 0 && len(sanitized) > maxLen {
		return sanitized[:maxLen] + "... (truncated)"
	}
	return sanitized
}

// SanitizeMap sanitizes every value in a string map, redacting whole
// values whose key name looks like a credential.
func SanitizeMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if isCredentialKey(k) {
			out[k] = redactedPlaceholder
		} else {
			out[k] = Sanitize(v)
		}
	}
	return out
}

func isCredentialKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range []string{"password", "secret", "token", "api_key", "apikey", "private_key", "credential"} {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
