// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package catalog

import (
	"sort"
	"strings"
)

// prereleaseTokens flag an identifier as not yet stable when they
// appear as a delimiter-separated segment of it.
var prereleaseTokens = map[string]bool{
	"preview":      true,
	"beta":         true,
	"alpha":        true,
	"experimental": true,
	"exp":          true,
	"nightly":      true,
	"dev":          true,
}

// IsStable classifies a model identifier by naming convention:
// stable means no pre-release token anywhere in it.
func IsStable(id string) bool {
	for _, segment := range splitSegments(id) {
		if prereleaseTokens[segment] {
			return false
		}
	}
	return true
}

// splitSegments lowercases and splits an identifier on the usual
// model-name delimiters.
func splitSegments(id string) []string {
	return strings.FieldsFunc(strings.ToLower(id), func(r rune) bool {
		switch r {
		case '-', '.', '/', '_', ':', ' ':
			return true
		}
		return false
	})
}

// finalize applies the shared post-processing: dedupe, drop empties,
// stable identifiers ahead of pre-release ones, alphabetical within
// each group, and the current selection unconditionally present.
func finalize(models []string, current string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		si, sj := IsStable(out[i]), IsStable(out[j])
		if si != sj {
			return si
		}
		return out[i] < out[j]
	})

	if current != "" && !seen[current] {
		out = append([]string{current}, out...)
	}
	return out
}
