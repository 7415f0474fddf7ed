// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mentions

import (
	"regexp"
)

// fileMention matches @file:path, @file:"path with spaces" and
// @file:'path with spaces'.
var fileMention = regexp.MustCompile(`@file:(?:"([^"]+)"|'([^']+)'|(\S+))`)

// Mention is one @file reference in a message.
type Mention struct {
	// Raw is the matched text, e.g. @file:"my notes.txt".
	Raw string

	// Path is the referenced path as written.
	Path string

	// Start and End are byte offsets of Raw in the message.
	Start int
	End   int
}

// Parse extracts @file mentions in order of appearance. A path mentioned
// twice is returned once.
func Parse(input string) []Mention {
	var out []Mention
	seen := make(map[string]bool)

	for _, match := range fileMention.FindAllStringSubmatchIndex(input, -1) {
		var path string
		for i := 2; i+1 < len(match); i += 2 {
			if match[i] != -1 {
				path = input[match[i]:match[i+1]]
				break
			}
		}
		if path == "" || seen[path] {
			continue
		}
		seen[path] = true
		out = append(out, Mention{
			Raw:   input[match[0]:match[1]],
			Path:  path,
			Start: match[0],
			End:   match[1],
		})
	}
	return out
}

// HasMentions reports whether input contains any @file mention.
func HasMentions(input string) bool {
	return fileMention.MatchString(input)
}
