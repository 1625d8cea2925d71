// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package snapshot

import (
	"strings"

	"github.com/qbitlabs/qbit-backend/pkg/logging"
)

// PatchOp is an anchor-based modification operation produced by the
// code-generation stage for follow-up requests.
type PatchOp string

const (
	OpInsertAfter  PatchOp = "insert_after"
	OpInsertBefore PatchOp = "insert_before"
	OpReplace      PatchOp = "replace"
)

// Patch is one modification against a file in the parent snapshot.
// Anchor is an exact substring of the target file; an empty anchor with
// OpReplace replaces (or creates) the whole file.
type Patch struct {
	Path    string  `json:"path"`
	Op      PatchOp `json:"operation"`
	Anchor  string  `json:"anchor,omitempty"`
	Content string  `json:"content"`
}

// ApplyPatches applies patches against a copy of the base file set and
// returns the result. The base is never mutated.
//
// Patches that cannot apply — unknown operation, missing file for an
// anchored op, or an anchor absent from the file — are skipped with a
// warning rather than failing the whole generation. Skipping matches
// how partial agent output is handled upstream: a mostly-correct patch
// set still produces a usable snapshot.
func ApplyPatches(base map[string]string, patches []Patch, logger *logging.Logger) (map[string]string, int) {
	files := make(map[string]string, len(base))
	for path, content := range base {
		files[path] = content
	}

	applied := 0
	for _, patch := range patches {
		content, exists := files[patch.Path]

		// Whole-file replace doubles as file creation.
		if patch.Op == OpReplace && patch.Anchor == "" {
			files[patch.Path] = patch.Content
			applied++
			continue
		}

		if !exists {
			logger.Warn("patch skipped, file not in parent snapshot",
				"path", patch.Path, "operation", string(patch.Op))
			continue
		}
		if patch.Anchor == "" || !strings.Contains(content, patch.Anchor) {
			logger.Warn("patch skipped, anchor not found",
				"path", patch.Path, "operation", string(patch.Op))
			continue
		}

		switch patch.Op {
		case OpInsertAfter:
			files[patch.Path] = strings.Replace(content, patch.Anchor, patch.Anchor+"\n"+patch.Content, 1)
		case OpInsertBefore:
			files[patch.Path] = strings.Replace(content, patch.Anchor, patch.Content+"\n"+patch.Anchor, 1)
		case OpReplace:
			files[patch.Path] = strings.Replace(content, patch.Anchor, patch.Content, 1)
		default:
			logger.Warn("patch skipped, unknown operation",
				"path", patch.Path, "operation", string(patch.Op))
			continue
		}
		applied++
	}
	return files, applied
}
