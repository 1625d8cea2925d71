// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/qbitlabs/qbit-backend/services/orchestrator/datatypes"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/memory"
)

const intentSystemPrompt = `You are a planning assistant for a web application builder.
Classify the user's request and respond with a single JSON object:
{
  "intent": "code_generation" | "follow_up" | "conversation" | "discussion" | "ambiguous",
  "complexity": "simple" | "moderate" | "complex",
  "response": "<direct answer, only for non-code intents>",
  "project_name": "<short name, code intents only>",
  "tech_stack": ["..."],
  "features": ["..."],
  "file_structure": ["..."],
  "strategy": "<one-paragraph build strategy>"
}
Use "follow_up" when the request modifies the existing project described in the context.
Respond with JSON only.`

const codegenSystemPrompt = `You are a code generation agent for static web applications.
Respond with a single JSON object:
{
  "summary": "<one sentence describing the change>",
  "files": {"<path>": "<full file content>"},
  "patches": [{"path": "...", "operation": "insert_after" | "insert_before" | "replace", "anchor": "<exact existing text>", "content": "..."}]
}
Use "files" for new or fully rewritten files. Use "patches" only when modifying
existing files, and copy anchors exactly from the provided sources.
Respond with JSON only.`

// buildIntentPrompt embeds the project context, when one exists, so
// follow-up requests are planned against the files that are already
// there.
func buildIntentPrompt(req *datatypes.GenerationRequest, pc *memory.ProjectContext) string {
	var b strings.Builder
	if pc != nil {
		b.WriteString("Existing project context:\n")
		fmt.Fprintf(&b, "- current version: %d\n", pc.Version)
		if len(pc.TechStack) > 0 {
			fmt.Fprintf(&b, "- tech stack: %s\n", strings.Join(pc.TechStack, ", "))
		}
		if len(pc.FileList) > 0 {
			fmt.Fprintf(&b, "- files: %s\n", strings.Join(pc.FileList, ", "))
		}
		if pc.Summary != "" {
			fmt.Fprintf(&b, "- last change: %s\n", pc.Summary)
		}
		b.WriteString("\n")
	}
	b.WriteString("User request:\n")
	b.WriteString(req.Prompt)
	return b.String()
}

// buildGenerationPrompt turns the plan (and, for follow-ups, the parent
// snapshot's files) into the code generator's instruction.
func buildGenerationPrompt(req *datatypes.GenerationRequest, plan *datatypes.Plan, base map[string]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n\n", req.Prompt)

	if plan.ProjectName != "" {
		fmt.Fprintf(&b, "Project: %s\n", plan.ProjectName)
	}
	if len(plan.TechStack) > 0 {
		fmt.Fprintf(&b, "Tech stack: %s\n", strings.Join(plan.TechStack, ", "))
	}
	if len(plan.Features) > 0 {
		fmt.Fprintf(&b, "Features:\n- %s\n", strings.Join(plan.Features, "\n- "))
	}
	if len(plan.FileStructure) > 0 {
		fmt.Fprintf(&b, "File structure:\n- %s\n", strings.Join(plan.FileStructure, "\n- "))
	}
	if plan.Strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n", plan.Strategy)
	}

	if len(base) > 0 {
		b.WriteString("\nExisting files (modify with patches where possible):\n")
		paths := make([]string, 0, len(base))
		for path := range base {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", path, base[path])
		}
	}
	return b.String()
}
