// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// This file contains the structured plan produced by the intent stage
// and the agent output produced by the generation stage, plus the
// lenient JSON extraction both need. Model output is rarely clean JSON;
// parsing degrades through three strategies before giving up.
package datatypes

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/qbitlabs/qbit-backend/services/snapshot"
)

// =============================================================================
// Intent and complexity
// =============================================================================

// Intent is the classified purpose of a prompt.
type Intent string

const (
	IntentCodeGeneration Intent = "code_generation"
	IntentFollowUp       Intent = "follow_up"
	IntentConversation   Intent = "conversation"
	IntentDiscussion     Intent = "discussion"
	IntentAmbiguous      Intent = "ambiguous"
)

// IsCode reports whether the intent requires the code-generation stage.
func (i Intent) IsCode() bool {
	return i == IntentCodeGeneration || i == IntentFollowUp
}

func validIntent(i Intent) bool {
	switch i {
	case IntentCodeGeneration, IntentFollowUp, IntentConversation, IntentDiscussion, IntentAmbiguous:
		return true
	}
	return false
}

// Complexity buckets a plan for cost selection.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

func validComplexity(c Complexity) bool {
	return c == ComplexitySimple || c == ComplexityModerate || c == ComplexityComplex
}

// =============================================================================
// Plan (intent stage output)
// =============================================================================

// Plan is the structured output of the intent stage.
//
// Code intents carry a build plan for the generation stage; non-code
// intents carry a direct Response the pipeline returns without calling
// the code generator or charging credits.
type Plan struct {
	Intent     Intent     `json:"intent"`
	Complexity Complexity `json:"complexity"`

	// Response is the direct answer for non-code intents.
	Response string `json:"response,omitempty"`

	// Build plan, populated for code intents.
	ProjectName   string   `json:"project_name,omitempty"`
	TechStack     []string `json:"tech_stack,omitempty"`
	Features      []string `json:"features,omitempty"`
	FileStructure []string `json:"file_structure,omitempty"`
	Strategy      string   `json:"strategy,omitempty"`
}

// AmbiguousPlan is the fallback when model output cannot be parsed at
// all: ask the user to clarify rather than failing the request.
func AmbiguousPlan() *Plan {
	return &Plan{
		Intent:     IntentAmbiguous,
		Complexity: ComplexityModerate,
		Response:   "I couldn't determine what you'd like to build. Could you describe it in a bit more detail?",
	}
}

// ParsePlan extracts a Plan from raw model output.
//
// Unknown intents and complexities are normalized rather than rejected:
// the intent falls back to ambiguous, the complexity to moderate. A
// completely unparseable payload returns AmbiguousPlan, never an error,
// because the intent stage has already consumed its one provider call.
func ParsePlan(raw string) *Plan {
	data, ok := extractJSON(raw)
	if !ok {
		return AmbiguousPlan()
	}

	plan := &Plan{}
	if err := json.Unmarshal(data, plan); err != nil {
		return AmbiguousPlan()
	}

	if !validIntent(plan.Intent) {
		plan.Intent = IntentAmbiguous
		if plan.Response == "" {
			plan.Response = AmbiguousPlan().Response
		}
	}
	if !validComplexity(plan.Complexity) {
		plan.Complexity = ComplexityModerate
	}
	return plan
}

// =============================================================================
// Agent output (generation stage output)
// =============================================================================

// ErrNoGeneratedContent means the generation stage produced neither
// files nor patches. Treated as a permanent provider failure.
var ErrNoGeneratedContent = errors.New("agent output contains no files or patches")

// AgentOutput is the structured output of the generation stage: either
// complete files (fresh generation) or patches against the parent
// snapshot (modification).
type AgentOutput struct {
	Summary string            `json:"summary,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
	Patches []snapshot.Patch  `json:"patches,omitempty"`
}

// ParseAgentOutput extracts an AgentOutput from raw model output.
// Unlike ParsePlan there is no usable fallback: output with neither
// files nor patches fails with ErrNoGeneratedContent.
func ParseAgentOutput(raw string) (*AgentOutput, error) {
	data, ok := extractJSON(raw)
	if !ok {
		return nil, ErrNoGeneratedContent
	}

	out := &AgentOutput{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, ErrNoGeneratedContent
	}
	if len(out.Files) == 0 && len(out.Patches) == 0 {
		return nil, ErrNoGeneratedContent
	}
	return out, nil
}

// =============================================================================
// JSON extraction
// =============================================================================

// extractJSON pulls a JSON object out of model output using three
// strategies in order: the whole payload, a fenced ```json block, and
// the first-to-last-brace substring.
func extractJSON(raw string) ([]byte, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, false
	}

	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return []byte(trimmed), true
	}

	if block, ok := fencedBlock(trimmed); ok && json.Valid(block) {
		return block, true
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		candidate := []byte(trimmed[start : end+1])
		if json.Valid(candidate) {
			return candidate, true
		}
	}
	return nil, false
}

// fencedBlock returns the contents of the first ```json (or bare ```)
// fence in the payload.
func fencedBlock(s string) ([]byte, bool) {
	for _, marker := range []string{"```json", "```"} {
		start := strings.Index(s, marker)
		if start < 0 {
			continue
		}
		rest := s[start+len(marker):]
		end := strings.Index(rest, "```")
		if end < 0 {
			continue
		}
		return []byte(strings.TrimSpace(rest[:end])), true
	}
	return nil, false
}
