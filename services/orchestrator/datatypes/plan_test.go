// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlanDirectJSON(t *testing.T) {
	plan := ParsePlan(`{"intent":"code_generation","complexity":"complex","project_name":"todo-app","tech_stack":["html","js"]}`)
	assert.Equal(t, IntentCodeGeneration, plan.Intent)
	assert.Equal(t, ComplexityComplex, plan.Complexity)
	assert.Equal(t, "todo-app", plan.ProjectName)
	assert.True(t, plan.Intent.IsCode())
}

func TestParsePlanFencedBlock(t *testing.T) {
	raw := "Here is the plan you asked for:\n```json\n{\"intent\":\"follow_up\",\"complexity\":\"simple\"}\n```\nLet me know."
	plan := ParsePlan(raw)
	assert.Equal(t, IntentFollowUp, plan.Intent)
	assert.Equal(t, ComplexitySimple, plan.Complexity)
}

func TestParsePlanBraceExtraction(t *testing.T) {
	raw := `Sure! The classification is {"intent":"conversation","response":"Hello there!"} as requested.`
	plan := ParsePlan(raw)
	assert.Equal(t, IntentConversation, plan.Intent)
	assert.Equal(t, "Hello there!", plan.Response)
	assert.False(t, plan.Intent.IsCode())
	// Missing complexity normalizes to moderate.
	assert.Equal(t, ComplexityModerate, plan.Complexity)
}

func TestParsePlanNormalizesUnknownValues(t *testing.T) {
	plan := ParsePlan(`{"intent":"world_domination","complexity":"extreme"}`)
	assert.Equal(t, IntentAmbiguous, plan.Intent)
	assert.Equal(t, ComplexityModerate, plan.Complexity)
	assert.NotEmpty(t, plan.Response)
}

func TestParsePlanGarbageFallsBackToAmbiguous(t *testing.T) {
	for _, raw := range []string{"", "not json at all", "{broken", "```json\nnope\n```"} {
		plan := ParsePlan(raw)
		assert.Equal(t, IntentAmbiguous, plan.Intent, "input %q", raw)
		assert.NotEmpty(t, plan.Response)
	}
}

func TestParseAgentOutputFiles(t *testing.T) {
	out, err := ParseAgentOutput(`{"summary":"built it","files":{"index.html":"<html/>"}}`)
	require.NoError(t, err)
	assert.Equal(t, "<html/>", out.Files["index.html"])
	assert.Equal(t, "built it", out.Summary)
}

func TestParseAgentOutputPatches(t *testing.T) {
	raw := "```json\n{\"patches\":[{\"path\":\"app.js\",\"operation\":\"insert_after\",\"anchor\":\"init();\",\"content\":\"run();\"}]}\n```"
	out, err := ParseAgentOutput(raw)
	require.NoError(t, err)
	require.Len(t, out.Patches, 1)
	assert.Equal(t, "app.js", out.Patches[0].Path)
}

func TestParseAgentOutputEmptyIsError(t *testing.T) {
	for _, raw := range []string{"", "no json here", `{"summary":"nothing else"}`} {
		_, err := ParseAgentOutput(raw)
		require.ErrorIs(t, err, ErrNoGeneratedContent, "input %q", raw)
	}
}

func TestGenerationRequestValidate(t *testing.T) {
	valid := GenerationRequest{
		CorrelationID: "550e8400-e29b-41d4-a716-446655440000",
		UserID:        "alice",
		ProjectID:     "proj-1",
		Prompt:        "build me a todo app",
		Type:          RequestTypeGeneration,
	}
	require.NoError(t, valid.Validate())

	badType := valid
	badType.Type = RequestType("delete_everything")
	require.Error(t, badType.Validate())

	badID := valid
	badID.CorrelationID = "not-a-uuid"
	require.Error(t, badID.Validate())

	noPrompt := valid
	noPrompt.Prompt = ""
	require.Error(t, noPrompt.Validate())
}

func TestStageTerminal(t *testing.T) {
	assert.False(t, StageIntent.Terminal())
	assert.False(t, StageGeneration.Terminal())
	assert.True(t, StageComplete.Terminal())
	assert.True(t, StageFailed.Terminal())
}
