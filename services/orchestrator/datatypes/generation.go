// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the generation request, its stage machine, and the
// progress events the pipeline publishes. For the plan schema produced
// by the intent stage, see plan.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Limits
// =============================================================================

const (
	// MaxPromptBytes is the maximum size of a user prompt. Checked as
	// byte length so oversized multi-byte payloads cannot slip through.
	MaxPromptBytes = 32 * 1024 // 32KB
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

var genValidate *validator.Validate

func init() {
	genValidate = validator.New()
	_ = genValidate.RegisterValidation("maxbytes", validatePromptBytes)
}

func validatePromptBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxPromptBytes
}

// =============================================================================
// Stage machine
// =============================================================================

// Stage is the lifecycle stage of a generation request. Transitions run
// strictly intent → generation → complete; failed is reachable from any
// non-terminal stage.
type Stage string

const (
	StageIntent     Stage = "intent"
	StageGeneration Stage = "generation"
	StageComplete   Stage = "complete"
	StageFailed     Stage = "failed"
)

// Terminal reports whether the stage ends the request.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed
}

// RequestType distinguishes a fresh generation from a modification of
// an existing project. The two carry different credit cost tables.
type RequestType string

const (
	RequestTypeGeneration   RequestType = "generation"
	RequestTypeModification RequestType = "modification"
)

// =============================================================================
// Generation request
// =============================================================================

// GenerationRequest is one unit of pipeline work.
//
// # Description
//
// Created on pipeline entry from the transport payload, mutated only by
// the pipeline, and archived at a terminal stage. All cross-stage data
// travels inside this value; the pipeline itself holds no per-request
// state between calls.
//
// # Fields
//
//   - CorrelationID: Required. UUID v4 identifying the request across
//     the ledger reservation, progress stream, and logs.
//   - UserID: Required. The authenticated caller, charged for the work.
//   - ProjectID: Required. The project receiving the new snapshot.
//   - Prompt: Required. The user's instruction, max 32KB.
//   - Type: generation or modification; picks the cost table.
//   - ParentVersion: the snapshot version the request builds on.
//     0 for a project's first generation.
//   - Stage: current lifecycle stage, see Stage.
type GenerationRequest struct {
	CorrelationID string      `json:"correlation_id" validate:"required,uuid4"`
	UserID        string      `json:"user_id" validate:"required"`
	ProjectID     string      `json:"project_id" validate:"required"`
	Prompt        string      `json:"prompt" validate:"required,maxbytes"`
	Type          RequestType `json:"type" validate:"required,oneof=generation modification"`
	ParentVersion int64       `json:"parent_version" validate:"min=0"`
	Stage         Stage       `json:"stage"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Validate checks the request against its field constraints.
func (r *GenerationRequest) Validate() error {
	return genValidate.Struct(r)
}

// =============================================================================
// Progress events
// =============================================================================

// Progress percentages for each pipeline checkpoint.
const (
	ProgressAdmission   = 10
	ProgressCreditCheck = 25
	ProgressIntent      = 42
	ProgressGeneration  = 70
	ProgressPersistence = 90
	ProgressDone        = 100
)

// ProgressEvent is one update on a request's progress stream. Delivery
// is best-effort and ordered; the terminal event closes the stream.
type ProgressEvent struct {
	CorrelationID   string    `json:"correlation_id"`
	Stage           string    `json:"stage"`
	Percent         int       `json:"percent"`
	Message         string    `json:"message"`
	Terminal        bool      `json:"terminal"`
	SnapshotVersion int64     `json:"snapshot_version,omitempty"`
	Response        string    `json:"response,omitempty"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}
