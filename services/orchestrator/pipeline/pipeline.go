// Copyright (C) 2025 Qbit Labs (dev@qbitlabs.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline runs the two-stage generation state machine.
//
// A request moves intent → generation → complete, with failed reachable
// from any non-terminal stage. Admission reserves estimated credit
// before any provider call; the reservation is committed only after the
// snapshot write succeeds, so credit is never spent on work that was
// not durably saved. Every failure path after admission rolls the
// reservation back exactly once before the pipeline reports failed.
//
// The pipeline holds no per-request state between calls: everything a
// stage needs travels inside the GenerationRequest and the local frame
// of Run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/qbitlabs/qbit-backend/pkg/config"
	"github.com/qbitlabs/qbit-backend/pkg/logging"
	"github.com/qbitlabs/qbit-backend/services/keypool"
	"github.com/qbitlabs/qbit-backend/services/ledger"
	"github.com/qbitlabs/qbit-backend/services/llm"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/datatypes"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/memory"
	"github.com/qbitlabs/qbit-backend/services/orchestrator/observability"
	"github.com/qbitlabs/qbit-backend/services/snapshot"
)

// =============================================================================
// Collaborator interfaces
// =============================================================================

// KeyPool is the credential acquisition seam, satisfied by
// *keypool.Pool.
type KeyPool interface {
	Acquire() (*keypool.Credential, error)
	Report(cred *keypool.Credential, outcome keypool.Outcome)
	Provider() string
}

// CreditLedger is the billing seam, satisfied by *ledger.Ledger.
type CreditLedger interface {
	Reserve(ctx context.Context, userID string, amount int64, correlationID string) (*ledger.Reservation, error)
	Adjust(ctx context.Context, res *ledger.Reservation, newAmount int64) error
	Commit(ctx context.Context, res *ledger.Reservation, reason string) error
	Rollback(ctx context.Context, res *ledger.Reservation, reason string) error
}

// SnapshotStore is the persistence seam, satisfied by *snapshot.Store.
type SnapshotStore interface {
	Create(ctx context.Context, projectID string, files map[string]string, parentVersion int64, summary string) (*snapshot.Snapshot, error)
	Get(ctx context.Context, projectID string, version int64) (*snapshot.Snapshot, error)
	Current(ctx context.Context, projectID string) (*snapshot.Snapshot, error)
}

// Publisher is the progress seam, satisfied by *progress.Hub.
type Publisher interface {
	Publish(correlationID string, event datatypes.ProgressEvent)
}

// =============================================================================
// Pipeline
// =============================================================================

// Deps wires the pipeline's collaborators.
type Deps struct {
	PlanPool      KeyPool
	CodegenPool   KeyPool
	PlanClient    llm.ProviderClient
	CodegenClient llm.ProviderClient
	Ledger        CreditLedger
	Snapshots     SnapshotStore
	Cache         memory.ContextCache
	Progress      Publisher
	Logger        *logging.Logger
	Metrics       *observability.PipelineMetrics
	Costs         config.CreditsConfig
	Retry         config.RetryConfig
}

// Pipeline orchestrates generation requests. Stateless and safe for
// concurrent use; each Run call is independent.
type Pipeline struct {
	deps Deps
}

// New builds a pipeline. Retry settings get defaults when unset.
func New(deps Deps) *Pipeline {
	if deps.Retry.MaxAttempts <= 0 {
		deps.Retry.MaxAttempts = 3
	}
	if deps.Retry.InitialInterval <= 0 {
		deps.Retry.InitialInterval = 500 * time.Millisecond
	}
	if deps.Retry.MaxInterval <= 0 {
		deps.Retry.MaxInterval = 5 * time.Second
	}
	if deps.Metrics == nil {
		if observability.DefaultMetrics == nil {
			observability.InitMetrics()
		}
		deps.Metrics = observability.DefaultMetrics
	}
	return &Pipeline{deps: deps}
}

// Result is the terminal outcome of one request.
type Result struct {
	CorrelationID   string           `json:"correlation_id"`
	Stage           datatypes.Stage  `json:"stage"`
	Intent          datatypes.Intent `json:"intent,omitempty"`
	Response        string           `json:"response,omitempty"`
	SnapshotVersion int64            `json:"snapshot_version,omitempty"`
	Cost            int64            `json:"cost"`
}

// Run executes the full state machine for one request.
//
// # Description
//
// Admission reserves the estimated cost; the intent stage classifies
// the prompt into a plan; code intents continue to the generation stage
// and persistence, non-code intents return the plan's direct response
// and roll the reservation back (nothing was generated, nothing is
// charged). The reservation is committed strictly after the snapshot
// write. Terminal progress is always published, with or without a
// subscriber.
//
// # Outputs
//
//   - *Result: terminal outcome, also populated on failure.
//   - error: nil when the request completed; the causing error when it
//     failed. ErrInsufficientBalance surfaces verbatim.
func (p *Pipeline) Run(ctx context.Context, req *datatypes.GenerationRequest) (*Result, error) {
	d := p.deps
	d.Metrics.RequestStarted()
	defer d.Metrics.RequestEnded()

	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}
	log := d.Logger.With(
		"correlation_id", req.CorrelationID,
		"user_id", req.UserID,
		"project_id", req.ProjectID,
	)

	// --- Admission ---------------------------------------------------------
	p.publish(req, "admission", datatypes.ProgressAdmission, "request admitted")

	estimate := p.cost(req.Type, datatypes.ComplexityModerate)
	res, err := d.Ledger.Reserve(ctx, req.UserID, estimate, req.CorrelationID)
	if err != nil {
		// Nothing was reserved; fail without a rollback.
		log.Warn("admission rejected", "error", err.Error())
		req.Stage = datatypes.StageFailed
		p.publishTerminal(req, "", err)
		d.Metrics.RecordRequest(string(req.Type), false)
		return &Result{CorrelationID: req.CorrelationID, Stage: datatypes.StageFailed}, err
	}
	d.Metrics.RecordCredits("reserved", estimate)
	p.publish(req, "admission", datatypes.ProgressCreditCheck, "credit reserved")

	// --- Intent stage ------------------------------------------------------
	req.Stage = datatypes.StageIntent
	stageStart := time.Now()

	pc := p.projectContext(ctx, req)
	planRaw, err := p.callProvider(ctx, d.PlanPool, d.PlanClient,
		buildIntentPrompt(req, pc), llm.GenerationParams{System: intentSystemPrompt, JSONMode: true})
	if err != nil {
		return p.fail(ctx, req, res, log, fmt.Errorf("intent stage: %w", err))
	}
	d.Metrics.RecordStageDuration("intent", time.Since(stageStart).Seconds())

	plan := datatypes.ParsePlan(planRaw)
	log.Info("prompt classified", "intent", string(plan.Intent), "complexity", string(plan.Complexity))

	if !plan.Intent.IsCode() {
		// Direct answer, no code generated: release the hold and
		// complete without charging.
		p.rollbackWithRetry(ctx, res, "non-code intent, nothing charged", log)
		req.Stage = datatypes.StageComplete
		p.publishResponse(req, plan.Response)
		d.Metrics.RecordRequest(string(req.Type), true)
		return &Result{
			CorrelationID: req.CorrelationID,
			Stage:         datatypes.StageComplete,
			Intent:        plan.Intent,
			Response:      plan.Response,
		}, nil
	}

	// The plan's complexity fixes the real charge.
	finalCost := p.cost(req.Type, plan.Complexity)
	if err := d.Ledger.Adjust(ctx, res, finalCost); err != nil {
		return p.fail(ctx, req, res, log, fmt.Errorf("adjusting reservation to final cost: %w", err))
	}
	p.publish(req, "intent", datatypes.ProgressIntent, "plan ready")

	// --- Generation stage --------------------------------------------------
	req.Stage = datatypes.StageGeneration
	stageStart = time.Now()

	base, err := p.baseFiles(ctx, req, plan)
	if err != nil {
		return p.fail(ctx, req, res, log, err)
	}

	genRaw, err := p.callProvider(ctx, d.CodegenPool, d.CodegenClient,
		buildGenerationPrompt(req, plan, base), llm.GenerationParams{System: codegenSystemPrompt, JSONMode: true})
	if err != nil {
		return p.fail(ctx, req, res, log, fmt.Errorf("generation stage: %w", err))
	}
	d.Metrics.RecordStageDuration("generation", time.Since(stageStart).Seconds())

	out, err := datatypes.ParseAgentOutput(genRaw)
	if err != nil {
		// Unusable output is a permanent provider failure.
		return p.fail(ctx, req, res, log, &llm.ProviderError{
			Provider: d.CodegenClient.Name(),
			Kind:     llm.KindPermanent,
			Message:  err.Error(),
			Err:      err,
		})
	}
	p.publish(req, "generation", datatypes.ProgressGeneration, "code generated")

	// --- Persistence -------------------------------------------------------
	stageStart = time.Now()

	files := out.Files
	if len(out.Patches) > 0 {
		patched, applied := snapshot.ApplyPatches(base, out.Patches, d.Logger)
		if applied == 0 && len(files) == 0 {
			return p.fail(ctx, req, res, log, &llm.ProviderError{
				Provider: d.CodegenClient.Name(),
				Kind:     llm.KindPermanent,
				Message:  "no patch could be applied",
			})
		}
		for path, content := range files {
			patched[path] = content
		}
		files = patched
	}

	snap, err := d.Snapshots.Create(ctx, req.ProjectID, files, req.ParentVersion, out.Summary)
	if err != nil {
		return p.fail(ctx, req, res, log, fmt.Errorf("persisting snapshot: %w", err))
	}
	d.Metrics.RecordStageDuration("persistence", time.Since(stageStart).Seconds())
	p.publish(req, "persistence", datatypes.ProgressPersistence, "snapshot saved")

	// --- Commit and completion ---------------------------------------------
	// The snapshot is durable; from here the reservation must settle as
	// committed, retried out-of-band if the first attempt fails.
	p.commitWithRetry(ctx, res, "generation complete", log)
	d.Metrics.RecordCredits("committed", res.Amount)

	p.refreshContext(ctx, req.ProjectID, snap, plan)

	req.Stage = datatypes.StageComplete
	ev := datatypes.ProgressEvent{
		Stage:           string(datatypes.StageComplete),
		Percent:         datatypes.ProgressDone,
		Message:         "generation complete",
		Terminal:        true,
		SnapshotVersion: snap.Version,
	}
	d.Progress.Publish(req.CorrelationID, ev)
	d.Metrics.RecordRequest(string(req.Type), true)
	log.Info("request complete", "snapshot_version", snap.Version, "cost", res.Amount)

	return &Result{
		CorrelationID:   req.CorrelationID,
		Stage:           datatypes.StageComplete,
		Intent:          plan.Intent,
		SnapshotVersion: snap.Version,
		Cost:            res.Amount,
	}, nil
}

// =============================================================================
// Failure path
// =============================================================================

// fail is the single escalation point: every post-admission error path
// returns through it, which is what makes rollback-before-report happen
// exactly once.
func (p *Pipeline) fail(ctx context.Context, req *datatypes.GenerationRequest, res *ledger.Reservation, log *logging.Logger, cause error) (*Result, error) {
	log.Error("request failed", "stage", string(req.Stage), "error", cause.Error())

	p.rollbackWithRetry(ctx, res, "request failed: "+string(req.Stage), log)

	req.Stage = datatypes.StageFailed
	p.publishTerminal(req, "", cause)
	p.deps.Metrics.RecordRequest(string(req.Type), false)
	return &Result{CorrelationID: req.CorrelationID, Stage: datatypes.StageFailed}, cause
}

// rollbackWithRetry rolls the reservation back, retrying out-of-band
// until it succeeds. An un-rolled-back reservation is a billing
// correctness violation, so the retry loop never gives up on storage
// errors; it stops only on success or an invalid-state rejection.
func (p *Pipeline) rollbackWithRetry(ctx context.Context, res *ledger.Reservation, reason string, log *logging.Logger) {
	err := p.deps.Ledger.Rollback(ctx, res, reason)
	if err == nil {
		p.deps.Metrics.RecordCredits("rolled_back", res.Amount)
		return
	}
	if errors.Is(err, ledger.ErrInvalidReservationState) {
		log.Error("rollback rejected, reservation already committed", "error", err.Error())
		return
	}

	log.Error("rollback failed, retrying out-of-band", "error", err.Error())
	p.settleOutOfBand(res.Amount, func() error {
		return p.deps.Ledger.Rollback(context.Background(), res, reason)
	}, "rolled_back", log)
}

// commitWithRetry settles a reservation whose work is already durable.
// A failed commit is retried out-of-band for the same reason a failed
// rollback is: the reservation must reach its terminal state.
func (p *Pipeline) commitWithRetry(ctx context.Context, res *ledger.Reservation, reason string, log *logging.Logger) {
	err := p.deps.Ledger.Commit(ctx, res, reason)
	if err == nil {
		return
	}
	if errors.Is(err, ledger.ErrInvalidReservationState) {
		log.Error("commit rejected, reservation already rolled back", "error", err.Error())
		return
	}

	log.Error("commit failed, retrying out-of-band", "error", err.Error())
	p.settleOutOfBand(res.Amount, func() error {
		return p.deps.Ledger.Commit(context.Background(), res, reason)
	}, "committed", log)
}

// settleOutOfBand retries a terminal ledger transition in a detached
// goroutine with exponential backoff until it succeeds.
func (p *Pipeline) settleOutOfBand(amount int64, settle func() error, direction string, log *logging.Logger) {
	go func() {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = p.deps.Retry.InitialInterval
		bo.MaxInterval = p.deps.Retry.MaxInterval
		bo.MaxElapsedTime = 0 // retry until it succeeds

		err := backoff.Retry(func() error {
			p.deps.Metrics.RollbackRetriesTotal.Inc()
			if err := settle(); err != nil && !errors.Is(err, ledger.ErrInvalidReservationState) {
				return err
			}
			return nil
		}, bo)
		if err == nil {
			p.deps.Metrics.RecordCredits(direction, amount)
			log.Info("reservation settled out-of-band", "direction", direction)
		}
	}()
}

// =============================================================================
// Provider calls
// =============================================================================

// callProvider makes the stage's provider call through the key pool.
//
// Exactly one successful call happens per stage. What gets retried, up
// to the configured attempt bound, is credential acquisition (after
// rate_limited, invalid_credential, or an exhausted pool) and transient
// faults. Permanent failures escalate immediately.
func (p *Pipeline) callProvider(ctx context.Context, pool KeyPool, client llm.ProviderClient, prompt string, params llm.GenerationParams) (string, error) {
	d := p.deps
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.Retry.InitialInterval
	bo.MaxInterval = d.Retry.MaxInterval
	bo.MaxElapsedTime = 0

	var lastErr error
	for attempt := 1; attempt <= d.Retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return "", err
			}
		}

		cred, err := pool.Acquire()
		if err != nil {
			lastErr = err
			d.Metrics.RecordProviderCall(pool.Provider(), "no_healthy_key")
			continue
		}

		out, err := client.Generate(ctx, cred.Secret(), prompt, params)
		if err == nil {
			pool.Report(cred, keypool.OutcomeSuccess)
			d.Metrics.RecordProviderCall(pool.Provider(), "success")
			return out, nil
		}

		kind := llm.KindOf(err)
		d.Metrics.RecordProviderCall(pool.Provider(), string(kind))
		lastErr = err

		switch kind {
		case llm.KindRateLimited:
			pool.Report(cred, keypool.OutcomeRateLimited)
		case llm.KindInvalidCredential:
			pool.Report(cred, keypool.OutcomeInvalid)
		case llm.KindTransient:
			// Not the credential's fault; it stays healthy.
		case llm.KindPermanent:
			return "", err
		}
	}
	return "", fmt.Errorf("provider call failed after %d attempts: %w", d.Retry.MaxAttempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// =============================================================================
// Context and cost helpers
// =============================================================================

func (p *Pipeline) cost(t datatypes.RequestType, c datatypes.Complexity) int64 {
	table := p.deps.Costs.Generation
	if t == datatypes.RequestTypeModification {
		table = p.deps.Costs.Modification
	}
	if cost, ok := table[string(c)]; ok {
		return cost
	}
	return table[string(datatypes.ComplexityModerate)]
}

// projectContext fetches the cached project summary, rebuilding it from
// the current snapshot on a miss. Requests for a project's first
// generation have no context.
func (p *Pipeline) projectContext(ctx context.Context, req *datatypes.GenerationRequest) *memory.ProjectContext {
	if req.ParentVersion == 0 {
		return nil
	}

	pc, hit, err := p.deps.Cache.Get(ctx, req.ProjectID)
	if err == nil && hit {
		return pc
	}

	snap, err := p.deps.Snapshots.Current(ctx, req.ProjectID)
	if err != nil {
		return nil
	}
	pc = contextFromSnapshot(snap, nil)
	_ = p.deps.Cache.Set(ctx, req.ProjectID, pc)
	return pc
}

// baseFiles loads the parent snapshot's files for follow-up work.
func (p *Pipeline) baseFiles(ctx context.Context, req *datatypes.GenerationRequest, plan *datatypes.Plan) (map[string]string, error) {
	if req.ParentVersion == 0 || (plan.Intent != datatypes.IntentFollowUp && req.Type != datatypes.RequestTypeModification) {
		return nil, nil
	}
	snap, err := p.deps.Snapshots.Get(ctx, req.ProjectID, req.ParentVersion)
	if err != nil {
		return nil, fmt.Errorf("loading parent snapshot: %w", err)
	}
	return snap.Files, nil
}

// refreshContext replaces the cached context after a successful
// generation.
func (p *Pipeline) refreshContext(ctx context.Context, projectID string, snap *snapshot.Snapshot, plan *datatypes.Plan) {
	_ = p.deps.Cache.Invalidate(ctx, projectID)
	_ = p.deps.Cache.Set(ctx, projectID, contextFromSnapshot(snap, plan))
}

func contextFromSnapshot(snap *snapshot.Snapshot, plan *datatypes.Plan) *memory.ProjectContext {
	files := make([]string, 0, len(snap.Files))
	for path := range snap.Files {
		files = append(files, path)
	}
	sort.Strings(files)

	pc := &memory.ProjectContext{
		ProjectID: snap.ProjectID,
		Version:   snap.Version,
		FileList:  files,
		Summary:   snap.Summary,
		CachedAt:  time.Now().UTC(),
	}
	if plan != nil {
		pc.TechStack = plan.TechStack
	}
	return pc
}

// =============================================================================
// Progress helpers
// =============================================================================

func (p *Pipeline) publish(req *datatypes.GenerationRequest, stage string, percent int, msg string) {
	p.deps.Progress.Publish(req.CorrelationID, datatypes.ProgressEvent{
		Stage:   stage,
		Percent: percent,
		Message: msg,
	})
}

func (p *Pipeline) publishResponse(req *datatypes.GenerationRequest, response string) {
	p.deps.Progress.Publish(req.CorrelationID, datatypes.ProgressEvent{
		Stage:    string(datatypes.StageComplete),
		Percent:  datatypes.ProgressDone,
		Message:  "request complete",
		Terminal: true,
		Response: response,
	})
}

func (p *Pipeline) publishTerminal(req *datatypes.GenerationRequest, msg string, cause error) {
	ev := datatypes.ProgressEvent{
		Stage:    string(req.Stage),
		Percent:  datatypes.ProgressDone,
		Message:  msg,
		Terminal: true,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	p.deps.Progress.Publish(req.CorrelationID, ev)
}
