package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	domainjob "github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
	obserrors "github.com/target/mmk-jobs/internal/observability/errors"
	"github.com/target/mmk-jobs/internal/observability/metrics"
	"github.com/target/mmk-jobs/internal/observability/notify"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

const idempotencyKeyField = "idempotency_key"

// FailureNotifier receives records that reached FAILED.
type FailureNotifier interface {
	NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload)
}

// JobOrchestratorOptions groups dependencies for JobOrchestrator.
type JobOrchestratorOptions struct {
	Repo       core.JobRepository // Required: durable record store
	Dispatcher *QueueDispatcher   // Required: queue routing over the execution engine
	Logger     *slog.Logger       // Optional: structured logger
	Metrics    statsd.Sink        // Optional: metrics sink (StatsD-compatible)
	Notifier   FailureNotifier    // Optional: alerting on permanent failures
}

// JobOrchestrator is the entry point for job operations. It owns the record
// lifecycle: creation with idempotency, reads reconciled against the engine,
// cancellation, and the handlers the worker pool calls as attempts start,
// succeed, fail or stall.
type JobOrchestrator struct {
	repo       core.JobRepository
	dispatcher *QueueDispatcher
	logger     *slog.Logger
	metrics    statsd.Sink
	notifier   FailureNotifier

	creates singleflight.Group
	reads   singleflight.Group
}

// NewJobOrchestrator constructs a new JobOrchestrator.
func NewJobOrchestrator(opts JobOrchestratorOptions) (*JobOrchestrator, error) {
	if opts.Repo == nil {
		return nil, errors.New("JobRepository is required")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("QueueDispatcher is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "job_orchestrator")
	}

	return &JobOrchestrator{
		repo:       opts.Repo,
		dispatcher: opts.Dispatcher,
		logger:     logger,
		metrics:    opts.Metrics,
		notifier:   opts.Notifier,
	}, nil
}

// MustNewJobOrchestrator constructs a new JobOrchestrator and panics on error.
// Use this when you're certain the options are valid (e.g., in main.go).
func MustNewJobOrchestrator(opts JobOrchestratorOptions) *JobOrchestrator {
	o, err := NewJobOrchestrator(opts)
	if err != nil {
		//nolint:forbidigo // Must constructor fails fast when dependencies are invalid during startup
		panic(fmt.Sprintf("failed to create JobOrchestrator: %v", err))
	}
	return o
}

// CreateJob validates req, persists a PENDING record and dispatches it. When
// the idempotency key already names a record, that record is returned as is
// and nothing is dispatched.
func (o *JobOrchestrator) CreateJob(ctx context.Context, req *model.CreateJobRequest) (*model.JobView, error) {
	normalized, err := normalizeCreate(req, o.dispatcher.DefaultPolicy().Attempts)
	if err != nil {
		return nil, err
	}
	if _, err := o.dispatcher.ResolvePolicy(pinAttempts(normalized.MaxAttempts, normalized.Dispatch)); err != nil {
		return nil, err
	}

	if normalized.IdempotencyKey == nil {
		job, createErr := o.createAndDispatch(ctx, normalized)
		if createErr != nil {
			return nil, createErr
		}
		return job.View(), nil
	}

	job, err := shareCall(ctx, &o.creates, *normalized.IdempotencyKey, func(sctx context.Context) (*model.Job, error) {
		return o.createIdempotent(sctx, normalized)
	})
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// normalizeCreate copies req and fills defaults. An unset MaxAttempts takes
// the queue's configured attempt budget.
func normalizeCreate(req *model.CreateJobRequest, defaultAttempts int) (*model.CreateJobRequest, error) {
	if req == nil {
		return nil, apperrors.Validation("create job request is required")
	}
	normalized := *req
	if normalized.MaxAttempts == 0 && defaultAttempts > 0 {
		normalized.MaxAttempts = defaultAttempts
	}
	normalized.Normalize()

	switch {
	case !normalized.Type.Valid():
		return nil, apperrors.ValidationField("type", fmt.Sprintf("invalid job type %q", req.Type))
	case req.MaxAttempts < 0:
		return nil, apperrors.ValidationField("max_attempts", "max attempts must be >= 1")
	case !json.Valid(normalized.Payload):
		return nil, apperrors.ValidationField("payload", "payload must be valid JSON")
	case normalized.IdempotencyKey != nil && *normalized.IdempotencyKey == "":
		return nil, apperrors.ValidationField(idempotencyKeyField, "idempotency key must not be blank")
	}
	if err := normalized.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid create job request")
	}
	return &normalized, nil
}

func (o *JobOrchestrator) createIdempotent(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	key := *req.IdempotencyKey

	existing, err := o.repo.GetByIdempotencyKey(ctx, key)
	switch {
	case err == nil:
		o.emitLifecycle(existing.Type, metrics.TransitionDeduped, metrics.ResultNoop, 0, nil)
		return existing, nil
	case !isRecordNotFound(err):
		return nil, fmt.Errorf("lookup idempotency key: %w", err)
	}

	job, err := o.createAndDispatch(ctx, req)
	if err == nil {
		return job, nil
	}
	if !apperrors.IsUniqueViolationOn(err, idempotencyKeyField) {
		return nil, err
	}

	// Another process inserted the key between the lookup and the insert.
	winner, getErr := o.repo.GetByIdempotencyKey(ctx, key)
	if getErr != nil {
		return nil, fmt.Errorf("load job for idempotency key after conflict: %w", getErr)
	}
	o.emitLifecycle(winner.Type, metrics.TransitionDeduped, metrics.ResultNoop, 0, nil)
	return winner, nil
}

func (o *JobOrchestrator) createAndDispatch(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	job, err := o.repo.Create(ctx, req)
	if err != nil {
		if apperrors.IsUniqueViolationOn(err, idempotencyKeyField) {
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}

	if err := o.dispatch(ctx, job, req.Dispatch); err != nil {
		o.emitLifecycle(job.Type, metrics.TransitionCreated, metrics.ResultError, 0, err)
		if o.logger != nil {
			o.logger.ErrorContext(ctx, "job recorded but not dispatched",
				"id", job.ID,
				"type", job.Type,
				"error", err,
			)
		}
		return nil, err
	}

	o.emitLifecycle(job.Type, metrics.TransitionCreated, metrics.ResultSuccess, 0, nil)
	if o.logger != nil {
		o.logger.DebugContext(ctx, "job created",
			"id", job.ID,
			"type", job.Type,
			"item_id", job.ItemID(),
			"max_attempts", job.MaxAttempts,
		)
	}
	return job, nil
}

// dispatch enqueues the engine item for job.
func (o *JobOrchestrator) dispatch(ctx context.Context, job *model.Job, overrides *model.DispatchOverrides) error {
	_, err := o.dispatcher.Enqueue(ctx, job.Type, job.ItemID(), model.ItemEnvelope{
		JobID:   job.ID,
		Payload: job.Payload,
	}, pinAttempts(job.MaxAttempts, overrides))
	if err != nil {
		return fmt.Errorf("dispatch job %s: %w", job.ID, err)
	}
	return nil
}

// GetJobByID returns the record reconciled against its engine item. A record
// owned by someone other than ownerID is reported as not found.
func (o *JobOrchestrator) GetJobByID(ctx context.Context, id string, ownerID *string) (*model.JobView, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}

	job, err := shareCall(ctx, &o.reads, readKey(id, ownerID), func(sctx context.Context) (*model.Job, error) {
		return o.loadReconciled(sctx, id, ownerID)
	})
	if err != nil {
		return nil, err
	}
	return job.View(), nil
}

// readKey scopes shared reads by owner so a foreign caller never joins, or
// triggers, a reconciliation it is not allowed to see.
func readKey(id string, ownerID *string) string {
	if ownerID == nil {
		return id + "\x00*"
	}
	return id + "\x00" + *ownerID
}

func (o *JobOrchestrator) loadReconciled(ctx context.Context, id string, ownerID *string) (*model.Job, error) {
	job, err := o.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if !job.OwnedBy(ownerID) {
		return nil, apperrors.NotFoundf("job %s not found", id)
	}
	if domainjob.IsTerminal(job.Status) {
		return job, nil
	}

	item, err := o.dispatcher.Lookup(ctx, job.Type, job.ItemID())
	if err != nil {
		if !apperrors.IsNotFound(err) && o.logger != nil {
			o.logger.WarnContext(ctx, "engine lookup failed, returning stored record",
				"id", job.ID,
				"error", err,
			)
		}
		return job, nil
	}
	if item.Envelope.JobID != "" && item.Envelope.JobID != job.ID {
		return job, nil
	}

	upd, ok := domainjob.Reconcile(job, item)
	if !ok {
		return job, nil
	}

	synced, applied, err := o.repo.SyncState(ctx, job.ID, upd)
	if err != nil {
		if o.logger != nil {
			o.logger.WarnContext(ctx, "reconcile write failed, returning stored record",
				"id", job.ID,
				"target_status", upd.Status,
				"error", err,
			)
		}
		return job, nil
	}
	if applied {
		o.emitLifecycle(job.Type, metrics.TransitionSynced, metrics.ResultSuccess, 0, nil)
		if o.logger != nil {
			o.logger.DebugContext(ctx, "job reconciled from engine",
				"id", job.ID,
				"from", job.Status,
				"to", synced.Status,
				"engine_state", item.State,
			)
		}
	}
	return synced, nil
}

// GetJobsByOwner returns one page of records matching opts, newest first.
// Records are returned as stored, without engine reconciliation.
func (o *JobOrchestrator) GetJobsByOwner(ctx context.Context, opts model.JobListOptions) (*model.JobPage, error) {
	if opts.Status != nil && !opts.Status.Valid() {
		return nil, apperrors.ValidationField("status", fmt.Sprintf("invalid status %q", *opts.Status))
	}
	if opts.Type != nil && !opts.Type.Valid() {
		return nil, apperrors.ValidationField("type", fmt.Sprintf("invalid job type %q", *opts.Type))
	}
	opts.Normalize()

	jobs, total, err := o.repo.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	page := &model.JobPage{Items: make([]*model.JobView, 0, len(jobs)), Total: total}
	for _, j := range jobs {
		page.Items = append(page.Items, j.View())
	}
	return page, nil
}

// CancelJob cancels a record that has not reached a terminal status. It
// returns false when the record is already terminal. A processor that is
// already running is not interrupted; its outcome is discarded by the
// terminal guard.
func (o *JobOrchestrator) CancelJob(ctx context.Context, id string, ownerID *string) (bool, error) {
	job, err := o.getRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if !job.OwnedBy(ownerID) {
		return false, apperrors.NotFoundf("job %s not found", id)
	}
	if !domainjob.CanCancel(job.Status) {
		return false, nil
	}

	// Record first. Workers skip an item whose record is terminal.
	cancelled, err := o.repo.Cancel(ctx, job.ID)
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", job.ID, err)
	}
	if !cancelled {
		return false, nil
	}

	o.emitLifecycle(job.Type, metrics.TransitionCancelled, metrics.ResultSuccess, 0, nil)
	if o.logger != nil {
		o.logger.InfoContext(ctx, "job cancelled", "id", job.ID, "previous_status", job.Status)
	}
	if _, err := o.dispatcher.Remove(ctx, job.Type, job.ItemID()); err != nil && o.logger != nil {
		o.logger.WarnContext(ctx, "cancelled job left its engine item behind",
			"id", job.ID,
			"item_id", job.ItemID(),
			"error", err,
		)
	}
	return true, nil
}

// Requeue dispatches a non-terminal record whose engine item is missing, such
// as one whose first enqueue failed. It returns false when the item exists.
func (o *JobOrchestrator) Requeue(ctx context.Context, id string) (bool, error) {
	job, err := o.getRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if domainjob.IsTerminal(job.Status) {
		return false, apperrors.InvalidStatef("job %s is %s", job.ID, job.Status)
	}

	_, err = o.dispatcher.Lookup(ctx, job.Type, job.ItemID())
	switch {
	case err == nil:
		return false, nil
	case !apperrors.IsNotFound(err):
		return false, err
	}

	if err := o.dispatch(ctx, job, nil); err != nil {
		return false, err
	}
	if o.logger != nil {
		o.logger.InfoContext(ctx, "job requeued", "id", job.ID, "item_id", job.ItemID())
	}
	return true, nil
}

// InspectItem returns the engine item backing a record.
func (o *JobOrchestrator) InspectItem(ctx context.Context, id string) (*model.EngineItem, error) {
	job, err := o.getRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.dispatcher.Lookup(ctx, job.Type, job.ItemID())
}

// OnStarted marks the record PROCESSING. It returns false when the record is
// terminal or gone, in which case the attempt must not run.
func (o *JobOrchestrator) OnStarted(ctx context.Context, item *model.EngineItem) (bool, error) {
	_, applied, err := o.repo.MarkProcessing(ctx, item.Envelope.JobID)
	if err != nil {
		if isRecordNotFound(err) {
			o.logSkip(ctx, item, "job record missing")
			return false, nil
		}
		return false, fmt.Errorf("mark job %s processing: %w", item.Envelope.JobID, err)
	}
	if !applied {
		o.logSkip(ctx, item, "job record is terminal")
		return false, nil
	}
	return true, nil
}

// OnCompleted records a successful attempt.
func (o *JobOrchestrator) OnCompleted(ctx context.Context, item *model.EngineItem, result json.RawMessage) error {
	job, applied, err := o.repo.Complete(ctx, item.Envelope.JobID, result)
	if err != nil {
		if isRecordNotFound(err) {
			o.logSkip(ctx, item, "job record missing")
			return nil
		}
		return fmt.Errorf("complete job %s: %w", item.Envelope.JobID, err)
	}
	if !applied {
		o.logSkip(ctx, item, "result discarded for terminal record")
		return nil
	}
	if o.logger != nil {
		o.logger.DebugContext(ctx, "job completed", "id", job.ID, "attempts", job.Attempts)
	}
	return nil
}

// OnFailed records a failed attempt and decides whether the engine retries.
// The record's attempt counter is the only input to that decision; when the
// store cannot be reached the engine's own counter stands in for it.
func (o *JobOrchestrator) OnFailed(ctx context.Context, item *model.EngineItem, cause error) (model.FailureDecision, error) {
	reason := domainjob.UnknownFailureReason
	if cause != nil {
		reason = domainjob.ReasonOrUnknown(cause.Error())
	}

	outcome, err := o.repo.RecordFailure(ctx, item.Envelope.JobID, reason)
	if err != nil {
		if isRecordNotFound(err) {
			o.logSkip(ctx, item, "job record missing")
			return model.FailureFinal, nil
		}
		return fallbackDecision(item), fmt.Errorf("record failure for job %s: %w", item.Envelope.JobID, err)
	}
	if !outcome.Applied {
		o.logSkip(ctx, item, "failure discarded for terminal record")
		return model.FailureFinal, nil
	}

	job := outcome.Job
	if outcome.Final {
		if o.logger != nil {
			o.logger.WarnContext(ctx, "job failed permanently",
				"id", job.ID,
				"attempts", job.Attempts,
				"max_attempts", job.MaxAttempts,
				"error", reason,
			)
		}
		o.notifyFailure(ctx, item, job, reason, cause)
		return model.FailureFinal, nil
	}

	if o.logger != nil {
		o.logger.InfoContext(ctx, "job attempt failed, retrying",
			"id", job.ID,
			"attempts", job.Attempts,
			"max_attempts", job.MaxAttempts,
			"error", reason,
		)
	}
	return model.FailureRetry, nil
}

func (o *JobOrchestrator) notifyFailure(ctx context.Context, item *model.EngineItem, job *model.Job, reason string, cause error) {
	if o.notifier == nil {
		return
	}

	occurredAt := time.Now().UTC()
	if job.FailedAt != nil {
		occurredAt = *job.FailedAt
	}
	var owner string
	if job.OwnerID != nil {
		owner = *job.OwnerID
	}

	o.notifier.NotifyJobFailure(ctx, notify.JobFailurePayload{
		JobID:       job.ID,
		JobType:     string(job.Type),
		OwnerID:     owner,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Error:       reason,
		ErrorClass:  obserrors.Classify(cause),
		OccurredAt:  occurredAt,
		Metadata:    map[string]string{"queue": item.Queue, "item_id": item.ID},
	})
}

// OnStalled reports an item whose claim expired and was returned to waiting.
func (o *JobOrchestrator) OnStalled(ctx context.Context, queue, itemID string) {
	if o.metrics != nil {
		o.metrics.Count("job.stalled", 1, map[string]string{"queue": queue})
	}
	if o.logger != nil {
		o.logger.WarnContext(ctx, "stalled item returned to queue", "queue", queue, "item_id", itemID)
	}
}

func (o *JobOrchestrator) getRecord(ctx context.Context, id string) (*model.Job, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, apperrors.ValidationField("id", "job id is required")
	}
	job, err := o.repo.GetByID(ctx, id)
	if err != nil {
		if isRecordNotFound(err) {
			return nil, apperrors.NotFoundf("job %s not found", id)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return job, nil
}

func (o *JobOrchestrator) logSkip(ctx context.Context, item *model.EngineItem, reason string) {
	if o.logger == nil {
		return
	}
	o.logger.InfoContext(ctx, "lifecycle update skipped",
		"reason", reason,
		"job_id", item.Envelope.JobID,
		"queue", item.Queue,
		"item_id", item.ID,
	)
}

func (o *JobOrchestrator) emitLifecycle(jobType model.JobType, transition, result string, d time.Duration, err error) {
	metrics.EmitJobLifecycle(o.metrics, metrics.JobMetric{
		JobType:    string(jobType),
		Transition: transition,
		Result:     result,
		Duration:   d,
		Err:        err,
	})
}

// sharedCallTimeout bounds work shared by concurrent callers once it is
// detached from the caller that started it.
const sharedCallTimeout = 30 * time.Second

// shareCall runs fn once per key across concurrent callers. fn runs detached
// from the first caller's cancellation; each caller stops waiting when its own
// ctx ends.
func shareCall[T any](ctx context.Context, g *singleflight.Group, key string, fn func(context.Context) (T, error)) (T, error) {
	ch := g.DoChan(key, func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedCallTimeout)
		defer cancel()
		return fn(sctx)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// pinAttempts returns overrides with the engine's attempt budget set to the
// record's, so both counters move in lockstep.
func pinAttempts(maxAttempts int, overrides *model.DispatchOverrides) *model.DispatchOverrides {
	var merged model.DispatchOverrides
	if overrides != nil {
		merged = *overrides
	}
	merged.Attempts = &maxAttempts
	return &merged
}

// fallbackDecision finalizes once the engine has used the item's attempt budget.
func fallbackDecision(item *model.EngineItem) model.FailureDecision {
	if item.AttemptsMade+1 >= item.Policy.Attempts {
		return model.FailureFinal
	}
	return model.FailureRetry
}

func isRecordNotFound(err error) bool {
	return errors.Is(err, data.ErrJobNotFound) || apperrors.IsNotFound(err)
}
