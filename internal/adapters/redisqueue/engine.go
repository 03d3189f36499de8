// Package redisqueue implements core.ExecutionEngine on Redis. State moves are
// Lua scripts so each transition is atomic across the item hash and the
// per-state sorted sets.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobs/internal/backoff"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/model"
)

// defaultWaitTimeout bounds a single blocking wait when ctx has no deadline.
const defaultWaitTimeout = 5 * time.Second

// Options configures an Engine.
type Options struct {
	// KeyPrefix namespaces all keys. Defaults to DefaultKeyPrefix.
	KeyPrefix    string
	TimeProvider core.TimeProvider
	Logger       *slog.Logger
}

// Engine is a Redis-backed execution engine.
type Engine struct {
	client redis.UniversalClient
	prefix string
	clock  core.TimeProvider
	logger *slog.Logger
}

// New creates an engine on client.
func New(client redis.UniversalClient, opts Options) *Engine {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	e := &Engine{
		client: client,
		prefix: prefix,
		clock:  data.ClockOrSystem(opts.TimeProvider),
	}
	if opts.Logger != nil {
		e.logger = opts.Logger.With("component", "redis_engine")
	}
	return e
}

func (e *Engine) keys(queue string) queueKeys { return newQueueKeys(e.prefix, queue) }

func (e *Engine) nowMs() int64 { return e.clock.Now().UnixMilli() }

// Add enqueues a waiting item. An existing item with the same id is left as is.
func (e *Engine) Add(ctx context.Context, queue, itemID string, env model.ItemEnvelope, policy model.DispatchPolicy) (bool, error) {
	if err := policy.Validate(); err != nil {
		return false, err
	}
	envStr, err := encodeEnvelope(env)
	if err != nil {
		return false, err
	}
	policyStr, err := encodePolicy(policy)
	if err != nil {
		return false, err
	}
	k := e.keys(queue)
	added, err := addScript.Run(ctx, e.client,
		[]string{k.waiting, k.seq, k.signal},
		k.itemPrefix, itemID, queue, envStr, policyStr, e.nowMs(), signalBacklog,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis add %s/%s: %w", queue, itemID, err)
	}
	return added == 1, nil
}

// Get reads an item, returning nil when it does not exist.
func (e *Engine) Get(ctx context.Context, queue, itemID string) (*model.EngineItem, error) {
	fields, err := e.client.HGetAll(ctx, e.keys(queue).item(itemID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get %s/%s: %w", queue, itemID, err)
	}
	return decodeItem(fields)
}

// Remove deletes a waiting or delayed item.
func (e *Engine) Remove(ctx context.Context, queue, itemID string) (bool, error) {
	k := e.keys(queue)
	removed, err := removeScript.Run(ctx, e.client,
		[]string{k.waiting, k.delayed},
		k.itemPrefix, itemID,
	).Int()
	if err != nil {
		return false, fmt.Errorf("redis remove %s/%s: %w", queue, itemID, err)
	}
	return removed == 1, nil
}

// Claim promotes due delayed items and moves the oldest waiting item to active.
func (e *Engine) Claim(ctx context.Context, queue string, ttl time.Duration) (*model.EngineItem, error) {
	k := e.keys(queue)
	reply, err := claimScript.Run(ctx, e.client,
		[]string{k.waiting, k.delayed, k.active, k.seq},
		k.itemPrefix, e.nowMs(), max(ttl.Milliseconds(), 1), uuid.NewString(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, model.ErrNoItemsAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("redis claim %s: %w", queue, err)
	}
	item, err := decodeItem(fieldsFromReply(reply))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, model.ErrNoItemsAvailable
	}
	return item, nil
}

// Complete finishes a claimed item.
func (e *Engine) Complete(ctx context.Context, item *model.EngineItem, result json.RawMessage) error {
	if item == nil {
		return model.ErrClaimLost
	}
	k := e.keys(item.Queue)
	keep := item.Policy.KeepCompleted
	ok, err := completeScript.Run(ctx, e.client,
		[]string{k.active, k.completed, k.expiry},
		k.itemPrefix, item.ID, item.ClaimToken, e.nowMs(), string(result),
		keep.MaxAge.Milliseconds(), keep.MaxCount,
	).Int()
	if err != nil {
		return fmt.Errorf("redis complete %s/%s: %w", item.Queue, item.ID, err)
	}
	if ok == 0 {
		return model.ErrClaimLost
	}
	return nil
}

// Fail records a failed attempt and retries or finalizes the item.
func (e *Engine) Fail(ctx context.Context, item *model.EngineItem, reason string, decision model.FailureDecision) error {
	if item == nil {
		return model.ErrClaimLost
	}
	final := 0
	var delay time.Duration
	if decision == model.FailureFinal {
		final = 1
	} else {
		delay = backoff.FromPolicy(item.Policy.Backoff).Delay(item.AttemptsMade + 1)
	}
	k := e.keys(item.Queue)
	keep := item.Policy.KeepFailed
	ok, err := failScript.Run(ctx, e.client,
		[]string{k.active, k.delayed, k.waiting, k.failed, k.expiry, k.seq, k.signal},
		k.itemPrefix, item.ID, item.ClaimToken, e.nowMs(), reason, final,
		delay.Milliseconds(), keep.MaxAge.Milliseconds(), keep.MaxCount, signalBacklog,
	).Int()
	if err != nil {
		return fmt.Errorf("redis fail %s/%s: %w", item.Queue, item.ID, err)
	}
	if ok == 0 {
		return model.ErrClaimLost
	}
	return nil
}

// RecoverStalled returns expired active items to waiting.
func (e *Engine) RecoverStalled(ctx context.Context, queue string) ([]string, error) {
	k := e.keys(queue)
	ids, err := recoverScript.Run(ctx, e.client,
		[]string{k.active, k.waiting, k.seq, k.signal},
		k.itemPrefix, e.nowMs(), signalBacklog,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("redis recover stalled %s: %w", queue, err)
	}
	if len(ids) > 0 && e.logger != nil {
		e.logger.WarnContext(ctx, "recovered stalled items", "queue", queue, "count", len(ids))
	}
	return ids, nil
}

// Prune deletes finished items whose retention deadline has passed.
func (e *Engine) Prune(ctx context.Context, queue string) (model.PruneResult, error) {
	k := e.keys(queue)
	counts, err := pruneScript.Run(ctx, e.client,
		[]string{k.completed, k.failed, k.expiry},
		k.itemPrefix, e.nowMs(),
	).Int64Slice()
	if err != nil {
		return model.PruneResult{}, fmt.Errorf("redis prune %s: %w", queue, err)
	}
	if len(counts) != 2 {
		return model.PruneResult{}, fmt.Errorf("redis prune %s: unexpected reply %v", queue, counts)
	}
	return model.PruneResult{Completed: counts[0], Failed: counts[1]}, nil
}

// Counts reports the size of every state set.
func (e *Engine) Counts(ctx context.Context, queue string) (model.QueueCounts, error) {
	k := e.keys(queue)
	pipe := e.client.Pipeline()
	waiting := pipe.ZCard(ctx, k.waiting)
	delayed := pipe.ZCard(ctx, k.delayed)
	active := pipe.ZCard(ctx, k.active)
	completed := pipe.ZCard(ctx, k.completed)
	failed := pipe.ZCard(ctx, k.failed)
	if _, err := pipe.Exec(ctx); err != nil {
		return model.QueueCounts{}, fmt.Errorf("redis counts %s: %w", queue, err)
	}
	return model.QueueCounts{
		Queue:     queue,
		Waiting:   waiting.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// WaitForItems blocks on the queue's signal list. A timeout with nothing
// signalled is reported as context.DeadlineExceeded.
func (e *Engine) WaitForItems(ctx context.Context, queue string) error {
	timeout := defaultWaitTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}
	err := e.client.BLPop(ctx, timeout, e.keys(queue).signal).Err()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return context.DeadlineExceeded
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("redis wait %s: %w", queue, err)
	}
}

var _ core.ExecutionEngine = (*Engine)(nil)
