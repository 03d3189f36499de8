// Package memqueue is an in-process core.ExecutionEngine. It mirrors the Redis
// engine's state machine (waiting, delayed, active, completed, failed) under
// one mutex and is used by unit tests and ENGINE_DRIVER=memory deployments.
package memqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-jobs/internal/backoff"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/model"
)

// Engine is an in-memory execution engine. The zero value is not usable; call New.
type Engine struct {
	mu     sync.Mutex
	clock  core.TimeProvider
	queues map[string]*queueState
	seq    uint64
}

type queueState struct {
	items  map[string]*entry
	signal chan struct{}
}

type entry struct {
	item model.EngineItem
	seq  uint64
}

// New creates an empty engine. A nil clock uses real time.
func New(clock core.TimeProvider) *Engine {
	return &Engine{
		clock:  data.ClockOrSystem(clock),
		queues: make(map[string]*queueState),
	}
}

func (e *Engine) queue(name string) *queueState {
	q, ok := e.queues[name]
	if !ok {
		q = &queueState{items: make(map[string]*entry), signal: make(chan struct{})}
		e.queues[name] = q
	}
	return q
}

// notify wakes every WaitForItems caller on q. Callers hold e.mu.
func (q *queueState) notify() {
	close(q.signal)
	q.signal = make(chan struct{})
}

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// Add enqueues a waiting item unless one with itemID already exists.
func (e *Engine) Add(_ context.Context, queue, itemID string, env model.ItemEnvelope, policy model.DispatchPolicy) (bool, error) {
	if err := policy.Validate(); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue(queue)
	if _, exists := q.items[itemID]; exists {
		return false, nil
	}
	e.seq++
	q.items[itemID] = &entry{
		seq: e.seq,
		item: model.EngineItem{
			ID:    itemID,
			Queue: queue,
			State: model.EngineStateWaiting,
			Envelope: model.ItemEnvelope{
				JobID:   env.JobID,
				Payload: bytes.Clone(env.Payload),
			},
			Policy:     policy,
			EnqueuedAt: e.now(),
		},
	}
	q.notify()
	return true, nil
}

// Get returns a copy of the item, or nil when absent.
func (e *Engine) Get(_ context.Context, queue, itemID string) (*model.EngineItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.queue(queue).items[itemID]
	if !ok {
		return nil, nil
	}
	return cloneItem(&ent.item), nil
}

// Remove deletes a waiting or delayed item.
func (e *Engine) Remove(_ context.Context, queue, itemID string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q := e.queue(queue)
	ent, ok := q.items[itemID]
	if !ok {
		return false, nil
	}
	if ent.item.State != model.EngineStateWaiting && ent.item.State != model.EngineStateDelayed {
		return false, nil
	}
	delete(q.items, itemID)
	return true, nil
}

// Claim moves the oldest ready item to active for ttl.
func (e *Engine) Claim(_ context.Context, queue string, ttl time.Duration) (*model.EngineItem, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	q := e.queue(queue)
	e.promoteDue(q, now)

	var next *entry
	for _, ent := range q.items {
		if ent.item.State != model.EngineStateWaiting {
			continue
		}
		if next == nil || ent.seq < next.seq {
			next = ent
		}
	}
	if next == nil {
		return nil, model.ErrNoItemsAvailable
	}

	expires := now.Add(ttl)
	processed := now
	next.item.State = model.EngineStateActive
	next.item.ProcessedAt = &processed
	next.item.ClaimExpiresAt = &expires
	next.item.ClaimToken = uuid.NewString()
	next.item.RunAt = nil
	return cloneItem(&next.item), nil
}

// promoteDue moves delayed items whose run time has passed back to waiting.
func (e *Engine) promoteDue(q *queueState, now time.Time) bool {
	promoted := false
	for _, ent := range q.items {
		if ent.item.State == model.EngineStateDelayed && ent.item.RunAt != nil && !ent.item.RunAt.After(now) {
			ent.item.State = model.EngineStateWaiting
			ent.item.RunAt = nil
			e.seq++
			ent.seq = e.seq
			promoted = true
		}
	}
	return promoted
}

// Complete finishes a claimed item and trims the completed set to its count bound.
func (e *Engine) Complete(_ context.Context, item *model.EngineItem, result json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue(item.Queue)
	ent, err := claimed(q, item)
	if err != nil {
		return err
	}
	now := e.now()
	ent.item.State = model.EngineStateCompleted
	ent.item.Result = bytes.Clone(result)
	ent.item.FinishedAt = &now
	ent.item.ClaimExpiresAt = nil
	ent.item.ClaimToken = ""
	trimByCount(q, model.EngineStateCompleted, ent.item.Policy.KeepCompleted.MaxCount)
	return nil
}

// Fail records a failed attempt. Retry delays the item per its backoff; Final
// moves it to the failed set.
func (e *Engine) Fail(_ context.Context, item *model.EngineItem, reason string, decision model.FailureDecision) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	q := e.queue(item.Queue)
	ent, err := claimed(q, item)
	if err != nil {
		return err
	}
	now := e.now()
	ent.item.AttemptsMade++
	ent.item.FailedReason = reason
	ent.item.ClaimExpiresAt = nil
	ent.item.ClaimToken = ""

	if decision == model.FailureFinal {
		ent.item.State = model.EngineStateFailed
		ent.item.FinishedAt = &now
		trimByCount(q, model.EngineStateFailed, ent.item.Policy.KeepFailed.MaxCount)
		return nil
	}

	delay := backoff.FromPolicy(ent.item.Policy.Backoff).Delay(ent.item.AttemptsMade)
	if delay <= 0 {
		ent.item.State = model.EngineStateWaiting
		e.seq++
		ent.seq = e.seq
		q.notify()
		return nil
	}
	runAt := now.Add(delay)
	ent.item.State = model.EngineStateDelayed
	ent.item.RunAt = &runAt
	return nil
}

func claimed(q *queueState, item *model.EngineItem) (*entry, error) {
	if item == nil {
		return nil, model.ErrClaimLost
	}
	ent, ok := q.items[item.ID]
	if !ok || ent.item.State != model.EngineStateActive || ent.item.ClaimToken != item.ClaimToken {
		return nil, model.ErrClaimLost
	}
	return ent, nil
}

// RecoverStalled returns active items with an expired claim to waiting.
func (e *Engine) RecoverStalled(_ context.Context, queue string) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	q := e.queue(queue)
	var recovered []string
	for id, ent := range q.items {
		if ent.item.State != model.EngineStateActive || ent.item.ClaimExpiresAt == nil {
			continue
		}
		if ent.item.ClaimExpiresAt.After(now) {
			continue
		}
		ent.item.State = model.EngineStateWaiting
		ent.item.ClaimExpiresAt = nil
		ent.item.ClaimToken = ""
		recovered = append(recovered, id)
	}
	if len(recovered) > 0 {
		slices.Sort(recovered)
		q.notify()
	}
	return recovered, nil
}

// Prune drops finished items older than their retention age.
func (e *Engine) Prune(_ context.Context, queue string) (model.PruneResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	q := e.queue(queue)
	var res model.PruneResult
	for id, ent := range q.items {
		var keep model.RetentionPolicy
		switch ent.item.State {
		case model.EngineStateCompleted:
			keep = ent.item.Policy.KeepCompleted
		case model.EngineStateFailed:
			keep = ent.item.Policy.KeepFailed
		default:
			continue
		}
		if keep.MaxAge <= 0 || ent.item.FinishedAt == nil || now.Sub(*ent.item.FinishedAt) < keep.MaxAge {
			continue
		}
		delete(q.items, id)
		if ent.item.State == model.EngineStateCompleted {
			res.Completed++
		} else {
			res.Failed++
		}
	}
	return res, nil
}

// trimByCount keeps at most maxCount items in state, dropping the oldest finished first.
func trimByCount(q *queueState, state model.EngineState, maxCount int) {
	if maxCount <= 0 {
		return
	}
	var finished []*entry
	for _, ent := range q.items {
		if ent.item.State == state {
			finished = append(finished, ent)
		}
	}
	if len(finished) <= maxCount {
		return
	}
	slices.SortFunc(finished, func(a, b *entry) int {
		return a.item.FinishedAt.Compare(*b.item.FinishedAt)
	})
	for _, ent := range finished[:len(finished)-maxCount] {
		delete(q.items, ent.item.ID)
	}
}

// Counts reports the number of items per state.
func (e *Engine) Counts(_ context.Context, queue string) (model.QueueCounts, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	counts := model.QueueCounts{Queue: queue}
	for _, ent := range e.queue(queue).items {
		switch ent.item.State {
		case model.EngineStateWaiting:
			counts.Waiting++
		case model.EngineStateDelayed:
			counts.Delayed++
		case model.EngineStateActive:
			counts.Active++
		case model.EngineStateCompleted:
			counts.Completed++
		case model.EngineStateFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

// WaitForItems blocks until an item is added or requeued, a delayed item
// becomes due, or ctx is done.
func (e *Engine) WaitForItems(ctx context.Context, queue string) error {
	e.mu.Lock()
	now := e.now()
	q := e.queue(queue)
	if e.promoteDue(q, now) {
		q.notify()
		e.mu.Unlock()
		return nil
	}
	signal := q.signal
	var nextRun time.Time
	for _, ent := range q.items {
		if ent.item.State == model.EngineStateDelayed && ent.item.RunAt != nil {
			if nextRun.IsZero() || ent.item.RunAt.Before(nextRun) {
				nextRun = *ent.item.RunAt
			}
		}
	}
	e.mu.Unlock()

	var due <-chan time.Time
	if !nextRun.IsZero() {
		timer := time.NewTimer(max(nextRun.Sub(now), time.Millisecond))
		defer timer.Stop()
		due = timer.C
	}

	select {
	case <-signal:
		return nil
	case <-due:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func cloneItem(src *model.EngineItem) *model.EngineItem {
	dst := *src
	dst.Envelope.Payload = bytes.Clone(src.Envelope.Payload)
	dst.Result = bytes.Clone(src.Result)
	dst.ProcessedAt = cloneTime(src.ProcessedAt)
	dst.FinishedAt = cloneTime(src.FinishedAt)
	dst.ClaimExpiresAt = cloneTime(src.ClaimExpiresAt)
	dst.RunAt = cloneTime(src.RunAt)
	return &dst
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ core.ExecutionEngine = (*Engine)(nil)
