package memqueue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/model"
)

const testQueue = "jobs-email"

func testPolicy() model.DispatchPolicy {
	return model.DispatchPolicy{
		Attempts:      3,
		Backoff:       model.BackoffPolicy{Kind: model.BackoffExponential, Base: time.Second},
		KeepCompleted: model.RetentionPolicy{MaxAge: time.Hour, MaxCount: 2},
		KeepFailed:    model.RetentionPolicy{MaxAge: 24 * time.Hour},
	}
}

func newTestEngine() (*Engine, *data.ManualClock) {
	clock := data.NewManualClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	return New(clock), clock
}

func addItem(t *testing.T, e *Engine, id string) {
	t.Helper()
	added, err := e.Add(context.Background(), testQueue, id, model.ItemEnvelope{
		JobID:   "job-" + id,
		Payload: json.RawMessage(`{"to":"a@example.com"}`),
	}, testPolicy())
	require.NoError(t, err)
	require.True(t, added)
}

func TestAdd_DuplicateItemIDIgnored(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "k1")

	added, err := e.Add(ctx, testQueue, "k1", model.ItemEnvelope{JobID: "other"}, testPolicy())
	require.NoError(t, err)
	assert.False(t, added)

	item, err := e.Get(ctx, testQueue, "k1")
	require.NoError(t, err)
	assert.Equal(t, "job-k1", item.Envelope.JobID)
}

func TestAdd_InvalidPolicy(t *testing.T) {
	e, _ := newTestEngine()
	_, err := e.Add(context.Background(), testQueue, "k1", model.ItemEnvelope{}, model.DispatchPolicy{})
	require.Error(t, err)
}

func TestGet_Missing(t *testing.T) {
	e, _ := newTestEngine()
	item, err := e.Get(context.Background(), testQueue, "nope")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestClaim_FIFOAndEmpty(t *testing.T) {
	e, clock := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")
	clock.Advance(time.Millisecond)
	addItem(t, e, "b")

	first, err := e.Claim(ctx, testQueue, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", first.ID)
	assert.Equal(t, model.EngineStateActive, first.State)
	assert.NotEmpty(t, first.ClaimToken)
	require.NotNil(t, first.ClaimExpiresAt)
	assert.Equal(t, clock.Now().Add(30*time.Second), *first.ClaimExpiresAt)

	second, err := e.Claim(ctx, testQueue, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "b", second.ID)

	_, err = e.Claim(ctx, testQueue, 30*time.Second)
	require.ErrorIs(t, err, model.ErrNoItemsAvailable)
}

func TestComplete_StoresResult(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")
	item, err := e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)

	require.NoError(t, e.Complete(ctx, item, json.RawMessage(`{"sent":true}`)))

	got, err := e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.Equal(t, model.EngineStateCompleted, got.State)
	assert.JSONEq(t, `{"sent":true}`, string(got.Result))
	assert.NotNil(t, got.FinishedAt)
	assert.Empty(t, got.ClaimToken)
}

func TestComplete_StaleTokenRejected(t *testing.T) {
	e, clock := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")
	stale, err := e.Claim(ctx, testQueue, time.Second)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	recovered, err := e.RecoverStalled(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, recovered)

	fresh, err := e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, stale.ClaimToken, fresh.ClaimToken)

	require.ErrorIs(t, e.Complete(ctx, stale, nil), model.ErrClaimLost)
	require.ErrorIs(t, e.Fail(ctx, stale, "boom", model.FailureRetry), model.ErrClaimLost)
	require.NoError(t, e.Complete(ctx, fresh, nil))
}

func TestRecoverStalled_LeavesLiveClaims(t *testing.T) {
	e, clock := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")
	_, err := e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	recovered, err := e.RecoverStalled(ctx, testQueue)
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestFail_RetryWithBackoffThenFinal(t *testing.T) {
	e, clock := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")

	item, err := e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, item, "smtp down", model.FailureRetry))

	got, err := e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.Equal(t, model.EngineStateDelayed, got.State)
	assert.Equal(t, 1, got.AttemptsMade)
	assert.Equal(t, "smtp down", got.FailedReason)
	require.NotNil(t, got.RunAt)
	assert.Equal(t, clock.Now().Add(time.Second), *got.RunAt)

	_, err = e.Claim(ctx, testQueue, time.Minute)
	require.ErrorIs(t, err, model.ErrNoItemsAvailable, "delayed item is not claimable before its run time")

	clock.Advance(time.Second)
	item, err = e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, item, "smtp down again", model.FailureRetry))

	got, err = e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(2*time.Second), *got.RunAt, "exponential backoff doubles")

	clock.Advance(2 * time.Second)
	item, err = e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, item, "gave up", model.FailureFinal))

	got, err = e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.Equal(t, model.EngineStateFailed, got.State)
	assert.Equal(t, 3, got.AttemptsMade)
	assert.Equal(t, "gave up", got.FailedReason)
}

func TestRemove_OnlyPending(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")
	addItem(t, e, "b")

	removed, err := e.Remove(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	removed, err = e.Remove(ctx, testQueue, "b")
	require.NoError(t, err)
	assert.False(t, removed, "active items cannot be removed")

	removed, err = e.Remove(ctx, testQueue, "missing")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestCompleted_TrimmedByCount(t *testing.T) {
	e, clock := newTestEngine()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		addItem(t, e, id)
	}
	for range 3 {
		item, err := e.Claim(ctx, testQueue, time.Minute)
		require.NoError(t, err)
		require.NoError(t, e.Complete(ctx, item, nil))
		clock.Advance(time.Second)
	}

	counts, err := e.Counts(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Completed)

	oldest, err := e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.Nil(t, oldest, "oldest completed item is trimmed first")
}

func TestPrune_ByAge(t *testing.T) {
	e, clock := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "ok")
	addItem(t, e, "bad")

	item, err := e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Complete(ctx, item, nil))
	item, err = e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, item, "x", model.FailureFinal))

	clock.Advance(2 * time.Hour)
	res, err := e.Prune(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, model.PruneResult{Completed: 1}, res)

	clock.Advance(24 * time.Hour)
	res, err = e.Prune(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, model.PruneResult{Failed: 1}, res)
}

func TestCounts(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")
	addItem(t, e, "b")
	addItem(t, e, "c")
	item, err := e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)
	require.NoError(t, e.Fail(ctx, item, "x", model.FailureRetry))
	_, err = e.Claim(ctx, testQueue, time.Minute)
	require.NoError(t, err)

	counts, err := e.Counts(ctx, testQueue)
	require.NoError(t, err)
	assert.Equal(t, model.QueueCounts{Queue: testQueue, Waiting: 1, Delayed: 1, Active: 1}, counts)
}

func TestWaitForItems_WakesOnAdd(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- e.WaitForItems(ctx, testQueue) }()

	time.Sleep(20 * time.Millisecond)
	addItem(t, e, "a")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForItems did not wake on add")
	}
}

func TestWaitForItems_ContextCancel(t *testing.T) {
	e, _ := newTestEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.WaitForItems(ctx, testQueue), context.DeadlineExceeded)
}

func TestGet_ReturnsCopy(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()
	addItem(t, e, "a")

	item, err := e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	item.Envelope.Payload[0] = 'X'
	item.State = model.EngineStateFailed

	again, err := e.Get(ctx, testQueue, "a")
	require.NoError(t, err)
	assert.Equal(t, model.EngineStateWaiting, again.State)
	assert.JSONEq(t, `{"to":"a@example.com"}`, string(again.Envelope.Payload))
}
