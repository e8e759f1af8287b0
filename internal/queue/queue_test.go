package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis keeps lists in memory and answers with the go-redis result
// helpers, so the queue logic is exercised without a server.
type fakeRedis struct {
	mu       sync.Mutex
	lists    map[string][][]byte
	failWith error
	closed   bool
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{lists: make(map[string][][]byte)}
}

func (f *fakeRedis) LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	if f.failWith != nil {
		return redis.NewIntResult(0, f.failWith)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, v := range values {
		b, ok := v.([]byte)
		if !ok {
			return redis.NewIntResult(0, fmt.Errorf("unexpected value type %T", v))
		}
		f.lists[key] = append([][]byte{b}, f.lists[key]...)
	}
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	if f.failWith != nil {
		return redis.NewStringSliceResult(nil, f.failWith)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := keys[0]
	list := f.lists[key]
	if len(list) == 0 {
		return redis.NewStringSliceResult(nil, redis.Nil)
	}
	last := list[len(list)-1]
	f.lists[key] = list[:len(list)-1]
	return redis.NewStringSliceResult([]string{key, string(last)}, nil)
}

func (f *fakeRedis) LLen(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	return redis.NewIntResult(int64(len(f.lists[key])), nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestQueueDeliversJobsInSubmissionOrder(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeRedis(), "")

	first := uuid.New()
	second := uuid.New()

	enqueued, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, enqueued.ID)
	assert.Equal(t, first, enqueued.InvoiceID)
	assert.Equal(t, 1, enqueued.Attempt)
	assert.False(t, enqueued.EnqueuedAt.IsZero())

	_, err = q.Enqueue(ctx, second)
	require.NoError(t, err)

	got, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, enqueued.ID, got.ID)
	assert.Equal(t, first, got.InvoiceID)

	got, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, got.InvoiceID)
}

func TestQueueDequeueEmptyReturnsNoJob(t *testing.T) {
	q := New(newFakeRedis(), "")

	job, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueueRequeueBumpsAttempt(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeRedis(), "")

	invoiceID := uuid.New()
	_, err := q.Enqueue(ctx, invoiceID)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)

	require.NoError(t, q.Requeue(ctx, job))
	assert.Equal(t, 1, job.Attempt, "requeue must not mutate the caller's job")

	retried, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, retried)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, invoiceID, retried.InvoiceID)
	assert.Equal(t, 2, retried.Attempt)
}

func TestQueueDepth(t *testing.T) {
	ctx := context.Background()
	q := New(newFakeRedis(), "")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	_, err = q.Enqueue(ctx, uuid.New())
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, uuid.New())
	require.NoError(t, err)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)

	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestQueueEnqueuePropagatesRedisError(t *testing.T) {
	fake := newFakeRedis()
	fake.failWith = errors.New("connection reset")
	q := New(fake, "")

	_, err := q.Enqueue(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue invoice")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestQueueKeySelection(t *testing.T) {
	assert.Equal(t, DefaultKey, New(newFakeRedis(), "").Key())
	assert.Equal(t, "billing:jobs", New(newFakeRedis(), "billing:jobs").Key())
}

func TestQueueCloseReleasesClient(t *testing.T) {
	fake := newFakeRedis()
	q := New(fake, "")

	require.NoError(t, q.Close())
	assert.True(t, fake.closed)
}

func TestConnectRejectsMalformedURL(t *testing.T) {
	_, err := Connect(context.Background(), "http://localhost:6379", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid redis url")
}
