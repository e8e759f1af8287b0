// Package queue is the Redis-backed job queue that hands uploaded
// invoices from the API to the background processing worker. Jobs are
// JSON documents on a Redis list: the API pushes on the left, workers
// block-pop on the right, so invoices are processed in submission order.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var logger = log.New(log.Writer(), "[QUEUE] ", log.LstdFlags)

// DefaultKey is the Redis list jobs are stored on when the
// configuration does not name one.
const DefaultKey = "clearbill:invoice_jobs"

// Job is one unit of pipeline work: process the stored file for a
// single invoice.
type Job struct {
	ID         uuid.UUID `json:"id"`
	InvoiceID  uuid.UUID `json:"invoice_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// RedisClient is the slice of go-redis the queue uses. *redis.Client
// satisfies it; tests substitute an in-memory fake.
type RedisClient interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Close() error
}

// Queue pushes and pops invoice processing jobs on a single Redis list.
type Queue struct {
	rdb RedisClient
	key string
}

// New wraps an existing client. Key falls back to DefaultKey.
func New(rdb RedisClient, key string) *Queue {
	if key == "" {
		key = DefaultKey
	}
	return &Queue{rdb: rdb, key: key}
}

// Connect dials Redis at the given URL and verifies the connection
// before returning. The URL follows the redis:// scheme, e.g.
// redis://localhost:6379/0.
func Connect(ctx context.Context, redisURL, key string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 3 * time.Second
	opts.WriteTimeout = 2 * time.Second
	// Read timeout must outlast a blocking pop, go-redis adds the pop
	// timeout on top of this per command.
	opts.ReadTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Printf("Connected to Redis, queue key %q", keyOrDefault(key))
	return New(rdb, key), nil
}

// Key returns the Redis list this queue operates on.
func (q *Queue) Key() string {
	return q.key
}

// Enqueue pushes a processing job for the invoice and returns it.
func (q *Queue) Enqueue(ctx context.Context, invoiceID uuid.UUID) (*Job, error) {
	job := &Job{
		ID:         uuid.New(),
		InvoiceID:  invoiceID,
		EnqueuedAt: time.Now().UTC(),
		Attempt:    1,
	}
	if err := q.push(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue invoice %s: %w", invoiceID, err)
	}
	logger.Printf("Enqueued invoice %s as job %s", invoiceID, job.ID)
	return job, nil
}

// Requeue puts a failed job back on the list with its attempt count
// bumped. The worker decides how many attempts a job gets.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	retry := *job
	retry.Attempt++
	if err := q.push(ctx, &retry); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	logger.Printf("Requeued job %s for invoice %s, attempt %d", retry.ID, retry.InvoiceID, retry.Attempt)
	return nil
}

func (q *Queue) push(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.rdb.LPush(ctx, q.key, payload).Err()
}

// Dequeue blocks for up to timeout waiting for the next job. It
// returns nil with no error when the wait times out, so worker loops
// can poll without treating an idle queue as a failure.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	reply, err := q.rdb.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP replies with [key, value].
	if len(reply) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d elements", len(reply))
	}
	var job Job
	if err := json.Unmarshal([]byte(reply[1]), &job); err != nil {
		return nil, fmt.Errorf("decode job payload: %w", err)
	}
	return &job, nil
}

// Depth reports how many jobs are waiting.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// Close releases the underlying Redis connection pool.
func (q *Queue) Close() error {
	return q.rdb.Close()
}

func keyOrDefault(key string) string {
	if key == "" {
		return DefaultKey
	}
	return key
}
