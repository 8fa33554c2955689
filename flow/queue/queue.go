// Package queue implements the Job Queue (spec.md C7): durable admission
// for externally submitted flows and dispatched node jobs, backed by
// Redis. Two independent queues exist — "flow" and "node" — each with its
// own ready list, delayed (scheduled-retry) sorted set, and persisted
// counters, so the flow-queue's worker pool can run at lower concurrency
// than the node-queue's per spec.md §4.7.
//
// The delayed-set-plus-ready-list shape (ZADD a due-time score, a
// scheduler goroutine promotes due members into an RPUSH/BLPOP list) is
// the standard Redis delayed-queue pattern; grounded here on the
// go-redis/v9 + miniredis pairing the wider retrieval pack's
// jordigilh-kubernaut test suite uses for exactly this broker (its DLQ and
// gateway deduplication tests construct a *redis.Client against a
// miniredis.Miniredis the same way this package's own tests do).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agentforge-dev/agentforge/flow"
)

// Kind distinguishes the two queues' job payloads.
type Kind string

const (
	KindFlow Kind = "flow"
	KindNode Kind = "node"
)

// Status is a job's lifecycle state within its queue.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FlowJob is one externally submitted flow awaiting dispatch (spec.md
// §4.7 "FlowJob{flow_id, flow, options, priority?, delay?}").
type FlowJob struct {
	FlowID   string         `json:"flow_id"`
	Flow     *flow.Flow     `json:"flow"`
	Options  map[string]any `json:"options,omitempty"`
	Priority int            `json:"priority,omitempty"`
}

// NodeJob is one dispatched node attempt awaiting a worker (spec.md §4.7
// "NodeJob{node_id, flow_id, attempt, max_attempts}").
type NodeJob struct {
	NodeID      string `json:"node_id"`
	FlowID      string `json:"flow_id"`
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
}

// Record is the envelope persisted in Redis for one job, regardless of
// which queue it belongs to: the caller decodes Payload according to
// Kind.
type Record struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Counters is a snapshot of one queue's health-probe counters (spec.md
// §4.7 "waiting/active/completed/failed").
type Counters struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
}

// queueKeys is the set of Redis keys backing one named queue.
type queueKeys struct {
	ready      string // list: job ids ready to dispatch, FIFO
	delayed    string // zset: job id -> unix millis when it becomes ready
	processing string // set: job ids currently leased to a worker
	jobs       string // hash: job id -> json(Record)
	paused     string // string: "1" if the queue is paused
	counter    string // hash: waiting/active/completed/failed -> int64
}

func keysFor(namespace string, kind Kind) queueKeys {
	base := fmt.Sprintf("%s:queue:%s", namespace, kind)
	return queueKeys{
		ready:      base + ":ready",
		delayed:    base + ":delayed",
		processing: base + ":processing",
		jobs:       base + ":jobs",
		paused:     base + ":paused",
		counter:    base + ":counters",
	}
}

// Backoff configures the retry schedule for one queue, per spec.md §4.7's
// worked defaults ("flow jobs: attempts=3, exponential backoff 2s base";
// "node jobs: attempts=max_attempts, exponential backoff 1s base").
type Backoff struct {
	Base       time.Duration
	MaxRetries int
}

func (b Backoff) delay(attempt int) time.Duration {
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Config configures a Queues instance.
type Config struct {
	Namespace    string // key prefix, defaults to "agentforge"
	FlowBackoff  Backoff
	NodeBackoff  Backoff
}

// Queues owns both the flow-queue and the node-queue against one Redis
// connection.
type Queues struct {
	rdb *redis.Client
	ns  string

	flow Backoff
	node Backoff

	flowKeys queueKeys
	nodeKeys queueKeys
}

// New builds a Queues instance. rdb must already be connected; New itself
// performs no I/O.
func New(rdb *redis.Client, cfg Config) *Queues {
	if cfg.Namespace == "" {
		cfg.Namespace = "agentforge"
	}
	if cfg.FlowBackoff.Base <= 0 {
		cfg.FlowBackoff = Backoff{Base: 2 * time.Second, MaxRetries: 3}
	}
	if cfg.NodeBackoff.Base <= 0 {
		cfg.NodeBackoff = Backoff{Base: time.Second, MaxRetries: 5}
	}
	return &Queues{
		rdb:      rdb,
		ns:       cfg.Namespace,
		flow:     cfg.FlowBackoff,
		node:     cfg.NodeBackoff,
		flowKeys: keysFor(cfg.Namespace, KindFlow),
		nodeKeys: keysFor(cfg.Namespace, KindNode),
	}
}

func (q *Queues) keysFor(kind Kind) queueKeys {
	if kind == KindFlow {
		return q.flowKeys
	}
	return q.nodeKeys
}

func (q *Queues) backoffFor(kind Kind) Backoff {
	if kind == KindFlow {
		return q.flow
	}
	return q.node
}

// AddFlow enqueues a FlowJob, optionally delayed, per spec.md §4.7's
// attempts=3 default.
func (q *Queues) AddFlow(ctx context.Context, job FlowJob, delay time.Duration) (string, error) {
	return q.enqueue(ctx, KindFlow, job, q.flow.MaxRetries, delay)
}

// AddNode enqueues a NodeJob; maxAttempts overrides the queue default when
// positive, matching a node's own configured max_retries.
func (q *Queues) AddNode(ctx context.Context, job NodeJob, delay time.Duration) (string, error) {
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.node.MaxRetries
	}
	return q.enqueue(ctx, KindNode, job, maxAttempts, delay)
}

func (q *Queues) enqueue(ctx context.Context, kind Kind, payload any, maxAttempts int, delay time.Duration) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue: marshaling job payload: %w", err)
	}
	id := uuid.NewString()
	rec := Record{
		ID:          id,
		Kind:        kind,
		Payload:     data,
		Status:      StatusWaiting,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now(),
	}
	recData, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("queue: marshaling record: %w", err)
	}

	keys := q.keysFor(kind)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keys.jobs, id, recData)
	if delay > 0 {
		pipe.ZAdd(ctx, keys.delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.RPush(ctx, keys.ready, id)
	}
	pipe.HIncrBy(ctx, keys.counter, "waiting", 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("queue: enqueuing job: %w", err)
	}
	return id, nil
}

// promoteDue moves every delayed job whose due time has passed into the
// ready list. Called periodically by a Worker's scheduler loop.
func (q *Queues) promoteDue(ctx context.Context, kind Kind) error {
	keys := q.keysFor(kind)
	now := float64(time.Now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, keys.delayed, &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil || len(ids) == 0 {
		return err
	}
	pipe := q.rdb.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, keys.delayed, id)
		pipe.RPush(ctx, keys.ready, id)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// GetJob returns the current Record for a job id, if tracked.
func (q *Queues) GetJob(ctx context.Context, kind Kind, id string) (*Record, error) {
	keys := q.keysFor(kind)
	data, err := q.rdb.HGet(ctx, keys.jobs, id).Result()
	if err == redis.Nil {
		return nil, flow.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Retry re-enqueues a failed job immediately, resetting its attempt
// counter to zero and clearing its last error.
func (q *Queues) Retry(ctx context.Context, kind Kind, id string) error {
	rec, err := q.GetJob(ctx, kind, id)
	if err != nil {
		return err
	}
	if rec.Status != StatusFailed {
		return fmt.Errorf("queue: job %s is not failed (status=%s)", id, rec.Status)
	}
	rec.Status = StatusWaiting
	rec.Attempts = 0
	rec.LastError = ""
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	keys := q.keysFor(kind)
	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, keys.jobs, id, data)
	pipe.RPush(ctx, keys.ready, id)
	pipe.HIncrBy(ctx, keys.counter, "failed", -1)
	pipe.HIncrBy(ctx, keys.counter, "waiting", 1)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes a job entirely: its record, and any trace of it in the
// ready list, delayed set or processing set.
func (q *Queues) Remove(ctx context.Context, kind Kind, id string) error {
	keys := q.keysFor(kind)
	pipe := q.rdb.TxPipeline()
	pipe.HDel(ctx, keys.jobs, id)
	pipe.LRem(ctx, keys.ready, 0, id)
	pipe.ZRem(ctx, keys.delayed, id)
	pipe.SRem(ctx, keys.processing, id)
	_, err := pipe.Exec(ctx)
	return err
}

// Pause stops the queue's workers from leasing new jobs; jobs already
// leased continue to completion.
func (q *Queues) Pause(ctx context.Context, kind Kind) error {
	return q.rdb.Set(ctx, q.keysFor(kind).paused, "1", 0).Err()
}

// Resume clears a queue's paused flag.
func (q *Queues) Resume(ctx context.Context, kind Kind) error {
	return q.rdb.Del(ctx, q.keysFor(kind).paused).Err()
}

func (q *Queues) isPaused(ctx context.Context, kind Kind) bool {
	n, _ := q.rdb.Exists(ctx, q.keysFor(kind).paused).Result()
	return n > 0
}

// Clear removes every job and resets every counter for a queue. Intended
// for test teardown and administrative resets, not routine operation.
func (q *Queues) Clear(ctx context.Context, kind Kind) error {
	keys := q.keysFor(kind)
	return q.rdb.Del(ctx, keys.ready, keys.delayed, keys.processing, keys.jobs, keys.counter, keys.paused).Err()
}

// Counters returns the current health-probe counters for a queue.
func (q *Queues) Counters(ctx context.Context, kind Kind) (Counters, error) {
	keys := q.keysFor(kind)
	vals, err := q.rdb.HGetAll(ctx, keys.counter).Result()
	if err != nil {
		return Counters{}, err
	}
	c := Counters{
		Waiting:   parseInt64(vals["waiting"]),
		Active:    parseInt64(vals["active"]),
		Completed: parseInt64(vals["completed"]),
		Failed:    parseInt64(vals["failed"]),
	}
	return c, nil
}

func parseInt64(s string) int64 {
	var n int64
	for _, c := range s {
		if c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			return n
		}
		n = n*10 + int64(c-'0')
	}
	if len(s) > 0 && s[0] == '-' {
		n = -n
	}
	return n
}
