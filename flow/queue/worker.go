package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// FlowHandler processes one leased FlowJob. A returned error causes the
// job to be retried or marked failed; a job runs at most its record's
// MaxAttempts times in total (for flow jobs, the backoff's MaxRetries).
type FlowHandler func(ctx context.Context, job FlowJob) error

// NodeHandler processes one leased NodeJob.
type NodeHandler func(ctx context.Context, job NodeJob) error

// WorkerPool runs a bounded number of concurrent workers against one
// queue, leasing jobs via BLPOP and running a periodic scheduler loop
// that promotes due delayed jobs into the ready list. This mirrors the
// teacher's worker-pool-with-semaphore shape from graph/engine.go's
// runConcurrent, adapted to pull from a Redis list instead of a local
// channel of ready node ids.
type WorkerPool struct {
	q           *Queues
	kind        Kind
	concurrency int
	pollTimeout time.Duration
	log         *slog.Logger
}

// NewWorkerPool builds a WorkerPool. concurrency must be positive; per
// spec.md §4.7 the caller is responsible for keeping the flow-queue's
// concurrency <= the node-queue's.
func NewWorkerPool(q *Queues, kind Kind, concurrency int, log *slog.Logger) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &WorkerPool{q: q, kind: kind, concurrency: concurrency, pollTimeout: 2 * time.Second, log: log}
}

// RunFlow runs the pool against the flow-queue until ctx is canceled.
func (p *WorkerPool) RunFlow(ctx context.Context, handle FlowHandler) error {
	return p.run(ctx, func(ctx context.Context, rec *Record) error {
		var job FlowJob
		if err := json.Unmarshal(rec.Payload, &job); err != nil {
			return err
		}
		return handle(ctx, job)
	})
}

// RunNode runs the pool against the node-queue until ctx is canceled.
func (p *WorkerPool) RunNode(ctx context.Context, handle NodeHandler) error {
	return p.run(ctx, func(ctx context.Context, rec *Record) error {
		var job NodeJob
		if err := json.Unmarshal(rec.Payload, &job); err != nil {
			return err
		}
		return handle(ctx, job)
	})
}

func (p *WorkerPool) run(ctx context.Context, process func(context.Context, *Record) error) error {
	keys := p.q.keysFor(p.kind)
	backoff := p.q.backoffFor(p.kind)

	go p.scheduleLoop(ctx)

	sem := make(chan struct{}, p.concurrency)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if p.q.isPaused(ctx, p.kind) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.pollTimeout):
			}
			continue
		}

		res, err := p.q.rdb.BLPop(ctx, p.pollTimeout, keys.ready).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Error("queue: blpop failed", "kind", p.kind, "error", err)
			time.Sleep(time.Second)
			continue
		}
		id := res[1]

		sem <- struct{}{}
		go func(id string) {
			defer func() { <-sem }()
			p.lease(ctx, id, backoff, process)
		}(id)
	}
}

func (p *WorkerPool) scheduleLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.promoteDue(ctx, p.kind); err != nil {
				p.log.Warn("queue: promoting delayed jobs failed", "kind", p.kind, "error", err)
			}
		}
	}
}

func (p *WorkerPool) lease(ctx context.Context, id string, backoff Backoff, process func(context.Context, *Record) error) {
	keys := p.q.keysFor(p.kind)

	rec, err := p.q.GetJob(ctx, p.kind, id)
	if err != nil {
		p.log.Warn("queue: leased unknown job", "id", id, "kind", p.kind, "error", err)
		return
	}

	rec.Status = StatusActive
	rec.Attempts++
	p.q.rdb.SAdd(ctx, keys.processing, id)
	p.q.rdb.HIncrBy(ctx, keys.counter, "waiting", -1)
	p.q.rdb.HIncrBy(ctx, keys.counter, "active", 1)
	p.saveRecord(ctx, rec)

	procErr := process(ctx, rec)

	p.q.rdb.SRem(ctx, keys.processing, id)
	p.q.rdb.HIncrBy(ctx, keys.counter, "active", -1)

	if procErr == nil {
		rec.Status = StatusCompleted
		p.q.rdb.HIncrBy(ctx, keys.counter, "completed", 1)
		p.saveRecord(ctx, rec)
		if p.kind == KindNode {
			// Node jobs expire on success; flow jobs persist for audit.
			p.q.rdb.HDel(ctx, keys.jobs, id)
		}
		return
	}

	rec.LastError = procErr.Error()
	if rec.Attempts >= rec.MaxAttempts {
		rec.Status = StatusFailed
		p.q.rdb.HIncrBy(ctx, keys.counter, "failed", 1)
		p.saveRecord(ctx, rec)
		p.log.Error("queue: job exhausted retries", "id", id, "kind", p.kind, "attempts", rec.Attempts, "error", procErr)
		return
	}

	rec.Status = StatusWaiting
	p.q.rdb.HIncrBy(ctx, keys.counter, "waiting", 1)
	p.saveRecord(ctx, rec)
	delay := backoff.delay(rec.Attempts)
	p.q.rdb.ZAdd(ctx, keys.delayed, redis.Z{Score: float64(time.Now().Add(delay).UnixMilli()), Member: id})
}

func (p *WorkerPool) saveRecord(ctx context.Context, rec *Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		p.log.Error("queue: marshaling record", "id", rec.ID, "error", err)
		return
	}
	keys := p.q.keysFor(p.kind)
	p.q.rdb.HSet(ctx, keys.jobs, rec.ID, data)
}
