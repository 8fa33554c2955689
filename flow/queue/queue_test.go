package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/agentforge-dev/agentforge/flow"
)

// newTestQueues wires a Queues against an in-process miniredis instance,
// grounded on the retrieval pack's go-redis/v9 + miniredis pairing (see
// this package's doc comment).
func newTestQueues(t *testing.T) (*Queues, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := New(rdb, Config{Namespace: "test"})
	return q, mr
}

func TestAddFlow_EnqueuesReadyImmediately(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx := context.Background()

	id, err := q.AddFlow(ctx, FlowJob{FlowID: "f1", Flow: &flow.Flow{FlowID: "f1"}}, 0)
	if err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	if id == "" {
		t.Fatal("AddFlow: want non-empty job id")
	}

	rec, err := q.GetJob(ctx, KindFlow, id)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if rec.Status != StatusWaiting {
		t.Fatalf("Status: want waiting, got %s", rec.Status)
	}

	counters, err := q.Counters(ctx, KindFlow)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters.Waiting != 1 {
		t.Fatalf("Counters.Waiting: want 1, got %d", counters.Waiting)
	}
}

func TestAddNode_DelayedJobNotImmediatelyReady(t *testing.T) {
	q, mr := newTestQueues(t)
	ctx := context.Background()

	id, err := q.AddNode(ctx, NodeJob{NodeID: "n1", FlowID: "f1", MaxAttempts: 3}, time.Hour)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	keys := q.keysFor(KindNode)
	if n, _ := mr.List(keys.ready); len(n) != 0 {
		t.Fatalf("ready list: want empty for a delayed job, got %v", n)
	}
	score, err := mr.ZScore(keys.delayed, id)
	if err != nil {
		t.Fatalf("ZScore: %v", err)
	}
	if score <= float64(time.Now().UnixMilli()) {
		t.Fatal("delayed job's due score: want in the future")
	}
}

func TestGetJob_UnknownIDReturnsNotFound(t *testing.T) {
	q, _ := newTestQueues(t)
	_, err := q.GetJob(context.Background(), KindFlow, "ghost")
	if err != flow.ErrNotFound {
		t.Fatalf("GetJob(unknown): want flow.ErrNotFound, got %v", err)
	}
}

func TestRetry_RequiresFailedStatus(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx := context.Background()
	id, err := q.AddFlow(ctx, FlowJob{FlowID: "f1"}, 0)
	if err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	if err := q.Retry(ctx, KindFlow, id); err == nil {
		t.Fatal("Retry of a waiting (not failed) job: want error, got nil")
	}
}

func TestRemove_DeletesJobAndQueueTraces(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx := context.Background()
	id, err := q.AddFlow(ctx, FlowJob{FlowID: "f1"}, 0)
	if err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	if err := q.Remove(ctx, KindFlow, id); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := q.GetJob(ctx, KindFlow, id); err != flow.ErrNotFound {
		t.Fatalf("GetJob after Remove: want flow.ErrNotFound, got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx := context.Background()

	if q.isPaused(ctx, KindFlow) {
		t.Fatal("isPaused before Pause: want false")
	}
	if err := q.Pause(ctx, KindFlow); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if !q.isPaused(ctx, KindFlow) {
		t.Fatal("isPaused after Pause: want true")
	}
	if err := q.Resume(ctx, KindFlow); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if q.isPaused(ctx, KindFlow) {
		t.Fatal("isPaused after Resume: want false")
	}
}

func TestPromoteDue_MovesMaturedDelayedJobsToReady(t *testing.T) {
	q, mr := newTestQueues(t)
	ctx := context.Background()

	id, err := q.AddNode(ctx, NodeJob{NodeID: "n1", FlowID: "f1", MaxAttempts: 3}, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("AddNode: %v", err)
	}
	mr.FastForward(time.Second)

	if err := q.promoteDue(ctx, KindNode); err != nil {
		t.Fatalf("promoteDue: %v", err)
	}

	keys := q.keysFor(KindNode)
	ready, err := mr.List(keys.ready)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ready) != 1 || ready[0] != id {
		t.Fatalf("ready list after promotion: want [%s], got %v", id, ready)
	}
}

func TestClear_ResetsQueueState(t *testing.T) {
	q, _ := newTestQueues(t)
	ctx := context.Background()
	if _, err := q.AddFlow(ctx, FlowJob{FlowID: "f1"}, 0); err != nil {
		t.Fatalf("AddFlow: %v", err)
	}
	if err := q.Clear(ctx, KindFlow); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	counters, err := q.Counters(ctx, KindFlow)
	if err != nil {
		t.Fatalf("Counters: %v", err)
	}
	if counters.Waiting != 0 {
		t.Fatalf("Counters.Waiting after Clear: want 0, got %d", counters.Waiting)
	}
}
