package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisJobQueueRequeueAndAckSuccess(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	if err := q.requeueAndAck(ctx, msgID, job.ID, job.Kind); err != nil {
		t.Fatalf("requeue and ack: %v", err)
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending messages, got %d", pending.Count)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-2",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("read requeued message: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one requeued message, got %+v", streams)
	}
	got := streams[0].Messages[0]
	if got.Values["job_id"] != job.ID || got.Values["kind"] != job.Kind {
		t.Fatalf("unexpected requeued payload: %+v", got.Values)
	}
}

func TestRedisJobQueueRequeueAndAckFailureKeepsPendingMessage(t *testing.T) {
	q, ctx, msgID, job := newPendingQueueMessage(t)

	canceledCtx, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeueAndAck(canceledCtx, msgID, job.ID, job.Kind); err == nil {
		t.Fatalf("expected requeueAndAck to fail on canceled context")
	}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected original message to remain pending, got %d", pending.Count)
	}

	streamLen, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if streamLen != 1 {
		t.Fatalf("expected no new message in stream on failure, got len=%d", streamLen)
	}
}

func TestRedisJobQueueEnqueueStoresPayload(t *testing.T) {
	srv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{Addr: srv.Addr(), Stream: "test:queue"})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx := context.Background()
	if _, err := q.Enqueue(ctx, "", []byte("x")); err == nil {
		t.Fatalf("expected empty kind to be rejected")
	}
	job, err := q.Enqueue(ctx, "webhook", []byte(`{"url":"http://example"}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, ok, err := q.GetJob(ctx, job.ID)
	if err != nil || !ok {
		t.Fatalf("get job: ok=%v err=%v", ok, err)
	}
	if got.Kind != "webhook" || got.Payload != `{"url":"http://example"}` || got.Status != StatusQueued {
		t.Fatalf("unexpected job: %+v", got)
	}
}

func TestRedisJobQueueRetriesUntilSuccess(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisJobQueue(RedisQueueConfig{
		Client:     client,
		Stream:     "test:retry",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 3,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := q.Enqueue(ctx, "webhook", []byte("payload"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var calls atomic.Int32
	q.Start(ctx, 1, func(_ context.Context, j Job) error {
		if j.Payload != "payload" {
			t.Errorf("unexpected payload %q", j.Payload)
		}
		if calls.Add(1) == 1 {
			return errors.New("temporary")
		}
		return nil
	})

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _, err := q.GetJob(context.Background(), job.ID)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if got.Status == StatusDone {
			if got.Attempts != 2 {
				t.Fatalf("attempts = %d, want 2", got.Attempts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not done in time: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	q.Wait()
}

func TestRedisJobQueueGivesUpAfterMaxRetries(t *testing.T) {
	srv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       srv.Addr(),
		Stream:     "test:fail",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	job, err := q.Enqueue(ctx, "webhook", nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	q.Start(ctx, 1, func(context.Context, Job) error { return errors.New("down") })

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _, _ := q.GetJob(context.Background(), job.ID)
		if got.Status == StatusFailed {
			if got.Attempts != 2 || got.ErrorMessage != "down" {
				t.Fatalf("unexpected failed job: %+v", got)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job not failed in time: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	q.Wait()
}

func newPendingQueueMessage(t *testing.T) (*RedisJobQueue, context.Context, string, Job) {
	t.Helper()

	redisSrv := miniredis.RunT(t)
	q, err := NewRedisJobQueue(RedisQueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:queue",
		Group:      "test-group",
		Consumer:   "consumer-1",
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, "webhook", []byte("{}"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    0,
	}).Result()
	if err != nil {
		t.Fatalf("readgroup: %v", err)
	}
	if len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("expected one pending message, got %+v", streams)
	}

	msg := streams[0].Messages[0]
	return q, ctx, msg.ID, job
}
