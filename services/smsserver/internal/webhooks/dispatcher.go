package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"smsinbox/pkg/domain"
	"smsinbox/pkg/queue"
)

// Dispatcher fans a payload out to subscribers without blocking the caller.
// Subscriber failures are logged and never reported back.
type Dispatcher interface {
	Dispatch(targets []domain.GatewayWebhook, body []byte)
	Wait()
}

// DirectDispatcher posts to every subscriber in parallel from this process.
// Each delivery runs in its own goroutine with its own deadline, so a slow or
// failing subscriber never delays or cancels another.
type DirectDispatcher struct {
	poster  *Poster
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewDirectDispatcher builds a direct dispatcher.
func NewDirectDispatcher(poster *Poster) *DirectDispatcher {
	return &DirectDispatcher{poster: poster, timeout: 15 * time.Second}
}

func (d *DirectDispatcher) Dispatch(targets []domain.GatewayWebhook, body []byte) {
	if len(targets) == 0 {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		// Plain group: one subscriber failing must not cancel the others.
		var g errgroup.Group
		for _, target := range targets {
			target := target
			g.Go(func() error {
				d.deliver(target, body)
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (d *DirectDispatcher) deliver(target domain.GatewayWebhook, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.poster.Post(ctx, target.URL, body); err != nil {
		slog.Warn("webhook delivery failed", "webhook_id", target.ID, "url", target.URL, "err", err)
		return
	}
	slog.Debug("webhook delivered", "webhook_id", target.ID, "url", target.URL)
}

// Wait blocks until in-flight fan-outs finish.
func (d *DirectDispatcher) Wait() {
	d.wg.Wait()
}

// JobKind is the queue kind for webhook deliveries.
const JobKind = "webhook.delivery"

type deliveryJob struct {
	WebhookID string          `json:"webhookId"`
	URL       string          `json:"url"`
	Body      json.RawMessage `json:"body"`
}

// QueueDispatcher enqueues one job per subscriber on a Redis stream; workers
// started with Start perform the POST and retry failures.
type QueueDispatcher struct {
	queue  *queue.RedisJobQueue
	poster *Poster
}

// NewQueueDispatcher builds a queued dispatcher.
func NewQueueDispatcher(q *queue.RedisJobQueue, poster *Poster) *QueueDispatcher {
	return &QueueDispatcher{queue: q, poster: poster}
}

func (d *QueueDispatcher) Dispatch(targets []domain.GatewayWebhook, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, target := range targets {
		payload, err := json.Marshal(deliveryJob{WebhookID: target.ID, URL: target.URL, Body: json.RawMessage(body)})
		if err != nil {
			slog.Error("webhook job encode failed", "webhook_id", target.ID, "err", err)
			continue
		}
		job, err := d.queue.Enqueue(ctx, JobKind, payload)
		if err != nil {
			slog.Error("webhook enqueue failed", "webhook_id", target.ID, "err", err)
			continue
		}
		slog.Debug("webhook queued", "webhook_id", target.ID, "job_id", job.ID)
	}
}

// Start launches delivery workers until ctx is cancelled.
func (d *QueueDispatcher) Start(ctx context.Context, concurrency int) {
	d.queue.Start(ctx, concurrency, d.handle)
}

// Wait blocks until workers exit after their context is cancelled.
func (d *QueueDispatcher) Wait() {
	d.queue.Wait()
}

func (d *QueueDispatcher) handle(ctx context.Context, job queue.Job) error {
	if job.Kind != JobKind {
		return nil
	}
	var delivery deliveryJob
	if err := json.Unmarshal([]byte(job.Payload), &delivery); err != nil {
		slog.Error("webhook job decode failed", "job_id", job.ID, "err", err)
		return nil
	}
	if delivery.URL == "" {
		return errors.New("webhook job without url")
	}
	postCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := d.poster.Post(postCtx, delivery.URL, delivery.Body); err != nil {
		slog.Warn("webhook delivery failed", "webhook_id", delivery.WebhookID, "job_id", job.ID, "attempt", job.Attempts, "err", err)
		return fmt.Errorf("deliver %s: %w", delivery.WebhookID, err)
	}
	return nil
}
