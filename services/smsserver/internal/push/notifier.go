package push

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period before a coalesced push fires.
const DefaultDebounce = 5 * time.Second

// Notifier schedules a best-effort push. It never blocks on the relay and
// never reports relay failures to the caller.
type Notifier interface {
	Notify(token, event string, data map[string]any)
	Close()
}

// Immediate sends every notification right away on its own goroutine.
type Immediate struct {
	sender  Sender
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewImmediate builds an immediate notifier.
func NewImmediate(sender Sender) *Immediate {
	return &Immediate{sender: sender, timeout: 15 * time.Second}
}

func (n *Immediate) Notify(token, event string, data map[string]any) {
	if token == "" {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		deliver(n.sender, n.timeout, token, event, data)
	}()
}

// Close waits for in-flight pushes.
func (n *Immediate) Close() {
	n.wg.Wait()
}

// Debouncer coalesces notifications per push token: each call replaces the
// pending one and restarts the window, so only the last call within a burst
// is sent once the token has been quiet for the full window.
type Debouncer struct {
	sender  Sender
	window  time.Duration
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingPush
	closed  bool
	wg      sync.WaitGroup
}

type pendingPush struct {
	timer *time.Timer
	gen   uint64
	event string
	data  map[string]any
}

// NewDebouncer builds a debouncer. window <= 0 uses DefaultDebounce.
func NewDebouncer(sender Sender, window time.Duration) *Debouncer {
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Debouncer{
		sender:  sender,
		window:  window,
		timeout: 15 * time.Second,
		pending: make(map[string]*pendingPush),
	}
}

func (d *Debouncer) Notify(token, event string, data map[string]any) {
	if token == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	p, ok := d.pending[token]
	if !ok {
		p = &pendingPush{}
		d.pending[token] = p
	} else if p.timer != nil {
		p.timer.Stop()
	}
	p.gen++
	p.event = event
	p.data = data
	gen := p.gen
	p.timer = time.AfterFunc(d.window, func() { d.fire(token, gen) })
}

func (d *Debouncer) fire(token string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[token]
	// A newer Notify may have raced with this timer; only the latest generation sends.
	if !ok || p.gen != gen || d.closed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, token)
	event, data := p.event, p.data
	d.wg.Add(1)
	d.mu.Unlock()

	defer d.wg.Done()
	deliver(d.sender, d.timeout, token, event, data)
}

// Pending reports the number of tokens with a scheduled push.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// ClearAll cancels every scheduled push without sending it.
func (d *Debouncer) ClearAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for token, p := range d.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(d.pending, token)
	}
}

// Close drops scheduled pushes, rejects new ones and waits for sends already
// in flight.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.ClearAll()
	d.wg.Wait()
}

func deliver(sender Sender, timeout time.Duration, token, event string, data map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sender.Send(ctx, token, event, data); err != nil {
		slog.Warn("push failed", "event", event, "token_prefix", tokenPrefix(token), "err", err)
		return
	}
	slog.Debug("push sent", "event", event, "token_prefix", tokenPrefix(token))
}

func tokenPrefix(token string) string {
	if len(token) <= 6 {
		return token
	}
	return token[:6]
}
