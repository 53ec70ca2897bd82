package alerts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/auwntech/walletd/internal/circuitbreaker"
	"github.com/auwntech/walletd/internal/retry"
)

// Drop reasons reported on walletd_alerts_dropped_total.
const (
	DropQueueFull   = "queue_full"
	DropCircuitOpen = "circuit_open"
	DropStoreError  = "store_error"
	DropClosed      = "closed"
)

// DispatcherConfig tunes a Dispatcher. Zero fields take defaults.
type DispatcherConfig struct {
	QueueSize      int
	Attempts       int
	BaseDelay      time.Duration
	AttemptTimeout time.Duration
	Breaker        *circuitbreaker.Breaker
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 2 * time.Second
	}
	if c.Breaker == nil {
		c.Breaker = circuitbreaker.New("alert_store", 5, 30*time.Second)
	}
	return c
}

// Dispatcher delivers alerts to a Store from a background worker. Emit never
// blocks and never fails; alerts that cannot be stored are logged locally
// at WARN and counted.
type Dispatcher struct {
	store   Store
	cfg     DispatcherConfig
	breaker *circuitbreaker.Breaker
	logger  *slog.Logger

	queue  chan *Alert
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher writing to store.
func NewDispatcher(store Store, cfg DispatcherConfig, logger *slog.Logger) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		store:   store,
		cfg:     cfg,
		breaker: cfg.Breaker,
		logger:  logger,
		queue:   make(chan *Alert, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Emit queues an alert for delivery.
func (d *Dispatcher) Emit(_ context.Context, category Category, message, accountID string) {
	a := &Alert{
		AccountID: accountID,
		Category:  category,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	prepare(a)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.drop(a, DropClosed, nil)
		return
	}

	select {
	case d.queue <- a:
		alertsEmittedTotal.WithLabelValues(string(category)).Inc()
		alertQueueDepth.Inc()
	default:
		d.drop(a, DropQueueFull, nil)
	}
}

// Breaker exposes the store breaker for health reporting.
func (d *Dispatcher) Breaker() *circuitbreaker.Breaker { return d.breaker }

// Close stops accepting alerts and waits for queued ones to be delivered or
// until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for a := range d.queue {
		alertQueueDepth.Dec()
		d.deliver(a)
	}
}

func (d *Dispatcher) deliver(a *Alert) {
	if err := d.breaker.Allow(); err != nil {
		d.drop(a, DropCircuitOpen, err)
		return
	}

	policy := retry.Policy{Attempts: d.cfg.Attempts, BaseDelay: d.cfg.BaseDelay, MaxDelay: 5 * time.Second}
	err := policy.Do(context.Background(), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
		defer cancel()
		return d.store.Create(ctx, a)
	})
	d.breaker.Record(err)
	if err != nil {
		d.drop(a, DropStoreError, err)
	}
}

func (d *Dispatcher) drop(a *Alert, reason string, err error) {
	alertsDroppedTotal.WithLabelValues(reason).Inc()
	attrs := []any{
		"alert_id", a.ID,
		"account_id", a.AccountID,
		"category", string(a.Category),
		"message", a.Message,
		"reason", reason,
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	d.logger.Warn("alert not delivered", attrs...)
}
