package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/job-pipeline/internal/circuitbreaker"
	apperrors "github.com/job-pipeline/internal/errors"
	"github.com/job-pipeline/internal/logging"
	"github.com/job-pipeline/internal/retry"
)

// DispatcherConfig configures the side-effect dispatcher
type DispatcherConfig struct {
	Workers         int
	MaxAttempts     int
	InitialBackoff  time.Duration
	DeliveryTimeout time.Duration // per attempt
}

// DefaultDispatcherConfig returns the defaults used by the server
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:         2,
		MaxAttempts:     3,
		InitialBackoff:  500 * time.Millisecond,
		DeliveryTimeout: 15 * time.Second,
	}
}

// DispatcherStats counts delivery outcomes since start
type DispatcherStats struct {
	Queued    int64 `json:"queued"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// Dispatcher fans side effects out to the notifier and the mailer. Dispatch hands effects
// to a pump goroutine that owns an unbounded queue; workers pull from the pump and retry
// with backoff. Failures are logged and counted, never returned.
type Dispatcher struct {
	notifier Notifier
	mailer   Mailer
	cfg      DispatcherConfig
	retryCfg *retry.RetryConfig
	logger   *logging.Logger

	in   chan Effect
	work chan Effect

	mu      sync.RWMutex
	stopped bool

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewDispatcher creates a dispatcher and starts its workers
func NewDispatcher(notifier Notifier, mailer Mailer, cfg DispatcherConfig, logger *logging.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.MaxAttempts
	if cfg.InitialBackoff > 0 {
		retryCfg.InitialDelay = cfg.InitialBackoff
	}
	retryCfg.Retryable = isRetryable

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		notifier: notifier,
		mailer:   mailer,
		cfg:      cfg,
		retryCfg: retryCfg,
		logger:   logger.WithField("component", "dispatcher"),
		in:       make(chan Effect, 256),
		work:     make(chan Effect),
		baseCtx:  logging.WithLogger(ctx, logger),
		cancel:   cancel,
	}

	d.wg.Add(1)
	go d.pump()
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Dispatch queues effects for delivery and returns immediately. Effects dispatched after
// Stop are dropped.
func (d *Dispatcher) Dispatch(effects ...Effect) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		d.dropped.Add(int64(len(effects)))
		if len(effects) > 0 {
			d.logger.WithField("count", len(effects)).Warn("Dispatcher stopped, dropping side effects")
		}
		return
	}
	for _, e := range effects {
		if e == nil {
			continue
		}
		d.queued.Add(1)
		d.in <- e
	}
}

// Stop stops accepting effects and waits for the queue to drain. If ctx ends first the
// remaining deliveries are cancelled and ctx's error is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.in)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return fmt.Errorf("dispatcher drain interrupted: %w", ctx.Err())
	}
}

// Stats returns delivery counters
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		Queued:    d.queued.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Dropped:   d.dropped.Load(),
	}
}

// pump owns the pending queue. It exits once the input is closed and the queue is empty.
func (d *Dispatcher) pump() {
	defer d.wg.Done()
	defer close(d.work)

	var queue []Effect
	in := d.in
	for in != nil || len(queue) > 0 {
		var out chan<- Effect
		var head Effect
		if len(queue) > 0 {
			out = d.work
			head = queue[0]
		}

		select {
		case e, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			queue = append(queue, e)
		case out <- head:
			queue[0] = nil
			queue = queue[1:]
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for effect := range d.work {
		d.deliver(effect)
	}
}

func (d *Dispatcher) deliver(effect Effect) {
	defer func() {
		if r := recover(); r != nil {
			d.failed.Add(1)
			d.logger.WithFields(map[string]interface{}{
				"effect": effect.Describe(),
				"panic":  fmt.Sprint(r),
			}).Error("Side effect delivery panicked")
		}
	}()

	result := retry.WithExponentialBackoff(d.baseCtx, d.retryCfg, func(ctx context.Context, attempt int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		return d.send(attemptCtx, effect)
	})

	if result.Success {
		d.delivered.Add(1)
		return
	}
	d.failed.Add(1)
	d.logger.WithError(result.LastError).WithFields(map[string]interface{}{
		"effect":   effect.Describe(),
		"attempts": result.Attempts,
	}).Warn("Side effect delivery failed")
}

func (d *Dispatcher) send(ctx context.Context, effect Effect) error {
	switch e := effect.(type) {
	case Notification:
		if d.notifier == nil {
			return nil
		}
		return d.notifier.Notify(ctx, e.UserID, e.Type, e.Title, e.Message, e.Link)
	case Email:
		if d.mailer == nil {
			return nil
		}
		return d.mailer.SendTemplateEmail(ctx, e.Recipient, e.Template, e.Data)
	default:
		return fmt.Errorf("%w: %T", errUnsupportedEffect, effect)
	}
}

var errUnsupportedEffect = errors.New("unsupported side effect")

// isRetryable rejects errors that another attempt cannot fix
func isRetryable(err error) bool {
	if errors.Is(err, ErrUnknownTemplate) || errors.Is(err, ErrNoRecipient) ||
		errors.Is(err, errUnsupportedEffect) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return true
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Retryable()
	}
	var catErr *apperrors.CategorizedError
	if errors.As(err, &catErr) {
		return apperrors.IsRetryable(err)
	}
	return true
}
