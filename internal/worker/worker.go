package worker

import (
	"context"
	"sync"
	"time"

	"fulfillment-service/internal/broker"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

const lockKey = "reconcile"

// Ticker runs one reconciliation pass
type Ticker interface {
	Tick(ctx context.Context) (*service.TickResult, error)
}

// Coordinator keeps a single reconcile runner across replicas and tells the
// worker when customers are likely paying.
type Coordinator interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	FastPollActive(ctx context.Context) (bool, error)
}

// Options tunes the reconcile schedule
type Options struct {
	Interval     time.Duration
	FastInterval time.Duration
	TickTimeout  time.Duration
	LockTTL      time.Duration
}

// ReconcileWorker drives the reconciler on a timer
type ReconcileWorker struct {
	reconciler  Ticker
	coordinator Coordinator
	consumer    *broker.Consumer
	opts        Options

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// NewReconcileWorker creates a new reconcile worker. coordinator and consumer may be nil.
func NewReconcileWorker(reconciler Ticker, coordinator Coordinator, consumer *broker.Consumer, opts Options) *ReconcileWorker {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.FastInterval <= 0 || opts.FastInterval > opts.Interval {
		opts.FastInterval = opts.Interval
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = time.Minute
	}

	return &ReconcileWorker{
		reconciler:  reconciler,
		coordinator: coordinator,
		consumer:    consumer,
		opts:        opts,
		kick:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		logger:      util.GetLogger(),
	}
}

// Start runs ticks until ctx is cancelled or Stop is called. It blocks.
func (w *ReconcileWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting reconcile worker",
		zap.Duration("interval", w.opts.Interval),
		zap.Duration("fast_interval", w.opts.FastInterval))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.consumer != nil {
		handler := broker.NewEventHandler()
		handler.OnPaymentInstructionIssued(w.onInstructionIssued)

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.StartConsuming(ctx, handler.HandleMessage); err != nil && ctx.Err() == nil {
				w.logger.Error("Instruction consumer stopped", zap.Error(err))
			}
		}()
	}
	defer w.wg.Wait()

	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Warn("Reconcile tick failed", zap.Error(err))
		}

		timer := time.NewTimer(w.nextInterval(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			w.logger.Info("Reconcile worker context cancelled, stopping")
			return nil
		case <-w.stop:
			timer.Stop()
			return nil
		case <-w.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Stop ends the loop after the running tick, if any
func (w *ReconcileWorker) Stop() error {
	w.logger.Info("Stopping reconcile worker...")
	w.stopOnce.Do(func() { close(w.stop) })
	if w.consumer != nil {
		return w.consumer.Close()
	}
	return nil
}

// Kick schedules a tick without waiting for the timer. Kicks coalesce.
func (w *ReconcileWorker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// RunOnce runs a single tick under the reconcile lock. It reports false when
// another replica holds the lock.
func (w *ReconcileWorker) RunOnce(ctx context.Context) (bool, error) {
	token, ok := w.acquire(ctx)
	if !ok {
		util.ReconcileTicksTotal.WithLabelValues("locked").Inc()
		return false, nil
	}
	defer w.release(token)

	tickCtx := ctx
	if w.opts.TickTimeout > 0 {
		var cancel context.CancelFunc
		tickCtx, cancel = context.WithTimeout(ctx, w.opts.TickTimeout)
		defer cancel()
	}

	if token != "" {
		stopRenew := w.keepLock(tickCtx, token)
		defer stopRenew()
	}

	_, err := w.reconciler.Tick(tickCtx)
	return true, err
}

// keepLock extends the lock every half TTL until the returned func is called
func (w *ReconcileWorker) keepLock(ctx context.Context, token string) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(w.opts.LockTTL / 2)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := w.coordinator.ExtendLock(ctx, lockKey, token, w.opts.LockTTL)
				if err != nil {
					w.logger.Warn("Failed to extend reconcile lock", zap.Error(err))
					continue
				}
				if !ok {
					w.logger.Warn("Reconcile lock lost during tick")
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// acquire takes the lock. Without a reachable coordinator the tick still runs:
// intent transitions and the processed set stay exactly-once on their own.
func (w *ReconcileWorker) acquire(ctx context.Context) (string, bool) {
	if w.coordinator == nil {
		return "", true
	}

	token, ok, err := w.coordinator.AcquireLock(ctx, lockKey, w.opts.LockTTL)
	if err != nil {
		w.logger.Warn("Reconcile lock unavailable, running unlocked", zap.Error(err))
		return "", true
	}
	if !ok {
		w.logger.Debug("Reconcile lock held by another replica")
	}
	return token, ok
}

func (w *ReconcileWorker) release(token string) {
	if w.coordinator == nil || token == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.coordinator.ReleaseLock(ctx, lockKey, token); err != nil {
		w.logger.Warn("Failed to release reconcile lock", zap.Error(err))
	}
}

func (w *ReconcileWorker) nextInterval(ctx context.Context) time.Duration {
	if w.coordinator == nil {
		return w.opts.Interval
	}
	active, err := w.coordinator.FastPollActive(ctx)
	if err != nil || !active {
		return w.opts.Interval
	}
	return w.opts.FastInterval
}

func (w *ReconcileWorker) onInstructionIssued(ctx context.Context, event *models.PaymentInstructionIssuedEvent) error {
	w.logger.Debug("Payment instruction issued, kicking reconcile",
		zap.Int64("intent_id", event.IntentID),
		zap.String("kind", string(event.Kind)))
	w.Kick()
	return nil
}
