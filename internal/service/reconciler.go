package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// Reconciler matches the gateway feed against pending payment intents. It is
// the only writer of intent transitions out of pending, apart from operator
// cancellation.
type Reconciler struct {
	store    LedgerStore
	feed     TransactionFeed
	notifier Notifier
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger
}

// NewReconciler creates a new reconciler. ttl is the lifetime of a pending direct order.
func NewReconciler(store LedgerStore, feed TransactionFeed, notifier Notifier, ttl time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		feed:     feed,
		notifier: notifier,
		ttl:      ttl,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// SetClock replaces the wall clock used for expiry
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
}

// TickResult summarizes one reconciliation pass
type TickResult struct {
	Fetched   int
	Expired   int
	Skipped   int
	Deposits  int
	Fulfilled int
	Failed    int
	Unmatched int
	Errors    int
	Watermark string
}

// pendingSet holds the intents still open during a tick, oldest first
type pendingSet struct {
	deposits []models.PaymentIntent
	orders   []models.PaymentIntent
}

func (p *pendingSet) remove(id int64) {
	p.deposits = removeIntent(p.deposits, id)
	p.orders = removeIntent(p.orders, id)
}

func removeIntent(intents []models.PaymentIntent, id int64) []models.PaymentIntent {
	for i := range intents {
		if intents[i].ID == id {
			return append(intents[:i], intents[i+1:]...)
		}
	}
	return intents
}

// Tick runs one pass: expire stale direct orders, fetch the feed, settle every
// new transaction once, then advance the watermark. A fetch failure aborts the
// pass without touching the watermark.
func (r *Reconciler) Tick(ctx context.Context) (*TickResult, error) {
	ctx, span := util.StartSpan(ctx, "Reconciler.Tick")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ReconcileTickLatency.Observe(time.Since(start).Seconds())
	}()

	result := &TickResult{}

	pending, err := r.loadPending(ctx)
	if err != nil {
		util.ReconcileTicksTotal.WithLabelValues("store_error").Inc()
		return result, err
	}

	result.Expired = r.expireDirectOrders(ctx, pending)

	txs, err := r.feed.FetchTransactions(ctx)
	if err != nil {
		util.ReconcileTicksTotal.WithLabelValues("gateway_error").Inc()
		r.logger.Warn("Transaction feed unavailable, retrying next tick", zap.Error(err))
		if !errors.Is(err, models.ErrGatewayUnavailable) {
			err = fmt.Errorf("%w: %w", models.ErrGatewayUnavailable, err)
		}
		return result, err
	}
	result.Fetched = len(txs)

	watermark, err := r.store.GetSetting(ctx, store.SettingReconcileWatermark, "")
	if err != nil {
		util.ReconcileTicksTotal.WithLabelValues("store_error").Inc()
		return result, fmt.Errorf("read watermark: %w", err)
	}
	result.Watermark = watermark
	highest := highestNumericID(txs, watermark)

	for _, tx := range txs {
		if tx.Amount <= 0 || tx.ID == "" {
			continue
		}
		if !isNewer(tx.ID, watermark) {
			result.Skipped++
			continue
		}

		processed, err := r.store.IsTransactionProcessed(ctx, tx.ID)
		if err != nil {
			result.Errors++
			r.logger.Error("Failed to check processed transaction", zap.String("tx_id", tx.ID), zap.Error(err))
			continue
		}
		if processed {
			result.Skipped++
			util.ReconcileTransactionsTotal.WithLabelValues("duplicate").Inc()
			continue
		}

		if err := r.settle(ctx, tx, pending, result); err != nil {
			result.Errors++
			r.logger.Error("Failed to settle transaction",
				zap.String("tx_id", tx.ID),
				zap.Int64("amount", tx.Amount),
				zap.Error(err))
		}
	}

	// A transient failure leaves the watermark behind so the next tick
	// sees the failed transaction again.
	if result.Errors == 0 && highest != watermark {
		if err := r.store.SetSetting(ctx, store.SettingReconcileWatermark, highest); err != nil {
			r.logger.Error("Failed to persist watermark", zap.String("watermark", highest), zap.Error(err))
		} else {
			result.Watermark = highest
		}
	}

	util.ReconcileTicksTotal.WithLabelValues("ok").Inc()
	if result.Deposits+result.Fulfilled+result.Failed+result.Expired > 0 || result.Errors > 0 {
		r.logger.Info("Reconcile tick finished",
			zap.Int("fetched", result.Fetched),
			zap.Int("expired", result.Expired),
			zap.Int("deposits", result.Deposits),
			zap.Int("fulfilled", result.Fulfilled),
			zap.Int("failed", result.Failed),
			zap.Int("unmatched", result.Unmatched),
			zap.Int("errors", result.Errors),
			zap.String("watermark", result.Watermark))
	}
	return result, nil
}

func (r *Reconciler) loadPending(ctx context.Context) (*pendingSet, error) {
	deposits, err := r.store.GetPendingIntents(ctx, models.IntentKindDeposit)
	if err != nil {
		return nil, fmt.Errorf("load pending deposits: %w", err)
	}
	orders, err := r.store.GetPendingIntents(ctx, models.IntentKindDirectOrder)
	if err != nil {
		return nil, fmt.Errorf("load pending direct orders: %w", err)
	}
	return &pendingSet{deposits: deposits, orders: orders}, nil
}

// expireDirectOrders cancels direct orders pending for at least the TTL. An
// expired order is dropped from this tick's match set even when cancelling it failed.
func (r *Reconciler) expireDirectOrders(ctx context.Context, pending *pendingSet) int {
	if r.ttl <= 0 {
		return 0
	}

	now := r.now()
	active := pending.orders[:0]
	expired := 0

	for _, order := range pending.orders {
		if now.Sub(order.CreatedAt) < r.ttl {
			active = append(active, order)
			continue
		}

		if err := r.store.CancelIntent(ctx, order.ID); err != nil {
			if !store.IsBenign(err) {
				r.logger.Error("Failed to expire direct order", zap.Int64("intent_id", order.ID), zap.Error(err))
			}
			continue
		}

		expired++
		util.IntentsCancelledTotal.WithLabelValues("expired").Inc()
		r.logger.Info("Direct order expired",
			zap.Int64("intent_id", order.ID),
			zap.Int64("owner_id", order.OwnerID),
			zap.Duration("ttl", r.ttl))

		event := &models.OrderExpiredEvent{
			BaseEvent: models.NewBaseEvent(models.EventTypeOrderExpired, now),
			OwnerID:   order.OwnerID,
			IntentID:  order.ID,
			Code:      order.Code,
		}
		if err := r.notifier.PublishOrderExpired(ctx, event); err != nil {
			r.logger.Error("Failed to publish OrderExpired event", zap.Error(err))
		}
	}

	pending.orders = active
	return expired
}

// settle applies one unprocessed transaction. Deposits are matched before
// direct orders; a direct order only matches when fully paid.
func (r *Reconciler) settle(ctx context.Context, tx models.ExternalTransaction, pending *pendingSet, result *TickResult) error {
	narration := NormalizeNarration(tx.Narration)

	for i := range pending.deposits {
		intent := pending.deposits[i]
		if !narrationContains(narration, intent.Code) {
			continue
		}
		err := r.confirmDeposit(ctx, intent, tx)
		if errors.Is(err, models.ErrIntentAlreadyTerminal) {
			pending.remove(intent.ID)
			return r.markUnmatched(ctx, tx, result)
		}
		if err != nil {
			return err
		}
		pending.remove(intent.ID)
		result.Deposits++
		return nil
	}

	for i := range pending.orders {
		intent := pending.orders[i]
		if !narrationContains(narration, intent.Code) {
			continue
		}
		if tx.Amount < intent.Amount {
			r.logger.Warn("Underpaid direct order left pending",
				zap.Int64("intent_id", intent.ID),
				zap.String("tx_id", tx.ID),
				zap.Int64("expected", intent.Amount),
				zap.Int64("received", tx.Amount))
			continue
		}

		outcome, err := r.fulfillDirectOrder(ctx, intent, tx)
		if errors.Is(err, models.ErrIntentAlreadyTerminal) {
			pending.remove(intent.ID)
			return r.markUnmatched(ctx, tx, result)
		}
		if err != nil {
			return err
		}
		pending.remove(intent.ID)
		if outcome == models.TxOutcomeFailed {
			result.Failed++
		} else {
			result.Fulfilled++
		}
		return nil
	}

	return r.markUnmatched(ctx, tx, result)
}

func (r *Reconciler) markUnmatched(ctx context.Context, tx models.ExternalTransaction, result *TickResult) error {
	if err := r.store.MarkTransactionProcessed(ctx, tx.ID, models.TxOutcomeUnmatched); err != nil {
		return fmt.Errorf("mark unmatched: %w", err)
	}
	result.Unmatched++
	util.ReconcileTransactionsTotal.WithLabelValues(models.TxOutcomeUnmatched).Inc()
	return nil
}

func (r *Reconciler) confirmDeposit(ctx context.Context, intent models.PaymentIntent, tx models.ExternalTransaction) error {
	wallet, err := r.store.ConfirmDeposit(ctx, intent.ID, tx.ID, tx.Amount)
	if errors.Is(err, models.ErrTransactionProcessed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("confirm deposit %d: %w", intent.ID, err)
	}

	util.IntentsConfirmedTotal.WithLabelValues(string(models.IntentKindDeposit)).Inc()
	util.WalletCreditsTotal.WithLabelValues(string(models.CurrencyVND), "deposit").Inc()
	util.ReconcileTransactionsTotal.WithLabelValues(models.TxOutcomeDeposit).Inc()
	r.logger.Info("Deposit confirmed",
		zap.Int64("intent_id", intent.ID),
		zap.Int64("owner_id", intent.OwnerID),
		zap.String("tx_id", tx.ID),
		zap.Int64("amount", tx.Amount),
		zap.Time("received_at", tx.ReceivedAt),
		zap.Int64("balance", wallet.Balance))

	event := &models.DepositConfirmedEvent{
		BaseEvent:  models.NewBaseEvent(models.EventTypeDepositConfirmed, r.now()),
		OwnerID:    intent.OwnerID,
		IntentID:   intent.ID,
		Amount:     tx.Amount,
		NewBalance: wallet.Balance,
		TxID:       tx.ID,
	}
	if err := r.notifier.PublishDepositConfirmed(ctx, event); err != nil {
		r.logger.Error("Failed to publish DepositConfirmed event", zap.Error(err))
	}
	return nil
}

// fulfillDirectOrder delivers a paid order. A stock shortfall is terminal:
// the intent becomes failed and the transaction is still recorded.
func (r *Reconciler) fulfillDirectOrder(ctx context.Context, intent models.PaymentIntent, tx models.ExternalTransaction) (string, error) {
	sale, items, err := r.store.FulfillDirectOrder(ctx, &intent, tx.ID, tx.Amount)
	if errors.Is(err, models.ErrTransactionProcessed) {
		return models.TxOutcomeFulfilled, nil
	}
	if errors.Is(err, models.ErrInsufficientStock) {
		return models.TxOutcomeFailed, r.failDirectOrder(ctx, intent, tx, err)
	}
	if err != nil {
		return "", fmt.Errorf("fulfill direct order %d: %w", intent.ID, err)
	}

	util.IntentsConfirmedTotal.WithLabelValues(string(models.IntentKindDirectOrder)).Inc()
	util.ReconcileTransactionsTotal.WithLabelValues(models.TxOutcomeFulfilled).Inc()
	r.logger.Info("Direct order fulfilled",
		zap.Int64("intent_id", intent.ID),
		zap.Int64("sale_id", sale.ID),
		zap.Int64("owner_id", intent.OwnerID),
		zap.String("tx_id", tx.ID),
		zap.Time("received_at", tx.ReceivedAt),
		zap.Int("delivered", len(items)))

	event := &models.OrderFulfilledEvent{
		BaseEvent:     models.NewBaseEvent(models.EventTypeOrderFulfilled, r.now()),
		OwnerID:       intent.OwnerID,
		IntentID:      intent.ID,
		SaleID:        sale.ID,
		ProductID:     sale.ProductID,
		Quantity:      intent.Quantity,
		BonusQuantity: intent.BonusQuantity,
		Total:         intent.Amount,
		Items:         itemContents(items),
	}
	if err := r.notifier.PublishOrderFulfilled(ctx, event); err != nil {
		r.logger.Error("Failed to publish OrderFulfilled event", zap.Error(err))
	}
	return models.TxOutcomeFulfilled, nil
}

func (r *Reconciler) failDirectOrder(ctx context.Context, intent models.PaymentIntent, tx models.ExternalTransaction, cause error) error {
	err := r.store.FailDirectOrder(ctx, intent.ID, tx.ID, tx.Amount)
	if errors.Is(err, models.ErrTransactionProcessed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("fail direct order %d: %w", intent.ID, err)
	}

	util.AllocationFailuresTotal.Inc()
	util.ReconcileTransactionsTotal.WithLabelValues(models.TxOutcomeFailed).Inc()
	r.logger.Error("Paid direct order could not be delivered",
		zap.Int64("intent_id", intent.ID),
		zap.Int64("owner_id", intent.OwnerID),
		zap.String("tx_id", tx.ID),
		zap.Int64("received", tx.Amount),
		zap.Error(fmt.Errorf("%w: %v", models.ErrAllocationFailedAfterPayment, cause)))

	event := &models.OrderFailedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypeOrderFailed, r.now()),
		OwnerID:   intent.OwnerID,
		IntentID:  intent.ID,
		TxID:      tx.ID,
		Amount:    tx.Amount,
		Reason:    models.ErrAllocationFailedAfterPayment.Error(),
	}
	if err := r.notifier.PublishOrderFailed(ctx, event); err != nil {
		r.logger.Error("Failed to publish OrderFailed event", zap.Error(err))
	}
	return nil
}

// NormalizeNarration upper-cases s and strips all whitespace so bank-inserted
// spaces or line breaks can not split a reference code.
func NormalizeNarration(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, s)
}

func narrationContains(normalized, code string) bool {
	c := NormalizeNarration(code)
	return c != "" && strings.Contains(normalized, c)
}

// isNewer compares numerically when both ids are integers. Anything else
// counts as newer so an unparsable id is never dropped by the watermark.
func isNewer(id, watermark string) bool {
	if watermark == "" {
		return true
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return true
	}
	w, err := strconv.ParseInt(watermark, 10, 64)
	if err != nil {
		return true
	}
	return n > w
}

// highestNumericID returns the largest integer id among txs and watermark
func highestNumericID(txs []models.ExternalTransaction, watermark string) string {
	best, haveBest := int64(0), false
	if w, err := strconv.ParseInt(watermark, 10, 64); err == nil {
		best, haveBest = w, true
	}
	for _, tx := range txs {
		n, err := strconv.ParseInt(tx.ID, 10, 64)
		if err != nil {
			continue
		}
		if !haveBest || n > best {
			best, haveBest = n, true
		}
	}
	if !haveBest {
		return watermark
	}
	return strconv.FormatInt(best, 10)
}
