package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/pricing"
	"fulfillment-service/internal/store"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	codeAttempts     = 5
	idempotencyTTL   = 24 * time.Hour
	idempotencyLease = time.Minute
	idempotencyBusy  = "in-progress"

	depositCodePrefix     = "NAP"
	directOrderCodePrefix = "MUA"
)

// CheckoutOptions carries the business settings checkout needs
type CheckoutOptions struct {
	BankName         string
	AccountNumber    string
	AccountName      string
	CodePrefix       string
	USDTRate         int64
	DepositMinAmount int64
	DepositMaxAmount int64
	DirectOrderTTL   time.Duration
	FastPollWindow   time.Duration
}

// CheckoutService handles purchases and payment instructions
type CheckoutService struct {
	store    CheckoutStore
	notifier Notifier
	fastPoll FastPollMarker
	cache    IdempotencyCache
	opts     CheckoutOptions
	digits   func() int
	now      func() time.Time
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service. fastPoll and cache may be nil.
func NewCheckoutService(
	store CheckoutStore,
	notifier Notifier,
	fastPoll FastPollMarker,
	cache IdempotencyCache,
	opts CheckoutOptions,
) *CheckoutService {
	return &CheckoutService{
		store:    store,
		notifier: notifier,
		fastPoll: fastPoll,
		cache:    cache,
		opts:     opts,
		digits:   func() int { return rand.Intn(10000) },
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// QuoteResponse is a price quote with the live purchase limits
type QuoteResponse struct {
	ProductID     int64         `json:"product_id"`
	Quote         pricing.Quote `json:"quote"`
	Available     int           `json:"available"`
	MaxByStock    int           `json:"max_by_stock"`
	MaxAffordable *int          `json:"max_affordable,omitempty"`
}

// Quote prices quantity units. When ownerID is set the owner's balance bounds MaxAffordable.
func (s *CheckoutService) Quote(ctx context.Context, productID int64, quantity int, currency models.Currency, ownerID *int64) (*QuoteResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.Quote")
	defer span.End()

	if !currency.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCurrency, currency)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}

	product, err := s.store.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}
	available, err := s.store.CountAvailable(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to count stock: %w", err)
	}

	resp := &QuoteResponse{
		ProductID:  productID,
		Quote:      pricing.Compute(product, quantity, currency),
		Available:  available,
		MaxByStock: pricing.MaxByStock(product, available),
	}

	if ownerID != nil {
		wallet, err := s.store.GetWallet(ctx, *ownerID)
		if err != nil {
			return nil, fmt.Errorf("failed to read wallet: %w", err)
		}
		balance := decimal.NewFromInt(wallet.Balance)
		if currency == models.CurrencyUSDT {
			balance = wallet.BalanceUSDT
		}
		affordable := pricing.MaxAffordable(product, balance, available, currency)
		resp.MaxAffordable = &affordable
	}
	return resp, nil
}

// PurchaseRequest represents a request to buy with the wallet balance
type PurchaseRequest struct {
	OwnerID        int64           `json:"owner_id" binding:"required"`
	ProductID      int64           `json:"product_id" binding:"required"`
	Quantity       int             `json:"quantity" binding:"required,min=1"`
	Currency       models.Currency `json:"currency"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// PurchaseResponse lists the delivered units of a balance purchase
type PurchaseResponse struct {
	SaleID        int64           `json:"sale_id"`
	ProductID     int64           `json:"product_id"`
	Currency      models.Currency `json:"currency"`
	Quantity      int             `json:"quantity"`
	BonusQuantity int             `json:"bonus_quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Total         decimal.Decimal `json:"total"`
	Items         []string        `json:"items"`
	Balance       int64           `json:"balance"`
	BalanceUSDT   decimal.Decimal `json:"balance_usdt"`
}

// PurchaseWithBalance debits the wallet and delivers stock in one transaction
func (s *CheckoutService) PurchaseWithBalance(ctx context.Context, req *PurchaseRequest) (*PurchaseResponse, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.PurchaseWithBalance")
	defer span.End()

	if req.Currency == "" {
		req.Currency = models.CurrencyVND
	}
	if !req.Currency.Valid() {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidCurrency, req.Currency)
	}
	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, req.Quantity)
	}

	var ref purchaseRef
	call, replay, err := s.beginIdempotent(ctx, "purchase", req.IdempotencyKey, &ref)
	if err != nil {
		return nil, err
	}
	if replay {
		return s.replayPurchase(ctx, ref.SaleID)
	}
	defer call.abandon(ctx)

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	quote := pricing.Compute(product, req.Quantity, req.Currency)
	if !quote.TotalPrice.IsPositive() {
		util.PurchasesFailedTotal.WithLabelValues("unpriced").Inc()
		return nil, fmt.Errorf("%w: product %d has no %s price", models.ErrInvalidAmount, product.ID, req.Currency)
	}

	totalVND := quote.TotalMinor()
	if req.Currency == models.CurrencyUSDT {
		totalVND = quote.TotalPrice.Mul(decimal.NewFromInt(s.opts.USDTRate)).Round(0).IntPart()
	}

	sale, items, wallet, err := s.store.PurchaseWithBalance(ctx, store.BalancePurchase{
		OwnerID:       req.OwnerID,
		ProductID:     product.ID,
		Currency:      req.Currency,
		Quantity:      quote.Quantity,
		BonusQuantity: quote.BonusQuantity,
		UnitPrice:     quote.UnitPrice,
		TotalPrice:    quote.TotalPrice,
		TotalVND:      totalVND,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientBalance):
			util.PurchasesFailedTotal.WithLabelValues("insufficient_balance").Inc()
		case errors.Is(err, models.ErrInsufficientStock):
			util.PurchasesFailedTotal.WithLabelValues("insufficient_stock").Inc()
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		default:
			util.PurchasesFailedTotal.WithLabelValues("db_error").Inc()
		}
		return nil, err
	}

	util.PurchasesTotal.WithLabelValues(string(req.Currency)).Inc()
	s.logger.Info("Balance purchase completed",
		zap.Int64("sale_id", sale.ID),
		zap.Int64("owner_id", req.OwnerID),
		zap.Int64("product_id", product.ID),
		zap.Int("delivered", len(items)),
		zap.String("total", quote.TotalPrice.String()))

	call.finish(ctx, purchaseRef{SaleID: sale.ID})
	return purchaseResponse(sale, items, wallet), nil
}

// purchaseRef is what a replayed purchase remembers. Delivered contents are
// re-read from the store so they never sit in the cache.
type purchaseRef struct {
	SaleID int64 `json:"sale_id"`
}

func (s *CheckoutService) replayPurchase(ctx context.Context, saleID int64) (*PurchaseResponse, error) {
	sale, err := s.store.GetSaleByID(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sale %d: %w", saleID, err)
	}
	items, err := s.store.GetStockBySale(ctx, saleID)
	if err != nil {
		return nil, fmt.Errorf("failed to load items of sale %d: %w", saleID, err)
	}
	wallet, err := s.store.GetWallet(ctx, sale.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet: %w", err)
	}
	return purchaseResponse(sale, items, wallet), nil
}

func purchaseResponse(sale *models.Sale, items []models.StockItem, wallet *models.Wallet) *PurchaseResponse {
	return &PurchaseResponse{
		SaleID:        sale.ID,
		ProductID:     sale.ProductID,
		Currency:      sale.Currency,
		Quantity:      sale.Quantity,
		BonusQuantity: sale.BonusQuantity,
		UnitPrice:     sale.UnitPrice,
		Total:         sale.TotalPrice,
		Items:         itemContents(items),
		Balance:       wallet.Balance,
		BalanceUSDT:   wallet.BalanceUSDT,
	}
}

// DirectOrderRequest asks for transfer instructions to buy without a balance
type DirectOrderRequest struct {
	OwnerID        int64  `json:"owner_id" binding:"required"`
	ProductID      int64  `json:"product_id" binding:"required"`
	Quantity       int    `json:"quantity" binding:"required,min=1"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// DepositRequest asks for transfer instructions to top up the wallet
type DepositRequest struct {
	OwnerID        int64  `json:"owner_id" binding:"required"`
	Amount         int64  `json:"amount" binding:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// PaymentInstruction tells the customer how to pay an intent
type PaymentInstruction struct {
	IntentID        int64             `json:"intent_id"`
	Kind            models.IntentKind `json:"kind"`
	Code            string            `json:"code"`
	TransferContent string            `json:"transfer_content"`
	Amount          int64             `json:"amount"`
	BankName        string            `json:"bank_name"`
	AccountNumber   string            `json:"account_number"`
	AccountName     string            `json:"account_name"`
	QRURL           string            `json:"qr_url"`
	Quantity        int               `json:"quantity,omitempty"`
	BonusQuantity   int               `json:"bonus_quantity,omitempty"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty"`
}

// CreateDirectOrder snapshots a VND quote into a pending intent and returns
// transfer instructions. The stock check is advisory; delivery happens when
// the transfer is reconciled.
func (s *CheckoutService) CreateDirectOrder(ctx context.Context, req *DirectOrderRequest) (*PaymentInstruction, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateDirectOrder")
	defer span.End()

	if req.Quantity < 1 {
		return nil, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, req.Quantity)
	}

	var cached PaymentInstruction
	call, replay, err := s.beginIdempotent(ctx, "direct_order", req.IdempotencyKey, &cached)
	if err != nil {
		return nil, err
	}
	if replay {
		return &cached, nil
	}
	defer call.abandon(ctx)

	product, err := s.store.GetProductByID(ctx, req.ProductID)
	if err != nil {
		return nil, err
	}

	quote := pricing.Compute(product, req.Quantity, models.CurrencyVND)
	if quote.TotalMinor() <= 0 {
		return nil, fmt.Errorf("%w: product %d has no price", models.ErrInvalidAmount, product.ID)
	}

	available, err := s.store.CountAvailable(ctx, product.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to count stock: %w", err)
	}
	if available < quote.RequiredQuantity {
		return nil, fmt.Errorf("%w: product %d has %d, order needs %d",
			models.ErrInsufficientStock, product.ID, available, quote.RequiredQuantity)
	}

	productID := product.ID
	intent := &models.PaymentIntent{
		OwnerID:       req.OwnerID,
		Kind:          models.IntentKindDirectOrder,
		Amount:        quote.TotalMinor(),
		ProductID:     &productID,
		Quantity:      quote.Quantity,
		BonusQuantity: quote.BonusQuantity,
		UnitPrice:     quote.UnitPrice.IntPart(),
	}
	if err := s.createIntent(ctx, intent, directOrderCodePrefix); err != nil {
		return nil, err
	}

	instruction := s.instructionFor(intent)
	if s.opts.DirectOrderTTL > 0 {
		expiresAt := intent.CreatedAt.Add(s.opts.DirectOrderTTL)
		instruction.ExpiresAt = &expiresAt
	}

	s.afterInstructionIssued(ctx, intent)
	call.finish(ctx, instruction)
	return instruction, nil
}

// CreateDeposit issues a pending top-up intent
func (s *CheckoutService) CreateDeposit(ctx context.Context, req *DepositRequest) (*PaymentInstruction, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateDeposit")
	defer span.End()

	if req.Amount < s.opts.DepositMinAmount || (s.opts.DepositMaxAmount > 0 && req.Amount > s.opts.DepositMaxAmount) {
		return nil, fmt.Errorf("%w: deposit must be between %d and %d",
			models.ErrInvalidAmount, s.opts.DepositMinAmount, s.opts.DepositMaxAmount)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: must be positive", models.ErrInvalidAmount)
	}

	var cached PaymentInstruction
	call, replay, err := s.beginIdempotent(ctx, "deposit", req.IdempotencyKey, &cached)
	if err != nil {
		return nil, err
	}
	if replay {
		return &cached, nil
	}
	defer call.abandon(ctx)

	intent := &models.PaymentIntent{
		OwnerID: req.OwnerID,
		Kind:    models.IntentKindDeposit,
		Amount:  req.Amount,
	}
	if err := s.createIntent(ctx, intent, depositCodePrefix); err != nil {
		return nil, err
	}

	instruction := s.instructionFor(intent)
	s.afterInstructionIssued(ctx, intent)
	call.finish(ctx, instruction)
	return instruction, nil
}

// CancelIntent cancels a pending intent on an operator's request
func (s *CheckoutService) CancelIntent(ctx context.Context, intentID int64) error {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CancelIntent")
	defer span.End()

	if err := s.store.CancelIntent(ctx, intentID); err != nil {
		return err
	}

	util.IntentsCancelledTotal.WithLabelValues("operator").Inc()
	s.logger.Info("Intent cancelled by operator", zap.Int64("intent_id", intentID))
	return nil
}

// GetIntent retrieves a payment intent
func (s *CheckoutService) GetIntent(ctx context.Context, intentID int64) (*models.PaymentIntent, error) {
	return s.store.GetIntentByID(ctx, intentID)
}

// LookupTransaction tells an operator whether a bank transaction was applied and to which intent
func (s *CheckoutService) LookupTransaction(ctx context.Context, txID string) (*models.ProcessedTransaction, error) {
	return s.store.GetProcessedTransaction(ctx, txID)
}

// createIntent inserts intent under a fresh reference code, retrying when the
// code collides with another pending intent.
func (s *CheckoutService) createIntent(ctx context.Context, intent *models.PaymentIntent, prefix string) error {
	intent.CreatedAt = s.now().UTC()

	for attempt := 0; attempt < codeAttempts; attempt++ {
		intent.Code = ReferenceCode(prefix, intent.OwnerID, s.digits())

		err := s.store.CreateIntent(ctx, intent)
		if err == nil {
			util.IntentsCreatedTotal.WithLabelValues(string(intent.Kind)).Inc()
			s.logger.Info("Payment intent created",
				zap.Int64("intent_id", intent.ID),
				zap.Int64("owner_id", intent.OwnerID),
				zap.String("kind", string(intent.Kind)),
				zap.String("code", intent.Code),
				zap.Int64("amount", intent.Amount))
			return nil
		}
		if !errors.Is(err, store.ErrCodeTaken) {
			return fmt.Errorf("failed to create intent: %w", err)
		}
		s.logger.Debug("Reference code collision, retrying", zap.String("code", intent.Code))
	}
	return fmt.Errorf("failed to allocate a unique reference code after %d attempts", codeAttempts)
}

// ReferenceCode builds the code a customer puts in the transfer narration.
// The X separator keeps one owner's code from being a substring of another's.
func ReferenceCode(prefix string, ownerID int64, digits int) string {
	return fmt.Sprintf("%s%dX%04d", prefix, ownerID, digits%10000)
}

func (s *CheckoutService) instructionFor(intent *models.PaymentIntent) *PaymentInstruction {
	content := intent.Code
	if prefix := strings.TrimSpace(s.opts.CodePrefix); prefix != "" {
		content = prefix + " " + intent.Code
	}

	return &PaymentInstruction{
		IntentID:        intent.ID,
		Kind:            intent.Kind,
		Code:            intent.Code,
		TransferContent: content,
		Amount:          intent.Amount,
		BankName:        s.opts.BankName,
		AccountNumber:   s.opts.AccountNumber,
		AccountName:     s.opts.AccountName,
		QRURL:           VietQRURL(s.opts.BankName, s.opts.AccountNumber, s.opts.AccountName, intent.Amount, content),
		Quantity:        intent.Quantity,
		BonusQuantity:   intent.BonusQuantity,
	}
}

// afterInstructionIssued speeds up reconciliation while the customer is paying
func (s *CheckoutService) afterInstructionIssued(ctx context.Context, intent *models.PaymentIntent) {
	if s.fastPoll != nil && s.opts.FastPollWindow > 0 {
		if err := s.fastPoll.MarkFastPoll(ctx, s.opts.FastPollWindow); err != nil {
			s.logger.Warn("Failed to mark fast poll window", zap.Error(err))
		}
	}

	event := &models.PaymentInstructionIssuedEvent{
		BaseEvent: models.NewBaseEvent(models.EventTypePaymentInstructionIssued, s.now()),
		OwnerID:   intent.OwnerID,
		IntentID:  intent.ID,
		Kind:      intent.Kind,
		Code:      intent.Code,
		Amount:    intent.Amount,
	}
	if err := s.notifier.PublishPaymentInstructionIssued(ctx, event); err != nil {
		s.logger.Error("Failed to publish PaymentInstructionIssued event", zap.Error(err))
	}
}

// beginIdempotent reserves key before the request runs. replay is true when an
// earlier request with the same key finished; out then holds its result. A
// request still holding the key gets ErrRequestInProgress. Without a cache or
// key the returned call is nil and every request runs.
func (s *CheckoutService) beginIdempotent(ctx context.Context, scope, key string, out interface{}) (*idempotentCall, bool, error) {
	if s.cache == nil || key == "" {
		return nil, false, nil
	}
	name := scope + ":" + key

	// The second attempt covers a reservation that expired between the two calls.
	for attempt := 0; attempt < 2; attempt++ {
		reserved, err := s.cache.ReserveIdempotencyKey(ctx, name, idempotencyBusy, idempotencyLease)
		if err != nil {
			s.logger.Warn("Idempotency reservation failed, running without it", zap.String("key", key), zap.Error(err))
			return nil, false, nil
		}
		if reserved {
			return &idempotentCall{s: s, name: name}, false, nil
		}

		raw, found, err := s.cache.GetIdempotencyKey(ctx, name)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read idempotency key %s: %w", key, err)
		}
		if !found {
			continue
		}
		if raw == idempotencyBusy {
			return nil, false, fmt.Errorf("%w: %s", models.ErrRequestInProgress, key)
		}
		if err := json.Unmarshal([]byte(raw), out); err != nil {
			return nil, false, fmt.Errorf("unreadable idempotent response for %s: %w", key, err)
		}

		s.logger.Info("Duplicate request detected", zap.String("scope", scope), zap.String("idempotency_key", key))
		return nil, true, nil
	}
	return nil, false, fmt.Errorf("%w: %s", models.ErrRequestInProgress, key)
}

// idempotentCall is a reserved idempotency key. finish stores the result;
// abandon frees the key of a failed request so the client can retry.
type idempotentCall struct {
	s        *CheckoutService
	name     string
	finished bool
}

func (c *idempotentCall) finish(ctx context.Context, result interface{}) {
	if c == nil {
		return
	}
	c.finished = true

	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := c.s.cache.SetIdempotencyKey(context.WithoutCancel(ctx), c.name, string(raw), idempotencyTTL); err != nil {
		c.s.logger.Warn("Failed to store idempotent response", zap.String("key", c.name), zap.Error(err))
	}
}

func (c *idempotentCall) abandon(ctx context.Context) {
	if c == nil || c.finished {
		return
	}
	if err := c.s.cache.ReleaseIdempotencyKey(context.WithoutCancel(ctx), c.name); err != nil {
		c.s.logger.Warn("Failed to release idempotency key", zap.String("key", c.name), zap.Error(err))
	}
}

func itemContents(items []models.StockItem) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Content
	}
	return out
}
