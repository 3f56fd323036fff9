package service

import (
	"context"
	"fmt"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// WalletService exposes the wallet ledger. It never converts between currencies.
type WalletService struct {
	store  WalletStore
	logger *zap.Logger
}

// NewWalletService creates a new wallet service
func NewWalletService(store WalletStore) *WalletService {
	return &WalletService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Balance returns both balances of an owner
func (ws *WalletService) Balance(ctx context.Context, ownerID int64) (*models.Wallet, error) {
	return ws.store.GetWallet(ctx, ownerID)
}

// Sales lists an owner's purchases, newest first
func (ws *WalletService) Sales(ctx context.Context, ownerID int64) ([]models.Sale, error) {
	sales, err := ws.store.GetSalesByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sales of owner %d: %w", ownerID, err)
	}
	return sales, nil
}

// Intents lists an owner's deposits and direct orders, newest first
func (ws *WalletService) Intents(ctx context.Context, ownerID int64) ([]models.PaymentIntent, error) {
	intents, err := ws.store.GetIntentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list intents of owner %d: %w", ownerID, err)
	}
	return intents, nil
}

// Credit adds to one balance. Used by operators, e.g. for a manually verified crypto top-up.
func (ws *WalletService) Credit(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Credit")
	defer span.End()

	if err := validateAmount(currency, amount); err != nil {
		return nil, err
	}

	w, err := ws.store.CreditWallet(ctx, ownerID, currency, amount)
	if err != nil {
		return nil, err
	}

	util.WalletCreditsTotal.WithLabelValues(string(currency), "operator").Inc()
	ws.logger.Info("Wallet credited",
		zap.Int64("owner_id", ownerID),
		zap.String("currency", string(currency)),
		zap.String("amount", amount.String()))
	return w, nil
}

// Debit subtracts from one balance, failing with ErrInsufficientBalance rather than going negative
func (ws *WalletService) Debit(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal) (*models.Wallet, error) {
	ctx, span := util.StartSpan(ctx, "WalletService.Debit")
	defer span.End()

	if err := validateAmount(currency, amount); err != nil {
		return nil, err
	}
	return ws.store.DebitWallet(ctx, ownerID, currency, amount)
}

// validateAmount rejects non-positive amounts and fractional VND
func validateAmount(currency models.Currency, amount decimal.Decimal) error {
	if !currency.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidCurrency, currency)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: must be positive", models.ErrInvalidAmount)
	}
	if currency == models.CurrencyVND && !amount.Equal(amount.Truncate(0)) {
		return fmt.Errorf("%w: VND amounts are whole numbers", models.ErrInvalidAmount)
	}
	return nil
}
