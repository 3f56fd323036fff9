package service

import (
	"context"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/shopspring/decimal"
)

// CatalogStore reads products and their live stock level
type CatalogStore interface {
	GetProductByID(ctx context.Context, id int64) (*models.Product, error)
	CountAvailable(ctx context.Context, productID int64) (int, error)
}

// StockStore is the inventory side of the store
type StockStore interface {
	CatalogStore
	AddStock(ctx context.Context, productID int64, contents []string) (int, error)
	ReserveStock(ctx context.Context, productID int64, quantity int) ([]models.StockItem, error)
	ExportStock(ctx context.Context, productID int64, includeSold bool) ([]models.StockItem, error)
	PurgeStock(ctx context.Context, productID int64, includeSold bool) (int64, error)
}

// WalletStore adjusts balances with relative updates
type WalletStore interface {
	GetWallet(ctx context.Context, ownerID int64) (*models.Wallet, error)
	CreditWallet(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal) (*models.Wallet, error)
	DebitWallet(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal) (*models.Wallet, error)
	GetSalesByOwner(ctx context.Context, ownerID int64) ([]models.Sale, error)
	GetIntentsByOwner(ctx context.Context, ownerID int64) ([]models.PaymentIntent, error)
}

// CheckoutStore covers request-time purchases and intent issuance
type CheckoutStore interface {
	CatalogStore
	GetWallet(ctx context.Context, ownerID int64) (*models.Wallet, error)
	PurchaseWithBalance(ctx context.Context, p store.BalancePurchase) (*models.Sale, []models.StockItem, *models.Wallet, error)
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByID(ctx context.Context, id int64) (*models.PaymentIntent, error)
	CancelIntent(ctx context.Context, id int64) error
	GetProcessedTransaction(ctx context.Context, txID string) (*models.ProcessedTransaction, error)
	GetSaleByID(ctx context.Context, id int64) (*models.Sale, error)
	GetStockBySale(ctx context.Context, saleID int64) ([]models.StockItem, error)
}

// LedgerStore is everything one reconciliation tick touches
type LedgerStore interface {
	GetPendingIntents(ctx context.Context, kind models.IntentKind) ([]models.PaymentIntent, error)
	CancelIntent(ctx context.Context, id int64) error
	IsTransactionProcessed(ctx context.Context, txID string) (bool, error)
	MarkTransactionProcessed(ctx context.Context, txID string, outcome string) error
	ConfirmDeposit(ctx context.Context, intentID int64, txID string, received int64) (*models.Wallet, error)
	FulfillDirectOrder(ctx context.Context, intent *models.PaymentIntent, txID string, received int64) (*models.Sale, []models.StockItem, error)
	FailDirectOrder(ctx context.Context, intentID int64, txID string, received int64) error
	GetSetting(ctx context.Context, key, def string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

// TransactionFeed is the external gateway feed
type TransactionFeed interface {
	FetchTransactions(ctx context.Context) ([]models.ExternalTransaction, error)
}

// Notifier delivers customer-facing events. Callers log and drop its errors.
type Notifier interface {
	PublishDepositConfirmed(ctx context.Context, event *models.DepositConfirmedEvent) error
	PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error
	PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishPaymentInstructionIssued(ctx context.Context, event *models.PaymentInstructionIssuedEvent) error
}

// FastPollMarker shortens the reconcile interval after an instruction is issued
type FastPollMarker interface {
	MarkFastPoll(ctx context.Context, window time.Duration) error
}

// IdempotencyCache remembers responses of retried requests. Reserve must be
// atomic so only one request can hold a key.
type IdempotencyCache interface {
	ReserveIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) (string, bool, error)
	SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}
