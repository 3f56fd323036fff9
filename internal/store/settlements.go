package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// IsTransactionProcessed checks whether a gateway transaction has already been handled
func (s *Store) IsTransactionProcessed(ctx context.Context, txID string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind("SELECT COUNT(*) FROM processed_transactions WHERE tx_id = ?"), txID)
	return count > 0, err
}

// GetProcessedTransaction returns the processed-set entry of a gateway transaction
func (s *Store) GetProcessedTransaction(ctx context.Context, txID string) (*models.ProcessedTransaction, error) {
	var p models.ProcessedTransaction
	err := s.db.GetContext(ctx, &p, s.db.Rebind("SELECT * FROM processed_transactions WHERE tx_id = ?"), txID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrTransactionNotFound, txID)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// MarkTransactionProcessed records a transaction that produced no effect.
// Marking twice is not an error.
func (s *Store) MarkTransactionProcessed(ctx context.Context, txID string, outcome string) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		_, err := markProcessed(ctx, tx, txID, nil, outcome)
		return err
	})
}

// markProcessed reports false when txID was already in the processed set
func markProcessed(ctx context.Context, tx *sqlx.Tx, txID string, intentID *int64, outcome string) (bool, error) {
	res, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO processed_transactions (tx_id, intent_id, outcome, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tx_id) DO NOTHING`), txID, intentID, outcome, now())
	if err != nil {
		return false, fmt.Errorf("failed to mark transaction %s processed: %w", txID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// claimTransaction marks txID processed inside tx or reports that it already was
func claimTransaction(ctx context.Context, tx *sqlx.Tx, txID string, intentID int64, outcome string) error {
	inserted, err := markProcessed(ctx, tx, txID, &intentID, outcome)
	if err != nil {
		return err
	}
	if !inserted {
		return fmt.Errorf("%w: %s", models.ErrTransactionProcessed, txID)
	}
	return nil
}

// ConfirmDeposit settles a deposit intent with the transaction that paid it.
// Marking the transaction, confirming the intent and crediting the wallet
// commit together or not at all.
func (s *Store) ConfirmDeposit(ctx context.Context, intentID int64, txID string, received int64) (*models.Wallet, error) {
	var wallet *models.Wallet
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := claimTransaction(ctx, tx, txID, intentID, models.TxOutcomeDeposit); err != nil {
			return err
		}
		if err := transitionIntent(ctx, tx, intentID, models.IntentKindDeposit, models.IntentStatusConfirmed, received, &txID); err != nil {
			return err
		}

		intent, err := getIntent(ctx, tx, intentID)
		if err != nil {
			return err
		}
		if err := creditWallet(ctx, tx, intent.OwnerID, models.CurrencyVND, decimal.NewFromInt(received)); err != nil {
			return err
		}

		wallet, err = getWallet(ctx, tx, intent.OwnerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wallet, nil
}

// FulfillDirectOrder confirms a paid direct order, records its sale and claims
// its stock in one transaction. ErrInsufficientStock leaves nothing behind;
// the caller is expected to follow up with FailDirectOrder.
func (s *Store) FulfillDirectOrder(ctx context.Context, intent *models.PaymentIntent, txID string, received int64) (*models.Sale, []models.StockItem, error) {
	if intent.ProductID == nil {
		return nil, nil, fmt.Errorf("%w: intent %d has no product", models.ErrIntentNotFound, intent.ID)
	}

	var (
		sale  *models.Sale
		items []models.StockItem
	)
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := claimTransaction(ctx, tx, txID, intent.ID, models.TxOutcomeFulfilled); err != nil {
			return err
		}
		if err := transitionIntent(ctx, tx, intent.ID, models.IntentKindDirectOrder, models.IntentStatusConfirmed, received, &txID); err != nil {
			return err
		}

		intentID := intent.ID
		sale = &models.Sale{
			OwnerID:       intent.OwnerID,
			ProductID:     *intent.ProductID,
			Currency:      models.CurrencyVND,
			Quantity:      intent.Quantity,
			BonusQuantity: intent.BonusQuantity,
			UnitPrice:     decimal.NewFromInt(intent.UnitPrice),
			TotalPrice:    decimal.NewFromInt(intent.Amount),
			TotalVND:      intent.Amount,
			Source:        models.SaleSourceDirectOrder,
			IntentID:      &intentID,
		}
		if err := insertSale(ctx, tx, sale, now()); err != nil {
			return fmt.Errorf("failed to record sale: %w", err)
		}

		var err error
		items, err = s.reserveStock(ctx, tx, *intent.ProductID, intent.RequiredQuantity(), &sale.ID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return sale, items, nil
}

// FailDirectOrder records that a paid direct order could not be delivered
func (s *Store) FailDirectOrder(ctx context.Context, intentID int64, txID string, received int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := claimTransaction(ctx, tx, txID, intentID, models.TxOutcomeFailed); err != nil {
			return err
		}
		return transitionIntent(ctx, tx, intentID, models.IntentKindDirectOrder, models.IntentStatusFailed, received, &txID)
	})
}

// BalancePurchase describes a sale paid from the owner's wallet
type BalancePurchase struct {
	OwnerID       int64
	ProductID     int64
	Currency      models.Currency
	Quantity      int
	BonusQuantity int
	UnitPrice     decimal.Decimal
	TotalPrice    decimal.Decimal
	TotalVND      int64
}

// PurchaseWithBalance debits the wallet, records the sale and claims stock in
// one transaction. Either error leaves balance and stock untouched.
func (s *Store) PurchaseWithBalance(ctx context.Context, p BalancePurchase) (*models.Sale, []models.StockItem, *models.Wallet, error) {
	var (
		sale   *models.Sale
		items  []models.StockItem
		wallet *models.Wallet
	)
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := debitWallet(ctx, tx, p.OwnerID, p.Currency, p.TotalPrice); err != nil {
			return err
		}

		sale = &models.Sale{
			OwnerID:       p.OwnerID,
			ProductID:     p.ProductID,
			Currency:      p.Currency,
			Quantity:      p.Quantity,
			BonusQuantity: p.BonusQuantity,
			UnitPrice:     p.UnitPrice,
			TotalPrice:    p.TotalPrice,
			TotalVND:      p.TotalVND,
			Source:        models.SaleSourceBalance,
		}
		if err := insertSale(ctx, tx, sale, now()); err != nil {
			return fmt.Errorf("failed to record sale: %w", err)
		}

		var err error
		items, err = s.reserveStock(ctx, tx, p.ProductID, p.Quantity+p.BonusQuantity, &sale.ID)
		if err != nil {
			return err
		}

		wallet, err = getWallet(ctx, tx, p.OwnerID)
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return sale, items, wallet, nil
}

// IsBenign reports errors that mean another worker already settled the record
func IsBenign(err error) bool {
	return errors.Is(err, models.ErrTransactionProcessed) || errors.Is(err, models.ErrIntentAlreadyTerminal)
}
