package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

// GetWallet returns an owner's balances. Unknown owners have an empty wallet.
func (s *Store) GetWallet(ctx context.Context, ownerID int64) (*models.Wallet, error) {
	return getWallet(ctx, s.db, ownerID)
}

// usdtScale is the number of USDT decimals kept. Balances are stored as
// integer units of 10^-usdtScale so both backends add and compare them exactly.
const usdtScale = 8

type walletRow struct {
	OwnerID   int64     `db:"owner_id"`
	Balance   int64     `db:"balance"`
	USDTUnits int64     `db:"balance_usdt_units"`
	UpdatedAt time.Time `db:"updated_at"`
}

func getWallet(ctx context.Context, q sqlx.ExtContext, ownerID int64) (*models.Wallet, error) {
	var row walletRow
	err := sqlx.GetContext(ctx, q, &row, q.Rebind(`
		SELECT owner_id, balance, balance_usdt_units, updated_at
		FROM wallets WHERE owner_id = ?`), ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.Wallet{OwnerID: ownerID, BalanceUSDT: decimal.Zero}, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.Wallet{
		OwnerID:     row.OwnerID,
		Balance:     row.Balance,
		BalanceUSDT: decimal.New(row.USDTUnits, -usdtScale),
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

// CreditWallet adds amount to one balance and returns the updated wallet
func (s *Store) CreditWallet(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal) (*models.Wallet, error) {
	var w *models.Wallet
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := creditWallet(ctx, tx, ownerID, currency, amount); err != nil {
			return err
		}
		var err error
		w, err = getWallet(ctx, tx, ownerID)
		return err
	})
	return w, err
}

// DebitWallet subtracts amount from one balance, failing rather than going negative
func (s *Store) DebitWallet(ctx context.Context, ownerID int64, currency models.Currency, amount decimal.Decimal) (*models.Wallet, error) {
	var w *models.Wallet
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := debitWallet(ctx, tx, ownerID, currency, amount); err != nil {
			return err
		}
		var err error
		w, err = getWallet(ctx, tx, ownerID)
		return err
	})
	return w, err
}

func balanceColumn(currency models.Currency) (string, error) {
	switch currency {
	case models.CurrencyVND:
		return "balance", nil
	case models.CurrencyUSDT:
		return "balance_usdt_units", nil
	}
	return "", fmt.Errorf("%w: %q", models.ErrInvalidCurrency, currency)
}

// walletAmount converts amount to the integer stored for currency. USDT
// amounts finer than usdtScale decimals are rejected.
func walletAmount(currency models.Currency, amount decimal.Decimal) (int64, error) {
	if currency == models.CurrencyVND {
		return amount.IntPart(), nil
	}
	units := amount.Shift(usdtScale)
	if !units.IsInteger() {
		return 0, fmt.Errorf("%w: %s usdt has more than %d decimals", models.ErrInvalidAmount, amount, usdtScale)
	}
	return units.IntPart(), nil
}

func creditWallet(ctx context.Context, tx *sqlx.Tx, ownerID int64, currency models.Currency, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return models.ErrInvalidAmount
	}
	col, err := balanceColumn(currency)
	if err != nil {
		return err
	}
	v, err := walletAmount(currency, amount)
	if err != nil {
		return err
	}

	ts := now()
	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO wallets (owner_id, balance, balance_usdt_units, updated_at)
		VALUES (?, 0, 0, ?)
		ON CONFLICT (owner_id) DO NOTHING`), ownerID, ts); err != nil {
		return fmt.Errorf("failed to open wallet %d: %w", ownerID, err)
	}

	query := fmt.Sprintf("UPDATE wallets SET %s = %s + ?, updated_at = ? WHERE owner_id = ?", col, col)
	if _, err := tx.ExecContext(ctx, tx.Rebind(query), v, ts, ownerID); err != nil {
		return fmt.Errorf("failed to credit wallet %d: %w", ownerID, err)
	}
	return nil
}

// debitWallet is a single conditional update so concurrent debits can never
// take a balance below zero.
func debitWallet(ctx context.Context, tx *sqlx.Tx, ownerID int64, currency models.Currency, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return models.ErrInvalidAmount
	}
	col, err := balanceColumn(currency)
	if err != nil {
		return err
	}

	v, err := walletAmount(currency, amount)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE wallets SET %s = %s - ?, updated_at = ? WHERE owner_id = ? AND %s >= ?", col, col, col)
	res, err := tx.ExecContext(ctx, tx.Rebind(query), v, now(), ownerID, v)
	if err != nil {
		return fmt.Errorf("failed to debit wallet %d: %w", ownerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: owner %d needs %s %s", models.ErrInsufficientBalance, ownerID, amount, currency)
	}
	return nil
}
