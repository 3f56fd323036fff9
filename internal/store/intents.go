package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateIntent inserts a pending payment intent. ErrCodeTaken is returned when
// another pending intent already carries the same reference code.
func (s *Store) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	if intent.Status == "" {
		intent.Status = models.IntentStatusPending
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = now()
	}
	intent.UpdatedAt = intent.CreatedAt

	query := s.db.Rebind(`
		INSERT INTO payment_intents (owner_id, kind, amount, received_amount, code, status, product_id, quantity, bonus_quantity, unit_price, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.GetContext(ctx, &intent.ID, query,
		intent.OwnerID, intent.Kind, intent.Amount, intent.Code, intent.Status,
		intent.ProductID, intent.Quantity, intent.BonusQuantity, intent.UnitPrice,
		intent.CreatedAt, intent.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrCodeTaken, intent.Code)
	}
	return err
}

// GetIntentByID retrieves a payment intent by ID
func (s *Store) GetIntentByID(ctx context.Context, id int64) (*models.PaymentIntent, error) {
	return getIntent(ctx, s.db, id)
}

func getIntent(ctx context.Context, q sqlx.ExtContext, id int64) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := sqlx.GetContext(ctx, q, &intent, q.Rebind("SELECT * FROM payment_intents WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrIntentNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// GetPendingIntents lists pending intents of one kind, oldest first
func (s *Store) GetPendingIntents(ctx context.Context, kind models.IntentKind) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.db.SelectContext(ctx, &intents, s.db.Rebind(`
		SELECT * FROM payment_intents
		WHERE status = ? AND kind = ?
		ORDER BY created_at, id`), models.IntentStatusPending, kind)
	return intents, err
}

// GetIntentsByOwner lists an owner's intents, newest first
func (s *Store) GetIntentsByOwner(ctx context.Context, ownerID int64) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.db.SelectContext(ctx, &intents,
		s.db.Rebind("SELECT * FROM payment_intents WHERE owner_id = ? ORDER BY created_at DESC, id DESC"), ownerID)
	return intents, err
}

// CancelIntent moves a pending intent to cancelled
func (s *Store) CancelIntent(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		return transitionIntent(ctx, tx, id, "", models.IntentStatusCancelled, 0, nil)
	})
}

// transitionIntent moves an intent out of pending. Only a pending intent can
// move, so a second caller gets ErrIntentAlreadyTerminal. An empty kind skips
// the kind check.
func transitionIntent(ctx context.Context, tx *sqlx.Tx, id int64, kind models.IntentKind, status string, received int64, txID *string) error {
	query := "UPDATE payment_intents SET status = ?, received_amount = ?, tx_id = ?, updated_at = ? WHERE id = ? AND status = ?"
	args := []interface{}{status, received, txID, now(), id, models.IntentStatusPending}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update intent %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	current, err := getIntent(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Status == models.IntentStatusPending {
		return fmt.Errorf("%w: intent %d is a %s", models.ErrIntentNotFound, id, current.Kind)
	}
	return fmt.Errorf("%w: intent %d is %s", models.ErrIntentAlreadyTerminal, id, current.Status)
}
