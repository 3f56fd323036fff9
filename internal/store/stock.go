package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// stockBatchSize keeps bulk inserts under the bind parameter limit of both drivers
const stockBatchSize = 500

// AddStock appends deliverable units to a product's pool
func (s *Store) AddStock(ctx context.Context, productID int64, contents []string) (int, error) {
	if len(contents) == 0 {
		return 0, nil
	}

	createdAt := now()
	items := make([]models.StockItem, 0, len(contents))
	for _, c := range contents {
		items = append(items, models.StockItem{ProductID: productID, Content: c, CreatedAt: createdAt})
	}

	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		for start := 0; start < len(items); start += stockBatchSize {
			end := start + stockBatchSize
			if end > len(items) {
				end = len(items)
			}
			_, err := tx.NamedExecContext(ctx, `
				INSERT INTO stock_items (product_id, content, sold, created_at)
				VALUES (:product_id, :content, :sold, :created_at)`, items[start:end])
			if err != nil {
				return fmt.Errorf("failed to insert stock batch: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

// CountAvailable returns the number of unsold units of a product
func (s *Store) CountAvailable(ctx context.Context, productID int64) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		s.db.Rebind("SELECT COUNT(*) FROM stock_items WHERE product_id = ? AND sold = FALSE"), productID)
	return n, err
}

// ReserveStock atomically claims quantity unsold units outside of any sale
func (s *Store) ReserveStock(ctx context.Context, productID int64, quantity int) ([]models.StockItem, error) {
	var items []models.StockItem
	err := s.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		items, err = s.reserveStock(ctx, tx, productID, quantity, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// reserveStock claims the oldest quantity unsold units in a single statement.
// A short claim returns ErrInsufficientStock and the caller's rollback
// releases whatever was marked.
func (s *Store) reserveStock(ctx context.Context, tx *sqlx.Tx, productID int64, quantity int, saleID *int64) ([]models.StockItem, error) {
	if quantity < 1 {
		return nil, models.ErrInvalidQuantity
	}

	query := tx.Rebind(fmt.Sprintf(`
		UPDATE stock_items SET sold = TRUE, sale_id = ?, sold_at = ?
		WHERE sold = FALSE AND id IN (
			SELECT id FROM stock_items
			WHERE product_id = ? AND sold = FALSE
			ORDER BY id
			LIMIT ? %s
		)
		RETURNING id`, s.lockClause()))

	var ids []int64
	if err := tx.SelectContext(ctx, &ids, query, saleID, now(), productID, quantity); err != nil {
		return nil, fmt.Errorf("failed to reserve stock: %w", err)
	}
	if len(ids) < quantity {
		return nil, fmt.Errorf("%w: product %d wanted %d, got %d",
			models.ErrInsufficientStock, productID, quantity, len(ids))
	}

	in, args, err := sqlx.In("SELECT * FROM stock_items WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	var items []models.StockItem
	if err := tx.SelectContext(ctx, &items, tx.Rebind(in), args...); err != nil {
		return nil, fmt.Errorf("failed to load reserved stock: %w", err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

// GetStockBySale returns the units delivered by a sale
func (s *Store) GetStockBySale(ctx context.Context, saleID int64) ([]models.StockItem, error) {
	var items []models.StockItem
	err := s.db.SelectContext(ctx, &items,
		s.db.Rebind("SELECT * FROM stock_items WHERE sale_id = ? ORDER BY id"), saleID)
	return items, err
}

// ExportStock lists stock contents, unsold only unless includeSold is set
func (s *Store) ExportStock(ctx context.Context, productID int64, includeSold bool) ([]models.StockItem, error) {
	query := "SELECT * FROM stock_items WHERE product_id = ?"
	if !includeSold {
		query += " AND sold = FALSE"
	}
	query += " ORDER BY id"

	var items []models.StockItem
	err := s.db.SelectContext(ctx, &items, s.db.Rebind(query), productID)
	return items, err
}

// PurgeStock deletes a product's units, unsold only unless includeSold is set
func (s *Store) PurgeStock(ctx context.Context, productID int64, includeSold bool) (int64, error) {
	query := "DELETE FROM stock_items WHERE product_id = ?"
	if !includeSold {
		query += " AND sold = FALSE"
	}

	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), productID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// insertSale records a sale inside tx and fills in its ID
func insertSale(ctx context.Context, tx *sqlx.Tx, sale *models.Sale, at time.Time) error {
	sale.CreatedAt = at
	return tx.GetContext(ctx, &sale.ID, tx.Rebind(`
		INSERT INTO sales (owner_id, product_id, currency, quantity, bonus_quantity, unit_price, total_price, total_vnd, source, intent_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		sale.OwnerID, sale.ProductID, sale.Currency, sale.Quantity, sale.BonusQuantity,
		sale.UnitPrice, sale.TotalPrice, sale.TotalVND, sale.Source, sale.IntentID, sale.CreatedAt)
}

// GetSaleByID retrieves a sale
func (s *Store) GetSaleByID(ctx context.Context, id int64) (*models.Sale, error) {
	var sale models.Sale
	if err := s.db.GetContext(ctx, &sale, s.db.Rebind("SELECT * FROM sales WHERE id = ?"), id); err != nil {
		return nil, err
	}
	return &sale, nil
}

// GetSalesByOwner lists an owner's purchases, newest first
func (s *Store) GetSalesByOwner(ctx context.Context, ownerID int64) ([]models.Sale, error) {
	var sales []models.Sale
	err := s.db.SelectContext(ctx, &sales,
		s.db.Rebind("SELECT * FROM sales WHERE owner_id = ? ORDER BY created_at DESC, id DESC"), ownerID)
	return sales, err
}
