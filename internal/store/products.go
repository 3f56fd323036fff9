package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"fulfillment-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateProduct inserts a catalog entry
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	query := s.db.Rebind(`
		INSERT INTO products (name, description, price, price_usdt, price_tiers, promo_buy_quantity, promo_bonus_quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	p.PriceTiers = p.PriceTiers.Normalize()
	p.CreatedAt = now()

	return s.db.GetContext(ctx, &p.ID, query,
		p.Name, p.Description, p.Price, p.PriceUSDT, p.PriceTiers,
		p.PromoBuyQuantity, p.PromoBonusQuantity, p.CreatedAt)
}

// GetProductByID retrieves a product by ID
func (s *Store) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, s.db.Rebind("SELECT * FROM products WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", models.ErrProductNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// UpdateProduct replaces the pricing fields of a product
func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) error {
	p.PriceTiers = p.PriceTiers.Normalize()

	res, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE products
		SET name = ?, description = ?, price = ?, price_usdt = ?, price_tiers = ?, promo_buy_quantity = ?, promo_bonus_quantity = ?
		WHERE id = ?`),
		p.Name, p.Description, p.Price, p.PriceUSDT, p.PriceTiers,
		p.PromoBuyQuantity, p.PromoBonusQuantity, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", models.ErrProductNotFound, p.ID)
	}
	return nil
}

// DeleteProduct removes a product together with its stock
func (s *Store) DeleteProduct(ctx context.Context, id int64) error {
	return s.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM stock_items WHERE product_id = ? AND sold = FALSE"), id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM products WHERE id = ?"), id)
		return err
	})
}
