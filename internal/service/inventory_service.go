package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"go.uber.org/zap"
)

// InventoryService handles stock operations
type InventoryService struct {
	store  StockStore
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(store StockStore) *InventoryService {
	return &InventoryService{
		store:  store,
		logger: util.GetLogger(),
	}
}

// Reserve claims exactly quantity unsold units or none at all
func (is *InventoryService) Reserve(ctx context.Context, productID int64, quantity int) ([]models.StockItem, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Reserve")
	defer span.End()

	start := time.Now()
	defer func() {
		util.InventoryReserveLatency.Observe(time.Since(start).Seconds())
	}()

	items, err := is.store.ReserveStock(ctx, productID, quantity)
	if err != nil {
		if errors.Is(err, models.ErrInsufficientStock) {
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
		} else {
			util.InventoryReservationsFailed.WithLabelValues("error").Inc()
		}
		return nil, err
	}
	return items, nil
}

// Available returns the number of unsold units
func (is *InventoryService) Available(ctx context.Context, productID int64) (int, error) {
	return is.store.CountAvailable(ctx, productID)
}

// Restock adds one unit per non-blank line of payload
func (is *InventoryService) Restock(ctx context.Context, productID int64, payload string) (int, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Restock")
	defer span.End()

	if _, err := is.store.GetProductByID(ctx, productID); err != nil {
		return 0, err
	}

	contents := ParseStockLines(payload)
	if len(contents) == 0 {
		return 0, fmt.Errorf("%w: no stock lines", models.ErrInvalidQuantity)
	}

	added, err := is.store.AddStock(ctx, productID, contents)
	if err != nil {
		return 0, fmt.Errorf("failed to add stock: %w", err)
	}

	is.logger.Info("Stock added", zap.Int64("product_id", productID), zap.Int("count", added))
	return added, nil
}

// Export returns stock contents, unsold only unless includeSold is set
func (is *InventoryService) Export(ctx context.Context, productID int64, includeSold bool) ([]models.StockItem, error) {
	return is.store.ExportStock(ctx, productID, includeSold)
}

// Purge deletes stock. Units claimed by a concurrent reservation are never
// touched unless includeSold is set.
func (is *InventoryService) Purge(ctx context.Context, productID int64, includeSold bool) (int64, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Purge")
	defer span.End()

	n, err := is.store.PurgeStock(ctx, productID, includeSold)
	if err != nil {
		return 0, err
	}

	is.logger.Info("Stock purged",
		zap.Int64("product_id", productID),
		zap.Bool("include_sold", includeSold),
		zap.Int64("count", n))
	return n, nil
}

// ParseStockLines splits an upload into trimmed, non-empty lines
func ParseStockLines(payload string) []string {
	lines := strings.Split(strings.ReplaceAll(payload, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
