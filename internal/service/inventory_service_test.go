package service

import (
	"context"
	"testing"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStockLines(t *testing.T) {
	lines := ParseStockLines("a@x.com:pw1\r\n\n  b@x.com:pw2  \n\t\nc@x.com:pw3")
	assert.Equal(t, []string{"a@x.com:pw1", "b@x.com:pw2", "c@x.com:pw3"}, lines)
	assert.Empty(t, ParseStockLines(" \n \n"))
}

func TestInventoryRestockAndReserve(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	svc := NewInventoryService(s)

	p := seedProduct(t, s, &models.Product{Name: "Duolingo", Price: 15000}, 0)

	added, err := svc.Restock(ctx, p.ID, "k1\nk2\n\nk3\n")
	require.NoError(t, err)
	assert.Equal(t, 3, added)

	_, err = svc.Restock(ctx, p.ID, "\n\n")
	assert.ErrorIs(t, err, models.ErrInvalidQuantity)

	_, err = svc.Restock(ctx, 999, "k4")
	assert.ErrorIs(t, err, models.ErrProductNotFound)

	_, err = svc.Reserve(ctx, p.ID, 4)
	assert.ErrorIs(t, err, models.ErrInsufficientStock)

	items, err := svc.Reserve(ctx, p.ID, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "k1", items[0].Content)
	assert.Equal(t, "k2", items[1].Content)

	n, err := svc.Available(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestInventoryExportAndPurge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	svc := NewInventoryService(s)

	p := seedProduct(t, s, &models.Product{Name: "Duolingo", Price: 15000}, 4)
	_, err := svc.Reserve(ctx, p.ID, 1)
	require.NoError(t, err)

	unsold, err := svc.Export(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Len(t, unsold, 3)

	all, err := svc.Export(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	purged, err := svc.Purge(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), purged)

	all, err = svc.Export(ctx, p.ID, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].Sold)
}
