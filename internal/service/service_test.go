package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.NewStore(store.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func seedProduct(t *testing.T, s *store.Store, p *models.Product, stock int) *models.Product {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.CreateProduct(ctx, p))
	if stock == 0 {
		return p
	}

	contents := make([]string, stock)
	for i := range contents {
		contents[i] = fmt.Sprintf("key-%d-%d", p.ID, i)
	}
	_, err := s.AddStock(ctx, p.ID, contents)
	require.NoError(t, err)
	return p
}

type fakeFeed struct {
	txs []models.ExternalTransaction
	err error
}

func (f *fakeFeed) FetchTransactions(ctx context.Context) ([]models.ExternalTransaction, error) {
	return f.txs, f.err
}

type recordingNotifier struct {
	mu           sync.Mutex
	deposits     []*models.DepositConfirmedEvent
	fulfilled    []*models.OrderFulfilledEvent
	expired      []*models.OrderExpiredEvent
	failed       []*models.OrderFailedEvent
	instructions []*models.PaymentInstructionIssuedEvent
	err          error
}

func (n *recordingNotifier) PublishDepositConfirmed(ctx context.Context, event *models.DepositConfirmedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deposits = append(n.deposits, event)
	return n.err
}

func (n *recordingNotifier) PublishOrderFulfilled(ctx context.Context, event *models.OrderFulfilledEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fulfilled = append(n.fulfilled, event)
	return n.err
}

func (n *recordingNotifier) PublishOrderExpired(ctx context.Context, event *models.OrderExpiredEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.expired = append(n.expired, event)
	return n.err
}

func (n *recordingNotifier) PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failed = append(n.failed, event)
	return n.err
}

func (n *recordingNotifier) PublishPaymentInstructionIssued(ctx context.Context, event *models.PaymentInstructionIssuedEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.instructions = append(n.instructions, event)
	return n.err
}

type fakeFastPoll struct {
	marks  int
	window time.Duration
}

func (f *fakeFastPoll) MarkFastPoll(ctx context.Context, window time.Duration) error {
	f.marks++
	f.window = window
	return nil
}

type memoryCache struct {
	mu     sync.Mutex
	values map[string]string
}

func newMemoryCache() *memoryCache {
	return &memoryCache{values: make(map[string]string)}
}

func (c *memoryCache) ReserveIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return false, nil
	}
	c.values[key] = fmt.Sprint(value)
	return true, nil
}

func (c *memoryCache) GetIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *memoryCache) SetIdempotencyKey(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = fmt.Sprint(value)
	return nil
}

func (c *memoryCache) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *memoryCache) get(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}
