package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts = append([]Option{WithBaseURL(srv.URL)}, opts...)
	return NewClient(StaticToken("secret"), 2*time.Second, opts...)
}

func TestFetchTransactionsParsesFeed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/userapi/transactions/list", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		assert.Equal(t, "2024-05-01", r.URL.Query().Get("from_date"))
		assert.Empty(t, r.URL.Query().Get("to_date"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"status": 200,
			"error": null,
			"transactions": [
				{"id": 9001, "amount_in": "50,000.00", "transaction_content": "NAP1X1234 chuyen tien", "transaction_date": "2024-05-01 14:02:37"},
				{"transaction_id": "FT-77", "amount": 120000, "description": "MUA2X0001"},
				{"reference": "R1", "amount_in": "abc", "amount_in_vnd": 3000, "memo": "x", "transaction_date": "yesterday"}
			]
		}`))
	}, WithPageSize(50), WithDateRange("2024-05-01", ""))

	txs, err := client.FetchTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 3)

	assert.Equal(t, models.ExternalTransaction{
		ID:         "9001",
		Amount:     50000,
		Narration:  "NAP1X1234 chuyen tien",
		ReceivedAt: time.Date(2024, 5, 1, 7, 2, 37, 0, time.UTC),
	}, txs[0])
	assert.Equal(t, models.ExternalTransaction{ID: "FT-77", Amount: 120000, Narration: "MUA2X0001"}, txs[1])
	assert.Equal(t, int64(3000), txs[2].Amount)
	assert.Equal(t, "R1", txs[2].ID)
	assert.True(t, txs[2].ReceivedAt.IsZero())
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, 5, 1, 7, 2, 37, 0, time.UTC)
	assert.Equal(t, want, parseDate("2024-05-01 14:02:37"))
	assert.Equal(t, want, parseDate("2024-05-01T14:02:37+07:00"))
	assert.Equal(t, want, parseDate("2024-05-01T07:02:37Z"))
	assert.True(t, parseDate("").IsZero())
	assert.True(t, parseDate("01/05/2024").IsZero())
}

func TestFetchTransactionsFallsBackToDataKey(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data": [{"id": "a1", "amount": 10000, "content": "hello"}]}`))
	})

	txs, err := client.FetchTransactions(context.Background())
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "hello", txs[0].Narration)
}

func TestFetchTransactionsErrors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "non-200 status",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte("invalid token"))
			},
		},
		{
			name: "malformed payload",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"transactions": [`))
			},
		},
		{
			name: "gateway reported failure",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(`{"status": false, "error": "rate limited", "messages": {"success": false}}`))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, tt.handler)
			_, err := client.FetchTransactions(context.Background())
			assert.True(t, IsUnavailable(err), "got %v", err)
		})
	}
}

func TestFetchTransactionsRequiresToken(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	client := NewClient(StaticToken("  "), time.Second, WithBaseURL(srv.URL))
	_, err := client.FetchTransactions(context.Background())
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
	assert.False(t, called)

	failing := NewClient(func(context.Context) (string, error) { return "", errors.New("db down") }, time.Second, WithBaseURL(srv.URL))
	_, err = failing.FetchTransactions(context.Background())
	assert.ErrorIs(t, err, models.ErrGatewayUnavailable)
}
