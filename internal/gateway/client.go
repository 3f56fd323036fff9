package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/util"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

const (
	defaultBaseURL        = "https://my.sepay.vn"
	transactionsPath      = "/userapi/transactions/list"
	errorBodyLimit  int64 = 512
)

var (
	amountKeys    = []string{"amount_in", "amount", "amount_in_vnd"}
	narrationKeys = []string{"transaction_content", "content", "description", "note", "memo"}
	idKeys        = []string{"id", "transaction_id", "ref_id", "reference", "transaction_ref"}
	dateKeys      = []string{"transaction_date", "transaction_time", "when", "created_at"}

	// feedZone applies to timestamps the feed sends without an offset
	feedZone    = time.FixedZone("ICT", 7*60*60)
	dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"}
)

// TokenSource resolves the bearer credential on every fetch so an operator can
// rotate it without a restart.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken returns a TokenSource that always yields token
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) { return token, nil }
}

// Client reads the bank-transfer feed of the payment gateway
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      TokenSource
	limit      int
	fromDate   string
	toDate     string
	logger     *zap.Logger
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithBaseURL overrides the gateway base URL.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		if trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/"); trimmed != "" {
			c.baseURL = trimmed
		}
	}
}

// WithPageSize sets the limit query parameter.
func WithPageSize(limit int) Option {
	return func(c *Client) {
		if limit > 0 {
			c.limit = limit
		}
	}
}

// WithDateRange sets the from_date/to_date query parameters. Empty values are omitted.
func WithDateRange(from, to string) Option {
	return func(c *Client) {
		c.fromDate = strings.TrimSpace(from)
		c.toDate = strings.TrimSpace(to)
	}
}

// NewClient builds a feed client. timeout bounds every fetch.
func NewClient(token TokenSource, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	client := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: util.GetLogger(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client
}

type feedEnvelope struct {
	Status       json.RawMessage   `json:"status"`
	Error        json.RawMessage   `json:"error"`
	Messages     json.RawMessage   `json:"messages"`
	Transactions []json.RawMessage `json:"transactions"`
	Data         []json.RawMessage `json:"data"`
}

// FetchTransactions returns the most recent feed page. Any transport, status or
// payload problem is reported as ErrGatewayUnavailable.
func (c *Client) FetchTransactions(ctx context.Context) ([]models.ExternalTransaction, error) {
	ctx, span := util.StartSpan(ctx, "GatewayClient.FetchTransactions")
	defer span.End()

	token, err := c.token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve token: %v", models.ErrGatewayUnavailable, err)
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("%w: gateway token not configured", models.ErrGatewayUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.buildURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", models.ErrGatewayUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
		return nil, fmt.Errorf("%w: status %d: %s", models.ErrGatewayUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var env feedEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("%w: decode feed: %v", models.ErrGatewayUnavailable, err)
	}
	if strings.TrimSpace(string(env.Status)) == "false" || hasValue(env.Error) {
		return nil, fmt.Errorf("%w: gateway error %s %s", models.ErrGatewayUnavailable, string(env.Error), string(env.Messages))
	}

	raw := env.Transactions
	if len(raw) == 0 {
		raw = env.Data
	}

	txs := make([]models.ExternalTransaction, 0, len(raw))
	for _, r := range raw {
		tx, err := parseTransaction(r)
		if err != nil {
			c.logger.Warn("Skipping malformed gateway transaction", zap.Error(err))
			continue
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (c *Client) buildURL() string {
	q := url.Values{}
	if c.limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", c.limit))
	}
	if c.fromDate != "" {
		q.Set("from_date", c.fromDate)
	}
	if c.toDate != "" {
		q.Set("to_date", c.toDate)
	}

	u := c.baseURL + transactionsPath
	if encoded := q.Encode(); encoded != "" {
		u += "?" + encoded
	}
	return u
}

// parseTransaction accepts the field spellings used across gateway versions.
// Amounts may be numbers or strings with thousand separators; fractions are dropped.
func parseTransaction(raw json.RawMessage) (models.ExternalTransaction, error) {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return models.ExternalTransaction{}, err
	}

	tx := models.ExternalTransaction{
		ID:        pickString(fields, idKeys),
		Narration: pickString(fields, narrationKeys),
	}
	for _, key := range amountKeys {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(fmt.Sprint(v)), ",", ""))
		if err != nil {
			continue
		}
		tx.Amount = amount.IntPart()
		break
	}
	tx.ReceivedAt = parseDate(pickString(fields, dateKeys))
	return tx, nil
}

// parseDate returns the zero time for a missing or unrecognised date
func parseDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, feedZone); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func pickString(fields map[string]interface{}, keys []string) string {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return ""
}

func hasValue(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "null" && s != "false" && s != `""` && s != "0"
}

// IsUnavailable reports whether err came from the feed
func IsUnavailable(err error) bool {
	return errors.Is(err, models.ErrGatewayUnavailable)
}
