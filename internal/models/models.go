package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies which wallet denomination a price or balance is expressed in
type Currency string

const (
	CurrencyVND  Currency = "vnd"
	CurrencyUSDT Currency = "usdt"
)

// Valid reports whether c is a supported currency
func (c Currency) Valid() bool {
	return c == CurrencyVND || c == CurrencyUSDT
}

// PriceTier is a volume price: UnitPrice applies from MinQuantity upwards
type PriceTier struct {
	MinQuantity int   `json:"min_quantity"`
	UnitPrice   int64 `json:"unit_price"`
}

// PriceTiers is stored as a JSON array column
type PriceTiers []PriceTier

// Normalize drops tiers with a non-positive threshold or price, keeps the last
// price for a repeated threshold and sorts ascending by MinQuantity.
func (t PriceTiers) Normalize() PriceTiers {
	byMin := make(map[int]int64, len(t))
	for _, tier := range t {
		if tier.MinQuantity < 1 || tier.UnitPrice < 1 {
			continue
		}
		byMin[tier.MinQuantity] = tier.UnitPrice
	}

	out := make(PriceTiers, 0, len(byMin))
	for minQty, price := range byMin {
		out = append(out, PriceTier{MinQuantity: minQty, UnitPrice: price})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MinQuantity < out[j].MinQuantity })
	return out
}

// Value implements driver.Valuer
func (t PriceTiers) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (t *PriceTiers) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported price tiers type %T", src)
	}
	if len(raw) == 0 {
		*t = nil
		return nil
	}
	return json.Unmarshal(raw, t)
}

// Product is a catalog entry
type Product struct {
	ID                 int64           `db:"id" json:"id"`
	Name               string          `db:"name" json:"name"`
	Description        string          `db:"description" json:"description"`
	Price              int64           `db:"price" json:"price"`
	PriceUSDT          decimal.Decimal `db:"price_usdt" json:"price_usdt"`
	PriceTiers         PriceTiers      `db:"price_tiers" json:"price_tiers"`
	PromoBuyQuantity   int             `db:"promo_buy_quantity" json:"promo_buy_quantity"`
	PromoBonusQuantity int             `db:"promo_bonus_quantity" json:"promo_bonus_quantity"`
	CreatedAt          time.Time       `db:"created_at" json:"created_at"`
}

// HasPromotion reports whether a buy-X-get-Y promotion is active
func (p *Product) HasPromotion() bool {
	return p.PromoBuyQuantity >= 1 && p.PromoBonusQuantity >= 1
}

// StockItem is one deliverable unit (credential, license key, ...)
type StockItem struct {
	ID        int64      `db:"id" json:"id"`
	ProductID int64      `db:"product_id" json:"product_id"`
	Content   string     `db:"content" json:"content"`
	Sold      bool       `db:"sold" json:"sold"`
	SaleID    *int64     `db:"sale_id" json:"sale_id,omitempty"`
	SoldAt    *time.Time `db:"sold_at" json:"sold_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
}

// IntentKind distinguishes top-ups from goods paid by transfer
type IntentKind string

const (
	IntentKindDeposit     IntentKind = "deposit"
	IntentKindDirectOrder IntentKind = "direct_order"
)

// Intent statuses
const (
	IntentStatusPending   = "pending"
	IntentStatusConfirmed = "confirmed"
	IntentStatusCancelled = "cancelled"
	IntentStatusFailed    = "failed"
)

// PaymentIntent records an expected external payment
type PaymentIntent struct {
	ID             int64      `db:"id" json:"id"`
	OwnerID        int64      `db:"owner_id" json:"owner_id"`
	Kind           IntentKind `db:"kind" json:"kind"`
	Amount         int64      `db:"amount" json:"amount"`
	ReceivedAmount int64      `db:"received_amount" json:"received_amount"`
	Code           string     `db:"code" json:"code"`
	Status         string     `db:"status" json:"status"`
	ProductID      *int64     `db:"product_id" json:"product_id,omitempty"`
	Quantity       int        `db:"quantity" json:"quantity"`
	BonusQuantity  int        `db:"bonus_quantity" json:"bonus_quantity"`
	UnitPrice      int64      `db:"unit_price" json:"unit_price"`
	TxID           *string    `db:"tx_id" json:"tx_id,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// RequiredQuantity is the number of stock units a direct order delivers
func (pi *PaymentIntent) RequiredQuantity() int {
	return pi.Quantity + pi.BonusQuantity
}

// Sale sources
const (
	SaleSourceBalance     = "balance"
	SaleSourceDirectOrder = "direct_order"
)

// Sale is a confirmed, delivered purchase
type Sale struct {
	ID            int64           `db:"id" json:"id"`
	OwnerID       int64           `db:"owner_id" json:"owner_id"`
	ProductID     int64           `db:"product_id" json:"product_id"`
	Currency      Currency        `db:"currency" json:"currency"`
	Quantity      int             `db:"quantity" json:"quantity"`
	BonusQuantity int             `db:"bonus_quantity" json:"bonus_quantity"`
	UnitPrice     decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice    decimal.Decimal `db:"total_price" json:"total_price"`
	TotalVND      int64           `db:"total_vnd" json:"total_vnd"`
	Source        string          `db:"source" json:"source"`
	IntentID      *int64          `db:"intent_id" json:"intent_id,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// Wallet holds both balances of one owner
type Wallet struct {
	OwnerID     int64           `db:"owner_id" json:"owner_id"`
	Balance     int64           `db:"balance" json:"balance"`
	BalanceUSDT decimal.Decimal `db:"-" json:"balance_usdt"`
	UpdatedAt   time.Time       `db:"updated_at" json:"updated_at"`
}

// ExternalTransaction is a read-only view of a gateway feed entry
type ExternalTransaction struct {
	ID         string    `json:"id"`
	Amount     int64     `json:"amount"`
	Narration  string    `json:"narration"`
	ReceivedAt time.Time `json:"received_at"`
}

// Processed transaction outcomes
const (
	TxOutcomeUnmatched = "unmatched"
	TxOutcomeDeposit   = "deposit_confirmed"
	TxOutcomeFulfilled = "order_fulfilled"
	TxOutcomeFailed    = "order_failed"
)

// ProcessedTransaction records how a gateway transaction was handled
type ProcessedTransaction struct {
	TxID        string    `db:"tx_id" json:"tx_id"`
	IntentID    *int64    `db:"intent_id" json:"intent_id,omitempty"`
	Outcome     string    `db:"outcome" json:"outcome"`
	ProcessedAt time.Time `db:"processed_at" json:"processed_at"`
}
