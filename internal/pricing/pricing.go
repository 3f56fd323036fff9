// Package pricing computes what a purchase costs and how many stock units it
// consumes. Every function here is pure.
package pricing

import (
	"fulfillment-service/internal/models"

	"github.com/shopspring/decimal"
)

// Quote is the priced result of a purchase request
type Quote struct {
	Currency         models.Currency `json:"currency"`
	Quantity         int             `json:"quantity"`
	BonusQuantity    int             `json:"bonus_quantity"`
	RequiredQuantity int             `json:"required_quantity"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	TotalPrice       decimal.Decimal `json:"total_price"`
}

// TotalMinor returns the total as an integer amount in minor units
func (q Quote) TotalMinor() int64 {
	return q.TotalPrice.IntPart()
}

// UnitPriceVND returns the base price, or the price of the highest tier whose
// MinQuantity does not exceed quantity.
func UnitPriceVND(p *models.Product, quantity int) int64 {
	unit := p.Price
	if quantity < 1 {
		return unit
	}
	for _, tier := range p.PriceTiers.Normalize() {
		if quantity < tier.MinQuantity {
			break
		}
		unit = tier.UnitPrice
	}
	return unit
}

// BonusQuantity is floor(quantity / buy) * bonus when a promotion is active
func BonusQuantity(p *models.Product, quantity int) int {
	if quantity < 1 || !p.HasPromotion() {
		return 0
	}
	return (quantity / p.PromoBuyQuantity) * p.PromoBonusQuantity
}

// RequiredQuantity is the number of stock units a purchase of quantity delivers
func RequiredQuantity(p *models.Product, quantity int) int {
	if quantity < 1 {
		return 0
	}
	return quantity + BonusQuantity(p, quantity)
}

// Compute prices quantity units of p in currency. Bonus units are free.
func Compute(p *models.Product, quantity int, currency models.Currency) Quote {
	q := Quote{Currency: currency}

	var unit decimal.Decimal
	if currency == models.CurrencyUSDT {
		unit = p.PriceUSDT
	} else {
		unit = decimal.NewFromInt(UnitPriceVND(p, quantity))
	}
	q.UnitPrice = unit

	if quantity < 1 {
		q.TotalPrice = decimal.Zero
		return q
	}

	q.Quantity = quantity
	q.BonusQuantity = BonusQuantity(p, quantity)
	q.RequiredQuantity = quantity + q.BonusQuantity
	q.TotalPrice = unit.Mul(decimal.NewFromInt(int64(quantity)))
	return q
}

// MaxByStock is the largest quantity whose required stock fits in stock.
// RequiredQuantity is non-decreasing, so a binary search is exact.
func MaxByStock(p *models.Product, stock int) int {
	if stock < 1 {
		return 0
	}
	lo, hi := 0, stock
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if RequiredQuantity(p, mid) <= stock {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// MaxAffordable is the largest quantity that both fits in stock and costs no
// more than balance. Zero when nothing positive fits.
func MaxAffordable(p *models.Product, balance decimal.Decimal, stock int, currency models.Currency) int {
	maxStock := MaxByStock(p, stock)
	if maxStock < 1 || balance.IsNegative() {
		return 0
	}

	if currency == models.CurrencyUSDT {
		if !p.PriceUSDT.IsPositive() {
			return 0
		}
		n := balance.Div(p.PriceUSDT).Floor().IntPart()
		return int(minInt64(n, int64(maxStock)))
	}

	return maxAffordableVND(p, balance.Floor().IntPart(), maxStock)
}

type segment struct {
	start, end int
	unit       int64
}

// maxAffordableVND walks the tier segments. Inside a segment the unit price is
// constant so the total grows with quantity, but a tier can make the total
// drop across its threshold, so the answer is the best candidate over all segments.
func maxAffordableVND(p *models.Product, balance int64, maxStock int) int {
	tiers := p.PriceTiers.Normalize()

	segments := make([]segment, 0, len(tiers)+1)
	start := 1
	unit := p.Price
	for _, tier := range tiers {
		if tier.MinQuantity > start {
			segments = append(segments, segment{start: start, end: tier.MinQuantity - 1, unit: unit})
		}
		start = tier.MinQuantity
		unit = tier.UnitPrice
	}
	segments = append(segments, segment{start: start, end: maxStock, unit: unit})

	best := 0
	for _, seg := range segments {
		if seg.start > maxStock {
			break
		}
		end := seg.end
		if end > maxStock {
			end = maxStock
		}

		candidate := end
		if seg.unit > 0 {
			candidate = int(minInt64(int64(end), balance/seg.unit))
		}
		if candidate >= seg.start && candidate > best {
			best = candidate
		}
	}
	return best
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
