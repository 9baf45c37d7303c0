package pricing

import (
	"context"
	"strings"
	"time"

	"github.com/robertarktes/rental-reservations/internal/calendar"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/shopspring/decimal"
)

type QuoteRequest struct {
	Resource     domain.Resource
	Start        time.Time
	End          time.Time
	Granularity  domain.Granularity
	DiscountCode string
}

type Quote struct {
	Currency      string            `json:"currency"`
	BaseCents     int64             `json:"base_cents"`
	FeeCents      int64             `json:"fee_cents"`
	DiscountCents int64             `json:"discount_cents"`
	TaxCents      int64             `json:"tax_cents"`
	TotalCents    int64             `json:"total_cents"`
	LineItems     []domain.LineItem `json:"line_items"`
}

// Snapshot freezes the quote for storage on a reservation.
func (q Quote) Snapshot(discountCode string) domain.PricingSnapshot {
	items := make([]domain.LineItem, len(q.LineItems))
	copy(items, q.LineItems)
	return domain.PricingSnapshot{
		Currency:      q.Currency,
		BaseCents:     q.BaseCents,
		FeeCents:      q.FeeCents,
		DiscountCents: q.DiscountCents,
		TaxCents:      q.TaxCents,
		TotalCents:    q.TotalCents,
		DiscountCode:  strings.ToUpper(strings.TrimSpace(discountCode)),
		LineItems:     items,
	}
}

// Quoter prices a window. Implementations must be deterministic for identical inputs.
type Quoter interface {
	Quote(ctx context.Context, req QuoteRequest) (Quote, error)
}

type Discount struct {
	Percent    decimal.Decimal
	FixedCents int64
}

// RateQuoter prices by bucket count against the resource's rate card.
type RateQuoter struct {
	feeRate   decimal.Decimal
	taxRate   decimal.Decimal
	discounts map[string]Discount
}

func NewRateQuoter(feeRate, taxRate decimal.Decimal, discounts map[string]Discount) *RateQuoter {
	normalized := make(map[string]Discount, len(discounts))
	for code, d := range discounts {
		normalized[strings.ToUpper(strings.TrimSpace(code))] = d
	}
	return &RateQuoter{feeRate: feeRate, taxRate: taxRate, discounts: normalized}
}

func cents(d decimal.Decimal) int64 {
	return d.Round(0).IntPart()
}

func (q *RateQuoter) Quote(_ context.Context, req QuoteRequest) (Quote, error) {
	units := calendar.CountBuckets(req.Start, req.End, req.Granularity)
	if units == 0 {
		return Quote{}, domain.InvalidWindow("window must end after it starts")
	}

	rate := req.Resource.DailyRateCents
	label := "Daily rate"
	if req.Granularity == domain.GranularityHour {
		rate = req.Resource.HourlyRateCents
		label = "Hourly rate"
	}
	if rate <= 0 {
		return Quote{}, domain.NoPricing(req.Resource.ID)
	}

	currency := req.Resource.Currency
	if currency == "" {
		currency = "USD"
	}

	base := decimal.NewFromInt(rate).Mul(decimal.NewFromInt(int64(units)))
	fee := base.Mul(q.feeRate)

	discount := decimal.Zero
	code := strings.ToUpper(strings.TrimSpace(req.DiscountCode))
	if d, ok := q.discounts[code]; ok && code != "" {
		if d.FixedCents > 0 {
			discount = decimal.NewFromInt(d.FixedCents)
		} else {
			discount = base.Mul(d.Percent)
		}
		if discount.GreaterThan(base) {
			discount = base
		}
	}

	baseCents, feeCents, discountCents := cents(base), cents(fee), cents(discount)
	taxable := decimal.NewFromInt(baseCents + feeCents - discountCents)
	taxCents := cents(taxable.Mul(q.taxRate))

	out := Quote{
		Currency:      strings.ToUpper(currency),
		BaseCents:     baseCents,
		FeeCents:      feeCents,
		DiscountCents: discountCents,
		TaxCents:      taxCents,
		TotalCents:    baseCents + feeCents - discountCents + taxCents,
		LineItems: []domain.LineItem{
			{Code: "base", Label: label, Quantity: units, AmountCents: baseCents},
		},
	}
	if feeCents != 0 {
		out.LineItems = append(out.LineItems, domain.LineItem{Code: "fee", Label: "Service fee", Quantity: 1, AmountCents: feeCents})
	}
	if discountCents != 0 {
		out.LineItems = append(out.LineItems, domain.LineItem{Code: "discount", Label: "Discount " + code, Quantity: 1, AmountCents: -discountCents})
	}
	if taxCents != 0 {
		out.LineItems = append(out.LineItems, domain.LineItem{Code: "tax", Label: "Tax", Quantity: 1, AmountCents: taxCents})
	}
	return out, nil
}
