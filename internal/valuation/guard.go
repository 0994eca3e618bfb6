package valuation

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

const (
	// IntegrityTolerance is the maximum accepted gap between a declared
	// purchase value and amount × entry price, in wallet currency.
	IntegrityTolerance = 0.01

	// PlaceholderPrice is the entry price written by a historical import bug
	// when the real fill price was unknown.
	PlaceholderPrice = 100.0

	// PlaceholderMinAmount is the smallest amount for which a placeholder
	// entry price is treated as corruption rather than a genuine fill.
	PlaceholderMinAmount = 10.0
)

// Violation codes reported by CheckIntegrity
const (
	CodePurchaseValueMismatch = "purchase_value_mismatch"
	CodePlaceholderPrice      = "placeholder_price_corruption"
	CodeNonPositiveAmount     = "non_positive_amount"
	CodeNonPositivePrice      = "non_positive_entry_price"
	CodeNonPositiveValue      = "non_positive_purchase_value"
	CodeNonFinite             = "non_finite_value"
)

var (
	tolerance   = decimal.NewFromFloat(IntegrityTolerance)
	placeholder = decimal.NewFromFloat(PlaceholderPrice)
	hundred     = decimal.NewFromInt(100)
)

// Inputs are the monetary fields of a trade or position
type Inputs struct {
	Symbol        string  `json:"symbol,omitempty" yaml:"symbol"`
	Amount        float64 `json:"amount" yaml:"amount"`
	EntryPrice    float64 `json:"entry_price" yaml:"entry_price"`
	PurchaseValue float64 `json:"purchase_value" yaml:"purchase_value"`
	TradePrice    float64 `json:"trade_price,omitempty" yaml:"trade_price"` // 0 when unknown
}

// Valuation is the mark-to-market view of Inputs at a given price
type Valuation struct {
	CurrentPrice float64 `json:"current_price"`
	CurrentValue float64 `json:"current_value"`
	PnL          float64 `json:"pnl"`
	PnLPct       float64 `json:"pnl_pct"`
}

// Violation is a single integrity failure
type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IntegrityCheck is the outcome of CheckIntegrity
type IntegrityCheck struct {
	IsValid bool        `json:"is_valid"`
	Errors  []Violation `json:"errors,omitempty"`
}

// Has reports whether the check contains a violation with the given code.
func (c IntegrityCheck) Has(code string) bool {
	for _, v := range c.Errors {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Messages flattens the violations for logging.
func (c IntegrityCheck) Messages() []string {
	out := make([]string, 0, len(c.Errors))
	for _, v := range c.Errors {
		out = append(out, v.Message)
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Calculate values the inputs at currentPrice. Every output is rounded to
// cents half away from zero, and PnL is derived from the rounded value.
// Non-finite inputs yield the zero Valuation; run CheckIntegrity first.
func Calculate(in Inputs, currentPrice float64) Valuation {
	if !finite(currentPrice) || !finite(in.Amount) || !finite(in.PurchaseValue) || !finite(in.EntryPrice) {
		return Valuation{}
	}
	price := decimal.NewFromFloat(currentPrice)
	value := decimal.NewFromFloat(in.Amount).Mul(price).Round(2)
	pnl := value.Sub(decimal.NewFromFloat(in.PurchaseValue)).Round(2)

	pct := decimal.Zero
	if in.EntryPrice > 0 {
		pct = price.Div(decimal.NewFromFloat(in.EntryPrice)).Sub(decimal.NewFromInt(1)).Mul(hundred).Round(2)
	}

	return Valuation{
		CurrentPrice: price.Round(2).InexactFloat64(),
		CurrentValue: value.InexactFloat64(),
		PnL:          pnl.InexactFloat64(),
		PnLPct:       pct.InexactFloat64(),
	}
}

// RoundCents rounds v to two decimals, half away from zero. NaN and ±Inf
// are returned unchanged.
func RoundCents(v float64) float64 {
	if !finite(v) {
		return v
	}
	return decimal.NewFromFloat(v).Round(2).InexactFloat64()
}

// CheckIntegrity validates the monetary fields of in. A failing record must
// not contribute to aggregate P&L or exposure.
func CheckIntegrity(in Inputs) IntegrityCheck {
	var errs []Violation

	for _, f := range []struct {
		name string
		v    float64
	}{
		{"amount", in.Amount},
		{"entry price", in.EntryPrice},
		{"purchase value", in.PurchaseValue},
		{"trade price", in.TradePrice},
	} {
		if !finite(f.v) {
			errs = append(errs, Violation{
				Code:    CodeNonFinite,
				Message: fmt.Sprintf("%s must be a finite number, got %v", f.name, f.v),
			})
		}
	}
	if len(errs) > 0 {
		return IntegrityCheck{Errors: errs}
	}

	if in.Amount <= 0 {
		errs = append(errs, Violation{
			Code:    CodeNonPositiveAmount,
			Message: fmt.Sprintf("amount must be positive, got %s", formatQty(in.Amount)),
		})
	}
	if in.EntryPrice <= 0 {
		errs = append(errs, Violation{
			Code:    CodeNonPositivePrice,
			Message: fmt.Sprintf("entry price must be positive, got %s", formatQty(in.EntryPrice)),
		})
	}
	if in.PurchaseValue <= 0 {
		errs = append(errs, Violation{
			Code:    CodeNonPositiveValue,
			Message: fmt.Sprintf("purchase value must be positive, got %.2f", in.PurchaseValue),
		})
	}

	if in.Amount > 0 && in.EntryPrice > 0 && in.PurchaseValue > 0 {
		expected := decimal.NewFromFloat(in.Amount).Mul(decimal.NewFromFloat(in.EntryPrice))
		declared := decimal.NewFromFloat(in.PurchaseValue)
		if declared.Sub(expected).Abs().GreaterThan(tolerance) {
			errs = append(errs, Violation{
				Code: CodePurchaseValueMismatch,
				Message: fmt.Sprintf("purchase value mismatch: declared %s, expected %s (%s × %s)",
					declared.StringFixed(2), expected.StringFixed(2),
					formatQty(in.Amount), formatQty(in.EntryPrice)),
			})
		}
	}

	if isPlaceholderSignature(in) {
		errs = append(errs, Violation{
			Code: CodePlaceholderPrice,
			Message: fmt.Sprintf("entry price equals placeholder %.2f with amount %s (≥ %s): likely corrupted import",
				PlaceholderPrice, formatQty(in.Amount), formatQty(PlaceholderMinAmount)),
		})
	}

	return IntegrityCheck{IsValid: len(errs) == 0, Errors: errs}
}

func isPlaceholderSignature(in Inputs) bool {
	if !decimal.NewFromFloat(in.EntryPrice).Equal(placeholder) {
		return false
	}
	if in.Amount < PlaceholderMinAmount {
		return false
	}
	return in.TradePrice == 0 || decimal.NewFromFloat(in.TradePrice).Equal(placeholder)
}

func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Holding pairs a record with the price it should be marked at
type Holding struct {
	Inputs       Inputs
	CurrentPrice float64
}

// Summary aggregates valuations across holdings that pass integrity
type Summary struct {
	TotalValue    float64  `json:"total_value"`
	TotalCost     float64  `json:"total_cost"`
	TotalPnL      float64  `json:"total_pnl"`
	Included      int      `json:"included"`
	ExcludedCount int      `json:"excluded_count"`
	Excluded      []string `json:"excluded,omitempty"`
}

// Aggregate sums value and P&L over holdings, skipping any that fail
// CheckIntegrity or carry a non-finite current price.
func Aggregate(holdings []Holding) Summary {
	var s Summary
	value, cost, pnl := decimal.Zero, decimal.Zero, decimal.Zero

	for _, h := range holdings {
		if check := CheckIntegrity(h.Inputs); !check.IsValid || !finite(h.CurrentPrice) {
			s.ExcludedCount++
			s.Excluded = append(s.Excluded, h.Inputs.Symbol)
			continue
		}
		v := Calculate(h.Inputs, h.CurrentPrice)
		value = value.Add(decimal.NewFromFloat(v.CurrentValue))
		cost = cost.Add(decimal.NewFromFloat(h.Inputs.PurchaseValue))
		pnl = pnl.Add(decimal.NewFromFloat(v.PnL))
		s.Included++
	}

	s.TotalValue = value.Round(2).InexactFloat64()
	s.TotalCost = cost.Round(2).InexactFloat64()
	s.TotalPnL = pnl.Round(2).InexactFloat64()
	return s
}
