package exposure

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/admitgate/internal/domain"
	"github.com/sawpanic/admitgate/internal/symbol"
	"github.com/sawpanic/admitgate/internal/valuation"
)

// DustThreshold is the exposure, in wallet currency, below which a holding
// is ignored for both exposure totals and coin counting.
const DustThreshold = 0.01

// Decision reasons returned by CanBuySymbol and FindBestSymbolForTrade
const (
	ReasonMaxWalletExposure = "max_wallet_exposure_reached"
	ReasonMaxActiveCoins    = "max_active_coins_reached"
	ReasonMaxPerCoin        = "max_exposure_per_coin_reached"
	ReasonWithinLimits      = "exposure_within_limits"
	ReasonNoSymbols         = "no_symbols_within_exposure_limits"
)

// PriceSource tags where a resolved price came from
type PriceSource string

const (
	PriceLive     PriceSource = "live"
	PriceFallback PriceSource = "fallback" // position average price
)

// PriceResolution is a price together with its provenance
type PriceResolution struct {
	Price  float64     `json:"price"`
	Source PriceSource `json:"source"`
}

// Live tags a live price
func Live(price float64) PriceResolution {
	return PriceResolution{Price: price, Source: PriceLive}
}

// Fallback tags a price substituted from stored position data
func Fallback(price float64) PriceResolution {
	return PriceResolution{Price: price, Source: PriceFallback}
}

// Prices maps base assets to live prices
type Prices map[string]float64

// NewPrices normalizes pair-keyed prices to base assets. Non-positive prices
// are dropped so they cannot masquerade as live data.
func NewPrices(byPair map[string]float64) Prices {
	out := make(Prices, len(byPair))
	for pair, p := range byPair {
		if usablePrice(p) {
			out[symbol.Base(pair)] = p
		}
	}
	return out
}

// ResolvePrice prefers the live price and falls back to the position's
// average price. ok is false when neither is usable.
func ResolvePrice(prices Prices, pos domain.Position) (PriceResolution, bool) {
	if p, found := prices[symbol.Base(pos.Symbol)]; found && usablePrice(p) {
		return Live(p), true
	}
	if usablePrice(pos.AveragePrice) {
		return Fallback(pos.AveragePrice), true
	}
	return PriceResolution{}, false
}

func usablePrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 1)
}

// Config holds the limits exposure is measured against
type Config struct {
	WalletValue float64 `json:"wallet_value"`
	// MaxWalletExposurePct and RiskMaxWalletExposurePct are two independent
	// ceilings; the lower configured one applies. Zero means unset.
	MaxWalletExposurePct     float64  `json:"max_wallet_exposure_pct"`
	RiskMaxWalletExposurePct float64  `json:"risk_max_wallet_exposure_pct"`
	MaxActiveCoins           int      `json:"max_active_coins"`
	CoinUniverse             []string `json:"coin_universe,omitempty"`
	PerTradeAllocation       float64  `json:"per_trade_allocation"`
}

// WalletExposurePct returns the binding wallet ceiling in percent.
func (c Config) WalletExposurePct() float64 {
	pct := 0.0
	for _, v := range []float64{c.MaxWalletExposurePct, c.RiskMaxWalletExposurePct} {
		if v > 0 && (pct == 0 || v < pct) {
			pct = v
		}
	}
	if pct == 0 {
		return 100
	}
	return pct
}

// ActiveCoins returns the coin cap, defaulting to the universe size.
func (c Config) ActiveCoins() int {
	if c.MaxActiveCoins > 0 {
		return c.MaxActiveCoins
	}
	if n := len(c.CoinUniverse); n > 0 {
		return n
	}
	return 1
}

// MaxExposurePerCoin is walletValue × pct / 100 / activeCoins.
func (c Config) MaxExposurePerCoin() float64 {
	return valuation.RoundCents(c.WalletValue * (c.WalletExposurePct() / 100) / float64(c.ActiveCoins()))
}

// SymbolExposure is the exposure of one base asset
type SymbolExposure struct {
	Symbol            string      `json:"symbol"`
	CurrentExposure   float64     `json:"current_exposure"`
	MaxExposure       float64     `json:"max_exposure"`
	RemainingCapacity float64     `json:"remaining_capacity"`
	CanAddTrade       bool        `json:"can_add_trade"`
	Price             float64     `json:"price"`
	PriceSource       PriceSource `json:"price_source"`
	Positions         int         `json:"positions"`
}

// ExcludedPosition is a position left out because its monetary fields failed
// integrity checks
type ExcludedPosition struct {
	Symbol string   `json:"symbol"`
	Errors []string `json:"errors"`
	Codes  []string `json:"codes"`
}

// Result is the exposure view derived from a position snapshot
type Result struct {
	Symbols map[string]SymbolExposure `json:"symbols"`

	TotalExposure           float64 `json:"total_exposure"`
	MaxWalletExposure       float64 `json:"max_wallet_exposure"`
	RemainingWalletCapacity float64 `json:"remaining_wallet_capacity"`

	UniqueCoinsWithExposure int  `json:"unique_coins_with_exposure"`
	MaxActiveCoins          int  `json:"max_active_coins"`
	CanAddNewCoin           bool `json:"can_add_new_coin"`

	MaxExposurePerCoin float64 `json:"max_exposure_per_coin"`
	PerTradeAllocation float64 `json:"per_trade_allocation"`

	// Fallbacks lists base assets valued at their average price.
	Fallbacks []string           `json:"fallbacks,omitempty"`
	Excluded  []ExcludedPosition `json:"excluded,omitempty"`
	Dust      []string           `json:"dust,omitempty"`
}

// Symbol returns the exposure for pair's base asset.
func (r Result) Symbol(pair string) (SymbolExposure, bool) {
	se, ok := r.Symbols[symbol.Base(pair)]
	return se, ok
}

// ComputeExposure aggregates positions per base asset at current prices.
func ComputeExposure(positions []domain.Position, prices Prices, cfg Config) Result {
	perCoin := cfg.MaxExposurePerCoin()
	maxWallet := valuation.RoundCents(cfg.WalletValue * cfg.WalletExposurePct() / 100)

	res := Result{
		Symbols:            make(map[string]SymbolExposure),
		MaxWalletExposure:  maxWallet,
		MaxActiveCoins:     cfg.ActiveCoins(),
		MaxExposurePerCoin: perCoin,
		PerTradeAllocation: cfg.PerTradeAllocation,
	}
	fallbackSeen := make(map[string]bool)

	for _, pos := range positions {
		base := symbol.Base(pos.Symbol)
		if pos.RemainingAmount == 0 {
			continue
		}

		inputs := valuation.Inputs{
			Symbol:        pos.Symbol,
			Amount:        pos.RemainingAmount,
			EntryPrice:    pos.AveragePrice,
			PurchaseValue: pos.TotalValue,
		}
		if check := valuation.CheckIntegrity(inputs); !check.IsValid {
			ex := ExcludedPosition{Symbol: pos.Symbol, Errors: check.Messages()}
			for _, v := range check.Errors {
				ex.Codes = append(ex.Codes, v.Code)
			}
			res.Excluded = append(res.Excluded, ex)
			log.Warn().
				Str("symbol", pos.Symbol).
				Strs("errors", ex.Errors).
				Msg("Position excluded from exposure: integrity violation")
			continue
		}

		price, ok := ResolvePrice(prices, pos)
		if !ok {
			continue
		}
		if price.Source == PriceFallback && !fallbackSeen[base] {
			fallbackSeen[base] = true
			res.Fallbacks = append(res.Fallbacks, base)
			log.Warn().
				Str("symbol", pos.Symbol).
				Float64("average_price", price.Price).
				Msg("No live price; exposure valued at average price")
		}

		if pos.RemainingAmount*price.Price < DustThreshold {
			res.Dust = append(res.Dust, pos.Symbol)
			continue
		}
		value := valuation.Calculate(inputs, price.Price).CurrentValue

		se := res.Symbols[base]
		se.Symbol = base
		se.CurrentExposure = valuation.RoundCents(se.CurrentExposure + value)
		se.Positions++
		se.Price = price.Price
		if se.PriceSource != PriceFallback {
			se.PriceSource = price.Source
		}
		res.Symbols[base] = se
	}

	total := 0.0
	for base, se := range res.Symbols {
		se.MaxExposure = perCoin
		se.RemainingCapacity = valuation.RoundCents(math.Max(0, perCoin-se.CurrentExposure))
		se.CanAddTrade = se.RemainingCapacity >= cfg.PerTradeAllocation
		res.Symbols[base] = se

		total += se.CurrentExposure
		res.UniqueCoinsWithExposure++
	}

	res.TotalExposure = valuation.RoundCents(total)
	res.RemainingWalletCapacity = valuation.RoundCents(math.Max(0, maxWallet-res.TotalExposure))
	res.CanAddNewCoin = res.UniqueCoinsWithExposure < res.MaxActiveCoins
	sort.Strings(res.Fallbacks)
	return res
}

// Decision is the answer to CanBuySymbol
type Decision struct {
	Allowed bool               `json:"allowed"`
	Reason  string             `json:"reason"`
	Details map[string]float64 `json:"details,omitempty"`
}

// CanBuySymbol checks, in order: wallet capacity, coin count for a new coin,
// and per-coin capacity for an existing one. Capacity checks are written so
// that a NaN on either side blocks.
func CanBuySymbol(pair string, r Result, tradeAmount float64) Decision {
	details := map[string]float64{
		"trade_amount":              tradeAmount,
		"remaining_wallet_capacity": r.RemainingWalletCapacity,
		"unique_coins":              float64(r.UniqueCoinsWithExposure),
		"max_active_coins":          float64(r.MaxActiveCoins),
	}

	if !(r.RemainingWalletCapacity >= tradeAmount) {
		return Decision{Reason: ReasonMaxWalletExposure, Details: details}
	}

	existing, found := r.Symbol(pair)
	isNew := !found || existing.CurrentExposure < DustThreshold
	details["current_exposure"] = existing.CurrentExposure

	if isNew && r.UniqueCoinsWithExposure >= r.MaxActiveCoins {
		return Decision{Reason: ReasonMaxActiveCoins, Details: details}
	}

	if !isNew {
		details["remaining_capacity"] = existing.RemainingCapacity
		if !(existing.RemainingCapacity >= tradeAmount) {
			return Decision{Reason: ReasonMaxPerCoin, Details: details}
		}
	}

	return Decision{Allowed: true, Reason: ReasonWithinLimits, Details: details}
}

// Selection is the result of FindBestSymbolForTrade
type Selection struct {
	Symbol   string  `json:"symbol,omitempty"`
	Exposure float64 `json:"exposure"`
	Found    bool    `json:"found"`
	Reason   string  `json:"reason"`
}

// FindBestSymbolForTrade returns the admissible candidate with the lowest
// current exposure. Ties keep candidate order.
func FindBestSymbolForTrade(candidates []string, r Result) Selection {
	type scored struct {
		pair     string
		exposure float64
	}

	var ok []scored
	for _, pair := range candidates {
		if d := CanBuySymbol(pair, r, r.PerTradeAllocation); d.Allowed {
			se, _ := r.Symbol(pair)
			ok = append(ok, scored{pair: pair, exposure: se.CurrentExposure})
		}
	}

	if len(ok) == 0 {
		return Selection{Reason: ReasonNoSymbols}
	}

	sort.SliceStable(ok, func(i, j int) bool { return ok[i].exposure < ok[j].exposure })
	return Selection{Symbol: ok[0].pair, Exposure: ok[0].exposure, Found: true, Reason: ReasonWithinLimits}
}

// Describe summarizes a result for logs and CLI output.
func (r Result) Describe() string {
	return fmt.Sprintf("wallet %.2f/%.2f (remaining %.2f) | coins %d/%d | per-coin cap %.2f | fallbacks %d | excluded %d",
		r.TotalExposure, r.MaxWalletExposure, r.RemainingWalletCapacity,
		r.UniqueCoinsWithExposure, r.MaxActiveCoins, r.MaxExposurePerCoin,
		len(r.Fallbacks), len(r.Excluded))
}
