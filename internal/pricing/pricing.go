// Package pricing turns provider token usage into credits.
//
// One credit is a thousandth of a US dollar after markup. Costs are always
// rounded up so that float truncation can never under-charge.
package pricing

import (
	"math"
	"strconv"

	"github.com/kalambet/chatter/internal/chat"
	"github.com/kalambet/chatter/internal/proxy"
)

// Markup is the multiplier applied to the provider's raw cost.
const Markup = 2.0

const (
	tokensPerUnit = 1e6
	creditsPerUSD = 1000
	// roundingScale keeps six decimal places before rounding up.
	roundingScale = 1e6
)

// Rates are a model's prices. Prompt and Completion are USD per million
// tokens; Request is a flat USD price per request.
type Rates struct {
	Prompt     float64 `json:"prompt"`
	Completion float64 `json:"completion"`
	Request    float64 `json:"request,omitempty"`
}

// Cost returns the marked-up credits for usage at rates r. When the model
// has no token pricing the flat request rate is charged instead.
func (r Rates) Cost(u chat.Usage) int64 {
	var raw float64
	if r.Prompt == 0 && r.Completion == 0 {
		raw = r.Request
	} else {
		raw = r.Prompt*float64(u.PromptTokens)/tokensPerUnit +
			r.Completion*float64(u.CompletionTokens)/tokensPerUnit
	}
	if raw <= 0 {
		return 0
	}

	thousandths := raw * Markup * creditsPerUSD
	// 0.014*1000 is 14.000000000000002 in binary floating point.
	thousandths = math.Round(thousandths*roundingScale) / roundingScale
	return int64(math.Ceil(thousandths))
}

// RatesFromModel converts OpenRouter per-token decimal strings into Rates.
// Unparseable or negative prices count as zero.
func RatesFromModel(m proxy.Model) Rates {
	return Rates{
		Prompt:     perMillion(parsePrice(m.Pricing.Prompt)),
		Completion: perMillion(parsePrice(m.Pricing.Completion)),
		Request:    parsePrice(m.Pricing.Request),
	}
}

// perMillion scales a per-token price, trimming the binary noise that
// multiplying a decimal string by 1e6 leaves behind.
func perMillion(perToken float64) float64 {
	return math.Round(perToken*tokensPerUnit*1e9) / 1e9
}

func parsePrice(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
