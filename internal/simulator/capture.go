package simulator

import (
	"math"

	"github.com/shopspring/decimal"
)

// CaptureModel draws the realized edge of a simulated fill. The default range
// is [0, 2×min_edge]; AllowNegative widens it to [-min_edge, 2×min_edge].
type CaptureModel struct {
	AllowNegative bool
}

// Bounds returns the closed interval Draw samples from.
func (m CaptureModel) Bounds(minEdgeBps float64) (lo, hi float64) {
	hi = 2 * minEdgeBps
	if m.AllowNegative {
		lo = -minEdgeBps
	}
	return lo, hi
}

// Draw maps u in [0,1) onto the capture range, rounded to 1/10000 bps.
func (m CaptureModel) Draw(u, minEdgeBps float64) float64 {
	lo, hi := m.Bounds(minEdgeBps)
	v := lo + u*(hi-lo)
	v = math.Round(v*1e4) / 1e4
	return math.Max(lo, math.Min(hi, v))
}

// Insight levels by capture magnitude.
const (
	LevelExcellent = "excellent"
	LevelGood      = "good"
	LevelModerate  = "moderate"
	LevelLow       = "low"
)

// InsightLevel buckets capture: >3.0 excellent, >2.0 good, >1.0 moderate, else low.
func InsightLevel(captureBps float64) string {
	switch {
	case captureBps > 3.0:
		return LevelExcellent
	case captureBps > 2.0:
		return LevelGood
	case captureBps > 1.0:
		return LevelModerate
	default:
		return LevelLow
	}
}

// applySlippage moves price against the caller by slipBps.
func applySlippage(price decimal.Decimal, buy bool, slipBps float64) decimal.Decimal {
	factor := decimal.NewFromFloat(slipBps).Div(decimal.NewFromInt(10000))
	if buy {
		return price.Mul(decimal.NewFromInt(1).Add(factor)).Round(8)
	}
	return price.Mul(decimal.NewFromInt(1).Sub(factor)).Round(8)
}
