package settlement

import (
	"math"
	"sort"
	"strings"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/Aidin1998/intentex/internal/config"
	"github.com/shopspring/decimal"
)

var bpsDivisor = decimal.NewFromInt(10000)

// VenueFee is the fee schedule of one chain.
type VenueFee struct {
	NetworkFee    decimal.Decimal
	ServiceFeeBps decimal.Decimal
	BaseTimeSec   int
}

// strategyCost scales a venue's schedule for one settlement strategy.
type strategyCost struct {
	network decimal.Decimal
	service decimal.Decimal
	time    float64
}

var strategyCosts = map[SettlementType]strategyCost{
	RemoteCustody:    {network: decimal.NewFromInt(1), service: decimal.NewFromInt(1), time: 1},
	DeferredMinting:  {network: decimal.RequireFromString("0.6"), service: decimal.RequireFromString("0.8"), time: 4},
	CanonicalMinting: {network: decimal.RequireFromString("1.5"), service: decimal.RequireFromString("1.2"), time: 1},
}

// FeePreview is the cost of settling amount on one chain under one strategy.
type FeePreview struct {
	Chain            string          `json:"chain"`
	Asset            string          `json:"asset"`
	SettlementType   SettlementType  `json:"settlement_type"`
	Amount           decimal.Decimal `json:"amount"`
	NetworkFee       decimal.Decimal `json:"network_fee"`
	ServiceFee       decimal.Decimal `json:"service_fee"`
	Total            decimal.Decimal `json:"total"`
	EstimatedTimeSec int             `json:"estimated_time_sec"`
}

// Comparison is a batch of previews with the cheapest and fastest chain.
type Comparison struct {
	Previews []FeePreview `json:"previews"`
	Best     string       `json:"best_chain"`
	Fastest  string       `json:"fastest_chain"`
}

// FeeTable is an immutable per-chain fee schedule.
type FeeTable struct {
	venues map[string]VenueFee
	order  []string
}

// NewFeeTable builds a table from the configured venues.
func NewFeeTable(venues map[string]config.VenueFee) *FeeTable {
	t := &FeeTable{venues: make(map[string]VenueFee, len(venues))}
	for chain, v := range venues {
		chain = strings.ToLower(chain)
		t.venues[chain] = VenueFee{
			NetworkFee:    decimal.NewFromFloat(v.NetworkFee),
			ServiceFeeBps: decimal.NewFromFloat(v.ServiceFeeBps),
			BaseTimeSec:   v.BaseTimeSecond,
		}
		t.order = append(t.order, chain)
	}
	sort.Strings(t.order)
	return t
}

// Chains returns the known chains in sorted order.
func (t *FeeTable) Chains() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Has reports whether chain has a fee schedule.
func (t *FeeTable) Has(chain string) bool {
	_, ok := t.venues[strings.ToLower(chain)]
	return ok
}

// Preview computes fees without touching any state.
func (t *FeeTable) Preview(amount decimal.Decimal, asset string, typ SettlementType, chain string) (FeePreview, error) {
	if !amount.IsPositive() {
		return FeePreview{}, apperrors.NewValidation("amount must be positive").WithField("amount", "must be greater than 0")
	}
	if strings.TrimSpace(asset) == "" {
		return FeePreview{}, apperrors.NewValidation("asset is required").WithField("asset", "is required")
	}
	cost, ok := strategyCosts[typ]
	if !ok {
		return FeePreview{}, apperrors.NewValidation("unknown settlement type %q", typ).WithField("settlement_type", "is invalid")
	}
	chain = strings.ToLower(strings.TrimSpace(chain))
	venue, ok := t.venues[chain]
	if !ok {
		return FeePreview{}, apperrors.NewValidation("unknown chain %q", chain).WithField("chain", "is not supported")
	}

	network := venue.NetworkFee.Mul(cost.network).Round(8)
	service := amount.Mul(venue.ServiceFeeBps).Div(bpsDivisor).Mul(cost.service).Round(8)
	return FeePreview{
		Chain:            chain,
		Asset:            strings.ToUpper(asset),
		SettlementType:   typ,
		Amount:           amount,
		NetworkFee:       network,
		ServiceFee:       service,
		Total:            network.Add(service),
		EstimatedTimeSec: int(math.Round(float64(venue.BaseTimeSec) * cost.time)),
	}, nil
}

// Compare previews every chain in chains, or every known chain when empty.
func (t *FeeTable) Compare(amount decimal.Decimal, asset string, typ SettlementType, chains []string) (Comparison, error) {
	if len(chains) == 0 {
		chains = t.order
	}
	previews := make([]FeePreview, 0, len(chains))
	for _, chain := range chains {
		p, err := t.Preview(amount, asset, typ, chain)
		if err != nil {
			return Comparison{}, err
		}
		previews = append(previews, p)
	}
	best, _ := BestChain(previews)
	fastest, _ := FastestChain(previews)
	return Comparison{Previews: previews, Best: best.Chain, Fastest: fastest.Chain}, nil
}

// BestChain returns the preview with the lowest total. Ties keep the earlier one.
func BestChain(previews []FeePreview) (FeePreview, bool) {
	if len(previews) == 0 {
		return FeePreview{}, false
	}
	best := previews[0]
	for _, p := range previews[1:] {
		if p.Total.LessThan(best.Total) {
			best = p
		}
	}
	return best, true
}

// FastestChain returns the preview with the shortest estimated time. Ties keep
// the earlier one.
func FastestChain(previews []FeePreview) (FeePreview, bool) {
	if len(previews) == 0 {
		return FeePreview{}, false
	}
	fastest := previews[0]
	for _, p := range previews[1:] {
		if p.EstimatedTimeSec < fastest.EstimatedTimeSec {
			fastest = p
		}
	}
	return fastest, true
}
