package intents

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/Aidin1998/intentex/common/errors"
	"github.com/shopspring/decimal"
)

// Period names accepted by Stats.
const (
	Period24h = "24h"
	Period7d  = "7d"
	Period30d = "30d"
	PeriodAll = "all"
)

// ChainStats aggregates executions of one venue.
type ChainStats struct {
	Chain         string          `json:"chain"`
	Executions    int             `json:"executions"`
	Volume        decimal.Decimal `json:"volume"`
	TurnoverUSD   decimal.Decimal `json:"turnover_usd"`
	AvgCaptureBps float64         `json:"avg_capture_bps"`
}

// Stats summarizes a scope's activity over a period.
type Stats struct {
	Period        string          `json:"period"`
	Since         *time.Time      `json:"since,omitempty"`
	Intents       int64           `json:"intents"`
	Open          int64           `json:"open"`
	Filled        int64           `json:"filled"`
	Cancelled     int64           `json:"cancelled"`
	Failed        int64           `json:"failed"`
	Executions    int             `json:"executions"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	WinRate       float64         `json:"win_rate"`
	AvgCaptureBps float64         `json:"avg_capture_bps"`
	TurnoverUSD   decimal.Decimal `json:"turnover_usd"`
	BestChain     string          `json:"best_chain,omitempty"`
	ByChain       []ChainStats    `json:"by_chain"`
}

// periodStart converts a period name into the lower time bound.
func periodStart(period string, now time.Time) (time.Time, error) {
	switch period {
	case Period24h, "":
		return now.Add(-24 * time.Hour), nil
	case Period7d:
		return now.Add(-7 * 24 * time.Hour), nil
	case Period30d:
		return now.Add(-30 * 24 * time.Hour), nil
	case PeriodAll:
		return time.Time{}, nil
	}
	return time.Time{}, apperrors.NewValidation("unknown period %q", period).WithField("period", "must be one of 24h, 7d, 30d, all")
}

// Stats computes counts, win/loss split by capture sign, average capture and
// turnover for the scope.
func (s *Store) Stats(ctx context.Context, scope, period string) (*Stats, error) {
	now := s.now()
	since, err := periodStart(period, now)
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = Period24h
	}

	counts, err := s.countByStatus(ctx, scope, since)
	if err != nil {
		return nil, err
	}
	execs, err := s.executionsSince(ctx, scope, since)
	if err != nil {
		return nil, err
	}

	st := aggregate(execs)
	st.Period = period
	if !since.IsZero() {
		st.Since = &since
	}
	for status, n := range counts {
		st.Intents += n
		switch status {
		case StatusFilled:
			st.Filled = n
		case StatusCancelled:
			st.Cancelled = n
		case StatusFailed:
			st.Failed = n
		default:
			st.Open += n
		}
	}
	return st, nil
}

func aggregate(execs []Execution) *Stats {
	st := &Stats{TurnoverUSD: decimal.Zero, ByChain: []ChainStats{}}
	byChain := map[string]*ChainStats{}
	captureSum := map[string]float64{}
	var total float64

	for i := range execs {
		e := &execs[i]
		notional := e.Notional()
		st.Executions++
		st.TurnoverUSD = st.TurnoverUSD.Add(notional)
		total += e.CaptureBps
		switch {
		case e.CaptureBps > 0:
			st.Wins++
		case e.CaptureBps < 0:
			st.Losses++
		}

		cs, ok := byChain[e.Chain]
		if !ok {
			cs = &ChainStats{Chain: e.Chain, Volume: decimal.Zero, TurnoverUSD: decimal.Zero}
			byChain[e.Chain] = cs
		}
		cs.Executions++
		cs.Volume = cs.Volume.Add(e.QtyFilled)
		cs.TurnoverUSD = cs.TurnoverUSD.Add(notional)
		captureSum[e.Chain] += e.CaptureBps
	}

	if st.Executions > 0 {
		st.AvgCaptureBps = total / float64(st.Executions)
		st.WinRate = float64(st.Wins) / float64(st.Executions)
	}

	for chain, cs := range byChain {
		cs.AvgCaptureBps = captureSum[chain] / float64(cs.Executions)
		st.ByChain = append(st.ByChain, *cs)
	}
	sort.Slice(st.ByChain, func(i, j int) bool { return st.ByChain[i].Chain < st.ByChain[j].Chain })

	best := -1
	for i, cs := range st.ByChain {
		if best < 0 || cs.AvgCaptureBps > st.ByChain[best].AvgCaptureBps {
			best = i
		}
	}
	if best >= 0 {
		st.BestChain = st.ByChain[best].Chain
	}
	return st
}
