package strategy

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"equitybot-go/internal/signal"
)

// Filter is one static gate applied to a candidate before it is emitted.
type Filter interface {
	Name() string
	// Check returns an empty string when the candidate passes.
	Check(ctx Context, s signal.Signal) string
}

// Chain runs filters in order and stops at the first rejection.
type Chain []Filter

// Run returns the name and reason of the first failing filter.
func (c Chain) Run(ctx Context, s signal.Signal) (string, string, bool) {
	for _, f := range c {
		if reason := f.Check(ctx, s); reason != "" {
			return f.Name(), reason, false
		}
	}
	return "", "", true
}

// Denylist blocks symbols with a poor track record.
type Denylist map[string]struct{}

// NewDenylist normalizes symbols to upper case.
func NewDenylist(symbols []string) Denylist {
	d := make(Denylist, len(symbols))
	for _, s := range symbols {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			d[s] = struct{}{}
		}
	}
	return d
}

func (d Denylist) Name() string { return "denylist" }

func (d Denylist) Check(_ Context, s signal.Signal) string {
	if _, bad := d[strings.ToUpper(s.Symbol)]; bad {
		return fmt.Sprintf("%s is denylisted", s.Symbol)
	}
	return ""
}

// HourFilter gates entries by the exchange-local hour of the signal candle's close.
type HourFilter struct {
	Allow []int
	Deny  []int
}

func (h HourFilter) Name() string { return "hour" }

func (h HourFilter) Check(ctx Context, s signal.Signal) string {
	at := s.CandleTime
	if c, _, ok := ctx.Frame.Last(); ok && c.OpenTime.Equal(s.CandleTime) {
		at = c.CloseTime()
	}
	loc := time.UTC
	if ctx.Calendar != nil {
		loc = ctx.Calendar.Location()
	}
	hour := at.In(loc).Hour()
	if slices.Contains(h.Deny, hour) {
		return fmt.Sprintf("hour %02d is denied", hour)
	}
	if len(h.Allow) > 0 && !slices.Contains(h.Allow, hour) {
		return fmt.Sprintf("hour %02d not in allowed hours", hour)
	}
	return ""
}

// VWAPFilter requires longs above session VWAP and shorts below it.
type VWAPFilter struct{}

func (VWAPFilter) Name() string { return "vwap" }

func (VWAPFilter) Check(ctx Context, s signal.Signal) string {
	_, snap, ok := ctx.Frame.Last()
	if !ok {
		return "no snapshot"
	}
	vwap, ok := snap.Get("vwap")
	if !ok || vwap <= 0 {
		return "vwap unavailable"
	}
	if s.Direction.Sign()*(s.Entry-vwap) <= 0 {
		return fmt.Sprintf("entry %.2f on wrong side of vwap %.2f", s.Entry, vwap)
	}
	return ""
}

// RangeWidthFilter rejects defining ranges that are too tight or too wide
// relative to price.
type RangeWidthFilter struct {
	MinPct float64
	MaxPct float64
}

func (RangeWidthFilter) Name() string { return "range_width" }

func (f RangeWidthFilter) Check(ctx Context, _ signal.Signal) string {
	if ctx.Range == nil {
		return "no defining range"
	}
	w := ctx.Range.WidthPct()
	if f.MinPct > 0 && w < f.MinPct {
		return fmt.Sprintf("range width %.2f%% below %.2f%%", w*100, f.MinPct*100)
	}
	if f.MaxPct > 0 && w > f.MaxPct {
		return fmt.Sprintf("range width %.2f%% above %.2f%%", w*100, f.MaxPct*100)
	}
	return ""
}
