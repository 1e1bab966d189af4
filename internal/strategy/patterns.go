package strategy

import (
	"math"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/signal"
)

// Pattern kinds.
const (
	DoubleTop          = "double_top"
	DoubleBottom       = "double_bottom"
	BullFlag           = "bull_flag"
	BearFlag           = "bear_flag"
	AscendingTriangle  = "ascending_triangle"
	DescendingTriangle = "descending_triangle"
	SymmetricTriangle  = "symmetric_triangle"
)

// Pattern is a chart pattern whose breakout bar is the last candle.
type Pattern struct {
	Kind      string
	Direction signal.Direction
	Trigger   float64 // breakout level
	Stop      float64
	Target    float64 // measured-move projection from the trigger
	Height    float64
	Quality   float64 // 0..1 fit of the shape
	Start     int
}

type pivot struct {
	idx   int
	price float64
}

// findPivots returns swing highs and lows confirmed by order bars on each
// side. The last order bars cannot host a pivot, so nothing here depends on
// bars that have not closed yet.
func findPivots(cs []candle.Candle, order int) (highs, lows []pivot) {
	for i := order; i < len(cs)-order; i++ {
		isHigh, isLow := true, true
		for j := i - order; j <= i+order; j++ {
			if j == i {
				continue
			}
			if cs[j].High > cs[i].High || (j < i && cs[j].High == cs[i].High) {
				isHigh = false
			}
			if cs[j].Low < cs[i].Low || (j < i && cs[j].Low == cs[i].Low) {
				isLow = false
			}
		}
		if isHigh {
			highs = append(highs, pivot{idx: i, price: cs[i].High})
		}
		if isLow {
			lows = append(lows, pivot{idx: i, price: cs[i].Low})
		}
	}
	return highs, lows
}

// crossed reports whether the last close broke level in dir while the one before did not.
func crossed(cs []candle.Candle, level float64, dir signal.Direction) bool {
	n := len(cs)
	if n < 2 {
		return false
	}
	last, prev := cs[n-1].Close, cs[n-2].Close
	if dir == signal.Long {
		return last > level && prev <= level
	}
	return last < level && prev >= level
}

func detectDouble(cs []candle.Candle, highs, lows []pivot, p PatternParams, dir signal.Direction) (Pattern, bool) {
	peaks := highs
	if dir == signal.Long {
		peaks = lows
	}
	if len(peaks) < 2 {
		return Pattern{}, false
	}
	a, b := peaks[len(peaks)-2], peaks[len(peaks)-1]
	if b.idx-a.idx < p.MinSeparation {
		return Pattern{}, false
	}
	ref := math.Max(a.price, b.price)
	diff := math.Abs(a.price-b.price) / ref
	if diff > p.Tolerance {
		return Pattern{}, false
	}

	// the neckline is the opposite extreme between the two peaks
	neck := cs[a.idx].Low
	if dir == signal.Long {
		neck = cs[a.idx].High
	}
	for i := a.idx; i <= b.idx; i++ {
		if dir == signal.Long {
			neck = math.Max(neck, cs[i].High)
		} else {
			neck = math.Min(neck, cs[i].Low)
		}
	}
	extreme := math.Max(a.price, b.price)
	if dir == signal.Long {
		extreme = math.Min(a.price, b.price)
	}
	height := math.Abs(neck - extreme)
	if height/ref < p.MinDepthPct {
		return Pattern{}, false
	}
	// a close beyond the peaks after the second one invalidates the shape
	for i := b.idx + 1; i < len(cs); i++ {
		if dir == signal.Short && cs[i].Close > extreme || dir == signal.Long && cs[i].Close < extreme {
			return Pattern{}, false
		}
	}
	if !crossed(cs, neck, dir) {
		return Pattern{}, false
	}
	kind := DoubleTop
	if dir == signal.Long {
		kind = DoubleBottom
	}
	return Pattern{
		Kind:      kind,
		Direction: dir,
		Trigger:   neck,
		Stop:      neck - dir.Sign()*height/2,
		Target:    neck + dir.Sign()*height,
		Height:    height,
		Quality:   1 - diff/p.Tolerance,
		Start:     a.idx,
	}, true
}

func detectFlag(cs []candle.Candle, p PatternParams, dir signal.Direction) (Pattern, bool) {
	n := len(cs)
	for f := p.MinFlagBars; f <= p.MaxFlagBars; f++ {
		flagStart := n - 1 - f
		poleStart := flagStart - p.PoleBars
		if poleStart < 0 {
			return Pattern{}, false
		}
		pole := cs[poleStart:flagStart]
		flag := cs[flagStart : n-1]

		poleLo, poleHi := extent(pole)
		flagLo, flagHi := extent(flag)
		poleEnd := pole[len(pole)-1]
		var gain, retrace, trigger, stop float64
		if dir == signal.Long {
			gain = (poleEnd.High - pole[0].Low) / pole[0].Low
			if poleHi > poleEnd.High || flagHi > poleHi {
				continue
			}
			retrace = (poleHi - flagLo) / (poleHi - poleLo)
			trigger, stop = flagHi, flagLo
		} else {
			gain = (pole[0].High - poleEnd.Low) / pole[0].High
			if poleLo < poleEnd.Low || flagLo < poleLo {
				continue
			}
			retrace = (flagHi - poleLo) / (poleHi - poleLo)
			trigger, stop = flagLo, flagHi
		}
		if gain < p.PoleMinPct || retrace > p.MaxRetrace || math.IsNaN(retrace) {
			continue
		}
		if !crossed(cs, trigger, dir) {
			continue
		}
		kind := BullFlag
		if dir == signal.Short {
			kind = BearFlag
		}
		height := poleHi - poleLo
		return Pattern{
			Kind:      kind,
			Direction: dir,
			Trigger:   trigger,
			Stop:      stop,
			Target:    cs[n-1].Close + dir.Sign()*height,
			Height:    height,
			Quality:   1 - retrace,
			Start:     poleStart,
		}, true
	}
	return Pattern{}, false
}

func extent(cs []candle.Candle) (lo, hi float64) {
	lo, hi = math.Inf(1), math.Inf(-1)
	for _, c := range cs {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	return lo, hi
}

// fitLine is an ordinary least squares fit of price against bar index.
func fitLine(ps []pivot) (slope, intercept float64) {
	var sx, sy, sxx, sxy float64
	n := float64(len(ps))
	for _, p := range ps {
		x := float64(p.idx)
		sx += x
		sy += p.price
		sxx += x * x
		sxy += x * p.price
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	slope = (n*sxy - sx*sy) / den
	return slope, (sy - slope*sx) / n
}

func detectTriangle(cs []candle.Candle, highs, lows []pivot, p PatternParams) (Pattern, bool) {
	if len(highs) < 2 || len(lows) < 2 {
		return Pattern{}, false
	}
	n := len(cs)
	sh, ih := fitLine(highs)
	sl, il := fitLine(lows)
	start := min(highs[0].idx, lows[0].idx)
	at := func(s, i float64, x int) float64 { return i + s*float64(x) }

	upper, lower := at(sh, ih, n-1), at(sl, il, n-1)
	upperPrev, lowerPrev := at(sh, ih, n-2), at(sl, il, n-2)
	height := at(sh, ih, start) - at(sl, il, start)
	if height <= 0 || upperPrev <= lowerPrev || upperPrev-lowerPrev >= height {
		return Pattern{}, false
	}

	ref := cs[n-1].Close
	flat := func(slope float64) bool { return math.Abs(slope)*float64(n-1-start)/ref <= p.FlatTolerance }
	var kind string
	switch {
	case flat(sh) && sl > 0:
		kind = AscendingTriangle
	case flat(sl) && sh < 0:
		kind = DescendingTriangle
	case sh < 0 && sl > 0:
		kind = SymmetricTriangle
	default:
		return Pattern{}, false
	}

	last, prev := cs[n-1].Close, cs[n-2].Close
	touches := float64(len(highs) + len(lows))
	quality := clamp(0.5+(touches-4)/8, 0, 1)
	switch {
	case last > upper && prev <= upperPrev:
		return Pattern{Kind: kind, Direction: signal.Long, Trigger: upper, Stop: lower, Target: last + height, Height: height, Quality: quality, Start: start}, true
	case last < lower && prev >= lowerPrev:
		return Pattern{Kind: kind, Direction: signal.Short, Trigger: lower, Stop: upper, Target: last - height, Height: height, Quality: quality, Start: start}, true
	}
	return Pattern{}, false
}

// DetectPatterns returns every pattern whose breakout bar is the last candle.
func DetectPatterns(cs []candle.Candle, p PatternParams) []Pattern {
	p = p.withDefaults()
	if len(cs) < p.PivotOrder*2+3 {
		return nil
	}
	// pivots are found on bars before the breakout bar
	highs, lows := findPivots(cs[:len(cs)-1], p.PivotOrder)
	var out []Pattern
	enabled := p.enabled()
	add := func(pt Pattern, ok bool) {
		if ok && enabled[pt.Kind] {
			out = append(out, pt)
		}
	}
	add(detectDouble(cs, highs, lows, p, signal.Short))
	add(detectDouble(cs, highs, lows, p, signal.Long))
	add(detectFlag(cs, p, signal.Long))
	add(detectFlag(cs, p, signal.Short))
	add(detectTriangle(cs, highs, lows, p))
	return out
}
