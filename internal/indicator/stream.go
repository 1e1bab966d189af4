package indicator

import "math"

var nan = math.NaN()

// ema is seeded with the simple average of its first n inputs, then smoothed with k = 2/(n+1).
type ema struct {
	n     int
	k     float64
	count int
	sum   float64
	value float64
}

func newEMA(n int) *ema {
	if n < 1 {
		n = 1
	}
	return &ema{n: n, k: 2 / (float64(n) + 1)}
}

func (e *ema) update(x float64) float64 {
	e.count++
	switch {
	case e.count < e.n:
		e.sum += x
		return nan
	case e.count == e.n:
		e.sum += x
		e.value = e.sum / float64(e.n)
	default:
		e.value = (x-e.value)*e.k + e.value
	}
	return e.value
}

// window holds the last n values of a stream.
type window struct {
	buf  []float64
	pos  int
	full bool
}

func newWindow(n int) *window {
	if n < 1 {
		n = 1
	}
	return &window{buf: make([]float64, n)}
}

func (w *window) push(x float64) {
	w.buf[w.pos] = x
	w.pos++
	if w.pos == len(w.buf) {
		w.pos = 0
		w.full = true
	}
}

func (w *window) mean() float64 {
	if !w.full {
		return nan
	}
	sum := 0.0
	for _, v := range w.buf {
		sum += v
	}
	return sum / float64(len(w.buf))
}

// stddev is the population standard deviation of the window.
func (w *window) stddev() float64 {
	if !w.full {
		return nan
	}
	m := w.mean()
	acc := 0.0
	for _, v := range w.buf {
		d := v - m
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(w.buf)))
}

// rsi uses Wilder's smoothing, seeded with the simple average of the first n changes.
type rsi struct {
	n       int
	changes int
	prev    float64
	seeded  bool
	avgGain float64
	avgLoss float64
}

func newRSI(n int) *rsi { return &rsi{n: max(n, 1)} }

func (r *rsi) update(close float64) float64 {
	if !r.seeded {
		r.prev = close
		r.seeded = true
		return nan
	}
	ch := close - r.prev
	r.prev = close
	gain, loss := math.Max(ch, 0), math.Max(-ch, 0)
	r.changes++
	n := float64(r.n)
	switch {
	case r.changes < r.n:
		r.avgGain += gain
		r.avgLoss += loss
		return nan
	case r.changes == r.n:
		r.avgGain = (r.avgGain + gain) / n
		r.avgLoss = (r.avgLoss + loss) / n
	default:
		r.avgGain = (r.avgGain*(n-1) + gain) / n
		r.avgLoss = (r.avgLoss*(n-1) + loss) / n
	}
	total := r.avgGain + r.avgLoss
	if total == 0 {
		return 50
	}
	return 100 * r.avgGain / total
}

func trueRange(high, low, prevClose float64) float64 {
	return math.Max(high-low, math.Max(math.Abs(high-prevClose), math.Abs(low-prevClose)))
}

// atr averages the first n true ranges (the first bar has none) and then applies Wilder's smoothing.
type atr struct {
	n         int
	ranges    int
	prevClose float64
	seeded    bool
	value     float64
}

func newATR(n int) *atr { return &atr{n: max(n, 1)} }

func (a *atr) update(high, low, close float64) float64 {
	if !a.seeded {
		a.prevClose = close
		a.seeded = true
		return nan
	}
	tr := trueRange(high, low, a.prevClose)
	a.prevClose = close
	a.ranges++
	n := float64(a.n)
	switch {
	case a.ranges < a.n:
		a.value += tr
		return nan
	case a.ranges == a.n:
		a.value = (a.value + tr) / n
	default:
		a.value = (a.value*(n-1) + tr) / n
	}
	return a.value
}

// dmi computes Wilder's +DI, -DI and ADX.
type dmi struct {
	n       int
	bars    int
	prevH   float64
	prevL   float64
	prevC   float64
	sTR     float64
	sPlus   float64
	sMinus  float64
	dxSum   float64
	dxCount int
	adx     float64
}

func newDMI(n int) *dmi { return &dmi{n: max(n, 1)} }

func (d *dmi) update(high, low, close float64) (plusDI, minusDI, adx float64) {
	d.bars++
	if d.bars == 1 {
		d.prevH, d.prevL, d.prevC = high, low, close
		return nan, nan, nan
	}
	up := high - d.prevH
	down := d.prevL - low
	plusDM, minusDM := 0.0, 0.0
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	tr := trueRange(high, low, d.prevC)
	d.prevH, d.prevL, d.prevC = high, low, close

	k := d.bars - 1
	n := float64(d.n)
	if k <= d.n {
		d.sTR += tr
		d.sPlus += plusDM
		d.sMinus += minusDM
	} else {
		d.sTR = d.sTR - d.sTR/n + tr
		d.sPlus = d.sPlus - d.sPlus/n + plusDM
		d.sMinus = d.sMinus - d.sMinus/n + minusDM
	}
	if k < d.n {
		return nan, nan, nan
	}
	if d.sTR > 0 {
		plusDI = 100 * d.sPlus / d.sTR
		minusDI = 100 * d.sMinus / d.sTR
	}
	dx := 0.0
	if sum := plusDI + minusDI; sum > 0 {
		dx = 100 * math.Abs(plusDI-minusDI) / sum
	}
	if d.dxCount < d.n {
		d.dxSum += dx
		d.dxCount++
		if d.dxCount < d.n {
			return plusDI, minusDI, nan
		}
		d.adx = d.dxSum / n
		return plusDI, minusDI, d.adx
	}
	d.adx = (d.adx*(n-1) + dx) / n
	return plusDI, minusDI, d.adx
}
