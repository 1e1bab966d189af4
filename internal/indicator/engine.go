package indicator

import (
	"errors"
	"math"
	"sync"
	"time"

	"equitybot-go/internal/candle"
)

// ErrNoData is returned when an update carries no candles for an unseen symbol.
var ErrNoData = errors.New("indicator: no candles")

// SessionFunc maps a timestamp to its trading session key. VWAP and pivots
// reset when the key changes.
type SessionFunc func(time.Time) string

// Params configures indicator periods.
type Params struct {
	EMAFast    int     `yaml:"ema_fast"`
	EMASlow    int     `yaml:"ema_slow"`
	EMATrend   int     `yaml:"ema_trend"`
	EMALong    int     `yaml:"ema_long"`
	SMA        int     `yaml:"sma"`
	RSI        int     `yaml:"rsi"`
	MACDFast   int     `yaml:"macd_fast"`
	MACDSlow   int     `yaml:"macd_slow"`
	MACDSignal int     `yaml:"macd_signal"`
	ADX        int     `yaml:"adx"`
	ATR        int     `yaml:"atr"`
	BBPeriod   int     `yaml:"bb_period"`
	BBStdDev   float64 `yaml:"bb_stddev"`
	VolumeAvg  int     `yaml:"volume_avg"`

	Session SessionFunc `yaml:"-"`
}

// DefaultParams returns the periods used by all strategies unless overridden.
func DefaultParams() Params {
	return Params{
		EMAFast: 9, EMASlow: 21, EMATrend: 50, EMALong: 200,
		SMA: 20, RSI: 14,
		MACDFast: 12, MACDSlow: 26, MACDSignal: 9,
		ADX: 14, ATR: 14,
		BBPeriod: 20, BBStdDev: 2,
		VolumeAvg: 20,
	}
}

func (p Params) withDefaults() Params {
	d := DefaultParams()
	pick := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	pick(&p.EMAFast, d.EMAFast)
	pick(&p.EMASlow, d.EMASlow)
	pick(&p.EMATrend, d.EMATrend)
	pick(&p.EMALong, d.EMALong)
	pick(&p.SMA, d.SMA)
	pick(&p.RSI, d.RSI)
	pick(&p.MACDFast, d.MACDFast)
	pick(&p.MACDSlow, d.MACDSlow)
	pick(&p.MACDSignal, d.MACDSignal)
	pick(&p.ADX, d.ADX)
	pick(&p.ATR, d.ATR)
	pick(&p.BBPeriod, d.BBPeriod)
	pick(&p.VolumeAvg, d.VolumeAvg)
	if p.BBStdDev <= 0 {
		p.BBStdDev = d.BBStdDev
	}
	return p
}

// Warmup is the number of candles after which every indicator except the long EMA is defined.
func (p Params) Warmup() int {
	p = p.withDefaults()
	return max(p.EMATrend, p.MACDSlow+p.MACDSignal, 2*p.ADX, p.BBPeriod+1, p.VolumeAvg+1, p.RSI+1)
}

// calculator folds candles one at a time; every output depends only on
// candles already seen.
type calculator struct {
	p     Params
	index int

	emaFast, emaSlow, emaTrend, emaLong *ema
	macdFast, macdSlow, macdSignal      *ema
	sma                                 *window
	bb                                  *window
	vol                                 *window
	rsi                                 *rsi
	atr                                 *atr
	dmi                                 *dmi

	prevClose float64
	obv       float64

	session    string
	cumPV      float64
	cumVol     float64
	sessHigh   float64
	sessLow    float64
	sessClose  float64
	sessActive bool
	pivots     Pivots
}

func newCalculator(p Params) *calculator {
	p = p.withDefaults()
	return &calculator{
		p:          p,
		emaFast:    newEMA(p.EMAFast),
		emaSlow:    newEMA(p.EMASlow),
		emaTrend:   newEMA(p.EMATrend),
		emaLong:    newEMA(p.EMALong),
		macdFast:   newEMA(p.MACDFast),
		macdSlow:   newEMA(p.MACDSlow),
		macdSignal: newEMA(p.MACDSignal),
		sma:        newWindow(p.SMA),
		bb:         newWindow(p.BBPeriod),
		vol:        newWindow(p.VolumeAvg),
		rsi:        newRSI(p.RSI),
		atr:        newATR(p.ATR),
		dmi:        newDMI(p.ADX),
		pivots:     Pivots{P: nan, R1: nan, R2: nan, S1: nan, S2: nan, PrevHigh: nan, PrevLow: nan, PrevClose: nan},
	}
}

func (c *calculator) next(cd candle.Candle) Snapshot {
	s := Snapshot{
		Time:   cd.OpenTime,
		Index:  c.index,
		Open:   cd.Open,
		High:   cd.High,
		Low:    cd.Low,
		Close:  cd.Close,
		Volume: cd.Volume,
	}

	s.EMAFast = c.emaFast.update(cd.Close)
	s.EMASlow = c.emaSlow.update(cd.Close)
	s.EMATrend = c.emaTrend.update(cd.Close)
	s.EMALong = c.emaLong.update(cd.Close)

	c.sma.push(cd.Close)
	s.SMA = c.sma.mean()

	fast := c.macdFast.update(cd.Close)
	slow := c.macdSlow.update(cd.Close)
	s.MACD = MACD{Line: nan, Signal: nan, Hist: nan}
	if !math.IsNaN(fast) && !math.IsNaN(slow) {
		s.MACD.Line = fast - slow
		s.MACD.Signal = c.macdSignal.update(s.MACD.Line)
		if !math.IsNaN(s.MACD.Signal) {
			s.MACD.Hist = s.MACD.Line - s.MACD.Signal
		}
	}

	s.RSI = c.rsi.update(cd.Close)
	s.ATR = c.atr.update(cd.High, cd.Low, cd.Close)
	s.PlusDI, s.MinusDI, s.ADX = c.dmi.update(cd.High, cd.Low, cd.Close)

	c.bb.push(cd.Close)
	mid := c.bb.mean()
	sd := c.bb.stddev()
	s.BB = Bands{Upper: mid + c.p.BBStdDev*sd, Middle: mid, Lower: mid - c.p.BBStdDev*sd}

	// the average excludes the current candle
	s.VolumeAvg = c.vol.mean()
	c.vol.push(cd.Volume)

	if c.index > 0 {
		switch {
		case cd.Close > c.prevClose:
			c.obv += cd.Volume
		case cd.Close < c.prevClose:
			c.obv -= cd.Volume
		}
	}
	c.prevClose = cd.Close
	s.OBV = c.obv

	c.rollSession(cd)
	c.cumPV += cd.Typical() * cd.Volume
	c.cumVol += cd.Volume
	if c.cumVol > 0 {
		s.VWAP = c.cumPV / c.cumVol
	} else {
		s.VWAP = cd.Typical()
	}
	if !c.sessActive {
		c.sessHigh, c.sessLow, c.sessActive = cd.High, cd.Low, true
	}
	c.sessHigh = math.Max(c.sessHigh, cd.High)
	c.sessLow = math.Min(c.sessLow, cd.Low)
	c.sessClose = cd.Close
	s.Pivots = c.pivots

	c.index++
	return s
}

// rollSession resets session-anchored state when the candle starts a new
// session, deriving pivots from the one that ended.
func (c *calculator) rollSession(cd candle.Candle) {
	if c.p.Session == nil {
		return
	}
	key := c.p.Session(cd.OpenTime)
	if key == c.session {
		return
	}
	if c.sessActive {
		h, l, cl := c.sessHigh, c.sessLow, c.sessClose
		p := (h + l + cl) / 3
		c.pivots = Pivots{
			P:         p,
			R1:        2*p - l,
			S1:        2*p - h,
			R2:        p + (h - l),
			S2:        p - (h - l),
			PrevHigh:  h,
			PrevLow:   l,
			PrevClose: cl,
		}
	}
	c.session = key
	c.cumPV, c.cumVol = 0, 0
	c.sessActive = false
}

// Compute runs a fresh calculator over candles and returns one snapshot per candle.
func Compute(candles []candle.Candle, p Params) []Snapshot {
	calc := newCalculator(p)
	out := make([]Snapshot, 0, len(candles))
	for _, c := range candles {
		out = append(out, calc.next(c))
	}
	return out
}

type symbolState struct {
	calc  *calculator
	last  time.Time
	snaps []Snapshot
}

// Engine maintains incremental indicator state per symbol. Each candle is
// folded exactly once; repeated updates with an overlapping series only
// process the candles newer than the last one seen.
type Engine struct {
	params   Params
	capacity int

	mu     sync.Mutex
	states map[string]*symbolState
}

// NewEngine keeps at most capacity snapshots per symbol.
func NewEngine(p Params, capacity int) *Engine {
	if capacity <= 0 {
		capacity = 500
	}
	return &Engine{params: p.withDefaults(), capacity: capacity, states: make(map[string]*symbolState)}
}

// Params returns the effective parameters.
func (e *Engine) Params() Params { return e.params }

// Update folds the candles newer than the last processed one and returns the latest snapshot.
func (e *Engine) Update(symbol string, candles []candle.Candle) (Snapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		if len(candles) == 0 {
			return Snapshot{}, ErrNoData
		}
		st = &symbolState{calc: newCalculator(e.params)}
		e.states[symbol] = st
	}
	for _, c := range candles {
		if len(st.snaps) > 0 && !c.OpenTime.After(st.last) {
			continue
		}
		st.snaps = append(st.snaps, st.calc.next(c))
		st.last = c.OpenTime
	}
	if over := len(st.snaps) - e.capacity; over > 0 {
		st.snaps = append(st.snaps[:0:0], st.snaps[over:]...)
	}
	if len(st.snaps) == 0 {
		return Snapshot{}, ErrNoData
	}
	return st.snaps[len(st.snaps)-1], nil
}

// Latest returns the most recent snapshot for symbol.
func (e *Engine) Latest(symbol string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok || len(st.snaps) == 0 {
		return Snapshot{}, false
	}
	return st.snaps[len(st.snaps)-1], true
}

// Snapshots returns a copy of the last n snapshots (all when n <= 0).
func (e *Engine) Snapshots(symbol string, n int) []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[symbol]
	if !ok {
		return nil
	}
	src := st.snaps
	if n > 0 && n < len(src) {
		src = src[len(src)-n:]
	}
	return append([]Snapshot(nil), src...)
}

// Reset drops all state for symbol.
func (e *Engine) Reset(symbol string) {
	e.mu.Lock()
	delete(e.states, symbol)
	e.mu.Unlock()
}
