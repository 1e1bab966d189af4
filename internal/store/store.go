// Package store keeps per-symbol market state (candle history, higher
// timeframes, last trade) behind one lock per symbol so the tick path and the
// engine loops never interleave a read-modify-write on the same symbol.
package store

import (
	"errors"
	"sort"
	"sync"
	"time"

	"equitybot-go/internal/candle"
	"equitybot-go/internal/signal"
)

// ErrUnknownSymbol is returned by View for symbols never seen.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Book is the mutable state of one symbol. It is only reachable through
// Store.With and Store.View, which hold the symbol lock.
type Book struct {
	Symbol    string
	Base      *candle.Series
	Higher    map[time.Duration]*candle.Series
	LastPrice float64
	LastTick  time.Time

	resamplers []*candle.Resampler
}

// AddCandle appends a closed base bar and folds it into every higher
// timeframe. It returns the higher bars the candle completed.
func (b *Book) AddCandle(c candle.Candle) ([]candle.Candle, error) {
	if err := b.Base.Append(c); err != nil {
		return nil, err
	}
	if b.LastTick.Before(c.CloseTime()) && !c.Synthetic {
		b.LastPrice = c.Close
	}
	var closed []candle.Candle
	for _, r := range b.resamplers {
		for _, hc := range r.Add(c) {
			if err := b.Higher[r.Width()].Append(hc); err != nil {
				return closed, err
			}
			closed = append(closed, hc)
		}
	}
	return closed, nil
}

// Observe records the latest trade.
func (b *Book) Observe(t signal.Tick) {
	if t.Ts.Before(b.LastTick) {
		return
	}
	b.LastPrice = t.Price
	b.LastTick = t.Ts
}

type entry struct {
	mu   sync.Mutex
	book *Book
}

// Store maps symbols to their books.
type Store struct {
	mu       sync.RWMutex
	capacity int
	widths   []time.Duration
	bucket   candle.BucketFunc
	books    map[string]*entry
}

// New creates a store retaining capacity base candles per symbol and
// maintaining one resampled series per width in higher.
func New(capacity int, bucket candle.BucketFunc, higher ...time.Duration) *Store {
	return &Store{
		capacity: capacity,
		widths:   append([]time.Duration(nil), higher...),
		bucket:   bucket,
		books:    make(map[string]*entry),
	}
}

func (s *Store) entry(symbol string, create bool) *entry {
	s.mu.RLock()
	e := s.books[symbol]
	s.mu.RUnlock()
	if e != nil || !create {
		return e
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e = s.books[symbol]; e != nil {
		return e
	}
	book := &Book{
		Symbol: symbol,
		Base:   candle.NewSeries(symbol, s.capacity),
		Higher: make(map[time.Duration]*candle.Series, len(s.widths)),
	}
	for _, w := range s.widths {
		book.Higher[w] = candle.NewSeries(symbol, s.capacity)
		book.resamplers = append(book.resamplers, candle.NewResampler(w, s.bucket))
	}
	e = &entry{book: book}
	s.books[symbol] = e
	return e
}

// With runs fn holding the symbol lock, creating the book on first use.
func (s *Store) With(symbol string, fn func(*Book) error) error {
	e := s.entry(symbol, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.book)
}

// View runs fn holding the symbol lock if the symbol is known.
func (s *Store) View(symbol string, fn func(*Book) error) error {
	e := s.entry(symbol, false)
	if e == nil {
		return ErrUnknownSymbol
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return fn(e.book)
}

// LastPrice returns the last trade price and its time.
func (s *Store) LastPrice(symbol string) (float64, time.Time, bool) {
	var px float64
	var ts time.Time
	err := s.View(symbol, func(b *Book) error {
		px, ts = b.LastPrice, b.LastTick
		return nil
	})
	return px, ts, err == nil && px > 0
}

// Prices returns a copy of every symbol's last price.
func (s *Store) Prices() map[string]float64 {
	out := make(map[string]float64)
	for _, sym := range s.Symbols() {
		if px, _, ok := s.LastPrice(sym); ok {
			out[sym] = px
		}
	}
	return out
}

// Symbols lists known symbols in sorted order.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.books))
	for sym := range s.books {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
