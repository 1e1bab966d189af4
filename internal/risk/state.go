package risk

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrHeatExceeded   = errors.New("portfolio heat ceiling reached")
	ErrMaxPositions   = errors.New("max open positions reached")
	ErrDailyLossLimit = errors.New("daily loss limit reached")
	ErrAlreadyOpen    = errors.New("risk already reserved")
	ErrNoReservation  = errors.New("no risk reserved")
)

// Config bounds the risk committed across open positions.
type Config struct {
	PortfolioValue float64
	MaxHeat        float64 // fraction of portfolio value
	MaxPositions   int
	MaxDailyLoss   float64 // absolute currency; 0 disables
}

// Snapshot is a point-in-time copy of the risk state.
type Snapshot struct {
	PortfolioValue float64 `json:"portfolio_value"`
	OpenRisk       float64 `json:"open_risk"`
	OpenPositions  int     `json:"open_positions"`
	HeatCeiling    float64 `json:"heat_ceiling"`
	RealizedToday  float64 `json:"realized_today"`
	Halted         bool    `json:"halted"`
}

// State tracks open risk per position. Reserve and Release are atomic so
// the heat ceiling and position count hold at every point in time.
type State struct {
	mu       sync.Mutex
	cfg      Config
	open     map[string]float64
	realized float64
}

// NewState builds an empty risk state.
func NewState(cfg Config) *State {
	return &State{cfg: cfg, open: make(map[string]float64)}
}

func (s *State) ceiling() float64 { return s.cfg.PortfolioValue * s.cfg.MaxHeat }

func (s *State) openRisk() float64 {
	total := 0.0
	for _, r := range s.open {
		total += r
	}
	return total
}

func (s *State) halted() bool {
	return s.cfg.MaxDailyLoss > 0 && -s.realized >= s.cfg.MaxDailyLoss
}

// Reserve commits risk for key or explains why it cannot.
func (s *State) Reserve(key string, risk float64) error {
	if !(risk > 0) {
		return fmt.Errorf("%w: reserve %.2f for %s", ErrNonPositiveRisk, risk, key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, key)
	}
	if s.halted() {
		return fmt.Errorf("%w: realized %.2f against limit %.2f", ErrDailyLossLimit, s.realized, s.cfg.MaxDailyLoss)
	}
	if s.cfg.MaxPositions > 0 && len(s.open) >= s.cfg.MaxPositions {
		return fmt.Errorf("%w: %d of %d", ErrMaxPositions, len(s.open), s.cfg.MaxPositions)
	}
	if cur, ceil := s.openRisk(), s.ceiling(); cur+risk > ceil+1e-9 {
		return fmt.Errorf("%w: open %.2f + %.2f exceeds %.2f", ErrHeatExceeded, cur, risk, ceil)
	}
	s.open[key] = risk
	return nil
}

// Adjust records the risk actually held for key, e.g. after a fill away from
// the signal price or a tightened stop. The new value is kept even when it
// breaks the ceiling, so open risk is never under-reported; ErrHeatExceeded
// then tells the caller to shed exposure.
func (s *State) Adjust(key string, risk float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.open[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoReservation, key)
	}
	if risk < 0 {
		risk = 0
	}
	s.open[key] = risk
	if total, ceil := s.openRisk(), s.ceiling(); risk > cur && total > ceil+1e-9 {
		return fmt.Errorf("%w: %s now %.2f, open %.2f over %.2f", ErrHeatExceeded, key, risk, total, ceil)
	}
	return nil
}

// Release frees the reservation for key and books realized P&L.
func (s *State) Release(key string, realized float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.open[key]; !ok {
		return
	}
	delete(s.open, key)
	s.realized += realized
}

// Cancel frees a reservation whose entry never filled.
func (s *State) Cancel(key string) {
	s.mu.Lock()
	delete(s.open, key)
	s.mu.Unlock()
}

// Headroom is the risk that can still be committed.
func (s *State) Headroom() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return max(0, s.ceiling()-s.openRisk())
}

// Slots is the number of positions that can still be opened.
func (s *State) Slots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted() {
		return 0
	}
	if s.cfg.MaxPositions <= 0 {
		return int(^uint(0) >> 1)
	}
	return max(0, s.cfg.MaxPositions-len(s.open))
}

// PortfolioValue returns the capital used for sizing.
func (s *State) PortfolioValue() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.PortfolioValue
}

// ResetDay clears realized P&L at the session open.
func (s *State) ResetDay() {
	s.mu.Lock()
	s.realized = 0
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		PortfolioValue: s.cfg.PortfolioValue,
		OpenRisk:       s.openRisk(),
		OpenPositions:  len(s.open),
		HeatCeiling:    s.ceiling(),
		RealizedToday:  s.realized,
		Halted:         s.halted(),
	}
}
