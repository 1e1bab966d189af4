package strategy

import (
	"sort"

	"equitybot-go/internal/signal"
)

// Rank orders candidates by score (confidence times risk:reward), breaking
// ties by symbol then strategy, keeps the best candidate per symbol and
// returns at most slots of them. The rest are dropped for this cycle.
func Rank(cands []signal.Signal, slots int) []signal.Signal {
	if slots <= 0 || len(cands) == 0 {
		return nil
	}
	sorted := append([]signal.Signal(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if sa, sb := a.Score(), b.Score(); sa != sb {
			return sa > sb
		}
		if a.Symbol != b.Symbol {
			return a.Symbol < b.Symbol
		}
		return a.Strategy < b.Strategy
	})
	seen := make(map[string]struct{}, len(sorted))
	out := make([]signal.Signal, 0, min(slots, len(sorted)))
	for _, s := range sorted {
		if _, dup := seen[s.Symbol]; dup {
			continue
		}
		seen[s.Symbol] = struct{}{}
		out = append(out, s)
		if len(out) == slots {
			break
		}
	}
	return out
}
