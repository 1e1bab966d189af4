package exchange

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"equitybot-go/internal/signal"
)

// LoadReplay reads ticks from CSV rows of ts,symbol,price,volume. The ts
// column accepts RFC3339 or unix milliseconds; a header row is skipped.
// Ticks are returned in timestamp order.
func LoadReplay(r io.Reader) ([]signal.Tick, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var ticks []signal.Tick
	line := 0
	for {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("replay csv: %w", err)
		}
		line++
		if len(rec) < 4 {
			return nil, fmt.Errorf("replay line %d: want 4 columns, got %d", line, len(rec))
		}
		if line == 1 && strings.EqualFold(rec[0], "ts") {
			continue
		}
		ts, err := parseReplayTime(rec[0])
		if err != nil {
			return nil, fmt.Errorf("replay line %d: %w", line, err)
		}
		price, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("replay line %d price: %w", line, err)
		}
		volume, err := strconv.ParseFloat(rec[3], 64)
		if err != nil {
			return nil, fmt.Errorf("replay line %d volume: %w", line, err)
		}
		ticks = append(ticks, signal.Tick{Symbol: strings.ToUpper(rec[1]), Price: price, Volume: volume, Ts: ts})
	}
	sort.SliceStable(ticks, func(i, j int) bool { return ticks[i].Ts.Before(ticks[j].Ts) })
	return ticks, nil
}

func parseReplayTime(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
	}
	return ts, nil
}

func (f *Feed) runReplay(ctx context.Context, out chan<- signal.Tick) error {
	file, err := os.Open(f.replayPath)
	if err != nil {
		return fmt.Errorf("open replay: %w", err)
	}
	ticks, err := LoadReplay(file)
	file.Close()
	if err != nil {
		return err
	}

	wanted := map[string]bool{}
	for _, s := range f.snapshotSymbols() {
		wanted[s] = true
	}
	f.log.Info().Str("path", f.replayPath).Int("ticks", len(ticks)).Msg("replaying ticks")

	var prev time.Time
	for _, tick := range ticks {
		if len(wanted) > 0 && !wanted[tick.Symbol] {
			continue
		}
		if f.replaySpeed > 0 && !prev.IsZero() {
			if gap := tick.Ts.Sub(prev); gap > 0 {
				select {
				case <-time.After(time.Duration(float64(gap) / f.replaySpeed)):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		prev = tick.Ts
		if err := f.emit(ctx, out, tick); err != nil {
			return err
		}
	}
	return nil
}
