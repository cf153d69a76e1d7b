package models

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// RawBar is one trading day of OHLCV data for a single instrument.
// Missing numeric fields are carried as NaN.
type RawBar struct {
	Date   time.Time `json:"date"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// HasMissing reports whether any numeric field is NaN.
func (b RawBar) HasMissing() bool {
	return math.IsNaN(b.Open) || math.IsNaN(b.High) || math.IsNaN(b.Low) ||
		math.IsNaN(b.Close) || math.IsNaN(b.Volume)
}

// SortBars orders bars by date ascending in place.
func SortBars(bars []RawBar) {
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Date.Before(bars[j].Date) })
}

var instrumentPart = regexp.MustCompile(`^[A-Za-z0-9._^=-]+$`)

// Instrument identifies a series by exchange and ticker symbol.
type Instrument struct {
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
}

// NewInstrument normalizes exchange and symbol to upper case.
func NewInstrument(exchange, symbol string) Instrument {
	return Instrument{
		Exchange: strings.ToUpper(strings.TrimSpace(exchange)),
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
	}
}

// ParseInstrument parses "EXCHANGE:SYMBOL".
func ParseInstrument(s string) (Instrument, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return Instrument{}, fmt.Errorf("instrument %q: expected EXCHANGE:SYMBOL", s)
	}
	inst := NewInstrument(parts[0], parts[1])
	if err := inst.Validate(); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

// Key returns the stable artifact/cache key.
func (i Instrument) Key() string { return i.Exchange + ":" + i.Symbol }

func (i Instrument) String() string { return i.Key() }

// Validate checks both parts are non-empty and safe to use in paths and keys.
func (i Instrument) Validate() error {
	if !instrumentPart.MatchString(i.Exchange) || i.Exchange == "." || i.Exchange == ".." {
		return fmt.Errorf("invalid exchange %q", i.Exchange)
	}
	if !instrumentPart.MatchString(i.Symbol) || i.Symbol == "." || i.Symbol == ".." {
		return fmt.Errorf("invalid symbol %q", i.Symbol)
	}
	return nil
}
