package domain

import (
	"regexp"
	"strings"
)

// DefaultExchange is used when an instrument is given without an exchange
// prefix. The server overrides it from configuration at startup.
var DefaultExchange = "US"

var (
	exchangeRe = regexp.MustCompile(`^[A-Z0-9_]{1,16}$`)
	symbolRe   = regexp.MustCompile(`^[A-Z0-9][A-Z0-9.\-/]{0,31}$`)
)

// Instrument identifies a tradable symbol on an exchange. It is comparable
// and used as a map key everywhere instruments are referenced.
type Instrument struct {
	Exchange string
	Symbol   string
}

// String returns the canonical "EXCHANGE:SYMBOL" form.
func (i Instrument) String() string {
	return i.Exchange + ":" + i.Symbol
}

// Validate checks that both parts of the instrument are well formed.
func (i Instrument) Validate() error {
	if !exchangeRe.MatchString(i.Exchange) {
		return &ValidationError{Field: "instrument", Reason: "malformed exchange " + quote(i.Exchange)}
	}
	if !symbolRe.MatchString(i.Symbol) {
		return &ValidationError{Field: "instrument", Reason: "malformed symbol " + quote(i.Symbol)}
	}
	return nil
}

// ParseInstrument parses "EXCHANGE:SYMBOL" or a bare "SYMBOL" (which takes
// DefaultExchange). Input is trimmed and upper-cased.
func ParseInstrument(s string) (Instrument, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return Instrument{}, &ValidationError{Field: "instrument", Reason: "empty instrument"}
	}

	var inst Instrument
	if ex, sym, ok := strings.Cut(s, ":"); ok {
		inst = Instrument{Exchange: ex, Symbol: sym}
	} else {
		inst = Instrument{Exchange: DefaultExchange, Symbol: s}
	}
	if err := inst.Validate(); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

// MustParseInstrument is ParseInstrument for constants and tests.
func MustParseInstrument(s string) Instrument {
	inst, err := ParseInstrument(s)
	if err != nil {
		panic(err)
	}
	return inst
}

func quote(s string) string {
	return `"` + s + `"`
}
