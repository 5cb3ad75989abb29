package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"tickrelay/internal/domain"
)

// TimeUnit is the unit part of a bar timeframe.
type TimeUnit string

const (
	UnitMinute TimeUnit = "Min"
	UnitHour   TimeUnit = "Hour"
	UnitDay    TimeUnit = "Day"
	UnitWeek   TimeUnit = "Week"
	UnitMonth  TimeUnit = "Month"
)

// Timeframe is a bar aggregation period such as 5Min or 1Day.
type Timeframe struct {
	N    int
	Unit TimeUnit
}

func (tf Timeframe) String() string {
	return strconv.Itoa(tf.N) + string(tf.Unit)
}

// Approx returns the nominal wall-clock length of one bar.
func (tf Timeframe) Approx() time.Duration {
	var unit time.Duration
	switch tf.Unit {
	case UnitMinute:
		unit = time.Minute
	case UnitHour:
		unit = time.Hour
	case UnitDay:
		unit = 24 * time.Hour
	case UnitWeek:
		unit = 7 * 24 * time.Hour
	case UnitMonth:
		unit = 30 * 24 * time.Hour
	}
	return time.Duration(tf.N) * unit
}

var unitAliases = map[string]TimeUnit{
	"min": UnitMinute, "t": UnitMinute,
	"hour": UnitHour, "h": UnitHour,
	"day": UnitDay, "d": UnitDay,
	"week": UnitWeek, "w": UnitWeek,
	"month": UnitMonth, "m": UnitMonth,
}

// ParseTimeframe parses "<n><unit>" (e.g. "1D", "5Min", "1Hour"); units are
// case-insensitive and "M" means month. A missing count means 1. The ranges
// follow what Alpaca serves: 1-59 minutes, 1-23 hours, 1 day, 1 week, and
// 1/2/3/4/6/12 months. Errors wrap domain.ErrInvalidTimeframe.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	n := 1
	if i > 0 {
		var err error
		if n, err = strconv.Atoi(s[:i]); err != nil {
			return Timeframe{}, fmt.Errorf("%q: %w", s, domain.ErrInvalidTimeframe)
		}
	}
	unit, ok := unitAliases[strings.ToLower(s[i:])]
	if !ok {
		return Timeframe{}, fmt.Errorf("%q: unknown unit: %w", s, domain.ErrInvalidTimeframe)
	}

	tf := Timeframe{N: n, Unit: unit}
	if !tf.valid() {
		return Timeframe{}, fmt.Errorf("%q: out of range: %w", s, domain.ErrInvalidTimeframe)
	}
	return tf, nil
}

func (tf Timeframe) valid() bool {
	switch tf.Unit {
	case UnitMinute:
		return tf.N >= 1 && tf.N <= 59
	case UnitHour:
		return tf.N >= 1 && tf.N <= 23
	case UnitDay, UnitWeek:
		return tf.N == 1
	case UnitMonth:
		switch tf.N {
		case 1, 2, 3, 4, 6, 12:
			return true
		}
	}
	return false
}
