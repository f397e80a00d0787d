package wallet

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// PERIOD - Textual key of an accrual period
// =============================================================================

// Period identifies an accrual period:
//
//	monthly    "2025-03"
//	quarterly  "2025-Q1"
//	yearly     "2025"
type Period string

// PeriodType defines how periods are cut.
type PeriodType string

const (
	PeriodMonthly   PeriodType = "monthly"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodYearly    PeriodType = "yearly"
)

// Type infers the period type from the key format.
func (p Period) Type() (PeriodType, error) {
	s := string(p)
	switch {
	case len(s) == 4:
		return PeriodYearly, nil
	case len(s) == 7 && s[4] == '-' && s[5] == 'Q':
		return PeriodQuarterly, nil
	case len(s) == 7 && s[4] == '-':
		return PeriodMonthly, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
}

// Bounds returns [start, end) of the period in loc (UTC when nil).
func (p Period) Bounds(loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	typ, err := p.Type()
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	s := string(p)
	year, err := digits(s[:4])
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
	}

	switch typ {
	case PeriodYearly:
		start := time.Date(year, time.January, 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(1, 0, 0), nil

	case PeriodQuarterly:
		q, err := digits(s[6:])
		if err != nil || q < 1 || q > 4 {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		start := time.Date(year, time.Month((q-1)*3+1), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 3, 0), nil

	default:
		month, err := digits(s[5:])
		if err != nil || month < 1 || month > 12 {
			return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, s)
		}
		start := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0), nil
	}
}

// Validate checks that p is the canonical key of the period it names, so
// that one period always maps to one wallet.
func (p Period) Validate() error {
	typ, err := p.Type()
	if err != nil {
		return err
	}
	start, _, err := p.Bounds(time.UTC)
	if err != nil {
		return err
	}
	if (PeriodConfig{Type: typ}).PeriodFor(start) != p {
		return fmt.Errorf("%w: %q is not canonical", ErrInvalidPeriod, string(p))
	}
	return nil
}

// digits parses an unsigned run of ASCII digits.
func digits(s string) (int, error) {
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.Atoi(s)
}

// =============================================================================
// PERIOD CONFIG - Which period a date falls into, and when it expires
// =============================================================================

// PeriodConfig defines how a tenant's accrual periods are calculated.
type PeriodConfig struct {
	Type PeriodType

	// Location is the time zone period boundaries are computed in.
	// Defaults to UTC.
	Location *time.Location
}

// ParsePeriodType accepts "monthly", "quarterly" or "yearly".
func ParsePeriodType(s string) (PeriodType, error) {
	switch t := PeriodType(strings.ToLower(strings.TrimSpace(s))); t {
	case PeriodMonthly, PeriodQuarterly, PeriodYearly:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown period type %q", ErrInvalidPeriod, s)
}

func (pc PeriodConfig) location() *time.Location {
	if pc.Location == nil {
		return time.UTC
	}
	return pc.Location
}

// PeriodFor returns the period that contains t.
func (pc PeriodConfig) PeriodFor(t time.Time) Period {
	t = t.In(pc.location())
	switch pc.Type {
	case PeriodQuarterly:
		q := (int(t.Month())-1)/3 + 1
		return Period(fmt.Sprintf("%04d-Q%d", t.Year(), q))
	case PeriodYearly:
		return Period(fmt.Sprintf("%04d", t.Year()))
	default:
		return Period(fmt.Sprintf("%04d-%02d", t.Year(), int(t.Month())))
	}
}

// ExpiresAt returns when wallets of period p expire: the first instant of
// the following period.
func (pc PeriodConfig) ExpiresAt(p Period) (time.Time, error) {
	_, end, err := p.Bounds(pc.location())
	if err != nil {
		return time.Time{}, err
	}
	return end, nil
}

// NextPeriod returns the period following p.
func (pc PeriodConfig) NextPeriod(p Period) (Period, error) {
	typ, err := p.Type()
	if err != nil {
		return "", err
	}
	_, end, err := p.Bounds(pc.location())
	if err != nil {
		return "", err
	}
	return PeriodConfig{Type: typ, Location: pc.location()}.PeriodFor(end), nil
}
