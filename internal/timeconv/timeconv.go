// Package timeconv converts wall-clock fields in an IANA zone to absolute UTC
// instants and back.
//
// Nonexistent local times (spring-forward gap) and ambiguous ones (fall-back
// overlap) are not detected. ZonedToUTC returns some valid instant near the
// requested one in those cases.
package timeconv

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Fields is a wall-clock minute in some zone.
type Fields struct {
	Year   int
	Month  time.Month
	Day    int
	Hour   int // 0..23
	Minute int
}

// LocalFields is the 12-hour form representation used by clients.
type LocalFields struct {
	Date   string `json:"date"`   // YYYY-MM-DD
	Hour   string `json:"hour"`   // 1..12
	Minute string `json:"minute"` // 00..59
	AMPM   string `json:"ampm"`   // AM|PM
}

const correctionPasses = 2

// LoadZone resolves an IANA zone name; empty means UTC.
func LoadZone(zone string) (*time.Location, error) {
	if strings.TrimSpace(zone) == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q", zone)
	}
	return loc, nil
}

// ZonedToUTC returns the UTC instant that renders as f in zone.
func ZonedToUTC(f Fields, zone string) (time.Time, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	if err := f.validate(); err != nil {
		return time.Time{}, err
	}

	want := time.Date(f.Year, f.Month, f.Day, f.Hour, f.Minute, 0, 0, time.UTC)
	guess := want
	for i := 0; i < correctionPasses; i++ {
		r := guess.In(loc)
		rendered := time.Date(r.Year(), r.Month(), r.Day(), r.Hour(), r.Minute(), 0, 0, time.UTC)
		delta := want.Sub(rendered)
		if delta == 0 {
			break
		}
		guess = guess.Add(delta)
	}
	return guess.Truncate(time.Minute), nil
}

// UTCToZoned renders t in zone.
func UTCToZoned(t time.Time, zone string) (Fields, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return Fields{}, err
	}
	r := t.In(loc)
	return Fields{Year: r.Year(), Month: r.Month(), Day: r.Day(), Hour: r.Hour(), Minute: r.Minute()}, nil
}

// FieldsToISO converts form fields in zone to an RFC 3339 UTC string.
func FieldsToISO(lf LocalFields, zone string) (string, error) {
	t, err := lf.UTC(zone)
	if err != nil {
		return "", err
	}
	return t.Format(time.RFC3339), nil
}

// ISOToZonedFields parses an RFC 3339 instant and renders it as form fields in zone.
func ISOToZonedFields(iso, zone string) (LocalFields, error) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(iso))
	if err != nil {
		return LocalFields{}, fmt.Errorf("invalid instant %q", iso)
	}
	return FromInstant(t, zone)
}

// FromInstant renders t as form fields in zone.
func FromInstant(t time.Time, zone string) (LocalFields, error) {
	f, err := UTCToZoned(t, zone)
	if err != nil {
		return LocalFields{}, err
	}
	ampm := "AM"
	if f.Hour >= 12 {
		ampm = "PM"
	}
	h := f.Hour % 12
	if h == 0 {
		h = 12
	}
	return LocalFields{
		Date:   fmt.Sprintf("%04d-%02d-%02d", f.Year, int(f.Month), f.Day),
		Hour:   strconv.Itoa(h),
		Minute: fmt.Sprintf("%02d", f.Minute),
		AMPM:   ampm,
	}, nil
}

// UTC resolves the form fields in zone.
func (lf LocalFields) UTC(zone string) (time.Time, error) {
	f, err := lf.Fields()
	if err != nil {
		return time.Time{}, err
	}
	return ZonedToUTC(f, zone)
}

// Fields parses the 12-hour form into 24-hour wall-clock fields.
func (lf LocalFields) Fields() (Fields, error) {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(lf.Date))
	if err != nil {
		return Fields{}, fmt.Errorf("invalid date %q", lf.Date)
	}
	h, err := strconv.Atoi(strings.TrimSpace(lf.Hour))
	if err != nil || h < 1 || h > 12 {
		return Fields{}, fmt.Errorf("invalid hour %q", lf.Hour)
	}
	m, err := strconv.Atoi(strings.TrimSpace(lf.Minute))
	if err != nil || m < 0 || m > 59 {
		return Fields{}, fmt.Errorf("invalid minute %q", lf.Minute)
	}
	switch strings.ToUpper(strings.TrimSpace(lf.AMPM)) {
	case "AM":
		if h == 12 {
			h = 0
		}
	case "PM":
		if h != 12 {
			h += 12
		}
	default:
		return Fields{}, fmt.Errorf("invalid am/pm %q", lf.AMPM)
	}
	return Fields{Year: d.Year(), Month: d.Month(), Day: d.Day(), Hour: h, Minute: m}, nil
}

func (f Fields) validate() error {
	if f.Month < time.January || f.Month > time.December {
		return fmt.Errorf("invalid month %d", f.Month)
	}
	// time.Date normalizes out-of-range days; reject them instead.
	norm := time.Date(f.Year, f.Month, f.Day, 0, 0, 0, 0, time.UTC)
	if f.Day < 1 || norm.Month() != f.Month {
		return fmt.Errorf("invalid day %d", f.Day)
	}
	if f.Hour < 0 || f.Hour > 23 {
		return fmt.Errorf("invalid hour %d", f.Hour)
	}
	if f.Minute < 0 || f.Minute > 59 {
		return fmt.Errorf("invalid minute %d", f.Minute)
	}
	return nil
}
