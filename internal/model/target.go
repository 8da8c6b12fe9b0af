package model

import (
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// DateLayout is the provider's compact date format used in listing URLs.
const DateLayout = "20060102"

// Target is a theater listing for one date. Snapshots and subscriptions are
// keyed by (TheaterCode, Date); City and TheaterSlug are needed to rebuild
// the listing URL.
type Target struct {
	City        string    `json:"city"`
	TheaterSlug string    `json:"theater_slug"`
	TheaterCode string    `json:"theater_code"`
	Date        time.Time `json:"date"`
}

// Key returns the identity of the target, e.g. "PRHN/20250924".
func (t Target) Key() string {
	return t.TheaterCode + "/" + t.DateString()
}

// DateString formats the target date as YYYYMMDD.
func (t Target) DateString() string {
	return t.Date.Format(DateLayout)
}

// Path returns the provider path for the listing page.
func (t Target) Path() string {
	return "/cinemas/" + t.City + "/" + t.TheaterSlug + "/buytickets/" + t.TheaterCode + "/" + t.DateString()
}

// URL joins the listing path onto a provider base URL.
func (t Target) URL(base string) string {
	return strings.TrimRight(base, "/") + t.Path()
}

// DisplayName turns the theater slug into a readable name:
// "prasads-multiplex-hyderabad" -> "Prasads Multiplex Hyderabad".
func (t Target) DisplayName() string {
	parts := strings.Split(t.TheaterSlug, "-")
	for i, p := range parts {
		r, size := utf8.DecodeRuneInString(p)
		if r == utf8.RuneError {
			continue
		}
		parts[i] = string(unicode.ToUpper(r)) + p[size:]
	}
	return strings.Join(parts, " ")
}

// FormattedDate renders the date as "September 24, 2025".
func (t Target) FormattedDate() string {
	return t.Date.Format("January 02, 2006")
}

// IsPast reports whether the target date is before the current day in loc.
func (t Target) IsPast(now time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	return t.DateString() < now.In(loc).Format(DateLayout)
}
