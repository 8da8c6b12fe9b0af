// Package target turns provider listing URLs into tracking targets.
//
// A listing URL looks like
//
//	https://in.bookmyshow.com/cinemas/hyderabad/prasads-multiplex-hyderabad/buytickets/PRHN/20250924
//
// Resolution is purely syntactic: nothing is fetched here, so a target can be
// validated before any scraping is attempted.
package target

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// MalformedTargetError reports a URL that does not follow the provider's
// listing path grammar.
type MalformedTargetError struct {
	URL    string
	Reason string
}

func (e *MalformedTargetError) Error() string {
	return fmt.Sprintf("malformed listing url %q: %s", e.URL, e.Reason)
}

// InvalidDateError reports a well-formed date segment that is not a
// calendar date.
type InvalidDateError struct {
	URL   string
	Value string
}

func (e *InvalidDateError) Error() string {
	return fmt.Sprintf("invalid date %q in listing url %q", e.Value, e.URL)
}

// Resolve parses a listing URL into a target.
func Resolve(raw string) (model.Target, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return model.Target{}, &MalformedTargetError{URL: raw, Reason: "empty url"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return model.Target{}, &MalformedTargetError{URL: raw, Reason: err.Error()}
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	idx := -1
	for i, p := range parts {
		if p == "cinemas" {
			idx = i
			break
		}
	}
	if idx < 0 {
		return model.Target{}, &MalformedTargetError{URL: raw, Reason: "missing cinemas segment"}
	}
	// cinemas/{city}/{slug}/buytickets/{code}/{date}
	seg := parts[idx:]
	if len(seg) != 6 {
		return model.Target{}, &MalformedTargetError{URL: raw, Reason: fmt.Sprintf("expected 6 path segments after host, got %d", len(seg))}
	}
	if seg[3] != "buytickets" {
		return model.Target{}, &MalformedTargetError{URL: raw, Reason: "missing buytickets segment"}
	}
	city, slug, code, date := seg[1], seg[2], seg[4], seg[5]
	for _, f := range [...]struct{ name, v string }{{"city", city}, {"theater slug", slug}, {"theater code", code}} {
		if strings.TrimSpace(f.v) == "" {
			return model.Target{}, &MalformedTargetError{URL: raw, Reason: "empty " + f.name}
		}
	}
	if !isDigits(date, 8) {
		return model.Target{}, &MalformedTargetError{URL: raw, Reason: "date segment must be 8 digits (YYYYMMDD)"}
	}
	day, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return model.Target{}, &InvalidDateError{URL: raw, Value: date}
	}

	return model.Target{
		City:        strings.ToLower(city),
		TheaterSlug: strings.ToLower(slug),
		TheaterCode: strings.ToUpper(code),
		Date:        day,
	}, nil
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
