package target

import (
	"errors"
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	got, err := Resolve("https://in.bookmyshow.com/cinemas/hyderabad/prasads-multiplex-hyderabad/buytickets/PRHN/20250924")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if got.City != "hyderabad" || got.TheaterSlug != "prasads-multiplex-hyderabad" || got.TheaterCode != "PRHN" {
		t.Fatalf("unexpected target: %+v", got)
	}
	want := time.Date(2025, time.September, 24, 0, 0, 0, 0, time.UTC)
	if !got.Date.Equal(want) {
		t.Fatalf("Date = %v, want %v", got.Date, want)
	}
	if got.Key() != "PRHN/20250924" {
		t.Fatalf("Key = %q", got.Key())
	}
	if got.DisplayName() != "Prasads Multiplex Hyderabad" {
		t.Fatalf("DisplayName = %q", got.DisplayName())
	}
	if got.FormattedDate() != "September 24, 2025" {
		t.Fatalf("FormattedDate = %q", got.FormattedDate())
	}
}

func TestResolveVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{name: "trailing slash", raw: "https://in.bookmyshow.com/cinemas/pune/inox-amanora/buytickets/INAP/20251001/", code: "INAP"},
		{name: "query string", raw: "https://in.bookmyshow.com/cinemas/pune/inox-amanora/buytickets/inap/20251001?utm=x", code: "INAP"},
		{name: "no scheme", raw: "in.bookmyshow.com/cinemas/pune/inox-amanora/buytickets/INAP/20251001", code: "INAP"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.raw)
			if err != nil {
				t.Fatalf("Resolve(%q) error: %v", tt.raw, err)
			}
			if got.TheaterCode != tt.code {
				t.Fatalf("TheaterCode = %q, want %q", got.TheaterCode, tt.code)
			}
		})
	}
}

func TestResolveMalformed(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		raw  string
	}{
		{name: "empty", raw: ""},
		{name: "no cinemas", raw: "https://in.bookmyshow.com/movies/hyderabad/foo/ET123"},
		{name: "too short", raw: "https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets/PRHN"},
		{name: "too long", raw: "https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets/PRHN/20250924/extra"},
		{name: "no buytickets", raw: "https://in.bookmyshow.com/cinemas/hyderabad/prasads/tickets/PRHN/20250924"},
		{name: "short date", raw: "https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets/PRHN/2025092"},
		{name: "non numeric date", raw: "https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets/PRHN/2025O924"},
		{name: "empty code", raw: "https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets//20250924"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.raw)
			var me *MalformedTargetError
			if !errors.As(err, &me) {
				t.Fatalf("Resolve(%q) error = %v, want MalformedTargetError", tt.raw, err)
			}
		})
	}
}

func TestResolveInvalidDate(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{
		"https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets/PRHN/20251340",
		"https://in.bookmyshow.com/cinemas/hyderabad/prasads/buytickets/PRHN/20250230",
	} {
		_, err := Resolve(raw)
		var de *InvalidDateError
		if !errors.As(err, &de) {
			t.Fatalf("Resolve(%q) error = %v, want InvalidDateError", raw, err)
		}
	}
}
