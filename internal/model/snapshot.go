package model

import "time"

// Showtime is one screening slot of a movie.
type Showtime struct {
	Time       string `json:"time"`                  // e.g. "09:20 AM"
	ScreenType string `json:"screen_type,omitempty"` // e.g. "PCX SCREEN"
}

// Movie is a listing entry with its showtimes for the snapshot's date.
type Movie struct {
	Title     string     `json:"title"`
	FullTitle string     `json:"full_title,omitempty"` // title as shown, with the rating suffix
	Language  string     `json:"language,omitempty"`
	Rating    string     `json:"rating,omitempty"`
	Format    string     `json:"format,omitempty"`
	MovieID   string     `json:"movie_id,omitempty"`
	URL       string     `json:"url,omitempty"`
	Showtimes []Showtime `json:"showtimes"`
}

// Times returns the showtime labels in listing order.
func (m Movie) Times() []string {
	out := make([]string, 0, len(m.Showtimes))
	for _, st := range m.Showtimes {
		out = append(out, st.Time)
	}
	return out
}

// Snapshot is the listing of a target as captured by one successful fetch.
// It is never modified after capture; a later fetch produces a new one.
type Snapshot struct {
	Target    Target    `json:"target"`
	Movies    []Movie   `json:"movies"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Titles returns the distinct titles in the snapshot, first spelling wins.
func (s Snapshot) Titles() []string {
	seen := make(map[string]bool, len(s.Movies))
	out := make([]string, 0, len(s.Movies))
	for _, m := range s.Movies {
		key := NormalizeTitle(m.Title)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, m.Title)
	}
	return out
}

// Movie looks a title up by its normalized form. Entries sharing a title
// (same film in several languages or formats) are merged into one movie
// holding the union of their showtimes.
func (s Snapshot) Movie(title string) (Movie, bool) {
	key := NormalizeTitle(title)
	var (
		out   Movie
		found bool
		seen  = map[string]bool{}
	)
	for _, m := range s.Movies {
		if NormalizeTitle(m.Title) != key {
			continue
		}
		if !found {
			out = m
			out.Showtimes = nil
			found = true
		}
		for _, st := range m.Showtimes {
			k := NormalizeTime(st.Time)
			if seen[k] {
				continue
			}
			seen[k] = true
			out.Showtimes = append(out.Showtimes, st)
		}
	}
	return out, found
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	cp := s
	cp.Movies = make([]Movie, len(s.Movies))
	for i, m := range s.Movies {
		m.Showtimes = append([]Showtime(nil), m.Showtimes...)
		cp.Movies[i] = m
	}
	return cp
}
