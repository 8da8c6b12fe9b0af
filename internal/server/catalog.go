package server

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// Catalog exposes the last good listing of each tracked target.
type Catalog interface {
	Get(ctx context.Context, key string) (*model.Snapshot, bool)
	All() []model.Snapshot
}

type movieHit struct {
	Title         string   `json:"title"`
	Score         int      `json:"score,omitempty"`
	Language      string   `json:"language,omitempty"`
	Rating        string   `json:"rating,omitempty"`
	Format        string   `json:"format,omitempty"`
	Showtimes     []string `json:"showtimes"`
	Target        string   `json:"target"`
	Theater       string   `json:"theater"`
	City          string   `json:"city"`
	Date          string   `json:"date"`
	FormattedDate string   `json:"formatted_date"`
	URL           string   `json:"url"`
}

type theaterHit struct {
	Code  string   `json:"code"`
	Name  string   `json:"name"`
	Slug  string   `json:"slug"`
	City  string   `json:"city"`
	Dates []string `json:"dates"`
}

func (s *Server) handleTargetMovies(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "listing cache unavailable")
		return
	}
	code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
	date := chi.URLParam(r, "date")
	if _, err := time.Parse(model.DateLayout, date); err != nil || code == "" {
		writeError(w, http.StatusBadRequest, "date must be YYYYMMDD")
		return
	}
	snap, ok := s.catalog.Get(r.Context(), code+"/"+date)
	if !ok {
		writeError(w, http.StatusNotFound, "no listing cached for target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"target":         snap.Target.Key(),
		"theater":        snap.Target.DisplayName(),
		"city":           snap.Target.City,
		"date":           snap.Target.DateString(),
		"formatted_date": snap.Target.FormattedDate(),
		"url":            snap.Target.URL(s.baseURL),
		"movies":         snap.Movies,
		"count":          len(snap.Movies),
		"fetched_at":     snap.FetchedAt,
	})
}

// handleSearchMovies finds movies across cached listings. title is matched
// fuzzily; city and date must match exactly and language is a substring.
func (s *Server) handleSearchMovies(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "listing cache unavailable")
		return
	}
	q := r.URL.Query()
	title := strings.TrimSpace(q.Get("title"))
	city := strings.TrimSpace(q.Get("city"))
	language := strings.ToLower(strings.TrimSpace(q.Get("language")))
	date := strings.TrimSpace(q.Get("date"))
	if date != "" {
		if _, err := time.Parse(model.DateLayout, date); err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYYMMDD")
			return
		}
	}

	hits := []movieHit{}
	for _, snap := range s.catalog.All() {
		if city != "" && !strings.EqualFold(snap.Target.City, city) {
			continue
		}
		if date != "" && snap.Target.DateString() != date {
			continue
		}
		titles := snap.Titles()
		scores := make(map[string]int, len(titles))
		if title != "" {
			titles = nil
			for _, res := range s.matcher.Match(title, snap.Titles()) {
				titles = append(titles, res.Title)
				scores[res.Title] = res.Score
			}
		}
		for _, t := range titles {
			m, ok := snap.Movie(t)
			if !ok {
				continue
			}
			if language != "" && !strings.Contains(strings.ToLower(m.Language), language) {
				continue
			}
			hits = append(hits, movieHit{
				Title:         m.Title,
				Score:         scores[t],
				Language:      m.Language,
				Rating:        m.Rating,
				Format:        m.Format,
				Showtimes:     m.Times(),
				Target:        snap.Target.Key(),
				Theater:       snap.Target.DisplayName(),
				City:          snap.Target.City,
				Date:          snap.Target.DateString(),
				FormattedDate: snap.Target.FormattedDate(),
				URL:           snap.Target.URL(s.baseURL),
			})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Date != hits[j].Date {
			return hits[i].Date < hits[j].Date
		}
		return hits[i].Target < hits[j].Target
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": hits,
		"count":   len(hits),
	})
}

// handleSearchTheaters lists the distinct theaters with cached listings,
// filtered by city and a case-insensitive name fragment.
func (s *Server) handleSearchTheaters(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "listing cache unavailable")
		return
	}
	q := r.URL.Query()
	city := strings.TrimSpace(q.Get("city"))
	name := strings.ToLower(strings.TrimSpace(q.Get("name")))

	byCode := make(map[string]*theaterHit)
	for _, snap := range s.catalog.All() {
		tg := snap.Target
		if city != "" && !strings.EqualFold(tg.City, city) {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(tg.DisplayName()), name) &&
			!strings.EqualFold(tg.TheaterCode, name) {
			continue
		}
		h, ok := byCode[tg.TheaterCode]
		if !ok {
			h = &theaterHit{Code: tg.TheaterCode, Name: tg.DisplayName(), Slug: tg.TheaterSlug, City: tg.City}
			byCode[tg.TheaterCode] = h
		}
		h.Dates = append(h.Dates, tg.DateString())
	}

	hits := make([]theaterHit, 0, len(byCode))
	for _, h := range byCode {
		sort.Strings(h.Dates)
		hits = append(hits, *h)
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Name != hits[j].Name {
			return hits[i].Name < hits[j].Name
		}
		return hits[i].Code < hits[j].Code
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"results": hits,
		"count":   len(hits),
	})
}
