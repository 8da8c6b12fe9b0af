package listing

import (
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// Selectors for the provider's rendered listing grid.
const (
	selContainer = "div.ReactVirtualized__Grid__innerScrollContainer"
	selCell      = `div[role="gridcell"]`
	selMovie     = "div.sc-1412vr2-0"
	selTitle     = "a.sc-1412vr2-2"
	selLanguage  = "div.sc-1412vr2-4 a.sc-1412vr2-5"
	selFormat    = "div.sc-1412vr2-4 span.sc-1412vr2-6"
	selShowtimes = "div.sc-19dkgz1-0 div.sc-1skzbbo-0"
	selTime      = "span.sc-yr56qh-1"
	selScreen    = "span.sc-yr56qh-2"
)

// ErrNoListing means the page did not contain a listing grid at all, which
// is different from a grid with no movies.
var ErrNoListing = errors.New("listing grid not found")

var (
	ratingRe  = regexp.MustCompile(`\s*\(([^)]+)\)$`)
	movieIDRe = regexp.MustCompile(`/(ET\d+)`)
)

// Parse extracts the movies of a listing page. The returned snapshot has no
// FetchedAt; the caller stamps it.
func Parse(r io.Reader, t model.Target) (*model.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}
	container := doc.Find(selContainer).First()
	if container.Length() == 0 {
		return nil, ErrNoListing
	}

	snap := &model.Snapshot{Target: t, Movies: []model.Movie{}}
	container.Find(selCell).Each(func(_ int, cell *goquery.Selection) {
		if m, ok := parseMovie(cell); ok {
			snap.Movies = append(snap.Movies, m)
		}
	})
	return snap, nil
}

func parseMovie(cell *goquery.Selection) (model.Movie, bool) {
	mc := cell.Find(selMovie).First()
	if mc.Length() == 0 {
		return model.Movie{}, false
	}
	link := mc.Find(selTitle).First()
	full := collapse(link.Text())
	if full == "" {
		return model.Movie{}, false
	}
	m := model.Movie{FullTitle: full, Title: full}
	if sm := ratingRe.FindStringSubmatch(full); sm != nil {
		m.Rating = sm[1]
		m.Title = strings.TrimSpace(ratingRe.ReplaceAllString(full, ""))
	}
	if href, ok := link.Attr("href"); ok {
		m.URL = href
		if sm := movieIDRe.FindStringSubmatch(href); sm != nil {
			m.MovieID = sm[1]
		}
	}
	m.Language = collapse(mc.Find(selLanguage).First().Text())
	m.Format = strings.TrimSpace(strings.ReplaceAll(collapse(mc.Find(selFormat).First().Text()), ",", ""))

	mc.Find(selShowtimes).Each(func(_ int, entry *goquery.Selection) {
		tm := collapse(entry.Find(selTime).First().Text())
		if tm == "" {
			return
		}
		m.Showtimes = append(m.Showtimes, model.Showtime{
			Time:       tm,
			ScreenType: collapse(entry.Find(selScreen).First().Text()),
		})
	})
	return m, true
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
