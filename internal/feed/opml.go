package feed

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// OPML represents the root of an OPML document.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains OPML metadata.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outlines.
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline is a theater folder or a single subscription.
type Outline struct {
	Text     string    `xml:"text,attr"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	HTMLURL  string    `xml:"htmlUrl,attr,omitempty"`
	Status   string    `xml:"status,attr,omitempty"`
	Date     string    `xml:"date,attr,omitempty"`
	Alerts   string    `xml:"alerts,attr,omitempty"` // "movie", "showtime" or both, comma separated
	Outlines []Outline `xml:"outline,omitempty"`
}

// Subscriptions exports subscriptions grouped by theater. Folders and their
// entries are sorted so the output is stable.
func Subscriptions(title, baseURL string, subs []model.Subscription) ([]byte, error) {
	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       title,
			DateCreated: time.Now().Format(time.RFC1123Z),
		},
	}

	folders := make(map[string]*Outline)
	for _, s := range subs {
		name := s.Target.DisplayName()
		fo, ok := folders[name]
		if !ok {
			fo = &Outline{Text: name, Title: name}
			folders[name] = fo
		}
		fo.Outlines = append(fo.Outlines, Outline{
			Text:    s.MovieName,
			Title:   fmt.Sprintf("%s (%s)", s.MovieName, s.Target.FormattedDate()),
			Type:    "link",
			HTMLURL: s.Target.URL(baseURL),
			Status:  string(s.Status),
			Date:    s.Target.DateString(),
			Alerts:  alerts(s.NotifyOnNewMovie, s.NotifyOnNewShowtime),
		})
	}

	names := make([]string, 0, len(folders))
	for name := range folders {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fo := folders[name]
		sort.SliceStable(fo.Outlines, func(i, j int) bool {
			a, b := fo.Outlines[i], fo.Outlines[j]
			if a.Date != b.Date {
				return a.Date < b.Date
			}
			return a.Text < b.Text
		})
		doc.Body.Outlines = append(doc.Body.Outlines, *fo)
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}

func alerts(movie, showtime bool) string {
	var parts []string
	if movie {
		parts = append(parts, "movie")
	}
	if showtime {
		parts = append(parts, "showtime")
	}
	return strings.Join(parts, ",")
}

// Entry is a flattened subscription read back from an OPML export.
type Entry struct {
	Theater             string
	Movie               string
	URL                 string
	Status              string
	NotifyOnNewMovie    bool
	NotifyOnNewShowtime bool
}

// Parse reads an OPML export back into entries.
func Parse(r io.Reader) ([]Entry, error) {
	var doc OPML
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode opml: %w", err)
	}
	var entries []Entry
	for _, folder := range doc.Body.Outlines {
		for _, o := range folder.Outlines {
			if o.HTMLURL == "" {
				continue
			}
			e := Entry{Theater: folder.Text, Movie: o.Text, URL: o.HTMLURL, Status: o.Status}
			for _, a := range strings.Split(o.Alerts, ",") {
				switch strings.TrimSpace(a) {
				case "movie":
					e.NotifyOnNewMovie = true
				case "showtime":
					e.NotifyOnNewShowtime = true
				}
			}
			entries = append(entries, e)
		}
	}
	return entries, nil
}
