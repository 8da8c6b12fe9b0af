// Package feed exports an owner's notification history as RSS 2.0 and their
// subscriptions as OPML.
package feed

import (
	"encoding/xml"
	"fmt"
	"time"

	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/notify"
)

// RSS represents the root of an RSS 2.0 document.
type RSS struct {
	XMLName xml.Name `xml:"rss"`
	Version string   `xml:"version,attr"`
	Channel Channel  `xml:"channel"`
}

// Channel holds feed metadata and items.
type Channel struct {
	Title         string `xml:"title"`
	Link          string `xml:"link"`
	Description   string `xml:"description"`
	LastBuildDate string `xml:"lastBuildDate,omitempty"`
	Items         []Item `xml:"item"`
}

// Item is one notification.
type Item struct {
	Title       string `xml:"title"`
	Link        string `xml:"link,omitempty"`
	Description string `xml:"description"`
	Category    string `xml:"category,omitempty"`
	GUID        GUID   `xml:"guid"`
	PubDate     string `xml:"pubDate"`
}

// GUID identifies an item.
type GUID struct {
	Value       string `xml:",chardata"`
	IsPermaLink bool   `xml:"isPermaLink,attr"`
}

// Notifications renders an owner's notifications, newest first as given,
// into an RSS document. link is the channel link.
func Notifications(owner, link string, ns []model.Notification, r *notify.Renderer) ([]byte, error) {
	if r == nil {
		r = notify.NewRenderer()
	}
	doc := RSS{
		Version: "2.0",
		Channel: Channel{
			Title:         "Showtracker alerts for " + owner,
			Link:          link,
			Description:   "Movie and showtime alerts",
			LastBuildDate: time.Now().UTC().Format(time.RFC1123Z),
		},
	}
	for _, n := range ns {
		msg, err := r.Render(n)
		if err != nil {
			return nil, fmt.Errorf("render notification %s: %w", n.ID, err)
		}
		doc.Channel.Items = append(doc.Channel.Items, Item{
			Title:       msg.Subject,
			Link:        n.Payload.URL,
			Description: msg.Text,
			Category:    string(n.Kind),
			GUID:        GUID{Value: n.ID},
			PubDate:     n.CreatedAt.UTC().Format(time.RFC1123Z),
		})
	}

	output, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), output...), nil
}
