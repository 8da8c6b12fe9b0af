package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"

	"github.com/bryan-buckman/showtracker/internal/model"
)

const textTemplates = `
{{define "MOVIE_AVAILABLE"}}🎬 Movie Alert!

'{{.P.Title}}' is now available at {{.P.Theater}}
Date: {{.P.Date}}
{{- with .P.Language}}
Language: {{.}}{{end}}
{{- with .P.Rating}}
Rating: {{.}}{{end}}
{{- with .P.Format}}
Format: {{.}}{{end}}
Showtimes: {{join .P.Showtimes}}
{{with .P.URL}}
Book now: {{.}}
{{end}}
{{if .Final}}✅ Your subscription has been automatically stopped since the movie is now available.{{else}}Your subscription stays active and will keep watching this listing.{{end}}
{{end}}

{{define "NEW_SHOWTIME"}}🆕 New Show Added!

'{{.P.Title}}' - New showtimes: {{join .P.Added}}
Theater: {{.P.Theater}}
Date: {{.P.Date}}
All showtimes: {{join .P.Showtimes}}
{{with .P.URL}}
Book now: {{.}}
{{end}}
✅ Your subscription has been automatically stopped since new shows are now available.
{{end}}

{{define "NO_MATCH_CONFIRMATION"}}👀 Tracking started

'{{.P.Query}}' is not listed at {{.P.Theater}} for {{.P.Date}} yet.
We will check again regularly and let you know as soon as it shows up.
{{end}}
`

const htmlTemplates = `
{{define "MOVIE_AVAILABLE"}}<h2>🎬 Movie Alert!</h2>
<p><strong>{{.P.Title}}</strong> is now available at {{.P.Theater}}.</p>
<ul>
<li>Date: {{.P.Date}}</li>
{{- with .P.Language}}<li>Language: {{.}}</li>{{end}}
{{- with .P.Rating}}<li>Rating: {{.}}</li>{{end}}
{{- with .P.Format}}<li>Format: {{.}}</li>{{end}}
<li>Showtimes: {{join .P.Showtimes}}</li>
</ul>
{{with .P.URL}}<p><a href="{{.}}">Book now</a></p>{{end}}
{{if .Final}}<p>✅ Your subscription has been automatically stopped since the movie is now available.</p>{{end}}
{{end}}

{{define "NEW_SHOWTIME"}}<h2>🆕 New Show Added!</h2>
<p><strong>{{.P.Title}}</strong> has new showtimes: {{join .P.Added}}</p>
<ul>
<li>Theater: {{.P.Theater}}</li>
<li>Date: {{.P.Date}}</li>
<li>All showtimes: {{join .P.Showtimes}}</li>
</ul>
{{with .P.URL}}<p><a href="{{.}}">Book now</a></p>{{end}}
<p>✅ Your subscription has been automatically stopped since new shows are now available.</p>
{{end}}

{{define "NO_MATCH_CONFIRMATION"}}<h2>👀 Tracking started</h2>
<p><strong>{{.P.Query}}</strong> is not listed at {{.P.Theater}} for {{.P.Date}} yet.</p>
<p>We will check again regularly and let you know as soon as it shows up.</p>
{{end}}
`

// Renderer turns notifications into messages.
type Renderer struct {
	text *template.Template
	html *htmltemplate.Template
}

type renderData struct {
	P     model.Payload
	Final bool // the delivery ends the subscription
}

func join(s []string) string { return strings.Join(s, ", ") }

// NewRenderer parses the built-in templates.
func NewRenderer() *Renderer {
	return &Renderer{
		text: template.Must(template.New("text").Funcs(template.FuncMap{"join": join}).Parse(textTemplates)),
		html: htmltemplate.Must(htmltemplate.New("html").Funcs(htmltemplate.FuncMap{"join": join}).Parse(htmlTemplates)),
	}
}

// Render builds the subject and bodies for n.
func (r *Renderer) Render(n model.Notification) (Message, error) {
	data := renderData{P: n.Payload, Final: n.Trigger == model.TriggerCycle}
	name := string(n.Kind)

	var subject string
	switch n.Kind {
	case model.KindMovieAvailable:
		subject = fmt.Sprintf("🎬 Movie Alert: %s at %s", n.Payload.Title, n.Payload.Theater)
	case model.KindNewShowtime:
		subject = fmt.Sprintf("🆕 New shows for %s at %s", n.Payload.Title, n.Payload.Theater)
	case model.KindNoMatch:
		subject = fmt.Sprintf("Tracking %s at %s", n.Payload.Query, n.Payload.Theater)
	default:
		return Message{}, fmt.Errorf("render: unknown notification kind %q", n.Kind)
	}

	var tb, hb bytes.Buffer
	if err := r.text.ExecuteTemplate(&tb, name, data); err != nil {
		return Message{}, fmt.Errorf("render text: %w", err)
	}
	if err := r.html.ExecuteTemplate(&hb, name, data); err != nil {
		return Message{}, fmt.Errorf("render html: %w", err)
	}
	return Message{
		Subject: subject,
		Text:    strings.TrimSpace(tb.String()),
		HTML:    strings.TrimSpace(hb.String()),
	}, nil
}
