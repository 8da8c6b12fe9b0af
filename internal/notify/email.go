package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bryan-buckman/showtracker/internal/logx"
)

// DefaultBrevoURL is Brevo's transactional email endpoint.
const DefaultBrevoURL = "https://api.brevo.com/v3/smtp/email"

// EmailNotifier sends messages through the Brevo transactional email API.
type EmailNotifier struct {
	apiKey   string
	apiURL   string
	from     string
	fromName string
	client   *http.Client
	log      logx.Logger
}

// EmailOptions configures an EmailNotifier.
type EmailOptions struct {
	APIKey   string
	APIURL   string
	From     string
	FromName string
	Client   *http.Client
	Log      logx.Logger
}

func NewEmailNotifier(opts EmailOptions) *EmailNotifier {
	if opts.APIURL == "" {
		opts.APIURL = DefaultBrevoURL
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Log.IsZero() {
		opts.Log = logx.Nop()
	}
	return &EmailNotifier{
		apiKey:   opts.APIKey,
		apiURL:   opts.APIURL,
		from:     opts.From,
		fromName: opts.FromName,
		client:   opts.Client,
		log:      opts.Log.With(logx.String("comp", "notify.email")),
	}
}

type brevoAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoRequest struct {
	Sender      brevoAddress   `json:"sender"`
	To          []brevoAddress `json:"to"`
	Subject     string         `json:"subject"`
	TextContent string         `json:"textContent"`
	HTMLContent string         `json:"htmlContent,omitempty"`
}

type brevoResponse struct {
	MessageID string `json:"messageId"`
}

const emailFooter = "\n\n--\nYou received this email because you subscribed to movie notifications.\nVisit the app to manage your subscriptions."

func (n *EmailNotifier) Send(ctx context.Context, contact string, msg Message) error {
	fail := func(err error) error { return &DeliveryError{Channel: "email", Contact: contact, Err: err} }

	contact = strings.TrimSpace(contact)
	if !strings.Contains(contact, "@") {
		return fail(errors.New("contact is not an email address"))
	}
	if n.apiKey == "" {
		return fail(errors.New("brevo api key not configured"))
	}

	payload := brevoRequest{
		Sender:      brevoAddress{Email: n.from, Name: n.fromName},
		To:          []brevoAddress{{Email: contact, Name: strings.SplitN(contact, "@", 2)[0]}},
		Subject:     msg.Subject,
		TextContent: msg.Text + emailFooter,
		HTMLContent: msg.HTML,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fail(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL, bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("content-type", "application/json")
	req.Header.Set("api-key", n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fail(fmt.Errorf("brevo status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))))
	}
	var out brevoResponse
	_ = json.Unmarshal(raw, &out)
	n.log.Debug("email sent", logx.String("to", contact), logx.String("message_id", out.MessageID))
	return nil
}
