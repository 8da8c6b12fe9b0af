package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/model"
)

func testPayload() model.Payload {
	return model.Payload{
		Query:     "og",
		Title:     "They Call Him OG",
		Language:  "Telugu",
		Rating:    "UA16+",
		Showtimes: []string{"09:20 AM", "01:00 PM"},
		Added:     []string{"01:00 PM"},
		Theater:   "Prasads Multiplex Hyderabad",
		City:      "hyderabad",
		Date:      "September 24, 2025",
		URL:       "https://in.bookmyshow.com/cinemas/hyderabad/prasads-multiplex-hyderabad/buytickets/PRHN/20250924",
	}
}

func TestRenderer(t *testing.T) {
	r := NewRenderer()
	tests := []struct {
		name     string
		n        model.Notification
		subject  string
		contains []string
		absent   []string
	}{
		{
			name:     "movie available from cycle",
			n:        model.Notification{Kind: model.KindMovieAvailable, Trigger: model.TriggerCycle, Payload: testPayload()},
			subject:  "🎬 Movie Alert: They Call Him OG at Prasads Multiplex Hyderabad",
			contains: []string{"'They Call Him OG' is now available at Prasads Multiplex Hyderabad", "Date: September 24, 2025", "Language: Telugu", "Rating: UA16+", "Showtimes: 09:20 AM, 01:00 PM", "automatically stopped"},
		},
		{
			name:     "movie available right after subscribing",
			n:        model.Notification{Kind: model.KindMovieAvailable, Trigger: model.TriggerImmediate, Payload: testPayload()},
			contains: []string{"is now available", "stays active"},
			absent:   []string{"automatically stopped"},
		},
		{
			name:     "new showtime",
			n:        model.Notification{Kind: model.KindNewShowtime, Trigger: model.TriggerCycle, Payload: testPayload()},
			subject:  "🆕 New shows for They Call Him OG at Prasads Multiplex Hyderabad",
			contains: []string{"New showtimes: 01:00 PM", "Theater: Prasads Multiplex Hyderabad", "All showtimes: 09:20 AM, 01:00 PM"},
		},
		{
			name:     "no match",
			n:        model.Notification{Kind: model.KindNoMatch, Trigger: model.TriggerImmediate, Payload: testPayload()},
			subject:  "Tracking og at Prasads Multiplex Hyderabad",
			contains: []string{"'og' is not listed at Prasads Multiplex Hyderabad for September 24, 2025 yet."},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			msg, err := r.Render(tt.n)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if tt.subject != "" && msg.Subject != tt.subject {
				t.Fatalf("Subject = %q, want %q", msg.Subject, tt.subject)
			}
			for _, s := range tt.contains {
				if !strings.Contains(msg.Text, s) {
					t.Errorf("text missing %q:\n%s", s, msg.Text)
				}
			}
			for _, s := range tt.absent {
				if strings.Contains(msg.Text, s) {
					t.Errorf("text unexpectedly contains %q:\n%s", s, msg.Text)
				}
			}
			if msg.HTML == "" {
				t.Fatal("empty HTML body")
			}
		})
	}
}

func TestRendererEscapesHTML(t *testing.T) {
	p := testPayload()
	p.Title = `<script>alert("x")</script>`
	msg, err := NewRenderer().Render(model.Notification{Kind: model.KindMovieAvailable, Trigger: model.TriggerCycle, Payload: p})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(msg.HTML, "<script>") {
		t.Fatalf("HTML not escaped: %s", msg.HTML)
	}
}

func TestRendererUnknownKind(t *testing.T) {
	if _, err := NewRenderer().Render(model.Notification{Kind: "BOGUS"}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestEmailNotifier(t *testing.T) {
	var (
		mu  sync.Mutex
		got brevoRequest
		key string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		key = r.Header.Get("api-key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if got.To[0].Email == "bounce@example.com" {
			http.Error(w, `{"code":"invalid_parameter"}`, http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"messageId":"<abc@smtp-relay>"}`))
	}))
	defer srv.Close()

	n := NewEmailNotifier(EmailOptions{APIKey: "secret", APIURL: srv.URL, From: "alerts@example.com", FromName: "Showtracker", Client: srv.Client()})
	msg := Message{Subject: "Hello", Text: "Body", HTML: "<p>Body</p>"}
	if err := n.Send(context.Background(), "user@example.com", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	if key != "secret" || got.Sender.Email != "alerts@example.com" || got.To[0].Name != "user" || got.Subject != "Hello" {
		t.Fatalf("request = %+v (key %q)", got, key)
	}
	if !strings.HasPrefix(got.TextContent, "Body") || got.HTMLContent != "<p>Body</p>" {
		t.Fatalf("content = %q / %q", got.TextContent, got.HTMLContent)
	}
	mu.Unlock()

	err := n.Send(context.Background(), "bounce@example.com", msg)
	var de *DeliveryError
	if !errors.As(err, &de) || de.Channel != "email" || !strings.Contains(err.Error(), "400") {
		t.Fatalf("Send error = %v, want DeliveryError with status", err)
	}
	if err := n.Send(context.Background(), "12345", msg); !errors.As(err, &de) {
		t.Fatalf("non-email contact error = %v", err)
	}
}

func TestTelegramNotifier(t *testing.T) {
	var (
		mu     sync.Mutex
		chatID string
		text   string
		mode   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/getMe"):
			_, _ = w.Write([]byte(`{"ok":true,"result":{"id":1,"is_bot":true,"first_name":"Show","username":"showbot"}}`))
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			_ = r.ParseForm()
			mu.Lock()
			chatID, text, mode = r.FormValue("chat_id"), r.FormValue("text"), r.FormValue("parse_mode")
			mu.Unlock()
			_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":1700000000,"chat":{"id":42,"type":"private"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	api, err := tgbotapi.NewBotAPIWithClient("TOKEN", srv.URL+"/bot%s/%s", srv.Client())
	if err != nil {
		t.Fatalf("NewBotAPIWithClient: %v", err)
	}
	n := &TelegramNotifier{API: api}
	if err := n.Send(context.Background(), "42", Message{Text: "Showtimes: 09:20 AM (PCX)."}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if chatID != "42" || mode != tgbotapi.ModeMarkdownV2 {
		t.Fatalf("chat_id=%q parse_mode=%q", chatID, mode)
	}
	if text != `Showtimes: 09:20 AM \(PCX\)\.` {
		t.Fatalf("text = %q", text)
	}

	var de *DeliveryError
	if err := n.Send(context.Background(), "user@example.com", Message{Text: "x"}); !errors.As(err, &de) {
		t.Fatalf("bad contact error = %v", err)
	}
}

func TestEncodeEnvelope(t *testing.T) {
	at := time.Date(2025, 9, 24, 10, 0, 0, 0, time.UTC)
	body, err := encodeEnvelope("user@example.com", Message{Subject: "S", Text: "T"}, at)
	if err != nil {
		t.Fatal(err)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Contact != "user@example.com" || env.Subject != "S" || env.Text != "T" || !env.SentAt.Equal(at) {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestLogNotifierCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var de *DeliveryError
	if err := NewLogNotifier(nopLogger()).Send(ctx, "a", Message{}); !errors.As(err, &de) {
		t.Fatalf("Send on cancelled ctx = %v", err)
	}
	if err := NewLogNotifier(nopLogger()).Send(context.Background(), "a", Message{Subject: "s"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func nopLogger() logx.Logger { return logx.Nop() }
