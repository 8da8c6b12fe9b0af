// Package model defines shared data structures.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// SubscriptionStatus is the lifecycle state of a subscription.
type SubscriptionStatus string

const (
	StatusActive    SubscriptionStatus = "ACTIVE"
	StatusNotified  SubscriptionStatus = "NOTIFIED"
	StatusCancelled SubscriptionStatus = "CANCELLED"
)

// Deactivation reasons recorded when a subscription leaves ACTIVE.
const (
	ReasonNotificationSent = "notification_sent"
	ReasonUserCancelled    = "user_cancelled"
)

// NotificationKind names the event a notification reports.
type NotificationKind string

const (
	KindMovieAvailable NotificationKind = "MOVIE_AVAILABLE"
	KindNewShowtime    NotificationKind = "NEW_SHOWTIME"
	KindNoMatch        NotificationKind = "NO_MATCH_CONFIRMATION"
)

// Trigger records what produced a notification. Only CYCLE notifications
// move their subscription to NOTIFIED once delivered.
type Trigger string

const (
	TriggerImmediate Trigger = "IMMEDIATE"
	TriggerCycle     Trigger = "CYCLE"
)

// DeliveryStatus is the delivery state of a notification.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "PENDING"
	DeliverySent    DeliveryStatus = "SENT"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// Subscription is a user's request to be told when a movie shows up at a
// theater on a given date.
type Subscription struct {
	ID                  string
	Target              Target
	MovieName           string
	OwnerContact        string
	NotifyOnNewMovie    bool
	NotifyOnNewShowtime bool
	Status              SubscriptionStatus
	LastKnownMatch      *MatchRef  // nil until a matching title has been seen
	CheckedAt           *time.Time // nil until the immediate check has run
	CreatedAt           time.Time
	UpdatedAt           time.Time
	DeactivatedAt       *time.Time
	DeactivatedReason   string
}

// MatchRef remembers which listing title a subscription matched and the
// showtimes it had at that point.
type MatchRef struct {
	Title     string   `json:"title"`
	Showtimes []string `json:"showtimes"`
}

// Notification is a single message owed to a subscription owner.
type Notification struct {
	ID             string
	SubscriptionID string
	Kind           NotificationKind
	Trigger        Trigger
	EventKey       string
	Payload        Payload
	CreatedAt      time.Time
	SentAt         *time.Time
	DeliveryStatus DeliveryStatus
	LastError      string
}

// Payload carries what the renderer needs to build a message.
type Payload struct {
	Query     string   `json:"query"`
	Title     string   `json:"title,omitempty"`
	Language  string   `json:"language,omitempty"`
	Rating    string   `json:"rating,omitempty"`
	Format    string   `json:"format,omitempty"`
	Showtimes []string `json:"showtimes,omitempty"`
	Added     []string `json:"added,omitempty"`
	Theater   string   `json:"theater"`
	City      string   `json:"city"`
	Date      string   `json:"date"`
	URL       string   `json:"url,omitempty"`
}

// Match returns the MatchRef the payload describes, or nil when it does not
// reference a title.
func (p Payload) Match() *MatchRef {
	if p.Title == "" {
		return nil
	}
	return &MatchRef{Title: p.Title, Showtimes: append([]string(nil), p.Showtimes...)}
}

// EventKey identifies the logical event behind a notification. Rows that
// share (subscription, kind, event key) are attempts at the same event.
func EventKey(subscriptionID string, kind NotificationKind, title string, showtimes []string) string {
	times := make([]string, 0, len(showtimes))
	for _, t := range showtimes {
		times = append(times, NormalizeTime(t))
	}
	sort.Strings(times)
	h := sha256.New()
	h.Write([]byte(subscriptionID))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(NormalizeTitle(title)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(times, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeTitle case-folds a title and collapses runs of whitespace.
func NormalizeTitle(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// NormalizeTime applies the same folding to a showtime label ("09:20 am").
func NormalizeTime(s string) string {
	return NormalizeTitle(s)
}
