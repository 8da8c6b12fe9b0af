// Package database provides storage backends for subscriptions, the
// notification queue and the snapshot cache.
package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bryan-buckman/showtracker/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist, or is no longer in
	// the state the operation requires.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an active subscription for the same
	// owner, target and movie already exists.
	ErrConflict = errors.New("conflict")
	// ErrNotActive is returned when cancelling a subscription that already
	// left ACTIVE.
	ErrNotActive = errors.New("subscription is not active")
)

// RepositoryError wraps any failure of a storage operation.
type RepositoryError struct {
	Op  string
	Err error
}

func (e *RepositoryError) Error() string {
	return "database: " + e.Op + ": " + e.Err.Error()
}

func (e *RepositoryError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *RepositoryError
	if errors.As(err, &re) {
		return err
	}
	return &RepositoryError{Op: op, Err: err}
}

// Store defines the interface for database operations.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	Close() error

	// DatabaseType returns the name of the database backend ("SQLite" or "PostgreSQL").
	DatabaseType() string

	// SupportsHighConcurrency returns true if the database can handle
	// many concurrent write operations (e.g., PostgreSQL).
	// SQLite returns false due to write locking limitations.
	SupportsHighConcurrency() bool

	// Subscription operations
	CreateSubscription(ctx context.Context, sub *model.Subscription) error
	GetSubscription(ctx context.Context, id string) (*model.Subscription, error)
	ListSubscriptionsByOwner(ctx context.Context, owner string) ([]model.Subscription, error)
	ListActiveTargets(ctx context.Context, fromDate string) ([]model.Target, error)
	ListActiveByTarget(ctx context.Context, t model.Target) ([]model.Subscription, error)
	CancelSubscription(ctx context.Context, id string, at time.Time) error
	UpdateLastKnownMatch(ctx context.Context, id string, m *model.MatchRef, at time.Time) error
	ListUnchecked(ctx context.Context, fromDate string) ([]model.Subscription, error)
	CompleteCheck(ctx context.Context, n *model.Notification, m *model.MatchRef, at time.Time) (bool, error)

	// Notification queue operations
	EnqueueNotification(ctx context.Context, n *model.Notification) error
	HasOutstanding(ctx context.Context, subscriptionID string, trigger model.Trigger) (bool, error)
	ClaimNotifications(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.Notification, error)
	CompleteNotification(ctx context.Context, id string, sentAt time.Time) (bool, error)
	FailNotification(ctx context.Context, id, reason string) error
	DropNotification(ctx context.Context, id string) error
	CountAttempts(ctx context.Context, subscriptionID string, kind model.NotificationKind, eventKey string) (int, error)
	ListNotificationsBySubscription(ctx context.Context, subscriptionID string) ([]model.Notification, error)
	ListNotificationsByOwner(ctx context.Context, owner string, limit int) ([]model.Notification, error)

	// Snapshot cache operations
	GetSnapshot(ctx context.Context, key string) (*model.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]model.Snapshot, error)
	PutSnapshot(ctx context.Context, s model.Snapshot) error
	DeleteSnapshot(ctx context.Context, key string) error
}

// Config selects and locates a backend.
type Config struct {
	Driver string // sqlite or postgres
	Path   string // sqlite file
	URL    string // postgres connection string
}

// Open initializes the configured store.
func Open(cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return New(cfg.Path)
	case "postgres", "postgresql":
		return NewPostgres(cfg.URL)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
