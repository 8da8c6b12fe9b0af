package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bryan-buckman/showtracker/internal/model"
)

// core holds the queries shared by both backends. Queries are written with
// "?" placeholders; rebind rewrites them for drivers that need numbered
// parameters.
type core struct {
	conn       *sql.DB
	rebind     func(string) string
	claimLock  string // appended to the claim SELECT, e.g. FOR UPDATE SKIP LOCKED
	isConflict func(error) bool
}

const subscriptionColumns = `id, city, theater_slug, theater_code, target_date, movie_name, owner_contact,
	notify_new_movie, notify_new_showtime, status, last_match, created_at, updated_at,
	deactivated_at, deactivated_reason, checked_at`

const notificationColumns = `id, subscription_id, kind, trigger_source, event_key, payload, created_at,
	sent_at, delivery_status, last_error`

func prefixed(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (model.Subscription, error) {
	var (
		s             model.Subscription
		date          string
		lastMatch     sql.NullString
		created       int64
		updated       int64
		deactivatedAt sql.NullInt64
		checkedAt     sql.NullInt64
		status        string
	)
	err := r.Scan(&s.ID, &s.Target.City, &s.Target.TheaterSlug, &s.Target.TheaterCode, &date, &s.MovieName,
		&s.OwnerContact, &s.NotifyOnNewMovie, &s.NotifyOnNewShowtime, &status, &lastMatch, &created, &updated,
		&deactivatedAt, &s.DeactivatedReason, &checkedAt)
	if err != nil {
		return s, err
	}
	d, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return s, fmt.Errorf("subscription %s: bad target date %q: %w", s.ID, date, err)
	}
	s.Target.Date = d
	s.Status = model.SubscriptionStatus(status)
	s.CreatedAt = fromMillis(created)
	s.UpdatedAt = fromMillis(updated)
	if deactivatedAt.Valid && deactivatedAt.Int64 != 0 {
		t := fromMillis(deactivatedAt.Int64)
		s.DeactivatedAt = &t
	}
	if checkedAt.Valid && checkedAt.Int64 != 0 {
		t := fromMillis(checkedAt.Int64)
		s.CheckedAt = &t
	}
	if lastMatch.Valid && lastMatch.String != "" {
		var m model.MatchRef
		if err := json.Unmarshal([]byte(lastMatch.String), &m); err != nil {
			return s, fmt.Errorf("subscription %s: decode last match: %w", s.ID, err)
		}
		s.LastKnownMatch = &m
	}
	return s, nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.Subscription, error) {
	defer rows.Close()
	var subs []model.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func scanNotification(r rowScanner) (model.Notification, error) {
	var (
		n       model.Notification
		kind    string
		trigger string
		status  string
		payload string
		created int64
		sentAt  sql.NullInt64
	)
	err := r.Scan(&n.ID, &n.SubscriptionID, &kind, &trigger, &n.EventKey, &payload, &created, &sentAt, &status, &n.LastError)
	if err != nil {
		return n, err
	}
	n.Kind = model.NotificationKind(kind)
	n.Trigger = model.Trigger(trigger)
	n.DeliveryStatus = model.DeliveryStatus(status)
	n.CreatedAt = fromMillis(created)
	if sentAt.Valid && sentAt.Int64 != 0 {
		t := fromMillis(sentAt.Int64)
		n.SentAt = &t
	}
	if err := json.Unmarshal([]byte(payload), &n.Payload); err != nil {
		return n, fmt.Errorf("notification %s: decode payload: %w", n.ID, err)
	}
	return n, nil
}

func scanNotifications(rows *sql.Rows) ([]model.Notification, error) {
	defer rows.Close()
	var out []model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func matchJSON(m *model.MatchRef) (sql.NullString, error) {
	if m == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

// --- Subscription Methods ---

// CreateSubscription inserts a new subscription. The ID and timestamps are
// filled in when empty. A second ACTIVE subscription for the same owner,
// target and movie yields ErrConflict.
func (c *core) CreateSubscription(ctx context.Context, sub *model.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = sub.CreatedAt
	if sub.Status == "" {
		sub.Status = model.StatusActive
	}
	lm, err := matchJSON(sub.LastKnownMatch)
	if err != nil {
		return wrap("create subscription", err)
	}
	_, err = c.conn.ExecContext(ctx, c.rebind(`
		INSERT INTO subscriptions (id, city, theater_slug, theater_code, target_date, movie_name, movie_key,
			owner_contact, notify_new_movie, notify_new_showtime, status, last_match, created_at, updated_at,
			deactivated_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '')`),
		sub.ID, sub.Target.City, sub.Target.TheaterSlug, sub.Target.TheaterCode, sub.Target.DateString(),
		sub.MovieName, model.NormalizeTitle(sub.MovieName), sub.OwnerContact, sub.NotifyOnNewMovie,
		sub.NotifyOnNewShowtime, string(sub.Status), lm, millis(sub.CreatedAt), millis(sub.UpdatedAt))
	if err != nil && c.isConflict(err) {
		return wrap("create subscription", ErrConflict)
	}
	return wrap("create subscription", err)
}

// GetSubscription returns a subscription by ID.
func (c *core) GetSubscription(ctx context.Context, id string) (*model.Subscription, error) {
	row := c.conn.QueryRowContext(ctx, c.rebind("SELECT "+subscriptionColumns+" FROM subscriptions WHERE id = ?"), id)
	s, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("get subscription", ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get subscription", err)
	}
	return &s, nil
}

// ListSubscriptionsByOwner returns every subscription of an owner, newest first.
func (c *core) ListSubscriptionsByOwner(ctx context.Context, owner string) ([]model.Subscription, error) {
	rows, err := c.conn.QueryContext(ctx, c.rebind("SELECT "+subscriptionColumns+
		" FROM subscriptions WHERE owner_contact = ? ORDER BY created_at DESC, id"), owner)
	if err != nil {
		return nil, wrap("list subscriptions", err)
	}
	subs, err := scanSubscriptions(rows)
	return subs, wrap("list subscriptions", err)
}

// ListActiveTargets returns the distinct targets that have at least one
// ACTIVE subscription dated fromDate (YYYYMMDD) or later.
func (c *core) ListActiveTargets(ctx context.Context, fromDate string) ([]model.Target, error) {
	rows, err := c.conn.QueryContext(ctx, c.rebind(`
		SELECT MIN(city), MIN(theater_slug), theater_code, target_date
		FROM subscriptions
		WHERE status = 'ACTIVE' AND target_date >= ?
		GROUP BY theater_code, target_date
		ORDER BY target_date, theater_code`), fromDate)
	if err != nil {
		return nil, wrap("list active targets", err)
	}
	defer rows.Close()
	var targets []model.Target
	for rows.Next() {
		var (
			t    model.Target
			date string
		)
		if err := rows.Scan(&t.City, &t.TheaterSlug, &t.TheaterCode, &date); err != nil {
			return nil, wrap("list active targets", err)
		}
		d, err := time.Parse(model.DateLayout, date)
		if err != nil {
			return nil, wrap("list active targets", err)
		}
		t.Date = d
		targets = append(targets, t)
	}
	return targets, wrap("list active targets", rows.Err())
}

// ListActiveByTarget returns ACTIVE subscriptions bound to a target, oldest first.
func (c *core) ListActiveByTarget(ctx context.Context, t model.Target) ([]model.Subscription, error) {
	rows, err := c.conn.QueryContext(ctx, c.rebind("SELECT "+subscriptionColumns+
		" FROM subscriptions WHERE status = 'ACTIVE' AND theater_code = ? AND target_date = ? ORDER BY created_at, id"),
		t.TheaterCode, t.DateString())
	if err != nil {
		return nil, wrap("list by target", err)
	}
	subs, err := scanSubscriptions(rows)
	return subs, wrap("list by target", err)
}

// CancelSubscription moves an ACTIVE subscription to CANCELLED.
func (c *core) CancelSubscription(ctx context.Context, id string, at time.Time) error {
	res, err := c.conn.ExecContext(ctx, c.rebind(`
		UPDATE subscriptions
		SET status = 'CANCELLED', deactivated_at = ?, deactivated_reason = ?, updated_at = ?
		WHERE id = ? AND status = 'ACTIVE'`),
		millis(at), model.ReasonUserCancelled, millis(at), id)
	if err != nil {
		return wrap("cancel subscription", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var status string
	err = c.conn.QueryRowContext(ctx, c.rebind("SELECT status FROM subscriptions WHERE id = ?"), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return wrap("cancel subscription", ErrNotFound)
	}
	if err != nil {
		return wrap("cancel subscription", err)
	}
	return wrap("cancel subscription", ErrNotActive)
}

// UpdateLastKnownMatch records the matched title of an ACTIVE subscription.
func (c *core) UpdateLastKnownMatch(ctx context.Context, id string, m *model.MatchRef, at time.Time) error {
	lm, err := matchJSON(m)
	if err != nil {
		return wrap("update last match", err)
	}
	_, err = c.conn.ExecContext(ctx, c.rebind(
		"UPDATE subscriptions SET last_match = ?, updated_at = ? WHERE id = ? AND status = 'ACTIVE'"),
		lm, millis(at), id)
	return wrap("update last match", err)
}

// ListUnchecked returns ACTIVE subscriptions dated fromDate or later whose
// immediate check has not run yet, oldest first.
func (c *core) ListUnchecked(ctx context.Context, fromDate string) ([]model.Subscription, error) {
	rows, err := c.conn.QueryContext(ctx, c.rebind("SELECT "+subscriptionColumns+
		" FROM subscriptions WHERE status = 'ACTIVE' AND checked_at IS NULL AND target_date >= ? ORDER BY created_at, id"),
		fromDate)
	if err != nil {
		return nil, wrap("list unchecked", err)
	}
	subs, err := scanSubscriptions(rows)
	return subs, wrap("list unchecked", err)
}

// CompleteCheck records the outcome of a subscription's immediate check in
// one transaction: n is enqueued, m (when not nil) becomes the last known
// match and the subscription is marked checked. It reports false, and
// enqueues nothing, when the subscription is no longer ACTIVE or was
// already checked.
func (c *core) CompleteCheck(ctx context.Context, n *model.Notification, m *model.MatchRef, at time.Time) (bool, error) {
	lm, err := matchJSON(m)
	if err != nil {
		return false, wrap("complete check", err)
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("complete check", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, c.rebind(`
		UPDATE subscriptions
		SET checked_at = ?, last_match = COALESCE(?, last_match), updated_at = ?
		WHERE id = ? AND status = 'ACTIVE' AND checked_at IS NULL`),
		millis(at), lm, millis(at), n.SubscriptionID)
	if err != nil {
		return false, wrap("complete check", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return false, nil
	}
	if err := c.insertNotification(ctx, tx, n); err != nil {
		return false, wrap("complete check", err)
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("complete check", err)
	}
	return true, nil
}

// --- Notification Methods ---

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EnqueueNotification stores a PENDING notification and places it on the
// delivery queue.
func (c *core) EnqueueNotification(ctx context.Context, n *model.Notification) error {
	return wrap("enqueue notification", c.insertNotification(ctx, c.conn, n))
}

func (c *core) insertNotification(ctx context.Context, ex execer, n *model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.DeliveryStatus = model.DeliveryPending
	if n.EventKey == "" {
		n.EventKey = model.EventKey(n.SubscriptionID, n.Kind, n.Payload.Title, n.Payload.Showtimes)
	}
	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, c.rebind(`
		INSERT INTO notifications (id, subscription_id, kind, trigger_source, event_key, payload, created_at,
			delivery_status, last_error, queued, claimed_until)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'PENDING', '', 1, 0)`),
		n.ID, n.SubscriptionID, string(n.Kind), string(n.Trigger), n.EventKey, string(payload), millis(n.CreatedAt))
	return err
}

// HasOutstanding reports whether a subscription still has a queued
// notification of the given trigger waiting for delivery.
func (c *core) HasOutstanding(ctx context.Context, subscriptionID string, trigger model.Trigger) (bool, error) {
	var n int
	err := c.conn.QueryRowContext(ctx, c.rebind(`
		SELECT COUNT(*) FROM notifications
		WHERE subscription_id = ? AND trigger_source = ? AND delivery_status = 'PENDING' AND queued = 1`),
		subscriptionID, string(trigger)).Scan(&n)
	if err != nil {
		return false, wrap("has outstanding", err)
	}
	return n > 0, nil
}

// ClaimNotifications leases up to limit queued notifications, oldest first.
// Rows whose lease is still running are skipped; an expired lease makes a
// row claimable again.
func (c *core) ClaimNotifications(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]model.Notification, error) {
	if limit <= 0 {
		return nil, nil
	}
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrap("claim notifications", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, c.rebind(`
		SELECT `+notificationColumns+` FROM notifications
		WHERE delivery_status = 'PENDING' AND queued = 1 AND claimed_until <= ?
		ORDER BY created_at, id
		LIMIT ?`+c.claimLock), millis(now), limit)
	if err != nil {
		return nil, wrap("claim notifications", err)
	}
	claimed, err := scanNotifications(rows)
	if err != nil {
		return nil, wrap("claim notifications", err)
	}
	until := millis(now.Add(lease))
	for _, n := range claimed {
		if _, err := tx.ExecContext(ctx, c.rebind("UPDATE notifications SET claimed_until = ? WHERE id = ?"), until, n.ID); err != nil {
			return nil, wrap("claim notifications", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap("claim notifications", err)
	}
	return claimed, nil
}

// CompleteNotification marks a PENDING notification SENT. For a CYCLE
// notification the owning subscription moves ACTIVE -> NOTIFIED in the same
// transaction, recording the delivered match. The boolean reports whether
// that transition happened.
func (c *core) CompleteNotification(ctx context.Context, id string, sentAt time.Time) (bool, error) {
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, wrap("complete notification", err)
	}
	defer tx.Rollback()

	n, err := scanNotification(tx.QueryRowContext(ctx, c.rebind(
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ? AND delivery_status = 'PENDING'"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return false, wrap("complete notification", ErrNotFound)
	}
	if err != nil {
		return false, wrap("complete notification", err)
	}

	if _, err := tx.ExecContext(ctx, c.rebind(`
		UPDATE notifications
		SET delivery_status = 'SENT', sent_at = ?, queued = 0, claimed_until = 0
		WHERE id = ?`), millis(sentAt), id); err != nil {
		return false, wrap("complete notification", err)
	}

	transitioned := false
	if n.Trigger == model.TriggerCycle {
		lm, err := matchJSON(n.Payload.Match())
		if err != nil {
			return false, wrap("complete notification", err)
		}
		res, err := tx.ExecContext(ctx, c.rebind(`
			UPDATE subscriptions
			SET status = 'NOTIFIED', deactivated_at = ?, deactivated_reason = ?, updated_at = ?,
				last_match = COALESCE(?, last_match)
			WHERE id = ? AND status = 'ACTIVE'`),
			millis(sentAt), model.ReasonNotificationSent, millis(sentAt), lm, n.SubscriptionID)
		if err != nil {
			return false, wrap("complete notification", err)
		}
		affected, _ := res.RowsAffected()
		transitioned = affected > 0
	}
	if err := tx.Commit(); err != nil {
		return false, wrap("complete notification", err)
	}
	return transitioned, nil
}

// FailNotification marks a PENDING notification FAILED. Failed rows leave
// the queue and are never retried automatically.
func (c *core) FailNotification(ctx context.Context, id, reason string) error {
	res, err := c.conn.ExecContext(ctx, c.rebind(`
		UPDATE notifications
		SET delivery_status = 'FAILED', last_error = ?, queued = 0, claimed_until = 0
		WHERE id = ? AND delivery_status = 'PENDING'`), reason, id)
	if err != nil {
		return wrap("fail notification", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return wrap("fail notification", ErrNotFound)
	}
	return nil
}

// DropNotification removes a notification from the queue without sending
// it. Its delivery status stays PENDING.
func (c *core) DropNotification(ctx context.Context, id string) error {
	_, err := c.conn.ExecContext(ctx, c.rebind(
		"UPDATE notifications SET queued = 0, claimed_until = 0 WHERE id = ? AND delivery_status = 'PENDING'"), id)
	return wrap("drop notification", err)
}

// CountAttempts counts notification rows for the same logical event.
func (c *core) CountAttempts(ctx context.Context, subscriptionID string, kind model.NotificationKind, eventKey string) (int, error) {
	var n int
	err := c.conn.QueryRowContext(ctx, c.rebind(
		"SELECT COUNT(*) FROM notifications WHERE subscription_id = ? AND kind = ? AND event_key = ?"),
		subscriptionID, string(kind), eventKey).Scan(&n)
	return n, wrap("count attempts", err)
}

// ListNotificationsBySubscription returns a subscription's notifications, oldest first.
func (c *core) ListNotificationsBySubscription(ctx context.Context, subscriptionID string) ([]model.Notification, error) {
	rows, err := c.conn.QueryContext(ctx, c.rebind("SELECT "+notificationColumns+
		" FROM notifications WHERE subscription_id = ? ORDER BY created_at, id"), subscriptionID)
	if err != nil {
		return nil, wrap("list notifications", err)
	}
	out, err := scanNotifications(rows)
	return out, wrap("list notifications", err)
}

// ListNotificationsByOwner returns the newest notifications across all of an
// owner's subscriptions.
func (c *core) ListNotificationsByOwner(ctx context.Context, owner string, limit int) ([]model.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := c.conn.QueryContext(ctx, c.rebind("SELECT "+prefixed("n", notificationColumns)+`
		FROM notifications n
		JOIN subscriptions s ON s.id = n.subscription_id
		WHERE s.owner_contact = ?
		ORDER BY n.created_at DESC, n.id
		LIMIT ?`), owner, limit)
	if err != nil {
		return nil, wrap("list owner notifications", err)
	}
	out, err := scanNotifications(rows)
	return out, wrap("list owner notifications", err)
}

// --- Snapshot Cache Methods ---

// GetSnapshot returns the cached snapshot for a target key.
func (c *core) GetSnapshot(ctx context.Context, key string) (*model.Snapshot, error) {
	var payload string
	err := c.conn.QueryRowContext(ctx, c.rebind("SELECT payload FROM snapshot_cache WHERE target_key = ?"), key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, wrap("get snapshot", ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get snapshot", err)
	}
	var s model.Snapshot
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return nil, wrap("get snapshot", err)
	}
	return &s, nil
}

// ListSnapshots returns every cached snapshot.
func (c *core) ListSnapshots(ctx context.Context) ([]model.Snapshot, error) {
	rows, err := c.conn.QueryContext(ctx, "SELECT payload FROM snapshot_cache ORDER BY target_key")
	if err != nil {
		return nil, wrap("list snapshots", err)
	}
	defer rows.Close()
	var out []model.Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, wrap("list snapshots", err)
		}
		var s model.Snapshot
		if err := json.Unmarshal([]byte(payload), &s); err != nil {
			return nil, wrap("list snapshots", err)
		}
		out = append(out, s)
	}
	return out, wrap("list snapshots", rows.Err())
}

// PutSnapshot replaces the cached snapshot of the snapshot's target.
func (c *core) PutSnapshot(ctx context.Context, s model.Snapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return wrap("put snapshot", err)
	}
	_, err = c.conn.ExecContext(ctx, c.rebind(`
		INSERT INTO snapshot_cache (target_key, payload, fetched_at) VALUES (?, ?, ?)
		ON CONFLICT(target_key) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at`),
		s.Target.Key(), string(payload), millis(s.FetchedAt))
	return wrap("put snapshot", err)
}

// DeleteSnapshot evicts a target from the cache.
func (c *core) DeleteSnapshot(ctx context.Context, key string) error {
	_, err := c.conn.ExecContext(ctx, c.rebind("DELETE FROM snapshot_cache WHERE target_key = ?"), key)
	return wrap("delete snapshot", err)
}
