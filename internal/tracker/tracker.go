// Package tracker owns the subscription lifecycle: creation with an
// immediate availability check, per-cycle evaluation against fresh
// listings, and cancellation.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/listing"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/match"
	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/target"
)

var (
	// ErrDuplicate is returned when the owner already has an ACTIVE
	// subscription for the same movie at the same target.
	ErrDuplicate = database.ErrConflict
	// ErrNotActive is returned when cancelling a NOTIFIED or CANCELLED subscription.
	ErrNotActive = database.ErrNotActive
	// ErrNotFound is returned for unknown subscription IDs.
	ErrNotFound = database.ErrNotFound
)

// ValidationError reports unusable input to Create.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Reason
}

// SnapshotCache holds the last good snapshot per target key.
type SnapshotCache interface {
	Get(ctx context.Context, key string) (*model.Snapshot, bool)
	Put(ctx context.Context, s model.Snapshot) error
}

// Locker serializes work on a single target.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Options configures a Tracker.
type Options struct {
	Store    database.Store
	Fetcher  listing.Fetcher
	Cache    SnapshotCache
	Locker   Locker
	Matcher  match.Matcher
	BaseURL  string         // provider base URL, used for links in payloads
	Location *time.Location // zone that decides what "today" is
	Workers  int            // immediate-check workers; default 1
	Log      logx.Logger
}

// Tracker is the producer-side API plus the state machine.
type Tracker struct {
	store   database.Store
	fetcher listing.Fetcher
	cache   SnapshotCache
	locker  Locker
	matcher match.Matcher
	baseURL string
	loc     *time.Location
	workers int
	log     logx.Logger
	now     func() time.Time

	pending  chan string
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a Tracker. Call Start to run immediate checks in the background.
func New(opts Options) *Tracker {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Tracker{
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		locker:   opts.Locker,
		matcher:  opts.Matcher,
		baseURL:  opts.BaseURL,
		loc:      loc,
		workers:  workers,
		log:      log.With(logx.String("comp", "tracker")),
		now:      time.Now,
		pending:  make(chan string, 256),
		stopChan: make(chan struct{}),
	}
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	URL                 string `json:"url"`
	MovieName           string `json:"movie_name"`
	OwnerContact        string `json:"owner_contact"`
	NotifyOnNewMovie    bool   `json:"notify_on_new_movie"`
	NotifyOnNewShowtime bool   `json:"notify_on_new_showtime"`
}

// Create validates the request, stores an ACTIVE subscription and schedules
// its immediate availability check. The check never affects the result.
func (t *Tracker) Create(ctx context.Context, req CreateRequest) (string, error) {
	tg, err := target.Resolve(req.URL)
	if err != nil {
		return "", err
	}
	movie := strings.TrimSpace(req.MovieName)
	if movie == "" {
		return "", &ValidationError{Field: "movie_name", Reason: "must not be empty"}
	}
	owner := strings.TrimSpace(req.OwnerContact)
	if owner == "" {
		return "", &ValidationError{Field: "owner_contact", Reason: "must not be empty"}
	}
	if tg.IsPast(t.now(), t.loc) {
		return "", &ValidationError{Field: "url", Reason: fmt.Sprintf("date %s is in the past", tg.FormattedDate())}
	}

	sub := &model.Subscription{
		Target:              tg,
		MovieName:           movie,
		OwnerContact:        owner,
		NotifyOnNewMovie:    req.NotifyOnNewMovie,
		NotifyOnNewShowtime: req.NotifyOnNewShowtime,
		Status:              model.StatusActive,
		CreatedAt:           t.now().UTC(),
	}
	if err := t.store.CreateSubscription(ctx, sub); err != nil {
		return "", err
	}
	t.log.Info("subscription created",
		logx.String("id", sub.ID), logx.String("target", tg.Key()), logx.String("movie", movie))

	t.schedule(sub.ID)
	return sub.ID, nil
}

// schedule hands a subscription to the immediate-check workers. When the
// queue is full the check is left to the next fetch cycle of its target.
func (t *Tracker) schedule(id string) bool {
	select {
	case t.pending <- id:
		return true
	default:
		t.log.Warn("immediate check queue full; next fetch cycle will run it", logx.String("id", id))
		return false
	}
}

// ListByOwner returns every subscription of an owner.
func (t *Tracker) ListByOwner(ctx context.Context, owner string) ([]model.Subscription, error) {
	return t.store.ListSubscriptionsByOwner(ctx, strings.TrimSpace(owner))
}

// Get returns one subscription.
func (t *Tracker) Get(ctx context.Context, id string) (*model.Subscription, error) {
	return t.store.GetSubscription(ctx, id)
}

// Cancel moves an ACTIVE subscription to CANCELLED.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	if err := t.store.CancelSubscription(ctx, id, t.now().UTC()); err != nil {
		return err
	}
	t.log.Info("subscription cancelled", logx.String("id", id))
	return nil
}

// Notifications returns an owner's most recent notifications.
func (t *Tracker) Notifications(ctx context.Context, owner string, limit int) ([]model.Notification, error) {
	return t.store.ListNotificationsByOwner(ctx, strings.TrimSpace(owner), limit)
}

// Preview describes a listing URL without fetching it.
type Preview struct {
	Target        model.Target `json:"target"`
	Key           string       `json:"key"`
	TheaterName   string       `json:"theater_name"`
	FormattedDate string       `json:"formatted_date"`
	URL           string       `json:"url"`
}

// Preview resolves a listing URL.
func (t *Tracker) Preview(raw string) (Preview, error) {
	tg, err := target.Resolve(raw)
	if err != nil {
		return Preview{}, err
	}
	return Preview{
		Target:        tg,
		Key:           tg.Key(),
		TheaterName:   tg.DisplayName(),
		FormattedDate: tg.FormattedDate(),
		URL:           tg.URL(t.baseURL),
	}, nil
}

// TestFetch fetches a listing directly, bypassing the cache and all
// subscription state.
func (t *Tracker) TestFetch(ctx context.Context, raw string) (*model.Snapshot, error) {
	tg, err := target.Resolve(raw)
	if err != nil {
		return nil, err
	}
	return t.fetcher.Fetch(ctx, tg)
}

// Start launches the immediate-check workers and requeues subscriptions
// whose immediate check never ran, e.g. because the process stopped first.
func (t *Tracker) Start() {
	for i := 0; i < t.workers; i++ {
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			for {
				select {
				case <-t.stopChan:
					return
				case id := <-t.pending:
					ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
					if err := t.EvaluateNew(ctx, id); err != nil {
						t.log.Warn("immediate check failed", logx.String("id", id), logx.Err(err))
					}
					cancel()
				}
			}
		}()
	}
	t.resume()
}

func (t *Tracker) resume() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	subs, err := t.store.ListUnchecked(ctx, t.now().In(t.loc).Format(model.DateLayout))
	if err != nil {
		t.log.Warn("list unchecked subscriptions", logx.Err(err))
		return
	}
	requeued := 0
	for _, s := range subs {
		if !t.schedule(s.ID) {
			break
		}
		requeued++
	}
	if requeued > 0 {
		t.log.Info("resumed immediate checks", logx.Int("count", requeued))
	}
}

// Stop waits for in-flight immediate checks to finish. Checks still queued
// are picked up again by the next Start.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopChan) })
	t.wg.Wait()
}

// EvaluateNew runs the immediate check of a freshly created subscription:
// MOVIE_AVAILABLE when the movie is listed, NO_MATCH_CONFIRMATION otherwise.
// The subscription stays ACTIVE either way. The check runs once; a
// subscription already checked, by an earlier call or by a fetch cycle, is
// left alone.
func (t *Tracker) EvaluateNew(ctx context.Context, id string) error {
	sub, err := t.store.GetSubscription(ctx, id)
	if err != nil {
		return err
	}
	if sub.Status != model.StatusActive || sub.CheckedAt != nil {
		return nil
	}
	key := sub.Target.Key()
	unlock, err := t.locker.Lock(ctx, key)
	if err != nil {
		return fmt.Errorf("lock %s: %w", key, err)
	}
	defer unlock()

	if sub, err = t.store.GetSubscription(ctx, id); err != nil {
		return err
	}
	if sub.Status != model.StatusActive || sub.CheckedAt != nil {
		return nil
	}

	snap, ok := t.cache.Get(ctx, key)
	if !ok {
		fetched, err := t.fetcher.Fetch(ctx, sub.Target)
		if err != nil {
			return err
		}
		if err := t.cache.Put(ctx, *fetched); err != nil {
			t.log.Warn("cache snapshot", logx.String("target", key), logx.Err(err))
		}
		snap = fetched
	}
	_, err = t.check(ctx, sub, *snap)
	return err
}

// check records the immediate-check outcome of sub against snap. It reports
// whether a notification was queued.
func (t *Tracker) check(ctx context.Context, sub *model.Subscription, snap model.Snapshot) (bool, error) {
	var (
		n   *model.Notification
		ref *model.MatchRef
	)
	best, found := t.matcher.Best(sub.MovieName, snap.Titles())
	if found {
		movie, _ := snap.Movie(best.Title)
		n = t.newNotification(sub, model.KindMovieAvailable, model.TriggerImmediate, &movie, nil)
		ref = matchRef(movie)
	} else {
		n = t.newNotification(sub, model.KindNoMatch, model.TriggerImmediate, nil, nil)
	}
	ok, err := t.store.CompleteCheck(ctx, n, ref, t.now().UTC())
	if err != nil || !ok {
		return false, err
	}
	if found {
		t.log.Info("movie already listed", logx.String("id", sub.ID), logx.String("title", best.Title), logx.Int("score", best.Score))
	} else {
		t.log.Info("movie not listed yet", logx.String("id", sub.ID), logx.String("query", sub.MovieName))
	}
	return true, nil
}

// EvaluateCycle runs the state machine for every ACTIVE subscription bound
// to snap's target. cs is the change set against the previous snapshot;
// prevKnown is false on the first observation of the target. A failure on
// one subscription is logged and does not stop the others. It returns the
// number of notifications queued. A subscription whose immediate check has
// not run yet gets that check instead of cycle evaluation.
//
// The caller holds the target's lock.
func (t *Tracker) EvaluateCycle(ctx context.Context, snap model.Snapshot, cs ChangeSet, prevKnown bool) (int, error) {
	subs, err := t.store.ListActiveByTarget(ctx, snap.Target)
	if err != nil {
		return 0, err
	}
	titles := snap.Titles()
	queued := 0
	for i := range subs {
		sub := &subs[i]
		var ok bool
		if sub.CheckedAt == nil {
			ok, err = t.check(ctx, sub, snap)
		} else {
			ok, err = t.evaluate(ctx, sub, snap, titles, cs, prevKnown)
		}
		if err != nil {
			t.log.Error("evaluate subscription", logx.String("id", sub.ID), logx.Err(err))
			continue
		}
		if ok {
			queued++
		}
	}
	return queued, nil
}

// ChangeSet is the subset of a snapshot diff evaluation needs.
type ChangeSet interface {
	AddedShowtimes(title string) ([]string, bool)
}

func (t *Tracker) evaluate(ctx context.Context, sub *model.Subscription, snap model.Snapshot, titles []string, cs ChangeSet, prevKnown bool) (bool, error) {
	// At most one cycle notification in flight per subscription.
	outstanding, err := t.store.HasOutstanding(ctx, sub.ID, model.TriggerCycle)
	if err != nil {
		return false, err
	}
	if outstanding {
		return false, nil
	}

	best, found := t.matcher.Best(sub.MovieName, titles)
	if !found {
		return false, nil
	}
	movie, _ := snap.Movie(best.Title)
	now := t.now().UTC()

	if sub.NotifyOnNewMovie && sub.LastKnownMatch == nil {
		// last_known_match is written when the notification is delivered,
		// so a failed delivery qualifies again on a later cycle.
		n := t.newNotification(sub, model.KindMovieAvailable, model.TriggerCycle, &movie, nil)
		if err := t.store.EnqueueNotification(ctx, n); err != nil {
			return false, err
		}
		t.log.Info("movie available", logx.String("id", sub.ID), logx.String("title", movie.Title))
		return true, nil
	}

	fired := false
	if sub.NotifyOnNewShowtime {
		added := t.addedShowtimes(sub, movie, cs, prevKnown)
		if len(added) > 0 {
			n := t.newNotification(sub, model.KindNewShowtime, model.TriggerCycle, &movie, added)
			if err := t.store.EnqueueNotification(ctx, n); err != nil {
				return false, err
			}
			t.log.Info("new showtimes", logx.String("id", sub.ID), logx.String("title", movie.Title), logx.Strings("added", added))
			fired = true
		}
	}

	ref := matchRef(movie)
	if !sameMatch(sub.LastKnownMatch, ref) {
		if err := t.store.UpdateLastKnownMatch(ctx, sub.ID, ref, now); err != nil {
			return fired, err
		}
	}
	return fired, nil
}

// addedShowtimes returns the showtimes movie gained. Normally that is what
// the change set says; on the first observation of a target there is no
// previous snapshot, so the subscription's last known match stands in.
func (t *Tracker) addedShowtimes(sub *model.Subscription, movie model.Movie, cs ChangeSet, prevKnown bool) []string {
	if prevKnown {
		if cs == nil {
			return nil
		}
		added, _ := cs.AddedShowtimes(movie.Title)
		return added
	}
	lm := sub.LastKnownMatch
	if lm == nil || model.NormalizeTitle(lm.Title) != model.NormalizeTitle(movie.Title) {
		return nil
	}
	known := make(map[string]bool, len(lm.Showtimes))
	for _, s := range lm.Showtimes {
		known[model.NormalizeTime(s)] = true
	}
	var added []string
	for _, s := range movie.Times() {
		if !known[model.NormalizeTime(s)] {
			added = append(added, s)
		}
	}
	current := make(map[string]bool, len(movie.Showtimes))
	for _, s := range movie.Times() {
		current[model.NormalizeTime(s)] = true
	}
	for k := range known {
		if !current[k] {
			return nil // not a strict superset
		}
	}
	return added
}

func (t *Tracker) newNotification(sub *model.Subscription, kind model.NotificationKind, trigger model.Trigger, movie *model.Movie, added []string) *model.Notification {
	p := model.Payload{
		Query:   sub.MovieName,
		Theater: sub.Target.DisplayName(),
		City:    sub.Target.City,
		Date:    sub.Target.FormattedDate(),
		URL:     sub.Target.URL(t.baseURL),
		Added:   added,
	}
	keyTitle, keyTimes := sub.MovieName, []string(nil)
	if movie != nil {
		p.Title = movie.Title
		p.Language = movie.Language
		p.Rating = movie.Rating
		p.Format = movie.Format
		p.Showtimes = movie.Times()
		keyTitle = movie.Title
	}
	if kind == model.KindNewShowtime {
		keyTimes = added
	}
	return &model.Notification{
		SubscriptionID: sub.ID,
		Kind:           kind,
		Trigger:        trigger,
		EventKey:       model.EventKey(sub.ID, kind, keyTitle, keyTimes),
		Payload:        p,
		CreatedAt:      t.now().UTC(),
	}
}

func matchRef(m model.Movie) *model.MatchRef {
	return &model.MatchRef{Title: m.Title, Showtimes: m.Times()}
}

func sameMatch(a, b *model.MatchRef) bool {
	if a == nil || b == nil {
		return a == b
	}
	if model.NormalizeTitle(a.Title) != model.NormalizeTitle(b.Title) || len(a.Showtimes) != len(b.Showtimes) {
		return false
	}
	for i := range a.Showtimes {
		if model.NormalizeTime(a.Showtimes[i]) != model.NormalizeTime(b.Showtimes[i]) {
			return false
		}
	}
	return true
}

// IsUserError reports whether err stems from bad input rather than a failure.
func IsUserError(err error) bool {
	var (
		me *target.MalformedTargetError
		de *target.InvalidDateError
		ve *ValidationError
	)
	return errors.As(err, &me) || errors.As(err, &de) || errors.As(err, &ve)
}
