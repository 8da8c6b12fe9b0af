// Package dispatch drains the notification queue into a Notifier.
package dispatch

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/bryan-buckman/showtracker/internal/database"
	"github.com/bryan-buckman/showtracker/internal/logx"
	"github.com/bryan-buckman/showtracker/internal/model"
	"github.com/bryan-buckman/showtracker/internal/notify"
)

const (
	// DefaultBatchSize is the number of notifications claimed per drain.
	DefaultBatchSize = 50
	// DefaultLease is how long a claimed notification is hidden from other
	// drains. A crash mid-send leaves the row PENDING; it becomes claimable
	// again once the lease runs out.
	DefaultLease = 5 * time.Minute
)

// Options configures a Dispatcher.
type Options struct {
	Store     database.Store
	Notifier  notify.Notifier
	Renderer  *notify.Renderer
	BatchSize int
	Lease     time.Duration
	SendDelay time.Duration // minimum gap between sends; zero disables throttling
	Log       logx.Logger
}

// Dispatcher delivers queued notifications.
type Dispatcher struct {
	store     database.Store
	notifier  notify.Notifier
	renderer  *notify.Renderer
	batchSize int
	lease     time.Duration
	limiter   *rate.Limiter
	log       logx.Logger
	now       func() time.Time
}

// Result counts what one Drain did.
type Result struct {
	Sent        int
	Failed      int
	Dropped     int
	Deactivated int // subscriptions moved to NOTIFIED
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Lease <= 0 {
		opts.Lease = DefaultLease
	}
	if opts.Renderer == nil {
		opts.Renderer = notify.NewRenderer()
	}
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	limit := rate.Inf
	if opts.SendDelay > 0 {
		limit = rate.Every(opts.SendDelay)
	}
	return &Dispatcher{
		store:     opts.Store,
		notifier:  opts.Notifier,
		renderer:  opts.Renderer,
		batchSize: opts.BatchSize,
		lease:     opts.Lease,
		limiter:   rate.NewLimiter(limit, 1),
		log:       log.With(logx.String("comp", "dispatch")),
		now:       time.Now,
	}
}

// Drain claims one batch of at most BatchSize notifications and delivers
// it. Anything beyond the batch stays queued for the next drain.
// Per-notification failures are recorded and do not stop the drain.
func (d *Dispatcher) Drain(ctx context.Context) (Result, error) {
	var res Result
	if err := ctx.Err(); err != nil {
		return res, err
	}
	batch, err := d.store.ClaimNotifications(ctx, d.batchSize, d.now().UTC(), d.lease)
	if err != nil {
		return res, err
	}
	for _, n := range batch {
		if err := d.deliver(ctx, n, &res); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			d.log.Error("deliver notification", logx.String("id", n.ID), logx.Err(err))
		}
	}
	if res.Sent+res.Failed+res.Dropped > 0 {
		d.log.Info("queue drained",
			logx.Int("sent", res.Sent), logx.Int("failed", res.Failed),
			logx.Int("dropped", res.Dropped), logx.Int("deactivated", res.Deactivated))
	}
	return res, nil
}

func (d *Dispatcher) deliver(ctx context.Context, n model.Notification, res *Result) error {
	sub, err := d.store.GetSubscription(ctx, n.SubscriptionID)
	if errors.Is(err, database.ErrNotFound) {
		res.Failed++
		return d.store.FailNotification(ctx, n.ID, "subscription not found")
	}
	if err != nil {
		// Left claimed; the lease expires and a later drain retries.
		return err
	}
	if sub.Status == model.StatusCancelled {
		res.Dropped++
		d.log.Debug("dropping notification of cancelled subscription",
			logx.String("id", n.ID), logx.String("subscription", sub.ID))
		return d.store.DropNotification(ctx, n.ID)
	}

	msg, err := d.renderer.Render(n)
	if err != nil {
		res.Failed++
		return d.store.FailNotification(ctx, n.ID, err.Error())
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return err
	}

	if err := d.notifier.Send(ctx, sub.OwnerContact, msg); err != nil {
		res.Failed++
		fields := []logx.Field{logx.String("id", n.ID), logx.String("kind", string(n.Kind)),
			logx.String("subscription", sub.ID), logx.Err(err)}
		if attempts, cerr := d.store.CountAttempts(ctx, n.SubscriptionID, n.Kind, n.EventKey); cerr != nil {
			d.log.Warn("count delivery attempts", logx.String("id", n.ID), logx.Err(cerr))
		} else {
			fields = append(fields, logx.Int("attempts", attempts))
		}
		d.log.Warn("delivery failed", fields...)
		return d.store.FailNotification(ctx, n.ID, err.Error())
	}

	transitioned, err := d.store.CompleteNotification(ctx, n.ID, d.now().UTC())
	if err != nil {
		return err
	}
	res.Sent++
	if transitioned {
		res.Deactivated++
	}
	d.log.Info("notification sent",
		logx.String("id", n.ID), logx.String("kind", string(n.Kind)),
		logx.String("subscription", sub.ID), logx.Bool("deactivated", transitioned))
	return nil
}
