package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/matcher"
	"github.com/albapepper/slotwatch/internal/metrics"
	"github.com/albapepper/slotwatch/internal/observability"
)

// Config wires a Dispatcher. Zero numeric fields take defaults; a negative
// EmailBatchDelay or EmailBatchRetries disables the delay or the retry.
type Config struct {
	Ledger Ledger
	Users  UserLookup // candidates without a joined user, and RetryFailed
	Slots  SlotLookup // RetryFailed

	Push  PushSender  // nil disables push
	Email EmailSender // nil disables email

	Clock    func() time.Time
	Location *time.Location // quiet hours are evaluated in this zone

	PushBatchSize     int
	PushConcurrency   int
	EmailBatchSize    int
	EmailBatchDelay   time.Duration
	EmailBatchRetries int
	SendTimeout       time.Duration
	// LedgerTimeout bounds each ledger write. Writes outlive cancellation of
	// the run context so a provider ack is never lost.
	LedgerTimeout time.Duration

	RetryMaxAttempts int
	RetryBatchLimit  int

	BookingURL string
	Logger     *slog.Logger
}

// Dispatcher sends notifications for matcher candidates.
type Dispatcher struct {
	ledger Ledger
	users  UserLookup
	slots  SlotLookup
	push   PushSender
	email  EmailSender
	clock  func() time.Time
	loc    *time.Location
	logger *slog.Logger

	pushBatchSize     int
	pushConcurrency   int
	emailBatchSize    int
	emailBatchDelay   time.Duration
	emailBatchRetries int
	sendTimeout       time.Duration
	ledgerTimeout     time.Duration
	retryMaxAttempts  int
	retryBatchLimit   int
	bookingURL        string
}

// New validates cfg and returns a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("notifications: ledger is required")
	}
	if cfg.PushBatchSize > MaxPushBatch {
		return nil, fmt.Errorf("notifications: push batch size %d exceeds %d", cfg.PushBatchSize, MaxPushBatch)
	}
	d := &Dispatcher{
		ledger:            cfg.Ledger,
		users:             cfg.Users,
		slots:             cfg.Slots,
		push:              cfg.Push,
		email:             cfg.Email,
		clock:             cfg.Clock,
		loc:               cfg.Location,
		logger:            cfg.Logger,
		pushBatchSize:     cfg.PushBatchSize,
		pushConcurrency:   cfg.PushConcurrency,
		emailBatchSize:    cfg.EmailBatchSize,
		emailBatchDelay:   cfg.EmailBatchDelay,
		emailBatchRetries: cfg.EmailBatchRetries,
		sendTimeout:       cfg.SendTimeout,
		ledgerTimeout:     cfg.LedgerTimeout,
		retryMaxAttempts:  cfg.RetryMaxAttempts,
		retryBatchLimit:   cfg.RetryBatchLimit,
		bookingURL:        cfg.BookingURL,
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	if d.loc == nil {
		d.loc = time.UTC
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.pushBatchSize <= 0 {
		d.pushBatchSize = MaxPushBatch
	}
	if d.pushConcurrency <= 0 {
		d.pushConcurrency = defaultPushConcurrency
	}
	if d.emailBatchSize <= 0 {
		d.emailBatchSize = defaultEmailBatchSize
	}
	if d.emailBatchDelay == 0 {
		d.emailBatchDelay = defaultEmailBatchDelay
	}
	if d.emailBatchRetries == 0 {
		d.emailBatchRetries = 1
	}
	if d.sendTimeout <= 0 {
		d.sendTimeout = defaultSendTimeout
	}
	if d.ledgerTimeout <= 0 {
		d.ledgerTimeout = defaultLedgerTimeout
	}
	if d.retryMaxAttempts <= 0 {
		d.retryMaxAttempts = 3
	}
	if d.retryBatchLimit <= 0 {
		d.retryBatchLimit = 500
	}
	if d.bookingURL == "" {
		d.bookingURL = DefaultBookingURL
	}
	return d, nil
}

// delivery is one notification on one channel covering one or more slots.
type delivery struct {
	method   domain.NotificationMethod
	userID   string
	subID    string
	slots    []domain.SlotObservation
	entryIDs []string // RetryFailed only, parallel to slots
	push     PushMessage
	email    EmailMessage

	sent bool
	err  error
}

func (dl *delivery) message() string {
	if dl.method == domain.MethodPush {
		return dl.push.Title + ": " + dl.push.Body
	}
	return dl.email.Subject
}

func (dl *delivery) errText() string {
	if dl.err == nil {
		return ""
	}
	return dl.err.Error()
}

// Dispatch sends one notification per enabled channel for each candidate and
// records one ledger entry per (slot, channel) once the provider has
// answered. Failures are counted per unit; Dispatch itself never fails.
func (d *Dispatcher) Dispatch(ctx context.Context, cands []matcher.Candidate) Result {
	ctx, span := observability.Tracer().Start(ctx, "notifications.dispatch")
	defer span.End()

	var res Result
	hhmm := d.clock().In(d.loc).Format("15:04")

	var pushes, emails []*delivery
	for _, c := range cands {
		if len(c.Slots) == 0 {
			continue
		}
		sub := c.Subscription
		user, err := d.user(ctx, sub)
		if err != nil {
			res.Skipped++
			res.fail("subscription %s: resolve user: %v", sub.ID, err)
			continue
		}
		if !user.IsActive {
			res.Skipped++
			metrics.NotificationsTotal.WithLabelValues("none", metrics.OutcomeSkipped).Inc()
			continue
		}

		content := alertContent{
			SubscriptionID: sub.ID,
			Center:         c.Center,
			TestType:       c.Slots[0].TestType,
			Slots:          c.Slots,
			BookingURL:     d.bookingURL,
		}
		queued, quiet := 0, false

		if d.push != nil && user.Preferences.PushEnabled && user.PushToken != "" {
			if user.Preferences.InQuietHours(hhmm) {
				quiet = true
				res.Skipped++
				metrics.NotificationsTotal.WithLabelValues(string(domain.MethodPush), metrics.OutcomeSkipped).Inc()
				d.logger.Debug("Push suppressed by quiet hours", "user_id", user.ID, "subscription_id", sub.ID)
			} else {
				pushes = append(pushes, &delivery{
					method: domain.MethodPush,
					userID: user.ID,
					subID:  sub.ID,
					slots:  c.Slots,
					push:   pushMessage(user.PushToken, content),
				})
				queued++
			}
		}

		if d.email != nil && user.Preferences.EmailEnabled && user.Email != "" {
			msg, err := emailMessage(user.Email, content)
			if err != nil {
				res.Failed++
				res.fail("subscription %s: %v", sub.ID, err)
			} else {
				emails = append(emails, &delivery{
					method: domain.MethodEmail,
					userID: user.ID,
					subID:  sub.ID,
					slots:  c.Slots,
					email:  msg,
				})
				queued++
			}
		}

		if queued == 0 && !quiet {
			res.Skipped++
			metrics.NotificationsTotal.WithLabelValues("none", metrics.OutcomeSkipped).Inc()
		}
	}

	d.sendPush(ctx, pushes)
	d.sendEmail(ctx, emails)

	sentAt := d.clock()
	for _, group := range [][]*delivery{pushes, emails} {
		for _, dl := range group {
			d.tally(&res, dl)
			d.record(ctx, &res, dl, sentAt)
		}
	}

	span.SetAttributes(
		attribute.Int("candidates", len(cands)),
		attribute.Int("sent", res.Sent),
		attribute.Int("failed", res.Failed),
		attribute.Int("skipped", res.Skipped),
	)
	if len(res.Errors) > 0 || res.Sent+res.Failed > 0 {
		d.logger.Info("Dispatch complete", "summary", res.Summary())
	}
	return res
}

func (d *Dispatcher) user(ctx context.Context, sub domain.AlertSubscription) (domain.User, error) {
	if sub.User != nil {
		return *sub.User, nil
	}
	if d.users == nil {
		return domain.User{}, errors.New("subscription carries no user and no user lookup is configured")
	}
	return d.users.GetUser(ctx, sub.UserID)
}

func (d *Dispatcher) tally(res *Result, dl *delivery) {
	if dl.sent {
		res.Sent++
		metrics.NotificationsTotal.WithLabelValues(string(dl.method), metrics.OutcomeSent).Inc()
		return
	}
	res.Failed++
	res.fail("%s to user %s: %v", dl.method, dl.userID, dl.err)
	metrics.NotificationsTotal.WithLabelValues(string(dl.method), metrics.OutcomeFailed).Inc()
}

// writeLedger runs fn detached from ctx's cancellation, bounded by the
// ledger timeout. By the time it is called the provider has answered.
func (d *Dispatcher) writeLedger(ctx context.Context, fn func(ctx context.Context) error) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.ledgerTimeout)
	defer cancel()
	return fn(wctx)
}

// record writes one ledger entry per slot. An entry that already exists
// means another sweep got there first and is counted, not reported.
func (d *Dispatcher) record(ctx context.Context, res *Result, dl *delivery, sentAt time.Time) {
	for _, sl := range dl.slots {
		e := &domain.AlertLedgerEntry{
			UserID:         dl.userID,
			SubscriptionID: dl.subID,
			SlotID:         sl.ID,
			Method:         dl.method,
			Message:        dl.message(),
			Sent:           dl.sent,
			Error:          dl.errText(),
		}
		if dl.sent {
			at := sentAt
			e.SentAt = &at
		}
		err := d.writeLedger(ctx, func(ctx context.Context) error { return d.ledger.Record(ctx, e) })
		switch {
		case errors.Is(err, domain.ErrAlreadyRecorded):
			res.Duplicates++
		case err != nil:
			res.fail("ledger %s user %s slot %d: %v", dl.method, dl.userID, sl.ID, err)
			d.logger.Error("Ledger write failed", "user_id", dl.userID, "slot_id", sl.ID, "method", dl.method, "error", err)
		default:
			res.LedgerWrites++
		}
	}
}

// --------------------------------------------------------------------------
// Push
// --------------------------------------------------------------------------

// sendPush splits ds into provider batches and sends them concurrently. A
// failing batch only fails its own messages.
func (d *Dispatcher) sendPush(ctx context.Context, ds []*delivery) {
	if len(ds) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(d.pushConcurrency)
	for start := 0; start < len(ds); start += d.pushBatchSize {
		batch := ds[start:min(start+d.pushBatchSize, len(ds))]
		g.Go(func() error {
			d.sendPushBatch(ctx, batch)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) sendPushBatch(ctx context.Context, batch []*delivery) {
	msgs := make([]PushMessage, len(batch))
	for i, dl := range batch {
		msgs[i] = dl.push
	}

	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	res, err := d.push.SendBulk(sctx, msgs)
	if err == nil && len(res.Tickets) != len(batch) {
		err = &domain.ProviderError{Provider: "push", Err: fmt.Errorf("got %d tickets for %d messages", len(res.Tickets), len(batch))}
	}
	if err != nil {
		err = sendError("push send", err)
		for _, dl := range batch {
			dl.err = err
		}
		d.logger.Warn("Push batch failed", "messages", len(batch), "error", err)
		return
	}
	for i, t := range res.Tickets {
		if t.OK() {
			batch[i].sent = true
			continue
		}
		batch[i].err = t.Err()
	}
}

// --------------------------------------------------------------------------
// Email
// --------------------------------------------------------------------------

// sendEmail sends ds in small batches with a pause between them. A batch in
// which every send failed is retried after the same pause.
func (d *Dispatcher) sendEmail(ctx context.Context, ds []*delivery) {
	for start := 0; start < len(ds); start += d.emailBatchSize {
		if start > 0 && !d.pause(ctx) {
			abandon(ds[start:], ctx.Err())
			return
		}
		batch := ds[start:min(start+d.emailBatchSize, len(ds))]
		d.sendEmailBatch(ctx, batch)

		for attempt := 0; attempt < d.emailBatchRetries && allFailed(batch); attempt++ {
			if !d.pause(ctx) {
				break
			}
			d.logger.Info("Retrying failed email batch", "messages", len(batch), "attempt", attempt+1)
			d.sendEmailBatch(ctx, batch)
		}
	}
}

func (d *Dispatcher) sendEmailBatch(ctx context.Context, batch []*delivery) {
	var g errgroup.Group
	for _, dl := range batch {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
			defer cancel()

			if _, err := d.email.Send(sctx, dl.email); err != nil {
				dl.sent, dl.err = false, sendError("email send", err)
				return nil
			}
			dl.sent, dl.err = true, nil
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) pause(ctx context.Context) bool {
	if d.emailBatchDelay <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d.emailBatchDelay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func allFailed(batch []*delivery) bool {
	for _, dl := range batch {
		if dl.sent {
			return false
		}
	}
	return true
}

func abandon(ds []*delivery, err error) {
	for _, dl := range ds {
		dl.err = err
	}
}

// sendError turns an expired per-send deadline into a TimeoutError.
func sendError(op string, err error) error {
	var te *domain.TimeoutError
	if errors.Is(err, context.DeadlineExceeded) && !errors.As(err, &te) {
		return &domain.TimeoutError{Op: op, Err: err}
	}
	return err
}
