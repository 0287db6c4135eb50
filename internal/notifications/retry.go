package notifications

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/metrics"
	"github.com/albapepper/slotwatch/internal/observability"
)

type retryItem struct {
	entryID string
	slot    domain.SlotObservation
}

type retryGroup struct {
	userID string
	subID  string
	method domain.NotificationMethod
	center int64
	items  []retryItem
}

// RetryFailed re-sends ledger entries that failed at least olderThan ago and
// still have attempts left. Entries are regrouped per (user, subscription,
// channel, center) so one notification covers the slots that failed together.
// Every entry that is re-attempted or abandoned goes through MarkRetried.
func (d *Dispatcher) RetryFailed(ctx context.Context, olderThan time.Duration) (Result, error) {
	var res Result
	if d.slots == nil || d.users == nil {
		return res, errors.New("notifications: retry needs slot and user lookups")
	}

	ctx, span := observability.Tracer().Start(ctx, "notifications.retry")
	defer span.End()

	now := d.clock()
	entries, err := d.ledger.RetryCandidates(ctx, now.Add(-olderThan), d.retryMaxAttempts, d.retryBatchLimit)
	if err != nil {
		return res, fmt.Errorf("load retry candidates: %w", err)
	}
	if len(entries) == 0 {
		return res, nil
	}

	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SlotID)
	}
	slots, err := d.slots.SlotsByID(ctx, ids)
	if err != nil {
		return res, fmt.Errorf("load retry slots: %w", err)
	}

	today := domain.Today(now, d.loc)
	type key struct {
		user, sub string
		method    domain.NotificationMethod
		center    int64
	}
	index := make(map[key]int)
	var groups []*retryGroup
	var centerIDs []int64
	for _, e := range entries {
		sl, ok := slots[e.SlotID]
		if !ok || !sl.Available || sl.Date < today {
			res.Skipped++
			d.markRetried(ctx, &res, e.ID, false, "slot no longer available")
			continue
		}
		k := key{e.UserID, e.SubscriptionID, e.Method, sl.CenterID}
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, &retryGroup{userID: e.UserID, subID: e.SubscriptionID, method: e.Method, center: sl.CenterID})
			centerIDs = append(centerIDs, sl.CenterID)
		}
		groups[i].items = append(groups[i].items, retryItem{entryID: e.ID, slot: sl})
	}
	if len(groups) == 0 {
		return res, nil
	}

	centers, err := d.slots.Centers(ctx, centerIDs)
	if err != nil {
		return res, fmt.Errorf("load retry centers: %w", err)
	}

	hhmm := now.In(d.loc).Format("15:04")
	users := make(map[string]domain.User)
	var pushes, emails []*delivery
	for _, g := range groups {
		user, ok := users[g.userID]
		if !ok {
			user, err = d.users.GetUser(ctx, g.userID)
			if errors.Is(err, domain.ErrNotFound) {
				d.abandonGroup(ctx, &res, g, "user not found")
				continue
			}
			if err != nil {
				res.fail("retry user %s: %v", g.userID, err)
				continue
			}
			users[g.userID] = user
		}
		if !user.IsActive {
			d.abandonGroup(ctx, &res, g, "user inactive")
			continue
		}

		slices.SortStableFunc(g.items, func(a, b retryItem) int {
			return cmp.Or(cmp.Compare(a.slot.Date, b.slot.Date), cmp.Compare(a.slot.Time, b.slot.Time))
		})
		dl := &delivery{method: g.method, userID: g.userID, subID: g.subID}
		for _, it := range g.items {
			dl.slots = append(dl.slots, it.slot)
			dl.entryIDs = append(dl.entryIDs, it.entryID)
		}
		center, ok := centers[g.center]
		if !ok {
			center = domain.TestCenter{ID: g.center}
		}
		content := alertContent{
			SubscriptionID: g.subID,
			Center:         center,
			TestType:       dl.slots[0].TestType,
			Slots:          dl.slots,
			BookingURL:     d.bookingURL,
		}

		switch g.method {
		case domain.MethodPush:
			if d.push == nil || !user.Preferences.PushEnabled || user.PushToken == "" {
				d.abandonGroup(ctx, &res, g, "push disabled")
				continue
			}
			if user.Preferences.InQuietHours(hhmm) {
				// Left untouched for a later run.
				res.Skipped++
				continue
			}
			dl.push = pushMessage(user.PushToken, content)
			pushes = append(pushes, dl)
		case domain.MethodEmail:
			if d.email == nil || !user.Preferences.EmailEnabled || user.Email == "" {
				d.abandonGroup(ctx, &res, g, "email disabled")
				continue
			}
			msg, err := emailMessage(user.Email, content)
			if err != nil {
				res.fail("retry subscription %s: %v", g.subID, err)
				continue
			}
			dl.email = msg
			emails = append(emails, dl)
		default:
			d.abandonGroup(ctx, &res, g, "unsupported method "+string(g.method))
		}
	}

	d.sendPush(ctx, pushes)
	d.sendEmail(ctx, emails)

	for _, group := range [][]*delivery{pushes, emails} {
		for _, dl := range group {
			d.tally(&res, dl)
			for _, id := range dl.entryIDs {
				d.markRetried(ctx, &res, id, dl.sent, dl.errText())
			}
		}
	}

	span.SetAttributes(
		attribute.Int("entries", len(entries)),
		attribute.Int("sent", res.Sent),
		attribute.Int("failed", res.Failed),
	)
	d.logger.Info("Retry complete", "entries", len(entries), "summary", res.Summary())
	return res, nil
}

func (d *Dispatcher) abandonGroup(ctx context.Context, res *Result, g *retryGroup, reason string) {
	res.Skipped++
	metrics.NotificationsTotal.WithLabelValues(string(g.method), metrics.OutcomeSkipped).Inc()
	for _, it := range g.items {
		d.markRetried(ctx, res, it.entryID, false, reason)
	}
}

func (d *Dispatcher) markRetried(ctx context.Context, res *Result, id string, sent bool, errMsg string) {
	err := d.writeLedger(ctx, func(ctx context.Context) error { return d.ledger.MarkRetried(ctx, id, sent, errMsg) })
	if err != nil {
		res.fail("mark retried %s: %v", id, err)
		d.logger.Error("Mark retried failed", "entry_id", id, "error", err)
		return
	}
	res.LedgerWrites++
}
