package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store is the outbox persistence boundary used by the dispatcher.
type Store interface {
	// PendingNotifications returns up to limit unconsumed rows due at now,
	// oldest created_at first.
	PendingNotifications(ctx context.Context, now time.Time, limit int) ([]Row, error)
	MarkConsumed(ctx context.Context, ids []string) error
	// DeferNotifications bumps the attempt count of ids and holds them back
	// until next.
	DeferNotifications(ctx context.Context, ids []string, next time.Time) error
	// TryDispatchLock returns ok=false when another run is active. release
	// must be called when ok is true.
	TryDispatchLock(ctx context.Context) (release func(), ok bool, err error)
}

type SendResult struct {
	Success   bool   `json:"success"`
	SentCount int    `json:"sent_count"`
	Error     string `json:"error,omitempty"`
}

type Gateway interface {
	Send(ctx context.Context, userIDs []string, payload Payload) (SendResult, error)
}

type Report struct {
	Processed        int      `json:"processed"`
	UniqueRecipients int      `json:"unique_recipients"`
	Sent             int      `json:"sent"`
	Failed           int      `json:"failed"`
	Errors           []string `json:"errors"`
}

type Dispatcher struct {
	store   Store
	gateway Gateway
	log     *slog.Logger
	limit   int
	now     func() time.Time
}

func NewDispatcher(store Store, gateway Gateway, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		log:     logger,
		limit:   BatchLimit,
		now:     time.Now,
	}
}

func (d *Dispatcher) WithClock(clock func() time.Time) *Dispatcher {
	if clock != nil {
		d.now = clock
	}
	return d
}

type recipientGroup struct {
	userID string
	rows   []Row
}

func (g recipientGroup) ids() []string {
	ids := make([]string, 0, len(g.rows))
	for _, r := range g.rows {
		ids = append(ids, r.ID)
	}
	return ids
}

// Dispatch drains one batch of the outbox. Every recipient gets at most one
// push per run carrying its most actionable pending message; on success all
// of that recipient's rows are retired.
func (d *Dispatcher) Dispatch(ctx context.Context) (Report, error) {
	report := Report{Errors: []string{}}

	release, ok, err := d.store.TryDispatchLock(ctx)
	if err != nil {
		return report, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		return report, ErrDispatchBusy
	}
	defer release()

	now := d.now().UTC()
	rows, err := d.store.PendingNotifications(ctx, now, d.limit)
	if err != nil {
		return report, fmt.Errorf("read outbox: %w", err)
	}
	if len(rows) > d.limit {
		rows = rows[:d.limit]
	}
	report.Processed = len(rows)

	groups := groupByRecipient(rows)
	report.UniqueRecipients = len(groups)

	for _, g := range groups {
		selected, ok := selectRow(g.rows)
		if !ok {
			report.Failed++
			derr := &DeliveryError{UserID: g.userID, Err: ErrMalformedPayload}
			report.Errors = append(report.Errors, derr.Error())
			d.log.Warn("outbox group has no deliverable row", "user_id", g.userID, "rows", len(g.rows))
			d.deferGroup(ctx, g, now, &report)
			continue
		}

		if err := d.send(ctx, g.userID, selected); err != nil {
			report.Failed++
			report.Errors = append(report.Errors, err.Error())
			d.log.Error("push failed", "user_id", g.userID, "type", selected.Type, "err", err)
			d.deferGroup(ctx, g, now, &report)
			continue
		}
		report.Sent++

		ids := g.ids()
		if err := d.store.MarkConsumed(ctx, ids); err != nil {
			// Delivered already; the rows will be picked up and resent next run.
			report.Errors = append(report.Errors, fmt.Sprintf("mark consumed for %s: %v", g.userID, err))
			d.log.Error("mark consumed failed", "user_id", g.userID, "rows", len(ids), "err", err)
			continue
		}
		d.log.Info("push delivered", "user_id", g.userID, "type", selected.Type, "collapsed", len(ids))
	}

	return report, nil
}

// deferGroup holds every row of a failed group back until its next retry.
func (d *Dispatcher) deferGroup(ctx context.Context, g recipientGroup, now time.Time, report *Report) {
	attempts := 0
	for _, r := range g.rows {
		if r.Attempts > attempts {
			attempts = r.Attempts
		}
	}
	next := now.Add(RetryDelay(attempts + 1))
	if err := d.store.DeferNotifications(ctx, g.ids(), next); err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("defer retry for %s: %v", g.userID, err))
		d.log.Error("defer outbox rows failed", "user_id", g.userID, "err", err)
		return
	}
	d.log.Debug("outbox rows deferred", "user_id", g.userID, "attempts", attempts+1, "next_attempt_at", next)
}

func (d *Dispatcher) send(ctx context.Context, userID string, row Row) error {
	res, err := d.gateway.Send(ctx, []string{userID}, row.Payload)
	if err != nil {
		return &DeliveryError{UserID: userID, Err: err}
	}
	if !res.Success {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = "gateway reported failure"
		}
		return &DeliveryError{UserID: userID, Err: errors.New(msg)}
	}
	return nil
}

// groupByRecipient keeps recipients in first-seen order so runs are
// deterministic for a given outbox snapshot.
func groupByRecipient(rows []Row) []recipientGroup {
	index := make(map[string]int)
	var groups []recipientGroup
	for _, r := range rows {
		i, ok := index[r.UserID]
		if !ok {
			i = len(groups)
			index[r.UserID] = i
			groups = append(groups, recipientGroup{userID: r.UserID})
		}
		groups[i].rows = append(groups[i].rows, r)
	}
	return groups
}

// selectRow picks the highest-ranked deliverable row, newest first among
// equal ranks.
func selectRow(rows []Row) (Row, bool) {
	var best Row
	found := false
	for _, r := range rows {
		if !r.Type.Valid() || r.Payload.Validate() != nil {
			continue
		}
		if !found || better(r, best) {
			best = r
			found = true
		}
	}
	return best, found
}

func better(candidate, current Row) bool {
	if candidate.Type != current.Type {
		return candidate.Type.Outranks(current.Type)
	}
	return candidate.CreatedAt.After(current.CreatedAt)
}
