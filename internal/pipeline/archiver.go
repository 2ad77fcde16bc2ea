package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/matchbook/internal/domain"
)

// Archiver exports trades and orders older than the retention window to
// cold storage on a cron schedule.
type Archiver struct {
	blobArchiver  domain.Archiver
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
	locks         domain.LockManager
	lockTTL       time.Duration
	onFailure     func(context.Context, error)
	trigger       chan struct{}
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobArchiver domain.Archiver, retentionDays int, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobArchiver:  blobArchiver,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archiver")),
		now:           time.Now,
		trigger:       make(chan struct{}, 1),
	}
}

// WithLock makes each run take a cluster-wide lock first, so only one of
// several instances archives at a time.
func (a *Archiver) WithLock(locks domain.LockManager, ttl time.Duration) *Archiver {
	a.locks = locks
	a.lockTTL = ttl
	return a
}

// OnFailure registers a callback for failed cron runs.
func (a *Archiver) OnFailure(fn func(context.Context, error)) *Archiver {
	a.onFailure = fn
	return a
}

// Trigger asks RunCron for an immediate extra run. It reports false when a
// run is already pending.
func (a *Archiver) Trigger() bool {
	select {
	case a.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run executes a single archive pass.
func (a *Archiver) Run(ctx context.Context) error {
	if a.locks != nil {
		unlock, err := a.locks.Acquire(ctx, "archiver", a.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.Info("pipeline: archive run skipped, another instance holds the lock")
			return nil
		}
		if err != nil {
			return fmt.Errorf("archiver: lock: %w", err)
		}
		defer unlock()
	}

	cutoff := a.now().UTC().AddDate(0, 0, -a.retentionDays)
	a.logger.Info("pipeline: archive run starting",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	trades, err := a.blobArchiver.ArchiveTrades(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: trades before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	orders, err := a.blobArchiver.ArchiveOrders(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiver: orders before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	a.logger.Info("pipeline: archive run complete",
		slog.Int64("trades_archived", trades),
		slog.Int64("orders_archived", orders),
	)
	return nil
}

// RunCron runs the archiver on a 5-field cron schedule
// ("minute hour day-of-month month day-of-week") until ctx is cancelled.
// Fields accept "*", single values, lists, ranges and steps such as
// "*/15" or "1-5".
func (a *Archiver) RunCron(ctx context.Context, expr string) error {
	sched, err := parseCron(expr)
	if err != nil {
		return fmt.Errorf("archiver: cron %q: %w", expr, err)
	}
	a.logger.Info("pipeline: archiver cron started", slog.String("cron", expr))

	for {
		next, err := sched.next(a.now().UTC())
		if err != nil {
			return fmt.Errorf("archiver: cron %q: %w", expr, err)
		}
		wait := time.Until(next)
		a.logger.Debug("pipeline: archiver waiting",
			slog.Time("next_run", next),
			slog.Duration("wait", wait),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			a.logger.Info("pipeline: archiver cron stopped")
			return nil
		case <-a.trigger:
			timer.Stop()
			a.logger.Info("pipeline: archive run triggered")
			a.runLogged(ctx)
		case <-timer.C:
			a.runLogged(ctx)
		}
	}
}

func (a *Archiver) runLogged(ctx context.Context) {
	if err := a.Run(ctx); err != nil {
		a.logger.Error("pipeline: archive run failed", slog.String("error", err.Error()))
		if a.onFailure != nil {
			a.onFailure(ctx, err)
		}
	}
}

// cronField is the set of values one field matches.
type cronField map[int]bool

func parseCronField(field string, lo, hi int) (cronField, error) {
	out := cronField{}
	for _, part := range strings.Split(field, ",") {
		part = strings.TrimSpace(part)
		step := 1
		if base, s, ok := strings.Cut(part, "/"); ok {
			n, err := strconv.Atoi(s)
			if err != nil || n < 1 {
				return nil, fmt.Errorf("bad step in %q", part)
			}
			step = n
			part = base
		}

		from, to := lo, hi
		switch {
		case part == "*":
		case strings.Contains(part, "-"):
			a, b, _ := strings.Cut(part, "-")
			var err error
			if from, err = strconv.Atoi(a); err != nil {
				return nil, fmt.Errorf("bad range start in %q", part)
			}
			if to, err = strconv.Atoi(b); err != nil {
				return nil, fmt.Errorf("bad range end in %q", part)
			}
		default:
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad value %q", part)
			}
			from, to = v, v
		}
		if from < lo || to > hi || from > to {
			return nil, fmt.Errorf("%q outside %d-%d", part, lo, hi)
		}
		for v := from; v <= to; v += step {
			out[v] = true
		}
	}
	return out, nil
}

// cronSchedule follows cron's day rule: when both day-of-month and
// day-of-week are restricted (neither starts with "*"), a day matching
// either one matches.
type cronSchedule struct {
	minute, hour, dom, month, dow cronField
	eitherDay                     bool
}

func parseCron(expr string) (cronSchedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return cronSchedule{}, fmt.Errorf("want 5 fields, got %d", len(fields))
	}
	bounds := [5][2]int{{0, 59}, {0, 23}, {1, 31}, {1, 12}, {0, 6}}
	parsed := make([]cronField, 5)
	for i, f := range fields {
		cf, err := parseCronField(f, bounds[i][0], bounds[i][1])
		if err != nil {
			return cronSchedule{}, fmt.Errorf("field %d: %w", i+1, err)
		}
		parsed[i] = cf
	}
	return cronSchedule{
		minute:    parsed[0],
		hour:      parsed[1],
		dom:       parsed[2],
		month:     parsed[3],
		dow:       parsed[4],
		eitherDay: !strings.HasPrefix(fields[2], "*") && !strings.HasPrefix(fields[4], "*"),
	}, nil
}

func (c cronSchedule) matches(t time.Time) bool {
	if !c.minute[t.Minute()] || !c.hour[t.Hour()] || !c.month[int(t.Month())] {
		return false
	}
	dom, dow := c.dom[t.Day()], c.dow[int(t.Weekday())]
	if c.eitherDay {
		return dom || dow
	}
	return dom && dow
}

// next returns the first minute strictly after `after` that matches,
// searching at most a year ahead.
func (c cronSchedule) next(after time.Time) (time.Time, error) {
	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(366 * 24 * time.Hour)
	for t.Before(limit) {
		if c.matches(t) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, fmt.Errorf("no match within a year")
}

// ValidateCron reports whether expr is a usable schedule.
func ValidateCron(expr string) error {
	_, err := parseCron(expr)
	return err
}
