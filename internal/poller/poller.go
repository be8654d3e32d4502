// Package poller drives scan cycles: every tenant's mailbox is searched,
// new messages are normalized and matched, alerts are dispatched and the
// ledger records what was handled.
package poller

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"paywatch/internal/mailbox"
	"paywatch/internal/match"
	"paywatch/internal/metrics"
	"paywatch/internal/notifier"
	"paywatch/internal/tenant"
	logx "paywatch/pkg/logx"
)

// Ledger is the subset of ledger.Ledger the poller needs.
type Ledger interface {
	Load(ctx context.Context) (int, error)
	Contains(id string) bool
	Mark(ctx context.Context, id string) error
	Len() int
}

type Option func(*Poller)

// WithClock replaces time.Now (tests).
func WithClock(now func() time.Time) Option { return func(p *Poller) { p.now = now } }

// WithReportHook is called after every cycle, including failed ones.
func WithReportHook(fn func(CycleReport)) Option { return func(p *Poller) { p.onReport = fn } }

// WithWait replaces the interruptible sleep between cycles (tests).
func WithWait(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.wait = fn }
}

type Poller struct {
	snapshot func() *Snapshot
	ledger   Ledger
	notify   Notifier
	log      logx.Logger
	now      func() time.Time
	wait     func(ctx context.Context, d time.Duration) error
	onReport func(CycleReport)

	mu   sync.RWMutex
	last CycleReport
}

// New builds a poller. snapshot is called once at the start of every cycle.
func New(snapshot func() *Snapshot, l Ledger, n Notifier, log logx.Logger, opts ...Option) *Poller {
	p := &Poller{
		snapshot: snapshot,
		ledger:   l,
		notify:   n,
		log:      log,
		now:      time.Now,
		wait:     sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Last returns the most recent cycle report (zero before the first cycle).
func (p *Poller) Last() CycleReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Run scans until ctx is done. After a systemic failure the next cycle is
// delayed by min(interval*failures, max_backoff); otherwise the schedule
// decides.
func (p *Poller) Run(ctx context.Context) error {
	failures := 0
	for {
		rep := p.RunCycle(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if rep.Systemic() {
			failures++
		} else {
			failures = 0
		}
		metrics.ConsecutiveFailures.Set(float64(failures))

		d := p.nextWait(p.snapshot(), failures)
		if failures > 0 {
			p.log.Warn("systemic failure; backing off",
				logx.Int("failures", failures),
				logx.Duration("wait", d),
				logx.Err(rep.Err),
			)
		} else {
			p.log.Debug("next cycle scheduled", logx.Duration("wait", d))
		}
		if err := p.wait(ctx, d); err != nil {
			return nil
		}
	}
}

func (p *Poller) nextWait(snap *Snapshot, failures int) time.Duration {
	interval := snap.Poll.IntervalDuration()
	if failures > 0 {
		return Backoff(interval, snap.Poll.MaxBackoffDuration(), failures)
	}
	sched, err := snap.Poll.ParseSchedule()
	if err != nil {
		return interval
	}
	now := p.now()
	if d := sched.Next(now).Sub(now); d > 0 {
		return d
	}
	return interval
}

// Backoff returns min(interval*failures, max).
func Backoff(interval, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return interval
	}
	d := interval * time.Duration(failures)
	if d > max || d/time.Duration(failures) != interval {
		return max
	}
	return d
}

// RunCycle scans every tenant once. It never panics; a tenant whose scan
// panics is reported as a transport error and the others still run.
func (p *Poller) RunCycle(ctx context.Context) (rep CycleReport) {
	rep.ID = uuid.NewString()
	rep.StartedAt = p.now()
	log := p.log.With(logx.String("cycle", rep.ID))

	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("cycle panic: %v", r)
			log.Error("cycle panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
		rep.FinishedAt = p.now()
		p.finish(log, rep)
	}()

	snap := p.snapshot()
	rep.Since = p.since(log, snap)

	if pruned, err := p.ledger.Load(ctx); err != nil {
		log.Warn("ledger load failed", logx.Err(err))
	} else if pruned > 0 {
		log.Info("ledger pruned", logx.Int("removed", pruned))
	}
	metrics.LedgerEntries.Set(float64(p.ledger.Len()))

	rep.Tenants = make([]TenantResult, len(snap.Tenants))
	workers := snap.Poll.Workers
	if workers <= 1 {
		for i, t := range snap.Tenants {
			if ctx.Err() != nil {
				break
			}
			rep.Tenants[i] = p.scanTenant(ctx, log, snap, t, rep.Since)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(workers)
		for i, t := range snap.Tenants {
			g.Go(func() error {
				rep.Tenants[i] = p.scanTenant(ctx, log, snap, t, rep.Since)
				return nil
			})
		}
		_ = g.Wait()
	}
	for i := range rep.Tenants {
		if rep.Tenants[i].Tenant == "" {
			rep.Tenants[i] = TenantResult{
				Tenant: snap.Tenants[i].Name,
				Status: StatusTransportError,
				Err:    context.Cause(ctx),
			}
		}
	}
	metrics.LedgerEntries.Set(float64(p.ledger.Len()))
	return rep
}

func (p *Poller) finish(log logx.Logger, rep CycleReport) {
	outcome := "ok"
	if rep.Systemic() {
		outcome = "systemic_failure"
	}
	metrics.CyclesTotal.WithLabelValues(outcome).Inc()
	metrics.CycleDuration.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())

	tot := rep.Totals()
	log.Info("cycle finished",
		logx.String("outcome", outcome),
		logx.String("since", mailbox.FormatSince(rep.Since)),
		logx.Int("tenants", len(rep.Tenants)),
		logx.Int("found", tot.Found),
		logx.Int("skipped", tot.Skipped),
		logx.Int("rejected", tot.Rejected),
		logx.Int("sent", tot.Sent),
		logx.Int("failed", tot.Failed),
		logx.Duration("took", rep.FinishedAt.Sub(rep.StartedAt)),
	)

	p.mu.Lock()
	p.last = rep
	p.mu.Unlock()
	if p.onReport != nil {
		p.onReport(rep)
	}
}

// since is the configured start date or, when unset or malformed, yesterday.
func (p *Poller) since(log logx.Logger, snap *Snapshot) time.Time {
	t, ok, err := snap.Poll.StartDateValue()
	if err != nil {
		log.Warn("invalid start date; using yesterday", logx.String("start_date", snap.Poll.StartDate), logx.Err(err))
	}
	if ok {
		return t
	}
	y := p.now().AddDate(0, 0, -1)
	return time.Date(y.Year(), y.Month(), y.Day(), 0, 0, 0, 0, y.Location())
}

func (p *Poller) scanTenant(ctx context.Context, cycleLog logx.Logger, snap *Snapshot, t tenant.Tenant, since time.Time) (res TenantResult) {
	start := p.now()
	res = TenantResult{Tenant: t.Name, Status: StatusOK}
	log := cycleLog.With(logx.String("tenant", t.Name))

	defer func() {
		res.Duration = p.now().Sub(start)
		metrics.TenantScans.WithLabelValues(t.Name, string(res.Status)).Inc()
		if res.Err != nil {
			log.Warn("tenant scan failed", logx.String("status", string(res.Status)), logx.Err(res.Err))
		} else {
			log.Debug("tenant scanned",
				logx.String("status", string(res.Status)),
				logx.Int("found", res.Found),
				logx.Int("sent", res.Sent),
			)
		}
	}()
	// Runs before the reporting defer above, so a panicking tenant is
	// reported as a transport error and the cycle carries on.
	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusTransportError
			res.Err = fmt.Errorf("tenant scan panic: %v", r)
			log.Error("tenant scan panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	sess, err := snap.Dialer.Dial(ctx, mailbox.Credentials{Address: t.Address, Secret: t.Credential})
	if err != nil {
		res.Status, res.Err = StatusTransportError, err
		return res
	}
	defer func() {
		if err := sess.Logout(); err != nil {
			log.Debug("logout failed", logx.Err(err))
		}
	}()

	seqs, err := sess.Search(ctx, since)
	if err != nil {
		res.Status, res.Err = StatusTransportError, err
		return res
	}
	res.Found = len(seqs)

	for _, seq := range seqs {
		if ctx.Err() != nil {
			res.Err = ctx.Err()
			res.Status = StatusPartial
			return res
		}
		if err := p.processMessage(ctx, log, snap, t, sess, seq, &res); err != nil {
			if errors.Is(err, context.Canceled) {
				res.Err = err
				res.Status = StatusPartial
				return res
			}
			res.MessageErrors++
			res.Status = StatusPartial
			metrics.MessagesTotal.WithLabelValues(t.Name, "error").Inc()
			log.Warn("message failed", logx.Uint32("seq", seq), logx.Err(err))
		}
	}
	return res
}

func (p *Poller) processMessage(ctx context.Context, log logx.Logger, snap *Snapshot, t tenant.Tenant, sess mailbox.Session, seq uint32, res *TenantResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message %d: %v", seq, r)
			log.Error("message processing panicked", logx.Uint32("seq", seq), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	raw, err := sess.Fetch(ctx, seq)
	if err != nil {
		return err
	}
	msg := snap.Normalizer.Normalize(t.Address, raw)
	if p.ledger.Contains(msg.ID) {
		res.Skipped++
		metrics.MessagesTotal.WithLabelValues(t.Name, "skipped").Inc()
		return nil
	}

	result := "no_match"
	if !match.SenderAllowed(t, msg.Sender) {
		res.Rejected++
		result = "rejected"
		log.Debug("sender not allowed", logx.String("id", msg.ID), logx.String("sender", msg.Sender))
	} else if phrases := match.Matches(t, msg.Subject, msg.Body); len(phrases) > 0 {
		result = "matched"
		log.Info("billing alert matched",
			logx.String("id", msg.ID),
			logx.String("subject", msg.Subject),
			logx.Strings("matches", phrases),
		)
		sent := p.notify.Send(ctx, t, notifier.Alert{
			From:    msg.From,
			Subject: msg.Subject,
			Excerpt: msg.Body,
			Matches: phrases,
		})
		// Shutdown interrupted the send; leave the message for the next run.
		if !sent && ctx.Err() != nil {
			return ctx.Err()
		}
		if sent {
			res.Sent++
		} else {
			res.Failed++
		}
	}
	metrics.MessagesTotal.WithLabelValues(t.Name, result).Inc()

	if err := p.ledger.Mark(ctx, msg.ID); err != nil {
		log.Warn("ledger write failed", logx.String("id", msg.ID), logx.Err(err))
	}
	res.Processed++
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
