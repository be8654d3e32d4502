// Package app wires configuration, storage, mailboxes and the notifier into
// a running poll loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"paywatch/internal/config"
	"paywatch/internal/ledger"
	"paywatch/internal/mailbox"
	"paywatch/internal/notifier"
	"paywatch/internal/opsserver"
	"paywatch/internal/poller"
	"paywatch/internal/runtime/supervisor"
	"paywatch/internal/storage"
	"paywatch/internal/tenant"
	logx "paywatch/pkg/logx"
)

const (
	verifyTimeout = 15 * time.Second
	stopTimeout   = 10 * time.Second
)

type Option func(*options)

type options struct {
	lookup config.LookupFunc
	notify func(state string)
}

// WithLookup replaces the environment source (tests).
func WithLookup(fn config.LookupFunc) Option { return func(o *options) { o.lookup = fn } }

// WithNotify replaces sd_notify (tests).
func WithNotify(fn func(state string)) Option { return func(o *options) { o.notify = fn } }

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	root logx.Logger
	log  logx.Logger

	store  storage.Store
	ledger *ledger.Ledger
	disp   *notifier.Dispatcher
	poll   *poller.Poller

	notify func(state string)

	snap    atomic.Pointer[poller.Snapshot]
	oauthMu sync.Mutex
	oauth   *mailbox.OAuthAuth
	applied *config.Config
}

// New loads and validates the configuration, verifies the bot token and opens
// the ledger. Errors wrapping config.ErrInvalid or tenant.ErrInvalid are
// configuration problems.
func New(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	o := options{notify: sdNotify}
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath)
	if o.lookup != nil {
		cfgm.SetLookup(o.lookup)
	}
	// Tenant lists are checked on every load and reload.
	cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := tenant.FromConfig(cfg)
		return err
	})
	cfg, err := cfgm.Load(ctx)
	if err != nil {
		return nil, err
	}
	reg, err := tenant.FromConfig(cfg)
	if err != nil {
		return nil, err
	}

	logs, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	cfgm.SetLogger(root.With(logx.String("comp", "config")))

	if !cfg.Telegram.SkipVerify {
		vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
		name, err := notifier.VerifyToken(vctx, mapNotifierConfig(cfg))
		cancel()
		switch {
		case errors.Is(err, notifier.ErrTokenRejected):
			_ = logs.Close()
			return nil, err
		case err != nil:
			log.Warn("bot token check failed; continuing", logx.Err(err))
		default:
			log.Info("bot token verified", logx.String("bot", name))
		}
	}

	store, err := storage.Open(ctx, mapStorageConfig(cfg), root.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		root:    root,
		log:     log,
		store:   store,
		ledger:  ledger.New(store, cfg.Ledger.Retention(), root.With(logx.String("comp", "ledger"))),
		disp:    notifier.New(mapNotifierConfig(cfg), root.With(logx.String("comp", "notifier"))),
		notify:  o.notify,
		applied: cfg,
	}
	a.swapSnapshot(cfg, reg)
	a.poll = poller.New(a.snap.Load, a.ledger, a.disp, root.With(logx.String("comp", "poller")),
		poller.WithReportHook(a.onReport))

	log.Info("paywatch configured",
		logx.Int("tenants", reg.Len()),
		logx.String("imap", cfg.IMAP.Server),
		logx.String("auth", cfg.IMAP.Auth),
		logx.String("ledger", cfg.Ledger.Driver),
		logx.String("interval", cfg.Poll.IntervalDuration().String()),
		logx.String("schedule", cfg.Poll.Schedule),
	)
	return a, nil
}

// Poller exposes the poll loop (tests and one-shot runs).
func (a *App) Poller() *poller.Poller { return a.poll }

// Snapshot returns the configuration the next cycle will use.
func (a *App) Snapshot() *poller.Snapshot { return a.snap.Load() }

func (a *App) swapSnapshot(cfg *config.Config, reg *tenant.Registry) {
	a.oauthMu.Lock()
	dialer, auth := mapDialer(cfg, a.oauth)
	a.oauth = auth
	a.oauthMu.Unlock()
	a.snap.Store(buildSnapshot(cfg, reg, dialer))
}

// Run starts the poll loop, the config watcher and the optional ops server,
// and blocks until ctx is cancelled or a task fails.
func (a *App) Run(ctx context.Context) error {
	sup := supervisor.New(ctx, supervisor.WithLogger(a.root.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))
	opsAddr := strings.TrimSpace(a.applied.Ops.Addr)

	sub := a.cfgm.Subscribe(4)
	sup.Go("config.apply", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-sub:
				if !ok {
					return nil
				}
				a.applyConfig(cfg)
			}
		}
	})
	sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)
	sup.Go("poller", a.poll.Run)

	if opsAddr != "" {
		ops := opsserver.New(opsAddr, a.poll, sup.Tasks, a.root.With(logx.String("comp", "ops")),
			opsserver.WithPprof(a.applied.Ops.Pprof))
		sup.Go("ops", ops.Run)
	}

	a.notify(daemon.SdNotifyReady)
	a.log.Info("paywatch started")

	<-sup.Context().Done()
	reason := "shutdown requested"
	if err := sup.Err(); err != nil {
		reason = err.Error()
	}
	a.log.Info("paywatch stopping", logx.String("reason", reason))
	a.notify(daemon.SdNotifyStopping)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	err := sup.Stop(stopCtx)
	if cerr := a.store.Close(); cerr != nil {
		a.log.Warn("ledger store close failed", logx.Err(cerr))
	}
	a.log.Info("paywatch stopped")
	_ = a.logs.Close()
	return err
}

// applyConfig swaps in a validated reload. The ledger location needs a restart.
func (a *App) applyConfig(cfg *config.Config) {
	reg, err := tenant.FromConfig(cfg)
	if err != nil {
		// Already checked by the manager's validator.
		a.log.Warn("reloaded tenants invalid; keeping previous", logx.Err(err))
		return
	}
	a.notify(daemon.SdNotifyReloading)
	defer a.notify(daemon.SdNotifyReady)

	a.logs.Apply(mapLogConfig(cfg))
	a.disp.Apply(mapNotifierConfig(cfg))
	a.ledger.SetRetention(cfg.Ledger.Retention())
	a.swapSnapshot(cfg, reg)

	if ledgerChanged(a.applied, cfg) {
		a.log.Warn("ledger config changed; restart required for it to take effect")
	}
	if a.applied.Ops != cfg.Ops {
		a.log.Warn("ops config changed; restart required for it to take effect")
	}
	a.applied = cfg
	a.log.Info("configuration applied", logx.Int("tenants", reg.Len()))
}

func (a *App) onReport(rep poller.CycleReport) {
	tot := rep.Totals()
	status := fmt.Sprintf("STATUS=cycle %s: %d tenants, %d found, %d alerts sent, %d failed",
		rep.FinishedAt.Format(time.RFC3339), len(rep.Tenants), tot.Found, tot.Sent, tot.Failed)
	if rep.Systemic() {
		status = fmt.Sprintf("STATUS=cycle %s: all mailboxes unreachable", rep.FinishedAt.Format(time.RFC3339))
	}
	a.notify(status)
}

func sdNotify(state string) {
	_, _ = daemon.SdNotify(false, state)
}
