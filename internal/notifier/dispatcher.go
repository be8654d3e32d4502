package notifier

import (
	"context"
	"net/http"
	"sync"
	"time"

	"paywatch/internal/metrics"
	"paywatch/internal/tenant"
	logx "paywatch/pkg/logx"

	"golang.org/x/time/rate"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Dispatcher sends alerts. Safe for concurrent use; a rate-limit wait only
// blocks the calling goroutine.
type Dispatcher struct {
	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	http  *http.Client
	sleep SleepFunc
	log   logx.Logger
}

type Option func(*Dispatcher)

func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.http = c }
}

// WithSleep replaces the backoff sleeper (tests record durations with it).
func WithSleep(fn SleepFunc) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		http:  &http.Client{},
		sleep: sleepCtx,
		log:   log,
	}
	for _, o := range opts {
		o(d)
	}
	d.Apply(cfg)
	return d
}

// Apply swaps the delivery settings (config reload).
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cfg = cfg
	d.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

func (d *Dispatcher) snapshot() (Config, *rate.Limiter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg, d.limiter
}

// Send formats and delivers one alert. It reports whether Telegram accepted
// it. Failures are logged here; callers only count them.
func (d *Dispatcher) Send(ctx context.Context, t tenant.Tenant, a Alert) bool {
	cfg, lim := d.snapshot()
	log := d.log.With(logx.String("tenant", t.Name), logx.String("chat", t.Destination()))

	payload := sendMessageRequest{
		ChatID:                t.ChatID,
		Text:                  Format(t, a),
		MessageThreadID:       t.ThreadID,
		DisableWebPagePreview: true,
	}

	rateLimited := 0
	for attempt := 1; attempt <= cfg.Attempts; {
		if err := lim.Wait(ctx); err != nil {
			log.Warn("telegram send aborted", logx.Err(err))
			return d.failed(t)
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		res, err := d.postSendMessage(callCtx, cfg, payload)
		cancel()

		switch {
		case err == nil && res.delivered():
			log.Info("telegram alert sent", logx.Int("attempt", attempt))
			metrics.AlertsTotal.WithLabelValues(t.Name, "sent").Inc()
			return true

		case err == nil && res.status == http.StatusTooManyRequests:
			rateLimited++
			metrics.RateLimitWaits.Inc()
			if rateLimited > cfg.MaxRateLimitWaits {
				log.Error("telegram rate limit persists; giving up", logx.Int("waits", rateLimited-1))
				return d.failed(t)
			}
			log.Warn("telegram rate limited, waiting", logx.Duration("retry_after", res.retryAfter))
			if err := d.sleep(ctx, res.retryAfter); err != nil {
				return d.failed(t)
			}
			continue

		case err == nil && res.status < 500:
			log.Error("telegram rejected alert",
				logx.Int("http", res.status),
				logx.String("description", res.description),
			)
			return d.failed(t)
		}

		if err != nil {
			log.Error("telegram send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", cfg.Attempts))
		} else {
			log.Error("telegram send failed",
				logx.Int("http", res.status),
				logx.String("description", res.description),
				logx.Int("attempt", attempt),
				logx.Int("max", cfg.Attempts),
			)
		}
		if attempt < cfg.Attempts {
			if err := d.sleep(ctx, backoff(attempt)); err != nil {
				return d.failed(t)
			}
		}
		attempt++
	}

	log.Error("telegram alert FAILED after all attempts", logx.Int("attempts", cfg.Attempts))
	return d.failed(t)
}

func (d *Dispatcher) failed(t tenant.Tenant) bool {
	metrics.AlertsTotal.WithLabelValues(t.Name, "failed").Inc()
	return false
}

// backoff returns 2^attempt seconds, attempt starting at 1.
func backoff(attempt int) time.Duration {
	if attempt > 10 {
		attempt = 10
	}
	return time.Duration(1<<attempt) * time.Second
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
