package poller

import (
	"context"
	"time"

	"paywatch/internal/config"
	"paywatch/internal/mailbox"
	"paywatch/internal/normalize"
	"paywatch/internal/notifier"
	"paywatch/internal/tenant"
)

type Status string

const (
	StatusOK             Status = "ok"
	StatusPartial        Status = "partial"
	StatusTransportError Status = "transport_error"
)

// TenantResult is the outcome of one tenant's scan in one cycle.
type TenantResult struct {
	Tenant        string        `json:"tenant"`
	Status        Status        `json:"status"`
	Found         int           `json:"found"`
	Processed     int           `json:"processed"`
	Skipped       int           `json:"skipped"`
	Rejected      int           `json:"rejected"`
	Sent          int           `json:"sent"`
	Failed        int           `json:"failed"`
	MessageErrors int           `json:"message_errors"`
	Duration      time.Duration `json:"duration"`
	Err           error         `json:"-"`
}

// CycleReport summarizes one pass over all tenants.
type CycleReport struct {
	ID         string         `json:"id"`
	Since      time.Time      `json:"since"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Tenants    []TenantResult `json:"tenants"`
	Err        error          `json:"-"`
}

// Systemic reports whether the whole cycle failed: it panicked, or every
// tenant ended with a transport error.
func (r CycleReport) Systemic() bool {
	if r.Err != nil {
		return true
	}
	if len(r.Tenants) == 0 {
		return false
	}
	for _, t := range r.Tenants {
		if t.Status != StatusTransportError {
			return false
		}
	}
	return true
}

// Totals sums per-tenant counters.
func (r CycleReport) Totals() TenantResult {
	var sum TenantResult
	for _, t := range r.Tenants {
		sum.Found += t.Found
		sum.Processed += t.Processed
		sum.Skipped += t.Skipped
		sum.Rejected += t.Rejected
		sum.Sent += t.Sent
		sum.Failed += t.Failed
		sum.MessageErrors += t.MessageErrors
	}
	return sum
}

// Snapshot is the immutable configuration a cycle runs with. A reload
// publishes a new Snapshot; the running cycle keeps the one it started with.
type Snapshot struct {
	Tenants    []tenant.Tenant
	Dialer     mailbox.Dialer
	Normalizer *normalize.Normalizer
	Poll       config.PollConfig
}

// Notifier delivers one alert. It reports whether delivery succeeded.
type Notifier interface {
	Send(ctx context.Context, t tenant.Tenant, a notifier.Alert) bool
}
