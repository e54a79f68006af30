package callsession

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/sbc-outbound/internal/cache"
	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

// Headers consulted at admission.
const (
	HeaderAccountSid     = "X-Account-Sid"
	HeaderApplicationSid = "X-Application-Sid"
	HeaderReason         = "X-Reason"
	HeaderCallSid        = "X-Call-Sid"
	HeaderRecordAll      = "X-Record-All-Calls"
)

const capacityVoiceCallSession = "voice_call_session"

// Counter is the shared atomic counter service.
type Counter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Decr(ctx context.Context, key string) (int64, error)
}

// AccountLookup is the part of the account store used at admission.
type AccountLookup interface {
	LookupAccountBySid(ctx context.Context, accountSid string) (*models.Account, error)
	LookupAccountCapacitiesBySid(ctx context.Context, accountSid string) ([]models.AccountCapacity, error)
	QueryCallLimits(ctx context.Context, serviceProviderSid, accountSid string) (*models.CallLimits, error)
}

// AlertWriter records operator alerts.
type AlertWriter interface {
	WriteAlert(ctx context.Context, alert *models.Alert) error
}

// AdmissionOptions selects which counters are kept.
type AdmissionOptions struct {
	TrackAccount         bool
	TrackServiceProvider bool
	TrackApplication     bool
	MinCallLimit         int
}

// Admitted is the outcome of a successful admission.
type Admitted struct {
	Account        *models.Account
	ApplicationSid string
	Ledger         *Ledger
}

// Admission authenticates the originating account and enforces concurrent
// call limits.
type Admission struct {
	accounts AccountLookup
	counter  Counter
	alerts   AlertWriter
	opts     AdmissionOptions
	logger   *slog.Logger
}

// NewAdmission creates an Admission. alerts may be nil.
func NewAdmission(accounts AccountLookup, counter Counter, alerts AlertWriter, opts AdmissionOptions, logger *slog.Logger) *Admission {
	return &Admission{
		accounts: accounts,
		counter:  counter,
		alerts:   alerts,
		opts:     opts,
		logger:   logger.With("subsystem", "admission"),
	}
}

// Admit looks up the account named in req and increments the in-progress
// counters. Rejections are returned as *SIPError; the counters are already
// restored in that case. If canceled is already closed nothing is counted
// and ErrCanceled is returned.
func (a *Admission) Admit(ctx context.Context, req *Request, canceled <-chan struct{}) (*Admitted, error) {
	accountSid := req.Header(HeaderAccountSid)
	if accountSid == "" {
		return nil, &SIPError{Status: 403, Reason: "Forbidden",
			Headers: []Header{{Name: HeaderReason, Value: "missing X-Account-Sid"}}}
	}
	account, err := a.accounts.LookupAccountBySid(ctx, accountSid)
	if err != nil {
		a.logger.Error("account lookup failed", "account_sid", accountSid, "error", err)
		return nil, &SIPError{Status: 500, Reason: "Server Internal Error"}
	}
	if account == nil {
		return nil, &SIPError{Status: 403, Reason: "Forbidden",
			Headers: []Header{{Name: HeaderReason, Value: "unknown account"}}}
	}

	appSid := req.Header(HeaderApplicationSid)
	var keys []string
	if a.opts.TrackAccount {
		keys = append(keys, cache.SessionsKey(account.AccountSid))
	}
	if a.opts.TrackServiceProvider && account.ServiceProviderSid != "" {
		keys = append(keys, cache.SessionsKey(account.ServiceProviderSid))
	}
	if a.opts.TrackApplication && appSid != "" {
		keys = append(keys, cache.SessionsKey(appSid))
	}

	ledger := newLedger(a.counter, keys, a.logger)
	select {
	case <-canceled:
		ledger.Release(ctx)
		a.logger.Debug("caller canceled before admission", "call_id", req.CallID)
		return nil, ErrCanceled
	default:
	}
	counts, err := ledger.Increment(ctx)
	if err != nil {
		ledger.Release(ctx)
		a.logger.Error("incrementing call counters failed", "account_sid", account.AccountSid, "error", err)
		return nil, &SIPError{Status: 500, Reason: "Server Internal Error"}
	}

	if err := a.checkLimits(ctx, account, counts); err != nil {
		ledger.Release(ctx)
		return nil, err
	}
	return &Admitted{Account: account, ApplicationSid: appSid, Ledger: ledger}, nil
}

func (a *Admission) checkLimits(ctx context.Context, account *models.Account, counts map[string]int64) error {
	accountCount := counts[cache.SessionsKey(account.AccountSid)]
	spCount := counts[cache.SessionsKey(account.ServiceProviderSid)]
	if accountCount <= int64(a.opts.MinCallLimit) && spCount <= int64(a.opts.MinCallLimit) {
		return nil
	}

	limits, err := a.accounts.QueryCallLimits(ctx, account.ServiceProviderSid, account.AccountSid)
	if err != nil {
		a.logger.Error("call limit lookup failed", "account_sid", account.AccountSid, "error", err)
		return nil
	}
	if limits == nil {
		limits = &models.CallLimits{}
	}
	capacities, err := a.accounts.LookupAccountCapacitiesBySid(ctx, account.AccountSid)
	if err != nil {
		a.logger.Warn("account capacity lookup failed", "account_sid", account.AccountSid, "error", err)
	}
	for _, c := range capacities {
		if c.Category == capacityVoiceCallSession {
			limits.AccountLimit = c.Quantity
		}
	}
	accountLimit := a.raise(limits.AccountLimit)
	spLimit := a.raise(limits.ServiceProviderLimit)

	switch {
	case a.opts.TrackAccount && accountLimit > 0 && accountCount > int64(accountLimit):
		return a.reject(ctx, account, account.AccountSid, "account", accountCount, accountLimit)
	case a.opts.TrackServiceProvider && spLimit > 0 && spCount > int64(spLimit):
		return a.reject(ctx, account, account.ServiceProviderSid, "service provider", spCount, spLimit)
	}
	return nil
}

// raise lifts a configured limit to the minimum; zero stays unlimited.
func (a *Admission) raise(limit int) int {
	if limit > 0 && limit < a.opts.MinCallLimit {
		return a.opts.MinCallLimit
	}
	return limit
}

func (a *Admission) reject(ctx context.Context, account *models.Account, sid, scope string, count int64, limit int) error {
	a.logger.Info("call limit exceeded", "scope", scope, "sid", sid, "count", count, "limit", limit)
	if a.alerts != nil {
		alert := &models.Alert{
			AccountSid:         account.AccountSid,
			ServiceProviderSid: account.ServiceProviderSid,
			Type:               "call-limit",
			Detail:             scope + " call limit reached",
			Count:              limit,
			CreatedAt:          time.Now().UTC(),
		}
		if err := a.alerts.WriteAlert(ctx, alert); err != nil {
			a.logger.Warn("writing alert failed", "error", err)
		}
	}
	return &SIPError{Status: 503, Reason: "Maximum Calls In Progress",
		Headers: []Header{{Name: HeaderReason, Value: fmt.Sprintf("%s call limit of %d reached", scope, limit)}}}
}

// Ledger pairs the in-progress counter increments of one call with their
// decrements. Release may be called any number of times from any path; the
// counters go down exactly once. A Release that arrives before Increment
// cancels the increment.
type Ledger struct {
	counter Counter
	keys    []string
	logger  *slog.Logger

	mu          sync.Mutex
	incremented []string
	released    bool
}

func newLedger(counter Counter, keys []string, logger *slog.Logger) *Ledger {
	return &Ledger{counter: counter, keys: keys, logger: logger}
}

// Increment bumps every tracked counter and returns the new values.
func (l *Ledger) Increment(ctx context.Context) (map[string]int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	counts := make(map[string]int64, len(l.keys))
	if l.released || l.counter == nil {
		return counts, nil
	}
	for _, k := range l.keys {
		n, err := l.counter.Incr(ctx, k)
		if err != nil {
			return counts, fmt.Errorf("incrementing %s: %w", k, err)
		}
		l.incremented = append(l.incremented, k)
		counts[k] = n
	}
	return counts, nil
}

// Release decrements whatever Increment counted.
func (l *Ledger) Release(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	for _, k := range l.incremented {
		if _, err := l.counter.Decr(ctx, k); err != nil {
			l.logger.Warn("decrementing call counter failed", "key", k, "error", err)
		}
	}
	l.incremented = nil
}
