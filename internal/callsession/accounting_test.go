package callsession

import (
	"context"
	"errors"
	"testing"

	"github.com/flowpbx/sbc-outbound/internal/database/models"
)

func admissionRequest(accountSid string) *Request {
	req := &Request{Method: "INVITE", CallID: "inbound-1"}
	if accountSid != "" {
		req.Headers = append(req.Headers, Header{Name: HeaderAccountSid, Value: accountSid})
	}
	return req
}

func TestAdmit(t *testing.T) {
	tests := []struct {
		name       string
		accountSid string
		limits     *models.CallLimits
		capacities []models.AccountCapacity
		minLimit   int
		inProgress int64
		lookupErr  error
		wantStatus int
		wantCount  int64
	}{
		{
			name:       "missing account header",
			wantStatus: 403,
		},
		{
			name:       "unknown account",
			accountSid: "acct-9",
			wantStatus: 403,
		},
		{
			name:       "lookup failure",
			accountSid: "acct-1",
			lookupErr:  errors.New("db down"),
			wantStatus: 500,
		},
		{
			name:       "unlimited",
			accountSid: "acct-1",
			inProgress: 40,
			wantCount:  41,
		},
		{
			name:       "account limit reached",
			accountSid: "acct-1",
			limits:     &models.CallLimits{AccountLimit: 2},
			inProgress: 2,
			wantStatus: 503,
			wantCount:  2,
		},
		{
			name:       "capacity overrides configured limit",
			accountSid: "acct-1",
			limits:     &models.CallLimits{AccountLimit: 2},
			capacities: []models.AccountCapacity{{AccountSid: "acct-1", Category: "voice_call_session", Quantity: 10}},
			inProgress: 2,
			wantCount:  3,
		},
		{
			name:       "limit raised to minimum",
			accountSid: "acct-1",
			limits:     &models.CallLimits{AccountLimit: 1},
			minLimit:   5,
			inProgress: 3,
			wantCount:  4,
		},
		{
			name:       "service provider limit reached",
			accountSid: "acct-1",
			limits:     &models.CallLimits{ServiceProviderLimit: 1},
			inProgress: 1,
			wantStatus: 503,
			wantCount:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := newFakeCounter()
			counter.counts["acct-1:sessions"] = tt.inProgress
			counter.counts["sp-1:sessions"] = tt.inProgress
			alerts := &fakeAlerts{}
			accounts := &fakeAccounts{
				accounts: map[string]*models.Account{
					"acct-1": {AccountSid: "acct-1", ServiceProviderSid: "sp-1"},
				},
				limits:     tt.limits,
				capacities: tt.capacities,
				err:        tt.lookupErr,
			}
			a := NewAdmission(accounts, counter, alerts, AdmissionOptions{
				TrackAccount:         true,
				TrackServiceProvider: true,
				MinCallLimit:         tt.minLimit,
			}, testLogger)

			admitted, err := a.Admit(context.Background(), admissionRequest(tt.accountSid), nil)
			if tt.wantStatus != 0 {
				if got := sipStatus(err); got != tt.wantStatus {
					t.Fatalf("Admit() error = %v, want status %d", err, tt.wantStatus)
				}
			} else if err != nil {
				t.Fatalf("Admit() error: %v", err)
			} else if admitted.Account.AccountSid != "acct-1" {
				t.Errorf("admitted account = %q", admitted.Account.AccountSid)
			}

			if tt.accountSid == "acct-1" && tt.lookupErr == nil {
				if got := counter.get("acct-1:sessions"); got != tt.wantCount {
					t.Errorf("account sessions = %d, want %d", got, tt.wantCount)
				}
			}
			if tt.wantStatus == 503 && len(alerts.alerts) != 1 {
				t.Errorf("alerts = %d, want 1", len(alerts.alerts))
			}
		})
	}
}

func TestAdmitLimitHeader(t *testing.T) {
	counter := newFakeCounter()
	counter.counts["acct-1:sessions"] = 5
	accounts := &fakeAccounts{
		accounts: map[string]*models.Account{"acct-1": {AccountSid: "acct-1"}},
		limits:   &models.CallLimits{AccountLimit: 5},
	}
	a := NewAdmission(accounts, counter, nil, AdmissionOptions{TrackAccount: true}, testLogger)

	_, err := a.Admit(context.Background(), admissionRequest("acct-1"), nil)
	var se *SIPError
	if !errors.As(err, &se) {
		t.Fatalf("Admit() error = %v, want *SIPError", err)
	}
	if se.Reason != "Maximum Calls In Progress" {
		t.Errorf("reason = %q", se.Reason)
	}
	if len(se.Headers) != 1 || se.Headers[0].Name != HeaderReason {
		t.Errorf("headers = %v, want X-Reason", se.Headers)
	}
}

func TestAdmitAfterCancel(t *testing.T) {
	counter := newFakeCounter()
	accounts := &fakeAccounts{
		accounts: map[string]*models.Account{"acct-1": {AccountSid: "acct-1", ServiceProviderSid: "sp-1"}},
	}
	a := NewAdmission(accounts, counter, nil, AdmissionOptions{TrackAccount: true, TrackServiceProvider: true}, testLogger)
	canceled := make(chan struct{})
	close(canceled)

	admitted, err := a.Admit(context.Background(), admissionRequest("acct-1"), canceled)
	if !errors.Is(err, ErrCanceled) {
		t.Fatalf("Admit() error = %v, want ErrCanceled", err)
	}
	if admitted != nil {
		t.Errorf("admitted = %+v, want nil", admitted)
	}
	if counter.incrs != 0 || counter.decrs != 0 {
		t.Errorf("incr/decr = %d/%d, want 0/0", counter.incrs, counter.decrs)
	}
}

func TestLedger(t *testing.T) {
	ctx := context.Background()

	t.Run("release is idempotent", func(t *testing.T) {
		counter := newFakeCounter()
		l := newLedger(counter, []string{"a:sessions", "b:sessions"}, testLogger)
		if _, err := l.Increment(ctx); err != nil {
			t.Fatalf("Increment() error: %v", err)
		}
		l.Release(ctx)
		l.Release(ctx)
		if counter.decrs != 2 {
			t.Errorf("decrements = %d, want 2", counter.decrs)
		}
		if counter.get("a:sessions") != 0 || counter.get("b:sessions") != 0 {
			t.Errorf("counters = %v, want zero", counter.counts)
		}
	})

	t.Run("release before increment", func(t *testing.T) {
		counter := newFakeCounter()
		l := newLedger(counter, []string{"a:sessions"}, testLogger)
		l.Release(ctx)
		if _, err := l.Increment(ctx); err != nil {
			t.Fatalf("Increment() error: %v", err)
		}
		if counter.incrs != 0 || counter.decrs != 0 {
			t.Errorf("incr/decr = %d/%d, want 0/0", counter.incrs, counter.decrs)
		}
	})

	t.Run("nil ledger", func(t *testing.T) {
		var l *Ledger
		l.Release(ctx)
	})
}

func TestRegistryIdle(t *testing.T) {
	r := NewRegistry()
	select {
	case <-r.Idle():
	default:
		t.Fatal("new registry not idle")
	}

	a := &Session{id: "s1", callID: "c1"}
	b := &Session{id: "s2", callID: "c2"}
	r.Add(a)
	r.Add(b)
	idle := r.Idle()
	if got, ok := r.ByCallID("c2"); !ok || got != b {
		t.Errorf("ByCallID(c2) = %v, %v", got, ok)
	}

	if r.Remove(a) {
		t.Error("Remove(a) reported empty with one call left")
	}
	select {
	case <-idle:
		t.Fatal("idle signaled with a call still active")
	default:
	}
	if !r.Remove(b) {
		t.Error("Remove(b) did not report empty")
	}
	select {
	case <-idle:
	default:
		t.Error("idle not signaled after last call")
	}
	if r.Remove(b) {
		t.Error("second Remove(b) reported a transition")
	}
}
