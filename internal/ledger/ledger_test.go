package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type resState struct {
	r      Reservation
	status string
}

// memStore mirrors the conditional-update semantics of the SQL store.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*domain.CreditAccount
	res      map[uuid.UUID]*resState
	costs    []CostEntry
}

func newMemStore() *memStore {
	return &memStore{accounts: map[string]*domain.CreditAccount{}, res: map[uuid.UUID]*resState{}}
}

func (m *memStore) put(orgID string, status domain.SubscriptionStatus, ceiling *int64, consumed int64) *domain.CreditAccount {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := &domain.CreditAccount{ID: uuid.New(), OrgID: orgID, Status: status, Ceiling: ceiling, Consumed: consumed}
	m.accounts[orgID+"|"] = a
	return a
}

func (m *memStore) EnsureAccount(_ context.Context, orgID, userID string, trial int64) (*domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := orgID + "|" + userID
	a, ok := m.accounts[key]
	if !ok {
		a = &domain.CreditAccount{ID: uuid.New(), OrgID: orgID, UserID: userID, Status: domain.SubscriptionTrial, Ceiling: &trial}
		m.accounts[key] = a
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) byID(id uuid.UUID) *domain.CreditAccount {
	for _, a := range m.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func (m *memStore) GetAccount(_ context.Context, id uuid.UUID) (*domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(id)
	if a == nil {
		return nil, domain.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) Reserve(_ context.Context, r Reservation, bypass bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.byID(r.AccountID)
	if a.CycleStart.Before(r.CycleStart) {
		a.Consumed = 0
		a.CycleStart = r.CycleStart
	}
	if !bypass && (!a.Status.Usable() || (a.Ceiling != nil && a.Consumed >= *a.Ceiling)) {
		return false, nil
	}
	a.Consumed++
	m.res[r.ID] = &resState{r: r, status: "reserved"}
	return true, nil
}

func (m *memStore) Commit(_ context.Context, e CostEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.res[e.ReservationID]
	if !ok || s.status != "reserved" {
		return false, nil
	}
	s.status = "committed"
	m.costs = append(m.costs, e)
	return true, nil
}

func (m *memStore) Release(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.res[id]
	if !ok || s.status != "reserved" {
		return false, nil
	}
	s.status = "released"
	a := m.byID(s.r.AccountID)
	if a.CycleStart.Equal(s.r.CycleStart) && a.Consumed > 0 {
		a.Consumed--
	}
	return true, nil
}

func (m *memStore) CostTotals(_ context.Context, id uuid.UUID, from, to time.Time) (Totals, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var t Totals
	for _, c := range m.costs {
		if c.AccountID == id && !c.CreatedAt.Before(from) && c.CreatedAt.Before(to) {
			t.Executions++
			t.InputTokens += int64(c.InputTokens)
			t.OutputTokens += int64(c.OutputTokens)
			t.CostMicros += c.CostMicros
		}
	}
	return t, nil
}

func ptr(v int64) *int64 { return &v }

var fixedNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, store Store) *Ledger {
	t.Helper()
	l, err := New(store, Options{
		Rates:        Rates{InputPerK: 2500, OutputPerK: 10000},
		TrialCredits: 10,
		OwnerBypass:  true,
		Now:          func() time.Time { return fixedNow },
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestAuthorize_ExhaustedMemberDeniedOwnerPasses(t *testing.T) {
	store := newMemStore()
	acct := store.put("K2026-003", domain.SubscriptionActive, ptr(10), 10)
	acct.CycleStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store)
	ctx := context.Background()

	_, err := l.Authorize(ctx, domain.Principal{UserID: "u1", OrgID: "K2026-003", Role: domain.RoleMember})
	var denied *DeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("error = %v, want *DeniedError", err)
	}
	if denied.Reason != CreditExhausted {
		t.Errorf("Reason = %s, want %s", denied.Reason, CreditExhausted)
	}
	if !errors.Is(err, domain.ErrDenied) {
		t.Error("errors.Is(err, ErrDenied) = false")
	}

	tok, err := l.Authorize(ctx, domain.Principal{UserID: "op", OrgID: "K2026-003", Role: domain.RoleOwner})
	if err != nil {
		t.Fatalf("owner: unexpected error: %v", err)
	}
	if !tok.Bypass {
		t.Error("owner token Bypass = false")
	}
}

func TestAuthorize_InactiveSubscription(t *testing.T) {
	for _, status := range []domain.SubscriptionStatus{domain.SubscriptionExpired, domain.SubscriptionCancelled, domain.SubscriptionSuspended} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			store.put("K1", status, nil, 0)
			l := newTestLedger(t, store)

			_, err := l.Authorize(context.Background(), domain.Principal{UserID: "u1", OrgID: "K1", Role: domain.RoleAdmin})
			var denied *DeniedError
			if !errors.As(err, &denied) || denied.Reason != SubscriptionInactive {
				t.Fatalf("error = %v, want SubscriptionInactive", err)
			}
			if denied.UserMessage() == (&DeniedError{Reason: CreditExhausted}).UserMessage() {
				t.Error("denial reasons share a user message")
			}

			if _, err := l.Authorize(context.Background(), domain.Principal{UserID: "op", OrgID: "K1", Role: domain.RoleOwner}); err != nil {
				t.Errorf("owner: unexpected error: %v", err)
			}
		})
	}
}

func TestAuthorize_TrialAccountCreated(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(t, store)
	p := domain.Principal{UserID: "solo", Role: domain.RoleMember}

	for i := 0; i < 10; i++ {
		if _, err := l.Authorize(context.Background(), p); err != nil {
			t.Fatalf("authorize %d: %v", i, err)
		}
	}
	_, err := l.Authorize(context.Background(), p)
	var denied *DeniedError
	if !errors.As(err, &denied) || denied.Reason != CreditExhausted {
		t.Fatalf("11th authorize: error = %v, want CreditExhausted", err)
	}
	acct, _ := l.Account(context.Background(), p)
	if acct.UserID != "solo" || acct.OrgID != "" {
		t.Errorf("account scoped to (%q, %q), want user-only", acct.OrgID, acct.UserID)
	}
}

func TestAuthorize_ConcurrentNeverExceedsCeiling(t *testing.T) {
	tests := []struct{ n, ceiling int }{{50, 10}, {5, 10}, {20, 20}}
	for _, tt := range tests {
		store := newMemStore()
		acct := store.put("K1", domain.SubscriptionActive, ptr(int64(tt.ceiling)), 0)
		l := newTestLedger(t, store)

		var ok, denied atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < tt.n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := l.Authorize(context.Background(), domain.Principal{UserID: "u", OrgID: "K1", Role: domain.RoleMember})
				if err == nil {
					ok.Add(1)
				} else if errors.Is(err, domain.ErrDenied) {
					denied.Add(1)
				}
			}()
		}
		wg.Wait()

		want := min(tt.n, tt.ceiling)
		if int(ok.Load()) != want {
			t.Errorf("n=%d ceiling=%d: %d succeeded, want %d", tt.n, tt.ceiling, ok.Load(), want)
		}
		if int(ok.Load()+denied.Load()) != tt.n {
			t.Errorf("n=%d: %d unaccounted results", tt.n, tt.n-int(ok.Load()+denied.Load()))
		}
		got, _ := store.GetAccount(context.Background(), acct.ID)
		if got.Consumed != int64(want) {
			t.Errorf("Consumed = %d, want %d", got.Consumed, want)
		}
	}
}

func TestRelease_RestoresConsumed(t *testing.T) {
	store := newMemStore()
	acct := store.put("K1", domain.SubscriptionActive, ptr(5), 3)
	acct.CycleStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store)
	ctx := context.Background()

	tok, err := l.Authorize(ctx, domain.Principal{UserID: "u", OrgID: "K1", Role: domain.RoleMember})
	if err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetAccount(ctx, acct.ID); got.Consumed != 4 {
		t.Fatalf("Consumed after authorize = %d, want 4", got.Consumed)
	}
	for i := 0; i < 3; i++ {
		if err := l.Release(ctx, tok); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if got, _ := store.GetAccount(ctx, acct.ID); got.Consumed != 3 {
		t.Errorf("Consumed after release = %d, want 3", got.Consumed)
	}
	if _, err := l.Commit(ctx, tok, Usage{InputTokens: 1}, "KI2GO-2026-00001", "completed"); !errors.Is(err, ErrUnknownReservation) {
		t.Errorf("commit after release: error = %v, want ErrUnknownReservation", err)
	}
}

func TestCommit_RecordsCostKeepsConsumed(t *testing.T) {
	store := newMemStore()
	acct := store.put("K1", domain.SubscriptionActive, ptr(5), 0)
	l := newTestLedger(t, store)
	ctx := context.Background()

	tok, err := l.Authorize(ctx, domain.Principal{UserID: "u", OrgID: "K1", Role: domain.RoleMember})
	if err != nil {
		t.Fatal(err)
	}
	cost, err := l.Commit(ctx, tok, Usage{InputTokens: 1200, OutputTokens: 350, Model: "gpt-4o-mini"}, "KI2GO-2026-00001", "completed")
	if err != nil {
		t.Fatal(err)
	}
	// 1200*2500/1000 + 350*10000/1000 = 3000 + 3500
	if cost != 6500 {
		t.Errorf("cost = %d, want 6500", cost)
	}
	if err := l.Release(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if got, _ := store.GetAccount(ctx, acct.ID); got.Consumed != 1 {
		t.Errorf("Consumed = %d, want 1", got.Consumed)
	}

	totals, err := l.Totals(ctx, acct.ID, fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if totals.Executions != 1 || totals.CostMicros != 6500 || totals.InputTokens != 1200 {
		t.Errorf("Totals = %+v", totals)
	}
}

func TestAuthorize_CycleRollover(t *testing.T) {
	store := newMemStore()
	acct := store.put("K1", domain.SubscriptionActive, ptr(10), 10)
	acct.CycleStart = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLedger(t, store)

	tok, err := l.Authorize(context.Background(), domain.Principal{UserID: "u", OrgID: "K1", Role: domain.RoleMember})
	if err != nil {
		t.Fatalf("new cycle should reset consumption: %v", err)
	}
	if want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC); !tok.CycleStart.Equal(want) {
		t.Errorf("CycleStart = %v, want %v", tok.CycleStart, want)
	}
	if got, _ := store.GetAccount(context.Background(), acct.ID); got.Consumed != 1 {
		t.Errorf("Consumed = %d, want 1", got.Consumed)
	}
}
