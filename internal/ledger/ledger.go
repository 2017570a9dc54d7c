// Package ledger authorizes, commits and releases metered task executions
// against per-organization credit accounts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/ki2go/internal/domain"
)

// DenyReason explains a policy rejection.
type DenyReason string

const (
	SubscriptionInactive DenyReason = "SubscriptionInactive"
	CreditExhausted      DenyReason = "CreditExhausted"
)

// DeniedError is returned by Authorize when policy rejects the execution.
type DeniedError struct {
	Reason    DenyReason
	AccountID uuid.UUID
	Status    domain.SubscriptionStatus
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("execution denied for account %s: %s", e.AccountID, e.Reason)
}

func (e *DeniedError) Is(target error) bool { return target == domain.ErrDenied }

// UserMessage tells the caller what to do about the denial.
func (e *DeniedError) UserMessage() string {
	switch e.Reason {
	case SubscriptionInactive:
		return fmt.Sprintf("Your subscription is %s. Please renew it to run tasks.", e.Status)
	case CreditExhausted:
		return "You have used all credits of your plan for this billing cycle. Upgrade your plan or wait for the next cycle."
	}
	return "This task cannot be run with your current plan."
}

// ErrUnknownReservation is returned when a token references no reservation.
var ErrUnknownReservation = errors.New("unknown reservation")

// Reservation is one credit unit held for an execution.
type Reservation struct {
	ID         uuid.UUID
	AccountID  uuid.UUID
	UserID     string
	CycleStart time.Time
	CreatedAt  time.Time
}

// CostEntry is one row of the monetary cost ledger.
type CostEntry struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	ReservationID uuid.UUID
	ProcessID     string
	Model         string
	InputTokens   int
	OutputTokens  int
	CostMicros    int64
	Outcome       string
	CreatedAt     time.Time
}

// Totals aggregates the cost ledger over a period.
type Totals struct {
	Executions   int64
	InputTokens  int64
	OutputTokens int64
	CostMicros   int64
}

// Store is the persistence the ledger relies on. Reserve, Commit and
// Release must each be a single atomic unit in the store.
type Store interface {
	// EnsureAccount returns the account for (orgID, userID), creating a
	// trial account with the given ceiling when none exists.
	EnsureAccount(ctx context.Context, orgID, userID string, trialCredits int64) (*domain.CreditAccount, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.CreditAccount, error)
	// Reserve rolls the account into r.CycleStart if it is behind, then
	// increments consumed only if the account is usable and below its
	// ceiling (unless bypass), recording r. It reports whether it reserved.
	Reserve(ctx context.Context, r Reservation, bypass bool) (bool, error)
	// Commit moves a reserved reservation to committed and appends e.
	// It reports false when the reservation was not in the reserved state.
	Commit(ctx context.Context, e CostEntry) (bool, error)
	// Release moves a reserved reservation to released and gives the
	// credit back if the account is still in the reservation's cycle.
	Release(ctx context.Context, reservationID uuid.UUID) (bool, error)
	CostTotals(ctx context.Context, accountID uuid.UUID, from, to time.Time) (Totals, error)
}

// Token references a successful authorization.
type Token struct {
	ReservationID uuid.UUID
	AccountID     uuid.UUID
	CycleStart    time.Time
	Bypass        bool
}

// Usage is what the downstream call actually consumed.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Model        string
}

// Options configures a Ledger.
type Options struct {
	Rates        Rates
	Cycle        *Cycle
	TrialCredits int64
	OwnerBypass  bool
	Now          func() time.Time
}

// Ledger enforces plan limits with single-statement reservations.
type Ledger struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New creates a Ledger.
func New(store Store, opts Options, logger *slog.Logger) (*Ledger, error) {
	if opts.Cycle == nil {
		c, err := NewCycle(DefaultCycleSpec)
		if err != nil {
			return nil, err
		}
		opts.Cycle = c
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, opts: opts, logger: logger}, nil
}

// Rates returns the configured token prices.
func (l *Ledger) Rates() Rates { return l.opts.Rates }

// Authorize reserves one credit for the principal's account.
func (l *Ledger) Authorize(ctx context.Context, p domain.Principal) (*Token, error) {
	acct, err := l.store.EnsureAccount(ctx, p.OrgID, accountUser(p), l.opts.TrialCredits)
	if err != nil {
		return nil, fmt.Errorf("loading credit account: %w", err)
	}

	bypass := l.opts.OwnerBypass && p.Role == domain.RoleOwner
	if !bypass && !acct.Status.Usable() {
		return nil, l.deny(ctx, acct, SubscriptionInactive)
	}

	now := l.opts.Now().UTC()
	r := Reservation{
		ID:         uuid.New(),
		AccountID:  acct.ID,
		UserID:     p.UserID,
		CycleStart: l.opts.Cycle.Start(now),
		CreatedAt:  now,
	}
	ok, err := l.store.Reserve(ctx, r, bypass)
	if err != nil {
		return nil, fmt.Errorf("reserving credit: %w", err)
	}
	if !ok {
		// Classify from fresh state; the status may have changed since the
		// first read.
		cur, err := l.store.GetAccount(ctx, acct.ID)
		if err != nil {
			return nil, fmt.Errorf("reloading credit account: %w", err)
		}
		if !cur.Status.Usable() {
			return nil, l.deny(ctx, cur, SubscriptionInactive)
		}
		return nil, l.deny(ctx, cur, CreditExhausted)
	}

	l.logger.DebugContext(ctx, "credit reserved",
		slog.String("account_id", acct.ID.String()),
		slog.String("reservation_id", r.ID.String()),
		slog.Bool("bypass", bypass),
	)
	return &Token{
		ReservationID: r.ID,
		AccountID:     acct.ID,
		CycleStart:    r.CycleStart,
		Bypass:        bypass,
	}, nil
}

func (l *Ledger) deny(ctx context.Context, acct *domain.CreditAccount, reason DenyReason) error {
	attrs := []any{
		slog.String("account_id", acct.ID.String()),
		slog.String("reason", string(reason)),
		slog.String("status", string(acct.Status)),
		slog.Int64("consumed", acct.Consumed),
	}
	if acct.Ceiling != nil {
		attrs = append(attrs, slog.Int64("ceiling", *acct.Ceiling))
	}
	l.logger.InfoContext(ctx, "execution denied", attrs...)
	return &DeniedError{Reason: reason, AccountID: acct.ID, Status: acct.Status}
}

// Commit finalizes the reservation and records the token-derived cost.
// The consumed counter is left as Authorize set it. It returns the cost
// in micro-units.
func (l *Ledger) Commit(ctx context.Context, tok *Token, usage Usage, processID, outcome string) (int64, error) {
	cost := l.opts.Rates.Cost(usage.InputTokens, usage.OutputTokens)
	ok, err := l.store.Commit(ctx, CostEntry{
		ID:            uuid.New(),
		AccountID:     tok.AccountID,
		ReservationID: tok.ReservationID,
		ProcessID:     processID,
		Model:         usage.Model,
		InputTokens:   usage.InputTokens,
		OutputTokens:  usage.OutputTokens,
		CostMicros:    cost,
		Outcome:       outcome,
		CreatedAt:     l.opts.Now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("committing reservation %s: %w", tok.ReservationID, err)
	}
	if !ok {
		return 0, fmt.Errorf("committing reservation %s: %w", tok.ReservationID, ErrUnknownReservation)
	}
	l.logger.InfoContext(ctx, "execution cost recorded",
		slog.String("account_id", tok.AccountID.String()),
		slog.String("process_id", processID),
		slog.Int("input_tokens", usage.InputTokens),
		slog.Int("output_tokens", usage.OutputTokens),
		slog.String("cost", FormatMicros(cost)),
	)
	return cost, nil
}

// Release gives back a reservation that never ran. Calling it again, or
// after Commit, has no effect.
func (l *Ledger) Release(ctx context.Context, tok *Token) error {
	released, err := l.store.Release(ctx, tok.ReservationID)
	if err != nil {
		return fmt.Errorf("releasing reservation %s: %w", tok.ReservationID, err)
	}
	if released {
		l.logger.DebugContext(ctx, "credit released",
			slog.String("account_id", tok.AccountID.String()),
			slog.String("reservation_id", tok.ReservationID.String()),
		)
	}
	return nil
}

// ReleaseByID releases a reservation known only by its identifier.
func (l *Ledger) ReleaseByID(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	return l.store.Release(ctx, reservationID)
}

// Totals aggregates recorded cost for an account in [from, to).
func (l *Ledger) Totals(ctx context.Context, accountID uuid.UUID, from, to time.Time) (Totals, error) {
	t, err := l.store.CostTotals(ctx, accountID, from.UTC(), to.UTC())
	if err != nil {
		return Totals{}, fmt.Errorf("cost totals: %w", err)
	}
	return t, nil
}

// Account returns the account a principal is billed against.
func (l *Ledger) Account(ctx context.Context, p domain.Principal) (*domain.CreditAccount, error) {
	return l.store.EnsureAccount(ctx, p.OrgID, accountUser(p), l.opts.TrialCredits)
}

// accountUser returns the user key of the billed account: empty when the
// principal belongs to an organization.
func accountUser(p domain.Principal) string {
	if p.OrgID != "" {
		return ""
	}
	return p.UserID
}
