package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/ki2go/internal/domain"
	"github.com/jkaninda/ki2go/internal/ledger"
	"github.com/jkaninda/ki2go/internal/storage"
)

// usableStatuses are the subscription states that may reserve credits.
var usableStatuses = []string{string(domain.SubscriptionTrial), string(domain.SubscriptionActive)}

// reserveSQL rolls the account into the reservation's cycle and takes one
// credit in a single statement. SET expressions see the pre-update row.
const reserveSQL = `UPDATE credit_accounts SET
	consumed = CASE WHEN cycle_start < ? THEN 1 ELSE consumed + 1 END,
	cycle_start = CASE WHEN cycle_start < ? THEN ? ELSE cycle_start END,
	updated_at = ?
WHERE id = ?`

// reserveLimitSQL is appended unless the caller bypasses plan checks.
const reserveLimitSQL = ` AND status IN ? AND (ceiling IS NULL OR (CASE WHEN cycle_start < ? THEN 0 ELSE consumed END) < ceiling)`

// AccountRepository implements storage.AccountStore.
// Reserve is one conditional UPDATE; rows affected decides the outcome, so
// no row locks are held across statements.
type AccountRepository struct {
	db *gorm.DB
}

// NewAccountRepository creates an AccountRepository.
func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// EnsureAccount returns the account billed for (orgID, userID), creating a
// trial account when none exists.
func (r *AccountRepository) EnsureAccount(ctx context.Context, orgID, userID string, trialCredits int64) (*domain.CreditAccount, error) {
	key := accountKey(orgID, userID)

	var m CreditAccountModel
	err := r.db.WithContext(ctx).First(&m, "account_key = ?", key).Error
	if err == nil {
		return toAccountDomain(&m), nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("looking up account %s: %w", key, err)
	}

	ceiling := trialCredits
	now := time.Now().UTC()
	m = CreditAccountModel{
		ID:         uuid.New(),
		AccountKey: key,
		OrgID:      orgID,
		UserID:     userID,
		PlanID:     "trial",
		Ceiling:    &ceiling,
		CycleStart: time.Unix(0, 0).UTC(),
		Status:     string(domain.SubscriptionTrial),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	// A concurrent first call may win the insert; re-read either way.
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_key"}}, DoNothing: true}).
		Create(&m).Error
	if err != nil {
		return nil, fmt.Errorf("creating account %s: %w", key, err)
	}
	if err := r.db.WithContext(ctx).First(&m, "account_key = ?", key).Error; err != nil {
		return nil, fmt.Errorf("reloading account %s: %w", key, err)
	}
	return toAccountDomain(&m), nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, id uuid.UUID) (*domain.CreditAccount, error) {
	var m CreditAccountModel
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting account %s: %w", id, notFound(err))
	}
	return toAccountDomain(&m), nil
}

func (r *AccountRepository) Reserve(ctx context.Context, res ledger.Reservation, bypass bool) (bool, error) {
	cs := res.CycleStart.UTC()
	sql := reserveSQL
	args := []any{cs, cs, cs, res.CreatedAt.UTC(), res.AccountID}
	if !bypass {
		sql += reserveLimitSQL
		args = append(args, usableStatuses, cs)
	}

	var reserved bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Exec(sql, args...)
		if result.Error != nil {
			return fmt.Errorf("incrementing consumed: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		m := ReservationModel{
			ID:         res.ID,
			AccountID:  res.AccountID,
			UserID:     res.UserID,
			CycleStart: cs,
			State:      reservationReserved,
			CreatedAt:  res.CreatedAt.UTC(),
		}
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("recording reservation: %w", err)
		}
		reserved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return reserved, nil
}

// transition moves a reservation out of the reserved state. It reports
// whether this call made the transition.
func transition(tx *gorm.DB, id uuid.UUID, to string, at time.Time) (bool, error) {
	result := tx.Model(&ReservationModel{}).
		Where("id = ? AND state = ?", id, reservationReserved).
		Updates(map[string]any{"state": to, "resolved_at": at})
	if result.Error != nil {
		return false, fmt.Errorf("moving reservation %s to %s: %w", id, to, result.Error)
	}
	return result.RowsAffected == 1, nil
}

func (r *AccountRepository) Commit(ctx context.Context, e ledger.CostEntry) (bool, error) {
	var committed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := transition(tx, e.ReservationID, reservationCommitted, e.CreatedAt.UTC())
		if err != nil || !ok {
			return err
		}
		m := toCostEntryModel(e)
		m.CreatedAt = m.CreatedAt.UTC()
		if err := tx.Create(&m).Error; err != nil {
			return fmt.Errorf("appending cost entry: %w", err)
		}
		committed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

// Release gives the credit back only while the account is still in the
// reservation's cycle; after a rollover the counter was already reset.
func (r *AccountRepository) Release(ctx context.Context, reservationID uuid.UUID) (bool, error) {
	var released bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := transition(tx, reservationID, reservationReleased, time.Now().UTC())
		if err != nil || !ok {
			return err
		}
		var m ReservationModel
		if err := tx.First(&m, "id = ?", reservationID).Error; err != nil {
			return fmt.Errorf("loading reservation %s: %w", reservationID, err)
		}
		err = tx.Model(&CreditAccountModel{}).
			Where("id = ? AND cycle_start = ? AND consumed > 0", m.AccountID, m.CycleStart).
			UpdateColumn("consumed", gorm.Expr("consumed - 1")).Error
		if err != nil {
			return fmt.Errorf("decrementing consumed: %w", err)
		}
		released = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return released, nil
}

func (r *AccountRepository) CostTotals(ctx context.Context, accountID uuid.UUID, from, to time.Time) (ledger.Totals, error) {
	var t ledger.Totals
	err := r.db.WithContext(ctx).
		Model(&CostEntryModel{}).
		Select(`COUNT(*) AS executions,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(cost_micros), 0) AS cost_micros`).
		Where("account_id = ? AND created_at >= ? AND created_at < ?", accountID, from, to).
		Scan(&t).Error
	if err != nil {
		return ledger.Totals{}, fmt.Errorf("summing cost entries: %w", err)
	}
	return t, nil
}

// UpdatePlan changes the plan, ceiling and subscription status. A nil
// ceiling means unlimited.
func (r *AccountRepository) UpdatePlan(ctx context.Context, id uuid.UUID, planID string, ceiling *int64, status domain.SubscriptionStatus) error {
	result := r.db.WithContext(ctx).
		Model(&CreditAccountModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"plan_id":    planID,
			"ceiling":    ceiling,
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("updating plan of %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating plan of %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (r *AccountRepository) ListAccounts(ctx context.Context) ([]domain.CreditAccount, error) {
	var models []CreditAccountModel
	if err := r.db.WithContext(ctx).Order("account_key ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	out := make([]domain.CreditAccount, len(models))
	for i := range models {
		out[i] = *toAccountDomain(&models[i])
	}
	return out, nil
}

// Compile-time check.
var _ storage.AccountStore = (*AccountRepository)(nil)
