package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"rentaltrack/internal/types"
)

// AccountRepository persists per-user subscription state in the accounts
// table. Every mutation is a single conditional UPDATE; a statement that
// matches no row reports ErrCodeNotFoundAccount and leaves the table as it was.
type AccountRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewAccountRepository creates an AccountRepository backed by db.
func NewAccountRepository(db DBTX, logger *slog.Logger) *AccountRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountRepository{db: db, logger: logger}
}

const accountColumns = `user_id, plan, billing_customer_id, billing_subscription_id,
	billing_event_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*types.Account, error) {
	var a types.Account
	err := row.Scan(
		&a.UserID,
		&a.Plan,
		&a.BillingCustomerID,
		&a.BillingSubscriptionID,
		&a.BillingEventAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetByUserID loads the account owned by userID.
func (r *AccountRepository) GetByUserID(ctx context.Context, userID string) (*types.Account, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+accountColumns+`
		 FROM accounts
		 WHERE user_id = $1`,
		userID,
	)

	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAccountNotFoundError("account not found")
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve account", err)
	}
	return acct, nil
}

// FindOrCreate returns the account for userID, inserting a free-plan row on
// first sight. Two racing callers both observe the same row: the insert is
// ON CONFLICT DO NOTHING and the loser re-reads once.
func (r *AccountRepository) FindOrCreate(ctx context.Context, userID string) (*types.Account, bool, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO accounts (user_id, plan)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO NOTHING
		 RETURNING `+accountColumns,
		userID,
		types.PlanFree,
	)

	acct, err := scanAccount(row)
	if err == nil {
		r.logger.InfoContext(ctx, "account created", slog.String("user_id", userID))
		return acct, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, types.NewAppError(types.ErrCodeInternalDB, "failed to create account", err)
	}

	// Conflict: the row already exists.
	acct, err = r.GetByUserID(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	return acct, false, nil
}

// SetBillingCustomerID records customerID on the account only if none is
// stored yet. It reports whether this call wrote the value; false means an
// earlier writer won and the caller should re-read.
func (r *AccountRepository) SetBillingCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET billing_customer_id = $1,
		     updated_at = NOW()
		 WHERE user_id = $2
		   AND billing_customer_id IS NULL`,
		customerID,
		userID,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to store billing customer", err)
	}
	return tag.RowsAffected() > 0, nil
}

// LinkSubscription stores the plan and subscription for a completed checkout.
// billing_event_at only moves forward.
func (r *AccountRepository) LinkSubscription(
	ctx context.Context,
	userID string,
	plan types.PlanTier,
	subscriptionID string,
	eventAt time.Time,
) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET plan = $1,
		     billing_subscription_id = $2,
		     billing_event_at = GREATEST(COALESCE(billing_event_at, $3), $3),
		     updated_at = NOW()
		 WHERE user_id = $4`,
		plan,
		subscriptionID,
		eventAt,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to link subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAccountNotFoundError("account not found")
	}
	return nil
}

// UpdatePlanBySubscriptionID sets the plan of the account linked to
// subscriptionID. Events older than the last applied one are rejected by the
// WHERE clause and reported the same way as an unknown subscription.
func (r *AccountRepository) UpdatePlanBySubscriptionID(
	ctx context.Context,
	subscriptionID string,
	plan types.PlanTier,
	eventAt time.Time,
) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET plan = $1,
		     billing_event_at = $2,
		     updated_at = NOW()
		 WHERE billing_subscription_id = $3
		   AND (billing_event_at IS NULL OR billing_event_at <= $2)`,
		plan,
		eventAt,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to update plan", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "plan update matched no account",
			slog.String("subscription_id", subscriptionID),
			slog.Time("event_at", eventAt),
		)
		return types.NewAccountNotFoundError("no account linked to subscription, or event is stale")
	}
	return nil
}

// ClearSubscriptionBySubscriptionID downgrades the account linked to
// subscriptionID to the free plan and unlinks the subscription.
func (r *AccountRepository) ClearSubscriptionBySubscriptionID(ctx context.Context, subscriptionID string, eventAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET plan = $1,
		     billing_subscription_id = NULL,
		     billing_event_at = GREATEST(COALESCE(billing_event_at, $2), $2),
		     updated_at = NOW()
		 WHERE billing_subscription_id = $3`,
		types.PlanFree,
		eventAt,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAccountNotFoundError("no account linked to subscription")
	}
	return nil
}

// ClearSubscriptionForUser downgrades userID to free, but only while the
// account is still linked to subscriptionID.
func (r *AccountRepository) ClearSubscriptionForUser(ctx context.Context, userID, subscriptionID string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE accounts
		 SET plan = $1,
		     billing_subscription_id = NULL,
		     updated_at = NOW()
		 WHERE user_id = $2
		   AND billing_subscription_id = $3`,
		types.PlanFree,
		userID,
		subscriptionID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to clear subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAccountNotFoundError("account not linked to subscription")
	}
	return nil
}
