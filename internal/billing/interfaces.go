package billing

import (
	"context"
	"time"

	"rentaltrack/internal/external"
	"rentaltrack/internal/types"
)

// AccountStore is the persistence contract for account billing state.
// Every mutation is a conditional update keyed on the account's current
// billing identifiers. Methods that match no row return an AppError with
// types.ErrCodeNotFoundAccount.
//
// Implemented by db.AccountRepository.
type AccountStore interface {
	GetByUserID(ctx context.Context, userID string) (*types.Account, error)

	// FindOrCreate returns the account for userID, creating a free account
	// when none exists. The bool reports whether a row was inserted.
	FindOrCreate(ctx context.Context, userID string) (*types.Account, bool, error)

	// SetBillingCustomerID writes customerID only while none is stored and
	// reports whether this call wrote it.
	SetBillingCustomerID(ctx context.Context, userID, customerID string) (bool, error)

	// LinkSubscription stores plan and subscriptionID for userID.
	LinkSubscription(ctx context.Context, userID string, plan types.PlanTier, subscriptionID string, eventAt time.Time) error

	// UpdatePlanBySubscriptionID sets the plan of the account linked to
	// subscriptionID, ignoring events older than the last applied one.
	UpdatePlanBySubscriptionID(ctx context.Context, subscriptionID string, plan types.PlanTier, eventAt time.Time) error

	// ClearSubscriptionBySubscriptionID reverts the linked account to free.
	ClearSubscriptionBySubscriptionID(ctx context.Context, subscriptionID string, eventAt time.Time) error

	// ClearSubscriptionForUser reverts userID to free while it is still
	// linked to subscriptionID.
	ClearSubscriptionForUser(ctx context.Context, userID, subscriptionID string) error
}

// EventLog remembers processed provider event ids.
// Implemented by db.WebhookEventRepository.
type EventLog interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID, eventType string) error
}

// Provider is the subset of the billing provider API this package calls.
// Failures are AppErrors with types.ErrCodeBillingProvider, or
// types.ErrCodeBillingResourceMissing when the provider does not know the id.
//
// Implemented by external.StripeClient.
type Provider interface {
	CreateCustomer(ctx context.Context, userID, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, params external.CheckoutSessionParams) (string, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*types.Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// Metrics records billing activity.
// Implemented by telemetry.CloudWatchMetrics and telemetry.NoopMetrics.
type Metrics interface {
	RecordBillingEvent(ctx context.Context, kind string, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) RecordBillingEvent(context.Context, string, string) {}
