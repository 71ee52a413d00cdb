package billing

import (
	"context"
	"log/slog"
	"strings"

	"rentaltrack/internal/types"
)

// SubscriptionManager handles user-initiated cancellation and the billing
// portal.
type SubscriptionManager struct {
	store    AccountStore
	provider Provider
	metrics  Metrics
	logger   *slog.Logger
}

// NewSubscriptionManager creates a SubscriptionManager. metrics may be nil.
func NewSubscriptionManager(store AccountStore, provider Provider, metrics Metrics, logger *slog.Logger) *SubscriptionManager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionManager{
		store:    store,
		provider: provider,
		metrics:  metrics,
		logger:   logger,
	}
}

// Cancellation kind reported to Metrics.
const KindCancellation = "cancellation"

// CancelSubscription cancels the user's subscription at the provider and
// reverts the account to free.
//
// Without a subscription on file it returns NoSubscriptionError and calls
// nothing. If the provider rejects the cancellation the account is left as
// it was. A subscription the provider no longer knows is already gone and
// is cleared locally. The local update is conditioned on the subscription
// id, so a concurrent deletion webhook and this call converge.
func (m *SubscriptionManager) CancelSubscription(ctx context.Context, userID string) error {
	acct, err := m.store.GetByUserID(ctx, userID)
	if err != nil {
		return err
	}
	if !acct.HasSubscription() {
		return types.NewNoSubscriptionError("no active subscription to cancel")
	}
	subscriptionID := acct.SubscriptionID()

	if err := m.provider.CancelSubscription(ctx, subscriptionID); err != nil {
		if !types.IsCode(err, types.ErrCodeBillingResourceMissing) {
			m.metrics.RecordBillingEvent(ctx, KindCancellation, string(OutcomeFailed))
			return err
		}
		m.logger.WarnContext(ctx, "subscription already gone at provider",
			slog.String("user_id", userID),
			slog.String("subscription_id", subscriptionID),
		)
	}

	err = m.store.ClearSubscriptionForUser(ctx, userID, subscriptionID)
	switch {
	case types.IsCode(err, types.ErrCodeNotFoundAccount):
		// The deletion webhook got there first.
		m.metrics.RecordBillingEvent(ctx, KindCancellation, string(OutcomeNoop))
		return nil
	case err != nil:
		m.metrics.RecordBillingEvent(ctx, KindCancellation, string(OutcomeFailed))
		return err
	}

	m.logger.InfoContext(ctx, "subscription canceled",
		slog.String("user_id", userID),
		slog.String("subscription_id", subscriptionID),
	)
	m.metrics.RecordBillingEvent(ctx, KindCancellation, string(OutcomeApplied))
	return nil
}

// OpenBillingPortal returns a provider-hosted portal URL for the user's
// billing customer. It returns NoSubscriptionError when no customer exists.
func (m *SubscriptionManager) OpenBillingPortal(ctx context.Context, userID, returnOrigin string) (string, error) {
	acct, err := m.store.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !acct.HasCustomer() {
		return "", types.NewNoSubscriptionError("no billing account on file")
	}

	returnURL := strings.TrimSuffix(returnOrigin, "/") + "/settings"
	return m.provider.CreatePortalSession(ctx, acct.CustomerID(), returnURL)
}
