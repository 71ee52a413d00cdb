package billing

import (
	"context"
	"log/slog"

	"rentaltrack/internal/types"
)

// Outcome describes what processing an event did to local state.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"   // account state was written
	OutcomeNoop      Outcome = "noop"      // recognized, nothing to change
	OutcomeDuplicate Outcome = "duplicate" // already processed
	OutcomeIgnored   Outcome = "ignored"   // unrecognized event type
	OutcomeFailed    Outcome = "failed"
)

// Reconciler applies billing provider events to account plans.
//
// Updates and deletions locate the account by subscription id, so replaying
// an event converges on the same state. An event that matches no account is
// a logged no-op, never an error: the provider would otherwise redeliver it
// forever. Store and provider failures are returned so the caller can ask
// for redelivery.
type Reconciler struct {
	store    AccountStore
	provider Provider
	plans    PlanResolver
	events   EventLog
	metrics  Metrics
	logger   *slog.Logger
}

// NewReconciler creates a Reconciler. events and metrics may be nil; without
// an EventLog every delivery is applied, which is safe but does more work.
func NewReconciler(
	store AccountStore,
	provider Provider,
	plans PlanResolver,
	events EventLog,
	metrics Metrics,
	logger *slog.Logger,
) *Reconciler {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:    store,
		provider: provider,
		plans:    plans,
		events:   events,
		metrics:  metrics,
		logger:   logger,
	}
}

// Process parses a verified payload, skips events already in the event log,
// applies the event and records it.
func (r *Reconciler) Process(ctx context.Context, payload []byte) (Event, Outcome, error) {
	event, err := ParseEvent(payload)
	if err != nil {
		return nil, OutcomeFailed, err
	}

	meta := event.Meta()
	kind := EventKind(event)
	logger := types.LoggerFromContext(ctx, r.logger).With(
		slog.String("event_id", meta.ID),
		slog.String("event_type", meta.Type),
	)

	if r.events != nil {
		seen, err := r.events.Seen(ctx, meta.ID)
		if err != nil {
			r.metrics.RecordBillingEvent(ctx, kind, string(OutcomeFailed))
			return event, OutcomeFailed, err
		}
		if seen {
			logger.InfoContext(ctx, "billing event already processed")
			r.metrics.RecordBillingEvent(ctx, kind, string(OutcomeDuplicate))
			return event, OutcomeDuplicate, nil
		}
	}

	outcome, err := r.Reconcile(ctx, event)
	if err != nil {
		logger.ErrorContext(ctx, "billing event processing failed", slog.Any("error", err))
		r.metrics.RecordBillingEvent(ctx, kind, string(OutcomeFailed))
		return event, OutcomeFailed, err
	}

	if r.events != nil && outcome != OutcomeIgnored {
		if err := r.events.Record(ctx, meta.ID, meta.Type); err != nil {
			// The event was applied; redelivery will converge on the same state.
			r.metrics.RecordBillingEvent(ctx, kind, string(OutcomeFailed))
			return event, OutcomeFailed, err
		}
	}

	r.metrics.RecordBillingEvent(ctx, kind, string(outcome))
	return event, outcome, nil
}

// Reconcile applies one parsed event.
func (r *Reconciler) Reconcile(ctx context.Context, event Event) (Outcome, error) {
	switch e := event.(type) {
	case CheckoutCompleted:
		return r.applyCheckoutCompleted(ctx, e)
	case SubscriptionUpdated:
		return r.applySubscriptionUpdated(ctx, e)
	case SubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, e)
	case UnrecognizedEvent:
		r.logger.DebugContext(ctx, "ignoring unhandled billing event",
			slog.String("event_id", e.ID),
			slog.String("event_type", e.Type),
		)
		return OutcomeIgnored, nil
	default:
		return OutcomeFailed, types.NewAppError(types.ErrCodeInternalUnexpected, "unknown billing event variant", nil)
	}
}

// applyCheckoutCompleted links the new subscription to the tagged account.
// The plan comes from the subscription as the provider reports it now, not
// from the event, so a late checkout event cannot resurrect a subscription
// that has since changed or ended.
func (r *Reconciler) applyCheckoutCompleted(ctx context.Context, e CheckoutCompleted) (Outcome, error) {
	logger := r.logger.With(
		slog.String("event_id", e.ID),
		slog.String("subscription_id", e.SubscriptionID),
	)

	if e.UserID == "" {
		logger.WarnContext(ctx, "checkout session carries no user id")
		return OutcomeNoop, nil
	}
	if e.SubscriptionID == "" {
		logger.WarnContext(ctx, "checkout session has no subscription", slog.String("user_id", e.UserID))
		return OutcomeNoop, nil
	}

	// Step 1: Fetch the subscription.
	sub, err := r.provider.GetSubscription(ctx, e.SubscriptionID)
	if err != nil {
		if types.IsCode(err, types.ErrCodeBillingResourceMissing) {
			logger.WarnContext(ctx, "checkout subscription no longer exists")
			return OutcomeNoop, nil
		}
		return OutcomeFailed, err
	}

	// Step 2: A finished subscription is never linked. Any other status is
	// linked so later updates can find the account; the plan stays free
	// until the subscription is live.
	if sub.Status.IsTerminal() {
		logger.InfoContext(ctx, "checkout subscription already ended",
			slog.String("status", string(sub.Status)),
		)
		return OutcomeNoop, nil
	}

	// Step 3: Resolve and link.
	plan := r.planFor(sub.PriceID, sub.Status)
	switch {
	case sub.Status != "" && !sub.Status.IsLive():
		logger.InfoContext(ctx, "linking subscription that is not live yet",
			slog.String("status", string(sub.Status)),
		)
	case plan == types.PlanFree:
		logger.WarnContext(ctx, "subscription price is not mapped to a plan",
			slog.String("price_id", sub.PriceID),
		)
	}

	err = r.store.LinkSubscription(ctx, e.UserID, plan, sub.ID, e.CreatedAt)
	if types.IsCode(err, types.ErrCodeNotFoundAccount) {
		logger.WarnContext(ctx, "checkout completed for unknown account", slog.String("user_id", e.UserID))
		return OutcomeNoop, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	logger.InfoContext(ctx, "subscription linked",
		slog.String("user_id", e.UserID),
		slog.String("plan", string(plan)),
	)
	return OutcomeApplied, nil
}

func (r *Reconciler) applySubscriptionUpdated(ctx context.Context, e SubscriptionUpdated) (Outcome, error) {
	plan := r.planFor(e.PriceID, e.Status)

	err := r.store.UpdatePlanBySubscriptionID(ctx, e.SubscriptionID, plan, e.CreatedAt)
	if types.IsCode(err, types.ErrCodeNotFoundAccount) {
		// Not linked yet, or a newer event was already applied.
		r.logger.InfoContext(ctx, "subscription update matched no account",
			slog.String("event_id", e.ID),
			slog.String("subscription_id", e.SubscriptionID),
		)
		return OutcomeNoop, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	r.logger.InfoContext(ctx, "plan updated from subscription",
		slog.String("event_id", e.ID),
		slog.String("subscription_id", e.SubscriptionID),
		slog.String("plan", string(plan)),
		slog.String("status", string(e.Status)),
	)
	return OutcomeApplied, nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, e SubscriptionDeleted) (Outcome, error) {
	err := r.store.ClearSubscriptionBySubscriptionID(ctx, e.SubscriptionID, e.CreatedAt)
	if types.IsCode(err, types.ErrCodeNotFoundAccount) {
		r.logger.InfoContext(ctx, "subscription deletion matched no account",
			slog.String("event_id", e.ID),
			slog.String("subscription_id", e.SubscriptionID),
		)
		return OutcomeNoop, nil
	}
	if err != nil {
		return OutcomeFailed, err
	}

	r.logger.InfoContext(ctx, "subscription ended, account reverted to free",
		slog.String("event_id", e.ID),
		slog.String("subscription_id", e.SubscriptionID),
	)
	return OutcomeApplied, nil
}

// planFor resolves the plan a subscription entitles its account to. An empty
// status means the payload did not carry one and the price decides.
func (r *Reconciler) planFor(priceID string, status types.SubscriptionStatus) types.PlanTier {
	if status != "" && !status.IsLive() {
		return types.PlanFree
	}
	return r.plans.Resolve(priceID)
}
