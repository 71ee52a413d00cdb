package types

// PlanTier is the subscription plan stored on an account.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
)

// Valid reports whether p is one of the known tiers.
func (p PlanTier) Valid() bool {
	switch p {
	case PlanFree, PlanStarter, PlanPro:
		return true
	}
	return false
}

// IsPaid reports whether p is a paid tier.
func (p PlanTier) IsPaid() bool {
	return p == PlanStarter || p == PlanPro
}

// SubscriptionStatus mirrors the billing provider's subscription status field.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// IsLive reports whether a subscription in this status entitles the account
// to its paid plan.
func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case SubscriptionActive, SubscriptionTrialing, SubscriptionPastDue:
		return true
	}
	return false
}

// IsTerminal reports whether a subscription in this status can never become
// live again.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionCanceled || s == SubscriptionIncompleteExpired
}
