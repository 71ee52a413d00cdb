package types

import "time"

// Account is the per-user profile row that carries subscription state.
// BillingCustomerID is written once; BillingSubscriptionID is present only
// while a paid subscription is linked.
type Account struct {
	UserID                string     `json:"userId"`
	Plan                  PlanTier   `json:"plan"`
	BillingCustomerID     *string    `json:"billingCustomerId,omitempty"`
	BillingSubscriptionID *string    `json:"billingSubscriptionId,omitempty"`
	BillingEventAt        *time.Time `json:"-"`
	CreatedAt             time.Time  `json:"createdAt"`
	UpdatedAt             time.Time  `json:"updatedAt"`
}

// HasCustomer reports whether a billing customer id is on file.
func (a *Account) HasCustomer() bool {
	return a.BillingCustomerID != nil && *a.BillingCustomerID != ""
}

// HasSubscription reports whether a subscription id is on file.
func (a *Account) HasSubscription() bool {
	return a.BillingSubscriptionID != nil && *a.BillingSubscriptionID != ""
}

// CustomerID returns the billing customer id or "".
func (a *Account) CustomerID() string {
	if a.BillingCustomerID == nil {
		return ""
	}
	return *a.BillingCustomerID
}

// SubscriptionID returns the billing subscription id or "".
func (a *Account) SubscriptionID() string {
	if a.BillingSubscriptionID == nil {
		return ""
	}
	return *a.BillingSubscriptionID
}

// Subscription is the subset of a provider subscription the reconciler reads.
type Subscription struct {
	ID         string
	CustomerID string
	Status     SubscriptionStatus
	PriceID    string // price of the first line item
}
