package billing

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"rentaltrack/internal/external"
	"rentaltrack/internal/types"
)

// customerTimeout bounds the shared customer creation, which outlives the
// request that started it.
const customerTimeout = 15 * time.Second

// CheckoutRequest starts a subscription checkout for one price.
type CheckoutRequest struct {
	UserID       string
	Email        string
	PriceID      string
	ReturnOrigin string // scheme://host the provider redirects back to
}

// CheckoutInitiator creates billing customers on demand and opens hosted
// checkout sessions. It never changes an account's plan; that happens when
// the checkout completed event is reconciled.
type CheckoutInitiator struct {
	store    AccountStore
	provider Provider
	logger   *slog.Logger

	// customers collapses concurrent customer creation for the same user.
	customers singleflight.Group
}

// NewCheckoutInitiator creates a CheckoutInitiator.
func NewCheckoutInitiator(store AccountStore, provider Provider, logger *slog.Logger) *CheckoutInitiator {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckoutInitiator{
		store:    store,
		provider: provider,
		logger:   logger,
	}
}

// StartCheckout returns the hosted checkout URL for req.
//
//  1. Load the account (AccountNotFound if absent).
//  2. Ensure a billing customer exists, creating it at most once.
//  3. Create a subscription-mode checkout session tagged with the user id.
func (c *CheckoutInitiator) StartCheckout(ctx context.Context, req CheckoutRequest) (string, error) {
	acct, err := c.store.GetByUserID(ctx, req.UserID)
	if err != nil {
		return "", err
	}

	customerID := acct.CustomerID()
	if customerID == "" {
		customerID, err = c.ensureCustomer(ctx, req.UserID, req.Email)
		if err != nil {
			return "", err
		}
	}

	origin := strings.TrimSuffix(req.ReturnOrigin, "/")
	checkoutURL, err := c.provider.CreateCheckoutSession(ctx, external.CheckoutSessionParams{
		CustomerID: customerID,
		PriceID:    req.PriceID,
		UserID:     req.UserID,
		SuccessURL: origin + "/settings?success=true",
		CancelURL:  origin + "/settings?canceled=true",
	})
	if err != nil {
		return "", err
	}

	c.logger.InfoContext(ctx, "checkout session created",
		slog.String("user_id", req.UserID),
		slog.String("price_id", req.PriceID),
	)
	return checkoutURL, nil
}

// ensureCustomer returns the account's billing customer id, creating one if
// needed. Calls for the same user are serialized, and the account is re-read
// inside the serialized section. The provider call also carries a per-user
// idempotency key, which covers callers on other instances.
func (c *CheckoutInitiator) ensureCustomer(ctx context.Context, userID, email string) (string, error) {
	ch := c.customers.DoChan(userID, func() (any, error) {
		// Detached from the first caller so its disconnect does not fail the
		// others waiting on the same user.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), customerTimeout)
		defer cancel()
		return c.createCustomer(ctx, userID, email)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (c *CheckoutInitiator) createCustomer(ctx context.Context, userID, email string) (string, error) {
	acct, err := c.store.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if acct.HasCustomer() {
		return acct.CustomerID(), nil
	}

	customerID, err := c.provider.CreateCustomer(ctx, userID, email)
	if err != nil {
		return "", err
	}

	written, err := c.store.SetBillingCustomerID(ctx, userID, customerID)
	if err != nil {
		return "", err
	}
	if written {
		c.logger.InfoContext(ctx, "billing customer created",
			slog.String("user_id", userID),
			slog.String("customer_id", customerID),
		)
		return customerID, nil
	}

	// Another writer stored a customer first; theirs wins.
	acct, err = c.store.GetByUserID(ctx, userID)
	if err != nil {
		return "", err
	}
	if !acct.HasCustomer() {
		return "", types.NewAppError(types.ErrCodeConflictConcurrent, "billing customer could not be stored", nil)
	}
	if acct.CustomerID() != customerID {
		c.logger.WarnContext(ctx, "discarding billing customer created by a concurrent checkout",
			slog.String("user_id", userID),
			slog.String("orphaned_customer_id", customerID),
			slog.String("customer_id", acct.CustomerID()),
		)
	}
	return acct.CustomerID(), nil
}
