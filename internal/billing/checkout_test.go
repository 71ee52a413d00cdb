package billing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rentaltrack/internal/types"
)

func TestStartCheckout_CreatesCustomerOnce(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	c := NewCheckoutInitiator(store, provider, nil)

	url, err := c.StartCheckout(context.Background(), CheckoutRequest{
		UserID:       "user_1",
		Email:        "owner@example.com",
		PriceID:      "price_pro",
		ReturnOrigin: "https://app.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/price_pro", url)
	assert.Equal(t, 1, provider.customerCalls)

	acct := store.get("user_1")
	require.True(t, acct.HasCustomer())
	assert.Equal(t, types.PlanFree, acct.Plan, "checkout must not change the plan")

	require.Len(t, provider.checkoutCalls, 1)
	params := provider.checkoutCalls[0]
	assert.Equal(t, acct.CustomerID(), params.CustomerID)
	assert.Equal(t, "price_pro", params.PriceID)
	assert.Equal(t, "user_1", params.UserID)
	assert.Equal(t, "https://app.example.com/settings?success=true", params.SuccessURL)
	assert.Equal(t, "https://app.example.com/settings?canceled=true", params.CancelURL)

	// A second checkout reuses the stored customer.
	_, err = c.StartCheckout(context.Background(), CheckoutRequest{UserID: "user_1", PriceID: "price_starter"})
	require.NoError(t, err)
	assert.Equal(t, 1, provider.customerCalls)
	assert.Equal(t, acct.CustomerID(), store.get("user_1").CustomerID())
}

func TestStartCheckout_ExistingCustomerNotOverwritten(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1", BillingCustomerID: strPtr("cus_existing")})
	provider := newFakeProvider()
	c := NewCheckoutInitiator(store, provider, nil)

	_, err := c.StartCheckout(context.Background(), CheckoutRequest{UserID: "user_1", PriceID: "price_pro"})
	require.NoError(t, err)

	assert.Zero(t, provider.customerCalls)
	assert.Equal(t, "cus_existing", provider.checkoutCalls[0].CustomerID)
	assert.Equal(t, "cus_existing", store.get("user_1").CustomerID())
	assert.Zero(t, store.writes)
}

func TestStartCheckout_ConcurrentSubmissionsShareCustomer(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	provider.customerDelay = 20 * time.Millisecond
	c := NewCheckoutInitiator(store, provider, nil)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.StartCheckout(context.Background(), CheckoutRequest{UserID: "user_1", PriceID: "price_pro"})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	customerID := store.get("user_1").CustomerID()
	require.NotEmpty(t, customerID)
	assert.Equal(t, 1, provider.customerCalls)
	for _, p := range provider.checkoutCalls {
		assert.Equal(t, customerID, p.CustomerID)
	}
}

func TestEnsureCustomer_FirstCallerCancelDoesNotFailOthers(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	provider.customerDelay = 100 * time.Millisecond
	c := NewCheckoutInitiator(store, provider, nil)

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()

	var firstErr, secondErr error
	var secondID string
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, firstErr = c.ensureCustomer(firstCtx, "user_1", "")
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		secondID, secondErr = c.ensureCustomer(context.Background(), "user_1", "")
	}()
	time.Sleep(10 * time.Millisecond)
	cancelFirst()
	wg.Wait()

	assert.ErrorIs(t, firstErr, context.Canceled)
	require.NoError(t, secondErr)
	assert.Equal(t, store.get("user_1").CustomerID(), secondID)
	assert.Equal(t, 1, provider.customerCalls)
}

func TestEnsureCustomer_EarlierWriterWins(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	c := NewCheckoutInitiator(racingStore{memStore: store, winner: "cus_winner"}, provider, nil)

	id, err := c.ensureCustomer(context.Background(), "user_1", "")
	require.NoError(t, err)
	assert.Equal(t, "cus_winner", id)
	assert.Equal(t, "cus_winner", store.get("user_1").CustomerID())
}

func TestStartCheckout_AccountNotFound(t *testing.T) {
	provider := newFakeProvider()
	c := NewCheckoutInitiator(newMemStore(), provider, nil)

	_, err := c.StartCheckout(context.Background(), CheckoutRequest{UserID: "ghost", PriceID: "price_pro"})
	assert.True(t, types.IsCode(err, types.ErrCodeNotFoundAccount))
	assert.Zero(t, provider.customerCalls)
	assert.Empty(t, provider.checkoutCalls)
}

func TestStartCheckout_CustomerCreationFails(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	provider.createCustomerErr = types.NewBillingProviderError("Invalid email address", nil)
	c := NewCheckoutInitiator(store, provider, nil)

	_, err := c.StartCheckout(context.Background(), CheckoutRequest{UserID: "user_1", Email: "bad", PriceID: "price_pro"})
	require.Error(t, err)

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeBillingProvider, appErr.Code)
	assert.Equal(t, "Invalid email address", appErr.Message)
	assert.False(t, store.get("user_1").HasCustomer())
	assert.Empty(t, provider.checkoutCalls)
}

func TestStartCheckout_SessionFailureKeepsCustomer(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	provider.checkoutErr = types.NewBillingProviderError("No such price: 'price_bogus'", nil)
	c := NewCheckoutInitiator(store, provider, nil)

	_, err := c.StartCheckout(context.Background(), CheckoutRequest{UserID: "user_1", PriceID: "price_bogus"})
	assert.True(t, types.IsCode(err, types.ErrCodeBillingProvider))

	acct := store.get("user_1")
	assert.True(t, acct.HasCustomer(), "customer id is kept for the next attempt")
	assert.Equal(t, types.PlanFree, acct.Plan)
}

// Scenario A: checkout followed by the completed event.
func TestScenario_CheckoutThenCompleted(t *testing.T) {
	store := newMemStore(types.Account{UserID: "user_1"})
	provider := newFakeProvider()
	c := NewCheckoutInitiator(store, provider, nil)

	_, err := c.StartCheckout(context.Background(), CheckoutRequest{
		UserID: "user_1", Email: "owner@example.com", PriceID: "price_pro", ReturnOrigin: "https://app.example.com",
	})
	require.NoError(t, err)
	require.True(t, store.get("user_1").HasCustomer())

	provider.subscriptions["sub_1"] = &types.Subscription{
		ID:         "sub_1",
		CustomerID: store.get("user_1").CustomerID(),
		Status:     types.SubscriptionActive,
		PriceID:    "price_pro",
	}
	rec := NewReconciler(store, provider, NewPlanResolver(testPrices()), newMemEventLog(), nil, nil)

	payload := eventJSON(t, "evt_cc", "checkout.session.completed", testEventTime, checkoutObject("user_1", "sub_1"))
	_, outcome, err := rec.Process(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	acct := store.get("user_1")
	assert.Equal(t, types.PlanPro, acct.Plan)
	assert.Equal(t, "sub_1", acct.SubscriptionID())
}

// racingStore simulates another request storing a customer id between the
// re-read and the conditional write.
type racingStore struct {
	*memStore
	winner string
}

func (s racingStore) SetBillingCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	if _, err := s.memStore.SetBillingCustomerID(ctx, userID, s.winner); err != nil {
		return false, err
	}
	return s.memStore.SetBillingCustomerID(ctx, userID, customerID)
}
