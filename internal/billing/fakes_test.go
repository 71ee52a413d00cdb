package billing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"rentaltrack/internal/external"
	"rentaltrack/internal/types"
)

// memStore is an in-memory AccountStore with the same conditional update
// semantics as the SQL repository.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*types.Account
	writes   int
	failWith error
}

func newMemStore(accounts ...types.Account) *memStore {
	s := &memStore{accounts: make(map[string]*types.Account)}
	for i := range accounts {
		a := accounts[i]
		if a.Plan == "" {
			a.Plan = types.PlanFree
		}
		s.accounts[a.UserID] = &a
	}
	return s
}

func (s *memStore) get(userID string) *types.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.accounts[userID]
	return &cp
}

func (s *memStore) GetByUserID(_ context.Context, userID string) (*types.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return nil, s.failWith
	}
	a, ok := s.accounts[userID]
	if !ok {
		return nil, types.NewAccountNotFoundError("account not found")
	}
	cp := *a
	return &cp, nil
}

func (s *memStore) FindOrCreate(_ context.Context, userID string) (*types.Account, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.accounts[userID]; ok {
		cp := *a
		return &cp, false, nil
	}
	a := &types.Account{UserID: userID, Plan: types.PlanFree}
	s.accounts[userID] = a
	s.writes++
	cp := *a
	return &cp, true, nil
}

func (s *memStore) SetBillingCustomerID(_ context.Context, userID, customerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return false, s.failWith
	}
	a, ok := s.accounts[userID]
	if !ok || a.BillingCustomerID != nil {
		return false, nil
	}
	a.BillingCustomerID = &customerID
	s.writes++
	return true, nil
}

func (s *memStore) LinkSubscription(_ context.Context, userID string, plan types.PlanTier, subscriptionID string, eventAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	a, ok := s.accounts[userID]
	if !ok {
		return types.NewAccountNotFoundError("account not found")
	}
	a.Plan = plan
	a.BillingSubscriptionID = &subscriptionID
	if a.BillingEventAt == nil || eventAt.After(*a.BillingEventAt) {
		a.BillingEventAt = &eventAt
	}
	s.writes++
	return nil
}

func (s *memStore) UpdatePlanBySubscriptionID(_ context.Context, subscriptionID string, plan types.PlanTier, eventAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for _, a := range s.accounts {
		if a.SubscriptionID() != subscriptionID {
			continue
		}
		if a.BillingEventAt != nil && a.BillingEventAt.After(eventAt) {
			break
		}
		a.Plan = plan
		a.BillingEventAt = &eventAt
		s.writes++
		return nil
	}
	return types.NewAccountNotFoundError("no account linked to subscription, or event is stale")
}

func (s *memStore) ClearSubscriptionBySubscriptionID(_ context.Context, subscriptionID string, eventAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	for _, a := range s.accounts {
		if a.SubscriptionID() != subscriptionID {
			continue
		}
		a.Plan = types.PlanFree
		a.BillingSubscriptionID = nil
		if a.BillingEventAt == nil || eventAt.After(*a.BillingEventAt) {
			a.BillingEventAt = &eventAt
		}
		s.writes++
		return nil
	}
	return types.NewAccountNotFoundError("no account linked to subscription")
}

func (s *memStore) ClearSubscriptionForUser(_ context.Context, userID, subscriptionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWith != nil {
		return s.failWith
	}
	a, ok := s.accounts[userID]
	if !ok || a.SubscriptionID() != subscriptionID {
		return types.NewAccountNotFoundError("account not linked to subscription")
	}
	a.Plan = types.PlanFree
	a.BillingSubscriptionID = nil
	s.writes++
	return nil
}

// fakeProvider is a scripted Provider that counts calls.
type fakeProvider struct {
	mu sync.Mutex

	subscriptions map[string]*types.Subscription
	customerSeq   int
	customerDelay time.Duration

	createCustomerErr error
	checkoutErr       error
	cancelErr         error

	customerCalls int
	checkoutCalls []external.CheckoutSessionParams
	portalCalls   []string
	cancelCalls   []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{subscriptions: make(map[string]*types.Subscription)}
}

func (p *fakeProvider) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	if p.customerDelay > 0 {
		select {
		case <-time.After(p.customerDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customerCalls++
	if p.createCustomerErr != nil {
		return "", p.createCustomerErr
	}
	p.customerSeq++
	return "cus_" + userID + "_" + strconv.Itoa(p.customerSeq), nil
}

func (p *fakeProvider) CreateCheckoutSession(_ context.Context, params external.CheckoutSessionParams) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkoutCalls = append(p.checkoutCalls, params)
	if p.checkoutErr != nil {
		return "", p.checkoutErr
	}
	return "https://checkout.example/" + params.PriceID, nil
}

func (p *fakeProvider) CreatePortalSession(_ context.Context, customerID, returnURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.portalCalls = append(p.portalCalls, customerID+"|"+returnURL)
	return "https://portal.example/" + customerID, nil
}

func (p *fakeProvider) GetSubscription(_ context.Context, subscriptionID string) (*types.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeBillingResourceMissing, "No such subscription", nil)
	}
	cp := *sub
	return &cp, nil
}

func (p *fakeProvider) CancelSubscription(_ context.Context, subscriptionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelCalls = append(p.cancelCalls, subscriptionID)
	return p.cancelErr
}

// memEventLog is an in-memory EventLog.
type memEventLog struct {
	mu   sync.Mutex
	seen map[string]string
	err  error
}

func newMemEventLog() *memEventLog {
	return &memEventLog{seen: make(map[string]string)}
}

func (l *memEventLog) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return false, l.err
	}
	_, ok := l.seen[eventID]
	return ok, nil
}

func (l *memEventLog) Record(_ context.Context, eventID, eventType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.seen[eventID] = eventType
	return nil
}

// recordingMetrics captures billing event metrics.
type recordingMetrics struct {
	mu     sync.Mutex
	events []string
}

func (m *recordingMetrics) RecordBillingEvent(_ context.Context, kind, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, kind+":"+outcome)
}

func strPtr(s string) *string { return &s }
