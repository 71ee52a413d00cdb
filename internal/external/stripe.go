package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	"rentaltrack/internal/types"
)

// stripeAPIBase is the default Stripe API base URL.
const stripeAPIBase = "https://api.stripe.com"

// stripeResourceMissing is the error code Stripe returns for unknown ids.
const stripeResourceMissing = "resource_missing"

// StripeClientConfig holds the configuration for creating a StripeClient.
type StripeClientConfig struct {
	SecretKey types.SecretString
	BaseURL   string // defaults to stripeAPIBase
	Timeout   time.Duration
	Logger    *slog.Logger
}

// CheckoutSessionParams describes a subscription checkout for one price.
type CheckoutSessionParams struct {
	CustomerID string
	PriceID    string
	UserID     string
	SuccessURL string
	CancelURL  string
}

// StripeClient talks to the Stripe REST API with form-encoded requests routed
// through BaseClient.
type StripeClient struct {
	base      *BaseClient
	secretKey types.SecretString
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient. Provider calls are never retried.
func NewStripeClient(httpClient *http.Client, cfg StripeClientConfig) *StripeClient {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	base := NewBaseClient(
		httpClient,
		DefaultBreakerSettings("stripe"),
		"RentalTrack-Billing/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient around a pre-configured
// BaseClient.
func NewStripeClientWithBase(base *BaseClient, cfg StripeClientConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// CreateCustomer creates a Stripe customer for userID. The request carries an
// idempotency key derived from the user id, so concurrent or repeated calls
// for the same user resolve to one customer on Stripe's side.
func (s *StripeClient) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	params := url.Values{}
	if email != "" {
		params.Set("email", email)
	}
	params.Set("metadata[userId]", userID)

	var customer stripeObject
	err := s.post(ctx, "CreateCustomer", "/v1/customers", params, "customer-create-"+userID, &customer)
	if err != nil {
		return "", err
	}
	return customer.ID, nil
}

// CreateCheckoutSession creates a subscription-mode Checkout Session for a
// single price and returns its hosted URL.
func (s *StripeClient) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (string, error) {
	params := url.Values{}
	params.Set("customer", p.CustomerID)
	params.Set("mode", "subscription")
	params.Set("line_items[0][price]", p.PriceID)
	params.Set("line_items[0][quantity]", "1")
	params.Set("client_reference_id", p.UserID)
	params.Set("metadata[userId]", p.UserID)
	params.Set("success_url", p.SuccessURL)
	params.Set("cancel_url", p.CancelURL)

	var session stripeSession
	if err := s.post(ctx, "CreateCheckoutSession", "/v1/checkout/sessions", params, "", &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// CreatePortalSession creates a Billing Portal session for customerID.
func (s *StripeClient) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := url.Values{}
	params.Set("customer", customerID)
	params.Set("return_url", returnURL)

	var session stripeSession
	if err := s.post(ctx, "CreatePortalSession", "/v1/billing_portal/sessions", params, "", &session); err != nil {
		return "", err
	}
	return session.URL, nil
}

// GetSubscription retrieves a subscription by id.
func (s *StripeClient) GetSubscription(ctx context.Context, subscriptionID string) (*types.Subscription, error) {
	req, err := s.newRequest(ctx, http.MethodGet, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return nil, err
	}

	var sub stripeSubscription
	if err := s.do(req, "GetSubscription", &sub); err != nil {
		return nil, err
	}
	return sub.toDomain(), nil
}

// CancelSubscription cancels a subscription immediately. A subscription
// Stripe no longer knows about yields ErrCodeBillingResourceMissing.
func (s *StripeClient) CancelSubscription(ctx context.Context, subscriptionID string) error {
	req, err := s.newRequest(ctx, http.MethodDelete, "/v1/subscriptions/"+url.PathEscape(subscriptionID), nil)
	if err != nil {
		return err
	}
	return s.do(req, "CancelSubscription", nil)
}

// ---------------------------------------------------------------------------
// HTTP helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) post(ctx context.Context, op, path string, params url.Values, idempotencyKey string, out any) error {
	req, err := s.newRequest(ctx, http.MethodPost, path, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	return s.do(req, op, out)
}

func (s *StripeClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to build Stripe request", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey.Unmask())
	req.Header.Set("Stripe-Version", stripe.APIVersion)
	return req, nil
}

// do sends req and decodes a 2xx body into out (when non-nil).
func (s *StripeClient) do(req *http.Request, op string, out any) error {
	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapTransportError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return s.handleErrorResponse(resp, op)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.NewBillingProviderError(op+": failed to decode Stripe response", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Param   string `json:"param"`
}

// handleErrorResponse maps a non-2xx Stripe response to an AppError that
// carries Stripe's own message.
func (s *StripeClient) handleErrorResponse(resp *http.Response, op string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewBillingProviderError(
			fmt.Sprintf("%s: Stripe returned status %d", op, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if err := json.Unmarshal(body, &stripeErr); err != nil || stripeErr.Error.Message == "" {
		return types.NewBillingProviderError(
			fmt.Sprintf("%s: Stripe returned status %d", op, resp.StatusCode),
			err,
		)
	}
	return s.mapStripeError(op, resp.StatusCode, &stripeErr.Error)
}

func (s *StripeClient) mapStripeError(op string, statusCode int, body *stripeErrorBody) error {
	details := map[string]any{"stripe_status": statusCode}
	if body.Code != "" {
		details["stripe_code"] = body.Code
	}
	if body.Param != "" {
		details["stripe_param"] = body.Param
	}

	if statusCode == http.StatusNotFound && body.Code == stripeResourceMissing {
		return types.NewAppErrorWithDetails(types.ErrCodeBillingResourceMissing, body.Message, nil, details)
	}

	s.logger.Warn("stripe request rejected",
		slog.String("operation", op),
		slog.Int("status", statusCode),
		slog.String("type", body.Type),
		slog.String("code", body.Code),
	)
	return types.NewAppErrorWithDetails(types.ErrCodeBillingProvider, body.Message, nil, details)
}

// wrapTransportError converts a BaseClient failure into a provider error,
// keeping the upstream cause for logs.
func (s *StripeClient) wrapTransportError(op string, err error) error {
	var appErr *types.AppError
	if errors.As(err, &appErr) {
		return types.NewBillingProviderError(fmt.Sprintf("%s: %s", op, appErr.Message), err)
	}
	return types.NewBillingProviderError(fmt.Sprintf("%s: Stripe request failed", op), err)
}

// ---------------------------------------------------------------------------
// Response types
// ---------------------------------------------------------------------------

type stripeObject struct {
	ID string `json:"id"`
}

type stripeSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID       string `json:"id"`
	Customer string `json:"customer"`
	Status   string `json:"status"`
	Items    struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) toDomain() *types.Subscription {
	sub := &types.Subscription{
		ID:         s.ID,
		CustomerID: s.Customer,
		Status:     types.SubscriptionStatus(s.Status),
	}
	if len(s.Items.Data) > 0 {
		sub.PriceID = s.Items.Data[0].Price.ID
	}
	return sub
}
