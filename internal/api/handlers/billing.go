package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"rentaltrack/internal/billing"
	"rentaltrack/internal/core"
	"rentaltrack/internal/types"
)

// CheckoutStarter opens provider checkout sessions.
// Implemented by billing.CheckoutInitiator.
type CheckoutStarter interface {
	StartCheckout(ctx context.Context, req billing.CheckoutRequest) (string, error)
}

// SubscriptionService cancels subscriptions and opens the billing portal.
// Implemented by billing.SubscriptionManager.
type SubscriptionService interface {
	CancelSubscription(ctx context.Context, userID string) error
	OpenBillingPortal(ctx context.Context, userID, returnOrigin string) (string, error)
}

// AccountProvisioner creates the account row on first sign-in.
// Implemented by db.AccountRepository.
type AccountProvisioner interface {
	FindOrCreate(ctx context.Context, userID string) (*types.Account, bool, error)
}

// --- Request/Response Models ---

// CreateCheckoutRequest is the body of POST /api/create-checkout.
type CreateCheckoutRequest struct {
	PriceID string `json:"priceId" validate:"required,max=255"`
	UserID  string `json:"userId" validate:"required,max=255"`
	Email   string `json:"email" validate:"required,email,max=320"`
}

// UserRequest is the body of the endpoints that only need a user id.
type UserRequest struct {
	UserID string `json:"userId" validate:"required,max=255"`
}

// URLResponse carries a provider-hosted URL the client redirects to.
type URLResponse struct {
	URL string `json:"url"`
}

// SuccessResponse is returned by POST /api/cancel-subscription.
type SuccessResponse struct {
	Success bool `json:"success"`
}

// AccountResponse is returned by POST /api/accounts.
type AccountResponse struct {
	Account *types.Account `json:"account"`
	Created bool           `json:"created"`
}

// BillingHandlerConfig controls how redirect URLs are built.
type BillingHandlerConfig struct {
	// DashboardURL is used when the request Origin is absent or not trusted.
	DashboardURL string
	// TrustedOrigins may be echoed back as the redirect origin. A "*"
	// entry trusts nothing here; CORS wildcards are not a redirect policy.
	TrustedOrigins []string
}

// BillingHandler serves the user-initiated billing endpoints.
type BillingHandler struct {
	checkout      CheckoutStarter
	subscriptions SubscriptionService
	accounts      AccountProvisioner
	validator     *core.Validator
	dashboardURL  string
	trusted       map[string]struct{}
	logger        *slog.Logger
}

// NewBillingHandler creates a BillingHandler.
func NewBillingHandler(
	checkout CheckoutStarter,
	subscriptions SubscriptionService,
	accounts AccountProvisioner,
	validator *core.Validator,
	cfg BillingHandlerConfig,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if validator == nil {
		validator = core.NewValidator(logger)
	}

	trusted := make(map[string]struct{}, len(cfg.TrustedOrigins))
	for _, o := range cfg.TrustedOrigins {
		if o != "*" && o != "" {
			trusted[strings.TrimSuffix(o, "/")] = struct{}{}
		}
	}

	return &BillingHandler{
		checkout:      checkout,
		subscriptions: subscriptions,
		accounts:      accounts,
		validator:     validator,
		dashboardURL:  strings.TrimSuffix(cfg.DashboardURL, "/"),
		trusted:       trusted,
		logger:        logger,
	}
}

// RegisterRoutes mounts the billing endpoints. Other methods on these paths
// get the router's JSON 405.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/create-checkout", h.CreateCheckout)
		r.Post("/create-portal-session", h.CreatePortalSession)
		r.Post("/cancel-subscription", h.CancelSubscription)
		r.Post("/accounts", h.EnsureAccount)
	})
}

// CreateCheckout handles POST /api/create-checkout.
func (h *BillingHandler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req CreateCheckoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.checkout.StartCheckout(r.Context(), billing.CheckoutRequest{
		UserID:       req.UserID,
		Email:        req.Email,
		PriceID:      req.PriceID,
		ReturnOrigin: h.returnOrigin(r),
	})
	if err != nil {
		types.LoggerFromContext(r.Context(), h.logger).ErrorContext(r.Context(), "failed to start checkout",
			slog.String("user_id", req.UserID),
			slog.Any("error", err),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, URLResponse{URL: url})
}

// CreatePortalSession handles POST /api/create-portal-session. Accounts
// without a billing customer get 400.
func (h *BillingHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !h.decode(w, r, &req) {
		return
	}

	url, err := h.subscriptions.OpenBillingPortal(r.Context(), req.UserID, h.returnOrigin(r))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, URLResponse{URL: url})
}

// CancelSubscription handles POST /api/cancel-subscription.
func (h *BillingHandler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !h.decode(w, r, &req) {
		return
	}

	if err := h.subscriptions.CancelSubscription(r.Context(), req.UserID); err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, SuccessResponse{Success: true})
}

// EnsureAccount handles POST /api/accounts. It is called after sign-in and
// answers 201 when the account was created by this call.
func (h *BillingHandler) EnsureAccount(w http.ResponseWriter, r *http.Request) {
	var req UserRequest
	if !h.decode(w, r, &req) {
		return
	}

	acct, created, err := h.accounts.FindOrCreate(r.Context(), req.UserID)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	core.JSON(w, r, status, AccountResponse{Account: acct, Created: created})
}

// decode reads and validates the body into dst, writing the error response
// and returning false on failure.
func (h *BillingHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := core.DecodeJSON(w, r, dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		core.Error(w, r, err)
		return false
	}
	return true
}

// returnOrigin picks the origin for provider redirect URLs: the request's
// Origin when it is trusted, otherwise the dashboard URL.
func (h *BillingHandler) returnOrigin(r *http.Request) string {
	origin := strings.TrimSuffix(r.Header.Get("Origin"), "/")
	if _, ok := h.trusted[origin]; ok && origin != "" {
		return origin
	}
	return h.dashboardURL
}
