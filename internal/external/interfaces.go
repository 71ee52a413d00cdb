package external

// Stripe event types the billing service reacts to.
const (
	EventStripeCheckoutCompleted = "checkout.session.completed"
	EventStripeSubUpdated        = "customer.subscription.updated"
	EventStripeSubDeleted        = "customer.subscription.deleted"
)

// StripeSignatureHeader is the request header carrying the webhook signature.
const StripeSignatureHeader = "Stripe-Signature"
