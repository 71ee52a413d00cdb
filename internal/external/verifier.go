package external

import (
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"rentaltrack/internal/types"
)

// StripeVerifier checks the Stripe-Signature header of webhook deliveries.
type StripeVerifier struct {
	secret    types.SecretString
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the given signing secret. A zero
// tolerance uses stripe-go's default of five minutes.
func NewStripeVerifier(secret types.SecretString, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify validates the HMAC signature and timestamp of payload.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) error {
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret.Unmask(), v.tolerance); err != nil {
		return types.NewSignatureVerificationError(err)
	}
	return nil
}
