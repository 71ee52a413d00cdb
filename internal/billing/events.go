package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"rentaltrack/internal/external"
	"rentaltrack/internal/types"
)

// Event is a parsed billing provider event. The set of implementations is
// closed: CheckoutCompleted, SubscriptionUpdated, SubscriptionDeleted and
// UnrecognizedEvent.
type Event interface {
	Meta() EventMeta
	isEvent()
}

// EventMeta carries the envelope fields shared by every event.
type EventMeta struct {
	ID        string
	Type      string
	CreatedAt time.Time
}

func (m EventMeta) Meta() EventMeta { return m }

// CheckoutCompleted is a finished checkout session. UserID is empty when the
// session carried no user tag.
type CheckoutCompleted struct {
	EventMeta
	UserID         string
	CustomerID     string
	SubscriptionID string
}

// SubscriptionUpdated reports a change to an existing subscription.
type SubscriptionUpdated struct {
	EventMeta
	SubscriptionID string
	PriceID        string // first line item
	Status         types.SubscriptionStatus
}

// SubscriptionDeleted reports that a subscription has ended.
type SubscriptionDeleted struct {
	EventMeta
	SubscriptionID string
}

// UnrecognizedEvent is any event type this service does not act on.
type UnrecognizedEvent struct {
	EventMeta
}

func (CheckoutCompleted) isEvent()   {}
func (SubscriptionUpdated) isEvent() {}
func (SubscriptionDeleted) isEvent() {}
func (UnrecognizedEvent) isEvent()   {}

// Event kinds used in logs and metrics.
const (
	KindCheckoutCompleted   = "checkout_completed"
	KindSubscriptionUpdated = "subscription_updated"
	KindSubscriptionDeleted = "subscription_deleted"
	KindUnrecognized        = "unrecognized"
)

// EventKind returns the short kind name of e.
func EventKind(e Event) string {
	switch e.(type) {
	case CheckoutCompleted:
		return KindCheckoutCompleted
	case SubscriptionUpdated:
		return KindSubscriptionUpdated
	case SubscriptionDeleted:
		return KindSubscriptionDeleted
	default:
		return KindUnrecognized
	}
}

// ParseEvent decodes a verified webhook payload. The signature must be
// checked before calling it. Malformed JSON, a missing event id, or a known
// event type whose object lacks the fields needed to act on it yields a
// validation error.
func ParseEvent(payload []byte) (Event, error) {
	var env stripeEventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidJSON, "invalid webhook event JSON", err)
	}
	if env.ID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "webhook event has no id", nil)
	}

	meta := EventMeta{
		ID:        env.ID,
		Type:      env.Type,
		CreatedAt: time.Unix(env.Created, 0).UTC(),
	}

	switch env.Type {
	case external.EventStripeCheckoutCompleted:
		var session stripeCheckoutSession
		if err := env.decodeObject(&session); err != nil {
			return nil, err
		}
		return CheckoutCompleted{
			EventMeta:      meta,
			UserID:         session.userID(),
			CustomerID:     session.Customer,
			SubscriptionID: session.Subscription,
		}, nil

	case external.EventStripeSubUpdated:
		var sub stripeSubscription
		if err := env.decodeSubscription(&sub); err != nil {
			return nil, err
		}
		return SubscriptionUpdated{
			EventMeta:      meta,
			SubscriptionID: sub.ID,
			PriceID:        sub.firstPriceID(),
			Status:         types.SubscriptionStatus(sub.Status),
		}, nil

	case external.EventStripeSubDeleted:
		var sub stripeSubscription
		if err := env.decodeSubscription(&sub); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{
			EventMeta:      meta,
			SubscriptionID: sub.ID,
		}, nil

	default:
		return UnrecognizedEvent{EventMeta: meta}, nil
	}
}

// ---------------------------------------------------------------------------
// Wire format
// ---------------------------------------------------------------------------

// stripeEventEnvelope holds the event fields needed for dispatch. The data
// object is decoded per type.
type stripeEventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

func (e *stripeEventEnvelope) decodeObject(dst any) error {
	if len(e.Data.Object) == 0 {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s event has no data object", e.Type), nil)
	}
	if err := json.Unmarshal(e.Data.Object, dst); err != nil {
		return types.NewAppError(types.ErrCodeValidationInvalidJSON,
			fmt.Sprintf("invalid %s data object", e.Type), err)
	}
	return nil
}

func (e *stripeEventEnvelope) decodeSubscription(sub *stripeSubscription) error {
	if err := e.decodeObject(sub); err != nil {
		return err
	}
	if sub.ID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("%s event has no subscription id", e.Type), nil)
	}
	return nil
}

type stripeCheckoutSession struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// userID prefers the metadata tag set at checkout and falls back to the
// client reference id, which carries the same value.
func (s *stripeCheckoutSession) userID() string {
	if id := s.Metadata["userId"]; id != "" {
		return id
	}
	return s.ClientReferenceID
}

type stripeSubscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Items  struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (s *stripeSubscription) firstPriceID() string {
	if len(s.Items.Data) == 0 {
		return ""
	}
	return s.Items.Data[0].Price.ID
}
