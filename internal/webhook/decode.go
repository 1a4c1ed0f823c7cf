package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/PortNumber53/taskboard-billing/backend/internal/billing"
)

var (
	// ErrMalformedEnvelope means the body is not a webhook envelope at all.
	ErrMalformedEnvelope = errors.New("webhook: malformed envelope")
	// ErrInvalidObject means a known event carried an object of the wrong shape.
	ErrInvalidObject = errors.New("webhook: invalid event object")
)

type envelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// reference is an id field that may arrive as a bare string or as an
// expanded object carrying an id.
type reference string

func (r *reference) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = reference(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*r = reference(obj.ID)
	return nil
}

type checkoutSession struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          reference         `json:"customer"`
	Subscription      reference         `json:"subscription"`
	PaymentIntent     reference         `json:"payment_intent"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	Metadata          map[string]string `json:"metadata"`
}

type subscriptionObject struct {
	ID               string    `json:"id"`
	Customer         reference `json:"customer"`
	Status           string    `json:"status"`
	CurrentPeriodEnd *int64    `json:"current_period_end"`
	CanceledAt       *int64    `json:"canceled_at"`
	Items            struct {
		Data []struct {
			CurrentPeriodEnd *int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

// periodEnd prefers the top-level field and falls back to the first item,
// where newer API versions report it.
func (s subscriptionObject) periodEnd() *int64 {
	if s.CurrentPeriodEnd != nil {
		return s.CurrentPeriodEnd
	}
	if len(s.Items.Data) > 0 {
		return s.Items.Data[0].CurrentPeriodEnd
	}
	return nil
}

type invoiceObject struct {
	ID            string    `json:"id"`
	Subscription  reference `json:"subscription"`
	PaymentIntent reference `json:"payment_intent"`
	AmountPaid    int64     `json:"amount_paid"`
	AmountDue     int64     `json:"amount_due"`
	Currency      string    `json:"currency"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription reference `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

func (i invoiceObject) subscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// Decode parses a webhook body into one Event. Unknown types decode to
// Unknown without inspecting the object.
func Decode(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	env.Type = strings.TrimSpace(env.Type)
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	meta := envelopeMeta{ID: env.ID, Type: env.Type}

	switch env.Type {
	case TypeCheckoutCompleted:
		var obj checkoutSession
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return CheckoutCompleted{envelopeMeta: meta, CheckoutCompleted: billing.CheckoutCompleted{
			UserID:                 userReference(obj),
			ExternalSubscriptionID: string(obj.Subscription),
			ExternalCustomerID:     string(obj.Customer),
			ExternalPaymentID:      string(obj.PaymentIntent),
			AmountPaid:             fromMinorUnits(obj.AmountTotal),
			Currency:               obj.Currency,
		}}, nil

	case TypeSubscriptionCreated, TypeSubscriptionUpdated:
		var obj subscriptionObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return SubscriptionSynced{envelopeMeta: meta, SubscriptionSynced: billing.SubscriptionSynced{
			ExternalSubscriptionID: obj.ID,
			ExternalCustomerID:     string(obj.Customer),
			ExternalStatus:         obj.Status,
			CurrentPeriodEnd:       obj.periodEnd(),
			CancelledAt:            obj.CanceledAt,
		}}, nil

	case TypeSubscriptionDeleted:
		var obj subscriptionObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return SubscriptionRemoved{envelopeMeta: meta, SubscriptionRemoved: billing.SubscriptionRemoved{
			ExternalSubscriptionID: obj.ID,
		}}, nil

	case TypeInvoicePaid, TypeInvoiceSucceeded:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		return InvoicePaid{envelopeMeta: meta, InvoicePaid: billing.InvoicePaid{
			ExternalSubscriptionID:  obj.subscriptionID(),
			ExternalPaymentIntentID: string(obj.PaymentIntent),
			ExternalInvoiceID:       obj.ID,
			AmountPaid:              fromMinorUnits(obj.AmountPaid),
			Currency:                obj.Currency,
		}}, nil

	case TypeInvoicePaymentFailed:
		var obj invoiceObject
		if err := decodeObject(env, &obj); err != nil {
			return nil, err
		}
		failed := billing.InvoicePaymentFailed{
			ExternalSubscriptionID: obj.subscriptionID(),
			ExternalInvoiceID:      obj.ID,
			AmountDue:              fromMinorUnits(obj.AmountDue),
			Currency:               obj.Currency,
		}
		if obj.LastPaymentError != nil {
			failed.FailureCode = obj.LastPaymentError.Code
			failed.FailureMessage = obj.LastPaymentError.Message
		}
		return InvoicePaymentFailed{envelopeMeta: meta, InvoicePaymentFailed: failed}, nil

	default:
		return Unknown{envelopeMeta: meta}, nil
	}
}

func decodeObject(env envelope, dst any) error {
	if len(env.Data.Object) == 0 {
		return fmt.Errorf("%w: %s: missing data.object", ErrInvalidObject, env.Type)
	}
	if err := json.Unmarshal(env.Data.Object, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidObject, env.Type, err)
	}
	return nil
}

// userReference reads the local user id from client_reference_id, then
// metadata.user_id. Zero means no usable reference.
func userReference(s checkoutSession) int64 {
	for _, raw := range []string{s.ClientReferenceID, s.Metadata["user_id"]} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			log.Warn().Str("checkout_session_id", s.ID).Str("user_reference", raw).Msg("ignoring non-numeric user reference")
			continue
		}
		return id
	}
	return 0
}

func fromMinorUnits(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
