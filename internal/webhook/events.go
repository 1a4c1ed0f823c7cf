// Package webhook turns provider webhook payloads into typed billing events
// and routes each one to exactly one reconciler operation.
package webhook

import "github.com/PortNumber53/taskboard-billing/backend/internal/billing"

// Provider event types this service understands.
const (
	TypeCheckoutCompleted    = "checkout.session.completed"
	TypeSubscriptionCreated  = "customer.subscription.created"
	TypeSubscriptionUpdated  = "customer.subscription.updated"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeInvoicePaid          = "invoice.paid"
	TypeInvoiceSucceeded     = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
)

// Event is one decoded webhook. The set of variants is closed.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

type envelopeMeta struct {
	ID   string
	Type string
}

func (m envelopeMeta) EventID() string   { return m.ID }
func (m envelopeMeta) EventType() string { return m.Type }
func (envelopeMeta) isEvent()            {}

// CheckoutCompleted wraps a finished checkout session.
type CheckoutCompleted struct {
	envelopeMeta
	billing.CheckoutCompleted
}

// SubscriptionSynced covers both subscription created and updated events.
type SubscriptionSynced struct {
	envelopeMeta
	billing.SubscriptionSynced
}

// SubscriptionRemoved is a deleted subscription.
type SubscriptionRemoved struct {
	envelopeMeta
	billing.SubscriptionRemoved
}

// InvoicePaid is a successful invoice charge.
type InvoicePaid struct {
	envelopeMeta
	billing.InvoicePaid
}

// InvoicePaymentFailed is a failed invoice charge.
type InvoicePaymentFailed struct {
	envelopeMeta
	billing.InvoicePaymentFailed
}

// Unknown is any event type without a handler. It is acknowledged and
// otherwise ignored.
type Unknown struct {
	envelopeMeta
}
