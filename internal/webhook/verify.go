package webhook

import (
	"errors"
	"fmt"
	"strings"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
)

// SignatureHeader is the header carrying the provider's payload signature.
const SignatureHeader = "Stripe-Signature"

// ErrInvalidSignature is returned when a payload fails verification.
var ErrInvalidSignature = errors.New("webhook: invalid signature")

// Verifier checks payload signatures. A Verifier without a secret accepts
// every payload, for local development against unsigned fixtures.
type Verifier struct {
	secret string
}

// NewVerifier creates a Verifier for the given signing secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: strings.TrimSpace(secret)}
}

// Enabled reports whether signatures are checked.
func (v *Verifier) Enabled() bool {
	return v != nil && v.secret != ""
}

// Verify validates payload against the signature header.
func (v *Verifier) Verify(payload []byte, header string) error {
	if !v.Enabled() {
		return nil
	}
	if strings.TrimSpace(header) == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	if err := stripewebhook.ValidatePayload(payload, header, v.secret); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}
