package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

const (
	stripeProviderName       = "stripe"
	stripeSignatureHeader    = "Stripe-Signature"
	stripeIntentSucceeded    = "payment_intent.succeeded"
	stripeIntentFailed       = "payment_intent.payment_failed"
	defaultStripeFailure     = "payment_failed"
	stripeOrderMetadataKey   = "order_id"
	stripeOrderMetadataCamel = "orderId"
)

// StripeLogger defines the logging contract for Stripe webhook parsing.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

// StripeEventParserConfig configures the StripeEventParser.
type StripeEventParserConfig struct {
	WebhookSecret string
	Tolerance     time.Duration
	Logger        StripeLogger
}

// StripeEventParser verifies Stripe webhook signatures and maps payment intent events to confirmations.
type StripeEventParser struct {
	secret    string
	tolerance time.Duration
	logger    StripeLogger
}

var _ EventParser = (*StripeEventParser)(nil)

// NewStripeEventParser constructs a parser bound to the endpoint signing secret.
func NewStripeEventParser(cfg StripeEventParserConfig) (*StripeEventParser, error) {
	secret := strings.TrimSpace(cfg.WebhookSecret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &StripeEventParser{secret: secret, tolerance: tolerance, logger: logger}, nil
}

// Parse verifies the Stripe-Signature header. Event types other than payment intent outcomes are
// returned with Ignored set.
func (p *StripeEventParser) Parse(ctx context.Context, payload []byte, headers http.Header) (Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, headers.Get(stripeSignatureHeader), p.secret, webhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		p.logger(ctx, "stripe.webhook.rejected", map[string]any{"error": err.Error()})
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := Event{ID: event.ID, Type: string(event.Type), Provider: stripeProviderName}
	switch out.Type {
	case stripeIntentSucceeded, stripeIntentFailed:
	default:
		out.Ignored = true
		return out, nil
	}

	var intent stripe.PaymentIntent
	if event.Data == nil {
		return Event{}, fmt.Errorf("%w: event %s has no data", ErrInvalidPayload, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("%w: decode payment intent: %v", ErrInvalidPayload, err)
	}

	orderID := strings.TrimSpace(intent.Metadata[stripeOrderMetadataKey])
	if orderID == "" {
		orderID = strings.TrimSpace(intent.Metadata[stripeOrderMetadataCamel])
	}
	if orderID == "" {
		p.logger(ctx, "stripe.webhook.unlinked", map[string]any{"eventId": event.ID, "intentId": intent.ID})
		out.Ignored = true
		return out, nil
	}

	minor := intent.Amount
	succeeded := out.Type == stripeIntentSucceeded
	if succeeded && intent.AmountReceived > 0 {
		minor = intent.AmountReceived
	}
	code := strings.ToUpper(string(intent.Currency))
	amount, err := FromMinorUnits(minor, code)
	if err != nil {
		return Event{}, err
	}

	out.Confirmation.OrderID = orderID
	out.Confirmation.Provider = stripeProviderName
	out.Confirmation.ExternalRef = intent.ID
	out.Confirmation.Amount = amount
	out.Confirmation.Currency = code
	out.Confirmation.Succeeded = succeeded
	if !succeeded {
		out.Confirmation.FailureReason = stripeFailureReason(intent.LastPaymentError)
	}
	return out, nil
}

func stripeFailureReason(err *stripe.Error) string {
	if err == nil {
		return defaultStripeFailure
	}
	if code := strings.TrimSpace(string(err.DeclineCode)); code != "" {
		return code
	}
	if code := strings.TrimSpace(string(err.Code)); code != "" {
		return code
	}
	return defaultStripeFailure
}
