package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	domain "github.com/tableside/api/internal/domain"
)

const (
	pushStatusSucceeded = "succeeded"
	pushStatusFailed    = "failed"
)

type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// PushPayment is the message body internal payment relays publish.
type PushPayment struct {
	OrderID       string `json:"orderId"`
	Provider      string `json:"provider"`
	ExternalRef   string `json:"externalRef"`
	Amount        string `json:"amount"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

// PushEventParser decodes Pub/Sub push deliveries. Callers authenticate the push with OIDC before parsing.
type PushEventParser struct{}

var _ EventParser = PushEventParser{}

// Parse decodes the push envelope and its base64 payment payload.
func (PushEventParser) Parse(_ context.Context, payload []byte, _ http.Header) (Event, error) {
	var envelope pushEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return Event{}, fmt.Errorf("%w: decode push envelope: %v", ErrInvalidPayload, err)
	}
	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		return Event{}, fmt.Errorf("%w: decode push data: %v", ErrInvalidPayload, err)
	}
	var body PushPayment
	if err := json.Unmarshal(raw, &body); err != nil {
		return Event{}, fmt.Errorf("%w: decode payment message: %v", ErrInvalidPayload, err)
	}

	event := Event{
		ID:       envelope.Message.MessageID,
		Type:     strings.TrimSpace(envelope.Message.Attributes["eventType"]),
		Provider: strings.ToLower(strings.TrimSpace(body.Provider)),
	}
	if event.Provider == "" {
		event.Provider = "pubsub"
	}

	status := strings.ToLower(strings.TrimSpace(body.Status))
	if status != pushStatusSucceeded && status != pushStatusFailed {
		return Event{}, fmt.Errorf("%w: unknown payment status %q", ErrInvalidPayload, body.Status)
	}
	orderID := strings.TrimSpace(body.OrderID)
	if orderID == "" {
		return Event{}, fmt.Errorf("%w: orderId is required", ErrInvalidPayload)
	}
	amount, err := domain.ParseMoney(body.Amount)
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	event.Confirmation.OrderID = orderID
	event.Confirmation.Provider = event.Provider
	event.Confirmation.ExternalRef = strings.TrimSpace(body.ExternalRef)
	event.Confirmation.Amount = amount
	event.Confirmation.Currency = strings.ToUpper(strings.TrimSpace(body.Currency))
	event.Confirmation.Succeeded = status == pushStatusSucceeded
	event.Confirmation.FailureReason = strings.TrimSpace(body.FailureReason)
	return event, nil
}
