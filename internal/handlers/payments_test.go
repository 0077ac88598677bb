package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/payments"
	"github.com/tableside/api/internal/services"
)

const handlerWebhookSecret = "whsec_handlers"

func newPaymentRouter(t *testing.T, svc services.OrderService) chi.Router {
	t.Helper()
	stripeParser, err := payments.NewStripeEventParser(payments.StripeEventParserConfig{WebhookSecret: handlerWebhookSecret})
	require.NoError(t, err)
	manager, err := payments.NewManager(map[string]payments.EventParser{
		"stripe": stripeParser,
		"pubsub": payments.PushEventParser{},
	})
	require.NoError(t, err)

	h := NewPaymentEventHandlers(manager, svc)
	router := chi.NewRouter()
	router.Route("/webhooks", h.WebhookRoutes)
	router.Route("/internal", h.InternalRoutes)
	return router
}

func signedStripeRequest(t *testing.T, eventType string, intent map[string]any, secret string) *http.Request {
	t.Helper()
	object, err := json.Marshal(intent)
	require.NoError(t, err)
	payload := []byte(`{"id":"evt_h1","object":"event","type":"` + eventType + `","api_version":"2020-08-27","data":{"object":` + string(object) + `}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret, Timestamp: time.Now()})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payments/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

func TestPaymentEventHandlersStripeWebhook(t *testing.T) {
	var captured services.PaymentConfirmation
	svc := &stubOrderService{confirmFn: func(_ context.Context, confirmation services.PaymentConfirmation) (services.PaymentOutcome, error) {
		captured = confirmation
		order := sampleOrder(t)
		order.Payment = domain.OrderPayment{
			Provider:    "stripe",
			Status:      domain.PaymentStatusSucceeded,
			Amount:      confirmation.Amount,
			Currency:    confirmation.Currency,
			ExternalRef: confirmation.ExternalRef,
		}
		return services.PaymentOutcome{
			Order:   order,
			Invoice: &domain.InvoiceIssue{OrderID: order.ID, InvoiceNumber: "T-000007"},
		}, nil
	}}
	router := newPaymentRouter(t, svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, "payment_intent.succeeded", map[string]any{
		"id":              "pi_1",
		"object":          "payment_intent",
		"amount":          2470,
		"amount_received": 2470,
		"currency":        "usd",
		"metadata":        map[string]string{"order_id": "ord_1"},
	}, handlerWebhookSecret))

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "ord_1", captured.OrderID)
	assert.True(t, captured.Succeeded)
	assert.Equal(t, "24.70", captured.Amount.StringFixed(2))

	body := decodeBody(t, rr)
	assert.Equal(t, "T-000007", body["invoiceNumber"])
	assert.Equal(t, "succeeded", body["payment"].(map[string]any)["status"])
}

func TestPaymentEventHandlersStripeRejectsAndIgnores(t *testing.T) {
	svc := &stubOrderService{}
	router := newPaymentRouter(t, svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, "payment_intent.succeeded", map[string]any{"id": "pi_1", "object": "payment_intent"}, "whsec_wrong"))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_signature", decodeBody(t, rr)["error"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, signedStripeRequest(t, "customer.created", map[string]any{"id": "cus_1", "object": "customer"}, handlerWebhookSecret))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ignored", decodeBody(t, rr)["status"])

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/payments/paypal", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestPaymentEventHandlersInternalPush(t *testing.T) {
	var captured services.PaymentConfirmation
	svc := &stubOrderService{confirmFn: func(_ context.Context, confirmation services.PaymentConfirmation) (services.PaymentOutcome, error) {
		captured = confirmation
		if confirmation.OrderID == "ord_missing" {
			return services.PaymentOutcome{}, services.ErrOrderNotFound
		}
		order := sampleOrder(t)
		order.Payment.Status = domain.PaymentStatusMismatch
		return services.PaymentOutcome{Order: order}, nil
	}}
	router := newPaymentRouter(t, svc)

	push := func(message payments.PushPayment) *httptest.ResponseRecorder {
		data, err := json.Marshal(message)
		require.NoError(t, err)
		envelope, err := json.Marshal(map[string]any{
			"message": map[string]any{"data": base64.StdEncoding.EncodeToString(data), "messageId": "m-7"},
		})
		require.NoError(t, err)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/payments/events", bytes.NewReader(envelope)))
		return rr
	}

	rr := push(payments.PushPayment{OrderID: "ord_1", Provider: "adyen", ExternalRef: "psp_1", Amount: "20.00", Currency: "usd", Status: "succeeded"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "adyen", captured.Provider)
	assert.Equal(t, "USD", captured.Currency)
	assert.Equal(t, "mismatch", decodeBody(t, rr)["payment"].(map[string]any)["status"])

	rr = push(payments.PushPayment{OrderID: "ord_missing", Amount: "1.00", Status: "failed"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = push(payments.PushPayment{OrderID: "ord_1", Amount: "1.00", Status: "refunded"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_payload", decodeBody(t, rr)["error"])
}

func TestPaymentEventHandlersUnavailable(t *testing.T) {
	h := NewPaymentEventHandlers(nil, nil)
	router := chi.NewRouter()
	router.Route("/internal", h.InternalRoutes)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/internal/payments/events", bytes.NewReader([]byte(`{}`))))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
