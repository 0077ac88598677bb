package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tableside/api/internal/payments"
	"github.com/tableside/api/internal/platform/httpx"
	"github.com/tableside/api/internal/platform/requestctx"
	"github.com/tableside/api/internal/services"
)

const (
	maxWebhookBodySize = 256 * 1024
	pushEventSource    = "pubsub"
)

// PaymentEventHandlers turns verified provider notifications into payment confirmations.
type PaymentEventHandlers struct {
	events *payments.Manager
	orders services.OrderService
}

// NewPaymentEventHandlers constructs webhook and internal push handlers.
func NewPaymentEventHandlers(events *payments.Manager, orders services.OrderService) *PaymentEventHandlers {
	return &PaymentEventHandlers{events: events, orders: orders}
}

// WebhookRoutes registers provider webhooks under /webhooks.
func (h *PaymentEventHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/{provider}", h.handleWebhook)
}

// InternalRoutes registers Pub/Sub push endpoints under /internal. Callers mount OIDC in front.
func (h *PaymentEventHandlers) InternalRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/events", h.handlePush)
}

func (h *PaymentEventHandlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "provider")))
	h.process(w, r, provider)
}

func (h *PaymentEventHandlers) handlePush(w http.ResponseWriter, r *http.Request) {
	h.process(w, r, pushEventSource)
}

func (h *PaymentEventHandlers) process(w http.ResponseWriter, r *http.Request, source string) {
	ctx := r.Context()
	if h.events == nil || h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment processing unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := h.events.Parse(ctx, source, body, r.Header)
	if err != nil {
		writePaymentEventError(ctx, w, source, err)
		return
	}

	logger := requestctx.Logger(ctx).With(
		zap.String("source", source),
		zap.String("eventId", event.ID),
		zap.String("eventType", event.Type),
	)
	if event.Ignored {
		logger.Debug("payment event ignored")
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ignored", "eventId": event.ID})
		return
	}

	outcome, err := h.orders.ConfirmPayment(ctx, event.Confirmation)
	if err != nil {
		logger.Warn("payment confirmation failed", zap.String("orderId", event.Confirmation.OrderID), zap.Error(err))
		writeOrderError(ctx, w, err)
		return
	}
	logger.Info("payment confirmation applied",
		zap.String("orderId", outcome.Order.ID),
		zap.String("paymentStatus", string(outcome.Order.Payment.Status)),
		zap.Bool("replayed", outcome.Replayed),
	)
	httpx.WriteJSON(w, http.StatusOK, buildPaymentOutcomeResponse(outcome))
}

func writePaymentEventError(ctx context.Context, w http.ResponseWriter, source string, err error) {
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider):
		httpx.WriteError(ctx, w, httpx.NewError("payment_provider_not_found", "unsupported payment provider "+source, http.StatusNotFound))
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "payment event signature rejected", http.StatusBadRequest))
	case errors.Is(err, payments.ErrInvalidPayload):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", err.Error(), http.StatusBadRequest))
	default:
		requestctx.Logger(ctx).Error("payment event parse failed", zap.String("source", source), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("payment_event_error", "failed to process payment event", http.StatusInternalServerError))
	}
}
