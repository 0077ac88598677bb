package services

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"

	domain "github.com/tableside/api/internal/domain"
)

func TestCanonicalStatusAliases(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"placed":              domain.OrderStatusPlaced,
		"kitchenInProgress":   domain.OrderStatusKitchenInProgress,
		"kitchen-in-progress": domain.OrderStatusKitchenInProgress,
		"KITCHEN_DONE":        domain.OrderStatusKitchenDone,
		"ready":               domain.OrderStatusKitchenDone,
		"readyForDelivery":    domain.OrderStatusKitchenDone,
		"served":              domain.OrderStatusReadyToClose,
		"outForDelivery":      domain.OrderStatusOnTheWay,
		" on_the_way ":        domain.OrderStatusOnTheWay,
		"completed":           domain.OrderStatusClosed,
		"canceled":            domain.OrderStatusCancelled,
		"Cancelled":           domain.OrderStatusCancelled,
	}
	for raw, want := range cases {
		got, err := CanonicalStatus(raw)
		if err != nil {
			t.Fatalf("CanonicalStatus(%q) error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("expected %q to resolve to %s, got %s", raw, want, got)
		}
	}
}

func TestCanonicalStatusRejectsUnknown(t *testing.T) {
	for _, raw := range []string{"cooking", "ready_to_eat", "placedd"} {
		_, err := CanonicalStatus(raw)
		expectRejection(t, err, RejectUnknownStatus)
	}
	_, err := CanonicalStatus("  ")
	expectRejection(t, err, RejectMissingField)
}

func TestNormalizeFulfillment(t *testing.T) {
	cases := map[string]domain.FulfillmentType{
		"dine_in":  domain.FulfillmentDineIn,
		"dineIn":   domain.FulfillmentDineIn,
		"pickup":   domain.FulfillmentDineIn,
		"Delivery": domain.FulfillmentDelivery,
	}
	for raw, want := range cases {
		got, err := NormalizeFulfillment(raw)
		if err != nil {
			t.Fatalf("NormalizeFulfillment(%q) error: %v", raw, err)
		}
		if got != want {
			t.Fatalf("expected %q to resolve to %s, got %s", raw, want, got)
		}
	}
	_, err := NormalizeFulfillment("drone")
	expectRejection(t, err, RejectUnknownFulfillment)
}

func TestCheckTransitionDineIn(t *testing.T) {
	staff := Actor{ID: "staff_1"}
	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusPlaced, domain.OrderStatusKitchenDone, "", staff); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected skip to be rejected, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusPlaced, domain.OrderStatusKitchenInProgress, "", staff); err != nil {
		t.Fatalf("expected forward step, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusKitchenInProgress, domain.OrderStatusPlaced, "", staff); err != nil {
		t.Fatalf("expected backward step, got %v", err)
	}
	err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusKitchenInProgress, domain.OrderStatusClosed, "", staff)
	var conflict *TransitionConflict
	if !errors.As(err, &conflict) {
		t.Fatalf("expected transition conflict, got %v", err)
	}
	if conflict.From != domain.OrderStatusKitchenInProgress || conflict.To != domain.OrderStatusClosed || conflict.Type != domain.FulfillmentDineIn {
		t.Fatalf("expected conflict triple to name the move, got %+v", conflict)
	}
}

func TestCheckTransitionOutsideFlow(t *testing.T) {
	staff := Actor{ID: "staff_1"}
	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusKitchenDone, domain.OrderStatusAssignedToCourier, "", staff); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected courier status to be outside the dine-in flow, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentPickup, domain.OrderStatusKitchenDone, domain.OrderStatusReadyToClose, "", staff); err != nil {
		t.Fatalf("expected pickup to follow dine-in, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDelivery, domain.OrderStatusKitchenDone, domain.OrderStatusAssignedToCourier, "", staff); err != nil {
		t.Fatalf("expected delivery step, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDelivery, domain.OrderStatusKitchenDone, domain.OrderStatusReadyToClose, "", staff); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ready_to_close outside delivery flow, got %v", err)
	}
}

func TestCheckTransitionCancellation(t *testing.T) {
	creator := Actor{ID: "user_1"}
	other := Actor{ID: "user_2"}
	admin := Actor{ID: "admin_1", Admin: true}

	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusPlaced, domain.OrderStatusCancelled, "user_1", creator); err != nil {
		t.Fatalf("expected creator cancel from placed, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusPlaced, domain.OrderStatusCancelled, "user_1", other); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected non-creator cancel to be rejected, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDineIn, domain.OrderStatusKitchenDone, domain.OrderStatusCancelled, "user_1", creator); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected creator cancel after placed to be rejected, got %v", err)
	}
	if err := CheckTransition(domain.FulfillmentDelivery, domain.OrderStatusOnTheWay, domain.OrderStatusCancelled, "user_1", admin); err != nil {
		t.Fatalf("expected admin cancel, got %v", err)
	}
	for _, terminal := range []domain.OrderStatus{domain.OrderStatusCancelled, domain.OrderStatusClosed} {
		if err := CheckTransition(domain.FulfillmentDineIn, terminal, domain.OrderStatusPlaced, "user_1", admin); !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("expected %s to be terminal, got %v", terminal, err)
		}
	}
}

func TestApplyTransitionAppendsHistory(t *testing.T) {
	created := time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)
	order := &domain.Order{
		ID:              "ord_1",
		FulfillmentType: domain.FulfillmentDineIn,
		Status:          domain.OrderStatusPlaced,
		History:         []domain.StatusHistoryEntry{{To: domain.OrderStatusPlaced, By: "user_1", At: created}},
		CreatedBy:       "user_1",
	}
	now := created.Add(5 * time.Minute)

	if err := ApplyTransition(order, domain.OrderStatusKitchenInProgress, Actor{ID: "chef"}, now); err != nil {
		t.Fatalf("ApplyTransition error: %v", err)
	}
	if order.Status != domain.OrderStatusKitchenInProgress || !order.UpdatedAt.Equal(now) {
		t.Fatalf("expected status and timestamp to move, got %s at %s", order.Status, order.UpdatedAt)
	}
	if len(order.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(order.History))
	}
	last := order.History[1]
	if last.From != domain.OrderStatusPlaced || last.To != domain.OrderStatusKitchenInProgress || last.By != "chef" {
		t.Fatalf("unexpected history entry %+v", last)
	}

	if err := ApplyTransition(order, domain.OrderStatusClosed, Actor{ID: "chef"}, now); err == nil {
		t.Fatalf("expected skip to fail")
	}
	if order.Status != domain.OrderStatusKitchenInProgress || len(order.History) != 2 {
		t.Fatalf("expected rejected transition to leave order untouched")
	}
}

func TestTransitionLegalityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fulfillment := rapid.SampledFrom([]domain.FulfillmentType{domain.FulfillmentDineIn, domain.FulfillmentDelivery}).Draw(t, "type")
		flow := FlowFor(fulfillment)
		c := rapid.IntRange(0, len(flow)-2).Draw(t, "current")
		n := rapid.IntRange(0, len(flow)-1).Draw(t, "requested")

		err := CheckTransition(fulfillment, flow[c], flow[n], "", Actor{ID: "staff"})
		legal := n == c+1 || n == c-1
		if legal && err != nil {
			t.Fatalf("expected %s -> %s to be legal, got %v", flow[c], flow[n], err)
		}
		if !legal && !errors.Is(err, ErrOrderInvalidState) {
			t.Fatalf("expected %s -> %s to be rejected, got %v", flow[c], flow[n], err)
		}
	})
}
