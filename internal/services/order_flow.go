package services

import (
	"strings"
	"time"
	"unicode"

	domain "github.com/tableside/api/internal/domain"
)

var (
	dineInFlow = []domain.OrderStatus{
		domain.OrderStatusPlaced,
		domain.OrderStatusKitchenInProgress,
		domain.OrderStatusKitchenDone,
		domain.OrderStatusReadyToClose,
		domain.OrderStatusClosed,
	}
	deliveryFlow = []domain.OrderStatus{
		domain.OrderStatusPlaced,
		domain.OrderStatusKitchenInProgress,
		domain.OrderStatusKitchenDone,
		domain.OrderStatusAssignedToCourier,
		domain.OrderStatusOnTheWay,
		domain.OrderStatusDelivered,
		domain.OrderStatusClosed,
	}
)

// statusAliases maps every accepted spelling, after snake-casing, to the canonical status.
var statusAliases = map[string]domain.OrderStatus{
	"placed":              domain.OrderStatusPlaced,
	"kitchen_in_progress": domain.OrderStatusKitchenInProgress,
	"kitchen_done":        domain.OrderStatusKitchenDone,
	"ready_to_close":      domain.OrderStatusReadyToClose,
	"assigned_to_courier": domain.OrderStatusAssignedToCourier,
	"on_the_way":          domain.OrderStatusOnTheWay,
	"delivered":           domain.OrderStatusDelivered,
	"closed":              domain.OrderStatusClosed,
	"cancelled":           domain.OrderStatusCancelled,

	"ready":              domain.OrderStatusKitchenDone,
	"ready_for_delivery": domain.OrderStatusKitchenDone,
	"served":             domain.OrderStatusReadyToClose,
	"out_for_delivery":   domain.OrderStatusOnTheWay,
	"completed":          domain.OrderStatusClosed,
	"canceled":           domain.OrderStatusCancelled,
	"cancel":             domain.OrderStatusCancelled,
}

var fulfillmentAliases = map[string]domain.FulfillmentType{
	"dine_in":  domain.FulfillmentDineIn,
	"delivery": domain.FulfillmentDelivery,
	"pickup":   domain.FulfillmentPickup,
}

// Actor identifies who requested a state change.
type Actor struct {
	ID    string
	Admin bool
}

// CanonicalStatus resolves a status or alias (snake_case, camelCase or kebab-case) to the closed vocabulary.
func CanonicalStatus(raw string) (domain.OrderStatus, error) {
	key := snakeCase(raw)
	if key == "" {
		return "", newRejection(RejectMissingField, -1, "status is required")
	}
	status, ok := statusAliases[key]
	if !ok {
		return "", newRejection(RejectUnknownStatus, -1, "unknown order status %q", raw)
	}
	return status, nil
}

// ParseFulfillment resolves the declared fulfillment type. Pickup is kept as declared.
func ParseFulfillment(raw string) (domain.FulfillmentType, error) {
	key := snakeCase(raw)
	if key == "" {
		return "", newRejection(RejectMissingField, -1, "fulfillment type is required")
	}
	fulfillment, ok := fulfillmentAliases[key]
	if !ok {
		return "", newRejection(RejectUnknownFulfillment, -1, "unknown fulfillment type %q", raw)
	}
	return fulfillment, nil
}

// NormalizeFulfillment resolves the fulfillment type, folding pickup into the dine-in flow.
func NormalizeFulfillment(raw string) (domain.FulfillmentType, error) {
	fulfillment, err := ParseFulfillment(raw)
	if err != nil {
		return "", err
	}
	if fulfillment == domain.FulfillmentPickup {
		return domain.FulfillmentDineIn, nil
	}
	return fulfillment, nil
}

// FlowFor returns the ordered status flow of a fulfillment type.
func FlowFor(fulfillment domain.FulfillmentType) []domain.OrderStatus {
	if fulfillment == domain.FulfillmentDelivery {
		return deliveryFlow
	}
	return dineInFlow
}

// InitialStatus is the first status of every flow.
func InitialStatus() domain.OrderStatus {
	return domain.OrderStatusPlaced
}

func flowIndex(flow []domain.OrderStatus, status domain.OrderStatus) int {
	for i, candidate := range flow {
		if candidate == status {
			return i
		}
	}
	return -1
}

// CheckTransition validates moving an order of the given type from current to requested.
// Non-cancel moves must be exactly one step forward or backward in the flow.
func CheckTransition(fulfillment domain.FulfillmentType, current, requested domain.OrderStatus, creator string, actor Actor) error {
	fulfillment, err := NormalizeFulfillment(string(fulfillment))
	if err != nil {
		return err
	}
	conflict := func(why string) error {
		return &TransitionConflict{From: current, To: requested, Type: fulfillment, Why: why}
	}
	if current.Terminal() {
		return conflict("order is in a terminal status")
	}
	if requested == domain.OrderStatusCancelled {
		if actor.Admin {
			return nil
		}
		if current != domain.OrderStatusPlaced {
			return conflict("only an administrator may cancel after the order left placed")
		}
		if strings.TrimSpace(creator) == "" || actor.ID != creator {
			return conflict("only the order creator may cancel a placed order")
		}
		return nil
	}

	flow := FlowFor(fulfillment)
	c := flowIndex(flow, current)
	n := flowIndex(flow, requested)
	if c < 0 {
		return conflict("current status is outside the flow")
	}
	if n < 0 {
		return conflict("requested status is outside the flow")
	}
	if n != c+1 && n != c-1 {
		return conflict("transitions move exactly one step")
	}
	return nil
}

// ApplyTransition validates against the order's current status and appends a history entry.
// The order is left untouched when the transition is rejected.
func ApplyTransition(order *domain.Order, requested domain.OrderStatus, actor Actor, now time.Time) error {
	if err := CheckTransition(order.FulfillmentType, order.Status, requested, order.CreatedBy, actor); err != nil {
		return err
	}
	order.History = append(order.History, domain.StatusHistoryEntry{
		From: order.Status,
		To:   requested,
		By:   actor.ID,
		At:   now,
	})
	order.Status = requested
	order.UpdatedAt = now
	return nil
}

func snakeCase(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(trimmed) + 4)
	prevLower := false
	for _, r := range trimmed {
		switch {
		case r == '-' || r == ' ' || r == '_':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}
	return b.String()
}
