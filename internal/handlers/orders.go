package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/platform/auth"
	"github.com/tableside/api/internal/platform/httpx"
	"github.com/tableside/api/internal/platform/pagination"
	"github.com/tableside/api/internal/services"
)

const (
	maxQuoteBodySize  = 64 * 1024
	maxAppendBodySize = 64 * 1024
	maxSmallBodySize  = 4 * 1024
)

type cartLineRequest struct {
	MenuItemID string              `json:"menuItemId"`
	Quantity   int                 `json:"quantity"`
	Selections map[string][]string `json:"selections"`
	Note       string              `json:"note"`
}

type quoteRequest struct {
	Lines      []cartLineRequest `json:"lines"`
	CouponCode string            `json:"couponCode"`
	Tip        *string           `json:"tip"`
}

type clientQuoteRequest struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type placeOrderRequest struct {
	quoteRequest
	FulfillmentType string              `json:"fulfillmentType"`
	Quote           *clientQuoteRequest `json:"quote"`
	CustomerID      string              `json:"customerId"`
	Notes           string              `json:"notes"`
	Metadata        map[string]string   `json:"metadata"`
}

type transitionRequest struct {
	Status string `json:"status"`
}

type appendOptionRequest struct {
	GroupID    string `json:"groupId"`
	GroupName  string `json:"groupName"`
	OptionID   string `json:"optionId"`
	Name       string `json:"name"`
	PriceDelta string `json:"priceDelta"`
}

type appendLineRequest struct {
	MenuItemID string                `json:"menuItemId"`
	Name       string                `json:"name"`
	Quantity   int                   `json:"quantity"`
	BasePrice  string                `json:"basePrice"`
	Options    []appendOptionRequest `json:"options"`
	LineTotal  *string               `json:"lineTotal"`
	Note       string                `json:"note"`
}

type appendRequest struct {
	BatchID string              `json:"batchId"`
	Lines   []appendLineRequest `json:"lines"`
}

type activateTenantRequest struct {
	Reference string `json:"reference"`
}

type redeemRequest struct {
	Code    string `json:"code"`
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
}

// OrderHandlers exposes quoting, order placement and the order lifecycle endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	mutating    []func(http.Handler) http.Handler
	quoteLimits rateLimiter
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithMutationMiddlewares installs middlewares (idempotency) that run after authentication.
func WithMutationMiddlewares(mw ...func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.mutating = append(h.mutating, mw...)
	}
}

// WithQuoteRateLimit allows limit quote requests per caller and tenant per window, refilled evenly.
func WithQuoteRateLimit(limit int, window time.Duration, clock func() time.Time) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.quoteLimits = newBucketLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func (h *OrderHandlers) use(r chi.Router) {
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	for _, mw := range h.mutating {
		if mw != nil {
			r.Use(mw)
		}
	}
}

// TenantRoutes registers the /tenants endpoints.
func (h *OrderHandlers) TenantRoutes(r chi.Router) {
	if r == nil {
		return
	}
	h.use(r)
	r.With(scopeTenant).Post("/{tenantID}:activate", h.activateTenant)
	r.Route("/{tenantID}", func(r chi.Router) {
		r.Use(scopeTenant)
		r.Post("/quotes", h.quote)
		r.Post("/orders", h.placeOrder)
		r.Get("/orders", h.listOrders)
		r.Post("/orders/{orderID}:issue-invoice", h.issueInvoice)
		r.Post("/promotions/{promotionID}:redeem", h.redeemPromotion)
	})
}

// OrderRoutes registers the /orders endpoints.
func (h *OrderHandlers) OrderRoutes(r chi.Router) {
	if r == nil {
		return
	}
	h.use(r)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}:transition", h.transitionOrder)
	r.Post("/{orderID}/items:append", h.appendItems)
}

func (h *OrderHandlers) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	tenantID, ok := pathParam(ctx, w, r, "tenantID", "tenant id")
	if !ok {
		return
	}
	if h.quoteLimits != nil {
		if ok, wait := h.quoteLimits.Allow(tenantID + "|" + identity.UID); !ok {
			httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many quote requests", http.StatusTooManyRequests).WithRetryAfter(wait))
			return
		}
	}

	var req quoteRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteBodySize, &req) {
		return
	}
	tip, err := parseOptionalMoney(req.Tip)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tip must be a decimal amount", http.StatusBadRequest))
		return
	}

	quote, err := h.orders.Quote(ctx, services.QuoteCommand{
		TenantID:   tenantID,
		Lines:      req.cartLines(),
		CouponCode: req.CouponCode,
		Tip:        tip,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"quote": buildQuotePayload(quote)})
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	tenantID, ok := pathParam(ctx, w, r, "tenantID", "tenant id")
	if !ok {
		return
	}

	var req placeOrderRequest
	if !decodeJSONBody(ctx, w, r, maxQuoteBodySize, &req) {
		return
	}
	tip, err := parseOptionalMoney(req.Tip)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "tip must be a decimal amount", http.StatusBadRequest))
		return
	}

	cmd := services.PlaceOrderCommand{
		TenantID:        tenantID,
		FulfillmentType: req.FulfillmentType,
		Lines:           req.cartLines(),
		CouponCode:      req.CouponCode,
		Tip:             tip,
		CustomerID:      strings.TrimSpace(req.CustomerID),
		Notes:           req.Notes,
		Metadata:        req.Metadata,
		ActorID:         identity.UID,
	}
	if cmd.CustomerID == "" && !identity.IsStaff() {
		cmd.CustomerID = identity.UID
	}
	if req.Quote != nil {
		total, err := domain.ParseMoney(req.Quote.Total)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "quote.total must be a decimal amount", http.StatusBadRequest))
			return
		}
		cmd.Quote = &domain.Quote{Total: total, Currency: strings.TrimSpace(req.Quote.Currency)}
	}

	order, err := h.orders.PlaceOrder(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	httpx.WriteJSON(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	tenantID, ok := pathParam(ctx, w, r, "tenantID", "tenant id")
	if !ok {
		return
	}
	if _, ok := requireTenantStaff(ctx, w, tenantID); !ok {
		return
	}

	query := r.URL.Query()
	params, err := pagination.Parse(query)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListFilter{
		TenantID: tenantID,
		Statuses: parseFilterValues(query["status"]),
		Pagination: domain.Pagination{
			PageSize:  params.PageSize,
			PageToken: params.PageToken,
		},
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderSummaryPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderSummary(order))
	}
	httpx.WriteJSON(w, http.StatusOK, orderListResponse{
		Items:         items,
		NextPageToken: strings.TrimSpace(page.NextPageToken),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathParam(ctx, w, r, "orderID", "order id")
	if !ok {
		return
	}

	order, ok := h.visibleOrder(ctx, w, identity, orderID)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathParam(ctx, w, r, "orderID", "order id")
	if !ok {
		return
	}

	var req transitionRequest
	if !decodeJSONBody(ctx, w, r, maxSmallBodySize, &req) {
		return
	}

	current, ok := h.visibleOrder(ctx, w, identity, orderID)
	if !ok {
		return
	}
	if !identity.OperatesTenant(current.TenantID) {
		// Callers outside the tenant's staff may only cancel orders they placed.
		status, err := services.CanonicalStatus(req.Status)
		if err != nil {
			writeOrderError(ctx, w, err)
			return
		}
		if status != domain.OrderStatusCancelled || !placedBy(identity, current) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "only staff of the order's tenant may move it through the flow", http.StatusForbidden))
			return
		}
	}

	order, err := h.orders.TransitionOrder(ctx, services.TransitionOrderCommand{
		OrderID: orderID,
		Status:  req.Status,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) appendItems(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	orderID, ok := pathParam(ctx, w, r, "orderID", "order id")
	if !ok {
		return
	}
	current, ok := h.visibleOrder(ctx, w, identity, orderID)
	if !ok {
		return
	}
	if !identity.OperatesTenant(current.TenantID) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "only staff of the order's tenant may add items", http.StatusForbidden))
		return
	}

	var req appendRequest
	if !decodeJSONBody(ctx, w, r, maxAppendBodySize, &req) {
		return
	}
	lines, err := req.appendLines()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	result, err := h.orders.AppendItems(ctx, services.AppendItemsCommand{
		OrderID: orderID,
		BatchID: strings.TrimSpace(req.BatchID),
		Lines:   lines,
		Actor:   actorFromIdentity(identity),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildAppendResponse(result))
}

func (h *OrderHandlers) issueInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	tenantID, ok := pathParam(ctx, w, r, "tenantID", "tenant id")
	if !ok {
		return
	}
	if _, ok := requireTenantStaff(ctx, w, tenantID); !ok {
		return
	}
	orderID, ok := pathParam(ctx, w, r, "orderID", "order id")
	if !ok {
		return
	}

	issue, err := h.orders.IssueInvoiceNumber(ctx, services.IssueInvoiceCommand{TenantID: tenantID, OrderID: orderID})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildInvoiceResponse(issue))
}

func (h *OrderHandlers) redeemPromotion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	tenantID, ok := pathParam(ctx, w, r, "tenantID", "tenant id")
	if !ok {
		return
	}
	identity, ok := requireTenantStaff(ctx, w, tenantID)
	if !ok {
		return
	}
	promotionID, ok := pathParam(ctx, w, r, "promotionID", "promotion id")
	if !ok {
		return
	}

	var req redeemRequest
	if !decodeJSONBody(ctx, w, r, maxSmallBodySize, &req) {
		return
	}

	result, err := h.orders.RedeemPromotion(ctx, services.RedeemPromotionCommand{
		TenantID:    tenantID,
		PromotionID: promotionID,
		Code:        req.Code,
		OrderID:     strings.TrimSpace(req.OrderID),
		UserID:      firstNonEmpty(strings.TrimSpace(req.UserID), identity.UID),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildRedemptionResponse(result))
}

func (h *OrderHandlers) activateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.ready(ctx, w) {
		return
	}
	tenantID, ok := pathParam(ctx, w, r, "tenantID", "tenant id")
	if !ok {
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.HasRole(auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
		return
	}

	var req activateTenantRequest
	if !decodeJSONBody(ctx, w, r, maxSmallBodySize, &req) {
		return
	}

	activation, err := h.orders.ActivateTenant(ctx, services.ActivateTenantCommand{
		TenantID:  tenantID,
		Reference: req.Reference,
		ActorID:   identity.UID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, buildActivationResponse(activation))
}

func (h *OrderHandlers) ready(ctx context.Context, w http.ResponseWriter) bool {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func requireStaff(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return nil, false
	}
	if !identity.IsStaff() {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "staff role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func requireTenantStaff(ctx context.Context, w http.ResponseWriter, tenantID string) (*auth.Identity, bool) {
	identity, ok := requireStaff(ctx, w)
	if !ok {
		return nil, false
	}
	if !identity.OperatesTenant(tenantID) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "identity does not operate this tenant", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func pathParam(ctx context.Context, w http.ResponseWriter, r *http.Request, name, label string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, name))
	if value == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", label+" is required", http.StatusBadRequest))
		return "", false
	}
	return value, true
}

func actorFromIdentity(identity *auth.Identity) services.Actor {
	return services.Actor{
		ID:    strings.TrimSpace(identity.UID),
		Admin: identity.HasRole(auth.RoleAdmin),
	}
}

// visibleOrder loads orderID and answers 404 when the caller may not see it, so foreign orders are
// indistinguishable from missing ones.
func (h *OrderHandlers) visibleOrder(ctx context.Context, w http.ResponseWriter, identity *auth.Identity, orderID string) (domain.Order, bool) {
	order, err := h.orders.GetOrder(ctx, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return domain.Order{}, false
	}
	if !canSeeOrder(identity, order) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return domain.Order{}, false
	}
	return order, true
}

func canSeeOrder(identity *auth.Identity, order domain.Order) bool {
	if identity.ServesTenant(order.TenantID) {
		return true
	}
	uid := strings.TrimSpace(identity.UID)
	return placedBy(identity, order) || (uid != "" && order.CustomerID == uid)
}

func placedBy(identity *auth.Identity, order domain.Order) bool {
	uid := strings.TrimSpace(identity.UID)
	return uid != "" && order.CreatedBy == uid
}

func parseOptionalMoney(raw *string) (*domain.Money, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	amount, err := domain.ParseMoney(*raw)
	if err != nil {
		return nil, err
	}
	return &amount, nil
}

func (req quoteRequest) cartLines() []domain.CartLine {
	lines := make([]domain.CartLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		lines = append(lines, domain.CartLine{
			MenuItemID: strings.TrimSpace(line.MenuItemID),
			Quantity:   line.Quantity,
			Selections: line.Selections,
			Note:       line.Note,
		})
	}
	return lines
}

func (req appendRequest) appendLines() ([]services.AppendLine, error) {
	lines := make([]services.AppendLine, 0, len(req.Lines))
	for i, line := range req.Lines {
		base, err := domain.ParseMoney(line.BasePrice)
		if err != nil {
			return nil, fmt.Errorf("lines[%d].basePrice must be a decimal amount", i)
		}
		total, err := parseOptionalMoney(line.LineTotal)
		if err != nil {
			return nil, fmt.Errorf("lines[%d].lineTotal must be a decimal amount", i)
		}
		options := make([]domain.QuoteOption, 0, len(line.Options))
		for j, option := range line.Options {
			delta := domain.ZeroMoney()
			if strings.TrimSpace(option.PriceDelta) != "" {
				delta, err = domain.ParseMoney(option.PriceDelta)
				if err != nil {
					return nil, fmt.Errorf("lines[%d].options[%d].priceDelta must be a decimal amount", i, j)
				}
			}
			options = append(options, domain.QuoteOption{
				GroupID:    strings.TrimSpace(option.GroupID),
				GroupName:  option.GroupName,
				OptionID:   strings.TrimSpace(option.OptionID),
				Name:       option.Name,
				PriceDelta: delta,
			})
		}
		lines = append(lines, services.AppendLine{
			MenuItemID: strings.TrimSpace(line.MenuItemID),
			Name:       line.Name,
			Quantity:   line.Quantity,
			BasePrice:  base,
			Options:    options,
			LineTotal:  total,
			Note:       line.Note,
		})
	}
	return lines, nil
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	var rejection *services.QuoteRejection
	var transition *services.TransitionConflict
	var promo *services.PromotionDenial
	var invoice *services.InvoiceDenial
	var activation *services.TenantActivationDenial
	switch {
	case errors.As(err, &rejection):
		details := map[string]any{"reason": string(rejection.Reason)}
		if rejection.Line >= 0 {
			details["line"] = rejection.Line
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest).WithDetails(details))
	case errors.As(err, &transition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict).WithDetails(map[string]any{
			"from": string(transition.From),
			"to":   string(transition.To),
		}))
	case errors.As(err, &promo):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_denied", err.Error(), http.StatusUnprocessableEntity).WithDetails(map[string]any{
			"reason": string(promo.Reason),
		}))
	case errors.As(err, &invoice):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_denied", err.Error(), http.StatusUnprocessableEntity).WithDetails(map[string]any{
			"reason": string(invoice.Reason),
		}))
	case errors.As(err, &activation):
		httpx.WriteError(ctx, w, httpx.NewError("tenant_activation_denied", err.Error(), http.StatusUnprocessableEntity).WithDetails(map[string]any{
			"reason": string(activation.Reason),
		}))
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrPricingInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPromotionDenied):
		httpx.WriteError(ctx, w, httpx.NewError("promotion_denied", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrInvoiceDenied):
		httpx.WriteError(ctx, w, httpx.NewError("invoice_denied", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_store_unavailable", "order store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
