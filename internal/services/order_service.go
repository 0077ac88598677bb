package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"maps"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/platform/pagination"
	"github.com/tableside/api/internal/platform/textutil"
	"github.com/tableside/api/internal/repositories"
)

const (
	orderEventPlaced           = "order.placed"
	orderEventTransitioned     = "order.transitioned"
	orderEventItemsAppended    = "order.items_appended"
	orderEventInvoiceIssued    = "order.invoice_issued"
	orderEventPaymentConfirmed = "order.payment_confirmed"
	orderEventPromotionRedeem  = "promotion.redeemed"
	tenantEventActivated       = "tenant.activated"

	orderIDPrefix       = "ord_"
	appendBatchIDPrefix = "apb_"

	maxNoteLength      = 500
	maxMetadataEntries = 32
	maxMetadataValue   = 256

	instrumentationName = "github.com/tableside/api/internal/services"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Tenants     repositories.TenantRepository
	Promotions  repositories.PromotionRepository
	Invoices    repositories.InvoiceRepository
	Catalog     *CatalogLoader
	Pricing     *PricingEngine
	Clock       func() time.Time
	IDGenerator func() string
	Events      OrderEventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
	// Sanitizer strips markup from free-text notes. Defaults to a strict policy.
	Sanitizer *bluemonday.Policy
	Tracer    trace.Tracer
	Meter     metric.Meter
}

type orderService struct {
	orders      repositories.OrderRepository
	tenants     repositories.TenantRepository
	promotions  repositories.PromotionRepository
	invoices    repositories.InvoiceRepository
	catalog     *CatalogLoader
	pricing     *PricingEngine
	clock       func() time.Time
	newID       func() string
	events      OrderEventPublisher
	logger      func(context.Context, string, map[string]any)
	sanitizer   *bluemonday.Policy
	tracer      trace.Tracer
	ledgerOps   metric.Int64Counter
	transitions metric.Int64Counter
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	switch {
	case deps.Orders == nil:
		return nil, errors.New("order service: order repository is required")
	case deps.Tenants == nil:
		return nil, errors.New("order service: tenant repository is required")
	case deps.Promotions == nil:
		return nil, errors.New("order service: promotion repository is required")
	case deps.Invoices == nil:
		return nil, errors.New("order service: invoice repository is required")
	case deps.Catalog == nil:
		return nil, errors.New("order service: catalog loader is required")
	}

	pricing := deps.Pricing
	if pricing == nil {
		pricing = NewPricingEngine(PricingEngineDeps{})
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	sanitizer := deps.Sanitizer
	if sanitizer == nil {
		sanitizer = bluemonday.StrictPolicy()
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(instrumentationName)
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}
	ledgerOps, err := meter.Int64Counter("commerce.ledger.operations",
		metric.WithDescription("Ledger operations by operation and outcome"))
	if err != nil {
		ledgerOps, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("commerce.ledger.operations")
	}
	transitions, err := meter.Int64Counter("commerce.order.transitions",
		metric.WithDescription("Order status transition attempts by target status and outcome"))
	if err != nil {
		transitions, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("commerce.order.transitions")
	}

	return &orderService{
		orders:     deps.Orders,
		tenants:    deps.Tenants,
		promotions: deps.Promotions,
		invoices:   deps.Invoices,
		catalog:    deps.Catalog,
		pricing:    pricing,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		events:      deps.Events,
		logger:      logger,
		sanitizer:   sanitizer,
		tracer:      tracer,
		ledgerOps:   ledgerOps,
		transitions: transitions,
	}, nil
}

func (s *orderService) Quote(ctx context.Context, cmd QuoteCommand) (quote domain.Quote, err error) {
	ctx, span := s.startSpan(ctx, "Quote", attribute.String("tenant.id", cmd.TenantID))
	defer func() { endSpan(span, err) }()

	tenantID := strings.TrimSpace(cmd.TenantID)
	if tenantID == "" {
		return domain.Quote{}, fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	return s.price(ctx, tenantID, s.sanitizeLines(cmd.Lines), cmd.CouponCode, cmd.Tip)
}

func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (order domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "PlaceOrder", attribute.String("tenant.id", cmd.TenantID))
	defer func() { endSpan(span, err) }()

	tenantID := strings.TrimSpace(cmd.TenantID)
	if tenantID == "" {
		return domain.Order{}, fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	fulfillment, err := ParseFulfillment(cmd.FulfillmentType)
	if err != nil {
		return domain.Order{}, err
	}

	lines := s.sanitizeLines(cmd.Lines)
	quote, err := s.price(ctx, tenantID, lines, cmd.CouponCode, cmd.Tip)
	if err != nil {
		return domain.Order{}, err
	}
	if cmd.Quote != nil {
		if !domain.RoundMoney(cmd.Quote.Total).Equal(quote.Total) {
			return domain.Order{}, newRejection(RejectQuoteMismatch, -1, "client total %s does not match server total %s",
				domain.FormatMoney(cmd.Quote.Total), domain.FormatMoney(quote.Total))
		}
		if currency := strings.TrimSpace(cmd.Quote.Currency); currency != "" && !strings.EqualFold(currency, quote.Currency) {
			return domain.Order{}, newRejection(RejectQuoteMismatch, -1, "client currency %s does not match server currency %s", currency, quote.Currency)
		}
	}

	now := s.now()
	actor := strings.TrimSpace(cmd.ActorID)
	order = domain.Order{
		ID:              s.nextOrderID(),
		TenantID:        tenantID,
		FulfillmentType: fulfillment,
		Status:          InitialStatus(),
		Currency:        quote.Currency,
		Items:           lineItemsFromQuote(quote),
		Totals:          totalsFromQuote(quote),
		Quote:           quote.Clone(),
		History: []domain.StatusHistoryEntry{{
			To: InitialStatus(),
			By: actor,
			At: now,
		}},
		Payment: domain.OrderPayment{
			Status:   domain.PaymentStatusPending,
			Amount:   quote.Total,
			Currency: quote.Currency,
		},
		AppliedCoupon: quote.AppliedCoupon,
		PromotionID:   quote.PromotionID,
		CustomerID:    strings.TrimSpace(cmd.CustomerID),
		Notes:         s.sanitize(cmd.Notes),
		Metadata:      textutil.NormalizeMetadata(cmd.Metadata, maxMetadataEntries, maxMetadataValue),
		CreatedBy:     actor,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, orderEventPlaced, map[string]any{
		"orderId":  order.ID,
		"tenantId": order.TenantID,
		"total":    domain.FormatMoney(order.Totals.Total),
		"currency": order.Currency,
		"lines":    len(order.Items),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventPlaced,
		OrderID:       order.ID,
		TenantID:      order.TenantID,
		CurrentStatus: string(order.Status),
		ActorID:       actor,
		OccurredAt:    now,
		Metadata: map[string]any{
			"total":       domain.FormatMoney(order.Totals.Total),
			"currency":    order.Currency,
			"fulfillment": string(order.FulfillmentType),
		},
	})
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error) {
	tenantID := strings.TrimSpace(filter.TenantID)
	if tenantID == "" {
		return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: tenant id is required", ErrOrderInvalidInput)
	}
	statuses := make([]domain.OrderStatus, 0, len(filter.Statuses))
	for _, raw := range filter.Statuses {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		status, err := CanonicalStatus(raw)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		statuses = append(statuses, status)
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		TenantID:   tenantID,
		Statuses:   statuses,
		Pagination: filter.Pagination,
	})
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidPageToken) {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionOrder(ctx context.Context, cmd TransitionOrderCommand) (order domain.Order, err error) {
	ctx, span := s.startSpan(ctx, "TransitionOrder", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	requested, err := CanonicalStatus(cmd.Status)
	if err != nil {
		return domain.Order{}, err
	}

	var previous domain.OrderStatus
	order, err = s.orders.Mutate(ctx, orderID, func(current *domain.Order) error {
		previous = current.Status
		return ApplyTransition(current, requested, cmd.Actor, s.now())
	})
	if err != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(requested)),
			attribute.String("outcome", "rejected"),
		))
		return domain.Order{}, s.mapRepositoryError(err)
	}
	s.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(requested)),
		attribute.String("outcome", "applied"),
	))

	s.logger(ctx, orderEventTransitioned, map[string]any{
		"orderId": order.ID,
		"from":    string(previous),
		"to":      string(order.Status),
		"actorId": cmd.Actor.ID,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventTransitioned,
		OrderID:        order.ID,
		TenantID:       order.TenantID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.Actor.ID,
		OccurredAt:     order.UpdatedAt,
	})
	return order, nil
}

func (s *orderService) AppendItems(ctx context.Context, cmd AppendItemsCommand) (result AppendResult, err error) {
	ctx, span := s.startSpan(ctx, "AppendItems", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return AppendResult{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	lines := make([]AppendLine, len(cmd.Lines))
	for i, line := range cmd.Lines {
		line.Note = s.sanitize(line.Note)
		line.Name = s.sanitize(line.Name)
		lines[i] = line
	}
	priced, appendTotal, err := priceAppendLines(lines, s.pricing.maxQuantity)
	if err != nil {
		return AppendResult{}, err
	}
	batchID := strings.TrimSpace(cmd.BatchID)
	if batchID == "" {
		batchID = s.nextBatchID()
	}

	var previous domain.OrderStatus
	order, err := s.orders.Mutate(ctx, orderID, func(current *domain.Order) error {
		previous = current.Status
		for _, batch := range current.AppendBatches {
			if batch.ID == batchID {
				result = AppendResult{
					OrderID:     current.ID,
					BatchID:     batch.ID,
					AppendCount: batch.ItemCount,
					AppendTotal: batch.AppendTotal,
					NewTotal:    current.Totals.Total,
					Replayed:    true,
				}
				return repositories.ErrUnchanged
			}
		}
		if current.Status.Terminal() {
			return &TransitionConflict{
				From: current.Status,
				To:   InitialStatus(),
				Type: current.FulfillmentType,
				Why:  "items cannot be added to a finished order",
			}
		}

		now := s.now()
		previousCount := len(current.Items)
		for _, item := range priced {
			addedAt := now
			item.Options = cloneQuoteOptions(item.Options)
			item.BatchID = batchID
			item.AddedAt = &addedAt
			item.AddedBy = cmd.Actor.ID
			current.Items = append(current.Items, item)
		}
		current.Totals.Subtotal = domain.AddMoney(current.Totals.Subtotal, appendTotal)
		current.Totals.Total = domain.AddMoney(current.Totals.Total, appendTotal)
		if current.Status != InitialStatus() {
			current.History = append(current.History, domain.StatusHistoryEntry{
				From: current.Status,
				To:   InitialStatus(),
				By:   cmd.Actor.ID,
				At:   now,
			})
			current.Status = InitialStatus()
		}
		current.AppendBatches = append(current.AppendBatches, domain.AppendBatch{
			ID:                batchID,
			PreviousItemCount: previousCount,
			ItemCount:         len(priced),
			AppendTotal:       appendTotal,
			AddedBy:           cmd.Actor.ID,
			AddedAt:           now,
		})
		current.UpdatedAt = now

		result = AppendResult{
			OrderID:     current.ID,
			BatchID:     batchID,
			AppendCount: len(priced),
			AppendTotal: appendTotal,
			NewTotal:    current.Totals.Total,
		}
		return nil
	})
	if err != nil {
		s.recordLedger(ctx, "append", "error")
		return AppendResult{}, s.mapRepositoryError(err)
	}
	result.Order = order
	if result.Replayed {
		s.recordLedger(ctx, "append", "replayed")
		return result, nil
	}
	s.recordLedger(ctx, "append", "applied")

	s.logger(ctx, orderEventItemsAppended, map[string]any{
		"orderId":     order.ID,
		"batchId":     result.BatchID,
		"appendCount": result.AppendCount,
		"appendTotal": domain.FormatMoney(result.AppendTotal),
		"newTotal":    domain.FormatMoney(result.NewTotal),
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventItemsAppended,
		OrderID:        order.ID,
		TenantID:       order.TenantID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.Status),
		ActorID:        cmd.Actor.ID,
		OccurredAt:     order.UpdatedAt,
		Metadata: map[string]any{
			"batchId":     result.BatchID,
			"appendCount": result.AppendCount,
			"appendTotal": domain.FormatMoney(result.AppendTotal),
		},
	})
	return result, nil
}

func (s *orderService) IssueInvoiceNumber(ctx context.Context, cmd IssueInvoiceCommand) (issue domain.InvoiceIssue, err error) {
	ctx, span := s.startSpan(ctx, "IssueInvoiceNumber", attribute.String("order.id", cmd.OrderID))
	defer func() { endSpan(span, err) }()

	tenantID := strings.TrimSpace(cmd.TenantID)
	orderID := strings.TrimSpace(cmd.OrderID)
	if tenantID == "" || orderID == "" {
		return domain.InvoiceIssue{}, fmt.Errorf("%w: tenant id and order id are required", ErrOrderInvalidInput)
	}

	issue, err = s.invoices.Issue(ctx, repositories.InvoiceIssueRequest{
		TenantID: tenantID,
		OrderID:  orderID,
		Now:      s.now(),
	})
	if err != nil {
		mapped := s.mapLedgerError(err, func(reason string) error {
			return &InvoiceDenial{Reason: domain.InvoiceDenialReason(reason)}
		})
		s.recordLedger(ctx, "invoice", ledgerOutcome(mapped))
		return domain.InvoiceIssue{}, mapped
	}
	if issue.Replayed {
		s.recordLedger(ctx, "invoice", "replayed")
		return issue, nil
	}
	s.recordLedger(ctx, "invoice", "applied")

	s.logger(ctx, orderEventInvoiceIssued, map[string]any{
		"orderId":       orderID,
		"tenantId":      tenantID,
		"invoiceNumber": issue.InvoiceNumber,
		"periodKey":     issue.PeriodKey,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:       orderEventInvoiceIssued,
		OrderID:    orderID,
		TenantID:   tenantID,
		OccurredAt: issue.IssuedAt,
		Metadata: map[string]any{
			"invoiceNumber": issue.InvoiceNumber,
			"series":        issue.Series,
		},
	})
	return issue, nil
}

func (s *orderService) RedeemPromotion(ctx context.Context, cmd RedeemPromotionCommand) (result domain.PromotionRedemptionResult, err error) {
	ctx, span := s.startSpan(ctx, "RedeemPromotion",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("promotion.id", cmd.PromotionID),
	)
	defer func() { endSpan(span, err) }()

	req := repositories.PromotionRedeemRequest{
		TenantID:    strings.TrimSpace(cmd.TenantID),
		PromotionID: strings.TrimSpace(cmd.PromotionID),
		Code:        domain.NormalizePromotionCode(cmd.Code),
		OrderID:     strings.TrimSpace(cmd.OrderID),
		UserID:      strings.TrimSpace(cmd.UserID),
		Now:         s.now(),
	}
	if req.TenantID == "" || req.PromotionID == "" || req.OrderID == "" || req.Code == "" {
		return domain.PromotionRedemptionResult{}, fmt.Errorf("%w: tenant id, promotion id, order id and code are required", ErrOrderInvalidInput)
	}

	result, err = s.promotions.Redeem(ctx, req)
	if err != nil {
		mapped := s.mapLedgerError(err, func(reason string) error {
			return &PromotionDenial{Reason: domain.PromotionDenialReason(reason)}
		})
		s.recordLedger(ctx, "redeem", ledgerOutcome(mapped))
		return domain.PromotionRedemptionResult{}, mapped
	}
	if result.AlreadyConsumed {
		s.recordLedger(ctx, "redeem", "replayed")
		return result, nil
	}
	s.recordLedger(ctx, "redeem", "applied")

	s.logger(ctx, orderEventPromotionRedeem, map[string]any{
		"orderId":       req.OrderID,
		"promotionId":   req.PromotionID,
		"timesRedeemed": result.TimesRedeemed,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:       orderEventPromotionRedeem,
		OrderID:    req.OrderID,
		TenantID:   req.TenantID,
		ActorID:    req.UserID,
		OccurredAt: req.Now,
		Metadata: map[string]any{
			"promotionId":   req.PromotionID,
			"code":          req.Code,
			"timesRedeemed": result.TimesRedeemed,
		},
	})
	return result, nil
}

// ConfirmPayment records a capture outcome in one order transaction. A succeeded payment is final.
// Follow-up ledger operations run on every succeeded delivery, including replays, so a redelivered
// event finishes work an earlier delivery could not.
func (s *orderService) ConfirmPayment(ctx context.Context, confirmation PaymentConfirmation) (outcome PaymentOutcome, err error) {
	ctx, span := s.startSpan(ctx, "ConfirmPayment", attribute.String("order.id", confirmation.OrderID))
	defer func() { endSpan(span, err) }()

	orderID := strings.TrimSpace(confirmation.OrderID)
	ref := strings.TrimSpace(confirmation.ExternalRef)
	if orderID == "" || ref == "" {
		return PaymentOutcome{}, fmt.Errorf("%w: order id and external reference are required", ErrOrderInvalidInput)
	}
	if confirmation.Amount.IsNegative() {
		return PaymentOutcome{}, newRejection(RejectInvalidAmount, -1, "payment amount must not be negative")
	}
	currency, err := domain.NormalizeCurrency(confirmation.Currency)
	if err != nil {
		return PaymentOutcome{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}

	replayed := false
	order, err := s.orders.Mutate(ctx, orderID, func(current *domain.Order) error {
		replayed = false
		if current.Payment.Status == domain.PaymentStatusSucceeded {
			replayed = true
			return repositories.ErrUnchanged
		}
		status, reason := paymentStatusFor(*current, confirmation, currency)
		if current.Payment.ExternalRef == ref && current.Payment.Status == status {
			replayed = true
			return repositories.ErrUnchanged
		}
		now := s.now()
		current.Payment = domain.OrderPayment{
			Provider:      strings.TrimSpace(confirmation.Provider),
			Status:        status,
			Amount:        domain.RoundMoney(confirmation.Amount),
			Currency:      currency,
			ExternalRef:   ref,
			FailureReason: reason,
		}
		if status == domain.PaymentStatusSucceeded {
			current.Payment.ConfirmedAt = &now
		}
		current.UpdatedAt = now
		return nil
	})
	if err != nil {
		return PaymentOutcome{}, s.mapRepositoryError(err)
	}
	outcome = PaymentOutcome{Order: order, Replayed: replayed}

	if !replayed {
		s.logger(ctx, orderEventPaymentConfirmed, map[string]any{
			"orderId":     order.ID,
			"status":      string(order.Payment.Status),
			"externalRef": ref,
			"reason":      order.Payment.FailureReason,
		})
		s.publishEvent(ctx, OrderEvent{
			Type:          orderEventPaymentConfirmed,
			OrderID:       order.ID,
			TenantID:      order.TenantID,
			CurrentStatus: string(order.Status),
			OccurredAt:    order.UpdatedAt,
			Metadata: map[string]any{
				"paymentStatus": string(order.Payment.Status),
				"provider":      order.Payment.Provider,
				"amount":        domain.FormatMoney(order.Payment.Amount),
			},
		})
	}
	if order.Payment.Status != domain.PaymentStatusSucceeded {
		return outcome, nil
	}

	issue, err := s.IssueInvoiceNumber(ctx, IssueInvoiceCommand{TenantID: order.TenantID, OrderID: order.ID})
	switch {
	case err == nil:
		outcome.Invoice = &issue
		issuedAt := issue.IssuedAt
		outcome.Order.InvoiceNumber = issue.InvoiceNumber
		outcome.Order.InvoiceSeries = issue.Series
		outcome.Order.InvoiceIssuedAt = &issuedAt
	case errors.Is(err, ErrInvoiceDenied):
		s.logger(ctx, "order.invoice.skipped", map[string]any{"orderId": order.ID, "error": err.Error()})
	default:
		return outcome, err
	}

	if order.PromotionID != "" && order.AppliedCoupon != "" {
		redemption, err := s.RedeemPromotion(ctx, RedeemPromotionCommand{
			TenantID:    order.TenantID,
			PromotionID: order.PromotionID,
			Code:        order.AppliedCoupon,
			OrderID:     order.ID,
			UserID:      order.CustomerID,
		})
		switch {
		case err == nil:
			outcome.Redemption = &redemption
		case errors.Is(err, ErrPromotionDenied):
			s.logger(ctx, "promotion.redeem.skipped", map[string]any{"orderId": order.ID, "error": err.Error()})
		default:
			return outcome, err
		}
	}
	return outcome, nil
}

// ActivateTenant flips a tenant live. Repeating the same reference replays the recorded activation.
func (s *orderService) ActivateTenant(ctx context.Context, cmd ActivateTenantCommand) (activation domain.TenantActivation, err error) {
	ctx, span := s.startSpan(ctx, "ActivateTenant", attribute.String("tenant.id", cmd.TenantID))
	defer func() { endSpan(span, err) }()

	req := repositories.TenantActivationRequest{
		TenantID:  strings.TrimSpace(cmd.TenantID),
		Reference: strings.TrimSpace(cmd.Reference),
		ActorID:   strings.TrimSpace(cmd.ActorID),
		Now:       s.now(),
	}
	if req.TenantID == "" || req.Reference == "" {
		return domain.TenantActivation{}, fmt.Errorf("%w: tenant id and reference are required", ErrOrderInvalidInput)
	}

	activation, err = s.tenants.Activate(ctx, req)
	if err != nil {
		mapped := s.mapLedgerError(err, func(reason string) error {
			return &TenantActivationDenial{Reason: domain.ActivationDenialReason(reason)}
		})
		s.recordLedger(ctx, "activate", ledgerOutcome(mapped))
		return domain.TenantActivation{}, mapped
	}
	if activation.Replayed {
		s.recordLedger(ctx, "activate", "replayed")
		return activation, nil
	}
	s.recordLedger(ctx, "activate", "applied")

	s.logger(ctx, tenantEventActivated, map[string]any{
		"tenantId":  req.TenantID,
		"reference": req.Reference,
		"actorId":   req.ActorID,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:       tenantEventActivated,
		TenantID:   req.TenantID,
		ActorID:    req.ActorID,
		OccurredAt: activation.ActivatedAt,
		Metadata:   map[string]any{"reference": req.Reference},
	})
	return activation, nil
}

func (s *orderService) price(ctx context.Context, tenantID string, lines []domain.CartLine, couponCode string, tip *domain.Money) (domain.Quote, error) {
	tenant, err := s.tenants.FindByID(ctx, tenantID)
	if err != nil {
		return domain.Quote{}, s.mapRepositoryError(err)
	}
	snapshot, err := s.catalog.Load(ctx, tenantID, lines, couponCode)
	if err != nil {
		return domain.Quote{}, s.mapRepositoryError(err)
	}
	return s.pricing.Price(snapshot, tenant.Pricing, QuoteRequest{
		Lines:      lines,
		CouponCode: couponCode,
		Tip:        tip,
		Now:        s.now(),
	})
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

// mapLedgerError turns typed ledger failures into service errors. deny builds the denial for the operation.
func (s *orderService) mapLedgerError(err error, deny func(reason string) error) error {
	ledgerErr, ok := repositories.AsLedgerError(err)
	if !ok {
		return s.mapRepositoryError(err)
	}
	switch ledgerErr.Code {
	case repositories.LedgerErrorNotFound:
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.LedgerErrorInvalidInput:
		return fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	case repositories.LedgerErrorDenied:
		return deny(ledgerErr.Reason)
	default:
		return fmt.Errorf("%w: %v", ErrOrderConflict, err)
	}
}

func ledgerOutcome(err error) string {
	switch {
	case errors.Is(err, ErrPromotionDenied), errors.Is(err, ErrInvoiceDenied), errors.Is(err, ErrTenantActivationDenied):
		return "denied"
	case errors.Is(err, ErrOrderConflict):
		return "conflict"
	default:
		return "error"
	}
}

func (s *orderService) recordLedger(ctx context.Context, op, outcome string) {
	s.ledgerOps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
}

func (s *orderService) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "orders."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) nextBatchID() string {
	return appendBatchIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) sanitize(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	return textutil.Truncate(strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(trimmed))), maxNoteLength)
}

func (s *orderService) sanitizeLines(lines []domain.CartLine) []domain.CartLine {
	if len(lines) == 0 {
		return lines
	}
	out := make([]domain.CartLine, len(lines))
	for i, line := range lines {
		line = line.Normalized()
		line.Note = s.sanitize(line.Note)
		out[i] = line
	}
	return out
}

// priceAppendLines prices lines added to an open order with the quote rounding rule:
// unit = round(base + option deltas), line = round(unit * quantity). A supplied LineTotal wins.
func priceAppendLines(lines []AppendLine, maxQuantity int) ([]domain.OrderLineItem, domain.Money, error) {
	if len(lines) == 0 {
		return nil, domain.ZeroMoney(), newRejection(RejectEmptyCart, -1, "append requires at least one line")
	}
	items := make([]domain.OrderLineItem, 0, len(lines))
	appendTotal := domain.ZeroMoney()
	for idx, line := range lines {
		menuItemID := strings.TrimSpace(line.MenuItemID)
		if menuItemID == "" {
			return nil, domain.ZeroMoney(), newRejection(RejectMissingField, idx, "menu item id is required")
		}
		if line.Quantity <= 0 || line.Quantity > maxQuantity {
			return nil, domain.ZeroMoney(), newRejection(RejectInvalidQuantity, idx, "quantity must be between 1 and %d", maxQuantity)
		}
		if line.BasePrice.IsNegative() {
			return nil, domain.ZeroMoney(), newRejection(RejectInvalidAmount, idx, "base price must not be negative")
		}
		delta := domain.ZeroMoney()
		for _, option := range line.Options {
			delta = delta.Add(option.PriceDelta)
		}
		unitPrice := domain.RoundMoney(line.BasePrice.Add(delta))
		lineTotal := domain.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
		if line.LineTotal != nil {
			if line.LineTotal.IsNegative() {
				return nil, domain.ZeroMoney(), newRejection(RejectInvalidAmount, idx, "line total must not be negative")
			}
			lineTotal = domain.RoundMoney(*line.LineTotal)
		}
		if lineTotal.IsNegative() {
			return nil, domain.ZeroMoney(), newRejection(RejectInvalidAmount, idx, "options reduce %s below zero", menuItemID)
		}
		items = append(items, domain.OrderLineItem{
			MenuItemID: menuItemID,
			Name:       line.Name,
			Quantity:   line.Quantity,
			BasePrice:  line.BasePrice,
			UnitDelta:  delta,
			UnitPrice:  unitPrice,
			LineTotal:  lineTotal,
			Options:    cloneQuoteOptions(line.Options),
			Note:       line.Note,
		})
		appendTotal = domain.AddMoney(appendTotal, lineTotal)
	}
	return items, appendTotal, nil
}

func paymentStatusFor(order domain.Order, confirmation PaymentConfirmation, currency string) (domain.PaymentStatus, string) {
	if !confirmation.Succeeded {
		reason := strings.TrimSpace(confirmation.FailureReason)
		if reason == "" {
			reason = "provider_declined"
		}
		return domain.PaymentStatusFailed, reason
	}
	if !strings.EqualFold(order.Currency, currency) {
		return domain.PaymentStatusMismatch, "currency_mismatch"
	}
	if !domain.RoundMoney(confirmation.Amount).Equal(order.Totals.Total) {
		return domain.PaymentStatusMismatch, "amount_mismatch"
	}
	return domain.PaymentStatusSucceeded, ""
}

func lineItemsFromQuote(quote domain.Quote) []domain.OrderLineItem {
	items := make([]domain.OrderLineItem, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		items = append(items, domain.OrderLineItem{
			MenuItemID: line.MenuItemID,
			Name:       line.Name,
			Quantity:   line.Quantity,
			BasePrice:  line.BasePrice,
			UnitDelta:  line.UnitDelta,
			UnitPrice:  line.UnitPrice,
			LineTotal:  line.LineTotal,
			Options:    cloneQuoteOptions(line.Options),
			Note:       line.Note,
		})
	}
	return items
}

func totalsFromQuote(quote domain.Quote) domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal:    quote.Subtotal,
		ServiceFee:  quote.ServiceFee,
		Discount:    quote.Discount,
		TaxableBase: quote.TaxableBase,
		Tax:         quote.Tax,
		Tip:         quote.Tip,
		Total:       quote.Total,
	}
}

func cloneQuoteOptions(options []domain.QuoteOption) []domain.QuoteOption {
	if len(options) == 0 {
		return nil
	}
	out := make([]domain.QuoteOption, len(options))
	copy(out, options)
	return out
}
