package handlers

import (
	"maps"

	domain "github.com/tableside/api/internal/domain"
	"github.com/tableside/api/internal/services"
)

type quoteOptionPayload struct {
	GroupID    string `json:"groupId"`
	GroupName  string `json:"groupName,omitempty"`
	OptionID   string `json:"optionId"`
	Name       string `json:"name"`
	PriceDelta string `json:"priceDelta"`
}

type quoteLinePayload struct {
	MenuItemID string               `json:"menuItemId"`
	Name       string               `json:"name"`
	Quantity   int                  `json:"quantity"`
	BasePrice  string               `json:"basePrice"`
	UnitDelta  string               `json:"unitDelta"`
	UnitPrice  string               `json:"unitPrice"`
	LineTotal  string               `json:"lineTotal"`
	Options    []quoteOptionPayload `json:"options,omitempty"`
	Note       string               `json:"note,omitempty"`
}

type quotePayload struct {
	Currency      string             `json:"currency"`
	Lines         []quoteLinePayload `json:"lines"`
	Subtotal      string             `json:"subtotal"`
	ServiceFee    string             `json:"serviceFee"`
	Discount      string             `json:"discount"`
	TaxableBase   string             `json:"taxableBase"`
	Tax           string             `json:"tax"`
	Tip           string             `json:"tip"`
	Total         string             `json:"total"`
	AppliedCoupon string             `json:"appliedCoupon,omitempty"`
	PromotionID   string             `json:"promotionId,omitempty"`
}

type orderItemPayload struct {
	quoteLinePayload
	BatchID string `json:"batchId,omitempty"`
	AddedAt string `json:"addedAt,omitempty"`
	AddedBy string `json:"addedBy,omitempty"`
}

type orderTotalsPayload struct {
	Subtotal    string `json:"subtotal"`
	ServiceFee  string `json:"serviceFee"`
	Discount    string `json:"discount"`
	TaxableBase string `json:"taxableBase"`
	Tax         string `json:"tax"`
	Tip         string `json:"tip"`
	Total       string `json:"total"`
}

type orderHistoryPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	By   string `json:"by,omitempty"`
	At   string `json:"at"`
}

type orderPaymentPayload struct {
	Provider      string `json:"provider,omitempty"`
	Status        string `json:"status"`
	Amount        string `json:"amount,omitempty"`
	Currency      string `json:"currency,omitempty"`
	ExternalRef   string `json:"externalRef,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`
	ConfirmedAt   string `json:"confirmedAt,omitempty"`
}

type orderInvoicePayload struct {
	Number   string `json:"number"`
	Series   string `json:"series,omitempty"`
	IssuedAt string `json:"issuedAt,omitempty"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	TenantID        string                `json:"tenantId"`
	FulfillmentType string                `json:"fulfillmentType"`
	Status          string                `json:"status"`
	Currency        string                `json:"currency"`
	Items           []orderItemPayload    `json:"items"`
	Totals          orderTotalsPayload    `json:"totals"`
	History         []orderHistoryPayload `json:"history"`
	Payment         orderPaymentPayload   `json:"payment"`
	AppliedCoupon   string                `json:"appliedCoupon,omitempty"`
	PromotionID     string                `json:"promotionId,omitempty"`
	Invoice         *orderInvoicePayload  `json:"invoice,omitempty"`
	CustomerID      string                `json:"customerId,omitempty"`
	Notes           string                `json:"notes,omitempty"`
	Metadata        map[string]string     `json:"metadata,omitempty"`
	CreatedBy       string                `json:"createdBy,omitempty"`
	CreatedAt       string                `json:"createdAt"`
	UpdatedAt       string                `json:"updatedAt,omitempty"`
}

type orderSummaryPayload struct {
	ID              string `json:"id"`
	FulfillmentType string `json:"fulfillmentType"`
	Status          string `json:"status"`
	Currency        string `json:"currency"`
	Total           string `json:"total"`
	ItemCount       int    `json:"itemCount"`
	InvoiceNumber   string `json:"invoiceNumber,omitempty"`
	CreatedAt       string `json:"createdAt"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

type appendResponse struct {
	BatchID     string       `json:"batchId"`
	AppendCount int          `json:"appendCount"`
	AppendTotal string       `json:"appendTotal"`
	NewTotal    string       `json:"newTotal"`
	Replayed    bool         `json:"replayed"`
	Order       orderPayload `json:"order"`
}

type invoiceResponse struct {
	OrderID       string `json:"orderId"`
	InvoiceNumber string `json:"invoiceNumber"`
	Series        string `json:"series,omitempty"`
	PeriodKey     string `json:"periodKey"`
	IssuedAt      string `json:"issuedAt"`
	Replayed      bool   `json:"replayed"`
}

type redemptionResponse struct {
	PromotionID     string `json:"promotionId"`
	OrderID         string `json:"orderId"`
	TimesRedeemed   int64  `json:"timesRedeemed"`
	RemainingGlobal *int64 `json:"remainingGlobal,omitempty"`
	AlreadyConsumed bool   `json:"alreadyConsumed"`
}

type activationResponse struct {
	TenantID    string `json:"tenantId"`
	Reference   string `json:"reference"`
	ActivatedBy string `json:"activatedBy,omitempty"`
	ActivatedAt string `json:"activatedAt"`
	Replayed    bool   `json:"replayed"`
}

type paymentOutcomeResponse struct {
	OrderID       string              `json:"orderId"`
	Payment       orderPaymentPayload `json:"payment"`
	Replayed      bool                `json:"replayed"`
	InvoiceNumber string              `json:"invoiceNumber,omitempty"`
	Redemption    *redemptionResponse `json:"redemption,omitempty"`
}

func buildQuoteOptions(options []domain.QuoteOption) []quoteOptionPayload {
	if len(options) == 0 {
		return nil
	}
	out := make([]quoteOptionPayload, 0, len(options))
	for _, option := range options {
		out = append(out, quoteOptionPayload{
			GroupID:    option.GroupID,
			GroupName:  option.GroupName,
			OptionID:   option.OptionID,
			Name:       option.Name,
			PriceDelta: domain.FormatMoney(option.PriceDelta),
		})
	}
	return out
}

func buildQuotePayload(quote domain.Quote) quotePayload {
	lines := make([]quoteLinePayload, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		lines = append(lines, quoteLinePayload{
			MenuItemID: line.MenuItemID,
			Name:       line.Name,
			Quantity:   line.Quantity,
			BasePrice:  domain.FormatMoney(line.BasePrice),
			UnitDelta:  domain.FormatMoney(line.UnitDelta),
			UnitPrice:  domain.FormatMoney(line.UnitPrice),
			LineTotal:  domain.FormatMoney(line.LineTotal),
			Options:    buildQuoteOptions(line.Options),
			Note:       line.Note,
		})
	}
	return quotePayload{
		Currency:      quote.Currency,
		Lines:         lines,
		Subtotal:      domain.FormatMoney(quote.Subtotal),
		ServiceFee:    domain.FormatMoney(quote.ServiceFee),
		Discount:      domain.FormatMoney(quote.Discount),
		TaxableBase:   domain.FormatMoney(quote.TaxableBase),
		Tax:           domain.FormatMoney(quote.Tax),
		Tip:           domain.FormatMoney(quote.Tip),
		Total:         domain.FormatMoney(quote.Total),
		AppliedCoupon: quote.AppliedCoupon,
		PromotionID:   quote.PromotionID,
	}
}

func buildPaymentPayload(payment domain.OrderPayment) orderPaymentPayload {
	out := orderPaymentPayload{
		Provider:      payment.Provider,
		Status:        string(payment.Status),
		Currency:      payment.Currency,
		ExternalRef:   payment.ExternalRef,
		FailureReason: payment.FailureReason,
		ConfirmedAt:   formatTimePtr(payment.ConfirmedAt),
	}
	if payment.ExternalRef != "" {
		out.Amount = domain.FormatMoney(payment.Amount)
	}
	return out
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			quoteLinePayload: quoteLinePayload{
				MenuItemID: item.MenuItemID,
				Name:       item.Name,
				Quantity:   item.Quantity,
				BasePrice:  domain.FormatMoney(item.BasePrice),
				UnitDelta:  domain.FormatMoney(item.UnitDelta),
				UnitPrice:  domain.FormatMoney(item.UnitPrice),
				LineTotal:  domain.FormatMoney(item.LineTotal),
				Options:    buildQuoteOptions(item.Options),
				Note:       item.Note,
			},
			BatchID: item.BatchID,
			AddedAt: formatTimePtr(item.AddedAt),
			AddedBy: item.AddedBy,
		})
	}

	history := make([]orderHistoryPayload, 0, len(order.History))
	for _, entry := range order.History {
		history = append(history, orderHistoryPayload{
			From: string(entry.From),
			To:   string(entry.To),
			By:   entry.By,
			At:   formatTime(entry.At),
		})
	}

	payload := orderPayload{
		ID:              order.ID,
		TenantID:        order.TenantID,
		FulfillmentType: string(order.FulfillmentType),
		Status:          string(order.Status),
		Currency:        order.Currency,
		Items:           items,
		Totals: orderTotalsPayload{
			Subtotal:    domain.FormatMoney(order.Totals.Subtotal),
			ServiceFee:  domain.FormatMoney(order.Totals.ServiceFee),
			Discount:    domain.FormatMoney(order.Totals.Discount),
			TaxableBase: domain.FormatMoney(order.Totals.TaxableBase),
			Tax:         domain.FormatMoney(order.Totals.Tax),
			Tip:         domain.FormatMoney(order.Totals.Tip),
			Total:       domain.FormatMoney(order.Totals.Total),
		},
		History:       history,
		Payment:       buildPaymentPayload(order.Payment),
		AppliedCoupon: order.AppliedCoupon,
		PromotionID:   order.PromotionID,
		CustomerID:    order.CustomerID,
		Notes:         order.Notes,
		Metadata:      maps.Clone(order.Metadata),
		CreatedBy:     order.CreatedBy,
		CreatedAt:     formatTime(order.CreatedAt),
		UpdatedAt:     formatTime(order.UpdatedAt),
	}
	if order.InvoiceNumber != "" {
		payload.Invoice = &orderInvoicePayload{
			Number:   order.InvoiceNumber,
			Series:   order.InvoiceSeries,
			IssuedAt: formatTimePtr(order.InvoiceIssuedAt),
		}
	}
	return payload
}

func buildOrderSummary(order domain.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:              order.ID,
		FulfillmentType: string(order.FulfillmentType),
		Status:          string(order.Status),
		Currency:        order.Currency,
		Total:           domain.FormatMoney(order.Totals.Total),
		ItemCount:       len(order.Items),
		InvoiceNumber:   order.InvoiceNumber,
		CreatedAt:       formatTime(order.CreatedAt),
	}
}

func buildAppendResponse(result services.AppendResult) appendResponse {
	return appendResponse{
		BatchID:     result.BatchID,
		AppendCount: result.AppendCount,
		AppendTotal: domain.FormatMoney(result.AppendTotal),
		NewTotal:    domain.FormatMoney(result.NewTotal),
		Replayed:    result.Replayed,
		Order:       buildOrderPayload(result.Order),
	}
}

func buildInvoiceResponse(issue domain.InvoiceIssue) invoiceResponse {
	return invoiceResponse{
		OrderID:       issue.OrderID,
		InvoiceNumber: issue.InvoiceNumber,
		Series:        issue.Series,
		PeriodKey:     issue.PeriodKey,
		IssuedAt:      formatTime(issue.IssuedAt),
		Replayed:      issue.Replayed,
	}
}

func buildRedemptionResponse(result domain.PromotionRedemptionResult) redemptionResponse {
	return redemptionResponse{
		PromotionID:     result.PromotionID,
		OrderID:         result.OrderID,
		TimesRedeemed:   result.TimesRedeemed,
		RemainingGlobal: result.RemainingGlobal,
		AlreadyConsumed: result.AlreadyConsumed,
	}
}

func buildActivationResponse(activation domain.TenantActivation) activationResponse {
	return activationResponse{
		TenantID:    activation.TenantID,
		Reference:   activation.Reference,
		ActivatedBy: activation.ActivatedBy,
		ActivatedAt: formatTime(activation.ActivatedAt),
		Replayed:    activation.Replayed,
	}
}

func buildPaymentOutcomeResponse(outcome services.PaymentOutcome) paymentOutcomeResponse {
	resp := paymentOutcomeResponse{
		OrderID:  outcome.Order.ID,
		Payment:  buildPaymentPayload(outcome.Order.Payment),
		Replayed: outcome.Replayed,
	}
	if outcome.Invoice != nil {
		resp.InvoiceNumber = outcome.Invoice.InvoiceNumber
	}
	if outcome.Redemption != nil {
		redemption := buildRedemptionResponse(*outcome.Redemption)
		resp.Redemption = &redemption
	}
	return resp
}
