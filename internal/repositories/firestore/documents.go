package firestore

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tableside/api/internal/domain"
)

// Money and percentages are stored as decimal strings so no float rounding touches persisted amounts.

type optionDocument struct {
	GroupID    string `firestore:"groupId"`
	GroupName  string `firestore:"groupName,omitempty"`
	OptionID   string `firestore:"optionId"`
	Name       string `firestore:"name,omitempty"`
	PriceDelta string `firestore:"priceDelta"`
}

type lineDocument struct {
	MenuItemID string           `firestore:"menuItemId"`
	Name       string           `firestore:"name,omitempty"`
	Quantity   int              `firestore:"quantity"`
	BasePrice  string           `firestore:"basePrice"`
	UnitDelta  string           `firestore:"unitDelta"`
	UnitPrice  string           `firestore:"unitPrice"`
	LineTotal  string           `firestore:"lineTotal"`
	Options    []optionDocument `firestore:"options,omitempty"`
	Note       string           `firestore:"note,omitempty"`
	BatchID    string           `firestore:"batchId,omitempty"`
	AddedAt    *time.Time       `firestore:"addedAt,omitempty"`
	AddedBy    string           `firestore:"addedBy,omitempty"`
}

type totalsDocument struct {
	Subtotal    string `firestore:"subtotal"`
	ServiceFee  string `firestore:"serviceFee"`
	Discount    string `firestore:"discount"`
	TaxableBase string `firestore:"taxableBase"`
	Tax         string `firestore:"tax"`
	Tip         string `firestore:"tip"`
	Total       string `firestore:"total"`
}

type quoteDocument struct {
	Currency      string         `firestore:"currency"`
	Lines         []lineDocument `firestore:"lines,omitempty"`
	Totals        totalsDocument `firestore:"totals"`
	AppliedCoupon string         `firestore:"appliedCoupon,omitempty"`
	PromotionID   string         `firestore:"promotionId,omitempty"`
}

type historyDocument struct {
	From string    `firestore:"from"`
	To   string    `firestore:"to"`
	By   string    `firestore:"by,omitempty"`
	At   time.Time `firestore:"at"`
}

type paymentDocument struct {
	Provider      string     `firestore:"provider,omitempty"`
	Status        string     `firestore:"status"`
	Amount        string     `firestore:"amount"`
	Currency      string     `firestore:"currency,omitempty"`
	ExternalRef   string     `firestore:"externalRef,omitempty"`
	FailureReason string     `firestore:"failureReason,omitempty"`
	ConfirmedAt   *time.Time `firestore:"confirmedAt,omitempty"`
}

type appendBatchDocument struct {
	ID                string    `firestore:"id"`
	PreviousItemCount int       `firestore:"previousItemCount"`
	ItemCount         int       `firestore:"itemCount"`
	AppendTotal       string    `firestore:"appendTotal"`
	AddedBy           string    `firestore:"addedBy,omitempty"`
	AddedAt           time.Time `firestore:"addedAt"`
}

type orderDocument struct {
	TenantID        string                `firestore:"tenantId"`
	FulfillmentType string                `firestore:"fulfillmentType"`
	Status          string                `firestore:"status"`
	Currency        string                `firestore:"currency"`
	Items           []lineDocument        `firestore:"items"`
	Totals          totalsDocument        `firestore:"totals"`
	Quote           quoteDocument         `firestore:"quote"`
	History         []historyDocument     `firestore:"history"`
	Payment         paymentDocument       `firestore:"payment"`
	AppendBatches   []appendBatchDocument `firestore:"appendBatches,omitempty"`
	AppliedCoupon   string                `firestore:"appliedCoupon,omitempty"`
	PromotionID     string                `firestore:"promotionId,omitempty"`
	InvoiceNumber   string                `firestore:"invoiceNumber,omitempty"`
	InvoiceSeries   string                `firestore:"invoiceSeries,omitempty"`
	InvoiceIssuedAt *time.Time            `firestore:"invoiceIssuedAt,omitempty"`
	CustomerID      string                `firestore:"customerId,omitempty"`
	Notes           string                `firestore:"notes,omitempty"`
	Metadata        map[string]string     `firestore:"metadata,omitempty"`
	CreatedBy       string                `firestore:"createdBy,omitempty"`
	CreatedAt       time.Time             `firestore:"createdAt"`
	UpdatedAt       time.Time             `firestore:"updatedAt"`
}

func moneyString(amount domain.Money) string {
	return domain.RoundMoney(amount).StringFixed(2)
}

func parseMoneyField(field, raw string) (domain.Money, error) {
	if strings.TrimSpace(raw) == "" {
		return domain.ZeroMoney(), nil
	}
	amount, err := domain.ParseMoney(raw)
	if err != nil {
		return domain.Money{}, fmt.Errorf("decode %s: %w", field, err)
	}
	return amount, nil
}

func parseDecimalField(field, raw string) (decimal.Decimal, error) {
	if strings.TrimSpace(raw) == "" {
		return decimal.Zero, nil
	}
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("decode %s: %w", field, err)
	}
	return value, nil
}

// moneyReader collects the first decode failure so converters stay linear.
type moneyReader struct {
	err error
}

func (r *moneyReader) money(field, raw string) domain.Money {
	if r.err != nil {
		return domain.ZeroMoney()
	}
	amount, err := parseMoneyField(field, raw)
	if err != nil {
		r.err = err
	}
	return amount
}

func (r *moneyReader) decimal(field, raw string) decimal.Decimal {
	if r.err != nil {
		return decimal.Zero
	}
	value, err := parseDecimalField(field, raw)
	if err != nil {
		r.err = err
	}
	return value
}

func newOptionDocuments(options []domain.QuoteOption) []optionDocument {
	if len(options) == 0 {
		return nil
	}
	out := make([]optionDocument, 0, len(options))
	for _, option := range options {
		out = append(out, optionDocument{
			GroupID:    option.GroupID,
			GroupName:  option.GroupName,
			OptionID:   option.OptionID,
			Name:       option.Name,
			PriceDelta: option.PriceDelta.String(),
		})
	}
	return out
}

func (r *moneyReader) options(docs []optionDocument) []domain.QuoteOption {
	if len(docs) == 0 {
		return nil
	}
	out := make([]domain.QuoteOption, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.QuoteOption{
			GroupID:    doc.GroupID,
			GroupName:  doc.GroupName,
			OptionID:   doc.OptionID,
			Name:       doc.Name,
			PriceDelta: r.decimal("option.priceDelta", doc.PriceDelta),
		})
	}
	return out
}

func newTotalsDocument(totals domain.OrderTotals) totalsDocument {
	return totalsDocument{
		Subtotal:    moneyString(totals.Subtotal),
		ServiceFee:  moneyString(totals.ServiceFee),
		Discount:    moneyString(totals.Discount),
		TaxableBase: moneyString(totals.TaxableBase),
		Tax:         moneyString(totals.Tax),
		Tip:         moneyString(totals.Tip),
		Total:       moneyString(totals.Total),
	}
}

func (r *moneyReader) totals(doc totalsDocument) domain.OrderTotals {
	return domain.OrderTotals{
		Subtotal:    r.money("subtotal", doc.Subtotal),
		ServiceFee:  r.money("serviceFee", doc.ServiceFee),
		Discount:    r.money("discount", doc.Discount),
		TaxableBase: r.money("taxableBase", doc.TaxableBase),
		Tax:         r.money("tax", doc.Tax),
		Tip:         r.money("tip", doc.Tip),
		Total:       r.money("total", doc.Total),
	}
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]lineDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, lineDocument{
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			BasePrice:  item.BasePrice.String(),
			UnitDelta:  item.UnitDelta.String(),
			UnitPrice:  moneyString(item.UnitPrice),
			LineTotal:  moneyString(item.LineTotal),
			Options:    newOptionDocuments(item.Options),
			Note:       item.Note,
			BatchID:    item.BatchID,
			AddedAt:    item.AddedAt,
			AddedBy:    item.AddedBy,
		})
	}
	quoteLines := make([]lineDocument, 0, len(order.Quote.Lines))
	for _, line := range order.Quote.Lines {
		quoteLines = append(quoteLines, lineDocument{
			MenuItemID: line.MenuItemID,
			Name:       line.Name,
			Quantity:   line.Quantity,
			BasePrice:  line.BasePrice.String(),
			UnitDelta:  line.UnitDelta.String(),
			UnitPrice:  moneyString(line.UnitPrice),
			LineTotal:  moneyString(line.LineTotal),
			Options:    newOptionDocuments(line.Options),
			Note:       line.Note,
		})
	}
	history := make([]historyDocument, 0, len(order.History))
	for _, entry := range order.History {
		history = append(history, historyDocument{From: string(entry.From), To: string(entry.To), By: entry.By, At: entry.At.UTC()})
	}
	batches := make([]appendBatchDocument, 0, len(order.AppendBatches))
	for _, batch := range order.AppendBatches {
		batches = append(batches, appendBatchDocument{
			ID:                batch.ID,
			PreviousItemCount: batch.PreviousItemCount,
			ItemCount:         batch.ItemCount,
			AppendTotal:       moneyString(batch.AppendTotal),
			AddedBy:           batch.AddedBy,
			AddedAt:           batch.AddedAt.UTC(),
		})
	}
	return orderDocument{
		TenantID:        order.TenantID,
		FulfillmentType: string(order.FulfillmentType),
		Status:          string(order.Status),
		Currency:        order.Currency,
		Items:           items,
		Totals:          newTotalsDocument(order.Totals),
		Quote: quoteDocument{
			Currency: order.Quote.Currency,
			Lines:    quoteLines,
			Totals: newTotalsDocument(domain.OrderTotals{
				Subtotal:    order.Quote.Subtotal,
				ServiceFee:  order.Quote.ServiceFee,
				Discount:    order.Quote.Discount,
				TaxableBase: order.Quote.TaxableBase,
				Tax:         order.Quote.Tax,
				Tip:         order.Quote.Tip,
				Total:       order.Quote.Total,
			}),
			AppliedCoupon: order.Quote.AppliedCoupon,
			PromotionID:   order.Quote.PromotionID,
		},
		History: history,
		Payment: paymentDocument{
			Provider:      order.Payment.Provider,
			Status:        string(order.Payment.Status),
			Amount:        moneyString(order.Payment.Amount),
			Currency:      order.Payment.Currency,
			ExternalRef:   order.Payment.ExternalRef,
			FailureReason: order.Payment.FailureReason,
			ConfirmedAt:   order.Payment.ConfirmedAt,
		},
		AppendBatches:   batches,
		AppliedCoupon:   order.AppliedCoupon,
		PromotionID:     order.PromotionID,
		InvoiceNumber:   order.InvoiceNumber,
		InvoiceSeries:   order.InvoiceSeries,
		InvoiceIssuedAt: order.InvoiceIssuedAt,
		CustomerID:      order.CustomerID,
		Notes:           order.Notes,
		Metadata:        order.Metadata,
		CreatedBy:       order.CreatedBy,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) (domain.Order, error) {
	var r moneyReader
	items := make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderLineItem{
			MenuItemID: item.MenuItemID,
			Name:       item.Name,
			Quantity:   item.Quantity,
			BasePrice:  r.decimal("item.basePrice", item.BasePrice),
			UnitDelta:  r.decimal("item.unitDelta", item.UnitDelta),
			UnitPrice:  r.money("item.unitPrice", item.UnitPrice),
			LineTotal:  r.money("item.lineTotal", item.LineTotal),
			Options:    r.options(item.Options),
			Note:       item.Note,
			BatchID:    item.BatchID,
			AddedAt:    utcPtr(item.AddedAt),
			AddedBy:    item.AddedBy,
		})
	}
	quoteLines := make([]domain.QuoteLine, 0, len(d.Quote.Lines))
	for _, line := range d.Quote.Lines {
		quoteLines = append(quoteLines, domain.QuoteLine{
			MenuItemID: line.MenuItemID,
			Name:       line.Name,
			Quantity:   line.Quantity,
			BasePrice:  r.decimal("quote.basePrice", line.BasePrice),
			UnitDelta:  r.decimal("quote.unitDelta", line.UnitDelta),
			UnitPrice:  r.money("quote.unitPrice", line.UnitPrice),
			LineTotal:  r.money("quote.lineTotal", line.LineTotal),
			Options:    r.options(line.Options),
			Note:       line.Note,
		})
	}
	quoteTotals := r.totals(d.Quote.Totals)
	history := make([]domain.StatusHistoryEntry, 0, len(d.History))
	for _, entry := range d.History {
		history = append(history, domain.StatusHistoryEntry{
			From: domain.OrderStatus(entry.From),
			To:   domain.OrderStatus(entry.To),
			By:   entry.By,
			At:   entry.At.UTC(),
		})
	}
	var batches []domain.AppendBatch
	for _, batch := range d.AppendBatches {
		batches = append(batches, domain.AppendBatch{
			ID:                batch.ID,
			PreviousItemCount: batch.PreviousItemCount,
			ItemCount:         batch.ItemCount,
			AppendTotal:       r.money("appendBatch.appendTotal", batch.AppendTotal),
			AddedBy:           batch.AddedBy,
			AddedAt:           batch.AddedAt.UTC(),
		})
	}
	order := domain.Order{
		ID:              id,
		TenantID:        d.TenantID,
		FulfillmentType: domain.FulfillmentType(d.FulfillmentType),
		Status:          domain.OrderStatus(d.Status),
		Currency:        d.Currency,
		Items:           items,
		Totals:          r.totals(d.Totals),
		Quote: domain.Quote{
			Currency:      d.Quote.Currency,
			Lines:         quoteLines,
			Subtotal:      quoteTotals.Subtotal,
			ServiceFee:    quoteTotals.ServiceFee,
			Discount:      quoteTotals.Discount,
			TaxableBase:   quoteTotals.TaxableBase,
			Tax:           quoteTotals.Tax,
			Tip:           quoteTotals.Tip,
			Total:         quoteTotals.Total,
			AppliedCoupon: d.Quote.AppliedCoupon,
			PromotionID:   d.Quote.PromotionID,
		},
		History: history,
		Payment: domain.OrderPayment{
			Provider:      d.Payment.Provider,
			Status:        domain.PaymentStatus(d.Payment.Status),
			Amount:        r.money("payment.amount", d.Payment.Amount),
			Currency:      d.Payment.Currency,
			ExternalRef:   d.Payment.ExternalRef,
			FailureReason: d.Payment.FailureReason,
			ConfirmedAt:   utcPtr(d.Payment.ConfirmedAt),
		},
		AppendBatches:   batches,
		AppliedCoupon:   d.AppliedCoupon,
		PromotionID:     d.PromotionID,
		InvoiceNumber:   d.InvoiceNumber,
		InvoiceSeries:   d.InvoiceSeries,
		InvoiceIssuedAt: utcPtr(d.InvoiceIssuedAt),
		CustomerID:      d.CustomerID,
		Notes:           d.Notes,
		Metadata:        d.Metadata,
		CreatedBy:       d.CreatedBy,
		CreatedAt:       d.CreatedAt.UTC(),
		UpdatedAt:       d.UpdatedAt.UTC(),
	}
	if r.err != nil {
		return domain.Order{}, fmt.Errorf("order %s: %w", id, r.err)
	}
	return order, nil
}

type menuItemDocument struct {
	Name      string `firestore:"name"`
	BasePrice string `firestore:"basePrice"`
	Currency  string `firestore:"currency"`
	Active    bool   `firestore:"active"`
	Available bool   `firestore:"available"`
}

func newMenuItemDocument(item domain.MenuItem) menuItemDocument {
	return menuItemDocument{
		Name:      item.Name,
		BasePrice: item.BasePrice.String(),
		Currency:  strings.ToUpper(item.Currency),
		Active:    item.Active,
		Available: item.Available,
	}
}

func (d menuItemDocument) toDomain(tenantID, id string) (domain.MenuItem, error) {
	price, err := parseDecimalField("menuItem.basePrice", d.BasePrice)
	if err != nil {
		return domain.MenuItem{}, err
	}
	return domain.MenuItem{
		ID:        id,
		TenantID:  tenantID,
		Name:      d.Name,
		BasePrice: price,
		Currency:  d.Currency,
		Active:    d.Active,
		Available: d.Available,
	}, nil
}

// optionGroupDocument stores an absent maxSelect for an unbounded group, so a missing field never
// decodes as a cap of zero.
type optionGroupDocument struct {
	MenuItemID string `firestore:"menuItemId"`
	Name       string `firestore:"name"`
	MinSelect  int    `firestore:"minSelect"`
	MaxSelect  *int   `firestore:"maxSelect,omitempty"`
	Active     bool   `firestore:"active"`
}

func newOptionGroupDocument(group domain.OptionGroup) optionGroupDocument {
	doc := optionGroupDocument{
		MenuItemID: group.MenuItemID,
		Name:       group.Name,
		MinSelect:  group.MinSelect,
		Active:     group.Active,
	}
	if group.MaxSelect >= 0 {
		maxSelect := group.MaxSelect
		doc.MaxSelect = &maxSelect
	}
	return doc
}

func (d optionGroupDocument) toDomain(id string) domain.OptionGroup {
	maxSelect := -1
	if d.MaxSelect != nil && *d.MaxSelect >= 0 {
		maxSelect = *d.MaxSelect
	}
	return domain.OptionGroup{
		ID:         id,
		MenuItemID: d.MenuItemID,
		Name:       d.Name,
		MinSelect:  d.MinSelect,
		MaxSelect:  maxSelect,
		Active:     d.Active,
	}
}

type optionItemDocument struct {
	GroupID    string `firestore:"groupId"`
	Name       string `firestore:"name"`
	PriceDelta string `firestore:"priceDelta"`
	Active     bool   `firestore:"active"`
}

type feesDocument struct {
	Fixed   string `firestore:"fixed"`
	Percent string `firestore:"percent"`
}

type taxDocument struct {
	Enabled     bool   `firestore:"enabled"`
	RatePercent string `firestore:"ratePercent"`
}

type tipsDocument struct {
	Enabled bool `firestore:"enabled"`
}

type couponsDocument struct {
	Base string `firestore:"base"`
}

type invoicingDocument struct {
	Enabled  bool   `firestore:"enabled"`
	Prefix   string `firestore:"prefix,omitempty"`
	Series   string `firestore:"series,omitempty"`
	Suffix   string `firestore:"suffix,omitempty"`
	Padding  int    `firestore:"padding,omitempty"`
	Reset    string `firestore:"reset,omitempty"`
	Timezone string `firestore:"timezone,omitempty"`
}

// tenantDocument keeps each settings section optional so absent sections fall back to defaults.
type tenantDocument struct {
	Name          string             `firestore:"name,omitempty"`
	Currency      string             `firestore:"currency,omitempty"`
	Locale        string             `firestore:"locale,omitempty"`
	Active        bool               `firestore:"active"`
	Fees          *feesDocument      `firestore:"fees,omitempty"`
	Tax           *taxDocument       `firestore:"tax,omitempty"`
	Tips          *tipsDocument      `firestore:"tips,omitempty"`
	Coupons       *couponsDocument   `firestore:"coupons,omitempty"`
	Invoicing     *invoicingDocument `firestore:"invoicing,omitempty"`
	ActivationRef string             `firestore:"activationRef,omitempty"`
	ActivatedAt   *time.Time         `firestore:"activatedAt,omitempty"`
	UpdatedAt     time.Time          `firestore:"updatedAt"`
}

// activationDocument lives at tenants/{tenantId}/activations/{reference}.
type activationDocument struct {
	ActivatedBy string    `firestore:"activatedBy,omitempty"`
	ActivatedAt time.Time `firestore:"activatedAt"`
}

func newTenantDocument(tenant domain.Tenant) tenantDocument {
	return tenantDocument{
		Name:     tenant.Name,
		Currency: strings.ToUpper(tenant.Currency),
		Locale:   tenant.Locale,
		Active:   tenant.Active,
		Fees: &feesDocument{
			Fixed:   tenant.Pricing.FixedFee.String(),
			Percent: tenant.Pricing.PercentFee.String(),
		},
		Tax:     &taxDocument{Enabled: tenant.Pricing.TaxEnabled, RatePercent: tenant.Pricing.TaxRatePercent.String()},
		Tips:    &tipsDocument{Enabled: tenant.Pricing.TipsEnabled},
		Coupons: &couponsDocument{Base: string(tenant.Pricing.CouponBase)},
		Invoicing: &invoicingDocument{
			Enabled:  tenant.Invoicing.Enabled,
			Prefix:   tenant.Invoicing.Prefix,
			Series:   tenant.Invoicing.Series,
			Suffix:   tenant.Invoicing.Suffix,
			Padding:  tenant.Invoicing.Padding,
			Reset:    string(tenant.Invoicing.Reset),
			Timezone: tenant.Invoicing.Timezone,
		},
		ActivationRef: tenant.ActivationRef,
		ActivatedAt:   utcPtr(tenant.ActivatedAt),
		UpdatedAt:     tenant.UpdatedAt.UTC(),
	}
}

// toDomain fills missing sections from defaults. Invoicing has no default and stays disabled when absent.
func (d tenantDocument) toDomain(id string, defaults TenantDefaults) (domain.Tenant, error) {
	var r moneyReader
	tenant := domain.Tenant{
		ID:            id,
		Name:          d.Name,
		Currency:      d.Currency,
		Locale:        d.Locale,
		Active:        d.Active,
		Pricing:       defaults.Pricing,
		ActivationRef: d.ActivationRef,
		ActivatedAt:   utcPtr(d.ActivatedAt),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if tenant.Currency == "" {
		tenant.Currency = defaults.Currency
	}
	if d.Fees != nil {
		tenant.Pricing.FixedFee = r.money("fees.fixed", d.Fees.Fixed)
		tenant.Pricing.PercentFee = r.decimal("fees.percent", d.Fees.Percent)
	}
	if d.Tax != nil {
		tenant.Pricing.TaxEnabled = d.Tax.Enabled
		tenant.Pricing.TaxRatePercent = r.decimal("tax.ratePercent", d.Tax.RatePercent)
	}
	if d.Tips != nil {
		tenant.Pricing.TipsEnabled = d.Tips.Enabled
	}
	if d.Coupons != nil && d.Coupons.Base != "" {
		tenant.Pricing.CouponBase = domain.CouponBase(d.Coupons.Base)
	}
	if d.Invoicing != nil {
		tenant.Invoicing = domain.InvoiceSettings{
			Enabled:  d.Invoicing.Enabled,
			Prefix:   d.Invoicing.Prefix,
			Series:   d.Invoicing.Series,
			Suffix:   d.Invoicing.Suffix,
			Padding:  d.Invoicing.Padding,
			Reset:    domain.InvoiceReset(d.Invoicing.Reset),
			Timezone: d.Invoicing.Timezone,
		}
	}
	if r.err != nil {
		return domain.Tenant{}, fmt.Errorf("tenant %s: %w", id, r.err)
	}
	return tenant, nil
}

type promotionDocument struct {
	Code          string     `firestore:"code"`
	Kind          string     `firestore:"kind"`
	Value         string     `firestore:"value"`
	Currency      string     `firestore:"currency,omitempty"`
	MinSubtotal   string     `firestore:"minSubtotal,omitempty"`
	Active        bool       `firestore:"active"`
	StartsAt      *time.Time `firestore:"startsAt,omitempty"`
	EndsAt        *time.Time `firestore:"endsAt,omitempty"`
	GlobalLimit   int64      `firestore:"globalLimit"`
	PerUserLimit  int64      `firestore:"perUserLimit"`
	TimesRedeemed int64      `firestore:"timesRedeemed"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
}

func newPromotionDocument(promotion domain.Promotion) promotionDocument {
	doc := promotionDocument{
		Code:          domain.NormalizePromotionCode(promotion.Code),
		Kind:          string(promotion.Kind),
		Value:         promotion.Value.String(),
		Currency:      strings.ToUpper(promotion.Currency),
		Active:        promotion.Active,
		StartsAt:      promotion.StartsAt,
		EndsAt:        promotion.EndsAt,
		GlobalLimit:   promotion.GlobalLimit,
		PerUserLimit:  promotion.PerUserLimit,
		TimesRedeemed: promotion.TimesRedeemed,
		UpdatedAt:     promotion.UpdatedAt.UTC(),
	}
	if !promotion.MinSubtotal.IsZero() {
		doc.MinSubtotal = moneyString(promotion.MinSubtotal)
	}
	return doc
}

func (d promotionDocument) toDomain(tenantID, id string) (domain.Promotion, error) {
	var r moneyReader
	promotion := domain.Promotion{
		ID:            id,
		TenantID:      tenantID,
		Code:          d.Code,
		Kind:          domain.PromotionKind(d.Kind),
		Value:         r.decimal("promotion.value", d.Value),
		Currency:      d.Currency,
		MinSubtotal:   r.money("promotion.minSubtotal", d.MinSubtotal),
		Active:        d.Active,
		StartsAt:      utcPtr(d.StartsAt),
		EndsAt:        utcPtr(d.EndsAt),
		GlobalLimit:   d.GlobalLimit,
		PerUserLimit:  d.PerUserLimit,
		TimesRedeemed: d.TimesRedeemed,
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if r.err != nil {
		return domain.Promotion{}, fmt.Errorf("promotion %s: %w", id, r.err)
	}
	return promotion, nil
}

type redemptionDocument struct {
	UserID     string    `firestore:"userId,omitempty"`
	Code       string    `firestore:"code"`
	RedeemedAt time.Time `firestore:"redeemedAt"`
}

type usageDocument struct {
	Count     int64     `firestore:"count"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type invoiceCounterDocument struct {
	Next      int64     `firestore:"next"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func utcPtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	utc := value.UTC()
	return &utc
}
