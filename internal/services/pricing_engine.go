package services

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/tableside/api/internal/domain"
)

const defaultMaxLineQuantity = 999

var hundredPercent = decimal.NewFromInt(100)

// CatalogSnapshot is the catalog state a quote is priced against. It is read once per request.
type CatalogSnapshot struct {
	Items map[string]domain.MenuItem
	// Groups is keyed by menu item id and may include inactive groups.
	Groups  map[string][]domain.OptionGroup
	Options map[string]domain.OptionItem
	Coupon  *domain.Promotion
}

// QuoteRequest is the cart the engine prices.
type QuoteRequest struct {
	Lines      []domain.CartLine
	CouponCode string
	Tip        *domain.Money
	Now        time.Time
}

// PricingEngine prices carts. Price is a pure function of its inputs.
type PricingEngine struct {
	maxQuantity int
}

// PricingEngineDeps configures the engine.
type PricingEngineDeps struct {
	MaxLineQuantity int
}

// NewPricingEngine builds a pricing engine.
func NewPricingEngine(deps PricingEngineDeps) *PricingEngine {
	maxQuantity := deps.MaxLineQuantity
	if maxQuantity <= 0 {
		maxQuantity = defaultMaxLineQuantity
	}
	return &PricingEngine{maxQuantity: maxQuantity}
}

// Price validates the cart against the snapshot and returns a fully formed quote or a *QuoteRejection.
func (e *PricingEngine) Price(snapshot CatalogSnapshot, settings domain.PricingSettings, req QuoteRequest) (domain.Quote, error) {
	if len(req.Lines) == 0 {
		return domain.Quote{}, newRejection(RejectEmptyCart, -1, "cart has no lines")
	}

	items, currency, err := e.resolveItems(snapshot, req.Lines)
	if err != nil {
		return domain.Quote{}, err
	}

	quote := domain.Quote{
		Currency: currency,
		Lines:    make([]domain.QuoteLine, 0, len(req.Lines)),
		Subtotal: domain.ZeroMoney(),
	}
	for idx, line := range req.Lines {
		priced, err := e.priceLine(snapshot, items[idx], line, idx)
		if err != nil {
			return domain.Quote{}, err
		}
		quote.Lines = append(quote.Lines, priced)
		quote.Subtotal = domain.AddMoney(quote.Subtotal, priced.LineTotal)
	}

	quote.ServiceFee = domain.AddMoney(
		domain.RoundMoney(settings.FixedFee),
		domain.PercentOf(quote.Subtotal, settings.PercentFee),
	)

	quote.Discount = domain.ZeroMoney()
	if coupon := e.applicableCoupon(snapshot.Coupon, req, currency, quote.Subtotal); coupon != nil {
		base := quote.Subtotal
		if settings.CouponBase == domain.CouponBaseSubtotalWithFee {
			base = domain.AddMoney(quote.Subtotal, quote.ServiceFee)
		}
		quote.Discount = couponDiscount(*coupon, base)
		quote.AppliedCoupon = domain.NormalizePromotionCode(coupon.Code)
		quote.PromotionID = coupon.ID
	}

	quote.TaxableBase = domain.RoundMoney(quote.Subtotal.Add(quote.ServiceFee).Sub(quote.Discount))

	quote.Tax = domain.ZeroMoney()
	if settings.TaxEnabled {
		quote.Tax = domain.PercentOf(quote.TaxableBase, settings.TaxRatePercent)
	}

	quote.Tip = domain.ZeroMoney()
	if req.Tip != nil && settings.TipsEnabled {
		if req.Tip.IsNegative() {
			return domain.Quote{}, newRejection(RejectInvalidTip, -1, "tip must not be negative")
		}
		quote.Tip = domain.RoundMoney(*req.Tip)
	}

	quote.Total = domain.AddMoney(domain.AddMoney(quote.TaxableBase, quote.Tax), quote.Tip)
	return quote, nil
}

// resolveItems resolves every menu item first so a currency mismatch is rejected before any pricing.
func (e *PricingEngine) resolveItems(snapshot CatalogSnapshot, lines []domain.CartLine) ([]domain.MenuItem, string, error) {
	resolved := make([]domain.MenuItem, len(lines))
	currency := ""
	for idx, line := range lines {
		id := line.MenuItemID
		if id == "" {
			return nil, "", newRejection(RejectMissingField, idx, "menu item id is required")
		}
		if line.Quantity <= 0 || line.Quantity > e.maxQuantity {
			return nil, "", newRejection(RejectInvalidQuantity, idx, "quantity must be between 1 and %d", e.maxQuantity)
		}
		item, ok := snapshot.Items[id]
		if !ok {
			return nil, "", newRejection(RejectItemNotFound, idx, "menu item %s not found", id)
		}
		if !item.Active {
			return nil, "", newRejection(RejectItemInactive, idx, "menu item %s is inactive", id)
		}
		if !item.Available {
			return nil, "", newRejection(RejectItemUnavailable, idx, "menu item %s is unavailable", id)
		}
		if item.BasePrice.IsNegative() {
			return nil, "", newRejection(RejectInvalidAmount, idx, "menu item %s has a negative price", id)
		}
		itemCurrency, err := domain.NormalizeCurrency(item.Currency)
		if err != nil {
			return nil, "", newRejection(RejectCurrencyMismatch, idx, "menu item %s: %v", id, err)
		}
		if currency == "" {
			currency = itemCurrency
		} else if itemCurrency != currency {
			return nil, "", newRejection(RejectCurrencyMismatch, idx, "menu item %s is priced in %s, cart is %s", id, itemCurrency, currency)
		}
		resolved[idx] = item
	}
	return resolved, currency, nil
}

func (e *PricingEngine) priceLine(snapshot CatalogSnapshot, item domain.MenuItem, line domain.CartLine, idx int) (domain.QuoteLine, error) {
	groups := make(map[string]domain.OptionGroup)
	for _, group := range snapshot.Groups[item.ID] {
		if group.Active && (group.MenuItemID == "" || group.MenuItemID == item.ID) {
			groups[group.ID] = group
		}
	}

	for groupID := range line.Selections {
		if _, ok := groups[groupID]; !ok {
			return domain.QuoteLine{}, newRejection(RejectGroupNotApplicable, idx, "option group %s does not apply to %s", groupID, item.ID)
		}
	}

	groupIDs := make([]string, 0, len(groups))
	for id := range groups {
		groupIDs = append(groupIDs, id)
	}
	sort.Strings(groupIDs)

	for _, groupID := range groupIDs {
		group := groups[groupID]
		count := len(line.Selections[groupID])
		if count < group.MinSelect || (group.MaxSelect >= 0 && count > group.MaxSelect) {
			return domain.QuoteLine{}, newRejection(RejectGroupCardinality, idx, "option group %s accepts %s selections, got %d", groupID, cardinalityLabel(group), count)
		}
	}

	unitDelta := domain.ZeroMoney()
	options := make([]domain.QuoteOption, 0)
	for _, groupID := range groupIDs {
		group := groups[groupID]
		groupDelta := domain.ZeroMoney()
		seen := make(map[string]struct{}, len(line.Selections[groupID]))
		for _, optionID := range line.Selections[groupID] {
			if _, dup := seen[optionID]; dup {
				return domain.QuoteLine{}, newRejection(RejectDuplicateOption, idx, "option %s selected twice in group %s", optionID, groupID)
			}
			seen[optionID] = struct{}{}
			option, ok := snapshot.Options[optionID]
			if !ok {
				return domain.QuoteLine{}, newRejection(RejectOptionNotFound, idx, "option %s not found", optionID)
			}
			if !option.Active {
				return domain.QuoteLine{}, newRejection(RejectOptionInactive, idx, "option %s is inactive", optionID)
			}
			if option.GroupID != groupID {
				return domain.QuoteLine{}, newRejection(RejectOptionGroupMismatch, idx, "option %s belongs to group %s, not %s", optionID, option.GroupID, groupID)
			}
			groupDelta = groupDelta.Add(option.PriceDelta)
			options = append(options, domain.QuoteOption{
				GroupID:    groupID,
				GroupName:  group.Name,
				OptionID:   option.ID,
				Name:       option.Name,
				PriceDelta: option.PriceDelta,
			})
		}
		unitDelta = unitDelta.Add(groupDelta)
	}

	unitPrice := domain.RoundMoney(item.BasePrice.Add(unitDelta))
	if unitPrice.IsNegative() {
		return domain.QuoteLine{}, newRejection(RejectInvalidAmount, idx, "options reduce %s below zero", item.ID)
	}
	return domain.QuoteLine{
		MenuItemID: item.ID,
		Name:       item.Name,
		Quantity:   line.Quantity,
		BasePrice:  item.BasePrice,
		UnitDelta:  unitDelta,
		UnitPrice:  unitPrice,
		LineTotal:  domain.RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))),
		Options:    options,
		Note:       line.Note,
	}, nil
}

// applicableCoupon returns the coupon when it may be applied. Invalid coupons are ignored, never rejected.
func (e *PricingEngine) applicableCoupon(coupon *domain.Promotion, req QuoteRequest, currency string, subtotal domain.Money) *domain.Promotion {
	code := domain.NormalizePromotionCode(req.CouponCode)
	if coupon == nil || code == "" {
		return nil
	}
	if domain.NormalizePromotionCode(coupon.Code) != code || !coupon.Active {
		return nil
	}
	if coupon.WithinWindow(req.Now) != "" {
		return nil
	}
	if coupon.Currency != "" {
		couponCurrency, err := domain.NormalizeCurrency(coupon.Currency)
		if err != nil || couponCurrency != currency {
			return nil
		}
	}
	if subtotal.LessThan(coupon.MinSubtotal) {
		return nil
	}
	return coupon
}

func couponDiscount(coupon domain.Promotion, base domain.Money) domain.Money {
	if !base.IsPositive() || !coupon.Value.IsPositive() {
		return domain.ZeroMoney()
	}
	var discount domain.Money
	switch coupon.Kind {
	case domain.PromotionKindFixed:
		discount = domain.RoundMoney(coupon.Value)
	default:
		percent := coupon.Value
		if percent.GreaterThan(hundredPercent) {
			percent = hundredPercent
		}
		discount = domain.PercentOf(base, percent)
	}
	return domain.MinMoney(discount, base)
}

func cardinalityLabel(group domain.OptionGroup) string {
	if group.MaxSelect < 0 {
		return strconv.Itoa(group.MinSelect) + "+"
	}
	return strconv.Itoa(group.MinSelect) + ".." + strconv.Itoa(group.MaxSelect)
}
