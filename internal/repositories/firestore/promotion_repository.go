package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"

	domain "github.com/tableside/api/internal/domain"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

const (
	promotionsPath  = "promotions"
	redemptionsPath = "redemptions"
	usagesPath      = "usages"
)

// PromotionRepository stores promotions under tenants/{tenantId}/promotions with redemptions
// and per-user usages as sub-collections of each promotion.
type PromotionRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
}

var _ repositories.PromotionRepository = (*PromotionRepository)(nil)

// NewPromotionRepository constructs a Firestore-backed promotion repository.
func NewPromotionRepository(provider *pfirestore.Provider) (*PromotionRepository, error) {
	if provider == nil {
		return nil, errors.New("promotion repository requires firestore provider")
	}
	return &PromotionRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

func (r *PromotionRepository) promotions(tenantID string) *pfirestore.Collection[promotionDocument] {
	return pfirestore.NewCollection[promotionDocument](r.provider, tenantPath(tenantID, promotionsPath))
}

// FindByCode prefers an active promotion when several share the code.
func (r *PromotionRepository) FindByCode(ctx context.Context, tenantID string, code string) (domain.Promotion, error) {
	normalized := domain.NormalizePromotionCode(code)
	if normalized == "" {
		return domain.Promotion{}, notFoundError("promotions.findByCode", "empty promotion code")
	}
	docs, err := r.promotions(tenantID).Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("code", "==", normalized).Limit(10)
	})
	if err != nil {
		return domain.Promotion{}, err
	}
	if len(docs) == 0 {
		return domain.Promotion{}, notFoundError("promotions.findByCode", fmt.Sprintf("promotion code %s", normalized))
	}
	chosen := docs[0]
	for _, doc := range docs {
		if doc.Data.Active {
			chosen = doc
			break
		}
	}
	return chosen.Data.toDomain(tenantID, chosen.ID)
}

func (r *PromotionRepository) Save(ctx context.Context, promotion domain.Promotion) error {
	return r.promotions(promotion.TenantID).Set(ctx, promotion.ID, newPromotionDocument(promotion))
}

// Redeem consumes the promotion for an order exactly once. Every document is read before any write.
func (r *PromotionRepository) Redeem(ctx context.Context, req repositories.PromotionRedeemRequest) (domain.PromotionRedemptionResult, error) {
	if err := repositories.ValidateRedeemRequest(req); err != nil {
		return domain.PromotionRedemptionResult{}, err
	}
	req.Now = repositories.LedgerNow(req.Now)
	userID := strings.TrimSpace(req.UserID)

	var result domain.PromotionRedemptionResult
	err := ledgerTransaction(ctx, r.provider, "promotions.redeem", func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, req.OrderID)
		if err != nil {
			return err
		}
		promoRef, err := r.promotions(req.TenantID).DocumentRef(ctx, req.PromotionID)
		if err != nil {
			return err
		}
		redemptionRef := promoRef.Collection(redemptionsPath).Doc(req.OrderID)

		order, err := readOrder(tx, orderRef, "promotions.redeem")
		if err != nil {
			return err
		}
		var promoDoc promotionDocument
		found, err := readOptional(tx, promoRef, &promoDoc)
		if err != nil {
			return err
		}
		if !found {
			return repositories.NewLedgerError("promotions.redeem", repositories.LedgerErrorNotFound, fmt.Sprintf("promotion %s not found", req.PromotionID), nil)
		}
		promotion, err := promoDoc.toDomain(req.TenantID, req.PromotionID)
		if err != nil {
			return err
		}

		var existing *domain.PromotionRedemption
		var redemptionDoc redemptionDocument
		found, err = readOptional(tx, redemptionRef, &redemptionDoc)
		if err != nil {
			return err
		}
		if found {
			existing = &domain.PromotionRedemption{
				OrderID:    req.OrderID,
				UserID:     redemptionDoc.UserID,
				Code:       redemptionDoc.Code,
				RedeemedAt: redemptionDoc.RedeemedAt.UTC(),
			}
		}

		var usage usageDocument
		if userID != "" {
			if _, err := readOptional(tx, promoRef.Collection(usagesPath).Doc(userID), &usage); err != nil {
				return err
			}
		}

		plan, err := repositories.PlanRedemption(req, order, promotion, existing, usage.Count)
		if err != nil {
			return err
		}
		result = plan.Result
		if plan.Replay {
			return nil
		}

		if err := tx.Create(redemptionRef, redemptionDocument{
			UserID:     plan.Redemption.UserID,
			Code:       plan.Redemption.Code,
			RedeemedAt: plan.Redemption.RedeemedAt,
		}); err != nil {
			return err
		}
		if err := tx.Update(promoRef, []firestore.Update{
			{Path: "timesRedeemed", Value: plan.Promotion.TimesRedeemed},
			{Path: "updatedAt", Value: plan.Promotion.UpdatedAt},
		}); err != nil {
			return err
		}
		if plan.Usage != nil {
			if err := tx.Set(promoRef.Collection(usagesPath).Doc(userID), usageDocument{
				Count:     plan.Usage.Count,
				UpdatedAt: plan.Usage.UpdatedAt,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.PromotionRedemptionResult{}, err
	}
	return result, nil
}
