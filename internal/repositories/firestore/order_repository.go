package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tableside/api/internal/domain"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/platform/pagination"
	"github.com/tableside/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders as top level documents keyed by order id.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.Collection[orderDocument]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewCollection[orderDocument](provider, ordersCollection),
	}, nil
}

// Insert creates the order document. An existing document with the same id is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: id is required")
	}
	ref, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID)
}

// List returns tenant orders newest first. The page token encodes the last (createdAt, id) pair.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	cursor, err := pagination.DecodeCursor(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	size := pagination.ClampPageSize(filter.Pagination.PageSize)

	statuses := make([]string, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses = append(statuses, string(status))
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("tenantId", "==", filter.TenantID)
		if len(statuses) == 1 {
			q = q.Where("status", "==", statuses[0])
		} else if len(statuses) > 1 {
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor.ID != "" {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		return q.Limit(size + 1)
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{}
	if len(docs) > size {
		docs = docs[:size]
		last := docs[len(docs)-1]
		page.NextPageToken, err = pagination.EncodeCursor(pagination.Cursor{CreatedAt: last.Data.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
	}
	page.Items = make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.Data.toDomain(doc.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.Items = append(page.Items, order)
	}
	return page, nil
}

// Mutate reads the order inside a transaction, applies fn and writes the result back. A mutation
// returning repositories.ErrUnchanged commits the read without a write.
// Errors returned by fn are surfaced unchanged.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}

	var (
		updated     domain.Order
		mutationErr error
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		mutationErr = nil
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			return pfirestore.WrapError("orders.mutate", err)
		}
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("firestore orders decode %s: %w", id, err)
		}
		order, err := doc.toDomain(id)
		if err != nil {
			return err
		}
		if err := fn(&order); errors.Is(err, repositories.ErrUnchanged) {
			updated = order
			return nil
		} else if err != nil {
			mutationErr = err
			return err
		}
		if err := tx.Set(ref, newOrderDocument(order)); err != nil {
			return err
		}
		updated = order
		return nil
	})
	if mutationErr != nil {
		return domain.Order{}, mutationErr
	}
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return updated, nil
}
