package firestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/tableside/api/internal/domain"
	pfirestore "github.com/tableside/api/internal/platform/firestore"
	"github.com/tableside/api/internal/repositories"
)

// wrapLedgerError keeps typed ledger failures intact and maps exhausted optimistic retries to contention.
func wrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	if ledgerErr, ok := repositories.AsLedgerError(err); ok {
		return ledgerErr
	}
	if status.Code(err) == codes.Aborted {
		return repositories.NewLedgerError(op, repositories.LedgerErrorContention, "transaction lost every retry", err)
	}
	return pfirestore.WrapError(op, err)
}

// readOrder loads the order inside tx. A missing order is reported as a ledger not_found.
func readOrder(tx *firestore.Transaction, ref *firestore.DocumentRef, op string) (domain.Order, error) {
	snapshot, err := tx.Get(ref)
	if status.Code(err) == codes.NotFound {
		return domain.Order{}, repositories.NewLedgerError(op, repositories.LedgerErrorNotFound, fmt.Sprintf("order %s not found", ref.ID), nil)
	}
	if err != nil {
		return domain.Order{}, err
	}
	var doc orderDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("firestore orders decode %s: %w", ref.ID, err)
	}
	return doc.toDomain(ref.ID)
}

// readOptional decodes ref into target and reports whether the document existed.
func readOptional(tx *firestore.Transaction, ref *firestore.DocumentRef, target any) (bool, error) {
	snapshot, err := tx.Get(ref)
	switch status.Code(err) {
	case codes.NotFound:
		return false, nil
	case codes.OK:
	default:
		return false, err
	}
	if err := snapshot.DataTo(target); err != nil {
		return false, fmt.Errorf("firestore decode %s: %w", ref.Path, err)
	}
	return true, nil
}

func ledgerTransaction(ctx context.Context, provider *pfirestore.Provider, op string, fn pfirestore.TxFunc) error {
	return wrapLedgerError(op, provider.RunTransaction(ctx, fn))
}

func notFoundError(op, what string) error {
	return pfirestore.WrapError(op, status.Errorf(codes.NotFound, "%s not found", what))
}
