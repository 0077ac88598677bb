package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Document is a decoded snapshot together with its document ID.
type Document[T any] struct {
	ID   string
	Data T
}

// QueryBuilder narrows a collection query before it runs.
type QueryBuilder func(query firestore.Query) firestore.Query

// Collection gives typed access to one collection path, such as "tenants/{id}/menuItems". Documents
// are mapped with firestore struct tags.
type Collection[T any] struct {
	provider *Provider
	path     string
}

// NewCollection binds T to the collection at path.
func NewCollection[T any](provider *Provider, path string) *Collection[T] {
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/")}
}

// Set overwrites the document with value.
func (c *Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Get reads one document. A missing document yields an error whose IsNotFound is true.
func (c *Collection[T]) Get(ctx context.Context, id string) (Document[T], error) {
	ref, err := c.DocumentRef(ctx, id)
	if err != nil {
		return Document[T]{}, err
	}
	snapshot, err := ref.Get(ctx)
	if err != nil {
		return Document[T]{}, WrapError(c.op("get"), err)
	}
	return decode[T](snapshot)
}

// GetMany reads ids in one batched call. Missing documents and blank ids are left out of the result.
func (c *Collection[T]) GetMany(ctx context.Context, ids []string) (map[string]Document[T], error) {
	out := make(map[string]Document[T], len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	client, coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			refs = append(refs, coll.Doc(id))
		}
	}
	snapshots, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, WrapError(c.op("getAll"), err)
	}
	for _, snapshot := range snapshots {
		if snapshot == nil || !snapshot.Exists() {
			continue
		}
		doc, err := decode[T](snapshot)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, nil
}

// Query runs the query produced by build and decodes every result in order.
func (c *Collection[T]) Query(ctx context.Context, build QueryBuilder) ([]Document[T], error) {
	_, coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	query := coll.Query
	if build != nil {
		query = build(query)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var docs []Document[T]
	for {
		snapshot, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return docs, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		doc, err := decode[T](snapshot)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

// DocumentRef returns the reference for id, for use inside transactions.
func (c *Collection[T]) DocumentRef(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("ref"), errors.New("firestore: document id is required"))
	}
	_, coll, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	return coll.Doc(id), nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.Client, *firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, nil, errors.New("firestore: provider is nil")
	}
	if c.path == "" {
		return nil, nil, errors.New("firestore: collection path is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, nil, err
	}
	return client, client.Collection(c.path), nil
}

// op names the operation after the last path segment, e.g. "menuItems.get".
func (c *Collection[T]) op(action string) string {
	name := c.path
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		name = "firestore"
	}
	return name + "." + action
}

// decode maps a snapshot through firestore struct tags.
func decode[T any](snapshot *firestore.DocumentSnapshot) (Document[T], error) {
	var data T
	if err := snapshot.DataTo(&data); err != nil {
		return Document[T]{}, fmt.Errorf("firestore: decode %s: %w", snapshot.Ref.Path, err)
	}
	return Document[T]{ID: snapshot.Ref.ID, Data: data}, nil
}
