package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection gives typed access to one collection whose documents decode into D.
type Collection[D any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed collection to the provider.
func NewCollection[D any](provider *Provider, name string) *Collection[D] {
	return &Collection[D]{provider: provider, name: strings.TrimSpace(name)}
}

// Name returns the collection name.
func (c *Collection[D]) Name() string { return c.name }

// Ref returns the collection reference.
func (c *Collection[D]) Ref(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, WrapError("collection", errors.New("firestore: provider is nil"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name), nil
}

// Doc returns the document reference for id.
func (c *Collection[D]) Doc(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if strings.TrimSpace(id) == "" {
		return nil, WrapError(c.op("doc"), errors.New("firestore: document id is required"))
	}
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	return ref.Doc(id), nil
}

// Get loads and decodes a document.
func (c *Collection[D]) Get(ctx context.Context, id string) (D, error) {
	var out D
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return out, err
	}
	snap, err := doc.Get(ctx)
	if err != nil {
		return out, WrapError(c.op("get"), err)
	}
	return c.decode(snap)
}

// GetTx loads and decodes a document inside a transaction.
func (c *Collection[D]) GetTx(tx *firestore.Transaction, doc *firestore.DocumentRef) (D, error) {
	var out D
	snap, err := tx.Get(doc)
	if err != nil {
		return out, WrapError(c.op("tx.get"), err)
	}
	return c.decode(snap)
}

// Set writes the document, replacing any existing data.
func (c *Collection[D]) Set(ctx context.Context, id string, data D) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Set(ctx, data); err != nil {
		return WrapError(c.op("set"), err)
	}
	return nil
}

// Create writes the document only when it does not exist yet.
func (c *Collection[D]) Create(ctx context.Context, id string, data D) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Create(ctx, data); err != nil {
		return WrapError(c.op("create"), err)
	}
	return nil
}

// Delete removes the document. Missing documents are not an error.
func (c *Collection[D]) Delete(ctx context.Context, id string) error {
	doc, err := c.Doc(ctx, id)
	if err != nil {
		return err
	}
	if _, err := doc.Delete(ctx); err != nil {
		return WrapError(c.op("delete"), err)
	}
	return nil
}

// Query runs build against the collection and decodes every match.
func (c *Collection[D]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]D, error) {
	ref, err := c.Ref(ctx)
	if err != nil {
		return nil, err
	}
	query := ref.Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []D
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.op("query"), err)
		}
		decoded, err := c.decode(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, decoded)
	}
}

func (c *Collection[D]) decode(snap *firestore.DocumentSnapshot) (D, error) {
	var out D
	if err := snap.DataTo(&out); err != nil {
		return out, fmt.Errorf("%s: decode %s: %w", c.op("decode"), snap.Ref.ID, err)
	}
	return out, nil
}

func (c *Collection[D]) op(action string) string {
	return c.name + "." + action
}
