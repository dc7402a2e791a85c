package study

import (
	"context"
	"fmt"
	"slices"

	"github.com/skritter/studysync/internal/collection"
	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
)

// Reviews is the review store: the log of study activity waiting to be
// uploaded, kept newest first.
type Reviews struct {
	store storage.Storage
	cache *collection.Collection[schema.Review]
}

// NewReviews creates a review store over store.
func NewReviews(store storage.Storage) *Reviews {
	return &Reviews{
		store: store,
		cache: collection.New(func(r schema.Review) string { return r.ID }, schema.ByNewestSubmit),
	}
}

// LoadAll replaces the cache with every stored review.
func (r *Reviews) LoadAll(ctx context.Context) error {
	reviews, err := storage.GetAllAs[schema.Review](ctx, r.store, schema.TableReviews)
	if err != nil {
		return fmt.Errorf("failed to load reviews: %w", err)
	}
	r.cache.Reset(reviews...)
	return nil
}

// Add validates and persists a review.
func (r *Reviews) Add(ctx context.Context, review schema.Review) error {
	if err := review.Validate(); err != nil {
		return fmt.Errorf("invalid review: %w", err)
	}
	if err := r.store.Put(ctx, schema.TableReviews, review); err != nil {
		return fmt.Errorf("failed to store review %s: %w", review.ID, err)
	}
	r.cache.Add(review)
	return nil
}

// All returns the cached reviews, newest first.
func (r *Reviews) All() []schema.Review {
	return r.cache.All()
}

// Len returns the number of cached reviews.
func (r *Reviews) Len() int {
	return r.cache.Len()
}

// Pending returns the finished reviews that have not been uploaded, oldest
// first, read from storage so reviews recorded by another process count.
func (r *Reviews) Pending(ctx context.Context) ([]schema.Review, error) {
	if err := r.LoadAll(ctx); err != nil {
		return nil, err
	}
	pending := r.cache.Filter(func(review schema.Review) bool {
		return review.Uploadable()
	})
	slices.Reverse(pending)
	return pending, nil
}

// MarkSynced flags reviews as acknowledged by the server. They stay in
// the store as history.
func (r *Reviews) MarkSynced(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	patches := make([]any, len(ids))
	for i, id := range ids {
		patches[i] = map[string]any{"id": id, "synced": true}
	}
	if err := r.store.Update(ctx, schema.TableReviews, patches...); err != nil {
		return fmt.Errorf("failed to mark reviews synced: %w", err)
	}

	for _, id := range ids {
		if review, ok := r.cache.Get(id); ok {
			review.Synced = true
			r.cache.Add(review)
		}
	}
	return nil
}
