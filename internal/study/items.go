// Package study holds the local study state: the item and review stores,
// the loader that assembles an item with everything needed to prompt it,
// and the scheduler that picks the next due item.
package study

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/skritter/studysync/internal/collection"
	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

// maxCachedItems bounds the item cache. Once a load would pass it the
// cache starts over from that load.
const maxCachedItems = 1000

// Items is the item store: a bounded cache of recently loaded items backed
// by Storage.
type Items struct {
	store storage.Storage
	cache *collection.Collection[schema.Item]
	limit int
	now   Clock
}

// NewItems creates an item store over store. A nil clock uses time.Now.
func NewItems(store storage.Storage, now Clock) *Items {
	if now == nil {
		now = time.Now
	}
	return &Items{
		store: store,
		cache: collection.New(func(i schema.Item) string { return i.ID }, byItemID),
		limit: maxCachedItems,
		now:   now,
	}
}

func byItemID(a, b schema.Item) int {
	return strings.Compare(a.ID, b.ID)
}

// Get loads items by id. Holds that have elapsed are cleared on load.
// Ids that are not stored are omitted.
func (s *Items) Get(ctx context.Context, ids ...string) ([]schema.Item, error) {
	items, err := storage.GetAs[schema.Item](ctx, s.store, schema.TableItems, ids...)
	if err != nil {
		return nil, fmt.Errorf("failed to load items: %w", err)
	}

	now := s.now().Unix()
	for i := range items {
		items[i].ExpireHold(now)
	}
	s.remember(items)
	return items, nil
}

// Put stores items and refreshes the cache.
func (s *Items) Put(ctx context.Context, items ...schema.Item) error {
	if len(items) == 0 {
		return nil
	}
	for i := range items {
		if err := items[i].Validate(); err != nil {
			return fmt.Errorf("invalid item: %w", err)
		}
	}
	if err := storage.PutAll(ctx, s.store, schema.TableItems, items); err != nil {
		return fmt.Errorf("failed to store items: %w", err)
	}
	s.remember(items)
	return nil
}

// schedule writes the scheduling fields of items onto the stored records.
// Every other stored field is left as it is.
func (s *Items) schedule(ctx context.Context, items ...schema.Item) error {
	if len(items) == 0 {
		return nil
	}
	patches := make([]any, len(items))
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = item.ID
		patches[i] = map[string]any{
			"id":               item.ID,
			"interval":         item.Interval,
			"last":             item.Last,
			"next":             item.Next,
			"reviews":          item.Reviews,
			"successes":        item.Successes,
			"previousInterval": item.PreviousInterval,
			"previousSuccess":  item.PreviousSuccess,
		}
	}
	if err := s.store.Update(ctx, schema.TableItems, patches...); err != nil {
		return fmt.Errorf("failed to schedule items: %w", err)
	}
	// Reload so the cache holds the merged records.
	_, err := s.Get(ctx, ids...)
	return err
}

func (s *Items) remember(items []schema.Item) {
	if len(items) > s.limit {
		items = items[len(items)-s.limit:]
	}
	if s.cache.Len()+len(items) > s.limit {
		s.cache.Reset(items...)
		return
	}
	s.cache.Add(items...)
}

// Cached returns an item from the cache without touching storage.
func (s *Items) Cached(id string) (schema.Item, bool) {
	return s.cache.Get(id)
}

// DueSchedule returns the schedule projection of usable items whose part
// and style are in the filters. Items with no style count as "both".
func (s *Items) DueSchedule(ctx context.Context, parts []schema.Part, styles []string) ([]storage.ScheduleEntry, error) {
	entries, err := s.store.GetSchedule(ctx, parts, styles)
	if err != nil {
		return nil, fmt.Errorf("failed to load schedule: %w", err)
	}
	return entries, nil
}

// setFlag records or clears a data integrity flag on an item.
func (s *Items) setFlag(ctx context.Context, item *schema.Item, message string) error {
	item.Flag = message != ""
	item.FlagMessage = message

	patch := map[string]any{
		"id":          item.ID,
		"flag":        item.Flag,
		"flagMessage": item.FlagMessage,
	}
	if err := s.store.Update(ctx, schema.TableItems, patch); err != nil {
		return fmt.Errorf("failed to update flag on %s: %w", item.ID, err)
	}
	s.remember([]schema.Item{*item})
	return nil
}
