package study

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
)

// ErrItemNotFound is returned by LoadItem when the item itself is not stored.
var ErrItemNotFound = errors.New("item not found")

// DataIntegrityError reports a dependent resource missing from local
// storage while assembling an item. The item is flagged when it is returned.
type DataIntegrityError struct {
	ItemID   string
	Resource string
	Message  string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("item %s: %s", e.ItemID, e.Message)
}

// LoadedItem is an item with everything needed to prompt it.
type LoadedItem struct {
	Item            schema.Item
	Vocab           schema.Vocab
	ContainedItems  []schema.Item
	ContainedVocabs []schema.Vocab
	Sentence        *schema.Sentence
	Strokes         []schema.Stroke
}

// Data loads items and their dependent resources from local storage.
type Data struct {
	store  storage.Storage
	items  *Items
	style  string
	logger *zap.Logger
}

// NewData creates a loader. style is the user's style setting used to
// resolve vocab ids.
func NewData(store storage.Storage, items *Items, style string, logger *zap.Logger) *Data {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Data{store: store, items: items, style: style, logger: logger}
}

// LoadItem assembles an item with its vocab, contained items and vocabs,
// sentence and strokes. Each step reads local storage and the first
// missing piece aborts the chain: the item is flagged with a
// *DataIntegrityError describing it. A successful load clears an earlier
// flag.
func (d *Data) LoadItem(ctx context.Context, id string) (*LoadedItem, error) {
	items, err := d.items.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}

	loaded := &LoadedItem{Item: items[0]}
	if err := d.assemble(ctx, loaded); err != nil {
		var integrity *DataIntegrityError
		if !errors.As(err, &integrity) {
			return nil, err
		}
		d.logger.Warn("flagging item", zap.String("item_id", id), zap.String("reason", integrity.Message))
		if ferr := d.items.setFlag(ctx, &loaded.Item, integrity.Message); ferr != nil {
			return nil, errors.Join(err, ferr)
		}
		return nil, err
	}

	if loaded.Item.Flag {
		if err := d.items.setFlag(ctx, &loaded.Item, ""); err != nil {
			return nil, err
		}
	}
	return loaded, nil
}

func (d *Data) assemble(ctx context.Context, loaded *LoadedItem) error {
	item := &loaded.Item
	missing := func(resource, message string) error {
		return &DataIntegrityError{ItemID: item.ID, Resource: resource, Message: message}
	}

	// vocab
	vocabs, err := storage.GetAs[schema.Vocab](ctx, d.store, schema.TableVocabs, item.VocabID(d.style))
	if err != nil {
		return fmt.Errorf("failed to load vocab: %w", err)
	}
	if len(vocabs) == 0 {
		return missing(schema.TableVocabs, "Initial vocab is missing.")
	}
	loaded.Vocab = vocabs[0]

	// contained items
	if item.Part == schema.PartRune || item.Part == schema.PartTone {
		ids := loaded.Vocab.ContainedItemIDs(item.UserID(), item.Part)
		contained, ok, err := getInOrder(ctx, d.items.Get, ids, func(i schema.Item) string { return i.ID })
		if err != nil {
			return err
		}
		if !ok {
			return missing(schema.TableItems, "One or more of the contained items is missing.")
		}
		loaded.ContainedItems = contained
	}

	// contained vocabs
	if len(loaded.ContainedItems) > 0 {
		ids := make([]string, len(loaded.ContainedItems))
		for i := range loaded.ContainedItems {
			ids[i] = loaded.ContainedItems[i].VocabID(d.style)
		}
		getVocabs := func(ctx context.Context, ids ...string) ([]schema.Vocab, error) {
			return storage.GetAs[schema.Vocab](ctx, d.store, schema.TableVocabs, ids...)
		}
		contained, ok, err := getInOrder(ctx, getVocabs, ids, func(v schema.Vocab) string { return v.ID })
		if err != nil {
			return fmt.Errorf("failed to load contained vocabs: %w", err)
		}
		if !ok {
			return missing(schema.TableVocabs, "One or more of the contained vocabs is missing.")
		}
		loaded.ContainedVocabs = contained
	}

	// sentence
	if loaded.Vocab.SentenceID != "" {
		sentences, err := storage.GetAs[schema.Sentence](ctx, d.store, schema.TableSentences, loaded.Vocab.SentenceID)
		if err != nil {
			return fmt.Errorf("failed to load sentence: %w", err)
		}
		if len(sentences) != 1 {
			return missing(schema.TableSentences, "Sentence is missing.")
		}
		loaded.Sentence = &sentences[0]
	}

	// strokes
	if item.Part == schema.PartRune {
		var writings []string
		if len(loaded.ContainedVocabs) == 0 {
			writings = append(writings, loaded.Vocab.Writing)
		} else {
			for _, v := range loaded.ContainedVocabs {
				writings = append(writings, v.Writing)
			}
		}
		getStrokes := func(ctx context.Context, ids ...string) ([]schema.Stroke, error) {
			return storage.GetAs[schema.Stroke](ctx, d.store, schema.TableStrokes, ids...)
		}
		strokes, ok, err := getInOrder(ctx, getStrokes, writings, func(s schema.Stroke) string { return s.Rune })
		if err != nil {
			return fmt.Errorf("failed to load strokes: %w", err)
		}
		if !ok {
			return missing(schema.TableStrokes, "One or more of the strokes are missing.")
		}
		loaded.Strokes = strokes
	}

	return nil
}

// getInOrder fetches ids (which may repeat) and returns one value per id in
// request order. ok is false when any id is not stored.
func getInOrder[T any](ctx context.Context, get func(context.Context, ...string) ([]T, error), ids []string, key func(T) string) ([]T, bool, error) {
	if len(ids) == 0 {
		return nil, true, nil
	}
	found, err := get(ctx, ids...)
	if err != nil {
		return nil, false, err
	}
	byKey := make(map[string]T, len(found))
	for _, v := range found {
		byKey[key(v)] = v
	}

	out := make([]T, 0, len(ids))
	for _, id := range ids {
		v, ok := byKey[id]
		if !ok {
			return nil, false, nil
		}
		out = append(out, v)
	}
	return out, true, nil
}

// UpdateVocab saves a vocab edit. The update must advance the changed
// time past the stored copy or a *schema.ValidationError is returned.
func (d *Data) UpdateVocab(ctx context.Context, vocab schema.Vocab) error {
	stored, err := storage.GetAs[schema.Vocab](ctx, d.store, schema.TableVocabs, vocab.ID)
	if err != nil {
		return fmt.Errorf("failed to load vocab %s: %w", vocab.ID, err)
	}
	var current *schema.Vocab
	if len(stored) > 0 {
		current = &stored[0]
	}
	if err := vocab.ValidateUpdate(current); err != nil {
		return err
	}
	if err := d.store.Update(ctx, schema.TableVocabs, vocab); err != nil {
		return fmt.Errorf("failed to update vocab %s: %w", vocab.ID, err)
	}
	return nil
}
