package study

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
)

// ErrNoDueItems is returned by Next when nothing is due.
var ErrNoDueItems = errors.New("no items due")

// defaultInterval is the provisional interval applied to a graded item when
// no SRS config is stored for its part.
const defaultInterval = 600

// Scheduler picks the next due item and builds the review for it.
type Scheduler struct {
	items   *Items
	data    *Data
	reviews *Reviews
	store   storage.Storage
	now     Clock
	newGUID func() string
	logger  *zap.Logger
}

// SchedulerConfig wires a Scheduler.
type SchedulerConfig struct {
	Store   storage.Storage
	Items   *Items
	Data    *Data
	Reviews *Reviews
	Clock   Clock
	// NewGUID generates the random part of word group ids.
	NewGUID func() string
	Logger  *zap.Logger
}

// NewScheduler creates a scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	s := &Scheduler{
		items:   cfg.Items,
		data:    cfg.Data,
		reviews: cfg.Reviews,
		store:   cfg.Store,
		now:     cfg.Clock,
		newGUID: cfg.NewGUID,
		logger:  cfg.Logger,
	}
	if s.now == nil {
		s.now = cfg.Items.now
	}
	if s.newGUID == nil {
		s.newGUID = uuid.NewString
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s
}

// Due returns the schedule entries due now, earliest first with ties
// broken by id.
func (s *Scheduler) Due(ctx context.Context, parts []schema.Part, styles []string) ([]storage.ScheduleEntry, error) {
	entries, err := s.items.DueSchedule(ctx, parts, styles)
	if err != nil {
		return nil, err
	}
	now := s.now().Unix()
	due := slices.DeleteFunc(entries, func(e storage.ScheduleEntry) bool {
		return e.Next > now
	})
	slices.SortStableFunc(due, func(a, b storage.ScheduleEntry) int {
		return cmp.Or(cmp.Compare(a.Next, b.Next), cmp.Compare(a.ID, b.ID))
	})
	return due, nil
}

// DueCount returns how many items are due now.
func (s *Scheduler) DueCount(ctx context.Context, parts []schema.Part, styles []string) (int, error) {
	due, err := s.Due(ctx, parts, styles)
	if err != nil {
		return 0, err
	}
	return len(due), nil
}

// Next loads the earliest due item that can be prompted. Items that fail
// to load are flagged and skipped, as are items held past now.
func (s *Scheduler) Next(ctx context.Context, parts []schema.Part, styles []string) (*LoadedItem, error) {
	due, err := s.Due(ctx, parts, styles)
	if err != nil {
		return nil, err
	}

	now := s.now().Unix()
	for _, entry := range due {
		loaded, err := s.data.LoadItem(ctx, entry.ID)
		if err != nil {
			var integrity *DataIntegrityError
			if errors.As(err, &integrity) || errors.Is(err, ErrItemNotFound) {
				continue
			}
			return nil, err
		}
		if loaded.Item.Held > now {
			continue
		}
		return loaded, nil
	}
	return nil, ErrNoDueItems
}

// CreateReview builds the word group review for a loaded item: the root
// first and bearing time, then every contained item. Rune and tone reviews
// snapshot the characters being written.
func (s *Scheduler) CreateReview(loaded *LoadedItem) schema.Review {
	now := s.now().Unix()
	root := loaded.Item
	wordGroup := schema.NewWordGroupID(now, s.newGUID(), root.ID)

	items := make([]schema.Item, 0, 1+len(loaded.ContainedItems))
	items = append(items, root)
	items = append(items, loaded.ContainedItems...)

	review := schema.Review{
		ID:      wordGroup,
		ItemID:  root.ID,
		Part:    root.Part,
		Items:   items,
		Reviews: make([]schema.SubReview, 0, len(items)),
	}

	for i, item := range items {
		var actual int64
		if item.Last > 0 {
			actual = now - item.Last
		}
		review.Reviews = append(review.Reviews, schema.SubReview{
			ItemID:           item.ID,
			Score:            schema.DefaultScore,
			BearTime:         i == 0,
			SubmitTime:       now,
			CurrentInterval:  item.Interval,
			ActualInterval:   actual,
			PreviousInterval: item.PreviousInterval,
			PreviousSuccess:  item.PreviousSuccess,
			WordGroup:        wordGroup,
		})
	}

	if root.Part == schema.PartRune || root.Part == schema.PartTone {
		if len(loaded.ContainedVocabs) == 0 {
			review.Characters = []string{loaded.Vocab.Writing}
		} else {
			for _, v := range loaded.ContainedVocabs {
				review.Characters = append(review.Characters, v.Writing)
			}
		}
	}
	return review
}

// Record stores a graded review and advances the items it covers. Only the
// scheduling fields are written, so changes downloaded while the prompt was
// open survive. The next time is provisional; the server's interval
// replaces it on the next download.
func (s *Scheduler) Record(ctx context.Context, review schema.Review) error {
	if !review.Finished() {
		return fmt.Errorf("review %s is not graded", review.ID)
	}
	if len(review.Items) != len(review.Reviews) {
		return fmt.Errorf("review %s covers %d items but has %d sub-reviews", review.ID, len(review.Items), len(review.Reviews))
	}
	if err := s.reviews.Add(ctx, review); err != nil {
		return err
	}

	configs, err := storage.GetAllAs[schema.SRSConfig](ctx, s.store, schema.TableSRSConfigs)
	if err != nil {
		return fmt.Errorf("failed to load srs configs: %w", err)
	}

	updated := make([]schema.Item, 0, len(review.Items))
	for i, item := range review.Items {
		sub := review.Reviews[i]
		success := sub.Score > 1
		interval := provisionalInterval(item, success, configs)

		item.PreviousInterval = item.Interval
		item.PreviousSuccess = success
		item.Interval = interval
		item.Last = sub.SubmitTime
		item.Next = sub.SubmitTime + interval
		item.Reviews++
		if success {
			item.Successes++
		}
		updated = append(updated, item)
	}

	if err := s.items.schedule(ctx, updated...); err != nil {
		return err
	}
	s.logger.Debug("recorded review", zap.String("review_id", review.ID), zap.Int("items", len(updated)))
	return nil
}

func provisionalInterval(item schema.Item, success bool, configs []schema.SRSConfig) int64 {
	var cfg *schema.SRSConfig
	for i := range configs {
		if configs[i].Part == item.Part {
			cfg = &configs[i]
			break
		}
	}
	if cfg == nil {
		return max(item.Interval, defaultInterval)
	}

	if item.Interval == 0 {
		if success {
			return max(cfg.InitialRightInterval, 1)
		}
		return max(cfg.InitialWrongInterval, 1)
	}

	factors := cfg.WrongFactors
	if success {
		factors = cfg.RightFactors
	}
	if len(factors) == 0 {
		return item.Interval
	}
	factor := factors[min(item.Successes, len(factors)-1)]
	return max(int64(float64(item.Interval)*factor), 1)
}
