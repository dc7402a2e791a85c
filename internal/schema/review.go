package schema

import (
	"fmt"
	"strings"
)

// DefaultScore is the grade a sub-review starts with before the user grades it.
const DefaultScore = 3

// SubReview is the per-item record of a review event. It is the unit the
// remote service accepts on POST reviews.
type SubReview struct {
	ItemID   string `json:"itemId"`
	Finished bool   `json:"finished"`
	Score    int    `json:"score"` // 1-4
	BearTime bool   `json:"bearTime"`

	// ===== Timing =====
	SubmitTime   int64   `json:"submitTime"`
	ReviewTime   float64 `json:"reviewTime"`
	ThinkingTime float64 `json:"thinkingTime"`

	// ===== Intervals =====
	CurrentInterval  int64  `json:"currentInterval"`
	ActualInterval   int64  `json:"actualInterval"`
	NewInterval      *int64 `json:"newInterval,omitempty"` // set by the server
	PreviousInterval int64  `json:"previousInterval"`
	PreviousSuccess  bool   `json:"previousSuccess"`

	WordGroup string `json:"wordGroup"`
}

// Review is one word group: a root item plus the items contained in it,
// graded and submitted together.
//
// The id is {submitTime}_{guid}_{rootItemId}, which is also the word group
// shared by every sub-review.
type Review struct {
	ID         string      `json:"id"`
	ItemID     string      `json:"itemId"`
	Part       Part        `json:"part"`
	Items      []Item      `json:"items,omitempty"`
	Reviews    []SubReview `json:"reviews"`
	Characters []string    `json:"characters,omitempty"`
	Synced     bool        `json:"synced,omitempty"`
}

// NewWordGroupID builds the identifier tying a word group together.
func NewWordGroupID(submitTime int64, guid, rootItemID string) string {
	return fmt.Sprintf("%d_%s_%s", submitTime, guid, rootItemID)
}

// Validate checks the structural invariants of a review.
func (r *Review) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(r.Reviews) == 0 {
		return fmt.Errorf("review %s has no sub-reviews", r.ID)
	}
	if r.Reviews[0].ItemID != r.ItemID {
		return fmt.Errorf("review %s: root sub-review is %s, want %s", r.ID, r.Reviews[0].ItemID, r.ItemID)
	}
	bearing := 0
	for i, sub := range r.Reviews {
		if sub.BearTime {
			bearing++
			if i != 0 {
				return fmt.Errorf("review %s: bearTime set on sub-review %d", r.ID, i)
			}
		}
		if sub.Score < 1 || sub.Score > 4 {
			return fmt.Errorf("review %s: score must be between 1 and 4 (got %d)", r.ID, sub.Score)
		}
	}
	if bearing != 1 {
		return fmt.Errorf("review %s: exactly one sub-review must bear time (got %d)", r.ID, bearing)
	}
	return nil
}

// SubmitTime returns the submit time of the root sub-review.
func (r *Review) SubmitTime() int64 {
	if len(r.Reviews) == 0 {
		return 0
	}
	return r.Reviews[0].SubmitTime
}

// Finished reports whether every sub-review has been graded.
func (r *Review) Finished() bool {
	if len(r.Reviews) == 0 {
		return false
	}
	for _, sub := range r.Reviews {
		if !sub.Finished {
			return false
		}
	}
	return true
}

// Uploadable reports whether the review should be sent on the next upload.
func (r *Review) Uploadable() bool {
	return r.Finished() && !r.Synced
}

// Grade sets the score of every sub-review and marks them finished.
func (r *Review) Grade(score int, reviewTime, thinkingTime float64) error {
	if score < 1 || score > 4 {
		return fmt.Errorf("score must be between 1 and 4 (got %d)", score)
	}
	for i := range r.Reviews {
		r.Reviews[i].Score = score
		r.Reviews[i].Finished = true
		if r.Reviews[i].BearTime {
			r.Reviews[i].ReviewTime = reviewTime
			r.Reviews[i].ThinkingTime = thinkingTime
		}
	}
	return nil
}

// RootItemID recovers the root item id from a word group id.
func RootItemID(wordGroup string) string {
	parts := strings.SplitN(wordGroup, "_", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

// ByNewestSubmit orders reviews by descending submit time of the root.
// Equal times fall back to the id so the order is stable.
func ByNewestSubmit(a, b Review) int {
	at, bt := a.SubmitTime(), b.SubmitTime()
	switch {
	case at > bt:
		return -1
	case at < bt:
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}
