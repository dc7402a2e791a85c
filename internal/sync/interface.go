package sync

import (
	"context"
	"time"

	"github.com/skritter/studysync/internal/api"
	"github.com/skritter/studysync/internal/schema"
)

// Remote is the part of the API client the engine drives.
// *api.Client implements it.
type Remote interface {
	SubmitBatch(ctx context.Context, requests []api.BatchRequest) (*api.Batch, error)
	PollBatch(ctx context.Context, id api.BatchID) (*api.BatchResult, error)

	// UploadReviews posts records and returns the posted prefix and the
	// unsent tail.
	UploadReviews(ctx context.Context, records []schema.SubReview) (posted, remaining []schema.SubReview, err error)

	// FetchItems downloads items by id.
	FetchItems(ctx context.Context, ids []string) ([]schema.Item, error)

	StudyDataRequest(offset int64) api.BatchRequest
	SRSConfigsRequest() api.BatchRequest
	VocabListsRequest(sort string) api.BatchRequest

	// PageDelay is the pause between two cursor pages, and between polls
	// that bring nothing new.
	PageDelay() time.Duration
}

// Observer receives progress events from the engine. Calls are made from
// the goroutine running the sync and must not block for long.
type Observer interface {
	// OnPage is called after a downloaded page has been persisted. Polls
	// that complete no sub-request are not reported.
	OnPage(page *api.BatchResult)

	// OnUpload is called after each upload request with the number of
	// reviews acknowledged so far and the number still pending.
	OnUpload(uploaded, pending int)

	// OnSyncComplete is called when a download or a full cycle finishes
	// without error.
	OnSyncComplete(stats Stats)
}

// Stats summarizes a sync cycle.
type Stats struct {
	Offset    int64          `json:"offset"`
	Pages     int            `json:"pages"`
	Records   map[string]int `json:"records"`
	Uploaded  int            `json:"uploaded"`
	Refreshed int            `json:"refreshed"`
	Pending   int            `json:"pending"`
	StartedAt time.Time      `json:"started_at"`
	Duration  time.Duration  `json:"duration"`
}

// Total returns the number of downloaded records across every table.
func (s Stats) Total() int {
	n := 0
	for _, c := range s.Records {
		n += c
	}
	return n
}

type nopObserver struct{}

func (nopObserver) OnPage(*api.BatchResult) {}
func (nopObserver) OnUpload(int, int)       {}
func (nopObserver) OnSyncComplete(Stats)    {}
