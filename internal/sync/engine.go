package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/api"
	"github.com/skritter/studysync/internal/schema"
	"github.com/skritter/studysync/internal/storage"
	"github.com/skritter/studysync/internal/study"
)

// ErrSyncInProgress is returned when a cycle is started while another one
// is still running.
var ErrSyncInProgress = errors.New("sync already in progress")

// LastDownloadKey is the meta key holding the start time of the last
// successful download. It is the offset of the next incremental download.
const LastDownloadKey = "lastItemSync"

// MaxUploadRecords caps the sub-reviews sent in one upload request.
const MaxUploadRecords = api.ReviewsPerRequest

// SyncError reports a local storage failure that aborted a download.
type SyncError struct {
	Table string
	Err   error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("failed to persist %s: %v", e.Table, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// State is the download state machine position.
type State int32

const (
	StateIdle State = iota
	StateRequestBatch
	StatePolling
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRequestBatch:
		return "REQUEST_BATCH"
	case StatePolling:
		return "POLLING"
	case StateDone:
		return "DONE"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// studyTables are the page fields persisted during a study data download,
// in write order.
var studyTables = []struct {
	field string
	table string
}{
	{"Decomps", schema.TableDecomps},
	{"Items", schema.TableItems},
	{"SRSConfigs", schema.TableSRSConfigs},
	{"Sentences", schema.TableSentences},
	{"Strokes", schema.TableStrokes},
	{"Vocabs", schema.TableVocabs},
}

// Config wires an Engine.
type Config struct {
	Remote   Remote
	Store    storage.Storage
	Reviews  *study.Reviews
	Observer Observer
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine runs download and upload cycles. It is safe for concurrent use;
// overlapping cycles are rejected rather than queued.
type Engine struct {
	remote   Remote
	store    storage.Storage
	reviews  *study.Reviews
	observer Observer
	now      func() time.Time
	logger   *zap.Logger

	running atomic.Bool
	state   atomic.Int32
}

// New creates an engine. Observer, Clock and Logger are optional.
func New(cfg Config) *Engine {
	e := &Engine{
		remote:   cfg.Remote,
		store:    cfg.Store,
		reviews:  cfg.Reviews,
		observer: cfg.Observer,
		now:      cfg.Clock,
		logger:   cfg.Logger,
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	return e
}

// State returns the current download state.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Syncing reports whether a cycle is running.
func (e *Engine) Syncing() bool {
	return e.running.Load()
}

func (e *Engine) setState(s State) {
	e.state.Store(int32(s))
}

func (e *Engine) begin() (func(), error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	return func() { e.running.Store(false) }, nil
}

// LastDownload returns the offset stored by the last successful download,
// or 0 when the account has never been downloaded.
func (e *Engine) LastDownload(ctx context.Context) (int64, error) {
	var offset int64
	if _, err := storage.GetMeta(ctx, e.store, LastDownloadKey, &offset); err != nil {
		return 0, fmt.Errorf("failed to read last download: %w", err)
	}
	return offset, nil
}

// Sync uploads pending reviews and then downloads everything changed since
// the last download. SRS configs are included on the first download.
func (e *Engine) Sync(ctx context.Context) (Stats, error) {
	done, err := e.begin()
	if err != nil {
		return Stats{}, err
	}
	defer done()

	stats := Stats{StartedAt: e.now(), Records: make(map[string]int)}

	result, err := e.upload(ctx)
	stats.Uploaded, stats.Pending, stats.Refreshed = result.uploaded, result.pending, result.refreshed
	if err != nil {
		return stats, fmt.Errorf("failed to upload reviews: %w", err)
	}

	offset, err := e.LastDownload(ctx)
	if err != nil {
		return stats, err
	}
	stats.Offset = offset
	if err := e.download(ctx, offset, offset == 0, nil, &stats); err != nil {
		return stats, err
	}
	if err := storage.PutMeta(ctx, e.store, LastDownloadKey, stats.StartedAt.Unix()); err != nil {
		return stats, &SyncError{Table: schema.TableMeta, Err: err}
	}

	stats.Duration = e.now().Sub(stats.StartedAt)
	e.logger.Info("sync complete",
		zap.Int("uploaded", stats.Uploaded),
		zap.Int("pending", stats.Pending),
		zap.Int("pages", stats.Pages),
		zap.Int("records", stats.Total()),
		zap.Duration("duration", stats.Duration))
	e.observer.OnSyncComplete(stats)
	return stats, nil
}

// FetchStudyData downloads every item changed since offset together with
// the resources needed to study it. An offset of 0 downloads the whole
// account. onPage, when set, is called with each page after it has been
// persisted. The last download offset is advanced on success.
func (e *Engine) FetchStudyData(ctx context.Context, offset int64, includeSRSConfigs bool, onPage func(*api.BatchResult)) (Stats, error) {
	done, err := e.begin()
	if err != nil {
		return Stats{}, err
	}
	defer done()

	stats := Stats{Offset: offset, StartedAt: e.now(), Records: make(map[string]int)}
	if err := e.download(ctx, offset, includeSRSConfigs, onPage, &stats); err != nil {
		return stats, err
	}
	if err := storage.PutMeta(ctx, e.store, LastDownloadKey, stats.StartedAt.Unix()); err != nil {
		return stats, &SyncError{Table: schema.TableMeta, Err: err}
	}
	stats.Duration = e.now().Sub(stats.StartedAt)
	e.observer.OnSyncComplete(stats)
	return stats, nil
}

func (e *Engine) download(ctx context.Context, offset int64, includeSRSConfigs bool, onPage func(*api.BatchResult), stats *Stats) error {
	requests := []api.BatchRequest{e.remote.StudyDataRequest(offset)}
	if includeSRSConfigs {
		requests = append(requests, e.remote.SRSConfigsRequest())
	}

	e.logger.Debug("requesting study data", zap.Int64("offset", offset), zap.Bool("srsconfigs", includeSRSConfigs))
	return e.runBatch(ctx, requests, func(page *api.BatchResult) error {
		for _, t := range studyTables {
			n, err := e.persist(ctx, page, t.field, t.table)
			if err != nil {
				return err
			}
			stats.Records[t.table] += n
		}
		stats.Pages++
		if onPage != nil {
			onPage(page)
		}
		return nil
	})
}

// FetchVocabLists downloads the custom, official and studying vocab lists.
func (e *Engine) FetchVocabLists(ctx context.Context) (int, error) {
	done, err := e.begin()
	if err != nil {
		return 0, err
	}
	defer done()

	requests := []api.BatchRequest{
		e.remote.VocabListsRequest("custom"),
		e.remote.VocabListsRequest("official"),
		e.remote.VocabListsRequest("studying"),
	}
	total := 0
	err = e.runBatch(ctx, requests, func(page *api.BatchResult) error {
		n, err := e.persist(ctx, page, "VocabLists", schema.TableVocabLists)
		total += n
		return err
	})
	return total, err
}

// runBatch submits requests and feeds every page to handle until the batch
// is exhausted.
func (e *Engine) runBatch(ctx context.Context, requests []api.BatchRequest, handle func(*api.BatchResult) error) error {
	e.setState(StateRequestBatch)
	batch, err := e.remote.SubmitBatch(ctx, requests)
	if err != nil {
		e.setState(StateFailed)
		return err
	}

	e.setState(StatePolling)
	for {
		page, err := e.remote.PollBatch(ctx, batch.ID)
		if err != nil {
			e.setState(StateFailed)
			return err
		}
		if page == nil {
			break
		}
		if page.DownloadedRequests == 0 {
			// The spawner is still running and nothing completed yet.
			if err := sleep(ctx, e.remote.PageDelay()); err != nil {
				e.setState(StateFailed)
				return err
			}
			continue
		}

		if err := handle(page); err != nil {
			e.setState(StateFailed)
			return err
		}
		e.observer.OnPage(page)
		e.logger.Debug("persisted page",
			zap.String("batch_id", string(batch.ID)),
			zap.Int("downloaded", page.DownloadedRequests),
			zap.Int("total", page.TotalRequests),
			zap.Int("running", page.RunningRequests))

		if page.Cursor != "" {
			if err := sleep(ctx, e.remote.PageDelay()); err != nil {
				e.setState(StateFailed)
				return err
			}
		}
	}

	e.setState(StateDone)
	return nil
}

func (e *Engine) persist(ctx context.Context, page *api.BatchResult, field, table string) (int, error) {
	records, err := page.Records(field)
	if err != nil {
		return 0, &SyncError{Table: table, Err: err}
	}
	if len(records) == 0 {
		return 0, nil
	}

	docs := make([]any, len(records))
	for i, r := range records {
		docs[i] = r
	}
	if err := e.store.Put(ctx, table, docs...); err != nil {
		return 0, &SyncError{Table: table, Err: err}
	}
	return len(records), nil
}

// UploadReviews sends every finished review that has not been acknowledged.
// It returns the number of reviews acknowledged and the number still
// pending. After each acknowledged request the items related to the graded
// ones are downloaded again.
func (e *Engine) UploadReviews(ctx context.Context) (uploaded, pending int, err error) {
	done, err := e.begin()
	if err != nil {
		return 0, 0, err
	}
	defer done()
	result, err := e.upload(ctx)
	return result.uploaded, result.pending, err
}

type uploadResult struct {
	uploaded  int
	pending   int
	refreshed int
}

func (e *Engine) upload(ctx context.Context) (uploadResult, error) {
	var result uploadResult
	reviews, err := e.reviews.Pending(ctx)
	if err != nil {
		return result, err
	}
	if len(reviews) == 0 {
		return result, nil
	}

	chunks := PackWordGroups(reviews, MaxUploadRecords)
	uploaded := 0
	for i, chunk := range chunks {
		records := make([]schema.SubReview, 0, MaxUploadRecords)
		ids := make([]string, len(chunk))
		for j, review := range chunk {
			records = append(records, review.Reviews...)
			ids[j] = review.ID
		}

		_, remaining, err := e.remote.UploadReviews(ctx, records)
		if err == nil && len(remaining) > 0 {
			err = fmt.Errorf("%d records were not sent", len(remaining))
		}
		if err != nil {
			pending := len(reviews) - uploaded
			e.logger.Warn("review upload stopped",
				zap.Int("chunk", i),
				zap.Int("uploaded", uploaded),
				zap.Int("pending", pending),
				zap.Error(err))
			e.observer.OnUpload(uploaded, pending)
			result.uploaded, result.pending = uploaded, pending
			return result, err
		}

		if err := e.reviews.MarkSynced(ctx, ids...); err != nil {
			result.uploaded, result.pending = uploaded, len(reviews)-uploaded
			return result, &SyncError{Table: schema.TableReviews, Err: err}
		}
		uploaded += len(chunk)
		e.observer.OnUpload(uploaded, len(reviews)-uploaded)
		result.refreshed += e.refreshRelated(ctx, chunk)
	}

	e.logger.Info("uploaded reviews",
		zap.Int("reviews", uploaded),
		zap.Int("requests", len(chunks)),
		zap.Int("refreshed", result.refreshed))
	result.uploaded = uploaded
	return result, nil
}

// refreshRelated downloads the siblings of every root item in reviews and
// stores them, so the parts that were not graded pick up the schedule
// changes the server applied. It returns the number of items stored.
// Failures are logged; the reviews are already acknowledged.
func (e *Engine) refreshRelated(ctx context.Context, reviews []schema.Review) int {
	roots, err := e.rootItems(ctx, reviews)
	if err != nil {
		e.logger.Warn("failed to load reviewed items", zap.Error(err))
		return 0
	}
	var ids []string
	for _, root := range roots {
		ids = append(ids, root.RelatedIDs(root.UserID())...)
	}
	if len(ids) == 0 {
		return 0
	}

	items, err := e.remote.FetchItems(ctx, ids)
	if err != nil {
		e.logger.Warn("failed to refresh related items", zap.Int("ids", len(ids)), zap.Error(err))
		return 0
	}
	if err := storage.PutAll(ctx, e.store, schema.TableItems, items); err != nil {
		e.logger.Warn("failed to store related items", zap.Int("items", len(items)), zap.Error(err))
		return 0
	}
	e.logger.Debug("refreshed related items", zap.Int("requested", len(ids)), zap.Int("stored", len(items)))
	return len(items)
}

// rootItems returns the root item of each review, taken from the review
// itself or from storage. Roots that are not known locally are skipped.
func (e *Engine) rootItems(ctx context.Context, reviews []schema.Review) ([]schema.Item, error) {
	var (
		roots   []schema.Item
		missing []string
	)
	for _, review := range reviews {
		found := false
		for _, item := range review.Items {
			if item.ID == review.ItemID {
				roots = append(roots, item)
				found = true
				break
			}
		}
		if !found && review.ItemID != "" {
			missing = append(missing, review.ItemID)
		}
	}
	if len(missing) == 0 {
		return roots, nil
	}
	stored, err := storage.GetAs[schema.Item](ctx, e.store, schema.TableItems, missing...)
	if err != nil {
		return nil, err
	}
	return append(roots, stored...), nil
}

// PackWordGroups splits reviews into consecutive chunks whose sub-review
// count does not exceed limit. A review is never split; one larger than
// limit gets a chunk of its own.
func PackWordGroups(reviews []schema.Review, limit int) [][]schema.Review {
	var (
		chunks [][]schema.Review
		cur    []schema.Review
		size   int
	)
	for _, r := range reviews {
		n := len(r.Reviews)
		if len(cur) > 0 && size+n > limit {
			chunks = append(chunks, cur)
			cur, size = nil, 0
		}
		cur = append(cur, r)
		size += n
	}
	if len(cur) > 0 {
		chunks = append(chunks, cur)
	}
	return chunks
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ Remote = (*api.Client)(nil)
