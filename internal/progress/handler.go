package progress

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/api"
	syncer "github.com/skritter/studysync/internal/sync"
)

// SyncPageData describes a persisted download page
type SyncPageData struct {
	Downloaded   int            `json:"downloaded_requests"`
	Total        int            `json:"total_requests"`
	Running      int            `json:"running_requests"`
	ResponseSize int            `json:"response_size"`
	Records      map[string]int `json:"records"`
}

// UploadData reports upload progress
type UploadData struct {
	Uploaded int `json:"uploaded"`
	Pending  int `json:"pending"`
}

// StatsData holds the study counters shown to clients
type StatsData struct {
	Due            int       `json:"due"`
	Items          int       `json:"items"`
	PendingReviews int       `json:"pending_reviews"`
	LastSync       time.Time `json:"last_sync,omitempty"`
	Syncing        bool      `json:"syncing"`
}

// pageFields are the page keys counted in sync_page messages.
var pageFields = []string{"Decomps", "Items", "SRSConfigs", "Sentences", "Strokes", "Vocabs", "VocabLists"}

// Handler turns engine events into progress messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewHandler creates a handler broadcasting on server. New clients are
// greeted with the latest stats.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{server: server, logger: logger}
	server.setWelcome(func() Message {
		return h.message(MessageTypeStats, h.Stats())
	})
	return h
}

var _ syncer.Observer = (*Handler)(nil)

// OnPage implements sync.Observer.
func (h *Handler) OnPage(page *api.BatchResult) {
	data := SyncPageData{
		Downloaded:   page.DownloadedRequests,
		Total:        page.TotalRequests,
		Running:      page.RunningRequests,
		ResponseSize: page.ResponseSize,
		Records:      make(map[string]int),
	}
	for _, field := range pageFields {
		records, err := page.Records(field)
		if err != nil || len(records) == 0 {
			continue
		}
		data.Records[field] = len(records)
	}

	h.mu.Lock()
	h.stats.Syncing = true
	h.mu.Unlock()

	h.server.Broadcast(h.message(MessageTypeSyncPage, data))
}

// OnUpload implements sync.Observer.
func (h *Handler) OnUpload(uploaded, pending int) {
	h.mu.Lock()
	h.stats.PendingReviews = pending
	h.mu.Unlock()

	h.server.Broadcast(h.message(MessageTypeUpload, UploadData{Uploaded: uploaded, Pending: pending}))
}

// OnSyncComplete implements sync.Observer.
func (h *Handler) OnSyncComplete(stats syncer.Stats) {
	h.logger.Debug("sync complete", zap.Int("pages", stats.Pages), zap.Int("records", stats.Total()))

	h.mu.Lock()
	h.stats.Syncing = false
	h.stats.LastSync = stats.StartedAt
	h.stats.PendingReviews = stats.Pending
	h.mu.Unlock()

	h.server.Broadcast(h.message(MessageTypeSyncComplete, stats))
	h.broadcastStats()
}

// UpdateStats replaces the study counters and broadcasts them.
func (h *Handler) UpdateStats(due, items, pendingReviews int) {
	h.mu.Lock()
	h.stats.Due = due
	h.stats.Items = items
	h.stats.PendingReviews = pendingReviews
	h.mu.Unlock()

	h.broadcastStats()
}

// Stats returns the current counters.
func (h *Handler) Stats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Handler) broadcastStats() {
	h.server.Broadcast(h.message(MessageTypeStats, h.Stats()))
}

func (h *Handler) message(typ MessageType, data any) Message {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Error("failed to marshal message data", zap.String("type", string(typ)), zap.Error(err))
	}
	return Message{Type: typ, Timestamp: time.Now(), Data: raw}
}
