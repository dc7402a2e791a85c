// Package sync reconciles the local store with the remote account.
//
// Overview
//
// A download submits a batch job on the server and then polls it. Every
// page the server hands back is persisted before the next page is
// requested:
//
//	SubmitBatch(items?sort=changed&offset=N [, srsconfigs])
//	     ↓
//	PollBatch ──page──→ decomps, items, srsconfigs, sentences, strokes, vocabs
//	     ↑                                  ↓
//	     └────────── page delay ←───── observer.OnPage
//	     ↓
//	  nil page → DONE
//
// A poll that completes no sub-request (the spawner is still working) is
// not a page: the engine waits the page delay and polls again.
//
// An upload sends the finished reviews that have not been acknowledged yet.
// Reviews are packed by word group into requests of at most 100 records and
// a word group is never split across two requests unless it is larger than
// a request on its own. Each acknowledged request marks its reviews synced
// and downloads the sibling items of its root items (the other parts of the
// same vocabs), which the server rescheduled along with the graded one.
// The first failure stops the upload and leaves the rest pending.
//
// Usage
//
//	engine := sync.New(sync.Config{
//	    Remote:  client,
//	    Store:   store,
//	    Reviews: reviews,
//	})
//	stats, err := engine.Sync(ctx)
//
// Sync uploads first and then downloads everything changed since the last
// successful download. Only one cycle runs at a time; a second call while a
// cycle is active returns ErrSyncInProgress.
//
// Error Handling
//
// Remote failures are returned unchanged (see api.StatusOf). A storage
// failure while persisting a page aborts the cycle with a *SyncError.
package sync
