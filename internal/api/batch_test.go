package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
)

// batchServer serves the given poll pages in order for GET batch/{id}.
func batchServer(t *testing.T, pages []map[string]any) http.Handler {
	t.Helper()
	poll := 0
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/v0/batch":
			var reqs []BatchRequest
			if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
				t.Errorf("Decode() failed: %v", err)
			}
			writeJSON(w, map[string]any{"Batch": map[string]any{"id": 987, "totalRequests": len(reqs)}})
		case r.Method == http.MethodGet && r.URL.Path == "/api/v0/batch/987":
			if poll >= len(pages) {
				t.Errorf("unexpected poll %d", poll)
				writeJSON(w, map[string]any{"Batch": map[string]any{"Requests": []any{}}})
				return
			}
			writeJSON(w, map[string]any{"Batch": pages[poll]})
			poll++
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

// TestPollBatch_Sequence tests two merged results followed by nil
func TestPollBatch_Sequence(t *testing.T) {
	pages := []map[string]any{
		{"runningRequests": 2, "totalRequests": 3, "Requests": []any{
			map[string]any{"response": map[string]any{"Items": []any{map[string]any{"id": "r1"}}}, "responseSize": 10},
		}},
		{"runningRequests": 1, "totalRequests": 3, "Requests": []any{
			map[string]any{"response": map[string]any{"Items": []any{map[string]any{"id": "r2"}}}, "responseSize": 12},
		}},
		{"runningRequests": 0, "totalRequests": 3, "Requests": []any{}},
	}
	c, _ := newTestClient(t, batchServer(t, pages))
	ctx := context.Background()

	batch, err := c.SubmitBatch(ctx, []BatchRequest{c.StudyDataRequest(0)})
	if err != nil {
		t.Fatalf("SubmitBatch() failed: %v", err)
	}
	if batch.ID != "987" {
		t.Errorf("batch.ID = %q, want 987", batch.ID)
	}

	var results []*BatchResult
	for i := 0; i < 3; i++ {
		result, err := c.PollBatch(ctx, batch.ID)
		if err != nil {
			t.Fatalf("PollBatch() #%d failed: %v", i, err)
		}
		results = append(results, result)
	}

	if results[0] == nil || results[1] == nil {
		t.Fatalf("first two polls returned nil: %v", results)
	}
	if results[2] != nil {
		t.Errorf("third poll = %+v, want nil", results[2])
	}
	if results[0].RunningRequests != 2 || results[1].RunningRequests != 1 {
		t.Errorf("runningRequests = %d, %d", results[0].RunningRequests, results[1].RunningRequests)
	}
	if results[1].ResponseSize != 12 || results[1].DownloadedRequests != 1 {
		t.Errorf("second result counters = %+v", results[1])
	}
}

// TestPollBatch_MergesByKey tests that arrays concatenate and scalars overwrite
func TestPollBatch_MergesByKey(t *testing.T) {
	pages := []map[string]any{
		{"runningRequests": 0, "totalRequests": 2, "Requests": []any{
			map[string]any{"response": map[string]any{
				"Items":  []any{map[string]any{"id": "a"}},
				"Vocabs": []any{map[string]any{"id": "v1"}},
				"cursor": "first",
			}},
			map[string]any{"response": map[string]any{
				"Items":  []any{map[string]any{"id": "b"}, map[string]any{"id": "c"}},
				"cursor": "second",
			}},
			map[string]any{"response": nil},
		}},
	}
	c, _ := newTestClient(t, batchServer(t, pages))

	result, err := c.PollBatch(context.Background(), "987")
	if err != nil {
		t.Fatalf("PollBatch() failed: %v", err)
	}
	if result == nil {
		t.Fatal("PollBatch() = nil, want a result while requests came back")
	}

	items, err := result.Records("Items")
	if err != nil {
		t.Fatalf("Records() failed: %v", err)
	}
	if len(items) != 3 {
		t.Errorf("len(Items) = %d, want 3", len(items))
	}
	if result.Cursor != "second" {
		t.Errorf("Cursor = %q, want second", result.Cursor)
	}
	if result.DownloadedRequests != 3 {
		t.Errorf("DownloadedRequests = %d, want 3", result.DownloadedRequests)
	}

	missing, err := result.Records("Sentences")
	if err != nil || missing != nil {
		t.Errorf("Records(absent) = %v, %v", missing, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if decoded["totalRequests"] != float64(2) {
		t.Errorf("totalRequests = %v, want 2", decoded["totalRequests"])
	}
}

// TestPollBatch_Malformed tests a body without a Batch envelope
func TestPollBatch_Malformed(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"unexpected": true})
	}))

	_, err := c.PollBatch(context.Background(), "1")
	if !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("PollBatch() error = %v, want ErrMalformedResponse", err)
	}
}

func TestStudyDataRequest(t *testing.T) {
	c := New(Config{Version: 0})
	req := c.StudyDataRequest(1700000000)
	if req.Path != "api/v0/items" || !req.Spawner {
		t.Errorf("request = %+v", req)
	}
	if req.Params["sort"] != "changed" || req.Params["offset"] != "1700000000" {
		t.Errorf("params = %v", req.Params)
	}
	for _, include := range []string{"vocabs", "strokes", "sentences", "heisigs", "top_mnemonics", "decomps"} {
		if req.Params["include_"+include] != "true" {
			t.Errorf("include_%s not set", include)
		}
	}
}
