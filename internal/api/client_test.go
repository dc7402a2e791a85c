package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/skritter/studysync/internal/schema"
)

// newTestClient returns a logged-in client pointed at handler.
func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c := New(Config{
		BaseURL:      srv.URL,
		ClientID:     "testclient",
		ClientSecret: "secret",
		PageDelay:    time.Millisecond,
	})
	c.SetToken(&Token{AccessToken: "tok", UserID: "user1"})
	return c, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// TestAuthenticate_Success tests the password grant and the basic credential
func TestAuthenticate_Success(t *testing.T) {
	wantAuth := "basic " + base64.StdEncoding.EncodeToString([]byte("testclient:secret"))

	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v0/oauth2/token" {
			t.Errorf("path = %q, want /api/v0/oauth2/token", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != wantAuth {
			t.Errorf("Authorization = %q, want %q", got, wantAuth)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() failed: %v", err)
		}
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") != "ada" {
			t.Errorf("form = %v", r.PostForm)
		}
		writeJSON(w, map[string]any{"access_token": "abc", "user_id": "ada", "expires_in": 3600, "statusCode": 200})
	}))
	c.SetToken(nil)

	token, err := c.Authenticate(context.Background(), "ada", "pw")
	if err != nil {
		t.Fatalf("Authenticate() failed: %v", err)
	}
	if token.AccessToken != "abc" || token.UserID != "ada" {
		t.Errorf("token = %+v", token)
	}
	if token.Expired(time.Now()) {
		t.Error("fresh token reports expired")
	}
}

// TestAuthenticate_Rejected tests that a non-success status is an AuthError
func TestAuthenticate_Rejected(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// suppress_response_codes: HTTP 200 with the real status in the body
		writeJSON(w, map[string]any{"statusCode": 401, "message": "Invalid credentials"})
	}))

	_, err := c.Authenticate(context.Background(), "ada", "wrong")
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Authenticate() error = %v, want *AuthError", err)
	}
	if StatusOf(err) != http.StatusUnauthorized {
		t.Errorf("StatusOf() = %d, want 401", StatusOf(err))
	}
	if !strings.Contains(err.Error(), "Invalid credentials") {
		t.Errorf("error %q does not carry the server message", err)
	}
}

// TestTransportFailure tests that an unreachable server reports status 0
func TestTransportFailure(t *testing.T) {
	c, srv := newTestClient(t, http.NotFoundHandler())
	srv.Close()

	_, err := c.FetchItems(context.Background(), []string{"a"})
	if err == nil {
		t.Fatal("FetchItems() against a closed server succeeded")
	}
	if StatusOf(err) != 0 || !IsTransport(err) || !IsRetryable(err) {
		t.Errorf("StatusOf() = %d, IsTransport() = %v, IsRetryable() = %v", StatusOf(err), IsTransport(err), IsRetryable(err))
	}
}

// TestHTTPStatusFailure tests that server errors carry status and message
func TestHTTPStatusFailure(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"statusCode": 403, "message": "expired subscription"})
	}))

	_, err := c.GetServerTime(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("GetServerTime() error = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusForbidden || apiErr.Message != "expired subscription" {
		t.Errorf("error = %+v", apiErr)
	}
	if IsTransport(err) || IsRetryable(err) || !IsAuth(err) {
		t.Errorf("IsTransport() = %v, IsRetryable() = %v, IsAuth() = %v", IsTransport(err), IsRetryable(err), IsAuth(err))
	}
}

// TestNotAuthenticated tests calls made before a token is installed
func TestNotAuthenticated(t *testing.T) {
	c, _ := newTestClient(t, http.NotFoundHandler())
	c.SetToken(nil)

	_, err := c.GetServerTime(context.Background())
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("GetServerTime() error = %v, want ErrNotAuthenticated", err)
	}
}

// TestFetchItems_Chunks tests that 45 unique ids take 20+20+5 requests
func TestFetchItems_Chunks(t *testing.T) {
	var sizes []int
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("bearer_token") != "tok" {
			t.Errorf("bearer_token = %q", r.URL.Query().Get("bearer_token"))
		}
		ids := strings.Split(r.URL.Query().Get("ids"), "|")
		sizes = append(sizes, len(ids))
		items := make([]schema.Item, len(ids))
		for i, id := range ids {
			items[i] = schema.Item{ID: id, Part: schema.PartRune}
		}
		writeJSON(w, map[string]any{"Items": items})
	}))

	var ids []string
	for i := 0; i < 45; i++ {
		ids = append(ids, fmt.Sprintf("user1-zh-%d-0-rune", i))
	}
	// Duplicates do not cost extra requests.
	ids = append(ids, ids[0], ids[1])

	items, err := c.FetchItems(context.Background(), ids)
	if err != nil {
		t.Fatalf("FetchItems() failed: %v", err)
	}
	if fmt.Sprint(sizes) != "[20 20 5]" {
		t.Errorf("request sizes = %v, want [20 20 5]", sizes)
	}
	if len(items) != 45 {
		t.Errorf("len(items) = %d, want 45", len(items))
	}
}

func testRecords(n int) []schema.SubReview {
	records := make([]schema.SubReview, n)
	for i := range records {
		id := fmt.Sprintf("user1-zh-%d-0-rune", i)
		records[i] = schema.SubReview{ItemID: id, Score: 3, Finished: true, BearTime: true, WordGroup: "1_g_" + id}
	}
	return records
}

// TestUploadReviews_Chunks tests 250 records in 100+100+50 requests
func TestUploadReviews_Chunks(t *testing.T) {
	var sizes []int
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var batch []schema.SubReview
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			t.Errorf("Decode() failed: %v", err)
		}
		sizes = append(sizes, len(batch))
		writeJSON(w, map[string]any{"statusCode": 200})
	}))

	records := testRecords(250)
	posted, remaining, err := c.UploadReviews(context.Background(), records)
	if err != nil {
		t.Fatalf("UploadReviews() failed: %v", err)
	}
	if fmt.Sprint(sizes) != "[100 100 50]" {
		t.Errorf("chunk sizes = %v, want [100 100 50]", sizes)
	}
	if len(posted) != 250 || len(remaining) != 0 {
		t.Errorf("posted = %d, remaining = %d", len(posted), len(remaining))
	}
	if len(records) != 250 {
		t.Errorf("input was modified: len = %d", len(records))
	}
}

// TestUploadReviews_PartialFailure tests that a failed chunk stops the upload
func TestUploadReviews_PartialFailure(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]any{"message": "boom"})
			return
		}
		writeJSON(w, map[string]any{"statusCode": 200})
	}))

	records := testRecords(250)
	posted, remaining, err := c.UploadReviews(context.Background(), records)
	if err == nil {
		t.Fatal("UploadReviews() succeeded despite a failed chunk")
	}
	if StatusOf(err) != http.StatusInternalServerError {
		t.Errorf("StatusOf() = %d, want 500", StatusOf(err))
	}
	if len(posted) != 100 || len(remaining) != 150 {
		t.Errorf("posted = %d, remaining = %d, want 100 and 150", len(posted), len(remaining))
	}
	if remaining[0].ItemID != records[100].ItemID {
		t.Errorf("remaining starts at %s, want %s", remaining[0].ItemID, records[100].ItemID)
	}
	if calls.Load() != 2 {
		t.Errorf("requests = %d, want 2", calls.Load())
	}
}

func TestChunk(t *testing.T) {
	s := []int{1, 2, 3, 4, 5}
	head, tail := Chunk(s, 2)
	if fmt.Sprint(head, tail) != "[1 2] [3 4 5]" {
		t.Errorf("Chunk() = %v, %v", head, tail)
	}
	// Appending to head must not clobber the input.
	_ = append(head, 99)
	if s[2] != 3 {
		t.Errorf("append to head modified input: %v", s)
	}
	head, tail = Chunk(s, 10)
	if len(head) != 5 || tail != nil {
		t.Errorf("Chunk() past end = %v, %v", head, tail)
	}
}

// TestFetchAll_FollowsCursor tests cursor pagination
func TestFetchAll_FollowsCursor(t *testing.T) {
	pages := map[string]map[string]any{
		"":   {"VocabLists": []map[string]any{{"id": "a", "name": "A"}}, "cursor": "c1"},
		"c1": {"VocabLists": []map[string]any{{"id": "b", "name": "B"}, {"id": "c", "name": "C"}}, "cursor": "c2"},
		"c2": {"VocabLists": []map[string]any{}},
	}
	var cursors []string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursor := r.URL.Query().Get("cursor")
		cursors = append(cursors, cursor)
		if r.URL.Query().Get("sort") != "official" {
			t.Errorf("sort = %q, want official", r.URL.Query().Get("sort"))
		}
		writeJSON(w, pages[cursor])
	}))

	lists, err := c.GetVocabLists(context.Background(), VocabListsOptions{Sort: "official"})
	if err != nil {
		t.Fatalf("GetVocabLists() failed: %v", err)
	}
	if len(lists) != 3 || lists[2].ID != "c" {
		t.Errorf("lists = %+v", lists)
	}
	if fmt.Sprint(cursors) != "[ c1 c2]" {
		t.Errorf("cursors = %q", cursors)
	}
}

// TestFetchAll_WaitsBetweenPages tests the inter-page delay
func TestFetchAll_WaitsBetweenPages(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			writeJSON(w, map[string]any{"ReviewErrors": []map[string]any{{"itemId": "x"}}, "cursor": "next"})
			return
		}
		writeJSON(w, map[string]any{"ReviewErrors": []map[string]any{{"itemId": "y"}}})
	}))
	c.pageDelay = 50 * time.Millisecond

	start := time.Now()
	errs, err := c.GetReviewErrors(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetReviewErrors() failed: %v", err)
	}
	if len(errs) != 2 {
		t.Errorf("len(errs) = %d, want 2", len(errs))
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the page delay", elapsed)
	}
}

// TestUser_StyleAndParts tests the settings helpers
func TestUser_StyleAndParts(t *testing.T) {
	u := User{TargetLang: "zh", ReviewSimplified: true, FilterChineseParts: []string{"rune", "tone"}}
	if u.Style() != schema.StyleSimp {
		t.Errorf("Style() = %q, want simp", u.Style())
	}
	if fmt.Sprint(u.Parts()) != "[rune tone]" {
		t.Errorf("Parts() = %v", u.Parts())
	}

	u = User{TargetLang: "ja"}
	if len(u.Parts()) != 3 {
		t.Errorf("Parts() for ja without filter = %v", u.Parts())
	}
}

// TestFetchAll_CanceledDuringWait tests that a context ending in the page
// delay is reported as the context error, not as a transport failure
func TestFetchAll_CanceledDuringWait(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"ReviewErrors": []map[string]any{{"itemId": "x"}}, "cursor": "next"})
	}))
	c.pageDelay = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := c.GetReviewErrors(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("GetReviewErrors() error = %v, want context.DeadlineExceeded", err)
	}
	var apiErr *Error
	if errors.As(err, &apiErr) || IsTransport(err) || IsRetryable(err) {
		t.Errorf("canceled wait reported as API error: %v (IsTransport = %v, IsRetryable = %v)", err, IsTransport(err), IsRetryable(err))
	}
}

// TestResourceEndpoints tests the method, path, query, body and decoded
// envelope of the single-resource calls
func TestResourceEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		call     func(ctx context.Context, c *Client) (any, error)
		method   string
		path     string // escaped
		query    map[string]string
		body     string
		response any
		want     any
	}{
		{
			name: "GetVocabList",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.GetVocabList(ctx, "list 7/x", []string{"id", "name"})
			},
			method:   http.MethodGet,
			path:     "/api/v0/vocablists/list%207%2Fx",
			query:    map[string]string{"fields": "id,name"},
			response: map[string]any{"VocabList": map[string]any{"id": "list 7/x", "name": "Mine", "sort": "custom"}},
			want:     &schema.VocabList{ID: "list 7/x", Name: "Mine", Sort: "custom"},
		},
		{
			name: "GetVocabListSection",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.GetVocabListSection(ctx, "list 7/x", "s 1")
			},
			method: http.MethodGet,
			path:   "/api/v0/vocablists/list%207%2Fx/sections/s%201",
			response: map[string]any{"VocabListSection": map[string]any{
				"id": "s 1", "name": "Ch 1", "rows": []any{map[string]any{"vocabId": "zh-中-0", "tradVocabId": "zh-中-1"}},
			}},
			want: &schema.VocabListSection{ID: "s 1", Name: "Ch 1", Rows: []schema.VocabListRow{{VocabID: "zh-中-0", TradVocabID: "zh-中-1"}}},
		},
		{
			name: "UpdateVocabList",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.UpdateVocabList(ctx, &schema.VocabList{ID: "list 7/x", Name: "Renamed"})
			},
			method:   http.MethodPut,
			path:     "/api/v0/vocablists/list%207%2Fx",
			body:     `{"id":"list 7/x","name":"Renamed"}`,
			response: map[string]any{"VocabList": map[string]any{"id": "list 7/x", "name": "Renamed", "changed": 1700000000}},
			want:     &schema.VocabList{ID: "list 7/x", Name: "Renamed", Changed: 1700000000},
		},
		{
			name: "UpdateVocabListSection",
			call: func(ctx context.Context, c *Client) (any, error) {
				section := &schema.VocabListSection{ID: "s 1", Name: "Ch 1", Rows: []schema.VocabListRow{{VocabID: "zh-国-0"}}}
				return c.UpdateVocabListSection(ctx, "list 7/x", section)
			},
			method:   http.MethodPut,
			path:     "/api/v0/vocablists/list%207%2Fx/sections/s%201",
			body:     `{"id":"s 1","name":"Ch 1","rows":[{"vocabId":"zh-国-0"}]}`,
			response: map[string]any{"VocabListSection": map[string]any{"id": "s 1", "name": "Ch 1", "rows": []any{map[string]any{"vocabId": "zh-国-0"}}}},
			want:     &schema.VocabListSection{ID: "s 1", Name: "Ch 1", Rows: []schema.VocabListRow{{VocabID: "zh-国-0"}}},
		},
		{
			name: "GetSRSConfigs",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.GetSRSConfigs(ctx, "zh")
			},
			method: http.MethodGet,
			path:   "/api/v0/srsconfigs",
			query:  map[string]string{"lang": "zh"},
			response: map[string]any{"SRSConfigs": []any{
				map[string]any{"part": "rune", "initialRightInterval": 600, "initialWrongInterval": 60, "rightFactors": []float64{2, 3}},
			}},
			want: []schema.SRSConfig{{Part: schema.PartRune, InitialRightInterval: 600, InitialWrongInterval: 60, RightFactors: []float64{2, 3}}},
		},
		{
			name: "GetProgStats",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.GetProgStats(ctx, ProgStatsOptions{Start: "2026-10-01", End: "2026-10-07", Step: "day", Lang: "zh", Fields: []string{"studied", "date"}})
			},
			method:   http.MethodGet,
			path:     "/api/v0/progstats",
			query:    map[string]string{"start": "2026-10-01", "end": "2026-10-07", "step": "day", "lang": "zh", "fields": "studied,date"},
			response: map[string]any{"ProgressStats": []any{map[string]any{"date": "2026-10-01", "studied": 5}}},
			want:     []json.RawMessage{json.RawMessage(`{"date":"2026-10-01","studied":5}`)},
		},
		{
			name: "GetSubscription",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.GetSubscription(ctx, "user 1")
			},
			method:   http.MethodGet,
			path:     "/api/v0/subscriptions/user%201",
			response: map[string]any{"Subscription": map[string]any{"id": "user 1", "plan": "yearly", "expires": "2027-01-01"}},
			want:     &Subscription{ID: "user 1", Plan: "yearly", Expires: "2027-01-01"},
		},
		{
			name: "UpdateUser",
			call: func(ctx context.Context, c *Client) (any, error) {
				return c.UpdateUser(ctx, map[string]any{"reviewSimplified": true, "filterChineseParts": []string{"rune"}})
			},
			method:   http.MethodPut,
			path:     "/api/v0/users",
			body:     `{"filterChineseParts":["rune"],"reviewSimplified":true}`,
			response: map[string]any{"User": map[string]any{"id": "user1", "name": "Ada", "reviewSimplified": true, "filterChineseParts": []string{"rune"}}},
			want:     &User{ID: "user1", Name: "Ada", ReviewSimplified: true, FilterChineseParts: []string{"rune"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != tt.method {
					t.Errorf("method = %s, want %s", r.Method, tt.method)
				}
				if got := r.URL.EscapedPath(); got != tt.path {
					t.Errorf("path = %s, want %s", got, tt.path)
				}
				q := r.URL.Query()
				if q.Get("bearer_token") != "tok" {
					t.Errorf("bearer_token = %q, want tok", q.Get("bearer_token"))
				}
				for k, v := range tt.query {
					if q.Get(k) != v {
						t.Errorf("query %s = %q, want %q", k, q.Get(k), v)
					}
				}

				var body any
				raw, _ := io.ReadAll(r.Body)
				if tt.body == "" {
					if len(raw) != 0 {
						t.Errorf("unexpected body %s", raw)
					}
				} else {
					var want any
					if err := json.Unmarshal([]byte(tt.body), &want); err != nil {
						t.Errorf("bad test body: %v", err)
					}
					if err := json.Unmarshal(raw, &body); err != nil {
						t.Errorf("body %s is not JSON: %v", raw, err)
					}
					if !reflect.DeepEqual(body, want) {
						t.Errorf("body = %s, want %s", raw, tt.body)
					}
					if ct := r.Header.Get("Content-Type"); ct != "application/json" {
						t.Errorf("Content-Type = %q", ct)
					}
				}
				writeJSON(w, tt.response)
			}))

			got, err := tt.call(context.Background(), c)
			if err != nil {
				t.Fatalf("%s() failed: %v", tt.name, err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("%s() = %#v, want %#v", tt.name, got, tt.want)
			}
		})
	}
}
