package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/skritter/studysync/internal/schema"
)

// Chunk splits s into its first n elements and the rest without
// modifying s.
func Chunk[T any](s []T, n int) (head, tail []T) {
	if n <= 0 || len(s) <= n {
		return s, nil
	}
	return s[:n:n], s[n:]
}

// FetchItems downloads items by id. Ids are de-duplicated and requested
// ItemsPerRequest at a time; the results are concatenated.
func (c *Client) FetchItems(ctx context.Context, ids []string) ([]schema.Item, error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		unique = append(unique, id)
	}

	var items []schema.Item
	for remaining := unique; len(remaining) > 0; {
		var batch []string
		batch, remaining = Chunk(remaining, ItemsPerRequest)

		var resp struct {
			Items []schema.Item `json:"Items"`
		}
		params := url.Values{"ids": {strings.Join(batch, "|")}}
		if err := c.do(ctx, http.MethodGet, "items", params, nil, &resp); err != nil {
			return nil, err
		}
		items = append(items, resp.Items...)
	}
	return items, nil
}

// PostReviews posts one request's worth of review records.
func (c *Client) PostReviews(ctx context.Context, records []schema.SubReview) error {
	if len(records) > ReviewsPerRequest {
		return &Error{
			Op:     "POST reviews",
			Status: http.StatusRequestEntityTooLarge,
			Err:    fmt.Errorf("%d records exceeds the limit of %d", len(records), ReviewsPerRequest),
		}
	}
	return c.do(ctx, http.MethodPost, "reviews", nil, records, nil)
}

// UploadReviews posts records ReviewsPerRequest at a time. It returns the
// records the server accepted and, when a chunk fails, the records that
// were not accepted starting with the failed chunk. records is not modified.
func (c *Client) UploadReviews(ctx context.Context, records []schema.SubReview) (posted, remaining []schema.SubReview, err error) {
	remaining = records
	for len(remaining) > 0 {
		head, tail := Chunk(remaining, ReviewsPerRequest)
		if err := c.PostReviews(ctx, head); err != nil {
			c.logger.Warn("review upload failed",
				zap.Int("posted", len(posted)),
				zap.Int("remaining", len(remaining)),
				zap.Error(err),
			)
			return posted, remaining, err
		}
		posted = append(posted, head...)
		remaining = tail
	}
	return posted, nil, nil
}

// FetchAll follows cursor pagination on resource and concatenates the
// array found under field in every page. It waits the page delay before
// requesting each following page; a context ended during that wait is
// returned as ctx.Err().
func FetchAll[T any](ctx context.Context, c *Client, resource string, params url.Values, field string) ([]T, error) {
	var all []T
	cursor := ""
	for page := 0; ; page++ {
		query := url.Values{}
		for k, v := range params {
			query[k] = v
		}
		if cursor != "" {
			query.Set("cursor", cursor)
		}

		var resp map[string]json.RawMessage
		if err := c.do(ctx, http.MethodGet, resource, query, nil, &resp); err != nil {
			return nil, err
		}

		if raw, ok := resp[field]; ok && string(raw) != "null" {
			var items []T
			if err := json.Unmarshal(raw, &items); err != nil {
				return nil, &Error{Op: "GET " + resource, Status: http.StatusOK, Err: fmt.Errorf("%w: %s: %v", ErrMalformedResponse, field, err)}
			}
			all = append(all, items...)
		}

		cursor = ""
		if raw, ok := resp["cursor"]; ok {
			_ = json.Unmarshal(raw, &cursor)
		}
		if cursor == "" {
			c.logger.Debug("pagination complete", zap.String("resource", resource), zap.Int("pages", page+1))
			return all, nil
		}
		if err := c.wait(ctx); err != nil {
			return nil, err
		}
	}
}

// VocabListsOptions filters GetVocabLists.
type VocabListsOptions struct {
	Lang   string
	Sort   string // custom, official, studying
	Fields []string
}

// GetVocabLists returns every list matching opts, following all pages.
func (c *Client) GetVocabLists(ctx context.Context, opts VocabListsOptions) ([]schema.VocabList, error) {
	params := url.Values{}
	if opts.Lang != "" {
		params.Set("lang", opts.Lang)
	}
	if opts.Sort != "" {
		params.Set("sort", opts.Sort)
	}
	if len(opts.Fields) > 0 {
		params.Set("fields", strings.Join(opts.Fields, ","))
	}
	return FetchAll[schema.VocabList](ctx, c, "vocablists", params, "VocabLists")
}

// GetVocabList returns one list.
func (c *Client) GetVocabList(ctx context.Context, id string, fields []string) (*schema.VocabList, error) {
	params := url.Values{}
	if len(fields) > 0 {
		params.Set("fields", strings.Join(fields, ","))
	}
	var resp struct {
		VocabList *schema.VocabList `json:"VocabList"`
	}
	if err := c.do(ctx, http.MethodGet, "vocablists/"+url.PathEscape(id), params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.VocabList, nil
}

// GetVocabListSection returns one section of a list.
func (c *Client) GetVocabListSection(ctx context.Context, listID, sectionID string) (*schema.VocabListSection, error) {
	var resp struct {
		VocabListSection *schema.VocabListSection `json:"VocabListSection"`
	}
	path := "vocablists/" + url.PathEscape(listID) + "/sections/" + url.PathEscape(sectionID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.VocabListSection, nil
}

// UpdateVocabList saves list and returns the server's copy.
func (c *Client) UpdateVocabList(ctx context.Context, list *schema.VocabList) (*schema.VocabList, error) {
	var resp struct {
		VocabList *schema.VocabList `json:"VocabList"`
	}
	if err := c.do(ctx, http.MethodPut, "vocablists/"+url.PathEscape(list.ID), nil, list, &resp); err != nil {
		return nil, err
	}
	return resp.VocabList, nil
}

// UpdateVocabListSection saves a section and returns the server's copy.
func (c *Client) UpdateVocabListSection(ctx context.Context, listID string, section *schema.VocabListSection) (*schema.VocabListSection, error) {
	var resp struct {
		VocabListSection *schema.VocabListSection `json:"VocabListSection"`
	}
	path := "vocablists/" + url.PathEscape(listID) + "/sections/" + url.PathEscape(section.ID)
	if err := c.do(ctx, http.MethodPut, path, nil, section, &resp); err != nil {
		return nil, err
	}
	return resp.VocabListSection, nil
}

// GetSRSConfigs returns the interval configs for a language.
func (c *Client) GetSRSConfigs(ctx context.Context, lang string) ([]schema.SRSConfig, error) {
	var resp struct {
		SRSConfigs []schema.SRSConfig `json:"SRSConfigs"`
	}
	if err := c.do(ctx, http.MethodGet, "srsconfigs", url.Values{"lang": {lang}}, nil, &resp); err != nil {
		return nil, err
	}
	return resp.SRSConfigs, nil
}

// ProgStatsOptions selects the range of GetProgStats.
type ProgStatsOptions struct {
	Start  string // YYYY-MM-DD
	End    string
	Step   string // day, week, month
	Lang   string
	Fields []string
}

// GetProgStats returns the progress statistics for a date range.
func (c *Client) GetProgStats(ctx context.Context, opts ProgStatsOptions) ([]json.RawMessage, error) {
	params := url.Values{}
	for k, v := range map[string]string{"start": opts.Start, "end": opts.End, "step": opts.Step, "lang": opts.Lang} {
		if v != "" {
			params.Set(k, v)
		}
	}
	if len(opts.Fields) > 0 {
		params.Set("fields", strings.Join(opts.Fields, ","))
	}
	var resp struct {
		ProgressStats []json.RawMessage `json:"ProgressStats"`
	}
	if err := c.do(ctx, http.MethodGet, "progstats", params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.ProgressStats, nil
}

// ServerTime is the server's clock and the user's day boundary.
type ServerTime struct {
	ServerTime int64  `json:"serverTime"`
	TimeLeft   int64  `json:"timeLeft"`
	Today      string `json:"today"`
}

// GetServerTime returns the server's notion of now.
func (c *Client) GetServerTime(ctx context.Context) (*ServerTime, error) {
	var resp ServerTime
	if err := c.do(ctx, http.MethodGet, "dateinfo", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Subscription describes the user's plan.
type Subscription struct {
	ID         string `json:"id"`
	Subscribed string `json:"subscribed,omitempty"`
	Plan       string `json:"plan,omitempty"`
	Expires    string `json:"expires,omitempty"`
}

// GetSubscription returns the subscription of a user.
func (c *Client) GetSubscription(ctx context.Context, userID string) (*Subscription, error) {
	var resp struct {
		Subscription *Subscription `json:"Subscription"`
	}
	if err := c.do(ctx, http.MethodGet, "subscriptions/"+url.PathEscape(userID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subscription, nil
}

// User is the account record, including the study settings the scheduler
// filters on.
type User struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	Email               string   `json:"email,omitempty"`
	SourceLang          string   `json:"sourceLang,omitempty"`
	TargetLang          string   `json:"targetLang,omitempty"`
	ReviewSimplified    bool     `json:"reviewSimplified,omitempty"`
	ReviewTraditional   bool     `json:"reviewTraditional,omitempty"`
	FilterChineseParts  []string `json:"filterChineseParts,omitempty"`
	FilterJapaneseParts []string `json:"filterJapaneseParts,omitempty"`
	Timezone            string   `json:"timezone,omitempty"`
}

// Style returns the style setting matching the user's review flags.
func (u *User) Style() string {
	switch {
	case u.ReviewSimplified && !u.ReviewTraditional:
		return schema.StyleSimp
	case u.ReviewTraditional && !u.ReviewSimplified:
		return schema.StyleTrad
	}
	return schema.StyleBoth
}

// Parts returns the active parts for the user's target language.
func (u *User) Parts() []schema.Part {
	filter := u.FilterChineseParts
	if u.TargetLang == schema.LangJapanese {
		filter = u.FilterJapaneseParts
	}
	parts, err := schema.ParseParts(filter)
	if err != nil || len(parts) == 0 {
		return schema.AllParts(u.TargetLang)
	}
	return parts
}

// GetUser returns the detailed user record.
func (c *Client) GetUser(ctx context.Context, userID string) (*User, error) {
	var resp struct {
		User *User `json:"User"`
	}
	params := url.Values{"detailed": {strconv.FormatBool(true)}}
	if err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(userID), params, nil, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// UpdateUser saves settings on the current user and returns the result.
func (c *Client) UpdateUser(ctx context.Context, settings map[string]any) (*User, error) {
	var resp struct {
		User *User `json:"User"`
	}
	if err := c.do(ctx, http.MethodPut, "users", nil, settings, &resp); err != nil {
		return nil, err
	}
	return resp.User, nil
}

// ReviewError is a review the server rejected.
type ReviewError struct {
	ItemID  string          `json:"itemId,omitempty"`
	Message string          `json:"message,omitempty"`
	Review  json.RawMessage `json:"review,omitempty"`
	Created int64           `json:"created,omitempty"`
}

// GetReviewErrors returns the rejected reviews since offset, following all
// pages.
func (c *Client) GetReviewErrors(ctx context.Context, offset int64) ([]ReviewError, error) {
	params := url.Values{}
	if offset > 0 {
		params.Set("offset", strconv.FormatInt(offset, 10))
	}
	return FetchAll[ReviewError](ctx, c, "reviews/errors", params, "ReviewErrors")
}
