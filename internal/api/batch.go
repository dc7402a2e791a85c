package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// BatchID identifies a server-side batch job. The service has returned
// both numeric and string ids.
type BatchID string

// UnmarshalJSON accepts a JSON string or number.
func (id *BatchID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*id = BatchID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("batch id must be a string or number: %s", data)
	}
	*id = BatchID(n.String())
	return nil
}

// BatchRequest is one sub-request of a batch.
//
// A spawner request fans out server-side into further paginated
// sub-requests; their responses arrive over successive polls.
type BatchRequest struct {
	Path    string            `json:"path"`
	Method  string            `json:"method"`
	Params  map[string]string `json:"params,omitempty"`
	Spawner bool              `json:"spawner,omitempty"`
}

// BatchResponse is a completed sub-request.
type BatchResponse struct {
	Response     map[string]json.RawMessage `json:"response"`
	ResponseSize int                        `json:"responseSize"`
}

// Batch is the state of a batch job as reported by the server.
type Batch struct {
	ID              BatchID         `json:"id"`
	TotalRequests   int             `json:"totalRequests"`
	RunningRequests int             `json:"runningRequests"`
	Requests        []BatchResponse `json:"Requests"`
}

// BatchResult is one poll's worth of sub-request responses merged by key.
type BatchResult struct {
	Data               map[string]json.RawMessage
	DownloadedRequests int
	TotalRequests      int
	RunningRequests    int
	ResponseSize       int
	Cursor             string
}

// Decode unmarshals the merged value under key into dst.
// It reports false when the key is absent.
func (r *BatchResult) Decode(key string, dst any) (bool, error) {
	raw, ok := r.Data[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// Records returns the merged array under key as individual documents.
func (r *BatchResult) Records(key string) ([]json.RawMessage, error) {
	var records []json.RawMessage
	if _, err := r.Decode(key, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// MarshalJSON renders the merged payload with the batch counters, the
// shape progress observers receive.
func (r *BatchResult) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+4)
	for k, v := range r.Data {
		out[k] = v
	}
	out["downloadedRequests"] = r.DownloadedRequests
	out["totalRequests"] = r.TotalRequests
	out["runningRequests"] = r.RunningRequests
	out["responseSize"] = r.ResponseSize
	return json.Marshal(out)
}

// SubmitBatch submits requests as one batch job.
func (c *Client) SubmitBatch(ctx context.Context, requests []BatchRequest) (*Batch, error) {
	var resp struct {
		Batch *Batch `json:"Batch"`
	}
	if err := c.do(ctx, http.MethodPost, "batch", nil, requests, &resp); err != nil {
		return nil, err
	}
	if resp.Batch == nil || resp.Batch.ID == "" {
		return nil, &Error{Op: "POST batch", Status: http.StatusOK, Err: ErrMalformedResponse}
	}

	c.logger.Debug("submitted batch", zap.String("batch_id", string(resp.Batch.ID)))
	return resp.Batch, nil
}

// PollBatch fetches the sub-requests completed since the previous poll and
// merges their responses: array values are concatenated, other values
// overwrite. It returns nil, nil once the job has no running requests and
// nothing new came back.
func (c *Client) PollBatch(ctx context.Context, id BatchID) (*BatchResult, error) {
	var resp struct {
		Batch *Batch `json:"Batch"`
	}
	op := "GET batch/" + string(id)
	if err := c.do(ctx, http.MethodGet, "batch/"+url.PathEscape(string(id)), nil, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Batch == nil {
		return nil, &Error{Op: op, Status: http.StatusOK, Err: ErrMalformedResponse}
	}

	batch := resp.Batch
	if batch.RunningRequests == 0 && len(batch.Requests) == 0 {
		return nil, nil
	}

	result, err := mergeResponses(batch)
	if err != nil {
		return nil, &Error{Op: op, Status: http.StatusOK, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return result, nil
}

func mergeResponses(batch *Batch) (*BatchResult, error) {
	result := &BatchResult{
		Data:               make(map[string]json.RawMessage),
		DownloadedRequests: len(batch.Requests),
		TotalRequests:      batch.TotalRequests,
		RunningRequests:    batch.RunningRequests,
	}

	for _, req := range batch.Requests {
		if req.Response == nil {
			continue
		}
		result.ResponseSize += req.ResponseSize
		for key, value := range req.Response {
			existing, ok := result.Data[key]
			if ok && isArray(existing) && isArray(value) {
				merged, err := concatArrays(existing, value)
				if err != nil {
					return nil, fmt.Errorf("failed to merge %s: %w", key, err)
				}
				result.Data[key] = merged
				continue
			}
			result.Data[key] = value
		}
	}

	var cursor string
	if raw, ok := result.Data["cursor"]; ok && json.Unmarshal(raw, &cursor) == nil {
		result.Cursor = cursor
	}
	return result, nil
}

func isArray(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '['
}

func concatArrays(a, b json.RawMessage) (json.RawMessage, error) {
	var left, right []json.RawMessage
	if err := json.Unmarshal(a, &left); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return nil, err
	}
	return json.Marshal(append(left, right...))
}

// StudyDataRequest builds the spawner request that downloads items changed
// since offset along with everything needed to review them.
func (c *Client) StudyDataRequest(offset int64) BatchRequest {
	return BatchRequest{
		Path:   c.resourcePath("items"),
		Method: http.MethodGet,
		Params: map[string]string{
			"sort":                  "changed",
			"offset":                strconv.FormatInt(offset, 10),
			"include_vocabs":        "true",
			"include_strokes":       "true",
			"include_sentences":     "true",
			"include_heisigs":       "true",
			"include_top_mnemonics": "true",
			"include_decomps":       "true",
		},
		Spawner: true,
	}
}

// SRSConfigsRequest builds the request for the user's SRS configs.
func (c *Client) SRSConfigsRequest() BatchRequest {
	return BatchRequest{
		Path:   c.resourcePath("srsconfigs"),
		Method: http.MethodGet,
	}
}

// VocabListsRequest builds a spawner request for one list sort
// (custom, official or studying).
func (c *Client) VocabListsRequest(sort string) BatchRequest {
	return BatchRequest{
		Path:    c.resourcePath("vocablists"),
		Method:  http.MethodGet,
		Params:  map[string]string{"sort": sort},
		Spawner: true,
	}
}
