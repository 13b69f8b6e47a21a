package tether

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Remote is the authoritative store the engine synchronizes with.
// Collection names are remote names. Update and Delete return an error
// wrapping ErrNotFound when the record does not exist. Implementations
// must be safe for concurrent use.
type Remote interface {
	// Insert creates a record. clientID is the locally generated identity;
	// implementations use it to deduplicate retried inserts.
	Insert(ctx context.Context, collection, clientID string, fields map[string]any) (Record, error)
	Update(ctx context.Context, collection, id string, fields map[string]any) error
	Delete(ctx context.Context, collection, id string) error
	SelectAll(ctx context.Context, collection string) ([]Record, error)
}

// ChangeFeed streams live changes of one remote collection. The channel is
// closed when ctx is done.
type ChangeFeed interface {
	Subscribe(ctx context.Context, collection string) (<-chan Event, error)
}

// Pinger is implemented by remotes that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HTTPRemote implements Remote and ChangeFeed over the JSON HTTP API:
//
//	POST   /api/v1/collections/{c}/records          (Idempotency-Key: client id)
//	PATCH  /api/v1/collections/{c}/records/{id}
//	DELETE /api/v1/collections/{c}/records/{id}
//	GET    /api/v1/collections/{c}/records
//	GET    /api/v1/collections/{c}/changes?since={cursor}
//	GET    /api/v1/health
type HTTPRemote struct {
	baseURL      string
	apiKey       string
	sourceID     string
	httpClient   *http.Client
	pollInterval time.Duration
	debug        *DebugLogger
}

// NewHTTPRemote creates a remote client for baseURL.
// sourceID is optional; if non-empty, it's sent as X-Tether-Source-ID header.
func NewHTTPRemote(baseURL, apiKey, sourceID string) *HTTPRemote {
	return &HTTPRemote{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		sourceID: sourceID,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		pollInterval: 5 * time.Second,
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (r *HTTPRemote) WithHTTPClient(client *http.Client) *HTTPRemote {
	r.httpClient = client
	return r
}

// WithPollInterval sets how often Subscribe polls for changes.
func (r *HTTPRemote) WithPollInterval(d time.Duration) *HTTPRemote {
	if d > 0 {
		r.pollInterval = d
	}
	return r
}

// WithDebugLogger traces every remote call.
func (r *HTTPRemote) WithDebugLogger(l *DebugLogger) *HTTPRemote {
	r.debug = l
	return r
}

type insertRequest struct {
	ClientID string         `json:"client_id,omitempty"`
	Fields   map[string]any `json:"fields"`
}

type updateRequest struct {
	Fields map[string]any `json:"fields"`
}

type recordsResponse struct {
	Records []Record `json:"records"`
}

type changesResponse struct {
	Events []Event `json:"events"`
	Cursor string  `json:"cursor"`
}

func (r *HTTPRemote) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	req.Header.Set("User-Agent", "tether-client/1.0")
	if strings.TrimSpace(r.sourceID) != "" {
		req.Header.Set("X-Tether-Source-ID", r.sourceID)
	}
}

func newSyncError(op string, statusCode int, body []byte) *SyncError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	err := fmt.Errorf("HTTP %d: %s", statusCode, msg)
	if statusCode == http.StatusNotFound {
		err = fmt.Errorf("%w: HTTP 404: %s", ErrNotFound, msg)
	}
	return &SyncError{Operation: op, StatusCode: statusCode, Err: err}
}

func (r *HTTPRemote) recordsURL(collection string) string {
	return r.baseURL + "/api/v1/collections/" + url.PathEscape(collection) + "/records"
}

// do sends a request and decodes a JSON response into out when out is
// non-nil. Any status outside 2xx becomes a *SyncError.
func (r *HTTPRemote) do(ctx context.Context, collection, op, method, target string, in any, out any, header http.Header) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return &SyncError{Operation: op, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return &SyncError{Operation: op, Err: err}
	}
	r.setHeaders(req)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.debug.Exchange(collection, method, target, 0, time.Since(start), nil, err)
		return &SyncError{Operation: op, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	r.debug.Exchange(collection, method, target, resp.StatusCode, time.Since(start), respBody, err)
	if err != nil {
		return &SyncError{Operation: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newSyncError(op, resp.StatusCode, respBody)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &SyncError{Operation: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// Insert implements Remote. The client identity doubles as the
// Idempotency-Key so a retried insert returns the original record.
func (r *HTTPRemote) Insert(ctx context.Context, collection, clientID string, fields map[string]any) (Record, error) {
	var header http.Header
	if clientID != "" {
		header = http.Header{"Idempotency-Key": []string{clientID}}
	}
	var rec Record
	err := r.do(ctx, collection, "insert", http.MethodPost, r.recordsURL(collection),
		insertRequest{ClientID: clientID, Fields: fields}, &rec, header)
	if err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		return Record{}, &SyncError{Operation: "insert", StatusCode: http.StatusOK, Err: fmt.Errorf("response carries no record id")}
	}
	return rec, nil
}

// Update implements Remote.
func (r *HTTPRemote) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	return r.do(ctx, collection, "update", http.MethodPatch, r.recordsURL(collection)+"/"+url.PathEscape(id),
		updateRequest{Fields: fields}, nil, nil)
}

// Delete implements Remote.
func (r *HTTPRemote) Delete(ctx context.Context, collection, id string) error {
	return r.do(ctx, collection, "delete", http.MethodDelete, r.recordsURL(collection)+"/"+url.PathEscape(id), nil, nil, nil)
}

// SelectAll implements Remote.
func (r *HTTPRemote) SelectAll(ctx context.Context, collection string) ([]Record, error) {
	var resp recordsResponse
	if err := r.do(ctx, collection, "select", http.MethodGet, r.recordsURL(collection), nil, &resp, nil); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

// Ping implements Pinger.
func (r *HTTPRemote) Ping(ctx context.Context) error {
	return r.do(ctx, "", "health_check", http.MethodGet, r.baseURL+"/api/v1/health", nil, nil, nil)
}

// Changes fetches the events after cursor and the cursor to resume from.
// An empty cursor returns no events and the current position.
func (r *HTTPRemote) Changes(ctx context.Context, collection, cursor string) ([]Event, string, error) {
	target := r.baseURL + "/api/v1/collections/" + url.PathEscape(collection) + "/changes"
	if cursor != "" {
		target += "?since=" + url.QueryEscape(cursor)
	}
	var resp changesResponse
	if err := r.do(ctx, collection, "changes", http.MethodGet, target, nil, &resp, nil); err != nil {
		return nil, cursor, err
	}
	if resp.Cursor == "" {
		resp.Cursor = cursor
	}
	return resp.Events, resp.Cursor, nil
}

// Subscribe implements ChangeFeed by polling Changes. Poll failures are
// traced and retried on the next tick.
func (r *HTTPRemote) Subscribe(ctx context.Context, collection string) (<-chan Event, error) {
	_, cursor, err := r.Changes(ctx, collection, "")
	if err != nil {
		return nil, err
	}

	ch := make(chan Event)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(r.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			events, next, err := r.Changes(ctx, collection, cursor)
			if err != nil {
				r.debug.Feed(collection, err)
				continue
			}
			for _, ev := range events {
				select {
				case ch <- ev:
				case <-ctx.Done():
					return
				}
			}
			cursor = next
		}
	}()
	return ch, nil
}
