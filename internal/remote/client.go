// Package remote is the HTTP client for the authoritative backend. It covers
// the four surfaces the engine consumes: the reachability probe, the online
// authentication path, bulk submission of queued operations, and the cached
// user / reference data feeds.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// Client talks to the remote system.
type Client struct {
	baseURL    string
	terminalID string
	http       *http.Client
	probe      *http.Client // no client timeout; probes carry a context deadline
}

// NewClient creates a Client. requestTimeout bounds submission and fetch
// round trips; probes carry their own caller-supplied deadline.
func NewClient(baseURL, terminalID string, requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		terminalID: terminalID,
		http:       &http.Client{Timeout: requestTimeout},
		probe:      &http.Client{},
	}
}

// Probe performs one reachability round trip. The context carries the probe
// timeout; the client timeout is intentionally not applied here.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/pdc_pos_offline/ping", nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Terminal-ID", c.terminalID)

	resp, err := c.probe.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &Error{Class: classifyStatus(resp.StatusCode), StatusCode: resp.StatusCode,
			Msg: fmt.Sprintf("probe returned %d", resp.StatusCode)}
	}
	return nil
}

// AuthResult is the remote authentication response.
type AuthResult struct {
	UserID int64  `json:"user_id"`
	Login  string `json:"login"`
	Token  string `json:"token"`
}

// Authenticate performs the online credential check. Only used while the
// remote system is reachable; the offline path never calls it.
func (c *Client) Authenticate(ctx context.Context, userID int64, pin string) (*AuthResult, error) {
	body := map[string]interface{}{"user_id": userID, "pin": pin, "terminal_id": c.terminalID}

	var result AuthResult
	if err := c.postJSON(ctx, "/pdc_pos_offline/authenticate", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Submission is one queued operation offered to the remote system.
type Submission struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
}

// Submission statuses returned per item.
const (
	SubmissionOK        = "ok"
	SubmissionDuplicate = "duplicate" // idempotency key already applied; success
	SubmissionTransient = "transient" // retry later
	SubmissionRejected  = "rejected"  // structurally invalid; never retry
)

// SubmissionResult is the per-operation outcome of a batch submission.
type SubmissionResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Submit sends a batch of same-kind operations. Per-operation outcomes are
// preserved: batching is a round-trip optimization and must not blur
// success/failure attribution.
func (c *Client) Submit(ctx context.Context, kind string, batch []Submission) ([]SubmissionResult, error) {
	timer := logging.StartTimer(logging.CategoryRemote, "Submit")
	defer timer.Stop()

	body := map[string]interface{}{
		"terminal_id": c.terminalID,
		"operations":  batch,
	}

	var resp struct {
		Results []SubmissionResult `json:"results"`
	}
	if err := c.postJSON(ctx, "/pdc_pos_offline/sync/"+kind, body, &resp); err != nil {
		return nil, err
	}

	if len(resp.Results) != len(batch) {
		return nil, &Error{Class: ClassTransient,
			Msg: fmt.Sprintf("submit returned %d results for %d operations", len(resp.Results), len(batch))}
	}
	logging.RemoteDebug("submitted %d %s operation(s)", len(batch), kind)
	return resp.Results, nil
}

// FetchedUser is a cached-user record from the remote feed.
type FetchedUser struct {
	UserID  int64  `json:"user_id"`
	Login   string `json:"login"`
	PINHash string `json:"pin_hash"`
}

// FetchUsers retrieves the offline-capable users for this terminal.
func (c *Client) FetchUsers(ctx context.Context) ([]FetchedUser, error) {
	var users []FetchedUser
	if err := c.getJSON(ctx, "/pdc_pos_offline/users", &users); err != nil {
		return nil, err
	}
	return users, nil
}

// FetchedRecord is one keyed reference record.
type FetchedRecord struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// FetchReferenceData retrieves one reference collection snapshot.
func (c *Client) FetchReferenceData(ctx context.Context, collection string) ([]FetchedRecord, error) {
	var records []FetchedRecord
	if err := c.getJSON(ctx, "/pdc_pos_offline/reference/"+collection, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Terminal-ID", c.terminalID)

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Terminal-ID", c.terminalID)

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		// Transport-level failure: DNS, refused connection, timeout.
		return &Error{Class: ClassTransient, Msg: err.Error(), cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{
			Class:      classifyStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Msg:        strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Class: ClassTransient, Msg: fmt.Sprintf("failed to decode response: %v", err), cause: err}
	}
	return nil
}
