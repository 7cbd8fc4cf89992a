// Package trustclaw provides a small Go client for the TrustClaw REST API.
package trustclaw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the TrustClaw REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Record is the normalized reputation view returned by the API.
type Record struct {
	AgentID       uint64         `json:"agent_id"`
	FeedbackCount uint64         `json:"feedback_count"`
	Scores        map[string]int `json:"scores"`
	Average       int            `json:"average"`
}

// Verification is the result of running the signal filter for one agent.
type Verification struct {
	AgentID  uint64 `json:"agent_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason"`
	Record   Record `json:"record"`
}

// LedgerEntry mirrors one delivery ledger record.
type LedgerEntry struct {
	Key        string `json:"key"`
	AgentID    uint64 `json:"agent_id"`
	Owner      string `json:"owner_address,omitempty"`
	TxHash     string `json:"tx_hash,omitempty"`
	ViaSkill   bool   `json:"registered_via_skill"`
	State      string `json:"state"`
	Attempts   int    `json:"attempts"`
	MaxRetries int    `json:"max_retries"`
	Reason     string `json:"reason,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	Announced  bool   `json:"announced"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// LedgerStats aggregates ledger counts by state.
type LedgerStats struct {
	Total      int64 `json:"total"`
	Seen       int64 `json:"seen"`
	Processing int64 `json:"processing"`
	Done       int64 `json:"done"`
	Failed     int64 `json:"failed"`
	Announced  int64 `json:"announced"`
}

// ListEventsOptions filters ledger event queries.
type ListEventsOptions struct {
	State   string
	AgentID uint64
	Limit   int
	Offset  int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("trustclaw api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the TrustClaw API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Reputation fetches the live normalized reputation record for an agent.
func (c *Client) Reputation(ctx context.Context, agentID uint64) (Record, error) {
	var record Record
	endpoint := fmt.Sprintf("/api/v1/agents/%d/reputation", agentID)
	if err := c.get(ctx, endpoint, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}

// Verify runs the signal filter against the agent's current on-chain state.
func (c *Client) Verify(ctx context.Context, agentID uint64) (Verification, error) {
	var verification Verification
	endpoint := fmt.Sprintf("/api/v1/agents/%d/verify", agentID)
	if err := c.get(ctx, endpoint, &verification); err != nil {
		return Verification{}, err
	}
	return verification, nil
}

// LedgerEvents lists delivery ledger entries.
func (c *Client) LedgerEvents(ctx context.Context, opts ListEventsOptions) ([]LedgerEntry, error) {
	values := url.Values{}
	if opts.State != "" {
		values.Set("state", opts.State)
	}
	if opts.AgentID != 0 {
		values.Set("agent_id", strconv.FormatUint(opts.AgentID, 10))
	}
	if opts.Limit > 0 {
		values.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		values.Set("offset", strconv.Itoa(opts.Offset))
	}
	endpoint := "/api/v1/ledger/events"
	if encoded := values.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	var entries []LedgerEntry
	if err := c.get(ctx, endpoint, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// LedgerStats fetches aggregate delivery counts.
func (c *Client) LedgerStats(ctx context.Context) (LedgerStats, error) {
	var stats LedgerStats
	if err := c.get(ctx, "/api/v1/ledger/stats", &stats); err != nil {
		return LedgerStats{}, err
	}
	return stats, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	target, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, target.Path), RawQuery: target.RawQuery}
	u := c.baseURL.ResolveReference(rel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    string(bytes.TrimSpace(data)),
		}
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
