package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned when the requested block does not exist.
var ErrNotFound = errors.New("block not found")

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ledger API error %d: %s", e.StatusCode, e.Message)
}

// Entry is one fraud decision to append.
type Entry struct {
	TxReference string         `json:"tx_reference"`
	Payload     map[string]any `json:"payload"`
}

// Receipt acknowledges an appended block.
type Receipt struct {
	BlockIndex   int64  `json:"block_index"`
	BlockHash    string `json:"block_hash"`
	MerkleRoot   string `json:"merkle_root"`
	EntriesCount int    `json:"entries_count"`
}

// Block is a sealed block header.
type Block struct {
	BlockIndex    int64     `json:"block_index"`
	PrevBlockHash string    `json:"prev_block_hash"`
	BlockHash     string    `json:"block_hash"`
	MerkleRoot    string    `json:"merkle_root"`
	EntriesCount  int       `json:"entries_count"`
	CreatedAt     time.Time `json:"created_at"`
}

// ChainEntry is a persisted entry as returned by Block.
type ChainEntry struct {
	BlockIndex   int64           `json:"block_index"`
	EntryIndex   int             `json:"entry_index"`
	TxReference  string          `json:"tx_reference"`
	EntryPayload json.RawMessage `json:"entry_payload"`
	EntryHash    string          `json:"entry_hash"`
	HMACChain    string          `json:"hmac_chain"`
	CreatedAt    time.Time       `json:"created_at"`
}

// BlockWithEntries is a block header plus its entries.
type BlockWithEntries struct {
	Block
	Entries []ChainEntry `json:"entries"`
}

// Discrepancy is the first divergence a verification run found.
type Discrepancy struct {
	Kind       string `json:"kind"`
	BlockIndex int64  `json:"block_index"`
	EntryIndex int    `json:"entry_index,omitempty"`
	Expected   string `json:"expected,omitempty"`
	Actual     string `json:"actual,omitempty"`
}

// VerificationResult is the outcome of a server-side verification run.
type VerificationResult struct {
	Valid             bool         `json:"valid"`
	Complete          bool         `json:"complete"`
	From              int64        `json:"from"`
	To                int64        `json:"to"`
	BlocksChecked     int          `json:"blocks_checked"`
	EntriesChecked    int          `json:"entries_checked"`
	LastVerifiedBlock int64        `json:"last_verified_block"`
	Discrepancy       *Discrepancy `json:"discrepancy,omitempty"`
}

// Client talks to one ledger server.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		if hc == nil {
			return errors.New("nil http client")
		}
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a service token to every request.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithTimeout sets the per-request timeout of the default http.Client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) error {
		c.httpClient.Timeout = d
		return nil
	}
}

// New creates a Client for the ledger served at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ledger URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Append chains entries into a new block.
func (c *Client) Append(ctx context.Context, entries []Entry) (*Receipt, error) {
	if entries == nil {
		entries = []Entry{}
	}
	var r Receipt
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/entries", map[string]any{"entries": entries}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Heartbeat appends a block without entries.
func (c *Client) Heartbeat(ctx context.Context) (*Receipt, error) {
	var r Receipt
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/heartbeat", nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Latest returns the newest block, or ErrNotFound when the ledger is empty.
func (c *Client) Latest(ctx context.Context) (*Block, error) {
	var raw json.RawMessage
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/latest", nil, &raw); err != nil {
		return nil, err
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("{}")) {
		return nil, ErrNotFound
	}
	var b Block
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode latest block: %w", err)
	}
	return &b, nil
}

// Block returns the block at index with its entries.
func (c *Client) Block(ctx context.Context, index int64) (*BlockWithEntries, error) {
	var b BlockWithEntries
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/blocks/"+strconv.FormatInt(index, 10), nil, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// Verify asks the server to verify blocks from..to. Nil bounds mean the
// genesis block and the latest block.
func (c *Client) Verify(ctx context.Context, from, to *int64) (*VerificationResult, error) {
	q := url.Values{}
	if from != nil {
		q.Set("from", strconv.FormatInt(*from, 10))
	}
	if to != nil {
		q.Set("to", strconv.FormatInt(*to, 10))
	}
	path := "/api/v1/ledger/verify"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var res VerificationResult
	if err := c.call(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) call(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	data, err := c.do(req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, respBody); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	return body, nil
}
