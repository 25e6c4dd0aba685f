package jsonrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

const defaultClientTimeout = 10 * time.Second

// Client calls a headerberry JSON-RPC server.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient creates a client for the server at addr. A bare host:port is
// reached over http.
func NewClient(addr string) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &Client{
		endpoint: addr,
		http:     &http.Client{Timeout: defaultClientTimeout},
	}
}

// Call invokes method and decodes its result into result, which may be nil.
// A JSON-RPC error is returned as *Error.
func (c *Client) Call(ctx context.Context, method string, params, result any) error {
	req := Request{JSONRPC: Version, Method: method}
	req.ID = json.RawMessage(fmt.Sprintf("%d", c.nextID.Add(1)))
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding params: %w", err)
		}
		req.Params = data
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("cannot connect to node at %s: %w", c.endpoint, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return fmt.Errorf("node returned status %d: %w", httpResp.StatusCode, err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// Health checks that the node's index is ready.
func (c *Client) Health(ctx context.Context) error {
	return c.Call(ctx, MethodHealth, nil, nil)
}

// Status returns the node status.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	err := c.Call(ctx, MethodStatus, nil, &res)
	return res, err
}

// Tip returns the highest indexed header, or nil on an empty index.
func (c *Client) Tip(ctx context.Context) (*TipResult, error) {
	var res *TipResult
	err := c.Call(ctx, MethodTip, nil, &res)
	return res, err
}

// Header looks a header up.
func (c *Client) Header(ctx context.Context, params HeaderParams) (HeaderResult, error) {
	var res HeaderResult
	err := c.Call(ctx, MethodHeader, params, &res)
	return res, err
}

// Height looks up the height of the header with the given hex hash.
func (c *Client) Height(ctx context.Context, hash string) (HeightResult, error) {
	var res HeightResult
	err := c.Call(ctx, MethodHeight, HashParams{Hash: hash}, &res)
	return res, err
}

// Depth returns how far below the tip the header with the given hex hash is.
func (c *Client) Depth(ctx context.Context, hash string) (DepthResult, error) {
	var res DepthResult
	err := c.Call(ctx, MethodDepth, HashParams{Hash: hash}, &res)
	return res, err
}
