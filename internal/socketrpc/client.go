package socketrpc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/probelog/internal/duckdb"
	"github.com/tinytelemetry/probelog/internal/model"
)

const (
	dialTimeout = 2 * time.Second
	callTimeout = 30 * time.Second
)

// Client implements model.ReadAPI against a running server. Calls are
// serialized over one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	enc  *json.Encoder
	dec  *json.Decoder
	seq  int
}

var _ model.ReadAPI = (*Client)(nil)

// Dial connects to the server listening on socketPath.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("socketrpc: dial: %w", err)
	}
	return &Client{conn: conn, enc: json.NewEncoder(conn), dec: json.NewDecoder(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// call sends one request and decodes its result into out (which may be nil).
// A run-not-found error from the server wraps duckdb.ErrRunNotFound.
func (c *Client) call(method string, params, out any) error {
	req := Request{JSONRPC: "2.0", Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("socketrpc: %s params: %w", method, err)
		}
		req.Params = raw
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	req.ID = c.seq
	if err := c.conn.SetDeadline(time.Now().Add(callTimeout)); err != nil {
		return fmt.Errorf("socketrpc: %w", err)
	}
	defer c.conn.SetDeadline(time.Time{})

	if err := c.enc.Encode(req); err != nil {
		return fmt.Errorf("socketrpc: send %s: %w", method, err)
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return fmt.Errorf("socketrpc: read %s: %w", method, err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("socketrpc: response id %d for request %d", resp.ID, req.ID)
	}

	switch {
	case resp.Error != nil && resp.Error.Code == codeRunNotFound:
		return fmt.Errorf("%w: %s", duckdb.ErrRunNotFound, resp.Error.Message)
	case resp.Error != nil:
		return resp.Error
	case out == nil:
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("socketrpc: decode %s result: %w", method, err)
	}
	return nil
}

func (c *Client) ListRuns(filter model.RunFilter) ([]model.RunSummary, error) {
	var runs []model.RunSummary
	if err := c.call(MethodListRuns, struct{ Filter model.RunFilter }{filter}, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func (c *Client) LoadRun(id string) (*model.Run, error) {
	run := new(model.Run)
	if err := c.call(MethodLoadRun, struct{ ID string }{id}, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (c *Client) TotalRunCount() (int64, error) {
	var n int64
	err := c.call(MethodTotalRunCount, nil, &n)
	return n, err
}

func (c *Client) ExecuteQuery(query string) ([]map[string]interface{}, error) {
	var rows []map[string]interface{}
	if err := c.call(MethodExecuteQuery, struct{ Query string }{query}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// GetSchemaDescription returns "" when the call fails.
func (c *Client) GetSchemaDescription() string {
	var schema string
	if err := c.call(MethodGetSchemaDescription, nil, &schema); err != nil {
		return ""
	}
	return schema
}

func (c *Client) TableRowCounts() (map[string]int64, error) {
	counts := make(map[string]int64)
	if err := c.call(MethodTableRowCounts, nil, &counts); err != nil {
		return nil, err
	}
	return counts, nil
}
