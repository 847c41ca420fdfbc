// Package rpc is a JSON-RPC client for the running application's
// introspection and control service. It manages the remote filesystem
// session lifecycle and invokes framework debug hooks, tolerating the
// target process disappearing mid-call.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sly67/devpush/internal/metrics"
	"github.com/sly67/devpush/pkg/protocol"
)

// ErrServiceDisappeared marks the target service vanishing mid-call: a
// transient disconnect the caller should treat as a graceful-teardown
// trigger, not a crash. All other RPC errors propagate unchanged.
var ErrServiceDisappeared = errors.New("service disappeared")

// Client is a JSON-RPC client over a websocket connection.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger

	// gorilla/websocket allows at most one concurrent writer.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *protocol.Response
	nextID  int64
	closed  bool

	done chan struct{}
}

// Dial connects to the service protocol at addr.
func Dial(ctx context.Context, addr string, logger *zap.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial service protocol: %w", err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established websocket connection.
func NewClient(conn *websocket.Conn, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[int64]chan *protocol.Response),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Done is closed when the connection is gone, whether torn down locally
// or dropped by the remote side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close tears down the connection. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer c.failPending()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug("service connection closed", zap.Error(err))
			return
		}

		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("undecodable service message", zap.Error(err))
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}
	}
}

// failPending resolves every outstanding call as disappeared and marks
// the connection done.
func (c *Client) failPending() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[int64]chan *protocol.Response)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	close(c.done)
}

// Call performs one JSON-RPC request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	result, err := c.call(ctx, method, params)
	metrics.RecordRPCCall(method, err)
	return result, err
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrServiceDisappeared
	}
	c.nextID++
	id := c.nextID
	ch := make(chan *protocol.Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := protocol.Request{
		Version: protocol.Version,
		ID:      id,
		Method:  method,
		Params:  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		c.unregister(id)
		return nil, err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.unregister(id)
		return nil, fmt.Errorf("%w: %v", ErrServiceDisappeared, err)
	}

	select {
	case <-ctx.Done():
		c.unregister(id)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrServiceDisappeared
		}
		if resp.Error != nil {
			if resp.Error.Code == protocol.CodeServiceDisappeared {
				return nil, fmt.Errorf("%w: %s", ErrServiceDisappeared, resp.Error.Message)
			}
			return nil, resp.Error
		}
		return resp.Result, nil
	}
}

func (c *Client) unregister(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// CreateDevFS creates a named remote filesystem and returns its base URI.
// Creation is idempotent: if the name already exists the stale session is
// destroyed and recreated, since the remote side offers no safe way to
// attach to a pre-existing session.
func (c *Client) CreateDevFS(ctx context.Context, name string) (*url.URL, error) {
	result, err := c.Call(ctx, protocol.MethodCreateDevFS, map[string]any{"fsName": name})
	if err != nil {
		var rpcErr *protocol.RPCError
		if !errors.As(err, &rpcErr) || rpcErr.Code != protocol.CodeFileSystemAlreadyExists {
			return nil, err
		}
		c.logger.Info("stale filesystem session found, recreating", zap.String("fs_name", name))
		if err := c.DeleteDevFS(ctx, name); err != nil {
			return nil, err
		}
		result, err = c.Call(ctx, protocol.MethodCreateDevFS, map[string]any{"fsName": name})
		if err != nil {
			return nil, err
		}
	}

	var fs protocol.FileSystemResponse
	if err := json.Unmarshal(result, &fs); err != nil {
		return nil, fmt.Errorf("decode filesystem response: %w", err)
	}
	base, err := url.Parse(fs.URI)
	if err != nil {
		return nil, fmt.Errorf("filesystem base uri: %w", err)
	}
	return base, nil
}

// DeleteDevFS destroys a named remote filesystem. Deleting a filesystem
// that no longer exists is not an error.
func (c *Client) DeleteDevFS(ctx context.Context, name string) error {
	_, err := c.Call(ctx, protocol.MethodDeleteDevFS, map[string]any{"fsName": name})
	var rpcErr *protocol.RPCError
	if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeFileSystemDoesNotExist {
		return nil
	}
	return err
}

// CallServiceExtension invokes a framework debug hook on an isolate.
// Method-not-found and a disappeared service resolve to no result rather
// than an error: the caller's shutdown path owns the disconnection.
func (c *Client) CallServiceExtension(ctx context.Context, isolateID, method string, params map[string]any) (json.RawMessage, error) {
	args := map[string]any{"isolateId": isolateID}
	for k, v := range params {
		args[k] = v
	}

	result, err := c.Call(ctx, method, args)
	if err != nil {
		if errors.Is(err, ErrServiceDisappeared) {
			return nil, nil
		}
		var rpcErr *protocol.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == protocol.CodeMethodNotFound {
			return nil, nil
		}
		return nil, err
	}
	return result, nil
}
