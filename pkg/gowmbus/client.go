package gowmbus

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// ErrClientBroken is returned by a Client whose connection failed during
// an earlier exchange. Responses may have been left unread, so the
// connection cannot be used to pair new requests with responses.
var ErrClientBroken = errors.New("wmbusd client unusable after failed exchange")

// Client holds one connection to a wmbusd daemon. The daemon keeps a meter
// cache per connection, so reusing a client lets compact frames decode
// against formats learned from earlier full frames.
type Client struct {
	mu     sync.Mutex
	conn   net.Conn
	rd     *bufio.Reader
	broken error
}

// Dial connects to a daemon. network is "tcp" or "unix".
func Dial(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial wmbusd: %w", err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	return &Client{conn: conn, rd: bufio.NewReader(conn)}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Decode sends one request and waits for its response. The error covers
// transport problems; decode failures are reported through Result.Err.
func (c *Client) Decode(ctx context.Context, req Request) (Result, error) {
	results, err := c.DecodeBatch(ctx, []Request{req})
	if err != nil {
		return Result{}, err
	}
	return results[0], nil
}

// DecodeBatch pipelines all requests on the connection and returns the
// responses in request order.
func (c *Client) DecodeBatch(ctx context.Context, reqs []Request) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for i, req := range reqs {
		line, err := req.line()
		if err != nil {
			return nil, fmt.Errorf("encode request %d: %w", i, err)
		}
		buf.Write(line)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broken != nil {
		return nil, fmt.Errorf("%w: %w", ErrClientBroken, c.broken)
	}

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		c.conn.SetDeadline(time.Time{})
	}()

	// Responses are read while the requests are still being written so a
	// large batch cannot deadlock against the daemon's back-pressure.
	writeErr := make(chan error, 1)
	go func() {
		_, err := c.conn.Write(buf.Bytes())
		writeErr <- err
	}()

	results := make([]Result, 0, len(reqs))
	var readErr error
	for range reqs {
		line, err := c.rd.ReadBytes('\n')
		if err != nil {
			readErr = err
			break
		}
		res, err := parseResult(bytes.TrimSuffix(line, []byte{'\n'}))
		if err != nil {
			readErr = err
			break
		}
		results = append(results, res)
	}
	if readErr != nil {
		c.conn.SetDeadline(time.Now())
	}
	werr := <-writeErr
	if err := errors.Join(readErr, werr); err != nil {
		c.broken = err
		c.conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("wmbusd exchange: %w", err)
	}
	return results, nil
}
