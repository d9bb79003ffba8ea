// Package stream owns one push-style connection to a server endpoint and
// fans incoming frames out to subscribers. It carries no chat semantics;
// payload interpretation belongs to the orchestrator.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/veilchat/veilchat/internal/logger"
)

// Client maintains the receive-only push connection and a companion send
// endpoint for the client->server direction. All notification callbacks for
// one connection are invoked from a single goroutine, so delivery to a given
// subscriber is strictly in arrival order.
type Client struct {
	url     string
	sendURL string
	http    *http.Client

	mu          sync.Mutex
	connected   bool
	cur         *conn
	cancel      context.CancelFunc
	sendCancel  context.CancelFunc
	lastEventID string

	msgSubs   *registry[Frame]
	errSubs   *registry[error]
	openSubs  *registry[struct{}]
	closeSubs *registry[struct{}]
}

// conn carries per-connection closure intent. The flag lives with the
// connection, not the client, so a Disconnect followed by an immediate
// reconnect cannot make the old read loop mistake its voluntary closure for
// an involuntary one.
type conn struct {
	voluntary bool
}

// New returns a disconnected client for the given push and send endpoints.
func New(url, sendURL string) *Client {
	return &Client{
		url:       url,
		sendURL:   sendURL,
		http:      &http.Client{},
		msgSubs:   newRegistry[Frame](),
		errSubs:   newRegistry[error](),
		openSubs:  newRegistry[struct{}](),
		closeSubs: newRegistry[struct{}](),
	}
}

// OnMessage registers a frame subscriber and returns its unsubscribe func.
// Disposal is idempotent.
func (c *Client) OnMessage(fn func(Frame)) func() { return c.msgSubs.add(fn) }

// OnError registers an error subscriber and returns its unsubscribe func.
func (c *Client) OnError(fn func(error)) func() { return c.errSubs.add(fn) }

// OnOpen registers a connection-opened subscriber.
func (c *Client) OnOpen(fn func()) func() {
	return c.openSubs.add(func(struct{}) { fn() })
}

// OnClose registers an involuntary-closure subscriber. Closures requested via
// Disconnect are suppressed so observers can tell voluntary from involuntary.
func (c *Client) OnClose(fn func()) func() {
	return c.closeSubs.add(func(struct{}) { fn() })
}

// Connect establishes the push connection. It is idempotent: a no-op when
// already open. The last processed frame id is replayed as a resume hint to
// reduce duplicate or missed delivery after a reconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	// A new connection supersedes any outstanding attempt.
	if c.cancel != nil {
		c.cancel()
	}
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	cn := &conn{}
	c.cur = cn
	resumeID := c.lastEventID
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		cancel()
		c.reportError(fmt.Errorf("stream: build request: %w", err))
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if resumeID != "" {
		req.Header.Set("Last-Event-ID", resumeID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		err = fmt.Errorf("stream: connect: %w", err)
		c.reportError(err)
		return err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		err = fmt.Errorf("stream: connect: unexpected status %d", resp.StatusCode)
		c.reportError(err)
		return err
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	logger.L.Info("stream connected", "url", c.url, "resume_id", resumeID)
	c.openSubs.dispatch(struct{}{})

	go c.readLoop(resp.Body, cn)
	return nil
}

// Disconnect closes any open connection and cancels pending work. Safe to
// call multiple times. The close notification that would otherwise fire is
// suppressed: the closure was requested.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.cur != nil {
		c.cur.voluntary = true
	}
	c.connected = false
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.sendCancel != nil {
		c.sendCancel()
		c.sendCancel = nil
	}
	c.mu.Unlock()
	logger.L.Debug("stream disconnected by caller")
}

// Send transmits a payload to the companion endpoint. A new send supersedes
// any outstanding one (the prior request is aborted first, so a stale
// response cannot land after a newer request started). Failures surface on
// the error-notification path, not to the submitting caller.
func (c *Client) Send(ctx context.Context, payload []byte) {
	c.mu.Lock()
	if c.sendCancel != nil {
		c.sendCancel()
	}
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.sendCancel = cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.sendURL, bytes.NewReader(payload))
		if err != nil {
			c.reportError(fmt.Errorf("stream: build send request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.http.Do(req)
		if err != nil {
			if reqCtx.Err() != nil {
				return // superseded or disconnected
			}
			c.reportError(fmt.Errorf("stream: send: %w", err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			c.reportError(fmt.Errorf("stream: send: unexpected status %d", resp.StatusCode))
		}
	}()
}

// readLoop parses frames until the connection ends. Malformed frames are
// dropped and reported; they never close the connection.
func (c *Client) readLoop(body io.ReadCloser, cn *conn) {
	defer body.Close()
	fr := newFrameReader(body)

	for {
		frame, err := fr.next()
		if err == nil {
			c.mu.Lock()
			if frame.ID != "" && c.cur == cn {
				c.lastEventID = frame.ID
			}
			c.mu.Unlock()
			c.msgSubs.dispatch(frame)
			continue
		}

		var perr *ParseError
		if errors.As(err, &perr) {
			logger.L.Warn("dropping malformed frame", "line", perr.Line)
			c.reportError(perr)
			continue
		}

		// Terminal read failure: this connection is gone. A superseded
		// connection (c.cur moved on) is treated like a voluntary closure.
		c.mu.Lock()
		voluntary := cn.voluntary || c.cur != cn
		if c.cur == cn {
			c.connected = false
			c.cur = nil
		}
		c.mu.Unlock()

		if voluntary {
			return
		}
		if !errors.Is(err, io.EOF) {
			c.reportError(fmt.Errorf("stream: read: %w", err))
		} else {
			c.reportError(errors.New("stream: connection closed by server"))
		}
		// Exactly one close notification per actual involuntary closure.
		c.closeSubs.dispatch(struct{}{})
		return
	}
}

func (c *Client) reportError(err error) {
	logger.L.Debug("stream error", "error", err)
	c.errSubs.dispatch(err)
}

// registry is a multi-subscriber observer set. There is no delivery-order
// guarantee across distinct subscribers.
type registry[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]func(T)
}

func newRegistry[T any]() *registry[T] {
	return &registry[T]{subs: make(map[int]func(T))}
}

func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = fn
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

func (r *registry[T]) dispatch(v T) {
	r.mu.Lock()
	fns := make([]func(T), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}
