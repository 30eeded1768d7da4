package kurento

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/Warpdrop/conference/internal/engine"
)

const (
	// Time allowed to write a request when the caller set no deadline.
	writeWait = 10 * time.Second

	// Kurento answers can carry full SDP documents.
	maxMessageSize = 1024 * 1024
)

// errConnClosed fails calls whose connection dropped before the response.
var errConnClosed = errors.New("kurento connection closed")

// RPCError is an error object returned by the media server.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("kurento error %d: %s", e.Code, e.Message)
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// message is any frame read from the server: a response or an event.
type message struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

type result struct {
	Value     json.RawMessage `json:"value"`
	SessionID string          `json:"sessionId"`
}

type eventParams struct {
	Value struct {
		Type   string          `json:"type"`
		Object string          `json:"object"`
		Data   json.RawMessage `json:"data"`
	} `json:"value"`
}

type eventKey struct {
	object string
	event  string
}

// conn is one live websocket to the server. Calls in flight on a conn fail
// together when it drops.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan message
	err     error
	done    chan struct{}
}

func (c *conn) await(id uint64) (chan message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	ch := make(chan message, 1)
	c.pending[id] = ch
	return ch, nil
}

func (c *conn) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *conn) resolve(m message) {
	c.mu.Lock()
	ch, ok := c.pending[*m.ID]
	delete(c.pending, *m.ID)
	c.mu.Unlock()
	if ok {
		ch <- m
	}
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return
	}
	c.err = err
	c.pending = nil
	close(c.done)
}

// Client speaks Kurento's JSON-RPC 2.0 protocol. It dials lazily on the first
// call and redials on the next call after the connection drops.
type Client struct {
	url    string
	dialer *websocket.Dialer
	log    *slog.Logger

	nextID atomic.Uint64

	mu        sync.Mutex
	conn      *conn
	sessionID string
	closed    bool

	handlersMu sync.Mutex
	handlers   map[eventKey]func(json.RawMessage)
}

// NewClient returns a client for the server at url. Nothing is dialed yet.
func NewClient(url string, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		url:      url,
		dialer:   websocket.DefaultDialer,
		log:      log.With("component", "kurento", "url", url),
		handlers: make(map[eventKey]func(json.RawMessage)),
	}
}

// connect returns the live connection, dialing if there is none.
func (c *Client) connect(ctx context.Context) (*conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, fmt.Errorf("%w: client closed", engine.ErrUnavailable)
	}
	if c.conn != nil {
		select {
		case <-c.conn.done:
		default:
			return c.conn, nil
		}
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		c.log.Warn("dial failed", "err", err)
		return nil, fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
	}
	ws.SetReadLimit(maxMessageSize)

	cn := &conn{
		ws:      ws,
		pending: make(map[uint64]chan message),
		done:    make(chan struct{}),
	}
	c.conn = cn
	go c.readLoop(cn)

	c.log.Info("connected")
	return cn, nil
}

func (c *Client) readLoop(cn *conn) {
	defer cn.ws.Close()

	for {
		_, data, err := cn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Warn("connection lost", "err", err)
			}
			cn.fail(fmt.Errorf("%w: %w", errConnClosed, err))
			return
		}

		var m message
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Warn("discarding malformed frame", "err", err)
			continue
		}

		switch {
		case m.Method == "onEvent":
			c.dispatch(m.Params)
		case m.ID != nil:
			cn.resolve(m)
		default:
			c.log.Debug("ignoring frame", "method", m.Method)
		}
	}
}

func (c *Client) dispatch(raw json.RawMessage) {
	var p eventParams
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Warn("malformed event", "err", err)
		return
	}

	c.handlersMu.Lock()
	fn := c.handlers[eventKey{p.Value.Object, p.Value.Type}]
	c.handlersMu.Unlock()

	if fn == nil {
		c.log.Debug("unhandled event", "type", p.Value.Type, "object", p.Value.Object)
		return
	}
	fn(p.Value.Data)
}

// Call sends one request and waits for its result value.
func (c *Client) Call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	cn, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.sessionID != "" {
		params["sessionId"] = c.sessionID
	}
	c.mu.Unlock()

	id := c.nextID.Add(1)
	ch, err := cn.await(id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
	}

	req := request{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := c.write(ctx, cn, req); err != nil {
		cn.forget(id)
		return nil, fmt.Errorf("%w: %w", engine.ErrUnavailable, err)
	}

	var m message
	select {
	case m = <-ch:
	case <-cn.done:
		select {
		case m = <-ch:
		default:
			return nil, fmt.Errorf("%w: %w", engine.ErrUnavailable, errConnClosed)
		}
	case <-ctx.Done():
		cn.forget(id)
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}

	if m.Error != nil {
		return nil, fmt.Errorf("%s: %w", method, m.Error)
	}
	var res result
	if len(m.Result) > 0 {
		if err := json.Unmarshal(m.Result, &res); err != nil {
			return nil, fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	if res.SessionID != "" {
		c.mu.Lock()
		c.sessionID = res.SessionID
		c.mu.Unlock()
	}
	return res.Value, nil
}

func (c *Client) write(ctx context.Context, cn *conn, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}

	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()
	cn.ws.SetWriteDeadline(deadline)
	return cn.ws.WriteMessage(websocket.TextMessage, data)
}

// Subscribe registers fn for events of type event raised by object and asks
// the server to deliver them. fn runs on the read loop and must not block.
func (c *Client) Subscribe(ctx context.Context, object, event string, fn func(json.RawMessage)) error {
	key := eventKey{object, event}

	c.handlersMu.Lock()
	c.handlers[key] = fn
	c.handlersMu.Unlock()

	_, err := c.Call(ctx, "subscribe", map[string]any{
		"type":   event,
		"object": object,
	})
	if err != nil {
		c.unsubscribe(object)
	}
	return err
}

// unsubscribe drops every local handler registered for object.
func (c *Client) unsubscribe(object string) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	for k := range c.handlers {
		if k.object == object {
			delete(c.handlers, k)
		}
	}
}

// Create instantiates a media object and returns its id.
func (c *Client) Create(ctx context.Context, typ string, constructorParams map[string]any) (string, error) {
	if constructorParams == nil {
		constructorParams = map[string]any{}
	}
	value, err := c.Call(ctx, "create", map[string]any{
		"type":              typ,
		"constructorParams": constructorParams,
		"properties":        map[string]any{},
	})
	if err != nil {
		return "", err
	}
	var id string
	if err := json.Unmarshal(value, &id); err != nil {
		return "", fmt.Errorf("create %s: decode object id: %w", typ, err)
	}
	return id, nil
}

// Invoke runs operation on object.
func (c *Client) Invoke(ctx context.Context, object, operation string, operationParams map[string]any) (json.RawMessage, error) {
	params := map[string]any{
		"object":    object,
		"operation": operation,
	}
	if operationParams != nil {
		params["operationParams"] = operationParams
	}
	return c.Call(ctx, "invoke", params)
}

// Release frees object on the server.
func (c *Client) Release(ctx context.Context, object string) error {
	c.unsubscribe(object)
	_, err := c.Call(ctx, "release", map[string]any{"object": object})
	return err
}

// Close drops the connection. Later calls fail with engine.ErrUnavailable.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn == nil {
		return nil
	}

	cn := c.conn
	c.conn = nil
	cn.writeMu.Lock()
	cn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	cn.writeMu.Unlock()
	cn.fail(errConnClosed)
	return cn.ws.Close()
}
