package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultEventBuffer  = 256
)

// Client is a websocket ChatTransport. Reconnection is driven from the
// outside through Destroy and Login.
type Client struct {
	url          string
	token        string
	codec        *Codec
	logger       *slog.Logger
	writeTimeout time.Duration

	events chan Event

	mu      sync.Mutex
	conn    *websocket.Conn
	cancel  context.CancelFunc
	self    Identity
	pending map[string]chan Frame
	gen     uint64

	ready atomic.Bool
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithCodec(codec *Codec) Option {
	return func(c *Client) { c.codec = codec }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

func WithEventBuffer(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.events = make(chan Event, n)
		}
	}
}

func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

func NewClient(gatewayURL string, opts ...Option) *Client {
	c := &Client{
		url:          gatewayURL,
		writeTimeout: defaultWriteTimeout,
		events:       make(chan Event, defaultEventBuffer),
		pending:      make(map[string]chan Frame),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.codec == nil {
		c.codec, _ = NewCodec(EncodingJSON, CompressionNone)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "transport")
	return c
}

func (c *Client) Events() <-chan Event { return c.events }

func (c *Client) IsReady() bool { return c.ready.Load() }

// Self returns the bot identity from the last ready frame.
func (c *Client) Self() Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Login dials the gateway, identifies and waits for ready.
func (c *Client) Login(ctx context.Context) error {
	wsURL, err := c.buildURL()
	if err != nil {
		return fmt.Errorf("build gateway url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bot " + c.token}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("gateway dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	if err := c.write(ctx, conn, Frame{Op: OpIdentify, Token: c.token}); err != nil {
		conn.Close(websocket.StatusInternalError, "identify failed")
		return err
	}
	ready, err := c.read(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "no ready")
		return fmt.Errorf("await ready: %w", err)
	}
	if ready.Op != OpReady {
		conn.Close(websocket.StatusPolicyViolation, "unexpected frame")
		if ready.Error != "" {
			return fmt.Errorf("gateway refused identify: %s", ready.Error)
		}
		return fmt.Errorf("gateway refused identify: got %q", ready.Op)
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	old := c.conn
	c.conn = conn
	c.cancel = cancel
	c.gen++
	gen := c.gen
	if ready.Self != nil {
		c.self = *ready.Self
	}
	self := c.self
	c.mu.Unlock()
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "replaced")
	}

	c.ready.Store(true)
	c.logger.Info("gateway_identified", "user_id", self.UserID)
	go c.readLoop(readCtx, conn, gen)
	c.emit(readCtx, Event{Kind: EventReady, Self: self})
	return nil
}

// Destroy closes the connection. Pending requests fail with
// ErrNotConnected.
func (c *Client) Destroy(context.Context) error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn, c.cancel = nil, nil
	c.gen++
	c.failPendingLocked()
	c.mu.Unlock()

	c.ready.Store(false)
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "client closing")
}

func (c *Client) Send(ctx context.Context, channelID, content string) (string, error) {
	ack, err := c.request(ctx, Frame{Op: OpSend, ChannelID: channelID, Content: content})
	if err != nil {
		return "", err
	}
	return ack.EventID, nil
}

func (c *Client) Reply(ctx context.Context, channelID, eventID, content string) (string, error) {
	ack, err := c.request(ctx, Frame{Op: OpReply, ChannelID: channelID, EventID: eventID, Content: content})
	if err != nil {
		return "", err
	}
	return ack.EventID, nil
}

func (c *Client) React(ctx context.Context, channelID, eventID, emoji string) error {
	_, err := c.request(ctx, Frame{Op: OpReact, ChannelID: channelID, EventID: eventID, Emoji: emoji})
	return err
}

func (c *Client) SendTyping(ctx context.Context, channelID string) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(ctx, conn, Frame{Op: OpTyping, ChannelID: channelID})
}

// request writes f with a fresh nonce and waits for the matching ack.
func (c *Client) request(ctx context.Context, f Frame) (Frame, error) {
	f.Nonce = uuid.NewString()
	ch := make(chan Frame, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return Frame{}, ErrNotConnected
	}
	c.pending[f.Nonce] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.Nonce)
		c.mu.Unlock()
	}()

	if err := c.write(ctx, conn, f); err != nil {
		return Frame{}, err
	}
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case ack, ok := <-ch:
		if !ok {
			return Frame{}, ErrNotConnected
		}
		if ack.Op == OpError {
			return ack, fmt.Errorf("gateway %s: %s", f.Op, ack.Error)
		}
		return ack, nil
	}
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

func (c *Client) write(ctx context.Context, conn *websocket.Conn, f Frame) error {
	typ, data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("gateway write %s: %w", f.Op, err)
	}
	return nil
}

func (c *Client) read(ctx context.Context, conn *websocket.Conn) (Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	return c.codec.Decode(data)
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || !c.isCurrent(gen) {
				return
			}
			c.disconnect(gen)
			c.logger.Warn("gateway_read_failed", "close_status", int(websocket.CloseStatus(err)), "error", err)
			c.emit(ctx, Event{Kind: EventShardDisconnect, Err: err})
			return
		}
		f, err := c.codec.Decode(data)
		if err != nil {
			c.logger.Warn("gateway_frame_invalid", "error", err)
			c.emit(ctx, Event{Kind: EventShardError, Err: err})
			continue
		}
		c.handle(ctx, f, gen)
	}
}

func (c *Client) handle(ctx context.Context, f Frame, gen uint64) {
	switch f.Op {
	case OpMessage:
		if f.Message == nil {
			return
		}
		c.emit(ctx, Event{Kind: EventMessageCreate, Message: f.Message.Event()})
	case OpAck, OpError:
		if f.Nonce != "" {
			if c.deliver(f) {
				return
			}
		}
		if f.Op == OpError {
			c.emit(ctx, Event{Kind: EventError, Err: errors.New(f.Error)})
		}
	case OpInvalidated:
		c.disconnect(gen)
		c.emit(ctx, Event{Kind: EventInvalidated, Err: errors.New(f.Error)})
	case OpResumed:
		c.ready.Store(true)
		c.emit(ctx, Event{Kind: EventShardResume})
	default:
		c.logger.Debug("gateway_frame_ignored", "op", f.Op)
	}
}

// deliver hands an ack to its waiting request, if any.
func (c *Client) deliver(f Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.pending[f.Nonce]
	if !ok {
		return false
	}
	delete(c.pending, f.Nonce)
	ch <- f
	return true
}

func (c *Client) isCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

func (c *Client) disconnect(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.ready.Store(false)
	c.failPendingLocked()
}

func (c *Client) failPendingLocked() {
	for nonce, ch := range c.pending {
		close(ch)
		delete(c.pending, nonce)
	}
}

// emit blocks while the event buffer is full, until ctx ends.
func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	enc, comp := c.codec.Query()
	q := u.Query()
	q.Set("encoding", enc)
	q.Set("compress", comp)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
