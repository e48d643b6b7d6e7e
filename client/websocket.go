package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ActionEvent is one action streamed from /ws/actions.
type ActionEvent struct {
	Type string `json:"type"`
	Action
}

type ActionHandler func(ActionEvent)

// ActionStream follows the live action feed.
type ActionStream struct {
	baseURL   string
	apiKey    string
	channelID string
	reconnect bool

	mu       sync.RWMutex
	conn     *websocket.Conn
	handlers []ActionHandler
	done     chan struct{}
	once     sync.Once
}

type StreamOption func(*ActionStream)

func WithStreamAPIKey(key string) StreamOption {
	return func(s *ActionStream) { s.apiKey = key }
}

// WithChannel limits the stream to one channel.
func WithChannel(channelID string) StreamOption {
	return func(s *ActionStream) { s.channelID = channelID }
}

func WithAutoReconnect(enabled bool) StreamOption {
	return func(s *ActionStream) { s.reconnect = enabled }
}

func NewActionStream(baseURL string, opts ...StreamOption) *ActionStream {
	s := &ActionStream{
		baseURL:   baseURL,
		done:      make(chan struct{}),
		reconnect: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ActionStream) OnAction(h ActionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// Connect dials the feed and starts delivering events to handlers.
func (s *ActionStream) Connect(ctx context.Context) error {
	if err := s.dial(ctx); err != nil {
		return err
	}
	go s.readLoop(ctx)
	return nil
}

func (s *ActionStream) dial(ctx context.Context) error {
	wsURL, err := s.buildURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}
	opts := &websocket.DialOptions{}
	if s.apiKey != "" {
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + s.apiKey}}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *ActionStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn != nil {
			err = conn.Close(websocket.StatusNormalClosure, "client closing")
		}
	})
	return err
}

func (s *ActionStream) buildURL() (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = "/ws/actions"
	if s.channelID != "" {
		q := u.Query()
		q.Set("channel_id", s.channelID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (s *ActionStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		default:
		}
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()

		var ev ActionEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			if !s.reconnect || !s.redial(ctx) {
				return
			}
			continue
		}
		s.dispatch(ev)
	}
}

func (s *ActionStream) dispatch(ev ActionEvent) {
	s.mu.RLock()
	handlers := make([]ActionHandler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

// redial retries with exponential backoff until it connects or the stream
// is closed.
func (s *ActionStream) redial(ctx context.Context) bool {
	backoff := time.Second
	const maxBackoff = 30 * time.Second
	for {
		select {
		case <-s.done:
			return false
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if err := s.dial(ctx); err == nil {
			return true
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// KindFilter wraps h so it only sees the given action kinds.
func KindFilter(h ActionHandler, kinds ...string) ActionHandler {
	return func(ev ActionEvent) {
		for _, k := range kinds {
			if ev.Kind == k {
				h(ev)
				return
			}
		}
	}
}
