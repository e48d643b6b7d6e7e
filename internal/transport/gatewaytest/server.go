// Package gatewaytest runs an in-process chat gateway for tests.
package gatewaytest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/mistakeknot/interject/internal/transport"
)

const writeTimeout = 5 * time.Second

// Outbound is a frame the bot sent to the gateway.
type Outbound struct {
	Op        string
	ChannelID string
	EventID   string
	Content   string
	Emoji     string
	MessageID string
}

type Server struct {
	Token string
	Self  transport.Identity

	srv *httptest.Server

	mu     sync.Mutex
	conns  map[*websocket.Conn]*transport.Codec
	sent   []Outbound
	logins int
	notify chan struct{}
}

// New starts a server accepting token. Close it with t.Cleanup.
func New(token string, self transport.Identity) *Server {
	s := &Server{
		Token:  token,
		Self:   self,
		conns:  make(map[*websocket.Conn]*transport.Codec),
		notify: make(chan struct{}, 64),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	codec, err := transport.NewCodec(q.Get("encoding"), q.Get("compress"))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	ctx := r.Context()

	hello, err := read(ctx, conn, codec)
	if err != nil {
		return
	}
	if hello.Op != transport.OpIdentify || hello.Token != s.Token {
		_ = write(ctx, conn, codec, transport.Frame{Op: transport.OpInvalidated, Error: "authentication failed"})
		conn.Close(websocket.StatusPolicyViolation, "bad token")
		return
	}
	s.mu.Lock()
	s.conns[conn] = codec
	s.logins++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	self := s.Self
	if err := write(ctx, conn, codec, transport.Frame{Op: transport.OpReady, Self: &self}); err != nil {
		return
	}

	for {
		f, err := read(ctx, conn, codec)
		if err != nil {
			return
		}
		s.serve(ctx, conn, codec, f)
	}
}

func (s *Server) serve(ctx context.Context, conn *websocket.Conn, codec *transport.Codec, f transport.Frame) {
	out := Outbound{Op: f.Op, ChannelID: f.ChannelID, EventID: f.EventID, Content: f.Content, Emoji: f.Emoji}
	var ack transport.Frame
	switch f.Op {
	case transport.OpSend, transport.OpReply:
		out.MessageID = uuid.NewString()
		ack = transport.Frame{Op: transport.OpAck, Nonce: f.Nonce, EventID: out.MessageID}
	case transport.OpReact:
		ack = transport.Frame{Op: transport.OpAck, Nonce: f.Nonce}
	case transport.OpTyping:
	default:
		_ = write(ctx, conn, codec, transport.Frame{Op: transport.OpError, Nonce: f.Nonce, Error: "unknown op " + f.Op})
		return
	}
	s.mu.Lock()
	s.sent = append(s.sent, out)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
	if ack.Op != "" {
		_ = write(ctx, conn, codec, ack)
	}
}

// Push delivers a message_create to every connected client.
func (s *Server) Push(m transport.WireMessage) {
	s.broadcast(transport.Frame{Op: transport.OpMessage, Message: &m})
}

// Invalidate tells every client its session is gone.
func (s *Server) Invalidate() {
	s.broadcast(transport.Frame{Op: transport.OpInvalidated, Error: "session invalidated"})
}

// Drop closes every connection without a session message.
func (s *Server) Drop() {
	for _, conn := range s.snapshot() {
		conn.Close(websocket.StatusGoingAway, "dropped")
	}
}

func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

func (s *Server) Sent() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Outbound, len(s.sent))
	copy(out, s.sent)
	return out
}

// WaitSent blocks until at least n outbound frames matching op have been
// received or timeout elapses. An empty op matches everything.
func (s *Server) WaitSent(op string, n int, timeout time.Duration) []Outbound {
	deadline := time.After(timeout)
	for {
		var match []Outbound
		for _, o := range s.Sent() {
			if op == "" || o.Op == op {
				match = append(match, o)
			}
		}
		if len(match) >= n {
			return match
		}
		select {
		case <-s.notify:
		case <-deadline:
			return match
		}
	}
}

func (s *Server) broadcast(f transport.Frame) {
	s.mu.Lock()
	conns := make(map[*websocket.Conn]*transport.Codec, len(s.conns))
	for c, codec := range s.conns {
		conns[c] = codec
	}
	s.mu.Unlock()
	for conn, codec := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := write(ctx, conn, codec, f)
		cancel()
		if err != nil {
			conn.Close(websocket.StatusGoingAway, "write error")
		}
	}
}

func (s *Server) snapshot() []*websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

func read(ctx context.Context, conn *websocket.Conn, codec *transport.Codec) (transport.Frame, error) {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return transport.Frame{}, err
	}
	return codec.Decode(data)
}

func write(ctx context.Context, conn *websocket.Conn, codec *transport.Codec, f transport.Frame) error {
	typ, data, err := codec.Encode(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, typ, data)
}
