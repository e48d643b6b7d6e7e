package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mistakeknot/interject/internal/transport"
	"github.com/mistakeknot/interject/internal/transport/gatewaytest"
)

func nextEvent(t *testing.T, c *transport.Client, kind transport.EventKind) transport.Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func connect(t *testing.T, encoding, compression string) (*gatewaytest.Server, *transport.Client) {
	t.Helper()
	srv := gatewaytest.New("secret", transport.Identity{UserID: "bot", Name: "clanker"})
	t.Cleanup(srv.Close)
	codec, err := transport.NewCodec(encoding, compression)
	if err != nil {
		t.Fatal(err)
	}
	c := transport.NewClient(srv.URL(), transport.WithToken("secret"), transport.WithCodec(codec))
	t.Cleanup(func() { _ = c.Destroy(context.Background()) })
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("login: %v", err)
	}
	return srv, c
}

func TestLoginReportsReadyAndIdentity(t *testing.T) {
	_, c := connect(t, "", "")
	ev := nextEvent(t, c, transport.EventReady)
	if ev.Self.UserID != "bot" || c.Self().Name != "clanker" {
		t.Fatalf("unexpected identity %+v", ev.Self)
	}
	if !c.IsReady() {
		t.Fatal("expected ready after login")
	}
}

func TestLoginRejectsBadToken(t *testing.T) {
	srv := gatewaytest.New("secret", transport.Identity{UserID: "bot"})
	t.Cleanup(srv.Close)
	c := transport.NewClient(srv.URL(), transport.WithToken("wrong"))
	if err := c.Login(context.Background()); err == nil {
		t.Fatal("expected login failure")
	}
	if c.IsReady() {
		t.Fatal("client should not be ready")
	}
}

func TestMessagesAndSendsAcrossCodecs(t *testing.T) {
	for _, tc := range []struct{ enc, comp string }{
		{transport.EncodingJSON, transport.CompressionNone},
		{transport.EncodingCBOR, transport.CompressionNone},
		{transport.EncodingJSON, transport.CompressionZstd},
		{transport.EncodingCBOR, transport.CompressionZstd},
	} {
		t.Run(tc.enc+"_"+tc.comp, func(t *testing.T) {
			srv, c := connect(t, tc.enc, tc.comp)
			srv.Push(transport.WireMessage{ID: "m1", ChannelID: "c1", AuthorID: "u1", Content: "hey clanker", CreatedAtMs: 1700000000000, Mentions: []string{"bot"}})
			ev := nextEvent(t, c, transport.EventMessageCreate)
			if ev.Message.ID != "m1" || !ev.Message.Mentions("bot") || ev.Message.CreatedAt.UnixMilli() != 1700000000000 {
				t.Fatalf("unexpected message %+v", ev.Message)
			}

			id, err := c.Reply(context.Background(), "c1", "m1", "hello")
			if err != nil {
				t.Fatalf("reply: %v", err)
			}
			if id == "" {
				t.Fatal("expected message id from ack")
			}
			if err := c.React(context.Background(), "c1", "m1", "👍"); err != nil {
				t.Fatalf("react: %v", err)
			}
			sent := srv.WaitSent("", 2, 2*time.Second)
			if len(sent) < 2 || sent[0].Op != transport.OpReply || sent[0].EventID != "m1" || sent[1].Emoji != "👍" {
				t.Fatalf("unexpected outbound frames %+v", sent)
			}
		})
	}
}

func TestSendAfterDestroyFails(t *testing.T) {
	_, c := connect(t, "", "")
	if err := c.Destroy(context.Background()); err != nil {
		t.Logf("destroy: %v", err)
	}
	if _, err := c.Send(context.Background(), "c1", "hi"); !errors.Is(err, transport.ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if c.IsReady() {
		t.Fatal("destroyed client should not be ready")
	}
}

func TestServerDropEmitsDisconnect(t *testing.T) {
	srv, c := connect(t, "", "")
	nextEvent(t, c, transport.EventReady)
	srv.Drop()
	nextEvent(t, c, transport.EventShardDisconnect)
	if c.IsReady() {
		t.Fatal("expected not ready after drop")
	}
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("relogin: %v", err)
	}
	if srv.Logins() != 2 {
		t.Fatalf("expected 2 logins, got %d", srv.Logins())
	}
}

func TestInvalidationEvent(t *testing.T) {
	srv, c := connect(t, "", "")
	srv.Invalidate()
	nextEvent(t, c, transport.EventInvalidated)
	if c.IsReady() {
		t.Fatal("expected not ready after invalidation")
	}
}

func TestCodecRejectsUnknownEncoding(t *testing.T) {
	if _, err := transport.NewCodec("xml", ""); err == nil {
		t.Fatal("expected error for unknown encoding")
	}
	if _, err := transport.NewCodec("", "gzip"); err == nil {
		t.Fatal("expected error for unknown compression")
	}
}
