package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/netip"
	"strings"
)

type Mode string

const (
	ModeLocalhost Mode = "localhost"
	ModeAPIKey    Mode = "api_key"
)

// Info describes how a request was authenticated.
type Info struct {
	Mode      Mode
	Operator  string
	Localhost bool
}

type contextKey struct{}

func FromContext(ctx context.Context) (Info, bool) {
	v, ok := ctx.Value(contextKey{}).(Info)
	return v, ok
}

// Middleware admits local callers when the keyring allows it and
// otherwise requires a known bearer key. A caller is local when the TCP
// peer is loopback or the request came over the unix socket.
// X-Forwarded-For is only read when the peer itself is loopback, so a
// remote client cannot claim to be local.
func Middleware(ring *Keyring) func(http.Handler) http.Handler {
	if ring == nil {
		ring = defaultKeyring()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			info, ok := identify(r, ring)
			if !ok {
				writeUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, info)))
		})
	}
}

func identify(r *http.Request, ring *Keyring) (Info, bool) {
	if ring.AllowLocalhostWithoutAuth && fromLocalClient(r) {
		return Info{Mode: ModeLocalhost, Localhost: true}, true
	}
	key, ok := bearerKey(r.Header.Get("Authorization"))
	if !ok {
		return Info{}, false
	}
	operator, ok := ring.OperatorForKey(key)
	if !ok {
		return Info{}, false
	}
	return Info{Mode: ModeAPIKey, Operator: operator}, true
}

func bearerKey(header string) (string, bool) {
	scheme, key, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}

func fromLocalClient(r *http.Request) bool {
	peer, ok := peerAddr(r.RemoteAddr)
	if !ok {
		return false
	}
	if !peer.IsValid() {
		// unix socket
		return true
	}
	if !peer.IsLoopback() {
		return false
	}
	// A local reverse proxy appends the address it accepted from.
	if hop, ok := lastForwardedHop(r.Header.Values("X-Forwarded-For")); ok {
		return hop.IsLoopback()
	}
	return true
}

// peerAddr parses RemoteAddr. Unix socket peers report "@" or nothing and
// come back as the zero Addr.
func peerAddr(remote string) (netip.Addr, bool) {
	remote = strings.TrimSpace(remote)
	if remote == "" || remote == "@" {
		return netip.Addr{}, true
	}
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(remote); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

func lastForwardedHop(values []string) (netip.Addr, bool) {
	if len(values) == 0 {
		return netip.Addr{}, false
	}
	hops := strings.Split(values[len(values)-1], ",")
	raw := strings.TrimSpace(hops[len(hops)-1])
	if raw == "" {
		return netip.Addr{}, false
	}
	a, err := netip.ParseAddr(raw)
	if err != nil {
		// unparseable hop is treated as remote
		return netip.IPv4Unspecified(), true
	}
	return a.Unmap(), true
}

func writeUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
