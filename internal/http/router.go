package httpapi

import (
	"encoding/json"
	"net/http"
)

// NewRouter mounts the admin API. /healthz is never wrapped by mw so
// health checks work without a key.
func NewRouter(svc *Service, feed http.Handler, mw func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()
	wrap := func(h http.Handler) http.Handler {
		if mw != nil {
			return mw(h)
		}
		return h
	}

	mux.HandleFunc("/healthz", svc.handleHealth)
	mux.Handle("/api/status", wrap(http.HandlerFunc(svc.handleStatus)))
	mux.Handle("/api/actions", wrap(http.HandlerFunc(svc.handleActions)))
	mux.Handle("/api/settings", wrap(http.HandlerFunc(svc.handleSettings)))
	mux.Handle("/api/replies", wrap(http.HandlerFunc(svc.handleForceReply)))
	if feed != nil {
		mux.Handle("/ws/actions", wrap(feed))
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
