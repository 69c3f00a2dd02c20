package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
)

// Stats is a read-only snapshot of routing-core activity, served by
// AdminServer. It has no bearing on the wire protocol.
type Stats struct {
	Clients int    `json:"clients"`
	Links   int    `json:"links"`
	Uptime  string `json:"uptime"`
}

// AdminServer exposes a read-only HTTP/WebSocket observability surface over
// a Server. It only ever calls Server's exported accessor methods, so it has
// no path into the routing dispatch and cannot affect §3/§4.4 invariants.
//
// Modeled on the donor's chat hub broadcast pattern (cmd/example_chat/view.go),
// adapted from a push-on-event hub to a poll-and-diff loop since Server has
// no event bus to hook a broadcast into.
type AdminServer struct {
	server    *Server
	startedAt time.Time
}

func NewAdminServer(server *Server) *AdminServer {
	return &AdminServer{server: server, startedAt: time.Now()}
}

// Handler returns the chi-routed http.Handler for the admin surface.
func (a *AdminServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", a.handleHealthz)
	r.Get("/stats", a.handleStats)
	r.Get("/ws", a.handleWS)
	return r
}

func (a *AdminServer) snapshot() Stats {
	return Stats{
		Clients: a.server.ClientCount(),
		Links:   a.server.LinkCount(),
		Uptime:  time.Since(a.startedAt).Round(time.Second).String(),
	}
}

func (a *AdminServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (a *AdminServer) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(a.snapshot())
}

func (a *AdminServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	lastClients := -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := a.snapshot()
			if snap.Clients == lastClients {
				continue
			}
			lastClients = snap.Clients

			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := wsjson.Write(wctx, conn, snap)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
