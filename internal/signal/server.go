package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"

	"github.com/petervdpas/voxmatch/internal/calls"
	"github.com/petervdpas/voxmatch/internal/logbuf"
	"github.com/petervdpas/voxmatch/internal/metrics"
	"github.com/petervdpas/voxmatch/internal/proto"
	"github.com/petervdpas/voxmatch/internal/registry"
	"github.com/petervdpas/voxmatch/internal/room"
)

const (
	DefaultReadLimit     = 64 << 10
	DefaultWriteWait     = 10 * time.Second
	DefaultPongWait      = 60 * time.Second
	DefaultStaleAfter    = 90 * time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultSendQueue     = 64
	DefaultMessageRate   = 20
	DefaultMessageBurst  = 40
)

type Options struct {
	ReadLimit    int64
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration // defaults to 9/10 of PongWait
	// StaleAfter evicts registry entries with no traffic for this long.
	StaleAfter    time.Duration
	SweepInterval time.Duration
	SendQueue     int
	MessageRate   float64 // inbound frames per second per connection
	MessageBurst  int
	// AllowedOrigins restricts the Origin header of upgrade requests.
	// Empty allows any origin.
	AllowedOrigins []string
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.WriteWait <= 0 {
		o.WriteWait = DefaultWriteWait
	}
	if o.PongWait <= 0 {
		o.PongWait = DefaultPongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.SendQueue <= 0 {
		o.SendQueue = DefaultSendQueue
	}
	if o.MessageRate <= 0 {
		o.MessageRate = DefaultMessageRate
	}
	if o.MessageBurst <= 0 {
		o.MessageBurst = DefaultMessageBurst
	}
}

type Deps struct {
	Registry *registry.Registry
	Rooms    *room.Manager
	Calls    *calls.Manager
	Logs     *logbuf.Buffer // optional
	History  History        // optional
	Clock    clock.Clock
}

// History lists the stored call attempts of a match.
type History interface {
	CallsForMatch(ctx context.Context, matchID int64) ([]calls.Attempt, error)
}

type Server struct {
	opts     Options
	clk      clock.Clock
	reg      *registry.Registry
	rooms    *room.Manager
	calls    *calls.Manager
	logs     *logbuf.Buffer
	history  History
	router   *Router
	upgrader websocket.Upgrader

	// every upgraded socket, registered or not
	mu       sync.Mutex
	sessions map[*session]struct{}
}

func NewServer(d Deps, opts Options) *Server {
	opts.defaults()
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	s := &Server{
		opts:     opts,
		clk:      d.Clock,
		reg:      d.Registry,
		rooms:    d.Rooms,
		calls:    d.Calls,
		logs:     d.Logs,
		history:  d.History,
		router:   NewRouter(d.Registry, d.Rooms, d.Calls, d.Clock),
		sessions: make(map[*session]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// Handler returns the HTTP surface: one WebSocket path per channel kind
// plus the JSON/metrics endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(proto.PathStatus, s.serveWS(registry.KindStatus))
	mux.HandleFunc(proto.PathSignaling, s.serveWS(registry.KindSignaling))
	mux.HandleFunc(proto.PathDiagnostic, s.serveWS(registry.KindDiagnostic))

	mux.Handle("GET /metrics", metrics.Handler())
	handleGet(mux, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"status":      "ok",
			"connections": s.reg.Len(),
			"rooms":       s.rooms.Len(),
			"calls":       s.calls.Live(),
		})
	})

	// GET /api/calls: calls held in memory, live or recently finished.
	handleGet(mux, "/api/calls", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.calls.Snapshot())
	})

	// GET /api/calls/{id}: one call, from memory or the store.
	handleGet(mux, "/api/calls/{id}", func(w http.ResponseWriter, r *http.Request) {
		a, err := s.calls.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, calls.ErrNotFound) {
			http.Error(w, "call not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, a)
	})

	// GET /api/matches/{id}/calls: stored attempts of one match, oldest first.
	if s.history != nil {
		handleGet(mux, "/api/matches/{id}/calls", func(w http.ResponseWriter, r *http.Request) {
			id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
			if err != nil {
				http.Error(w, "bad match id", http.StatusBadRequest)
				return
			}
			list, err := s.history.CallsForMatch(r.Context(), id)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if list == nil {
				list = []calls.Attempt{}
			}
			writeJSON(w, list)
		})
	}

	// GET /api/connections: registry contents without the handles.
	handleGet(mux, "/api/connections", func(w http.ResponseWriter, r *http.Request) {
		type conn struct {
			UserID          int64         `json:"userId"`
			Kind            registry.Kind `json:"kind"`
			RegisteredAt    time.Time     `json:"registeredAt"`
			LastHeartbeatAt time.Time     `json:"lastHeartbeatAt"`
		}
		entries := s.reg.Snapshot()
		out := make([]conn, 0, len(entries))
		for _, e := range entries {
			out = append(out, conn{e.UserID, e.Kind, e.RegisteredAt, e.LastHeartbeatAt})
		}
		writeJSON(w, out)
	})

	if s.logs != nil {
		mux.HandleFunc("/api/logs", s.logs.ServeJSON)
		mux.HandleFunc("/api/logs/stream", s.logs.ServeSSE)
	}
	return mux
}

func (s *Server) serveWS(kind registry.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			log.Debugf("upgrade %s from %s: %v", kind, r.RemoteAddr, err)
			return
		}
		sess := newSession(conn, kind, s.opts)
		if !s.track(sess) {
			_ = sess.Close(proto.CloseGoingAway, "server shutting down")
			go sess.writePump(s.clk, s.opts)
			return
		}
		log.Debugf("session %s: %s channel from %s", sess.id, kind, r.RemoteAddr)
		go sess.writePump(s.clk, s.opts)
		go sess.readPump(s)
	}
}

// disconnect runs once a session's read side has ended.
func (s *Server) disconnect(sess *session) {
	s.mu.Lock()
	delete(s.sessions, sess)
	s.mu.Unlock()
	_ = sess.Close(proto.CloseNormal, "")
	if uid := sess.UserID(); uid != 0 {
		s.reg.Release(uid, sess.kind, sess)
	}
}

// RunSweeper evicts stale registry entries every SweepInterval until ctx is
// done.
func (s *Server) RunSweeper(ctx context.Context) error {
	ticker := s.clk.Ticker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if evicted := s.reg.Sweep(s.opts.StaleAfter); len(evicted) > 0 {
				metrics.StaleEvicted(len(evicted))
				log.Infof("evicted %d stale connections", len(evicted))
			}
		}
	}
}

func (s *Server) track(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		return false
	}
	s.sessions[sess] = struct{}{}
	return true
}

// Shutdown closes every connection with "going away", including sockets
// that never registered. Sockets upgraded afterwards are closed at once.
func (s *Server) Shutdown() {
	s.reg.CloseAll(proto.CloseGoingAway, "server shutting down")
	s.mu.Lock()
	open := s.sessions
	s.sessions = nil
	s.mu.Unlock()
	for sess := range open {
		_ = sess.Close(proto.CloseGoingAway, "server shutting down")
	}
}

func handleGet(mux *http.ServeMux, path string, fn http.HandlerFunc) {
	mux.HandleFunc("GET "+path, fn)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(v)
}
