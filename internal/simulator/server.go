package simulator

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/squadpool/missionsync/internal/mission"
	"github.com/squadpool/missionsync/internal/push"
	"github.com/squadpool/missionsync/internal/snapshot"
)

// Server exposes the store over the same contracts the engine consumes:
// GET /missions, GET /missions/{id}, POST /missions/{id}/join,
// POST /missions/{id}/resolve, and a /ws push hub.
type Server struct {
	store *Store
	log   zerolog.Logger

	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

type hubConn struct {
	ws   *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]struct{}
}

func NewServer(store *Store, log zerolog.Logger) *Server {
	s := &Server{
		store: store,
		log:   log.With().Str("component", "simulator_http").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*hubConn]struct{}),
	}
	store.SetEmitter(s.broadcast)
	return s
}

// Handler returns the full HTTP handler, CORS included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/missions", s.handleList)
	mux.HandleFunc("/missions/", s.handleMission)
	mux.HandleFunc("/ws", s.handleWS)
	return cors.AllowAll().Handler(mux)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	scope := snapshot.Scope(r.URL.Query().Get("scope"))
	if scope == "" {
		scope = snapshot.ScopeAll
	}
	writeJSON(w, s.store.List(scope))
}

func (s *Server) handleMission(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/missions/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]

	if len(parts) == 1 {
		rec, ok := s.store.Get(id)
		if !ok {
			http.Error(w, "mission not found", http.StatusNotFound)
			return
		}
		writeJSON(w, rec)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var err error
	switch parts[1] {
	case "join":
		err = s.store.Join(id)
	case "resolve":
		err = s.store.ResolveRound(id, r.URL.Query().Get("recipient"))
	default:
		http.Error(w, "unknown action", http.StatusNotFound)
		return
	}
	if errors.Is(err, snapshot.ErrNotFound) {
		http.Error(w, "mission not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeJSON(w, map[string]string{"outcome": "rejected", "reason": err.Error()})
		return
	}
	writeJSON(w, map[string]string{"outcome": "committed"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := &hubConn{
		ws:   ws,
		send: make(chan []byte, 64),
		subs: make(map[string]struct{}),
	}
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	go s.writePump(conn)
	go s.readPump(conn)
}

func (s *Server) readPump(conn *hubConn) {
	defer s.drop(conn)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Action  string `json:"action"`
			Mission string `json:"mission"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		id := mission.NormalizeID(msg.Mission)
		conn.mu.Lock()
		switch msg.Action {
		case "join":
			conn.subs[id] = struct{}{}
		case "leave":
			delete(conn.subs, id)
		}
		conn.mu.Unlock()
	}
}

func (s *Server) writePump(conn *hubConn) {
	defer conn.ws.Close()
	for data := range conn.send {
		conn.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

func (s *Server) drop(conn *hubConn) {
	s.mu.Lock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		close(conn.send)
	}
	s.mu.Unlock()
	conn.ws.Close()
}

// broadcast fans an envelope out to every connection subscribed to its
// mission.
func (s *Server) broadcast(env push.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal envelope")
		return
	}
	id := mission.NormalizeID(env.MissionID)

	s.mu.Lock()
	targets := make([]*hubConn, 0, len(s.conns))
	for conn := range s.conns {
		conn.mu.Lock()
		_, subscribed := conn.subs[id]
		conn.mu.Unlock()
		if subscribed {
			targets = append(targets, conn)
		}
	}
	s.mu.Unlock()

	for _, conn := range targets {
		select {
		case conn.send <- data:
		default:
			// Slow consumer; drop it like the gateway does.
			s.drop(conn)
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
