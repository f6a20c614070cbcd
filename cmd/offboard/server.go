package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/w1xm/offboard/sequencer"
)

type Server struct {
	log zerolog.Logger

	statusMu sync.RWMutex
	status   sequencer.Snapshot
	// changed is closed and replaced whenever status is updated.
	changed chan struct{}
}

func NewServer(log zerolog.Logger) *Server {
	return &Server{
		log:     log,
		changed: make(chan struct{}),
	}
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/api/status", http.HandlerFunc(s.StatusHandler)).Methods(http.MethodGet)
	r.Handle("/api/ws", http.HandlerFunc(s.StatusSocketHandler))
	return r
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) latest() (sequencer.Snapshot, <-chan struct{}) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status, s.changed
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	status, _ := s.latest()
	data, err := json.Marshal(status)
	if err != nil {
		s.log.Error().Err(err).Msg("marshaling status")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("upgrading websocket")
		return
	}
	defer conn.Close()

	// Nothing is accepted from clients; reading only notices when they go away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	send := func(status sequencer.Snapshot) error {
		data, err := json.Marshal(status)
		if err != nil {
			return err
		}
		return conn.WriteMessage(websocket.TextMessage, data)
	}

	status, changed := s.latest()
	for {
		if err := send(status); err != nil {
			s.log.Debug().Err(err).Msg("writing websocket")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
		status, changed = s.latest()
	}
}

func (s *Server) snapshotCallback(status sequencer.Snapshot) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	close(s.changed)
	s.changed = make(chan struct{})
}
