// Package server publishes the live scan feed. Websocket clients receive the
// scan configuration on connect, then every reconstructed frame, acquisition
// state change and scan failure; HTTP exposes health, configuration and the
// scanner status.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"rpoc-scan-go/internal/config"
	"rpoc-scan-go/internal/types"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingEvery  = (pongWait * 9) / 10
	sendBuffer = 32
)

// Status is what /status and status_request report.
type Status struct {
	Device     string                           `json:"device"`
	Simulated  bool                             `json:"simulated"`
	State      string                           `json:"state"`
	Aborted    bool                             `json:"aborted"`
	LastScanID string                           `json:"last_scan_id"`
	Viability  map[string]types.ViabilityReport `json:"viability,omitempty"`
	Metrics    map[string]uint64                `json:"metrics"`
	Clients    int                              `json:"ws_clients"`
}

// Source is the scanner behind the feed.
type Source interface {
	Status() Status
	// Latest returns the newest frame snapshot, if any scan finished.
	Latest() (types.UISnapshot, bool)
}

type configMessage struct {
	Type            string   `json:"type,omitempty"`
	Device          string   `json:"device"`
	StepsX          int      `json:"steps_x"`
	StepsY          int      `json:"steps_y"`
	PadLeft         int      `json:"pad_left"`
	PadRight        int      `json:"pad_right"`
	Mode            string   `json:"mode"`
	SampleRate      float64  `json:"sample_rate"`
	Dwell           float64  `json:"dwell"`
	InputChannels   []string `json:"input_channels"`
	ModulationLines []string `json:"modulation_lines,omitempty"`
	Port            int      `json:"port"`
}

type statusMessage struct {
	Type string `json:"type"`
	Status
}

// subscriber is one websocket client. Only its writer goroutine writes to
// conn; everything else queues on send.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

type Server struct {
	port     int
	scan     config.ScanConfig
	src      Source
	log      zerolog.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

// New builds a server. src may be nil.
func New(port int, scan config.ScanConfig, src Source, logger zerolog.Logger) *Server {
	return &Server{
		port: port,
		scan: scan,
		src:  src,
		log:  logger.With().Str("component", "feed").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*subscriber]struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleConfig)
	mux.HandleFunc("GET /status", s.handleStatus)
	return mux
}

// Run serves until ctx is done and fans every event out to the clients.
// Events are snapshots, state changes and scan failures.
func (s *Server) Run(ctx context.Context, events <-chan any) error {
	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		s.dropAll()
	}()
	go s.fanOut(ctx, events)

	s.log.Info().Int("port", s.port).Msg("serving live feed")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) config(msgType string) configMessage {
	return configMessage{
		Type:            msgType,
		Device:          s.scan.DeviceID,
		StepsX:          s.scan.StepsX,
		StepsY:          s.scan.StepsY,
		PadLeft:         s.scan.PadLeft,
		PadRight:        s.scan.PadRight,
		Mode:            s.scan.Mode,
		SampleRate:      s.scan.SampleRate,
		Dwell:           s.scan.Dwell,
		InputChannels:   s.scan.InputChannelIDs,
		ModulationLines: s.scan.ModulationLineIDs,
		Port:            s.port,
	}
}

func (s *Server) status() Status {
	var st Status
	if s.src != nil {
		st = s.src.Status()
	}
	st.Clients = s.clientCount()
	return st
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	sub := &subscriber{conn: conn, send: make(chan []byte, sendBuffer)}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("feed client connected")

	s.deliver(sub, s.config("config"))
	go s.writeLoop(sub)
	go s.readLoop(sub)
}

// readLoop answers client requests until the connection fails.
func (s *Server) readLoop(sub *subscriber) {
	defer s.drop(sub)
	sub.conn.SetReadLimit(1 << 16)
	_ = sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		return sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var req struct {
			Type string `json:"type"`
		}
		if err := sub.conn.ReadJSON(&req); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				continue
			}
			return
		}
		switch req.Type {
		case "snapshot_request":
			if s.src == nil {
				continue
			}
			if snap, ok := s.src.Latest(); ok {
				s.deliver(sub, snap)
			}
		case "status_request":
			s.deliver(sub, statusMessage{Type: "status", Status: s.status()})
		}
	}
}

// writeLoop owns all writes to the connection, including keepalive pings.
func (s *Server) writeLoop(sub *subscriber) {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		s.drop(sub)
	}()
	for {
		select {
		case payload, ok := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) fanOut(ctx context.Context, events <-chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				s.log.Warn().Err(err).Msg("drop unencodable event")
				continue
			}
			s.mu.Lock()
			subs := make([]*subscriber, 0, len(s.subs))
			for sub := range s.subs {
				subs = append(subs, sub)
			}
			s.mu.Unlock()
			for _, sub := range subs {
				s.offer(sub, payload)
			}
		}
	}
}

func (s *Server) deliver(sub *subscriber, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Warn().Err(err).Msg("drop unencodable reply")
		return
	}
	s.offer(sub, payload)
}

// offer queues payload for sub. A client too slow to drain its queue is
// disconnected rather than allowed to stall the feed.
func (s *Server) offer(sub *subscriber, payload []byte) {
	s.mu.Lock()
	if _, live := s.subs[sub]; !live {
		s.mu.Unlock()
		return
	}
	select {
	case sub.send <- payload:
		s.mu.Unlock()
		return
	default:
	}
	s.mu.Unlock()
	s.log.Warn().Msg("feed client too slow, disconnecting")
	s.drop(sub)
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	if _, live := s.subs[sub]; live {
		delete(s.subs, sub)
		close(sub.send)
	}
	s.mu.Unlock()
	_ = sub.conn.Close()
}

func (s *Server) dropAll() {
	s.mu.Lock()
	subs := make([]*subscriber, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		s.drop(sub)
	}
}

func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.config(""))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
