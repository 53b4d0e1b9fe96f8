// Package server pushes the live event streams to WebSocket clients and
// serves the recorded sessions over a small read-only REST API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lowaak/smart-trainer/heart-beat/internal/bt"
	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
	"github.com/lowaak/smart-trainer/heart-beat/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/heart-beat/internal/hr"
	"github.com/lowaak/smart-trainer/heart-beat/internal/session"
	"github.com/lowaak/smart-trainer/heart-beat/internal/workout"
)

const (
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	shutdownTimeout = 5 * time.Second
)

// Sources are the broadcasters pushed to clients. Nil entries are skipped.
type Sources struct {
	Samples       *events.Broadcaster[hr.FilteredSample]
	Progress      *events.Broadcaster[workout.SessionProgress]
	Battery       *events.Broadcaster[hr.BatteryLevel]
	Connection    *events.Broadcaster[bt.ConnectionStatus]
	Scan          *events.Broadcaster[bt.ScanResult]
	Notifications *events.Broadcaster[workout.Notification]
}

type Server struct {
	sources  Sources
	store    session.Store
	logger   *log.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}

	doneChan  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewServer(sources Sources, store session.Store, logger *log.Logger) *Server {
	if store == nil {
		panic("Server: store cannot be nil")
	}
	if logger == nil {
		panic("Server: logger cannot be nil")
	}
	s := &Server{
		sources:  sources,
		store:    store,
		logger:   logger,
		clients:  make(map[*websocket.Conn]struct{}),
		doneChan: make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}
	return s
}

// Handler returns the routes of the server
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/export", s.handleExportSession)
	return mux
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, listener)
}

func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go_func_utils.SafeGo(s.logger, func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("Server: Error shutting down: %v", err)
		}
		s.Close()
	})

	s.logger.Printf("Server: Listening on http://%s", listener.Addr())
	err := httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close disconnects every WebSocket client and waits for their pumps
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.doneChan)
		s.mu.Lock()
		for conn := range s.clients {
			_ = conn.Close()
		}
		s.mu.Unlock()
	})
	s.wg.Wait()
}

func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// addClient registers conn and reserves the wait group slots of its two
// pumps, so Close cannot start waiting between registration and launch
func (s *Server) addClient(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.doneChan:
		return false
	default:
	}
	s.clients[conn] = struct{}{}
	s.wg.Add(2)
	return true
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.mu.Lock()
	delete(s.clients, conn)
	s.mu.Unlock()
	_ = conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("Server: WebSocket upgrade error: %v", err)
		return
	}
	if !s.addClient(conn) {
		_ = conn.Close()
		return
	}
	s.logger.Printf("Server: WebSocket client connected: %s", r.RemoteAddr)

	// subscribe before the pump starts so nothing published from here on is missed
	subs := subscribeAll(s.sources)
	readerDone := make(chan struct{})

	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		defer close(readerDone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	go_func_utils.SafeGo(s.logger, func() {
		defer s.wg.Done()
		defer func() {
			subs.unsubscribe()
			s.removeClient(conn)
			s.logger.Printf("Server: WebSocket client disconnected: %s", r.RemoteAddr)
		}()
		s.writePump(conn, subs, readerDone)
	})
}

// clientSubs holds one client's own subscriptions, so a slow client only
// loses its own oldest events
type clientSubs struct {
	samples       *events.Subscription[hr.FilteredSample]
	progress      *events.Subscription[workout.SessionProgress]
	battery       *events.Subscription[hr.BatteryLevel]
	connection    *events.Subscription[bt.ConnectionStatus]
	scan          *events.Subscription[bt.ScanResult]
	notifications *events.Subscription[workout.Notification]
}

func subscribe[T any](b *events.Broadcaster[T]) *events.Subscription[T] {
	if b == nil {
		return nil
	}
	return b.Subscribe()
}

func channelOf[T any](sub *events.Subscription[T]) <-chan T {
	if sub == nil {
		return nil
	}
	return sub.C()
}

func subscribeAll(sources Sources) *clientSubs {
	return &clientSubs{
		samples:       subscribe(sources.Samples),
		progress:      subscribe(sources.Progress),
		battery:       subscribe(sources.Battery),
		connection:    subscribe(sources.Connection),
		scan:          subscribe(sources.Scan),
		notifications: subscribe(sources.Notifications),
	}
}

func (c *clientSubs) unsubscribe() {
	if c.samples != nil {
		c.samples.Unsubscribe()
	}
	if c.progress != nil {
		c.progress.Unsubscribe()
	}
	if c.battery != nil {
		c.battery.Unsubscribe()
	}
	if c.connection != nil {
		c.connection.Unsubscribe()
	}
	if c.scan != nil {
		c.scan.Unsubscribe()
	}
	if c.notifications != nil {
		c.notifications.Unsubscribe()
	}
}

func (s *Server) writePump(conn *websocket.Conn, subs *clientSubs, readerDone <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	samples := channelOf(subs.samples)
	progress := channelOf(subs.progress)
	battery := channelOf(subs.battery)
	connection := channelOf(subs.connection)
	scan := channelOf(subs.scan)
	notifications := channelOf(subs.notifications)

	write := func(msgType MessageType, payload any) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(Envelope{Type: msgType, Payload: payload}); err != nil {
			s.logger.Printf("Server: WebSocket write error: %v", err)
			return false
		}
		return true
	}

	for {
		// a closed subscription channel is set to nil so it never fires again
		ok := true
		select {
		case <-s.doneChan:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-readerDone:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case sample, open := <-samples:
			if !open {
				samples = nil
				continue
			}
			ok = write(MsgSample, sample)
		case p, open := <-progress:
			if !open {
				progress = nil
				continue
			}
			ok = write(MsgProgress, newProgressPayload(p))
		case level, open := <-battery:
			if !open {
				battery = nil
				continue
			}
			ok = write(MsgBattery, newBatteryPayload(level))
		case status, open := <-connection:
			if !open {
				connection = nil
				continue
			}
			ok = write(MsgConnection, newConnectionPayload(status))
		case result, open := <-scan:
			if !open {
				scan = nil
				continue
			}
			ok = write(MsgScan, result)
		case n, open := <-notifications:
			if !open {
				notifications = nil
				continue
			}
			ok = write(MsgNotification, newNotificationPayload(n))
		}
		if !ok {
			return
		}
	}
}

// checkOrigin accepts same-host and loopback origins, and clients that send none
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		s.logger.Printf("Server: Error encoding response: %v", err)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrUnsupportedFormat):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Printf("Server: Store error: %v", err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	previews, err := s.store.List(r.Context())
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if previews == nil {
		previews = []session.SummaryPreview{}
	}
	s.writeJSON(w, http.StatusOK, previews)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	completed, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, completed)
}

var exportContentTypes = map[session.Format]string{
	session.FormatCSV:     "text/csv; charset=utf-8",
	session.FormatJSON:    "application/json",
	session.FormatSummary: "text/plain; charset=utf-8",
}

func (s *Server) handleExportSession(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("format")
	if strings.TrimSpace(code) == "" {
		code = string(session.FormatJSON)
	}
	format, err := session.ParseFormat(code)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	id := r.PathValue("id")
	data, err := s.store.Export(r.Context(), id, format)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", exportContentTypes[format])
	if format == session.FormatCSV {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".csv"))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Printf("Server: Error writing export: %v", err)
	}
}
