// Package server is the HTTP/WebSocket control surface UI layers attach
// to. The front ends themselves live elsewhere; this only exposes the
// supervisor's consumer API.
package server

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/loppo-llc/minder/internal/notify"
	"github.com/loppo-llc/minder/internal/queue"
	"github.com/loppo-llc/minder/internal/recovery"
)

type Server struct {
	manager *recovery.Manager
	queue   *queue.Queue
	pusher  *notify.Pusher
	logger  *slog.Logger
	httpSrv *http.Server
	version string

	eventMu   sync.Mutex
	eventSubs map[chan []byte]struct{}
}

type Config struct {
	Addr    string
	Logger  *slog.Logger
	Version string
	Manager *recovery.Manager
	Queue   *queue.Queue
	Pusher  *notify.Pusher
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		manager:   cfg.Manager,
		queue:     cfg.Queue,
		pusher:    cfg.Pusher,
		logger:    logger,
		version:   cfg.Version,
		eventSubs: make(map[chan []byte]struct{}),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/info", s.handleInfo)
	mux.HandleFunc("GET /api/v1/session", s.handleSession)
	mux.HandleFunc("POST /api/v1/message", s.handleMessage)
	mux.HandleFunc("POST /api/v1/interrupt", s.handleInterrupt)
	mux.HandleFunc("POST /api/v1/escape", s.handleEscape)
	mux.HandleFunc("POST /api/v1/resize", s.handleResize)
	mux.HandleFunc("POST /api/v1/recover", s.handleRecover)
	mux.HandleFunc("GET /api/v1/context", s.handleContext)
	mux.HandleFunc("GET /api/v1/queue", s.handleQueueList)
	mux.HandleFunc("POST /api/v1/queue", s.handleQueueAdd)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	// Web Push notifications
	mux.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	s.manager.Stop()
	return s.httpSrv.Shutdown(ctx)
}

// PublishEvent broadcasts a supervisor event to connected WebSocket
// clients. Wired to the recovery manager's event callbacks in main.
func (s *Server) PublishEvent(kind string, data any) {
	payload, err := json.Marshal(map[string]any{
		"type":  "event",
		"event": kind,
		"data":  data,
	})
	if err != nil {
		return
	}
	s.eventMu.Lock()
	for ch := range s.eventSubs {
		select {
		case ch <- payload:
		default:
		}
	}
	s.eventMu.Unlock()
}

func (s *Server) subscribeEvents() chan []byte {
	ch := make(chan []byte, 64)
	s.eventMu.Lock()
	s.eventSubs[ch] = struct{}{}
	s.eventMu.Unlock()
	return ch
}

func (s *Server) unsubscribeEvents(ch chan []byte) {
	s.eventMu.Lock()
	delete(s.eventSubs, ch)
	s.eventMu.Unlock()
	close(ch)
}

// --- API Handlers ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"version":  s.version,
		"hostname": hostname,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"session":  s.manager.SessionInfo(),
		"recovery": s.manager.GetRecoveryState(),
		"health":   s.manager.GetHealthStatus(),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "text is required")
		return
	}

	resp, err := s.manager.SendMessage(r.Context(), req.Text, nil)
	if err != nil {
		writeError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"response": resp})
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.SendInterrupt(); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleEscape(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.SendEscape(); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cols int `json:"cols"`
		Rows int `json:"rows"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Cols <= 0 || req.Rows <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "cols and rows are required")
		return
	}
	if err := s.manager.Resize(uint16(req.Cols), uint16(req.Rows)); err != nil {
		writeError(w, http.StatusConflict, "conflict", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	go func() {
		if err := s.manager.InitiateRecovery("manual trigger"); err != nil {
			s.logger.Warn("manual recovery failed", "err", err)
		}
	}()
	writeJSONResponse(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]string{
		"context": base64.StdEncoding.EncodeToString(s.manager.ContextBuffer()),
	})
}

func (s *Server) handleQueueList(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.queue.Pending()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleQueueAdd(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "text is required")
		return
	}
	msg, err := s.queue.Add(req.Text)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, msg)
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.pusher == nil {
		writeError(w, http.StatusNotFound, "not_found", "push notifications disabled")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"key": s.pusher.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.pusher == nil {
		writeError(w, http.StatusNotFound, "not_found", "push notifications disabled")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil || sub.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.pusher.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.pusher == nil {
		writeError(w, http.StatusNotFound, "not_found", "push notifications disabled")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "endpoint is required")
		return
	}
	s.pusher.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
