package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

// WebSocket message types
type WSMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type WSOutputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSContextMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSInputMsg struct {
	Type string `json:"type"`
	Data string `json:"data"` // base64
}

type WSResizeMsg struct {
	Type string `json:"type"`
	Cols int    `json:"cols"`
	Rows int    `json:"rows"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(64 * 1024) // 64KB max for terminal input

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	s.logger.Info("websocket connected")

	// raw output survives session replacement across recoveries
	outCh := s.manager.Subscribe()
	defer s.manager.Unsubscribe(outCh)
	evCh := s.subscribeEvents()
	defer s.unsubscribeEvents(evCh)

	// send the recent context buffer so the client can render history
	if buf := s.manager.ContextBuffer(); len(buf) > 0 {
		msg := WSContextMsg{
			Type: "context",
			Data: base64.StdEncoding.EncodeToString(buf),
		}
		if err := writeJSON(ctx, conn, msg); err != nil {
			return
		}
	}

	// read from client
	go s.wsReadLoop(ctx, cancel, conn)

	// keepalive: ping every 30s to detect dead connections on mobile
	go s.wsPingLoop(ctx, cancel, conn)

	// write to client
	s.wsWriteLoop(ctx, conn, outCh, evCh)
}

func (s *Server) wsPingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				s.logger.Debug("websocket ping failed", "err", err)
				return
			}
		}
	}
}

func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Debug("invalid ws message", "err", err)
			continue
		}

		switch msg.Type {
		case "input":
			var input WSInputMsg
			if err := json.Unmarshal(data, &input); err != nil {
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(input.Data)
			if err != nil {
				continue
			}
			if err := s.manager.SendRawInput(decoded); err != nil {
				s.logger.Debug("pty write error", "err", err)
			}

		case "resize":
			var resize WSResizeMsg
			if err := json.Unmarshal(data, &resize); err != nil {
				continue
			}
			if err := s.manager.Resize(uint16(resize.Cols), uint16(resize.Rows)); err != nil {
				s.logger.Debug("pty resize error", "err", err)
			}

		default:
			s.logger.Debug("unknown ws message type", "type", msg.Type)
		}
	}
}

func (s *Server) wsWriteLoop(ctx context.Context, conn *websocket.Conn, outCh, evCh chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-outCh:
			if !ok {
				return
			}
			msg := WSOutputMsg{
				Type: "output",
				Data: base64.StdEncoding.EncodeToString(data),
			}
			if err := writeJSON(ctx, conn, msg); err != nil {
				return
			}
		case payload, ok := <-evCh:
			if !ok {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
