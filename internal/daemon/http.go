package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type statusSession struct {
	Agent    string `json:"agent"`
	Session  string `json:"session"`
	State    string `json:"state"`
	Inflight int    `json:"inflight"`
	LastSeq  int64  `json:"lastSeq"`
}

type statusResponse struct {
	Agents   any             `json:"agents"`
	Workers  any             `json:"workers"`
	Sessions []statusSession `json:"sessions"`
}

func (d *Daemon) serveHTTP(ctx context.Context) error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/status", d.handleStatus)
	r.Get("/ws", d.handleWebSocket)

	srv := &http.Server{Addr: d.cfg.HTTPAddr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	d.logger.Info("http listening", "addr", d.cfg.HTTPAddr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (d *Daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := make([]statusSession, 0)
	for _, sess := range d.router.Sessions() {
		sessions = append(sessions, statusSession{
			Agent:    sess.Agent,
			Session:  sess.ID,
			State:    sess.State().String(),
			Inflight: sess.InflightCount(),
			LastSeq:  sess.LastSeq(),
		})
	}
	resp := statusResponse{
		Agents:   d.directory.List(),
		Workers:  d.supervisor.List(),
		Sessions: sessions,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		d.logger.Debug("status encode failed", "error", err)
	}
}

// handleWebSocket speaks the same envelope protocol as the unix socket,
// one JSON frame per websocket message.
func (d *Daemon) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	d.serveConn(&wsStream{ws: ws})
}

// wsStream adapts a websocket connection to the byte-stream interface
// the NDJSON codec expects.
type wsStream struct {
	ws      *websocket.Conn
	pending io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.pending != nil {
			n, err := s.pending.Read(p)
			if err == io.EOF {
				s.pending = nil
				if n == 0 {
					continue
				}
				return n, nil
			}
			return n, err
		}
		_, r, err := s.ws.NextReader()
		if err != nil {
			return 0, io.EOF
		}
		s.pending = r
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.ws.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.ws.Close()
}
