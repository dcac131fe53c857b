package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxloop/voxloop/internal/app"
	"github.com/voxloop/voxloop/internal/config"
	"github.com/voxloop/voxloop/internal/health"
	"github.com/voxloop/voxloop/internal/observe"
	"github.com/voxloop/voxloop/pkg/event"
	"github.com/voxloop/voxloop/pkg/types"
)

// clientMessage is a text frame sent by the client over the session socket.
// Binary frames carry raw audio and need no envelope.
type clientMessage struct {
	// Type is "text" or "interrupt".
	Type string `json:"type"`

	// Text is the user message for Type "text".
	Text string `json:"text,omitempty"`
}

// server hosts the HTTP surface: the /v1/session WebSocket endpoint, the
// Prometheus /metrics scrape target, and /healthz.
type server struct {
	app *app.App
	log *slog.Logger
}

// newHTTPServer builds the HTTP server with all routes registered.
func newHTTPServer(cfg *config.Config, application *app.App) *http.Server {
	srv := &server{app: application, log: slog.Default()}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/session", srv.handleSession)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/sessions", srv.handleSessions)

	health.New([]health.Checker{{
		Name: "history",
		Check: func(ctx context.Context) error {
			_, err := application.History().Recent(ctx, "healthcheck", time.Second)
			return err
		},
	}}).Register(mux)

	return &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(application.Metrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// handleSessions lists the active sessions.
func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions": s.app.Sessions().Active(),
	})
}

// handleSession upgrades the connection to a WebSocket and binds it to a new
// session. Binary frames are audio input; text frames are JSON client
// messages. Session events stream back to the client as JSON text frames, in
// commit order.
func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	queue := event.NewQueue(0)
	sess, err := s.app.Sessions().Create(queue)
	if err != nil {
		s.log.Error("session create failed", "err", err)
		conn.Close(websocket.StatusInternalError, "session create failed")
		return
	}
	log := s.log.With("session_id", sess.ID())

	ctx := r.Context()

	// Writer: drain the event queue to the socket. The queue preserves commit
	// order; a single writer goroutine keeps frames ordered on the wire.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		// Closing the queue on a write failure keeps the session from
		// blocking on Emit with nobody left to drain.
		defer queue.Close()
		for {
			select {
			case ev := <-queue.Events():
				if err := writeEvent(ctx, conn, ev); err != nil {
					return
				}
			case <-queue.Done():
				for _, ev := range queue.Drain() {
					if err := writeEvent(ctx, conn, ev); err != nil {
						return
					}
				}
				return
			}
		}
	}()

	// Reader: forward client frames into the session until the peer hangs up.
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && !errors.Is(err, context.Canceled) {
				log.Debug("websocket read ended", "err", err)
			}
			break
		}

		switch typ {
		case websocket.MessageBinary:
			err = sess.ProcessAudio(data)
		case websocket.MessageText:
			var msg clientMessage
			if jsonErr := json.Unmarshal(data, &msg); jsonErr != nil {
				err = &types.InputError{Reason: "malformed client message: " + jsonErr.Error()}
			} else {
				switch msg.Type {
				case "text":
					err = sess.ProcessText(msg.Text)
				case "interrupt":
					err = sess.Interrupt()
				default:
					err = &types.InputError{Reason: "unknown message type " + msg.Type}
				}
			}
		}

		if err != nil {
			var fatal *types.SessionFatalError
			if errors.As(err, &fatal) {
				log.Warn("session rejected input", "err", err)
				conn.Close(websocket.StatusInternalError, "session unavailable")
				break
			}
			// Input and state errors are per-message; tell the client and
			// keep the connection.
			log.Debug("input rejected", "err", err)
		}
	}

	// Teardown: stopping the session emits session.closed; closing the queue
	// afterwards lets the writer flush the remaining events first.
	if err := s.app.Sessions().Stop(sess.ID()); err != nil {
		log.Debug("session already stopped", "err", err)
	}
	queue.Close()
	<-writerDone
	conn.Close(websocket.StatusNormalClosure, "session ended")
}

// writeEvent marshals ev and writes it as one text frame.
func writeEvent(ctx context.Context, conn *websocket.Conn, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}
