package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"nhooyr.io/websocket"

	"github.com/silverpine/hwbridge/internal/message"
)

// WireSettings configures the wire gateway's HTTP listener (spec A3).
type WireSettings struct {
	ListenAddr string
	CallerPath string
	PopupPath  string
}

// WireServer exposes the Message Gateway over two websocket routes (one
// per trust level) plus a health endpoint, the way the wire edge of an
// in-process message bus is commonly fronted by an HTTP router in the
// rest of the pack.
type WireServer struct {
	gw       *Gateway
	settings WireSettings
	logger   *slog.Logger
	server   *http.Server
}

// NewWireServer builds a WireServer. Call Serve to start accepting
// connections; it blocks until ctx is done or the listener fails.
func NewWireServer(gw *Gateway, settings WireSettings, logger *slog.Logger) *WireServer {
	if logger == nil {
		logger = slog.Default()
	}
	ws := &WireServer{gw: gw, settings: settings, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", ws.handleHealth)
	r.Get(settings.CallerPath, ws.handleConn(false))
	r.Get(settings.PopupPath, ws.handleConn(true))

	ws.server = &http.Server{Addr: settings.ListenAddr, Handler: r}
	return ws
}

// Serve starts the HTTP listener and blocks until ctx is canceled, then
// shuts down within a bounded grace period.
func (ws *WireServer) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return ws.server.Shutdown(shutdownCtx)
	}
}

func (ws *WireServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (ws *WireServer) handleConn(trusted bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: !trusted,
		})
		if err != nil {
			ws.logger.Warn("websocket accept failed", "trusted", trusted, "error", err)
			return
		}
		defer conn.CloseNow() //nolint:errcheck

		ctx := r.Context()
		sub := ws.gw.Subscribe()
		defer ws.gw.Unsubscribe(sub)

		go ws.writeLoop(ctx, conn, sub)
		ws.readLoop(ctx, conn, trusted)
	}
}

func (ws *WireServer) writeLoop(ctx context.Context, conn *websocket.Conn, sub chan message.CoreMessage) {
	for {
		select {
		case msg, ok := <-sub:
			if !ok {
				return
			}
			b, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (ws *WireServer) readLoop(ctx context.Context, conn *websocket.Conn, trusted bool) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg message.CoreMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			ws.logger.Warn("malformed inbound frame", "error", err)
			continue
		}
		ws.gw.HandleInbound(ctx, msg, trusted)
	}
}
