package webhost

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/wyysfzj/journey-runtime/internal/logging"
)

// DevHost serves a local harness page and relays bridge traffic over a
// WebSocket. It exists so journeys can be exercised without a mobile
// embedder; it is not a production surface.
type DevHost struct {
	addr       string
	bridgeName string
	log        *logging.Logger

	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	srv        *http.Server
	listenAddr string
}

// NewDevHost creates a DevHost listening on addr (e.g. "127.0.0.1:0").
func NewDevHost(addr, bridgeName string, log *logging.Logger) *DevHost {
	if log == nil {
		log = logging.Nop()
	}
	return &DevHost{
		addr:       addr,
		bridgeName: bridgeName,
		log:        log,
		upgrader: websocket.Upgrader{
			// The harness page is served from this host itself.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Present starts the harness server and returns without waiting for the
// page socket; DispatchToPage fails until the page has connected.
func (h *DevHost) Present(ctx context.Context, pageURL string, onInbound func([]byte), _ []string, _ bool) (Handle, error) {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return nil, fmt.Errorf("devhost: listen: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", h.harnessHandler(pageURL))
	r.Get("/ws", h.socketHandler(onInbound))

	h.srv = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	h.listenAddr = ln.Addr().String()
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.log.WithError(err).Error("devhost server")
		}
	}()

	h.log.WithField("addr", ln.Addr().String()).Infof("devhost presenting %s", pageURL)

	go func() {
		<-ctx.Done()
		_ = h.Close()
	}()

	return h, nil
}

// URL returns the harness address once Present has run.
func (h *DevHost) URL() string {
	if h.listenAddr == "" {
		return ""
	}
	return "http://" + h.listenAddr
}

func (h *DevHost) harnessHandler(pageURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, harnessPage, h.bridgeName, pageURL)
	}
}

func (h *DevHost) socketHandler(onInbound func([]byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.WithError(err).Warn("devhost upgrade")
			return
		}

		h.mu.Lock()
		if h.conn != nil {
			h.conn.Close()
		}
		h.conn = conn
		h.mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if onInbound != nil {
				onInbound(msg)
			}
		}
	}
}

// DispatchToPage sends the script to the connected page for evaluation.
func (h *DevHost) DispatchToPage(script string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conn == nil {
		return errors.New("devhost: no page connected")
	}
	return h.conn.WriteJSON(map[string]string{"script": script})
}

// Close shuts the server and the page socket down.
func (h *DevHost) Close() error {
	h.mu.Lock()
	if h.conn != nil {
		h.conn.Close()
		h.conn = nil
	}
	srv := h.srv
	h.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

const harnessPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>journey dev harness</title></head>
<body>
<pre id="log"></pre>
<script>
  const bridgeName = %q;
  const pageURL = %q;
  const ws = new WebSocket("ws://" + location.host + "/ws");
  const log = (line) => {
    document.getElementById("log").textContent += line + "\n";
  };
  window[bridgeName] = {
    receive: (json) => log("<- " + json),
    post: (msg) => ws.send(JSON.stringify(msg)),
  };
  ws.onmessage = (ev) => {
    const frame = JSON.parse(ev.data);
    if (frame.script) { eval(frame.script); }
  };
  ws.onopen = () => log("connected; journey page: " + pageURL);
</script>
</body>
</html>`
