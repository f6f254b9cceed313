package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// InboundFrame is a chat message received from a websocket peer.
type InboundFrame struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name,omitempty"`
	Platform string `json:"platform,omitempty"`
	Text     string `json:"text"`
}

// OutboundFrame is a reply sent to a websocket peer.
type OutboundFrame struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
}

// NameLookup resolves a user id to a display name.
type NameLookup interface {
	LookupName(ctx context.Context, userID string) (string, error)
}

// WebSocket is a host that accepts gateway connections on /ws. Each peer
// may multiplex many users; every inbound frame is handled on its own
// goroutine so users do not wait on each other.
type WebSocket struct {
	addr        string
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	directories map[string]NameLookup

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
	draining bool
}

// NewWebSocket creates a websocket host listening on addr.
func NewWebSocket(addr string, logger *slog.Logger) (*WebSocket, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &WebSocket{
		addr:   addr,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		directories: make(map[string]NameLookup),
		ready:       make(chan struct{}),
	}, nil
}

// WithDirectory enables display-name lookups for sessions from platform.
// Call before Run.
func (h *WebSocket) WithDirectory(platform string, lookup NameLookup) {
	h.directories[platform] = lookup
}

// Addr returns the bound address once Run is listening.
func (h *WebSocket) Addr() string {
	<-h.ready
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return ""
	}
	return h.listener.Addr().String()
}

// Run serves until ctx is done, then waits for in-flight handlers. Handlers
// run on a context that shutdown does not cancel, so turns already in
// progress finish; their replies may no longer reach a closed peer.
func (h *WebSocket) Run(ctx context.Context, handle Handler) error {
	listener, err := net.Listen("tcp", h.addr)
	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()
	close(h.ready)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}

	var handlers sync.WaitGroup
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		if h.draining {
			h.mu.Unlock()
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		handlers.Add(1)
		h.mu.Unlock()
		defer handlers.Done()

		h.serveConn(ctx, w, r, handle, &handlers)
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			h.logger.Error("failed to shutdown websocket host", "error", err)
		}
	}()

	h.logger.Info("websocket host listening", "addr", listener.Addr().String())
	err = server.Serve(listener)

	h.mu.Lock()
	h.draining = true
	h.mu.Unlock()
	handlers.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (h *WebSocket) serveConn(ctx context.Context, w http.ResponseWriter, r *http.Request, handle Handler, handlers *sync.WaitGroup) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket connection", "remote", r.RemoteAddr, "error", err)
		return
	}

	peer := &wsPeer{conn: conn}
	defer peer.close()
	h.logger.Info("gateway connected", "remote", r.RemoteAddr)

	// Hijacked connections are not closed by Shutdown.
	stop := context.AfterFunc(ctx, peer.close)
	defer stop()

	for {
		var frame InboundFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				h.logger.Warn("websocket read failed", "remote", r.RemoteAddr, "error", err)
			}
			h.logger.Info("gateway disconnected", "remote", r.RemoteAddr)
			return
		}
		if frame.UserID == "" {
			h.logger.Warn("dropping frame without user_id", "remote", r.RemoteAddr)
			continue
		}

		sess := h.session(peer, frame)
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			handle(context.WithoutCancel(ctx), sess)
		}()
	}
}

func (h *WebSocket) session(peer *wsPeer, frame InboundFrame) *Session {
	name := frame.UserName
	if name == "" {
		name = frame.UserID
	}

	var bot Bot = &wsBot{peer: peer, platform: frame.Platform}
	if lookup, ok := h.directories[frame.Platform]; ok {
		bot = &wsDirectoryBot{wsBot: bot.(*wsBot), lookup: lookup}
	}

	return &Session{
		UserID:   frame.UserID,
		UserName: name,
		Platform: frame.Platform,
		Text:     frame.Text,
		Bot:      bot,
	}
}

// wsPeer serializes writes; gorilla connections allow one concurrent writer.
type wsPeer struct {
	conn *websocket.Conn
	mu   sync.Mutex
	once sync.Once
}

func (p *wsPeer) write(frame OutboundFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return p.conn.WriteJSON(frame)
}

func (p *wsPeer) close() {
	p.once.Do(func() {
		p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		p.conn.Close()
	})
}

type wsBot struct {
	peer     *wsPeer
	platform string
}

func (b *wsBot) Platform() string {
	return b.platform
}

func (b *wsBot) Send(ctx context.Context, userID, text string) error {
	if err := b.peer.write(OutboundFrame{UserID: userID, Text: text}); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

type wsDirectoryBot struct {
	*wsBot
	lookup NameLookup
}

func (b *wsDirectoryBot) LookupName(ctx context.Context, userID string) (string, error) {
	return b.lookup.LookupName(ctx, userID)
}
