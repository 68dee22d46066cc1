package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/time/rate"

	"github.com/chosenoffset/activedoc/pkg/activedoc/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	sendQueueSize  = 64
	maxInboundSize = 64 * 1024
)

var (
	errClientClosed  = errors.New("client closed")
	errSendQueueFull = errors.New("client send queue full")
)

// Options configures a Server.
type Options struct {
	Port       int
	MaxClients int
	// AllowedOrigins lists extra WebSocket origins besides localhost.
	AllowedOrigins []string
	// ConnectRate limits new WebSocket connections per second, with bursts of
	// ConnectBurst. Zero disables the limit.
	ConnectRate  float64
	ConnectBurst int
	Logger       *slog.Logger
}

// Server serves the hub over WebSocket and a small HTTP API.
type Server struct {
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
	router   *gin.Engine
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu       sync.Mutex
	server   *http.Server
	getRules func() any
}

// NewServer builds a server for hub. Call Start to listen.
func NewServer(hub *Hub, opts Options) *Server {
	if opts.MaxClients <= 0 {
		opts.MaxClients = 100
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		hub:    hub,
		opts:   opts,
		logger: opts.Logger,
	}
	if opts.ConnectRate > 0 {
		burst := max(opts.ConnectBurst, 1)
		s.limiter = rate.NewLimiter(rate.Limit(opts.ConnectRate), burst)
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin:     s.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("activedoc"), metrics.Middleware())

	r.GET("/ws", s.handleWebSocket)
	r.GET("/api/rules", s.handleRules)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// Handler returns the HTTP handler, for embedding or tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetRulesProvider sets the source of the /api/rules response.
func (s *Server) SetRulesProvider(getRules func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getRules = getRules
}

// Start listens on the configured port and blocks until Stop is called.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.opts.Port))
	if err != nil {
		return fmt.Errorf("listen on :%d: %w", s.opts.Port, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln and blocks until Stop is called.
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("dashboard listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

// Stop closes every client connection, then shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Shutdown()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// checkOrigin allows requests without an Origin header, any localhost
// origin, and the configured extra origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.AllowedOrigins, origin) {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

func (s *Server) handleRules(c *gin.Context) {
	s.mu.Lock()
	getRules := s.getRules
	s.mu.Unlock()

	var data any = []any{}
	if getRules != nil {
		data = getRules()
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"data":   data,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"clients": s.hub.Clients(),
	})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		c.String(http.StatusTooManyRequests, "Too many connection attempts")
		return
	}
	if !s.hub.Reserve(s.opts.MaxClients) {
		c.String(http.StatusServiceUnavailable, "Maximum clients reached")
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.hub.Release()
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(uuid.NewString(), conn, s.logger)
	go client.writePump()
	s.hub.Connect(client)

	client.readPump()
	s.hub.Disconnect(client)
	_ = client.Close()
}

// wsClient adapts a WebSocket connection to the Client interface. Outbound
// messages go through a buffered queue drained by writePump.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func newWSClient(id string, conn *websocket.Conn, logger *slog.Logger) *wsClient {
	return &wsClient{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("client", id),
	}
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) Open() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

func (c *wsClient) Send(message []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errClientClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		return errSendQueueFull
	}
}

// Close stops the write pump. Messages already queued are flushed before the
// close frame is written.
func (c *wsClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// readPump logs inbound frames and returns when the connection fails.
func (c *wsClient) readPump() {
	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		c.logger.Debug("ignoring inbound message", "bytes", len(msg))
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *wsClient) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsClient) write(messageType int, data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
