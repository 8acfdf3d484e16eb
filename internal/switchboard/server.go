package switchboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cklxx/orchestrate/internal/async"
	"github.com/cklxx/orchestrate/internal/logging"
)

// heartbeatInterval is the ping cadence; clients silent for two intervals
// are terminated.
const heartbeatInterval = 30 * time.Second

// Config configures a Server.
type Config struct {
	Addr          string // e.g. ":7077"
	StateFilePath string // inbox persistence file
}

// Server is the switchboard daemon: gin HTTP surface plus a WebSocket push
// channel, backed by a Store for inbox persistence.
type Server struct {
	cfg      Config
	engine   *gin.Engine
	store    *Store
	presence *presenceTable
	hub      *hub
	ids      idGenerator
	logger   logging.Logger
	upgrader websocket.Upgrader
	metrics  *Metrics
	started  time.Time
}

// New builds a Server and loads its inbox store from disk. registry may be
// nil to disable Prometheus registration (tests typically pass
// prometheus.NewRegistry()).
func New(cfg Config, logger logging.Logger, registry prometheus.Registerer) (*Server, error) {
	store := NewStore(cfg.StateFilePath)
	if err := store.Load(); err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		store:    store,
		presence: newPresenceTable(),
		hub:      newHub(),
		logger:   logging.OrNop(logger),
		started:  time.Now().UTC(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if registry != nil {
		s.metrics = MustNewMetrics(registry, func() float64 { return float64(s.store.TotalUndelivered()) }, func() float64 { return float64(s.hub.len()) })
	}
	s.engine = s.buildEngine(registry)
	return s, nil
}

// Handler returns the daemon's http.Handler, for tests and for embedding
// inside an http.Server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves the daemon until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.engine}

	errCh := make(chan error, 1)
	async.Go(s.logger, "switchboard-listener", func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) buildEngine(registry prometheus.Registerer) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.Default())

	engine.GET("/health", s.handleHealth)
	engine.POST("/register", s.handleRegister)
	engine.GET("/agents", s.handleListAgents)
	engine.POST("/emit", s.handleEmit)
	engine.GET("/inbox/:agent", s.handlePullInbox)
	engine.DELETE("/inbox/:agent/:id", s.handleAckMessage)
	engine.DELETE("/inbox/:agent", s.handlePurgeInbox)
	engine.GET("/ws", s.handleWebSocket)
	if registry != nil {
		gatherer, ok := registry.(prometheus.Gatherer)
		if !ok {
			gatherer = prometheus.DefaultGatherer
		}
		engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":               "ok",
		"uptime_seconds":       int(time.Since(s.started).Seconds()),
		"inboxes":              s.store.InboxCount(),
		"agents":               s.presence.len(),
		"connected":            s.hub.len(),
		"undelivered_messages": s.store.TotalUndelivered(),
	})
}

type registerRequest struct {
	Name string `json:"name" binding:"required"`
	Cwd  string `json:"cwd"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := s.presence.register(req.Name, req.Cwd, time.Now().UTC())
	c.JSON(http.StatusOK, p)
}

// agentInfo decorates a presence entry with its inbox depth for GET /agents.
type agentInfo struct {
	Presence
	InboxSize int `json:"inbox_size"`
}

func (s *Server) handleListAgents(c *gin.Context) {
	entries := s.presence.snapshot()
	out := make([]agentInfo, 0, len(entries))
	for _, p := range entries {
		out = append(out, agentInfo{Presence: p, InboxSize: s.store.InboxLen(p.Name)})
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

type emitRequest struct {
	From     string         `json:"from"`
	To       string         `json:"to" binding:"required"`
	Kind     Kind           `json:"kind"`
	Priority Priority       `json:"priority"`
	Subject  string         `json:"subject"`
	Body     string         `json:"body"`
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleEmit(c *gin.Context) {
	var req emitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	msg := s.emit(req.From, req.To, req.Kind, req.Priority, req.Subject, req.Body, req.Metadata)
	c.JSON(http.StatusOK, gin.H{"id": msg.ID})
}

// emit assigns an id and timestamp, persists the message, pushes it to a
// live WebSocket connection if one exists, and returns the stored message.
func (s *Server) emit(from, to string, kind Kind, priority Priority, subject, body string, metadata map[string]any) Message {
	msg := Message{
		ID:        s.ids.next(),
		From:      from,
		To:        to,
		Kind:      kind,
		Priority:  priority.orDefault(),
		Subject:   subject,
		Body:      body,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	if err := s.store.Emit(msg); err != nil {
		s.logger.Warn("switchboard: persist message for %s: %v", to, err)
	}
	if s.metrics != nil {
		s.metrics.messagesEmitted.Inc()
	}
	if conn, ok := s.hub.get(to); ok {
		if err := conn.send(frame{Type: "message", Message: &msg}); err != nil {
			s.logger.Warn("switchboard: push to %s: %v", to, err)
		}
	}
	return msg
}

func (s *Server) handlePullInbox(c *gin.Context) {
	agent := c.Param("agent")
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	s.presence.touch(agent, time.Now().UTC())
	c.JSON(http.StatusOK, gin.H{"messages": s.store.Pull(agent, limit)})
}

func (s *Server) handleAckMessage(c *gin.Context) {
	agent := c.Param("agent")
	id := c.Param("id")
	msg, found, err := s.store.Ack(agent, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
		return
	}
	if s.metrics != nil {
		s.metrics.messagesAcked.Inc()
	}
	s.notifySender(msg)
	c.JSON(http.StatusOK, gin.H{"acked": id})
}

// notifySender pushes {type:"ack", id} to msg's original sender if it has
// a live WebSocket connection.
func (s *Server) notifySender(msg Message) {
	if msg.From == "" {
		return
	}
	conn, ok := s.hub.get(msg.From)
	if !ok {
		return
	}
	if err := conn.send(frame{Type: "ack", ID: msg.ID}); err != nil {
		s.logger.Warn("switchboard: notify sender %s of ack %s: %v", msg.From, msg.ID, err)
	}
}

func (s *Server) handlePurgeInbox(c *gin.Context) {
	agent := c.Param("agent")
	if err := s.store.Purge(agent); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": agent})
}

func (s *Server) handleWebSocket(c *gin.Context) {
	agent := c.Query("agent")
	if agent == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent query parameter is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("switchboard: upgrade for %s: %v", agent, err)
		return
	}

	ws := &wsConn{agent: agent, conn: conn}
	s.hub.add(agent, ws)
	now := time.Now().UTC()
	s.presence.setConnected(agent, true, now)

	pending := s.store.Pull(agent, 0)
	if err := ws.send(frame{Type: "connected", Agent: agent, Pending: len(pending), Timestamp: now}); err != nil {
		s.logger.Warn("switchboard: send connected frame to %s: %v", agent, err)
	}

	// Stream the backlog. Messages stay in the inbox until the client
	// explicitly acks each one.
	for i := range pending {
		if err := ws.send(frame{Type: "message", Message: &pending[i]}); err != nil {
			s.logger.Warn("switchboard: replay pending to %s: %v", agent, err)
			break
		}
	}

	s.serveConnection(c.Request.Context(), agent, conn, ws)
}

// serveConnection runs the read loop and heartbeat ticker until the
// connection closes or ctx is cancelled, then deregisters it.
func (s *Server) serveConnection(ctx context.Context, agent string, conn *websocket.Conn, ws *wsConn) {
	var lastSeen atomic.Int64
	lastSeen.Store(time.Now().UnixNano())

	done := make(chan struct{})
	defer close(done)

	async.Go(s.logger, "switchboard-heartbeat-"+agent, func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastSeen.Load())) > 2*heartbeatInterval {
					s.logger.Warn("switchboard: %s unresponsive, closing", agent)
					conn.Close()
					return
				}
				if err := ws.send(frame{Type: "ping", Timestamp: time.Now().UTC()}); err != nil {
					return
				}
			}
		}
	})

	defer func() {
		conn.Close()
		s.hub.remove(agent, ws)
		s.presence.setConnected(agent, false, time.Now().UTC())
	}()

	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		lastSeen.Store(time.Now().UnixNano())
		s.presence.touch(agent, time.Now().UTC())
		s.handleFrame(agent, ws, f)
	}
}

func (s *Server) handleFrame(agent string, ws *wsConn, f frame) {
	switch f.Type {
	case "emit":
		msg := s.emit(agent, f.To, f.Kind, f.Priority, f.Subject, f.Body, f.Metadata)
		ws.send(frame{Type: "emitted", ID: msg.ID})
	case "ack":
		msg, found, err := s.store.Ack(agent, f.ID)
		if err != nil {
			s.logger.Warn("switchboard: ack %s/%s: %v", agent, f.ID, err)
			return
		}
		if !found {
			return
		}
		if s.metrics != nil {
			s.metrics.messagesAcked.Inc()
		}
		s.notifySender(msg)
	case "ping":
		ws.send(frame{Type: "pong", Timestamp: time.Now().UTC()})
	case "pong":
		if s.metrics != nil {
			s.metrics.heartbeats.Inc()
		}
	}
}
