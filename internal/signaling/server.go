package signaling

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/peercall/peercall/internal/metrics"
	"github.com/peercall/peercall/internal/ratelimit"
	"github.com/peercall/peercall/internal/room"
)

const (
	// writeWait bounds a single websocket write, including control
	// frames, so a stalled peer cannot wedge the write pump.
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection outbound queue. A receiver that
	// falls further behind than this has its frames dropped rather
	// than stalling delivery to its roommates.
	sendBuffer = 64
)

// Config carries the signaling server's collaborators and limits.
type Config struct {
	Registry *room.Registry
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Clock    ratelimit.Clock

	// MaxMessageBytes caps a single inbound frame.
	MaxMessageBytes int64

	// MaxMessagesPerSecond is the per-connection sustained inbound
	// rate; bursts up to the same value are allowed.
	MaxMessagesPerSecond int

	// IdleTimeout closes a connection that produces no frames, pongs
	// included, for this long. PingInterval must be shorter.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// AllowedOrigins is the browser origin allowlist. Empty means
	// same-host only; non-browser clients always pass.
	AllowedOrigins []string
}

// Server accepts websocket connections and relays signaling envelopes
// between members of the same room.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[string]*conn
	closed bool
}

// conn is one accepted websocket with its outbound pump state.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	return &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "signaling")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), r.Host, cfg.AllowedOrigins)
			},
		},
		conns: make(map[string]*conn),
	}
}

// RegisterRoutes mounts the websocket endpoint on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("GET /ws", s)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.logger.Debug("websocket upgrade rejected", slog.Any("error", err))
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	if !s.register(c) {
		ws.Close()
		return
	}

	logger := s.logger.With(
		slog.String("conn_id", c.id),
		slog.String("remote_addr", r.RemoteAddr),
	)
	logger.Info("connection accepted")

	go s.writePump(c, logger)
	s.readLoop(c, logger)

	s.unregister(c)
	s.handleDisconnect(c, logger)
	c.close(websocket.CloseNormalClosure, "")
	logger.Info("connection closed")
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	return true
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
}

// Close drops every live connection. New upgrades are refused after
// this returns.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// readLoop owns all reads on the socket. It returns when the peer goes
// away or violates the protocol; the caller performs room cleanup.
func (s *Server) readLoop(c *conn, logger *slog.Logger) {
	c.ws.SetReadLimit(s.cfg.MaxMessageBytes)
	resetDeadline := func() {
		c.ws.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	resetDeadline()
	c.ws.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	limiter := ratelimit.NewTokenBucket(
		s.cfg.Clock,
		int64(s.cfg.MaxMessagesPerSecond),
		int64(s.cfg.MaxMessagesPerSecond),
	)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", slog.Any("error", err))
			}
			return
		}
		resetDeadline()

		if !limiter.Allow(1) {
			s.cfg.Metrics.Inc(metrics.EventRateLimited)
			logger.Warn("message rate limit exceeded")
			s.sendError(c, errCodeRateLimit, "message rate limit exceeded")
			c.close(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		env, err := parseEnvelope(raw)
		if err != nil {
			s.cfg.Metrics.Inc(metrics.EventProtocolError)
			logger.Warn("protocol error", slog.Any("error", err))
			s.sendError(c, errCodeBadMessage, err.Error())
			c.close(websocket.CloseUnsupportedData, "protocol error")
			return
		}

		s.dispatch(c, env, logger)
	}
}

// writePump owns all writes on the socket, serializing queued frames
// with the keepalive pings.
func (s *Server) writePump(c *conn, logger *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-c.done:
			// Drain what was queued before the close was requested so
			// error envelopes reach the peer ahead of the close frame.
			for {
				select {
				case raw := <-c.send:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
						return
					}
				default:
					c.ws.SetWriteDeadline(time.Now().Add(writeWait))
					c.ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(c.closeCode, c.closeReason))
					return
				}
			}
		case raw := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				logger.Debug("write failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(c *conn, env envelope, logger *slog.Logger) {
	switch env.Type {
	case messageTypeJoinRoom:
		s.handleJoin(c, env, logger)
	case messageTypeLeaveRoom:
		s.handleLeave(c, logger)
	case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
		s.relaySignal(c, env, logger)
	case messageTypeChat:
		s.handleChat(c, env, logger)
	}
}

func (s *Server) handleJoin(c *conn, env envelope, logger *slog.Logger) {
	res := s.cfg.Registry.Join(c.id, env.RoomID, env.Name)

	// Joining while already in another room is an implicit leave; the
	// old roommates hear about it first.
	if res.Left != nil {
		s.notifyDisconnected(res.Left)
	}

	members := make([]memberInfo, 0, len(res.Members))
	for _, m := range res.Members {
		members = append(members, memberInfo{SocketID: m.ConnID, UserName: m.Name})
	}
	s.deliver(c.id, mustMarshalEnvelope(envelope{
		Type:     messageTypeRoomJoined,
		RoomID:   res.Room,
		SocketID: c.id,
		Members:  members,
	}))

	joined := mustMarshalEnvelope(envelope{
		Type:     messageTypeUserConnected,
		SocketID: c.id,
		UserName: res.Member.Name,
	})
	for _, peer := range res.Peers {
		s.deliver(peer.ConnID, joined)
	}

	logger.Info("joined room",
		slog.String("room", res.Room),
		slog.String("name", res.Member.Name),
		slog.Int("members", len(res.Members)),
	)
}

func (s *Server) handleLeave(c *conn, logger *slog.Logger) {
	res, ok := s.cfg.Registry.Leave(c.id)
	if !ok {
		return
	}
	s.notifyDisconnected(&res)
	logger.Info("left room", slog.String("room", res.Room))
}

func (s *Server) handleDisconnect(c *conn, logger *slog.Logger) {
	res, ok := s.cfg.Registry.Leave(c.id)
	if !ok {
		return
	}
	s.notifyDisconnected(&res)
	logger.Info("left room on disconnect", slog.String("room", res.Room))
}

func (s *Server) notifyDisconnected(res *room.LeaveResult) {
	raw := mustMarshalEnvelope(envelope{
		Type:     messageTypeUserDisconnected,
		SocketID: res.Member.ConnID,
		UserName: res.Member.Name,
	})
	for _, peer := range res.Peers {
		s.deliver(peer.ConnID, raw)
	}
}

// relaySignal re-tags a signal envelope with the sender's identity and
// delivers it to the target member, or to every other room member when
// no target is named. A signal with nobody to receive it is dropped.
func (s *Server) relaySignal(c *conn, env envelope, logger *slog.Logger) {
	member, roomID, ok := s.cfg.Registry.Lookup(c.id)
	if !ok {
		logger.Debug("signal from connection outside any room",
			slog.String("type", string(env.Type)))
		s.cfg.Metrics.Inc(metrics.EventSignalDroppedNoPeer)
		return
	}

	out := envelope{
		Type:       env.Type,
		RoomID:     roomID,
		SDP:        env.SDP,
		Candidate:  env.Candidate,
		Sender:     c.id,
		SenderName: member.Name,
	}
	raw := mustMarshalEnvelope(out)

	delivered := 0
	for _, peer := range s.cfg.Registry.Peers(c.id) {
		if env.Target != "" && peer.ConnID != env.Target {
			continue
		}
		if s.deliver(peer.ConnID, raw) {
			delivered++
		}
	}

	if delivered == 0 {
		s.cfg.Metrics.Inc(metrics.EventSignalDroppedNoPeer)
		logger.Debug("signal dropped, no recipient",
			slog.String("type", string(env.Type)),
			slog.String("target", env.Target),
		)
		return
	}
	s.cfg.Metrics.Inc(metrics.EventSignalRelayed)
}

// handleChat stamps the message and rebroadcasts it to the whole room,
// sender included, so every member renders the same ordered log.
func (s *Server) handleChat(c *conn, env envelope, logger *slog.Logger) {
	msg, members, ok := s.cfg.Registry.RecordMessage(c.id, env.Message)
	if !ok {
		logger.Debug("chat from connection outside any room")
		return
	}

	raw := mustMarshalEnvelope(envelope{
		Type:      messageTypeChat,
		ID:        msg.ID,
		UserName:  msg.Sender,
		Message:   msg.Text,
		Timestamp: msg.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	for _, m := range members {
		s.deliver(m.ConnID, raw)
	}
}

// deliver queues raw on the named connection. Frames to a connection
// whose queue is full are dropped; signaling is fire-and-forget and a
// peer that far behind is about to be idle-timed out anyway.
func (s *Server) deliver(connID string, raw []byte) bool {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- raw:
		return true
	default:
		s.logger.Warn("send queue full, dropping frame", slog.String("conn_id", connID))
		return false
	}
}

func (s *Server) sendError(c *conn, code, message string) {
	s.deliver(c.id, mustMarshalEnvelope(envelope{
		Type:    messageTypeError,
		Code:    code,
		Message: message,
	}))
}

// close asks the write pump to finish up: drain the queue, send a
// close frame with the given code, release the socket. Safe to call
// more than once; the first code wins.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}
