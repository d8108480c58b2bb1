package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
)

// Handler receives every frame read from an established session.
type Handler interface {
	Handle(ctx context.Context, player string, raw []byte, codec protocol.Codec) error
}

type Config struct {
	Version       string
	CatalogDigest string
	// Tokens maps join tokens to the player they authenticate.
	Tokens map[string]string

	QueueSize        int
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	MaxMessageBytes  int64

	RatePerSecond float64
	Burst         int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 20
	}
	if c.Burst <= 0 {
		c.Burst = 40
	}
	return c
}

// Server accepts player connections and is the dispatcher's Sessions.
type Server struct {
	cfg     Config
	handler Handler
	log     *zap.Logger

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session

	dropped     atomic.Uint64
	rateLimited atomic.Uint64
	handshakes  atomic.Uint64
	refused     atomic.Uint64
}

type session struct {
	id      string
	player  string
	codec   protocol.Codec
	out     chan *protocol.Message
	limiter *rate.Limiter

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func NewServer(cfg Config, h Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:     cfg.withDefaults(),
		handler: h,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		sessions: map[string]*session{},
	}
}

func (s *Server) SetHandler(h Handler) { s.handler = h }

// Send queues m for player. A session whose queue is full has fallen
// behind the authoritative state and is closed.
func (s *Server) Send(player string, m *protocol.Message) bool {
	s.mu.RLock()
	sess, ok := s.sessions[player]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case <-sess.done:
		return false
	default:
	}
	select {
	case sess.out <- m:
		return true
	default:
		s.dropped.Add(1)
		s.log.Warn("session queue full, closing", zap.String("player", player), zap.String("session", sess.id))
		sess.close()
		return false
	}
}

func (s *Server) Connected() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.sessions))
	for p := range s.sessions {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Disconnect tells player why and closes its session after the notice.
func (s *Server) Disconnect(player, reason string) bool {
	m, err := protocol.Disconnect{Reason: reason}.Message()
	if err != nil {
		return false
	}
	return s.Send(player, m)
}

// Shutdown disconnects every session.
func (s *Server) Shutdown(reason string) {
	for _, p := range s.Connected() {
		s.Disconnect(p, reason)
	}
}

type Stats struct {
	Sessions    int    `json:"sessions"`
	Handshakes  uint64 `json:"handshakes"`
	Refused     uint64 `json:"refused"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rate_limited"`
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	n := len(s.sessions)
	s.mu.RUnlock()
	return Stats{
		Sessions:    n,
		Handshakes:  s.handshakes.Load(),
		Refused:     s.refused.Load(),
		Dropped:     s.dropped.Load(),
		RateLimited: s.rateLimited.Load(),
	}
}

func (s *Server) register(sess *session) {
	s.mu.Lock()
	old := s.sessions[sess.player]
	s.sessions[sess.player] = sess
	s.mu.Unlock()
	if old != nil {
		s.log.Info("session replaced", zap.String("player", sess.player), zap.String("old", old.id), zap.String("new", sess.id))
		old.close()
	}
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	if s.sessions[sess.player] == sess {
		delete(s.sessions, sess.player)
	}
	s.mu.Unlock()
	sess.close()
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(s.cfg.MaxMessageBytes)

		sess, err := s.handshake(conn)
		if err != nil {
			s.refused.Add(1)
			s.log.Info("handshake refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
			return
		}
		s.handshakes.Add(1)
		s.register(sess)
		defer s.unregister(sess)
		s.log.Info("session open", zap.String("player", sess.player), zap.String("session", sess.id), zap.String("codec", sess.codec.Name()))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			s.writeLoop(conn, sess)
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
			_, raw, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if !sess.limiter.Allow() {
				s.rateLimited.Add(1)
				s.Send(sess.player, protocol.NewErrorNotice(protocol.Reject(protocol.CodeRateLimit, "slow down"), ""))
				continue
			}
			if err := s.handler.Handle(ctx, sess.player, raw, sess.codec); errors.Is(err, dispatch.ErrDisconnect) {
				break
			}
		}

		sess.close()
		s.log.Info("session closed", zap.String("player", sess.player), zap.String("session", sess.id))
		select {
		case <-writerDone:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) writeLoop(conn *websocket.Conn, sess *session) {
	frame := websocket.TextMessage
	if sess.codec == protocol.MsgPack {
		frame = websocket.BinaryMessage
	}
	for {
		select {
		case <-sess.done:
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case m := <-sess.out:
			b, err := sess.codec.Encode(m)
			if err != nil {
				s.log.Error("encode failed", zap.String("player", sess.player), zap.String("tag", m.Tag), zap.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := conn.WriteMessage(frame, b); err != nil {
				sess.close()
				_ = conn.Close()
				return
			}
			if m.Tag == protocol.TagDisconnect {
				sess.close()
			}
		}
	}
}

// handshake reads the hello. Its frame type picks the codec used to read
// it; the hello may then ask for another codec for the rest of the session.
func (s *Server) handshake(conn *websocket.Conn) (*session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	frame, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	codec := protocol.JSON
	if frame == websocket.BinaryMessage {
		codec = protocol.MsgPack
	}

	refuse := func(err error) (*session, error) {
		if b, encErr := codec.Encode(protocol.NewErrorNotice(err, protocol.TagHello)); encErr == nil {
			_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			_ = conn.WriteMessage(frame, b)
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, protocol.CodeOf(err)), time.Now().Add(time.Second))
		return nil, err
	}

	msg, err := codec.Decode(raw)
	if err != nil {
		return refuse(err)
	}
	if msg.Tag != protocol.TagHello {
		return refuse(protocol.Reject(protocol.CodeProtoBadRequest, "expected hello, got %s", msg.Tag))
	}
	hello, err := protocol.ParseHello(msg)
	if err != nil {
		return refuse(err)
	}
	if hello.Version != s.cfg.Version {
		return refuse(protocol.Reject(protocol.CodeProtoBadRequest, "bad version %q", hello.Version))
	}
	if player, ok := s.cfg.Tokens[hello.Token]; !ok || player != hello.Player {
		return refuse(protocol.Reject(protocol.CodeUnauthorized, "bad token for %s", hello.Player))
	}
	if hello.Codec != "" {
		c, ok := protocol.CodecByName(hello.Codec)
		if !ok {
			return refuse(protocol.Reject(protocol.CodeProtoBadRequest, "unknown codec %q", hello.Codec))
		}
		codec = c
	}

	sess := &session{
		id:      uuid.NewString(),
		player:  hello.Player,
		codec:   codec,
		out:     make(chan *protocol.Message, s.cfg.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(s.cfg.RatePerSecond), s.cfg.Burst),
		done:    make(chan struct{}),
	}
	welcome, err := protocol.Welcome{
		Player:        sess.player,
		Session:       sess.id,
		Version:       s.cfg.Version,
		CatalogDigest: s.cfg.CatalogDigest,
	}.Message()
	if err != nil {
		return nil, fmt.Errorf("welcome: %w", err)
	}
	// The welcome goes first; nothing else can be queued before register.
	sess.out <- welcome
	return sess, nil
}
