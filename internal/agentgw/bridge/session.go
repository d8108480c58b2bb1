package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"colonysync/internal/protocol"
)

var ErrNotConnected = errors.New("bridge: not connected")

type SessionConfig struct {
	Key         string
	ServerWSURL string
	Version     string
	Credential  Credential
	// Backlog caps the received messages kept for polling.
	Backlog int
}

type sessionUpdate struct {
	Player          string
	Session         string
	LastConnectedAt time.Time
}

type onUpdateFn func(key string, upd sessionUpdate)

type received struct {
	cursor uint64
	msg    *protocol.Message
}

// Session is one agent's websocket connection to the game server. It
// reconnects with backoff until paused or closed, and buffers every message
// the server sends after the welcome.
type Session struct {
	cfg      SessionConfig
	onUpdate onUpdateFn
	log      *zap.Logger

	mu sync.RWMutex

	startOnce    sync.Once
	closeOnce    sync.Once
	stop         chan struct{}
	done         chan struct{}
	resumeNotify chan struct{}

	connected       bool
	paused          bool
	lastConnectedAt time.Time
	lastErr         string

	conn    *websocket.Conn
	writeMu sync.Mutex

	welcome protocol.Welcome

	cursor  uint64
	backlog []received
	// wake is closed and replaced whenever the session state changes.
	wake chan struct{}

	lastUsedAt time.Time
}

func NewSession(cfg SessionConfig, onUpdate onUpdateFn, logger *zap.Logger) *Session {
	if cfg.Key == "" {
		cfg.Key = "default"
	}
	if cfg.Version == "" {
		cfg.Version = "1"
	}
	if cfg.Backlog <= 0 {
		cfg.Backlog = 512
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		cfg:          cfg,
		onUpdate:     onUpdate,
		log:          logger.With(zap.String("agent", cfg.Key), zap.String("player", cfg.Credential.Player)),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		resumeNotify: make(chan struct{}, 1),
		wake:         make(chan struct{}),
		lastUsedAt:   time.Now(),
	}
}

func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.Disconnect()
		s.startOnce.Do(func() { close(s.done) })
		<-s.done
	})
}

// Disconnect drops the connection; the session reconnects.
func (s *Session) Disconnect() {
	s.mu.Lock()
	c := s.conn
	s.conn = nil
	s.connected = false
	s.signalLocked()
	s.mu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

// DisconnectAndPause tells the server the agent is leaving and stops
// reconnecting until ResumeReconnect.
func (s *Session) DisconnectAndPause() {
	s.mu.Lock()
	s.paused = true
	c := s.conn
	s.mu.Unlock()
	if c != nil {
		if m, err := (protocol.Disconnect{Reason: "agent paused"}).Message(); err == nil {
			_ = s.write(c, m)
		}
	}
	s.Disconnect()
}

func (s *Session) ResumeReconnect() {
	s.mu.Lock()
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if !wasPaused {
		return
	}
	select {
	case s.resumeNotify <- struct{}{}:
	default:
	}
}

func (s *Session) LastUsedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUsedAt
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastUsedAt = time.Now()
	s.mu.Unlock()
}

func (s *Session) Status() Status {
	s.touch()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		Connected:     s.connected,
		Paused:        s.paused,
		Player:        s.cfg.Credential.Player,
		Session:       s.welcome.Session,
		ServerWSURL:   s.cfg.ServerWSURL,
		CatalogDigest: s.welcome.CatalogDigest,
		Cursor:        s.cursor,
		LastError:     s.lastErr,
	}
}

// Poll returns the buffered messages after opts.Since, oldest first. With
// Wait it blocks until one arrives or the timeout passes; an empty result
// is not an error.
func (s *Session) Poll(ctx context.Context, opts PollOpts) (PollResult, error) {
	s.touch()
	if opts.Max <= 0 {
		opts.Max = 50
	}
	timeout := time.Duration(opts.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		s.mu.RLock()
		res, wake := s.collectLocked(opts), s.wake
		s.mu.RUnlock()
		if len(res.Messages) > 0 || !opts.Wait {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return PollResult{}, ctx.Err()
		case <-deadline.C:
			return res, nil
		case <-wake:
		}
	}
}

func (s *Session) collectLocked(opts PollOpts) PollResult {
	res := PollResult{Cursor: opts.Since, Messages: []*protocol.Message{}}
	if len(s.backlog) > 0 && s.backlog[0].cursor > opts.Since+1 {
		res.Gap = true
	}
	for _, r := range s.backlog {
		if r.cursor <= opts.Since {
			continue
		}
		if len(res.Messages) == opts.Max {
			break
		}
		res.Messages = append(res.Messages, r.msg)
		res.Cursor = r.cursor
	}
	return res
}

// Send writes m to the server once the session is established.
func (s *Session) Send(ctx context.Context, m *protocol.Message) (SendResult, error) {
	s.touch()
	if m == nil || m.Tag == "" {
		return SendResult{}, fmt.Errorf("empty message")
	}
	switch m.Tag {
	case protocol.TagHello, protocol.TagWelcome:
		return SendResult{}, fmt.Errorf("%s is handled by the bridge", m.Tag)
	}
	c, err := s.waitConnected(ctx, 2*time.Second)
	if err != nil {
		return SendResult{}, err
	}
	if err := s.write(c, m); err != nil {
		return SendResult{}, err
	}
	return SendResult{Sent: true, Tag: m.Tag, Player: s.cfg.Credential.Player}, nil
}

func (s *Session) write(c *websocket.Conn, m *protocol.Message) error {
	b, err := protocol.JSON.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = c.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.WriteMessage(websocket.TextMessage, b)
}

func (s *Session) waitConnected(ctx context.Context, timeout time.Duration) (*websocket.Conn, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.RLock()
		c, ok, wake := s.conn, s.connected, s.wake
		s.mu.RUnlock()
		if ok && c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNotConnected
		case <-wake:
		}
	}
}

func (s *Session) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func (s *Session) isPaused() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused
}

func (s *Session) run() {
	defer close(s.done)

	backoff := 200 * time.Millisecond
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if s.isPaused() {
			select {
			case <-s.stop:
				return
			case <-s.resumeNotify:
			}
			continue
		}

		welcomed, err := s.connectAndReadLoop()
		if welcomed {
			backoff = 200 * time.Millisecond
		}
		if err != nil && !s.isPaused() {
			s.mu.Lock()
			if s.lastErr == "" {
				s.lastErr = err.Error()
			}
			s.mu.Unlock()
			s.log.Debug("session dropped", zap.Error(err))
		}
		select {
		case <-s.stop:
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 5*time.Second)
	}
}

// connectAndReadLoop runs one connection until it fails.
func (s *Session) connectAndReadLoop() (welcomed bool, err error) {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := d.Dial(s.cfg.ServerWSURL, http.Header{})
	if err != nil {
		return false, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer func() {
		_ = conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
			s.connected = false
			s.signalLocked()
		}
		s.mu.Unlock()
	}()

	hello, err := protocol.Hello{
		Player:  s.cfg.Credential.Player,
		Token:   s.cfg.Credential.Token,
		Version: s.cfg.Version,
	}.Message()
	if err != nil {
		return false, err
	}
	if err := s.write(conn, hello); err != nil {
		return false, err
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return welcomed, err
		}
		m, err := protocol.JSON.Decode(raw)
		if err != nil {
			s.log.Warn("undecodable server message", zap.Error(err))
			continue
		}
		if m.Tag == protocol.TagWelcome && !welcomed {
			w, err := protocol.ParseWelcome(m)
			if err != nil {
				return false, err
			}
			welcomed = true
			now := time.Now()
			s.mu.Lock()
			s.welcome = w
			s.connected = true
			s.lastConnectedAt = now
			s.lastErr = ""
			s.signalLocked()
			s.mu.Unlock()
			s.log.Info("session welcomed", zap.String("session", w.Session))
			if s.onUpdate != nil {
				s.onUpdate(s.cfg.Key, sessionUpdate{Player: w.Player, Session: w.Session, LastConnectedAt: now})
			}
			continue
		}
		if m.Tag == protocol.TagError && !welcomed {
			if n, err := protocol.ParseErrorNotice(m); err == nil {
				s.mu.Lock()
				s.lastErr = n.Code + ": " + n.Reason
				s.mu.Unlock()
			}
		}
		s.push(m)
	}
}

func (s *Session) push(m *protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor++
	s.backlog = append(s.backlog, received{cursor: s.cursor, msg: m})
	if over := len(s.backlog) - s.cfg.Backlog; over > 0 {
		s.backlog = append([]received(nil), s.backlog[over:]...)
	}
	s.signalLocked()
}
