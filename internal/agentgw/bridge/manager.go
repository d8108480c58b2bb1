package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"colonysync/internal/protocol"
)

var ErrUnknownAgent = errors.New("bridge: no credentials for agent")

type Config struct {
	ServerWSURL string
	// Version is the game protocol version sent in hello.
	Version     string
	Credentials map[string]Credential
	StateFile   string
	MaxSessions int
	Backlog     int
}

// Manager owns one Session per agent, created on first use.
type Manager struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	state    map[string]persistedSession

	closed bool
}

func NewManager(cfg Config, logger *zap.Logger) (*Manager, error) {
	if cfg.ServerWSURL == "" {
		return nil, fmt.Errorf("empty server ws url")
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	st, err := loadStateFile(cfg.StateFile)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:      cfg,
		log:      logger,
		sessions: map[string]*Session{},
		state:    st,
	}, nil
}

func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	return nil
}

func (m *Manager) GetStatus(ctx context.Context, agent string) (Status, error) {
	s, err := m.session(agent)
	if err != nil {
		return Status{}, err
	}
	return s.Status(), nil
}

func (m *Manager) Poll(ctx context.Context, agent string, opts PollOpts) (PollResult, error) {
	s, err := m.session(agent)
	if err != nil {
		return PollResult{}, err
	}
	s.ResumeReconnect()
	return s.Poll(ctx, opts)
}

func (m *Manager) Send(ctx context.Context, agent string, msg *protocol.Message) (SendResult, error) {
	s, err := m.session(agent)
	if err != nil {
		return SendResult{}, err
	}
	s.ResumeReconnect()
	return s.Send(ctx, msg)
}

func (m *Manager) Disconnect(ctx context.Context, agent string) error {
	s, err := m.session(agent)
	if err != nil {
		return err
	}
	s.DisconnectAndPause()
	return nil
}

// PlayerOf names the player agent joins the game as. No session is opened.
func (m *Manager) PlayerOf(agent string) (string, error) {
	cred, ok := m.cfg.Credentials[agent]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	return cred.Player, nil
}

func (m *Manager) session(key string) (*Session, error) {
	s, evicted, err := m.getOrCreate(key)
	if evicted != nil {
		// Closed outside the lock: the session's welcome callback takes it.
		evicted.Close()
	}
	return s, err
}

func (m *Manager) getOrCreate(key string) (s, evicted *Session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, fmt.Errorf("bridge manager closed")
	}
	if s := m.sessions[key]; s != nil {
		return s, nil, nil
	}
	cred, ok := m.cfg.Credentials[key]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownAgent, key)
	}

	// Evict the least recently used session.
	if len(m.sessions) >= m.cfg.MaxSessions {
		var oldestKey string
		var oldest time.Time
		for k, s := range m.sessions {
			t := s.LastUsedAt()
			if oldestKey == "" || t.Before(oldest) {
				oldestKey, oldest = k, t
			}
		}
		if oldestKey != "" {
			m.log.Info("evicting agent session", zap.String("agent", oldestKey))
			evicted = m.sessions[oldestKey]
			delete(m.sessions, oldestKey)
		}
	}

	s = NewSession(SessionConfig{
		Key:         key,
		ServerWSURL: m.cfg.ServerWSURL,
		Version:     m.cfg.Version,
		Credential:  cred,
		Backlog:     m.cfg.Backlog,
	}, m.onSessionUpdate, m.log)
	m.sessions[key] = s
	s.Start()
	return s, evicted, nil
}

func (m *Manager) onSessionUpdate(key string, upd sessionUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.state[key] = persistedSession{
		Player:          upd.Player,
		Session:         upd.Session,
		LastConnectedAt: upd.LastConnectedAt.UTC().Format(time.RFC3339Nano),
	}
	// Updates only happen on welcome, so rewriting the whole file is fine.
	b, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return
	}
	if err := writeFileAtomic(m.cfg.StateFile, append(b, '\n')); err != nil {
		m.log.Warn("write state file", zap.Error(err))
	}
}
