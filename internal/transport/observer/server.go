package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"colonysync/internal/observerproto"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/world"
)

// Online lists the players with a live session.
type Online interface {
	Connected() []string
}

// Server streams request outcomes to loopback spectators. It is a
// dispatch.Recorder.
type Server struct {
	world  *world.World
	online Online
	log    *zap.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu   sync.RWMutex
	subs map[string]*subscriber

	dropped atomic.Uint64
}

type subscriber struct {
	mu     sync.Mutex
	filter observerproto.SubscribeMsg
	out    chan []byte
}

func (s *subscriber) wants(o dispatch.Outcome) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.State == dispatch.Rejected && !s.filter.Rejected {
		return false
	}
	return s.filter.Player == "" || s.filter.Player == o.Player
}

func (s *subscriber) setFilter(f observerproto.SubscribeMsg) {
	s.mu.Lock()
	s.filter = f
	s.mu.Unlock()
}

func NewServer(w *world.World, online Online, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		world:  w,
		online: online,
		log:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: map[string]*subscriber{},
	}
}

// RecordOutcome fans o out to every matching subscriber. Slow subscribers
// lose messages rather than stall the dispatcher.
func (s *Server) RecordOutcome(o dispatch.Outcome) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.subs) == 0 {
		return
	}
	b, err := json.Marshal(observerproto.OutcomeMsg{
		Type:            "OUTCOME",
		ProtocolVersion: observerproto.Version,
		Time:            o.Time.Format(time.RFC3339Nano),
		Seq:             o.Seq,
		Player:          o.Player,
		Tag:             o.Tag,
		State:           o.State.String(),
		Code:            o.Code,
		Records:         o.Records,
	})
	if err != nil {
		return
	}
	for _, sub := range s.subs {
		if !sub.wants(o) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

func (s *Server) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

func (s *Server) Bootstrap() observerproto.BootstrapResponse {
	var online []string
	if s.online != nil {
		online = s.online.Connected()
	}
	cfg := s.world.Config()
	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		GameID:          cfg.ID,
		Seq:             s.world.Seq(),
		Digest:          s.world.Digest(),
		CatalogDigest:   s.world.Catalogs().Digest,
		MapParams:       observerproto.MapParams{Width: cfg.Width, Height: cfg.Height},
	}
	s.world.View(func(r world.Reader) {
		g := r.Game()
		resp.Turn, resp.Winner = g.Turn, g.Winner
		for _, p := range r.Players() {
			resp.Players = append(resp.Players, observerproto.PlayerRef{
				ID: p.ID, Name: p.Name, Nation: string(p.Nation), AI: p.AI, Online: slices.Contains(online, p.ID),
			})
		}
	})
	return resp
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.Bootstrap())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := parseSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		subscriber := &subscriber{filter: sub, out: make(chan []byte, 1024)}
		s.mu.Lock()
		s.subs[sid] = subscriber
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()
		s.log.Info("observer subscribed", zap.String("observer", sid), zap.String("player", sub.Player))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-subscriber.out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if sub, ok := parseSubscribe(msg); ok {
				subscriber.setFilter(sub)
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func parseSubscribe(b []byte) (observerproto.SubscribeMsg, bool) {
	var sub observerproto.SubscribeMsg
	if err := json.Unmarshal(b, &sub); err != nil {
		return sub, false
	}
	if sub.Type != "SUBSCRIBE" || sub.ProtocolVersion != observerproto.Version {
		return sub, false
	}
	sub.Player = strings.TrimSpace(sub.Player)
	return sub, true
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
