package ai

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"colonysync/internal/protocol"
)

// Inbox is the session of every in-process AI player. Messages are queued
// and handled on Run's goroutine, never on the sender's.
type Inbox struct {
	log *zap.Logger
	// MaxTax is the highest tax an AI player accepts from its monarch.
	MaxTax int
	// Timeout bounds each answer an AI player submits.
	Timeout time.Duration

	mu      sync.RWMutex
	clients map[string]*Client

	queue chan delivery
}

type delivery struct {
	player string
	msg    *protocol.Message
}

func NewInbox(size int, log *zap.Logger) *Inbox {
	if log == nil {
		log = zap.NewNop()
	}
	if size <= 0 {
		size = 64
	}
	return &Inbox{
		log:     log,
		MaxTax:  50,
		Timeout: 5 * time.Second,
		clients: map[string]*Client{},
		queue:   make(chan delivery, size),
	}
}

func (in *Inbox) Attach(c *Client) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.clients[c.Player()] = c
}

func (in *Inbox) client(player string) (*Client, bool) {
	in.mu.RLock()
	defer in.mu.RUnlock()
	c, ok := in.clients[player]
	return c, ok
}

// Send queues m for an attached AI player. It never blocks.
func (in *Inbox) Send(player string, m *protocol.Message) bool {
	if _, ok := in.client(player); !ok {
		return false
	}
	select {
	case in.queue <- delivery{player: player, msg: m}:
		return true
	default:
		in.log.Warn("AI inbox full, dropping message", zap.String("player", player), zap.String("tag", m.Tag))
		return false
	}
}

func (in *Inbox) Connected() []string {
	in.mu.RLock()
	defer in.mu.RUnlock()
	out := make([]string, 0, len(in.clients))
	for id := range in.clients {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (in *Inbox) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-in.queue:
			in.handle(ctx, d)
		}
	}
}

func (in *Inbox) handle(ctx context.Context, d delivery) {
	c, ok := in.client(d.player)
	if !ok {
		return
	}
	switch d.msg.Tag {
	case protocol.TagMonarchAction:
		action := d.msg.Attr(protocol.AttrAction)
		tax := d.msg.Int(protocol.AttrTax, 0)
		ctx, cancel := context.WithTimeout(ctx, in.Timeout)
		defer cancel()
		if err := c.AnswerMonarch(ctx, action, tax <= in.MaxTax); err != nil {
			in.log.Warn("AI monarch answer failed", zap.String("player", d.player), zap.Error(err))
		}
	case protocol.TagGameEnded:
		in.log.Info("game ended", zap.String("player", d.player), zap.String("winner", d.msg.Attr(protocol.AttrWinner)))
	case protocol.TagError:
		in.log.Debug("AI request error", zap.String("player", d.player), zap.String("code", d.msg.Attr(protocol.AttrCode)))
	}
}
