package ai

import (
	"context"

	"go.uber.org/zap"

	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
)

// Submitter is the request path an AI player shares with remote clients.
type Submitter interface {
	Submit(ctx context.Context, player string, msg *protocol.Message) (dispatch.Result, error)
}

// Client issues typed requests on behalf of one AI player. Requests are
// validated exactly like those of remote clients.
type Client struct {
	player string
	sub    Submitter
	log    *zap.Logger
}

func NewClient(player string, sub Submitter, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{player: player, sub: sub, log: log.With(zap.String("player", player))}
}

func (c *Client) Player() string { return c.player }

func (c *Client) send(ctx context.Context, m *protocol.Message, err error) error {
	if err != nil {
		return err
	}
	res, err := c.sub.Submit(ctx, c.player, m)
	if err != nil {
		return err
	}
	if res.State == dispatch.Rejected {
		c.log.Debug("AI request rejected",
			zap.String("tag", m.Tag),
			zap.String("code", protocol.CodeOf(res.Err)),
			zap.String("reason", protocol.ReasonOf(res.Err)))
		return res.Err
	}
	return nil
}

func (c *Client) BuildColony(ctx context.Context, unit, name string) error {
	m, err := protocol.BuildColony{Name: name, Unit: unit}.Message()
	return c.send(ctx, m, err)
}

func (c *Client) AbandonColony(ctx context.Context, colony string) error {
	m, err := protocol.AbandonColony{Colony: colony}.Message()
	return c.send(ctx, m, err)
}

func (c *Client) PutOutsideColony(ctx context.Context, unit string) error {
	m, err := protocol.PutOutsideColony{Unit: unit}.Message()
	return c.send(ctx, m, err)
}

// SetDestination sends unit toward dest; an empty dest clears it.
func (c *Client) SetDestination(ctx context.Context, unit, dest string) error {
	m, err := protocol.SetDestination{Unit: unit, Destination: dest}.Message()
	return c.send(ctx, m, err)
}

func (c *Client) EstablishMission(ctx context.Context, unit, direction string) error {
	m, err := protocol.Missionary{Unit: unit, Direction: direction}.Message()
	return c.send(ctx, m, err)
}

func (c *Client) DenounceMission(ctx context.Context, unit, direction string) error {
	m, err := protocol.Missionary{Unit: unit, Direction: direction, Denounce: true}.Message()
	return c.send(ctx, m, err)
}

func (c *Client) DemandTribute(ctx context.Context, unit, direction string) error {
	m, err := protocol.DemandTribute{Unit: unit, Direction: direction}.Message()
	return c.send(ctx, m, err)
}

func (c *Client) AnswerMonarch(ctx context.Context, action string, accept bool) error {
	m, err := protocol.MonarchAction{Action: action, Tax: -1, Answered: true, Accepted: accept}.Message()
	return c.send(ctx, m, err)
}
