package rules

import (
	"colonysync/internal/protocol"
	"colonysync/internal/sim/changes"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/world"
)

// Tags naming server-originated changes in the journal.
const (
	AnnounceRaiseTax = "raiseTax"
	AnnounceEndGame  = "endGame"
	AnnounceNextTurn = "nextTurn"
)

// ParseAnnouncement rebuilds a server-originated change from its journal
// message.
func ParseAnnouncement(m *protocol.Message) (dispatch.Announcement, error) {
	switch m.Tag {
	case AnnounceRaiseTax:
		if err := m.Require(protocol.AttrPlayer, protocol.AttrTax); err != nil {
			return dispatch.Announcement{}, err
		}
		return ProposeTaxRaise(m.Attr(protocol.AttrPlayer), m.Int(protocol.AttrTax, 0)), nil
	case AnnounceEndGame:
		if err := m.Require(protocol.AttrWinner); err != nil {
			return dispatch.Announcement{}, err
		}
		return EndGame(m.Attr(protocol.AttrWinner), m.Bool(protocol.AttrHighScore)), nil
	case AnnounceNextTurn:
		return NextTurn(), nil
	}
	return dispatch.Announcement{}, protocol.Reject(protocol.CodeUnknownType, "unknown announcement %q", m.Tag)
}

// ProposeTaxRaise asks player's monarch to raise the tax to tax. The player
// answers with a monarchAction message.
func ProposeTaxRaise(player string, tax int) dispatch.Announcement {
	msg := protocol.NewMessage(AnnounceRaiseTax, protocol.AttrPlayer, player).SetInt(protocol.AttrTax, tax)
	return dispatch.Announcement{Message: msg, Apply: func(tx *world.Tx, b *changes.Builder) error {
		p, err := tx.EditPlayer(player)
		if err != nil {
			return err
		}
		if p.Nation != world.NationEuropean || p.Dead {
			return illegal("%s has no monarch", player)
		}
		if tax < 0 || tax > 100 {
			return illegal("tax %d out of range", tax)
		}
		p.Pending = &world.MonarchOffer{Action: MonarchRaiseTax, Tax: tax}
		m, err := protocol.MonarchAction{
			Action:   MonarchRaiseTax,
			Monarch:  p.Name,
			Tax:      tax,
			Template: protocol.NewMessage("template", protocol.AttrID, "model.monarch.action.raiseTax").SetInt("amount", tax),
		}.Message()
		if err != nil {
			return err
		}
		b.Update(p)
		b.Notice(player, m)
		return nil
	}}
}

// EndGame records the winner and tells every connected player.
func EndGame(winner string, highScore bool) dispatch.Announcement {
	msg := protocol.NewMessage(AnnounceEndGame, protocol.AttrWinner, winner).SetBool(protocol.AttrHighScore, highScore)
	return dispatch.Announcement{Message: msg, Apply: func(tx *world.Tx, b *changes.Builder) error {
		if _, ok := tx.Player(winner); !ok {
			return illegal("no such player: %s", winner)
		}
		g := tx.EditGame()
		if g.Winner != "" {
			return illegal("game already ended")
		}
		g.Winner = winner
		g.HighScore = highScore
		m, err := protocol.GameEnded{Winner: winner, HighScore: highScore}.Message()
		if err != nil {
			return err
		}
		b.Notice("", m)
		return nil
	}}
}

// NextTurn advances the game turn and restores every unit's moves.
func NextTurn() dispatch.Announcement {
	return dispatch.Announcement{Message: protocol.NewMessage(AnnounceNextTurn), Apply: func(tx *world.Tx, b *changes.Builder) error {
		g := tx.EditGame()
		g.Turn++
		for _, o := range tx.Objects() {
			u, ok := o.(*world.Unit)
			if !ok {
				continue
			}
			moves := tx.Catalogs().Unit(u.Type).Moves * 3
			if u.MovesLeft == moves {
				continue
			}
			u, err := tx.EditUnit(u.ID)
			if err != nil {
				return err
			}
			u.MovesLeft = moves
			b.Update(u)
		}
		b.Other("", protocol.NewMessage("newTurn").SetInt("turn", g.Turn))
		return nil
	}}
}
