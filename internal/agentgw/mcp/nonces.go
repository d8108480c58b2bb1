package mcp

import (
	"sync"
	"time"
)

// maxNoncesPerPlayer bounds the ledger of one player. Past it, further
// signed calls for that player are refused until older nonces expire.
const maxNoncesPerPlayer = 4096

type claimedNonce struct {
	nonce   string
	expires time.Time
}

// playerNonces is the ledger of one player, oldest claim first.
type playerNonces struct {
	order []claimedNonce
	live  map[string]struct{}
}

func (p *playerNonces) expire(now time.Time) {
	n := 0
	for n < len(p.order) && !p.order[n].expires.After(now) {
		delete(p.live, p.order[n].nonce)
		n++
	}
	p.order = p.order[n:]
}

// nonceLedger records the request nonces each game player has used while
// they can still pass the signature window. Agents sharing a player share
// its ledger.
type nonceLedger struct {
	mu      sync.Mutex
	ttl     time.Duration
	players map[string]*playerNonces
	swept   time.Time
}

func newNonceLedger(ttl time.Duration) *nonceLedger {
	return &nonceLedger{ttl: ttl, players: map[string]*playerNonces{}}
}

// claim reports whether nonce is unused for player and records it.
func (l *nonceLedger) claim(player, nonce string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > l.ttl {
		l.sweepLocked(now)
	}
	p := l.players[player]
	if p == nil {
		p = &playerNonces{live: map[string]struct{}{}}
		l.players[player] = p
	}
	p.expire(now)
	if _, used := p.live[nonce]; used {
		return false
	}
	if len(p.order) >= maxNoncesPerPlayer {
		return false
	}
	p.live[nonce] = struct{}{}
	p.order = append(p.order, claimedNonce{nonce: nonce, expires: now.Add(l.ttl)})
	return true
}

// sweepLocked drops players with no live nonces.
func (l *nonceLedger) sweepLocked(now time.Time) {
	for player, p := range l.players {
		p.expire(now)
		if len(p.order) == 0 {
			delete(l.players, player)
		}
	}
	l.swept = now
}
