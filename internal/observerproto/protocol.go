package observerproto

// Version is the observer protocol version (separate from the game protocol).
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to update the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: only outcomes of this player's requests.
	Player string `json:"player,omitempty"`
	// Rejected also streams requests that were turned down.
	Rejected bool `json:"rejected,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	GameID          string      `json:"game_id"`
	Seq             uint64      `json:"seq"`
	Turn            int         `json:"turn"`
	Winner          string      `json:"winner,omitempty"`
	Digest          string      `json:"digest"`
	CatalogDigest   string      `json:"catalog_digest"`
	MapParams       MapParams   `json:"map_params"`
	Players         []PlayerRef `json:"players"`
}

type MapParams struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type PlayerRef struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Nation string `json:"nation"`
	AI     bool   `json:"ai"`
	Online bool   `json:"online"`
}

// Server -> Client. One per finished request. Rejection reasons go only to
// the requesting player, so an outcome carries the code alone.
type OutcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	Time    string `json:"time"`
	Seq     uint64 `json:"seq"`
	Player  string `json:"player,omitempty"`
	Tag     string `json:"tag"`
	State   string `json:"state"`
	Code    string `json:"code,omitempty"`
	Records int    `json:"records"`
}
