package bridge

import "colonysync/internal/protocol"

// Status is returned by colonysync.get_status.
type Status struct {
	Connected     bool   `json:"connected"`
	Paused        bool   `json:"paused,omitempty"`
	Player        string `json:"player"`
	Session       string `json:"session,omitempty"`
	ServerWSURL   string `json:"server_ws_url"`
	CatalogDigest string `json:"catalog_digest,omitempty"`
	Cursor        uint64 `json:"cursor"`
	LastError     string `json:"last_error,omitempty"`
}

// Credential is what an agent joins the game with.
type Credential struct {
	Player string `yaml:"player" json:"player"`
	Token  string `yaml:"token" json:"token"`
}

type PollOpts struct {
	// Since is the cursor of the last message the agent has seen.
	Since     uint64 `json:"since"`
	Wait      bool   `json:"wait"`
	TimeoutMS int    `json:"timeout_ms"`
	Max       int    `json:"max"`
}

type PollResult struct {
	Cursor   uint64              `json:"cursor"`
	Messages []*protocol.Message `json:"messages"`
	// Gap is set when messages after Since were evicted before this poll.
	Gap bool `json:"gap,omitempty"`
}

type SendResult struct {
	Sent   bool   `json:"sent"`
	Tag    string `json:"tag"`
	Player string `json:"player"`
}
