package tuning

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Tuning struct {
	ProtocolVersion string `yaml:"protocol_version"`

	InboxSize      int  `yaml:"inbox_size"`
	RenderWorkers  int  `yaml:"render_workers"`
	VerifyRollback bool `yaml:"verify_rollback"`

	Sessions   Sessions   `yaml:"sessions"`
	RateLimits RateLimits `yaml:"rate_limits"`
	AI         AI         `yaml:"ai"`

	SnapshotEveryTurns int `yaml:"snapshot_every_turns"`
}

type Sessions struct {
	QueueSize        int `yaml:"queue_size"`
	HandshakeTimeout int `yaml:"handshake_timeout_ms"`
	WriteTimeout     int `yaml:"write_timeout_ms"`
	MaxMessageBytes  int `yaml:"max_message_bytes"`
}

type RateLimits struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

type AI struct {
	InboxSize     int  `yaml:"inbox_size"`
	MaxTax        int  `yaml:"max_tax"`
	TrackHuman    bool `yaml:"track_human"`
	CheckOnResume bool `yaml:"check_on_resume"`
}

// Defaults is the tuning used for anything tuning.yaml leaves out.
func Defaults() Tuning {
	return Tuning{
		ProtocolVersion: "1",
		InboxSize:       256,
		RenderWorkers:   4,
		Sessions: Sessions{
			QueueSize:        64,
			HandshakeTimeout: 5000,
			WriteTimeout:     10000,
			MaxMessageBytes:  1 << 20,
		},
		RateLimits: RateLimits{RequestsPerSecond: 20, Burst: 40},
		AI:         AI{InboxSize: 64, MaxTax: 50, TrackHuman: true, CheckOnResume: true},
	}
}

func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	switch {
	case t.ProtocolVersion == "":
		return fmt.Errorf("protocol_version is required")
	case t.InboxSize <= 0:
		return fmt.Errorf("inbox_size must be > 0")
	case t.RenderWorkers <= 0:
		return fmt.Errorf("render_workers must be > 0")
	case t.Sessions.QueueSize <= 0:
		return fmt.Errorf("sessions.queue_size must be > 0")
	case t.RateLimits.RequestsPerSecond <= 0 || t.RateLimits.Burst <= 0:
		return fmt.Errorf("rate_limits must be positive")
	case t.AI.MaxTax < 0 || t.AI.MaxTax > 100:
		return fmt.Errorf("ai.max_tax out of range: %d", t.AI.MaxTax)
	}
	return nil
}
