package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"colonysync/internal/agentgw/bridge"
	"colonysync/internal/protocol"
)

// Bridge is what the tools drive; *bridge.Manager implements it.
type Bridge interface {
	GetStatus(ctx context.Context, agent string) (bridge.Status, error)
	Poll(ctx context.Context, agent string, opts bridge.PollOpts) (bridge.PollResult, error)
	Send(ctx context.Context, agent string, msg *protocol.Message) (bridge.SendResult, error)
	Disconnect(ctx context.Context, agent string) error
	// PlayerOf names the player an agent's credentials join as.
	PlayerOf(agent string) (string, error)
}

type Config struct {
	Bridge     Bridge
	HMACSecret string
	// AllowLegacyHMAC accepts signatures made without x-nonce.
	AllowLegacyHMAC bool
}

const (
	toolGetStatus  = "colonysync.get_status"
	toolPoll       = "colonysync.poll"
	toolSend       = "colonysync.send"
	toolDisconnect = "colonysync.disconnect"
)

type Server struct {
	bridge      Bridge
	hmacSecret  []byte
	allowLegacy bool
	nonces      *nonceLedger
	log         *zap.Logger
	now         func() time.Time
}

func NewServer(cfg Config, logger *zap.Logger) (*Server, error) {
	if cfg.Bridge == nil {
		return nil, fmt.Errorf("nil bridge")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		bridge:      cfg.Bridge,
		allowLegacy: cfg.AllowLegacyHMAC,
		nonces:      newNonceLedger(2 * signatureWindow),
		log:         logger,
		now:         time.Now,
	}
	if strings.TrimSpace(cfg.HMACSecret) != "" {
		s.hmacSecret = []byte(cfg.HMACSecret)
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/mcp", s.handleMCP)
	return mux
}

func (s *Server) handleMCP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(rw, "bad body", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	// Without a secret the agent id header is trusted, so only local
	// callers are served.
	agent := strings.TrimSpace(r.Header.Get(headerAgentID))
	if len(s.hmacSecret) > 0 {
		vr := verifyHMAC(r, body, s.hmacSecret, s.now(), s.allowLegacy)
		if vr.HTTPStatus != 0 {
			s.log.Info("mcp auth refused", zap.String("remote", r.RemoteAddr), zap.String("reason", vr.Message))
			http.Error(rw, vr.Message, vr.HTTPStatus)
			return
		}
		player, err := s.bridge.PlayerOf(vr.AgentID)
		if err != nil {
			http.Error(rw, "no credentials for agent", http.StatusForbidden)
			return
		}
		// Legacy signatures carry no nonce; the signature stands in for it.
		nonce := vr.Nonce
		if nonce == "" {
			nonce = "sig:" + vr.Signature
		}
		if !s.nonces.claim(player, nonce, s.now()) {
			s.log.Info("mcp replay refused", zap.String("agent", vr.AgentID), zap.String("player", player))
			http.Error(rw, "replayed request", http.StatusConflict)
			return
		}
		agent = vr.AgentID
	} else if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	if agent == "" {
		agent = "default"
	}

	req, err := decodeCall(body)
	if err != nil {
		http.Error(rw, "bad jsonrpc request", http.StatusBadRequest)
		return
	}

	resp := s.dispatch(r.Context(), agent, req)
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (s *Server) dispatch(ctx context.Context, agent string, req call) reply {
	switch req.Method {
	case "initialize":
		return succeed(req.ID, initializeResult{
			ProtocolVersion: "2024-11-05",
			ServerInfo:      serverInfo{Name: "colonysync", Version: protocol.Version},
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
		})

	case "tools/list", "list_tools":
		return succeed(req.ID, map[string]any{"tools": toolsList()})

	case "tools/call", "call_tool":
		if len(req.Params) == 0 {
			return refuse(req.ID, codeInvalidParams, "missing params")
		}
		var tc toolCall
		if err := json.Unmarshal(req.Params, &tc); err != nil {
			return refuse(req.ID, codeInvalidParams, "bad params: "+err.Error())
		}
		if tc.Name == "" {
			return refuse(req.ID, codeInvalidParams, "missing tool name")
		}
		if !isKnownTool(tc.Name) {
			return refuse(req.ID, codeMethodNotFound, "tool not found: "+tc.Name)
		}
		out, err := s.callTool(ctx, agent, tc)
		if err != nil {
			s.log.Debug("tool failed", zap.String("agent", agent), zap.String("tool", tc.Name), zap.Error(err))
			return toolFailed(req.ID, tc.Name, err)
		}
		return succeed(req.ID, out)

	default:
		return refuse(req.ID, codeMethodNotFound, "method not found")
	}
}

func emptyObjectSchema() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}, "additionalProperties": false}
}

func toolsList() []map[string]any {
	return []map[string]any{
		{
			"name":        toolGetStatus,
			"description": "Connection state of the agent's player session.",
			"inputSchema": emptyObjectSchema(),
		},
		{
			"name":        toolPoll,
			"description": "Messages the server sent the player after cursor `since` (changes, error and disconnect notices).",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"since":      map[string]any{"type": "integer", "minimum": 0},
					"wait":       map[string]any{"type": "boolean"},
					"timeout_ms": map[string]any{"type": "integer"},
					"max":        map[string]any{"type": "integer"},
				},
			},
		},
		{
			"name":        toolSend,
			"description": "Send one request message, e.g. {\"message\":{\"tag\":\"buildColony\",\"attributes\":{\"name\":\"Jamestown\",\"unit\":\"unit:...\"}}}. Rejections arrive through poll as error notices.",
			"inputSchema": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "object"},
				},
				"required": []string{"message"},
			},
		},
		{
			"name":        toolDisconnect,
			"description": "Leave the game; the next poll or send reconnects.",
			"inputSchema": emptyObjectSchema(),
		},
	}
}

func (s *Server) callTool(ctx context.Context, agent string, tc toolCall) (any, error) {
	switch tc.Name {
	case toolGetStatus:
		return s.bridge.GetStatus(ctx, agent)

	case toolPoll:
		var o bridge.PollOpts
		if len(tc.Arguments) > 0 {
			if err := json.Unmarshal(tc.Arguments, &o); err != nil {
				return nil, fmt.Errorf("bad arguments: %w", err)
			}
		}
		return s.bridge.Poll(ctx, agent, o)

	case toolSend:
		var a sendArgs
		if err := json.Unmarshal(tc.Arguments, &a); err != nil {
			return nil, fmt.Errorf("bad arguments: %w", err)
		}
		msg, err := a.message()
		if err != nil {
			return nil, err
		}
		return s.bridge.Send(ctx, agent, msg)

	case toolDisconnect:
		if err := s.bridge.Disconnect(ctx, agent); err != nil {
			return nil, err
		}
		player, _ := s.bridge.PlayerOf(agent)
		return disconnectResult{OK: true, Player: player}, nil

	default:
		return nil, fmt.Errorf("unknown tool: %s", tc.Name)
	}
}

func isKnownTool(name string) bool {
	switch name {
	case toolGetStatus, toolPoll, toolSend, toolDisconnect:
		return true
	default:
		return false
	}
}
