package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"colonysync/internal/agentgw/bridge"
	"colonysync/internal/protocol"
)

type stubBridge struct {
	agents []string
	sent   []*protocol.Message
}

func (b *stubBridge) GetStatus(ctx context.Context, agent string) (bridge.Status, error) {
	b.agents = append(b.agents, agent)
	return bridge.Status{Connected: true, Player: "player:dutch", ServerWSURL: "ws://example.invalid/v1/ws"}, nil
}

func (b *stubBridge) Poll(ctx context.Context, agent string, opts bridge.PollOpts) (bridge.PollResult, error) {
	b.agents = append(b.agents, agent)
	return bridge.PollResult{Cursor: opts.Since + 1, Messages: []*protocol.Message{protocol.NewMessage(protocol.TagChanges)}}, nil
}

func (b *stubBridge) Send(ctx context.Context, agent string, msg *protocol.Message) (bridge.SendResult, error) {
	b.agents = append(b.agents, agent)
	b.sent = append(b.sent, msg)
	return bridge.SendResult{Sent: true, Tag: msg.Tag, Player: "player:dutch"}, nil
}

func (b *stubBridge) Disconnect(ctx context.Context, agent string) error {
	b.agents = append(b.agents, agent)
	return nil
}

var stubPlayers = map[string]string{
	"agent_1": "player:dutch",
	"agent_2": "player:dutch",
	"agent_3": "player:french",
}

func (b *stubBridge) PlayerOf(agent string) (string, error) {
	if p, ok := stubPlayers[agent]; ok {
		return p, nil
	}
	return "", bridge.ErrUnknownAgent
}

type rpcResult struct {
	Result json.RawMessage `json:"result"`
	Error  *replyError     `json:"error"`
}

func rpcPost(t *testing.T, base string, payload any, headers map[string]string) (int, rpcResult) {
	t.Helper()
	b, _ := json.Marshal(payload)
	req, _ := http.NewRequest("POST", base+"/mcp", bytes.NewReader(b))
	req.Header.Set("content-type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer res.Body.Close()
	var out rpcResult
	if res.StatusCode == http.StatusOK {
		if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
			t.Fatalf("decode: %v", err)
		}
	}
	return res.StatusCode, out
}

func newTestServer(t *testing.T, cfg Config) (*stubBridge, string) {
	t.Helper()
	b := &stubBridge{}
	cfg.Bridge = b
	s, err := NewServer(cfg, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return b, ts.URL
}

func callTool(name string, args any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": name, "arguments": args},
	}
}

func TestMCP_Initialize_And_ListTools(t *testing.T) {
	_, url := newTestServer(t, Config{})

	_, initResp := rpcPost(t, url, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"}, nil)
	if initResp.Error != nil {
		t.Fatalf("initialize error: %+v", initResp.Error)
	}
	var init struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(initResp.Result, &init)
	if init.ProtocolVersion == "" {
		t.Fatalf("missing protocolVersion in result")
	}

	_, lt := rpcPost(t, url, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"}, nil)
	if lt.Error != nil {
		t.Fatalf("tools/list error: %+v", lt.Error)
	}
	var list struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(lt.Result, &list); err != nil {
		t.Fatalf("decode tools: %v", err)
	}
	if len(list.Tools) != 4 {
		t.Fatalf("expected 4 tools, got %d", len(list.Tools))
	}
	for _, tool := range list.Tools {
		if !isKnownTool(tool.Name) {
			t.Fatalf("listed tool %q is not callable", tool.Name)
		}
	}
}

func TestMCP_CallTool_Unknown(t *testing.T) {
	_, url := newTestServer(t, Config{})
	_, resp := rpcPost(t, url, callTool("nope", map[string]any{}), nil)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Fatalf("expected tool not found, got %+v", resp.Error)
	}
}

func TestMCP_SendDecodesEnvelope(t *testing.T) {
	b, url := newTestServer(t, Config{})

	msg := map[string]any{"tag": "buildColony", "attributes": map[string]string{"name": "Jamestown", "unit": "unit:1"}}
	_, resp := rpcPost(t, url, callTool(toolSend, map[string]any{"message": msg}), map[string]string{headerAgentID: "agent_1"})
	if resp.Error != nil {
		t.Fatalf("send error: %+v", resp.Error)
	}
	if len(b.sent) != 1 || b.sent[0].Tag != "buildColony" || b.sent[0].Attr("name") != "Jamestown" {
		t.Fatalf("unexpected sent messages: %v", b.sent)
	}
	if b.agents[0] != "agent_1" {
		t.Fatalf("agent id not taken from header: %v", b.agents)
	}

	bad := map[string]any{"tag": "buildColony", "extra": true}
	_, resp = rpcPost(t, url, callTool(toolSend, map[string]any{"message": bad}), nil)
	if resp.Error == nil || resp.Error.Code != codeToolFailed || resp.Error.GameCode != protocol.CodeMalformed {
		t.Fatalf("expected envelope rejected as malformed, got %+v", resp.Error)
	}
	if len(b.sent) != 1 {
		t.Fatalf("bad envelope reached the bridge")
	}
}

func TestMCP_PollReturnsMessages(t *testing.T) {
	_, url := newTestServer(t, Config{})
	_, resp := rpcPost(t, url, callTool(toolPoll, map[string]any{"since": 4}), nil)
	if resp.Error != nil {
		t.Fatalf("poll error: %+v", resp.Error)
	}
	var res struct {
		Cursor   uint64            `json:"cursor"`
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		t.Fatalf("decode poll: %v", err)
	}
	if res.Cursor != 5 || len(res.Messages) != 1 {
		t.Fatalf("unexpected poll result: %+v", res)
	}
	m, err := protocol.JSON.Decode(res.Messages[0])
	if err != nil || m.Tag != protocol.TagChanges {
		t.Fatalf("poll message not an envelope: %v %v", m, err)
	}
}

func signedHeaders(agent, nonce string, body []byte) map[string]string {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	return map[string]string{
		headerAgentID:   agent,
		headerTS:        ts,
		headerNonce:     nonce,
		headerSignature: signHMAC([]byte("s3cret"), canonicalStringV2(ts, "POST", "/mcp", agent, nonce, body)),
	}
}

func TestMCP_HMACRequiredAndReplayRefused(t *testing.T) {
	_, url := newTestServer(t, Config{HMACSecret: "s3cret"})
	payload := callTool(toolGetStatus, map[string]any{})

	if code, _ := rpcPost(t, url, payload, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without signature, got %d", code)
	}

	body, _ := json.Marshal(payload)
	headers := signedHeaders("agent_1", "n1", body)
	code, resp := rpcPost(t, url, payload, headers)
	if code != http.StatusOK || resp.Error != nil {
		t.Fatalf("signed request refused: %d %+v", code, resp.Error)
	}
	if code, _ := rpcPost(t, url, payload, headers); code != http.StatusConflict {
		t.Fatalf("expected replay refused with 409, got %d", code)
	}
}

func TestMCP_NoncesAreScopedToPlayer(t *testing.T) {
	_, url := newTestServer(t, Config{HMACSecret: "s3cret"})
	payload := callTool(toolGetStatus, map[string]any{})
	body, _ := json.Marshal(payload)

	if code, _ := rpcPost(t, url, payload, signedHeaders("agent_1", "n7", body)); code != http.StatusOK {
		t.Fatalf("first use of nonce refused: %d", code)
	}
	// agent_2 plays the same player, so the nonce is spent for it too.
	if code, _ := rpcPost(t, url, payload, signedHeaders("agent_2", "n7", body)); code != http.StatusConflict {
		t.Fatalf("expected nonce reuse for player:dutch refused, got %d", code)
	}
	if code, _ := rpcPost(t, url, payload, signedHeaders("agent_3", "n7", body)); code != http.StatusOK {
		t.Fatalf("nonce of another player refused: %d", code)
	}
	if code, _ := rpcPost(t, url, payload, signedHeaders("stranger", "n8", body)); code != http.StatusForbidden {
		t.Fatalf("expected agent without credentials refused with 403, got %d", code)
	}
}

func TestNonceLedger_ExpiresWithWindow(t *testing.T) {
	l := newNonceLedger(2 * time.Second)
	now := time.Unix(1700000000, 0)
	if !l.claim("player:dutch", "n1", now) {
		t.Fatalf("expected first claim to pass")
	}
	if l.claim("player:dutch", "n1", now.Add(time.Second)) {
		t.Fatalf("expected reuse inside the window to fail")
	}
	if !l.claim("player:english", "n1", now.Add(time.Second)) {
		t.Fatalf("expected another player's claim to pass")
	}
	if !l.claim("player:dutch", "n1", now.Add(3*time.Second)) {
		t.Fatalf("expected claim after expiry to pass")
	}
}

func TestNonceLedger_BoundsPlayer(t *testing.T) {
	l := newNonceLedger(time.Minute)
	now := time.Unix(1700000000, 0)
	for i := 0; i < maxNoncesPerPlayer; i++ {
		if !l.claim("player:dutch", strconv.Itoa(i), now) {
			t.Fatalf("claim %d refused", i)
		}
	}
	if l.claim("player:dutch", "overflow", now) {
		t.Fatalf("expected full ledger to refuse")
	}
	if !l.claim("player:dutch", "overflow", now.Add(2*time.Minute)) {
		t.Fatalf("expected claim after the ledger drained")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if n := len(l.players["player:dutch"].order); n != 1 {
		t.Fatalf("expected expired nonces dropped, %d left", n)
	}
}
