package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"colonysync/internal/ai"
	"colonysync/internal/persistence/indexdb"
	"colonysync/internal/persistence/r2s3"
	"colonysync/internal/protocol"
	"colonysync/internal/sim/dispatch"
	"colonysync/internal/sim/rules"
	"colonysync/internal/sim/world"
	"colonysync/internal/transport/ws"
)

type stateResponse struct {
	GameID   string         `json:"game_id"`
	Seq      uint64         `json:"seq"`
	Turn     int            `json:"turn"`
	Winner   string         `json:"winner,omitempty"`
	Digest   string         `json:"digest"`
	Sessions ws.Stats       `json:"sessions"`
	Dispatch dispatch.Stats `json:"dispatch"`
	AI       ai.Stats       `json:"ai"`
	Index    *indexdb.Stats `json:"index,omitempty"`
	Mirror   *r2s3.Stats    `json:"mirror,omitempty"`
	Snapshot string         `json:"last_snapshot,omitempty"`
}

type announceResponse struct {
	OK      bool   `json:"ok"`
	State   string `json:"state"`
	Code    string `json:"code,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Records int    `json:"records"`
}

func (g *game) state() stateResponse {
	resp := stateResponse{
		GameID:   g.world.ID(),
		Seq:      g.world.Seq(),
		Digest:   g.world.Digest(),
		Sessions: g.sessions.Stats(),
		Dispatch: g.dispatcher.Stats(),
		AI:       g.registry.Stats(),
	}
	g.world.View(func(r world.Reader) {
		resp.Turn, resp.Winner = r.Game().Turn, r.Game().Winner
	})
	if g.index != nil {
		st := g.index.Stats()
		resp.Index = &st
	}
	if g.opts.Mirror != nil {
		st := g.opts.Mirror.Stats()
		resp.Mirror = &st
	}
	g.mu.Lock()
	resp.Snapshot = g.lastSnap
	g.mu.Unlock()
	return resp
}

// registerAdmin adds the local-only admin endpoints to mux.
func (g *game) registerAdmin(mux *http.ServeMux) {
	mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		writeJSON(rw, http.StatusOK, g.state())
	}))
	mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		path, err := g.snapshot()
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "path": path, "seq": g.world.Seq()})
	})))
	mux.HandleFunc("/admin/v1/monarch", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		player := strings.TrimSpace(r.URL.Query().Get("player"))
		tax, err := strconv.Atoi(r.URL.Query().Get("tax"))
		if player == "" || err != nil {
			http.Error(rw, "player and tax are required", http.StatusBadRequest)
			return
		}
		g.serveAnnounce(rw, r, rules.ProposeTaxRaise(player, tax))
	})))
	mux.HandleFunc("/admin/v1/endgame", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		winner := strings.TrimSpace(r.URL.Query().Get("winner"))
		if winner == "" {
			http.Error(rw, "winner is required", http.StatusBadRequest)
			return
		}
		high, _ := strconv.ParseBool(r.URL.Query().Get("high_score"))
		g.serveAnnounce(rw, r, rules.EndGame(winner, high))
	})))
	mux.HandleFunc("/admin/v1/nextturn", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		g.serveAnnounce(rw, r, rules.NextTurn())
	})))
	mux.HandleFunc("/admin/v1/ai/check", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		fix, _ := strconv.ParseBool(r.URL.Query().Get("fix"))
		var result int
		g.world.View(func(rd world.Reader) { result = g.registry.CheckIntegrity(rd, fix) })
		writeJSON(rw, http.StatusOK, map[string]any{"result": result, "objects": g.registry.Len()})
	})))
	mux.HandleFunc("/admin/v1/rejects", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if g.index == nil {
			http.Error(rw, "index disabled", http.StatusNotFound)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := g.index.Flush(ctx); err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rows, err := indexdb.Rejects(ctx, g.index.Reader(), r.URL.Query().Get("player"), limit)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		counts, err := indexdb.RejectCounts(ctx, g.index.Reader())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"counts": counts, "rejects": rows})
	}))
	mux.HandleFunc("/admin/v1/observer/bootstrap", g.observer.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", g.observer.WSHandler())
}

func (g *game) serveAnnounce(rw http.ResponseWriter, r *http.Request, a dispatch.Announcement) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	res, err := g.announce(ctx, a)
	if err != nil {
		writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	resp := announceResponse{OK: res.State == dispatch.Propagated, State: res.State.String()}
	if res.Err != nil {
		resp.Code, resp.Reason = protocol.CodeOf(res.Err), protocol.ReasonOf(res.Err)
	}
	if res.Changes != nil {
		resp.Records = len(res.Changes.Records)
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusConflict
	}
	writeJSON(rw, status, resp)
}

// writeMetrics renders a minimal Prometheus exposition.
func (g *game) writeMetrics(rw http.ResponseWriter) {
	rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
	id := g.world.ID()
	st := g.state()

	fmt.Fprintf(rw, "# HELP colonysync_world_seq Committed mutations.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_world_seq counter\n")
	fmt.Fprintf(rw, "colonysync_world_seq{game=%q} %d\n", id, st.Seq)

	fmt.Fprintf(rw, "# HELP colonysync_world_turn Current game turn.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_world_turn gauge\n")
	fmt.Fprintf(rw, "colonysync_world_turn{game=%q} %d\n", id, st.Turn)

	fmt.Fprintf(rw, "# HELP colonysync_sessions Connected player sessions.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_sessions gauge\n")
	fmt.Fprintf(rw, "colonysync_sessions{game=%q} %d\n", id, st.Sessions.Sessions)

	fmt.Fprintf(rw, "# HELP colonysync_session_events_total Session lifecycle events.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_session_events_total counter\n")
	fmt.Fprintf(rw, "colonysync_session_events_total{game=%q,event=%q} %d\n", id, "handshake", st.Sessions.Handshakes)
	fmt.Fprintf(rw, "colonysync_session_events_total{game=%q,event=%q} %d\n", id, "refused", st.Sessions.Refused)
	fmt.Fprintf(rw, "colonysync_session_events_total{game=%q,event=%q} %d\n", id, "dropped", st.Sessions.Dropped)
	fmt.Fprintf(rw, "colonysync_session_events_total{game=%q,event=%q} %d\n", id, "rate_limited", st.Sessions.RateLimited)

	fmt.Fprintf(rw, "# HELP colonysync_requests_total Requests by outcome.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_requests_total counter\n")
	fmt.Fprintf(rw, "colonysync_requests_total{game=%q,outcome=%q} %d\n", id, "received", st.Dispatch.Received)
	fmt.Fprintf(rw, "colonysync_requests_total{game=%q,outcome=%q} %d\n", id, "malformed", st.Dispatch.Malformed)
	fmt.Fprintf(rw, "colonysync_requests_total{game=%q,outcome=%q} %d\n", id, "accepted", st.Dispatch.Accepted)

	fmt.Fprintf(rw, "# HELP colonysync_rejections_total Rejected requests by error code.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_rejections_total counter\n")
	codes := make([]string, 0, len(st.Dispatch.Rejected))
	for c := range st.Dispatch.Rejected {
		codes = append(codes, c)
	}
	slices.Sort(codes)
	for _, c := range codes {
		fmt.Fprintf(rw, "colonysync_rejections_total{game=%q,code=%q} %d\n", id, c, st.Dispatch.Rejected[c])
	}

	fmt.Fprintf(rw, "# HELP colonysync_dispatch_queue_depth Requests waiting for the serial loop.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_dispatch_queue_depth gauge\n")
	fmt.Fprintf(rw, "colonysync_dispatch_queue_depth{game=%q} %d\n", id, st.Dispatch.QueueDepth)

	fmt.Fprintf(rw, "# HELP colonysync_integrity_failures_total Failed mutations that changed the world.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_integrity_failures_total counter\n")
	fmt.Fprintf(rw, "colonysync_integrity_failures_total{game=%q} %d\n", id, st.Dispatch.IntegrityFailures)

	fmt.Fprintf(rw, "# HELP colonysync_ai_objects AI shadows by kind.\n")
	fmt.Fprintf(rw, "# TYPE colonysync_ai_objects gauge\n")
	kinds := make([]string, 0, len(st.AI.ByKind))
	for k := range st.AI.ByKind {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(rw, "colonysync_ai_objects{game=%q,kind=%q} %d\n", id, k, st.AI.ByKind[ai.Kind(k)])
	}

	if st.Index != nil {
		fmt.Fprintf(rw, "# HELP colonysync_index_queue_depth Index writer backlog.\n")
		fmt.Fprintf(rw, "# TYPE colonysync_index_queue_depth gauge\n")
		fmt.Fprintf(rw, "colonysync_index_queue_depth{game=%q} %d\n", id, st.Index.QueueDepth)
		fmt.Fprintf(rw, "# HELP colonysync_index_dropped_total Index rows dropped because the writer fell behind.\n")
		fmt.Fprintf(rw, "# TYPE colonysync_index_dropped_total counter\n")
		fmt.Fprintf(rw, "colonysync_index_dropped_total{game=%q,table=%q} %d\n", id, "requests", st.Index.DropRequestTotal)
		fmt.Fprintf(rw, "colonysync_index_dropped_total{game=%q,table=%q} %d\n", id, "snapshots", st.Index.DropSnapshotTotal)
	}
	if st.Mirror != nil {
		fmt.Fprintf(rw, "# HELP colonysync_mirror_uploads_total Files uploaded to the bucket by outcome.\n")
		fmt.Fprintf(rw, "# TYPE colonysync_mirror_uploads_total counter\n")
		fmt.Fprintf(rw, "colonysync_mirror_uploads_total{game=%q,result=%q} %d\n", id, "ok", st.Mirror.UploadSuccessTotal)
		fmt.Fprintf(rw, "colonysync_mirror_uploads_total{game=%q,result=%q} %d\n", id, "error", st.Mirror.UploadFailTotal)
		fmt.Fprintf(rw, "colonysync_mirror_uploads_total{game=%q,result=%q} %d\n", id, "dropped", st.Mirror.DroppedTotal)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(rw, r)
	}
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
