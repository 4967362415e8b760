package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"a2anode/pkg/agent"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	controlTokenHeader     = "X-A2A-Token"
	controlShutdownTimeout = 3 * time.Second
	controlSendTimeout     = 30 * time.Second
	controlMaxBody         = 1 << 20
	controlHistoryDefault  = 50
	controlHistoryMax      = 500
)

type controlOptions struct {
	Token      string
	RateLimit  int
	RateWindow time.Duration
	// OnShutdown is called by POST /v1/shutdown; nil disables the route.
	OnShutdown func()
}

type controlAPIServer struct {
	node       *agent.Node
	token      string
	rateLimit  int
	rateWindow time.Duration
	onShutdown func()
	srv        *http.Server
	mu         sync.Mutex
	rate       map[string]rateWindow
}

type rateWindow struct {
	start time.Time
	count int
}

func newControlAPI(node *agent.Node, opts controlOptions) (*controlAPIServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	c := &controlAPIServer{
		node:       node,
		token:      strings.TrimSpace(opts.Token),
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		onShutdown: opts.OnShutdown,
		rate:       make(map[string]rateWindow),
	}
	if c.rateLimit <= 0 {
		c.rateLimit = 120
	}
	if c.rateWindow <= 0 {
		c.rateWindow = time.Minute
	}
	return c, nil
}

func startControlAPI(listenAddr string, node *agent.Node, opts controlOptions) (*controlAPIServer, error) {
	c, err := newControlAPI(node, opts)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, err
	}
	c.srv = &http.Server{
		Handler:           c.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("[ControlAPI] Listen error: %v\n", err)
		}
	}()
	return c, nil
}

func (c *controlAPIServer) Stop() error {
	if c == nil || c.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), controlShutdownTimeout)
	defer cancel()
	return c.srv.Shutdown(ctx)
}

func (c *controlAPIServer) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger)

	r.Group(func(r chi.Router) {
		r.Use(c.rateLimited)
		r.Use(c.authenticated)

		r.Handle("/metrics", promhttp.Handler())

		r.Get("/v1/status", c.handleStatus)
		r.Get("/v1/pubkey", c.handlePubKey)
		r.Get("/v1/card", c.handleCard)
		r.Post("/v1/announce", c.handleAnnounce)
		r.Get("/v1/agents", c.handleAgents)

		r.Post("/v1/messages", c.handleMessage)
		r.Get("/v1/tasks", c.handleSentTasks)
		r.Post("/v1/tasks", c.handleSendTask)
		r.Get("/v1/tasks/{id}", c.handleTaskStatus)
		r.Post("/v1/inbox/poll", c.handlePoll)
		r.Post("/v1/inbox/{id}/respond", c.handleRespond)
		r.Get("/v1/history", c.handleHistory)

		r.Get("/v1/blocked", c.handleBlocked)
		r.Post("/v1/block", c.handleBlock)
		r.Post("/v1/unblock", c.handleUnblock)

		if c.onShutdown != nil {
			r.Post("/v1/shutdown", c.handleShutdown)
		}
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugw("control request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}

func (c *controlAPIServer) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c.token != "" {
			in := []byte(strings.TrimSpace(r.Header.Get(controlTokenHeader)))
			expected := []byte(c.token)
			if len(in) != len(expected) || subtle.ConstantTimeCompare(in, expected) != 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (c *controlAPIServer) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !c.allowRequest(r) {
			writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (c *controlAPIServer) allowRequest(r *http.Request) bool {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil || host == "" {
		host = strings.TrimSpace(r.RemoteAddr)
		if host == "" {
			host = "unknown"
		}
	}
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.rate[host]
	if w.start.IsZero() || now.Sub(w.start) >= c.rateWindow {
		w = rateWindow{start: now, count: 0}
	}
	if w.count >= c.rateLimit {
		c.rate[host] = w
		return false
	}
	w.count++
	c.rate[host] = w
	return true
}

func (c *controlAPIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := c.node.Stats()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"state": c.node.State().String(),
			"error": err.Error(),
			"code":  agent.ErrorCode(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (c *controlAPIServer) handlePubKey(w http.ResponseWriter, r *http.Request) {
	pub, err := c.node.PubKey()
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"public_id": pub})
}

func (c *controlAPIServer) handleCard(w http.ResponseWriter, r *http.Request) {
	card, err := c.node.AgentCardJSON()
	if err != nil {
		writeNodeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(card))
}

func (c *controlAPIServer) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), controlSendTimeout)
	defer cancel()
	if err := c.node.Announce(ctx); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (c *controlAPIServer) handleAgents(w http.ResponseWriter, r *http.Request) {
	entries, err := c.node.Discover()
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(entries), "agents": entries})
}

type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func (c *controlAPIServer) handleSendTask(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), controlSendTimeout)
	defer cancel()
	id, err := c.node.SendText(ctx, strings.TrimSpace(req.To), req.Text)
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"task_id": id})
}

func (c *controlAPIServer) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), controlSendTimeout)
	defer cancel()
	if err := c.node.SendMessage(ctx, strings.TrimSpace(req.To), req.Text); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
}

func (c *controlAPIServer) handleSentTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.node.SentTasks()
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(tasks), "tasks": tasks})
}

func (c *controlAPIServer) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	st, err := c.node.TaskStatus(chi.URLParam(r, "id"))
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (c *controlAPIServer) handlePoll(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.node.PollTasks()
	if err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(tasks), "tasks": tasks})
}

type respondRequest struct {
	Text string `json:"text"`
}

func (c *controlAPIServer) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json body"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), controlSendTimeout)
	defer cancel()
	taskID := chi.URLParam(r, "id")
	if err := c.node.Respond(ctx, taskID, req.Text); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "task_id": taskID})
}

func (c *controlAPIServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	j := c.node.Journal()
	if j == nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "journal not configured"})
		return
	}
	limit := parseLimit(r.URL.Query().Get("limit"), controlHistoryDefault, controlHistoryMax)
	recs, err := j.RecentTasks(limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(recs), "tasks": recs})
}

type peerRequest struct {
	PeerID string `json:"peer_id"`
}

func (c *controlAPIServer) handleBlocked(w http.ResponseWriter, r *http.Request) {
	peers := c.node.BlockedPeers()
	writeJSON(w, http.StatusOK, map[string]interface{}{"count": len(peers), "peers": peers})
}

func (c *controlAPIServer) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json body"})
		return
	}
	if err := c.node.BlockPeer(strings.TrimSpace(req.PeerID)); err != nil {
		writeNodeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "peer_id": req.PeerID})
}

func (c *controlAPIServer) handleUnblock(w http.ResponseWriter, r *http.Request) {
	var req peerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid json body"})
		return
	}
	removed := c.node.UnblockPeer(strings.TrimSpace(req.PeerID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "removed": removed})
}

func (c *controlAPIServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ok": true})
	c.onShutdown()
}

func nodeErrorStatus(err error) int {
	switch agent.ErrorCode(err) {
	case "not_ready":
		return http.StatusServiceUnavailable
	case "unknown_peer", "unknown_task":
		return http.StatusNotFound
	case "already_responded":
		return http.StatusConflict
	case "blocked_peer":
		return http.StatusForbidden
	case "invalid_argument":
		return http.StatusBadRequest
	case "transport_publish":
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeNodeError(w http.ResponseWriter, err error) {
	writeJSON(w, nodeErrorStatus(err), map[string]interface{}{
		"error": err.Error(),
		"code":  agent.ErrorCode(err),
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, controlMaxBody))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseLimit(raw string, fallback int, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}
