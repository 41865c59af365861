package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/gaspardpetit/acpx/internal/acp"
	"github.com/gaspardpetit/acpx/internal/bridge"
	"github.com/gaspardpetit/acpx/internal/logx"
)

const maxBodyBytes = 16 * 1024 * 1024

// Options configures the HTTP surface.
type Options struct {
	Registry       *bridge.Registry
	WorkspaceRoot  string
	AllowedOrigins []string
	Heartbeat      time.Duration
	Version        string
}

// Server is the stateless HTTP face of the bridge registry.
type Server struct {
	reg       *bridge.Registry
	root      string
	origins   []string
	heartbeat time.Duration
	version   string
	log       zerolog.Logger
}

// NewHandler builds the router.
func NewHandler(opts Options) http.Handler {
	s := &Server{
		reg:       opts.Registry,
		root:      opts.WorkspaceRoot,
		origins:   opts.AllowedOrigins,
		heartbeat: opts.Heartbeat,
		version:   opts.Version,
		log:       logx.Log.With().Str("component", "gateway").Logger(),
	}
	if s.heartbeat <= 0 {
		s.heartbeat = 15 * time.Second
	}

	r := chi.NewRouter()
	allowed := s.origins
	if len(allowed) == 0 {
		allowed = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowed,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Last-Event-ID"},
	}))

	r.Post("/acp/{serverId}", s.handleRPC)
	r.Get("/acp/{serverId}", s.handleEvents)
	r.Delete("/acp/{serverId}", s.handleDelete)
	r.Get("/acp/{serverId}/ws", s.handleWS)
	r.Get("/acp/{serverId}/status", s.handleStatus)
	r.Post("/api/restart", s.handleRestart)
	r.Get("/api/openapi.json", s.handleOpenAPI)
	r.Get("/healthz", s.handleHealth)
	r.Get("/fs/list", s.handleFSList)
	r.Get("/fs/read", s.handleFSRead)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// writeRPCError emits a JSON-RPC error envelope with the given HTTP
// status.
func writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": msg},
	}
	if id == nil {
		env["id"] = nil
	}
	_ = json.NewEncoder(w).Encode(env)
}

// handleRPC accepts one JSON-RPC message per POST. Requests block for
// the agent's response; notifications and client responses are forwarded
// fire-and-forget with a 202.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, acp.CodeParseError, "read body: "+err.Error())
		return
	}
	msg, err := acp.Decode(body)
	if err != nil {
		writeRPCError(w, http.StatusBadRequest, nil, acp.CodeParseError, "parse error: "+err.Error())
		return
	}

	b := s.reg.Ensure(serverID)
	if err := b.EnsureRunning(); err != nil {
		writeRPCError(w, http.StatusInternalServerError, msg.ID, acp.CodeInternalError, err.Error())
		return
	}

	switch msg.Kind {
	case acp.KindNotification:
		if err := b.SendNotification(msg); err != nil {
			writeRPCError(w, http.StatusInternalServerError, nil, acp.CodeInternalError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case acp.KindResponse:
		if err := b.SendClientResponse(msg); err != nil {
			writeRPCError(w, http.StatusInternalServerError, msg.ID, acp.CodeInternalError, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	case acp.KindRequest:
		resp, err := b.Call(r.Context(), msg)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, msg.ID, acp.CodeInternalError, err.Error())
			return
		}
		raw, err := resp.Encode()
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError, msg.ID, acp.CodeInternalError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(raw)
	}
}

// lastEventID reads the SSE resume position; absent or invalid means
// replay everything.
func lastEventID(r *http.Request) int64 {
	h := r.Header.Get("Last-Event-ID")
	if h == "" {
		return -1
	}
	n, err := strconv.ParseInt(h, 10, 64)
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// handleEvents streams the transcript over SSE, replaying buffered
// events past Last-Event-ID before going live.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	b, ok := s.reg.Get(serverID)
	if !ok {
		writeRPCError(w, http.StatusNotFound, nil, acp.CodeInvalidParams, "unknown server id: "+serverID)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	replay, ch, cancel := b.SubscribeFrom(lastEventID(r))
	defer cancel()
	for _, ev := range replay {
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, ev.Payload)
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.Seq, ev.Payload)
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleDelete tears the server's bridge down. Deleting an unknown id is
// a no-op.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	s.reg.Remove(serverID)
	w.WriteHeader(http.StatusNoContent)
}

type statusResponse struct {
	bridge.Status
	RSSBytes   uint64  `json:"rssBytes,omitempty"`
	CPUPercent float64 `json:"cpuPercent,omitempty"`
}

// handleStatus reports bridge state plus subprocess resource usage.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	serverID := chi.URLParam(r, "serverId")
	b, ok := s.reg.Get(serverID)
	if !ok {
		writeRPCError(w, http.StatusNotFound, nil, acp.CodeInvalidParams, "unknown server id: "+serverID)
		return
	}
	resp := statusResponse{Status: b.Status()}
	if resp.Running && resp.PID > 0 {
		if proc, err := process.NewProcess(int32(resp.PID)); err == nil {
			if mem, err := proc.MemoryInfo(); err == nil {
				resp.RSSBytes = mem.RSS
			}
			if cpu, err := proc.CPUPercent(); err == nil {
				resp.CPUPercent = cpu
			}
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRestart stops every bridge so the next request gets a fresh
// agent.
func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	var p struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&p)
	if p.Reason == "" {
		p.Reason = "api request"
	}
	n := s.reg.RestartAll(p.Reason)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]int{"restarted": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.version})
}

// resolvePath anchors p at the workspace root and rejects escapes.
func (s *Server) resolvePath(p string) (string, error) {
	if p == "" {
		p = "."
	}
	full := filepath.Clean(filepath.Join(s.root, p))
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", p)
	}
	return full, nil
}

type fsEntry struct {
	Name  string `json:"name"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"isDir"`
}

// handleFSList lists a workspace directory for transcript viewers.
func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	path, err := s.resolvePath(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	out := make([]fsEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, fsEntry{Name: e.Name(), Size: info.Size(), IsDir: e.IsDir()})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// handleFSRead serves a workspace file as plain text.
func (s *Server) handleFSRead(w http.ResponseWriter, r *http.Request) {
	path, err := s.resolvePath(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(data)
}
