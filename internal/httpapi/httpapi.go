// Package httpapi serves the client-facing KV API over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/isparth/Distributed-Systems/raft-kv/internal/distributedkv"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/raft"
	"github.com/isparth/Distributed-Systems/raft-kv/internal/types"
)

// Server serves the HTTP API backed by a DistributedKV.
type Server struct {
	dkv    *distributedkv.DistributedKV
	logger *log.Entry
}

// New creates a new HTTP API server. A nil logger uses the standard one.
func New(dkv *distributedkv.DistributedKV, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Server{dkv: dkv, logger: log.NewEntry(logger).WithField("component", "httpapi")}
}

// Handler returns the HTTP handler with all routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// shared middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", s.Healthz)
	r.Get("/status", s.Status)
	r.Route("/kv", func(r chi.Router) {
		r.Get("/", s.ListKeys)
		r.Post("/mget", s.MGet)
		r.Post("/mput", s.MPut)
		r.Post("/mdelete", s.MDelete)
		r.Get("/{key}", s.GetKey)
		r.Put("/{key}", s.PutKey)
		r.Delete("/{key}", s.DeleteKey)
		r.Post("/{key}/cas", s.CASKey)
	})
	return r
}

// accessLog is middleware.Logger written through logrus.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"bytes":      ww.BytesWritten(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("request")
	})
}

func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dkv.Status())
}

func (s *Server) ListKeys(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": s.dkv.All()})
}

func (s *Server) GetKey(w http.ResponseWriter, r *http.Request) {
	v, ok := s.dkv.Get(chi.URLParam(r, "key"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "value": v})
}

func (s *Server) MGet(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Keys []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	if len(body.Keys) == 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "keys is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "values": s.dkv.MGet(body.Keys)})
}

// writeBody is the client session part every write request carries.
type writeBody struct {
	ClientID string `json:"client_id"`
	Seq      uint64 `json:"seq"`
}

func (b writeBody) command() types.Command {
	return types.Command{ClientID: b.ClientID, Seq: b.Seq}
}

func (s *Server) PutKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w, r) {
		return
	}
	var body struct {
		writeBody
		Value string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := body.command()
	cmd.Key, cmd.Value = chi.URLParam(r, "key"), body.Value
	s.write(w, r, s.dkv.Put, cmd)
}

func (s *Server) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w, r) {
		return
	}
	// the body is optional for deletes
	var body writeBody
	_ = decodeJSON(r, &body)
	cmd := body.command()
	cmd.Key = chi.URLParam(r, "key")
	s.write(w, r, s.dkv.Delete, cmd)
}

func (s *Server) CASKey(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w, r) {
		return
	}
	var body struct {
		writeBody
		Expected string `json:"expected"`
		Value    string `json:"value"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := body.command()
	cmd.Key, cmd.Expected, cmd.Value = chi.URLParam(r, "key"), body.Expected, body.Value
	s.write(w, r, s.dkv.CAS, cmd)
}

func (s *Server) MPut(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w, r) {
		return
	}
	var body struct {
		writeBody
		Entries []types.Entry `json:"entries"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := body.command()
	cmd.Entries = body.Entries
	s.write(w, r, s.dkv.MPut, cmd)
}

func (s *Server) MDelete(w http.ResponseWriter, r *http.Request) {
	if s.redirectIfNotLeader(w, r) {
		return
	}
	var body struct {
		writeBody
		Keys []string `json:"keys"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON")
		return
	}
	cmd := body.command()
	cmd.Keys = body.Keys
	s.write(w, r, s.dkv.MDelete, cmd)
}

type writeFunc func(context.Context, types.Command) (types.ApplyResult, error)

// write runs fn and maps its outcome to a response.
func (s *Server) write(w http.ResponseWriter, r *http.Request, fn writeFunc, cmd types.Command) {
	res, err := fn(r.Context(), cmd)
	switch {
	case err == nil:
	case errors.Is(err, raft.ErrNotLeader):
		// leadership moved between the check and the proposal
		s.notLeader(w, r)
		return
	case errors.Is(err, raft.ErrDuplicateRequest):
		writeError(w, http.StatusConflict, "duplicate_request", err.Error())
		return
	case errors.Is(err, raft.ErrAlreadyApplied):
		writeError(w, http.StatusConflict, "already_applied", err.Error())
		return
	case errors.Is(err, raft.ErrLeadershipLost), errors.Is(err, raft.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
		return
	default:
		s.logger.WithError(err).WithField("op", cmd.Op).Error("write failed")
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}

	switch {
	case res.Ok:
		writeJSON(w, http.StatusOK, res)
	case res.ErrCode == "cas_failed":
		writeJSON(w, http.StatusConflict, res)
	default:
		writeJSON(w, http.StatusBadRequest, res)
	}
}

// redirectIfNotLeader returns 307 with leader hint if this node is not the leader.
func (s *Server) redirectIfNotLeader(w http.ResponseWriter, r *http.Request) bool {
	if s.dkv.IsLeader() {
		return false
	}
	s.notLeader(w, r)
	return true
}

func (s *Server) notLeader(w http.ResponseWriter, r *http.Request) {
	hint := s.dkv.LeaderHint()
	if hint.LeaderAddr != "" {
		w.Header().Set("Location", hint.LeaderAddr+r.URL.RequestURI())
	}
	writeJSON(w, http.StatusTemporaryRedirect, map[string]any{
		"error":       "not_leader",
		"leader_hint": hint,
	})
}

// --- JSON helpers ---

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, types.ApplyResult{Ok: false, ErrCode: code, ErrMsg: msg})
}
