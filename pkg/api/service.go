// Package api exposes the node agent's HTTP control surface: session
// lifecycle endpoints used by the pool coordinator, node status and
// tag management, and health reporting.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	nodeerrors "github.com/rendermesh/farmnode/pkg/errors"
	"github.com/rendermesh/farmnode/pkg/logger"
	"github.com/rendermesh/farmnode/pkg/object"
	"github.com/rendermesh/farmnode/pkg/session"
	"github.com/rendermesh/farmnode/pkg/telemetry"
	"github.com/rendermesh/farmnode/pkg/versions"
)

//go:generate mockgen -destination=mocks/mock_service.go -package=mocks github.com/rendermesh/farmnode/pkg/api Sessions,Node

// apiVersion is reported in the node status document so the
// coordinator can detect incompatible agents.
const apiVersion = "1.0"

// Ban defaults: five unmapped GETs ban an address for five minutes.
const (
	defaultCountToBan = 5
	defaultUnbanAfter = 5 * time.Minute
)

// Sessions is the session-management surface the service exposes over
// HTTP. *session.Sessions satisfies it.
type Sessions interface {
	Create(definition object.Object) (object.Object, error)
	Modify(definition object.Object) (object.Object, error)
	Delete(id uuid.UUID, reason string) error
	Signal(id uuid.UUID, signalData object.Object) error
	Status(id uuid.UUID) (object.Object, error)
	Performance(id uuid.UUID) (object.Object, error)
	ActiveSessionIDs() []uuid.UUID
	IdleStatus(out object.Object)
}

// Node is the node-level control surface: health, lifecycle status and
// scheduling tags.
type Node interface {
	CheckHealth() error
	SetStatus(payload object.Object) error
	UpdateTags(payload any) error
	DeleteTags(payload any) error
}

// Service routes coordinator requests to the session and node layers.
type Service struct {
	sessions   Sessions
	node       Node
	bans       *BanList
	banEnabled bool
	profiling  bool
}

// NewService builds the HTTP service. When banUnmapped is set,
// addresses that keep probing unmapped GET endpoints are rejected
// with 429 for a cool-down period.
func NewService(sessions Sessions, node Node, banUnmapped bool) *Service {
	return &Service{
		sessions:   sessions,
		node:       node,
		bans:       NewBanList(defaultCountToBan, defaultUnbanAfter),
		banEnabled: banUnmapped,
	}
}

// EnableProfiling mounts the runtime profiling endpoints under /debug.
// Call before Router.
func (s *Service) EnableProfiling() {
	s.profiling = true
}

// Router returns the service's route table. Session endpoints are
// registered both under /node/1 and at their legacy top-level paths.
func (s *Service) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.banCheck)

	r.Get("/node/1/health", s.getHealth)
	r.Get("/node/1/status", s.getStatus)
	r.Get("/node/1/sessions", s.getSessions)
	r.Get("/node/1/sessions/{sessionID}/status", s.getSessionStatus)
	r.Get("/node/1/sessions/{sessionID}/performance", s.getSessionPerformance)
	r.Get("/version", s.getVersion)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	// Browsers probe for this. Registering it keeps the misses out of
	// the ban tracking.
	r.Get("/favicon.ico", s.faviconMiss)

	r.Post("/node/1/sessions", s.createSession)
	r.Post("/sessions", s.createSession)

	r.Put("/node/1/sessions/modify", s.modifySessions)
	r.Put("/sessions/modify", s.modifySessions)
	r.Put("/node/1/sessions/{sessionID}/status", s.putSessionStatus)
	r.Put("/sessions/{sessionID}/status", s.putSessionStatus)
	r.Put("/status", s.putStatus)
	r.Put("/registration", s.putStatus)
	r.Put("/node/tags", s.putTags)

	r.Delete("/node/1/sessions/{sessionID}", s.deleteSession)
	r.Delete("/sessions/{sessionID}", s.deleteSession)
	r.Delete("/node/tag/{tag}", s.deleteTag)
	r.Delete("/node/tags", s.deleteTags)

	if s.profiling {
		r.Mount("/debug", middleware.Profiler())
	}

	r.NotFound(s.unhandled)
	r.MethodNotAllowed(s.unhandled)
	return r
}

// banCheck rejects GET requests from banned addresses before dispatch.
// Only the GET surface participates in banning.
func (s *Service) banCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.banEnabled && r.Method == http.MethodGet {
			if addr := sourceAddr(r); addr != "" && s.bans.IsBanned(addr) {
				telemetry.RequestBanned()
				http.Error(w, "Too many requests to unmapped endpoints", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Service) getHealth(w http.ResponseWriter, _ *http.Request) {
	if err := s.node.CheckHealth(); err != nil {
		logger.Errorf("Node health check failed : %v", err)
		writeJSON(w, errorStatus(err), object.Object{"status": "DOWN", "info": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, object.Object{"status": "UP"})
}

// getStatus extends the health document with session occupancy, the
// ban summary and the API version.
func (s *Service) getStatus(w http.ResponseWriter, _ *http.Request) {
	if err := s.node.CheckHealth(); err != nil {
		logger.Errorf("Node health check failed : %v", err)
		writeJSON(w, errorStatus(err), object.Object{"status": "DOWN", "info": err.Error()})
		return
	}
	body := object.Object{"status": "UP"}
	s.sessions.IdleStatus(body)
	s.bans.Summary(body)
	body["apiVersion"] = apiVersion
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) getSessions(w http.ResponseWriter, _ *http.Request) {
	ids := s.sessions.ActiveSessionIDs()
	list := make([]string, 0, len(ids))
	for _, id := range ids {
		list = append(list, id.String())
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Service) getSessionStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.sessions.Status(sessionParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Service) getSessionPerformance(w http.ResponseWriter, r *http.Request) {
	perf, err := s.sessions.Performance(sessionParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, perf)
}

func (s *Service) getVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versions.GetVersionInfo())
}

func (s *Service) createSession(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	if err := validateDefinition(raw); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.sessions.Create(payloadObject(raw))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) modifySessions(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	if err := validateDefinition(raw); err != nil {
		writeError(w, err)
		return
	}
	resp, err := s.sessions.Modify(payloadObject(raw))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) putSessionStatus(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	if err := s.sessions.Signal(sessionParam(r), payloadObject(raw)); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Service) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := sessionParam(r)
	reason := r.Header.Get("X-Session-Delete-Reason")
	logger.Debugf("Received delete for session %s, reason: %s", id, reason)
	if err := s.sessions.Delete(id, reason); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Service) putStatus(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	if err := s.node.SetStatus(payloadObject(raw)); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Service) putTags(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	if err := s.node.UpdateTags(payloadAny(raw)); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Service) deleteTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	if err := s.node.DeleteTags([]any{tag}); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

func (s *Service) deleteTags(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	if err := s.node.DeleteTags(payloadAny(raw)); err != nil {
		writeError(w, err)
		return
	}
	writeSuccess(w)
}

// unhandled answers requests no route matched. Unmapped GETs are 404
// and count toward banning the source address; other methods are a
// plain 400.
func (s *Service) unhandled(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		s.unsupportedGET(w, r, true)
		return
	}
	msg := "Unsupported " + r.Method + " endpoint: " + r.URL.Path
	logger.Warn(msg)
	http.Error(w, msg, http.StatusBadRequest)
}

func (s *Service) faviconMiss(w http.ResponseWriter, r *http.Request) {
	s.unsupportedGET(w, r, false)
}

func (s *Service) unsupportedGET(w http.ResponseWriter, r *http.Request, track bool) {
	msg := "Unsupported GET endpoint: " + r.URL.Path
	logger.Warn(msg)
	http.Error(w, msg, http.StatusNotFound)
	if track && s.banEnabled {
		if addr := sourceAddr(r); addr != "" {
			s.bans.Track(addr)
		}
	}
}

// sessionParam returns the session id from the URL, or uuid.Nil when
// it does not parse. The nil id fails the session lookup, which keeps
// the error reporting in one place.
func sessionParam(r *http.Request) uuid.UUID {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		return uuid.Nil
	}
	return id
}

// sourceAddr returns the client host without the ephemeral port, so
// repeated requests from one machine accumulate on one ban entry.
func sourceAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// payloadObject decodes raw into an object. Undecodable payloads come
// back empty so each operation reports its own missing-field error.
func payloadObject(raw []byte) object.Object {
	obj, err := object.Decode(raw)
	if err != nil {
		logger.Debugf("Ignoring unparseable request payload: %v", err)
		return object.Object{}
	}
	return obj
}

// payloadAny decodes raw into an arbitrary JSON value, nil when it
// does not parse. Tag operations type-check the value themselves.
func payloadAny(raw []byte) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		logger.Debugf("Ignoring unparseable request payload: %v", err)
		return nil
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorf("Failed to encode response body: %v", err)
	}
}

func writeSuccess(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, object.Object{"success": "true"})
}

// writeError maps an operation failure to its HTTP status and sends
// the message as plain text.
func writeError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), errorStatus(err))
}

func errorStatus(err error) int {
	var op *session.OperationError
	if errors.As(err, &op) {
		return op.HTTPCode
	}
	return nodeerrors.HTTPStatus(err)
}
