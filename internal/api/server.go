// Package api binds the key management service to a JSON-over-HTTP surface:
// session key issuance, link health, the operator attack controls, session
// invalidation, and demo reset.
package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/signalsfoundry/qkd-kms/internal/kms"
	"github.com/signalsfoundry/qkd-kms/internal/logging"
	"github.com/signalsfoundry/qkd-kms/internal/observability"
)

const basePath = "/api/v1"

// attackCheckDevice is the synthetic identifier used when the operator
// trigger runs an immediate compromised exchange to flip the link RED.
const attackCheckDevice = "attack-check"

// Server exposes the KMS operations over HTTP.
type Server struct {
	mgr       *kms.Manager
	log       logging.Logger
	collector *observability.KMSCollector
}

// NewServer constructs a Server around a manager. The collector is optional;
// when present every route is instrumented.
func NewServer(mgr *kms.Manager, log logging.Logger, collector *observability.KMSCollector) *Server {
	if log == nil {
		log = logging.Noop()
	}
	return &Server{mgr: mgr, log: log, collector: collector}
}

// Routes assembles the HTTP handler with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	s.handle(mux, "POST "+basePath+"/keys", basePath+"/keys", s.handleIssueKey)
	s.handle(mux, "GET "+basePath+"/link/health", basePath+"/link/health", s.handleLinkHealth)
	s.handle(mux, "POST "+basePath+"/link/attack", basePath+"/link/attack", s.handleForceAttack)
	s.handle(mux, "DELETE "+basePath+"/link/attack", basePath+"/link/attack", s.handleClearAttack)
	s.handle(mux, "DELETE "+basePath+"/sessions/{device_id}", basePath+"/sessions", s.handleInvalidateSession)
	s.handle(mux, "POST "+basePath+"/reset", basePath+"/reset", s.handleReset)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	return withRecovery(s.log, withRequestID(s.log, mux))
}

// handle registers a handler under pattern, instrumented with the metrics
// route label.
func (s *Server) handle(mux *http.ServeMux, pattern, route string, fn http.HandlerFunc) {
	var h http.Handler = fn
	if s.collector != nil {
		h = s.collector.Middleware(route, h)
	}
	mux.Handle(pattern, h)
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req KeyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	res, err := s.mgr.IssueKey(ctx, kms.KeyRequest{
		DeviceID:    req.DeviceID,
		ForceAttack: req.ForceAttack,
		Hybrid:      req.Hybrid,
	})
	if err != nil {
		code := httpStatusFor(err)
		if code == http.StatusServiceUnavailable {
			// Undersized or unusable sifted runs are transient; the client
			// should simply retry the exchange.
			w.Header().Set("Retry-After", "1")
		}
		writeJSON(w, code, ErrorResponse{Error: err.Error()})
		return
	}

	if res.Denied {
		writeJSON(w, http.StatusForbidden, RejectionResponse{
			Error:  res.Reason,
			QBER:   res.QBER,
			Status: string(res.Status),
		})
		return
	}

	writeJSON(w, http.StatusOK, KeyResponse{
		KeyHex: hex.EncodeToString(res.Key),
		QBER:   res.QBER,
		Status: string(res.Status),
		Hybrid: res.Hybrid,
		Shared: res.Shared,
	})
}

func (s *Server) handleLinkHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.mgr.CheckLinkHealth()
	writeJSON(w, http.StatusOK, LinkHealthResponse{
		Status:          string(snap.Status),
		QBER:            snap.LastQBER,
		TotalKeysIssued: snap.KeysIssued,
		AttacksDetected: snap.AttacksDetected,
		ActiveSessions:  snap.ActiveSessions,
		ForcedAttack:    snap.ForcedAttack,
	})
}

// handleForceAttack latches the operator attack override and runs one
// compromised exchange immediately so the health record flips RED without
// waiting for the next device request.
func (s *Server) handleForceAttack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	s.mgr.ForceAttack()

	res, err := s.mgr.IssueKey(ctx, kms.KeyRequest{DeviceID: attackCheckDevice, ForceAttack: true})
	if err == nil && !res.Denied {
		// The synthetic device must not linger in the session table.
		s.mgr.InvalidateSession(attackCheckDevice)
	}
	snap := s.mgr.CheckLinkHealth()
	switch {
	case err != nil:
		writeJSON(w, http.StatusOK, AttackResponse{
			Status:  string(snap.Status),
			QBER:    snap.LastQBER,
			Message: fmt.Sprintf("attack latched; forced exchange failed: %v", err),
		})
	case res.Denied:
		writeJSON(w, http.StatusOK, AttackResponse{
			Status:  string(snap.Status),
			QBER:    snap.LastQBER,
			Message: "attack latched; forced exchange detected and blocked",
		})
	default:
		// Statistically possible for the forced exchange's QBER to land
		// under the threshold; the latch still holds for subsequent
		// requests.
		writeJSON(w, http.StatusOK, AttackResponse{
			Status:  string(snap.Status),
			QBER:    snap.LastQBER,
			Message: "attack latched; forced exchange passed undetected",
		})
	}
}

func (s *Server) handleClearAttack(w http.ResponseWriter, r *http.Request) {
	s.mgr.ClearForcedAttack()
	snap := s.mgr.CheckLinkHealth()
	writeJSON(w, http.StatusOK, AttackResponse{
		Status:  string(snap.Status),
		QBER:    snap.LastQBER,
		Message: "forced attack cleared",
	})
}

func (s *Server) handleInvalidateSession(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("device_id")
	if deviceID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing device_id"})
		return
	}
	if !s.mgr.InvalidateSession(deviceID) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: fmt.Sprintf("no active session for %q", deviceID)})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.mgr.ResetForDemo()
	writeJSON(w, http.StatusOK, ResetResponse{
		Status:  "reset_complete",
		Message: "state cleared to baseline; link status GREEN",
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	// Reject trailing garbage after the JSON document.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
