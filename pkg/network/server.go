package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func (p *Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

type answer struct {
	ChallengeID string    `json:"challengeId"`
	Signature   Signature `json:"signature"`
}

// Server exposes a Local network over the HTTP protocol HTTPClient speaks.
type Server struct {
	net    *Local
	logger *slog.Logger
}

// NewServer wraps l.
func NewServer(l *Local) *Server {
	return &Server{net: l, logger: slog.Default().With("component", "network.server")}
}

// RegisterRoutes mounts the protocol on mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/capacity-delegations/challenge", s.handleDelegationChallenge)
	mux.HandleFunc("POST /v1/capacity-delegations", s.handleDelegation)
	mux.HandleFunc("POST /v1/sessions/challenge", s.handleSessionChallenge)
	mux.HandleFunc("POST /v1/sessions", s.handleSession)
	mux.HandleFunc("POST /v1/execute", s.handleExecute)
}

// Handler returns a mux with the protocol mounted.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&Problem{
		Type:   fmt.Sprintf("https://agentwallet.local/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrCredentialUsed):
		writeProblem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrSignatureMismatch), errors.Is(err, ErrUnauthorized):
		writeProblem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrChallengeUnknown):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error())
	case errs.Is(err, errs.KindStorage):
		s.logger.ErrorContext(r.Context(), "internal server error", "path", r.URL.Path, "error", err)
		writeProblem(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred.")
	default:
		writeProblem(w, http.StatusUnprocessableEntity, "Unprocessable Entity", err.Error())
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeProblem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return false
	}
	return true
}

func (s *Server) handleDelegationChallenge(w http.ResponseWriter, r *http.Request) {
	var req DelegationRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.net.BeginDelegation(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleDelegation(w http.ResponseWriter, r *http.Request) {
	var a answer
	if !decode(w, r, &a) {
		return
	}
	d, err := s.net.FinishDelegation(r.Context(), a.ChallengeID, a.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

func (s *Server) handleSessionChallenge(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := s.net.BeginSession(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	var a answer
	if !decode(w, r, &a) {
		return
	}
	cred, err := s.net.FinishSession(r.Context(), a.ChallengeID, a.Signature)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, cred)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "session credential required")
		return
	}
	var req ExecuteRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.net.ExecuteTool(r.Context(), &SessionCredential{Token: token}, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
