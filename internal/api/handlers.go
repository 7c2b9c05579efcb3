package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/auth"
	"github.com/gustycube/cyberstreams/internal/credential"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/health"
	"github.com/gustycube/cyberstreams/internal/search"
	"github.com/gustycube/cyberstreams/internal/types"
)

const maxBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody reads a JSON object into dst. An empty body leaves dst as is.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apierr.Validation("Invalid JSON body", apierr.FieldError{Field: "body", Message: err.Error()})
	}
	return nil
}

func identity(r *http.Request) *auth.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

// fail writes err as the error envelope. Server-side failures are logged with
// their cause since the envelope never carries it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	id := requestID(r)
	if e := apierr.From(err); e.Status >= http.StatusInternalServerError {
		ri := infoFrom(r.Context())
		s.log.Errorw("request failed", "requestId", id, "method", r.Method, "path", r.URL.Path, "route", ri.route, "status", e.Status, "code", e.Code, "err", err)
	}
	apierr.Write(w, id, err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	infoFrom(r.Context()).route = "GET /api/v1/health"
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, health.Response{Status: health.StatusOK, Timestamp: time.Now().UTC(), Services: map[string]health.Status{}})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Report(r.Context()))
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, err := search.ParseQuery(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	env, err := s.deps.Search.Search(r.Context(), q)
	if err != nil {
		s.log.Warnw("search failed", "requestId", requestID(r), "err", err)
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcaster == nil {
		s.fail(w, r, apierr.Unavailable("Activity stream is not configured", nil))
		return
	}
	rc := http.NewResponseController(w)
	frames, err := s.deps.Broadcaster.Stream(r.Context(), requestID(r))
	if err != nil {
		s.log.Warnw("stream subscribe failed", "requestId", requestID(r), "err", err)
		s.fail(w, r, apierr.Unavailable("Activity stream unavailable", err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_ = rc.Flush()

	for f := range frames {
		if _, err := f.WriteTo(w); err != nil {
			s.log.Debugw("stream write failed", "requestId", requestID(r), "err", err)
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

type publishRequest struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.deps.Broadcaster == nil {
		s.fail(w, r, apierr.Unavailable("Activity stream is not configured", nil))
		return
	}
	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Type) == "" {
		s.fail(w, r, apierr.Validation("Event type is required", apierr.FieldError{Field: "type", Message: "required"}))
		return
	}
	if err := s.deps.Broadcaster.Publish(r.Context(), req.Type, req.Data, identity(r).UserID); err != nil {
		s.log.Warnw("publish failed", "requestId", requestID(r), "err", err)
		s.fail(w, r, apierr.Unavailable("Activity bus unavailable", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type tokenRequest struct {
	Scopes    []string `json:"scopes"`
	ExpiresIn int64    `json:"expiresIn"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if id.Type != auth.TypeAPIKey {
		s.fail(w, r, apierr.Forbidden("Token exchange requires an API key"))
		return
	}
	var req tokenRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	tok, err := s.deps.Issuer.Issue(id, req.Scopes, req.ExpiresIn)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.Infow("token issued", "requestId", requestID(r), "userId", id.UserID, "expiresIn", tok.ExpiresIn)
	writeJSON(w, http.StatusOK, tok)
}

// storeError maps document store failures onto the error envelope.
func storeError(err error, what string) error {
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return apierr.NotFound(what + " not found")
	case errors.Is(err, docstore.ErrUnavailable):
		return apierr.Unavailable("Document store unavailable", err)
	default:
		return apierr.Internal(err)
	}
}

// intParam parses an optional integer query parameter bounded to [lo, hi];
// hi <= 0 leaves it unbounded above.
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi > 0 && n > hi) {
		msg := "must be an integer >= " + strconv.Itoa(lo)
		if hi > 0 {
			msg = "must be between " + strconv.Itoa(lo) + " and " + strconv.Itoa(hi)
		}
		return 0, apierr.Validation("Invalid "+name, apierr.FieldError{Field: name, Message: msg})
	}
	return n, nil
}

func (s *Server) docs(w http.ResponseWriter, r *http.Request) bool {
	if s.deps.Docs == nil {
		s.fail(w, r, apierr.Unavailable("Document store is not configured", nil))
		return false
	}
	return true
}

func (s *Server) handleListActors(w http.ResponseWriter, r *http.Request) {
	if !s.docs(w, r) {
		return
	}
	limit, err := intParam(r, "limit", 20, 1, 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	offset, err := intParam(r, "offset", 0, 0, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, total, err := s.deps.Docs.List(r.Context(), ThreatActorIndex, limit, offset)
	if err != nil {
		s.fail(w, r, storeError(err, "Threat actors"))
		return
	}
	if items == nil {
		items = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total": total,
		"data":  items,
		"meta":  map[string]int{"limit": limit, "offset": offset},
	})
}

func (s *Server) handleCreateActor(w http.ResponseWriter, r *http.Request) {
	if !s.docs(w, r) {
		return
	}
	var doc map[string]any
	if err := decodeBody(r, &doc); err != nil {
		s.fail(w, r, err)
		return
	}
	if name, _ := doc["name"].(string); strings.TrimSpace(name) == "" {
		s.fail(w, r, apierr.Validation("Threat actor name is required", apierr.FieldError{Field: "name", Message: "required"}))
		return
	}
	delete(doc, "id")
	now := time.Now().UTC().Format(time.RFC3339)
	doc["createdAt"] = now
	doc["updatedAt"] = now
	doc["createdBy"] = identity(r).UserID

	id, err := s.deps.Docs.Create(r.Context(), ThreatActorIndex, doc)
	if err != nil {
		s.fail(w, r, storeError(err, "Threat actor"))
		return
	}
	doc["id"] = id
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleGetActor(w http.ResponseWriter, r *http.Request) {
	if !s.docs(w, r) {
		return
	}
	doc, err := s.deps.Docs.Get(r.Context(), ThreatActorIndex, r.PathValue("id"))
	if err != nil {
		s.fail(w, r, storeError(err, "Threat actor"))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleUpdateActor(w http.ResponseWriter, r *http.Request) {
	if !s.docs(w, r) {
		return
	}
	var fields map[string]any
	if err := decodeBody(r, &fields); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(fields) == 0 {
		s.fail(w, r, apierr.Validation("Update body is empty"))
		return
	}
	if name, ok := fields["name"]; ok {
		if n, _ := name.(string); strings.TrimSpace(n) == "" {
			s.fail(w, r, apierr.Validation("Threat actor name cannot be empty", apierr.FieldError{Field: "name", Message: "required"}))
			return
		}
	}
	delete(fields, "id")
	delete(fields, "createdAt")
	fields["updatedAt"] = time.Now().UTC().Format(time.RFC3339)

	id := r.PathValue("id")
	if err := s.deps.Docs.Update(r.Context(), ThreatActorIndex, id, fields); err != nil {
		s.fail(w, r, storeError(err, "Threat actor"))
		return
	}
	doc, err := s.deps.Docs.Get(r.Context(), ThreatActorIndex, id)
	if err != nil {
		s.fail(w, r, storeError(err, "Threat actor"))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDeleteActor(w http.ResponseWriter, r *http.Request) {
	if !s.docs(w, r) {
		return
	}
	if err := s.deps.Docs.Delete(r.Context(), ThreatActorIndex, r.PathValue("id")); err != nil {
		s.fail(w, r, storeError(err, "Threat actor"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50, 1, 500)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var docs []types.Document
	if s.deps.Recent != nil {
		docs = s.deps.Recent()
	}
	total := len(docs)
	if len(docs) > limit {
		docs = docs[:limit]
	}
	if docs == nil {
		docs = []types.Document{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "documents": docs})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Credentials.List(r.Context(), r.URL.Query().Get("userId"))
	if err != nil {
		s.fail(w, r, apierr.Unavailable("Credential store unavailable", err))
		return
	}
	if recs == nil {
		recs = []credential.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": recs})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	var nk credential.NewKey
	if err := decodeBody(r, &nk); err != nil {
		s.fail(w, r, err)
		return
	}
	var fields []apierr.FieldError
	if strings.TrimSpace(nk.Name) == "" {
		fields = append(fields, apierr.FieldError{Field: "name", Message: "required"})
	}
	if strings.TrimSpace(nk.UserID) == "" {
		fields = append(fields, apierr.FieldError{Field: "userId", Message: "required"})
	}
	for _, p := range nk.Permissions {
		if !slices.Contains(auth.KnownPermissions, p) {
			fields = append(fields, apierr.FieldError{Field: "permissions", Message: "unknown permission " + strconv.Quote(p)})
		}
	}
	if len(fields) > 0 {
		s.fail(w, r, apierr.Validation("Invalid key request", fields...))
		return
	}

	key, rec, err := s.deps.Credentials.Create(r.Context(), nk)
	if err != nil {
		s.fail(w, r, apierr.Unavailable("Credential store unavailable", err))
		return
	}
	s.log.Infow("api key created", "requestId", requestID(r), "keyId", rec.ID, "userId", rec.UserID, "by", identity(r).UserID)
	writeJSON(w, http.StatusCreated, map[string]any{"apiKey": key, "key": rec})
}

type revokeRequest struct {
	APIKey string `json:"apiKey"`
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.APIKey == "" {
		s.fail(w, r, apierr.Validation("apiKey is required", apierr.FieldError{Field: "apiKey", Message: "required"}))
		return
	}
	if err := s.deps.Credentials.Revoke(r.Context(), req.APIKey); err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			s.fail(w, r, apierr.NotFound("API key not found"))
			return
		}
		s.fail(w, r, apierr.Unavailable("Credential store unavailable", err))
		return
	}
	s.log.Infow("api key revoked", "requestId", requestID(r), "by", identity(r).UserID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
