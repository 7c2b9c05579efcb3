// Package api is the authenticated HTTP surface: search, the activity
// stream, token exchange, key administration and threat-actor records.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gustycube/cyberstreams/internal/apierr"
	"github.com/gustycube/cyberstreams/internal/auth"
	"github.com/gustycube/cyberstreams/internal/broadcast"
	"github.com/gustycube/cyberstreams/internal/credential"
	"github.com/gustycube/cyberstreams/internal/docstore"
	"github.com/gustycube/cyberstreams/internal/health"
	"github.com/gustycube/cyberstreams/internal/logging"
	"github.com/gustycube/cyberstreams/internal/ratelimit"
	"github.com/gustycube/cyberstreams/internal/search"
	"github.com/gustycube/cyberstreams/internal/types"
)

// ThreatActorIndex holds threat-actor records in the document store.
const ThreatActorIndex = "threat-actors"

var (
	tokenLimits = ratelimit.Custom(30, 0, 0)
	keysLimits  = ratelimit.Custom(10, 0, 0)
)

// Deps are the collaborators the server is built from. Docs, Recent and
// Broadcaster may be nil; the routes that need them then answer 503.
type Deps struct {
	Auth        *auth.Authenticator
	Issuer      *auth.Issuer
	Limiter     *ratelimit.Limiter
	Search      *search.Gateway
	Broadcaster *broadcast.Broadcaster
	Docs        docstore.Store
	Credentials credential.Store
	Recent      func() []types.Document
	Health      *health.Handler
	CORSOrigins []string
	Log         *logging.Logger
}

type Server struct {
	deps    Deps
	log     *logging.Logger
	handler http.Handler
}

func New(d Deps) *Server {
	s := &Server{deps: d, log: d.Log}
	if s.log == nil {
		s.log = logging.Nop()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.route(mux, "GET /api/v1/search", routeOpts{perm: auth.PermSearch}, s.handleSearch)
	s.route(mux, "GET /api/v1/activity/stream", routeOpts{perm: auth.PermStream}, s.handleStream)
	s.route(mux, "POST /api/v1/activity/publish", routeOpts{perm: auth.PermAdmin}, s.handlePublish)
	s.route(mux, "POST /api/v1/auth/token", routeOpts{perm: auth.PermSearch, custom: &tokenLimits, name: "token"}, s.handleToken)

	s.route(mux, "GET /api/v1/threat-actors", routeOpts{perm: auth.PermRead}, s.handleListActors)
	s.route(mux, "POST /api/v1/threat-actors", routeOpts{perm: auth.PermWrite}, s.handleCreateActor)
	s.route(mux, "GET /api/v1/threat-actors/{id}", routeOpts{perm: auth.PermRead}, s.handleGetActor)
	s.route(mux, "PUT /api/v1/threat-actors/{id}", routeOpts{perm: auth.PermWrite}, s.handleUpdateActor)
	s.route(mux, "DELETE /api/v1/threat-actors/{id}", routeOpts{perm: auth.PermDelete}, s.handleDeleteActor)

	s.route(mux, "GET /api/v1/documents/recent", routeOpts{perm: auth.PermRead}, s.handleRecent)

	keys := routeOpts{perm: auth.PermAdmin, custom: &keysLimits, name: "keys"}
	s.route(mux, "GET /api/v1/keys", keys, s.handleListKeys)
	s.route(mux, "POST /api/v1/keys", keys, s.handleCreateKey)
	s.route(mux, "POST /api/v1/keys/revoke", keys, s.handleRevokeKey)

	mux.HandleFunc("/", s.handleNotFound)

	s.handler = s.withRequestLog(securityHeaders(s.cors(mux)))
	return s
}

func (s *Server) route(mux *http.ServeMux, pattern string, o routeOpts, h http.HandlerFunc) {
	mux.Handle(pattern, s.protect(pattern, o, h))
}

func (s *Server) Handler() http.Handler { return s.handler }

// ListenAndServe serves until ctx is cancelled, then drains in-flight
// requests for up to ten seconds. Streams hold their connection open, so no
// write timeout is set.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.Infow("api listening", "addr", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warnw("api shutdown incomplete", "err", err)
		return srv.Close()
	}
	return nil
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	msg := "Route not found"
	if isAPIPath(r.URL.Path) {
		msg = "Route " + r.Method + " " + r.URL.Path + " not found"
	}
	s.fail(w, r, apierr.NotFound(msg))
}
