// Package api is the HTTP surface of the matching engine. Reads are public;
// every mutating route requires an ed25519-signed request (see Sign).
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"BlindMatch/internal/events"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/ledger"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/matching"
	"BlindMatch/internal/network"
	"BlindMatch/internal/registry"
	"BlindMatch/internal/router"
)

const (
	// maxBodySize is the maximum request body size in bytes.
	maxBodySize = 1 << 20 // 1 MB

	// defaultReplayWindow is how long a signed request is remembered.
	defaultReplayWindow = 2 * time.Minute

	// defaultRate is the default requests per second per client.
	defaultRate = 20

	// defaultBurst is the default burst per client.
	defaultBurst = 40

	// maxEventPage is the largest events page.
	maxEventPage = 500
)

// Registry is the encrypted attribute store.
type Registry interface {
	Register(owner guard.Principal, fields registry.PublicFields, ciphertexts [registry.Slots][]byte) (uint64, error)
	ToggleAvailability(id uint64, caller guard.Principal) (bool, error)
	UpdateProfile(id uint64, caller guard.Principal, fields registry.PublicFields) error
	PublicInfo(id uint64) (registry.PublicView, error)
	ListByOwner(owner guard.Principal) ([]registry.PublicView, error)
}

// Matcher is the request lifecycle state machine.
type Matcher interface {
	Create(ctx context.Context, recordA, recordB uint64, requester guard.Principal, paid uint64) (uint64, error)
	Request(id uint64) (matching.Request, error)
	ListActive() ([]matching.Request, error)
	LastID() uint64
	ClaimTimeout(id uint64, caller guard.Principal) error
	Config() matching.Config
	SetThreshold(caller guard.Principal, threshold uint8) error
	SetCallbackTimeout(caller guard.Principal, d time.Duration) error
	SetPaused(caller guard.Principal, paused bool) error
}

// Ledger is the settlement ledger.
type Ledger interface {
	Owner() guard.Principal
	Totals() ledger.Totals
	Paused() bool
	Withdraw(caller, to guard.Principal) (uint64, error)
}

// Accounts holds principal balances.
type Accounts interface {
	Balance(p guard.Principal) (uint64, error)
	Credit(p guard.Principal, amount uint64) error
}

// Journal is the persisted event log.
type Journal interface {
	List(after uint64, limit int) ([]events.Event, error)
}

// Exporter produces an audit snapshot.
type Exporter func(at time.Time) ([]byte, error)

// Backend groups the components the server exposes.
type Backend struct {
	Registry Registry // Registry serves record routes
	Matcher  Matcher  // Matcher serves request and config routes
	Ledger   Ledger   // Ledger serves totals and withdrawal
	Accounts Accounts // Accounts serves balances and the dev faucet
	Journal  Journal  // Journal serves the event log
	Export   Exporter // Export serves the audit snapshot; nil disables it
}

// Server is the HTTP API server.
type Server struct {
	addr    string           // addr is the HTTP listen address
	backend Backend          // backend is the engine behind the routes
	replay  *network.Dedup   // replay remembers signed request digests
	limiter *rateLimiter     // limiter throttles each client
	now     func() time.Time // now is the time source for signature windows
	log     *slog.Logger     // log is the component logger
	server  *http.Server     // server is the underlying HTTP server
	mux     *http.ServeMux   // mux routes requests
}

// Option configures a Server.
type Option func(*options)

type options struct {
	window time.Duration
	rate   float64
	burst  int
	now    func() time.Time
}

// WithReplayWindow sets how long signed requests are remembered. Timestamps
// must be within half the window of the server clock.
func WithReplayWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithRateLimit sets the per-client rate. A non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *options) { o.rate, o.burst = perSecond, burst }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a new HTTP API server.
func New(addr string, backend Backend, opts ...Option) *Server {
	o := options{window: defaultReplayWindow, rate: defaultRate, burst: defaultBurst, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Server{
		addr:    addr,
		backend: backend,
		replay:  network.NewDedup(o.window),
		limiter: newRateLimiter(o.rate, o.burst),
		now:     o.now,
		log:     logger.With("component", "api"),
		mux:     http.NewServeMux(),
	}

	s.routes()

	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.public(s.handleStatus))

	s.mux.HandleFunc("POST /records", s.signed(s.handleRegister))
	s.mux.HandleFunc("GET /records/{id}", s.public(s.handlePublicInfo))
	s.mux.HandleFunc("PUT /records/{id}", s.signed(s.handleUpdateProfile))
	s.mux.HandleFunc("POST /records/{id}/toggle", s.signed(s.handleToggle))
	s.mux.HandleFunc("GET /owners/{principal}/records", s.public(s.handleListByOwner))

	s.mux.HandleFunc("POST /requests", s.signed(s.handleCreate))
	s.mux.HandleFunc("GET /requests", s.public(s.handleListActive))
	s.mux.HandleFunc("GET /requests/{id}", s.public(s.handleGetRequest))
	s.mux.HandleFunc("POST /requests/{id}/claim", s.signed(s.handleClaim))

	s.mux.HandleFunc("GET /ledger", s.public(s.handleTotals))
	s.mux.HandleFunc("GET /accounts/{principal}", s.public(s.handleBalance))
	s.mux.HandleFunc("GET /events", s.public(s.handleEvents))
	s.mux.HandleFunc("GET /snapshot", s.public(s.handleSnapshot))

	s.mux.HandleFunc("POST /admin/withdraw", s.signed(s.handleWithdraw))
	s.mux.HandleFunc("POST /admin/pause", s.signed(s.handlePause))
	s.mux.HandleFunc("POST /admin/config", s.signed(s.handleConfig))
	s.mux.HandleFunc("POST /admin/deposit", s.signed(s.handleDeposit))
}

// Handler returns the routing handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.server = &http.Server{
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		s.log.Info("http api started", "addr", ln.Addr().String())

		if err := s.server.Serve(ln); err != http.ErrServerClosed {
			s.log.Error("http server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	defer s.replay.Close()
	defer s.limiter.close()

	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// signedHandler serves an authenticated request with its verified body.
type signedHandler func(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte)

// public rate limits an unauthenticated read by remote host.
func (s *Server) public(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}

		if !s.limiter.allow("ip:" + host) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		h(w, r)
	}
}

// signed authenticates, rate limits by principal and passes the body on.
func (s *Server) signed(h signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "validation", "failed to read body")
			return
		}

		if len(body) > maxBodySize {
			writeError(w, http.StatusRequestEntityTooLarge, "validation", "body too large")
			return
		}

		caller, err := s.authenticate(r, body)
		if err != nil {
			s.log.Debug("rejected signed request", "path", r.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
			return
		}

		if !s.limiter.allow("principal:" + caller.Hex()) {
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}

		h(w, r, caller, body)
	}
}

// errorStatus maps the error taxonomy to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, guard.ErrValidation):
		return http.StatusBadRequest, "validation"
	case errors.Is(err, guard.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, guard.ErrNotAuthorized):
		return http.StatusForbidden, "not_authorized"
	case errors.Is(err, guard.ErrInvalidProof):
		return http.StatusBadRequest, "invalid_proof"
	case errors.Is(err, guard.ErrPaused):
		return http.StatusConflict, "paused"
	case errors.Is(err, guard.ErrStateConflict):
		return http.StatusConflict, "state_conflict"
	case errors.Is(err, ledger.ErrNothingToWithdraw):
		return http.StatusConflict, "nothing_to_withdraw"
	case errors.Is(err, guard.ErrTransferFailure):
		return http.StatusPaymentRequired, "transfer_failure"
	case errors.Is(err, router.ErrDispatch):
		return http.StatusBadGateway, "dispatch_failed"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// fail writes err with its mapped status. Internal errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)

	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}

	writeError(w, status, code, msg)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
