package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"BlindMatch/internal/events"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/matching"
	"BlindMatch/internal/registry"
)

// RegisterRequest is the body of POST /records.
type RegisterRequest struct {
	registry.PublicFields
	Attributes []string `json:"attributes"` // Attributes are hex sealed ciphertexts, one per slot
}

// CreateRequest is the body of POST /requests.
type CreateRequest struct {
	RecordA uint64 `json:"recordA"`
	RecordB uint64 `json:"recordB"`
	Paid    uint64 `json:"paid"`
}

// WithdrawRequest is the body of POST /admin/withdraw. An empty To pays the caller.
type WithdrawRequest struct {
	To string `json:"to,omitempty"`
}

// PauseRequest is the body of POST /admin/pause.
type PauseRequest struct {
	Paused bool `json:"paused"`
}

// ConfigRequest is the body of POST /admin/config. Unset fields are left alone.
type ConfigRequest struct {
	Threshold       *uint8 `json:"threshold,omitempty"`
	CallbackTimeout string `json:"callbackTimeout,omitempty"` // CallbackTimeout is a Go duration such as "2h"
}

// DepositRequest is the body of POST /admin/deposit.
type DepositRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// ConfigView is the JSON form of the engine configuration.
type ConfigView struct {
	Fee             uint64 `json:"fee"`
	Threshold       uint8  `json:"threshold"`
	CallbackTimeout string `json:"callbackTimeout"`
}

func configView(c matching.Config) ConfigView {
	return ConfigView{Fee: c.Fee, Threshold: c.Threshold, CallbackTimeout: c.CallbackTimeout.String()}
}

// handleHealth handles GET /health requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// handleStatus handles GET /status requests.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"config":      configView(s.backend.Matcher.Config()),
		"paused":      s.backend.Ledger.Paused(),
		"owner":       s.backend.Ledger.Owner().Hex(),
		"lastRequest": s.backend.Matcher.LastID(),
		"totals":      s.backend.Ledger.Totals(),
	})
}

// handleRegister handles POST /records.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	var req RegisterRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	if len(req.Attributes) != registry.Slots {
		s.fail(w, r, fmt.Errorf("%w: need %d attributes, got %d", guard.ErrValidation, registry.Slots, len(req.Attributes)))
		return
	}

	var cts [registry.Slots][]byte
	for i, a := range req.Attributes {
		ct, err := hex.DecodeString(a)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: attribute %d is not hex", guard.ErrValidation, i))
			return
		}
		cts[i] = ct
	}

	id, err := s.backend.Registry.Register(caller, req.PublicFields, cts)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

// handlePublicInfo handles GET /records/{id}.
func (s *Server) handlePublicInfo(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	view, err := s.backend.Registry.PublicInfo(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleUpdateProfile handles PUT /records/{id}.
func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var fields registry.PublicFields
	if err := decodeBody(body, &fields); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.backend.Registry.UpdateProfile(id, caller, fields); err != nil {
		s.fail(w, r, err)
		return
	}

	view, err := s.backend.Registry.PublicInfo(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// handleToggle handles POST /records/{id}/toggle.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request, caller guard.Principal, _ []byte) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	available, err := s.backend.Registry.ToggleAvailability(id, caller)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"available": available})
}

// handleListByOwner handles GET /owners/{principal}/records.
func (s *Server) handleListByOwner(w http.ResponseWriter, r *http.Request) {
	owner, err := guard.ParsePrincipal(r.PathValue("principal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views, err := s.backend.Registry.ListByOwner(owner)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if views == nil {
		views = []registry.PublicView{}
	}

	writeJSON(w, http.StatusOK, views)
}

// handleCreate handles POST /requests.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	var req CreateRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	id, err := s.backend.Matcher.Create(r.Context(), req.RecordA, req.RecordB, caller, req.Paid)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	created, err := s.backend.Matcher.Request(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, created.View())
}

// handleListActive handles GET /requests. Only Active requests are listed.
func (s *Server) handleListActive(w http.ResponseWriter, r *http.Request) {
	if state := r.URL.Query().Get("state"); state != "" && state != matching.Active.String() {
		s.fail(w, r, fmt.Errorf("%w: only state=%s can be listed", guard.ErrValidation, matching.Active))
		return
	}

	active, err := s.backend.Matcher.ListActive()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	views := make([]matching.View, len(active))
	for i, req := range active {
		views[i] = req.View()
	}

	writeJSON(w, http.StatusOK, views)
}

// handleGetRequest handles GET /requests/{id}.
func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.backend.Matcher.Request(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, req.View())
}

// handleClaim handles POST /requests/{id}/claim.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request, caller guard.Principal, _ []byte) {
	id, err := pathID(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.backend.Matcher.ClaimTimeout(id, caller); err != nil {
		s.fail(w, r, err)
		return
	}

	req, err := s.backend.Matcher.Request(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, req.View())
}

// handleTotals handles GET /ledger.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Ledger.Totals())
}

// handleBalance handles GET /accounts/{principal}.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	p, err := guard.ParsePrincipal(r.PathValue("principal"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	balance, err := s.backend.Accounts.Balance(p)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"principal": p.Hex(), "balance": balance})
}

// handleEvents handles GET /events?after=N&limit=M.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	after, err := queryUint(q.Get("after"), 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	limit, err := queryUint(q.Get("limit"), 100)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if limit == 0 || limit > maxEventPage {
		limit = maxEventPage
	}

	list, err := s.backend.Journal.List(after, int(limit))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if list == nil {
		list = []events.Event{}
	}

	writeJSON(w, http.StatusOK, list)
}

// handleSnapshot handles GET /snapshot. The body is the zstd-compressed snapshot.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.backend.Export == nil {
		writeError(w, http.StatusNotFound, "not_found", "snapshots are disabled")
		return
	}

	data, err := s.backend.Export(s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zstd")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// handleWithdraw handles POST /admin/withdraw.
func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	var req WithdrawRequest
	if len(body) > 0 {
		if err := decodeBody(body, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	to := caller
	if req.To != "" {
		p, err := guard.ParsePrincipal(req.To)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		to = p
	}

	amount, err := s.backend.Ledger.Withdraw(caller, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"to": to.Hex(), "amount": amount})
}

// handlePause handles POST /admin/pause.
func (s *Server) handlePause(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	var req PauseRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	if err := s.backend.Matcher.SetPaused(caller, req.Paused); err != nil {
		s.fail(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"paused": s.backend.Ledger.Paused()})
}

// handleConfig handles POST /admin/config.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	var req ConfigRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	var timeout time.Duration
	if req.CallbackTimeout != "" {
		d, err := time.ParseDuration(req.CallbackTimeout)
		if err != nil {
			s.fail(w, r, fmt.Errorf("%w: callback timeout %q", guard.ErrValidation, req.CallbackTimeout))
			return
		}
		timeout = d
	}

	if req.Threshold != nil {
		if err := s.backend.Matcher.SetThreshold(caller, *req.Threshold); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	if req.CallbackTimeout != "" {
		if err := s.backend.Matcher.SetCallbackTimeout(caller, timeout); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, configView(s.backend.Matcher.Config()))
}

// handleDeposit handles POST /admin/deposit: the owner credits test funds.
func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, caller guard.Principal, body []byte) {
	if err := guard.RequireOwner(s.backend.Ledger.Owner(), caller); err != nil {
		s.fail(w, r, err)
		return
	}

	var req DepositRequest
	if err := decodeBody(body, &req); err != nil {
		s.fail(w, r, err)
		return
	}

	to, err := guard.ParsePrincipal(req.To)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if req.Amount == 0 {
		s.fail(w, r, fmt.Errorf("%w: amount must be positive", guard.ErrValidation))
		return
	}

	if err := s.backend.Accounts.Credit(to, req.Amount); err != nil {
		s.fail(w, r, fmt.Errorf("%w: %v", guard.ErrValidation, err))
		return
	}

	balance, err := s.backend.Accounts.Balance(to)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.Info("deposit", "to", to, "amount", req.Amount)

	writeJSON(w, http.StatusOK, map[string]any{"principal": to.Hex(), "balance": balance})
}

// decodeBody parses a JSON body, rejecting unknown fields.
func decodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return fmt.Errorf("%w: empty body", guard.ErrValidation)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", guard.ErrValidation, err)
	}

	return nil
}

// pathID parses the {id} path segment.
func pathID(r *http.Request) (uint64, error) {
	return queryUint(r.PathValue("id"), 0)
}

func queryUint(s string, def uint64) (uint64, error) {
	if s == "" {
		return def, nil
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", guard.ErrValidation, s)
	}

	return n, nil
}
