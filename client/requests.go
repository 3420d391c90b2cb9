package client

import (
	"fmt"
	"net/http"
	"time"

	"BlindMatch/internal/api"
	"BlindMatch/internal/events"
	"BlindMatch/internal/ledger"
	"BlindMatch/internal/matching"
)

// CreateRequest pays fee to score recordA against recordB.
func (c *Client) CreateRequest(w *Wallet, recordA, recordB, fee uint64) (*matching.View, error) {
	body := api.CreateRequest{RecordA: recordA, RecordB: recordB, Paid: fee}

	var v matching.View
	if err := c.send(w, http.MethodPost, "/requests", body, &v); err != nil {
		return nil, fmt.Errorf("create request:\n%w", err)
	}

	return &v, nil
}

// Request returns a request by id.
func (c *Client) Request(id uint64) (*matching.View, error) {
	var v matching.View
	if err := c.get(fmt.Sprintf("/requests/%d", id), &v); err != nil {
		return nil, fmt.Errorf("get request %d:\n%w", id, err)
	}

	return &v, nil
}

// ActiveRequests lists the requests awaiting a callback.
func (c *Client) ActiveRequests() ([]matching.View, error) {
	var views []matching.View
	if err := c.get("/requests?state=active", &views); err != nil {
		return nil, fmt.Errorf("list active:\n%w", err)
	}

	return views, nil
}

// WaitSettled polls a request until it leaves Active or timeout passes.
func (c *Client) WaitSettled(id uint64, timeout, every time.Duration) (*matching.View, error) {
	deadline := time.Now().Add(timeout)

	for {
		v, err := c.Request(id)
		if err != nil {
			return nil, err
		}

		if v.State != matching.Active.String() {
			return v, nil
		}

		if time.Now().After(deadline) {
			return v, fmt.Errorf("request %d still active after %s", id, timeout)
		}

		time.Sleep(every)
	}
}

// ClaimTimeout refunds an expired request. Anyone may claim.
func (c *Client) ClaimTimeout(w *Wallet, id uint64) (*matching.View, error) {
	var v matching.View
	if err := c.send(w, http.MethodPost, fmt.Sprintf("/requests/%d/claim", id), nil, &v); err != nil {
		return nil, fmt.Errorf("claim request %d:\n%w", id, err)
	}

	return &v, nil
}

// Totals returns the ledger totals.
func (c *Client) Totals() (ledger.Totals, error) {
	var t ledger.Totals
	if err := c.get("/ledger", &t); err != nil {
		return t, fmt.Errorf("get totals:\n%w", err)
	}

	return t, nil
}

// Events returns up to limit events after seq.
func (c *Client) Events(after uint64, limit int) ([]events.Event, error) {
	var list []events.Event
	if err := c.get(fmt.Sprintf("/events?after=%d&limit=%d", after, limit), &list); err != nil {
		return nil, fmt.Errorf("list events:\n%w", err)
	}

	return list, nil
}

// Snapshot downloads the compressed audit snapshot.
func (c *Client) Snapshot() ([]byte, error) {
	data, err := c.raw("/snapshot")
	if err != nil {
		return nil, fmt.Errorf("get snapshot:\n%w", err)
	}

	return data, nil
}

// Withdraw pays the retained fees to to, or to the owner when to is nil.
func (c *Client) Withdraw(owner, to *Wallet) (uint64, error) {
	var body api.WithdrawRequest
	if to != nil {
		body.To = to.id.Hex()
	}

	var resp struct {
		Amount uint64 `json:"amount"`
	}

	if err := c.send(owner, http.MethodPost, "/admin/withdraw", body, &resp); err != nil {
		return 0, fmt.Errorf("withdraw:\n%w", err)
	}

	return resp.Amount, nil
}

// SetPaused sets the pause flag.
func (c *Client) SetPaused(owner *Wallet, paused bool) error {
	if err := c.send(owner, http.MethodPost, "/admin/pause", api.PauseRequest{Paused: paused}, nil); err != nil {
		return fmt.Errorf("set paused:\n%w", err)
	}

	return nil
}

// Configure updates the threshold and the callback timeout. A nil threshold
// or a zero timeout leaves that setting alone.
func (c *Client) Configure(owner *Wallet, threshold *uint8, timeout time.Duration) (*api.ConfigView, error) {
	body := api.ConfigRequest{Threshold: threshold}
	if timeout > 0 {
		body.CallbackTimeout = timeout.String()
	}

	var v api.ConfigView
	if err := c.send(owner, http.MethodPost, "/admin/config", body, &v); err != nil {
		return nil, fmt.Errorf("configure:\n%w", err)
	}

	return &v, nil
}

// Deposit credits test funds to the to wallet. Only the owner may deposit.
func (c *Client) Deposit(owner, to *Wallet, amount uint64) (uint64, error) {
	body := api.DepositRequest{To: to.id.Hex(), Amount: amount}

	var resp struct {
		Balance uint64 `json:"balance"`
	}

	if err := c.send(owner, http.MethodPost, "/admin/deposit", body, &resp); err != nil {
		return 0, fmt.Errorf("deposit:\n%w", err)
	}

	return resp.Balance, nil
}
