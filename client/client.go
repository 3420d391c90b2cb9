// Package client talks to a matching node over its HTTP API.
package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"BlindMatch/internal/api"
	"BlindMatch/internal/guard"
	"BlindMatch/internal/ledger"
	"BlindMatch/internal/registry"
)

// Client connects to a node via HTTP.
type Client struct {
	baseURL string           // baseURL is the API root (e.g. "http://127.0.0.1:8080")
	http    *http.Client     // http performs the requests
	now     func() time.Time // now stamps signed requests
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithClock sets the time source used to stamp signed requests.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// NewClient creates a client for the node at addr. A bare host:port gets an
// http:// scheme.
func NewClient(addr string, opts ...Option) *Client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	c := &Client{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Wallet holds the ed25519 key a principal signs with.
type Wallet struct {
	key ed25519.PrivateKey // key is the Ed25519 private key
	id  guard.Principal    // id is the public key
}

// NewWallet creates a wallet with a random key.
func NewWallet() *Wallet {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	return WalletFromKey(priv)
}

// WalletFromKey wraps an existing private key.
func WalletFromKey(key ed25519.PrivateKey) *Wallet {
	w := &Wallet{key: key}
	copy(w.id[:], key.Public().(ed25519.PublicKey))

	return w
}

// Principal returns the wallet's public key.
func (w *Wallet) Principal() guard.Principal {
	return w.id
}

// Status is the node summary from GET /status.
type Status struct {
	Config      api.ConfigView `json:"config"`
	Paused      bool           `json:"paused"`
	Owner       string         `json:"owner"`
	LastRequest uint64         `json:"lastRequest"`
	Totals      ledger.Totals  `json:"totals"`
}

// Status fetches the node summary.
func (c *Client) Status() (*Status, error) {
	var s Status
	if err := c.get("/status", &s); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &s, nil
}

// Health reports whether the node answers.
func (c *Client) Health() error {
	return c.get("/health", nil)
}

// Register stores a record with one sealed ciphertext per attribute slot.
func (c *Client) Register(w *Wallet, fields registry.PublicFields, ciphertexts [registry.Slots][]byte) (uint64, error) {
	body := api.RegisterRequest{PublicFields: fields, Attributes: make([]string, registry.Slots)}
	for i, ct := range ciphertexts {
		body.Attributes[i] = hex.EncodeToString(ct)
	}

	var resp struct {
		ID uint64 `json:"id"`
	}

	if err := c.send(w, http.MethodPost, "/records", body, &resp); err != nil {
		return 0, fmt.Errorf("register:\n%w", err)
	}

	return resp.ID, nil
}

// Record returns the public view of a record.
func (c *Client) Record(id uint64) (*registry.PublicView, error) {
	var v registry.PublicView
	if err := c.get(fmt.Sprintf("/records/%d", id), &v); err != nil {
		return nil, fmt.Errorf("get record %d:\n%w", id, err)
	}

	return &v, nil
}

// UpdateProfile replaces the public fields of a record owned by w.
func (c *Client) UpdateProfile(w *Wallet, id uint64, fields registry.PublicFields) (*registry.PublicView, error) {
	var v registry.PublicView
	if err := c.send(w, http.MethodPut, fmt.Sprintf("/records/%d", id), fields, &v); err != nil {
		return nil, fmt.Errorf("update record %d:\n%w", id, err)
	}

	return &v, nil
}

// ToggleAvailability flips a record's availability and returns the new value.
func (c *Client) ToggleAvailability(w *Wallet, id uint64) (bool, error) {
	var resp struct {
		Available bool `json:"available"`
	}

	if err := c.send(w, http.MethodPost, fmt.Sprintf("/records/%d/toggle", id), nil, &resp); err != nil {
		return false, fmt.Errorf("toggle record %d:\n%w", id, err)
	}

	return resp.Available, nil
}

// RecordsOf lists the records owned by p.
func (c *Client) RecordsOf(p guard.Principal) ([]registry.PublicView, error) {
	var views []registry.PublicView
	if err := c.get("/owners/"+p.Hex()+"/records", &views); err != nil {
		return nil, fmt.Errorf("list records:\n%w", err)
	}

	return views, nil
}

// Balance returns the account balance of p.
func (c *Client) Balance(p guard.Principal) (uint64, error) {
	var resp struct {
		Balance uint64 `json:"balance"`
	}

	if err := c.get("/accounts/"+p.Hex(), &resp); err != nil {
		return 0, fmt.Errorf("get balance:\n%w", err)
	}

	return resp.Balance, nil
}
