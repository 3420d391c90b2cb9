package gateway

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"BlindMatch/internal/logger"
	"BlindMatch/internal/network"
)

// ErrNotConnected is returned when no link to the gateway is up.
var ErrNotConnected = errors.New("gateway not connected")

// Handler receives a decryption result routed by selector.
type Handler func(trackingID uint64, cleartext, proof []byte) error

// Client is the node side of the gateway link. It submits decryption requests
// and routes result notifications to the handler registered for their selector.
type Client struct {
	node    *network.Node     // node carries the link
	gateway ed25519.PublicKey // gateway is the gateway's identity

	nonce atomic.Uint64 // nonce correlates acks

	mu       sync.RWMutex       // mu protects handlers
	handlers map[string]Handler // handlers maps selector to callback
}

// NewClient creates a client that talks to the gateway identified by key and
// installs itself as the node's message handler.
func NewClient(node *network.Node, gateway ed25519.PublicKey) *Client {
	c := &Client{
		node:     node,
		gateway:  gateway,
		handlers: make(map[string]Handler),
	}

	node.OnMessage(c.handleMessage)

	return c
}

// Handle registers fn for results carrying selector.
func (c *Client) Handle(selector string, fn Handler) {
	c.mu.Lock()
	c.handlers[selector] = fn
	c.mu.Unlock()
}

// RequestDecryption submits handles and returns the tracking id the gateway assigned.
func (c *Client) RequestDecryption(ctx context.Context, handles [][]byte, selector string) (uint64, error) {
	peer := c.node.Peer(c.gateway)
	if peer == nil {
		return 0, ErrNotConnected
	}

	nonce := c.nonce.Add(1)

	data, err := EncodeRequest(&Request{Nonce: nonce, Selector: selector, Handles: handles})
	if err != nil {
		return 0, fmt.Errorf("encode request:\n%w", err)
	}

	resp, err := peer.Request(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("send request:\n%w", err)
	}

	ack, err := DecodeAck(resp)
	if err != nil {
		return 0, fmt.Errorf("decode ack:\n%w", err)
	}

	if ack.Nonce != nonce {
		return 0, fmt.Errorf("ack nonce mismatch: got %d, want %d", ack.Nonce, nonce)
	}

	if ack.Error != "" {
		return 0, fmt.Errorf("gateway refused request: %s", ack.Error)
	}

	if ack.TrackingID == 0 {
		return 0, fmt.Errorf("gateway returned tracking id 0")
	}

	logger.Debug("decryption requested", "tracking_id", ack.TrackingID, "selector", selector)

	return ack.TrackingID, nil
}

// handleMessage decodes a notification from the gateway and routes it.
func (c *Client) handleMessage(p *network.Peer, data []byte) {
	if !bytes.Equal(p.PublicKey(), c.gateway) {
		logger.Warn("notification from unexpected peer", "peer", p.Address())
		return
	}

	n, err := DecodeNotify(data)
	if err != nil {
		logger.Warn("bad notification", "error", err)
		return
	}

	c.mu.RLock()
	fn := c.handlers[n.Selector]
	c.mu.RUnlock()

	if fn == nil {
		logger.Warn("no handler for selector", "selector", n.Selector, "tracking_id", n.TrackingID)
		return
	}

	if err := fn(n.TrackingID, n.Cleartext, n.Proof); err != nil {
		logger.Warn("callback rejected", "tracking_id", n.TrackingID, "error", err)
		return
	}

	logger.Debug("callback applied", "tracking_id", n.TrackingID)
}
