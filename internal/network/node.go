// Package network is the authenticated QUIC link between the matching node and
// the decryption gateway. Both ends identify with ed25519 keys carried in
// self-signed certificates and only accept peers on their allowlist.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/quic-go/quic-go"

	"BlindMatch/internal/logger"
)

const (
	// defaultReconnectDelay is the first delay before redialing a lost peer.
	defaultReconnectDelay = time.Second

	// defaultMaxReconnectDelay caps the redial backoff.
	defaultMaxReconnectDelay = 30 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "blindmatch-gw/1"
)

// ErrNotAllowed is returned when a peer's key is not on the allowlist.
var ErrNotAllowed = errors.New("peer not allowed")

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey        ed25519.PrivateKey  // PrivateKey identifies this end of the link
	ListenAddr        string              // ListenAddr is the UDP address to listen on ("" to only dial)
	Allowed           []ed25519.PublicKey // Allowed lists accepted peer keys (empty accepts any)
	ReconnectDelay    time.Duration       // ReconnectDelay is the initial redial delay
	MaxReconnectDelay time.Duration       // MaxReconnectDelay caps the redial delay
	DedupTTL          time.Duration       // DedupTTL is how long a one-way message is remembered
}

// Node accepts and initiates authenticated connections.
type Node struct {
	privateKey ed25519.PrivateKey // privateKey is this end's key
	publicKey  ed25519.PublicKey  // publicKey is this end's public key
	listenAddr string             // listenAddr is the address to listen on
	allowed    map[string]bool    // allowed maps hex public keys to acceptance
	tlsConfig  *tls.Config        // tlsConfig is the TLS configuration
	quicConfig *quic.Config       // quicConfig is the QUIC configuration

	reconnectDelay    time.Duration // reconnectDelay is the initial redial delay
	maxReconnectDelay time.Duration // maxReconnectDelay caps the redial delay

	listener *quic.Listener // listener is nil for dial-only nodes

	peers   map[string]*Peer // peers maps hex public key to live peer
	dialed  map[string]string // dialed maps hex public key to the address we dialed
	peersMu sync.RWMutex     // peersMu protects peers and dialed

	dedup *Dedup // dedup drops repeated one-way messages

	onConnect func(*Peer)                          // onConnect is called when a peer connects
	onMessage func(*Peer, []byte)                 // onMessage handles one-way messages
	onRequest func(*Peer, []byte) ([]byte, error) // onRequest handles request/response exchanges
	handlers  sync.RWMutex                        // handlers protects the callbacks

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg waits for background goroutines
}

// NewNode creates a node. Call Start to listen.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	cert, err := generateCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	n := &Node{
		privateKey:        cfg.PrivateKey,
		publicKey:         cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr:        cfg.ListenAddr,
		allowed:           make(map[string]bool, len(cfg.Allowed)),
		reconnectDelay:    cfg.ReconnectDelay,
		maxReconnectDelay: cfg.MaxReconnectDelay,
		peers:             make(map[string]*Peer),
		dialed:            make(map[string]string),
		dedup:             NewDedup(cfg.DedupTTL),
	}

	for _, k := range cfg.Allowed {
		n.allowed[hex.EncodeToString(k)] = true
	}

	if n.reconnectDelay == 0 {
		n.reconnectDelay = defaultReconnectDelay
	}

	if n.maxReconnectDelay == 0 {
		n.maxReconnectDelay = defaultMaxReconnectDelay
	}

	n.tlsConfig = &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // the peer key is checked against the allowlist instead
		NextProtos:         []string{alpnProtocol},
	}

	n.quicConfig = &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	n.ctx, n.cancel = context.WithCancel(context.Background())

	return n, nil
}

// PublicKey returns this end's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener address, or "" if not listening.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start listens on the configured address. Dial-only nodes need not call it.
func (n *Node) Start() error {
	if n.listenAddr == "" {
		return fmt.Errorf("listen address is required")
	}

	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	return nil
}

// Connect dials addr. The link is redialed with backoff if it drops.
func (n *Node) Connect(ctx context.Context, addr string) (*Peer, error) {
	conn, err := quic.DialAddr(ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr, true)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Peers returns the connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// Peer returns the connected peer with key pub, or nil.
func (n *Node) Peer(pub ed25519.PublicKey) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[hex.EncodeToString(pub)]
}

// Broadcast sends a one-way message to every connected peer.
// It fails only if no peer accepted the message.
func (n *Node) Broadcast(data []byte) error {
	peers := n.Peers()
	if len(peers) == 0 {
		return fmt.Errorf("no connected peers")
	}

	var lastErr error
	sent := 0

	for _, p := range peers {
		if err := p.Send(data); err != nil {
			lastErr = err
			continue
		}
		sent++
	}

	if sent == 0 {
		return lastErr
	}

	return nil
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlers.Lock()
	n.onConnect = fn
	n.handlers.Unlock()
}

// OnMessage sets the handler for one-way messages.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlers.Lock()
	n.onMessage = fn
	n.handlers.Unlock()
}

// OnRequest sets the handler for request/response exchanges.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlers.Lock()
	n.onRequest = fn
	n.handlers.Unlock()
}

// Close stops the node and closes every connection.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	peers := n.Peers()
	for _, p := range peers {
		p.Close()
	}

	n.dedup.Close()
	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming sets up an accepted connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, conn.RemoteAddr().String(), false)
	if err != nil {
		logger.Warn("rejected peer", "addr", conn.RemoteAddr().String(), "error", err)
		conn.CloseWithError(1, "not allowed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer checks the remote key and registers the peer.
func (n *Node) setupPeer(conn *quic.Conn, addr string, dialed bool) (*Peer, error) {
	pubKey, err := extractPublicKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	if len(n.allowed) > 0 && !n.allowed[keyHex] {
		return nil, fmt.Errorf("%w: %s", ErrNotAllowed, keyHex[:16])
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	if old, ok := n.peers[keyHex]; ok {
		old.closed.Store(true)
		old.conn.CloseWithError(0, "replaced")
	}
	n.peers[keyHex] = peer
	if dialed {
		n.dialed[keyHex] = addr
	}
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// dropPeer forgets p if it is still the registered peer for its key.
func (n *Node) dropPeer(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()
}

// handlePeerDisconnect drops p and redials it if we dialed it.
func (n *Node) handlePeerDisconnect(p *Peer) {
	n.dropPeer(p)

	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.RLock()
	addr, redial := n.dialed[keyHex]
	n.peersMu.RUnlock()

	if !redial || n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnect(keyHex, addr)
	}()
}

// reconnect redials addr with exponential backoff until it succeeds, another
// connection to the same key appears, or the node closes.
func (n *Node) reconnect(keyHex, addr string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.reconnectDelay
	policy.MaxInterval = n.maxReconnectDelay
	policy.MaxElapsedTime = 0

	op := func() error {
		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return nil
		}

		peer, err := n.Connect(n.ctx, addr)
		if err != nil {
			logger.Debug("redial failed", "addr", addr, "error", err)
			return err
		}

		n.callOnConnect(peer)

		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(policy, n.ctx)); err != nil {
		logger.Debug("redial abandoned", "addr", addr, "error", err)
	}
}

func (n *Node) callOnConnect(p *Peer) {
	n.handlers.RLock()
	fn := n.onConnect
	n.handlers.RUnlock()

	if fn != nil {
		fn(p)
	}
}

func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlers.RLock()
	fn := n.onMessage
	n.handlers.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlers.RLock()
	fn := n.onRequest
	n.handlers.RUnlock()

	if fn == nil {
		return nil, fmt.Errorf("no request handler registered")
	}

	return fn(p, data)
}
