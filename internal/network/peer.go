package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"BlindMatch/internal/logger"
)

// defaultRequestTimeout bounds a Request whose context has no deadline.
const defaultRequestTimeout = 10 * time.Second

// Peer is a live connection to the other end of the link.
type Peer struct {
	publicKey ed25519.PublicKey // publicKey is the remote key
	address   string            // address is the remote address
	conn      *quic.Conn        // conn is the QUIC connection
	node      *Node             // node is the owning node
	closed    atomic.Bool       // closed is set once the peer is torn down
	sendMu    sync.Mutex        // sendMu serializes one-way stream opens
}

// PublicKey returns the remote key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send writes a one-way message on a fresh unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(p.node.ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.CancelWrite(0)
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// Request writes data on a bidirectional stream and waits for the reply.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close tears down the connection. A closed peer is not redialed.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.node.dropPeer(p)

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop serves incoming streams until the connection ends.
func (p *Peer) receiveLoop() {
	ctx := p.conn.Context()

	go p.acceptBidiStreams(ctx)

	for {
		stream, err := p.conn.AcceptUniStream(ctx)
		if err != nil {
			logger.Debug("link closed", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams serves request/response streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream reads one request and writes the handler's reply.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(defaultRequestTimeout))

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	writeMessage(stream, response)
}

// handleUniStream reads one message and hands it on unless it is a repeat.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		logger.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	if !p.node.dedup.Check(data) {
		logger.Debug("duplicate message dropped", "peer", p.address, "bytes", len(data))
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect runs once when the receive loop ends.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
