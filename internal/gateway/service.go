package gateway

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"BlindMatch/internal/fhe"
	"BlindMatch/internal/logger"
	"BlindMatch/internal/network"
)

// Decrypter reveals a handle marked decryptable.
type Decrypter interface {
	Decrypt(h fhe.Handle) (uint64, fhe.Width, error)
}

// Service is a development decryption gateway. It decrypts with a local
// engine, proves results with locally held committee keys and notifies the
// requesting peer.
type Service struct {
	node      *network.Node // node carries the link
	decrypter Decrypter     // decrypter reveals requested handles
	signers   *Signers      // signers prove each result

	next  atomic.Uint64 // next is the last assigned tracking id
	delay time.Duration // delay is the wait between ack and notify
	held  atomic.Bool   // held suppresses notifications

	ctx    context.Context    // ctx is cancelled on Close
	cancel context.CancelFunc // cancel cancels ctx
	wg     sync.WaitGroup     // wg waits for pending notifications
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithDelay waits d between acking a request and sending its result.
func WithDelay(d time.Duration) ServiceOption {
	return func(s *Service) { s.delay = d }
}

// WithTrackingBase makes the first tracking id base+1.
func WithTrackingBase(base uint64) ServiceOption {
	return func(s *Service) { s.next.Store(base) }
}

// WithHold starts the service with notifications suppressed.
func WithHold() ServiceOption {
	return func(s *Service) { s.held.Store(true) }
}

// NewService creates the gateway and installs it as the node's request handler.
// Tracking ids start from the current Unix time in nanoseconds so they do not
// repeat across restarts.
func NewService(node *network.Node, decrypter Decrypter, signers *Signers, opts ...ServiceOption) *Service {
	s := &Service{
		node:      node,
		decrypter: decrypter,
		signers:   signers,
	}

	s.next.Store(uint64(time.Now().UnixNano()))

	for _, opt := range opts {
		opt(s)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	node.OnRequest(s.handleRequest)

	return s
}

// Hold suppresses (true) or resumes (false) result notifications. Results
// produced while held are dropped, which models an unresponsive gateway.
func (s *Service) Hold(held bool) {
	s.held.Store(held)
}

// Close stops pending notifications.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// handleRequest acks a decryption request and schedules its result.
func (s *Service) handleRequest(p *network.Peer, data []byte) ([]byte, error) {
	req, err := DecodeRequest(data, fhe.TransportSize)
	if err != nil {
		return nil, fmt.Errorf("decode request:\n%w", err)
	}

	if len(req.Handles) != 1 {
		return EncodeAck(&Ack{Nonce: req.Nonce, Error: "exactly one handle per request"}), nil
	}

	h, _, err := fhe.ParseTransport(req.Handles[0])
	if err != nil {
		return EncodeAck(&Ack{Nonce: req.Nonce, Error: err.Error()}), nil
	}

	tid := s.next.Add(1)

	logger.Debug("decryption accepted", "tracking_id", tid, "handle", h, "selector", req.Selector)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.deliver(p, tid, h, req.Selector)
	}()

	return EncodeAck(&Ack{Nonce: req.Nonce, TrackingID: tid}), nil
}

// deliver decrypts h after the configured delay and notifies the peer.
func (s *Service) deliver(p *network.Peer, tid uint64, h fhe.Handle, selector string) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-s.ctx.Done():
			return
		}
	}

	if s.held.Load() {
		logger.Debug("result held", "tracking_id", tid)
		return
	}

	value, _, err := s.decrypter.Decrypt(h)
	if err != nil {
		logger.Warn("decrypt failed", "tracking_id", tid, "error", err)
		return
	}

	cleartext := Word(value)

	proof, err := s.signers.Prove(tid, cleartext, nil)
	if err != nil {
		logger.Warn("prove failed", "tracking_id", tid, "error", err)
		return
	}

	msg := EncodeNotify(&Notify{TrackingID: tid, Cleartext: cleartext, Proof: proof, Selector: selector})

	if err := p.Send(msg); err != nil {
		// the requester may have reconnected on a new link
		if err := s.node.Broadcast(msg); err != nil {
			logger.Warn("notify failed", "tracking_id", tid, "error", err)
			return
		}
	}

	logger.Debug("result delivered", "tracking_id", tid)
}

// Word encodes v as a 32-byte big-endian word.
func Word(v uint64) []byte {
	out := make([]byte, 32)
	binary.BigEndian.PutUint64(out[24:], v)

	return out
}
