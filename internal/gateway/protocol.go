// Package gateway speaks the decryption gateway protocol: the node asks the
// gateway to decrypt a handle, the gateway acks with a tracking id and later
// notifies the cleartext together with a committee proof.
package gateway

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"BlindMatch/internal/types"
)

// Message kinds, carried in the first byte ahead of the FlatBuffers table.
const (
	msgRequest = 0x01 // msgRequest is node -> gateway, answered with an ack
	msgNotify  = 0x02 // msgNotify is gateway -> node, one-way
)

// Request asks the gateway to decrypt handles and call selector back.
type Request struct {
	Nonce    uint64   // Nonce correlates the ack
	Selector string   // Selector is callback routing metadata
	Handles  [][]byte // Handles are transport handles
}

// Ack answers a Request with a tracking id or an error.
type Ack struct {
	Nonce      uint64 // Nonce echoes the request
	TrackingID uint64 // TrackingID is assigned by the gateway
	Error      string // Error is set when the gateway refused the request
}

// Notify delivers a decryption result.
type Notify struct {
	TrackingID uint64 // TrackingID is the id from the ack
	Cleartext  []byte // Cleartext is a 32-byte big-endian word
	Proof      []byte // Proof is the committee proof
	Selector   string // Selector is the callback routing metadata
}

// EncodeRequest encodes a request. Handles are concatenated and must share one length.
func EncodeRequest(req *Request) ([]byte, error) {
	var joined []byte
	for i, h := range req.Handles {
		if len(h) != len(req.Handles[0]) {
			return nil, fmt.Errorf("handle %d has length %d, want %d", i, len(h), len(req.Handles[0]))
		}
		joined = append(joined, h...)
	}

	builder := flatbuffers.NewBuilder(len(joined) + len(req.Selector) + 64)

	selector := builder.CreateString(req.Selector)
	handles := builder.CreateByteVector(joined)

	types.DecryptionRequestStart(builder)
	types.DecryptionRequestAddNonce(builder, req.Nonce)
	types.DecryptionRequestAddSelector(builder, selector)
	types.DecryptionRequestAddHandles(builder, handles)
	builder.Finish(types.DecryptionRequestEnd(builder))

	return frame(msgRequest, builder.FinishedBytes()), nil
}

// DecodeRequest decodes a request, splitting handles by handleSize.
func DecodeRequest(data []byte, handleSize int) (req *Request, err error) {
	body, err := unframe(msgRequest, data)
	if err != nil {
		return nil, err
	}

	defer recoverDecode("request", &err)

	fb := types.GetRootAsDecryptionRequest(body, 0)

	joined := fb.HandlesBytes()
	if len(joined) == 0 || handleSize <= 0 || len(joined)%handleSize != 0 {
		return nil, fmt.Errorf("handles length %d is not a multiple of %d", len(joined), handleSize)
	}

	req = &Request{
		Nonce:    fb.Nonce(),
		Selector: string(fb.Selector()),
	}

	for off := 0; off < len(joined); off += handleSize {
		req.Handles = append(req.Handles, append([]byte(nil), joined[off:off+handleSize]...))
	}

	return req, nil
}

// EncodeAck encodes an ack.
func EncodeAck(ack *Ack) []byte {
	builder := flatbuffers.NewBuilder(len(ack.Error) + 64)

	var errOffset flatbuffers.UOffsetT
	if ack.Error != "" {
		errOffset = builder.CreateString(ack.Error)
	}

	types.DecryptionAckStart(builder)
	types.DecryptionAckAddNonce(builder, ack.Nonce)
	types.DecryptionAckAddTrackingId(builder, ack.TrackingID)
	if ack.Error != "" {
		types.DecryptionAckAddError(builder, errOffset)
	}
	builder.Finish(types.DecryptionAckEnd(builder))

	return builder.FinishedBytes()
}

// DecodeAck decodes an ack.
func DecodeAck(data []byte) (ack *Ack, err error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("ack too short: %d bytes", len(data))
	}

	defer recoverDecode("ack", &err)

	fb := types.GetRootAsDecryptionAck(data, 0)

	return &Ack{
		Nonce:      fb.Nonce(),
		TrackingID: fb.TrackingId(),
		Error:      string(fb.Error()),
	}, nil
}

// EncodeNotify encodes a notify.
func EncodeNotify(n *Notify) []byte {
	builder := flatbuffers.NewBuilder(len(n.Cleartext) + len(n.Proof) + len(n.Selector) + 64)

	selector := builder.CreateString(n.Selector)
	proof := builder.CreateByteVector(n.Proof)
	cleartext := builder.CreateByteVector(n.Cleartext)

	types.DecryptionNotifyStart(builder)
	types.DecryptionNotifyAddTrackingId(builder, n.TrackingID)
	types.DecryptionNotifyAddCleartext(builder, cleartext)
	types.DecryptionNotifyAddProof(builder, proof)
	types.DecryptionNotifyAddSelector(builder, selector)
	builder.Finish(types.DecryptionNotifyEnd(builder))

	return frame(msgNotify, builder.FinishedBytes())
}

// DecodeNotify decodes a notify.
func DecodeNotify(data []byte) (n *Notify, err error) {
	body, err := unframe(msgNotify, data)
	if err != nil {
		return nil, err
	}

	defer recoverDecode("notify", &err)

	fb := types.GetRootAsDecryptionNotify(body, 0)

	return &Notify{
		TrackingID: fb.TrackingId(),
		Cleartext:  append([]byte(nil), fb.CleartextBytes()...),
		Proof:      append([]byte(nil), fb.ProofBytes()...),
		Selector:   string(fb.Selector()),
	}, nil
}

// frame prefixes body with its kind byte.
func frame(kind byte, body []byte) []byte {
	out := make([]byte, 1+len(body))
	out[0] = kind
	copy(out[1:], body)

	return out
}

// unframe checks the kind byte and returns the table bytes.
func unframe(kind byte, data []byte) ([]byte, error) {
	if len(data) < 9 {
		return nil, fmt.Errorf("message too short: %d bytes", len(data))
	}

	if data[0] != kind {
		return nil, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}

	return data[1:], nil
}

// recoverDecode turns a FlatBuffers panic on malformed input into an error.
func recoverDecode(what string, err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed %s: %v", what, r)
	}
}
