// Package wire implements the small length-prefixed framed message protocol
// shared by the backends that talk to an out-of-process agent over a
// socket (backend/kvmi's KVMi agent, backend/vbox's debug-stub). The framing
// technique (and its naming) is the same one the teacher's migration package
// uses to stream snapshots over a TCP connection; the message catalog here
// is specific to each backend's own protocol.
//
// Wire format for each message: [4-byte big-endian type][4-byte big-endian
// payload length][payload bytes].
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

const headerSize = 8

// MsgType identifies a framed message's payload shape. Each backend defines
// its own constants in this range.
type MsgType uint32

// Sender writes framed messages to an underlying connection.
type Sender struct {
	w io.Writer
}

// NewSender wraps w as a Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

// Send writes one framed message.
func (s *Sender) Send(t MsgType, payload []byte) error {
	hdr := make([]byte, headerSize)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("wire: send header: %w", err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("wire: send payload: %w", err)
		}
	}

	return nil
}

// Receiver reads framed messages from an underlying connection.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message's type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("wire: read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint32(hdr[4:8])

	if length == 0 {
		return t, nil, nil
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return 0, nil, fmt.Errorf("wire: read payload (type=%d len=%d): %w", t, length, err)
	}

	return t, payload, nil
}

// PutUint64 and Uint64 are small helpers for backends that pack register
// values into message payloads.
func PutUint64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
func Uint64(b []byte) uint64       { return binary.BigEndian.Uint64(b) }
func PutUint32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func Uint32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
