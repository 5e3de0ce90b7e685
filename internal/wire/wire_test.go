package wire_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/govmi/govmi/internal/wire"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := wire.NewSender(&buf)
	if err := s.Send(7, []byte{0xDE, 0xAD, 0xBE, 0xEF}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	r := wire.NewReceiver(&buf)

	gotType, payload, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if gotType != 7 {
		t.Fatalf("got type %d, want 7", gotType)
	}

	if !bytes.Equal(payload, []byte{0xDE, 0xAD, 0xBE, 0xEF}) {
		t.Fatalf("payload mismatch: got %x", payload)
	}
}

func TestSendReceiveEmptyPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := wire.NewSender(&buf)
	if err := s.Send(1, nil); err != nil {
		t.Fatalf("Send: %v", err)
	}

	r := wire.NewReceiver(&buf)

	_, payload, err := r.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}

	if len(payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(payload))
	}
}

func TestNextTruncatedHeader(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	buf.Write([]byte{0x00, 0x00, 0x00, 0x01, 0x00})

	r := wire.NewReceiver(&buf)
	if _, _, err := r.Next(); err == nil {
		t.Fatal("expected error for truncated header, got nil")
	}
}

func TestNextTruncatedPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	hdr := make([]byte, 8)
	binary.BigEndian.PutUint32(hdr[0:4], 3)
	binary.BigEndian.PutUint32(hdr[4:8], 100)
	buf.Write(hdr)
	buf.Write([]byte{0x01, 0x02})

	r := wire.NewReceiver(&buf)
	if _, _, err := r.Next(); err == nil {
		t.Fatal("expected error for truncated payload, got nil")
	}
}

func TestMultipleMessagesDemultiplex(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	s := wire.NewSender(&buf)
	_ = s.Send(1, nil)
	_ = s.Send(2, []byte{0x01})
	_ = s.Send(3, []byte{0x02, 0x03})

	r := wire.NewReceiver(&buf)

	for i, want := range []wire.MsgType{1, 2, 3} {
		got, _, err := r.Next()
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}

		if got != want {
			t.Fatalf("message %d: got type %d, want %d", i, got, want)
		}
	}
}

func TestPutUint64Uint64RoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 8)
	wire.PutUint64(buf, 0x0123456789ABCDEF)

	if got := wire.Uint64(buf); got != 0x0123456789ABCDEF {
		t.Fatalf("got %#x, want %#x", got, 0x0123456789ABCDEF)
	}
}

func TestPutUint32Uint32RoundTrip(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 4)
	wire.PutUint32(buf, 0xCAFEBABE)

	if got := wire.Uint32(buf); got != 0xCAFEBABE {
		t.Fatalf("got %#x, want %#x", got, 0xCAFEBABE)
	}
}
