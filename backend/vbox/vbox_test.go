package vbox

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/internal/wire"
)

type fakeStub struct {
	send *wire.Sender
	recv *wire.Receiver
}

func newDriverWithFakeStub(t *testing.T) (*Driver, *fakeStub) {
	t.Helper()

	client, server := net.Pipe()

	d := &Driver{
		UnimplementedDriver: api.UnimplementedDriver{Self: api.VirtualBox},
		conn:                client,
		send:                wire.NewSender(client),
		recv:                wire.NewReceiver(client),
	}

	stub := &fakeStub{send: wire.NewSender(server), recv: wire.NewReceiver(server)}

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	return d, stub
}

func TestGetVCPUCountHardcodedToOne(t *testing.T) {
	t.Parallel()

	d, _ := newDriverWithFakeStub(t)

	n, err := d.GetVCPUCount()
	if err != nil {
		t.Fatalf("GetVCPUCount: %v", err)
	}

	if n != 1 {
		t.Fatalf("got %d, want 1", n)
	}
}

func TestReadRegistersOneRoundTripPerField(t *testing.T) {
	t.Parallel()

	d, stub := newDriverWithFakeStub(t)

	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			_, payload, err := stub.recv.Next()
			if err != nil {
				return
			}

			reg := registerID(payload[4])

			resp := make([]byte, 8)
			binary.BigEndian.PutUint64(resp, uint64(reg)+1)

			if err := stub.send.Send(msgRegisterValue, resp); err != nil {
				return
			}
		}
	}()

	regs, err := d.ReadRegisters(0)
	if err != nil {
		t.Fatalf("ReadRegisters: %v", err)
	}

	if regs.Kind != api.RegKindX86 {
		t.Fatalf("got Kind %v, want RegKindX86", regs.Kind)
	}

	if regs.X86.RAX != uint64(regRAX)+1 {
		t.Fatalf("RAX = %d, want %d", regs.X86.RAX, uint64(regRAX)+1)
	}

	if regs.X86.GDT.Base != uint64(regGDTRBase)+1 {
		t.Fatalf("GDT.Base = %d, want %d", regs.X86.GDT.Base, uint64(regGDTRBase)+1)
	}

	_ = d.conn.Close()
	<-done
}

func TestReadPhysicalUnchunked(t *testing.T) {
	t.Parallel()

	d, stub := newDriverWithFakeStub(t)

	go func() {
		if _, _, err := stub.recv.Next(); err != nil {
			return
		}

		_ = stub.send.Send(msgPhysicalData, []byte{1, 2, 3})
	}()

	buf := make([]byte, 8)

	n, err := d.ReadPhysical(0x1000, buf)
	if err != nil {
		t.Fatalf("ReadPhysical: %v", err)
	}

	if n != 3 {
		t.Fatalf("got n=%d, want 3", n)
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	t.Parallel()

	d, stub := newDriverWithFakeStub(t)

	go func() {
		for i := 0; i < 2; i++ {
			if _, _, err := stub.recv.Next(); err != nil {
				return
			}

			if err := stub.send.Send(msgAck, []byte{1}); err != nil {
				return
			}
		}
	}()

	if err := d.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if err := d.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}
