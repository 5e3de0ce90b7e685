package xen

import (
	"testing"

	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/vmierr"
)

func TestTranslateRequestControlRegister(t *testing.T) {
	t.Parallel()

	ev, err := translateRequest(ringRequest{
		VcpuID: 2, Reason: uint32(reasonCr), CrType: 1, NewValue: 0x1234, OldValue: 0x1000,
	})
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}

	if ev.Kind != api.EventControlRegister {
		t.Fatalf("kind = %v, want EventControlRegister", ev.Kind)
	}

	if ev.Cr.Which != api.Cr3 || ev.Cr.NewValue != 0x1234 || ev.Cr.OldValue != 0x1000 {
		t.Fatalf("unexpected Cr payload: %+v", ev.Cr)
	}
}

func TestTranslateRequestBreakpointSynthesizesGPAFromGFN(t *testing.T) {
	t.Parallel()

	ev, err := translateRequest(ringRequest{Reason: uint32(reasonSoftwareBreakpoint), GFN: 0x123, InsnLn: 1})
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}

	want := uint64(0x123) << api.PageShift
	if ev.Bp.GuestPhysicalAddress != want {
		t.Fatalf("got gpa %#x, want %#x", ev.Bp.GuestPhysicalAddress, want)
	}
}

// TestTranslateRequestBreakpointInfersLengthFromInsnBytes covers the case
// where the ring didn't report an instruction length (InsnLn == 0):
// translateRequest should fall back to decoding the raw trapped bytes.
func TestTranslateRequestBreakpointInfersLengthFromInsnBytes(t *testing.T) {
	t.Parallel()

	// nopl (%rax); a 3-byte instruction (0f 1f 00).
	req := ringRequest{Reason: uint32(reasonSoftwareBreakpoint), GFN: 1}
	req.InsnBytes[0], req.InsnBytes[1], req.InsnBytes[2] = 0x0f, 0x1f, 0x00

	ev, err := translateRequest(req)
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}

	if ev.Bp.InstructionLength != 3 {
		t.Fatalf("got instruction length %d, want 3", ev.Bp.InstructionLength)
	}
}

func TestTranslateRequestPagefault(t *testing.T) {
	t.Parallel()

	ev, err := translateRequest(ringRequest{
		Reason: uint32(reasonMemAccess), GPA: 0xabc000, GVA: 0x400000, Access: uint8(api.AccessRW),
	})
	if err != nil {
		t.Fatalf("translateRequest: %v", err)
	}

	if ev.Kind != api.EventPagefault || ev.Pf.GuestPhysicalAddress != 0xabc000 || ev.Pf.Access != api.AccessRW {
		t.Fatalf("unexpected Pf payload: %+v", ev.Pf)
	}
}

func TestTranslateRequestUnknownReasonIsUnexpectedEvent(t *testing.T) {
	t.Parallel()

	_, err := translateRequest(ringRequest{Reason: 99})
	if !vmierr.Is(err, vmierr.UnexpectedEvent) {
		t.Fatalf("got %v, want UnexpectedEvent", err)
	}
}
