package kvmi

import (
	"encoding/binary"
	"fmt"

	"github.com/govmi/govmi/api"
)

// encodeEvent/decodeEvent serialize an api.Event (plus the KVMi-internal
// PauseVCPU marker) for the msgEvent payload. Layout:
// [1 byte kind][2 bytes vcpu][24 bytes kind-specific payload, zero padded].
const eventPayloadLen = 1 + 2 + 24

func encodeEvent(kind eventKind, vcpu uint16, ev api.Event) []byte {
	buf := make([]byte, eventPayloadLen)
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[1:3], vcpu)

	body := buf[3:]

	switch kind {
	case evCr:
		body[0] = byte(ev.Cr.Which)
		binary.BigEndian.PutUint64(body[1:9], ev.Cr.NewValue)
		binary.BigEndian.PutUint64(body[9:17], ev.Cr.OldValue)
	case evMsr:
		binary.BigEndian.PutUint32(body[0:4], ev.Msr.MSRIndex)
		binary.BigEndian.PutUint64(body[4:12], ev.Msr.NewValue)
		binary.BigEndian.PutUint64(body[12:20], ev.Msr.OldValue)
	case evBreakpoint:
		binary.BigEndian.PutUint64(body[0:8], ev.Bp.GuestPhysicalAddress)
		body[8] = ev.Bp.InstructionLength
	case evPagefault:
		binary.BigEndian.PutUint64(body[0:8], ev.Pf.GuestVirtualAddress)
		binary.BigEndian.PutUint64(body[8:16], ev.Pf.GuestPhysicalAddress)
		body[16] = byte(ev.Pf.Access)
		binary.BigEndian.PutUint16(body[17:19], ev.Pf.View)
	case evSinglestep:
		binary.BigEndian.PutUint64(body[0:8], ev.Step.GuestFrameNumber)
	case evPauseVCPU:
		// no payload
	}

	return buf
}

func decodeEvent(payload []byte) (eventKind, api.Event, error) {
	if len(payload) < eventPayloadLen {
		return 0, api.Event{}, fmt.Errorf("kvmi: short event payload: %d bytes", len(payload))
	}

	kind := eventKind(payload[0])
	vcpu := binary.BigEndian.Uint16(payload[1:3])
	body := payload[3:]

	ev := api.Event{Vcpu: vcpu}

	switch kind {
	case evCr:
		ev.Kind = api.EventControlRegister
		ev.Cr = api.ControlRegisterEvent{
			Which:    api.CrType(body[0]),
			NewValue: binary.BigEndian.Uint64(body[1:9]),
			OldValue: binary.BigEndian.Uint64(body[9:17]),
		}
	case evMsr:
		ev.Kind = api.EventModelSpecificRegister
		ev.Msr = api.ModelSpecificRegisterEvent{
			MSRIndex: binary.BigEndian.Uint32(body[0:4]),
			NewValue: binary.BigEndian.Uint64(body[4:12]),
			OldValue: binary.BigEndian.Uint64(body[12:20]),
		}
	case evBreakpoint:
		ev.Kind = api.EventBreakpoint
		ev.Bp = api.BreakpointEvent{
			GuestPhysicalAddress: binary.BigEndian.Uint64(body[0:8]),
			InstructionLength:    body[8],
		}
	case evPagefault:
		ev.Kind = api.EventPagefault
		ev.Pf = api.PagefaultEvent{
			GuestVirtualAddress:  binary.BigEndian.Uint64(body[0:8]),
			GuestPhysicalAddress: binary.BigEndian.Uint64(body[8:16]),
			Access:               api.Access(body[16]),
			View:                 binary.BigEndian.Uint16(body[17:19]),
		}
	case evSinglestep:
		ev.Kind = api.EventSinglestep
		ev.Step = api.SinglestepEvent{GuestFrameNumber: binary.BigEndian.Uint64(body[0:8])}
	case evPauseVCPU:
		// caller only cares about the kind
	default:
		return 0, api.Event{}, fmt.Errorf("kvmi: unknown event kind %d", kind)
	}

	return kind, ev, nil
}

// encodeRegisters/decodeRegisters serialize api.X86Registers for
// msgRegisters: the general-purpose registers, RIP, RFLAGS, and CR3. KVMi's
// KVM_GET_REGS/KVM_GET_SREGS split exposes segment and system-table
// registers through a separate call this protocol doesn't model; those
// fields round-trip as zero.
const registersPayloadLen = 19 * 8

func encodeRegisters(r api.X86Registers) []byte {
	buf := make([]byte, registersPayloadLen)
	vals := []uint64{
		r.RAX, r.RBX, r.RCX, r.RDX, r.RSI, r.RDI, r.RSP, r.RBP,
		r.R8, r.R9, r.R10, r.R11, r.R12, r.R13, r.R14, r.R15,
		r.RIP, r.RFLAGS, r.CR3,
	}

	off := 0
	for _, v := range vals {
		binary.BigEndian.PutUint64(buf[off:off+8], v)
		off += 8
	}

	return buf
}

func decodeRegisters(payload []byte) (api.X86Registers, error) {
	if len(payload) < 19*8 {
		return api.X86Registers{}, fmt.Errorf("kvmi: short registers payload: %d bytes", len(payload))
	}

	u := func(i int) uint64 { return binary.BigEndian.Uint64(payload[i*8 : i*8+8]) }

	return api.X86Registers{
		RAX: u(0), RBX: u(1), RCX: u(2), RDX: u(3), RSI: u(4), RDI: u(5), RSP: u(6), RBP: u(7),
		R8: u(8), R9: u(9), R10: u(10), R11: u(11), R12: u(12), R13: u(13), R14: u(14), R15: u(15),
		RIP: u(16), RFLAGS: u(17), CR3: u(18),
	}, nil
}
