package kvmi

import "github.com/govmi/govmi/internal/wire"

// Message catalog for the KVMi agent protocol. The framing is
// internal/wire's; this catalog is this backend's own, grounded on
// original_source/src/driver/kvm.rs's pause()/wait_event()/pop_event()/
// reply_continue() call shape rather than any public wire spec (KVMi has no
// stable documented byte format; an agent implementation is expected to
// speak whatever protocol its daemon defines).
const (
	msgPause          wire.MsgType = iota + 1 // -> msgPauseAck
	msgPauseAck                               // payload: uint32 expected pause-event count
	msgWaitEvent                              // payload: uint32 timeout millis -> msgEvent | msgNoEvent
	msgNoEvent                                //
	msgEvent                                  // payload: encoded event
	msgReplyContinue                          // no response expected
	msgReadPhysical                           // payload: uint64 paddr, uint32 len -> msgReadPhysicalResp
	msgReadPhysicalResp                       // payload: uint32 n, data[n]
	msgWritePhysical                          // payload: uint64 paddr, data -> msgAck
	msgAck                                    // payload: uint8 ok (1) / error string if not
	msgGetPageAccess                          // payload: uint64 paddr -> msgPageAccess
	msgPageAccess                             // payload: uint8 access
	msgSetPageAccess                          // payload: uint64 paddr, uint8 access -> msgAck
	msgGetMaxPhysAddr                         // -> msgMaxPhysAddr
	msgMaxPhysAddr                            // payload: uint64
	msgGetVCPUCount                           // -> msgVCPUCount
	msgVCPUCount                              // payload: uint16
	msgToggleIntercept                        // payload: uint16 vcpu, uint8 kind, uint8 cr, uint32 msr, uint8 enabled -> msgAck
	msgReadRegisters                          // payload: uint16 vcpu -> msgRegisters
	msgRegisters                              // payload: encoded X86Registers
	msgResolvePagefault                       // payload: uint16 vcpu, uint64 gva -> msgAck
)

// eventKind mirrors api.EventKind plus the KVMi-internal PauseVCPU
// acknowledgement event that only ever appears during the resume drain
// loop, never returned from Listen.
type eventKind uint8

const (
	evCr eventKind = iota
	evMsr
	evBreakpoint
	evPagefault
	evSinglestep
	evPauseVCPU
)
