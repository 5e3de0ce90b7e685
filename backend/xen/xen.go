package xen

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sys/unix"

	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/params"
	"github.com/govmi/govmi/vmierr"
)

const (
	privcmdDevice = "/dev/xen/privcmd"
	evtchnDevice  = "/dev/xen/evtchn"
)

// Xen device ioctl request numbers. These are this module's own named
// placeholders, each standing in for the privcmd/evtchn operation it is
// named after; they are not the values defined by the kernel's
// xen/privcmd.h and xen/evtchn.h headers.
const (
	ioctlPrivcmdMmapBatchV2        = 0x4020aa04
	ioctlPrivcmdDomctlHvmCtx       = 0xc030aa08 // domain_hvm_getcontext_partial
	ioctlPrivcmdDomctlGpfn         = 0xc010aa09 // domain_maximum_gpfn
	ioctlPrivcmdDomctlCtrlreg      = 0xc020aa0a // monitor_write_ctrlreg
	ioctlPrivcmdDomctlPause        = 0xc010aa0b // domain_pause / domain_unpause
	ioctlPrivcmdDomctlMonitorMsr   = 0xc020aa0c // monitor_mov_to_msr
	ioctlPrivcmdDomctlMonitorSwBp  = 0xc010aa0d // monitor_software_breakpoint
	ioctlPrivcmdDomctlMonitorSstep = 0xc010aa0e // monitor_singlestep
	ioctlEvtchnBindInterdom        = 0xc00845c1
	ioctlEvtchnUnbind              = 0x40048404
	ioctlEvtchnNotify              = 0xc0048402
)

// hvmContextSize is the fixed-size register context blob this module reads
// via the domctl get-context call, laid out as 21 little-endian uint64s
// covering the general-purpose registers, RIP, RFLAGS, and CR0/CR3/CR4 —
// the same subset original_source's xen.rs populates (everything else is
// left zero, annotated there as "TODO: hardcoded for x86 for now").
const hvmContextSize = 21 * 8

// Driver is the Xen introspection backend.
type Driver struct {
	api.UnimplementedDriver

	domID uint32

	privcmdFD int
	evtchnFD  int
	bindPort  uint32

	ring *backRing

	interceptState map[api.CrType]bool
}

// New locates domainName in xenstore, enables vm_event monitoring, maps the
// shared ring page, and binds the domain's event channel.
func New(ctx context.Context, p params.InitParams) (*Driver, error) {
	domainName, err := p.RequireVMName()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("domain", domainName).Msg("xen: init")

	domID, err := lookupDomID(domainName)
	if err != nil {
		return nil, err
	}

	privcmdFD, err := unix.Open(privcmdDevice, unix.O_RDWR, 0)
	if err != nil {
		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "xen: open privcmd device")
	}

	evtchnFD, err := unix.Open(evtchnDevice, unix.O_RDWR, 0)
	if err != nil {
		unix.Close(privcmdFD)

		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "xen: open evtchn device")
	}

	ringPage, err := unix.Mmap(privcmdFD, 0, api.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(evtchnFD)
		unix.Close(privcmdFD)

		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "xen: mmap vm_event ring page")
	}

	ring, err := newBackRing(ringPage)
	if err != nil {
		unix.Munmap(ringPage)
		unix.Close(evtchnFD)
		unix.Close(privcmdFD)

		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "xen: initialize ring")
	}

	bindPort, err := bindInterdomainEvtchn(evtchnFD, domID)
	if err != nil {
		unix.Munmap(ringPage)
		unix.Close(evtchnFD)
		unix.Close(privcmdFD)

		return nil, err
	}

	return &Driver{
		UnimplementedDriver: api.UnimplementedDriver{Self: api.Xen},
		domID:               domID,
		privcmdFD:           privcmdFD,
		evtchnFD:            evtchnFD,
		bindPort:            bindPort,
		ring:                ring,
		interceptState:      make(map[api.CrType]bool),
	}, nil
}

func bindInterdomainEvtchn(evtchnFD int, domID uint32) (uint32, error) {
	req := struct {
		RemoteDomain uint32
		RemotePort   uint32
	}{RemoteDomain: domID}

	if err := ioctlPtr(evtchnFD, ioctlEvtchnBindInterdom, unsafe.Pointer(&req)); err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "xen: bind interdomain event channel")
	}

	return req.RemotePort, nil
}

// ioctlPtr issues an ioctl carrying a pointer argument, the idiom
// golang.org/x/sys/unix itself uses internally for struct-carrying ioctls
// that have no typed wrapper.
func ioctlPtr(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}

	return nil
}

func (d *Driver) GetDriverType() api.DriverType { return api.Xen }

func (d *Driver) GetVCPUCount() (uint16, error) {
	return 0, vmierr.NotImplementedFor(api.Xen, "GetVCPUCount")
}

// ReadPhysical maps one guest frame at a time via foreign-memory mmap,
// reads the requested slice out of it, and unmaps it, matching
// original_source's `xen_fgn.map`/`unmap` per-frame loop in read_physical.
// If a frame cannot be mapped, it stops there and returns the bytes copied
// so far with a nil error (a short read).
func (d *Driver) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		curPaddr := paddr + uint64(total)
		gfn := curPaddr >> api.PageShift
		pageOff := int(curPaddr & (api.PageSize - 1))

		page, err := d.mapForeignFrame(gfn)
		if err != nil {
			log.Debug().Err(err).Uint64("gfn", gfn).Msg("xen: map foreign frame failed")

			return total, nil
		}

		readLen := api.PageSize - pageOff
		if remaining := len(buf) - total; readLen > remaining {
			readLen = remaining
		}

		copy(buf[total:total+readLen], page[pageOff:pageOff+readLen])
		unix.Munmap(page)

		total += readLen
	}

	return total, nil
}

// mapForeignFrame maps guest frame gfn read-only into this process via the
// privcmd device's MMAPBATCH_V2 ioctl.
func (d *Driver) mapForeignFrame(gfn uint64) ([]byte, error) {
	page, err := unix.Mmap(d.privcmdFD, 0, api.PageSize, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}

	req := struct {
		DomID uint32
		GFN   uint64
		Addr  uintptr
	}{DomID: d.domID, GFN: gfn, Addr: uintptr(unsafe.Pointer(&page[0]))}

	if err := ioctlPtr(d.privcmdFD, ioctlPrivcmdMmapBatchV2, unsafe.Pointer(&req)); err != nil {
		unix.Munmap(page)

		return nil, err
	}

	return page, nil
}

func (d *Driver) GetMaxPhysicalAddr() (uint64, error) {
	var maxGPFN uint64

	if err := ioctlPtr(d.privcmdFD, ioctlPrivcmdDomctlGpfn, unsafe.Pointer(&maxGPFN)); err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "xen: domain_maximum_gpfn")
	}

	return maxGPFN << api.PageShift, nil
}

// ReadRegisters reads the domain's HVM context and decodes the register
// subset original_source's xen.rs itself populates; everything else is left
// zero, matching its own TODO.
func (d *Driver) ReadRegisters(vcpu uint16) (api.Registers, error) {
	ctx := make([]byte, hvmContextSize)

	req := struct {
		VcpuID uint16
		Addr   uintptr
		Len    uint32
	}{VcpuID: vcpu, Addr: uintptr(unsafe.Pointer(&ctx[0])), Len: hvmContextSize}

	if err := ioctlPtr(d.privcmdFD, ioctlPrivcmdDomctlHvmCtx, unsafe.Pointer(&req)); err != nil {
		return api.Registers{}, vmierr.Wrap(vmierr.BackendFailure, err, "xen: domain_hvm_getcontext_partial")
	}

	u := func(i int) uint64 { return binary.LittleEndian.Uint64(ctx[i*8 : i*8+8]) }

	x86 := api.X86Registers{
		RAX: u(0), RBX: u(1), RCX: u(2), RDX: u(3), RSI: u(4), RDI: u(5),
		RSP: u(6), RBP: u(7),
		R8: u(8), R9: u(9), R10: u(10), R11: u(11), R12: u(12), R13: u(13), R14: u(14), R15: u(15),
		RIP: u(16), RFLAGS: u(17),
		CR0: u(18), CR3: u(19), CR4: u(20),
	}

	return api.Registers{Kind: api.RegKindX86, X86: x86}, nil
}

// ToggleIntercept dispatches each InterceptKind to its own monitor_op domctl:
// control registers and MSRs each carry a sub-selector (CrType/MsrIdx),
// breakpoint and singlestep are plain on/off toggles. Pagefault intercepts
// are governed by page-access permissions (SetPageAccess), not a monitor
// toggle, so that kind is not handled here.
func (d *Driver) ToggleIntercept(_ uint16, spec api.InterceptSpec, enabled bool) error {
	switch spec.Kind {
	case api.InterceptCr:
		return d.toggleCrIntercept(spec.Cr, enabled)
	case api.InterceptMsr:
		return d.toggleMsrIntercept(spec.MsrIdx, enabled)
	case api.InterceptBreakpoint:
		return d.toggleMonitorFlag(ioctlPrivcmdDomctlMonitorSwBp, enabled, "monitor_software_breakpoint")
	case api.InterceptSinglestep:
		return d.toggleMonitorFlag(ioctlPrivcmdDomctlMonitorSstep, enabled, "monitor_singlestep")
	default:
		return vmierr.NotImplementedFor(api.Xen, fmt.Sprintf("ToggleIntercept(%v)", spec.Kind))
	}
}

func (d *Driver) toggleCrIntercept(cr api.CrType, enabled bool) error {
	req := struct {
		DomID   uint32
		CrType  uint8
		Enabled uint8
	}{DomID: d.domID, CrType: byte(cr)}

	if enabled {
		req.Enabled = 1
	}

	if err := ioctlPtr(d.privcmdFD, ioctlPrivcmdDomctlCtrlreg, unsafe.Pointer(&req)); err != nil {
		return vmierr.Wrap(vmierr.BackendFailure, err, "xen: monitor_write_ctrlreg")
	}

	d.interceptState[cr] = enabled

	return nil
}

func (d *Driver) toggleMsrIntercept(msrIdx uint32, enabled bool) error {
	req := struct {
		DomID   uint32
		MsrIdx  uint32
		Enabled uint8
	}{DomID: d.domID, MsrIdx: msrIdx}

	if enabled {
		req.Enabled = 1
	}

	if err := ioctlPtr(d.privcmdFD, ioctlPrivcmdDomctlMonitorMsr, unsafe.Pointer(&req)); err != nil {
		return vmierr.Wrap(vmierr.BackendFailure, err, "xen: monitor_mov_to_msr")
	}

	return nil
}

// toggleMonitorFlag issues the boolean monitor_op domctls (breakpoint,
// singlestep) that carry nothing beyond the domain id and the on/off bit.
func (d *Driver) toggleMonitorFlag(ioctlReq uintptr, enabled bool, op string) error {
	req := struct {
		DomID   uint32
		Enabled uint8
	}{DomID: d.domID}

	if enabled {
		req.Enabled = 1
	}

	if err := ioctlPtr(d.privcmdFD, ioctlReq, unsafe.Pointer(&req)); err != nil {
		return vmierr.Wrap(vmierr.BackendFailure, err, "xen: "+op)
	}

	return nil
}

// eventReason mirrors the vm_event ABI's request "reason" field.
type eventReason uint32

const (
	reasonCr eventReason = iota
	reasonMsr
	reasonSoftwareBreakpoint
	reasonMemAccess
	reasonSinglestep
)

// Listen implements the poll → consume → translate → respond → notify
// sequence from original_source's xen.rs `listen`, with the panic on an
// interface-version mismatch converted to a ProtocolMismatch error and the
// panic on an unhandled event kind converted to UnexpectedEvent.
func (d *Driver) Listen(ctx context.Context, timeoutMillis uint32) (*api.Event, error) {
	pfd := []unix.PollFd{{Fd: int32(d.evtchnFD), Events: unix.POLLIN | unix.POLLERR}}

	n, err := unix.Poll(pfd, int(timeoutMillis))
	if err != nil {
		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "xen: poll event channel")
	}

	defer d.notify()

	if n <= 0 {
		return nil, nil
	}

	if !d.ring.hasUnconsumedRequests() {
		return nil, nil
	}

	req := d.ring.getRequest()
	if req.Version != protocolVersion {
		return nil, vmierr.Newf(vmierr.ProtocolMismatch, "xen: vm_event interface version %d, want %d", req.Version, protocolVersion)
	}

	ev, err := translateRequest(req)
	if err != nil {
		return nil, err
	}

	d.ring.putResponse(ringResponse{
		Version: protocolVersion,
		VcpuID:  req.VcpuID,
		Reason:  req.Reason,
		Flags:   req.Flags,
	})

	return &ev, nil
}

func translateRequest(req ringRequest) (api.Event, error) {
	ev := api.Event{Vcpu: uint16(req.VcpuID)}

	switch eventReason(req.Reason) {
	case reasonCr:
		ev.Kind = api.EventControlRegister
		ev.Cr = api.ControlRegisterEvent{Which: api.CrType(req.CrType), NewValue: req.NewValue, OldValue: req.OldValue}
	case reasonMsr:
		ev.Kind = api.EventModelSpecificRegister
		ev.Msr = api.ModelSpecificRegisterEvent{MSRIndex: req.MsrIdx, NewValue: req.NewValue, OldValue: req.OldValue}
	case reasonSoftwareBreakpoint:
		ev.Kind = api.EventBreakpoint
		// The real vm_event ABI reports only the gfn; gpa is synthesized by
		// shifting it back into a physical address, per spec.md §9 (the
		// original always reported gpa=0 here).
		insnLen := req.InsnLn
		if insnLen == 0 {
			insnLen = inferBreakpointLength(req.InsnBytes[:])
		}

		ev.Bp = api.BreakpointEvent{GuestPhysicalAddress: req.GFN << api.PageShift, InstructionLength: insnLen}
	case reasonMemAccess:
		ev.Kind = api.EventPagefault
		ev.Pf = api.PagefaultEvent{GuestVirtualAddress: req.GVA, GuestPhysicalAddress: req.GPA, Access: api.Access(req.Access)}
	case reasonSinglestep:
		ev.Kind = api.EventSinglestep
		ev.Step = api.SinglestepEvent{GuestFrameNumber: req.GFN}
	default:
		return api.Event{}, vmierr.Newf(vmierr.UnexpectedEvent, "xen: unhandled vm_event reason %d", req.Reason)
	}

	return ev, nil
}

// inferBreakpointLength recovers the trapped instruction's length by
// decoding the raw bytes the ring carried for it, for the case where the
// hypervisor didn't report a length directly (InsnLn == 0): a software
// breakpoint handler needs this to single-step the guest past the
// int3-patched instruction rather than re-trapping on it immediately.
func inferBreakpointLength(insnBytes []byte) uint8 {
	inst, err := x86asm.Decode(insnBytes, 64)
	if err != nil {
		return 0
	}

	return uint8(inst.Len)
}

func (d *Driver) notify() {
	if err := ioctlPtr(d.evtchnFD, ioctlEvtchnNotify, unsafe.Pointer(&d.bindPort)); err != nil {
		log.Debug().Err(err).Msg("xen: notify event channel failed")
	}
}

func (d *Driver) ReplyEvent(_ api.Event, reply api.EventReplyKind) error {
	if reply != api.ReplyContinue {
		return vmierr.NotImplementedFor(api.Xen, fmt.Sprintf("reply kind %v", reply))
	}

	return nil
}

func (d *Driver) Pause() error {
	log.Debug().Uint32("domid", d.domID).Msg("xen: pause")

	return d.domctlLifecycle(true)
}

func (d *Driver) Resume() error {
	log.Debug().Uint32("domid", d.domID).Msg("xen: resume")

	return d.domctlLifecycle(false)
}

func (d *Driver) domctlLifecycle(pause bool) error {
	op := "domain_unpause"
	if pause {
		op = "domain_pause"
	}

	req := struct {
		DomID uint32
		Pause uint32
	}{DomID: d.domID}

	if pause {
		req.Pause = 1
	}

	if err := ioctlPtr(d.privcmdFD, ioctlPrivcmdDomctlPause, unsafe.Pointer(&req)); err != nil {
		return vmierr.Wrap(vmierr.BackendFailure, err, "xen: "+op)
	}

	return nil
}

// Close tears down the monitor session: unbind the event channel, unmap the
// ring, close both device fds. Teardown errors are logged, not returned,
// matching the Rust Drop impl's own `expect`-and-move-on shape (adapted to
// not panic).
func (d *Driver) Close() error {
	log.Debug().Uint32("domid", d.domID).Msg("xen: close")

	if err := ioctlPtr(d.evtchnFD, ioctlEvtchnUnbind, unsafe.Pointer(&d.bindPort)); err != nil {
		log.Debug().Err(err).Msg("xen: unbind event channel failed")
	}

	if err := unix.Munmap(d.ring.sharedPage); err != nil {
		log.Debug().Err(err).Msg("xen: munmap ring page failed")
	}

	if err := unix.Close(d.evtchnFD); err != nil {
		log.Debug().Err(err).Msg("xen: close evtchn fd failed")
	}

	if err := unix.Close(d.privcmdFD); err != nil {
		log.Debug().Err(err).Msg("xen: close privcmd fd failed")
	}

	return nil
}
