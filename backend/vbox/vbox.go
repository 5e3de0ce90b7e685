// Package vbox implements the VirtualBox introspection backend: a client
// for a debug-stub style agent (VirtualBox's FDP interface in the original
// implementation) reached over a Unix-domain socket, one register at a time.
package vbox

import (
	"context"
	"encoding/binary"
	"net"

	"github.com/rs/zerolog/log"

	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/internal/wire"
	"github.com/govmi/govmi/params"
	"github.com/govmi/govmi/vmierr"
)

type msgType = wire.MsgType

const (
	msgReadRegister msgType = iota + 1 // payload: uint32 vcpu, uint8 regID -> msgRegisterValue
	msgRegisterValue                   // payload: uint64
	msgReadPhysical                    // payload: uint64 paddr, uint32 len -> msgPhysicalData
	msgPhysicalData                    // payload: raw bytes (as many as the stub mapped)
	msgGetMaxPhysAddr                  // -> msgMaxPhysAddr
	msgMaxPhysAddr                     // payload: uint64
	msgPause                           // -> msgAck
	msgResume                          // -> msgAck
	msgAck                             // payload: uint8 ok
)

// registerID enumerates the debug-stub register namespace this backend
// reads one at a time, mirroring FDP's RegisterType selectors.
type registerID uint8

const (
	regRAX registerID = iota
	regRBX
	regRCX
	regRDX
	regRSI
	regRDI
	regRBP
	regRSP
	regR8
	regR9
	regR10
	regR11
	regR12
	regR13
	regR14
	regR15
	regRIP
	regCR0
	regCR2
	regCR3
	regCR4
	regCSBase
	regDSBase
	regESBase
	regFSBase
	regGSBase
	regSSBase
	regGDTRBase
	regGDTRLimit
	regIDTRBase
	regIDTRLimit
)

// Driver is the VirtualBox backend. VirtualBox's debug stub exposes no
// vcpu-count query, no write path, and no intercept/event support, so only
// the read-side capabilities and Pause/Resume are overridden; everything
// else falls through to UnimplementedDriver.
type Driver struct {
	api.UnimplementedDriver

	conn net.Conn
	send *wire.Sender
	recv *wire.Receiver
}

// New dials the debug-stub socket named in p.
func New(ctx context.Context, p params.InitParams) (*Driver, error) {
	vmName, err := p.RequireVMName()
	if err != nil {
		return nil, err
	}

	log.Debug().Str("vm", vmName).Msg("vbox: init")

	var dialer net.Dialer

	conn, err := dialer.DialContext(ctx, "unix", vmName)
	if err != nil {
		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "vbox: dial debug stub")
	}

	return &Driver{
		UnimplementedDriver: api.UnimplementedDriver{Self: api.VirtualBox},
		conn:                conn,
		send:                wire.NewSender(conn),
		recv:                wire.NewReceiver(conn),
	}, nil
}

func (d *Driver) GetDriverType() api.DriverType { return api.VirtualBox }

// GetVCPUCount is hardcoded to 1: the debug stub exposes no vcpu-count
// query, matching original_source's own "no API to fetch VCPU count,
// hardcode to 1 for now".
func (d *Driver) GetVCPUCount() (uint16, error) { return 1, nil }

func (d *Driver) readRegister(vcpu uint16, reg registerID) (uint64, error) {
	req := make([]byte, 5)
	binary.BigEndian.PutUint32(req[0:4], uint32(vcpu))
	req[4] = byte(reg)

	if err := d.send.Send(msgReadRegister, req); err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "vbox: send read-register")
	}

	t, payload, err := d.recv.Next()
	if err != nil || t != msgRegisterValue || len(payload) < 8 {
		return 0, vmierr.Newf(vmierr.BackendFailure, "vbox: read-register failed: %v", err)
	}

	return binary.BigEndian.Uint64(payload), nil
}

// ReadRegisters reads the full register set one round trip at a time, the
// same shape as FDP's per-register reads in the original driver.
func (d *Driver) ReadRegisters(vcpu uint16) (api.Registers, error) {
	get := func(reg registerID) (uint64, error) { return d.readRegister(vcpu, reg) }

	var (
		x86 api.X86Registers
		err error
	)

	fields := []struct {
		dst *uint64
		reg registerID
	}{
		{&x86.RAX, regRAX}, {&x86.RBX, regRBX}, {&x86.RCX, regRCX}, {&x86.RDX, regRDX},
		{&x86.RSI, regRSI}, {&x86.RDI, regRDI}, {&x86.RBP, regRBP}, {&x86.RSP, regRSP},
		{&x86.R8, regR8}, {&x86.R9, regR9}, {&x86.R10, regR10}, {&x86.R11, regR11},
		{&x86.R12, regR12}, {&x86.R13, regR13}, {&x86.R14, regR14}, {&x86.R15, regR15},
		{&x86.RIP, regRIP},
		{&x86.CR0, regCR0}, {&x86.CR2, regCR2}, {&x86.CR3, regCR3}, {&x86.CR4, regCR4},
	}

	for _, f := range fields {
		if *f.dst, err = get(f.reg); err != nil {
			return api.Registers{}, err
		}
	}

	if x86.CS.Base, err = get(regCSBase); err != nil {
		return api.Registers{}, err
	}

	if x86.DS.Base, err = get(regDSBase); err != nil {
		return api.Registers{}, err
	}

	if x86.ES.Base, err = get(regESBase); err != nil {
		return api.Registers{}, err
	}

	if x86.FS.Base, err = get(regFSBase); err != nil {
		return api.Registers{}, err
	}

	if x86.GS.Base, err = get(regGSBase); err != nil {
		return api.Registers{}, err
	}

	if x86.SS.Base, err = get(regSSBase); err != nil {
		return api.Registers{}, err
	}

	gdtBase, err := get(regGDTRBase)
	if err != nil {
		return api.Registers{}, err
	}

	gdtLimit, err := get(regGDTRLimit)
	if err != nil {
		return api.Registers{}, err
	}

	x86.GDT = api.SystemTableReg{Base: gdtBase, Limit: uint16(gdtLimit)}

	idtBase, err := get(regIDTRBase)
	if err != nil {
		return api.Registers{}, err
	}

	idtLimit, err := get(regIDTRLimit)
	if err != nil {
		return api.Registers{}, err
	}

	x86.IDT = api.SystemTableReg{Base: idtBase, Limit: uint16(idtLimit)}

	return api.Registers{Kind: api.RegKindX86, X86: x86}, nil
}

// ReadPhysical is unchunked: the debug stub maps and returns whatever it
// could in one round trip, never more than len(buf).
func (d *Driver) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	req := make([]byte, 12)
	binary.BigEndian.PutUint64(req[0:8], paddr)
	binary.BigEndian.PutUint32(req[8:12], uint32(len(buf)))

	if err := d.send.Send(msgReadPhysical, req); err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "vbox: send read-physical")
	}

	t, payload, err := d.recv.Next()
	if err != nil || t != msgPhysicalData {
		return 0, vmierr.Newf(vmierr.BackendFailure, "vbox: read-physical failed: %v", err)
	}

	n := copy(buf, payload)

	return n, nil
}

func (d *Driver) GetMaxPhysicalAddr() (uint64, error) {
	if err := d.send.Send(msgGetMaxPhysAddr, nil); err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "vbox: send get-max-physical-addr")
	}

	t, payload, err := d.recv.Next()
	if err != nil || t != msgMaxPhysAddr || len(payload) < 8 {
		return 0, vmierr.Newf(vmierr.BackendFailure, "vbox: get-max-physical-addr failed: %v", err)
	}

	return binary.BigEndian.Uint64(payload), nil
}

func (d *Driver) Pause() error {
	log.Debug().Msg("vbox: pause")

	return d.roundTripAck(msgPause, "pause")
}

func (d *Driver) Resume() error {
	log.Debug().Msg("vbox: resume")

	return d.roundTripAck(msgResume, "resume")
}

func (d *Driver) roundTripAck(t msgType, op string) error {
	if err := d.send.Send(t, nil); err != nil {
		return vmierr.Wrap(vmierr.BackendFailure, err, "vbox: send "+op)
	}

	respType, payload, err := d.recv.Next()
	if err != nil || respType != msgAck || len(payload) < 1 || payload[0] != 1 {
		return vmierr.Newf(vmierr.BackendFailure, "vbox: %s failed: %v", op, err)
	}

	return nil
}

func (d *Driver) Close() error {
	log.Debug().Msg("vbox: close")

	return d.conn.Close()
}
