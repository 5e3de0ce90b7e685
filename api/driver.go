package api

import (
	"context"

	"github.com/govmi/govmi/vmierr"
)

// Driver is the capability contract every introspection backend implements,
// in part or in full. A backend that does not support a given capability
// returns a vmierr.NotImplemented error from it; embedding UnimplementedDriver
// gives every method that behavior for free, so a concrete backend only
// overrides what it actually supports.
type Driver interface {
	// GetDriverType is pure and constant over the backend's lifetime.
	GetDriverType() DriverType

	GetVCPUCount() (uint16, error)

	// ReadPhysical fills buf starting at paddr and returns the number of
	// bytes actually filled, which may be less than len(buf) when a page is
	// unmapped. A short read is not an error.
	ReadPhysical(paddr uint64, buf []byte) (int, error)
	// WritePhysical either writes all of buf or fails.
	WritePhysical(paddr uint64, buf []byte) error
	GetMaxPhysicalAddr() (uint64, error)

	ReadRegisters(vcpu uint16) (Registers, error)
	WriteRegisters(vcpu uint16, regs Registers) error

	GetPageAccess(paddr uint64) (Access, error)
	SetPageAccess(paddr uint64, access Access) error

	Pause() error
	Resume() error

	ToggleIntercept(vcpu uint16, spec InterceptSpec, enabled bool) error
	Listen(ctx context.Context, timeoutMillis uint32) (*Event, error)
	ReplyEvent(ev Event, reply EventReplyKind) error

	// Close releases every hypervisor handle the backend owns. Teardown is
	// best-effort: callers should log a returned error rather than treat it
	// as actionable.
	Close() error
}

// UnimplementedDriver gives every Driver capability method a
// vmierr.NotImplemented body; GetDriverType reports Self and Close is a
// no-op. Concrete backends embed it and override only the capabilities they
// support, which is the dynamically-dispatched-interface option for the
// capability contract (closed variant is the alternative; this module uses
// the open one so a connector-style backend can be added later without
// touching every existing backend).
type UnimplementedDriver struct {
	// Self is what GetDriverType reports and what NotImplemented errors
	// name, rather than "UnimplementedDriver"; backends set it once at
	// construction.
	Self DriverType
}

func (u UnimplementedDriver) GetDriverType() DriverType { return u.Self }

func (u UnimplementedDriver) GetVCPUCount() (uint16, error) {
	return 0, vmierr.NotImplementedFor(u.Self, "GetVCPUCount")
}

func (u UnimplementedDriver) ReadPhysical(uint64, []byte) (int, error) {
	return 0, vmierr.NotImplementedFor(u.Self, "ReadPhysical")
}

func (u UnimplementedDriver) WritePhysical(uint64, []byte) error {
	return vmierr.NotImplementedFor(u.Self, "WritePhysical")
}

func (u UnimplementedDriver) GetMaxPhysicalAddr() (uint64, error) {
	return 0, vmierr.NotImplementedFor(u.Self, "GetMaxPhysicalAddr")
}

func (u UnimplementedDriver) ReadRegisters(uint16) (Registers, error) {
	return Registers{}, vmierr.NotImplementedFor(u.Self, "ReadRegisters")
}

func (u UnimplementedDriver) WriteRegisters(uint16, Registers) error {
	return vmierr.NotImplementedFor(u.Self, "WriteRegisters")
}

func (u UnimplementedDriver) GetPageAccess(uint64) (Access, error) {
	return AccessN, vmierr.NotImplementedFor(u.Self, "GetPageAccess")
}

func (u UnimplementedDriver) SetPageAccess(uint64, Access) error {
	return vmierr.NotImplementedFor(u.Self, "SetPageAccess")
}

func (u UnimplementedDriver) Pause() error {
	return vmierr.NotImplementedFor(u.Self, "Pause")
}

func (u UnimplementedDriver) Resume() error {
	return vmierr.NotImplementedFor(u.Self, "Resume")
}

func (u UnimplementedDriver) ToggleIntercept(uint16, InterceptSpec, bool) error {
	return vmierr.NotImplementedFor(u.Self, "ToggleIntercept")
}

func (u UnimplementedDriver) Listen(context.Context, uint32) (*Event, error) {
	return nil, vmierr.NotImplementedFor(u.Self, "Listen")
}

func (u UnimplementedDriver) ReplyEvent(Event, EventReplyKind) error {
	return vmierr.NotImplementedFor(u.Self, "ReplyEvent")
}

func (u UnimplementedDriver) Close() error {
	return nil
}
