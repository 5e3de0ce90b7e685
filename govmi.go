// Package govmi is a virtual-machine introspection library: pause a guest,
// read and write its physical memory and CPU registers, toggle hardware
// intercepts, and consume the resulting events, against whichever hypervisor
// backend is available.
package govmi

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/backend/kvmi"
	"github.com/govmi/govmi/backend/memconn"
	"github.com/govmi/govmi/backend/vbox"
	"github.com/govmi/govmi/backend/xen"
	"github.com/govmi/govmi/params"
	"github.com/govmi/govmi/physmem"
	"github.com/govmi/govmi/vmierr"
)

// Session owns one backend driver plus the two memory views built on top of
// it. Memory and PaddedMemory are non-owning: both reference the same
// driver, which is released exactly once by Close.
type Session struct {
	driver       api.Driver
	Memory       *physmem.Strict
	PaddedMemory *physmem.Padded
}

// construct dials one backend by type.
func construct(ctx context.Context, driverType api.DriverType, p params.InitParams) (api.Driver, error) {
	switch driverType {
	case api.KVM:
		return kvmi.New(ctx, p)
	case api.VirtualBox:
		return vbox.New(ctx, p)
	case api.Xen:
		return xen.New(ctx, p)
	case api.Memflow:
		return memconn.New(ctx, p)
	default:
		return nil, vmierr.Newf(vmierr.DriverNotCompiled, "unknown driver type %v", driverType)
	}
}

// New builds a Session. If driverType is non-nil, only that backend is
// attempted. Otherwise every backend in api.DefaultProbeOrder is tried in
// turn and the first to construct successfully wins; a failed attempt is
// logged at debug and probing continues. vmierr.NoDriverAvailable is
// returned if every backend fails.
func New(ctx context.Context, driverType *api.DriverType, p params.InitParams) (*Session, error) {
	if driverType != nil {
		drv, err := construct(ctx, *driverType, p)
		if err != nil {
			return nil, err
		}

		return newSession(drv)
	}

	for _, dt := range api.DefaultProbeOrder {
		drv, err := construct(ctx, dt, p)
		if err != nil {
			log.Debug().Stringer("driver", dt).Err(err).Msg("govmi: driver initialization failed")

			continue
		}

		return newSession(drv)
	}

	return nil, vmierr.ErrNoDriverAvailable
}

func newSession(drv api.Driver) (*Session, error) {
	max, err := drv.GetMaxPhysicalAddr()
	if err != nil && !vmierr.Is(err, vmierr.NotImplemented) {
		drv.Close()

		return nil, fmt.Errorf("govmi: query max physical address: %w", err)
	}

	return &Session{
		driver:       drv,
		Memory:       physmem.NewStrict(drv, max),
		PaddedMemory: physmem.NewPadded(drv, max),
	}, nil
}

// Driver returns the underlying backend, for callers that need a capability
// Session doesn't expose directly (ToggleIntercept, Listen, register I/O).
func (s *Session) Driver() api.Driver { return s.driver }

// Pause suspends every vcpu.
func (s *Session) Pause() error { return s.driver.Pause() }

// Resume unsuspends every vcpu.
func (s *Session) Resume() error { return s.driver.Resume() }

// Close releases the backend's hypervisor handles exactly once.
func (s *Session) Close() error { return s.driver.Close() }
