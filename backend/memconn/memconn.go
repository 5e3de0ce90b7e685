// Package memconn implements a read-only memory-connector backend, modeled
// on the qemu_procfs connector: it locates a QEMU guest process by name and
// reads its physical memory straight out of /proc/<pid>/mem.
//
// Connectors in general are pluggable native libraries (memflow's own
// plugin inventory resolves them by name at runtime); this module binds the
// one connector whose mechanism is a plain file read, since no Go equivalent
// of the memflow plugin ecosystem exists anywhere in the retrieved corpus.
package memconn

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/govmi/govmi/api"
	"github.com/govmi/govmi/params"
	"github.com/govmi/govmi/vmierr"
)

// QemuProcfsConnectorName is the one connector this backend actually binds;
// any other connector name is accepted at parse time (matching
// original_source's argument handling, which only special-cases this one
// name) but fails at construction with NotImplemented.
const QemuProcfsConnectorName = "qemu_procfs"

// Driver is the memflow-style connector backend.
type Driver struct {
	api.UnimplementedDriver

	mem *os.File
	max uint64
}

// New resolves the target process via the connector arguments in p and opens
// its memory for reading. If the connector is qemu_procfs and a VM name was
// supplied via CommonParams, that name is injected as the "name" connector
// argument, mirroring original_source's
// `extra_args.insert("name", vm_name)`.
func New(ctx context.Context, p params.InitParams) (*Driver, error) {
	connectorName, err := p.RequireConnectorName()
	if err != nil {
		return nil, err
	}

	var rawArgs []string
	if p.Memflow != nil {
		rawArgs = p.Memflow.ConnectorArgs
	}

	args, err := params.ParseConnectorArgs(rawArgs)
	if err != nil {
		return nil, err
	}

	if connectorName == QemuProcfsConnectorName {
		if vmName := p.VMName(); vmName != "" {
			args["name"] = vmName
		}
	} else {
		return nil, vmierr.NotImplementedFor(api.Memflow, fmt.Sprintf("connector %q", connectorName))
	}

	log.Debug().Interface("connector_args", args).Msg("memconn: init")

	pid, err := resolvePID(args)
	if err != nil {
		return nil, err
	}

	mem, err := os.OpenFile(filepath.Join("/proc", strconv.Itoa(pid), "mem"), os.O_RDONLY, 0)
	if err != nil {
		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "memconn: open process memory")
	}

	max, err := maxMappedAddress(pid)
	if err != nil {
		mem.Close()

		return nil, err
	}

	return &Driver{
		UnimplementedDriver: api.UnimplementedDriver{Self: api.Memflow},
		mem:                 mem,
		max:                 max,
	}, nil
}

func (d *Driver) GetDriverType() api.DriverType { return api.Memflow }

// ReadPhysical reads directly from the target process's address space. This
// connector maps guest physical addresses onto the host process's virtual
// address space 1:1 for the guest RAM region, the same assumption
// qemu_procfs makes. Unlike the other backends, this one always fills the
// full buffer or fails: os.File.ReadAt's io.ReaderAt contract guarantees a
// non-nil error whenever it returns fewer bytes than requested (e.g. running
// past the end of /proc/<pid>/mem), so any error here is treated as a real
// failure rather than a short read to tolerate.
func (d *Driver) ReadPhysical(paddr uint64, buf []byte) (int, error) {
	n, err := d.mem.ReadAt(buf, int64(paddr))
	if err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "memconn: read physical")
	}

	return n, nil
}

func (d *Driver) GetMaxPhysicalAddr() (uint64, error) {
	return d.max, nil
}

func (d *Driver) Close() error {
	return d.mem.Close()
}

// resolvePID returns the target process id, either given directly via the
// "pid" connector argument or found by scanning /proc for a process whose
// command line names the VM via qemu's "-name" flag.
func resolvePID(args map[string]string) (int, error) {
	if raw, ok := args["pid"]; ok {
		pid, err := strconv.Atoi(raw)
		if err != nil {
			return 0, vmierr.Newf(vmierr.InvalidConnectorArgument, "pid=%q is not a number", raw)
		}

		return pid, nil
	}

	name, ok := args["name"]
	if !ok {
		return 0, vmierr.MissingParam("pid or name connector argument")
	}

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "memconn: scan /proc")
	}

	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}

		argv := strings.Split(strings.TrimRight(string(cmdline), "\x00"), "\x00")
		if !strings.Contains(argv[0], "qemu") {
			continue
		}

		for i, a := range argv {
			if a == "-name" && i+1 < len(argv) && strings.HasPrefix(argv[i+1], name) {
				return pid, nil
			}
		}
	}

	return 0, vmierr.Newf(vmierr.BackendFailure, "memconn: no qemu process found for name %q", name)
}

// maxMappedAddress approximates the guest physical address space size from
// the host process's own mapped address range, since /proc/<pid>/mem has no
// direct size query of its own.
func maxMappedAddress(pid int) (uint64, error) {
	f, err := os.Open(filepath.Join("/proc", strconv.Itoa(pid), "maps"))
	if err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "memconn: read maps")
	}
	defer f.Close()

	var max uint64

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()

		addrRange := strings.SplitN(line, " ", 2)[0]

		parts := strings.SplitN(addrRange, "-", 2)
		if len(parts) != 2 {
			continue
		}

		end, err := strconv.ParseUint(parts[1], 16, 64)
		if err != nil {
			continue
		}

		if end > max {
			max = end
		}
	}

	if err := scanner.Err(); err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "memconn: scan maps")
	}

	return max, nil
}
