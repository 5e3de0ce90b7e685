// Package params defines the structured initialization parameters every
// backend validates at construction time, plus a converter from the flat
// command-line flag shape a CLI tool naturally produces.
package params

import (
	"strings"

	"github.com/govmi/govmi/vmierr"
)

// CommonParams is shared by every backend that locates a VM by name.
type CommonParams struct {
	VMName string
}

// XenInitParams carries Xen-specific construction parameters. Xen has none
// today: the domain is always located by name via CommonParams.
type XenInitParams struct{}

// KVMInitParams carries the KVMi introspection agent socket path.
type KVMInitParams struct {
	UnixSocket string
}

// VBoxInitParams carries VirtualBox-specific construction parameters.
// VirtualBox has none today: the VM is always located by name via
// CommonParams.
type VBoxInitParams struct{}

// MemflowInitParams carries the memory-connector name and its key=value
// argument list.
type MemflowInitParams struct {
	ConnectorName string
	ConnectorArgs []string
}

// InitParams bundles every backend's optional sub-record. At least one
// sub-record must supply the identifier the chosen backend requires; a
// missing required field is a construction error.
type InitParams struct {
	Common   *CommonParams
	Xen      *XenInitParams
	KVM      *KVMInitParams
	VBox     *VBoxInitParams
	Memflow  *MemflowInitParams
}

// VMName returns the common VM name, or "" if none was supplied.
func (p InitParams) VMName() string {
	if p.Common == nil {
		return ""
	}

	return p.Common.VMName
}

// RequireVMName returns the common VM name or a MissingRequiredParameter
// error naming "vm_name".
func (p InitParams) RequireVMName() (string, error) {
	name := p.VMName()
	if name == "" {
		return "", vmierr.MissingParam("vm_name")
	}

	return name, nil
}

// RequireKVMSocket returns the KVMi unix socket path or a
// MissingRequiredParameter error naming "unix_socket".
func (p InitParams) RequireKVMSocket() (string, error) {
	if p.KVM == nil || p.KVM.UnixSocket == "" {
		return "", vmierr.MissingParam("unix_socket")
	}

	return p.KVM.UnixSocket, nil
}

// RequireConnectorName returns the memflow connector name or a
// MissingRequiredParameter error naming "connector_name".
func (p InitParams) RequireConnectorName() (string, error) {
	if p.Memflow == nil || p.Memflow.ConnectorName == "" {
		return "", vmierr.MissingParam("connector_name")
	}

	return p.Memflow.ConnectorName, nil
}

// ParseConnectorArgs splits each "key=value" string in args into a map.
// An argument with no '=' fails with InvalidConnectorArgument naming the
// literal.
func ParseConnectorArgs(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))

	for _, a := range args {
		key, value, ok := strings.Cut(a, "=")
		if !ok {
			return nil, &vmierr.Error{Kind: vmierr.InvalidConnectorArgument, Detail: a}
		}

		out[key] = value
	}

	return out, nil
}
