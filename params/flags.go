package params

import (
	"errors"
	"flag"

	"github.com/govmi/govmi/api"
)

// ErrUnknownDriver is returned when -driver names something other than
// kvm/virtualbox/xen/memflow.
var ErrUnknownDriver = errors.New("unknown driver name")

// FlagArgs is the flat shape a CLI naturally produces: one optional driver
// name plus every backend's parameters side by side. FromFlags converts it
// into the structured InitParams each backend actually validates.
type FlagArgs struct {
	Driver        string
	VMName        string
	KVMSocket     string
	ConnectorName string
	ConnectorArgs []string
}

// connectorArgList accumulates repeated -connector-arg flags, in the style
// of the teacher's repeatable string-slice flag helpers.
type connectorArgList struct{ values *[]string }

func (c connectorArgList) String() string {
	if c.values == nil {
		return ""
	}

	return "[" + joinComma(*c.values) + "]"
}

func (c connectorArgList) Set(v string) error {
	*c.values = append(*c.values, v)

	return nil
}

func joinComma(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}

		out += s
	}

	return out
}

// ParseFlags parses a govmi CLI's argument list into a FlagArgs. args[0] is
// the program name (i.e. pass os.Args directly); ParseFlags strips it before
// handing the rest to fs.Parse, which expects argv without argv[0].
func ParseFlags(fs *flag.FlagSet, args []string) (*FlagArgs, error) {
	c := &FlagArgs{}

	fs.StringVar(&c.Driver, "driver", "", "backend driver: kvm, virtualbox, xen, memflow (default: auto-probe)")
	fs.StringVar(&c.VMName, "domain", "", "name of the VM to introspect")
	fs.StringVar(&c.KVMSocket, "kvm-socket", "/tmp/introspector", "path to the KVMi introspection agent socket")
	fs.StringVar(&c.ConnectorName, "connector", "", "memflow connector name")
	fs.Var(connectorArgList{&c.ConnectorArgs}, "connector-arg", "connector key=value argument (repeatable)")

	rest := args
	if len(rest) > 0 {
		rest = rest[1:]
	}

	if err := fs.Parse(rest); err != nil {
		return nil, err
	}

	return c, nil
}

// DriverType resolves the -driver flag to an api.DriverType. A nil return
// with a nil error means "auto-probe every backend".
func (c *FlagArgs) DriverType() (*api.DriverType, error) {
	switch c.Driver {
	case "":
		return nil, nil
	case "kvm":
		d := api.KVM

		return &d, nil
	case "virtualbox":
		d := api.VirtualBox

		return &d, nil
	case "xen":
		d := api.Xen

		return &d, nil
	case "memflow":
		d := api.Memflow

		return &d, nil
	default:
		return nil, ErrUnknownDriver
	}
}

// FromFlags converts a flat FlagArgs into the structured InitParams every
// backend constructor validates.
func FromFlags(c *FlagArgs) InitParams {
	p := InitParams{}

	if c.VMName != "" {
		p.Common = &CommonParams{VMName: c.VMName}
	}

	if c.KVMSocket != "" {
		p.KVM = &KVMInitParams{UnixSocket: c.KVMSocket}
	}

	if c.ConnectorName != "" {
		p.Memflow = &MemflowInitParams{
			ConnectorName: c.ConnectorName,
			ConnectorArgs: c.ConnectorArgs,
		}
	}

	return p
}
