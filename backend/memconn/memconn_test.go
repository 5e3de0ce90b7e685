package memconn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/govmi/govmi/vmierr"
)

func TestResolvePIDFromExplicitPid(t *testing.T) {
	t.Parallel()

	pid, err := resolvePID(map[string]string{"pid": "1234"})
	if err != nil {
		t.Fatalf("resolvePID: %v", err)
	}

	if pid != 1234 {
		t.Fatalf("got %d, want 1234", pid)
	}
}

func TestResolvePIDInvalidPid(t *testing.T) {
	t.Parallel()

	_, err := resolvePID(map[string]string{"pid": "not-a-number"})
	if !vmierr.Is(err, vmierr.InvalidConnectorArgument) {
		t.Fatalf("got %v, want InvalidConnectorArgument", err)
	}
}

func TestResolvePIDMissingBothArgs(t *testing.T) {
	t.Parallel()

	_, err := resolvePID(map[string]string{})
	if !vmierr.Is(err, vmierr.MissingRequiredParameter) {
		t.Fatalf("got %v, want MissingRequiredParameter", err)
	}
}

func TestReadPhysicalFillsFullBuffer(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "memconn")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	data := []byte("0123456789")
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	d := &Driver{mem: f}

	buf := make([]byte, len(data))

	n, err := d.ReadPhysical(0, buf)
	if err != nil {
		t.Fatalf("ReadPhysical: %v", err)
	}

	if n != len(data) || string(buf) != string(data) {
		t.Fatalf("got n=%d buf=%q, want %d %q", n, buf, len(data), data)
	}
}

// TestReadPhysicalShortReadIsAnError locks down that a read running past the
// end of the backing file is reported as a failure, not a silent short read:
// os.File.ReadAt's io.ReaderAt contract guarantees a non-nil error whenever
// it returns fewer bytes than requested.
func TestReadPhysicalShortReadIsAnError(t *testing.T) {
	t.Parallel()

	f, err := os.CreateTemp(t.TempDir(), "memconn")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if _, err := f.Write([]byte("short")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	d := &Driver{mem: f}

	if _, err := d.ReadPhysical(0, make([]byte, 64)); err == nil {
		t.Fatal("expected an error for a read past end of file")
	}
}

// TestMaxMappedAddressOwnProcess exercises the /proc/<pid>/maps parser against this
// test process's own maps file, since every process has one.
func TestMaxMappedAddressOwnProcess(t *testing.T) {
	t.Parallel()

	if _, err := os.Stat(filepath.Join("/proc", "self", "maps")); err != nil {
		t.Skip("no /proc/self/maps on this platform")
	}

	max, err := maxMappedAddress(os.Getpid())
	if err != nil {
		t.Fatalf("maxMappedAddress: %v", err)
	}

	if max == 0 {
		t.Fatal("expected a non-zero max mapped address")
	}
}
