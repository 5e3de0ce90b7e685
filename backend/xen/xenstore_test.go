package xen

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
)

// fakeXenstored serves exactly one request/response pair over conn, decoding
// the request header+payload and replying with the given payload string.
func fakeXenstored(t *testing.T, conn net.Conn, wantPath string, reply string) {
	t.Helper()

	hdr := make([]byte, xenstoreHeaderSize)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		t.Errorf("fake xenstored: read header: %v", err)

		return
	}

	length := binary.LittleEndian.Uint32(hdr[12:16])
	payload := make([]byte, length)

	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Errorf("fake xenstored: read payload: %v", err)

		return
	}

	gotPath := string(payload[:len(payload)-1]) // strip the trailing NUL
	if gotPath != wantPath {
		t.Errorf("fake xenstored: got path %q, want %q", gotPath, wantPath)
	}

	respPayload := append([]byte(reply), 0)

	respHdr := make([]byte, xenstoreHeaderSize)
	binary.LittleEndian.PutUint32(respHdr[12:16], uint32(len(respPayload)))

	if _, err := conn.Write(respHdr); err != nil {
		t.Errorf("fake xenstored: write response header: %v", err)

		return
	}

	if _, err := conn.Write(respPayload); err != nil {
		t.Errorf("fake xenstored: write response payload: %v", err)
	}
}

func TestXsClientRead(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)
		fakeXenstored(t, serverConn, "/local/domain/3/name", "test-vm")
	}()

	xs := &xsClient{conn: clientConn}

	got, err := xs.read("/local/domain/3/name")
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if got != "test-vm" {
		t.Fatalf("got %q, want %q", got, "test-vm")
	}

	<-done
}

func TestXsClientDirectoryParsesNULSeparatedEntries(t *testing.T) {
	t.Parallel()

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	done := make(chan struct{})

	go func() {
		defer close(done)

		hdr := make([]byte, xenstoreHeaderSize)
		if _, err := io.ReadFull(serverConn, hdr); err != nil {
			t.Errorf("read header: %v", err)

			return
		}

		length := binary.LittleEndian.Uint32(hdr[12:16])
		if _, err := io.ReadFull(serverConn, make([]byte, length)); err != nil {
			t.Errorf("read payload: %v", err)

			return
		}

		resp := []byte("0\x001\x003\x00")

		respHdr := make([]byte, xenstoreHeaderSize)
		binary.LittleEndian.PutUint32(respHdr[12:16], uint32(len(resp)))

		if _, err := serverConn.Write(respHdr); err != nil {
			t.Errorf("write response header: %v", err)

			return
		}

		if _, err := serverConn.Write(resp); err != nil {
			t.Errorf("write response payload: %v", err)
		}
	}()

	xs := &xsClient{conn: clientConn}

	entries, err := xs.directory("/local/domain")
	if err != nil {
		t.Fatalf("directory: %v", err)
	}

	want := []string{"0", "1", "3"}
	if len(entries) != len(want) {
		t.Fatalf("got %v, want %v", entries, want)
	}

	for i, e := range entries {
		if e != want[i] {
			t.Fatalf("entry %d: got %q, want %q", i, e, want[i])
		}
	}
}

func TestSplitNULDropsEmptyTrailingEntry(t *testing.T) {
	t.Parallel()

	got := splitNUL([]byte("a\x00b\x00c\x00"))
	want := []string{"a", "b", "c"}

	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}
