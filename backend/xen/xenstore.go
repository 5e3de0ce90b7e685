package xen

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/govmi/govmi/vmierr"
)

// xenstore's wire protocol: a 16-byte header (type, req_id, tx_id, payload
// length, all little-endian uint32) followed by payload bytes. Request
// payloads are NUL-terminated strings; an XS_DIRECTORY reply is one
// NUL-terminated string per directory entry, and an XS_READ reply is the
// stored value itself.
const xenstoreHeaderSize = 16

type xsOp uint32

const (
	xsDirectory xsOp = 1
	xsRead      xsOp = 2
)

const xenstoreSocketPath = "/var/run/xenstored/socket"

// xsClient is a minimal xenstore client: just enough to list
// /local/domain/<id>/name for every running domain and read one of them.
type xsClient struct {
	conn  net.Conn
	reqID uint32
}

func dialXenstore() (*xsClient, error) {
	conn, err := net.Dial("unix", xenstoreSocketPath)
	if err != nil {
		return nil, vmierr.Wrap(vmierr.BackendFailure, err, "xen: dial xenstore")
	}

	return &xsClient{conn: conn}, nil
}

func (c *xsClient) request(op xsOp, path string) ([]byte, error) {
	c.reqID++

	payload := append([]byte(path), 0)

	hdr := make([]byte, xenstoreHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(op))
	binary.LittleEndian.PutUint32(hdr[4:8], c.reqID)
	binary.LittleEndian.PutUint32(hdr[8:12], 0) // transaction id: none
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(len(payload)))

	if _, err := c.conn.Write(hdr); err != nil {
		return nil, fmt.Errorf("xenstore: write header: %w", err)
	}

	if _, err := c.conn.Write(payload); err != nil {
		return nil, fmt.Errorf("xenstore: write payload: %w", err)
	}

	respHdr := make([]byte, xenstoreHeaderSize)
	if _, err := io.ReadFull(c.conn, respHdr); err != nil {
		return nil, fmt.Errorf("xenstore: read response header: %w", err)
	}

	length := binary.LittleEndian.Uint32(respHdr[12:16])

	resp := make([]byte, length)
	if _, err := io.ReadFull(c.conn, resp); err != nil {
		return nil, fmt.Errorf("xenstore: read response payload: %w", err)
	}

	return resp, nil
}

// directory lists the immediate children of path.
func (c *xsClient) directory(path string) ([]string, error) {
	resp, err := c.request(xsDirectory, path)
	if err != nil {
		return nil, err
	}

	return splitNUL(resp), nil
}

// read returns the value stored at path.
func (c *xsClient) read(path string) (string, error) {
	resp, err := c.request(xsRead, path)
	if err != nil {
		return "", err
	}

	return strings.TrimRight(string(resp), "\x00"), nil
}

func (c *xsClient) Close() error { return c.conn.Close() }

func splitNUL(b []byte) []string {
	parts := bytes.Split(bytes.TrimRight(b, "\x00"), []byte{0})

	out := make([]string, 0, len(parts))

	for _, p := range parts {
		if len(p) > 0 {
			out = append(out, string(p))
		}
	}

	return out
}

// lookupDomID scans /local/domain for the domain whose recorded name
// matches domainName, mirroring original_source's directory-then-read loop
// over xenstore.
func lookupDomID(domainName string) (uint32, error) {
	xs, err := dialXenstore()
	if err != nil {
		return 0, err
	}
	defer xs.Close()

	domIDs, err := xs.directory("/local/domain")
	if err != nil {
		return 0, vmierr.Wrap(vmierr.BackendFailure, err, "xen: list /local/domain")
	}

	for _, domIDStr := range domIDs {
		name, err := xs.read(fmt.Sprintf("/local/domain/%s/name", domIDStr))
		if err != nil {
			continue
		}

		if name == domainName {
			domID, err := strconv.ParseUint(domIDStr, 10, 32)
			if err != nil {
				continue
			}

			return uint32(domID), nil
		}
	}

	return 0, vmierr.Newf(vmierr.BackendFailure, "xen: cannot find domain %q", domainName)
}
