// Package xen implements the Xen introspection backend: the vm_event ring
// protocol (monitor requests/responses shared with the hypervisor over an
// mmap'd page plus an event channel), domain lookup via xenstore, and
// foreign-memory mapping for guest physical reads.
package xen

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/govmi/govmi/api"
)

// asPtr32 overlays a *uint32 onto the first 4 bytes of b, the same
// struct-onto-mmap technique the teacher uses to overlay its vcpu run page
// (`(*RunData)(unsafe.Pointer(&r[0]))`), applied here to the ring's
// producer/consumer counters so they can be updated with sync/atomic.
func asPtr32(b []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&b[0]))
}

// ringHeaderSize is the four 32-bit producer/consumer counters Xen's
// shared_ring ABI puts at the front of the ring page, cacheline-padded.
const ringHeaderSize = 64

// reqEntrySize and respEntrySize are this module's own fixed vm_event
// request/response slot layout: large enough to carry every event kind
// this module decodes, padded to a round number. The real vm_event ABI's
// slot layout (xenvmevent_sys::vm_event_back_ring) is not available to bind
// to directly in this environment; the ring *mechanics* (producer/consumer
// index publication, RING_HAS_UNCONSUMED_REQUESTS) are what this module
// reproduces faithfully. Requests and responses share one slot array (each
// slot holds either), so both are laid out at the reqEntrySize stride;
// respEntrySize is how many bytes of its slot a response occupies.
const (
	reqEntrySize  = 80
	respEntrySize = 32
)

// ringRequest is one decoded monitor request slot.
type ringRequest struct {
	Version uint32
	VcpuID  uint32
	Reason  uint32
	Flags   uint32

	// Cr/Msr payload, valid depending on Reason.
	CrType   uint8
	NewValue uint64
	OldValue uint64
	MsrIdx   uint32

	// Breakpoint/pagefault payload.
	GPA    uint64
	GVA    uint64
	Access uint8
	InsnLn uint8

	// Singlestep payload.
	GFN uint64

	// InsnBytes carries the raw bytes at the trap site for a software
	// breakpoint, so a backend that didn't get an instruction length from
	// the hypervisor (InsnLn == 0) can still recover one by decoding them.
	InsnBytes [16]byte
}

// ringResponse is one encoded monitor response slot.
type ringResponse struct {
	Version uint32
	VcpuID  uint32
	Reason  uint32
	Flags   uint32
}

// protocolVersion is the interface version this module speaks; a mismatch
// reported by the hypervisor is a ProtocolMismatch error, not a panic
// (spec.md §9; original_source's `xen.rs` does `panic!("version mismatch")`).
const protocolVersion = 1

// backRing is the process-local view of the shared vm_event ring: the mmap'd
// page plus the private consumer/producer indices this side owns. rspProdPvt
// is published to the hypervisor as rsp_prod after each response; reqConsPvt
// stays private and is reflected only through req_event. req_event/rsp_event are the notification thresholds this side
// publishes back (the frontend's cue for when it next needs to kick the
// event channel), mirroring xenctrl's get_request/put_response. nrEnts is the
// ring's slot count, a power of two computed once from the page size.
type backRing struct {
	sharedPage []byte
	nrEnts     uint32

	reqConsPvt uint32
	rspProdPvt uint32
}

// newBackRing wraps an mmap'd ring page. page must be exactly api.PageSize
// bytes, the size Xen always maps the event ring at.
func newBackRing(page []byte) (*backRing, error) {
	if len(page) != api.PageSize {
		return nil, fmt.Errorf("xen: ring page must be %d bytes, got %d", api.PageSize, len(page))
	}

	avail := api.PageSize - ringHeaderSize
	nrEnts := uint32(1)

	for nrEnts*2*reqEntrySize <= uint32(avail) {
		nrEnts *= 2
	}

	b := &backRing{sharedPage: page, nrEnts: nrEnts}

	// monitor_enable seeds both event thresholds to 1 before any request has
	// been consumed or response produced.
	b.setReqEvent(1)
	b.setRspEvent(1)

	return b, nil
}

func (b *backRing) header() []byte { return b.sharedPage[:ringHeaderSize] }

func (b *backRing) reqProd() uint32 {
	return atomic.LoadUint32(asPtr32(b.header()[0:4]))
}

// setReqProd is normally written only by the hypervisor side; this module
// exposes it so tests can simulate an incoming request without a real
// hypervisor.
func (b *backRing) setReqProd(v uint32) {
	atomic.StoreUint32(asPtr32(b.header()[0:4]), v)
}

func (b *backRing) setRspProd(v uint32) {
	atomic.StoreUint32(asPtr32(b.header()[8:12]), v)
}

// reqEvent/rspEvent are the notification thresholds this side (the backend)
// publishes to the shared header: req_event tells the frontend not to
// bother notifying again until req_prod reaches that value, and rsp_event is
// the same idea for the frontend's own response-consumption side.
func (b *backRing) reqEvent() uint32 {
	return atomic.LoadUint32(asPtr32(b.header()[4:8]))
}

func (b *backRing) setReqEvent(v uint32) {
	atomic.StoreUint32(asPtr32(b.header()[4:8]), v)
}

func (b *backRing) rspEvent() uint32 {
	return atomic.LoadUint32(asPtr32(b.header()[12:16]))
}

func (b *backRing) setRspEvent(v uint32) {
	atomic.StoreUint32(asPtr32(b.header()[12:16]), v)
}

// hasUnconsumedRequests reports whether the producer has published more
// requests than this side has consumed, the Go equivalent of Xen's
// RING_HAS_UNCONSUMED_REQUESTS macro.
func (b *backRing) hasUnconsumedRequests() bool {
	return b.reqProd() != b.reqConsPvt
}

// getRequest reads and decodes the next unconsumed request slot, advances
// the private consumer index, and republishes req_event so the frontend
// knows not to notify again until it has produced past this point —
// xenctrl's get_request does the same `sring.req_event = 1 + req_cons`
// update right after consuming. Call only after hasUnconsumedRequests.
func (b *backRing) getRequest() ringRequest {
	idx := b.reqConsPvt % b.nrEnts
	off := ringHeaderSize + int(idx)*reqEntrySize
	slot := b.sharedPage[off : off+reqEntrySize]

	req := decodeRequest(slot)
	b.reqConsPvt++
	b.setReqEvent(b.reqConsPvt + 1)

	return req
}

// putResponse encodes and writes resp to the next response slot, advances
// and publishes the producer index, and republishes rsp_event the same way
// getRequest republishes req_event. The caller is responsible for notifying
// the event channel afterward.
func (b *backRing) putResponse(resp ringResponse) {
	idx := b.rspProdPvt % b.nrEnts
	off := ringHeaderSize + int(idx)*reqEntrySize
	slot := b.sharedPage[off : off+respEntrySize]

	encodeResponse(slot, resp)
	b.rspProdPvt++
	b.setRspProd(b.rspProdPvt)
	b.setRspEvent(b.rspProdPvt + 1)
}

func decodeRequest(slot []byte) ringRequest {
	req := ringRequest{
		Version:  binary.LittleEndian.Uint32(slot[0:4]),
		VcpuID:   binary.LittleEndian.Uint32(slot[4:8]),
		Reason:   binary.LittleEndian.Uint32(slot[8:12]),
		Flags:    binary.LittleEndian.Uint32(slot[12:16]),
		CrType:   slot[16],
		NewValue: binary.LittleEndian.Uint64(slot[17:25]),
		OldValue: binary.LittleEndian.Uint64(slot[25:33]),
		MsrIdx:   binary.LittleEndian.Uint32(slot[33:37]),
		GPA:      binary.LittleEndian.Uint64(slot[37:45]),
		GVA:      binary.LittleEndian.Uint64(slot[45:53]),
		Access:   slot[53],
		InsnLn:   slot[54],
		GFN:      binary.LittleEndian.Uint64(slot[55:63]),
	}
	copy(req.InsnBytes[:], slot[63:79])

	return req
}

func encodeResponse(slot []byte, resp ringResponse) {
	binary.LittleEndian.PutUint32(slot[0:4], resp.Version)
	binary.LittleEndian.PutUint32(slot[4:8], resp.VcpuID)
	binary.LittleEndian.PutUint32(slot[8:12], resp.Reason)
	binary.LittleEndian.PutUint32(slot[12:16], resp.Flags)
}

func encodeRequest(slot []byte, req ringRequest) {
	binary.LittleEndian.PutUint32(slot[0:4], req.Version)
	binary.LittleEndian.PutUint32(slot[4:8], req.VcpuID)
	binary.LittleEndian.PutUint32(slot[8:12], req.Reason)
	binary.LittleEndian.PutUint32(slot[12:16], req.Flags)
	slot[16] = req.CrType
	binary.LittleEndian.PutUint64(slot[17:25], req.NewValue)
	binary.LittleEndian.PutUint64(slot[25:33], req.OldValue)
	binary.LittleEndian.PutUint32(slot[33:37], req.MsrIdx)
	binary.LittleEndian.PutUint64(slot[37:45], req.GPA)
	binary.LittleEndian.PutUint64(slot[45:53], req.GVA)
	slot[53] = req.Access
	slot[54] = req.InsnLn
	binary.LittleEndian.PutUint64(slot[55:63], req.GFN)
	copy(slot[63:79], req.InsnBytes[:])
}
