package xen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/govmi/govmi/api"
)

func newTestRing(t *testing.T) *backRing {
	t.Helper()

	page := make([]byte, api.PageSize)

	ring, err := newBackRing(page)
	if err != nil {
		t.Fatalf("newBackRing: %v", err)
	}

	return ring
}

func TestNewBackRingRejectsWrongPageSize(t *testing.T) {
	t.Parallel()

	if _, err := newBackRing(make([]byte, api.PageSize-1)); err == nil {
		t.Fatal("expected an error for a short page")
	}
}

func TestNewBackRingSeedsEventThresholds(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)

	if ring.reqEvent() != 1 {
		t.Fatalf("req_event = %d, want 1", ring.reqEvent())
	}

	if ring.rspEvent() != 1 {
		t.Fatalf("rsp_event = %d, want 1", ring.rspEvent())
	}
}

func TestNewBackRingComputesPowerOfTwoSlotCount(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)

	if ring.nrEnts == 0 || ring.nrEnts&(ring.nrEnts-1) != 0 {
		t.Fatalf("nrEnts %d is not a power of two", ring.nrEnts)
	}

	if ring.nrEnts*reqEntrySize > api.PageSize-ringHeaderSize {
		t.Fatalf("nrEnts %d does not fit the available page space", ring.nrEnts)
	}

	if ring.nrEnts*2*reqEntrySize <= api.PageSize-ringHeaderSize {
		t.Fatalf("nrEnts %d is not the largest power of two that fits", ring.nrEnts)
	}
}

// TestRingRoundTripRequestResponse simulates the hypervisor side: publish a request by
// writing its slot and bumping the producer counter directly, then drive
// this side's consume/respond path and check the published response slot.
func TestRingRoundTripRequestResponse(t *testing.T) {
	t.Parallel()

	ring := newTestRing(t)

	if ring.hasUnconsumedRequests() {
		t.Fatal("empty ring reports unconsumed requests")
	}

	want := ringRequest{
		Version:  protocolVersion,
		VcpuID:   3,
		Reason:   uint32(reasonCr),
		CrType:   1,
		NewValue: 0xdeadbeef,
		OldValue: 0x1,
	}

	slot := ring.sharedPage[ringHeaderSize : ringHeaderSize+reqEntrySize]
	encodeRequest(slot, want)
	ring.setReqProd(1)

	if !ring.hasUnconsumedRequests() {
		t.Fatal("expected an unconsumed request after publishing one")
	}

	got := ring.getRequest()
	require.Equal(t, want, got)

	if ring.hasUnconsumedRequests() {
		t.Fatal("request should be consumed after getRequest")
	}

	if ring.reqEvent() != ring.reqConsPvt+1 {
		t.Fatalf("req_event = %d, want %d", ring.reqEvent(), ring.reqConsPvt+1)
	}

	ring.putResponse(ringResponse{Version: protocolVersion, VcpuID: 3, Reason: uint32(reasonCr)})

	if ring.rspProdPvt != 1 {
		t.Fatalf("rspProdPvt = %d, want 1", ring.rspProdPvt)
	}

	if ring.rspEvent() != ring.rspProdPvt+1 {
		t.Fatalf("rsp_event = %d, want %d", ring.rspEvent(), ring.rspProdPvt+1)
	}
}

func TestDecodeRequestRoundTripsAllFields(t *testing.T) {
	t.Parallel()

	want := ringRequest{
		Version:   protocolVersion,
		VcpuID:    7,
		Reason:    uint32(reasonMemAccess),
		Flags:     0x2,
		CrType:    2,
		NewValue:  0x1111,
		OldValue:  0x2222,
		MsrIdx:    0xc0000080,
		GPA:       0x7fff0000,
		GVA:       0x400000,
		Access:    uint8(3),
		InsnLn:    5,
		GFN:       0x7fff,
		InsnBytes: [16]byte{0x0f, 0x1f, 0x40, 0x00},
	}

	slot := make([]byte, reqEntrySize)
	encodeRequest(slot, want)

	got := decodeRequest(slot)
	require.Equal(t, want, got)
}
