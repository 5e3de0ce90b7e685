// Package physmem provides a seekable, byte-oriented view over a guest's
// physical address space, chunked to page granularity at the driver
// boundary.
package physmem

import (
	"fmt"
	"io"

	"github.com/govmi/govmi/api"
)

const chunkSize = api.PageSize

// Strict is a Read+Write+Seek view over guest physical memory. Reads report
// short reads (never padded); writes either fully succeed or abort with the
// partial count already advanced.
type Strict struct {
	drv api.Driver
	pos uint64
	max uint64
}

// NewStrict wraps drv. max is cached once at construction (spec: the backend's
// max-physical-address is constant over its lifetime for a given VM).
func NewStrict(drv api.Driver, max uint64) *Strict {
	return &Strict{drv: drv, max: max}
}

// Padded is a Read+Seek-only view over guest physical memory where an
// unreadable chunk is silently zero-filled instead of propagating the
// driver's error. Used for dense memory dumps across unmapped regions.
type Padded struct {
	drv api.Driver
	pos uint64
	max uint64
}

// NewPadded wraps drv, sharing the same max-physical-address convention as
// NewStrict.
func NewPadded(drv api.Driver, max uint64) *Padded {
	return &Padded{drv: drv, max: max}
}

func clampPos(pos, max uint64) uint64 {
	if pos > max {
		return max
	}

	return pos
}

func seek(cur *uint64, max uint64, offset int64, whence int) (int64, error) {
	var base uint64

	switch whence {
	case io.SeekStart:
		// Absolute, per spec: unlike the original source this is based on
		// (which added Start offsets to the current position), Start(p)
		// sets the cursor to p.
		if offset < 0 {
			return 0, fmt.Errorf("physmem: negative absolute offset %d", offset)
		}

		*cur = clampPos(uint64(offset), max)

		return int64(*cur), nil
	case io.SeekCurrent:
		base = *cur
	case io.SeekEnd:
		base = max
	default:
		return 0, fmt.Errorf("physmem: invalid whence %d", whence)
	}

	if offset >= 0 {
		*cur = clampPos(base+uint64(offset), max)
	} else {
		neg := uint64(-offset)
		if neg > base {
			*cur = 0
		} else {
			*cur = base - neg
		}
	}

	return int64(*cur), nil
}

// Seek implements io.Seeker. The resulting position is saturated into
// [0, max physical address].
func (s *Strict) Seek(offset int64, whence int) (int64, error) {
	return seek(&s.pos, s.max, offset, whence)
}

// Seek implements io.Seeker for the padded view.
func (p *Padded) Seek(offset int64, whence int) (int64, error) {
	return seek(&p.pos, p.max, offset, whence)
}

func ioFailure(op string, cause error) error {
	return &io.PathError{Op: op, Path: "physmem", Err: fmt.Errorf("driver %s failure: %w", op, cause)}
}

// Read implements io.Reader: it chunks buf to page granularity, stops at the
// first short chunk, and advances the cursor by exactly the number of bytes
// returned.
func (s *Strict) Read(buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		end := total + chunkSize
		if end > len(buf) {
			end = len(buf)
		}

		chunk := buf[total:end]

		n, err := s.drv.ReadPhysical(s.pos, chunk)
		if err != nil {
			return total, ioFailure("read", err)
		}

		s.pos = clampPos(s.pos+uint64(n), s.max)
		total += n

		if n < len(chunk) {
			break
		}
	}

	return total, nil
}

// Write implements io.Writer: any backend error aborts with the partial
// count already accounted for, at chunk granularity. There is no short-write
// path — a backend either writes the whole chunk or fails it.
func (s *Strict) Write(buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		end := total + chunkSize
		if end > len(buf) {
			end = len(buf)
		}

		chunk := buf[total:end]

		if err := s.drv.WritePhysical(s.pos, chunk); err != nil {
			return total, ioFailure("write", err)
		}

		s.pos = clampPos(s.pos+uint64(len(chunk)), s.max)
		total += len(chunk)
	}

	return total, nil
}

// Read implements io.Reader for the padded view: a backend error on any
// chunk is replaced by zero-filling that chunk, and the cursor still
// advances by the chunk length. Read always fills buf completely (short of
// running past the end of the address space).
func (p *Padded) Read(buf []byte) (int, error) {
	total := 0

	for total < len(buf) {
		end := total + chunkSize
		if end > len(buf) {
			end = len(buf)
		}

		chunk := buf[total:end]

		n, err := p.drv.ReadPhysical(p.pos, chunk)
		if err != nil || n < len(chunk) {
			for i := range chunk {
				chunk[i] = 0
			}
		}

		p.pos = clampPos(p.pos+uint64(len(chunk)), p.max)
		total += len(chunk)
	}

	return total, nil
}
