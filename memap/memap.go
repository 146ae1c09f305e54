// Package memap implements 32-bit AHB memory access via the AP's
// CSW/TAR/DRW registers, with a TAR-caching Session that elides
// redundant SELECT/CSW/TAR writes across consecutive accesses.
package memap

import (
	"fmt"

	"swdjig.dev/dap"
)

// cswWordInc is the CSW value used throughout: 32-bit transfer,
// auto-increment-single, plus the upper bits this jig's probes were
// observed to need for robust access.
const cswWordInc uint32 = 0x23000012

// Session caches the AP's TAR and CSW configuration across
// consecutive accesses. Its lifetime is one programming or verify
// pass; it must be invalidated whenever anything outside the session
// may have issued a SELECT/CSW/TAR write.
type Session struct {
	T *dap.Transactor

	configured bool
	tarValid   bool
	tar        uint32
}

// NewSession returns a Session bound to t. The session is not yet
// configured; the first access selects AP0/bank0 and programs CSW.
func NewSession(t *dap.Transactor) *Session {
	return &Session{T: t}
}

// Invalidate forces the next access to re-issue SELECT, CSW, and TAR.
func (s *Session) Invalidate() {
	s.configured = false
	s.tarValid = false
}

func (s *Session) ensure(addr uint32) error {
	if !s.configured {
		if err := s.T.ApSelect(0, 0); err != nil {
			return fmt.Errorf("memap: %w", err)
		}
		if err := s.T.APWriteReg(dap.ApCSW, cswWordInc); err != nil {
			return fmt.Errorf("memap: configure csw: %w", err)
		}
		s.configured = true
		s.tarValid = false
	}
	if !s.tarValid || s.tar != addr {
		if err := s.T.APWriteReg(dap.ApTAR, addr); err != nil {
			return fmt.Errorf("memap: set tar %#08x: %w", addr, err)
		}
		s.tar = addr
		s.tarValid = true
	}
	return nil
}

// afterAccess records the TAR value the AP's auto-increment left
// behind, so a following sequential access skips the TAR write.
func (s *Session) afterAccess(addr uint32) {
	s.tar = addr + 4
	s.tarValid = true
}

// Write32 writes val to addr, selecting/configuring the AP only if
// the session isn't already pointed there.
func (s *Session) Write32(addr, val uint32) error {
	if err := s.ensure(addr); err != nil {
		s.Invalidate()
		return err
	}
	if err := s.T.APWriteReg(dap.ApDRW, val); err != nil {
		s.Invalidate()
		return fmt.Errorf("memap: write32 %#08x: %w", addr, err)
	}
	s.afterAccess(addr)
	return nil
}

// WriteFast writes val to addr without the post-transaction idle
// window, for throughput-critical loops such as flash programming.
func (s *Session) WriteFast(addr, val uint32) error {
	if err := s.ensure(addr); err != nil {
		s.Invalidate()
		return err
	}
	if _, err := s.T.APWriteFast(dap.ApDRW, val); err != nil {
		s.Invalidate()
		return fmt.Errorf("memap: write32fast %#08x: %w", addr, err)
	}
	s.afterAccess(addr)
	return nil
}

// Read32 reads the 32-bit word at addr.
func (s *Session) Read32(addr uint32) (uint32, error) {
	if err := s.ensure(addr); err != nil {
		s.Invalidate()
		return 0, err
	}
	v, err := s.T.APReadReg(dap.ApDRW)
	if err != nil {
		s.Invalidate()
		return 0, fmt.Errorf("memap: read32 %#08x: %w", addr, err)
	}
	s.afterAccess(addr)
	return v, nil
}

// ReadPipelined reads n consecutive 32-bit words starting at addr,
// amortizing turnaround by issuing n+1 posted AP.DRW reads and
// shifting each stale result into place. It validates the first and
// last words against a safe (non-pipelined) re-read; on mismatch it
// falls back to sequential Read32 calls for the whole range.
func (s *Session) ReadPipelined(addr uint32, n int) ([]uint32, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := s.ensure(addr); err != nil {
		s.Invalidate()
		return nil, err
	}
	// Prime the pipeline: this read's stale result is meaningless.
	if _, _, err := s.T.APReadPosted(dap.ApDRW); err != nil {
		s.Invalidate()
		return nil, fmt.Errorf("memap: pipelined prime: %w", err)
	}
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		v, _, err := s.T.APReadPosted(dap.ApDRW)
		if err != nil {
			s.Invalidate()
			return nil, fmt.Errorf("memap: pipelined read %d: %w", i, err)
		}
		out[i] = v
	}
	s.afterAccess(addr + uint32(n)*4)

	first, err := s.Read32(addr)
	if err != nil {
		return nil, err
	}
	last, err := s.Read32(addr + uint32(n-1)*4)
	if err != nil {
		return nil, err
	}
	if first != out[0] || last != out[n-1] {
		return s.readSequential(addr, n)
	}
	return out, nil
}

func (s *Session) readSequential(addr uint32, n int) ([]uint32, error) {
	out := make([]uint32, n)
	for i := 0; i < n; i++ {
		v, err := s.Read32(addr + uint32(i)*4)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Write32 performs a one-off 32-bit write without a cached session:
// select AP0/bank0, configure CSW, set TAR, write DRW.
func Write32(t *dap.Transactor, addr, val uint32) error {
	s := NewSession(t)
	return s.Write32(addr, val)
}

// Read32 performs a one-off 32-bit read without a cached session.
func Read32(t *dap.Transactor, addr uint32) (uint32, error) {
	s := NewSession(t)
	return s.Read32(addr)
}
