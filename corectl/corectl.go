// Package corectl drives Cortex-M core halt/run and core-register
// access through the Debug Halting Control/Status Register (DHCSR),
// Debug Exception and Monitor Control Register (DEMCR), and the core
// register selector/data pair (DCRSR/DCRDR).
package corectl

import (
	"fmt"
	"time"

	"swdjig.dev/jigerr"
	"swdjig.dev/memap"
)

const (
	DHCSR = 0xE000EDF0
	DCRSR = 0xE000EDF4
	DCRDR = 0xE000EDF8
	DEMCR = 0xE000EDFC

	dhcsrDbgKey    = 0xA05F0000
	dhcsrCDebugEn  = 1 << 0
	dhcsrCHalt     = 1 << 1
	dhcsrSRegRdy   = 1 << 16
	dhcsrSHalt     = 1 << 17
	dhcsrSResetSt  = 1 << 25
	demcrVCCoreRst = 1 << 0

	dcrsrRegWnR = 1 << 16

	// RegPC is the DCRSR register number for the program counter (R15).
	RegPC = 15

	haltPollInterval = time.Millisecond
	haltPollAttempts = 50
	regReadyPolls    = 100
)

// Halt writes DHCSR to enable debug and halt the core, then polls
// DHCSR.S_HALT.
func Halt(s *memap.Session) error {
	if err := s.Write32(DHCSR, dhcsrDbgKey|dhcsrCDebugEn|dhcsrCHalt); err != nil {
		return fmt.Errorf("corectl: write DHCSR halt: %w", err)
	}
	var lastErr error
	for i := 0; i < haltPollAttempts; i++ {
		dhcsr, err := s.Read32(DHCSR)
		if err == nil && dhcsr&dhcsrSHalt != 0 {
			return nil
		}
		lastErr = err
		time.Sleep(haltPollInterval)
	}
	if lastErr != nil {
		return jigerr.Wrap(jigerr.SwdAckFault, "corectl: core did not report S_HALT", lastErr)
	}
	return jigerr.New(jigerr.SwdAckFault, "corectl: core did not report S_HALT")
}

// Run writes DHCSR to enable debug without halt, and clears
// DEMCR.VC_CORERESET so the next reset doesn't trap the core.
func Run(s *memap.Session) error {
	if err := s.Write32(DEMCR, 0); err != nil {
		return fmt.Errorf("corectl: clear DEMCR: %w", err)
	}
	if err := s.Write32(DHCSR, dhcsrDbgKey|dhcsrCDebugEn); err != nil {
		return fmt.Errorf("corectl: write DHCSR run: %w", err)
	}
	return nil
}

// ArmVectorCatch sets DEMCR.VC_CORERESET so the core halts as soon as
// it comes out of reset; programmer arms it before releasing NRST
// and halting the core.
func ArmVectorCatch(s *memap.Session) error {
	if err := s.Write32(DEMCR, demcrVCCoreRst); err != nil {
		return fmt.Errorf("corectl: arm vector catch: %w", err)
	}
	return nil
}

// IsHalted reads DHCSR and reports whether S_HALT is set.
func IsHalted(s *memap.Session) (bool, error) {
	dhcsr, err := s.Read32(DHCSR)
	if err != nil {
		return false, fmt.Errorf("corectl: read DHCSR: %w", err)
	}
	return dhcsr&dhcsrSHalt != 0, nil
}

// ReadCoreRegister reads a core register (e.g. RegPC) via
// DCRSR/DCRDR: write the register number to DCRSR with the read bit
// clear, poll DHCSR.S_REGRDY, then read DCRDR.
func ReadCoreRegister(s *memap.Session, regnum uint32) (uint32, error) {
	if err := s.Write32(DCRSR, regnum&0x1F); err != nil {
		return 0, fmt.Errorf("corectl: select register %d: %w", regnum, err)
	}
	for i := 0; i < regReadyPolls; i++ {
		dhcsr, err := s.Read32(DHCSR)
		if err == nil && dhcsr&dhcsrSRegRdy != 0 {
			return s.Read32(DCRDR)
		}
	}
	return 0, jigerr.New(jigerr.SwdAckFault, "corectl: S_REGRDY timeout")
}

// WriteCoreRegister writes val to a core register via DCRDR/DCRSR.
func WriteCoreRegister(s *memap.Session, regnum, val uint32) error {
	if err := s.Write32(DCRDR, val); err != nil {
		return fmt.Errorf("corectl: write DCRDR: %w", err)
	}
	if err := s.Write32(DCRSR, (regnum&0x1F)|dcrsrRegWnR); err != nil {
		return fmt.Errorf("corectl: select register %d for write: %w", regnum, err)
	}
	for i := 0; i < regReadyPolls; i++ {
		dhcsr, err := s.Read32(DHCSR)
		if err == nil && dhcsr&dhcsrSRegRdy != 0 {
			return nil
		}
	}
	return jigerr.New(jigerr.SwdAckFault, "corectl: S_REGRDY timeout")
}
