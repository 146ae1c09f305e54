// Package stm32g0 drives the STM32G0 flash controller (RM0444):
// unlock, mass erase, doubleword programming, and BSY status polling.
package stm32g0

import (
	"fmt"
	"time"

	"swdjig.dev/jigerr"
	"swdjig.dev/memap"
)

// Flash register block (RM0444).
const (
	regBase = 0x40022000
	KEYR    = regBase + 0x08
	SR      = regBase + 0x10
	CR      = regBase + 0x14
	OPTR    = regBase + 0x20

	key1 = 0x45670123
	key2 = 0xCDEF89AB

	srBSY     = 1 << 16
	srEOP     = 1 << 0
	srOPERR   = 1 << 1
	srPROGERR = 1 << 3
	srWRPERR  = 1 << 4
	srPGAERR  = 1 << 5
	srSIZERR  = 1 << 6
	srPGSERR  = 1 << 7
	srMISERR  = 1 << 8
	srFASTERR = 1 << 9
	srRDERR   = 1 << 14
	srOPTVERR = 1 << 15

	srAllErrors = srOPERR | srPROGERR | srWRPERR | srPGAERR | srSIZERR | srPGSERR | srMISERR | srFASTERR | srRDERR | srOPTVERR
	srClearMask = srEOP | srAllErrors

	crPG   = 1 << 0
	crPER  = 1 << 1
	crMER1 = 1 << 2
	crSTRT = 1 << 16
	crLOCK = 1 << 31

	busyTimeoutErase   = 30 * time.Second
	busyTimeoutUnlock  = 5 * time.Second
	busyTimeoutProgram = 10 * time.Millisecond

	pollBackoffShort = 50 * time.Microsecond
	pollBackoffLong  = time.Millisecond
	// shortLongThreshold is the wait-budget above which BSY polling
	// backs off at millisecond rather than microsecond granularity.
	shortLongThreshold = time.Second
)

// BaseAddress is the start of STM32G0 user flash.
const BaseAddress = 0x08000000

func waitNotBusy(s *memap.Session, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	backoff := pollBackoffShort
	if timeout >= shortLongThreshold {
		backoff = pollBackoffLong
	}
	for time.Now().Before(deadline) {
		sr, err := s.Read32(SR)
		if err != nil {
			return fmt.Errorf("stm32g0: read SR: %w", err)
		}
		if sr&srBSY == 0 {
			return nil
		}
		time.Sleep(backoff)
	}
	return jigerr.New(jigerr.FlashBusy, "BSY did not clear before deadline")
}

func unlock(s *memap.Session) error {
	cr, err := s.Read32(CR)
	if err != nil {
		return fmt.Errorf("stm32g0: read CR: %w", err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := s.Write32(KEYR, key1); err != nil {
		return fmt.Errorf("stm32g0: write KEY1: %w", err)
	}
	if err := s.Write32(KEYR, key2); err != nil {
		return fmt.Errorf("stm32g0: write KEY2: %w", err)
	}
	cr, err = s.Read32(CR)
	if err != nil {
		return fmt.Errorf("stm32g0: read CR after unlock: %w", err)
	}
	if cr&crLOCK != 0 {
		return jigerr.New(jigerr.FlashError, "LOCK still set after KEY1/KEY2")
	}
	return nil
}

func clearSR(s *memap.Session, mask uint32) error {
	mask &= srClearMask
	if mask == 0 {
		return nil
	}
	if err := s.Write32(SR, mask); err != nil {
		return fmt.Errorf("stm32g0: clear SR: %w", err)
	}
	return nil
}

func clearCRBits(s *memap.Session, mask uint32) error {
	cr, err := s.Read32(CR)
	if err != nil {
		return fmt.Errorf("stm32g0: read CR: %w", err)
	}
	cr &^= mask
	if err := s.Write32(CR, cr); err != nil {
		return fmt.Errorf("stm32g0: clear CR bits %#x: %w", mask, err)
	}
	return nil
}

// MassErase erases the entire user flash bank. A mass erase that
// completes without FLASH_SR.EOP set is treated as a warning, not a
// failure — the caller must run Verify afterward to be sure.
func MassErase(s *memap.Session) (warn error, err error) {
	if err := waitNotBusy(s, busyTimeoutUnlock); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	if err := clearSR(s, srClearMask); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	if err := unlock(s); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	if err := clearCRBits(s, crPG|crPER); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	if err := s.Write32(CR, crMER1); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: set MER1: %w", err)
	}
	if err := s.Write32(CR, crMER1|crSTRT); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: set MER1|STRT: %w", err)
	}
	if err := waitNotBusy(s, busyTimeoutErase); err != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	sr, rerr := s.Read32(SR)
	if rerr != nil {
		return nil, fmt.Errorf("stm32g0: mass erase: read SR: %w", rerr)
	}
	if sr&srAllErrors != 0 {
		clearSR(s, sr)
		return nil, jigerr.WithCode(jigerr.FlashError, "mass erase error flags set", sr)
	}
	if sr&srEOP == 0 {
		warn = jigerr.WithCode(jigerr.FlashError, "mass erase did not set EOP; verify is required", sr)
	}
	if err := clearSR(s, srClearMask); err != nil {
		return warn, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	if err := clearCRBits(s, crMER1|crSTRT); err != nil {
		return warn, fmt.Errorf("stm32g0: mass erase: %w", err)
	}
	if err := s.Write32(CR, crLOCK); err != nil {
		return warn, fmt.Errorf("stm32g0: mass erase: set LOCK: %w", err)
	}
	return warn, nil
}

// ProgramDoublewords programs data, which must be a multiple of 8
// bytes (callers pad the tail with 0xFF), at addr. FLASH_CR.PG is set
// once and left set across the whole loop to avoid a CR write per
// word over slow SWD.
func ProgramDoublewords(s *memap.Session, addr uint32, data []byte) error {
	if len(data)%8 != 0 {
		return fmt.Errorf("stm32g0: program: data length %d is not a multiple of 8", len(data))
	}
	if err := waitNotBusy(s, busyTimeoutUnlock); err != nil {
		return fmt.Errorf("stm32g0: program: %w", err)
	}
	if err := unlock(s); err != nil {
		return fmt.Errorf("stm32g0: program: %w", err)
	}
	if err := clearSR(s, srClearMask); err != nil {
		return fmt.Errorf("stm32g0: program: %w", err)
	}
	if err := clearCRBits(s, crPER); err != nil {
		return fmt.Errorf("stm32g0: program: %w", err)
	}
	cr, err := s.Read32(CR)
	if err != nil {
		return fmt.Errorf("stm32g0: program: read CR: %w", err)
	}
	if err := s.Write32(CR, cr|crPG); err != nil {
		return fmt.Errorf("stm32g0: program: set PG: %w", err)
	}

	progErr := programLoop(s, addr, data)

	if err := clearCRBits(s, crPG); err != nil && progErr == nil {
		progErr = fmt.Errorf("stm32g0: program: clear PG: %w", err)
	}
	if err := s.Write32(CR, crLOCK); err != nil && progErr == nil {
		progErr = fmt.Errorf("stm32g0: program: set LOCK: %w", err)
	}
	if err := clearSR(s, srClearMask); err != nil && progErr == nil {
		progErr = fmt.Errorf("stm32g0: program: %w", err)
	}
	return progErr
}

func programLoop(s *memap.Session, addr uint32, data []byte) error {
	for off := 0; off < len(data); off += 8 {
		lo := uint32(data[off]) | uint32(data[off+1])<<8 | uint32(data[off+2])<<16 | uint32(data[off+3])<<24
		hi := uint32(data[off+4]) | uint32(data[off+5])<<8 | uint32(data[off+6])<<16 | uint32(data[off+7])<<24
		dst := addr + uint32(off)
		if err := s.WriteFast(dst, lo); err != nil {
			return fmt.Errorf("write low word @%#08x: %w", dst, err)
		}
		if err := s.WriteFast(dst+4, hi); err != nil {
			return fmt.Errorf("write high word @%#08x: %w", dst+4, err)
		}
		if err := waitNotBusy(s, busyTimeoutProgram); err != nil {
			return fmt.Errorf("doubleword @%#08x: %w", dst, err)
		}
	}
	return nil
}
