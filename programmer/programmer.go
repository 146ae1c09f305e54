// Package programmer orchestrates one unit's full attach-erase-program-
// verify-run pipeline as a state machine over dap/memap/corectl/stm32g0.
package programmer

import (
	"fmt"

	"swdjig.dev/corectl"
	"swdjig.dev/dap"
	"swdjig.dev/firmware"
	"swdjig.dev/jigerr"
	"swdjig.dev/memap"
	"swdjig.dev/stm32g0"
)

// State names one step of the per-unit pipeline.
type State int

const (
	StateIdle State = iota
	StateAttach
	StatePowerup
	StateHalt
	StateErase
	StateProgram
	StateVerify
	StatePrepareRun
	StateDone
	StateFail
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAttach:
		return "ATTACH"
	case StatePowerup:
		return "POWERUP"
	case StateHalt:
		return "HALT"
	case StateErase:
		return "ERASE"
	case StateProgram:
		return "PROGRAM"
	case StateVerify:
		return "VERIFY"
	case StatePrepareRun:
		return "PREPARE_RUN"
	case StateDone:
		return "DONE"
	default:
		return "FAIL"
	}
}

// MismatchReportLimit bounds how many verify mismatches are collected
// in detail; the rest are only counted.
const MismatchReportLimit = 5

// Mismatch describes one verify failure: the pipelined value read
// during the bulk verify pass, and a safe (non-pipelined) re-read of
// the same word for diagnostics.
type Mismatch struct {
	Addr     uint32
	Want     uint32
	Got      uint32
	SafeRead uint32
}

// Result summarizes one unit's pipeline run.
type Result struct {
	State      State
	Mismatches []Mismatch
	Total      int   // total mismatch count, possibly > len(Mismatches)
	EraseWarn  error // non-nil if mass erase completed without EOP; Verify is the real proof
	Err        error
}

// Programmer runs the IDLE→ATTACH→POWERUP→HALT→ERASE→PROGRAM→VERIFY→
// PREPARE_RUN→DONE pipeline for one target, retrying the ATTACH→HALT
// sub-sequence via connect-under-reset once on failure.
type Programmer struct {
	T    *dap.Transactor
	Mem  *memap.Session
	Base uint32 // STM32G0 flash base address for this unit
}

// New returns a Programmer bound to t, with a fresh MemAP session.
func New(t *dap.Transactor, base uint32) *Programmer {
	return &Programmer{T: t, Mem: memap.NewSession(t), Base: base}
}

// Run programs img onto the target and verifies it. The returned
// Result's State is StateDone on success and StateFail otherwise; on
// failure Err names the step that failed.
func (p *Programmer) Run(img firmware.Reader) Result {
	if err := p.attachAndHalt(); err != nil {
		if err2 := p.T.ConnectUnderReset(); err2 != nil {
			return Result{State: StateFail, Err: fmt.Errorf("programmer: attach: %w (retry: %w)", err, err2)}
		}
		p.Mem.Invalidate()
		if err := p.haltOnly(); err != nil {
			return Result{State: StateFail, Err: fmt.Errorf("programmer: attach retry: %w", err)}
		}
	}

	eraseWarn, err := stm32g0.MassErase(p.Mem)
	if err != nil {
		return Result{State: StateFail, Err: fmt.Errorf("programmer: erase: %w", err)}
	}

	if err := p.program(img); err != nil {
		return Result{State: StateFail, EraseWarn: eraseWarn, Err: fmt.Errorf("programmer: program: %w", err)}
	}

	mismatches, total, err := p.verify(img)
	if err != nil {
		return Result{State: StateFail, EraseWarn: eraseWarn, Err: fmt.Errorf("programmer: verify: %w", err)}
	}
	if total > 0 {
		return Result{
			State:      StateFail,
			Mismatches: mismatches,
			Total:      total,
			EraseWarn:  eraseWarn,
			Err:        jigerr.WithCode(jigerr.VerifyMismatch, fmt.Sprintf("programmer: %d word(s) mismatched", total), uint32(total)),
		}
	}

	if err := p.prepareRun(); err != nil {
		return Result{State: StateFail, EraseWarn: eraseWarn, Err: fmt.Errorf("programmer: prepare-run: %w", err)}
	}
	return Result{State: StateDone, EraseWarn: eraseWarn}
}

func (p *Programmer) attachAndHalt() error {
	p.T.Phy.Attach()
	if err := p.T.Init(); err != nil {
		return err
	}
	return p.haltOnly()
}

func (p *Programmer) haltOnly() error {
	if err := corectl.ArmVectorCatch(p.Mem); err != nil {
		return err
	}
	p.T.Phy.SetNRST(false)
	return corectl.Halt(p.Mem)
}

func (p *Programmer) program(img firmware.Reader) error {
	size := img.Size()
	const chunk = 4096
	buf := make([]byte, chunk)
	for off := uint32(0); off < size; off += chunk {
		n := chunk
		if rem := size - off; uint32(n) > rem {
			n = int(rem)
		}
		if _, err := img.ReadAt(off, buf[:n]); err != nil {
			return fmt.Errorf("read image @%#x: %w", off, err)
		}
		padded := padToDoubleword(buf[:n])
		if err := stm32g0.ProgramDoublewords(p.Mem, p.Base+off, padded); err != nil {
			return fmt.Errorf("program @%#x: %w", p.Base+off, err)
		}
	}
	return nil
}

func padToDoubleword(data []byte) []byte {
	if len(data)%8 == 0 {
		return data
	}
	padded := make([]byte, (len(data)+7)&^7)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = 0xFF
	}
	return padded
}

// verify compares the programmed flash against img word by word using
// pipelined reads, reporting up to MismatchReportLimit mismatches in
// detail with a safe re-read and counting the rest.
func (p *Programmer) verify(img firmware.Reader) ([]Mismatch, int, error) {
	size := img.Size()
	words := size / 4
	if size%4 != 0 {
		words++
	}
	const batch = 64
	var mismatches []Mismatch
	total := 0
	imgBuf := make([]byte, batch*4)
	for w := uint32(0); w < words; w += batch {
		n := batch
		if rem := words - w; uint32(n) > rem {
			n = int(rem)
		}
		addr := p.Base + w*4
		got, err := p.Mem.ReadPipelined(addr, n)
		if err != nil {
			return nil, 0, fmt.Errorf("verify read @%#x: %w", addr, err)
		}
		byteLen := n * 4
		if _, err := img.ReadAt(w*4, imgBuf[:byteLen]); err != nil {
			return nil, 0, fmt.Errorf("verify read image @%#x: %w", w*4, err)
		}
		for i := 0; i < n; i++ {
			want := leUint32(imgBuf[i*4:])
			if got[i] == want {
				continue
			}
			total++
			if len(mismatches) < MismatchReportLimit {
				wordAddr := addr + uint32(i)*4
				safe, rerr := p.Mem.Read32(wordAddr)
				if rerr != nil {
					safe = got[i]
				}
				mismatches = append(mismatches, Mismatch{Addr: wordAddr, Want: want, Got: got[i], SafeRead: safe})
			}
		}
	}
	return mismatches, total, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func (p *Programmer) prepareRun() error {
	return corectl.Run(p.Mem)
}
