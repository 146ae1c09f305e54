// Package swdsim is a bit-bang-level SWD target double: it implements
// pin.Driver directly, decoding the request/ACK/data framing swdphy
// drives on the wire and answering from a generic word-addressed
// memory map, so dap/memap/corectl/stm32g0 can be exercised through a
// real *dap.Transactor instead of a mocked register API.
//
// Target always acknowledges OK and never injects WAIT/FAULT, so dap's
// WAIT/FAULT handling is not exercised through it. Callers must leave swdphy.Phy.ReqIdleLowBits and
// PostIdleLowCycles at zero and drive the Transactor directly (no
// Attach/ConnectUnderReset, which run line-reset/JTAG-to-SWD sequences
// this target doesn't itself interpret) so the target's request
// framing starts aligned with the first clock edge.
package swdsim

import "swdjig.dev/pin"

type phase int

const (
	phaseRequest phase = iota
	phaseAck
	phaseTurn
	phaseReadData
	phaseWriteData
)

// Target simulates one SWD-attached chip: a DP (IDCODE/CTRL-STAT/
// SELECT/RDBUFF) and a single AP bank (CSW/TAR/DRW) backed by a
// word-addressed memory map that OnRead/OnWrite can intercept to model
// a specific peripheral's register semantics (flash controller, core
// debug registers, or the target's memory itself).
type Target struct {
	swclk, swdio, nrst int

	lastSWDIO bool
	nrstLevel bool

	ph           phase
	afterTurn    phase
	turnLeft     int
	reqBits      []bool
	outBits      []bool
	outIdx       int
	inBits       []bool
	pendReadBits []bool

	apndp, rnw bool
	regAddr    uint32

	IDCODE    uint32
	ctrlStat  uint32
	selectVal uint32
	csw, tar  uint32
	apLatch   uint32

	Mem     map[uint32]uint32
	OnWrite func(addr, val uint32)
	OnRead  func(addr uint32) (uint32, bool)
}

// NewTarget returns a Target wired to the given SWCLK/SWDIO/NRST pin
// indices, ready to decode a request as the very next 8 clock edges.
func NewTarget(swclk, swdio, nrst int) *Target {
	return &Target{
		swclk: swclk, swdio: swdio, nrst: nrst,
		lastSWDIO: true,
		ph:        phaseRequest,
		IDCODE:    0x0BC11477,
		Mem:       make(map[uint32]uint32),
	}
}

func (t *Target) SetMode(p int, mode pin.Mode) {}
func (t *Target) SleepMicros(us int)           {}

func (t *Target) Write(p int, level bool) {
	switch p {
	case t.swdio:
		t.lastSWDIO = level
	case t.nrst:
		t.nrstLevel = level
	case t.swclk:
		if level {
			t.onRisingEdge()
		}
	}
}

func (t *Target) Read(p int) bool {
	if p != t.swdio {
		return true
	}
	switch t.ph {
	case phaseAck:
		v := t.outBits[t.outIdx]
		t.outIdx++
		if t.outIdx == len(t.outBits) {
			if t.rnw {
				// Reads: ACK and data are both target-driven and run on
				// with no turnaround in between.
				t.ph = phaseReadData
				t.outBits = t.pendReadBits
				t.outIdx = 0
			} else {
				// Writes: turn around from target- to host-driven before
				// the data phase. TurnaroundToHost burns two clock edges.
				t.ph = phaseTurn
				t.turnLeft = 2
				t.afterTurn = phaseWriteData
			}
		}
		return v
	case phaseReadData:
		v := t.outBits[t.outIdx]
		t.outIdx++
		if t.outIdx == len(t.outBits) {
			t.ph = phaseTurn
			t.turnLeft = 2
			t.afterTurn = phaseRequest
		}
		return v
	default:
		return true
	}
}

func (t *Target) onRisingEdge() {
	switch t.ph {
	case phaseRequest:
		t.reqBits = append(t.reqBits, t.lastSWDIO)
		if len(t.reqBits) == 8 {
			t.decodeRequest()
			t.reqBits = nil
			t.ph = phaseAck
			t.outBits = []bool{true, false, false} // AckOK, LSB-first
			t.outIdx = 0
		}
	case phaseTurn:
		// TurnaroundToHost burns two filler edges with no host-driven
		// data; only the write-data and post-data-read transitions pass
		// through here (see Read's phaseAck/phaseReadData handling).
		t.turnLeft--
		if t.turnLeft <= 0 {
			t.ph = t.afterTurn
			if t.ph == phaseWriteData {
				t.inBits = nil
			}
		}
	case phaseWriteData:
		t.inBits = append(t.inBits, t.lastSWDIO)
		if len(t.inBits) == 33 {
			t.applyWrite()
			t.inBits = nil
			t.ph = phaseRequest
		}
	}
}

func (t *Target) decodeRequest() {
	b := t.reqBits
	t.apndp = b[1]
	t.rnw = b[2]
	var addr uint32
	if b[3] {
		addr |= 0x4
	}
	if b[4] {
		addr |= 0x8
	}
	t.regAddr = addr
	if t.rnw {
		v := t.readRegister()
		bits := make([]bool, 33)
		for i := 0; i < 32; i++ {
			bits[i] = v&(1<<uint(i)) != 0
		}
		bits[32] = parity(v)
		t.pendReadBits = bits
	}
}

func (t *Target) applyWrite() {
	var val uint32
	for i := 0; i < 32; i++ {
		if t.inBits[i] {
			val |= 1 << uint(i)
		}
	}
	t.writeRegister(val)
}

func (t *Target) readRegister() uint32 {
	if !t.apndp {
		switch t.regAddr {
		case 0x0:
			return t.IDCODE
		case 0x4:
			return t.ctrlStat
		case 0x8:
			return t.selectVal
		case 0xC:
			return t.apLatch
		}
		return 0
	}
	switch t.regAddr {
	case 0x0:
		return t.csw
	case 0x4:
		return t.tar
	case 0xC:
		old := t.apLatch
		t.apLatch = t.readWord(t.tar)
		t.tar += 4
		return old
	}
	return 0
}

func (t *Target) writeRegister(val uint32) {
	if !t.apndp {
		switch t.regAddr {
		case 0x4:
			const powerReq = 1<<30 | 1<<28
			const sysAck = 1 << 31
			const dbgAck = 1 << 29
			if val&powerReq == powerReq {
				t.ctrlStat = val | sysAck | dbgAck
			} else {
				t.ctrlStat = val
			}
		case 0x8:
			t.selectVal = val
		}
		return
	}
	switch t.regAddr {
	case 0x0:
		t.csw = val
	case 0x4:
		t.tar = val
	case 0xC:
		t.writeWord(t.tar, val)
		t.tar += 4
	}
}

func (t *Target) readWord(addr uint32) uint32 {
	if t.OnRead != nil {
		if v, ok := t.OnRead(addr); ok {
			return v
		}
	}
	return t.Mem[addr]
}

func (t *Target) writeWord(addr, val uint32) {
	t.Mem[addr] = val
	if t.OnWrite != nil {
		t.OnWrite(addr, val)
	}
}

func parity(v uint32) bool {
	p := uint32(0)
	for v != 0 {
		p ^= 1
		v &= v - 1
	}
	return p != 0
}
