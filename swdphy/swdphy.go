// Package swdphy implements the edge-exact SWD bit-bang physical
// layer: line reset, JTAG-to-SWD switch, and the turnaround-aware
// read/write bit primitives higher layers build DP/AP transactions
// from.
package swdphy

import "swdjig.dev/pin"

// Pins identifies the host GPIO lines wired to a target's SWD+reset
// interface.
type Pins struct {
	SWCLK int
	SWDIO int
	NRST  int
}

// Tunables, with the defaults the jig ships with. HalfPeriodUs is the
// dominant cost of every transaction; shrink it only as far as the
// host's GPIO toggle rate allows.
const (
	DefaultHalfPeriodUs      = 1
	DefaultPostIdleLowCycles = 8
	DefaultReqIdleLowBits    = 2
	lineResetCycles          = 80
)

// Phy drives a single target's SWCLK/SWDIO/NRST over a pin.Driver.
type Phy struct {
	Drv  pin.Driver
	Pins Pins

	HalfPeriodUs      int
	PostIdleLowCycles int
	ReqIdleLowBits    int
}

// New returns a Phy with the jig's default tunables.
func New(drv pin.Driver, pins Pins) *Phy {
	return &Phy{
		Drv:               drv,
		Pins:              pins,
		HalfPeriodUs:      DefaultHalfPeriodUs,
		PostIdleLowCycles: DefaultPostIdleLowCycles,
		ReqIdleLowBits:    DefaultReqIdleLowBits,
	}
}

// Begin configures SWCLK/NRST as outputs (SWCLK idle-low, NRST
// deasserted) and SWDIO as a driven-high output, ready for Attach.
func (p *Phy) Begin() {
	p.Drv.SetMode(p.Pins.SWCLK, pin.Output)
	p.Drv.Write(p.Pins.SWCLK, false)
	p.Drv.SetMode(p.Pins.NRST, pin.Output)
	p.Drv.Write(p.Pins.NRST, true)
	p.Drv.SetMode(p.Pins.SWDIO, pin.Output)
	p.Drv.Write(p.Pins.SWDIO, true)
}

func (p *Phy) delay() {
	p.Drv.SleepMicros(p.HalfPeriodUs)
}

// pulseClock drives one full SWCLK period, low->high->low, and always
// ends on the falling edge so the next primitive may change SWDIO
// drive immediately.
func (p *Phy) pulseClock() {
	p.Drv.Write(p.Pins.SWCLK, false)
	p.delay()
	p.Drv.Write(p.Pins.SWCLK, true)
	p.delay()
	p.Drv.Write(p.Pins.SWCLK, false)
}

// writeBit drives SWDIO to b on the current falling edge, then pulses
// the clock so the target samples it on the rising edge.
func (p *Phy) writeBit(b bool) {
	p.Drv.Write(p.Pins.SWCLK, false)
	p.Drv.Write(p.Pins.SWDIO, b)
	p.delay()
	p.Drv.Write(p.Pins.SWCLK, true)
	p.delay()
	p.Drv.Write(p.Pins.SWCLK, false)
}

// readBit pulses the clock (rising edge: target drives its next bit)
// then samples SWDIO on the following falling edge.
func (p *Phy) readBit() bool {
	p.pulseClock()
	return p.Drv.Read(p.Pins.SWDIO)
}

// driveOutput switches SWDIO back to a host-driven output.
func (p *Phy) driveOutput() {
	p.Drv.SetMode(p.Pins.SWDIO, pin.Output)
}

// releaseForTarget switches SWDIO to a pulled input so the host stops
// driving it during a turnaround; the target's own pull-up plus the
// host's pull-down disambiguate a floating line from an actively
// driven one.
func (p *Phy) releaseForTarget() {
	p.Drv.SetMode(p.Pins.SWDIO, pin.InputPullDown)
}

// TurnaroundToTarget releases SWDIO so the target may begin driving
// on the next rising edge; callers read the first target bit with
// readBit without an extra full clock (that would delay sampling by
// one bit).
func (p *Phy) TurnaroundToTarget() {
	p.driveOutput()
	p.Drv.Write(p.Pins.SWDIO, true)
	p.releaseForTarget()
}

// TurnaroundToHost burns the two trailing clock pulses that model the
// 1.5-cycle electrical turnaround from target drive back to host
// drive, then switches SWDIO to a host-driven output.
func (p *Phy) TurnaroundToHost() {
	p.pulseClock()
	p.pulseClock()
	p.driveOutput()
}

// WriteBits emits n bits of v, LSB-first.
func (p *Phy) WriteBits(v uint32, n int) {
	for i := 0; i < n; i++ {
		p.writeBit(v&1 != 0)
		v >>= 1
	}
}

// ReadBits samples n bits LSB-first, returning them packed into the
// low n bits of the result.
func (p *Phy) ReadBits(n int) uint32 {
	var v uint32
	for i := 0; i < n; i++ {
		if p.readBit() {
			v |= 1 << i
		}
	}
	return v
}

// WriteBit emits a single bit.
func (p *Phy) WriteBit(b bool) { p.writeBit(b) }

// ReadBit samples a single bit.
func (p *Phy) ReadBit() bool { return p.readBit() }

// PulseClock emits one bare clock pulse with no data change, used for
// the turnaround filler cycles DP/AP transactions need after a
// FAULT/WAIT ack.
func (p *Phy) PulseClock() { p.pulseClock() }

// LineIdle drives SWDIO to level for n clock cycles.
func (p *Phy) LineIdle(n int, level bool) {
	p.driveOutput()
	p.Drv.Write(p.Pins.SWDIO, level)
	for i := 0; i < n; i++ {
		p.pulseClock()
	}
}

// LineReset drives >=50 (implementation: 80) cycles of SWDIO=1.
func (p *Phy) LineReset() {
	p.LineIdle(lineResetCycles, true)
}

// JtagToSwd transmits the fixed 16-bit 0xE79E pattern LSB-first.
func (p *Phy) JtagToSwd() {
	p.driveOutput()
	const seq = 0xE79E
	p.WriteBits(seq, 16)
}

// RequestIdle emits the pre-request idle-low compatibility quirk
// bits, immediately before a DP/AP request's 8 bits.
func (p *Phy) RequestIdle() {
	p.driveOutput()
	p.Drv.Write(p.Pins.SWDIO, true)
	for i := 0; i < p.ReqIdleLowBits; i++ {
		p.writeBit(false)
	}
}

// PostIdle drives the post-transaction idle-low flush window.
func (p *Phy) PostIdle() {
	p.LineIdle(p.PostIdleLowCycles, false)
}

// SetNRST drives NRST low (asserted) or high (deasserted).
func (p *Phy) SetNRST(asserted bool) {
	p.Drv.Write(p.Pins.NRST, !asserted)
}

// NrstIsHigh reports the level the host is currently driving onto
// NRST.
func (p *Phy) NrstIsHigh() bool {
	return p.Drv.Read(p.Pins.NRST)
}

// Attach asserts NRST, waits for the target to settle, then performs
// line-reset -> JTAG-to-SWD -> line-reset -> 16 idle cycles, all with
// NRST still held low.
func (p *Phy) Attach() {
	p.SetNRST(true)
	p.Drv.SleepMicros(20_000)
	p.LineReset()
	p.JtagToSwd()
	p.LineReset()
	p.LineIdle(16, true)
}

// Resync performs line-reset -> JTAG-to-SWD -> line-reset -> 16 idle
// cycles without touching NRST. STM32G0 clears DP/AP state on system
// reset, so this re-establishes the SWD link after NRST is released.
func (p *Phy) Resync() {
	p.LineReset()
	p.JtagToSwd()
	p.LineReset()
	p.LineIdle(16, true)
}

// ReleaseSWD tristates SWCLK and SWDIO so target firmware can
// repurpose them without electrical contention. NRST is untouched.
func (p *Phy) ReleaseSWD() {
	p.Drv.SetMode(p.Pins.SWCLK, pin.Input)
	p.Drv.SetMode(p.Pins.SWDIO, pin.Input)
}

// ReleaseAll releases SWCLK, SWDIO, and NRST to high-impedance
// inputs, letting the target boot and run with nothing driving any of
// the jig's pins.
func (p *Phy) ReleaseAll() {
	p.ReleaseSWD()
	p.Drv.SetMode(p.Pins.NRST, pin.Input)
}
