package swdphy

import (
	"testing"

	"swdjig.dev/pin"
)

// jtagToSwdBits is 0xE79E, LSB-first.
var jtagToSwdBits = []bool{
	false, true, true, true, true, false, false, true,
	true, true, true, false, false, true, true, true,
}

func TestAttachDrivesLineResetThenJtagToSwd(t *testing.T) {
	fake := pin.NewFake()
	var swdioWrites []bool
	swclk, swdio, nrst := 0, 1, 2
	fake.OnWrite = func(p int, level bool) {
		if p == swdio {
			swdioWrites = append(swdioWrites, level)
		}
	}
	phy := New(fake, Pins{SWCLK: swclk, SWDIO: swdio, NRST: nrst})
	phy.Begin()
	swdioWrites = nil // ignore Begin's initial idle-high write

	phy.Attach()

	// Attach: LineReset (SWDIO held 1), JtagToSwd (16 bits of 0xE79E),
	// LineReset again, then LineIdle(16, true).
	if len(swdioWrites) != 1+16+1+1 {
		t.Fatalf("recorded %d SWDIO writes, want %d: %v", len(swdioWrites), 19, swdioWrites)
	}
	if !swdioWrites[0] {
		t.Errorf("first LineReset did not hold SWDIO high")
	}
	got := swdioWrites[1:17]
	for i, b := range jtagToSwdBits {
		if got[i] != b {
			t.Errorf("jtag-to-swd bit %d = %v, want %v (full: %v)", i, got[i], b, got)
			break
		}
	}
	if !swdioWrites[17] {
		t.Errorf("second LineReset did not hold SWDIO high")
	}
	if !swdioWrites[18] {
		t.Errorf("trailing LineIdle(16, true) did not hold SWDIO high")
	}
}

func TestWriteBitsIsLSBFirst(t *testing.T) {
	fake := pin.NewFake()
	swclk, swdio, nrst := 0, 1, 2
	phy := New(fake, Pins{SWCLK: swclk, SWDIO: swdio, NRST: nrst})
	phy.Begin()

	const v = uint32(0xA5)
	const n = 8
	var written []bool
	fake.OnWrite = func(p int, level bool) {
		if p == swdio {
			written = append(written, level)
		}
	}
	phy.WriteBits(v, n)
	for i := 0; i < n; i++ {
		want := v&(1<<uint(i)) != 0
		if written[i] != want {
			t.Fatalf("bit %d = %v, want %v", i, written[i], want)
		}
	}
}

func TestSetNRSTAndNrstIsHigh(t *testing.T) {
	fake := pin.NewFake()
	phy := New(fake, Pins{SWCLK: 0, SWDIO: 1, NRST: 2})
	phy.Begin()
	if !phy.NrstIsHigh() {
		t.Fatal("NRST should start deasserted (high) after Begin")
	}
	phy.SetNRST(true)
	if phy.NrstIsHigh() {
		t.Fatal("NrstIsHigh() = true after SetNRST(true) (asserted/low)")
	}
	phy.SetNRST(false)
	if !phy.NrstIsHigh() {
		t.Fatal("NrstIsHigh() = false after SetNRST(false) (deasserted/high)")
	}
}

func TestTurnaroundToHostBurnsTwoClockPulses(t *testing.T) {
	fake := pin.NewFake()
	swclk := 0
	phy := New(fake, Pins{SWCLK: swclk, SWDIO: 1, NRST: 2})
	phy.Begin()

	risingEdges := 0
	prev := false
	fake.OnWrite = func(p int, level bool) {
		if p == swclk {
			if level && !prev {
				risingEdges++
			}
			prev = level
		}
	}
	phy.releaseForTarget()
	phy.TurnaroundToHost()
	if risingEdges != 2 {
		t.Fatalf("TurnaroundToHost produced %d rising edges, want 2", risingEdges)
	}
	if fake.Mode(1) != pin.Output {
		t.Error("TurnaroundToHost should leave SWDIO as a driven output")
	}
}
