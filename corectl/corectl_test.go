package corectl

import (
	"testing"

	"swdjig.dev/dap"
	"swdjig.dev/internal/swdsim"
	"swdjig.dev/memap"
	"swdjig.dev/swdphy"
)

// fakeCore models just enough Cortex-M debug register behavior to
// exercise corectl: DHCSR reflects the C_HALT bit written to it as
// S_HALT, reports S_REGRDY after any DHCSR write (core-register poll
// timing isn't under test here), and DCRSR/DCRDR move values into and out of a
// register file.
type fakeCore struct {
	dhcsr uint32
	demcr uint32
	dcrdr uint32
	regs  map[uint32]uint32
}

func newFakeCore() *fakeCore {
	return &fakeCore{regs: make(map[uint32]uint32)}
}

func (c *fakeCore) onWrite(addr, val uint32) {
	switch addr {
	case DHCSR:
		var dhcsr uint32
		if val&dhcsrCDebugEn != 0 {
			dhcsr |= dhcsrCDebugEn
		}
		if val&dhcsrCHalt != 0 {
			dhcsr |= dhcsrCHalt | dhcsrSHalt
		}
		dhcsr |= dhcsrSRegRdy
		c.dhcsr = dhcsr
	case DEMCR:
		c.demcr = val
	case DCRDR:
		c.dcrdr = val
	case DCRSR:
		regnum := val & 0x1F
		if val&dcrsrRegWnR != 0 {
			c.regs[regnum] = c.dcrdr
		} else {
			c.dcrdr = c.regs[regnum]
		}
	}
}

func (c *fakeCore) onRead(addr uint32) (uint32, bool) {
	switch addr {
	case DHCSR:
		return c.dhcsr, true
	case DEMCR:
		return c.demcr, true
	case DCRDR:
		return c.dcrdr, true
	}
	return 0, true
}

func newSimSession(t *testing.T) (*memap.Session, *fakeCore) {
	t.Helper()
	const swclk, swdio, nrst = 0, 1, 2
	target := swdsim.NewTarget(swclk, swdio, nrst)
	core := newFakeCore()
	target.OnWrite = core.onWrite
	target.OnRead = core.onRead
	phy := swdphy.New(target, swdphy.Pins{SWCLK: swclk, SWDIO: swdio, NRST: nrst})
	phy.ReqIdleLowBits = 0
	phy.PostIdleLowCycles = 0
	phy.Begin()
	tr := dap.NewTransactor(phy)
	return memap.NewSession(tr), core
}

func TestHaltSetsSHaltAndIsHaltedReportsTrue(t *testing.T) {
	s, _ := newSimSession(t)
	if err := Halt(s); err != nil {
		t.Fatalf("Halt: %v", err)
	}
	halted, err := IsHalted(s)
	if err != nil {
		t.Fatal(err)
	}
	if !halted {
		t.Error("IsHalted() = false after Halt")
	}
}

func TestRunClearsHaltAndVectorCatch(t *testing.T) {
	s, core := newSimSession(t)
	if err := Halt(s); err != nil {
		t.Fatal(err)
	}
	if err := ArmVectorCatch(s); err != nil {
		t.Fatal(err)
	}
	if core.demcr&demcrVCCoreRst == 0 {
		t.Fatal("ArmVectorCatch did not set VC_CORERESET")
	}
	if err := Run(s); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if core.demcr != 0 {
		t.Errorf("DEMCR = %#x after Run, want 0", core.demcr)
	}
	halted, err := IsHalted(s)
	if err != nil {
		t.Fatal(err)
	}
	if halted {
		t.Error("IsHalted() = true after Run")
	}
}

func TestWriteThenReadCoreRegisterRoundTrips(t *testing.T) {
	s, _ := newSimSession(t)
	if err := Halt(s); err != nil {
		t.Fatal(err)
	}
	if err := WriteCoreRegister(s, RegPC, 0x08001000); err != nil {
		t.Fatalf("WriteCoreRegister: %v", err)
	}
	v, err := ReadCoreRegister(s, RegPC)
	if err != nil {
		t.Fatalf("ReadCoreRegister: %v", err)
	}
	if v != 0x08001000 {
		t.Errorf("PC = %#08x, want 0x08001000", v)
	}
}
