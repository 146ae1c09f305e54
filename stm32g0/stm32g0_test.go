package stm32g0

import (
	"encoding/binary"
	"testing"

	"swdjig.dev/dap"
	"swdjig.dev/internal/swdsim"
	"swdjig.dev/memap"
	"swdjig.dev/swdphy"
)

// fakeFlash models just enough of the STM32G0 flash controller
// (RM0444) register semantics to exercise unlock/erase/program: KEYR's
// two-key unlock sequence, CR.MER1|STRT triggering an instantaneous
// mass erase, and CR.PG gating word writes into a word-addressed flash
// image that reads as erased (0xFFFFFFFF) until programmed.
type fakeFlash struct {
	cr      uint32
	sr      uint32
	keySeen bool
	mem     map[uint32]uint32
}

func newFakeFlash() *fakeFlash {
	return &fakeFlash{cr: crLOCK, mem: make(map[uint32]uint32)}
}

func (f *fakeFlash) onWrite(addr, val uint32) {
	switch addr {
	case KEYR:
		switch {
		case !f.keySeen && val == key1:
			f.keySeen = true
		case f.keySeen && val == key2:
			f.cr &^= crLOCK
			f.keySeen = false
		default:
			f.keySeen = false
		}
	case CR:
		if val&crMER1 != 0 && val&crSTRT != 0 {
			for k := range f.mem {
				delete(f.mem, k)
			}
			f.sr |= srEOP
			f.cr = val &^ crSTRT
			return
		}
		f.cr = val
	case SR:
		f.sr &^= val
	default:
		if f.cr&crPG != 0 {
			f.mem[addr] = val
		}
	}
}

func (f *fakeFlash) onRead(addr uint32) (uint32, bool) {
	switch addr {
	case CR:
		return f.cr, true
	case SR:
		return f.sr, true
	default:
		v, ok := f.mem[addr]
		if !ok {
			return 0xFFFFFFFF, true
		}
		return v, true
	}
}

func newSimSession(t *testing.T) (*memap.Session, *fakeFlash) {
	t.Helper()
	const swclk, swdio, nrst = 0, 1, 2
	target := swdsim.NewTarget(swclk, swdio, nrst)
	flash := newFakeFlash()
	target.OnWrite = flash.onWrite
	target.OnRead = flash.onRead
	phy := swdphy.New(target, swdphy.Pins{SWCLK: swclk, SWDIO: swdio, NRST: nrst})
	phy.ReqIdleLowBits = 0
	phy.PostIdleLowCycles = 0
	phy.Begin()
	tr := dap.NewTransactor(phy)
	return memap.NewSession(tr), flash
}

func TestMassEraseClearsFlashAndLocksAgain(t *testing.T) {
	s, flash := newSimSession(t)
	flash.mem[BaseAddress] = 0x12345678

	warn, err := MassErase(s)
	if err != nil {
		t.Fatalf("MassErase: %v", err)
	}
	if warn != nil {
		t.Fatalf("MassErase warn: %v", warn)
	}
	if len(flash.mem) != 0 {
		t.Errorf("flash image not cleared: %v", flash.mem)
	}
	if flash.cr&crLOCK == 0 {
		t.Error("MassErase left flash unlocked")
	}
}

func TestProgramDoublewordsThenReadBack(t *testing.T) {
	s, _ := newSimSession(t)
	if _, err := MassErase(s); err != nil {
		t.Fatalf("MassErase: %v", err)
	}

	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(i + 1)
	}
	if err := ProgramDoublewords(s, BaseAddress, data); err != nil {
		t.Fatalf("ProgramDoublewords: %v", err)
	}

	for off := 0; off < len(data); off += 4 {
		v, err := s.Read32(BaseAddress + uint32(off))
		if err != nil {
			t.Fatalf("Read32 @%#x: %v", off, err)
		}
		want := binary.LittleEndian.Uint32(data[off : off+4])
		if v != want {
			t.Errorf("word @%#x = %#08x, want %#08x", off, v, want)
		}
	}

	// Just past the programmed range must still read as erased.
	v, err := s.Read32(BaseAddress + uint32(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xFFFFFFFF {
		t.Errorf("word past programmed range = %#08x, want 0xffffffff (erased)", v)
	}
}

func TestProgramDoublewordsRejectsUnalignedLength(t *testing.T) {
	s, _ := newSimSession(t)
	if err := ProgramDoublewords(s, BaseAddress, []byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error for a non-multiple-of-8 data length")
	}
}
