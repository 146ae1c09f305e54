package dap

import (
	"math/rand"
	"testing"

	"swdjig.dev/internal/swdsim"
	"swdjig.dev/swdphy"
)

func TestParity32MatchesBitCount(t *testing.T) {
	check := func(v uint32) {
		want := uint32(0)
		for i := 0; i < 32; i++ {
			if v&(1<<uint(i)) != 0 {
				want ^= 1
			}
		}
		if got := parity32(v); got != want {
			t.Errorf("parity32(%#08x) = %d, want %d", v, got, want)
		}
	}
	check(0)
	check(0xFFFFFFFF)
	check(1)
	check(0x80000000)
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 50; i++ {
		check(r.Uint32())
	}
}

// Request byte for APnDP=0, RnW=1, addr=0x00 (a DP IDCODE read) is
// 0xA5: start=1, APnDP=0, RnW=1, A2=0, A3=0, parity=1 (odd parity of
// RnW alone), stop=0, park=1.
func TestMakeRequestDPIDCODERead(t *testing.T) {
	got := makeRequest(false, true, 0x00)
	if got != 0xA5 {
		t.Errorf("makeRequest(false, true, 0x00) = %#02x, want 0xa5", got)
	}
}

func TestMakeRequestParityCoversAllFields(t *testing.T) {
	for _, apndp := range []bool{false, true} {
		for _, rnw := range []bool{false, true} {
			for _, addr := range []uint8{0x0, 0x4, 0x8, 0xC} {
				req := makeRequest(apndp, rnw, addr)
				parityBit := (req >> 5) & 1
				a2 := (addr >> 2) & 1
				a3 := (addr >> 3) & 1
				var apndpBit, rnwBit uint8
				if apndp {
					apndpBit = 1
				}
				if rnw {
					rnwBit = 1
				}
				want := apndpBit ^ rnwBit ^ a2 ^ a3
				if parityBit != want {
					t.Errorf("makeRequest(%v,%v,%#x) parity bit = %d, want %d", apndp, rnw, addr, parityBit, want)
				}
				if req&1 != 1 {
					t.Errorf("makeRequest start bit not set: %#02x", req)
				}
				if req&0x80 == 0 {
					t.Errorf("makeRequest park bit not set: %#02x", req)
				}
			}
		}
	}
}

func newSimTransactor() (*Transactor, *swdsim.Target) {
	const swclk, swdio, nrst = 0, 1, 2
	target := swdsim.NewTarget(swclk, swdio, nrst)
	phy := swdphy.New(target, swdphy.Pins{SWCLK: swclk, SWDIO: swdio, NRST: nrst})
	phy.ReqIdleLowBits = 0
	phy.PostIdleLowCycles = 0
	phy.Begin()
	return NewTransactor(phy), target
}

func TestDPReadIDCODE(t *testing.T) {
	tr, target := newSimTransactor()
	v, ack, err := tr.DPRead(DpIDCODE)
	if err != nil {
		t.Fatalf("DPRead(DpIDCODE): %v", err)
	}
	if ack != AckOK {
		t.Fatalf("ack = %s, want OK", ack)
	}
	if v != target.IDCODE {
		t.Errorf("IDCODE = %#08x, want %#08x", v, target.IDCODE)
	}
}

func TestDPWriteThenReadSelect(t *testing.T) {
	tr, _ := newSimTransactor()
	if _, err := tr.DPWrite(DpSELECT, 0x000000F0); err != nil {
		t.Fatalf("DPWrite(DpSELECT): %v", err)
	}
	v, ack, err := tr.DPRead(DpSELECT)
	if err != nil || ack != AckOK {
		t.Fatalf("DPRead(DpSELECT): v=%#x ack=%s err=%v", v, ack, err)
	}
	if v != 0x000000F0 {
		t.Errorf("DpSELECT readback = %#08x, want %#08x", v, 0x000000F0)
	}
}

func TestAPReadRegFetchesPostedValue(t *testing.T) {
	tr, target := newSimTransactor()
	target.Mem[0x1000] = 0xDEADBEEF
	if err := tr.ApSelect(0, 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.APWriteReg(ApTAR, 0x1000); err != nil {
		t.Fatal(err)
	}
	v, err := tr.APReadReg(ApDRW)
	if err != nil {
		t.Fatalf("APReadReg(ApDRW): %v", err)
	}
	if v != 0xDEADBEEF {
		t.Errorf("APReadReg(ApDRW) = %#08x, want 0xdeadbeef", v)
	}
}

func TestInitPerformsPowerUpHandshake(t *testing.T) {
	tr, _ := newSimTransactor()
	if err := tr.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
}
