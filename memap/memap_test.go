package memap

import (
	"bytes"
	"strings"
	"testing"

	"swdjig.dev/dap"
	"swdjig.dev/internal/swdsim"
	"swdjig.dev/swdphy"
)

func newSimSession(t *testing.T) (*Session, *swdsim.Target, *bytes.Buffer) {
	t.Helper()
	const swclk, swdio, nrst = 0, 1, 2
	target := swdsim.NewTarget(swclk, swdio, nrst)
	phy := swdphy.New(target, swdphy.Pins{SWCLK: swclk, SWDIO: swdio, NRST: nrst})
	phy.ReqIdleLowBits = 0
	phy.PostIdleLowCycles = 0
	phy.Begin()
	var trace bytes.Buffer
	tr := dap.NewTransactor(phy)
	tr.Trace = &trace
	return NewSession(tr), target, &trace
}

func tarWriteCount(trace *bytes.Buffer) int {
	return strings.Count(trace.String(), "AP WRITE 0x04:")
}

func TestSessionElidesTARWriteOnSequentialAccess(t *testing.T) {
	s, target, trace := newSimSession(t)
	const base = uint32(0x20000000)
	target.Mem[base] = 0x11111111
	target.Mem[base+4] = 0x22222222
	target.Mem[base+0x100] = 0x33333333

	before := tarWriteCount(trace)
	v0, err := s.Read32(base)
	if err != nil {
		t.Fatalf("Read32(base): %v", err)
	}
	if v0 != 0x11111111 {
		t.Errorf("Read32(base) = %#08x", v0)
	}
	afterFirst := tarWriteCount(trace)
	if afterFirst-before != 1 {
		t.Errorf("first Read32 issued %d TAR writes, want 1", afterFirst-before)
	}

	v1, err := s.Read32(base + 4)
	if err != nil {
		t.Fatalf("Read32(base+4): %v", err)
	}
	if v1 != 0x22222222 {
		t.Errorf("Read32(base+4) = %#08x", v1)
	}
	afterSecond := tarWriteCount(trace)
	if afterSecond != afterFirst {
		t.Errorf("sequential Read32 issued %d TAR writes, want 0 (elided)", afterSecond-afterFirst)
	}

	v2, err := s.Read32(base + 0x100)
	if err != nil {
		t.Fatalf("Read32(base+0x100): %v", err)
	}
	if v2 != 0x33333333 {
		t.Errorf("Read32(base+0x100) = %#08x", v2)
	}
	afterThird := tarWriteCount(trace)
	if afterThird-afterSecond != 1 {
		t.Errorf("non-sequential Read32 issued %d TAR writes, want 1", afterThird-afterSecond)
	}
}

func TestSessionInvalidateForcesReconfigure(t *testing.T) {
	s, target, trace := newSimSession(t)
	target.Mem[0x1000] = 0xAAAAAAAA
	target.Mem[0x1004] = 0xBBBBBBBB

	if _, err := s.Read32(0x1000); err != nil {
		t.Fatal(err)
	}
	s.Invalidate()
	before := tarWriteCount(trace)
	v, err := s.Read32(0x1004)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0xBBBBBBBB {
		t.Errorf("Read32(0x1004) after Invalidate = %#08x", v)
	}
	if tarWriteCount(trace)-before != 1 {
		t.Error("Invalidate did not force a fresh TAR write even though the address was sequential")
	}
}

func TestWriteFollowedByReadRoundTrips(t *testing.T) {
	s, _, _ := newSimSession(t)
	if err := s.Write32(0x08000000, 0xCAFEF00D); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	v, err := s.Read32(0x08000000)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v != 0xCAFEF00D {
		t.Errorf("Read32 after Write32 = %#08x, want 0xcafef00d", v)
	}
}

func TestReadPipelinedMatchesSequential(t *testing.T) {
	s, target, _ := newSimSession(t)
	const base = uint32(0x30000000)
	for i := uint32(0); i < 8; i++ {
		target.Mem[base+i*4] = 0x1000 + i
	}
	got, err := s.ReadPipelined(base, 8)
	if err != nil {
		t.Fatalf("ReadPipelined: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("len(got) = %d, want 8", len(got))
	}
	for i, v := range got {
		want := 0x1000 + uint32(i)
		if v != want {
			t.Errorf("word %d = %#08x, want %#08x", i, v, want)
		}
	}
}
