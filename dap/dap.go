// Package dap implements the ADIv5 Debug Port / Access Port register
// transaction layer over an swdphy.Phy: request/ACK/data/parity
// framing, DP power-up, AP selection, and connect-under-reset
// recovery.
package dap

import (
	"fmt"
	"io"
	"time"

	"swdjig.dev/jigerr"
	"swdjig.dev/swdphy"
)

// AckCode is the 3-bit SWD acknowledge field.
type AckCode uint8

const (
	AckOK      AckCode = 0b001
	AckWait    AckCode = 0b010
	AckFault   AckCode = 0b100
	AckInvalid AckCode = 0xFF // anything else observed on the wire
)

func (a AckCode) String() string {
	switch a {
	case AckOK:
		return "OK"
	case AckWait:
		return "WAIT"
	case AckFault:
		return "FAULT"
	default:
		return "INVALID"
	}
}

func classify(v uint32) AckCode {
	switch AckCode(v) {
	case AckOK, AckWait, AckFault:
		return AckCode(v)
	default:
		return AckInvalid
	}
}

// DpRegister enumerates DP byte addresses. IDCODE/ABORT share 0x00:
// reads target IDCODE, writes target ABORT.
type DpRegister uint8

const (
	DpIDCODE   DpRegister = 0x00
	DpABORT    DpRegister = 0x00
	DpCTRLSTAT DpRegister = 0x04
	DpSELECT   DpRegister = 0x08
	DpRDBUFF   DpRegister = 0x0C
)

// ApRegister enumerates AP byte addresses; only bits [3:2] appear on
// the wire, the bank is selected via DP.SELECT.
type ApRegister uint8

const (
	ApCSW ApRegister = 0x00
	ApTAR ApRegister = 0x04
	ApDRW ApRegister = 0x0C
	ApIDR ApRegister = 0xFC
)

// Abort-clear bits: ORUNERRCLR|WDERRCLR|STKERRCLR|STKCMPCLR.
const AbortClearAll uint32 = 1<<4 | 1<<3 | 1<<2 | 1<<1

// CTRL/STAT power bits.
const (
	ctrlStatPowerReq = 1<<30 | 1<<28 // CSYSPWRUPREQ|CDBGPWRUPREQ
	sysPwrUpAck      = 1 << 31
	dbgPwrUpAck      = 1 << 29
)

const (
	powerUpPolls    = 200
	powerUpPollWait = time.Millisecond

	// ReconnectAttempts/ReconnectDelay bound ConnectUnderReset's
	// attach-while-reset line-reset+IDCODE retry loop.
	ReconnectAttempts = 5
	ReconnectDelay    = 100 * time.Microsecond
	// HaltRetryAttempts bounds the critical-window DHCSR halt write
	// retry loop.
	HaltRetryAttempts = 8
)

// Cortex-M DHCSR address and halt-request bits, needed by
// ConnectUnderReset's critical window. corectl already defines these,
// but corectl imports memap which imports dap, so importing corectl
// here would cycle; the values are duplicated instead.
const (
	dhcsrAddr     uint32 = 0xE000EDF0
	dhcsrDbgKey   uint32 = 0xA05F0000
	dhcsrCDebugEn uint32 = 1 << 0
	dhcsrCHalt    uint32 = 1 << 1
	dhcsrSHalt    uint32 = 1 << 17

	// apCswWordInc mirrors memap's cswWordInc: 32-bit transfer,
	// auto-increment-single, used to pre-stage the AP onto DHCSR
	// before the critical window opens.
	apCswWordInc uint32 = 0x23000012
)

// Transactor performs DP/AP register transactions over a Phy,
// optionally reporting each one to Trace for bench debugging.
type Transactor struct {
	Phy   *swdphy.Phy
	Trace io.Writer // nil = silent

	// WaitRetries bounds how many times a WAIT-acknowledged
	// transaction is retried before giving up.
	WaitRetries int
}

// NewTransactor returns a Transactor with the jig's default WAIT
// retry budget.
func NewTransactor(phy *swdphy.Phy) *Transactor {
	return &Transactor{Phy: phy, WaitRetries: 3}
}

func parity32(v uint32) uint32 {
	p := uint32(0)
	for v != 0 {
		p ^= 1
		v &= v - 1
	}
	return p
}

func makeRequest(apndp, rnw bool, addr uint8) uint8 {
	a2 := (addr >> 2) & 1
	a3 := (addr >> 3) & 1
	var apndpBit, rnwBit uint8
	if apndp {
		apndpBit = 1
	}
	if rnw {
		rnwBit = 1
	}
	parity := apndpBit ^ rnwBit ^ a2 ^ a3
	req := uint8(1) // start
	req |= apndpBit << 1
	req |= rnwBit << 2
	req |= a2 << 3
	req |= a3 << 4
	req |= (parity & 1) << 5
	req |= 1 << 7 // park
	return req
}

func (t *Transactor) tracef(format string, args ...any) {
	if t.Trace == nil {
		return
	}
	fmt.Fprintf(t.Trace, format+"\n", args...)
}

// doRequest drives the request phase and samples ACK, leaving SWDIO
// released (driven by the target) on return.
func (t *Transactor) doRequest(apndp, rnw bool, addr uint8) AckCode {
	req := makeRequest(apndp, rnw, addr)
	t.Phy.RequestIdle()
	t.Phy.WriteBits(uint32(req), 8)
	t.Phy.TurnaroundToTarget()
	return classify(t.Phy.ReadBits(3))
}

// idleLow leaves SWDIO driven low; if postIdle it also burns the
// configured post-transaction flush window.
func (t *Transactor) idleLow(postIdle bool) {
	n := 0
	if postIdle {
		n = t.Phy.PostIdleLowCycles
	}
	t.Phy.LineIdle(n, false)
}

func ackErr(ack AckCode, purpose string) error {
	switch ack {
	case AckWait:
		return jigerr.New(jigerr.SwdAckWait, purpose)
	default:
		return jigerr.New(jigerr.SwdAckFault, purpose)
	}
}

// readTransaction performs the ACK+data+parity phases common to DP
// and AP reads, retrying WAIT up to WaitRetries times.
func (t *Transactor) readTransaction(apndp bool, addr uint8, purpose string, postIdle bool) (uint32, AckCode, error) {
	var ack AckCode
	retries := 0
	for {
		ack = t.doRequest(apndp, true, addr)
		if ack != AckWait || retries >= t.WaitRetries {
			break
		}
		retries++
		t.Phy.PulseClock()
		t.Phy.PulseClock()
		t.idleLow(postIdle)
	}
	if ack != AckOK {
		t.Phy.PulseClock()
		t.Phy.PulseClock()
		t.idleLow(postIdle)
		t.tracef("%s: ACK=%s", purpose, ack)
		return 0, ack, ackErr(ack, purpose)
	}
	v := t.Phy.ReadBits(32)
	p := t.Phy.ReadBit()
	t.Phy.TurnaroundToHost()
	t.idleLow(postIdle)
	if perr := checkParity(p, v); perr != nil {
		t.tracef("%s: parity fail data=%#08x", purpose, v)
		return v, ack, perr
	}
	t.tracef("%s: data=%#08x ACK=%s", purpose, v, ack)
	return v, ack, nil
}

func (t *Transactor) writeTransaction(apndp bool, addr uint8, val uint32, purpose string, postIdle bool) (AckCode, error) {
	var ack AckCode
	retries := 0
	for {
		ack = t.doRequest(apndp, false, addr)
		if ack != AckWait || retries >= t.WaitRetries {
			break
		}
		retries++
		t.Phy.PulseClock()
		t.Phy.PulseClock()
		t.idleLow(postIdle)
	}
	if ack != AckOK {
		t.Phy.PulseClock()
		t.Phy.PulseClock()
		t.idleLow(postIdle)
		t.tracef("%s: ACK=%s data=%#08x", purpose, ack, val)
		return ack, ackErr(ack, purpose)
	}
	t.Phy.TurnaroundToHost()
	t.Phy.WriteBits(val, 32)
	t.Phy.WriteBit(parity32(val) != 0)
	t.idleLow(postIdle)
	t.tracef("%s: data=%#08x ACK=%s", purpose, val, ack)
	return ack, nil
}

func checkParity(p bool, v uint32) error {
	want := parity32(v) != 0
	if p != want {
		return jigerr.New(jigerr.SwdParity, "data parity mismatch")
	}
	return nil
}

// DPRead reads a debug-port register.
func (t *Transactor) DPRead(reg DpRegister) (uint32, AckCode, error) {
	return t.readTransaction(false, uint8(reg), fmt.Sprintf("DP READ %#02x", uint8(reg)), true)
}

// DPWrite writes a debug-port register.
func (t *Transactor) DPWrite(reg DpRegister, val uint32) (AckCode, error) {
	return t.writeTransaction(false, uint8(reg), val, fmt.Sprintf("DP WRITE %#02x", uint8(reg)), true)
}

// APReadPosted issues an AP read request. AP reads are posted: the
// value returned here is the stale result of the *previous* posted
// read. Callers must follow up with DPRead(DpRDBUFF) to fetch the
// true value.
func (t *Transactor) APReadPosted(reg ApRegister) (uint32, AckCode, error) {
	return t.readTransaction(true, uint8(reg), fmt.Sprintf("AP READ %#02x (posted)", uint8(reg)), true)
}

// APWrite writes an AP register with the full post-transaction idle
// window and trace logging.
func (t *Transactor) APWrite(reg ApRegister, val uint32) (AckCode, error) {
	return t.writeTransaction(true, uint8(reg), val, fmt.Sprintf("AP WRITE %#02x", uint8(reg)), true)
}

// APWriteFast writes an AP register without the post-transaction idle
// window, for throughput-critical loops such as flash programming.
func (t *Transactor) APWriteFast(reg ApRegister, val uint32) (AckCode, error) {
	return t.writeTransaction(true, uint8(reg), val, "", false)
}

// WriteAPCritical performs a single AP write with no post-transaction
// idle window and no WAIT retry, intended only for the DHCSR halt
// write inside ConnectUnderReset's critical window.
func (t *Transactor) WriteAPCritical(reg ApRegister, val uint32) (AckCode, error) {
	ack := t.doRequest(true, false, uint8(reg))
	if ack != AckOK {
		t.Phy.PulseClock()
		t.Phy.PulseClock()
		t.idleLow(false)
		return ack, ackErr(ack, "AP WRITE CRITICAL")
	}
	t.Phy.TurnaroundToHost()
	t.Phy.WriteBits(val, 32)
	t.Phy.WriteBit(parity32(val) != 0)
	t.idleLow(false)
	return ack, nil
}

// APReadReg performs the full posted-read dance: issue the AP read,
// then fetch the true value via DP.RDBUFF.
func (t *Transactor) APReadReg(reg ApRegister) (uint32, error) {
	if _, ack, err := t.APReadPosted(reg); err != nil {
		return 0, fmt.Errorf("dap: ap read %#02x: ack=%s: %w", uint8(reg), ack, err)
	}
	v, _, err := t.DPRead(DpRDBUFF)
	if err != nil {
		return 0, fmt.Errorf("dap: ap read %#02x: fetch rdbuff: %w", uint8(reg), err)
	}
	return v, nil
}

// APWriteReg writes an AP register and surfaces any error.
func (t *Transactor) APWriteReg(reg ApRegister, val uint32) error {
	if _, err := t.APWrite(reg, val); err != nil {
		return fmt.Errorf("dap: ap write %#02x: %w", uint8(reg), err)
	}
	return nil
}

// ApSelect writes DP.SELECT = (apsel<<24)|(apbank<<4); must be
// reissued whenever the target bank changes.
func (t *Transactor) ApSelect(apsel, apbank uint8) error {
	sel := uint32(apsel)<<24 | uint32(apbank&0xF)<<4
	if _, err := t.DPWrite(DpSELECT, sel); err != nil {
		return fmt.Errorf("dap: select ap=%d bank=%d: %w", apsel, apbank, err)
	}
	return nil
}

// Init establishes the DP: prime the link with an IDCODE read,
// clear sticky errors, request debug+system power-up, and poll
// CTRL/STAT until both power-up ACK bits are observed.
func (t *Transactor) Init() error {
	// Bench observation: the first DP write after attach can fail
	// unless a DP read happens first; prime the link with a discarded
	// IDCODE read.
	t.DPRead(DpIDCODE)

	if _, err := t.DPWrite(DpABORT, AbortClearAll); err != nil {
		return fmt.Errorf("dap: clear sticky errors: %w", err)
	}
	if _, err := t.DPWrite(DpCTRLSTAT, ctrlStatPowerReq); err != nil {
		return fmt.Errorf("dap: power-up request: %w", err)
	}
	for i := 0; i < powerUpPolls; i++ {
		cs, _, err := t.DPRead(DpCTRLSTAT)
		if err != nil {
			continue
		}
		if cs&sysPwrUpAck != 0 && cs&dbgPwrUpAck != 0 {
			return nil
		}
		time.Sleep(powerUpPollWait)
	}
	return jigerr.New(jigerr.SwdAckFault, "dap: power-up timeout: never observed SYS+DBG ack")
}

// ConnectUnderReset halts the core before application firmware can
// ever run, by landing a debug halt request in the brief window right
// after NRST is released. While NRST is still held low it attaches
// and retries line-reset + JTAG-to-SWD + IDCODE read up to
// ReconnectAttempts times, then runs Init to power up the DP. With the
// link established it pre-stages the AP onto DHCSR (SELECT AP0/bank0,
// CSW, TAR) so that releasing NRST needs only a single AP.DRW write to
// request the halt: that write, via WriteAPCritical, is retried up to
// HaltRetryAttempts times in a tight loop with no tracing and no extra
// clocks, since every cycle spent elsewhere in the window is a cycle
// the target's firmware gets to run unsupervised. Once a halt write is
// acked, Init is re-run to restore the link (one LineReset retry if
// the first Init fails), and DHCSR.S_HALT is confirmed before return.
func (t *Transactor) ConnectUnderReset() error {
	t.Phy.SetNRST(true)
	var lastErr error
	attached := false
	for attempt := 0; attempt < ReconnectAttempts; attempt++ {
		t.Phy.LineReset()
		t.Phy.JtagToSwd()
		t.Phy.LineReset()
		t.Phy.LineIdle(8, true)

		idcode, ack, err := t.DPRead(DpIDCODE)
		if err == nil && ack == AckOK {
			t.tracef("connect-under-reset: attach on attempt %d idcode=%#08x", attempt+1, idcode)
			attached = true
			break
		}
		lastErr = err
		time.Sleep(ReconnectDelay)
	}
	if !attached {
		return fmt.Errorf("dap: connect-under-reset: no valid response after %d attempts: %w", ReconnectAttempts, lastErr)
	}
	if err := t.Init(); err != nil {
		return fmt.Errorf("dap: connect-under-reset: power-up: %w", err)
	}

	if err := t.ApSelect(0, 0); err != nil {
		return fmt.Errorf("dap: connect-under-reset: pre-stage select: %w", err)
	}
	if err := t.APWriteReg(ApCSW, apCswWordInc); err != nil {
		return fmt.Errorf("dap: connect-under-reset: pre-stage csw: %w", err)
	}
	if err := t.APWriteReg(ApTAR, dhcsrAddr); err != nil {
		return fmt.Errorf("dap: connect-under-reset: pre-stage tar: %w", err)
	}

	// Critical window: release NRST and land the halt write before the
	// target's firmware can start running.
	t.Phy.SetNRST(false)
	var haltAck AckCode
	var haltErr error
	for i := 0; i < HaltRetryAttempts; i++ {
		haltAck, haltErr = t.WriteAPCritical(ApDRW, dhcsrDbgKey|dhcsrCDebugEn|dhcsrCHalt)
		if haltAck == AckOK {
			break
		}
	}
	if haltAck != AckOK {
		return fmt.Errorf("dap: connect-under-reset: halt write never acked after %d attempts: %w", HaltRetryAttempts, haltErr)
	}

	if err := t.Init(); err != nil {
		t.Phy.LineReset()
		if err = t.Init(); err != nil {
			return fmt.Errorf("dap: connect-under-reset: re-init: %w", err)
		}
	}

	if err := t.APWriteReg(ApTAR, dhcsrAddr); err != nil {
		return fmt.Errorf("dap: connect-under-reset: confirm tar: %w", err)
	}
	dhcsr, err := t.APReadReg(ApDRW)
	if err != nil {
		return fmt.Errorf("dap: connect-under-reset: confirm halt: %w", err)
	}
	if dhcsr&dhcsrSHalt == 0 {
		return jigerr.New(jigerr.SwdAckFault, "dap: connect-under-reset: core did not report S_HALT")
	}
	return nil
}
