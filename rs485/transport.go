package rs485

import (
	"encoding/binary"
	"fmt"
	"time"

	"swdjig.dev/jigerr"
	"swdjig.dev/uart"
)

// Config tunes TX pacing and receive timeout. DefaultConfig holds the
// jig's defaults: large writes are split into 256-byte chunks with no
// inter-chunk delay (the target's UART receive timeout is tight
// enough that an intentional gap can make it drop the packet), and a
// response must complete within 1000ms.
type Config struct {
	PaceThreshold int           // at or below this, write whole buffer in one call
	PaceChunkSize int           // size of each paced write
	PaceDelay     time.Duration // delay between chunks; 0 by default
	Timeout       time.Duration // total response deadline
}

// DefaultConfig returns the jig's production pacing/timeout values.
func DefaultConfig() Config {
	return Config{
		PaceThreshold: 50,
		PaceChunkSize: 256,
		PaceDelay:     0,
		Timeout:       time.Second,
	}
}

// Transport drives one half-duplex RS-485 link: send a packet, then
// receive exactly one response before the next command may be sent.
type Transport struct {
	Port uart.Port
	Cfg  Config
}

// NewTransport returns a Transport with DefaultConfig.
func NewTransport(port uart.Port) *Transport {
	return &Transport{Port: port, Cfg: DefaultConfig()}
}

// SendCommand encodes and transmits pkt, paced per Cfg.
func (t *Transport) SendCommand(pkt Packet) error {
	buf, err := EncodePacket(pkt)
	if err != nil {
		return fmt.Errorf("rs485: encode: %w", err)
	}
	return t.writePaced(buf)
}

func (t *Transport) writePaced(buf []byte) error {
	if len(buf) <= t.Cfg.PaceThreshold || t.Cfg.PaceChunkSize <= 0 {
		_, err := t.Port.Write(buf)
		return err
	}
	for off := 0; off < len(buf); off += t.Cfg.PaceChunkSize {
		end := off + t.Cfg.PaceChunkSize
		if end > len(buf) {
			end = len(buf)
		}
		if _, err := t.Port.Write(buf[off:end]); err != nil {
			return err
		}
		if t.Cfg.PaceDelay > 0 && end < len(buf) {
			time.Sleep(t.Cfg.PaceDelay)
		}
	}
	return nil
}

// deadline tracks a total time budget across several blocking reads.
type deadline struct{ at time.Time }

func newDeadline(d time.Duration) deadline { return deadline{at: time.Now().Add(d)} }

func (d deadline) remaining() time.Duration {
	r := time.Until(d.at)
	if r < 0 {
		return 0
	}
	return r
}

// readFull reads exactly len(buf) bytes before d elapses.
func (t *Transport) readFull(buf []byte, d deadline) error {
	got := 0
	for got < len(buf) {
		rem := d.remaining()
		if rem == 0 {
			return jigerr.New(jigerr.Rs485Timeout, "rs485: receive deadline exceeded")
		}
		n, err := t.Port.ReadTimeout(buf[got:], rem)
		if err != nil {
			return fmt.Errorf("rs485: read: %w", err)
		}
		got += n
	}
	return nil
}

// drain discards up to n bytes before d elapses, best-effort, so the
// next request starts wire-aligned after a mid-packet error.
func (t *Transport) drain(n int, d deadline) {
	buf := make([]byte, 64)
	for n > 0 {
		rem := d.remaining()
		if rem == 0 {
			return
		}
		want := len(buf)
		if want > n {
			want = n
		}
		got, err := t.Port.ReadTimeout(buf[:want], rem)
		if got == 0 || err != nil {
			return
		}
		n -= got
	}
}

// GetResponse receives one response, decoding it per the wire format
// in frame.go, within Cfg.Timeout of its own deadline. On any error
// after the first byte, it drains the remainder of the declared
// packet (bounded by the same deadline) so the link is aligned for
// the next SendCommand.
func (t *Transport) GetResponse(bufferSize int) (Response, error) {
	d := newDeadline(t.Cfg.Timeout)

	var first [1]byte
	if err := t.readFull(first[:], d); err != nil {
		return Response{}, err
	}
	if !isValidFirstByte(first[0]) {
		return Response{}, jigerr.New(jigerr.Rs485BadFirstByte, "rs485: size byte LSB is not 1")
	}
	sizeBytes := []byte{first[0]}

	consumed := 1
	var totalSize int
	decoded := int(decodeFirstByte(first[0]))
	if decoded == decodedExtendedSize {
		var ext [2]byte
		if err := t.readFull(ext[:], d); err != nil {
			return Response{}, err
		}
		sizeBytes = append(sizeBytes, ext[:]...)
		consumed += 2
		totalSize = int(binary.LittleEndian.Uint16(ext[:]))
	} else {
		totalSize = decoded
	}

	bytesLeft := totalSize - consumed
	if bytesLeft < 1 {
		return Response{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: declared size too small")
	}

	var respChar [1]byte
	if err := t.readFull(respChar[:], d); err != nil {
		t.drain(bytesLeft-1, d)
		return Response{}, err
	}
	bytesLeft--
	if respChar[0] != RespCRC32Enabled && respChar[0] != RespCRC32Disabled {
		t.drain(bytesLeft, d)
		return Response{}, jigerr.New(jigerr.Rs485BadResponseChar, "rs485: invalid response character")
	}
	crcEnabled := respChar[0] == RespCRC32Enabled

	bytesWithoutCRC := bytesLeft
	if crcEnabled {
		if bytesLeft < 4 {
			t.drain(bytesLeft, d)
			return Response{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: too small to hold trailing CRC32")
		}
		bytesWithoutCRC -= 4
	}
	if bytesWithoutCRC == 0 && bufferSize != 0 {
		t.drain(bytesLeft, d)
		return Response{}, jigerr.New(jigerr.Rs485DataWrongSize, "rs485: response has no error-code byte")
	}

	var remoteErr [1]byte
	remoteErrPresent := bytesWithoutCRC >= 1
	if remoteErrPresent {
		if err := t.readFull(remoteErr[:], d); err != nil {
			t.drain(bytesLeft-1, d)
			return Response{}, err
		}
		bytesWithoutCRC--
		bytesLeft--
		if remoteErr[0] != 0 {
			t.drain(bytesLeft, d)
			return Response{}, jigerr.WithCode(jigerr.RemoteError, "rs485: target reported a non-zero error code", uint32(remoteErr[0]))
		}
	}

	payloadLen := bytesWithoutCRC
	if payloadLen > bufferSize {
		t.drain(bytesLeft, d)
		return Response{}, jigerr.New(jigerr.Rs485BufferTooSmall, "rs485: response payload exceeds caller buffer")
	}
	payload := make([]byte, payloadLen)
	if err := t.readFull(payload, d); err != nil {
		t.drain(bytesLeft-payloadLen, d)
		return Response{}, err
	}
	bytesLeft -= payloadLen

	if crcEnabled {
		var crcBuf [4]byte
		if err := t.readFull(crcBuf[:], d); err != nil {
			return Response{}, err
		}
		want := binary.LittleEndian.Uint32(crcBuf[:])
		got := CRC32(buildCRCBody(sizeBytes, respChar[0], remoteErrPresent, remoteErr[0], payload))
		if got != want {
			return Response{}, jigerr.WithCode(jigerr.Rs485CrcMismatch, "rs485: response CRC32 mismatch", got)
		}
	}

	return Response{CRCEnabled: crcEnabled, RemoteError: remoteErr[0], Payload: payload}, nil
}

// buildCRCBody reassembles the logical bytes the CRC32 covers: the
// size byte(s) as actually transmitted, the response character, the
// remote-error byte (only when the declared size left room for one),
// and the payload — everything except the CRC itself.
func buildCRCBody(sizeBytes []byte, respChar byte, remoteErrPresent bool, remoteErr byte, payload []byte) []byte {
	buf := make([]byte, 0, len(sizeBytes)+2+len(payload))
	buf = append(buf, sizeBytes...)
	buf = append(buf, respChar)
	if remoteErrPresent {
		buf = append(buf, remoteErr)
	}
	buf = append(buf, payload...)
	return buf
}
