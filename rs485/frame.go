// Package rs485 implements the jig's framed RS-485 wire protocol: a
// length-prefixed, optionally CRC32-protected packet format with
// 1-byte alias or 8-byte unique-ID addressing, and a half-duplex
// Transport with deadline-based receive and drain-on-error recovery.
package rs485

import (
	"encoding/binary"
	"fmt"

	"swdjig.dev/jigerr"
)

const (
	// decodedExtendedSize is the sentinel decoded-size value that
	// means "the real total length follows as a 16-bit LE field".
	decodedExtendedSize = 0x7F
	// extendedAddressMarker replaces the 1-byte alias when a packet
	// addresses a target by its 8-byte unique ID.
	extendedAddressMarker = 0xFF

	RespCRC32Enabled  = 0x01
	RespCRC32Disabled = 0x00
)

// Address is either a 1-byte locally assigned alias or an 8-byte
// factory-programmed unique ID.
type Address struct {
	Extended bool
	Alias    uint8
	UniqueID uint64
}

// AliasAddress addresses a target by its 1-byte alias.
func AliasAddress(alias uint8) Address { return Address{Alias: alias} }

// UniqueIDAddress addresses a target by its 8-byte unique ID.
func UniqueIDAddress(id uint64) Address { return Address{Extended: true, UniqueID: id} }

func (a Address) encodedSize() int {
	if a.Extended {
		return 1 + 8
	}
	return 1
}

func (a Address) appendTo(buf []byte) []byte {
	if a.Extended {
		buf = append(buf, extendedAddressMarker)
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], a.UniqueID)
		return append(buf, id[:]...)
	}
	return append(buf, a.Alias)
}

// Packet is a logical outbound RS-485 message.
type Packet struct {
	Addr       Address
	Command    uint8
	Payload    []byte
	CRCEnabled bool
}

// Response is a logical inbound RS-485 reply.
type Response struct {
	CRCEnabled  bool
	RemoteError uint8
	Payload     []byte
}

func encodeFirstByte(decoded uint8) uint8 { return decoded<<1 | 1 }
func decodeFirstByte(b uint8) uint8       { return b >> 1 }
func isValidFirstByte(b uint8) bool       { return b&1 == 1 }

// sizeHeader returns the size byte(s) for a frame of the given
// logical length, and the final total length once that header is
// itself accounted for.
func sizeHeader(total int) ([]byte, int, error) {
	if total < decodedExtendedSize {
		return []byte{encodeFirstByte(uint8(total))}, total, nil
	}
	extTotal := total + 2
	if extTotal > 0xFFFF {
		return nil, 0, fmt.Errorf("rs485: packet too large: %d bytes", extTotal)
	}
	hdr := make([]byte, 3)
	hdr[0] = encodeFirstByte(decodedExtendedSize)
	binary.LittleEndian.PutUint16(hdr[1:], uint16(extTotal))
	return hdr, extTotal, nil
}

// EncodePacket serializes p to its wire form, computing the CRC (if
// enabled) before returning so the caller transmits CRC and payload
// back to back with no gap.
func EncodePacket(p Packet) ([]byte, error) {
	total := 1 + p.Addr.encodedSize() + 1 + len(p.Payload)
	if p.CRCEnabled {
		total += 4
	}
	hdr, _, err := sizeHeader(total)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, total+2)
	buf = append(buf, hdr...)
	buf = p.Addr.appendTo(buf)
	buf = append(buf, p.Command)
	buf = append(buf, p.Payload...)
	if p.CRCEnabled {
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], CRC32(buf))
		buf = append(buf, crc[:]...)
	}
	return buf, nil
}

// EncodeResponse serializes r to its wire form. It exists mainly to
// let tests and target simulators produce responses a real Transport
// can decode.
func EncodeResponse(r Response) ([]byte, error) {
	total := 1 + 1 + 1 + len(r.Payload)
	if r.CRCEnabled {
		total += 4
	}
	hdr, _, err := sizeHeader(total)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, total+2)
	buf = append(buf, hdr...)
	respChar := byte(RespCRC32Disabled)
	if r.CRCEnabled {
		respChar = RespCRC32Enabled
	}
	buf = append(buf, respChar, r.RemoteError)
	buf = append(buf, r.Payload...)
	if r.CRCEnabled {
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], CRC32(buf))
		buf = append(buf, crc[:]...)
	}
	return buf, nil
}

// DecodePacket parses a complete, already-received packet buffer
// (the same bytes EncodePacket produces), given whether the sender
// appended a trailing CRC32. It exists for tests and target
// simulators: the live receive path in Transport decodes a Response
// incrementally off the wire instead.
func DecodePacket(buf []byte, crcEnabled bool) (Packet, error) {
	if len(buf) < 1 {
		return Packet{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: empty packet")
	}
	if !isValidFirstByte(buf[0]) {
		return Packet{}, jigerr.New(jigerr.Rs485BadFirstByte, "rs485: size byte LSB is not 1")
	}
	rest := buf[1:]
	decoded := decodeFirstByte(buf[0])
	if decoded == decodedExtendedSize {
		if len(rest) < 2 {
			return Packet{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: truncated extended size")
		}
		rest = rest[2:]
	}
	if len(rest) < 2 {
		return Packet{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: packet too small for address+command")
	}
	var addr Address
	if rest[0] == extendedAddressMarker {
		if len(rest) < 1+8+1 {
			return Packet{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: truncated unique-ID address")
		}
		addr = Address{Extended: true, UniqueID: binary.LittleEndian.Uint64(rest[1:9])}
		rest = rest[9:]
	} else {
		addr = Address{Alias: rest[0]}
		rest = rest[1:]
	}
	command := rest[0]
	rest = rest[1:]

	if crcEnabled {
		if len(rest) < 4 {
			return Packet{}, jigerr.New(jigerr.Rs485PacketTooSmall, "rs485: packet too small to hold CRC32")
		}
		want := binary.LittleEndian.Uint32(rest[len(rest)-4:])
		body := buf[:len(buf)-4]
		if got := CRC32(body); got != want {
			return Packet{}, jigerr.WithCode(jigerr.Rs485CrcMismatch, "rs485: packet CRC32 mismatch", got)
		}
		rest = rest[:len(rest)-4]
	}
	return Packet{Addr: addr, Command: command, Payload: append([]byte(nil), rest...), CRCEnabled: crcEnabled}, nil
}
