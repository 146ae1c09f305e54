// Package uart provides the byte-level transports rs485.Transport
// runs over: a portable tarm/serial backend, and a Linux RS-485
// ioctl-mode backend via daedaluz/goserial for native half-duplex
// direction switching.
package uart

import "time"

// Port is the byte-level transport rs485.Transport drives. ReadTimeout
// blocks for at most timeout waiting for at least one byte; a timeout
// with no bytes read returns (0, nil), matching the read-then-check-n
// convention both backing libraries use.
type Port interface {
	Write(p []byte) (int, error)
	ReadTimeout(p []byte, timeout time.Duration) (int, error)
	Close() error
}
