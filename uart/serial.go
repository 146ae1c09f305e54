//go:build !tinygo

package uart

import (
	"fmt"
	"time"

	"github.com/tarm/serial"
)

// pollInterval bounds how often serialPort re-issues Read while
// waiting out a ReadTimeout deadline; tarm/serial has no per-call
// deadline of its own, only a fixed Config.ReadTimeout.
const pollInterval = 2 * time.Millisecond

// serialPort adapts a tarm/serial.Port, which only supports one
// read timeout fixed at open time, to the per-call ReadTimeout Port
// needs.
type serialPort struct {
	p *serial.Port
}

// OpenSerial opens dev (e.g. "/dev/ttyUSB0", "COM3") at baud, portable
// across platforms lacking native RS-485 direction control.
func OpenSerial(dev string, baud int) (Port, error) {
	c := &serial.Config{Name: dev, Baud: baud, ReadTimeout: pollInterval}
	p, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", dev, err)
	}
	return &serialPort{p: p}, nil
}

func (s *serialPort) Write(p []byte) (int, error) {
	return s.p.Write(p)
}

func (s *serialPort) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		n, err := s.p.Read(p)
		if n > 0 || err != nil {
			return n, err
		}
		if time.Now().After(deadline) {
			return 0, nil
		}
	}
}

func (s *serialPort) Close() error {
	return s.p.Close()
}
