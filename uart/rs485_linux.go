//go:build linux

package uart

import (
	"fmt"
	"time"

	goserial "github.com/daedaluz/goserial"
)

// rs485Baud maps the jig's supported baud rates to termios speed
// constants; OpenRS485Linux rejects any other rate.
var rs485Baud = map[int]goserial.CFlag{
	9600:   goserial.B9600,
	19200:  goserial.B19200,
	38400:  goserial.B38400,
	57600:  goserial.B57600,
	115200: goserial.B115200,
}

type rs485Port struct {
	p *goserial.Port
}

// OpenRS485Linux opens dev in native RS-485 mode: raw termios at
// baud, plus TIOCSRS485 to let the kernel toggle the transceiver's
// direction line around each transmit instead of software bit-banging
// it, giving a tighter turnaround than OpenSerial.
func OpenRS485Linux(dev string, baud int) (Port, error) {
	speed, ok := rs485Baud[baud]
	if !ok {
		return nil, fmt.Errorf("uart: unsupported baud rate %d", baud)
	}
	p, err := goserial.Open(dev, goserial.NewOptions())
	if err != nil {
		return nil, fmt.Errorf("uart: open %s: %w", dev, err)
	}
	if err := p.MakeRaw(); err != nil {
		p.Close()
		return nil, fmt.Errorf("uart: %s: make raw: %w", dev, err)
	}
	attrs, err := p.GetAttr2()
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("uart: %s: get attr: %w", dev, err)
	}
	attrs.SetSpeed(speed)
	if err := p.SetAttr2(goserial.TCSANOW, attrs); err != nil {
		p.Close()
		return nil, fmt.Errorf("uart: %s: set speed: %w", dev, err)
	}
	if err := p.SetRS485(&goserial.RS485{Flags: goserial.RS485Enabled | goserial.RS485RTSOnSend}); err != nil {
		p.Close()
		return nil, fmt.Errorf("uart: %s: enable RS485 mode: %w", dev, err)
	}
	return &rs485Port{p: p}, nil
}

func (r *rs485Port) Write(p []byte) (int, error) {
	return r.p.Write(p)
}

func (r *rs485Port) ReadTimeout(p []byte, timeout time.Duration) (int, error) {
	return r.p.ReadTimeout(p, timeout)
}

func (r *rs485Port) Close() error {
	return r.p.Close()
}
