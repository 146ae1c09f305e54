package pin

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver is a Driver backed by periph.io's gpioreg registry. Pin
// identifiers are periph pin names (e.g. "GPIO17"), looked up once at
// Open and cached.
type PeriphDriver struct {
	pins map[int]gpio.PinIO
	ids  []string
}

// Open initialises the periph.io host drivers and resolves each name
// in ids to a gpio.PinIO, addressed thereafter by its index into ids.
func Open(ids []string) (*PeriphDriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("pin: %w", err)
	}
	d := &PeriphDriver{
		pins: make(map[int]gpio.PinIO, len(ids)),
		ids:  ids,
	}
	for i, name := range ids {
		p := gpioreg.ByName(name)
		if p == nil {
			return nil, fmt.Errorf("pin: no such GPIO pin %q", name)
		}
		d.pins[i] = p
	}
	return d, nil
}

func (d *PeriphDriver) pin(p int) gpio.PinIO {
	pp, ok := d.pins[p]
	if !ok {
		panic(fmt.Sprintf("pin: unconfigured pin index %d", p))
	}
	return pp
}

func (d *PeriphDriver) SetMode(p int, mode Mode) {
	pp := d.pin(p)
	switch mode {
	case Output:
		pp.Out(gpio.Low)
	case Input:
		pp.In(gpio.PullNoChange, gpio.NoEdge)
	case InputPullUp:
		pp.In(gpio.PullUp, gpio.NoEdge)
	case InputPullDown:
		pp.In(gpio.PullDown, gpio.NoEdge)
	}
}

func (d *PeriphDriver) Write(p int, level bool) {
	d.pin(p).Out(gpio.Level(level))
}

func (d *PeriphDriver) Read(p int) bool {
	return d.pin(p).Read() == gpio.High
}

func (d *PeriphDriver) SleepMicros(us int) {
	SleepMicros(us)
}
