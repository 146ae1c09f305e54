//go:build linux

package main

import (
	"fmt"

	"swdjig.dev/uart"
)

func openPort(backend, dev string, baud int) (uart.Port, error) {
	switch backend {
	case "rs485":
		return uart.OpenRS485Linux(dev, baud)
	case "serial":
		return uart.OpenSerial(dev, baud)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
