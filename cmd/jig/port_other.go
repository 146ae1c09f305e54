//go:build !linux

package main

import (
	"fmt"

	"swdjig.dev/uart"
)

func openPort(backend, dev string, baud int) (uart.Port, error) {
	if backend != "serial" {
		return nil, fmt.Errorf("backend %q requires Linux; use -backend serial", backend)
	}
	return uart.OpenSerial(dev, baud)
}
