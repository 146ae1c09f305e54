// Command jig drives one unit through the SWD program/verify/run
// pipeline, or exercises the RS-485 acceptance-test link against a
// booted target.
//
// Subcommand program attaches over SWD, mass-erases, programs a
// firmware image, verifies it, and releases the target to run.
// Subcommand rs485-test sends one framed RS-485 command and prints
// the decoded response.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"swdjig.dev/dap"
	"swdjig.dev/firmware"
	"swdjig.dev/pin"
	"swdjig.dev/programmer"
	"swdjig.dev/rs485"
	"swdjig.dev/swdphy"
)

var (
	programCmd = flag.NewFlagSet("program", flag.ExitOnError)
	fwPath     = programCmd.String("fw", "", "path to the firmware image")
	gpioNames  = programCmd.String("gpios", "", "comma-separated SWCLK,SWDIO,NRST periph.io pin names")
	baseAddr   = programCmd.String("base", "0x08000000", "flash base address (hex or decimal)")
	serialNum  = programCmd.Uint("serial", 0, "per-unit serial number to inject (0 disables injection)")
	uniqueID   = programCmd.String("uniqueid", "", "per-unit unique ID to inject, hex (requires -serial)")
	infoOffset = programCmd.Uint("product-info-offset", 0, "byte offset of the serial/unique-ID struct within the first flash block")
	pubKeyHex  = programCmd.String("pubkey", "", "raw 64-byte hex-encoded X||Y public key; verifies the image before programming")
	sigHex     = programCmd.String("sig", "", "raw 64-byte hex-encoded R||S signature; requires -pubkey")

	rs485Cmd    = flag.NewFlagSet("rs485-test", flag.ExitOnError)
	devPath     = rs485Cmd.String("dev", "", "serial device path")
	backend     = rs485Cmd.String("backend", "rs485", "port backend: rs485 (native RS-485 ioctl, Linux only) or serial (portable)")
	baud        = rs485Cmd.Int("baud", 115200, "baud rate")
	aliasAddr   = rs485Cmd.Uint("alias", 0, "1-byte alias address")
	uidAddr     = rs485Cmd.String("uid", "", "8-byte unique-ID address, hex (overrides -alias)")
	command     = rs485Cmd.Uint("cmd", 0, "command byte")
	payloadHex  = rs485Cmd.String("payload", "", "command payload, hex-encoded")
	crcEnabled  = rs485Cmd.Bool("crc", true, "append a CRC32 to the sent packet")
	bufSize     = rs485Cmd.Int("bufsize", 64, "max response payload size")
	timeout     = rs485Cmd.Duration("timeout", time.Second, "response deadline")
)

func main() {
	if len(os.Args) <= 1 {
		fmt.Fprintf(os.Stderr, "jig: specify 'program' or 'rs485-test'\n")
		os.Exit(2)
	}
	args := os.Args[2:]
	var err error
	switch cmd := os.Args[1]; cmd {
	case "program":
		if err := programCmd.Parse(args); err != nil {
			programCmd.Usage()
		}
		err = runProgram()
	case "rs485-test":
		if err := rs485Cmd.Parse(args); err != nil {
			rs485Cmd.Usage()
		}
		err = runRS485Test()
	default:
		fmt.Fprintf(os.Stderr, "jig: unknown command: %q\n", cmd)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "jig: %v\n", err)
		os.Exit(2)
	}
}

func runProgram() error {
	if *fwPath == "" {
		return fmt.Errorf("program: specify -fw <path>")
	}
	base, err := strconv.ParseUint(*baseAddr, 0, 32)
	if err != nil {
		return fmt.Errorf("program: invalid -base %q: %w", *baseAddr, err)
	}

	f, err := os.Open(*fwPath)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}
	var img firmware.Reader = firmware.NewFileReader(f, uint32(fi.Size()))

	if *serialNum != 0 {
		var uid uint64
		if *uniqueID != "" {
			uid, err = strconv.ParseUint(strings.TrimPrefix(*uniqueID, "0x"), 16, 64)
			if err != nil {
				return fmt.Errorf("program: invalid -uniqueid %q: %w", *uniqueID, err)
			}
		}
		img = &firmware.ProductInfoInjector{
			Base:     img,
			Offset:   uint32(*infoOffset),
			Serial:   uint32(*serialNum),
			UniqueID: uid,
		}
	}

	if *pubKeyHex != "" {
		if *sigHex == "" {
			return fmt.Errorf("program: -pubkey requires -sig")
		}
		pub, err := decode64(*pubKeyHex, "pubkey")
		if err != nil {
			return fmt.Errorf("program: %w", err)
		}
		sig, err := decode64(*sigHex, "sig")
		if err != nil {
			return fmt.Errorf("program: %w", err)
		}
		if err := firmware.VerifySignature(img, firmware.Signature{PubKey: pub, Sig: sig}); err != nil {
			return fmt.Errorf("program: signature check failed: %w", err)
		}
	}

	names := strings.Split(*gpioNames, ",")
	if len(names) != 3 {
		return fmt.Errorf("program: -gpios must name exactly SWCLK,SWDIO,NRST")
	}
	drv, err := pin.Open(names)
	if err != nil {
		return fmt.Errorf("program: %w", err)
	}

	phy := swdphy.New(drv, swdphy.Pins{SWCLK: 0, SWDIO: 1, NRST: 2})
	t := dap.NewTransactor(phy)
	prog := programmer.New(t, uint32(base))

	result := prog.Run(img)
	if result.EraseWarn != nil {
		fmt.Fprintf(os.Stderr, "jig: mass erase: %v\n", result.EraseWarn)
	}
	for _, m := range result.Mismatches {
		fmt.Fprintf(os.Stderr, "jig: verify mismatch @%#x: want %#08x, got %#08x (re-read %#08x)\n",
			m.Addr, m.Want, m.Got, m.SafeRead)
	}
	if result.Total > len(result.Mismatches) {
		fmt.Fprintf(os.Stderr, "jig: %d additional mismatch(es) not shown\n", result.Total-len(result.Mismatches))
	}
	if result.Err != nil {
		return fmt.Errorf("%s: %w", result.State, result.Err)
	}
	fmt.Printf("jig: %s\n", result.State)
	return nil
}

func decode64(s, name string) ([64]byte, error) {
	var out [64]byte
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, fmt.Errorf("invalid -%s: %w", name, err)
	}
	if len(b) != 64 {
		return out, fmt.Errorf("-%s must be 64 bytes, got %d", name, len(b))
	}
	copy(out[:], b)
	return out, nil
}

func runRS485Test() error {
	if *devPath == "" {
		return fmt.Errorf("rs485-test: specify -dev <path>")
	}
	port, err := openPort(*backend, *devPath, *baud)
	if err != nil {
		return fmt.Errorf("rs485-test: %w", err)
	}
	defer port.Close()

	payload, err := hex.DecodeString(strings.TrimPrefix(*payloadHex, "0x"))
	if err != nil {
		return fmt.Errorf("rs485-test: invalid -payload: %w", err)
	}

	addr := rs485.AliasAddress(uint8(*aliasAddr))
	if *uidAddr != "" {
		uid, err := strconv.ParseUint(strings.TrimPrefix(*uidAddr, "0x"), 16, 64)
		if err != nil {
			return fmt.Errorf("rs485-test: invalid -uid: %w", err)
		}
		addr = rs485.UniqueIDAddress(uid)
	}

	tr := rs485.NewTransport(port)
	tr.Cfg.Timeout = *timeout
	pkt := rs485.Packet{Addr: addr, Command: uint8(*command), Payload: payload, CRCEnabled: *crcEnabled}
	if err := tr.SendCommand(pkt); err != nil {
		return fmt.Errorf("rs485-test: send: %w", err)
	}
	resp, err := tr.GetResponse(*bufSize)
	if err != nil {
		return fmt.Errorf("rs485-test: receive: %w", err)
	}
	fmt.Printf("remote_error=%d payload=%x\n", resp.RemoteError, resp.Payload)
	return nil
}
