package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// DefaultBaud is the link speed used when none is configured.
const DefaultBaud = 115200

// OpenPort opens a serial device in 8N1 mode and discards anything already
// buffered on it.
func OpenPort(device string, baud int) (serial.Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, fmt.Errorf("reset %s: %w", device, err)
	}
	return port, nil
}

// OpenSerial opens device and starts a UART transport on it.
func OpenSerial(device string, baud int, cfg UARTConfig) (*UART, error) {
	port, err := OpenPort(device, baud)
	if err != nil {
		return nil, err
	}
	return NewUART(port, cfg), nil
}

// SerialPorts lists the serial devices present on the system.
func SerialPorts() ([]string, error) {
	return serial.GetPortsList()
}
