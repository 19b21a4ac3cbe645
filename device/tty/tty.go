// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package tty opens serial lines in raw mode
package tty

import (
	"strings"

	"go.bug.st/serial"

	"github.com/relabs-tech/pam8053/core/errs"
)

// DefaultBaudRate is the baud rate of the modem and the console
const DefaultBaudRate = 115200

// Options describes the line settings of a serial device
type Options struct {
	// BaudRate defaults to DefaultBaudRate
	BaudRate int
	// DataBits defaults to 8
	DataBits int
	// Parity is one of "none", "odd" or "even". Defaults to "none".
	Parity string
	// StopBits is 1 or 2. Defaults to 1.
	StopBits int
}

// Mode returns the serial mode for o
func (o Options) Mode() (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: o.BaudRate,
		DataBits: o.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate == 0 {
		mode.BaudRate = DefaultBaudRate
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "%d data bits", o.DataBits)
	}
	switch strings.ToLower(o.Parity) {
	case "", "none":
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		return nil, errs.Wrapf(errs.ErrInvalidInput, "parity %q", o.Parity)
	}
	switch o.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, errs.Wrapf(errs.ErrInvalidInput, "%d stop bits", o.StopBits)
	}
	return mode, nil
}

// Open opens the serial device at path. The line is raw: no echo, no line editing.
func Open(path string, o Options) (serial.Port, error) {
	mode, err := o.Mode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}
