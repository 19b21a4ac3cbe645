// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package modem reads radio information from the cellular modem.
//
// Only two AT commands are used: %XCBAND for the current band and +CESQ for the
// signal quality.
package modem

import (
	"context"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
)

// Valid LTE band numbers
const (
	MinBand = 1
	MaxBand = 85
)

// ATChannel sends an AT command and returns the response
type ATChannel interface {
	Command(ctx context.Context, cmd string) (string, error)
}

// SignalQuality is the +CESQ response
type SignalQuality struct {
	RxLev uint8
	BER   uint8
	RSCP  uint8
	EcNo  uint8
	RSRQ  uint8
	RSRP  uint8
}

// RSRQLowDB is the lower bound of the reported RSRQ range in dB
func (q SignalQuality) RSRQLowDB() float64 {
	return (float64(q.RSRQ) - 40) / 2.0
}

// RSRPLowDBm is the lower bound of the reported RSRP range in dBm
func (q SignalQuality) RSRPLowDBm() int {
	return int(q.RSRP) - 141
}

// Modem reads radio information
type Modem struct {
	at  ATChannel
	log *logrus.Entry
}

// New returns a new modem reader
func New(at ATChannel) *Modem {
	if at == nil {
		panic("AT channel missing")
	}
	return &Modem{
		at:  at,
		log: logger.ForComponent("modem"),
	}
}

// Band returns the band the modem is using
func (m *Modem) Band(ctx context.Context) (uint8, error) {
	resp, err := m.at.Command(ctx, "AT%XCBAND")
	if err != nil {
		return 0, err
	}
	band, err := ParseBand(resp)
	if err != nil {
		m.log.WithError(err).Warnf("unexpected XCBAND response %q", resp)
	}
	return band, err
}

// SignalQuality returns the current signal quality
func (m *Modem) SignalQuality(ctx context.Context) (SignalQuality, error) {
	resp, err := m.at.Command(ctx, "AT+CESQ")
	if err != nil {
		return SignalQuality{}, err
	}
	q, err := ParseSignalQuality(resp)
	if err != nil {
		m.log.WithError(err).Warnf("unexpected CESQ response %q", resp)
	}
	return q, err
}

// ParseBand parses a "%XCBAND: <band>" response
func ParseBand(resp string) (uint8, error) {
	values, err := valuesAfterColon(resp, "")
	if err != nil || len(values) < 1 {
		return 0, errs.Wrapf(errs.ErrInvalidInput, "cannot parse band")
	}
	band, err := strconv.ParseUint(values[0], 10, 8)
	if err != nil {
		return 0, errs.Wrap(err, errs.ErrInvalidInput)
	}
	if band < MinBand || band > MaxBand {
		return 0, errs.Wrapf(errs.ErrInvalidInput, "band %d out of range", band)
	}
	return uint8(band), nil
}

// ParseSignalQuality parses a "+CESQ: <rxlev>,<ber>,<rscp>,<ecno>,<rsrq>,<rsrp>" response
func ParseSignalQuality(resp string) (SignalQuality, error) {
	values, err := valuesAfterColon(resp, "+CESQ:")
	if err != nil {
		return SignalQuality{}, err
	}
	if len(values) < 6 {
		return SignalQuality{}, errs.Wrapf(errs.ErrInvalidInput, "expected 6 values, got %d", len(values))
	}
	var parsed [6]uint8
	for i := range parsed {
		v, err := strconv.ParseUint(values[i], 10, 8)
		if err != nil {
			return SignalQuality{}, errs.Wrap(err, errs.ErrInvalidInput)
		}
		parsed[i] = uint8(v)
	}
	return SignalQuality{
		RxLev: parsed[0],
		BER:   parsed[1],
		RSCP:  parsed[2],
		EcNo:  parsed[3],
		RSRQ:  parsed[4],
		RSRP:  parsed[5],
	}, nil
}

// valuesAfterColon returns the comma separated values after the first colon of the
// line containing prefix
func valuesAfterColon(resp, prefix string) ([]string, error) {
	line := ""
	for _, l := range strings.Split(resp, "\n") {
		if strings.Contains(l, ":") && strings.Contains(l, prefix) {
			line = l
			break
		}
	}
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "unexpected response format")
	}
	fields := strings.Split(line[i+1:], ",")
	for j := range fields {
		fields[j] = strings.TrimSpace(fields[j])
	}
	return fields, nil
}
