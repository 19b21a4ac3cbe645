// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package telemetry builds the telemetry messages of the device.
//
// A message carries the radio connection data read from the modem and a list of alarms.
// The heartbeat is an alarm of its own, sent at the interval configured in the device twin.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/pointers"
	"github.com/relabs-tech/pam8053/device/modem"
)

// MaxSize is the maximum size of a serialized telemetry message
const MaxSize = 1024

// TimestampFormat is the format of alarm event timestamps, always UTC
const TimestampFormat = "2006-01-02T15:04:05"

// Alarm types
const (
	AlarmTypeInput     uint8 = 1
	AlarmTypeHeartbeat uint8 = 2
)

// HeartbeatPriority is the priority of the heartbeat alarm
const HeartbeatPriority uint16 = 9

// RadioReader reads radio information from the modem
type RadioReader interface {
	Band(ctx context.Context) (uint8, error)
	SignalQuality(ctx context.Context) (modem.SignalQuality, error)
}

// AlarmChannels resolves name and priority of an alarm input channel
type AlarmChannels interface {
	AlarmChannel(channel int) (name string, priority uint16, ok bool)
}

// ConnectionData is the radio part of a telemetry message. Values the modem could not
// deliver are omitted.
type ConnectionData struct {
	RSRQLowDB  *float64 `json:"rsrq_low_dB,omitempty"`
	RSRPLowDBm *int     `json:"rsrp_low_dBm,omitempty"`
	Band       *uint8   `json:"band,omitempty"`
}

// Alarm is a single alarm of a telemetry message
type Alarm struct {
	AlarmID        string `json:"alarmId"`
	Name           string `json:"name"`
	Priority       uint16 `json:"priority"`
	Type           uint8  `json:"type"`
	Text           string `json:"text"`
	EventTimestamp string `json:"eventTimestamp"`
}

// Message is a telemetry message
type Message struct {
	ATCommandData ConnectionData `json:"atCommandData"`
	Alarms        []Alarm        `json:"alarms"`
}

// Range is the observed range of a radio value
type Range struct {
	Min, Max float64
	Valid    bool
}

func (r *Range) observe(v float64) {
	if !r.Valid {
		r.Min, r.Max, r.Valid = v, v, true
		return
	}
	if v < r.Min {
		r.Min = v
	}
	if v > r.Max {
		r.Max = v
	}
}

// Stats are the running ranges of the signal values
type Stats struct {
	RSRQLowDB  Range
	RSRPLowDBm Range
}

// Builder is a builder helper for the Telemetry
type Builder struct {
	// DeviceID is the id of the device. This is mandatory.
	DeviceID string
	// Radio reads the connection data. This is mandatory.
	Radio RadioReader
	// Channels resolves alarm input channels. Optional, channels are unnamed without it.
	Channels AlarmChannels
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Telemetry builds telemetry messages
type Telemetry struct {
	deviceID string
	radio    RadioReader
	channels AlarmChannels
	now      func() time.Time
	log      *logrus.Entry

	mu    sync.Mutex
	stats Stats
}

// New returns a new telemetry message builder
func New(b *Builder) *Telemetry {
	if len(b.DeviceID) == 0 {
		panic("device id missing")
	}
	if b.Radio == nil {
		panic("radio missing")
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	return &Telemetry{
		deviceID: b.DeviceID,
		radio:    b.Radio,
		channels: b.Channels,
		now:      now,
		log:      logger.ForComponent("telemetry"),
	}
}

// Stats returns the signal ranges observed so far
func (t *Telemetry) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// ConnectionData reads the current connection data from the modem
func (t *Telemetry) ConnectionData(ctx context.Context) ConnectionData {
	var data ConnectionData

	q, err := t.radio.SignalQuality(ctx)
	if err != nil {
		t.log.WithError(err).Error("unable to add rsrq and rsrp values to telemetry data")
	} else {
		data.RSRQLowDB = pointers.To(q.RSRQLowDB())
		data.RSRPLowDBm = pointers.To(q.RSRPLowDBm())
		t.mu.Lock()
		t.stats.RSRQLowDB.observe(*data.RSRQLowDB)
		t.stats.RSRPLowDBm.observe(float64(*data.RSRPLowDBm))
		t.mu.Unlock()
	}

	band, err := t.radio.Band(ctx)
	if err != nil {
		t.log.WithError(err).Error("unable to add band value to telemetry data")
	} else {
		data.Band = pointers.To(band)
	}
	return data
}

// Timestamp formats an alarm event timestamp
func Timestamp(at time.Time) string {
	return at.UTC().Format(TimestampFormat)
}

// HeartbeatAlarm returns the heartbeat alarm at the given time
func (t *Telemetry) HeartbeatAlarm(at time.Time) Alarm {
	return Alarm{
		AlarmID:        t.deviceID + "/HB",
		Name:           t.deviceID,
		Priority:       HeartbeatPriority,
		Type:           AlarmTypeHeartbeat,
		Text:           "Heartbeat",
		EventTimestamp: Timestamp(at),
	}
}

// ChannelAlarm returns the alarm of input channel 0 or 1. Name and priority come from
// the device twin configuration.
func (t *Telemetry) ChannelAlarm(channel int, text string, at time.Time) (Alarm, error) {
	if channel != 0 && channel != 1 {
		return Alarm{}, errs.Wrapf(errs.ErrInvalidInput, "alarm channel %d is not supported", channel)
	}
	alarm := Alarm{
		AlarmID:        fmt.Sprintf("%s/U%d", t.deviceID, channel),
		Type:           AlarmTypeInput,
		Text:           text,
		EventTimestamp: Timestamp(at),
	}
	if t.channels != nil {
		if name, priority, ok := t.channels.AlarmChannel(channel); ok {
			alarm.Name = name
			alarm.Priority = priority
		}
	}
	return alarm, nil
}

// Heartbeat returns the serialized heartbeat message
func (t *Telemetry) Heartbeat(ctx context.Context) ([]byte, error) {
	msg := Message{
		ATCommandData: t.ConnectionData(ctx),
		Alarms:        []Alarm{t.HeartbeatAlarm(t.now())},
	}
	return Marshal(msg)
}

// InputChanged returns the serialized message for a changed alarm input
func (t *Telemetry) InputChanged(ctx context.Context, channel int, active bool) ([]byte, error) {
	text := "Inactive"
	if active {
		text = "Active"
	}
	alarm, err := t.ChannelAlarm(channel, text, t.now())
	if err != nil {
		return nil, err
	}
	msg := Message{
		ATCommandData: t.ConnectionData(ctx),
		Alarms:        []Alarm{alarm},
	}
	return Marshal(msg)
}

// Marshal serializes msg, bounded by MaxSize
func Marshal(msg Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(body) > MaxSize {
		return nil, errs.Wrapf(errs.ErrBufferOverflow, "telemetry message of %d bytes exceeds %d", len(body), MaxSize)
	}
	return body, nil
}
