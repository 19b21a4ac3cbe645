// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package twin

import (
	"bytes"
	"context"
	"embed"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/metrics"
	"github.com/relabs-tech/pam8053/core/schema"
	"github.com/relabs-tech/pam8053/core/settings"
)

// Constants of the device twin document
const (
	// MaxNameLength is the maximum number of characters of an alarm name
	MaxNameLength = 64
	// DefaultBufferSize holds a report with two alarm names of MaxNameLength four-byte
	// characters
	DefaultBufferSize = 1024
	DefaultHeartbeat  = 300
	Model             = "PAM8002"
	UnknownSerialNo   = "UnknownSerialNo"
	ReportedSchemaID  = "https://pam8053.local/schemas/reported.json"
)

// Door states
const (
	DoorClosed uint8 = 0
	DoorOpen   uint8 = 1
	DoorLocked uint8 = 2
)

//go:embed schemas
var schemaFS embed.FS

// Config is the desired configuration of the device
type Config struct {
	HeartbeatInterval  uint16
	PowerMeterInterval uint16
	DoorStatus         uint8
	DoorCode           uint16
	Relay1             bool
	Relay2             bool
	Alarm0Priority     uint16
	Alarm0Name         string
	Alarm1Priority     uint16
	Alarm1Name         string
}

// DefaultConfig returns the configuration before the first twin update
func DefaultConfig() Config {
	return Config{HeartbeatInterval: DefaultHeartbeat}
}

// Callback is invoked after every applied desired document
type Callback func(Config)

// SerialSource looks up the serial number of the device
type SerialSource interface {
	Get(key string) (string, error)
}

// BandReader reads the mobile band from the modem
type BandReader interface {
	Band(ctx context.Context) (uint8, error)
}

// Reporter sends a reported document to the hub
type Reporter interface {
	SendReported(ctx context.Context, doc []byte) error
}

// Builder is a builder helper for the Synchronizer
type Builder struct {
	// Serials provides the serial number. Optional, UnknownSerialNo is reported without it.
	Serials SerialSource
	// Radio provides the mobile band. Optional, band 0 is reported without it.
	Radio BandReader
	// Reporter sends reported documents from Handle. Optional.
	Reporter Reporter
	// Callback is invoked after every apply. Optional.
	Callback Callback
	// FirmwareVersion is reported in the device info
	FirmwareVersion string
	// BufferSize bounds the reported document. Defaults to DefaultBufferSize.
	BufferSize int
}

// Synchronizer keeps the device configuration in sync with the device twin
type Synchronizer struct {
	serials   SerialSource
	radio     BandReader
	reporter  Reporter
	callback  Callback
	version   string
	size      int
	validator *schema.Validator
	log       *logrus.Entry

	// handleMu serializes complete apply and report cycles
	handleMu sync.Mutex
	mu       sync.RWMutex
	config   Config
}

// New returns a new device twin synchronizer
func New(b *Builder) *Synchronizer {
	validator, err := schema.NewValidatorFromFS(schemaFS, "schemas")
	if err != nil {
		panic(err)
	}
	size := b.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &Synchronizer{
		serials:   b.Serials,
		radio:     b.Radio,
		reporter:  b.Reporter,
		callback:  b.Callback,
		version:   b.FirmwareVersion,
		size:      size,
		validator: validator,
		log:       logger.ForComponent("twin"),
		config:    DefaultConfig(),
	}
}

// Config returns the current configuration
func (s *Synchronizer) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// AlarmChannel returns name and priority of alarm input channel 0 or 1
func (s *Synchronizer) AlarmChannel(channel int) (string, uint16, bool) {
	c := s.Config()
	switch channel {
	case 0:
		return c.Alarm0Name, c.Alarm0Priority, true
	case 1:
		return c.Alarm1Name, c.Alarm1Priority, true
	}
	return "", 0, false
}

// ApplyDesired applies a desired document and invokes the callback. The document is either
// a full twin with a "desired" object or a desired patch.
func (s *Synchronizer) ApplyDesired(raw []byte) Config {
	s.handleMu.Lock()
	c := s.apply(raw)
	s.handleMu.Unlock()
	s.notify(c)
	return c
}

// Handle applies a desired document, reports the resulting configuration and invokes the
// callback
func (s *Synchronizer) Handle(ctx context.Context, raw []byte) error {
	s.handleMu.Lock()
	c := s.apply(raw)
	err := s.report(ctx)
	s.handleMu.Unlock()
	s.notify(c)
	return err
}

// Report builds and sends the reported document
func (s *Synchronizer) Report(ctx context.Context) error {
	s.handleMu.Lock()
	defer s.handleMu.Unlock()
	return s.report(ctx)
}

func (s *Synchronizer) report(ctx context.Context) error {
	if s.reporter == nil {
		return nil
	}
	doc, err := s.BuildReported(ctx)
	if err != nil {
		s.log.WithError(err).Error("cannot build twin report")
		return err
	}
	if err := s.reporter.SendReported(ctx, doc); err != nil {
		s.log.WithError(err).Error("failed to send twin report")
		return err
	}
	metrics.RecordTwinUpdate("reported")
	s.log.Info("twin report sent successfully")
	return nil
}

func (s *Synchronizer) notify(c Config) {
	if s.callback != nil {
		s.callback(c)
	}
}

func (s *Synchronizer) apply(raw []byte) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.RecordTwinUpdate("desired")

	var root map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil || root == nil {
		s.log.WithError(err).Error("could not parse properties object")
		return s.config
	}
	desired, ok := root["desired"].(map[string]interface{})
	if !ok {
		s.log.Debug("incoming device twin document contains only the 'desired' object")
		desired = root
	}

	c := &s.config
	if section, ok := s.section(desired, "telemetryConfig"); ok {
		s.applyField(section, "heartbeatSendInterval", asInterval, func(v uint64) { c.HeartbeatInterval = uint16(v) })
		s.applyField(section, "powerMeterSendInterval", asInterval, func(v uint64) { c.PowerMeterInterval = uint16(v) })
	}
	if section, ok := s.section(desired, "doorStatus"); ok {
		s.applyField(section, "status", asDoorStatus, func(v uint64) { c.DoorStatus = uint8(v) })
		s.applyField(section, "code", asUint16, func(v uint64) { c.DoorCode = uint16(v) })
	}
	if section, ok := s.section(desired, "relayConfig"); ok {
		s.applyField(section, "relay1", asRelay, func(v uint64) { c.Relay1 = v != 0 })
		s.applyField(section, "relay2", asRelay, func(v uint64) { c.Relay2 = v != 0 })
	}
	if section, ok := s.section(desired, "u0Config"); ok {
		s.applyField(section, "alarm0Priority", asUint16, func(v uint64) { c.Alarm0Priority = uint16(v) })
		s.applyName(section, "alarm0Name", &c.Alarm0Name)
	}
	if section, ok := s.section(desired, "u1Config"); ok {
		s.applyField(section, "alarm1Priority", asUint16, func(v uint64) { c.Alarm1Priority = uint16(v) })
		s.applyName(section, "alarm1Name", &c.Alarm1Name)
	}
	return s.config
}

func (s *Synchronizer) section(doc map[string]interface{}, name string) (map[string]interface{}, bool) {
	v, present := doc[name]
	if !present {
		s.log.Debugf("no '%s' object found in the device twin document", name)
		return nil, false
	}
	section, ok := v.(map[string]interface{})
	if !ok {
		s.log.Errorf("invalid '%s' format received", name)
	}
	return section, ok
}

func (s *Synchronizer) applyField(section map[string]interface{}, name string, parse func(interface{}) (uint64, bool), set func(uint64)) {
	v, present := section[name]
	if !present {
		return
	}
	value, ok := parse(v)
	if !ok {
		s.log.Errorf("invalid %s format received: %v", name, v)
		return
	}
	set(value)
}

func (s *Synchronizer) applyName(section map[string]interface{}, name string, target *string) {
	v, present := section[name]
	if !present {
		return
	}
	str, ok := v.(string)
	if !ok {
		s.log.Errorf("invalid %s format received", name)
		return
	}
	if !utf8.ValidString(str) || strings.IndexFunc(str, unicode.IsControl) >= 0 {
		s.log.Errorf("%s contains invalid characters", name)
		return
	}
	if utf8.RuneCountInString(str) > MaxNameLength {
		s.log.Errorf("%s is longer than %d characters", name, MaxNameLength)
		return
	}
	*target = str
}

func asUint16(v interface{}) (uint64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	return numberInRange(string(n), 0xffff)
}

// asInterval accepts a number or a numeric string
func asInterval(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case json.Number:
		return numberInRange(string(t), 0xffff)
	case string:
		return numberInRange(strings.TrimSpace(t), 0xffff)
	}
	return 0, false
}

func asDoorStatus(v interface{}) (uint64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	return numberInRange(string(n), uint64(DoorLocked))
}

// asRelay accepts a number or a bool
func asRelay(v interface{}) (uint64, bool) {
	switch t := v.(type) {
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case json.Number:
		n, ok := numberInRange(string(t), 1)
		return n, ok
	}
	return 0, false
}

func numberInRange(s string, max uint64) (uint64, bool) {
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return n, n <= max
	}
	// fractional values are truncated
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 || f > float64(max) {
		return 0, false
	}
	return uint64(f), true
}

type telemetryConfig struct {
	HeartbeatSendInterval  uint16 `json:"heartbeatSendInterval"`
	PowerMeterSendInterval uint16 `json:"powerMeterSendInterval"`
}

type doorStatus struct {
	Status uint8  `json:"status"`
	Code   uint16 `json:"code"`
}

type relayConfig struct {
	Relay1 uint8 `json:"relay1"`
	Relay2 uint8 `json:"relay2"`
}

type u0Config struct {
	Alarm0Priority uint16 `json:"alarm0Priority"`
	Alarm0Name     string `json:"alarm0Name"`
}

type u1Config struct {
	Alarm1Priority uint16 `json:"alarm1Priority"`
	Alarm1Name     string `json:"alarm1Name"`
}

// DeviceInfo is the reported-only part of the twin
type DeviceInfo struct {
	SerialNo   string `json:"serialNo"`
	MobileBand uint8  `json:"mobileBand"`
	Version    string `json:"version"`
	Model      string `json:"model"`
}

// Reported is the reported twin document
type Reported struct {
	TelemetryConfig telemetryConfig `json:"telemetryConfig"`
	DoorStatus      doorStatus      `json:"doorStatus"`
	RelayConfig     relayConfig     `json:"relayConfig"`
	U0Config        u0Config        `json:"u0Config"`
	U1Config        u1Config        `json:"u1Config"`
	DeviceInfo      DeviceInfo      `json:"deviceInfo"`
}

func boolToUint8(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// NewReported returns the reported document of c
func NewReported(c Config, info DeviceInfo) Reported {
	return Reported{
		TelemetryConfig: telemetryConfig{c.HeartbeatInterval, c.PowerMeterInterval},
		DoorStatus:      doorStatus{c.DoorStatus, c.DoorCode},
		RelayConfig:     relayConfig{boolToUint8(c.Relay1), boolToUint8(c.Relay2)},
		U0Config:        u0Config{c.Alarm0Priority, c.Alarm0Name},
		U1Config:        u1Config{c.Alarm1Priority, c.Alarm1Name},
		DeviceInfo:      info,
	}
}

// DeviceInfo collects the device information for the report
func (s *Synchronizer) DeviceInfo(ctx context.Context) DeviceInfo {
	info := DeviceInfo{
		SerialNo: UnknownSerialNo,
		Version:  s.version,
		Model:    Model,
	}
	if s.serials != nil {
		serial, err := s.serials.Get(settings.KeySerialNo)
		if err != nil {
			s.log.WithError(err).Error("failed to get serial number from device settings")
		} else {
			info.SerialNo = serial
		}
	}
	if s.radio != nil {
		band, err := s.radio.Band(ctx)
		if err != nil {
			s.log.WithError(err).Warn("cannot read mobile band")
		} else {
			info.MobileBand = band
		}
	}
	return info
}

// BuildReported returns the reported document of the current configuration. A document
// that does not fit the buffer is an errs.ErrBufferOverflow error.
func (s *Synchronizer) BuildReported(ctx context.Context) ([]byte, error) {
	doc, err := json.MarshalNoEscape(NewReported(s.Config(), s.DeviceInfo(ctx)))
	if err != nil {
		return nil, err
	}
	if len(doc) > s.size {
		return nil, errs.Wrapf(errs.ErrBufferOverflow, "reported document of %d bytes exceeds %d", len(doc), s.size)
	}
	if err := s.validator.ValidateBytes(doc, ReportedSchemaID); err != nil {
		return nil, err
	}
	return doc, nil
}
