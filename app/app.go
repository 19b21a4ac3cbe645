// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package app runs the main loop of the device agent.
//
// Timers and the other components only post events to a bounded channel. A single loop
// consumes them, sends heartbeats and alarms, drives the relays from the device twin and
// supervises the hub connection.
//
// App.InputChanged is the entry point for the alarm inputs. The input driver of the board
// calls it on every edge.
package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/device/boot"
	"github.com/relabs-tech/pam8053/device/network"
	"github.com/relabs-tech/pam8053/iot/hub"
	"github.com/relabs-tech/pam8053/iot/twin"
)

const (
	// DefaultFirstHeartbeat is the delay of the first heartbeat after a hub connection
	DefaultFirstHeartbeat = 10 * time.Second
	// DefaultQueueSize bounds the event channel
	DefaultQueueSize = 16
	// TickSpec is the cron spec of the supervision tick
	TickSpec = "@every 1s"
)

// EventKind is the kind of an event of the main loop
type EventKind int

// Events of the main loop
const (
	EventTick EventKind = iota
	EventNetworkConnected
	EventNetworkDisconnected
	EventHubConnected
	EventHubDisconnected
	EventTwinApplied
	EventInputChanged
	EventConnectDone
)

var eventNames = map[EventKind]string{
	EventTick:                "Tick",
	EventNetworkConnected:    "NetworkConnected",
	EventNetworkDisconnected: "NetworkDisconnected",
	EventHubConnected:        "HubConnected",
	EventHubDisconnected:     "HubDisconnected",
	EventTwinApplied:         "TwinApplied",
	EventInputChanged:        "InputChanged",
	EventConnectDone:         "ConnectDone",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return "Unknown"
}

// Event is an event of the main loop
type Event struct {
	Kind    EventKind
	Config  twin.Config
	Channel int
	Active  bool
	Err     error
}

// Hub is the hub connection
type Hub interface {
	Connected() bool
	Connect(ctx context.Context) error
	SendTelemetry(ctx context.Context, payload []byte) error
}

// Network reports L4 connectivity
type Network interface {
	Connected() bool
}

// Messages builds telemetry messages
type Messages interface {
	Heartbeat(ctx context.Context) ([]byte, error)
	InputChanged(ctx context.Context, channel int, active bool) ([]byte, error)
}

// Actuators drives the outputs of the device. Relays are numbered from 1.
type Actuators interface {
	SetRelay(relay int, on bool) error
}

// Builder is a builder helper for the App
type Builder struct {
	// Hub is the hub connection. This is mandatory.
	Hub Hub
	// Network reports L4 connectivity. This is mandatory.
	Network Network
	// Messages builds the telemetry. This is mandatory.
	Messages Messages
	// Rebooter restarts the device when the hub stays unreachable. This is mandatory.
	Rebooter boot.Rebooter
	// Actuators switches the relays configured in the device twin. This is mandatory.
	Actuators Actuators
	// HeartbeatInterval is the interval in seconds until the twin says otherwise. Defaults
	// to twin.DefaultHeartbeat.
	HeartbeatInterval uint16
	// FirstHeartbeat defaults to DefaultFirstHeartbeat
	FirstHeartbeat time.Duration
	// QueueSize defaults to DefaultQueueSize
	QueueSize int
}

// App is the main loop
type App struct {
	hub       Hub
	network   Network
	messages  Messages
	rebooter  boot.Rebooter
	actuators Actuators
	events    chan Event
	log       *logrus.Entry

	relays [2]bool
	// switched marks relays whose state has been set at least once
	switched [2]bool

	first      int
	interval   int
	remaining  int
	connecting atomic.Bool
	dropped    atomic.Int64
}

// New returns a new main loop
func New(b *Builder) *App {
	if b.Hub == nil {
		panic("hub missing")
	}
	if b.Network == nil {
		panic("network missing")
	}
	if b.Messages == nil {
		panic("messages missing")
	}
	if b.Rebooter == nil {
		panic("rebooter missing")
	}
	if b.Actuators == nil {
		panic("actuators missing")
	}
	interval := b.HeartbeatInterval
	if interval == 0 {
		interval = twin.DefaultHeartbeat
	}
	first := b.FirstHeartbeat
	if first <= 0 {
		first = DefaultFirstHeartbeat
	}
	size := b.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &App{
		hub:       b.Hub,
		network:   b.Network,
		messages:  b.Messages,
		rebooter:  b.Rebooter,
		actuators: b.Actuators,
		events:    make(chan Event, size),
		log:       logger.ForComponent("app"),
		first:     int(first / time.Second),
		interval:  int(interval),
	}
}

// Post queues an event without blocking. An event is dropped when the queue is full.
func (a *App) Post(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		a.log.Warnf("event queue full, dropping %s", ev.Kind)
	}
}

// NetworkHandler is the handler for network events
func (a *App) NetworkHandler(ev network.Event) {
	if ev == network.NetworkConnected {
		a.Post(Event{Kind: EventNetworkConnected})
		return
	}
	a.Post(Event{Kind: EventNetworkDisconnected})
}

// HubHandler is the handler for hub notifications
func (a *App) HubHandler(n hub.Notification) {
	if n == hub.HubConnected {
		a.Post(Event{Kind: EventHubConnected})
		return
	}
	a.Post(Event{Kind: EventHubDisconnected})
}

// TwinCallback is the callback of the twin synchronizer
func (a *App) TwinCallback(c twin.Config) {
	a.Post(Event{Kind: EventTwinApplied, Config: c})
}

// InputChanged reports a change of an alarm input
func (a *App) InputChanged(channel int, active bool) {
	a.Post(Event{Kind: EventInputChanged, Channel: channel, Active: active})
}

// Run runs the loop until ctx is done
func (a *App) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(TickSpec, func() { a.Post(Event{Kind: EventTick}) }); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	a.log.Info("main loop running")
	for {
		select {
		case ev := <-a.events:
			a.Handle(ctx, ev)
		case <-ctx.Done():
			a.log.Info("main loop stopped")
			return nil
		}
	}
}

// Handle processes a single event
func (a *App) Handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventTick:
		a.tick(ctx)
	case EventNetworkConnected:
		a.log.Info("network connected")
		a.reconnect(ctx)
	case EventNetworkDisconnected:
		a.log.Info("network disconnected")
	case EventHubConnected:
		a.log.Info("hub connected")
		a.remaining = a.first
	case EventHubDisconnected:
		a.log.Info("hub disconnected")
		a.remaining = 0
	case EventTwinApplied:
		a.interval = int(ev.Config.HeartbeatInterval)
		a.log.Infof("heartbeat interval %ds", a.interval)
		if a.hub.Connected() {
			a.remaining = a.interval
		}
		a.applyOutputs(ev.Config)
	case EventInputChanged:
		a.sendInput(ctx, ev.Channel, ev.Active)
	case EventConnectDone:
		a.connectDone(ev.Err)
	}
}

func (a *App) tick(ctx context.Context) {
	if !a.hub.Connected() {
		a.reconnect(ctx)
		return
	}
	if a.remaining <= 0 {
		return
	}
	a.remaining--
	if a.remaining > 0 {
		return
	}
	a.remaining = a.interval
	a.sendHeartbeat(ctx)
}

// reconnect starts a connect in the background unless one is running
func (a *App) reconnect(ctx context.Context) {
	if !a.network.Connected() || a.hub.Connected() {
		return
	}
	if !a.connecting.CompareAndSwap(false, true) {
		return
	}
	a.log.Info("connecting to hub")
	go func() {
		err := a.hub.Connect(ctx)
		a.connecting.Store(false)
		a.Post(Event{Kind: EventConnectDone, Err: err})
	}()
}

func (a *App) connectDone(err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return
	case errors.Is(err, errs.ErrTransientConnection), errs.IsFatal(err):
		a.log.WithError(err).Error("hub unreachable")
		a.rebooter.Reboot(boot.Error, "hub connection failed")
	default:
		a.log.WithError(err).Warn("hub connect failed")
	}
}

// applyOutputs switches relays whose desired state changed and logs the door state
func (a *App) applyOutputs(c twin.Config) {
	desired := [2]bool{c.Relay1, c.Relay2}
	for i, on := range desired {
		if a.switched[i] && a.relays[i] == on {
			continue
		}
		if err := a.actuators.SetRelay(i+1, on); err != nil {
			a.log.WithError(err).Errorf("cannot switch relay %d", i+1)
			continue
		}
		a.relays[i] = on
		a.switched[i] = true
	}
	a.log.Infof("door %s, code %d", doorName(c.DoorStatus), c.DoorCode)
}

func doorName(status uint8) string {
	switch status {
	case twin.DoorClosed:
		return "closed"
	case twin.DoorOpen:
		return "open"
	case twin.DoorLocked:
		return "locked"
	}
	return "unknown"
}

func (a *App) sendHeartbeat(ctx context.Context) {
	payload, err := a.messages.Heartbeat(ctx)
	if err != nil {
		a.log.WithError(err).Error("cannot build heartbeat")
		return
	}
	if err := a.hub.SendTelemetry(ctx, payload); err != nil {
		a.log.WithError(err).Warn("heartbeat not sent")
	}
}

func (a *App) sendInput(ctx context.Context, channel int, active bool) {
	if !a.hub.Connected() {
		a.log.Warnf("hub not connected, input %d change not sent", channel)
		return
	}
	payload, err := a.messages.InputChanged(ctx, channel, active)
	if err != nil {
		a.log.WithError(err).Errorf("cannot build alarm for input %d", channel)
		return
	}
	if err := a.hub.SendTelemetry(ctx, payload); err != nil {
		a.log.WithError(err).Warnf("alarm for input %d not sent", channel)
	}
}

// Dropped returns the number of events dropped because the queue was full
func (a *App) Dropped() int64 {
	return a.dropped.Load()
}
