// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package network turns L4 connectivity events of the network stack into a simple
// connected/disconnected signal.
//
// A fatal error of the connectivity layer restarts the device, there is no retry.
package network

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/metrics"
	"github.com/relabs-tech/pam8053/device/boot"
)

// StackEventKind is the kind of a network stack event
type StackEventKind int

// Network stack events
const (
	L4Connected StackEventKind = iota
	L4Disconnected
	ConnectivityFatalError
)

func (k StackEventKind) String() string {
	switch k {
	case L4Connected:
		return "L4_CONNECTED"
	case L4Disconnected:
		return "L4_DISCONNECTED"
	case ConnectivityFatalError:
		return "CONN_IF_FATAL_ERROR"
	}
	return "UNKNOWN"
}

// StackEvent is an event of the network stack
type StackEvent struct {
	Kind StackEventKind
	Err  error
}

// Stack is the network stack
type Stack interface {
	Up(ctx context.Context) error
	Connect(ctx context.Context) error
	// ResendStatus asks the stack to emit the current L4 state again
	ResendStatus(ctx context.Context) error
	Down(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Events() <-chan StackEvent
}

// Event is the event forwarded to the handler
type Event int

// Events
const (
	NetworkConnected Event = iota
	NetworkDisconnected
)

func (e Event) String() string {
	if e == NetworkConnected {
		return "NetworkConnected"
	}
	return "NetworkDisconnected"
}

// Handler receives network events
type Handler func(Event)

// Builder is a builder helper for the Manager
type Builder struct {
	// Stack is the network stack. This is mandatory.
	Stack Stack
	// Handler receives the network events. This is mandatory.
	Handler Handler
	// Rebooter restarts the device on fatal connectivity errors. This is mandatory.
	Rebooter boot.Rebooter
}

// Manager is the network connectivity manager
type Manager struct {
	stack    Stack
	handler  Handler
	rebooter boot.Rebooter
	log      *logrus.Entry

	// ready holds at most one pending connected signal
	ready     chan struct{}
	connected atomic.Bool
	startOnce sync.Once
}

// New returns a new network manager
func New(b *Builder) *Manager {
	if b.Stack == nil {
		panic("stack missing")
	}
	if b.Handler == nil {
		panic("handler missing")
	}
	if b.Rebooter == nil {
		panic("rebooter missing")
	}
	return &Manager{
		stack:    b.Stack,
		handler:  b.Handler,
		rebooter: b.Rebooter,
		log:      logger.ForComponent("network"),
		ready:    make(chan struct{}, 1),
	}
}

// Start consumes the events of the stack until ctx is done
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go func() {
			for {
				select {
				case ev, ok := <-m.stack.Events():
					if !ok {
						return
					}
					m.HandleStackEvent(ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// HandleStackEvent processes a single stack event
func (m *Manager) HandleStackEvent(ev StackEvent) {
	switch ev.Kind {
	case L4Connected:
		m.log.Info("network connectivity established and IP address assigned")
		m.connected.Store(true)
		metrics.SetNetworkConnected(true)
		select {
		case m.ready <- struct{}{}:
		default:
		}
		m.handler(NetworkConnected)
	case L4Disconnected:
		m.log.Info("network connectivity lost, no IP address assigned")
		m.connected.Store(false)
		metrics.SetNetworkConnected(false)
		m.handler(NetworkDisconnected)
	case ConnectivityFatalError:
		m.log.WithError(ev.Err).Error("fatal error from the connectivity layer")
		m.rebooter.Reboot(boot.Error, "connectivity layer fatal error")
	default:
		m.log.Warnf("unhandled stack event %d", ev.Kind)
	}
}

// Connected tells whether L4 connectivity is available
func (m *Manager) Connected() bool {
	return m.connected.Load()
}

// Connect brings the interfaces up and waits up to timeout for L4 connectivity
func (m *Manager) Connect(ctx context.Context, timeout time.Duration) error {
	if err := m.stack.Up(ctx); err != nil {
		m.log.WithError(err).Error("cannot bring interfaces up")
		return err
	}
	if err := m.stack.Connect(ctx); err != nil {
		m.log.WithError(err).Error("cannot connect interfaces")
		return err
	}
	// an interface that is already up does not emit a new event by itself
	if err := m.stack.ResendStatus(ctx); err != nil {
		m.log.WithError(err).Warn("cannot resend network status")
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-m.ready:
		m.log.Info("connected to network")
		return nil
	case <-timer.C:
		m.log.Errorf("no network connectivity within %s", timeout)
		return errs.Wrapf(errs.ErrTimeout, "no network connectivity within %s", timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect brings the interfaces down
func (m *Manager) Disconnect(ctx context.Context) error {
	if err := m.stack.Down(ctx); err != nil {
		m.log.WithError(err).Error("cannot bring interfaces down")
		return err
	}
	if err := m.stack.Disconnect(ctx); err != nil {
		m.log.WithError(err).Error("cannot disconnect interfaces")
		return err
	}
	m.log.Info("disconnected from network")
	return nil
}
