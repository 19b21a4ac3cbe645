// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package network

import (
	"context"
	"net"
	"sync"
	"time"
)

// LinkMonitor is a Stack for hosts where the modem is a network interface. The interface
// is L4 connected while it is up and has a global unicast address.
type LinkMonitor struct {
	name     string
	interval time.Duration
	lookup   func(name string) (bool, error)

	events chan StackEvent
	kick   chan struct{}

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewLinkMonitor returns a link monitor for the named interface
func NewLinkMonitor(name string, interval time.Duration) *LinkMonitor {
	if interval == 0 {
		interval = 2 * time.Second
	}
	return &LinkMonitor{
		name:     name,
		interval: interval,
		lookup:   hasGlobalAddress,
		events:   make(chan StackEvent, 4),
		kick:     make(chan struct{}, 1),
	}
}

// Up starts monitoring the interface
func (l *LinkMonitor) Up(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	pctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	go l.poll(pctx)
	return nil
}

// Connect is a no-op, the modem attaches on its own
func (l *LinkMonitor) Connect(ctx context.Context) error {
	return nil
}

// ResendStatus emits the current state with the next poll
func (l *LinkMonitor) ResendStatus(ctx context.Context) error {
	select {
	case l.kick <- struct{}{}:
	default:
	}
	return nil
}

// Down stops monitoring the interface
func (l *LinkMonitor) Down(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	return nil
}

// Disconnect is a no-op
func (l *LinkMonitor) Disconnect(ctx context.Context) error {
	return nil
}

// Events returns the L4 events
func (l *LinkMonitor) Events() <-chan StackEvent {
	return l.events
}

func (l *LinkMonitor) poll(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	known := false
	first := true
	for {
		connected, _ := l.lookup(l.name)
		force := false
		select {
		case <-l.kick:
			force = true
		default:
		}
		if first || force || connected != known {
			ev := StackEvent{Kind: L4Disconnected}
			if connected {
				ev.Kind = L4Connected
			}
			select {
			case l.events <- ev:
				known = connected
				first = false
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-ticker.C:
		case <-l.kick:
			// put it back so the next round resends
			select {
			case l.kick <- struct{}{}:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

func hasGlobalAddress(name string) (bool, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return false, err
	}
	if iface.Flags&net.FlagUp == 0 {
		return false, nil
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return false, err
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.IsGlobalUnicast() {
			return true, nil
		}
	}
	return false, nil
}
