// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package modem

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/device/tty"
)

// DefaultCommandTimeout bounds a single AT command
const DefaultCommandTimeout = 5 * time.Second

// Serial is an AT channel over a character device
type Serial struct {
	w       io.Writer
	closer  io.Closer
	timeout time.Duration

	mu     sync.Mutex
	lines  chan string
	closed chan struct{}
}

// OpenSerial opens the AT channel of the modem at path
func OpenSerial(path string, o tty.Options) (*Serial, error) {
	port, err := tty.Open(path, o)
	if err != nil {
		return nil, err
	}
	s := NewSerial(port, DefaultCommandTimeout)
	s.closer = port
	return s, nil
}

// NewSerial returns an AT channel over rw
func NewSerial(rw io.ReadWriter, timeout time.Duration) *Serial {
	if timeout == 0 {
		timeout = DefaultCommandTimeout
	}
	s := &Serial{
		w:       rw,
		timeout: timeout,
		lines:   make(chan string, 16),
		closed:  make(chan struct{}),
	}
	go s.readLoop(rw)
	return s
}

func (s *Serial) readLoop(r io.Reader) {
	defer close(s.closed)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		select {
		case s.lines <- line:
		default:
			// buffer full, drop unsolicited output
		}
	}
}

// Close closes the underlying device
func (s *Serial) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Command sends cmd and returns the response lines before the final OK.
func (s *Serial) Command(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.lines) > 0 {
		<-s.lines
	}
	if _, err := fmt.Fprintf(s.w, "%s\r\n", cmd); err != nil {
		return "", err
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	var resp []string
	for {
		select {
		case line := <-s.lines:
			switch {
			case line == cmd:
				// echo
			case line == "OK":
				return strings.Join(resp, "\n"), nil
			case line == "ERROR" || strings.HasPrefix(line, "+CME ERROR") || strings.HasPrefix(line, "+CMS ERROR"):
				return "", fmt.Errorf("%s: %s", cmd, line)
			default:
				resp = append(resp, line)
			}
		case <-s.closed:
			return "", errs.Wrapf(errs.ErrNotReady, "modem channel closed")
		case <-timer.C:
			return "", errs.Wrapf(errs.ErrTimeout, "%s: no response within %s", cmd, s.timeout)
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
