// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package provisioning

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
)

const (
	// QueueSize is the number of complete lines the console buffers
	QueueSize = 5
	// MaxLineLength bounds a console line; further characters are dropped
	MaxLineLength = 4096
)

// Console is the line oriented operator console of the provisioning engine.
//
// Lines are terminated by CR or LF, empty lines are ignored. Complete lines are queued;
// when the queue is full new lines are dropped.
type Console struct {
	r   io.Reader
	w   io.Writer
	log *logrus.Entry

	lines     chan string
	closed    chan struct{}
	startOnce sync.Once
	wmux      sync.Mutex
}

// NewConsole returns a console reading from r and writing prompts to w
func NewConsole(r io.Reader, w io.Writer) *Console {
	if r == nil || w == nil {
		panic("console reader or writer missing")
	}
	return &Console{
		r:      r,
		w:      w,
		log:    logger.ForComponent("console"),
		lines:  make(chan string, QueueSize),
		closed: make(chan struct{}),
	}
}

// Ready starts the reader. It fails when the console input is already closed.
func (c *Console) Ready() error {
	c.startOnce.Do(func() {
		go c.readLoop()
	})
	select {
	case <-c.closed:
		if len(c.lines) == 0 {
			return errs.Wrapf(errs.ErrNotReady, "console closed")
		}
	default:
	}
	return nil
}

func (c *Console) readLoop() {
	defer close(c.closed)
	br := bufio.NewReader(c.r)
	buf := make([]byte, 0, 256)
	for {
		b, err := br.ReadByte()
		if err != nil {
			if err != io.EOF {
				c.log.WithError(err).Error("console read failed")
			}
			c.push(buf)
			return
		}
		switch b {
		case '\r', '\n':
			c.push(buf)
			buf = buf[:0]
		default:
			if len(buf) < MaxLineLength {
				buf = append(buf, b)
			}
		}
	}
}

func (c *Console) push(line []byte) {
	if len(line) == 0 {
		return
	}
	select {
	case c.lines <- string(line):
	default:
		c.log.Warn("console queue full, line dropped")
	}
}

// ReadLine returns the next line. It returns an ErrTimeout error if no line arrives
// within timeout or the console input has been closed.
func (c *Console) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case line := <-c.lines:
		return line, nil
	default:
	}
	select {
	case line := <-c.lines:
		return line, nil
	case <-c.closed:
		select {
		case line := <-c.lines:
			return line, nil
		default:
		}
		return "", errs.Wrapf(errs.ErrTimeout, "console closed")
	case <-timer.C:
		return "", errs.Wrapf(errs.ErrTimeout, "no input within %s", timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Printf writes a prompt to the console
func (c *Console) Printf(format string, args ...interface{}) {
	c.wmux.Lock()
	defer c.wmux.Unlock()
	fmt.Fprintf(c.w, format, args...)
}
