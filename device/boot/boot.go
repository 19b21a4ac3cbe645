// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package boot restarts the device and keeps the image-confirmed marker.
//
// A restart ends the agent process; the supervisor starts it again. An error restart
// exits with a non-zero code.
package boot

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/metrics"
)

// Kind is the kind of a reboot
type Kind int

// Reboot kinds
const (
	Normal Kind = iota
	Error
)

func (k Kind) String() string {
	if k == Error {
		return "error"
	}
	return "normal"
}

// Rebooter restarts the device
type Rebooter interface {
	Reboot(kind Kind, reason string)
	ScheduleReboot(kind Kind, delay time.Duration, reason string)
}

// Builder is a builder helper for the Controller
type Builder struct {
	// MarkerFile is the image-confirmed marker. This is mandatory.
	MarkerFile string
	// Exit terminates the process. Defaults to os.Exit.
	Exit func(code int)
}

// Controller implements Rebooter and the image confirmation
type Controller struct {
	marker string
	exit   func(code int)
	log    *logrus.Entry

	once  sync.Once
	mu    sync.Mutex
	timer *time.Timer
}

// New returns a new boot controller
func New(b *Builder) *Controller {
	if len(b.MarkerFile) == 0 {
		panic("marker file missing")
	}
	exit := b.Exit
	if exit == nil {
		exit = os.Exit
	}
	return &Controller{
		marker: b.MarkerFile,
		exit:   exit,
		log:    logger.ForComponent("boot"),
	}
}

// Reboot restarts the device immediately. Only the first call has an effect.
func (c *Controller) Reboot(kind Kind, reason string) {
	c.once.Do(func() {
		metrics.RecordReboot(kind.String())
		entry := c.log.WithField("kind", kind.String())
		code := 0
		if kind == Error {
			code = 1
			entry.Errorf("rebooting: %s", reason)
		} else {
			entry.Infof("rebooting: %s", reason)
		}
		c.exit(code)
	})
}

// ScheduleReboot restarts the device after delay. A later schedule replaces an earlier one.
func (c *Controller) ScheduleReboot(kind Kind, delay time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.log.Infof("reboot in %s: %s", delay, reason)
	c.timer = time.AfterFunc(delay, func() {
		c.Reboot(kind, reason)
	})
}

// ConfirmImage marks the running image as good. Confirming twice is fine.
func (c *Controller) ConfirmImage() error {
	if c.ImageConfirmed() {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(c.marker), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(c.marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0600); err != nil {
		return err
	}
	c.log.Info("image confirmed")
	return nil
}

// ClearConfirmation removes the marker after a firmware update was downloaded. The new
// image is confirmed again after the next successful hub connection.
func (c *Controller) ClearConfirmation() error {
	err := os.Remove(c.marker)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ImageConfirmed tells whether the marker is present
func (c *Controller) ImageConfirmed() bool {
	_, err := os.Stat(c.marker)
	return err == nil
}
