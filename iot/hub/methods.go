// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package hub

import (
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/pam8053/core/metrics"
	"github.com/relabs-tech/pam8053/device/boot"
)

// RebootMethod is the name of the reboot direct method
const RebootMethod = "Reboot"

// RebootDelay is the delay of a reboot requested by the cloud
const RebootDelay = time.Second

// MethodHandler handles a direct method. It returns the response status and an optional
// JSON payload.
type MethodHandler func(ctx context.Context, m Method) (status int, payload []byte, err error)

// RegisterMethod adds a direct method handler. A handler registered under an existing
// name replaces it.
func (c *Connector) RegisterMethod(name string, handler MethodHandler) {
	c.methodsMu.Lock()
	defer c.methodsMu.Unlock()
	c.methods[name] = handler
}

func (c *Connector) method(name string) (MethodHandler, bool) {
	c.methodsMu.RLock()
	defer c.methodsMu.RUnlock()
	h, ok := c.methods[name]
	return h, ok
}

func (c *Connector) rebootMethod(ctx context.Context, m Method) (int, []byte, error) {
	c.log.Info("rebooting device")
	c.rebooter.ScheduleReboot(boot.Normal, RebootDelay, "reboot requested by direct method")
	return http.StatusOK, nil, nil
}

func (c *Connector) dispatch(ctx context.Context, m *Method) {
	if m == nil {
		c.log.Warn("direct method event without method")
		return
	}
	log := c.log.WithField("method", m.Name)
	log.Infof("direct method invoked, payload: %s", m.Payload)

	handler, ok := c.method(m.Name)
	if !ok {
		log.Info("unknown direct method")
		return
	}
	metrics.RecordDirectMethod(m.Name)

	status, payload, err := handler(ctx, *m)
	if err != nil {
		log.WithError(err).Error("direct method failed")
		status = http.StatusInternalServerError
		payload, _ = json.Marshal(map[string]string{"error": err.Error()})
	}
	if err := c.RespondMethod(ctx, m.RequestID, status, payload); err != nil {
		log.WithError(err).Error("failed to send direct method response")
	}
}
