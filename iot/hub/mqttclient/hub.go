// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package mqttclient implements the hub client and the device provisioning service
// client over MQTT with paho.
//
// The hub client subscribes to twin responses, desired patches, direct methods and
// cloud-to-device messages, and turns everything it receives into hub events. After each
// connect it requests the full twin.
package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/iot/hub"
)

// DefaultTimeout bounds a single MQTT operation
const DefaultTimeout = 30 * time.Second

// HubOptions configures the hub client
type HubOptions struct {
	// Assignment is the hub and the device id. This is mandatory.
	Assignment hub.Assignment
	// TLS is the client TLS configuration. Optional for plain tcp.
	TLS *tls.Config
	// Scheme is the url scheme of the hub. Defaults to tls.
	Scheme string
	// Port is the MQTT port of the hub. Defaults to 8883.
	Port int
	// Timeout bounds MQTT operations. Defaults to DefaultTimeout.
	Timeout time.Duration
	// KeepAlive is the MQTT keep alive. Defaults to 30s.
	KeepAlive time.Duration
}

// BrokerURL returns the url of the hub
func (o HubOptions) BrokerURL() string {
	scheme := o.Scheme
	if len(scheme) == 0 {
		scheme = "tls"
	}
	port := o.Port
	if port == 0 {
		port = 8883
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Assignment.Hostname, port)
}

// HubClient is a hub.Client over MQTT
type HubClient struct {
	deviceID string
	timeout  time.Duration
	post     func(hub.Event)
	client   mqtt.Client
	log      *logrus.Entry

	mu      sync.Mutex
	pending map[string]hub.EventKind
}

// NewHubClient returns a new hub client. Events are delivered to post.
func NewHubClient(o HubOptions, post func(hub.Event)) *HubClient {
	if len(o.Assignment.Hostname) == 0 || len(o.Assignment.DeviceID) == 0 {
		panic("assignment missing")
	}
	if post == nil {
		panic("post missing")
	}
	c := &HubClient{
		deviceID: o.Assignment.DeviceID,
		timeout:  o.Timeout,
		post:     post,
		log:      logger.ForComponent("mqttclient").WithField("device_id", o.Assignment.DeviceID),
		pending:  make(map[string]hub.EventKind),
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	keepAlive := o.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Second
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL())
	opts.SetClientID(o.Assignment.DeviceID)
	opts.SetUsername(HubUserName(o.Assignment.Hostname, o.Assignment.DeviceID))
	if o.TLS != nil {
		opts.SetTLSConfig(o.TLS)
	}
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(keepAlive)
	// reconnects are driven by the connector so that every attempt counts as a retry
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(true)
	opts.SetDefaultPublishHandler(c.onMessage)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.log.WithError(err).Warn("connection lost")
		c.post(hub.Event{Kind: hub.EventDisconnected, Err: err})
	})
	c.client = mqtt.NewClient(opts)
	return c
}

// NewFactory returns a hub.ClientFactory for the given TLS configuration and url
func NewFactory(tlsConfig *tls.Config, scheme string, port int) hub.ClientFactory {
	return func(a hub.Assignment, post func(hub.Event)) (hub.Client, error) {
		return NewHubClient(HubOptions{Assignment: a, TLS: tlsConfig, Scheme: scheme, Port: port}, post), nil
	}
}

func (c *HubClient) wait(ctx context.Context, t mqtt.Token, what string) error {
	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return errs.Wrapf(errs.ErrTimeout, "%s: no answer within %s", what, c.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect connects to the hub. It returns hub.ErrAlreadyConnected if the client is
// connected.
func (c *HubClient) Connect(ctx context.Context) error {
	if c.client.IsConnectionOpen() {
		return hub.ErrAlreadyConnected
	}
	c.post(hub.Event{Kind: hub.EventConnecting})
	if err := c.wait(ctx, c.client.Connect(), "connect"); err != nil {
		c.post(hub.Event{Kind: hub.EventConnectionFailed, Err: err})
		return errs.Wrap(err, errs.ErrTransientConnection)
	}
	return nil
}

func (c *HubClient) onConnect(client mqtt.Client) {
	c.post(hub.Event{Kind: hub.EventConnected})

	filters := map[string]byte{
		TwinResponseFilter:             0,
		TwinDesiredFilter:              0,
		MethodFilter:                   0,
		CloudToDeviceFilter(c.deviceID): 1,
	}
	t := client.SubscribeMultiple(filters, nil)
	if !t.WaitTimeout(c.timeout) || t.Error() != nil {
		c.log.WithError(t.Error()).Error("cannot subscribe")
		c.post(hub.Event{Kind: hub.EventError, Err: t.Error()})
		return
	}
	c.post(hub.Event{Kind: hub.EventReady})

	rid := c.request(hub.EventTwinReceived)
	t = client.Publish(TwinGetTopic(rid), 0, false, []byte{})
	if !t.WaitTimeout(c.timeout) || t.Error() != nil {
		c.log.WithError(t.Error()).Error("cannot request twin")
	}
}

// request registers a pending twin request
func (c *HubClient) request(kind hub.EventKind) string {
	rid := uuid.New().String()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[rid] = kind
	return rid
}

func (c *HubClient) complete(rid string) (hub.EventKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kind, ok := c.pending[rid]
	delete(c.pending, rid)
	return kind, ok
}

func (c *HubClient) onMessage(_ mqtt.Client, msg mqtt.Message) {
	if ev, ok := c.translate(msg.Topic(), msg.Payload()); ok {
		c.post(ev)
	}
}

// translate turns a received message into a hub event
func (c *HubClient) translate(topic string, payload []byte) (hub.Event, bool) {
	switch {
	case strings.HasPrefix(topic, TwinResponseTopicPrefix):
		status, params, err := ParseStatusTopic(topic, TwinResponseTopicPrefix)
		if err != nil {
			c.log.WithError(err).Warn("invalid twin response")
			return hub.Event{}, false
		}
		rid := params.Get("$rid")
		kind, ok := c.complete(rid)
		if ok && kind == hub.EventTwinReceived && status == http.StatusOK {
			return hub.Event{Kind: hub.EventTwinReceived, Payload: payload}, true
		}
		if status >= 200 && status < 300 {
			return hub.Event{Kind: hub.EventTwinResultSuccess, RequestID: rid, Status: status}, true
		}
		return hub.Event{Kind: hub.EventTwinResultFail, RequestID: rid, Status: status}, true

	case strings.HasPrefix(topic, TwinDesiredTopicPrefix):
		return hub.Event{Kind: hub.EventTwinDesiredReceived, Payload: payload}, true

	case strings.HasPrefix(topic, MethodTopicPrefix):
		name, params, err := ParseNamedTopic(topic, MethodTopicPrefix)
		if err != nil || len(name) == 0 {
			c.log.WithError(err).Warnf("invalid method topic %s", topic)
			return hub.Event{}, false
		}
		return hub.Event{Kind: hub.EventDirectMethod, Method: &hub.Method{
			RequestID: params.Get("$rid"),
			Name:      name,
			Payload:   payload,
		}}, true

	case strings.HasPrefix(topic, CloudToDeviceTopicPrefix(c.deviceID)):
		return hub.Event{Kind: hub.EventDataReceived, Payload: payload}, true
	}
	c.log.Warnf("message on unexpected topic %s", topic)
	return hub.Event{}, false
}

// Disconnect disconnects from the hub
func (c *HubClient) Disconnect(ctx context.Context) error {
	if !c.client.IsConnected() {
		return nil
	}
	c.client.Disconnect(250)
	c.post(hub.Event{Kind: hub.EventDisconnected})
	return nil
}

// SendTelemetry publishes a device-to-cloud message with QoS 0
func (c *HubClient) SendTelemetry(ctx context.Context, payload []byte) error {
	return c.wait(ctx, c.client.Publish(TelemetryTopic(c.deviceID), 0, false, payload), "telemetry")
}

// SendReported patches the reported properties
func (c *HubClient) SendReported(ctx context.Context, doc []byte) error {
	rid := c.request(hub.EventTwinResultSuccess)
	if err := c.wait(ctx, c.client.Publish(TwinReportedTopic(rid), 0, false, doc), "reported"); err != nil {
		c.complete(rid)
		return err
	}
	return nil
}

// RespondMethod answers a direct method
func (c *HubClient) RespondMethod(ctx context.Context, requestID string, status int, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	return c.wait(ctx, c.client.Publish(MethodResponseTopic(status, requestID), 0, false, payload), "method response")
}
