// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/iot/hub"
)

// DPS registration states
const (
	DpsAssigning = "assigning"
	DpsAssigned  = "assigned"
	DpsFailed    = "failed"
)

// DefaultRetryAfter is the poll interval when DPS does not send one
const DefaultRetryAfter = 3 * time.Second

// RegistrationRequest is the payload of a registration
type RegistrationRequest struct {
	RegistrationID string `json:"registrationId"`
}

// RegistrationState is the assignment of a registration
type RegistrationState struct {
	RegistrationID string `json:"registrationId,omitempty"`
	AssignedHub    string `json:"assignedHub,omitempty"`
	DeviceID       string `json:"deviceId,omitempty"`
	Status         string `json:"status,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
}

// RegistrationResponse is the DPS answer to a registration or a poll
type RegistrationResponse struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *RegistrationState `json:"registrationState,omitempty"`
}

// DpsOptions configures the DPS client
type DpsOptions struct {
	// Endpoint is the MQTT url of the provisioning service. This is mandatory.
	Endpoint string
	// TLS is the client TLS configuration. Optional for plain tcp.
	TLS *tls.Config
	// Timeout bounds single MQTT operations. Defaults to DefaultTimeout.
	Timeout time.Duration
}

// Dps is a hub.Provisioner over MQTT
type Dps struct {
	opts DpsOptions
}

// NewDps returns a new DPS client
func NewDps(o DpsOptions) *Dps {
	if len(o.Endpoint) == 0 {
		panic("DPS endpoint missing")
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return &Dps{opts: o}
}

type dpsResponse struct {
	status     int
	retryAfter time.Duration
	body       []byte
}

// Register registers the device and waits for its assignment. ctx bounds the whole
// registration.
func (d *Dps) Register(ctx context.Context, registrationID, scopeID string) (hub.Assignment, error) {
	log := logger.FromContext(ctx).WithFields(logrus.Fields{"component": "dps", "registration_id": registrationID})

	responses := make(chan dpsResponse, 4)
	opts := mqtt.NewClientOptions()
	opts.AddBroker(d.opts.Endpoint)
	opts.SetClientID(registrationID)
	opts.SetUsername(DpsUserName(scopeID, registrationID))
	if d.opts.TLS != nil {
		opts.SetTLSConfig(d.opts.TLS)
	}
	opts.SetProtocolVersion(4)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetDefaultPublishHandler(func(_ mqtt.Client, msg mqtt.Message) {
		r, err := parseDpsResponse(msg.Topic(), msg.Payload())
		if err != nil {
			log.WithError(err).Warn("invalid DPS response")
			return
		}
		select {
		case responses <- r:
		default:
		}
	})
	client := mqtt.NewClient(opts)

	if err := d.wait(ctx, client.Connect(), "connect"); err != nil {
		return hub.Assignment{}, errs.Wrap(err, errs.ErrTransientConnection)
	}
	defer client.Disconnect(250)

	if err := d.wait(ctx, client.Subscribe(DpsResponseFilter, 1, nil), "subscribe"); err != nil {
		return hub.Assignment{}, err
	}

	request, _ := json.Marshal(RegistrationRequest{RegistrationID: registrationID})
	topic := DpsRegisterTopic(uuid.New().String())
	log.Info("DPS registration status: not started")
	for {
		if err := d.wait(ctx, client.Publish(topic, 1, false, request), "publish"); err != nil {
			return hub.Assignment{}, err
		}

		var r dpsResponse
		select {
		case r = <-responses:
		case <-ctx.Done():
			return hub.Assignment{}, ctx.Err()
		}

		if r.status == http.StatusTooManyRequests {
			log.Warnf("DPS throttled, retry in %s", r.retryAfter)
			if err := sleep(ctx, r.retryAfter); err != nil {
				return hub.Assignment{}, err
			}
			if len(request) > 0 {
				topic = DpsRegisterTopic(uuid.New().String())
			}
			continue
		}

		answer := RegistrationResponse{}
		if err := json.Unmarshal(r.body, &answer); err != nil {
			return hub.Assignment{}, errs.Wrap(fmt.Errorf("invalid DPS answer: %w", err), errs.ErrInvalidInput)
		}

		switch {
		case answer.Status == DpsAssigning && len(answer.OperationID) > 0:
			log.Infof("DPS registration status: %s", DpsAssigning)
			topic = DpsPollTopic(uuid.New().String(), answer.OperationID)
			request = []byte{}
			if err := sleep(ctx, r.retryAfter); err != nil {
				return hub.Assignment{}, err
			}
		case answer.Status == DpsAssigned && answer.RegistrationState != nil:
			log.Infof("DPS registration status: %s", DpsAssigned)
			return hub.Assignment{
				Hostname: answer.RegistrationState.AssignedHub,
				DeviceID: answer.RegistrationState.DeviceID,
			}, nil
		default:
			msg := answer.Status
			if answer.RegistrationState != nil && len(answer.RegistrationState.ErrorMessage) > 0 {
				msg = answer.RegistrationState.ErrorMessage
			}
			log.Errorf("DPS registration status: %s (%d)", DpsFailed, r.status)
			return hub.Assignment{}, fmt.Errorf("DPS registration failed with status %d: %s", r.status, msg)
		}
	}
}

func (d *Dps) wait(ctx context.Context, t mqtt.Token, what string) error {
	timer := time.NewTimer(d.opts.Timeout)
	defer timer.Stop()
	select {
	case <-t.Done():
		return t.Error()
	case <-timer.C:
		return errs.Wrapf(errs.ErrTimeout, "DPS %s: no answer within %s", what, d.opts.Timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func parseDpsResponse(topic string, payload []byte) (dpsResponse, error) {
	status, params, err := ParseStatusTopic(topic, DpsResponseTopicPrefix)
	if err != nil {
		return dpsResponse{}, err
	}
	r := dpsResponse{status: status, retryAfter: DefaultRetryAfter, body: payload}
	if s := params.Get("retry-after"); len(s) > 0 {
		if seconds, err := strconv.Atoi(s); err == nil && seconds > 0 {
			r.retryAfter = time.Duration(seconds) * time.Second
		}
	}
	return r, nil
}
