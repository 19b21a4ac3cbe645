// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/iot"
	"github.com/relabs-tech/pam8053/iot/hub/mqttclient"
)

// DefaultMethodTimeout is the time a device has to answer a direct method
const DefaultMethodTimeout = 30 * time.Second

// MethodResult is the answer of a device to a direct method
type MethodResult struct {
	Status  int             `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Telemetry is the last device-to-cloud message of a device
type Telemetry struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Payload    json.RawMessage `json:"payload"`
}

type operation struct {
	registrationID string
	deviceID       string
	hub            string
}

// Simulator implements the device provisioning service and the hub side of the device
// protocol on top of a Store
type Simulator struct {
	store         *Store
	methodTimeout time.Duration
	log           *logrus.Entry

	mu         sync.Mutex
	publisher  iot.MessagePublisher
	operations map[string]operation
	methods    map[string]chan MethodResult
	listening  map[string]bool
	telemetry  map[string]Telemetry
}

// NewSimulator returns a simulator for the given store
func NewSimulator(store *Store) *Simulator {
	if store == nil {
		panic("store missing")
	}
	return &Simulator{
		store:         store,
		methodTimeout: DefaultMethodTimeout,
		log:           logger.ForComponent("hubsim"),
		operations:    make(map[string]operation),
		methods:       make(map[string]chan MethodResult),
		listening:     make(map[string]bool),
		telemetry:     make(map[string]Telemetry),
	}
}

// WithMethodTimeout sets the time a device has to answer a direct method
func (s *Simulator) WithMethodTimeout(d time.Duration) *Simulator {
	s.methodTimeout = d
	return s
}

// SetPublisher sets the publisher for messages to devices
func (s *Simulator) SetPublisher(p iot.MessagePublisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Store returns the store of the simulator
func (s *Simulator) Store() *Store {
	return s.store
}

func (s *Simulator) publish(clientID, topic string, payload []byte) {
	s.mu.Lock()
	p := s.publisher
	s.mu.Unlock()
	if p == nil {
		s.log.Warnf("no publisher, dropping message on %s", topic)
		return
	}
	s.log.Debugf("publish on %s (%d bytes) to %s", topic, len(payload), clientID)
	p.PublishToClient(clientID, topic, payload)
}

// Subscribed records that a client subscribed to a topic filter
func (s *Simulator) Subscribed(clientID, filter string) {
	if filter != mqttclient.MethodFilter {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listening[clientID] = true
}

// Allowed returns whether a client may subscribe to a topic filter
func (s *Simulator) Allowed(clientID, filter string) bool {
	switch filter {
	case mqttclient.DpsResponseFilter,
		mqttclient.TwinResponseFilter,
		mqttclient.TwinDesiredFilter,
		mqttclient.MethodFilter,
		mqttclient.CloudToDeviceFilter(clientID):
		return true
	}
	return false
}

// HandleMessage handles a message published by a client. It returns true if the message
// was consumed by the simulator.
func (s *Simulator) HandleMessage(clientID, topic string, payload []byte) bool {
	rlog := s.log.WithField("client_id", clientID)
	switch {
	case strings.HasPrefix(topic, mqttclient.DpsRegisterTopicPrefix):
		s.register(rlog, clientID, topic, payload)
	case strings.HasPrefix(topic, mqttclient.DpsPollTopicPrefix):
		s.poll(rlog, clientID, topic)
	case strings.HasPrefix(topic, mqttclient.TwinGetTopicPrefix):
		s.getTwin(rlog, clientID, topic)
	case strings.HasPrefix(topic, mqttclient.TwinReportedTopicPrefix):
		s.patchReported(rlog, clientID, topic, payload)
	case strings.HasPrefix(topic, mqttclient.MethodResponsePrefix):
		s.methodResponse(rlog, topic, payload)
	case strings.HasPrefix(topic, mqttclient.TelemetryTopic(clientID)):
		rlog.Infof("telemetry: %s", payload)
		s.mu.Lock()
		s.telemetry[clientID] = Telemetry{ReceivedAt: time.Now().UTC(), Payload: append(json.RawMessage{}, payload...)}
		s.mu.Unlock()
		return false
	default:
		return false
	}
	return true
}

func rid(topic, prefix string) (string, bool) {
	_, params, err := mqttclient.ParseNamedTopic(topic, prefix)
	if err != nil {
		return "", false
	}
	return params.Get("$rid"), true
}

func (s *Simulator) register(rlog *logrus.Entry, clientID, topic string, payload []byte) {
	requestID, _ := rid(topic, mqttclient.DpsRegisterTopicPrefix)
	request := mqttclient.RegistrationRequest{}
	if err := json.Unmarshal(payload, &request); err != nil || len(request.RegistrationID) == 0 {
		request.RegistrationID = clientID
	}
	deviceID, hub, err := s.store.Register(request.RegistrationID)
	if err != nil {
		rlog.WithError(err).Warn("registration refused")
		s.respondDps(clientID, http.StatusNotFound, requestID, 0, mqttclient.RegistrationResponse{
			Status:            mqttclient.DpsFailed,
			RegistrationState: &mqttclient.RegistrationState{RegistrationID: request.RegistrationID, ErrorMessage: err.Error()},
		})
		return
	}
	operationID := uuid.New().String()
	s.mu.Lock()
	s.operations[operationID] = operation{registrationID: request.RegistrationID, deviceID: deviceID, hub: hub}
	s.mu.Unlock()
	rlog.Infof("registration %s assigning", request.RegistrationID)
	s.respondDps(clientID, http.StatusAccepted, requestID, 1, mqttclient.RegistrationResponse{
		OperationID: operationID,
		Status:      mqttclient.DpsAssigning,
	})
}

func (s *Simulator) poll(rlog *logrus.Entry, clientID, topic string) {
	_, params, err := mqttclient.ParseNamedTopic(topic, mqttclient.DpsPollTopicPrefix)
	if err != nil {
		rlog.WithError(err).Warn("invalid poll")
		return
	}
	operationID := params.Get("operationId")
	s.mu.Lock()
	op, ok := s.operations[operationID]
	delete(s.operations, operationID)
	s.mu.Unlock()
	if !ok {
		s.respondDps(clientID, http.StatusNotFound, params.Get("$rid"), 0, mqttclient.RegistrationResponse{
			OperationID: operationID,
			Status:      mqttclient.DpsFailed,
		})
		return
	}
	rlog.Infof("registration %s assigned to %s", op.registrationID, op.hub)
	s.respondDps(clientID, http.StatusOK, params.Get("$rid"), 0, mqttclient.RegistrationResponse{
		OperationID: operationID,
		Status:      mqttclient.DpsAssigned,
		RegistrationState: &mqttclient.RegistrationState{
			RegistrationID: op.registrationID,
			AssignedHub:    op.hub,
			DeviceID:       op.deviceID,
			Status:         mqttclient.DpsAssigned,
		},
	})
}

func (s *Simulator) respondDps(clientID string, status int, requestID string, retryAfter int, r mqttclient.RegistrationResponse) {
	body, _ := json.Marshal(r)
	s.publish(clientID, mqttclient.DpsResponseTopic(status, requestID, retryAfter), body)
}

func (s *Simulator) getTwin(rlog *logrus.Entry, clientID, topic string) {
	requestID, _ := rid(topic, mqttclient.TwinGetTopicPrefix)
	t, err := s.store.Twin(clientID)
	if err != nil {
		rlog.WithError(err).Warn("twin request")
		s.publish(clientID, mqttclient.TwinResponseTopic(http.StatusNotFound, requestID), []byte("{}"))
		return
	}
	desired := copyMap(t.Desired)
	desired["$version"] = t.DesiredVersion
	reported := copyMap(t.Reported)
	reported["$version"] = t.ReportedVersion
	body, _ := json.Marshal(map[string]interface{}{"desired": desired, "reported": reported})
	s.publish(clientID, mqttclient.TwinResponseTopic(http.StatusOK, requestID), body)
}

func (s *Simulator) patchReported(rlog *logrus.Entry, clientID, topic string, payload []byte) {
	requestID, _ := rid(topic, mqttclient.TwinReportedTopicPrefix)
	patch := map[string]interface{}{}
	if err := json.Unmarshal(payload, &patch); err != nil {
		rlog.WithError(err).Warn("invalid reported patch")
		s.publish(clientID, mqttclient.TwinResponseTopic(http.StatusBadRequest, requestID), []byte("{}"))
		return
	}
	version, err := s.store.PatchReported(clientID, patch)
	if err != nil {
		rlog.WithError(err).Warn("reported patch")
		s.publish(clientID, mqttclient.TwinResponseTopic(http.StatusNotFound, requestID), []byte("{}"))
		return
	}
	rlog.Infof("reported properties version %d", version)
	s.publish(clientID, mqttclient.TwinResponseTopic(http.StatusNoContent, requestID)+fmt.Sprintf("&$version=%d", version), []byte{})
}

func (s *Simulator) methodResponse(rlog *logrus.Entry, topic string, payload []byte) {
	status, params, err := mqttclient.ParseStatusTopic(topic, mqttclient.MethodResponsePrefix)
	if err != nil {
		rlog.WithError(err).Warn("invalid method response")
		return
	}
	requestID := params.Get("$rid")
	s.mu.Lock()
	ch, ok := s.methods[requestID]
	delete(s.methods, requestID)
	s.mu.Unlock()
	if !ok {
		rlog.Warnf("response to unknown method request %s", requestID)
		return
	}
	result := MethodResult{Status: status}
	if json.Valid(payload) {
		result.Payload = append(json.RawMessage{}, payload...)
	}
	ch <- result
}

// SetDesired patches the desired properties of a device and publishes the patch to the
// device
func (s *Simulator) SetDesired(deviceID string, patch map[string]interface{}) (int, error) {
	version, err := s.store.PatchDesired(deviceID, patch)
	if err != nil {
		return 0, err
	}
	notification := copyMap(patch)
	notification["$version"] = version
	body, _ := json.Marshal(notification)
	s.publish(deviceID, mqttclient.TwinDesiredTopic(version), body)
	return version, nil
}

// SendToDevice publishes a cloud-to-device message
func (s *Simulator) SendToDevice(deviceID string, payload []byte) error {
	if _, err := s.store.Twin(deviceID); err != nil {
		return err
	}
	s.publish(deviceID, mqttclient.CloudToDeviceTopicPrefix(deviceID), payload)
	return nil
}

// Telemetry returns the last telemetry message of a device
func (s *Simulator) Telemetry(deviceID string) (Telemetry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.telemetry[deviceID]
	return t, ok
}

// InvokeMethod invokes a direct method on a device and waits for its answer
func (s *Simulator) InvokeMethod(ctx context.Context, deviceID, name string, payload []byte) (MethodResult, error) {
	s.mu.Lock()
	listening := s.listening[deviceID]
	s.mu.Unlock()
	if !listening {
		return MethodResult{}, errs.Wrapf(errs.ErrNotFound, "device %s does not listen for methods", deviceID)
	}
	if len(payload) == 0 {
		payload = []byte("null")
	}

	requestID := uuid.New().String()
	ch := make(chan MethodResult, 1)
	s.mu.Lock()
	s.methods[requestID] = ch
	s.mu.Unlock()
	s.publish(deviceID, mqttclient.MethodTopic(name, requestID), payload)

	timer := time.NewTimer(s.methodTimeout)
	defer timer.Stop()
	select {
	case result := <-ch:
		return result, nil
	case <-timer.C:
	case <-ctx.Done():
	}
	s.mu.Lock()
	delete(s.methods, requestID)
	s.mu.Unlock()
	return MethodResult{}, errs.Wrapf(errs.ErrTimeout, "method %s on %s", name, deviceID)
}
