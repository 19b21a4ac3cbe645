package mqtt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/iot/hub/mqttclient"
)

type published struct {
	clientID string
	topic    string
	payload  []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	onTopic  func(published)
}

func (p *fakePublisher) PublishToClient(clientID, topic string, payload []byte) {
	m := published{clientID: clientID, topic: topic, payload: payload}
	p.mu.Lock()
	p.messages = append(p.messages, m)
	hook := p.onTopic
	p.mu.Unlock()
	if hook != nil {
		hook(m)
	}
}

func (p *fakePublisher) last(t *testing.T) published {
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.messages)
	return p.messages[len(p.messages)-1]
}

const seedYAML = `
hostname: hub.local
devices:
  - deviceId: PAM-001
    desired:
      telemetryConfig:
        heartbeatSendInterval: 60
  - deviceId: PAM-002
    registrationId: reg-002
    hub: other.local
`

func newTestSimulator(t *testing.T, autoRegister bool) (*Simulator, *fakePublisher) {
	seed, err := ReadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	store := NewStore("default.local", autoRegister)
	store.Load(seed)
	sim := NewSimulator(store).WithMethodTimeout(time.Second)
	p := &fakePublisher{}
	sim.SetPublisher(p)
	return sim, p
}

func TestReadSeed(t *testing.T) {
	seed, err := ReadSeed(strings.NewReader(seedYAML))
	require.NoError(t, err)
	assert.Equal(t, "hub.local", seed.Hostname)
	require.Len(t, seed.Devices, 2)
	assert.Equal(t, "reg-002", seed.Devices[1].RegistrationID)

	seed, err = ReadSeed(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, seed.Devices)

	_, err = ReadSeed(strings.NewReader("devices:\n  - hub: x\n"))
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
}

func TestStoreSeedAndPatches(t *testing.T) {
	sim, _ := newTestSimulator(t, false)
	store := sim.Store()
	assert.Equal(t, []string{"PAM-001", "PAM-002"}, store.DeviceIDs())

	twin, err := store.Twin("PAM-001")
	require.NoError(t, err)
	assert.Equal(t, "hub.local", twin.Hub)
	assert.Equal(t, 2, twin.DesiredVersion)

	_, err = store.PatchReported("PAM-001", map[string]interface{}{
		"relayConfig": map[string]interface{}{"relay1": 1, "relay2": 0},
		"$version":    7,
	})
	require.NoError(t, err)
	version, err := store.PatchReported("PAM-001", map[string]interface{}{
		"relayConfig": map[string]interface{}{"relay2": 1},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	twin, _ = store.Twin("PAM-001")
	assert.Equal(t, map[string]interface{}{"relayConfig": map[string]interface{}{"relay1": 1, "relay2": 1}}, twin.Reported)

	_, err = store.PatchReported("PAM-001", map[string]interface{}{"relayConfig": nil})
	require.NoError(t, err)
	twin, _ = store.Twin("PAM-001")
	assert.Empty(t, twin.Reported)

	_, err = store.PatchDesired("unknown", nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))
}

func TestStoreTwinIsACopy(t *testing.T) {
	sim, _ := newTestSimulator(t, false)
	twin, _ := sim.Store().Twin("PAM-001")
	twin.Desired["telemetryConfig"].(map[string]interface{})["heartbeatSendInterval"] = 1

	again, _ := sim.Store().Twin("PAM-001")
	assert.Equal(t, 60, again.Desired["telemetryConfig"].(map[string]interface{})["heartbeatSendInterval"])
}

func dpsResponse(t *testing.T, m published) (int, mqttclient.RegistrationResponse) {
	status, _, err := mqttclient.ParseStatusTopic(m.topic, mqttclient.DpsResponseTopicPrefix)
	require.NoError(t, err)
	r := mqttclient.RegistrationResponse{}
	require.NoError(t, json.Unmarshal(m.payload, &r))
	return status, r
}

func TestDpsRegistration(t *testing.T) {
	sim, p := newTestSimulator(t, false)

	consumed := sim.HandleMessage("reg-002", mqttclient.DpsRegisterTopic("1"), []byte(`{"registrationId":"reg-002"}`))
	assert.True(t, consumed)
	m := p.last(t)
	assert.Equal(t, "reg-002", m.clientID)
	status, r := dpsResponse(t, m)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, mqttclient.DpsAssigning, r.Status)
	require.NotEmpty(t, r.OperationID)

	sim.HandleMessage("reg-002", mqttclient.DpsPollTopic("2", r.OperationID), nil)
	status, r = dpsResponse(t, p.last(t))
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, mqttclient.DpsAssigned, r.Status)
	require.NotNil(t, r.RegistrationState)
	assert.Equal(t, "other.local", r.RegistrationState.AssignedHub)
	assert.Equal(t, "PAM-002", r.RegistrationState.DeviceID)

	// operations are single use
	sim.HandleMessage("reg-002", mqttclient.DpsPollTopic("3", r.OperationID), nil)
	status, r = dpsResponse(t, p.last(t))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, mqttclient.DpsFailed, r.Status)
}

func TestDpsUnknownRegistration(t *testing.T) {
	sim, p := newTestSimulator(t, false)
	sim.HandleMessage("nobody", mqttclient.DpsRegisterTopic("1"), []byte(`{}`))
	status, r := dpsResponse(t, p.last(t))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, mqttclient.DpsFailed, r.Status)

	sim, p = newTestSimulator(t, true)
	sim.HandleMessage("PAM-777", mqttclient.DpsRegisterTopic("1"), []byte(`{"registrationId":"PAM-777"}`))
	status, _ = dpsResponse(t, p.last(t))
	assert.Equal(t, http.StatusAccepted, status)
	twin, err := sim.Store().Twin("PAM-777")
	require.NoError(t, err)
	assert.Equal(t, "hub.local", twin.Hub)
}

func TestTwinGetAndReported(t *testing.T) {
	sim, p := newTestSimulator(t, false)

	sim.HandleMessage("PAM-001", mqttclient.TwinGetTopic("a"), nil)
	m := p.last(t)
	assert.Equal(t, mqttclient.TwinResponseTopic(http.StatusOK, "a"), m.topic)
	assert.JSONEq(t, `{"desired":{"telemetryConfig":{"heartbeatSendInterval":60},"$version":2},"reported":{"$version":0}}`, string(m.payload))

	sim.HandleMessage("PAM-001", mqttclient.TwinReportedTopic("b"), []byte(`{"deviceInfo":{"model":"PAM8002"}}`))
	status, params, err := mqttclient.ParseStatusTopic(p.last(t).topic, mqttclient.TwinResponseTopicPrefix)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, "b", params.Get("$rid"))
	assert.Equal(t, "1", params.Get("$version"))

	sim.HandleMessage("PAM-001", mqttclient.TwinReportedTopic("c"), []byte(`not json`))
	assert.Equal(t, mqttclient.TwinResponseTopic(http.StatusBadRequest, "c"), p.last(t).topic)

	sim.HandleMessage("nobody", mqttclient.TwinGetTopic("d"), nil)
	assert.Equal(t, mqttclient.TwinResponseTopic(http.StatusNotFound, "d"), p.last(t).topic)
}

func TestSetDesiredPublishesPatch(t *testing.T) {
	sim, p := newTestSimulator(t, false)
	version, err := sim.SetDesired("PAM-001", map[string]interface{}{"relayConfig": map[string]interface{}{"relay1": 1}})
	require.NoError(t, err)
	assert.Equal(t, 3, version)

	m := p.last(t)
	assert.Equal(t, "PAM-001", m.clientID)
	assert.Equal(t, mqttclient.TwinDesiredTopic(3), m.topic)
	assert.JSONEq(t, `{"relayConfig":{"relay1":1},"$version":3}`, string(m.payload))
}

func TestTelemetryIsForwarded(t *testing.T) {
	sim, _ := newTestSimulator(t, false)
	consumed := sim.HandleMessage("PAM-001", mqttclient.TelemetryTopic("PAM-001"), []byte(`{"alarms":[]}`))
	assert.False(t, consumed)
	tm, ok := sim.Telemetry("PAM-001")
	require.True(t, ok)
	assert.JSONEq(t, `{"alarms":[]}`, string(tm.Payload))

	assert.False(t, sim.HandleMessage("PAM-001", "some/other/topic", nil))
}

func TestSubscribePolicy(t *testing.T) {
	sim, _ := newTestSimulator(t, false)
	assert.True(t, sim.Allowed("PAM-001", mqttclient.TwinResponseFilter))
	assert.True(t, sim.Allowed("PAM-001", mqttclient.CloudToDeviceFilter("PAM-001")))
	assert.False(t, sim.Allowed("PAM-001", mqttclient.CloudToDeviceFilter("PAM-002")))
	assert.False(t, sim.Allowed("PAM-001", "#"))
}

func TestInvokeMethod(t *testing.T) {
	sim, p := newTestSimulator(t, false)

	_, err := sim.InvokeMethod(context.Background(), "PAM-001", "Reboot", nil)
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	sim.Subscribed("PAM-001", mqttclient.MethodFilter)
	p.onTopic = func(m published) {
		name, params, err := mqttclient.ParseNamedTopic(m.topic, mqttclient.MethodTopicPrefix)
		if err != nil || name != "Reboot" {
			return
		}
		go sim.HandleMessage("PAM-001", mqttclient.MethodResponseTopic(http.StatusOK, params.Get("$rid")), []byte(`{}`))
	}
	result, err := sim.InvokeMethod(context.Background(), "PAM-001", "Reboot", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, result.Status)
	assert.JSONEq(t, `{}`, string(result.Payload))
}

func TestInvokeMethodTimeout(t *testing.T) {
	sim, _ := newTestSimulator(t, false)
	sim.WithMethodTimeout(10 * time.Millisecond)
	sim.Subscribed("PAM-001", mqttclient.MethodFilter)
	_, err := sim.InvokeMethod(context.Background(), "PAM-001", "Unknown", nil)
	assert.True(t, errors.Is(err, errs.ErrTimeout))
	assert.Empty(t, sim.methods)
}

func TestAPI(t *testing.T) {
	sim, p := newTestSimulator(t, false)
	router := mux.NewRouter()
	NewAPI(&APIBuilder{Simulator: sim, Router: router})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["PAM-001","PAM-002"]`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/unknown/twin", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/devices/PAM-002/twin/desired",
		strings.NewReader(`{"doorStatus":{"status":2}}`)))
	require.Equal(t, http.StatusOK, rec.Code)
	twin := Twin{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &twin))
	assert.Equal(t, 2, twin.DesiredVersion)
	assert.Equal(t, mqttclient.TwinDesiredTopic(2), p.last(t).topic)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/devices/PAM-002/twin/desired", strings.NewReader(`[`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/PAM-002/methods/Reboot", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/PAM-002/messages", strings.NewReader("hello")))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, mqttclient.CloudToDeviceTopicPrefix("PAM-002"), p.last(t).topic)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/PAM-002/telemetry", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
