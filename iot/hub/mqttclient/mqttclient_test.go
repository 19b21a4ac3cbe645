package mqttclient

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pam8053/iot/hub"
)

func TestUserNames(t *testing.T) {
	assert.Equal(t, "0ne008A3851/registrations/PAM-001/api-version=2019-03-31", DpsUserName("0ne008A3851", "PAM-001"))
	assert.Equal(t, "hub.example.net/PAM-001/?api-version=2021-04-12", HubUserName("hub.example.net", "PAM-001"))
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "devices/PAM-001/messages/events/", TelemetryTopic("PAM-001"))
	assert.Equal(t, "devices/PAM-001/messages/devicebound/#", CloudToDeviceFilter("PAM-001"))
	assert.Equal(t, "$iothub/twin/GET/?$rid=1", TwinGetTopic("1"))
	assert.Equal(t, "$iothub/twin/PATCH/properties/reported/?$rid=2", TwinReportedTopic("2"))
	assert.Equal(t, "$iothub/methods/res/200/?$rid=3", MethodResponseTopic(200, "3"))
	assert.Equal(t, "$dps/registrations/PUT/iotdps-register/?$rid=4", DpsRegisterTopic("4"))
	assert.Equal(t, "$dps/registrations/GET/iotdps-get-operationstatus/?$rid=5&operationId=op", DpsPollTopic("5", "op"))
}

func TestParseStatusTopic(t *testing.T) {
	status, params, err := ParseStatusTopic(DpsResponseTopic(202, "9", 2), DpsResponseTopicPrefix)
	require.NoError(t, err)
	assert.Equal(t, 202, status)
	assert.Equal(t, "9", params.Get("$rid"))
	assert.Equal(t, "2", params.Get("retry-after"))

	_, _, err = ParseStatusTopic("$iothub/twin/res/abc/?$rid=1", TwinResponseTopicPrefix)
	assert.Error(t, err)
	_, _, err = ParseStatusTopic("other/topic", TwinResponseTopicPrefix)
	assert.Error(t, err)
}

func TestParseNamedTopic(t *testing.T) {
	name, params, err := ParseNamedTopic(MethodTopic("Reboot", "12"), MethodTopicPrefix)
	require.NoError(t, err)
	assert.Equal(t, "Reboot", name)
	assert.Equal(t, "12", params.Get("$rid"))
}

func TestParseDpsResponse(t *testing.T) {
	r, err := parseDpsResponse(DpsResponseTopic(202, "1", 5), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 202, r.status)
	assert.Equal(t, 5*time.Second, r.retryAfter)

	r, err = parseDpsResponse(DpsResponseTopic(200, "1", 0), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultRetryAfter, r.retryAfter)
}

func newTestHubClient() (*HubClient, *[]hub.Event) {
	events := &[]hub.Event{}
	c := NewHubClient(HubOptions{
		Assignment: hub.Assignment{Hostname: "localhost", DeviceID: "PAM-001"},
		Scheme:     "tcp",
		Port:       1883,
	}, func(ev hub.Event) { *events = append(*events, ev) })
	return c, events
}

func TestBrokerURL(t *testing.T) {
	o := HubOptions{Assignment: hub.Assignment{Hostname: "hub.example.net"}}
	assert.Equal(t, "tls://hub.example.net:8883", o.BrokerURL())
	o.Scheme, o.Port = "tcp", 1883
	assert.Equal(t, "tcp://hub.example.net:1883", o.BrokerURL())
}

func TestTranslateTwinResponses(t *testing.T) {
	c, _ := newTestHubClient()

	rid := c.request(hub.EventTwinReceived)
	ev, ok := c.translate(TwinResponseTopic(http.StatusOK, rid), []byte(`{"desired":{}}`))
	require.True(t, ok)
	assert.Equal(t, hub.EventTwinReceived, ev.Kind)
	assert.Equal(t, []byte(`{"desired":{}}`), ev.Payload)

	rid = c.request(hub.EventTwinResultSuccess)
	ev, ok = c.translate(TwinResponseTopic(http.StatusNoContent, rid), nil)
	require.True(t, ok)
	assert.Equal(t, hub.EventTwinResultSuccess, ev.Kind)
	assert.Equal(t, rid, ev.RequestID)

	ev, ok = c.translate(TwinResponseTopic(http.StatusBadRequest, "unknown"), nil)
	require.True(t, ok)
	assert.Equal(t, hub.EventTwinResultFail, ev.Kind)
	assert.Equal(t, http.StatusBadRequest, ev.Status)

	assert.Empty(t, c.pending)
}

func TestTranslateDesiredMethodAndData(t *testing.T) {
	c, _ := newTestHubClient()

	ev, ok := c.translate(TwinDesiredTopic(3), []byte(`{"telemetryConfig":{}}`))
	require.True(t, ok)
	assert.Equal(t, hub.EventTwinDesiredReceived, ev.Kind)

	ev, ok = c.translate(MethodTopic("Reboot", "42"), []byte(`null`))
	require.True(t, ok)
	assert.Equal(t, hub.EventDirectMethod, ev.Kind)
	assert.Equal(t, &hub.Method{RequestID: "42", Name: "Reboot", Payload: []byte(`null`)}, ev.Method)

	ev, ok = c.translate(CloudToDeviceTopicPrefix("PAM-001")+"%24.to=x", []byte("hello"))
	require.True(t, ok)
	assert.Equal(t, hub.EventDataReceived, ev.Kind)

	_, ok = c.translate("devices/OTHER/messages/devicebound/", nil)
	assert.False(t, ok)
	_, ok = c.translate(MethodTopicPrefix+"/?$rid=1", nil)
	assert.False(t, ok)
}

func TestDisconnectedClient(t *testing.T) {
	c, events := newTestHubClient()
	assert.NoError(t, c.Disconnect(nil))
	assert.Empty(t, *events)
}
