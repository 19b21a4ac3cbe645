// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqttclient

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// API versions of the user names
const (
	DpsAPIVersion = "2019-03-31"
	HubAPIVersion = "2021-04-12"
)

// Topics of the device provisioning service
const (
	DpsResponseTopicPrefix = "$dps/registrations/res/"
	DpsResponseFilter      = DpsResponseTopicPrefix + "#"
	DpsRegisterTopicPrefix = "$dps/registrations/PUT/iotdps-register/"
	DpsPollTopicPrefix     = "$dps/registrations/GET/iotdps-get-operationstatus/"
)

// Topics of the hub
const (
	TwinResponseTopicPrefix = "$iothub/twin/res/"
	TwinResponseFilter      = TwinResponseTopicPrefix + "#"
	TwinGetTopicPrefix      = "$iothub/twin/GET/"
	TwinDesiredTopicPrefix  = "$iothub/twin/PATCH/properties/desired/"
	TwinDesiredFilter       = TwinDesiredTopicPrefix + "#"
	TwinReportedTopicPrefix = "$iothub/twin/PATCH/properties/reported/"
	MethodTopicPrefix       = "$iothub/methods/POST/"
	MethodFilter            = MethodTopicPrefix + "#"
	MethodResponsePrefix    = "$iothub/methods/res/"
)

// DpsUserName is the MQTT user name of a DPS registration
func DpsUserName(scopeID, registrationID string) string {
	return fmt.Sprintf("%s/registrations/%s/api-version=%s", scopeID, registrationID, DpsAPIVersion)
}

// HubUserName is the MQTT user name of a device at its hub
func HubUserName(hostname, deviceID string) string {
	return fmt.Sprintf("%s/%s/?api-version=%s", hostname, deviceID, HubAPIVersion)
}

// DpsRegisterTopic is the topic of a registration request
func DpsRegisterTopic(rid string) string {
	return DpsRegisterTopicPrefix + "?$rid=" + url.QueryEscape(rid)
}

// DpsPollTopic is the topic of an operation status request
func DpsPollTopic(rid, operationID string) string {
	return DpsPollTopicPrefix + "?$rid=" + url.QueryEscape(rid) + "&operationId=" + url.QueryEscape(operationID)
}

// DpsResponseTopic is the topic of a DPS response
func DpsResponseTopic(status int, rid string, retryAfter int) string {
	t := fmt.Sprintf("%s%d/?$rid=%s", DpsResponseTopicPrefix, status, url.QueryEscape(rid))
	if retryAfter > 0 {
		t += "&retry-after=" + strconv.Itoa(retryAfter)
	}
	return t
}

// TelemetryTopic is the topic of device-to-cloud messages
func TelemetryTopic(deviceID string) string {
	return "devices/" + deviceID + "/messages/events/"
}

// CloudToDeviceTopicPrefix is the prefix of cloud-to-device messages
func CloudToDeviceTopicPrefix(deviceID string) string {
	return "devices/" + deviceID + "/messages/devicebound/"
}

// CloudToDeviceFilter subscribes to cloud-to-device messages
func CloudToDeviceFilter(deviceID string) string {
	return CloudToDeviceTopicPrefix(deviceID) + "#"
}

// TwinGetTopic requests the full twin
func TwinGetTopic(rid string) string {
	return TwinGetTopicPrefix + "?$rid=" + url.QueryEscape(rid)
}

// TwinReportedTopic patches the reported properties
func TwinReportedTopic(rid string) string {
	return TwinReportedTopicPrefix + "?$rid=" + url.QueryEscape(rid)
}

// TwinResponseTopic is the topic of a twin response
func TwinResponseTopic(status int, rid string) string {
	return fmt.Sprintf("%s%d/?$rid=%s", TwinResponseTopicPrefix, status, url.QueryEscape(rid))
}

// TwinDesiredTopic notifies a desired patch
func TwinDesiredTopic(version int) string {
	return fmt.Sprintf("%s?$version=%d", TwinDesiredTopicPrefix, version)
}

// MethodTopic invokes a direct method
func MethodTopic(name, rid string) string {
	return MethodTopicPrefix + name + "/?$rid=" + url.QueryEscape(rid)
}

// MethodResponseTopic answers a direct method
func MethodResponseTopic(status int, rid string) string {
	return fmt.Sprintf("%s%d/?$rid=%s", MethodResponsePrefix, status, url.QueryEscape(rid))
}

// ParseStatusTopic parses "{prefix}{status}/?{params}"
func ParseStatusTopic(topic, prefix string) (int, url.Values, error) {
	segment, params, err := ParseNamedTopic(topic, prefix)
	if err != nil {
		return 0, nil, err
	}
	status, err := strconv.Atoi(segment)
	if err != nil {
		return 0, nil, fmt.Errorf("invalid status in topic %s", topic)
	}
	return status, params, nil
}

// ParseNamedTopic parses "{prefix}{name}/?{params}", the trailing slash is optional
func ParseNamedTopic(topic, prefix string) (string, url.Values, error) {
	if !strings.HasPrefix(topic, prefix) {
		return "", nil, fmt.Errorf("topic %s does not start with %s", topic, prefix)
	}
	rest := strings.TrimPrefix(topic, prefix)
	name, query, _ := strings.Cut(rest, "?")
	name = strings.TrimSuffix(name, "/")
	params, err := url.ParseQuery(query)
	if err != nil {
		return "", nil, fmt.Errorf("invalid parameters in topic %s: %w", topic, err)
	}
	return name, params, nil
}
