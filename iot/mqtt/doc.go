// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package mqtt provides the hub simulator, an MQTT broker that emulates the device
provisioning service and the device side of the hub for local development

DPS

A device connects with its registration id as client id and publishes

	$dps/registrations/PUT/iotdps-register/?$rid={rid}

with {"registrationId": ...}. The simulator answers with 202 "assigning" and an operation
id. The device polls

	$dps/registrations/GET/iotdps-get-operationstatus/?$rid={rid}&operationId={op}

and receives 200 "assigned" with the hub and the device id. Unknown registrations are
refused with 404 unless the store was created with auto registration.

Device Twin

The full twin is requested on $iothub/twin/GET/ and returned on $iothub/twin/res/200/.
Reported patches on $iothub/twin/PATCH/properties/reported/ are merged into the stored
reported properties and acknowledged with 204. Desired patches set through the REST API
are merged into the desired properties and published on
$iothub/twin/PATCH/properties/desired/?$version={n}.

Direct Methods

Methods invoked through the REST API are published on $iothub/methods/POST/{name}/ and
wait for the device's answer on $iothub/methods/res/{status}/.

REST API

	GET  /devices
	GET  /devices/{device_id}/twin
	PUT  /devices/{device_id}/twin/desired
	POST /devices/{device_id}/methods/{method}
	POST /devices/{device_id}/messages
	GET  /devices/{device_id}/telemetry

Seed

The store can be seeded from a YAML file:

	hostname: localhost
	devices:
	  - deviceId: PAM-001
	    desired:
	      telemetryConfig:
	        heartbeatSendInterval: 60
*/
package mqtt
