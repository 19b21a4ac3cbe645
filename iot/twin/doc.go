// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package twin keeps the configuration of the device in sync with its device twin

A device twin is a JSON document held by the hub. It pairs the desired configuration, written
by the cloud, with the reported configuration, written by the device.

The device receives the desired side in two forms: the full twin after connecting, with the
desired properties wrapped in a "desired" object, and desired patches afterwards. Both are
handled the same way. Only recognized fields with the expected type are applied, everything
else keeps its prior value:

	{
	  "telemetryConfig": {"heartbeatSendInterval": 300, "powerMeterSendInterval": 60},
	  "doorStatus": {"status": 0, "code": 1234},
	  "relayConfig": {"relay1": 1, "relay2": false},
	  "u0Config": {"alarm0Priority": 3, "alarm0Name": "Front door"},
	  "u1Config": {"alarm1Priority": 5, "alarm1Name": "Back door"}
	}

Intervals are seconds and may also be sent as numeric strings. Alarm names have at most 64
characters and must not contain control characters.

After each update the device reports its complete configuration together with the device
information:

	"deviceInfo": {"serialNo": "SN-42", "mobileBand": 20, "version": "1.0.0", "model": "PAM8002"}

The reported document must fit into 1024 bytes and is validated against the JSON schema in
schemas/reported.json before it is sent.

Updates are applied one at a time in arrival order. The callback registered with the Builder
runs after every update, even if nothing changed.
*/
package twin
