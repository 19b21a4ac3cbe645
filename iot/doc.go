// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package iot provides the cloud side of the device agent

The hub package connects the device to its hub through DPS and turns the hub traffic into
events, the mqttclient package below it speaks the MQTT protocol of DPS and the hub. The twin
package keeps the device configuration in sync with the device twin.

For local development the mqtt package provides a hub simulator, an MQTT broker which answers
DPS registrations, keeps device twins and invokes direct methods. The credentials package
issues device certificates for the simulator. Both need only a message publisher to reach a
device, which the broker satisfies.
*/
package iot
