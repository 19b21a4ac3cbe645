// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package credentials issues device credentials for the hub simulator

The package signs X.509 client certificates for devices with a certificate authority and
provides a single REST route to download them:

	POST /devices/{device_id}/credentials

The returned credentials are
	deviceId:	the device id, also the common name of the certificate
	caCert:		the certificate of the authority
	cert:		the X.509 client certificate
	key:		the P-256 private key of the certificate

plus the same three PEM blocks as single lines (consoleCaCert, consoleCert, consoleKey),
which is the format the provisioning console of the device expects.

Credentials are returned only once per device. Subsequent requests result in 204 No Content.
*/
package credentials
