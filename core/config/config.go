// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package config holds the configuration of the device agent.
//
// The configuration is read from the environment with envdecode. Every field has a default
// so that a device boots with an empty environment.
package config

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Configuration is the device agent configuration
type Configuration struct {
	LogLevel string `env:"LOG_LEVEL,default=info" description:"logrus log level"`

	SettingsDir    string `env:"SETTINGS_DIR,default=/var/lib/pam8053/settings" description:"directory of the settings store"`
	CredentialsDir string `env:"CREDENTIALS_DIR,default=/var/lib/pam8053/credentials" description:"directory holding the TLS credential slots"`
	BootMarker     string `env:"BOOT_MARKER,default=/var/lib/pam8053/image-confirmed" description:"marker file written when the running image is confirmed"`

	Console         string        `env:"CONSOLE,default=/dev/ttyS0" description:"provisioning console device, '-' for stdin"`
	ConsoleBaudRate int           `env:"CONSOLE_BAUD_RATE,default=115200" description:"baud rate of the provisioning console"`
	ChangeWindow    time.Duration `env:"CHANGE_WINDOW,default=10s" description:"time the operator has to request a change of a stored value"`
	AskTimeout      time.Duration `env:"ASK_TIMEOUT,default=1m" description:"time the operator has to enter a value"`

	MaxSerialNoLength int `env:"MAX_SERIAL_NO_LENGTH,default=16" description:"maximum length of the serial number"`
	MaxDeviceIDLength int `env:"MAX_DEVICE_ID_LENGTH,default=16" description:"maximum length of the device id"`
	MaxScopeIDLength  int `env:"MAX_SCOPE_ID_LENGTH,default=12" description:"maximum length of the scope id"`

	MainSecurityTag      int `env:"MAIN_SECURITY_TAG,default=10" description:"security tag of the main CA, client certificate and private key"`
	SecondarySecurityTag int `env:"SECONDARY_SECURITY_TAG,default=11" description:"security tag of the secondary CA"`

	Modem         string `env:"MODEM,default=/dev/ttyACM0" description:"AT command channel of the modem, empty to disable"`
	ModemBaudRate int    `env:"MODEM_BAUD_RATE,default=115200" description:"baud rate of the modem AT channel"`

	NetworkInterface string        `env:"NETWORK_INTERFACE,default=wwan0" description:"network interface monitored for L4 connectivity"`
	NetworkPoll      time.Duration `env:"NETWORK_POLL,default=2s" description:"poll interval of the network interface"`
	NetworkTimeout   time.Duration `env:"NETWORK_TIMEOUT,default=300s" description:"time to wait for L4 connectivity at boot"`

	DpsEndpoint string        `env:"DPS_ENDPOINT,default=tls://global.azure-devices-provisioning.net:8883" description:"MQTT url of the device provisioning service"`
	DpsTimeout  time.Duration `env:"DPS_TIMEOUT,default=60s" description:"time to wait for a DPS registration"`
	HubPort     int           `env:"HUB_PORT,default=8883" description:"MQTT port of the assigned hub"`
	HubScheme   string        `env:"HUB_SCHEME,default=tls" description:"MQTT scheme of the assigned hub"`

	ConnectAttempts  int `env:"CONNECT_ATTEMPTS,default=20" description:"attempts of a blocking hub connect, 0 for unlimited"`
	MaxConnectRetry  int `env:"MAX_CONNECT_RETRY,default=20" description:"consecutive reconnects before the device restarts"`
	ReportBufferSize int `env:"REPORT_BUFFER_SIZE,default=1024" description:"maximum size of a reported twin document"`

	FirmwareVersion string `env:"FIRMWARE_VERSION,default=1.0.0" description:"firmware version reported in the device twin"`
	MetricsAddress  string `env:"METRICS_ADDRESS" description:"listen address of the diagnostics endpoint, empty to disable"`
}

// FromEnv decodes the configuration from the environment
func FromEnv() (*Configuration, error) {
	c := &Configuration{}
	if err := envdecode.Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}
