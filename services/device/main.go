// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command device runs the PAM8053 device agent.
//
// The agent provisions the device identity and credentials on the console, waits for L4
// connectivity, registers with DPS and connects to the assigned hub. All configuration
// comes from the environment, see core/config.
package main

import (
	"context"
	"flag"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/app"
	"github.com/relabs-tech/pam8053/core/config"
	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/metrics"
	"github.com/relabs-tech/pam8053/core/settings"
	"github.com/relabs-tech/pam8053/device/boot"
	"github.com/relabs-tech/pam8053/device/credentials"
	"github.com/relabs-tech/pam8053/device/modem"
	"github.com/relabs-tech/pam8053/device/network"
	"github.com/relabs-tech/pam8053/device/provisioning"
	"github.com/relabs-tech/pam8053/device/telemetry"
	"github.com/relabs-tech/pam8053/device/tty"
	"github.com/relabs-tech/pam8053/iot/hub"
	"github.com/relabs-tech/pam8053/iot/hub/mqttclient"
	"github.com/relabs-tech/pam8053/iot/twin"
)

var factoryReset = flag.Bool("factory-reset", false, "delete identity, hub assignment and credentials, then restart")

// noModem stands in when no AT channel is configured
type noModem struct{}

func (noModem) Band(ctx context.Context) (uint8, error) {
	return 0, errs.Wrapf(errs.ErrNotReady, "no modem")
}

func (noModem) SignalQuality(ctx context.Context) (modem.SignalQuality, error) {
	return modem.SignalQuality{}, errs.Wrapf(errs.ErrNotReady, "no modem")
}

type radio interface {
	telemetry.RadioReader
	twin.BandReader
}

// relayLog stands in for the relay outputs when the board has no relay driver
type relayLog struct {
	log *logrus.Entry
}

func (r relayLog) SetRelay(relay int, on bool) error {
	r.log.Infof("relay %d on=%t", relay, on)
	return nil
}

type reporterFunc func(ctx context.Context, doc []byte) error

func (f reporterFunc) SendReported(ctx context.Context, doc []byte) error {
	return f(ctx, doc)
}

func openConsole(path string, o tty.Options) (io.Reader, io.Writer, error) {
	if path == "-" {
		return os.Stdin, os.Stdout, nil
	}
	port, err := tty.Open(path, o)
	if err != nil {
		return nil, nil, err
	}
	return port, port, nil
}

func serveMetrics(address string) {
	rlog := logger.ForComponent("diagnostics")
	router := mux.NewRouter()
	logger.AddRequestID(router)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	go func() {
		rlog.Infof("listen on %s", address)
		if err := http.ListenAndServe(address, handlers.LoggingHandler(os.Stdout, router)); err != nil {
			rlog.WithError(err).Error("diagnostics endpoint stopped")
		}
	}()
}

func main() {
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))
	rlog := logger.ForComponent("main")

	metrics.Init(nil)
	if len(cfg.MetricsAddress) > 0 {
		serveMetrics(cfg.MetricsAddress)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rebooter := boot.New(&boot.Builder{MarkerFile: cfg.BootMarker})

	store := settings.New(&settings.Builder{
		Dir: cfg.SettingsDir,
		MaxLengths: map[string]int{
			settings.KeySerialNo: cfg.MaxSerialNoLength,
			settings.KeyDeviceID: cfg.MaxDeviceIDLength,
			settings.KeyScopeID:  cfg.MaxScopeIDLength,
		},
	})
	if err := store.Init(ctx); err != nil {
		rlog.WithError(err).Error("settings store unavailable")
		rebooter.Reboot(boot.Error, "settings store unavailable")
		return
	}
	defer store.Close()

	creds := credentials.New(&credentials.Builder{Dir: cfg.CredentialsDir})
	slots := credentials.NewSlots(cfg.MainSecurityTag, cfg.SecondarySecurityTag)

	if *factoryReset {
		if err := provisioning.FactoryReset(store, creds, slots); err != nil {
			rebooter.Reboot(boot.Error, "factory reset failed")
			return
		}
		rebooter.Reboot(boot.Normal, "factory reset")
		return
	}

	in, out, err := openConsole(cfg.Console, tty.Options{BaudRate: cfg.ConsoleBaudRate})
	if err != nil {
		rlog.WithError(err).Error("cannot open console")
		rebooter.Reboot(boot.Error, "console unavailable")
		return
	}
	engine := provisioning.NewEngine(&provisioning.Builder{
		Console:           provisioning.NewConsole(in, out),
		Settings:          store,
		Credentials:       creds,
		Slots:             slots,
		MaxSerialNoLength: cfg.MaxSerialNoLength,
		MaxDeviceIDLength: cfg.MaxDeviceIDLength,
		MaxScopeIDLength:  cfg.MaxScopeIDLength,
		ChangeWindow:      cfg.ChangeWindow,
		AskTimeout:        cfg.AskTimeout,
	})
	identity, err := engine.Run(ctx)
	if err != nil {
		rlog.WithError(err).Error("provisioning failed")
		rebooter.Reboot(boot.Error, "provisioning failed")
		return
	}
	ctx, _ = logger.ContextWithDevice(ctx, identity.DeviceID)

	var m radio = noModem{}
	if len(cfg.Modem) > 0 {
		serial, err := modem.OpenSerial(cfg.Modem, tty.Options{BaudRate: cfg.ModemBaudRate})
		if err != nil {
			rlog.WithError(err).Warn("modem unavailable, connection data will be missing")
		} else {
			defer serial.Close()
			m = modem.New(serial)
		}
	}

	tlsConfig, err := creds.TLSConfig(slots, "")
	if err != nil {
		rlog.WithError(err).Error("cannot load TLS credentials")
		rebooter.Reboot(boot.Error, "TLS credentials invalid")
		return
	}

	var (
		application *app.App
		connector   *hub.Connector
	)

	synchronizer := twin.New(&twin.Builder{
		Serials: store,
		Radio:   m,
		Reporter: reporterFunc(func(ctx context.Context, doc []byte) error {
			return connector.SendReported(ctx, doc)
		}),
		Callback:        func(c twin.Config) { application.TwinCallback(c) },
		FirmwareVersion: cfg.FirmwareVersion,
		BufferSize:      cfg.ReportBufferSize,
	})

	connector = hub.New(&hub.Builder{
		Provisioner:     mqttclient.NewDps(mqttclient.DpsOptions{Endpoint: cfg.DpsEndpoint, TLS: tlsConfig}),
		NewClient:       mqttclient.NewFactory(tlsConfig, cfg.HubScheme, cfg.HubPort),
		Cache:           store.Accessor(settings.AssignmentPrefix),
		Rebooter:        rebooter,
		Image:           rebooter,
		Handler:         func(n hub.Notification) { application.HubHandler(n) },
		Twin:            synchronizer,
		DpsTimeout:      cfg.DpsTimeout,
		ConnectAttempts: cfg.ConnectAttempts,
		MaxRetry:        cfg.MaxConnectRetry,
	})

	manager := network.New(&network.Builder{
		Stack:    network.NewLinkMonitor(cfg.NetworkInterface, cfg.NetworkPoll),
		Handler:  func(ev network.Event) { application.NetworkHandler(ev) },
		Rebooter: rebooter,
	})

	application = app.New(&app.Builder{
		Hub:       connector,
		Network:   manager,
		Messages:  telemetry.New(&telemetry.Builder{DeviceID: identity.DeviceID, Radio: m, Channels: synchronizer}),
		Rebooter:  rebooter,
		Actuators: relayLog{log: logger.ForComponent("relays")},
	})

	manager.Start(ctx)
	if err := manager.Connect(ctx, cfg.NetworkTimeout); err != nil {
		rebooter.Reboot(boot.Error, "no network connectivity")
		return
	}

	connector.Start(ctx)
	dpsCtx, cancel := context.WithTimeout(ctx, cfg.DpsTimeout+10*time.Second)
	err = connector.Init(dpsCtx, identity)
	cancel()
	if err != nil {
		rlog.WithError(err).Error("hub initialization failed")
		rebooter.Reboot(boot.Error, "hub initialization failed")
		return
	}

	if err := application.Run(ctx); err != nil {
		rlog.WithError(err).Error("main loop failed")
	}

	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	connector.Disconnect(shutdown)
	manager.Disconnect(shutdown)
}
