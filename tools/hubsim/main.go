// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Command hubsim runs the hub simulator for local development.
//
// It serves DPS and the hub over MQTT and the REST API over HTTP. Without CA files it
// listens on plain tcp and generates a throw-away CA for the credentials endpoint.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"

	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/iot/credentials"
	"github.com/relabs-tech/pam8053/iot/mqtt"
)

// Service holds the configuration for this service
type Service struct {
	LogLevel     string        `env:"LOG_LEVEL,default=info" description:"logrus log level"`
	Hostname     string        `env:"HUBSIM_HOSTNAME,default=localhost" description:"hub assigned to registering devices"`
	MQTTAddress  string        `env:"HUBSIM_MQTT_ADDRESS" description:"MQTT listen address, defaults to :8883 with TLS and :1883 without"`
	HTTPAddress  string        `env:"HUBSIM_HTTP_ADDRESS,default=:3000" description:"REST API listen address"`
	AutoRegister bool          `env:"HUBSIM_AUTO_REGISTER,default=true" description:"assign unknown registrations to the default hub"`
	SeedFile     string        `env:"HUBSIM_SEED" description:"YAML file with devices and initial desired properties"`
	CACertFile   string        `env:"HUBSIM_CA_CERT" description:"CA certificate, enables TLS"`
	CAKeyFile    string        `env:"HUBSIM_CA_KEY" description:"CA private key for issuing device credentials"`
	CertFile     string        `env:"HUBSIM_CERT" description:"server certificate"`
	KeyFile      string        `env:"HUBSIM_KEY" description:"server private key"`
	MethodWait   time.Duration `env:"HUBSIM_METHOD_TIMEOUT,default=30s" description:"time a device has to answer a direct method"`
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	logger.InitLogger(logger.ParseLevel(service.LogLevel))
	rlog := logger.ForComponent("hubsim")

	store := mqtt.NewStore(service.Hostname, service.AutoRegister)
	if len(service.SeedFile) > 0 {
		seed, err := mqtt.ReadSeedFile(service.SeedFile)
		if err != nil {
			panic(err)
		}
		store.Load(seed)
		rlog.Infof("seeded %d devices from %s", len(seed.Devices), service.SeedFile)
	}
	sim := mqtt.NewSimulator(store).WithMethodTimeout(service.MethodWait)

	var issuer *credentials.Issuer
	var err error
	if len(service.CACertFile) > 0 && len(service.CAKeyFile) > 0 {
		issuer, err = credentials.LoadIssuer(service.CACertFile, service.CAKeyFile)
	} else {
		rlog.Warn("no CA configured, issuing credentials from a generated CA")
		issuer, err = credentials.GenerateIssuer("pam8053 hub simulator CA")
	}
	if err != nil {
		panic(err)
	}

	broker := mqtt.NewBroker(&mqtt.Builder{
		Simulator:  sim,
		Address:    service.MQTTAddress,
		CACertFile: service.CACertFile,
		CertFile:   service.CertFile,
		KeyFile:    service.KeyFile,
	})

	router := mux.NewRouter()
	logger.AddRequestID(router)
	mqtt.NewAPI(&mqtt.APIBuilder{Simulator: sim, Router: router})
	credentials.NewAPI(&credentials.Builder{Issuer: issuer, Router: router, Registry: store})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{Addr: service.HTTPAddress, Handler: handlers.LoggingHandler(os.Stdout, router)}
	go func() {
		rlog.Infof("listen on %s", service.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rlog.WithError(err).Error("REST API stopped")
			stop()
		}
	}()

	if err := broker.Run(ctx); err != nil {
		rlog.WithError(err).Error("broker stopped with error")
	}
	shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(shutdown)
}
