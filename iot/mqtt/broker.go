// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"sync"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/logger"
)

// Broker is the MQTT broker of the hub simulator
type Broker struct {
	p *plugin
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Simulator handles the device protocol. This is mandatory.
	Simulator *Simulator
	// Address is the listen address. Defaults to ":8883" with TLS and ":1883" without.
	Address string
	// CACertFile is the file path to the X.509 certificate of the certificate authority
	// that signed the device certificates. TLS is enabled when CACertFile is set.
	CACertFile string
	// CertFile is the file path to the X.509 server certificate. Mandatory with TLS.
	CertFile string
	// KeyFile is the file path to the X.509 server private key. Mandatory with TLS.
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	ln             net.Listener
	commonNamesMux sync.RWMutex
	commonNames    map[net.Conn]string

	serviceMux sync.RWMutex
	service    gmqtt.Server

	sim *Simulator
	log *logrus.Entry
}

// TLSConfig returns the server TLS configuration requiring client certificates signed
// by the CA in caCertFile
func TLSConfig(caCertFile, certFile, keyFile string) (*tls.Config, error) {
	crt, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	caCert, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, err
	}
	caCertPool := x509.NewCertPool()
	caCertPool.AppendCertsFromPEM(caCert)
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    caCertPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

// NewBroker returns a new broker listening on the configured address. The broker will not
// actually serve until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Simulator == nil {
		panic("simulator missing")
	}

	address := bb.Address
	var ln net.Listener
	var err error
	if len(bb.CACertFile) > 0 {
		if len(bb.CertFile) == 0 {
			panic("cert file missing")
		}
		if len(bb.KeyFile) == 0 {
			panic("key file missing")
		}
		tlsConfig, err := TLSConfig(bb.CACertFile, bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		if len(address) == 0 {
			address = ":8883"
		}
		ln, err = tls.Listen("tcp", address, tlsConfig)
		if err != nil {
			panic(err)
		}
	} else {
		if len(address) == 0 {
			address = ":1883"
		}
		ln, err = net.Listen("tcp", address)
		if err != nil {
			panic(err)
		}
	}

	b := &Broker{
		p: &plugin{
			ln:          ln,
			commonNames: make(map[net.Conn]string),
			sim:         bb.Simulator,
			log:         logger.ForComponent("broker"),
		},
	}
	bb.Simulator.SetPublisher(b)
	return b
}

// Addr returns the listen address of the broker
func (b *Broker) Addr() net.Addr {
	return b.p.ln.Addr()
}

// Run serves until the context is done and then shuts the server down gracefully
func (b *Broker) Run(ctx context.Context) error {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.p.ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.p.log.Infof("listening on %s", b.p.ln.Addr())
	<-ctx.Done()
	err := s.Stop(context.Background())
	b.p.log.Info("stopped")
	return err
}

// PublishToClient publishes an MQTT message with quality level 1 to a single client
func (b *Broker) PublishToClient(clientID, topic string, payload []byte) {
	b.p.serviceMux.RLock()
	service := b.p.service
	b.p.serviceMux.RUnlock()
	if service == nil {
		b.p.log.Warnf("broker not running, dropping message on %s", topic)
		return
	}
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	service.PublishService().PublishToClient(clientID, msg, true)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "pam8053 hub simulator" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

func (p *plugin) commonNameFromConnection(conn net.Conn) (string, bool) {
	p.commonNamesMux.RLock()
	defer p.commonNamesMux.RUnlock()
	commonName, ok := p.commonNames[conn]
	return commonName, ok
}

// OnAcceptWrapper records the common name of the client certificate
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			if err := tlsConn.Handshake(); err != nil {
				p.log.WithError(err).Warn("handshake failed")
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			commonName := state.VerifiedChains[0][0].Subject.CommonName

			p.commonNamesMux.Lock()
			p.commonNames[conn] = commonName
			p.commonNamesMux.Unlock()
			p.log.Debugf("accept %s", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		if commonName, ok := p.commonNameFromConnection(client.Connection()); ok && commonName != clientID {
			p.log.Warnf("connect denied, %s not authorized", clientID)
			return packets.CodeNotAuthorized
		}
		p.log.Infof("connect %s", clientID)
		return connect(ctx, client)
	}
}

// OnMsgArrivedWrapper hands messages to the simulator. Consumed messages are not
// delivered to subscribers.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		clientID := client.OptionsReader().ClientID()
		if p.sim.HandleMessage(clientID, msg.Topic(), msg.Payload()) {
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces topic policy
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		clientID := client.OptionsReader().ClientID()
		if !p.sim.Allowed(clientID, topic.Name) {
			p.log.Warnf("subscribe %s %s denied", clientID, topic.Name)
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper tells the simulator about the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		clientID := client.OptionsReader().ClientID()
		p.log.Debugf("subscribed %s %s", clientID, topic.Name)
		p.sim.Subscribed(clientID, topic.Name)
		subscribed(ctx, client, topic)
	}
}
