// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package credentials

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/device/provisioning"
)

// Validity is the lifetime of an issued device certificate
const Validity = 10 * 365 * 24 * time.Hour

// Credentials is the credential material of one device. The Console fields hold the
// same PEM blocks on a single line, ready to be pasted into the provisioning console.
type Credentials struct {
	DeviceID      string `json:"deviceId"`
	CACert        string `json:"caCert"`
	Cert          string `json:"cert"`
	Key           string `json:"key"`
	ConsoleCACert string `json:"consoleCaCert"`
	ConsoleCert   string `json:"consoleCert"`
	ConsoleKey    string `json:"consoleKey"`
}

// Issuer signs device certificates with a certificate authority
type Issuer struct {
	caCert    *x509.Certificate
	caCertPEM string
	caKey     crypto.Signer
}

// LoadIssuer reads the certificate authority from PEM files. The private key may be PKCS#8,
// PKCS#1 or SEC 1 encoded.
func LoadIssuer(caCertFile, caKeyFile string) (*Issuer, error) {
	caCertData, err := os.ReadFile(caCertFile)
	if err != nil {
		return nil, err
	}
	caKeyData, err := os.ReadFile(caKeyFile)
	if err != nil {
		return nil, err
	}
	caCertDataPEM, _ := pem.Decode(caCertData)
	if caCertDataPEM == nil {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "%s is not PEM encoded", caCertFile)
	}
	caCert, err := x509.ParseCertificate(caCertDataPEM.Bytes)
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrInvalidInput)
	}
	caKeyDataPEM, _ := pem.Decode(caKeyData)
	if caKeyDataPEM == nil {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "%s is not PEM encoded", caKeyFile)
	}
	caKey, err := parsePrivateKey(caKeyDataPEM.Bytes)
	if err != nil {
		return nil, err
	}
	return &Issuer{caCert: caCert, caCertPEM: string(caCertData), caKey: caKey}, nil
}

func parsePrivateKey(der []byte) (crypto.Signer, error) {
	if key, err := x509.ParsePKCS8PrivateKey(der); err == nil {
		if signer, ok := key.(crypto.Signer); ok {
			return signer, nil
		}
		return nil, errs.Wrapf(errs.ErrInvalidInput, "unsupported CA key type %T", key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParseECPrivateKey(der)
	if err != nil {
		return nil, errs.Wrap(fmt.Errorf("unsupported CA key: %w", err), errs.ErrInvalidInput)
	}
	return key, nil
}

// GenerateIssuer creates a self-signed certificate authority for development
func GenerateIssuer(commonName string) (*Issuer, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber:          serialNumber(),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(Validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	caCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Issuer{caCert: caCert, caCertPEM: encode("CERTIFICATE", der), caKey: key}, nil
}

func serialNumber() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func encode(blockType string, der []byte) string {
	buf := new(bytes.Buffer)
	pem.Encode(buf, &pem.Block{Type: blockType, Bytes: der})
	return buf.String()
}

// CACertPEM returns the certificate of the authority
func (i *Issuer) CACertPEM() string {
	return i.caCertPEM
}

// Issue creates a P-256 key and a client certificate with the device id as common name
func (i *Issuer) Issue(deviceID string) (*Credentials, error) {
	if len(deviceID) == 0 {
		return nil, errs.Wrapf(errs.ErrInvalidInput, "device id missing")
	}
	cert := &x509.Certificate{
		SerialNumber: serialNumber(),
		Subject: pkix.Name{
			CommonName: deviceID,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(Validity),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}

	certPrivKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, cert, i.caCert, &certPrivKey.PublicKey, i.caKey)
	if err != nil {
		return nil, err
	}
	keyBytes, err := x509.MarshalECPrivateKey(certPrivKey)
	if err != nil {
		return nil, err
	}

	c := &Credentials{
		DeviceID: deviceID,
		CACert:   i.caCertPEM,
		Cert:     encode("CERTIFICATE", certBytes),
		Key:      encode("EC PRIVATE KEY", keyBytes),
	}
	c.ConsoleCACert = provisioning.EncodeSingleLinePEM(c.CACert)
	c.ConsoleCert = provisioning.EncodeSingleLinePEM(c.Cert)
	c.ConsoleKey = provisioning.EncodeSingleLinePEM(c.Key)
	return c, nil
}

// Registry learns about devices that received credentials
type Registry interface {
	AddDevice(deviceID string)
}

// API is the REST interface for issuing device credentials
type API struct {
	issuer   *Issuer
	registry Registry

	mu     sync.Mutex
	issued map[string]bool
}

// Builder is a builder helper for the API
type Builder struct {
	// Issuer signs the device certificates. This is mandatory.
	Issuer *Issuer
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Registry is told about every device that received credentials. Optional.
	Registry Registry
}

// NewAPI adds the /devices/{device_id}/credentials route to the router
func NewAPI(b *Builder) *API {
	if b.Issuer == nil {
		panic("issuer missing")
	}
	if b.Router == nil {
		panic("router missing")
	}
	a := &API{
		issuer:   b.Issuer,
		registry: b.Registry,
		issued:   make(map[string]bool),
	}
	a.handleRoutes(b.Router)
	return a
}

func (a *API) handleRoutes(router *mux.Router) {
	logger.ForComponent("credentials").Infoln("handle route /devices/{device_id}/credentials POST")

	router.HandleFunc("/devices/{device_id}/credentials",
		func(w http.ResponseWriter, r *http.Request) {
			rlog := logger.FromContext(r.Context())
			deviceID := mux.Vars(r)["device_id"]

			a.mu.Lock()
			issued := a.issued[deviceID]
			a.issued[deviceID] = true
			a.mu.Unlock()
			if issued {
				// credentials can only be downloaded once
				w.WriteHeader(http.StatusNoContent)
				return
			}

			c, err := a.issuer.Issue(deviceID)
			if err != nil {
				a.mu.Lock()
				delete(a.issued, deviceID)
				a.mu.Unlock()
				rlog.WithError(err).Error("cannot issue credentials")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if a.registry != nil {
				a.registry.AddDevice(deviceID)
			}
			rlog.Infof("issued credentials for %s", deviceID)

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(c)
		}).Methods(http.MethodOptions, http.MethodPost)
}
