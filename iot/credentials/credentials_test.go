package credentials

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pam8053/device/provisioning"
)

type registry struct {
	devices []string
}

func (r *registry) AddDevice(deviceID string) {
	r.devices = append(r.devices, deviceID)
}

func TestIssue(t *testing.T) {
	issuer, err := GenerateIssuer("pam8053 test CA")
	require.NoError(t, err)

	c, err := issuer.Issue("PAM-001")
	require.NoError(t, err)
	assert.Equal(t, issuer.CACertPEM(), c.CACert)

	block, _ := pem.Decode([]byte(c.Cert))
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "PAM-001", cert.Subject.CommonName)

	caBlock, _ := pem.Decode([]byte(c.CACert))
	ca, err := x509.ParseCertificate(caBlock.Bytes)
	require.NoError(t, err)
	assert.NoError(t, cert.CheckSignatureFrom(ca))

	keyBlock, _ := pem.Decode([]byte(c.Key))
	require.NotNil(t, keyBlock)
	assert.Equal(t, "EC PRIVATE KEY", keyBlock.Type)

	_, err = issuer.Issue("")
	assert.Error(t, err)
}

func TestConsoleFormatRoundTrip(t *testing.T) {
	issuer, err := GenerateIssuer("pam8053 test CA")
	require.NoError(t, err)
	c, err := issuer.Issue("PAM-001")
	require.NoError(t, err)

	for _, pair := range [][2]string{{c.ConsoleCACert, c.CACert}, {c.ConsoleCert, c.Cert}, {c.ConsoleKey, c.Key}} {
		assert.NotContains(t, pair[0], "\n")
		decoded, err := provisioning.DecodeSingleLinePEM(pair[0])
		require.NoError(t, err)
		assert.Equal(t, pair[1], decoded)
		assert.Less(t, len(decoded), 2000)
	}
}

func TestAPIIssuesOnce(t *testing.T) {
	issuer, err := GenerateIssuer("pam8053 test CA")
	require.NoError(t, err)
	reg := &registry{}
	router := mux.NewRouter()
	NewAPI(&Builder{Issuer: issuer, Router: router, Registry: reg})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/PAM-001/credentials", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	c := Credentials{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &c))
	assert.Equal(t, "PAM-001", c.DeviceID)
	assert.Equal(t, []string{"PAM-001"}, reg.devices)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/PAM-001/credentials", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/PAM-001/credentials", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
