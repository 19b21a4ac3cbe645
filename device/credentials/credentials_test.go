package credentials

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pam8053/core/errs"
)

func selfSigned(t *testing.T, cn string) (certPEM, keyPEM string) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1658),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDer, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDer}))
}

func TestWriteExistsDelete(t *testing.T) {
	dir := t.TempDir()
	s := New(&Builder{Dir: dir})
	require.NoError(t, s.Ready())
	slots := NewSlots(10, 11)
	cert, _ := selfSigned(t, "ca")

	ok, err := s.Exists(slots.MainCA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(slots.MainCA, cert))
	ok, err = s.Exists(slots.MainCA)
	require.NoError(t, err)
	assert.True(t, ok)

	info, err := os.Stat(filepath.Join(dir, "10", "ca.pem"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// the secondary CA lives under its own tag
	ok, err = s.Exists(slots.SecondaryCA)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Delete(slots.MainCA))
	require.NoError(t, s.Delete(slots.MainCA))
	ok, err = s.Exists(slots.MainCA)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteValidates(t *testing.T) {
	s := New(&Builder{Dir: t.TempDir()})
	slots := NewSlots(10, 11)
	cert, key := selfSigned(t, "device")

	for name, tc := range map[string]struct {
		slot Slot
		data string
	}{
		"not pem":         {slots.MainCA, "hello"},
		"key as ca":       {slots.MainCA, key},
		"cert as key":     {slots.PrivateKey, cert},
		"oversized block": {slots.ClientCert, cert + strings.Repeat("x", MaxSize)},
	} {
		err := s.Write(tc.slot, tc.data)
		assert.True(t, errors.Is(err, errs.ErrInvalidInput), name)
	}

	assert.NoError(t, s.Write(slots.PrivateKey, key))
	assert.NoError(t, s.Write(slots.ClientCert, cert))
}

func TestPurge(t *testing.T) {
	s := New(&Builder{Dir: t.TempDir()})
	slots := NewSlots(10, 11)
	cert, key := selfSigned(t, "device")
	require.NoError(t, s.Write(slots.MainCA, cert))
	require.NoError(t, s.Write(slots.ClientCert, cert))
	require.NoError(t, s.Write(slots.PrivateKey, key))

	require.NoError(t, s.Purge(slots.All()))
	for _, slot := range slots.All() {
		ok, err := s.Exists(slot)
		require.NoError(t, err)
		assert.False(t, ok, slot.Name)
	}
}

func TestTLSConfig(t *testing.T) {
	s := New(&Builder{Dir: t.TempDir()})
	slots := NewSlots(10, 11)
	ca, _ := selfSigned(t, "ca")
	cert, key := selfSigned(t, "PAM-001")

	_, err := s.TLSConfig(slots, "hub.example.net")
	assert.True(t, errors.Is(err, errs.ErrNotFound))

	require.NoError(t, s.Write(slots.MainCA, ca))
	require.NoError(t, s.Write(slots.ClientCert, cert))
	require.NoError(t, s.Write(slots.PrivateKey, key))

	cfg, err := s.TLSConfig(slots, "hub.example.net")
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", cfg.ServerName)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "ca", TypeCA.String())
	assert.Equal(t, "client-cert", TypeClientCert.String())
	assert.Equal(t, "private-key", TypePrivateKey.String())
	assert.Equal(t, "type-7", Type(7).String())
}
