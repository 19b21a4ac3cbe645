// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package credentials stores the TLS material of the device in credential slots.

A slot is addressed by a security tag and a credential type and is kept as a PEM file
{dir}/{tag}/{type}.pem with mode 0600. Callers can query whether a slot is filled, the
content is only read back when the TLS configuration for the hub connection is built.
*/
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
)

// MaxSize is the maximum size of a PEM blob
const MaxSize = 2000

// Type is the credential type of a slot
type Type int

// Credential types
const (
	TypeCA Type = iota
	TypeClientCert
	TypePrivateKey
)

func (t Type) String() string {
	switch t {
	case TypeCA:
		return "ca"
	case TypeClientCert:
		return "client-cert"
	case TypePrivateKey:
		return "private-key"
	}
	return "type-" + strconv.Itoa(int(t))
}

// Slot is a credential slot
type Slot struct {
	Name string
	Tag  int
	Type Type
}

// Slots are the credential slots used by the device
type Slots struct {
	MainCA      Slot
	SecondaryCA Slot
	ClientCert  Slot
	PrivateKey  Slot
}

// NewSlots returns the slots for the given security tags
func NewSlots(mainTag, secondaryTag int) Slots {
	return Slots{
		MainCA:      Slot{Name: "mainCA", Tag: mainTag, Type: TypeCA},
		SecondaryCA: Slot{Name: "secondaryCA", Tag: secondaryTag, Type: TypeCA},
		ClientCert:  Slot{Name: "clientCert", Tag: mainTag, Type: TypeClientCert},
		PrivateKey:  Slot{Name: "privateKey", Tag: mainTag, Type: TypePrivateKey},
	}
}

// All returns all slots in provisioning order
func (s Slots) All() []Slot {
	return []Slot{s.MainCA, s.SecondaryCA, s.ClientCert, s.PrivateKey}
}

// Builder is a builder helper for the Store
type Builder struct {
	// Dir is the base directory of the slots. This is mandatory.
	Dir string
}

// Store is the credential slot store
type Store struct {
	dir string
	log *logrus.Entry
}

// New returns a new credential store
func New(b *Builder) *Store {
	if len(b.Dir) == 0 {
		panic("credentials directory missing")
	}
	return &Store{
		dir: b.Dir,
		log: logger.ForComponent("credentials"),
	}
}

// Ready makes sure the storage backend is usable
func (s *Store) Ready() error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return errs.Wrap(err, errs.ErrFatalDeviceFault)
	}
	return nil
}

func (s *Store) path(slot Slot) string {
	return filepath.Join(s.dir, strconv.Itoa(slot.Tag), slot.Type.String()+".pem")
}

// Exists tells whether the slot holds credential material
func (s *Store) Exists(slot Slot) (bool, error) {
	info, err := os.Stat(s.path(slot))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Size() > 0, nil
}

// Write validates the PEM data and writes it into the slot, replacing previous content.
func (s *Store) Write(slot Slot, data string) error {
	if len(data) > MaxSize {
		return errs.Wrapf(errs.ErrInvalidInput, "%s exceeds %d bytes", slot.Name, MaxSize)
	}
	if err := validate(slot, []byte(data)); err != nil {
		return err
	}

	p := s.path(slot)
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return err
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, []byte(data), 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		os.Remove(tmp)
		return err
	}
	s.log.Infof("wrote %s (tag %d, %s)", slot.Name, slot.Tag, slot.Type)
	return nil
}

// Delete empties the slot. Deleting an empty slot is not an error.
func (s *Store) Delete(slot Slot) error {
	err := os.Remove(s.path(slot))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Purge deletes all given slots
func (s *Store) Purge(slots []Slot) error {
	var err error
	for _, slot := range slots {
		if e := s.Delete(slot); e != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", slot.Name, e))
		}
	}
	return err
}

func validate(slot Slot, data []byte) error {
	block, _ := pem.Decode(data)
	if block == nil {
		return errs.Wrapf(errs.ErrInvalidInput, "%s is not PEM encoded", slot.Name)
	}
	switch slot.Type {
	case TypeCA, TypeClientCert:
		if block.Type != "CERTIFICATE" {
			return errs.Wrapf(errs.ErrInvalidInput, "%s: unexpected PEM block %q", slot.Name, block.Type)
		}
	case TypePrivateKey:
		if !strings.HasSuffix(block.Type, "PRIVATE KEY") {
			return errs.Wrapf(errs.ErrInvalidInput, "%s: unexpected PEM block %q", slot.Name, block.Type)
		}
	}
	return nil
}

// TLSConfig builds the client TLS configuration from the slots. Both CA certificates are
// trusted; a missing secondary CA is tolerated.
func (s *Store) TLSConfig(slots Slots, serverName string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	for _, slot := range []Slot{slots.MainCA, slots.SecondaryCA} {
		data, err := os.ReadFile(s.path(slot))
		if errors.Is(err, os.ErrNotExist) && slot == slots.SecondaryCA {
			continue
		}
		if err != nil {
			return nil, errs.Wrap(err, errs.ErrNotFound)
		}
		if !pool.AppendCertsFromPEM(data) {
			return nil, errs.Wrapf(errs.ErrInvalidInput, "%s holds no certificate", slot.Name)
		}
	}

	crt, err := tls.LoadX509KeyPair(s.path(slots.ClientCert), s.path(slots.PrivateKey))
	if err != nil {
		return nil, errs.Wrap(err, errs.ErrInvalidInput)
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{crt},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
