// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package settings

import (
	"errors"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"

	"github.com/relabs-tech/pam8053/core/errs"
)

// Identity is the identity of the device
type Identity struct {
	SerialNo string `json:"serialNo"`
	DeviceID string `json:"deviceId"`
	ScopeID  string `json:"scopeId"`
}

// Complete tells whether all identity strings are set
func (i Identity) Complete() bool {
	return len(i.SerialNo) > 0 && len(i.DeviceID) > 0 && len(i.ScopeID) > 0
}

// LoadIdentity returns the stored identity. Missing values are left empty.
func (s *Store) LoadIdentity() Identity {
	get := func(key string) string {
		v, _ := s.Get(key)
		return v
	}
	return Identity{
		SerialNo: get(KeySerialNo),
		DeviceID: get(KeyDeviceID),
		ScopeID:  get(KeyScopeID),
	}
}

// DeleteIdentity deletes all identity strings
func (s *Store) DeleteIdentity() error {
	var err error
	for _, key := range IdentityKeys {
		err = multierr.Append(err, s.Delete(key))
	}
	return err
}

// Accessor is an accessor to JSON values with optional prefix
type Accessor struct {
	Prefix string
	Store  *Store
}

// Accessor returns a store accessor with prefix
func (s *Store) Accessor(prefix string) Accessor {
	return Accessor{
		Prefix: prefix,
		Store:  s,
	}
}

func (a Accessor) key(key string) string {
	if len(a.Prefix) > 0 {
		return a.Prefix + "/" + key
	}
	return key
}

// Read reads a value from the store. It returns false if there is no value.
//
// If the accessor has a prefix, the key is prepended with "{prefix}/"
func (a Accessor) Read(key string, value interface{}) (bool, error) {
	raw, err := a.Store.Get(a.key(key))
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal([]byte(raw), value)
}

// Write writes a value into the store.
//
// If the accessor has a prefix, the key is prepended with "{prefix}/"
func (a Accessor) Write(key string, value interface{}) error {
	body, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return a.Store.Save(a.key(key), string(body))
}

// Delete deletes a value from the store.
//
// If the accessor has a prefix, the key is prepended with "{prefix}/"
func (a Accessor) Delete(key string) error {
	return a.Store.Delete(a.key(key))
}
