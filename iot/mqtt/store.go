// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package mqtt

import (
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relabs-tech/pam8053/core/errs"
)

// Twin is the simulated device twin of one device
type Twin struct {
	DeviceID        string                 `json:"deviceId"`
	Hub             string                 `json:"hub"`
	Desired         map[string]interface{} `json:"desired"`
	DesiredVersion  int                    `json:"desiredVersion"`
	Reported        map[string]interface{} `json:"reported"`
	ReportedVersion int                    `json:"reportedVersion"`
	DesiredAt       time.Time              `json:"desiredAt"`
	ReportedAt      time.Time              `json:"reportedAt"`
}

// Seed is the YAML seed of the simulator
type Seed struct {
	// Hostname is the hub assigned to devices without an explicit hub
	Hostname string       `yaml:"hostname"`
	Devices  []SeedDevice `yaml:"devices"`
}

// SeedDevice is one seeded device
type SeedDevice struct {
	DeviceID       string                 `yaml:"deviceId"`
	RegistrationID string                 `yaml:"registrationId"`
	Hub            string                 `yaml:"hub"`
	Desired        map[string]interface{} `yaml:"desired"`
}

// ReadSeed reads a YAML seed
func ReadSeed(r io.Reader) (*Seed, error) {
	seed := &Seed{}
	if err := yaml.NewDecoder(r).Decode(seed); err != nil {
		if err == io.EOF {
			return seed, nil
		}
		return nil, errs.Wrap(fmt.Errorf("invalid seed: %w", err), errs.ErrInvalidInput)
	}
	for i, d := range seed.Devices {
		if len(d.DeviceID) == 0 {
			return nil, errs.Wrapf(errs.ErrInvalidInput, "seed device %d has no deviceId", i)
		}
	}
	return seed, nil
}

// ReadSeedFile reads a YAML seed from a file
func ReadSeedFile(path string) (*Seed, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSeed(f)
}

// Store holds the registrations and twins of the simulator in memory
type Store struct {
	hostname      string
	autoRegister  bool
	mu            sync.RWMutex
	registrations map[string]string
	twins         map[string]*Twin
}

// NewStore returns an empty store. Devices registering with an unknown registration id
// are assigned to hostname if autoRegister is set.
func NewStore(hostname string, autoRegister bool) *Store {
	return &Store{
		hostname:      hostname,
		autoRegister:  autoRegister,
		registrations: make(map[string]string),
		twins:         make(map[string]*Twin),
	}
}

// Load adds the devices of a seed
func (s *Store) Load(seed *Seed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(seed.Hostname) > 0 {
		s.hostname = seed.Hostname
	}
	for _, d := range seed.Devices {
		registrationID := d.RegistrationID
		if len(registrationID) == 0 {
			registrationID = d.DeviceID
		}
		hub := d.Hub
		if len(hub) == 0 {
			hub = s.hostname
		}
		t := s.twinLocked(d.DeviceID, hub)
		if len(d.Desired) > 0 {
			mergePatch(t.Desired, d.Desired)
			t.DesiredVersion++
			t.DesiredAt = time.Now().UTC()
		}
		s.registrations[registrationID] = d.DeviceID
	}
}

func (s *Store) twinLocked(deviceID, hub string) *Twin {
	t, ok := s.twins[deviceID]
	if !ok {
		t = &Twin{
			DeviceID:       deviceID,
			Hub:            hub,
			Desired:        map[string]interface{}{},
			Reported:       map[string]interface{}{},
			DesiredVersion: 1,
		}
		s.twins[deviceID] = t
	}
	return t
}

// AddDevice registers a device under its own id at the default hub. Known devices are
// left unchanged.
func (s *Store) AddDevice(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registrations[deviceID]; !ok {
		s.registrations[deviceID] = deviceID
	}
	s.twinLocked(deviceID, s.hostname)
}

// Register resolves the assignment of a registration
func (s *Store) Register(registrationID string) (deviceID, hub string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deviceID, ok := s.registrations[registrationID]
	if !ok {
		if !s.autoRegister {
			return "", "", errs.Wrapf(errs.ErrNotFound, "unknown registration %s", registrationID)
		}
		deviceID = registrationID
		s.registrations[registrationID] = deviceID
	}
	t := s.twinLocked(deviceID, s.hostname)
	return t.DeviceID, t.Hub, nil
}

// Twin returns a copy of the twin of a device
func (s *Store) Twin(deviceID string) (Twin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.twins[deviceID]
	if !ok {
		return Twin{}, errs.Wrapf(errs.ErrNotFound, "unknown device %s", deviceID)
	}
	c := *t
	c.Desired = copyMap(t.Desired)
	c.Reported = copyMap(t.Reported)
	return c, nil
}

// DeviceIDs returns the sorted ids of all known devices
func (s *Store) DeviceIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.twins))
	for id := range s.twins {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// PatchDesired merges a patch into the desired properties and returns the new version
func (s *Store) PatchDesired(deviceID string, patch map[string]interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[deviceID]
	if !ok {
		return 0, errs.Wrapf(errs.ErrNotFound, "unknown device %s", deviceID)
	}
	mergePatch(t.Desired, patch)
	t.DesiredVersion++
	t.DesiredAt = time.Now().UTC()
	return t.DesiredVersion, nil
}

// PatchReported merges a patch into the reported properties and returns the new version
func (s *Store) PatchReported(deviceID string, patch map[string]interface{}) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.twins[deviceID]
	if !ok {
		return 0, errs.Wrapf(errs.ErrNotFound, "unknown device %s", deviceID)
	}
	mergePatch(t.Reported, patch)
	t.ReportedVersion++
	t.ReportedAt = time.Now().UTC()
	return t.ReportedVersion, nil
}

// mergePatch applies a JSON merge patch. Null removes a property, objects merge recursively
// and keys starting with $ are metadata and skipped.
func mergePatch(dst, patch map[string]interface{}) {
	for k, v := range patch {
		if len(k) > 0 && k[0] == '$' {
			continue
		}
		if v == nil {
			delete(dst, k)
			continue
		}
		if pv, ok := v.(map[string]interface{}); ok {
			dv, ok := dst[k].(map[string]interface{})
			if !ok {
				dv = map[string]interface{}{}
				dst[k] = dv
			}
			mergePatch(dv, pv)
			continue
		}
		dst[k] = v
	}
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	c := make(map[string]interface{}, len(m))
	for k, v := range m {
		if mv, ok := v.(map[string]interface{}); ok {
			c[k] = copyMap(mv)
			continue
		}
		c[k] = v
	}
	return c
}
