// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package settings provides the persistent key/value store for the device identity.

The store is backed by badger with synchronous writes, a successful Save is durable.
All values are loaded into memory when the store is initialized; Init blocks until
the load has completed or the init timeout elapses.
*/
package settings

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v3"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
)

// Keys of the identity settings
const (
	KeySerialNo = "device/serialNo"
	KeyDeviceID = "device/deviceId"
	KeyScopeID  = "device/scopeId"
)

// Location of the cached hub assignment
const (
	AssignmentPrefix = "dps"
	AssignmentKey    = "assignment"
)

// IdentityKeys are the keys deleted by a factory reset
var IdentityKeys = []string{KeySerialNo, KeyDeviceID, KeyScopeID}

// DefaultInitTimeout is the time Init waits for the settings to be loaded
const DefaultInitTimeout = time.Second

// ErrNotReady is returned by operations on a store that has not been initialized
var ErrNotReady = errs.Wrapf(errs.ErrNotReady, "settings not loaded")

// Builder is a builder helper for the Store
type Builder struct {
	// Dir is the directory of the badger database. Mandatory unless InMemory is set.
	Dir string
	// InMemory keeps the database in memory. Used by tests.
	InMemory bool
	// MaxLengths bounds the length of values per key. Keys without an entry are not bounded.
	MaxLengths map[string]int
	// InitTimeout defaults to DefaultInitTimeout
	InitTimeout time.Duration
	// Open opens the database. Defaults to badger.Open.
	Open func(opts badger.Options) (*badger.DB, error)
}

// Store is the persistent settings store
type Store struct {
	dir         string
	inMemory    bool
	maxLengths  map[string]int
	initTimeout time.Duration
	open        func(opts badger.Options) (*badger.DB, error)
	log         *logrus.Entry

	initOnce sync.Once
	loaded   chan struct{}
	loadErr  error
	ready    atomic.Bool

	db     *badger.DB
	mu     sync.RWMutex
	values map[string]string
}

// New returns a new settings store. The store must be initialized with Init before use.
func New(b *Builder) *Store {
	if len(b.Dir) == 0 && !b.InMemory {
		panic("settings directory missing")
	}
	timeout := b.InitTimeout
	if timeout == 0 {
		timeout = DefaultInitTimeout
	}
	open := b.Open
	if open == nil {
		open = badger.Open
	}
	maxLengths := map[string]int{}
	for k, v := range b.MaxLengths {
		maxLengths[k] = v
	}
	return &Store{
		dir:         b.Dir,
		inMemory:    b.InMemory,
		maxLengths:  maxLengths,
		initTimeout: timeout,
		open:        open,
		log:         logger.ForComponent("settings"),
		loaded:      make(chan struct{}),
		values:      map[string]string{},
	}
}

// Init opens the database and loads all settings. It blocks until the settings are
// loaded and returns an ErrTimeout error if this takes longer than the init timeout.
// A database that cannot be opened is a fatal device fault.
func (s *Store) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		go s.load()
	})

	timer := time.NewTimer(s.initTimeout)
	defer timer.Stop()
	select {
	case <-s.loaded:
		if s.loadErr != nil {
			return errs.Wrap(s.loadErr, errs.ErrFatalDeviceFault)
		}
		return nil
	case <-timer.C:
		return errs.Wrapf(errs.ErrTimeout, "settings not loaded within %s", s.initTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) load() {
	defer close(s.loaded)

	opts := badger.DefaultOptions(s.dir).WithSyncWrites(true).WithLogger(badgerLogger{s.log})
	if s.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(badgerLogger{s.log})
	}
	db, err := s.open(opts)
	if err != nil {
		s.log.WithError(err).Error("cannot open settings database")
		s.loadErr = err
		return
	}

	values := map[string]string{}
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			values[string(item.KeyCopy(nil))] = string(v)
		}
		return nil
	})
	if err != nil {
		s.log.WithError(err).Error("cannot load settings")
		db.Close()
		s.loadErr = err
		return
	}

	s.mu.Lock()
	s.db = db
	s.values = values
	s.mu.Unlock()
	s.ready.Store(true)
	s.log.Debugf("loaded %d settings", len(values))
}

// Close closes the database
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ready.Store(false)
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Get returns the value stored for key. Missing and empty values are reported as ErrNotFound.
func (s *Store) Get(key string) (string, error) {
	if !s.ready.Load() {
		return "", ErrNotReady
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	if !ok || len(v) == 0 {
		return "", errs.Wrapf(errs.ErrNotFound, "setting %s", key)
	}
	return v, nil
}

// Save stores value under key. The value is durable when Save returns.
func (s *Store) Save(key, value string) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	if max, ok := s.maxLengths[key]; ok && len(value) > max {
		return errs.Wrapf(errs.ErrInvalidInput, "%s exceeds %d characters", key, max)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotReady
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(value))
	})
	if err != nil {
		return err
	}
	s.values[key] = value
	return nil
}

// Delete removes key from the store. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	if !s.ready.Load() {
		return ErrNotReady
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotReady
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	delete(s.values, key)
	return nil
}

// MaxLength returns the length bound of key, or 0 if the key is not bounded.
func (s *Store) MaxLength(key string) int {
	return s.maxLengths[key]
}

// badgerLogger demotes badger's informational output to debug
type badgerLogger struct {
	*logrus.Entry
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.Entry.Debugf(format, args...)
}
