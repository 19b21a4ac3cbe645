// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package provisioning implements the interactive provisioning of the device identity and
its TLS credentials over the operator console.

The engine runs once at boot and walks through the fields in a fixed order:

	device id, scope id, serial number, main CA, secondary CA, client certificate, private key

For a field that is already stored the operator can send 'C' within the change window to
replace it; otherwise the stored value is kept. A missing field is asked for. Every entered
value must be confirmed with 'Y' (accept), 'N' (enter again) or 'E' (abandon). Credentials are
entered as a single line, the spaces of the base64 body stand for line breaks.

Provisioning always completes; a field that was abandoned, timed out or rejected is simply
left as it was.
*/
package provisioning

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/metrics"
	"github.com/relabs-tech/pam8053/core/settings"
	"github.com/relabs-tech/pam8053/device/credentials"
)

// Default timings of the console dialog
const (
	DefaultChangeWindow = 10 * time.Second
	DefaultAskTimeout   = time.Minute
)

// State is a state of the provisioning engine
type State int

// States in the order they are visited. Every check state is directly followed by its ask state.
const (
	StateCheckDeviceID State = iota
	StateAskDeviceID
	StateCheckScopeID
	StateAskScopeID
	StateCheckSerialNo
	StateAskSerialNo
	StateCheckMainCA
	StateAskMainCA
	StateCheckSecondaryCA
	StateAskSecondaryCA
	StateCheckClientCert
	StateAskClientCert
	StateCheckPrivateKey
	StateAskPrivateKey
	StateFinished
)

var stateNames = [...]string{
	"CheckDeviceId", "AskDeviceId",
	"CheckScopeId", "AskScopeId",
	"CheckSerialNo", "AskSerialNo",
	"CheckMainCA", "AskMainCA",
	"CheckSecondaryCA", "AskSecondaryCA",
	"CheckClientCert", "AskClientCert",
	"CheckPrivateKey", "AskPrivateKey",
	"Finished",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "Unknown"
	}
	return stateNames[s]
}

// LineConsole is the operator console
type LineConsole interface {
	Ready() error
	ReadLine(ctx context.Context, timeout time.Duration) (string, error)
	Printf(format string, args ...interface{})
}

// SettingsStore stores the identity strings
type SettingsStore interface {
	Get(key string) (string, error)
	Save(key, value string) error
}

// CredentialStore stores the TLS material
type CredentialStore interface {
	Ready() error
	Exists(slot credentials.Slot) (bool, error)
	Write(slot credentials.Slot, data string) error
}

// Builder is a builder helper for the Engine
type Builder struct {
	// Console is the operator console. This is mandatory.
	Console LineConsole
	// Settings stores the identity. This is mandatory.
	Settings SettingsStore
	// Credentials stores the TLS material. This is mandatory.
	Credentials CredentialStore
	// Slots are the credential slots
	Slots credentials.Slots

	// MaxSerialNoLength, MaxDeviceIDLength and MaxScopeIDLength bound the identity strings
	MaxSerialNoLength int
	MaxDeviceIDLength int
	MaxScopeIDLength  int

	// ChangeWindow defaults to DefaultChangeWindow
	ChangeWindow time.Duration
	// AskTimeout defaults to DefaultAskTimeout
	AskTimeout time.Duration
}

// field is a value handled by one check/ask state pair
type field struct {
	name   string
	secret bool
	maxLen int
	exists func() (bool, string, error)
	decode func(string) (string, error)
	store  func(string) error
}

// Engine is the provisioning state machine
type Engine struct {
	console      LineConsole
	settings     SettingsStore
	credentials  CredentialStore
	changeWindow time.Duration
	askTimeout   time.Duration
	fields       []field
	log          *logrus.Entry
}

// NewEngine returns a new provisioning engine
func NewEngine(b *Builder) *Engine {
	if b.Console == nil {
		panic("console missing")
	}
	if b.Settings == nil {
		panic("settings missing")
	}
	if b.Credentials == nil {
		panic("credentials missing")
	}
	e := &Engine{
		console:      b.Console,
		settings:     b.Settings,
		credentials:  b.Credentials,
		changeWindow: b.ChangeWindow,
		askTimeout:   b.AskTimeout,
		log:          logger.ForComponent("provisioning"),
	}
	if e.changeWindow == 0 {
		e.changeWindow = DefaultChangeWindow
	}
	if e.askTimeout == 0 {
		e.askTimeout = DefaultAskTimeout
	}

	e.fields = []field{
		e.settingField("device id", settings.KeyDeviceID, b.MaxDeviceIDLength),
		e.settingField("scope id", settings.KeyScopeID, b.MaxScopeIDLength),
		e.settingField("serial number", settings.KeySerialNo, b.MaxSerialNoLength),
		e.credentialField("main CA certificate", b.Slots.MainCA),
		e.credentialField("secondary CA certificate", b.Slots.SecondaryCA),
		e.credentialField("client certificate", b.Slots.ClientCert),
		e.credentialField("private key", b.Slots.PrivateKey),
	}
	return e
}

func (e *Engine) settingField(name, key string, maxLen int) field {
	return field{
		name:   name,
		maxLen: maxLen,
		exists: func() (bool, string, error) {
			v, err := e.settings.Get(key)
			if errors.Is(err, errs.ErrNotFound) {
				return false, "", nil
			}
			return err == nil, v, err
		},
		store: func(v string) error {
			return e.settings.Save(key, v)
		},
	}
}

func (e *Engine) credentialField(name string, slot credentials.Slot) field {
	return field{
		name:   name,
		secret: true,
		maxLen: credentials.MaxSize,
		exists: func() (bool, string, error) {
			ok, err := e.credentials.Exists(slot)
			return ok, "", err
		},
		decode: DecodeSingleLinePEM,
		store: func(v string) error {
			return e.credentials.Write(slot, v)
		},
	}
}

// Run runs the state machine and returns the resolved identity. Identity strings that
// could not be provisioned are left empty. An error is returned only if the console or
// one of the stores is unusable, or the context is cancelled.
func (e *Engine) Run(ctx context.Context) (settings.Identity, error) {
	if err := e.console.Ready(); err != nil {
		return settings.Identity{}, errs.Wrap(err, errs.ErrFatalDeviceFault)
	}
	if err := e.credentials.Ready(); err != nil {
		return settings.Identity{}, errs.Wrap(err, errs.ErrFatalDeviceFault)
	}

	e.console.Printf("\nDevice provisioning\n")
	state := StateCheckDeviceID
	for state != StateFinished {
		e.log.Debugf("provisioning state %s", state)
		f := e.fields[state/2]
		var err error
		if state%2 == 0 {
			state, err = e.check(ctx, state, f)
		} else {
			err = e.ask(ctx, f)
			state++
		}
		if err != nil {
			return settings.Identity{}, err
		}
	}
	e.console.Printf("Provisioning finished\n")

	return e.identity()
}

func (e *Engine) identity() (settings.Identity, error) {
	get := func(key string) (string, error) {
		v, err := e.settings.Get(key)
		if errors.Is(err, errs.ErrNotFound) {
			return "", nil
		}
		return v, err
	}
	var id settings.Identity
	var err error
	if id.DeviceID, err = get(settings.KeyDeviceID); err != nil {
		return id, errs.Wrap(err, errs.ErrFatalDeviceFault)
	}
	if id.ScopeID, err = get(settings.KeyScopeID); err != nil {
		return id, errs.Wrap(err, errs.ErrFatalDeviceFault)
	}
	if id.SerialNo, err = get(settings.KeySerialNo); err != nil {
		return id, errs.Wrap(err, errs.ErrFatalDeviceFault)
	}
	return id, nil
}

// check returns the next state for a check state
func (e *Engine) check(ctx context.Context, state State, f field) (State, error) {
	found, value, err := f.exists()
	if err != nil {
		e.log.WithError(err).Errorf("cannot check %s", f.name)
		metrics.RecordProvisioningStep(f.name, "error")
		return state + 2, nil
	}
	if !found {
		e.console.Printf("No %s stored\n", f.name)
		return state + 1, nil
	}

	if f.secret {
		e.console.Printf("A %s is stored. Send 'C' within %s to change it\n", f.name, e.changeWindow)
	} else {
		e.console.Printf("The %s is %q. Send 'C' within %s to change it\n", f.name, value, e.changeWindow)
	}
	line, err := e.console.ReadLine(ctx, e.changeWindow)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return state, ctxErr
	}
	if err == nil && command(line) == "C" {
		return state + 1, nil
	}
	metrics.RecordProvisioningStep(f.name, "kept")
	return state + 2, nil
}

// ask reads, confirms and stores a value. Rejected, abandoned or timed out input
// leaves the stored value untouched.
func (e *Engine) ask(ctx context.Context, f field) error {
	for {
		e.console.Printf("Enter the %s:\n", f.name)
		line, err := e.console.ReadLine(ctx, e.askTimeout)
		if err != nil {
			return e.abort(ctx, f, err)
		}

		value := strings.TrimSpace(line)
		if f.decode != nil {
			if value, err = f.decode(value); err != nil {
				e.console.Printf("Invalid %s: %s\n", f.name, err)
				e.log.WithError(err).Warnf("rejected %s", f.name)
				metrics.RecordProvisioningStep(f.name, "invalid")
				return nil
			}
		}
		if f.maxLen > 0 && len(value) > f.maxLen {
			err = errs.Wrapf(errs.ErrInvalidInput, "%s longer than %d characters", f.name, f.maxLen)
			e.console.Printf("Invalid %s: %s\n", f.name, err)
			e.log.WithError(err).Warnf("rejected %s", f.name)
			metrics.RecordProvisioningStep(f.name, "invalid")
			return nil
		}

		retry, err := e.confirm(ctx, f, value)
		if err != nil {
			return e.abort(ctx, f, err)
		}
		if !retry {
			return nil
		}
	}
}

// confirm runs the confirmation dialog. It returns true if the operator wants to enter
// the value again.
func (e *Engine) confirm(ctx context.Context, f field, value string) (bool, error) {
	for {
		if f.secret {
			e.console.Printf("Received %s (%d bytes). Accept (Y), retry (N) or abandon (E)?\n", f.name, len(value))
		} else {
			e.console.Printf("Received %s %q. Accept (Y), retry (N) or abandon (E)?\n", f.name, value)
		}
		line, err := e.console.ReadLine(ctx, e.askTimeout)
		if err != nil {
			return false, err
		}
		switch command(line) {
		case "Y":
			if err := f.store(value); err != nil {
				e.console.Printf("Cannot store %s: %s\n", f.name, err)
				e.log.WithError(err).Errorf("cannot store %s", f.name)
				metrics.RecordProvisioningStep(f.name, "error")
				return false, nil
			}
			e.console.Printf("Stored %s\n", f.name)
			e.log.Infof("stored %s", f.name)
			metrics.RecordProvisioningStep(f.name, "stored")
			return false, nil
		case "N":
			return true, nil
		case "E":
			e.console.Printf("Abandoned %s\n", f.name)
			metrics.RecordProvisioningStep(f.name, "abandoned")
			return false, nil
		case "D":
		default:
			e.console.Printf("Unknown command %q\n", strings.TrimSpace(line))
		}
	}
}

// abort handles a failed console read. Only a cancelled context stops the engine.
func (e *Engine) abort(ctx context.Context, f field, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	e.log.WithError(err).Warnf("no %s entered", f.name)
	metrics.RecordProvisioningStep(f.name, "timeout")
	return nil
}

func command(line string) string {
	return strings.ToUpper(strings.TrimSpace(line))
}
