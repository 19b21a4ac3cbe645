// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package hub connects the device to its cloud hub.
//
// The Connector resolves the hub through the device provisioning service (DPS), owns the
// connection state machine and translates the events of the hub client into notifications
// for the application, twin updates and direct method calls. All events are processed
// serially on a single worker.
//
// Repeated connection attempts without success end in a device restart. This is the
// recovery of last resort of the whole device.
package hub

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/logger"
	"github.com/relabs-tech/pam8053/core/metrics"
	"github.com/relabs-tech/pam8053/core/settings"
	"github.com/relabs-tech/pam8053/device/boot"
)

// Defaults of the connector
const (
	DefaultDpsTimeout      = 60 * time.Second
	DefaultConnectAttempts = 20
	DefaultMaxRetry        = 20
	DefaultBackoff         = 250 * time.Millisecond
	FotaRebootDelay        = 5 * time.Second
	QueueSize              = 32
)

// ErrAlreadyConnected is returned by a Client that is connected already
var ErrAlreadyConnected = errors.New("already connected")

// Assignment is the hub a device has been assigned to by DPS
type Assignment struct {
	Hostname string `json:"hostname"`
	DeviceID string `json:"deviceId"`
}

// cachedAssignment is an assignment together with the identity it was made for
type cachedAssignment struct {
	Assignment
	RegistrationID string `json:"registrationId"`
	ScopeID        string `json:"scopeId"`
}

func (a cachedAssignment) matches(identity settings.Identity) bool {
	return a.RegistrationID == identity.DeviceID && a.ScopeID == identity.ScopeID
}

// Provisioner registers the device with the device provisioning service. A device that
// is assigned already may return errs.ErrAlreadyAssigned, with or without the assignment.
type Provisioner interface {
	Register(ctx context.Context, registrationID, scopeID string) (Assignment, error)
}

// Client is the hub client library
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	SendTelemetry(ctx context.Context, payload []byte) error
	SendReported(ctx context.Context, doc []byte) error
	RespondMethod(ctx context.Context, requestID string, status int, payload []byte) error
}

// ClientFactory creates the hub client for an assignment. The client delivers its events
// to post.
type ClientFactory func(a Assignment, post func(Event)) (Client, error)

// AssignmentCache persists the DPS assignment
type AssignmentCache interface {
	Read(key string, value interface{}) (bool, error)
	Write(key string, value interface{}) error
}

// TwinHandler receives twin documents
type TwinHandler interface {
	Handle(ctx context.Context, raw []byte) error
}

// ImageConfirmer marks the running firmware image
type ImageConfirmer interface {
	ConfirmImage() error
	ClearConfirmation() error
}

// Handler receives the notifications of the connector
type Handler func(Notification)

// Builder is a builder helper for the Connector
type Builder struct {
	// Provisioner runs DPS. This is mandatory.
	Provisioner Provisioner
	// NewClient creates the hub client. This is mandatory.
	NewClient ClientFactory
	// Cache persists the DPS assignment. This is mandatory.
	Cache AssignmentCache
	// Rebooter restarts the device. This is mandatory.
	Rebooter boot.Rebooter
	// Image is confirmed on the first ready event. This is mandatory.
	Image ImageConfirmer
	// Handler receives connection notifications. Optional.
	Handler Handler
	// Twin receives twin documents. Optional.
	Twin TwinHandler
	// DpsTimeout bounds the DPS registration. Defaults to DefaultDpsTimeout.
	DpsTimeout time.Duration
	// ConnectAttempts bounds Connect. Zero means unbounded.
	ConnectAttempts int
	// MaxRetry is the number of connecting events without success that restart the
	// device. Defaults to DefaultMaxRetry.
	MaxRetry int
	// Backoff is the pause between connection attempts. Defaults to DefaultBackoff.
	Backoff time.Duration
}

// Connector is the connection to the cloud hub
type Connector struct {
	provisioner Provisioner
	newClient   ClientFactory
	cache       AssignmentCache
	rebooter    boot.Rebooter
	image       ImageConfirmer
	handler     Handler
	twin        TwinHandler
	dpsTimeout  time.Duration
	attempts    int
	maxRetry    int
	backoff     time.Duration
	log         *logrus.Entry

	state   atomic.Int32
	queue   chan Event
	started sync.Once

	mu         sync.RWMutex
	client     Client
	assignment Assignment

	// retries is only touched by the worker
	retries int

	methodsMu sync.RWMutex
	methods   map[string]MethodHandler
}

// assignmentKey is the key of the DPS assignment in the cache
const assignmentKey = settings.AssignmentKey

// New returns a new hub connector
func New(b *Builder) *Connector {
	if b.Provisioner == nil {
		panic("provisioner missing")
	}
	if b.NewClient == nil {
		panic("client factory missing")
	}
	if b.Cache == nil {
		panic("assignment cache missing")
	}
	if b.Rebooter == nil {
		panic("rebooter missing")
	}
	if b.Image == nil {
		panic("image confirmer missing")
	}
	c := &Connector{
		provisioner: b.Provisioner,
		newClient:   b.NewClient,
		cache:       b.Cache,
		rebooter:    b.Rebooter,
		image:       b.Image,
		handler:     b.Handler,
		twin:        b.Twin,
		dpsTimeout:  b.DpsTimeout,
		attempts:    b.ConnectAttempts,
		maxRetry:    b.MaxRetry,
		backoff:     b.Backoff,
		log:         logger.ForComponent("hub"),
		queue:       make(chan Event, QueueSize),
		methods:     make(map[string]MethodHandler),
	}
	if c.dpsTimeout <= 0 {
		c.dpsTimeout = DefaultDpsTimeout
	}
	if c.maxRetry <= 0 {
		c.maxRetry = DefaultMaxRetry
	}
	if c.backoff <= 0 {
		c.backoff = DefaultBackoff
	}
	c.methods[RebootMethod] = c.rebootMethod
	return c
}

// State returns the connection state
func (c *Connector) State() State {
	return State(c.state.Load())
}

func (c *Connector) setState(s State) {
	if old := State(c.state.Swap(int32(s))); old != s {
		c.log.Debugf("state %s -> %s", old, s)
	}
}

// Connected tells whether the hub connection is up
func (c *Connector) Connected() bool {
	return c.State() == Connected
}

// Assignment returns the hub the device is assigned to
func (c *Connector) Assignment() Assignment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.assignment
}

func (c *Connector) getClient() (Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, errs.Wrapf(errs.ErrNotReady, "hub connector is not initialized")
	}
	return c.client, nil
}

// Init resolves the hub of the device and creates the hub client. DPS runs only if no
// assignment is cached.
func (c *Connector) Init(ctx context.Context, identity settings.Identity) error {
	log := c.log.WithFields(logrus.Fields{"device_id": identity.DeviceID, "scope_id": identity.ScopeID})
	log.Info("hub init started")
	if len(identity.DeviceID) == 0 || len(identity.ScopeID) == 0 {
		return errs.Wrapf(errs.ErrInvalidInput, "device id and scope id are required")
	}

	c.setState(DpsRunning)
	assignment, err := c.resolve(ctx, identity)
	if err != nil {
		log.WithError(err).Error("failed to run DPS, terminating connection attempt")
		c.setState(Uninitialized)
		return err
	}

	client, err := c.newClient(assignment, c.Post)
	if err != nil {
		log.WithError(err).Error("hub client could not be initialized")
		c.setState(Uninitialized)
		return err
	}
	c.mu.Lock()
	c.client = client
	c.assignment = assignment
	c.mu.Unlock()
	c.setState(Initialized)
	log.Infof("device id %q assigned to hub with hostname %q", assignment.DeviceID, assignment.Hostname)
	return nil
}

func (c *Connector) resolve(ctx context.Context, identity settings.Identity) (Assignment, error) {
	var cached cachedAssignment
	found, err := c.cache.Read(assignmentKey, &cached)
	if err != nil {
		c.log.WithError(err).Warn("cannot read cached DPS assignment")
	}
	if found && len(cached.Hostname) > 0 {
		if cached.matches(identity) {
			c.log.Info("already assigned to a hub, skipping DPS")
			return cached.Assignment, nil
		}
		c.log.Infof("cached assignment was made for %q in scope %q, running DPS again", cached.RegistrationID, cached.ScopeID)
		cached = cachedAssignment{}
	}

	dctx, cancel := context.WithTimeout(ctx, c.dpsTimeout)
	defer cancel()
	c.log.Infof("starting DPS, timeout is set to %s", c.dpsTimeout)
	assignment, err := c.provisioner.Register(dctx, identity.DeviceID, identity.ScopeID)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrAlreadyAssigned):
		c.log.Info("already assigned to a hub")
		if len(assignment.Hostname) == 0 {
			assignment = cached.Assignment
		}
	case errors.Is(err, context.DeadlineExceeded):
		return Assignment{}, errs.Wrap(err, errs.ErrTimeout)
	default:
		return Assignment{}, err
	}
	if len(assignment.Hostname) == 0 {
		return Assignment{}, errs.Wrapf(errs.ErrNotFound, "no hub hostname assigned")
	}
	if len(assignment.DeviceID) == 0 {
		assignment.DeviceID = identity.DeviceID
	}
	entry := cachedAssignment{Assignment: assignment, RegistrationID: identity.DeviceID, ScopeID: identity.ScopeID}
	if err := c.cache.Write(assignmentKey, entry); err != nil {
		c.log.WithError(err).Warn("cannot cache DPS assignment")
	}
	return assignment, nil
}

// Connect connects to the hub. It retries with a fixed backoff and gives up after the
// configured number of attempts with an errs.ErrTransientConnection error.
func (c *Connector) Connect(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	if c.State() == FatalError {
		return errs.Wrapf(errs.ErrFatalDeviceFault, "hub connection failed permanently")
	}
	if !c.Connected() {
		c.setState(Connecting)
	}

	var lastErr error
	for attempt := 1; c.attempts == 0 || attempt <= c.attempts; attempt++ {
		err := client.Connect(ctx)
		if err == nil {
			metrics.RecordHubConnectAttempt(metrics.ResultSuccess)
			c.log.Info("connection to hub established")
			return nil
		}
		if errors.Is(err, ErrAlreadyConnected) {
			c.log.Info("already connected to hub")
			return nil
		}
		metrics.RecordHubConnectAttempt(metrics.ResultError)
		c.log.WithError(err).Warnf("connection attempt %d failed", attempt)
		lastErr = err

		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return errs.Wrap(lastErr, errs.ErrTransientConnection)
}

// Disconnect disconnects from the hub
func (c *Connector) Disconnect(ctx context.Context) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	if err := client.Disconnect(ctx); err != nil {
		c.log.WithError(err).Error("hub disconnect failed")
		return err
	}
	c.log.Info("disconnected from hub")
	return nil
}

// SendTelemetry sends a telemetry message. Callers check Connected first.
func (c *Connector) SendTelemetry(ctx context.Context, payload []byte) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	c.log.Debugf("sending telemetry: %s", payload)
	if err := client.SendTelemetry(ctx, payload); err != nil {
		metrics.RecordTelemetry(metrics.ResultError)
		c.log.WithError(err).Error("failed to send telemetry")
		return errs.Wrap(err, errs.ErrSendFailed)
	}
	metrics.RecordTelemetry(metrics.ResultSuccess)
	c.log.Info("telemetry was successfully sent")
	return nil
}

// SendReported sends a reported twin document
func (c *Connector) SendReported(ctx context.Context, doc []byte) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	if err := client.SendReported(ctx, doc); err != nil {
		return errs.Wrap(err, errs.ErrSendFailed)
	}
	return nil
}

// RespondMethod answers a direct method
func (c *Connector) RespondMethod(ctx context.Context, requestID string, status int, payload []byte) error {
	client, err := c.getClient()
	if err != nil {
		return err
	}
	if err := client.RespondMethod(ctx, requestID, status, payload); err != nil {
		return errs.Wrap(err, errs.ErrSendFailed)
	}
	return nil
}

// Start runs the event worker until ctx is done
func (c *Connector) Start(ctx context.Context) {
	c.started.Do(func() {
		go func() {
			for {
				select {
				case ev := <-c.queue:
					c.HandleEvent(ctx, ev)
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

// Post queues an event of the hub client for the worker
func (c *Connector) Post(ev Event) {
	c.queue <- ev
}

// HandleEvent processes a single event of the hub client
func (c *Connector) HandleEvent(ctx context.Context, ev Event) {
	log := c.log.WithField("event", ev.Kind.String())
	if c.State() == FatalError {
		log.Warn("ignoring event after fatal error")
		return
	}

	switch ev.Kind {
	case EventConnecting:
		c.retries++
		log.Infof("connecting (retry %d)", c.retries)
		if c.retries >= c.maxRetry {
			log.Error("max connection retries reached, rebooting device")
			c.setState(FatalError)
			c.rebooter.Reboot(boot.Error, "max hub connection retries reached")
			return
		}
		c.setState(Connecting)
	case EventConnected:
		c.retries = 0
		log.Info("connected")
		c.setState(Connected)
		metrics.SetHubConnected(true)
		c.notify(HubConnected)
	case EventConnectionFailed:
		log.WithError(ev.Err).Info("connection failed")
	case EventDisconnected:
		log.Info("disconnected")
		c.setState(Disconnected)
		metrics.SetHubConnected(false)
		c.notify(HubDisconnected)
	case EventReady:
		log.Info("ready")
		if err := c.image.ConfirmImage(); err != nil {
			log.WithError(err).Error("cannot confirm firmware image")
		}
	case EventDataReceived:
		log.Infof("received payload: %s", ev.Payload)
	case EventTwinReceived, EventTwinDesiredReceived:
		log.Info("twin received")
		if c.twin != nil {
			if err := c.twin.Handle(ctx, ev.Payload); err != nil {
				log.WithError(err).Error("twin update not reported")
			}
		}
	case EventDirectMethod:
		c.dispatch(ctx, ev.Method)
	case EventTwinResultSuccess:
		log.Infof("twin result success, id: %s", ev.RequestID)
	case EventTwinResultFail:
		log.Infof("twin result fail, id %s, status %d", ev.RequestID, ev.Status)
	case EventFotaDone:
		log.Info("firmware update done, the device will reboot in 5 seconds to apply update")
		if err := c.image.ClearConfirmation(); err != nil {
			log.WithError(err).Error("cannot clear image confirmation")
		}
		c.rebooter.ScheduleReboot(boot.Normal, FotaRebootDelay, "firmware update done")
	case EventFotaError:
		log.WithError(ev.Err).Error("firmware update failed")
	case EventPubAck, EventFotaStart, EventFotaErasePending, EventFotaEraseDone:
		log.Info("hub event")
	case EventError:
		log.WithError(ev.Err).Info("hub client error")
	default:
		log.Errorf("unknown hub event type: %d", ev.Kind)
	}
}

func (c *Connector) notify(n Notification) {
	if c.handler != nil {
		c.handler(n)
	}
}
