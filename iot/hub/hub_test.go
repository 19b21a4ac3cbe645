package hub

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/pam8053/core/errs"
	"github.com/relabs-tech/pam8053/core/settings"
	"github.com/relabs-tech/pam8053/device/boot"
)

type fakeProvisioner struct {
	calls      int
	assignment Assignment
	err        error
	block      bool
}

func (p *fakeProvisioner) Register(ctx context.Context, registrationID, scopeID string) (Assignment, error) {
	p.calls++
	if p.block {
		<-ctx.Done()
		return Assignment{}, ctx.Err()
	}
	return p.assignment, p.err
}

type memCache map[string][]byte

func (m memCache) Read(key string, value interface{}) (bool, error) {
	body, ok := m[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(body, value)
}

func (m memCache) Write(key string, value interface{}) error {
	body, err := json.Marshal(value)
	m[key] = body
	return err
}

type response struct {
	requestID string
	status    int
	payload   []byte
}

type fakeClient struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	sendErr     error
	telemetry   [][]byte
	reported    [][]byte
	responses   []response
}

func (f *fakeClient) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) == 0 {
		return nil
	}
	err := f.connectErrs[0]
	if len(f.connectErrs) > 1 {
		f.connectErrs = f.connectErrs[1:]
	}
	return err
}

func (f *fakeClient) Disconnect(ctx context.Context) error { return nil }

func (f *fakeClient) SendTelemetry(ctx context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.telemetry = append(f.telemetry, payload)
	return f.sendErr
}

func (f *fakeClient) SendReported(ctx context.Context, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reported = append(f.reported, doc)
	return f.sendErr
}

func (f *fakeClient) RespondMethod(ctx context.Context, requestID string, status int, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, response{requestID, status, payload})
	return nil
}

type reboot struct {
	kind  boot.Kind
	delay time.Duration
}

type fakeRebooter struct {
	mu      sync.Mutex
	reboots []reboot
}

func (r *fakeRebooter) Reboot(kind boot.Kind, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reboots = append(r.reboots, reboot{kind: kind})
}

func (r *fakeRebooter) ScheduleReboot(kind boot.Kind, delay time.Duration, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reboots = append(r.reboots, reboot{kind, delay})
}

type fakeImage struct {
	confirmed int
	cleared   int
}

func (i *fakeImage) ConfirmImage() error      { i.confirmed++; return nil }
func (i *fakeImage) ClearConfirmation() error { i.cleared++; return nil }

type fakeTwin struct {
	docs [][]byte
}

func (t *fakeTwin) Handle(ctx context.Context, raw []byte) error {
	t.docs = append(t.docs, raw)
	return nil
}

type fixture struct {
	connector     *Connector
	provisioner   *fakeProvisioner
	cache         memCache
	client        *fakeClient
	rebooter      *fakeRebooter
	image         *fakeImage
	twin          *fakeTwin
	notifications []Notification
}

var identity = settings.Identity{SerialNo: "SN-42", DeviceID: "PAM-001", ScopeID: "0ne008A3851"}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		provisioner: &fakeProvisioner{assignment: Assignment{Hostname: "hub.example.net", DeviceID: "PAM-001"}},
		cache:       memCache{},
		client:      &fakeClient{},
		rebooter:    &fakeRebooter{},
		image:       &fakeImage{},
		twin:        &fakeTwin{},
	}
	f.connector = New(&Builder{
		Provisioner: f.provisioner,
		NewClient: func(a Assignment, post func(Event)) (Client, error) {
			return f.client, nil
		},
		Cache:           f.cache,
		Rebooter:        f.rebooter,
		Image:           f.image,
		Twin:            f.twin,
		Handler:         func(n Notification) { f.notifications = append(f.notifications, n) },
		ConnectAttempts: 3,
		Backoff:         time.Millisecond,
	})
	return f
}

func (f *fixture) init(t *testing.T) {
	require.NoError(t, f.connector.Init(context.Background(), identity))
}

func TestInitRunsDPS(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, Uninitialized, f.connector.State())
	f.init(t)

	assert.Equal(t, Initialized, f.connector.State())
	assert.Equal(t, 1, f.provisioner.calls)
	assert.Equal(t, Assignment{Hostname: "hub.example.net", DeviceID: "PAM-001"}, f.connector.Assignment())

	var cached Assignment
	found, err := f.cache.Read(assignmentKey, &cached)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "hub.example.net", cached.Hostname)
}

func TestInitSkipsDPSWhenAssigned(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.cache.Write(assignmentKey, cachedAssignment{
		Assignment:     Assignment{Hostname: "cached.example.net", DeviceID: "PAM-001"},
		RegistrationID: identity.DeviceID,
		ScopeID:        identity.ScopeID,
	}))
	f.init(t)

	assert.Equal(t, 0, f.provisioner.calls)
	assert.Equal(t, "cached.example.net", f.connector.Assignment().Hostname)
}

func TestInitRunsDPSWhenIdentityChanged(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	require.Equal(t, 1, f.provisioner.calls)

	changed := identity
	changed.DeviceID = "PAM-002"
	f.provisioner.assignment = Assignment{Hostname: "other.example.net", DeviceID: "PAM-002"}
	require.NoError(t, f.connector.Init(context.Background(), changed))
	assert.Equal(t, 2, f.provisioner.calls)
	assert.Equal(t, "PAM-002", f.connector.Assignment().DeviceID)

	var cached cachedAssignment
	found, err := f.cache.Read(assignmentKey, &cached)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "PAM-002", cached.RegistrationID)
	assert.Equal(t, "other.example.net", cached.Hostname)

	changed.ScopeID = "0ne00000000"
	require.NoError(t, f.connector.Init(context.Background(), changed))
	assert.Equal(t, 3, f.provisioner.calls)

	// an entry written before the identity was stored with it is not trusted
	f = newFixture(t)
	require.NoError(t, f.cache.Write(assignmentKey, Assignment{Hostname: "old.example.net", DeviceID: "PAM-001"}))
	f.init(t)
	assert.Equal(t, 1, f.provisioner.calls)
	assert.Equal(t, "hub.example.net", f.connector.Assignment().Hostname)
}

func TestInitAlreadyAssignedIsSuccess(t *testing.T) {
	f := newFixture(t)
	f.provisioner.err = errs.Wrapf(errs.ErrAlreadyAssigned, "assigned")
	f.init(t)
	assert.Equal(t, Initialized, f.connector.State())
	assert.Equal(t, "hub.example.net", f.connector.Assignment().Hostname)
}

func TestInitFailures(t *testing.T) {
	f := newFixture(t)
	f.provisioner.err = errors.New("registration failed")
	err := f.connector.Init(context.Background(), identity)
	assert.Equal(t, f.provisioner.err, err)
	assert.Equal(t, Uninitialized, f.connector.State())
	assert.Empty(t, f.cache)

	f = newFixture(t)
	f.provisioner.block = true
	f.connector.dpsTimeout = 10 * time.Millisecond
	err = f.connector.Init(context.Background(), identity)
	assert.True(t, errors.Is(err, errs.ErrTimeout))

	f = newFixture(t)
	err = f.connector.Init(context.Background(), settings.Identity{DeviceID: "PAM-001"})
	assert.True(t, errors.Is(err, errs.ErrInvalidInput))
	assert.Equal(t, 0, f.provisioner.calls)
}

func TestConnect(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.Is(f.connector.Connect(context.Background()), errs.ErrNotReady))

	f.init(t)
	f.client.connectErrs = []error{errors.New("refused"), nil}
	require.NoError(t, f.connector.Connect(context.Background()))
	assert.Equal(t, 2, f.client.connects)
	assert.Equal(t, Connecting, f.connector.State())
}

func TestConnectAlreadyConnected(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	f.client.connectErrs = []error{ErrAlreadyConnected}
	assert.NoError(t, f.connector.Connect(context.Background()))
	assert.Equal(t, 1, f.client.connects)
}

func TestConnectIsBounded(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	f.client.connectErrs = []error{errors.New("refused")}
	err := f.connector.Connect(context.Background())
	assert.True(t, errors.Is(err, errs.ErrTransientConnection))
	assert.Equal(t, 3, f.client.connects)
}

func TestConnectCancel(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	f.connector.attempts = 0
	f.connector.backoff = time.Hour
	f.client.connectErrs = []error{errors.New("refused")}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, f.connector.Connect(ctx))
}

func TestRetryCounter(t *testing.T) {
	ctx := context.Background()

	f := newFixture(t)
	for i := 0; i < 19; i++ {
		f.connector.HandleEvent(ctx, Event{Kind: EventConnecting})
	}
	assert.Empty(t, f.rebooter.reboots, "19 connecting events")
	assert.Equal(t, Connecting, f.connector.State())

	f.connector.HandleEvent(ctx, Event{Kind: EventConnecting})
	assert.Equal(t, []reboot{{kind: boot.Error}}, f.rebooter.reboots, "20 connecting events")
	assert.Equal(t, FatalError, f.connector.State())

	// terminal
	f.connector.HandleEvent(ctx, Event{Kind: EventConnected})
	assert.Equal(t, FatalError, f.connector.State())
	assert.Empty(t, f.notifications)
}

func TestConnectedResetsRetryCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := 0; i < 19; i++ {
		f.connector.HandleEvent(ctx, Event{Kind: EventConnecting})
	}
	f.connector.HandleEvent(ctx, Event{Kind: EventConnected})
	for i := 0; i < 19; i++ {
		f.connector.HandleEvent(ctx, Event{Kind: EventConnecting})
	}
	assert.Empty(t, f.rebooter.reboots)
}

func TestConnectionNotifications(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.connector.HandleEvent(ctx, Event{Kind: EventConnected})
	assert.True(t, f.connector.Connected())
	f.connector.HandleEvent(ctx, Event{Kind: EventConnectionFailed, Err: errors.New("x")})
	f.connector.HandleEvent(ctx, Event{Kind: EventDisconnected})
	assert.False(t, f.connector.Connected())
	assert.Equal(t, Disconnected, f.connector.State())
	assert.Equal(t, []Notification{HubConnected, HubDisconnected}, f.notifications)
}

func TestReadyConfirmsImage(t *testing.T) {
	f := newFixture(t)
	f.connector.HandleEvent(context.Background(), Event{Kind: EventReady})
	f.connector.HandleEvent(context.Background(), Event{Kind: EventReady})
	assert.Equal(t, 2, f.image.confirmed)
}

func TestFotaDone(t *testing.T) {
	f := newFixture(t)
	f.connector.HandleEvent(context.Background(), Event{Kind: EventFotaDone})
	assert.Equal(t, 1, f.image.cleared)
	assert.Equal(t, []reboot{{boot.Normal, FotaRebootDelay}}, f.rebooter.reboots)

	f.connector.HandleEvent(context.Background(), Event{Kind: EventFotaError, Err: errors.New("bad image")})
	assert.Len(t, f.rebooter.reboots, 1)
}

func TestTwinEventsAreForwarded(t *testing.T) {
	f := newFixture(t)
	f.connector.HandleEvent(context.Background(), Event{Kind: EventTwinReceived, Payload: []byte(`{"desired":{}}`)})
	f.connector.HandleEvent(context.Background(), Event{Kind: EventTwinDesiredReceived, Payload: []byte(`{}`)})
	assert.Equal(t, [][]byte{[]byte(`{"desired":{}}`), []byte(`{}`)}, f.twin.docs)
}

func TestRebootMethod(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	f.connector.HandleEvent(context.Background(), Event{Kind: EventDirectMethod, Method: &Method{RequestID: "7", Name: RebootMethod}})

	assert.Equal(t, []reboot{{boot.Normal, RebootDelay}}, f.rebooter.reboots)
	assert.Equal(t, []response{{"7", http.StatusOK, nil}}, f.client.responses)
}

func TestUnknownMethodIsNotAnswered(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	f.connector.HandleEvent(context.Background(), Event{Kind: EventDirectMethod, Method: &Method{RequestID: "8", Name: "led"}})
	assert.Empty(t, f.client.responses)
	assert.Empty(t, f.rebooter.reboots)
}

func TestRegisteredMethod(t *testing.T) {
	f := newFixture(t)
	f.init(t)
	f.connector.RegisterMethod("echo", func(ctx context.Context, m Method) (int, []byte, error) {
		return http.StatusOK, m.Payload, nil
	})
	f.connector.RegisterMethod("broken", func(ctx context.Context, m Method) (int, []byte, error) {
		return 0, nil, errors.New("no relay")
	})

	f.connector.HandleEvent(context.Background(), Event{Kind: EventDirectMethod, Method: &Method{RequestID: "1", Name: "echo", Payload: []byte(`{"a":1}`)}})
	f.connector.HandleEvent(context.Background(), Event{Kind: EventDirectMethod, Method: &Method{RequestID: "2", Name: "broken"}})

	require.Len(t, f.client.responses, 2)
	assert.Equal(t, response{"1", http.StatusOK, []byte(`{"a":1}`)}, f.client.responses[0])
	assert.Equal(t, http.StatusInternalServerError, f.client.responses[1].status)
	assert.JSONEq(t, `{"error":"no relay"}`, string(f.client.responses[1].payload))
}

func TestSendTelemetry(t *testing.T) {
	f := newFixture(t)
	assert.True(t, errors.Is(f.connector.SendTelemetry(context.Background(), []byte("{}")), errs.ErrNotReady))

	f.init(t)
	require.NoError(t, f.connector.SendTelemetry(context.Background(), []byte(`{"a":1}`)))
	assert.Equal(t, [][]byte{[]byte(`{"a":1}`)}, f.client.telemetry)

	f.client.sendErr = errors.New("socket closed")
	err := f.connector.SendTelemetry(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, errs.ErrSendFailed))
	err = f.connector.SendReported(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, errs.ErrSendFailed))
}

func TestWorkerProcessesEventsInOrder(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []Notification
	f.connector.handler = func(n Notification) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, n)
	}
	f.connector.Start(ctx)
	f.connector.Post(Event{Kind: EventConnected})
	f.connector.Post(Event{Kind: EventDisconnected})
	f.connector.Post(Event{Kind: EventConnected})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []Notification{HubConnected, HubDisconnected, HubConnected}, got)
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "TwinDesiredReceived", EventTwinDesiredReceived.String())
	assert.Equal(t, "Unknown", EventKind(99).String())
	assert.Equal(t, "FatalError", FatalError.String())
}
