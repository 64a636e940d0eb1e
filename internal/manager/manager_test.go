package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/companionlink/companionlink/internal/callbacks"
	"github.com/companionlink/companionlink/internal/channel"
	"github.com/companionlink/companionlink/internal/device"
	"github.com/companionlink/companionlink/internal/message"
	"github.com/companionlink/companionlink/internal/registry"
	"github.com/companionlink/companionlink/internal/storage"
	"github.com/companionlink/companionlink/internal/transport"
)

// fakeTransport records calls and lets tests inject link events through the
// callback the manager installs.
type fakeTransport struct {
	mu          sync.Mutex
	cb          transport.Callback
	assocCB     transport.AssociationCallback
	assocName   string
	connects    []string
	disconnects []string
	sent        []message.DeviceMessage
	sentTo      []string
	stops       int
	connectErr  error
	sendErr     error
}

func (f *fakeTransport) SetCallback(cb transport.Callback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *fakeTransport) StartAssociation(name string, cb transport.AssociationCallback) error {
	f.mu.Lock()
	f.assocName = name
	f.assocCB = cb
	f.mu.Unlock()
	cb.OnAssociationStartSuccess(name)
	return nil
}

func (f *fakeTransport) StopAssociation(cb transport.AssociationCallback) {
	f.mu.Lock()
	if f.assocCB == cb {
		f.assocCB = nil
	}
	f.mu.Unlock()
}

func (f *fakeTransport) NotifyOutOfBandAccepted(ctx context.Context) error { return nil }

func (f *fakeTransport) AssociationToken() []byte { return nil }

func (f *fakeTransport) ConfirmAssociationOutOfBand(ctx context.Context, sealed []byte) error {
	return nil
}

func (f *fakeTransport) ConnectToDevice(ctx context.Context, dev storage.AssociatedDevice, timeout time.Duration) error {
	f.mu.Lock()
	f.connects = append(f.connects, dev.DeviceID)
	err := f.connectErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) DisconnectDevice(deviceID string) {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, deviceID)
	f.mu.Unlock()
}

func (f *fakeTransport) SendMessage(deviceID string, msg message.DeviceMessage) error {
	f.mu.Lock()
	f.sentTo = append(f.sentTo, deviceID)
	f.sent = append(f.sent, msg)
	err := f.sendErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeTransport) link() transport.Callback {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cb
}

func (f *fakeTransport) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.connects)
}

// fakeStore is an in-memory Store for manager tests.
type fakeStore struct {
	mu      sync.Mutex
	devices map[string]storage.AssociatedDevice
	keys    map[string][]byte
	listErr error
	cbs     *callbacks.Set[storage.Callback]
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices: make(map[string]storage.AssociatedDevice),
		keys:    make(map[string][]byte),
		cbs:     callbacks.NewSet[storage.Callback](),
	}
}

func (s *fakeStore) Initialize(ctx context.Context, passphrase string) error { return nil }
func (s *fakeStore) Unlock(ctx context.Context, passphrase string) error     { return nil }

func (s *fakeStore) UniqueID(ctx context.Context) (uuid.UUID, error) {
	return uuid.New(), nil
}

func (s *fakeStore) ActiveUserAssociatedDevices(ctx context.Context) ([]storage.AssociatedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]storage.AssociatedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out, nil
}

func (s *fakeStore) AddAssociatedDeviceForActiveUser(ctx context.Context, dev storage.AssociatedDevice, key []byte) error {
	s.mu.Lock()
	s.devices[dev.DeviceID] = dev
	s.keys[dev.DeviceID] = key
	s.mu.Unlock()
	s.cbs.Invoke(func(cb storage.Callback) { cb.OnAssociatedDeviceAdded(dev) })
	return nil
}

func (s *fakeStore) RemoveAssociatedDeviceForActiveUser(ctx context.Context, deviceID string) error {
	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	delete(s.devices, deviceID)
	delete(s.keys, deviceID)
	s.mu.Unlock()
	if !ok {
		return storage.ErrDeviceNotFound
	}
	s.cbs.Invoke(func(cb storage.Callback) { cb.OnAssociatedDeviceRemoved(dev) })
	return nil
}

func (s *fakeStore) UpdateAssociatedDeviceConnectionEnabled(ctx context.Context, deviceID string, enabled bool) error {
	s.mu.Lock()
	dev, ok := s.devices[deviceID]
	if ok {
		dev.ConnectionEnabled = enabled
		s.devices[deviceID] = dev
	}
	s.mu.Unlock()
	if !ok {
		return storage.ErrDeviceNotFound
	}
	s.cbs.Invoke(func(cb storage.Callback) { cb.OnAssociatedDeviceUpdated(dev) })
	return nil
}

func (s *fakeStore) EncryptionKey(ctx context.Context, deviceID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[deviceID]
	if !ok {
		return nil, storage.ErrDeviceNotFound
	}
	return key, nil
}

func (s *fakeStore) SaveEncryptionKey(ctx context.Context, deviceID string, key []byte) error {
	s.mu.Lock()
	s.keys[deviceID] = key
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) RegisterCallback(cb storage.Callback, exec callbacks.Executor) {
	s.cbs.Add(cb, exec)
}

func (s *fakeStore) UnregisterCallback(cb storage.Callback) {
	s.cbs.Remove(cb)
}

func (s *fakeStore) addDevice(dev storage.AssociatedDevice) {
	s.mu.Lock()
	s.devices[dev.DeviceID] = dev
	s.mu.Unlock()
}

// connRecorder buffers connection transitions on channels.
type connRecorder struct {
	connected    chan device.ConnectedDevice
	disconnected chan device.ConnectedDevice
}

func newConnRecorder() *connRecorder {
	return &connRecorder{
		connected:    make(chan device.ConnectedDevice, 8),
		disconnected: make(chan device.ConnectedDevice, 8),
	}
}

func (r *connRecorder) OnDeviceConnected(dev device.ConnectedDevice) {
	r.connected <- dev
}

func (r *connRecorder) OnDeviceDisconnected(dev device.ConnectedDevice) {
	r.disconnected <- dev
}

type assocRecorder struct {
	started   chan string
	completed chan string
	codes     chan string
	errs      chan device.ErrorCode
}

func newAssocRecorder() *assocRecorder {
	return &assocRecorder{
		started:   make(chan string, 4),
		completed: make(chan string, 4),
		codes:     make(chan string, 4),
		errs:      make(chan device.ErrorCode, 4),
	}
}

func (r *assocRecorder) OnAssociationStartSuccess(name string)    { r.started <- name }
func (r *assocRecorder) OnAssociationStartFailure()               {}
func (r *assocRecorder) OnVerificationCodeAvailable(code string)  { r.codes <- code }
func (r *assocRecorder) OnAssociationCompleted(deviceID string)   { r.completed <- deviceID }
func (r *assocRecorder) OnAssociationError(code device.ErrorCode) { r.errs <- code }

type recipientRecorder struct {
	established chan device.ConnectedDevice
	messages    chan message.DeviceMessage
	errs        chan device.ErrorCode
}

func newRecipientRecorder() *recipientRecorder {
	return &recipientRecorder{
		established: make(chan device.ConnectedDevice, 4),
		messages:    make(chan message.DeviceMessage, 4),
		errs:        make(chan device.ErrorCode, 4),
	}
}

func (r *recipientRecorder) OnSecureChannelEstablished(dev device.ConnectedDevice) {
	r.established <- dev
}

func (r *recipientRecorder) OnMessageReceived(dev device.ConnectedDevice, msg message.DeviceMessage) {
	r.messages <- msg
}

func (r *recipientRecorder) OnDeviceError(dev device.ConnectedDevice, code device.ErrorCode) {
	r.errs <- code
}

func waitDevice(t *testing.T, ch chan device.ConnectedDevice, what string) device.ConnectedDevice {
	t.Helper()
	select {
	case dev := <-ch:
		return dev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return device.ConnectedDevice{}
	}
}

func waitErrCode(t *testing.T, ch chan device.ErrorCode, what string) device.ErrorCode {
	t.Helper()
	select {
	case code := <-ch:
		return code
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return 0
	}
}

// drain blocks until every event queued before the call has run.
func (m *Manager) drain(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	m.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event queue stalled")
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeTransport, *fakeStore) {
	t.Helper()
	tr := &fakeTransport{}
	st := newFakeStore()
	m, err := New(Options{
		Transport:        tr,
		Store:            st,
		ConnectTimeout:   time.Second,
		ReconnectBackoff: 20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(m.Close)
	return m, tr, st
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func TestStartConnectsActiveUserDevice(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", Name: "Phone", ConnectionEnabled: true})

	startManager(t, m)

	deadline := time.Now().Add(5 * time.Second)
	for tr.connectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("transport never dialed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr.mu.Lock()
	target := tr.connects[0]
	tr.mu.Unlock()
	if target != "dev-1" {
		t.Fatalf("dialed %q, want dev-1", target)
	}
}

func TestStartWithUnreadableStoreFails(t *testing.T) {
	tr := &fakeTransport{}
	st := newFakeStore()
	st.listErr = errors.New("locked")
	m, err := New(Options{Transport: tr, Store: st})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with unreadable store")
	}
	if got := m.State(); got != StateStopped {
		t.Fatalf("state = %v, want stopped", got)
	}
}

func TestConnectedDeviceLifecycle(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", Name: "Phone", ConnectionEnabled: true})
	rec := newConnRecorder()
	m.RegisterConnectionCallback(rec, callbacks.Inline)
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	dev := waitDevice(t, rec.connected, "connect callback")
	if !dev.BelongsToActiveUser || dev.HasSecureChannel {
		t.Fatalf("unexpected device state: %+v", dev)
	}
	if dev.DeviceName != "Phone" {
		t.Fatalf("device name = %q, want Phone", dev.DeviceName)
	}

	live := m.GetActiveUserConnectedDevices()
	if len(live) != 1 || live[0].DeviceID != "dev-1" {
		t.Fatalf("live table = %+v", live)
	}

	tr.link().OnSecureChannelEstablished("dev-1")
	m.drain(t)
	live = m.GetActiveUserConnectedDevices()
	if len(live) != 1 || !live[0].HasSecureChannel {
		t.Fatalf("secure flag not set: %+v", live)
	}

	tr.link().OnDeviceDisconnected("dev-1")
	gone := waitDevice(t, rec.disconnected, "disconnect callback")
	if gone.DeviceID != "dev-1" {
		t.Fatalf("disconnected %q", gone.DeviceID)
	}
	if got := m.GetActiveUserConnectedDevices(); len(got) != 0 {
		t.Fatalf("live table not empty: %+v", got)
	}
}

func TestUnknownDeviceDoesNotNotifyConnectionCallbacks(t *testing.T) {
	m, tr, _ := newTestManager(t)
	rec := newConnRecorder()
	all := newConnRecorder()
	m.RegisterConnectionCallback(rec, callbacks.Inline)
	m.RegisterAllConnectionCallback(all, callbacks.Inline)
	startManager(t, m)

	tr.link().OnDeviceConnected("stranger")
	m.drain(t)

	select {
	case dev := <-rec.connected:
		t.Fatalf("active-user callback for unassociated device: %+v", dev)
	default:
	}
	if dev := waitDevice(t, all.connected, "all-devices connect callback"); dev.BelongsToActiveUser {
		t.Fatalf("unassociated device marked active user: %+v", dev)
	}
	if got := m.GetActiveUserConnectedDevices(); len(got) != 0 {
		t.Fatalf("unassociated device in active-user table: %+v", got)
	}
}

func TestUnexpectedDisconnectReconnectsOnce(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	deadline := time.Now().Add(5 * time.Second)
	for tr.connectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial dial missing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	before := tr.connectCount()

	tr.link().OnDeviceDisconnected("dev-1")
	m.drain(t)

	deadline = time.Now().Add(5 * time.Second)
	for tr.connectCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("no reconnect after unexpected disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLinkDropBeforeDeviceIDRetriesDial(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	deadline := time.Now().Add(5 * time.Second)
	for tr.connectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial dial missing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	before := tr.connectCount()

	// The dial succeeded but the link died before the peer announced its id,
	// so no connect or disconnect event ever follows.
	tr.link().OnConnectionFailed("dev-1")
	m.drain(t)

	deadline = time.Now().Add(5 * time.Second)
	for tr.connectCount() == before {
		if time.Now().After(deadline) {
			t.Fatal("no retry after silent link drop")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStrangerDisconnectDoesNotTriggerReconnect(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	deadline := time.Now().Add(5 * time.Second)
	for tr.connectCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("initial dial missing")
		}
		time.Sleep(5 * time.Millisecond)
	}
	tr.link().OnDeviceConnected("dev-1")
	tr.link().OnDeviceConnected("stranger")
	m.drain(t)
	before := tr.connectCount()

	tr.link().OnDeviceDisconnected("stranger")
	m.drain(t)
	time.Sleep(60 * time.Millisecond) // past the test backoff

	if got := tr.connectCount(); got != before {
		t.Fatalf("dialed %d time(s) after losing an unassociated device", got-before)
	}
	if live := m.GetActiveUserConnectedDevices(); len(live) != 1 || live[0].DeviceID != "dev-1" {
		t.Fatalf("active-user table after stranger disconnect: %+v", live)
	}
}

func TestUnexpectedDisconnectNotifiesRecipients(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]

	rec := newRecipientRecorder()
	m.RegisterDeviceCallback(dev, uuid.New(), rec, callbacks.Inline)

	tr.link().OnDeviceDisconnected("dev-1")
	if code := waitErrCode(t, rec.errs, "disconnect error"); code != device.ErrorUnexpectedDisconnection {
		t.Fatalf("error code = %v, want unexpected disconnection", code)
	}
}

func TestRequestedDisconnectIsSilent(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]
	rec := newRecipientRecorder()
	m.RegisterDeviceCallback(dev, uuid.New(), rec, callbacks.Inline)

	if err := m.DisableAssociatedDeviceConnection(context.Background(), "dev-1"); err != nil {
		t.Fatalf("DisableAssociatedDeviceConnection: %v", err)
	}
	tr.link().OnDeviceDisconnected("dev-1")
	m.drain(t)

	select {
	case code := <-rec.errs:
		t.Fatalf("error %v after requested disconnect", code)
	default:
	}
}

func TestSecureChannelEstablishedNotifiesRecipients(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]
	rec := newRecipientRecorder()
	m.RegisterDeviceCallback(dev, uuid.New(), rec, callbacks.Inline)

	tr.link().OnSecureChannelEstablished("dev-1")
	got := waitDevice(t, rec.established, "secure channel notification")
	if !got.HasSecureChannel {
		t.Fatalf("device lacks secure flag: %+v", got)
	}
}

func TestMessagesRouteThroughRegistry(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]

	recipient := uuid.New()
	rec := newRecipientRecorder()
	m.RegisterDeviceCallback(dev, recipient, rec, callbacks.Inline)

	tr.link().OnMessageReceived("dev-1", message.DeviceMessage{Recipient: recipient, Payload: []byte("ping")})
	select {
	case msg := <-rec.messages:
		if string(msg.Payload) != "ping" {
			t.Fatalf("payload = %q", msg.Payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message never dispatched")
	}
}

func TestSendSecurelyRequiresSecureChannel(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]

	err := m.SendMessageSecurely(dev, uuid.New(), []byte("secret"))
	if !errors.Is(err, channel.ErrInvalidChannelState) {
		t.Fatalf("err = %v, want ErrInvalidChannelState", err)
	}
	tr.mu.Lock()
	sent := len(tr.sent)
	tr.mu.Unlock()
	if sent != 0 {
		t.Fatal("transport invoked despite missing secure channel")
	}

	tr.link().OnSecureChannelEstablished("dev-1")
	m.drain(t)
	if err := m.SendMessageSecurely(dev, uuid.New(), []byte("secret")); err != nil {
		t.Fatalf("SendMessageSecurely: %v", err)
	}
	tr.mu.Lock()
	msg := tr.sent[0]
	tr.mu.Unlock()
	if !msg.IsEncrypted {
		t.Fatal("secure send not marked encrypted")
	}
}

func TestSendUnsecurelyNeedsNoSecureChannel(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]

	if err := m.SendMessageUnsecurely(dev, uuid.New(), []byte("hello")); err != nil {
		t.Fatalf("SendMessageUnsecurely: %v", err)
	}
	tr.mu.Lock()
	msg := tr.sent[0]
	tr.mu.Unlock()
	if msg.IsEncrypted {
		t.Fatal("unsecure send marked encrypted")
	}
}

func TestAssociationPromotesConnectedDevice(t *testing.T) {
	m, tr, st := newTestManager(t)
	rec := newConnRecorder()
	m.RegisterAllConnectionCallback(rec, callbacks.Inline)
	startManager(t, m)

	arec := newAssocRecorder()
	if err := m.StartAssociation(arec); err != nil {
		t.Fatalf("StartAssociation: %v", err)
	}
	name := <-arec.started
	if len(name) != transport.AdvertiseNameLength {
		t.Fatalf("advertise name %q", name)
	}

	// Device connects mid-pairing: present but not yet the active user's.
	tr.link().OnDeviceConnected("dev-new")
	m.drain(t)
	if got := m.GetActiveUserConnectedDevices(); len(got) != 0 {
		t.Fatalf("unpromoted device already in active-user table: %+v", got)
	}

	tr.link().OnSecureChannelEstablished("dev-new")
	m.drain(t)

	// The transport persists the record before reporting completion.
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-new", Name: name, ConnectionEnabled: true})
	tr.mu.Lock()
	acb := tr.assocCB
	tr.mu.Unlock()
	acb.OnAssociationCompleted("dev-new")

	if got := <-arec.completed; got != "dev-new" {
		t.Fatalf("completed with %q", got)
	}

	gone := waitDevice(t, rec.disconnected, "promotion disconnect")
	if gone.BelongsToActiveUser {
		t.Fatalf("pre-promotion entry marked active user: %+v", gone)
	}
	promoted := waitDevice(t, rec.connected, "promotion connect")
	if !promoted.BelongsToActiveUser || !promoted.HasSecureChannel {
		t.Fatalf("promoted device state: %+v", promoted)
	}
	if promoted.DeviceName != name {
		t.Fatalf("promoted name = %q, want %q", promoted.DeviceName, name)
	}

	live := m.GetActiveUserConnectedDevices()
	if len(live) != 1 || live[0].DeviceID != "dev-new" {
		t.Fatalf("live table after promotion: %+v", live)
	}
}

func TestStopAssociationRequiresMatchingCallback(t *testing.T) {
	m, tr, _ := newTestManager(t)
	startManager(t, m)

	arec := newAssocRecorder()
	if err := m.StartAssociation(arec); err != nil {
		t.Fatalf("StartAssociation: %v", err)
	}
	<-arec.started

	m.StopAssociation(newAssocRecorder())
	tr.mu.Lock()
	stillPending := tr.assocCB != nil
	tr.mu.Unlock()
	if !stillPending {
		t.Fatal("mismatched callback cancelled the flow")
	}

	m.StopAssociation(arec)
	tr.mu.Lock()
	stillPending = tr.assocCB != nil
	tr.mu.Unlock()
	if stillPending {
		t.Fatal("matching callback did not cancel the flow")
	}
}

func TestRemoveAssociatedDeviceDisconnectsAndForgets(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	st.keys["dev-1"] = []byte("key")
	arec := make(chan storage.AssociatedDevice, 1)
	m.RegisterDeviceAssociationCallback(&assocSubscriber{removed: arec}, callbacks.Inline)
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)

	if err := m.RemoveActiveUserAssociatedDevice(context.Background(), "dev-1"); err != nil {
		t.Fatalf("RemoveActiveUserAssociatedDevice: %v", err)
	}
	tr.mu.Lock()
	disconnected := len(tr.disconnects) == 1 && tr.disconnects[0] == "dev-1"
	tr.mu.Unlock()
	if !disconnected {
		t.Fatal("device not disconnected on removal")
	}
	if _, err := st.EncryptionKey(context.Background(), "dev-1"); !errors.Is(err, storage.ErrDeviceNotFound) {
		t.Fatalf("key survived removal: %v", err)
	}

	select {
	case removed := <-arec:
		if removed.DeviceID != "dev-1" {
			t.Fatalf("removed %q", removed.DeviceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("association subscriber never notified")
	}
}

func TestResetClearsRecipientBlacklist(t *testing.T) {
	m, tr, st := newTestManager(t)
	st.addDevice(storage.AssociatedDevice{DeviceID: "dev-1", ConnectionEnabled: true})
	startManager(t, m)

	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev := m.GetActiveUserConnectedDevices()[0]

	recipient := uuid.New()
	first := newRecipientRecorder()
	second := newRecipientRecorder()
	m.RegisterDeviceCallback(dev, recipient, first, callbacks.Inline)
	m.RegisterDeviceCallback(dev, recipient, second, callbacks.Inline)
	waitErrCode(t, first.errs, "duplicate registration error")
	waitErrCode(t, second.errs, "duplicate registration error")

	startManager(t, m) // restart resets first
	tr.link().OnDeviceConnected("dev-1")
	m.drain(t)
	dev = m.GetActiveUserConnectedDevices()[0]

	fresh := newRecipientRecorder()
	m.RegisterDeviceCallback(dev, recipient, fresh, callbacks.Inline)
	select {
	case code := <-fresh.errs:
		t.Fatalf("recipient still blacklisted after reset: %v", code)
	default:
	}
}

type assocSubscriber struct {
	removed chan storage.AssociatedDevice
}

func (s *assocSubscriber) OnAssociatedDeviceAdded(dev storage.AssociatedDevice)   {}
func (s *assocSubscriber) OnAssociatedDeviceRemoved(dev storage.AssociatedDevice) { s.removed <- dev }
func (s *assocSubscriber) OnAssociatedDeviceUpdated(dev storage.AssociatedDevice) {}

var _ registry.DeviceCallback = (*recipientRecorder)(nil)
