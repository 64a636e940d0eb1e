// Package manager hosts the connection manager: the top-level coordinator
// for device connections, the pairing flow, and the API feature code uses.
// Transport events arriving on arbitrary goroutines are funneled onto one
// serialized queue so state transitions stay totally ordered.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/companionlink/companionlink/internal/callbacks"
	"github.com/companionlink/companionlink/internal/channel"
	"github.com/companionlink/companionlink/internal/device"
	"github.com/companionlink/companionlink/internal/message"
	"github.com/companionlink/companionlink/internal/registry"
	"github.com/companionlink/companionlink/internal/storage"
	"github.com/companionlink/companionlink/internal/transport"
)

// State is the process-wide manager lifecycle.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Transport is the slice of the link manager the connection manager drives.
type Transport interface {
	SetCallback(cb transport.Callback)
	StartAssociation(name string, cb transport.AssociationCallback) error
	StopAssociation(cb transport.AssociationCallback)
	NotifyOutOfBandAccepted(ctx context.Context) error
	AssociationToken() []byte
	ConfirmAssociationOutOfBand(ctx context.Context, sealed []byte) error
	ConnectToDevice(ctx context.Context, dev storage.AssociatedDevice, timeout time.Duration) error
	DisconnectDevice(deviceID string)
	SendMessage(deviceID string, msg message.DeviceMessage) error
	Stop()
}

// ConnectionCallback observes connect and disconnect transitions for devices
// belonging to the active user.
type ConnectionCallback interface {
	OnDeviceConnected(dev device.ConnectedDevice)
	OnDeviceDisconnected(dev device.ConnectedDevice)
}

// AssociationCallback observes one pairing flow end to end.
type AssociationCallback interface {
	OnAssociationStartSuccess(name string)
	OnAssociationStartFailure()
	OnVerificationCodeAvailable(code string)
	OnAssociationCompleted(deviceID string)
	OnAssociationError(code device.ErrorCode)
}

// DeviceAssociationCallback observes persisted pairing-record changes,
// including ones made behind the manager's back.
type DeviceAssociationCallback interface {
	OnAssociatedDeviceAdded(dev storage.AssociatedDevice)
	OnAssociatedDeviceRemoved(dev storage.AssociatedDevice)
	OnAssociatedDeviceUpdated(dev storage.AssociatedDevice)
}

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultReconnectBackoff = 3 * time.Second
)

// Options configures a Manager.
type Options struct {
	Transport Transport
	Store     storage.Store
	Logger    *zap.Logger
	Metrics   *Metrics
	// ConnectTimeout bounds one dial to the active user's device.
	ConnectTimeout time.Duration
	// ReconnectBackoff delays the automatic reconnect after a drop or a
	// failed attempt.
	ReconnectBackoff time.Duration
}

// Manager coordinates the live device table, the secure-channel lifecycle,
// and message routing between features and devices.
type Manager struct {
	transport        Transport
	store            storage.Store
	logger           *zap.Logger
	metrics          *Metrics
	connectTimeout   time.Duration
	reconnectBackoff time.Duration

	registry *registry.Registry

	stateMu sync.Mutex
	state   State

	devicesMu            sync.Mutex
	devices              map[string]device.ConnectedDevice
	requestedDisconnects map[string]struct{}

	connectMu      sync.Mutex
	isConnecting   bool
	reconnectTimer *time.Timer

	assocMu      sync.Mutex
	assocCaller  AssociationCallback
	assocAdapter *associationEvents

	connectionCallbacks    *callbacks.Set[ConnectionCallback]
	allConnectionCallbacks *callbacks.Set[ConnectionCallback]
	associationSubscribers *callbacks.Set[DeviceAssociationCallback]

	events   chan func()
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New wires the manager into its transport and store and starts the event
// queue. The manager stays Stopped until Start.
func New(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("manager: transport is required")
	}
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = defaultConnectTimeout
	}
	reconnectBackoff := opts.ReconnectBackoff
	if reconnectBackoff <= 0 {
		reconnectBackoff = defaultReconnectBackoff
	}

	m := &Manager{
		transport:              opts.Transport,
		store:                  opts.Store,
		logger:                 logger,
		metrics:                opts.Metrics,
		connectTimeout:         connectTimeout,
		reconnectBackoff:       reconnectBackoff,
		registry:               registry.New(),
		devices:                make(map[string]device.ConnectedDevice),
		requestedDisconnects:   make(map[string]struct{}),
		connectionCallbacks:    callbacks.NewSet[ConnectionCallback](),
		allConnectionCallbacks: callbacks.NewSet[ConnectionCallback](),
		associationSubscribers: callbacks.NewSet[DeviceAssociationCallback](),
		events:                 make(chan func(), 64),
		stop:                   make(chan struct{}),
	}
	m.transport.SetCallback(&linkEvents{m: m})
	m.store.RegisterCallback(&storeEvents{m: m}, callbacks.Go)

	m.wg.Add(1)
	go m.run()
	return m, nil
}

// Start brings the manager to Running and kicks off reconnection. Calling
// Start on a running manager resets it first.
func (m *Manager) Start(ctx context.Context) error {
	if m.State() != StateStopped {
		m.Reset()
	}
	m.setState(StateStarting)

	if _, err := m.store.ActiveUserAssociatedDevices(ctx); err != nil {
		m.setState(StateStopped)
		return fmt.Errorf("load associated devices: %w", err)
	}

	m.setState(StateRunning)
	m.logger.Info("connection manager started")
	m.ConnectToActiveUserDevice()
	return nil
}

// Reset disconnects every live device, cancels pending work, and clears all
// transient state including the recipient blacklist.
func (m *Manager) Reset() {
	m.setState(StateStopped)

	m.connectMu.Lock()
	m.isConnecting = false
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.connectMu.Unlock()

	m.assocMu.Lock()
	m.assocCaller = nil
	m.assocAdapter = nil
	m.assocMu.Unlock()

	m.transport.Stop()

	m.devicesMu.Lock()
	m.devices = make(map[string]device.ConnectedDevice)
	m.requestedDisconnects = make(map[string]struct{})
	m.devicesMu.Unlock()
	m.metrics.SetConnectedDevices(0)

	m.registry.Clear()
}

// Close resets the manager and stops its event queue.
func (m *Manager) Close() {
	m.Reset()
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

// State reports the lifecycle state.
func (m *Manager) State() State {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

// ConnectToActiveUserDevice asynchronously connects the active user's paired
// device. Concurrent calls collapse into one in-flight attempt.
func (m *Manager) ConnectToActiveUserDevice() {
	if m.State() != StateRunning {
		return
	}

	m.connectMu.Lock()
	if m.isConnecting {
		m.connectMu.Unlock()
		return
	}
	m.isConnecting = true
	m.connectMu.Unlock()

	go m.attemptActiveUserConnection()
}

func (m *Manager) attemptActiveUserConnection() {
	ctx := context.Background()

	target, ok := m.activeUserDevice(ctx)
	if !ok {
		m.clearConnecting()
		return
	}
	m.devicesMu.Lock()
	_, connected := m.devices[target.DeviceID]
	m.devicesMu.Unlock()
	if connected {
		m.clearConnecting()
		return
	}

	m.metrics.RecordReconnectAttempt()
	if err := m.transport.ConnectToDevice(ctx, target, m.connectTimeout); err != nil {
		m.logger.Debug("reconnect attempt failed",
			zap.String("device_id", target.DeviceID),
			zap.Error(err))
		m.clearConnecting()
		m.scheduleReconnect()
	}
	// On success the flag stays set while the handshake runs; the connect,
	// disconnect, or connection-failure event clears it.
}

func (m *Manager) activeUserDevice(ctx context.Context) (storage.AssociatedDevice, bool) {
	devices, err := m.store.ActiveUserAssociatedDevices(ctx)
	if err != nil {
		m.logger.Warn("load associated devices", zap.Error(err))
		return storage.AssociatedDevice{}, false
	}
	for _, d := range devices {
		if d.ConnectionEnabled {
			return d, true
		}
	}
	return storage.AssociatedDevice{}, false
}

func (m *Manager) clearConnecting() {
	m.connectMu.Lock()
	m.isConnecting = false
	m.connectMu.Unlock()
}

func (m *Manager) scheduleReconnect() {
	if m.State() != StateRunning {
		return
	}
	m.connectMu.Lock()
	defer m.connectMu.Unlock()
	if m.reconnectTimer != nil {
		return
	}
	m.reconnectTimer = time.AfterFunc(m.reconnectBackoff, func() {
		m.connectMu.Lock()
		m.reconnectTimer = nil
		m.connectMu.Unlock()
		m.ConnectToActiveUserDevice()
	})
}

// StartAssociation begins a pairing flow under a fresh advertise name. Only
// one flow runs at a time; a new call replaces the pending one.
func (m *Manager) StartAssociation(cb AssociationCallback) error {
	name, err := transport.RandomAdvertiseName()
	if err != nil {
		cb.OnAssociationStartFailure()
		return err
	}

	adapter := &associationEvents{m: m, caller: cb}
	m.assocMu.Lock()
	m.assocCaller = cb
	m.assocAdapter = adapter
	m.assocMu.Unlock()

	m.metrics.RecordAssociationStarted()
	return m.transport.StartAssociation(name, adapter)
}

// StopAssociation cancels the pending pairing flow when cb is the callback
// that started it; stray cancellations are ignored.
func (m *Manager) StopAssociation(cb AssociationCallback) {
	m.assocMu.Lock()
	if m.assocCaller != cb {
		m.assocMu.Unlock()
		return
	}
	adapter := m.assocAdapter
	m.assocCaller = nil
	m.assocAdapter = nil
	m.assocMu.Unlock()

	m.transport.StopAssociation(adapter)
}

// NotifyOutOfBandAccepted relays the user's confirmation of the verification
// code into the pending handshake.
func (m *Manager) NotifyOutOfBandAccepted(ctx context.Context) error {
	return m.transport.NotifyOutOfBandAccepted(ctx)
}

// AssociationToken returns the pending pairing flow's out-of-band payload for
// relay over a secondary channel, or nil when no flow is pending.
func (m *Manager) AssociationToken() []byte {
	return m.transport.AssociationToken()
}

// ConfirmAssociationOutOfBand finishes the pending pairing handshake with a
// code the device sealed under the out-of-band token, skipping the user
// prompt.
func (m *Manager) ConfirmAssociationOutOfBand(ctx context.Context, sealed []byte) error {
	return m.transport.ConfirmAssociationOutOfBand(ctx, sealed)
}

// GetActiveUserAssociatedDevices lists the active user's persisted pairing
// records.
func (m *Manager) GetActiveUserAssociatedDevices(ctx context.Context) ([]storage.AssociatedDevice, error) {
	return m.store.ActiveUserAssociatedDevices(ctx)
}

// GetActiveUserConnectedDevices snapshots the live devices belonging to the
// active user.
func (m *Manager) GetActiveUserConnectedDevices() []device.ConnectedDevice {
	m.devicesMu.Lock()
	defer m.devicesMu.Unlock()

	out := make([]device.ConnectedDevice, 0, len(m.devices))
	for _, d := range m.devices {
		if d.BelongsToActiveUser {
			out = append(out, d)
		}
	}
	return out
}

// RegisterDeviceCallback claims a recipient id on dev for cb.
func (m *Manager) RegisterDeviceCallback(dev device.ConnectedDevice, recipient uuid.UUID, cb registry.DeviceCallback, exec callbacks.Executor) {
	m.registry.Register(dev, recipient, cb, exec)
}

// UnregisterDeviceCallback releases a recipient claim.
func (m *Manager) UnregisterDeviceCallback(dev device.ConnectedDevice, recipient uuid.UUID, cb registry.DeviceCallback) {
	m.registry.Unregister(dev, recipient, cb)
}

// SetMessageDeliveryDelegate installs the per-device delivery policy.
func (m *Manager) SetMessageDeliveryDelegate(delegate registry.DeliveryDelegate) {
	m.registry.SetDeliveryDelegate(delegate)
}

// RegisterConnectionCallback subscribes to active-user connect/disconnect
// transitions.
func (m *Manager) RegisterConnectionCallback(cb ConnectionCallback, exec callbacks.Executor) {
	m.connectionCallbacks.Add(cb, exec)
}

func (m *Manager) UnregisterConnectionCallback(cb ConnectionCallback) {
	m.connectionCallbacks.Remove(cb)
}

// RegisterAllConnectionCallback subscribes to connect/disconnect transitions
// for every device, active user's or not.
func (m *Manager) RegisterAllConnectionCallback(cb ConnectionCallback, exec callbacks.Executor) {
	m.allConnectionCallbacks.Add(cb, exec)
}

func (m *Manager) UnregisterAllConnectionCallback(cb ConnectionCallback) {
	m.allConnectionCallbacks.Remove(cb)
}

func (m *Manager) notifyConnected(dev device.ConnectedDevice) {
	m.allConnectionCallbacks.Invoke(func(cb ConnectionCallback) { cb.OnDeviceConnected(dev) })
	if dev.BelongsToActiveUser {
		m.connectionCallbacks.Invoke(func(cb ConnectionCallback) { cb.OnDeviceConnected(dev) })
	}
}

func (m *Manager) notifyDisconnected(dev device.ConnectedDevice) {
	m.allConnectionCallbacks.Invoke(func(cb ConnectionCallback) { cb.OnDeviceDisconnected(dev) })
	if dev.BelongsToActiveUser {
		m.connectionCallbacks.Invoke(func(cb ConnectionCallback) { cb.OnDeviceDisconnected(dev) })
	}
}

// RegisterDeviceAssociationCallback subscribes to pairing-record changes.
func (m *Manager) RegisterDeviceAssociationCallback(cb DeviceAssociationCallback, exec callbacks.Executor) {
	m.associationSubscribers.Add(cb, exec)
}

func (m *Manager) UnregisterDeviceAssociationCallback(cb DeviceAssociationCallback) {
	m.associationSubscribers.Remove(cb)
}

// SendMessageSecurely encrypts payload for dev's recipient. It fails
// synchronously when the device has no established secure channel, without
// touching the transport.
func (m *Manager) SendMessageSecurely(dev device.ConnectedDevice, recipient uuid.UUID, payload []byte) error {
	m.devicesMu.Lock()
	current, ok := m.devices[dev.DeviceID]
	m.devicesMu.Unlock()

	if !ok || !current.HasSecureChannel {
		m.metrics.RecordSendFailure()
		return fmt.Errorf("%w: device %s has no secure channel", channel.ErrInvalidChannelState, dev.DeviceID)
	}

	err := m.transport.SendMessage(dev.DeviceID, message.DeviceMessage{
		Recipient:   recipient,
		IsEncrypted: true,
		Payload:     payload,
	})
	if err != nil {
		m.metrics.RecordSendFailure()
	}
	return err
}

// SendMessageUnsecurely sends payload in the clear.
func (m *Manager) SendMessageUnsecurely(dev device.ConnectedDevice, recipient uuid.UUID, payload []byte) error {
	err := m.transport.SendMessage(dev.DeviceID, message.DeviceMessage{
		Recipient: recipient,
		Payload:   payload,
	})
	if err != nil {
		m.metrics.RecordSendFailure()
	}
	return err
}

// EnableAssociatedDeviceConnection re-enables reconnection for a paired
// device and immediately attempts it.
func (m *Manager) EnableAssociatedDeviceConnection(ctx context.Context, deviceID string) error {
	if err := m.store.UpdateAssociatedDeviceConnectionEnabled(ctx, deviceID, true); err != nil {
		return err
	}
	m.ConnectToActiveUserDevice()
	return nil
}

// DisableAssociatedDeviceConnection persists the disable flag and drops the
// live connection if one exists.
func (m *Manager) DisableAssociatedDeviceConnection(ctx context.Context, deviceID string) error {
	if err := m.store.UpdateAssociatedDeviceConnectionEnabled(ctx, deviceID, false); err != nil {
		return err
	}
	m.markRequestedDisconnect(deviceID)
	m.transport.DisconnectDevice(deviceID)
	return nil
}

// RemoveActiveUserAssociatedDevice unpairs a device: disconnects it, drops
// its recipient registrations, and deletes the persisted record.
func (m *Manager) RemoveActiveUserAssociatedDevice(ctx context.Context, deviceID string) error {
	m.markRequestedDisconnect(deviceID)
	m.transport.DisconnectDevice(deviceID)
	m.registry.RemoveDevice(deviceID)
	return m.store.RemoveAssociatedDeviceForActiveUser(ctx, deviceID)
}

func (m *Manager) markRequestedDisconnect(deviceID string) {
	m.devicesMu.Lock()
	if _, connected := m.devices[deviceID]; connected {
		m.requestedDisconnects[deviceID] = struct{}{}
	}
	m.devicesMu.Unlock()
}

func (m *Manager) run() {
	defer m.wg.Done()
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) enqueue(fn func()) {
	select {
	case m.events <- fn:
	case <-m.stop:
	}
}

func (m *Manager) handleDeviceConnected(deviceID string) {
	m.devicesMu.Lock()
	if _, exists := m.devices[deviceID]; exists {
		m.devicesMu.Unlock()
		return
	}
	record, associated := m.associatedRecord(deviceID)
	dev := device.ConnectedDevice{
		DeviceID:            deviceID,
		DeviceName:          record.Name,
		BelongsToActiveUser: associated,
	}
	m.devices[deviceID] = dev
	total := len(m.devices)
	m.devicesMu.Unlock()

	m.metrics.SetConnectedDevices(total)
	m.clearConnecting()
	m.logger.Info("device connected",
		zap.String("device_id", deviceID),
		zap.Bool("active_user", associated))

	m.notifyConnected(dev)
}

func (m *Manager) handleDeviceDisconnected(deviceID string) {
	m.devicesMu.Lock()
	dev, ok := m.devices[deviceID]
	if !ok {
		m.devicesMu.Unlock()
		return
	}
	delete(m.devices, deviceID)
	_, requested := m.requestedDisconnects[deviceID]
	delete(m.requestedDisconnects, deviceID)
	total := len(m.devices)
	m.devicesMu.Unlock()

	m.metrics.SetConnectedDevices(total)
	m.clearConnecting()
	m.logger.Info("device disconnected",
		zap.String("device_id", deviceID),
		zap.Bool("requested", requested))

	m.notifyDisconnected(dev)
	if !requested {
		m.registry.NotifyError(dev, device.ErrorUnexpectedDisconnection)
	}
	if dev.BelongsToActiveUser || total == 0 {
		m.scheduleReconnect()
	}
}

// handleConnectionFailed retires a dial whose link died before the peer
// announced its id. No connect or disconnect event ever fires for such a
// link, so the in-flight flag must be cleared here and the attempt retried.
func (m *Manager) handleConnectionFailed(deviceID string) {
	m.logger.Debug("connection attempt failed", zap.String("device_id", deviceID))
	m.clearConnecting()
	m.scheduleReconnect()
}

func (m *Manager) handleSecureChannelEstablished(deviceID string) {
	m.devicesMu.Lock()
	dev, ok := m.devices[deviceID]
	if !ok {
		m.devicesMu.Unlock()
		return
	}
	dev.HasSecureChannel = true
	m.devices[deviceID] = dev
	m.devicesMu.Unlock()

	m.logger.Info("secure channel established", zap.String("device_id", deviceID))
	if dev.BelongsToActiveUser {
		m.clearConnecting()
	}
	m.registry.NotifySecureChannelEstablished(dev)
}

func (m *Manager) handleMessageReceived(deviceID string, msg message.DeviceMessage) {
	m.devicesMu.Lock()
	dev, ok := m.devices[deviceID]
	m.devicesMu.Unlock()
	if !ok {
		return
	}
	m.registry.Dispatch(dev, msg)
}

func (m *Manager) handleSecureChannelError(deviceID string) {
	m.devicesMu.Lock()
	dev, ok := m.devices[deviceID]
	if ok {
		// The transport drops the link next; keep the follow-up disconnect
		// from double-reporting.
		m.requestedDisconnects[deviceID] = struct{}{}
	}
	m.devicesMu.Unlock()

	if ok {
		m.registry.NotifyError(dev, device.ErrorInvalidSecurityKey)
	}
	m.transport.DisconnectDevice(deviceID)
}

func (m *Manager) handleAssociationCompleted(deviceID string) {
	m.devicesMu.Lock()
	record, _ := m.associatedRecord(deviceID)
	old, existed := m.devices[deviceID]
	promoted := device.ConnectedDevice{
		DeviceID:            deviceID,
		DeviceName:          record.Name,
		BelongsToActiveUser: true,
		HasSecureChannel:    old.HasSecureChannel,
	}
	m.devices[deviceID] = promoted
	m.devicesMu.Unlock()

	// Subscribers observe an explicit disconnect-then-connect transition
	// instead of a silent mutation of the existing entry.
	if existed {
		m.notifyDisconnected(old)
	}
	m.notifyConnected(promoted)
}

// associatedRecord may be called with devicesMu held; it only touches the
// store.
func (m *Manager) associatedRecord(deviceID string) (storage.AssociatedDevice, bool) {
	devices, err := m.store.ActiveUserAssociatedDevices(context.Background())
	if err != nil {
		m.logger.Warn("load associated devices", zap.Error(err))
		return storage.AssociatedDevice{}, false
	}
	for _, d := range devices {
		if d.DeviceID == deviceID {
			return d, true
		}
	}
	return storage.AssociatedDevice{}, false
}

func (m *Manager) clearAssociation(adapter *associationEvents) {
	m.assocMu.Lock()
	if m.assocAdapter == adapter {
		m.assocCaller = nil
		m.assocAdapter = nil
	}
	m.assocMu.Unlock()
}

// linkEvents adapts transport callbacks onto the serialized event queue.
type linkEvents struct {
	m *Manager
}

func (e *linkEvents) OnDeviceConnected(deviceID string) {
	e.m.enqueue(func() { e.m.handleDeviceConnected(deviceID) })
}

func (e *linkEvents) OnDeviceDisconnected(deviceID string) {
	e.m.enqueue(func() { e.m.handleDeviceDisconnected(deviceID) })
}

func (e *linkEvents) OnConnectionFailed(deviceID string) {
	e.m.enqueue(func() { e.m.handleConnectionFailed(deviceID) })
}

func (e *linkEvents) OnSecureChannelEstablished(deviceID string) {
	e.m.enqueue(func() { e.m.handleSecureChannelEstablished(deviceID) })
}

func (e *linkEvents) OnMessageReceived(deviceID string, msg message.DeviceMessage) {
	e.m.enqueue(func() { e.m.handleMessageReceived(deviceID, msg) })
}

func (e *linkEvents) OnSecureChannelError(deviceID string) {
	e.m.enqueue(func() { e.m.handleSecureChannelError(deviceID) })
}

// associationEvents forwards pairing progress to the caller and folds the
// completion into the manager's own state.
type associationEvents struct {
	m      *Manager
	caller AssociationCallback
}

func (a *associationEvents) OnAssociationStartSuccess(name string) {
	a.caller.OnAssociationStartSuccess(name)
}

func (a *associationEvents) OnAssociationStartFailure() {
	a.m.clearAssociation(a)
	a.caller.OnAssociationStartFailure()
}

func (a *associationEvents) OnVerificationCodeAvailable(code string) {
	a.caller.OnVerificationCodeAvailable(code)
}

func (a *associationEvents) OnAssociationCompleted(deviceID string) {
	a.m.clearAssociation(a)
	// The caller hears about completion before the live table is promoted.
	a.caller.OnAssociationCompleted(deviceID)
	a.m.enqueue(func() { a.m.handleAssociationCompleted(deviceID) })
}

func (a *associationEvents) OnAssociationError(code device.ErrorCode) {
	a.caller.OnAssociationError(code)
}

// storeEvents republishes device-store changes to association subscribers.
type storeEvents struct {
	m *Manager
}

func (e *storeEvents) OnAssociatedDeviceAdded(dev storage.AssociatedDevice) {
	e.m.associationSubscribers.Invoke(func(cb DeviceAssociationCallback) { cb.OnAssociatedDeviceAdded(dev) })
}

func (e *storeEvents) OnAssociatedDeviceRemoved(dev storage.AssociatedDevice) {
	e.m.associationSubscribers.Invoke(func(cb DeviceAssociationCallback) { cb.OnAssociatedDeviceRemoved(dev) })
}

func (e *storeEvents) OnAssociatedDeviceUpdated(dev storage.AssociatedDevice) {
	e.m.associationSubscribers.Invoke(func(cb DeviceAssociationCallback) { cb.OnAssociatedDeviceUpdated(dev) })
}
