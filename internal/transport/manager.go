package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/companionlink/companionlink/internal/channel"
	"github.com/companionlink/companionlink/internal/crypto/oob"
	"github.com/companionlink/companionlink/internal/crypto/ukey"
	"github.com/companionlink/companionlink/internal/device"
	"github.com/companionlink/companionlink/internal/message"
	"github.com/companionlink/companionlink/internal/storage"
)

// Callback receives link-level events. Implementations must not block; the
// connection manager funnels these onto its own serialized queue.
type Callback interface {
	OnDeviceConnected(deviceID string)
	OnDeviceDisconnected(deviceID string)
	// OnConnectionFailed reports a dialed link that died before the peer
	// announced its device id, so no connect event was ever emitted.
	OnConnectionFailed(deviceID string)
	OnSecureChannelEstablished(deviceID string)
	OnMessageReceived(deviceID string, msg message.DeviceMessage)
	OnSecureChannelError(deviceID string)
}

// AssociationCallback observes one pairing flow from advertising to the
// persisted record.
type AssociationCallback interface {
	OnAssociationStartSuccess(name string)
	OnAssociationStartFailure()
	OnVerificationCodeAvailable(code string)
	OnAssociationCompleted(deviceID string)
	OnAssociationError(code device.ErrorCode)
}

// Store is the slice of the device store the link manager touches.
type Store interface {
	channel.KeyStore
	AddAssociatedDeviceForActiveUser(ctx context.Context, dev storage.AssociatedDevice, key []byte) error
}

var ErrNotConnected = errors.New("device not connected")

// Options configures a LinkManager.
type Options struct {
	Radio    Radio
	Store    Store
	Callback Callback
	// HubID is this hub's stable identity, sent to every peer during the
	// handshake.
	HubID   uuid.UUID
	Logger  *zap.Logger
	Metrics *Metrics
}

// LinkManager owns every physical connection: it advertises for pairing,
// dials remembered devices, and runs one secure channel per link.
type LinkManager struct {
	radio   Radio
	store   Store
	hubID   uuid.UUID
	logger  *zap.Logger
	metrics *Metrics

	mu    sync.Mutex
	cb    Callback
	links map[string]*link
	assoc *associationState
}

// SetCallback installs the event sink. The connection manager wires itself in
// after both sides are constructed.
func (m *LinkManager) SetCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
}

func (m *LinkManager) callback() Callback {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cb
}

type associationState struct {
	name  string
	cb    AssociationCallback
	token *oob.Token
	link  *link
}

// NewLinkManager validates options and constructs a manager with no links.
func NewLinkManager(opts Options) (*LinkManager, error) {
	if opts.Radio == nil {
		return nil, errors.New("transport: radio is required")
	}
	if opts.Store == nil {
		return nil, errors.New("transport: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LinkManager{
		radio:   opts.Radio,
		store:   opts.Store,
		cb:      opts.Callback,
		hubID:   opts.HubID,
		logger:  logger,
		metrics: opts.Metrics,
		links:   make(map[string]*link),
	}, nil
}

// StartAssociation begins advertising under name and arms the manager for one
// inbound pairing connection. A second call replaces any pending flow.
func (m *LinkManager) StartAssociation(name string, acb AssociationCallback) error {
	m.mu.Lock()
	if prior := m.assoc; prior != nil {
		m.assoc = nil
		if prior.token != nil {
			prior.token.Zero()
		}
		if prior.link != nil {
			prior.link.closeStream()
		}
	}
	m.mu.Unlock()
	m.radio.StopAdvertising()

	token, err := oob.NewToken()
	if err != nil {
		m.logger.Warn("association token generation failed", zap.Error(err))
		acb.OnAssociationStartFailure()
		return err
	}
	if err := m.radio.StartAdvertising(name, m.acceptAssociation); err != nil {
		m.logger.Warn("association advertising failed", zap.Error(err))
		acb.OnAssociationStartFailure()
		return err
	}

	m.mu.Lock()
	m.assoc = &associationState{name: name, cb: acb, token: token}
	m.mu.Unlock()

	acb.OnAssociationStartSuccess(name)
	return nil
}

// StopAssociation cancels the pending pairing flow, but only when cb matches
// the callback that started it. Stray cancellations are ignored.
func (m *LinkManager) StopAssociation(cb AssociationCallback) {
	m.mu.Lock()
	assoc := m.assoc
	if assoc == nil || assoc.cb != cb {
		m.mu.Unlock()
		return
	}
	m.assoc = nil
	pending := assoc.link
	m.mu.Unlock()

	if assoc.token != nil {
		assoc.token.Zero()
	}
	m.radio.StopAdvertising()
	if pending != nil {
		pending.closeStream()
	}
}

// AssociationToken serializes the pending flow's out-of-band payload for the
// peer, or nil when no flow is pending. A caller with a secondary channel to
// the device relays it there.
func (m *LinkManager) AssociationToken() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.assoc == nil || m.assoc.token == nil {
		return nil
	}
	return m.assoc.token.MarshalForPeer()
}

// ConfirmAssociationOutOfBand finishes the pending pairing handshake with a
// verification code the device sealed under the out-of-band token.
func (m *LinkManager) ConfirmAssociationOutOfBand(ctx context.Context, sealed []byte) error {
	m.mu.Lock()
	assoc := m.assoc
	var pending *link
	if assoc != nil {
		pending = assoc.link
	}
	m.mu.Unlock()

	if pending == nil {
		return fmt.Errorf("%w: no association in progress", channel.ErrInvalidChannelState)
	}
	return pending.channel.ConfirmOutOfBand(ctx, sealed)
}

// NotifyOutOfBandAccepted confirms the verification code for the in-progress
// association handshake.
func (m *LinkManager) NotifyOutOfBandAccepted(ctx context.Context) error {
	m.mu.Lock()
	assoc := m.assoc
	var pending *link
	if assoc != nil {
		pending = assoc.link
	}
	m.mu.Unlock()

	if pending == nil {
		return fmt.Errorf("%w: no association in progress", channel.ErrInvalidChannelState)
	}
	return pending.channel.NotifyOutOfBandAccepted(ctx)
}

// ConnectToDevice dials a remembered device. The timeout bounds the dial;
// handshake progress is reported through the callback.
func (m *LinkManager) ConnectToDevice(ctx context.Context, dev storage.AssociatedDevice, timeout time.Duration) error {
	m.mu.Lock()
	if _, connected := m.links[dev.DeviceID]; connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := m.radio.Connect(dialCtx, dev.Address)
	if err != nil {
		return fmt.Errorf("connect device %s: %w", dev.DeviceID, err)
	}

	m.startLink(conn, true, dev.DeviceID, nil)
	return nil
}

// DisconnectDevice closes the link for deviceID if one exists.
func (m *LinkManager) DisconnectDevice(deviceID string) {
	m.mu.Lock()
	l := m.links[deviceID]
	m.mu.Unlock()

	if l != nil {
		l.closeStream()
	}
}

// SendMessage hands one application message to the device's secure channel.
func (m *LinkManager) SendMessage(deviceID string, msg message.DeviceMessage) error {
	m.mu.Lock()
	l := m.links[deviceID]
	m.mu.Unlock()

	if l == nil {
		return fmt.Errorf("%w: %s", ErrNotConnected, deviceID)
	}
	if err := l.channel.Send(msg); err != nil {
		return err
	}
	m.metrics.RecordMessageSent()
	return nil
}

// IsConnected reports whether a link exists for deviceID.
func (m *LinkManager) IsConnected(deviceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.links[deviceID]
	return ok
}

// ConnectedDeviceIDs returns the ids of all live links.
func (m *LinkManager) ConnectedDeviceIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.links))
	for id := range m.links {
		ids = append(ids, id)
	}
	return ids
}

// Stop tears down advertising and every live link.
func (m *LinkManager) Stop() {
	m.radio.StopAdvertising()

	m.mu.Lock()
	if m.assoc != nil && m.assoc.token != nil {
		m.assoc.token.Zero()
	}
	m.assoc = nil
	open := make([]*link, 0, len(m.links))
	for _, l := range m.links {
		open = append(open, l)
	}
	m.mu.Unlock()

	for _, l := range open {
		l.closeStream()
	}
}

func (m *LinkManager) acceptAssociation(conn io.ReadWriteCloser) {
	m.mu.Lock()
	assoc := m.assoc
	if assoc == nil || assoc.link != nil {
		m.mu.Unlock()
		conn.Close()
		return
	}
	token := assoc.token
	m.mu.Unlock()

	l := m.startLink(conn, false, "", token)

	m.mu.Lock()
	if m.assoc == assoc {
		assoc.link = l
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	// Association was replaced or cancelled while the link spun up.
	l.closeStream()
}

func (m *LinkManager) startLink(conn io.ReadWriteCloser, reconnect bool, expectedID string, token *oob.Token) *link {
	l := &link{
		m:          m,
		stream:     NewStream(conn),
		address:    remoteAddress(conn),
		reconnect:  reconnect,
		expectedID: expectedID,
	}
	ch, err := channel.New(channel.Options{
		Stream:    l.stream,
		Keys:      m.store,
		Runner:    ukey.NewRunner(reconnect),
		HubID:     m.hubID,
		Reconnect: reconnect,
		OOBToken:  token,
		Callback:  l,
		Logger:    m.logger,
	})
	if err != nil {
		// Options are fully populated above.
		m.logger.Error("create secure channel", zap.Error(err))
		conn.Close()
		return l
	}
	l.channel = ch

	m.metrics.LinkOpened()
	go l.readLoop()
	return l
}

func (m *LinkManager) handleLinkClosed(l *link) {
	m.mu.Lock()
	id := l.deviceID
	if current, ok := m.links[id]; ok && current == l {
		delete(m.links, id)
	}
	if m.assoc != nil && m.assoc.link == l {
		m.assoc.link = nil
	}
	announced := l.announced
	m.mu.Unlock()

	m.metrics.LinkClosed()
	if announced {
		if cb := m.callback(); cb != nil {
			cb.OnDeviceDisconnected(id)
		}
	} else if l.reconnect && l.expectedID != "" {
		// The dial succeeded but the link died before the id frame, so the
		// disconnect above never fires. Report the failure under the id we
		// dialed for, or the caller's in-flight state never clears.
		if cb := m.callback(); cb != nil {
			cb.OnConnectionFailed(l.expectedID)
		}
	}
}

func remoteAddress(conn io.ReadWriteCloser) string {
	if nc, ok := conn.(net.Conn); ok {
		return nc.RemoteAddr().String()
	}
	return ""
}

// link binds one physical connection to its stream and secure channel. It
// implements channel.Callback.
type link struct {
	m          *LinkManager
	stream     *Stream
	channel    *channel.Channel
	address    string
	reconnect  bool
	expectedID string

	// guarded by m.mu
	deviceID  string
	announced bool
}

// id returns the peer id learned from the first handshake frame, empty until
// then. Channel callbacks must not call back into the channel, so the id is
// cached here.
func (l *link) id() string {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return l.deviceID
}

func (l *link) readLoop() {
	for {
		frame, err := l.stream.ReadFrame()
		if err != nil {
			l.m.handleLinkClosed(l)
			return
		}
		l.channel.HandleFrame(context.Background(), frame)
	}
}

func (l *link) closeStream() {
	l.stream.Close()
}

func (l *link) OnDeviceIDReceived(deviceID string) {
	m := l.m

	m.mu.Lock()
	if l.reconnect && l.expectedID != "" && deviceID != l.expectedID {
		m.mu.Unlock()
		m.logger.Warn("reconnected peer reported unexpected id",
			zap.String("expected", l.expectedID),
			zap.String("got", deviceID))
		l.closeStream()
		return
	}
	if existing, ok := m.links[deviceID]; ok && existing != l {
		m.mu.Unlock()
		m.logger.Warn("duplicate connection for device", zap.String("device_id", deviceID))
		l.closeStream()
		return
	}
	m.links[deviceID] = l
	l.deviceID = deviceID
	l.announced = true
	m.mu.Unlock()

	if cb := m.callback(); cb != nil {
		cb.OnDeviceConnected(deviceID)
	}
}

func (l *link) OnVerificationCodeAvailable(code string) {
	m := l.m

	m.mu.Lock()
	var acb AssociationCallback
	if m.assoc != nil && m.assoc.link == l {
		acb = m.assoc.cb
	}
	m.mu.Unlock()

	if acb != nil {
		acb.OnVerificationCodeAvailable(code)
	}
}

func (l *link) OnSecureChannelEstablished() {
	m := l.m
	deviceID := l.id()

	m.mu.Lock()
	var assoc *associationState
	if m.assoc != nil && m.assoc.link == l {
		assoc = m.assoc
	}
	m.mu.Unlock()

	if assoc != nil {
		if err := l.persistAssociation(deviceID, assoc.name); err != nil {
			m.logger.Error("persist association", zap.String("device_id", deviceID), zap.Error(err))
			assoc.cb.OnAssociationError(device.ErrorStorageFailure)
			l.closeStream()
			return
		}
		m.mu.Lock()
		if m.assoc == assoc {
			m.assoc = nil
		}
		m.mu.Unlock()
		if assoc.token != nil {
			assoc.token.Zero()
		}
		m.radio.StopAdvertising()
		m.metrics.RecordAssociation()
		assoc.cb.OnAssociationCompleted(deviceID)
	}

	m.metrics.RecordHandshakeSuccess()
	if cb := m.callback(); cb != nil {
		cb.OnSecureChannelEstablished(deviceID)
	}
}

func (l *link) persistAssociation(deviceID, name string) error {
	ctx := context.Background()
	key, err := l.m.store.EncryptionKey(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("load session key: %w", err)
	}
	return l.m.store.AddAssociatedDeviceForActiveUser(ctx, storage.AssociatedDevice{
		DeviceID:          deviceID,
		Address:           l.address,
		Name:              name,
		ConnectionEnabled: true,
	}, key)
}

func (l *link) OnEstablishSecureChannelFailure(code device.ErrorCode) {
	m := l.m
	deviceID := l.id()

	m.mu.Lock()
	var acb AssociationCallback
	if m.assoc != nil && m.assoc.link == l {
		acb = m.assoc.cb
		// Keep advertising; the next inbound connection retries the pairing.
		m.assoc.link = nil
	}
	m.mu.Unlock()

	m.metrics.RecordHandshakeFailure()
	if acb != nil {
		acb.OnAssociationError(code)
	} else if deviceID != "" {
		if cb := m.callback(); cb != nil {
			cb.OnSecureChannelError(deviceID)
		}
	}
	l.closeStream()
}

func (l *link) OnMessageReceived(msg message.DeviceMessage) {
	l.m.metrics.RecordMessageReceived()
	if cb := l.m.callback(); cb != nil {
		cb.OnMessageReceived(l.id(), msg)
	}
}

func (l *link) OnMessageReceivedError(err error) {
	l.m.metrics.RecordMessageReceiveError()
	l.m.logger.Warn("inbound message dropped",
		zap.String("device_id", l.id()),
		zap.Error(err))
}
