// Package registry routes decrypted device messages to the feature callbacks
// that claimed their recipient id, buffering messages that arrive early and
// blacklisting recipient ids that look hijacked.
package registry

import (
	"sync"

	"github.com/google/uuid"

	"github.com/companionlink/companionlink/internal/callbacks"
	"github.com/companionlink/companionlink/internal/device"
	"github.com/companionlink/companionlink/internal/message"
)

// DeviceCallback receives events for one device, scoped to a recipient id.
type DeviceCallback interface {
	OnSecureChannelEstablished(dev device.ConnectedDevice)
	OnMessageReceived(dev device.ConnectedDevice, msg message.DeviceMessage)
	OnDeviceError(dev device.ConnectedDevice, code device.ErrorCode)
}

// DeliveryDelegate can veto message delivery per device. A false return drops
// the message entirely; it is not cached.
type DeliveryDelegate interface {
	ShouldDeliverMessage(dev device.ConnectedDevice, msg message.DeviceMessage) bool
}

// Registry maps (device, recipient) pairs to callback sets. A recipient id may
// be claimed at most once per device; a second claim is treated as a possible
// impersonation and the id is barred process-wide until Clear.
type Registry struct {
	mu         sync.Mutex
	recipients map[string]map[uuid.UUID]*callbacks.Set[DeviceCallback]
	missed     map[uuid.UUID]map[string]message.DeviceMessage
	blacklist  map[uuid.UUID]struct{}
	delegate   DeliveryDelegate
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{
		recipients: make(map[string]map[uuid.UUID]*callbacks.Set[DeviceCallback]),
		missed:     make(map[uuid.UUID]map[string]message.DeviceMessage),
		blacklist:  make(map[uuid.UUID]struct{}),
	}
}

// SetDeliveryDelegate installs the per-device delivery policy. Pass nil to
// remove it.
func (r *Registry) SetDeliveryDelegate(delegate DeliveryDelegate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delegate = delegate
}

// Register claims recipientID on dev for cb. If the id was blacklisted, or a
// callback already holds the claim, the affected callbacks are notified with
// ErrorInsecureRecipientIDDetected and the id is blacklisted for every device.
// On success any buffered missed message is delivered exactly once.
func (r *Registry) Register(dev device.ConnectedDevice, recipientID uuid.UUID, cb DeviceCallback, exec callbacks.Executor) {
	if exec == nil {
		exec = callbacks.Go
	}

	r.mu.Lock()
	if _, barred := r.blacklist[recipientID]; barred {
		r.mu.Unlock()
		exec(func() { cb.OnDeviceError(dev, device.ErrorInsecureRecipientIDDetected) })
		return
	}

	byRecipient, ok := r.recipients[dev.DeviceID]
	if !ok {
		byRecipient = make(map[uuid.UUID]*callbacks.Set[DeviceCallback])
		r.recipients[dev.DeviceID] = byRecipient
	}

	if existing, claimed := byRecipient[recipientID]; claimed {
		delete(byRecipient, recipientID)
		r.blacklist[recipientID] = struct{}{}
		r.mu.Unlock()
		existing.Invoke(func(c DeviceCallback) { c.OnDeviceError(dev, device.ErrorInsecureRecipientIDDetected) })
		exec(func() { cb.OnDeviceError(dev, device.ErrorInsecureRecipientIDDetected) })
		return
	}

	set := callbacks.NewSet[DeviceCallback]()
	set.Add(cb, exec)
	byRecipient[recipientID] = set

	var pending *message.DeviceMessage
	if byDevice, exists := r.missed[recipientID]; exists {
		if msg, buffered := byDevice[dev.DeviceID]; buffered {
			pending = &msg
			delete(byDevice, dev.DeviceID)
			if len(byDevice) == 0 {
				delete(r.missed, recipientID)
			}
		}
	}
	r.mu.Unlock()

	if pending != nil {
		msg := *pending
		exec(func() { cb.OnMessageReceived(dev, msg) })
	}
}

// Unregister releases cb's claim. An empty recipient entry is removed without
// blacklisting.
func (r *Registry) Unregister(dev device.ConnectedDevice, recipientID uuid.UUID, cb DeviceCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	byRecipient, ok := r.recipients[dev.DeviceID]
	if !ok {
		return
	}
	set, claimed := byRecipient[recipientID]
	if !claimed {
		return
	}
	set.Remove(cb)
	if set.Size() == 0 {
		delete(byRecipient, recipientID)
		if len(byRecipient) == 0 {
			delete(r.recipients, dev.DeviceID)
		}
	}
}

// Dispatch delivers a decrypted message to the callbacks registered for its
// recipient on dev. Without a registration the message is buffered as the
// single missed message for the pair; an unconsumed older message wins over a
// newer one.
func (r *Registry) Dispatch(dev device.ConnectedDevice, msg message.DeviceMessage) {
	r.mu.Lock()
	if r.delegate != nil {
		delegate := r.delegate
		r.mu.Unlock()
		if !delegate.ShouldDeliverMessage(dev, msg) {
			return
		}
		r.mu.Lock()
	}

	var set *callbacks.Set[DeviceCallback]
	if byRecipient, ok := r.recipients[dev.DeviceID]; ok {
		set = byRecipient[msg.Recipient]
	}
	if set == nil {
		byDevice, ok := r.missed[msg.Recipient]
		if !ok {
			byDevice = make(map[string]message.DeviceMessage)
			r.missed[msg.Recipient] = byDevice
		}
		if _, buffered := byDevice[dev.DeviceID]; !buffered {
			cached := msg
			cached.Payload = append([]byte(nil), msg.Payload...)
			byDevice[dev.DeviceID] = cached
		}
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	set.Invoke(func(c DeviceCallback) { c.OnMessageReceived(dev, msg) })
}

// NotifySecureChannelEstablished fans the event out to every callback
// registered for dev, across all recipients.
func (r *Registry) NotifySecureChannelEstablished(dev device.ConnectedDevice) {
	for _, set := range r.snapshotSets(dev.DeviceID) {
		set.Invoke(func(c DeviceCallback) { c.OnSecureChannelEstablished(dev) })
	}
}

// NotifyError fans a device-level failure out to every callback registered
// for dev.
func (r *Registry) NotifyError(dev device.ConnectedDevice, code device.ErrorCode) {
	for _, set := range r.snapshotSets(dev.DeviceID) {
		set.Invoke(func(c DeviceCallback) { c.OnDeviceError(dev, code) })
	}
}

// RemoveDevice drops all registrations for a disconnected device. Missed
// messages and the blacklist survive; a device may reconnect.
func (r *Registry) RemoveDevice(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recipients, deviceID)
}

// Clear wipes registrations, buffered messages, and the blacklist. Only the
// manager's reset path calls this.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients = make(map[string]map[uuid.UUID]*callbacks.Set[DeviceCallback])
	r.missed = make(map[uuid.UUID]map[string]message.DeviceMessage)
	r.blacklist = make(map[uuid.UUID]struct{})
}

func (r *Registry) snapshotSets(deviceID string) []*callbacks.Set[DeviceCallback] {
	r.mu.Lock()
	defer r.mu.Unlock()
	byRecipient, ok := r.recipients[deviceID]
	if !ok {
		return nil
	}
	sets := make([]*callbacks.Set[DeviceCallback], 0, len(byRecipient))
	for _, set := range byRecipient {
		sets = append(sets, set)
	}
	return sets
}
