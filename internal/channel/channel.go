// Package channel owns the per-connection handshake state machine and the
// symmetric encrypt/decrypt path for application traffic.
package channel

import (
	"context"
	"crypto/hmac"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/companionlink/companionlink/internal/crypto/oob"
	"github.com/companionlink/companionlink/internal/crypto/ukey"
	"github.com/companionlink/companionlink/internal/device"
	"github.com/companionlink/companionlink/internal/message"
)

// State tracks one channel's progress from first frame to encrypted traffic.
type State int

const (
	StateAwaitingDeviceID State = iota
	StateHandshakeInProgress
	StateAwaitingOobConfirmation
	StateResumingSession
	StateEstablished
	StateError
)

func (s State) String() string {
	switch s {
	case StateAwaitingDeviceID:
		return "awaiting_device_id"
	case StateHandshakeInProgress:
		return "handshake_in_progress"
	case StateAwaitingOobConfirmation:
		return "awaiting_oob_confirmation"
	case StateResumingSession:
		return "resuming_session"
	case StateEstablished:
		return "established"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// confirmationSignal is the fixed frame sent to the peer once the user
// accepted the verification code.
const confirmationSignal = "True"

var ErrInvalidChannelState = errors.New("invalid channel state")

// FrameWriter writes one encoded frame to the physical link.
type FrameWriter interface {
	WriteFrame(frame []byte) error
}

// KeyStore is the slice of the device store the channel needs: loading the
// previous session key on reconnect and persisting the rotated one.
type KeyStore interface {
	EncryptionKey(ctx context.Context, deviceID string) ([]byte, error)
	SaveEncryptionKey(ctx context.Context, deviceID string, key []byte) error
}

// Callback surfaces channel events to the owning connection manager. All
// methods are invoked from the goroutine that called into the channel.
type Callback interface {
	OnDeviceIDReceived(deviceID string)
	OnVerificationCodeAvailable(code string)
	OnSecureChannelEstablished()
	OnEstablishSecureChannelFailure(code device.ErrorCode)
	OnMessageReceived(msg message.DeviceMessage)
	OnMessageReceivedError(err error)
}

// Options configures a Channel.
type Options struct {
	// Stream carries outbound frames to the peer.
	Stream FrameWriter
	// Keys loads and saves the per-device session key.
	Keys KeyStore
	// Runner drives the key agreement. Must match Reconnect.
	Runner ukey.Runner
	// HubID is this hub's stable identity, sent in reply to the peer's id.
	HubID uuid.UUID
	// Reconnect channels resume a stored session instead of pairing.
	Reconnect bool
	// OOBToken, when set, lets the peer confirm the verification code over a
	// secondary channel instead of the user.
	OOBToken *oob.Token
	Callback Callback
	Logger   *zap.Logger
}

// Channel is the handshake state machine for one physical connection. It is
// discarded on disconnect or handshake failure; only Established channels
// survive a bad frame.
type Channel struct {
	stream    FrameWriter
	keys      KeyStore
	runner    ukey.Runner
	hubID     uuid.UUID
	reconnect bool
	oobToken  *oob.Token
	cb        Callback
	logger    *zap.Logger

	mu               sync.Mutex
	state            State
	initDone         bool
	deviceID         string
	verificationCode string
	key              *ukey.Key
}

// New constructs a channel in StateAwaitingDeviceID.
func New(opts Options) (*Channel, error) {
	if opts.Stream == nil {
		return nil, errors.New("channel: stream is required")
	}
	if opts.Keys == nil {
		return nil, errors.New("channel: key store is required")
	}
	if opts.Runner == nil {
		return nil, errors.New("channel: handshake runner is required")
	}
	if opts.Callback == nil {
		return nil, errors.New("channel: callback is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		stream:    opts.Stream,
		keys:      opts.Keys,
		runner:    opts.Runner,
		hubID:     opts.HubID,
		reconnect: opts.Reconnect,
		oobToken:  opts.OOBToken,
		cb:        opts.Callback,
		logger:    logger,
		state:     StateAwaitingDeviceID,
	}, nil
}

// State reports the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// DeviceID returns the peer's id, empty until the first frame arrived.
func (c *Channel) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// HandleFrame processes one inbound raw frame. Errors before Established
// poison the channel; after Established a bad frame is reported and the
// channel stays usable.
func (c *Channel) HandleFrame(ctx context.Context, raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msg, op, err := message.Decode(raw)
	if err != nil {
		if c.state == StateEstablished {
			c.cb.OnMessageReceivedError(fmt.Errorf("decode frame: %w", err))
			return
		}
		c.fail(device.ErrorInvalidMessage, "undecodable frame", err)
		return
	}

	switch c.state {
	case StateAwaitingDeviceID:
		c.handleDeviceID(ctx, msg, op)
	case StateHandshakeInProgress, StateResumingSession:
		c.handleHandshake(ctx, msg, op)
	case StateAwaitingOobConfirmation:
		// Peer traffic is unexpected while waiting on the user.
		c.fail(device.ErrorInvalidHandshake, "frame received while awaiting confirmation", nil)
	case StateEstablished:
		c.handleApplicationMessage(msg, op)
	default:
		c.logger.Debug("frame ignored on dead channel", zap.Stringer("state", c.state))
	}
}

func (c *Channel) handleDeviceID(ctx context.Context, msg message.DeviceMessage, op message.OperationType) {
	if op != message.OperationEncryptionHandshake {
		c.fail(device.ErrorInvalidHandshake, "expected handshake frame", nil)
		return
	}
	id, err := uuid.FromBytes(msg.Payload)
	if err != nil {
		c.fail(device.ErrorInvalidDeviceID, "unparsable device id", err)
		return
	}
	c.deviceID = id.String()

	if c.reconnect {
		if _, err := c.keys.EncryptionKey(ctx, c.deviceID); err != nil {
			c.fail(device.ErrorInvalidDeviceID, "no stored key for reconnecting device", err)
			return
		}
	}

	if err := c.writeHandshake(c.hubID[:]); err != nil {
		c.fail(device.ErrorInvalidHandshake, "send hub id", err)
		return
	}
	c.state = StateHandshakeInProgress
	c.cb.OnDeviceIDReceived(c.deviceID)
}

func (c *Channel) handleHandshake(ctx context.Context, msg message.DeviceMessage, op message.OperationType) {
	if op != message.OperationEncryptionHandshake {
		c.fail(device.ErrorInvalidHandshake, "expected handshake frame", nil)
		return
	}

	if c.state == StateResumingSession {
		c.authenticateReconnection(ctx, msg.Payload)
		return
	}

	var result ukey.Message
	var err error
	if !c.initDone {
		result, err = c.runner.RespondToInitRequest(msg.Payload)
		c.initDone = true
	} else {
		result, err = c.runner.ContinueHandshake(msg.Payload)
	}
	if err != nil {
		c.fail(device.ErrorInvalidHandshake, "handshake step", err)
		return
	}
	if result.Next != nil {
		if err := c.writeHandshake(result.Next); err != nil {
			c.fail(device.ErrorInvalidHandshake, "send handshake response", err)
			return
		}
	}

	switch result.State {
	case ukey.StateInProgress:
	case ukey.StateVerificationNeeded:
		c.state = StateAwaitingOobConfirmation
		c.verificationCode = result.VerificationCode
		c.cb.OnVerificationCodeAvailable(result.VerificationCode)
	case ukey.StateResumingSession:
		c.state = StateResumingSession
	default:
		c.fail(device.ErrorInvalidHandshake, "unexpected handshake state", nil)
	}
}

func (c *Channel) authenticateReconnection(ctx context.Context, proof []byte) {
	previous, err := c.keys.EncryptionKey(ctx, c.deviceID)
	if err != nil {
		c.fail(device.ErrorInvalidEncryptionKey, "load stored key", err)
		return
	}
	result, err := c.runner.AuthenticateReconnection(proof, previous)
	if err != nil {
		c.fail(device.ErrorInvalidSecurityKey, "authenticate reconnection", err)
		return
	}

	if err := c.keys.SaveEncryptionKey(ctx, c.deviceID, result.Key.Bytes()); err != nil {
		c.fail(device.ErrorStorageFailure, "persist rotated key", err)
		return
	}
	if err := c.writeHandshake(result.Next); err != nil {
		c.fail(device.ErrorInvalidHandshake, "send resumption proof", err)
		return
	}

	c.key = result.Key
	c.state = StateEstablished
	c.logger.Info("secure channel resumed", zap.String("device_id", c.deviceID))
	c.cb.OnSecureChannelEstablished()
}

// NotifyOutOfBandAccepted finishes an association handshake after the user
// confirmed the verification code. The channel sends the confirmation signal,
// persists the new key, and becomes Established.
func (c *Channel) NotifyOutOfBandAccepted(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAwaitingOobConfirmation {
		return fmt.Errorf("%w: confirmation in state %s", ErrInvalidChannelState, c.state)
	}
	return c.completeAssociation(ctx)
}

// ConfirmOutOfBand finishes an association handshake with a verification code
// the peer sealed under the out-of-band token, bypassing the user prompt.
func (c *Channel) ConfirmOutOfBand(ctx context.Context, sealed []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateAwaitingOobConfirmation {
		return fmt.Errorf("%w: confirmation in state %s", ErrInvalidChannelState, c.state)
	}
	if c.oobToken == nil {
		return fmt.Errorf("%w: channel has no out-of-band token", ErrInvalidChannelState)
	}

	code, err := c.oobToken.DecryptVerificationCode(sealed)
	if err != nil {
		c.fail(device.ErrorInvalidVerification, "open out-of-band confirmation", err)
		return err
	}
	if !hmac.Equal(code, []byte(c.verificationCode)) {
		err := errors.New("out-of-band verification code mismatch")
		c.fail(device.ErrorInvalidVerification, "out-of-band confirmation", err)
		return err
	}
	return c.completeAssociation(ctx)
}

// completeAssociation persists the new key, signals the peer, and promotes
// the channel. Callers hold c.mu in StateAwaitingOobConfirmation.
func (c *Channel) completeAssociation(ctx context.Context) error {
	result, err := c.runner.VerifyCode()
	if err != nil {
		c.fail(device.ErrorInvalidVerification, "finish handshake", err)
		return err
	}
	if err := c.keys.SaveEncryptionKey(ctx, c.deviceID, result.Key.Bytes()); err != nil {
		c.fail(device.ErrorStorageFailure, "persist session key", err)
		return err
	}
	if err := c.writeHandshake([]byte(confirmationSignal)); err != nil {
		c.fail(device.ErrorInvalidHandshake, "send confirmation signal", err)
		return err
	}

	c.key = result.Key
	c.state = StateEstablished
	c.logger.Info("secure channel established", zap.String("device_id", c.deviceID))
	c.cb.OnSecureChannelEstablished()
	return nil
}

// Send encrypts (when requested) and writes one application message. An
// encrypted send before the handshake completed fails with
// ErrInvalidChannelState and nothing reaches the transport.
func (c *Channel) Send(msg message.DeviceMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload := msg.Payload
	if msg.IsEncrypted {
		if c.state != StateEstablished || c.key == nil {
			return fmt.Errorf("%w: secure send in state %s", ErrInvalidChannelState, c.state)
		}
		sealed, err := c.key.Encrypt(payload)
		if err != nil {
			return fmt.Errorf("encrypt message: %w", err)
		}
		payload = sealed
	}

	raw, err := message.Encode(message.DeviceMessage{
		Recipient:   msg.Recipient,
		IsEncrypted: msg.IsEncrypted,
		Payload:     payload,
	}, message.OperationClientMessage)
	if err != nil {
		return err
	}
	return c.stream.WriteFrame(raw)
}

func (c *Channel) handleApplicationMessage(msg message.DeviceMessage, op message.OperationType) {
	if op != message.OperationClientMessage {
		c.cb.OnMessageReceivedError(fmt.Errorf("unexpected %s frame on established channel", op))
		return
	}
	if msg.IsEncrypted {
		plaintext, err := c.key.Decrypt(msg.Payload)
		if err != nil {
			// A single bad frame is not fatal.
			c.cb.OnMessageReceivedError(fmt.Errorf("decrypt message: %w", err))
			return
		}
		msg.Payload = plaintext
	}
	c.cb.OnMessageReceived(msg)
}

func (c *Channel) writeHandshake(payload []byte) error {
	raw, err := message.Encode(message.DeviceMessage{Payload: payload}, message.OperationEncryptionHandshake)
	if err != nil {
		return err
	}
	return c.stream.WriteFrame(raw)
}

// fail moves the channel into its absorbing error state. Callers hold c.mu.
func (c *Channel) fail(code device.ErrorCode, reason string, err error) {
	if c.state == StateError {
		return
	}
	c.state = StateError
	if c.key != nil {
		c.key.Zero()
		c.key = nil
	}
	c.logger.Warn("secure channel failed",
		zap.String("device_id", c.deviceID),
		zap.Stringer("code", code),
		zap.String("reason", reason),
		zap.Error(err))
	c.cb.OnEstablishSecureChannelFailure(code)
}
