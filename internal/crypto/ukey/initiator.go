package ukey

import (
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"fmt"
	"io"
)

// Initiator drives the companion-device side of the key agreement. The hub
// never runs this role; it exists for the device simulator and for tests that
// exercise both ends of the handshake.
type Initiator struct {
	reconnect bool
	rand      io.Reader
	state     State
	priv      *ecdh.PrivateKey
	shared    []byte
	sess      session
}

// NewInitiator returns a device-side handshake driver.
func NewInitiator(isReconnect bool) *Initiator {
	return &Initiator{reconnect: isReconnect, rand: rand.Reader, state: StateUnknown}
}

// InitRequest produces the opening frame: the device's public key.
func (i *Initiator) InitRequest() ([]byte, error) {
	if i.state != StateUnknown {
		return nil, fmt.Errorf("%w: init called in state %d", ErrInvalidState, i.state)
	}
	priv, err := curve.GenerateKey(i.rand)
	if err != nil {
		return nil, fmt.Errorf("generate handshake key: %w", err)
	}
	i.priv = priv
	i.state = StateInProgress
	return priv.PublicKey().Bytes(), nil
}

// ProcessResponse consumes the hub's public key and returns the confirmation
// frame to send back.
func (i *Initiator) ProcessResponse(hubPub []byte) ([]byte, error) {
	if i.state != StateInProgress || i.priv == nil {
		return nil, fmt.Errorf("%w: response processed in state %d", ErrInvalidState, i.state)
	}
	peerPub, err := parsePublicKey(hubPub)
	if err != nil {
		return nil, err
	}
	shared, err := sharedSecret(i.priv, peerPub)
	if err != nil {
		return nil, err
	}
	sess, err := deriveSession(shared, nil)
	if err != nil {
		return nil, err
	}
	i.shared = shared
	i.sess = sess
	if i.reconnect {
		i.state = StateResumingSession
	} else {
		i.state = StateVerificationNeeded
	}
	return proof(sess.secret, confirmLabel, sess.hubNonce, sess.deviceNonce), nil
}

// VerificationCode returns the out-of-band code once the exchange completed.
func (i *Initiator) VerificationCode() (string, error) {
	if i.state != StateVerificationNeeded {
		return "", fmt.Errorf("%w: no verification code in state %d", ErrInvalidState, i.state)
	}
	return i.sess.code, nil
}

// NotifyCodeVerified finishes an association handshake on the device side and
// yields the device-oriented session key.
func (i *Initiator) NotifyCodeVerified() (*Key, error) {
	if i.state != StateVerificationNeeded {
		return nil, fmt.Errorf("%w: verify called in state %d", ErrInvalidState, i.state)
	}
	key, err := NewKey(i.sess.secret, i.sess.deviceNonce, i.sess.hubNonce)
	if err != nil {
		return nil, err
	}
	i.state = StateFinished
	return key, nil
}

// ResumeRequest produces the resumption proof bound to the stored key.
func (i *Initiator) ResumeRequest(previousKey []byte) ([]byte, error) {
	if i.state != StateResumingSession {
		return nil, fmt.Errorf("%w: resume called in state %d", ErrInvalidState, i.state)
	}
	if len(previousKey) != RawKeySize {
		return nil, fmt.Errorf("%w: previous key has size %d", ErrInvalidKey, len(previousKey))
	}
	prevSecret := previousKey[2*NonceSize:]
	return proof(prevSecret, resumeDeviceLabel, i.sess.hubNonce, i.sess.deviceNonce), nil
}

// FinishReconnection validates the hub's resumption proof and yields the
// rotated device-oriented session key.
func (i *Initiator) FinishReconnection(hubProof, previousKey []byte) (*Key, error) {
	if i.state != StateResumingSession {
		return nil, fmt.Errorf("%w: finish called in state %d", ErrInvalidState, i.state)
	}
	if len(previousKey) != RawKeySize {
		return nil, fmt.Errorf("%w: previous key has size %d", ErrInvalidKey, len(previousKey))
	}
	prevSecret := previousKey[2*NonceSize:]

	expected := proof(prevSecret, resumeHubLabel, i.sess.hubNonce, i.sess.deviceNonce)
	if !hmac.Equal(hubProof, expected) {
		return nil, fmt.Errorf("%w: hub resumption proof mismatch", ErrVerificationFailed)
	}

	rotated, err := deriveSession(i.shared, prevSecret)
	if err != nil {
		return nil, err
	}
	key, err := NewKey(rotated.secret, rotated.deviceNonce, rotated.hubNonce)
	if err != nil {
		return nil, err
	}
	i.state = StateFinished
	return key, nil
}
