// Package ukey implements the key-agreement engine used to establish secure
// channels: an X25519 exchange with HKDF session derivation, an out-of-band
// verification code for first-time association, and HMAC-authenticated
// session resumption with key rotation for reconnects.
package ukey

import (
	"bytes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// PublicKeySize is the length of X25519 public keys exchanged on the wire.
const PublicKeySize = 32

var (
	ErrInvalidState            = errors.New("unexpected handshake state")
	ErrInvalidHandshakeMessage = errors.New("invalid handshake message")
	ErrVerificationFailed      = errors.New("handshake verification failed")
)

// State tracks handshake progress as reported to the channel layer.
type State int

const (
	StateUnknown State = iota
	StateInProgress
	StateVerificationNeeded
	StateResumingSession
	StateFinished
)

// Message is the result of one handshake step.
type Message struct {
	State State
	// Next holds bytes to send to the peer, nil when no response is due.
	Next []byte
	// VerificationCode is set when the handshake reached StateVerificationNeeded.
	VerificationCode string
	// Key is set when the handshake reached StateFinished.
	Key *Key
}

// Runner drives the hub side of the key agreement. It is the pluggable
// primitive behind the secure channel; the channel never inspects handshake
// bytes itself.
type Runner interface {
	// RespondToInitRequest consumes the peer's opening public key and
	// produces the hub's response.
	RespondToInitRequest(init []byte) (Message, error)
	// ContinueHandshake consumes the peer's confirmation frame, yielding
	// either a verification code (association) or StateResumingSession
	// (reconnect).
	ContinueHandshake(msg []byte) (Message, error)
	// AuthenticateReconnection validates the peer's resumption proof
	// against the previously stored key and rotates the session key.
	AuthenticateReconnection(msg, previousKey []byte) (Message, error)
	// VerifyCode finishes an association handshake after the verification
	// code was confirmed out of band.
	VerifyCode() (Message, error)
}

var curve = ecdh.X25519()

const (
	sessionSalt       = "companionlink-ukey-v1"
	sessionInfo       = "session"
	rotateInfo        = "rotate"
	confirmLabel      = "confirm-device"
	resumeDeviceLabel = "resume-device"
	resumeHubLabel    = "resume-hub"
)

// session groups material derived from one shared secret.
type session struct {
	secret      []byte
	hubNonce    []byte
	deviceNonce []byte
	code        string
}

type x25519Runner struct {
	reconnect bool
	rand      io.Reader
	state     State
	shared    []byte
	sess      session
}

// NewRunner returns a hub-side runner. Reconnect runners authenticate against
// a stored key instead of requiring out-of-band confirmation.
func NewRunner(isReconnect bool) Runner {
	return &x25519Runner{reconnect: isReconnect, rand: rand.Reader, state: StateUnknown}
}

func (r *x25519Runner) RespondToInitRequest(init []byte) (Message, error) {
	if r.state != StateUnknown {
		return Message{}, fmt.Errorf("%w: respond called in state %d", ErrInvalidState, r.state)
	}
	peerPub, err := parsePublicKey(init)
	if err != nil {
		return Message{}, err
	}

	priv, err := curve.GenerateKey(r.rand)
	if err != nil {
		return Message{}, fmt.Errorf("generate handshake key: %w", err)
	}
	shared, err := sharedSecret(priv, peerPub)
	if err != nil {
		return Message{}, err
	}
	sess, err := deriveSession(shared, nil)
	if err != nil {
		return Message{}, err
	}

	r.shared = shared
	r.sess = sess
	r.state = StateInProgress
	return Message{State: StateInProgress, Next: priv.PublicKey().Bytes()}, nil
}

func (r *x25519Runner) ContinueHandshake(msg []byte) (Message, error) {
	if r.state != StateInProgress {
		return Message{}, fmt.Errorf("%w: continue called in state %d", ErrInvalidState, r.state)
	}
	expected := proof(r.sess.secret, confirmLabel, r.sess.hubNonce, r.sess.deviceNonce)
	if !hmac.Equal(msg, expected) {
		return Message{}, fmt.Errorf("%w: confirmation mismatch", ErrVerificationFailed)
	}

	if r.reconnect {
		r.state = StateResumingSession
		return Message{State: StateResumingSession}, nil
	}
	r.state = StateVerificationNeeded
	return Message{State: StateVerificationNeeded, VerificationCode: r.sess.code}, nil
}

func (r *x25519Runner) AuthenticateReconnection(msg, previousKey []byte) (Message, error) {
	if r.state != StateResumingSession {
		return Message{}, fmt.Errorf("%w: authenticate called in state %d", ErrInvalidState, r.state)
	}
	if len(previousKey) != RawKeySize {
		return Message{}, fmt.Errorf("%w: previous key has size %d", ErrInvalidKey, len(previousKey))
	}
	prevSecret := previousKey[2*NonceSize:]

	expected := proof(prevSecret, resumeDeviceLabel, r.sess.hubNonce, r.sess.deviceNonce)
	if !hmac.Equal(msg, expected) {
		return Message{}, fmt.Errorf("%w: resumption proof mismatch", ErrVerificationFailed)
	}

	rotated, err := deriveSession(r.shared, prevSecret)
	if err != nil {
		return Message{}, err
	}
	key, err := NewKey(rotated.secret, rotated.hubNonce, rotated.deviceNonce)
	if err != nil {
		return Message{}, err
	}

	next := proof(prevSecret, resumeHubLabel, r.sess.hubNonce, r.sess.deviceNonce)
	r.state = StateFinished
	return Message{State: StateFinished, Next: next, Key: key}, nil
}

func (r *x25519Runner) VerifyCode() (Message, error) {
	if r.state != StateVerificationNeeded {
		return Message{}, fmt.Errorf("%w: verify called in state %d", ErrInvalidState, r.state)
	}
	key, err := NewKey(r.sess.secret, r.sess.hubNonce, r.sess.deviceNonce)
	if err != nil {
		return Message{}, err
	}
	r.state = StateFinished
	return Message{State: StateFinished, Key: key}, nil
}

func parsePublicKey(raw []byte) (*ecdh.PublicKey, error) {
	if len(raw) != PublicKeySize {
		return nil, fmt.Errorf("%w: public key must be %d bytes (got %d)",
			ErrInvalidHandshakeMessage, PublicKeySize, len(raw))
	}
	pub, err := curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshakeMessage, err)
	}
	return pub, nil
}

func sharedSecret(priv *ecdh.PrivateKey, peerPub *ecdh.PublicKey) ([]byte, error) {
	secret, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	if isZero(secret) {
		return nil, fmt.Errorf("%w: shared secret is all zeros", ErrInvalidHandshakeMessage)
	}
	return secret, nil
}

// deriveSession expands the shared secret into session material. A non-nil
// previousSecret salts the expansion so reconnection rotates every value.
func deriveSession(shared, previousSecret []byte) (session, error) {
	salt := []byte(sessionSalt)
	info := []byte(sessionInfo)
	if previousSecret != nil {
		salt = previousSecret
		info = []byte(rotateInfo)
	}
	reader := hkdf.New(sha256.New, shared, salt, info)

	sess := session{
		secret:      make([]byte, SecretSize),
		hubNonce:    make([]byte, NonceSize),
		deviceNonce: make([]byte, NonceSize),
	}
	codeBytes := make([]byte, 4)
	for _, chunk := range [][]byte{sess.secret, sess.hubNonce, sess.deviceNonce, codeBytes} {
		if _, err := io.ReadFull(reader, chunk); err != nil {
			return session{}, fmt.Errorf("derive session material: %w", err)
		}
	}
	sess.code = fmt.Sprintf("%06d", binary.BigEndian.Uint32(codeBytes)%1_000_000)
	return sess, nil
}

func proof(secret []byte, label string, transcript ...[]byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(label))
	for _, part := range transcript {
		mac.Write(part)
	}
	return mac.Sum(nil)
}

func isZero(b []byte) bool {
	return bytes.Equal(b, make([]byte, len(b)))
}
