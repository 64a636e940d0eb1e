// Package oob handles the out-of-band token exchanged over a secondary
// channel during association. The token authenticates the in-band handshake
// by sealing the verification code with a key the attacker on the primary
// channel never sees.
package oob

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// NonceSize is the length of each directional IV in the token.
	NonceSize = chacha20poly1305.NonceSize
	// KeySize is the length of the shared out-of-band key.
	KeySize = chacha20poly1305.KeySize
	// TokenSize is the serialized token length.
	TokenSize = 2*NonceSize + KeySize
)

var ErrInvalidToken = errors.New("invalid out-of-band token")

// Token holds the out-of-band key and this endpoint's directional IVs.
type Token struct {
	EncryptionIV []byte
	DecryptionIV []byte
	Key          []byte
}

// NewToken generates fresh token material for the sending endpoint.
func NewToken() (*Token, error) {
	t := &Token{
		EncryptionIV: make([]byte, NonceSize),
		DecryptionIV: make([]byte, NonceSize),
		Key:          make([]byte, KeySize),
	}
	for _, chunk := range [][]byte{t.EncryptionIV, t.DecryptionIV, t.Key} {
		if _, err := rand.Read(chunk); err != nil {
			return nil, fmt.Errorf("generate oob token: %w", err)
		}
	}
	return t, nil
}

// MarshalForPeer serializes the token for the receiving endpoint. The sender's
// encryption IV is written into the leading decryption slot, so the receiver's
// role assignment is the inverse of the sender's. Wire order is fixed:
// decryptionIv, encryptionIv, key.
func (t *Token) MarshalForPeer() []byte {
	out := make([]byte, 0, TokenSize)
	out = append(out, t.EncryptionIV...)
	out = append(out, t.DecryptionIV...)
	out = append(out, t.Key...)
	return out
}

// Unmarshal parses a received token: the first IV block is this endpoint's
// decryption nonce, the second its encryption nonce.
func Unmarshal(raw []byte) (*Token, error) {
	if len(raw) != TokenSize {
		return nil, fmt.Errorf("%w: %d bytes (want %d)", ErrInvalidToken, len(raw), TokenSize)
	}
	return &Token{
		DecryptionIV: append([]byte(nil), raw[:NonceSize]...),
		EncryptionIV: append([]byte(nil), raw[NonceSize:2*NonceSize]...),
		Key:          append([]byte(nil), raw[2*NonceSize:]...),
	}, nil
}

// EncryptVerificationCode seals the code with this endpoint's encryption IV.
func (t *Token) EncryptVerificationCode(code []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(t.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return aead.Seal(nil, t.EncryptionIV, code, nil), nil
}

// DecryptVerificationCode opens a code sealed by the peer.
func (t *Token) DecryptVerificationCode(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(t.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	code, err := aead.Open(nil, t.DecryptionIV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt verification code: %w", err)
	}
	return code, nil
}

// Zero overwrites the token material in-place.
func (t *Token) Zero() {
	for _, chunk := range [][]byte{t.EncryptionIV, t.DecryptionIV, t.Key} {
		for i := range chunk {
			chunk[i] = 0
		}
	}
}
