package ukey

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// SecretSize is the length of the symmetric session secret.
	SecretSize = 32
	// NonceSize is the length of each directional base nonce.
	NonceSize = chacha20poly1305.NonceSize
	// RawKeySize is the serialized key length: decrypt nonce, encrypt nonce, secret.
	RawKeySize = 2*NonceSize + SecretSize

	seqPrefixSize = 8
)

var (
	ErrInvalidKey        = errors.New("invalid session key")
	ErrDecryptionFailure = errors.New("message decryption failed")
)

// Key is an established session key. The two directions use distinct base
// nonces: one peer's decryption nonce is the other peer's encryption nonce,
// so an endpoint can never decrypt its own ciphertext.
type Key struct {
	mu           sync.Mutex
	aead         cipher.AEAD
	secret       []byte
	encryptNonce []byte
	decryptNonce []byte
	sendSeq      uint64
}

// NewKey assembles a session key from a secret and its directional nonces.
func NewKey(secret, encryptNonce, decryptNonce []byte) (*Key, error) {
	if len(secret) != SecretSize {
		return nil, fmt.Errorf("%w: secret must be %d bytes (got %d)", ErrInvalidKey, SecretSize, len(secret))
	}
	if len(encryptNonce) != NonceSize || len(decryptNonce) != NonceSize {
		return nil, fmt.Errorf("%w: nonces must be %d bytes", ErrInvalidKey, NonceSize)
	}
	aead, err := chacha20poly1305.New(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Key{
		aead:         aead,
		secret:       append([]byte(nil), secret...),
		encryptNonce: append([]byte(nil), encryptNonce...),
		decryptNonce: append([]byte(nil), decryptNonce...),
	}, nil
}

// ParseKey restores a key from its serialized form as produced by Bytes.
func ParseKey(raw []byte) (*Key, error) {
	if len(raw) != RawKeySize {
		return nil, fmt.Errorf("%w: raw key must be %d bytes (got %d)", ErrInvalidKey, RawKeySize, len(raw))
	}
	decryptNonce := raw[:NonceSize]
	encryptNonce := raw[NonceSize : 2*NonceSize]
	secret := raw[2*NonceSize:]
	return NewKey(secret, encryptNonce, decryptNonce)
}

// Bytes serializes the key as decryptNonce, encryptNonce, secret in that
// fixed order. Restoring with ParseKey preserves the nonce orientation.
func (k *Key) Bytes() []byte {
	out := make([]byte, 0, RawKeySize)
	out = append(out, k.decryptNonce...)
	out = append(out, k.encryptNonce...)
	out = append(out, k.secret...)
	return out
}

// Encrypt seals a payload for the peer. The output carries the send sequence
// so frames can be decrypted independently of delivery order.
func (k *Key) Encrypt(plaintext []byte) ([]byte, error) {
	k.mu.Lock()
	seq := k.sendSeq
	k.sendSeq++
	k.mu.Unlock()

	nonce := nonceForSeq(k.encryptNonce, seq)
	out := make([]byte, seqPrefixSize, seqPrefixSize+len(plaintext)+k.aead.Overhead())
	binary.BigEndian.PutUint64(out, seq)
	return k.aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt opens a payload sealed by the peer.
func (k *Key) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) <= seqPrefixSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailure)
	}
	seq := binary.BigEndian.Uint64(ciphertext)
	nonce := nonceForSeq(k.decryptNonce, seq)
	plaintext, err := k.aead.Open(nil, nonce, ciphertext[seqPrefixSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	return plaintext, nil
}

// Zero overwrites the key material in-place.
func (k *Key) Zero() {
	zeroBytes(k.secret)
	zeroBytes(k.encryptNonce)
	zeroBytes(k.decryptNonce)
}

// nonceForSeq folds the message sequence into the directional base nonce.
func nonceForSeq(base []byte, seq uint64) []byte {
	nonce := append([]byte(nil), base...)
	var seqBytes [seqPrefixSize]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < seqPrefixSize; i++ {
		nonce[len(nonce)-seqPrefixSize+i] ^= seqBytes[i]
	}
	return nonce
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
