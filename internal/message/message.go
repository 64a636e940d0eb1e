package message

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// OperationType distinguishes handshake frames from application traffic.
type OperationType uint8

const (
	OperationUnknown OperationType = iota
	OperationEncryptionHandshake
	OperationClientMessage
)

func (o OperationType) String() string {
	switch o {
	case OperationEncryptionHandshake:
		return "encryption_handshake"
	case OperationClientMessage:
		return "client_message"
	default:
		return "unknown"
	}
}

// DeviceMessage is the unit of application-level communication. Handshake
// frames carry a zero recipient.
type DeviceMessage struct {
	Recipient   uuid.UUID
	IsEncrypted bool
	Payload     []byte
}

const codecVersion = 1

var (
	ErrInvalidFrame       = errors.New("invalid message frame")
	ErrUnsupportedVersion = errors.New("unsupported frame version")
)

// frame is the CBOR wire envelope for one DeviceMessage.
type frame struct {
	Version   uint8  `cbor:"1,keyasint"`
	Operation uint8  `cbor:"2,keyasint"`
	Recipient []byte `cbor:"3,keyasint,omitempty"`
	Encrypted bool   `cbor:"4,keyasint,omitempty"`
	Payload   []byte `cbor:"5,keyasint,omitempty"`
}

var encMode cbor.EncMode

func init() {
	mode, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Errorf("init cbor encoder: %w", err))
	}
	encMode = mode
}

// Encode serializes a DeviceMessage with its operation type.
func Encode(msg DeviceMessage, op OperationType) ([]byte, error) {
	f := frame{
		Version:   codecVersion,
		Operation: uint8(op),
		Encrypted: msg.IsEncrypted,
		Payload:   msg.Payload,
	}
	if msg.Recipient != uuid.Nil {
		f.Recipient = msg.Recipient[:]
	}
	out, err := encMode.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode message frame: %w", err)
	}
	return out, nil
}

// Decode parses a wire frame back into a DeviceMessage and operation type.
func Decode(raw []byte) (DeviceMessage, OperationType, error) {
	var f frame
	if err := cbor.Unmarshal(raw, &f); err != nil {
		return DeviceMessage{}, OperationUnknown, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if f.Version != codecVersion {
		return DeviceMessage{}, OperationUnknown, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, f.Version)
	}

	msg := DeviceMessage{
		IsEncrypted: f.Encrypted,
		Payload:     f.Payload,
	}
	if len(f.Recipient) > 0 {
		recipient, err := uuid.FromBytes(f.Recipient)
		if err != nil {
			return DeviceMessage{}, OperationUnknown, fmt.Errorf("%w: recipient: %v", ErrInvalidFrame, err)
		}
		msg.Recipient = recipient
	}

	op := OperationType(f.Operation)
	switch op {
	case OperationEncryptionHandshake, OperationClientMessage:
	default:
		return DeviceMessage{}, OperationUnknown, fmt.Errorf("%w: operation %d", ErrInvalidFrame, f.Operation)
	}
	return msg, op, nil
}
