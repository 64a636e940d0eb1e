package device

// ConnectedDevice describes a device currently connected to the hub. Values
// are immutable; any state change produces a replacement instance.
type ConnectedDevice struct {
	DeviceID            string
	DeviceName          string
	BelongsToActiveUser bool
	HasSecureChannel    bool
}

// ErrorCode enumerates device-level failures surfaced through callbacks.
type ErrorCode int

const (
	ErrorInvalidHandshake ErrorCode = iota
	ErrorInvalidMessage
	ErrorInvalidDeviceID
	ErrorInvalidVerification
	ErrorInvalidChannelState
	ErrorInvalidEncryptionKey
	ErrorStorageFailure
	ErrorInvalidSecurityKey
	ErrorInsecureRecipientIDDetected
	ErrorUnexpectedDisconnection
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorInvalidHandshake:
		return "invalid_handshake"
	case ErrorInvalidMessage:
		return "invalid_message"
	case ErrorInvalidDeviceID:
		return "invalid_device_id"
	case ErrorInvalidVerification:
		return "invalid_verification"
	case ErrorInvalidChannelState:
		return "invalid_channel_state"
	case ErrorInvalidEncryptionKey:
		return "invalid_encryption_key"
	case ErrorStorageFailure:
		return "storage_failure"
	case ErrorInvalidSecurityKey:
		return "invalid_security_key"
	case ErrorInsecureRecipientIDDetected:
		return "insecure_recipient_id_detected"
	case ErrorUnexpectedDisconnection:
		return "unexpected_disconnection"
	default:
		return "unknown"
	}
}
