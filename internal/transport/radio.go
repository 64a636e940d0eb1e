package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// AdvertiseNameLength is the fixed length of generated association names. The
// name has to fit the radio's advertisement-size budget, so it stays short.
const AdvertiseNameLength = 8

const advertiseNameAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// RandomAdvertiseName generates a short human-relayable name for one
// association session.
func RandomAdvertiseName() (string, error) {
	buf := make([]byte, AdvertiseNameLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate advertise name: %w", err)
	}
	for i, b := range buf {
		buf[i] = advertiseNameAlphabet[int(b)%len(advertiseNameAlphabet)]
	}
	return string(buf), nil
}

// Radio abstracts the physical layer: making the hub discoverable for inbound
// pairing connections and dialing remembered devices for reconnection.
type Radio interface {
	// StartAdvertising makes the hub discoverable under name. Each inbound
	// connection is handed to accept on its own goroutine.
	StartAdvertising(name string, accept func(conn io.ReadWriteCloser)) error
	// StopAdvertising stops accepting inbound connections.
	StopAdvertising() error
	// Connect dials a remembered device address.
	Connect(ctx context.Context, address string) (io.ReadWriteCloser, error)
	// Close releases the radio entirely.
	Close() error
}

// TCPRadio implements Radio over TCP. Advertising binds the listen address
// and greets every inbound connection with a banner frame carrying the
// advertised name, standing in for the radio-level advertisement payload.
type TCPRadio struct {
	listenAddr string
	logger     *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewTCPRadio constructs a radio listening on listenAddr while advertising.
func NewTCPRadio(listenAddr string, logger *zap.Logger) *TCPRadio {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TCPRadio{listenAddr: listenAddr, logger: logger}
}

func (r *TCPRadio) StartAdvertising(name string, accept func(conn io.ReadWriteCloser)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New("radio closed")
	}
	if r.listener != nil {
		return errors.New("already advertising")
	}

	listener, err := net.Listen("tcp", r.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", r.listenAddr, err)
	}
	r.listener = listener
	r.logger.Info("advertising started",
		zap.String("name", name),
		zap.String("address", listener.Addr().String()))

	go r.acceptLoop(listener, name, accept)
	return nil
}

func (r *TCPRadio) acceptLoop(listener net.Listener, name string, accept func(conn io.ReadWriteCloser)) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		stream := NewStream(conn)
		if err := stream.WriteFrame([]byte(name)); err != nil {
			r.logger.Warn("write advertise banner", zap.Error(err))
			conn.Close()
			continue
		}
		go accept(conn)
	}
}

func (r *TCPRadio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.listener == nil {
		return nil
	}
	err := r.listener.Close()
	r.listener = nil
	return err
}

func (r *TCPRadio) Connect(ctx context.Context, address string) (io.ReadWriteCloser, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

func (r *TCPRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	if r.listener != nil {
		err := r.listener.Close()
		r.listener = nil
		return err
	}
	return nil
}
