// Command simdevice plays the companion-device side of the link protocol
// over TCP. It pairs against an advertising hub, remembers the session key,
// and echoes every secure message back, which is enough to exercise a hub
// end to end without real device hardware.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/companionlink/companionlink/internal/crypto/ukey"
	"github.com/companionlink/companionlink/internal/message"
	"github.com/companionlink/companionlink/internal/transport"
)

type deviceConfig struct {
	hubAddr    string
	listenAddr string
	statePath  string
	mode       string
	timeout    time.Duration
}

// deviceState is what a real companion keeps across sessions: its identity
// and the last session key.
type deviceState struct {
	DeviceID string `json:"device_id"`
	Key      []byte `json:"key"`
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("simdevice failed: %v", err)
	}
}

func parseConfig() deviceConfig {
	var cfg deviceConfig
	flag.StringVar(&cfg.hubAddr, "hub", "127.0.0.1:7120", "Hub listen address to pair against")
	flag.StringVar(&cfg.listenAddr, "listen", "127.0.0.1:7130", "Address to accept hub reconnections on")
	flag.StringVar(&cfg.statePath, "state", "simdevice.json", "Path for persisted identity and session key")
	flag.StringVar(&cfg.mode, "mode", "pair", "Flow to run (pair|listen)")
	flag.DurationVar(&cfg.timeout, "timeout", 30*time.Second, "Handshake timeout")
	flag.Parse()

	switch cfg.mode {
	case "pair", "listen":
	default:
		log.Fatalf("unsupported mode %s (expected pair or listen)", cfg.mode)
	}
	return cfg
}

func run(cfg deviceConfig) error {
	switch cfg.mode {
	case "pair":
		return runPairing(cfg)
	default:
		return runListener(cfg)
	}
}

func runPairing(cfg deviceConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", cfg.hubAddr)
	if err != nil {
		return fmt.Errorf("dial hub: %w", err)
	}
	defer conn.Close()

	stream := transport.NewStream(conn)
	banner, err := stream.ReadFrame()
	if err != nil {
		return fmt.Errorf("read advertise banner: %w", err)
	}
	log.Printf("connected to hub advertising as %q", banner)

	deviceID := uuid.New()
	if err := writeHandshake(stream, deviceID[:]); err != nil {
		return fmt.Errorf("send device id: %w", err)
	}
	hubID, err := readHandshake(stream)
	if err != nil {
		return fmt.Errorf("read hub id: %w", err)
	}
	log.Printf("hub id %x", hubID)

	initiator := ukey.NewInitiator(false)
	init, err := initiator.InitRequest()
	if err != nil {
		return err
	}
	if err := writeHandshake(stream, init); err != nil {
		return fmt.Errorf("send public key: %w", err)
	}
	hubPub, err := readHandshake(stream)
	if err != nil {
		return fmt.Errorf("read hub public key: %w", err)
	}
	confirm, err := initiator.ProcessResponse(hubPub)
	if err != nil {
		return err
	}
	if err := writeHandshake(stream, confirm); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}

	code, err := initiator.VerificationCode()
	if err != nil {
		return err
	}
	fmt.Printf("verification code: %s  (accept it on the hub)\n", code)

	signal, err := readHandshake(stream)
	if err != nil {
		return fmt.Errorf("read confirmation signal: %w", err)
	}
	if string(signal) != "True" {
		return fmt.Errorf("unexpected confirmation signal %q", signal)
	}
	key, err := initiator.NotifyCodeVerified()
	if err != nil {
		return err
	}

	state := deviceState{DeviceID: deviceID.String(), Key: key.Bytes()}
	if err := saveState(cfg.statePath, state); err != nil {
		return err
	}
	log.Printf("paired as %s; session key saved to %s", deviceID, cfg.statePath)

	return echoLoop(stream, key)
}

func runListener(cfg deviceConfig) error {
	state, err := loadState(cfg.statePath)
	if err != nil {
		return fmt.Errorf("load state (pair first?): %w", err)
	}
	deviceID, err := uuid.Parse(state.DeviceID)
	if err != nil {
		return fmt.Errorf("parse stored device id: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.listenAddr, err)
	}
	defer listener.Close()
	log.Printf("waiting for hub on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			return err
		}
		if err := handleReconnection(conn, deviceID, &state, cfg.statePath); err != nil {
			log.Printf("session ended: %v", err)
		}
		conn.Close()
	}
}

func handleReconnection(conn net.Conn, deviceID uuid.UUID, state *deviceState, statePath string) error {
	stream := transport.NewStream(conn)

	if err := writeHandshake(stream, deviceID[:]); err != nil {
		return fmt.Errorf("send device id: %w", err)
	}
	if _, err := readHandshake(stream); err != nil {
		return fmt.Errorf("read hub id: %w", err)
	}

	initiator := ukey.NewInitiator(true)
	init, err := initiator.InitRequest()
	if err != nil {
		return err
	}
	if err := writeHandshake(stream, init); err != nil {
		return fmt.Errorf("send public key: %w", err)
	}
	hubPub, err := readHandshake(stream)
	if err != nil {
		return fmt.Errorf("read hub public key: %w", err)
	}
	confirm, err := initiator.ProcessResponse(hubPub)
	if err != nil {
		return err
	}
	if err := writeHandshake(stream, confirm); err != nil {
		return fmt.Errorf("send confirmation: %w", err)
	}

	resume, err := initiator.ResumeRequest(state.Key)
	if err != nil {
		return err
	}
	if err := writeHandshake(stream, resume); err != nil {
		return fmt.Errorf("send resumption proof: %w", err)
	}
	hubProof, err := readHandshake(stream)
	if err != nil {
		return fmt.Errorf("read hub proof: %w", err)
	}
	key, err := initiator.FinishReconnection(hubProof, state.Key)
	if err != nil {
		return err
	}

	state.Key = key.Bytes()
	if err := saveState(statePath, *state); err != nil {
		return err
	}
	log.Printf("session resumed with rotated key")

	return echoLoop(stream, key)
}

// echoLoop decrypts every secure message and sends it straight back under
// the same recipient.
func echoLoop(stream *transport.Stream, key *ukey.Key) error {
	for {
		raw, err := stream.ReadFrame()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		msg, op, err := message.Decode(raw)
		if err != nil {
			log.Printf("skipping undecodable frame: %v", err)
			continue
		}
		if op != message.OperationClientMessage {
			continue
		}

		payload := msg.Payload
		if msg.IsEncrypted {
			payload, err = key.Decrypt(msg.Payload)
			if err != nil {
				return fmt.Errorf("decrypt message: %w", err)
			}
		}
		log.Printf("message for %s: %q", msg.Recipient, payload)

		reply := msg
		if msg.IsEncrypted {
			reply.Payload, err = key.Encrypt(payload)
			if err != nil {
				return fmt.Errorf("encrypt reply: %w", err)
			}
		}
		out, err := message.Encode(reply, message.OperationClientMessage)
		if err != nil {
			return err
		}
		if err := stream.WriteFrame(out); err != nil {
			return err
		}
	}
}

func writeHandshake(stream *transport.Stream, payload []byte) error {
	raw, err := message.Encode(message.DeviceMessage{Payload: payload}, message.OperationEncryptionHandshake)
	if err != nil {
		return err
	}
	return stream.WriteFrame(raw)
}

func readHandshake(stream *transport.Stream) ([]byte, error) {
	raw, err := stream.ReadFrame()
	if err != nil {
		return nil, err
	}
	msg, _, err := message.Decode(raw)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

func saveState(path string, state deviceState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

func loadState(path string) (deviceState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return deviceState{}, err
	}
	var state deviceState
	if err := json.Unmarshal(data, &state); err != nil {
		return deviceState{}, fmt.Errorf("parse state: %w", err)
	}
	return state, nil
}
