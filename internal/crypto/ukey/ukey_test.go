package ukey

import (
	"bytes"
	"testing"
)

// runAssociation drives a full association handshake and returns both keys.
func runAssociation(t *testing.T) (*Key, *Key) {
	t.Helper()

	runner := NewRunner(false)
	initiator := NewInitiator(false)

	init, err := initiator.InitRequest()
	if err != nil {
		t.Fatalf("init request: %v", err)
	}
	resp, err := runner.RespondToInitRequest(init)
	if err != nil {
		t.Fatalf("respond to init: %v", err)
	}
	if resp.State != StateInProgress || len(resp.Next) != PublicKeySize {
		t.Fatalf("unexpected respond result: state=%d next=%d bytes", resp.State, len(resp.Next))
	}

	confirm, err := initiator.ProcessResponse(resp.Next)
	if err != nil {
		t.Fatalf("process response: %v", err)
	}
	cont, err := runner.ContinueHandshake(confirm)
	if err != nil {
		t.Fatalf("continue handshake: %v", err)
	}
	if cont.State != StateVerificationNeeded {
		t.Fatalf("expected verification needed, got state %d", cont.State)
	}

	deviceCode, err := initiator.VerificationCode()
	if err != nil {
		t.Fatalf("device verification code: %v", err)
	}
	if cont.VerificationCode == "" || cont.VerificationCode != deviceCode {
		t.Fatalf("verification codes differ: hub=%q device=%q", cont.VerificationCode, deviceCode)
	}

	fin, err := runner.VerifyCode()
	if err != nil {
		t.Fatalf("verify code: %v", err)
	}
	if fin.State != StateFinished || fin.Key == nil {
		t.Fatalf("expected finished with key, got state %d", fin.State)
	}
	deviceKey, err := initiator.NotifyCodeVerified()
	if err != nil {
		t.Fatalf("notify code verified: %v", err)
	}
	return fin.Key, deviceKey
}

func TestAssociationHandshakeRoundTrip(t *testing.T) {
	hubKey, deviceKey := runAssociation(t)

	payload := []byte("openwindow:driver")
	sealed, err := hubKey.Encrypt(payload)
	if err != nil {
		t.Fatalf("hub encrypt: %v", err)
	}
	opened, err := deviceKey.Decrypt(sealed)
	if err != nil {
		t.Fatalf("device decrypt: %v", err)
	}
	if !bytes.Equal(opened, payload) {
		t.Fatalf("round trip mismatch: %q", opened)
	}

	back, err := deviceKey.Encrypt([]byte("ack"))
	if err != nil {
		t.Fatalf("device encrypt: %v", err)
	}
	if _, err := hubKey.Decrypt(back); err != nil {
		t.Fatalf("hub decrypt: %v", err)
	}
}

func TestKeyCannotDecryptOwnCiphertext(t *testing.T) {
	hubKey, _ := runAssociation(t)

	sealed, err := hubKey.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := hubKey.Decrypt(sealed); err == nil {
		t.Fatal("expected self-decryption to fail with directional nonces")
	}
}

func TestKeySerializationRoundTrip(t *testing.T) {
	hubKey, deviceKey := runAssociation(t)

	restored, err := ParseKey(hubKey.Bytes())
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}

	sealed, err := restored.Encrypt([]byte("after restart"))
	if err != nil {
		t.Fatalf("encrypt with restored key: %v", err)
	}
	opened, err := deviceKey.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(opened) != "after restart" {
		t.Fatalf("unexpected plaintext %q", opened)
	}

	if _, err := ParseKey([]byte("short")); err == nil {
		t.Fatal("expected error for truncated raw key")
	}
}

func TestReconnectionHandshakeRotatesKey(t *testing.T) {
	hubKey, deviceKey := runAssociation(t)
	previousHub := hubKey.Bytes()
	previousDevice := deviceKey.Bytes()

	runner := NewRunner(true)
	initiator := NewInitiator(true)

	init, err := initiator.InitRequest()
	if err != nil {
		t.Fatalf("init request: %v", err)
	}
	resp, err := runner.RespondToInitRequest(init)
	if err != nil {
		t.Fatalf("respond to init: %v", err)
	}
	confirm, err := initiator.ProcessResponse(resp.Next)
	if err != nil {
		t.Fatalf("process response: %v", err)
	}
	cont, err := runner.ContinueHandshake(confirm)
	if err != nil {
		t.Fatalf("continue handshake: %v", err)
	}
	if cont.State != StateResumingSession {
		t.Fatalf("expected resuming session, got state %d", cont.State)
	}

	resume, err := initiator.ResumeRequest(previousDevice)
	if err != nil {
		t.Fatalf("resume request: %v", err)
	}
	auth, err := runner.AuthenticateReconnection(resume, previousHub)
	if err != nil {
		t.Fatalf("authenticate reconnection: %v", err)
	}
	if auth.State != StateFinished || auth.Key == nil || auth.Next == nil {
		t.Fatalf("unexpected authentication result: %+v", auth)
	}
	newDeviceKey, err := initiator.FinishReconnection(auth.Next, previousDevice)
	if err != nil {
		t.Fatalf("finish reconnection: %v", err)
	}

	if bytes.Equal(auth.Key.Bytes(), previousHub) {
		t.Fatal("expected reconnection to rotate the session key")
	}

	sealed, err := auth.Key.Encrypt([]byte("rotated"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	opened, err := newDeviceKey.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt with rotated key: %v", err)
	}
	if string(opened) != "rotated" {
		t.Fatalf("unexpected plaintext %q", opened)
	}
}

func TestReconnectionRejectsWrongPreviousKey(t *testing.T) {
	_, deviceKey := runAssociation(t)
	otherHub, _ := runAssociation(t)

	runner := NewRunner(true)
	initiator := NewInitiator(true)

	init, _ := initiator.InitRequest()
	resp, err := runner.RespondToInitRequest(init)
	if err != nil {
		t.Fatalf("respond to init: %v", err)
	}
	confirm, err := initiator.ProcessResponse(resp.Next)
	if err != nil {
		t.Fatalf("process response: %v", err)
	}
	if _, err := runner.ContinueHandshake(confirm); err != nil {
		t.Fatalf("continue handshake: %v", err)
	}

	resume, err := initiator.ResumeRequest(deviceKey.Bytes())
	if err != nil {
		t.Fatalf("resume request: %v", err)
	}
	if _, err := runner.AuthenticateReconnection(resume, otherHub.Bytes()); err == nil {
		t.Fatal("expected authentication failure with mismatched previous key")
	}
}

func TestRunnerRejectsOutOfSequenceCalls(t *testing.T) {
	runner := NewRunner(false)
	if _, err := runner.ContinueHandshake([]byte("early")); err == nil {
		t.Fatal("expected error continuing before init")
	}
	if _, err := runner.VerifyCode(); err == nil {
		t.Fatal("expected error verifying before handshake")
	}
	if _, err := runner.RespondToInitRequest([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for malformed public key")
	}
}
