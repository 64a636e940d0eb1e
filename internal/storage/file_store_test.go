package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/companionlink/companionlink/internal/callbacks"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1 := deriveMasterKey("password", salt)
	key2 := deriveMasterKey("password", salt)
	if string(key1) != string(key2) {
		t.Fatal("expected deterministic key derivation")
	}

	key3 := deriveMasterKey("different", salt)
	if string(key1) == string(key3) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestInitializeUnlockAndRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	store := NewFileStore(path)

	ctx := context.Background()
	if err := store.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	id, err := store.UniqueID(ctx)
	if err != nil {
		t.Fatalf("unique id: %v", err)
	}
	if id == uuid.Nil {
		t.Fatal("expected non-nil unique id after initialize")
	}

	device := AssociatedDevice{
		DeviceID:          "device-1",
		Address:           "AA:BB:CC:DD:EE:FF",
		Name:              "Phone",
		ConnectionEnabled: true,
	}
	if err := store.AddAssociatedDeviceForActiveUser(ctx, device, keyBytes(0x11)); err != nil {
		t.Fatalf("add device: %v", err)
	}

	store2 := NewFileStore(path)
	if err := store2.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock store: %v", err)
	}

	id2, err := store2.UniqueID(ctx)
	if err != nil {
		t.Fatalf("unique id after unlock: %v", err)
	}
	if id2 != id {
		t.Fatalf("expected unique id preserved, got %s vs %s", id2, id)
	}

	devices, err := store2.ActiveUserAssociatedDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(devices) != 1 || devices[0] != device {
		t.Fatalf("expected device round-trip, got %+v", devices)
	}

	key, err := store2.EncryptionKey(ctx, "device-1")
	if err != nil {
		t.Fatalf("load key: %v", err)
	}
	if string(key) != string(keyBytes(0x11)) {
		t.Fatal("expected key round-trip")
	}
}

func TestUnlockWithWrongPassphrase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	store := NewFileStore(path)

	ctx := context.Background()
	if err := store.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	store2 := NewFileStore(path)
	if err := store2.Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
}

func TestTamperDetection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	store := NewFileStore(path)

	ctx := context.Background()
	if err := store.Initialize(ctx, "correct"); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}

	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode store file: %v", err)
	}

	ct, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	ct[0] ^= 0xFF // flip a bit to simulate tampering
	file.Ciphertext = base64.StdEncoding.EncodeToString(ct)

	mutated, err := json.Marshal(file)
	if err != nil {
		t.Fatalf("encode mutated store: %v", err)
	}
	if err := os.WriteFile(path, mutated, 0o600); err != nil {
		t.Fatalf("write tampered store: %v", err)
	}

	store2 := NewFileStore(path)
	if err := store2.Unlock(ctx, "correct"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass after tamper, got %v", err)
	}
}

func TestKeyZeroizationOnOverwriteAndRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	store := NewFileStore(path)

	ctx := context.Background()
	if err := store.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	if err := store.SaveEncryptionKey(ctx, "device-1", keyBytes(0xAA)); err != nil {
		t.Fatalf("save key: %v", err)
	}
	original := store.keys["device-1"]

	if err := store.SaveEncryptionKey(ctx, "device-1", keyBytes(0xBB)); err != nil {
		t.Fatalf("overwrite key: %v", err)
	}
	for i, b := range original {
		if b != 0 {
			t.Fatalf("expected original key zeroed at byte %d (got %d)", i, b)
		}
	}

	device := AssociatedDevice{DeviceID: "device-1", ConnectionEnabled: true}
	if err := store.AddAssociatedDeviceForActiveUser(ctx, device, keyBytes(0xCC)); err != nil {
		t.Fatalf("add device: %v", err)
	}
	latest := store.keys["device-1"]

	if err := store.RemoveAssociatedDeviceForActiveUser(ctx, "device-1"); err != nil {
		t.Fatalf("remove device: %v", err)
	}
	for i, b := range latest {
		if b != 0 {
			t.Fatalf("expected key zeroed on remove at byte %d (got %d)", i, b)
		}
	}
	if _, err := store.EncryptionKey(ctx, "device-1"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound after remove, got %v", err)
	}
}

func TestConnectionEnabledUpdateNotifies(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	store := NewFileStore(path)

	ctx := context.Background()
	if err := store.Initialize(ctx, "pass"); err != nil {
		t.Fatalf("initialize store: %v", err)
	}

	device := AssociatedDevice{DeviceID: "device-1", ConnectionEnabled: true}
	if err := store.AddAssociatedDeviceForActiveUser(ctx, device, keyBytes(0x01)); err != nil {
		t.Fatalf("add device: %v", err)
	}

	recorder := &recordingCallback{}
	store.RegisterCallback(recorder, callbacks.Inline)

	if err := store.UpdateAssociatedDeviceConnectionEnabled(ctx, "device-1", false); err != nil {
		t.Fatalf("update device: %v", err)
	}
	if len(recorder.updated) != 1 || recorder.updated[0].ConnectionEnabled {
		t.Fatalf("expected one update with connection disabled, got %+v", recorder.updated)
	}

	// No-op toggles must not notify.
	if err := store.UpdateAssociatedDeviceConnectionEnabled(ctx, "device-1", false); err != nil {
		t.Fatalf("repeat update: %v", err)
	}
	if len(recorder.updated) != 1 {
		t.Fatalf("expected no notification for unchanged state, got %d", len(recorder.updated))
	}

	if err := store.UpdateAssociatedDeviceConnectionEnabled(ctx, "missing", true); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestOperationsRequireUnlock(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	store := NewFileStore(path)

	ctx := context.Background()
	if err := store.SaveEncryptionKey(ctx, "id", keyBytes(0x01)); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if _, err := store.ActiveUserAssociatedDevices(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}

func TestInitializeFailsWhenFileExists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "devices.sealed")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	store := NewFileStore(path)
	if err := store.Initialize(context.Background(), "pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUnlockMissingFileReportsNotInitialized(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(filepath.Join(dir, "devices.sealed"))
	if err := store.Unlock(context.Background(), "pass"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

type recordingCallback struct {
	added   []AssociatedDevice
	removed []AssociatedDevice
	updated []AssociatedDevice
}

func (r *recordingCallback) OnAssociatedDeviceAdded(d AssociatedDevice) {
	r.added = append(r.added, d)
}

func (r *recordingCallback) OnAssociatedDeviceRemoved(d AssociatedDevice) {
	r.removed = append(r.removed, d)
}

func (r *recordingCallback) OnAssociatedDeviceUpdated(d AssociatedDevice) {
	r.updated = append(r.updated, d)
}

func keyBytes(val byte) []byte {
	out := make([]byte, 56)
	for i := range out {
		out[i] = val
	}
	return out
}
