package storage

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/companionlink/companionlink/internal/callbacks"
)

// FileStore is a file-based device store with Argon2id master key derivation
// and a sealed JSON payload.
type FileStore struct {
	path      string
	salt      []byte
	masterKey []byte
	uniqueID  uuid.UUID
	devices   map[string]AssociatedDevice
	keys      map[string][]byte
	mu        sync.RWMutex

	observers *callbacks.Set[Callback]
}

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	nonceSize      = chacha20poly1305.NonceSizeX
)

var (
	ErrLocked          = errors.New("device store is locked")
	ErrAlreadyExists   = errors.New("device store already exists")
	ErrNotInitialized  = errors.New("device store not initialized")
	ErrInvalidDeviceID = errors.New("device id is required")
	ErrDeviceNotFound  = errors.New("device not found")
	ErrInvalidKey      = errors.New("invalid encryption key")
	ErrInvalidPass     = errors.New("invalid passphrase")
	ErrCorruptFile     = errors.New("corrupted device store")
)

type storeFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	UniqueID string                      `json:"unique_id,omitempty"`
	Devices  map[string]AssociatedDevice `json:"devices,omitempty"`
	Keys     map[string][]byte           `json:"keys,omitempty"`
}

// NewFileStore constructs a device store backed by the provided file path.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:      path,
		devices:   make(map[string]AssociatedDevice),
		keys:      make(map[string][]byte),
		observers: callbacks.NewSet[Callback](),
	}
}

// Path returns the backing file path (primarily for logging and tests).
func (s *FileStore) Path() string {
	return s.path
}

// RegisterCallback subscribes cb to store change notifications.
func (s *FileStore) RegisterCallback(cb Callback, exec callbacks.Executor) {
	s.observers.Add(cb, exec)
}

// UnregisterCallback removes a previously registered callback.
func (s *FileStore) UnregisterCallback(cb Callback) {
	s.observers.Remove(cb)
}

// Initialize creates the store file if it does not already exist.
func (s *FileStore) Initialize(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}

	if _, err := os.Stat(s.path); err == nil {
		return ErrAlreadyExists
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !os.IsExist(err) {
		return fmt.Errorf("create store directory: %w", err)
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	zeroKeyMap(s.keys)
	s.salt = salt
	zeroBytes(s.masterKey)
	s.masterKey = deriveMasterKey(passphrase, salt)
	s.uniqueID = uuid.New()
	s.devices = make(map[string]AssociatedDevice)
	s.keys = make(map[string][]byte)

	if err := s.persist(); err != nil {
		return fmt.Errorf("persist device store: %w", err)
	}

	return ctx.Err()
}

// Unlock loads the store file and derives the master key.
func (s *FileStore) Unlock(ctx context.Context, passphrase string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read device store: %w", err)
	}

	var file storeFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode device store: %w", err)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported device store version %d", file.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}

	master := deriveMasterKey(passphrase, salt)
	id, devices, keys, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}

	zeroKeyMap(s.keys)
	zeroBytes(s.masterKey)
	s.masterKey = master
	s.salt = salt
	s.uniqueID = id
	s.devices = devices
	s.keys = keys

	return ctx.Err()
}

// UniqueID returns the hub's stable identity.
func (s *FileStore) UniqueID(ctx context.Context) (uuid.UUID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.ensureUnlocked(); err != nil {
		return uuid.Nil, err
	}
	return s.uniqueID, ctx.Err()
}

// ActiveUserAssociatedDevices returns all persisted pairing records, sorted
// by device ID for stable iteration.
func (s *FileStore) ActiveUserAssociatedDevices(ctx context.Context) ([]AssociatedDevice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.ensureUnlocked(); err != nil {
		return nil, err
	}
	out := make([]AssociatedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out, ctx.Err()
}

// AddAssociatedDeviceForActiveUser stores a new pairing record together with
// its session key and persists the file.
func (s *FileStore) AddAssociatedDeviceForActiveUser(ctx context.Context, device AssociatedDevice, key []byte) error {
	s.mu.Lock()

	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if device.DeviceID == "" {
		s.mu.Unlock()
		return ErrInvalidDeviceID
	}
	if len(key) == 0 {
		s.mu.Unlock()
		return fmt.Errorf("key cannot be empty: %w", ErrInvalidKey)
	}

	s.devices[device.DeviceID] = device
	if existing, ok := s.keys[device.DeviceID]; ok {
		zeroBytes(existing)
	}
	s.keys[device.DeviceID] = append([]byte(nil), key...)

	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist device: %w", err)
	}
	s.mu.Unlock()

	s.observers.Invoke(func(cb Callback) { cb.OnAssociatedDeviceAdded(device) })
	return ctx.Err()
}

// RemoveAssociatedDeviceForActiveUser deletes a pairing record and its key.
func (s *FileStore) RemoveAssociatedDeviceForActiveUser(ctx context.Context, deviceID string) error {
	s.mu.Lock()

	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	device, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	delete(s.devices, deviceID)
	if key, exists := s.keys[deviceID]; exists {
		zeroBytes(key)
		delete(s.keys, deviceID)
	}

	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist device store after delete: %w", err)
	}
	s.mu.Unlock()

	s.observers.Invoke(func(cb Callback) { cb.OnAssociatedDeviceRemoved(device) })
	return ctx.Err()
}

// UpdateAssociatedDeviceConnectionEnabled toggles whether the hub should
// attempt reconnections to the device.
func (s *FileStore) UpdateAssociatedDeviceConnectionEnabled(ctx context.Context, deviceID string, enabled bool) error {
	s.mu.Lock()

	if err := s.ensureUnlocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	device, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return ErrDeviceNotFound
	}
	if device.ConnectionEnabled == enabled {
		s.mu.Unlock()
		return ctx.Err()
	}
	device.ConnectionEnabled = enabled
	s.devices[deviceID] = device

	if err := s.persist(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("persist device store after update: %w", err)
	}
	s.mu.Unlock()

	s.observers.Invoke(func(cb Callback) { cb.OnAssociatedDeviceUpdated(device) })
	return ctx.Err()
}

// EncryptionKey fetches the serialized session key for a device.
func (s *FileStore) EncryptionKey(ctx context.Context, deviceID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.ensureUnlocked(); err != nil {
		return nil, err
	}
	key, ok := s.keys[deviceID]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return append([]byte(nil), key...), ctx.Err()
}

// SaveEncryptionKey writes or overwrites the session key for a device. The
// device does not need an association record yet; keys written mid-handshake
// are adopted by the record once association completes.
func (s *FileStore) SaveEncryptionKey(ctx context.Context, deviceID string, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureUnlocked(); err != nil {
		return err
	}
	if deviceID == "" {
		return ErrInvalidDeviceID
	}
	if len(key) == 0 {
		return fmt.Errorf("key cannot be empty: %w", ErrInvalidKey)
	}

	if existing, ok := s.keys[deviceID]; ok {
		zeroBytes(existing)
	}
	s.keys[deviceID] = append([]byte(nil), key...)
	if err := s.persist(); err != nil {
		return fmt.Errorf("persist encryption key: %w", err)
	}
	return ctx.Err()
}

func (s *FileStore) ensureUnlocked() error {
	if len(s.masterKey) == 0 || len(s.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (s *FileStore) persist() error {
	if err := s.ensureUnlocked(); err != nil {
		return err
	}

	nonce, ciphertext, err := sealPayload(s.masterKey, sealedPayload{
		UniqueID: s.uniqueID.String(),
		Devices:  s.devices,
		Keys:     s.keys,
	})
	if err != nil {
		return err
	}

	payload := storeFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(s.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	serialized, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode device store: %w", err)
	}

	return os.WriteFile(s.path, serialized, 0o600)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	if payload.Devices == nil {
		payload.Devices = make(map[string]AssociatedDevice)
	}
	if payload.Keys == nil {
		payload.Keys = make(map[string][]byte)
	}

	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, serialized, nil)
	zeroBytes(serialized)

	return nonce, ciphertext, nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (uuid.UUID, map[string]AssociatedDevice, map[string][]byte, error) {
	if len(masterKey) == 0 {
		return uuid.Nil, nil, nil, ErrLocked
	}
	if len(nonce) != nonceSize {
		return uuid.Nil, nil, nil, fmt.Errorf("invalid nonce size: %w", ErrInvalidPass)
	}

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return uuid.Nil, nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return uuid.Nil, nil, nil, fmt.Errorf("decrypt payload: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return uuid.Nil, nil, nil, fmt.Errorf("unmarshal payload: %w", ErrCorruptFile)
	}
	id, err := uuid.Parse(payload.UniqueID)
	if err != nil {
		return uuid.Nil, nil, nil, fmt.Errorf("parse unique id: %w", ErrCorruptFile)
	}
	if payload.Devices == nil {
		payload.Devices = make(map[string]AssociatedDevice)
	}
	if payload.Keys == nil {
		payload.Keys = make(map[string][]byte)
	}

	return id, payload.Devices, payload.Keys, nil
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

func zeroKeyMap(m map[string][]byte) {
	for k, v := range m {
		zeroBytes(v)
		delete(m, k)
	}
}
