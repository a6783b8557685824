package credential

import (
	"errors"
	"fmt"

	"github.com/99designs/keyring"
)

const (
	accessKey  = "access_token"
	refreshKey = "refresh_token"
)

// KeyringBackend stores the two tokens as separate items in the OS keyring
type KeyringBackend struct {
	ring keyring.Keyring
}

// NewKeyringBackend opens the system keyring for service, falling back to
// an encrypted file store under fileDir on hosts without a keyring daemon.
func NewKeyringBackend(service, fileDir, passphrase string) (*KeyringBackend, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: service,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(passphrase),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringBackendFrom(ring), nil
}

// NewKeyringBackendFrom wraps an already opened keyring
func NewKeyringBackendFrom(ring keyring.Keyring) *KeyringBackend {
	return &KeyringBackend{ring: ring}
}

func (b *KeyringBackend) Load() (Credential, error) {
	access, err := b.get(accessKey)
	if err != nil {
		return Credential{}, err
	}
	refresh, err := b.get(refreshKey)
	if err != nil {
		return Credential{}, err
	}
	return Credential{AccessToken: access, RefreshToken: refresh}, nil
}

func (b *KeyringBackend) Save(cred Credential) error {
	if err := b.put(accessKey, cred.AccessToken); err != nil {
		return err
	}
	return b.put(refreshKey, cred.RefreshToken)
}

func (b *KeyringBackend) Clear() error {
	return errors.Join(b.remove(accessKey), b.remove(refreshKey))
}

func (b *KeyringBackend) get(key string) (string, error) {
	item, err := b.ring.Get(key)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("getting credential %q: %w", key, err)
	}
	return string(item.Data), nil
}

// put stores value, or removes the item when value is empty
func (b *KeyringBackend) put(key, value string) error {
	if value == "" {
		return b.remove(key)
	}
	if err := b.ring.Set(keyring.Item{Key: key, Data: []byte(value)}); err != nil {
		return fmt.Errorf("setting credential %q: %w", key, err)
	}
	return nil
}

func (b *KeyringBackend) remove(key string) error {
	if err := b.ring.Remove(key); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", key, err)
	}
	return nil
}
