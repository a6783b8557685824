package credential

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	ErrWrongPassphrase = errors.New("credential file cannot be opened with this passphrase")
	ErrSealedFile      = errors.New("credential file is sealed and no passphrase is configured")
)

const (
	saltSize  = 16
	nonceSize = 24
	keySize   = 32
)

// fileContents is the on-disk format. Exactly one of the plain or sealed
// forms is populated.
type fileContents struct {
	Access  string `json:"access,omitempty"`
	Refresh string `json:"refresh,omitempty"`
	Salt    []byte `json:"salt,omitempty"`
	Sealed  []byte `json:"sealed,omitempty"`
}

// FileBackend stores the credential in a JSON file readable only by the
// current user. With a passphrase the pair is sealed with secretbox under a
// scrypt-derived key.
type FileBackend struct {
	path       string
	passphrase []byte
}

// NewFileBackend creates a file backend at path
func NewFileBackend(path, passphrase string) *FileBackend {
	b := &FileBackend{path: path}
	if passphrase != "" {
		b.passphrase = []byte(passphrase)
	}
	return b
}

func (b *FileBackend) Load() (Credential, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		return Credential{}, nil
	}
	if err != nil {
		return Credential{}, fmt.Errorf("failed to read credential file: %w", err)
	}

	var contents fileContents
	if err := json.Unmarshal(data, &contents); err != nil {
		return Credential{}, fmt.Errorf("failed to parse credential file: %w", err)
	}

	if len(contents.Sealed) == 0 {
		return Credential{AccessToken: contents.Access, RefreshToken: contents.Refresh}, nil
	}
	if b.passphrase == nil {
		return Credential{}, ErrSealedFile
	}
	return b.open(contents)
}

func (b *FileBackend) Save(cred Credential) error {
	contents := fileContents{Access: cred.AccessToken, Refresh: cred.RefreshToken}
	if b.passphrase != nil {
		sealed, err := b.seal(cred)
		if err != nil {
			return err
		}
		contents = sealed
	}

	data, err := json.Marshal(contents)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}

	// Write to a sibling and rename so a crash never leaves a torn file
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	return nil
}

func (b *FileBackend) Clear() error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	return nil
}

func (b *FileBackend) seal(cred Credential) (fileContents, error) {
	plain, err := json.Marshal(cred)
	if err != nil {
		return fileContents{}, fmt.Errorf("failed to encode credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fileContents{}, fmt.Errorf("failed to generate salt: %w", err)
	}
	key, err := b.deriveKey(salt)
	if err != nil {
		return fileContents{}, err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fileContents{}, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return fileContents{
		Salt:   salt,
		Sealed: secretbox.Seal(nonce[:], plain, &nonce, key),
	}, nil
}

func (b *FileBackend) open(contents fileContents) (Credential, error) {
	if len(contents.Sealed) < nonceSize {
		return Credential{}, ErrWrongPassphrase
	}
	key, err := b.deriveKey(contents.Salt)
	if err != nil {
		return Credential{}, err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], contents.Sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, contents.Sealed[nonceSize:], &nonce, key)
	if !ok {
		return Credential{}, ErrWrongPassphrase
	}

	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return Credential{}, fmt.Errorf("failed to decode sealed credentials: %w", err)
	}
	return cred, nil
}

func (b *FileBackend) deriveKey(salt []byte) (*[keySize]byte, error) {
	derived, err := scrypt.Key(b.passphrase, salt, 1<<15, 8, 1, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}
	var key [keySize]byte
	copy(key[:], derived)
	return &key, nil
}
