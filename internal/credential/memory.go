package credential

import "sync"

// MemoryBackend keeps the credential in process memory only
type MemoryBackend struct {
	mu   sync.Mutex
	cred Credential
}

// NewMemoryBackend creates a backend seeded with cred
func NewMemoryBackend(cred Credential) *MemoryBackend {
	return &MemoryBackend{cred: cred}
}

func (b *MemoryBackend) Load() (Credential, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cred, nil
}

func (b *MemoryBackend) Save(cred Credential) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cred = cred
	return nil
}

func (b *MemoryBackend) Clear() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cred = Credential{}
	return nil
}
